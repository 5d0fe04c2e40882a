// Package crawler defines core types shared across subsystems.
package crawler

import (
	"fmt"
	"net/http"
	"strings"
	"time"
)

// CrawlType selects the processor a job is routed to.
type CrawlType string

// Supported crawl types.
const (
	CrawlTypeRepo     CrawlType = "repo"
	CrawlTypeDocsSite CrawlType = "docs-site"
	CrawlTypeFull     CrawlType = "full"
)

// CrawlTypes lists every crawl type the engine can route.
var CrawlTypes = []CrawlType{CrawlTypeRepo, CrawlTypeDocsSite, CrawlTypeFull}

// Valid reports whether t is one of the known crawl types.
func (t CrawlType) Valid() bool {
	switch t {
	case CrawlTypeRepo, CrawlTypeDocsSite, CrawlTypeFull:
		return true
	default:
		return false
	}
}

// ParseCrawlType converts a raw string into a CrawlType.
func ParseCrawlType(raw string) (CrawlType, error) {
	t := CrawlType(strings.TrimSpace(strings.ToLower(raw)))
	if !t.Valid() {
		return "", &ValidationError{Field: "crawlType", Reason: fmt.Sprintf("unknown crawl type %q", raw)}
	}
	return t, nil
}

// CrawlJob describes one library to extract content from.
type CrawlJob struct {
	LibraryID     string            `json:"libraryId"`
	LibraryName   string            `json:"libraryName"`
	FullName      string            `json:"fullName"`
	Version       string            `json:"version,omitempty"`
	RepositoryURL string            `json:"repositoryUrl,omitempty"`
	CrawlType     CrawlType         `json:"crawlType"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Validate checks the fields every processor relies on.
func (j CrawlJob) Validate() error {
	if strings.TrimSpace(j.LibraryID) == "" {
		return &ValidationError{Field: "libraryId", Reason: "required"}
	}
	if !j.CrawlType.Valid() {
		return &ValidationError{Field: "crawlType", Reason: fmt.Sprintf("unknown crawl type %q", j.CrawlType)}
	}
	if j.CrawlType != CrawlTypeDocsSite && strings.TrimSpace(j.FullName) == "" {
		return &ValidationError{Field: "fullName", Reason: "required for repository crawls"}
	}
	return nil
}

// Meta returns a metadata value or "" when absent.
func (j CrawlJob) Meta(key string) string {
	if j.Metadata == nil {
		return ""
	}
	return j.Metadata[key]
}

// ResultStatus is the outcome recorded on a CrawlJobResult.
type ResultStatus string

// Result status values.
const (
	ResultCompleted ResultStatus = "completed"
	ResultFailed    ResultStatus = "failed"
)

// CrawlJobResult summarizes one job execution.
type CrawlJobResult struct {
	JobID        string       `json:"jobId"`
	LibraryID    string       `json:"libraryId"`
	Status       ResultStatus `json:"status"`
	PagesCrawled int          `json:"pagesCrawled"`
	PagesIndexed int          `json:"pagesIndexed"`
	Error        string       `json:"error,omitempty"`
	DurationMs   int64        `json:"durationMs"`
	Timestamp    time.Time    `json:"timestamp"`
}

// CompletedResult builds a completed result; indexed is reported equal to crawled.
func CompletedResult(jobID string, job CrawlJob, pages int, started, now time.Time) CrawlJobResult {
	return CrawlJobResult{
		JobID:        jobID,
		LibraryID:    job.LibraryID,
		Status:       ResultCompleted,
		PagesCrawled: pages,
		PagesIndexed: pages,
		DurationMs:   now.Sub(started).Milliseconds(),
		Timestamp:    now,
	}
}

// FailedResult builds a failed result with zero counts.
func FailedResult(jobID string, job CrawlJob, err error, started, now time.Time) CrawlJobResult {
	msg := "unknown error"
	if err != nil && err.Error() != "" {
		msg = err.Error()
	}
	return CrawlJobResult{
		JobID:      jobID,
		LibraryID:  job.LibraryID,
		Status:     ResultFailed,
		Error:      msg,
		DurationMs: now.Sub(started).Milliseconds(),
		Timestamp:  now,
	}
}

// PageType classifies a scraped documentation page.
type PageType string

// Page types.
const (
	PageGuide   PageType = "guide"
	PageAPI     PageType = "api"
	PageExample PageType = "example"
	PageOther   PageType = "other"
)

// ScrapedPage is one documentation page accepted by the site scraper.
type ScrapedPage struct {
	URL      string   `json:"url"`
	Title    string   `json:"title"`
	Content  string   `json:"content"`
	Markdown string   `json:"markdown,omitempty"`
	Type     PageType `json:"type"`
	Topics   []string `json:"topics"`
	Depth    int      `json:"depth"`
}

// FileKind distinguishes files from directories in repository listings.
type FileKind string

// File kinds.
const (
	KindFile FileKind = "file"
	KindDir  FileKind = "dir"
)

// RepoFile is a file pulled from a hosted repository.
type RepoFile struct {
	Path    string   `json:"path"`
	Kind    FileKind `json:"kind"`
	Content string   `json:"content,omitempty"`
	URL     string   `json:"url,omitempty"`
}

// ExtractedContent is the repository crawler payload.
type ExtractedContent struct {
	Files        []RepoFile     `json:"files"`
	Readme       *string        `json:"readme,omitempty"`
	Manifest     map[string]any `json:"manifest,omitempty"`
	ExampleCount int            `json:"exampleCount"`
}

// Output is what a processor hands back to the queue.
type Output struct {
	Result   CrawlJobResult    `json:"result"`
	Content  *ExtractedContent `json:"content,omitempty"`
	Pages    []ScrapedPage     `json:"pages,omitempty"`
	Versions []string          `json:"versions,omitempty"`
}

// JobState is the queue lifecycle state of a job.
type JobState string

// Job states.
const (
	StateWaiting   JobState = "waiting"
	StateActive    JobState = "active"
	StateCompleted JobState = "completed"
	StateFailed    JobState = "failed"
	StateDelayed   JobState = "delayed"
)

// Terminal reports whether no further transitions can happen.
func (s JobState) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// JobRecord is the persisted queue row for one job.
type JobRecord struct {
	ID           string          `json:"id"`
	Job          CrawlJob        `json:"job"`
	State        JobState        `json:"state"`
	Priority     int             `json:"priority"`
	Seq          uint64          `json:"seq"`
	Progress     int             `json:"progress"`
	AttemptsMade int             `json:"attemptsMade"`
	FailedReason string          `json:"failedReason,omitempty"`
	Result       *CrawlJobResult `json:"result,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	RunAt        time.Time       `json:"runAt"`
	StartedAt    *time.Time      `json:"startedAt,omitempty"`
	FinishedAt   *time.Time      `json:"finishedAt,omitempty"`
}

// JobStatus is the answer to a status query.
type JobStatus struct {
	ID           string          `json:"id"`
	State        JobState        `json:"state"`
	Progress     int             `json:"progress"`
	Job          CrawlJob        `json:"job"`
	AttemptsMade int             `json:"attemptsMade"`
	FailedReason string          `json:"failedReason,omitempty"`
	Result       *CrawlJobResult `json:"result,omitempty"`
}

// StatusOf projects a record into a JobStatus.
func StatusOf(rec JobRecord) JobStatus {
	return JobStatus{
		ID:           rec.ID,
		State:        rec.State,
		Progress:     rec.Progress,
		Job:          rec.Job,
		AttemptsMade: rec.AttemptsMade,
		FailedReason: rec.FailedReason,
		Result:       rec.Result,
	}
}

// QueueStats counts jobs by state.
type QueueStats struct {
	Waiting   int `json:"waiting"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Delayed   int `json:"delayed"`
}

// Add increments the counter for state.
func (s *QueueStats) Add(state JobState) {
	switch state {
	case StateWaiting:
		s.Waiting++
	case StateActive:
		s.Active++
	case StateCompleted:
		s.Completed++
	case StateFailed:
		s.Failed++
	case StateDelayed:
		s.Delayed++
	}
}

// FetchRequest captures everything needed to fetch a URL.
type FetchRequest struct {
	JobID   string
	URL     string
	Depth   int
	Headers http.Header
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL          string
	StatusCode   int
	Headers      http.Header
	Body         []byte
	Duration     time.Duration
	UsedHeadless bool
}

// OK reports a 2xx status.
func (r FetchResponse) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}
