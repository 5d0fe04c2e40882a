package crawler

import (
	"context"
	"io"
	"time"
)

// JobStore persists queue records.
type JobStore interface {
	SaveJob(ctx context.Context, rec JobRecord) error
	GetJob(ctx context.Context, jobID string) (JobRecord, error)
	ListJobs(ctx context.Context) ([]JobRecord, error)
	DeleteJobs(ctx context.Context, jobIDs []string) error
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// HeadlessDetector decides whether a headless fetch is warranted.
type HeadlessDetector interface {
	ShouldPromote(probe FetchResponse) bool
}

// Hasher computes digests for deduplication/integrity.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}

// Task is the handle a processor receives for one attempt of a job.
type Task struct {
	ID       string
	Job      CrawlJob
	Attempt  int
	progress func(int)
}

// NewTask builds a Task; report may be nil.
func NewTask(id string, job CrawlJob, attempt int, report func(int)) *Task {
	return &Task{ID: id, Job: job, Attempt: attempt, progress: report}
}

// ReportProgress forwards a 0-100 progress value to the queue.
func (t *Task) ReportProgress(pct int) {
	if t == nil || t.progress == nil {
		return
	}
	t.progress(pct)
}

// Processor executes jobs of one crawl type. A non-nil error asks the queue to
// retry unless it is permanent; Output.Result is recorded either way.
type Processor interface {
	Process(ctx context.Context, task *Task) (Output, error)
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, task *Task) (Output, error)

// Process calls f.
func (f ProcessorFunc) Process(ctx context.Context, task *Task) (Output, error) {
	return f(ctx, task)
}
