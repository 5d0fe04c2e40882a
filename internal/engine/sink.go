package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/docindex-crawler/internal/crawler"
	"github.com/JakeFAU/docindex-crawler/internal/metrics"
	"github.com/JakeFAU/docindex-crawler/internal/parser/code"
)

// DefaultBundleContentType is the content type of stored bundles.
const DefaultBundleContentType = "application/json"

// Bundle is the stored artifact for one finished job.
type Bundle struct {
	JobID       string                    `json:"jobId"`
	Job         crawler.CrawlJob          `json:"job"`
	Result      crawler.CrawlJobResult    `json:"result"`
	Attempts    int                       `json:"attempts"`
	Content     *crawler.ExtractedContent `json:"content,omitempty"`
	Pages       []crawler.ScrapedPage     `json:"pages,omitempty"`
	Versions    []string                  `json:"versions,omitempty"`
	Records     []DocRecord               `json:"records"`
	Examples    []code.Example            `json:"examples"`
	GeneratedAt time.Time                 `json:"generatedAt"`
}

// ResultEvent is the message published for each finished job.
type ResultEvent struct {
	JobID        string                 `json:"jobId"`
	LibraryID    string                 `json:"libraryId"`
	CrawlType    crawler.CrawlType      `json:"crawlType"`
	Status       crawler.ResultStatus   `json:"status"`
	PagesCrawled int                    `json:"pagesCrawled"`
	PagesIndexed int                    `json:"pagesIndexed"`
	Records      int                    `json:"records"`
	Examples     int                    `json:"examples"`
	Error        string                 `json:"error,omitempty"`
	BlobURI      string                 `json:"blobUri,omitempty"`
	SHA256       string                 `json:"sha256,omitempty"`
	Result       crawler.CrawlJobResult `json:"result"`
	Timestamp    time.Time              `json:"timestamp"`
}

// Attributes are attached to the Pub/Sub message for subscription filters.
func (e ResultEvent) Attributes() map[string]string {
	return map[string]string{
		"job_id":        e.JobID,
		"library_id":    e.LibraryID,
		"crawl_type":    string(e.CrawlType),
		"status":        string(e.Status),
		"pages_crawled": strconv.Itoa(e.PagesCrawled),
	}
}

// SinkConfig names where bundles and events go. An empty Topic disables
// publishing.
type SinkConfig struct {
	Prefix      string
	Topic       string
	ContentType string
}

// Sink stores a Bundle per finished job and announces it.
type Sink struct {
	blobs     crawler.BlobStore
	publisher crawler.Publisher
	hasher    crawler.Hasher
	deriver   *Deriver
	clock     crawler.Clock
	cfg       SinkConfig
	logger    *zap.Logger
}

// NewSink builds a Sink. blobs and publisher may be nil to skip that step.
func NewSink(
	blobs crawler.BlobStore,
	publisher crawler.Publisher,
	hasher crawler.Hasher,
	deriver *Deriver,
	clock crawler.Clock,
	cfg SinkConfig,
	logger *zap.Logger,
) *Sink {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deriver == nil {
		deriver = NewDeriver(0, logger)
	}
	if cfg.ContentType == "" {
		cfg.ContentType = DefaultBundleContentType
	}
	metrics.Init()
	return &Sink{
		blobs:     blobs,
		publisher: publisher,
		hasher:    hasher,
		deriver:   deriver,
		clock:     clock,
		cfg:       cfg,
		logger:    logger.Named("sink"),
	}
}

// Handle is a queue.ResultHook. Failures are logged; the job outcome stands.
func (s *Sink) Handle(ctx context.Context, rec crawler.JobRecord, out crawler.Output) {
	if _, err := s.Deliver(ctx, rec, out); err != nil {
		s.logger.Error("result delivery failed", zap.String("job_id", rec.ID), zap.Error(err))
	}
}

// Deliver builds, stores and publishes the bundle for rec.
func (s *Sink) Deliver(ctx context.Context, rec crawler.JobRecord, out crawler.Output) (ResultEvent, error) {
	bundle := s.Bundle(rec, out)
	event := ResultEvent{
		JobID:        rec.ID,
		LibraryID:    rec.Job.LibraryID,
		CrawlType:    rec.Job.CrawlType,
		Status:       bundle.Result.Status,
		PagesCrawled: bundle.Result.PagesCrawled,
		PagesIndexed: bundle.Result.PagesIndexed,
		Records:      len(bundle.Records),
		Examples:     len(bundle.Examples),
		Error:        bundle.Result.Error,
		Result:       bundle.Result,
		Timestamp:    bundle.GeneratedAt,
	}
	logger := s.logger.With(zap.String("job_id", rec.ID), zap.String("library_id", rec.Job.LibraryID))

	if s.blobs != nil {
		data, err := json.Marshal(bundle)
		if err != nil {
			return event, fmt.Errorf("marshal bundle: %w", err)
		}
		if s.hasher != nil {
			if event.SHA256, err = s.hasher.Hash(data); err != nil {
				return event, fmt.Errorf("hash bundle: %w", err)
			}
		}
		event.BlobURI, err = s.blobs.PutObject(ctx, s.BlobPath(rec), s.cfg.ContentType, bytes.NewReader(data))
		if err != nil {
			return event, fmt.Errorf("store bundle: %w", err)
		}
		logger.Info("bundle stored", zap.String("blob_uri", event.BlobURI), zap.Int("bytes", len(data)))
	}

	if s.publisher == nil || s.cfg.Topic == "" {
		metrics.ObservePublish("skipped")
		return event, nil
	}
	msgID, err := s.publisher.Publish(ctx, s.cfg.Topic, event)
	if err != nil {
		metrics.ObservePublish("error")
		return event, fmt.Errorf("publish result event: %w", err)
	}
	metrics.ObservePublish("ok")
	logger.Info("result published", zap.String("topic", s.cfg.Topic), zap.String("message_id", msgID))
	return event, nil
}

// Bundle assembles the stored artifact for rec.
func (s *Sink) Bundle(rec crawler.JobRecord, out crawler.Output) Bundle {
	result := out.Result
	if rec.Result != nil {
		result = *rec.Result
	}
	b := Bundle{
		JobID:       rec.ID,
		Job:         rec.Job,
		Result:      result,
		Attempts:    rec.AttemptsMade,
		Content:     out.Content,
		Pages:       out.Pages,
		Versions:    out.Versions,
		Records:     []DocRecord{},
		Examples:    []code.Example{},
		GeneratedAt: s.clock.Now(),
	}
	if result.Status == crawler.ResultCompleted {
		b.Records, b.Examples = s.deriver.Derive(rec.Job, out)
	}
	return b
}

// BlobPath is {prefix}/{libraryId}/{jobId}.json.
func (s *Sink) BlobPath(rec crawler.JobRecord) string {
	parts := make([]string, 0, 3)
	if p := strings.Trim(s.cfg.Prefix, "/"); p != "" {
		parts = append(parts, p)
	}
	lib := strings.Trim(rec.Job.LibraryID, "/")
	if lib == "" {
		lib = "unknown"
	}
	parts = append(parts, lib, rec.ID+".json")
	return strings.Join(parts, "/")
}
