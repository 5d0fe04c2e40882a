// Package engine wires the crawl processors into the job queue and ships
// every terminal result to the result sink.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/docindex-crawler/internal/crawler"
	"github.com/JakeFAU/docindex-crawler/internal/queue"
	"github.com/JakeFAU/docindex-crawler/internal/repository/github"
	"github.com/JakeFAU/docindex-crawler/internal/scraper"
)

// Maintenance defaults.
const (
	DefaultStatsInterval   = time.Minute
	DefaultCleanupInterval = time.Hour
	DefaultRetention       = 24 * time.Hour
)

// Config controls the maintenance loop. A zero interval disables that task.
type Config struct {
	StatsInterval   time.Duration
	CleanupInterval time.Duration
	Retention       time.Duration
}

// Engine is the entry point for submitting and inspecting crawl jobs.
type Engine struct {
	queue  *queue.Queue
	cfg    Config
	logger *zap.Logger
}

// New registers the repo, docs-site and full processors on q and attaches
// sink, when given, as the result hook.
func New(
	q *queue.Queue,
	repos *github.Crawler,
	docs *scraper.Scraper,
	sink *Sink,
	clock crawler.Clock,
	cfg Config,
	logger *zap.Logger,
) (*Engine, error) {
	if q == nil || repos == nil || docs == nil {
		return nil, errors.New("engine requires a queue, a repository crawler and a docs scraper")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	processors := map[crawler.CrawlType]crawler.Processor{
		crawler.CrawlTypeRepo:     repos,
		crawler.CrawlTypeDocsSite: docs,
		crawler.CrawlTypeFull:     newFullProcessor(repos, docs, clock, logger),
	}
	for _, t := range crawler.CrawlTypes {
		if err := q.RegisterProcessor(t, processors[t]); err != nil {
			return nil, fmt.Errorf("register %s processor: %w", t, err)
		}
	}
	if sink != nil {
		q.OnResult(sink.Handle)
	}
	return &Engine{queue: q, cfg: cfg, logger: logger.Named("engine")}, nil
}

// Start loads persisted jobs and starts the workers.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.queue.Initialize(ctx); err != nil {
		return fmt.Errorf("start queue: %w", err)
	}
	e.logger.Info("crawler engine started")
	return nil
}

// QueueCrawl submits job with the given priority (0 means the default).
func (e *Engine) QueueCrawl(ctx context.Context, job crawler.CrawlJob, priority int) (string, error) {
	return e.Submit(ctx, job, queue.EnqueueOptions{Priority: priority})
}

// Submit enqueues job with full scheduling options.
func (e *Engine) Submit(ctx context.Context, job crawler.CrawlJob, opts queue.EnqueueOptions) (string, error) {
	id, err := e.queue.Enqueue(ctx, job, opts)
	if err != nil {
		return "", err
	}
	e.logger.Debug("crawl queued", zap.String("job_id", id), zap.String("library_id", job.LibraryID))
	return id, nil
}

// Status returns the state of job id.
func (e *Engine) Status(ctx context.Context, id string) (crawler.JobStatus, error) {
	return e.queue.Status(ctx, id)
}

// Stats counts jobs by state.
func (e *Engine) Stats(ctx context.Context) crawler.QueueStats {
	return e.queue.Stats(ctx)
}

// Cleanup removes finished jobs older than olderThan.
func (e *Engine) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	return e.queue.Clean(ctx, olderThan)
}

// Ready reports whether the engine accepts jobs.
func (e *Engine) Ready() bool {
	return e.queue.Ready()
}

// Shutdown drains in-flight jobs.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.logger.Info("crawler engine shutting down")
	return e.queue.Shutdown(ctx)
}

// RunMaintenance logs queue stats and purges old jobs on their intervals
// until ctx is done.
func (e *Engine) RunMaintenance(ctx context.Context) {
	statsC := tick(e.cfg.StatsInterval)
	cleanC := tick(e.cfg.CleanupInterval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-statsC:
			s := e.Stats(ctx)
			e.logger.Info("queue stats",
				zap.Int("waiting", s.Waiting),
				zap.Int("active", s.Active),
				zap.Int("completed", s.Completed),
				zap.Int("failed", s.Failed),
				zap.Int("delayed", s.Delayed),
			)
		case <-cleanC:
			n, err := e.Cleanup(ctx, e.cfg.Retention)
			if err != nil {
				if errors.Is(err, crawler.ErrNotReady) {
					return
				}
				e.logger.Warn("scheduled cleanup failed", zap.Error(err))
				continue
			}
			if n > 0 {
				e.logger.Info("scheduled cleanup removed jobs", zap.Int("removed", n))
			}
		}
	}
}

// tick returns a ticker channel, or nil (never fires) when d <= 0. The
// ticker lives as long as the process.
func tick(d time.Duration) <-chan time.Time {
	if d <= 0 {
		return nil
	}
	return time.NewTicker(d).C
}
