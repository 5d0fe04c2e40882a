// Package queue implements the durable crawl job queue: priority ordering,
// delayed jobs, retries with exponential backoff and a bounded worker pool.
// Every state transition is written through to a crawler.JobStore so a
// restarted process picks up where the previous one stopped.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/docindex-crawler/internal/crawler"
	"github.com/JakeFAU/docindex-crawler/internal/metrics"
)

// Queue defaults.
const (
	DefaultConcurrency = 3
	DefaultMaxAttempts = 3
	DefaultBackoff     = 2 * time.Second
	DefaultPriority    = 10
)

// Options tunes the queue.
type Options struct {
	Concurrency     int
	MaxAttempts     int
	BackoffBase     time.Duration
	BackoffMax      time.Duration
	DefaultPriority int
}

func (o Options) withDefaults() Options {
	if o.Concurrency <= 0 {
		o.Concurrency = DefaultConcurrency
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = DefaultBackoff
	}
	if o.DefaultPriority <= 0 {
		o.DefaultPriority = DefaultPriority
	}
	return o
}

// EnqueueOptions are per-job scheduling hints. Priority 0 means the queue
// default; lower values run first.
type EnqueueOptions struct {
	Priority int
	Delay    time.Duration
}

// ResultHook receives the terminal output of each job exactly once.
type ResultHook func(ctx context.Context, rec crawler.JobRecord, out crawler.Output)

// Queue schedules crawl jobs onto registered processors.
type Queue struct {
	store  crawler.JobStore
	ids    crawler.IDGenerator
	clock  crawler.Clock
	retry  *RetryPolicy
	opts   Options
	logger *zap.Logger

	initMu     sync.Mutex
	mu         sync.Mutex
	cond       *sync.Cond
	ready      bool
	closing    bool
	processors map[crawler.CrawlType]crawler.Processor
	hooks      []ResultHook
	jobs       map[string]*entry
	waiting    jobHeap
	seq        uint64

	baseCtx context.Context
	workers sync.WaitGroup
	stopped chan struct{}

	// Store writes wait in pending so callers holding mu never block on the
	// store. The persister drains it in order.
	pmu           sync.Mutex
	pending       []persistOp
	persistClosed bool
	persistSig    chan struct{}
	persistDone   chan struct{}
}

// New constructs a Queue. It does not start workers until Initialize.
func New(
	store crawler.JobStore,
	ids crawler.IDGenerator,
	clock crawler.Clock,
	opts Options,
	logger *zap.Logger,
) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	opts = opts.withDefaults()
	q := &Queue{
		store:      store,
		ids:        ids,
		clock:      clock,
		retry:      NewRetryPolicy(opts.MaxAttempts, opts.BackoffBase, opts.BackoffMax),
		opts:       opts,
		logger:     logger,
		processors: make(map[crawler.CrawlType]crawler.Processor),
		jobs:       make(map[string]*entry),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// RegisterProcessor binds a processor to a crawl type. Unknown crawl types
// are rejected; each type accepts exactly one processor.
func (q *Queue) RegisterProcessor(t crawler.CrawlType, p crawler.Processor) error {
	if !t.Valid() {
		return &crawler.ValidationError{Field: "crawlType", Reason: fmt.Sprintf("unknown crawl type %q", t)}
	}
	if p == nil {
		return &crawler.ValidationError{Field: "processor", Reason: "nil processor"}
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, exists := q.processors[t]; exists {
		return fmt.Errorf("processor %q already registered: %w", t, crawler.ErrConflict)
	}
	q.processors[t] = p
	q.logger.Debug("processor registered", zap.String("crawl_type", string(t)))
	return nil
}

// OnResult adds a hook called with every terminal result.
func (q *Queue) OnResult(hook ResultHook) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.hooks = append(q.hooks, hook)
}

// Initialize loads persisted jobs and starts the worker pool. Jobs that were
// active when the previous process stopped go back to waiting. Concurrent
// calls start one pool; later calls return nil.
func (q *Queue) Initialize(ctx context.Context) error {
	q.initMu.Lock()
	defer q.initMu.Unlock()

	q.mu.Lock()
	if q.ready || q.closing {
		q.mu.Unlock()
		return nil
	}
	q.mu.Unlock()

	records, err := q.store.ListJobs(ctx)
	if err != nil {
		return fmt.Errorf("load persisted jobs: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closing {
		return nil
	}
	q.baseCtx = context.WithoutCancel(ctx)
	q.persistSig = make(chan struct{}, 1)
	q.persistDone = make(chan struct{})
	go q.persister(q.baseCtx, q.persistDone)

	now := q.clock.Now()
	recovered := 0
	for _, rec := range records {
		e := &entry{rec: rec, index: -1}
		q.jobs[rec.ID] = e
		if rec.Seq > q.seq {
			q.seq = rec.Seq
		}
		switch rec.State {
		case crawler.StateActive:
			e.rec.StartedAt = nil
			q.makeWaitingLocked(e)
			q.persistLocked(e.rec)
			recovered++
		case crawler.StateWaiting:
			q.makeWaitingLocked(e)
		case crawler.StateDelayed:
			q.scheduleLocked(e, e.rec.RunAt.Sub(now))
		}
	}

	q.ready = true
	for i := 0; i < q.opts.Concurrency; i++ {
		q.workers.Add(1)
		go q.worker(i)
	}
	q.logger.Info("queue initialized",
		zap.Int("concurrency", q.opts.Concurrency),
		zap.Int("loaded_jobs", len(records)),
		zap.Int("recovered_active", recovered),
	)
	return nil
}

// Ready reports whether Initialize finished and Shutdown has not begun.
func (q *Queue) Ready() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ready && !q.closing
}

// Enqueue stores a job and schedules it. It returns the generated job ID.
func (q *Queue) Enqueue(_ context.Context, job crawler.CrawlJob, opts EnqueueOptions) (string, error) {
	q.mu.Lock()
	ready, closing := q.ready, q.closing
	_, hasProcessor := q.processors[job.CrawlType]
	q.mu.Unlock()
	if !ready {
		return "", crawler.ErrNotReady
	}
	if closing {
		return "", fmt.Errorf("queue is shutting down: %w", crawler.ErrNotReady)
	}
	if err := job.Validate(); err != nil {
		return "", err
	}
	if opts.Priority < 0 {
		return "", &crawler.ValidationError{Field: "priority", Reason: "must be >= 0"}
	}
	if opts.Delay < 0 {
		return "", &crawler.ValidationError{Field: "delay", Reason: "must be >= 0"}
	}
	if !hasProcessor {
		return "", fmt.Errorf("crawl type %q: %w", job.CrawlType, crawler.ErrNoProcessor)
	}

	id, err := q.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("generate job id: %w", err)
	}
	priority := opts.Priority
	if priority == 0 {
		priority = q.opts.DefaultPriority
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closing {
		return "", fmt.Errorf("queue is shutting down: %w", crawler.ErrNotReady)
	}
	now := q.clock.Now()
	q.seq++
	e := &entry{
		index: -1,
		rec: crawler.JobRecord{
			ID:        id,
			Job:       cloneJob(job),
			State:     crawler.StateWaiting,
			Priority:  priority,
			Seq:       q.seq,
			CreatedAt: now,
			RunAt:     now.Add(opts.Delay),
		},
	}
	q.jobs[id] = e
	if opts.Delay > 0 {
		q.scheduleLocked(e, opts.Delay)
	} else {
		q.makeWaitingLocked(e)
	}
	q.persistLocked(e.rec)
	q.logger.Info("job enqueued",
		zap.String("job_id", id),
		zap.String("crawl_type", string(job.CrawlType)),
		zap.String("library_id", job.LibraryID),
		zap.Int("priority", priority),
		zap.Duration("delay", opts.Delay),
	)
	return id, nil
}

// Status reports the state, progress and job for id.
func (q *Queue) Status(ctx context.Context, id string) (crawler.JobStatus, error) {
	q.mu.Lock()
	e, ok := q.jobs[id]
	var rec crawler.JobRecord
	if ok {
		rec = e.rec
	}
	q.mu.Unlock()
	if ok {
		return crawler.StatusOf(rec), nil
	}
	rec, err := q.store.GetJob(ctx, id)
	if err != nil {
		if errors.Is(err, crawler.ErrNotFound) {
			return crawler.JobStatus{}, fmt.Errorf("job %s: %w", id, crawler.ErrNotFound)
		}
		return crawler.JobStatus{}, fmt.Errorf("load job %s: %w", id, err)
	}
	return crawler.StatusOf(rec), nil
}

// Stats counts known jobs by state.
func (q *Queue) Stats(_ context.Context) crawler.QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	var stats crawler.QueueStats
	for _, e := range q.jobs {
		stats.Add(e.rec.State)
	}
	return stats
}

// Clean removes completed and failed jobs that finished more than olderThan
// ago, from memory and from the store. It returns how many were removed.
func (q *Queue) Clean(ctx context.Context, olderThan time.Duration) (int, error) {
	q.mu.Lock()
	if !q.ready || q.closing {
		q.mu.Unlock()
		return 0, crawler.ErrNotReady
	}
	cutoff := q.clock.Now().Add(-olderThan)
	var ids []string
	for id, e := range q.jobs {
		if !e.rec.State.Terminal() || e.rec.FinishedAt == nil {
			continue
		}
		if e.rec.FinishedAt.Before(cutoff) || e.rec.FinishedAt.Equal(cutoff) {
			ids = append(ids, id)
			delete(q.jobs, id)
		}
	}
	if len(ids) == 0 {
		q.mu.Unlock()
		return 0, nil
	}
	done := make(chan error, 1)
	q.pushPersist(persistOp{deleteIDs: ids, done: done})
	q.mu.Unlock()

	select {
	case err := <-done:
		if err != nil {
			return len(ids), fmt.Errorf("delete cleaned jobs: %w", err)
		}
	case <-ctx.Done():
		return len(ids), fmt.Errorf("clean canceled: %w", ctx.Err())
	}
	q.logger.Info("cleaned old jobs", zap.Int("removed", len(ids)), zap.Duration("older_than", olderThan))
	return len(ids), nil
}

// Shutdown stops accepting jobs, lets in-flight jobs finish, and flushes
// pending writes. Waiting and delayed jobs stay persisted for the next start.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	if !q.ready {
		q.closing = true
		q.mu.Unlock()
		return nil
	}
	if q.stopped == nil {
		q.stopped = make(chan struct{})
		q.closing = true
		for _, e := range q.jobs {
			if e.timer != nil {
				e.timer.Stop()
				e.timer = nil
			}
		}
		q.cond.Broadcast()
		go func(stopped chan struct{}) {
			q.workers.Wait()
			q.closePersist()
			<-q.persistDone
			close(stopped)
		}(q.stopped)
		q.logger.Info("queue shutting down")
	}
	stopped := q.stopped
	q.mu.Unlock()

	select {
	case <-stopped:
		q.logger.Info("queue stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("queue shutdown: %w", ctx.Err())
	}
}

// makeWaitingLocked moves e onto the ready heap and wakes one worker.
func (q *Queue) makeWaitingLocked(e *entry) {
	e.rec.State = crawler.StateWaiting
	heap.Push(&q.waiting, e)
	q.cond.Signal()
}

// scheduleLocked parks e as delayed until d elapses.
func (q *Queue) scheduleLocked(e *entry, d time.Duration) {
	if d <= 0 {
		q.makeWaitingLocked(e)
		return
	}
	e.rec.State = crawler.StateDelayed
	id := e.rec.ID
	e.timer = time.AfterFunc(d, func() { q.promote(id) })
}

func (q *Queue) promote(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closing {
		return
	}
	e, ok := q.jobs[id]
	if !ok || e.rec.State != crawler.StateDelayed {
		return
	}
	e.timer = nil
	q.makeWaitingLocked(e)
	q.persistLocked(e.rec)
}

func cloneJob(job crawler.CrawlJob) crawler.CrawlJob {
	if job.Metadata != nil {
		meta := make(map[string]string, len(job.Metadata))
		for k, v := range job.Metadata {
			meta[k] = v
		}
		job.Metadata = meta
	}
	return job
}
