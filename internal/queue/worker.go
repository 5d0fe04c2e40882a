package queue

import (
	"container/heap"
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/docindex-crawler/internal/crawler"
	"github.com/JakeFAU/docindex-crawler/internal/metrics"
)

const tracerName = "github.com/JakeFAU/docindex-crawler/internal/queue"

// lease is a worker's private view of the job it picked.
type lease struct {
	id      string
	job     crawler.CrawlJob
	attempt int
	proc    crawler.Processor
}

// worker consumes waiting jobs until the queue shuts down.
func (q *Queue) worker(index int) {
	defer q.workers.Done()
	logger := q.logger.With(zap.Int("worker", index))
	for {
		l, ok := q.next()
		if !ok {
			logger.Debug("worker stopped")
			return
		}
		q.run(logger, l)
	}
}

// next blocks until a job is waiting or the queue is closing.
func (q *Queue) next() (lease, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for !q.closing && q.waiting.Len() == 0 {
		q.cond.Wait()
	}
	if q.closing {
		return lease{}, false
	}
	e := heap.Pop(&q.waiting).(*entry)
	now := q.clock.Now()
	e.rec.State = crawler.StateActive
	e.rec.StartedAt = &now
	q.persistLocked(e.rec)
	return lease{
		id:      e.rec.ID,
		job:     e.rec.Job,
		attempt: e.rec.AttemptsMade + 1,
		proc:    q.processors[e.rec.Job.CrawlType],
	}, true
}

func (q *Queue) run(logger *zap.Logger, l lease) {
	logger = logger.With(
		zap.String("job_id", l.id),
		zap.String("crawl_type", string(l.job.CrawlType)),
		zap.Int("attempt", l.attempt),
	)
	ctx, span := otel.Tracer(tracerName).Start(q.baseCtx, "crawl "+string(l.job.CrawlType),
		trace.WithAttributes(
			attribute.String("job.id", l.id),
			attribute.String("library.id", l.job.LibraryID),
			attribute.Int("job.attempt", l.attempt),
		),
	)
	defer span.End()
	if sc := span.SpanContext(); sc.IsValid() {
		logger = logger.With(zap.String("trace_id", sc.TraceID().String()))
	}
	logger.Info("job started")

	metrics.IncActiveWorkers()
	start := time.Now()
	task := crawler.NewTask(l.id, l.job, l.attempt, func(pct int) { q.setProgress(l.id, pct) })
	out, err := q.invoke(ctx, l, task)
	metrics.DecActiveWorkers()
	metrics.ObserveJobDuration(string(l.job.CrawlType), time.Since(start))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Warn("job attempt failed", zap.Error(err))
	} else {
		span.SetAttributes(attribute.Int("pages.crawled", out.Result.PagesCrawled))
		logger.Info("job attempt succeeded", zap.Int("pages_crawled", out.Result.PagesCrawled))
	}
	q.finish(logger, l, out, err)
}

// invoke runs the processor, turning a panic into an error.
func (q *Queue) invoke(ctx context.Context, l lease, task *crawler.Task) (out crawler.Output, err error) {
	if l.proc == nil {
		return crawler.Output{}, crawler.Permanent(
			fmt.Errorf("crawl type %q: %w", l.job.CrawlType, crawler.ErrNoProcessor),
		)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("processor panic: %v", r)
		}
	}()
	return l.proc.Process(ctx, task)
}

func (q *Queue) setProgress(id string, pct int) {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.jobs[id]
	if !ok || e.rec.State != crawler.StateActive {
		return
	}
	e.rec.Progress = pct
	q.persistLocked(e.rec)
}

// finish records the outcome of one attempt and either completes, retries or
// fails the job. Hooks run only for terminal outcomes.
func (q *Queue) finish(logger *zap.Logger, l lease, out crawler.Output, err error) {
	q.mu.Lock()
	e, ok := q.jobs[l.id]
	if !ok {
		q.mu.Unlock()
		return
	}
	now := q.clock.Now()
	e.rec.AttemptsMade = l.attempt
	terminal := true

	switch {
	case err == nil:
		res := out.Result
		res.JobID = l.id
		res.LibraryID = l.job.LibraryID
		res.Status = crawler.ResultCompleted
		res.Error = ""
		if res.Timestamp.IsZero() {
			res.Timestamp = now
		}
		out.Result = res
		e.rec.State = crawler.StateCompleted
		e.rec.FailedReason = ""
		e.rec.Progress = 100
		e.rec.Result = &res
		e.rec.FinishedAt = &now
		metrics.ObserveJob(string(crawler.StateCompleted))
	case q.retry.ShouldRetry(err, l.attempt):
		terminal = false
		delay := q.retry.Backoff(l.attempt)
		e.rec.FailedReason = err.Error()
		e.rec.RunAt = now.Add(delay)
		e.rec.StartedAt = nil
		q.scheduleLocked(e, delay)
		metrics.ObserveRetry()
		logger.Info("job scheduled for retry",
			zap.Duration("backoff", delay),
			zap.Int("attempts_left", q.retry.MaxAttempts()-l.attempt),
		)
	default:
		res := out.Result
		if res.Status != crawler.ResultFailed || res.Error == "" {
			started := now
			if e.rec.StartedAt != nil {
				started = *e.rec.StartedAt
			}
			res = crawler.FailedResult(l.id, l.job, err, started, now)
		}
		res.JobID = l.id
		res.LibraryID = l.job.LibraryID
		out.Result = res
		e.rec.State = crawler.StateFailed
		e.rec.FailedReason = res.Error
		e.rec.Result = &res
		e.rec.FinishedAt = &now
		metrics.ObserveJob(string(crawler.StateFailed))
		logger.Error("job failed", zap.String("reason", res.Error))
	}

	rec := e.rec
	q.persistLocked(rec)
	hooks := append([]ResultHook(nil), q.hooks...)
	ctx := q.baseCtx
	q.mu.Unlock()

	if !terminal {
		return
	}
	for _, hook := range hooks {
		hook(ctx, rec, out)
	}
}

// persistOp is one ordered write to the job store.
type persistOp struct {
	rec       crawler.JobRecord
	deleteIDs []string
	done      chan error
}

// persistLocked queues a snapshot write. Callers hold q.mu so snapshots reach
// the store in transition order. It never blocks on the store.
func (q *Queue) persistLocked(rec crawler.JobRecord) {
	if q.persistSig == nil {
		return
	}
	q.pushPersist(persistOp{rec: rec})
}

func (q *Queue) pushPersist(op persistOp) {
	q.pmu.Lock()
	if q.persistClosed {
		q.pmu.Unlock()
		if op.done != nil {
			op.done <- crawler.ErrNotReady
		}
		return
	}
	q.pending = append(q.pending, op)
	q.pmu.Unlock()
	q.wakePersister()
}

func (q *Queue) wakePersister() {
	select {
	case q.persistSig <- struct{}{}:
	default:
	}
}

// closePersist lets the persister exit once pending is drained.
func (q *Queue) closePersist() {
	q.pmu.Lock()
	q.persistClosed = true
	q.pmu.Unlock()
	q.wakePersister()
}

func (q *Queue) persister(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	for {
		q.pmu.Lock()
		batch := q.pending
		q.pending = nil
		closed := q.persistClosed
		q.pmu.Unlock()

		if len(batch) == 0 {
			if closed {
				return
			}
			<-q.persistSig
			continue
		}
		for _, op := range batch {
			q.applyPersist(ctx, op)
		}
	}
}

func (q *Queue) applyPersist(ctx context.Context, op persistOp) {
	var err error
	if op.deleteIDs != nil {
		err = q.store.DeleteJobs(ctx, op.deleteIDs)
	} else {
		err = q.store.SaveJob(ctx, op.rec)
	}
	if op.done != nil {
		op.done <- err
		return
	}
	if err != nil {
		q.logger.Warn("persist job failed",
			zap.String("job_id", op.rec.ID),
			zap.String("state", string(op.rec.State)),
			zap.Error(err),
		)
	}
}
