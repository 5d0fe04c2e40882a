package queue_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/docindex-crawler/internal/clock/system"
	"github.com/JakeFAU/docindex-crawler/internal/crawler"
	"github.com/JakeFAU/docindex-crawler/internal/queue"
	"github.com/JakeFAU/docindex-crawler/internal/storage/memory"
)

func TestQueueRetriesThenCompletes(t *testing.T) {
	t.Parallel()

	const base = 30 * time.Millisecond
	q, _ := newTestQueue(t, queue.Options{BackoffBase: base})
	rec := &hookRecorder{}
	q.OnResult(rec.hook)

	var mu sync.Mutex
	var calls []time.Time
	require.NoError(t, q.RegisterProcessor(crawler.CrawlTypeRepo, crawler.ProcessorFunc(
		func(_ context.Context, task *crawler.Task) (crawler.Output, error) {
			mu.Lock()
			calls = append(calls, time.Now())
			n := len(calls)
			mu.Unlock()
			if n < 3 {
				return crawler.Output{}, crawler.Transient("fetch readme", errors.New("connection reset"))
			}
			return crawler.Output{Result: crawler.CrawlJobResult{PagesCrawled: 5, PagesIndexed: 5}}, nil
		},
	)))
	initQueue(t, q)

	id, err := q.Enqueue(context.Background(), repoJob("lib-1"), queue.EnqueueOptions{})
	require.NoError(t, err)

	waitForState(t, q, id, crawler.StateCompleted)
	status, err := q.Status(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, 3, status.AttemptsMade)
	require.Equal(t, 100, status.Progress)
	require.Equal(t, 5, status.Result.PagesCrawled)
	require.Equal(t, crawler.ResultCompleted, status.Result.Status)

	mu.Lock()
	require.Len(t, calls, 3)
	require.GreaterOrEqual(t, calls[1].Sub(calls[0]), base)
	require.GreaterOrEqual(t, calls[2].Sub(calls[1]), 2*base)
	mu.Unlock()

	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)
	got := rec.all()[0]
	require.Equal(t, crawler.ResultCompleted, got.Result.Status)
	require.Equal(t, id, got.Result.JobID)
	require.Equal(t, "lib-1", got.Result.LibraryID)
}

func TestQueueDefaultBackoffTiming(t *testing.T) {
	if testing.Short() {
		t.Skip("uses the real 2s base backoff")
	}
	t.Parallel()

	q, _ := newTestQueue(t, queue.Options{})
	var mu sync.Mutex
	var calls []time.Time
	require.NoError(t, q.RegisterProcessor(crawler.CrawlTypeRepo, crawler.ProcessorFunc(
		func(context.Context, *crawler.Task) (crawler.Output, error) {
			mu.Lock()
			defer mu.Unlock()
			calls = append(calls, time.Now())
			if len(calls) < 3 {
				return crawler.Output{}, errors.New("rate limited")
			}
			return crawler.Output{}, nil
		},
	)))
	initQueue(t, q)

	id, err := q.Enqueue(context.Background(), repoJob("lib-slow"), queue.EnqueueOptions{})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		st, err := q.Status(context.Background(), id)
		return err == nil && st.State == crawler.StateCompleted
	}, 15*time.Second, 20*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, calls[1].Sub(calls[0]), 2*time.Second)
	require.GreaterOrEqual(t, calls[2].Sub(calls[1]), 4*time.Second)
}

func TestQueuePermanentErrorFailsImmediately(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(t, queue.Options{BackoffBase: 5 * time.Millisecond})
	rec := &hookRecorder{}
	q.OnResult(rec.hook)
	var attempts atomic.Int32
	require.NoError(t, q.RegisterProcessor(crawler.CrawlTypeRepo, crawler.ProcessorFunc(
		func(context.Context, *crawler.Task) (crawler.Output, error) {
			attempts.Add(1)
			return crawler.Output{}, &crawler.FormatError{Value: "not-a-repo"}
		},
	)))
	initQueue(t, q)

	id, err := q.Enqueue(context.Background(), repoJob("lib-bad"), queue.EnqueueOptions{})
	require.NoError(t, err)
	waitForState(t, q, id, crawler.StateFailed)

	require.Equal(t, int32(1), attempts.Load())
	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)
	got := rec.all()[0]
	require.Equal(t, crawler.ResultFailed, got.Result.Status)
	require.Contains(t, got.Result.Error, "not-a-repo")
	require.Zero(t, got.Result.PagesCrawled)
}

func TestQueueExhaustsAttempts(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(t, queue.Options{MaxAttempts: 2, BackoffBase: 5 * time.Millisecond})
	rec := &hookRecorder{}
	q.OnResult(rec.hook)
	require.NoError(t, q.RegisterProcessor(crawler.CrawlTypeRepo, crawler.ProcessorFunc(
		func(context.Context, *crawler.Task) (crawler.Output, error) {
			return crawler.Output{}, errors.New("upstream 502")
		},
	)))
	initQueue(t, q)

	id, err := q.Enqueue(context.Background(), repoJob("lib-flaky"), queue.EnqueueOptions{})
	require.NoError(t, err)
	waitForState(t, q, id, crawler.StateFailed)

	status, err := q.Status(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, 2, status.AttemptsMade)
	require.Equal(t, "upstream 502", status.FailedReason)

	// Hooks only see the terminal outcome.
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 1, rec.count())
}

func TestQueuePanicBecomesFailure(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(t, queue.Options{MaxAttempts: 1})
	require.NoError(t, q.RegisterProcessor(crawler.CrawlTypeRepo, crawler.ProcessorFunc(
		func(context.Context, *crawler.Task) (crawler.Output, error) {
			panic("boom")
		},
	)))
	initQueue(t, q)

	id, err := q.Enqueue(context.Background(), repoJob("lib-panic"), queue.EnqueueOptions{})
	require.NoError(t, err)
	waitForState(t, q, id, crawler.StateFailed)

	status, err := q.Status(context.Background(), id)
	require.NoError(t, err)
	require.Contains(t, status.FailedReason, "processor panic: boom")
}

func TestQueuePriorityThenFIFO(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(t, queue.Options{Concurrency: 1})
	release := make(chan struct{})
	var mu sync.Mutex
	var order []string
	require.NoError(t, q.RegisterProcessor(crawler.CrawlTypeRepo, crawler.ProcessorFunc(
		func(_ context.Context, task *crawler.Task) (crawler.Output, error) {
			if task.Job.LibraryID == "blocker" {
				<-release
			}
			mu.Lock()
			order = append(order, task.Job.LibraryID)
			mu.Unlock()
			return crawler.Output{}, nil
		},
	)))
	initQueue(t, q)

	ctx := context.Background()
	blocker, err := q.Enqueue(ctx, repoJob("blocker"), queue.EnqueueOptions{})
	require.NoError(t, err)
	waitForState(t, q, blocker, crawler.StateActive)

	_, err = q.Enqueue(ctx, repoJob("first"), queue.EnqueueOptions{})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, repoJob("second"), queue.EnqueueOptions{Priority: queue.DefaultPriority})
	require.NoError(t, err)
	urgent, err := q.Enqueue(ctx, repoJob("urgent"), queue.EnqueueOptions{Priority: 1})
	require.NoError(t, err)
	close(release)

	waitForState(t, q, urgent, crawler.StateCompleted)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 4
	}, 2*time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"blocker", "urgent", "first", "second"}, order)
}

func TestQueueDelayedJob(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(t, queue.Options{})
	require.NoError(t, q.RegisterProcessor(crawler.CrawlTypeRepo, okProcessor()))
	initQueue(t, q)

	id, err := q.Enqueue(context.Background(), repoJob("lib-later"), queue.EnqueueOptions{Delay: 60 * time.Millisecond})
	require.NoError(t, err)

	status, err := q.Status(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, crawler.StateDelayed, status.State)
	require.Equal(t, 1, q.Stats(context.Background()).Delayed)

	waitForState(t, q, id, crawler.StateCompleted)
}

func TestQueueProgressReporting(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(t, queue.Options{})
	release := make(chan struct{})
	require.NoError(t, q.RegisterProcessor(crawler.CrawlTypeRepo, crawler.ProcessorFunc(
		func(_ context.Context, task *crawler.Task) (crawler.Output, error) {
			task.ReportProgress(40)
			<-release
			task.ReportProgress(250)
			return crawler.Output{}, nil
		},
	)))
	initQueue(t, q)

	id, err := q.Enqueue(context.Background(), repoJob("lib-progress"), queue.EnqueueOptions{})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		st, err := q.Status(context.Background(), id)
		return err == nil && st.State == crawler.StateActive && st.Progress == 40
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, 1, q.Stats(context.Background()).Active)

	close(release)
	waitForState(t, q, id, crawler.StateCompleted)
	status, err := q.Status(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, 100, status.Progress)
}

func TestQueueEnqueueErrors(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(t, queue.Options{})
	ctx := context.Background()

	require.False(t, q.Ready())
	_, err := q.Enqueue(ctx, repoJob("early"), queue.EnqueueOptions{})
	require.ErrorIs(t, err, crawler.ErrNotReady)

	require.NoError(t, q.RegisterProcessor(crawler.CrawlTypeRepo, okProcessor()))
	initQueue(t, q)
	require.True(t, q.Ready())

	_, err = q.Enqueue(ctx, crawler.CrawlJob{LibraryID: "x", CrawlType: crawler.CrawlTypeDocsSite}, queue.EnqueueOptions{})
	require.ErrorIs(t, err, crawler.ErrNoProcessor)

	var verr *crawler.ValidationError
	_, err = q.Enqueue(ctx, crawler.CrawlJob{CrawlType: crawler.CrawlTypeRepo}, queue.EnqueueOptions{})
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "libraryId", verr.Field)

	_, err = q.Enqueue(ctx, repoJob("neg"), queue.EnqueueOptions{Priority: -1})
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "priority", verr.Field)

	_, err = q.Enqueue(ctx, repoJob("neg"), queue.EnqueueOptions{Delay: -time.Second})
	require.ErrorAs(t, err, &verr)
}

func TestQueueRegisterProcessor(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(t, queue.Options{})
	require.NoError(t, q.RegisterProcessor(crawler.CrawlTypeFull, okProcessor()))
	require.ErrorIs(t, q.RegisterProcessor(crawler.CrawlTypeFull, okProcessor()), crawler.ErrConflict)

	var verr *crawler.ValidationError
	require.ErrorAs(t, q.RegisterProcessor("sitemap", okProcessor()), &verr)
	require.ErrorAs(t, q.RegisterProcessor(crawler.CrawlTypeRepo, nil), &verr)
}

func TestQueueStatusUnknownJob(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(t, queue.Options{})
	initQueue(t, q)
	_, err := q.Status(context.Background(), "missing")
	require.ErrorIs(t, err, crawler.ErrNotFound)
}

func TestQueueCleanRemovesFinishedJobs(t *testing.T) {
	t.Parallel()

	q, store := newTestQueue(t, queue.Options{})
	require.NoError(t, q.RegisterProcessor(crawler.CrawlTypeRepo, okProcessor()))
	initQueue(t, q)

	ctx := context.Background()
	done, err := q.Enqueue(ctx, repoJob("lib-done"), queue.EnqueueOptions{})
	require.NoError(t, err)
	waitForState(t, q, done, crawler.StateCompleted)
	pending, err := q.Enqueue(ctx, repoJob("lib-pending"), queue.EnqueueOptions{Delay: time.Hour})
	require.NoError(t, err)

	removed, err := q.Clean(ctx, time.Hour)
	require.NoError(t, err)
	require.Zero(t, removed)

	removed, err = q.Clean(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	_, err = q.Status(ctx, done)
	require.ErrorIs(t, err, crawler.ErrNotFound)
	_, err = store.GetJob(ctx, done)
	require.ErrorIs(t, err, crawler.ErrNotFound)

	status, err := q.Status(ctx, pending)
	require.NoError(t, err)
	require.Equal(t, crawler.StateDelayed, status.State)
}

func TestQueueShutdownKeepsPendingJobs(t *testing.T) {
	t.Parallel()

	store := memory.NewJobStore()
	q := queue.New(store, &seqIDs{}, system.New(), queue.Options{Concurrency: 1}, zap.NewNop())
	release := make(chan struct{})
	rec := &hookRecorder{}
	q.OnResult(rec.hook)
	require.NoError(t, q.RegisterProcessor(crawler.CrawlTypeRepo, crawler.ProcessorFunc(
		func(context.Context, *crawler.Task) (crawler.Output, error) {
			<-release
			return crawler.Output{}, nil
		},
	)))
	initQueue(t, q)

	ctx := context.Background()
	running, err := q.Enqueue(ctx, repoJob("running"), queue.EnqueueOptions{})
	require.NoError(t, err)
	waitForState(t, q, running, crawler.StateActive)
	queued, err := q.Enqueue(ctx, repoJob("queued"), queue.EnqueueOptions{})
	require.NoError(t, err)

	shutdownErr := make(chan error, 1)
	go func() { shutdownErr <- q.Shutdown(context.Background()) }()

	require.Eventually(t, func() bool {
		_, err := q.Enqueue(ctx, repoJob("late"), queue.EnqueueOptions{})
		return errors.Is(err, crawler.ErrNotReady)
	}, time.Second, 5*time.Millisecond)

	close(release)
	require.NoError(t, <-shutdownErr)
	require.Equal(t, 1, rec.count())

	saved, err := store.GetJob(ctx, running)
	require.NoError(t, err)
	require.Equal(t, crawler.StateCompleted, saved.State)
	saved, err = store.GetJob(ctx, queued)
	require.NoError(t, err)
	require.Equal(t, crawler.StateWaiting, saved.State)

	require.NoError(t, q.Shutdown(context.Background()))
}

func TestQueueShutdownHonorsContext(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(t, queue.Options{Concurrency: 1})
	release := make(chan struct{})
	defer close(release)
	require.NoError(t, q.RegisterProcessor(crawler.CrawlTypeRepo, crawler.ProcessorFunc(
		func(context.Context, *crawler.Task) (crawler.Output, error) {
			<-release
			return crawler.Output{}, nil
		},
	)))
	initQueue(t, q)

	id, err := q.Enqueue(context.Background(), repoJob("stuck"), queue.EnqueueOptions{})
	require.NoError(t, err)
	waitForState(t, q, id, crawler.StateActive)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, q.Shutdown(ctx), context.DeadlineExceeded)
}

func TestQueueRehydratesPersistedJobs(t *testing.T) {
	t.Parallel()

	store := memory.NewJobStore()
	ctx := context.Background()
	now := time.Now().UTC()
	seed := []crawler.JobRecord{
		{ID: "was-active", Seq: 1, State: crawler.StateActive, Priority: 10, Job: repoJob("a"), StartedAt: &now},
		{ID: "was-waiting", Seq: 2, State: crawler.StateWaiting, Priority: 10, Job: repoJob("b")},
		{ID: "was-delayed", Seq: 3, State: crawler.StateDelayed, Priority: 10, Job: repoJob("c"), RunAt: now.Add(30 * time.Millisecond)},
		{ID: "was-done", Seq: 4, State: crawler.StateCompleted, Priority: 10, Job: repoJob("d"), FinishedAt: &now},
	}
	for _, rec := range seed {
		require.NoError(t, store.SaveJob(ctx, rec))
	}

	q := queue.New(store, &seqIDs{}, system.New(), queue.Options{}, zap.NewNop())
	var runs atomic.Int32
	require.NoError(t, q.RegisterProcessor(crawler.CrawlTypeRepo, crawler.ProcessorFunc(
		func(context.Context, *crawler.Task) (crawler.Output, error) {
			runs.Add(1)
			return crawler.Output{}, nil
		},
	)))
	initQueue(t, q)

	for _, id := range []string{"was-active", "was-waiting", "was-delayed"} {
		waitForState(t, q, id, crawler.StateCompleted)
	}
	require.Equal(t, int32(3), runs.Load())
	require.Equal(t, 4, q.Stats(ctx).Completed)

	id, err := q.Enqueue(ctx, repoJob("e"), queue.EnqueueOptions{})
	require.NoError(t, err)
	waitForState(t, q, id, crawler.StateCompleted)
	require.Eventually(t, func() bool {
		rec, err := store.GetJob(ctx, id)
		return err == nil && rec.Seq == 5 && rec.State == crawler.StateCompleted
	}, time.Second, 5*time.Millisecond)
}

func TestQueueEnqueueDoesNotWaitOnSlowStore(t *testing.T) {
	t.Parallel()

	store := &gatedStore{JobStore: memory.NewJobStore(), gate: make(chan struct{})}
	q := queue.New(store, &seqIDs{}, system.New(), queue.Options{Concurrency: 1}, zap.NewNop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = q.Shutdown(ctx)
	})
	require.NoError(t, q.RegisterProcessor(crawler.CrawlTypeRepo, okProcessor()))
	initQueue(t, q)

	const jobs = 400
	ids := make(chan string, jobs)
	go func() {
		defer close(ids)
		for i := 0; i < jobs; i++ {
			id, err := q.Enqueue(context.Background(), repoJob(fmt.Sprintf("lib-%d", i)), queue.EnqueueOptions{})
			if err != nil {
				return
			}
			ids <- id
		}
	}()
	require.Eventually(t, func() bool { return len(ids) == jobs }, 2*time.Second, 5*time.Millisecond)
	st := q.Stats(context.Background())
	require.Equal(t, jobs, st.Waiting+st.Active+st.Completed+st.Failed+st.Delayed)

	close(store.gate)
	var last string
	for id := range ids {
		last = id
	}
	waitForState(t, q, last, crawler.StateCompleted)
	require.Eventually(t, func() bool {
		rec, err := store.GetJob(context.Background(), last)
		return err == nil && rec.State == crawler.StateCompleted
	}, 3*time.Second, 5*time.Millisecond)
}

func TestQueueInitializeConcurrentCallsStartOnePool(t *testing.T) {
	t.Parallel()

	store := &countingStore{JobStore: memory.NewJobStore()}
	q := queue.New(store, &seqIDs{}, system.New(), queue.Options{Concurrency: 1}, zap.NewNop())
	release := make(chan struct{})
	t.Cleanup(func() {
		close(release)
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = q.Shutdown(ctx)
	})
	var inFlight, peak atomic.Int32
	require.NoError(t, q.RegisterProcessor(crawler.CrawlTypeRepo, crawler.ProcessorFunc(
		func(context.Context, *crawler.Task) (crawler.Output, error) {
			n := inFlight.Add(1)
			defer inFlight.Add(-1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			<-release
			return crawler.Output{}, nil
		},
	)))

	errs := make(chan error, 8)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- q.Initialize(context.Background())
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	require.True(t, q.Ready())
	require.Equal(t, int32(1), store.lists.Load())

	first, err := q.Enqueue(context.Background(), repoJob("a"), queue.EnqueueOptions{})
	require.NoError(t, err)
	_, err = q.Enqueue(context.Background(), repoJob("b"), queue.EnqueueOptions{})
	require.NoError(t, err)
	waitForState(t, q, first, crawler.StateActive)
	require.Never(t, func() bool { return peak.Load() > 1 }, 100*time.Millisecond, 5*time.Millisecond)
}

// --- helpers ---

func newTestQueue(t *testing.T, opts queue.Options) (*queue.Queue, *memory.JobStore) {
	t.Helper()
	store := memory.NewJobStore()
	q := queue.New(store, &seqIDs{}, system.New(), opts, zap.NewNop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = q.Shutdown(ctx)
	})
	return q, store
}

func initQueue(t *testing.T, q *queue.Queue) {
	t.Helper()
	require.NoError(t, q.Initialize(context.Background()))
}

func waitForState(t *testing.T, q *queue.Queue, id string, want crawler.JobState) {
	t.Helper()
	require.Eventually(t, func() bool {
		st, err := q.Status(context.Background(), id)
		return err == nil && st.State == want
	}, 3*time.Second, 5*time.Millisecond, "job %s never reached %s", id, want)
}

func repoJob(libraryID string) crawler.CrawlJob {
	return crawler.CrawlJob{
		LibraryID:   libraryID,
		LibraryName: libraryID,
		FullName:    "acme/" + libraryID,
		CrawlType:   crawler.CrawlTypeRepo,
	}
}

func okProcessor() crawler.Processor {
	return crawler.ProcessorFunc(func(context.Context, *crawler.Task) (crawler.Output, error) {
		return crawler.Output{}, nil
	})
}

// --- fakes ---

type seqIDs struct {
	n atomic.Int64
}

func (s *seqIDs) NewID() (string, error) {
	return fmt.Sprintf("job-%d", s.n.Add(1)), nil
}

type hookRecorder struct {
	mu   sync.Mutex
	outs []crawler.Output
}

func (h *hookRecorder) hook(_ context.Context, _ crawler.JobRecord, out crawler.Output) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.outs = append(h.outs, out)
}

func (h *hookRecorder) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.outs)
}

func (h *hookRecorder) all() []crawler.Output {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]crawler.Output(nil), h.outs...)
}

// gatedStore holds every SaveJob until gate is closed.
type gatedStore struct {
	*memory.JobStore
	gate chan struct{}
}

func (s *gatedStore) SaveJob(ctx context.Context, rec crawler.JobRecord) error {
	<-s.gate
	return s.JobStore.SaveJob(ctx, rec)
}

type countingStore struct {
	*memory.JobStore
	lists atomic.Int32
}

func (s *countingStore) ListJobs(ctx context.Context) ([]crawler.JobRecord, error) {
	s.lists.Add(1)
	return s.JobStore.ListJobs(ctx)
}
