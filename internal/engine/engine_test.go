package engine_test

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/docindex-crawler/internal/clock/system"
	"github.com/JakeFAU/docindex-crawler/internal/crawler"
	"github.com/JakeFAU/docindex-crawler/internal/engine"
	hashsha "github.com/JakeFAU/docindex-crawler/internal/hash/sha256"
	memorypublisher "github.com/JakeFAU/docindex-crawler/internal/publisher/memory"
	"github.com/JakeFAU/docindex-crawler/internal/queue"
	"github.com/JakeFAU/docindex-crawler/internal/repository/github"
	"github.com/JakeFAU/docindex-crawler/internal/scraper"
	"github.com/JakeFAU/docindex-crawler/internal/storage/memory"
)

const docsBody = `<html><body><main><h1>Widgets Guide</h1>
<p>Widgets are composable building blocks for dashboards and you can stack them in many ways.</p>
<h2>Installing widgets</h2><p>Run the installer and follow the prompts until everything is ready.</p>
</main></body></html>`

type harness struct {
	engine    *engine.Engine
	publisher *memorypublisher.Publisher
	blobs     *memory.BlobStore
	api       *fakeGitHub
}

func newHarness(t *testing.T, api *fakeGitHub, docs crawler.Fetcher, cfg engine.Config) *harness {
	t.Helper()
	srv := httptest.NewServer(api.handler())
	t.Cleanup(srv.Close)
	client, err := github.NewClient(github.Config{BaseURL: srv.URL}, srv.Client())
	require.NoError(t, err)

	clock := system.New()
	logger := zap.NewNop()
	q := queue.New(memory.NewJobStore(), &seqIDs{}, clock, queue.Options{BackoffBase: 10 * time.Millisecond}, logger)
	repos := github.New(client, clock, 0, logger)
	scfg := scraper.DefaultConfig()
	scfg.Delay = 0
	scfg.Markdown = true
	site := scraper.New(docs, scfg, logger)

	blobs := memory.NewBlobStore()
	pub := memorypublisher.New()
	sink := engine.NewSink(blobs, pub, hashsha.New(), engine.NewDeriver(0, logger), clock,
		engine.SinkConfig{Prefix: "results", Topic: "crawl-results"}, logger)

	e, err := engine.New(q, repos, site, sink, clock, cfg, logger)
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.Shutdown(ctx)
	})
	return &harness{engine: e, publisher: pub, blobs: blobs, api: api}
}

func (h *harness) waitTerminal(t *testing.T, id string) crawler.JobStatus {
	t.Helper()
	var status crawler.JobStatus
	require.Eventually(t, func() bool {
		s, err := h.engine.Status(context.Background(), id)
		if err != nil {
			return false
		}
		status = s
		return s.State.Terminal()
	}, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return len(h.publisher.Messages()) > 0
	}, 2*time.Second, 10*time.Millisecond)
	return status
}

func (h *harness) event(t *testing.T) engine.ResultEvent {
	t.Helper()
	msgs := h.publisher.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "crawl-results", msgs[0].Topic)
	var ev engine.ResultEvent
	require.NoError(t, json.Unmarshal(msgs[0].Data, &ev))
	return ev
}

func (h *harness) bundle(t *testing.T, ev engine.ResultEvent, path string) engine.Bundle {
	t.Helper()
	data, contentType, ok := h.blobs.Object(path)
	require.True(t, ok, path)
	require.Equal(t, engine.DefaultBundleContentType, contentType)
	require.Equal(t, "memory://"+path, ev.BlobURI)
	sum := sha256.Sum256(data)
	require.Equal(t, hex.EncodeToString(sum[:]), ev.SHA256)
	var b engine.Bundle
	require.NoError(t, json.Unmarshal(data, &b))
	return b
}

func TestRepoJobStoresAndPublishesBundle(t *testing.T) {
	t.Parallel()

	api := newFakeGitHub()
	api.readme = "# Widgets\n\nComposable widgets for dashboards.\n\n```js\nconst widget = createWidget({ size: 2 })\n```\n"
	h := newHarness(t, api, &mapFetcher{}, engine.Config{})

	id, err := h.engine.QueueCrawl(context.Background(), crawler.CrawlJob{
		LibraryID: "lib-1", LibraryName: "widgets", FullName: "acme/widgets", CrawlType: crawler.CrawlTypeRepo,
	}, 0)
	require.NoError(t, err)

	status := h.waitTerminal(t, id)
	require.Equal(t, crawler.StateCompleted, status.State)
	require.Equal(t, 100, status.Progress)

	ev := h.event(t)
	require.Equal(t, id, ev.JobID)
	require.Equal(t, crawler.ResultCompleted, ev.Status)
	require.Equal(t, 1, ev.PagesCrawled)
	require.Equal(t, 1, ev.PagesIndexed)

	b := h.bundle(t, ev, "results/lib-1/"+id+".json")
	require.Len(t, b.Records, 1)
	require.Equal(t, engine.SourceReadme, b.Records[0].Source)
	require.Equal(t, "Widgets", b.Records[0].Title)
	require.Equal(t, "Composable widgets for dashboards.", b.Records[0].Description)
	require.Len(t, b.Examples, 1)
	require.Equal(t, "js", b.Examples[0].Language)
	require.Equal(t, 1, b.Attempts)
}

func TestDocsJobScrapesMetadataURL(t *testing.T) {
	t.Parallel()

	docs := &mapFetcher{pages: map[string]string{"https://docs.widgets.example/": docsBody}}
	h := newHarness(t, newFakeGitHub(), docs, engine.Config{})

	id, err := h.engine.QueueCrawl(context.Background(), crawler.CrawlJob{
		LibraryID: "lib-2",
		CrawlType: crawler.CrawlTypeDocsSite,
		Metadata:  map[string]string{scraper.DocsURLKey: "https://docs.widgets.example/"},
	}, 1)
	require.NoError(t, err)

	status := h.waitTerminal(t, id)
	require.Equal(t, crawler.StateCompleted, status.State)
	require.Zero(t, h.api.hits.Load())

	ev := h.event(t)
	require.Equal(t, 1, ev.PagesCrawled)
	b := h.bundle(t, ev, "results/lib-2/"+id+".json")
	require.Len(t, b.Pages, 1)
	require.Len(t, b.Records, 1)
	require.Equal(t, engine.SourcePage, b.Records[0].Source)
	require.Equal(t, "Widgets Guide", b.Records[0].Title)
	require.Equal(t, []string{"installing widgets"}, b.Records[0].Topics)
}

func TestDocsSiteJobCrawlsLinkedPages(t *testing.T) {
	t.Parallel()

	const base = "https://docs.gadgets.example"
	docs := &mapFetcher{pages: map[string]string{
		base + "/": `<html><body><main><h1>Gadgets</h1>
<p>Gadgets wire sensors to dashboards and this site explains every part of them in detail. Read the guide first and keep the reference open while you build.</p>
<a href="/guide/start">Start</a> <a href="/api/ref">Reference</a></main></body></html>`,
		base + "/guide/start": `<html><body><main><h1>Getting Started</h1>
<p>Install the gadget runtime, register a sensor and open the dashboard to see live readings. Each step below takes a minute and needs no extra tooling or accounts.</p>
<a href="/">Home</a></main></body></html>`,
		base + "/api/ref": `<html><body><main><h1>API Reference</h1>
<p>The gadget API exposes sensors, readings and dashboards through a small typed client library. Every call returns plain values and errors that are safe to log.</p>
<a href="/guide/start">Start</a></main></body></html>`,
	}}
	h := newHarness(t, newFakeGitHub(), docs, engine.Config{})

	id, err := h.engine.Submit(context.Background(), crawler.CrawlJob{
		LibraryID: "lib-7",
		CrawlType: crawler.CrawlTypeDocsSite,
		Metadata:  map[string]string{scraper.DocsURLKey: base + "/"},
	}, queue.EnqueueOptions{Priority: 1})
	require.NoError(t, err)

	status := h.waitTerminal(t, id)
	require.Equal(t, crawler.StateCompleted, status.State)
	require.NotNil(t, status.Result)
	require.Equal(t, 3, status.Result.PagesCrawled)

	ev := h.event(t)
	require.Equal(t, crawler.ResultCompleted, ev.Status)
	require.Equal(t, 3, ev.PagesCrawled)

	b := h.bundle(t, ev, "results/lib-7/"+id+".json")
	require.Len(t, b.Pages, 3)
	depths := map[string]int{}
	for _, p := range b.Pages {
		require.Contains(t, []int{0, 1}, p.Depth, p.URL)
		depths[p.URL] = p.Depth
	}
	require.Equal(t, map[string]int{
		base + "/":            0,
		base + "/guide/start": 1,
		base + "/api/ref":     1,
	}, depths)
}

func TestFullJobCombinesRepositoryAndHomepageDocs(t *testing.T) {
	t.Parallel()

	api := newFakeGitHub()
	api.readme = "# Widgets\n\nComposable widgets."
	docs := &mapFetcher{pages: map[string]string{"https://widgets.dev/": docsBody}}
	h := newHarness(t, api, docs, engine.Config{})

	id, err := h.engine.QueueCrawl(context.Background(), crawler.CrawlJob{
		LibraryID: "lib-3", FullName: "acme/widgets", CrawlType: crawler.CrawlTypeFull,
	}, 0)
	require.NoError(t, err)

	status := h.waitTerminal(t, id)
	require.Equal(t, crawler.StateCompleted, status.State)
	require.NotNil(t, status.Result)
	require.Equal(t, 2, status.Result.PagesCrawled)

	b := h.bundle(t, h.event(t), "results/lib-3/"+id+".json")
	require.NotNil(t, b.Content)
	require.Len(t, b.Pages, 1)
	require.Len(t, b.Records, 2)
}

func TestFullJobSurvivesDocsFailure(t *testing.T) {
	t.Parallel()

	api := newFakeGitHub()
	api.readme = "# Widgets"
	h := newHarness(t, api, failingFetcher{}, engine.Config{})

	id, err := h.engine.QueueCrawl(context.Background(), crawler.CrawlJob{
		LibraryID: "lib-4", FullName: "acme/widgets", CrawlType: crawler.CrawlTypeFull,
	}, 0)
	require.NoError(t, err)

	status := h.waitTerminal(t, id)
	require.Equal(t, crawler.StateCompleted, status.State)
	require.Equal(t, 1, status.Result.PagesCrawled)
	require.Equal(t, 1, status.AttemptsMade)
}

func TestMissingRepositoryFailsWithoutRetry(t *testing.T) {
	t.Parallel()

	api := newFakeGitHub()
	api.repoStatus = http.StatusNotFound
	h := newHarness(t, api, &mapFetcher{}, engine.Config{})

	id, err := h.engine.QueueCrawl(context.Background(), crawler.CrawlJob{
		LibraryID: "lib-5", FullName: "acme/widgets", CrawlType: crawler.CrawlTypeRepo,
	}, 0)
	require.NoError(t, err)

	status := h.waitTerminal(t, id)
	require.Equal(t, crawler.StateFailed, status.State)
	require.Equal(t, 1, status.AttemptsMade)
	require.Contains(t, status.FailedReason, "not found")

	ev := h.event(t)
	require.Equal(t, crawler.ResultFailed, ev.Status)
	require.NotEmpty(t, ev.Error)
	require.Zero(t, ev.PagesCrawled)
	b := h.bundle(t, ev, "results/lib-5/"+id+".json")
	require.Empty(t, b.Records)
}

func TestMaintenanceCleansOldJobs(t *testing.T) {
	t.Parallel()

	api := newFakeGitHub()
	h := newHarness(t, api, &mapFetcher{}, engine.Config{
		StatsInterval:   5 * time.Millisecond,
		CleanupInterval: 10 * time.Millisecond,
		Retention:       time.Nanosecond,
	})
	id, err := h.engine.QueueCrawl(context.Background(), crawler.CrawlJob{
		LibraryID: "lib-6", FullName: "acme/widgets", CrawlType: crawler.CrawlTypeRepo,
	}, 0)
	require.NoError(t, err)
	h.waitTerminal(t, id)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.engine.RunMaintenance(ctx)
	}()
	require.Eventually(t, func() bool {
		_, err := h.engine.Status(context.Background(), id)
		return errors.Is(err, crawler.ErrNotFound)
	}, 3*time.Second, 10*time.Millisecond)
	require.Equal(t, crawler.QueueStats{}, h.engine.Stats(context.Background()))
	cancel()
	<-done
}

func TestQueueCrawlRejectsInvalidJob(t *testing.T) {
	t.Parallel()

	h := newHarness(t, newFakeGitHub(), &mapFetcher{}, engine.Config{})
	_, err := h.engine.QueueCrawl(context.Background(), crawler.CrawlJob{CrawlType: crawler.CrawlTypeRepo}, 0)
	var verr *crawler.ValidationError
	require.ErrorAs(t, err, &verr)

	_, err = h.engine.QueueCrawl(context.Background(), crawler.CrawlJob{LibraryID: "x", FullName: "a/b", CrawlType: crawler.CrawlTypeRepo}, -1)
	require.ErrorAs(t, err, &verr)
}

func TestNewRequiresCollaborators(t *testing.T) {
	t.Parallel()

	_, err := engine.New(nil, nil, nil, nil, system.New(), engine.Config{}, zap.NewNop())
	require.Error(t, err)
}

// --- fakes ---

type seqIDs struct{ n atomic.Int64 }

func (s *seqIDs) NewID() (string, error) {
	return fmt.Sprintf("job-%d", s.n.Add(1)), nil
}

type mapFetcher struct {
	mu    sync.Mutex
	pages map[string]string
}

func (f *mapFetcher) Fetch(_ context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	body, ok := f.pages[req.URL]
	if !ok {
		return crawler.FetchResponse{URL: req.URL, StatusCode: http.StatusNotFound}, nil
	}
	return crawler.FetchResponse{URL: req.URL, StatusCode: http.StatusOK, Body: []byte(body)}, nil
}

type failingFetcher struct{}

func (failingFetcher) Fetch(_ context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	return crawler.FetchResponse{}, crawler.Transient("fetch "+req.URL, errors.New("connection refused"))
}

type fakeGitHub struct {
	hits       atomic.Int64
	repoStatus int
	readme     string
}

func newFakeGitHub() *fakeGitHub { return &fakeGitHub{} }

func (f *fakeGitHub) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /repos/acme/widgets", func(w http.ResponseWriter, _ *http.Request) {
		if f.repoStatus != 0 {
			writeJSON(w, f.repoStatus, map[string]string{"message": http.StatusText(f.repoStatus)})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"full_name": "acme/widgets", "homepage": "https://widgets.dev"})
	})
	mux.HandleFunc("GET /repos/acme/widgets/readme", func(w http.ResponseWriter, _ *http.Request) {
		if f.readme == "" {
			writeJSON(w, http.StatusNotFound, map[string]string{"message": "Not Found"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"type":     "file",
			"path":     "README.md",
			"encoding": "base64",
			"content":  base64.StdEncoding.EncodeToString([]byte(f.readme)),
		})
	})
	mux.HandleFunc("GET /repos/acme/widgets/tags", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, []map[string]string{{"name": "v1.0.0"}})
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "Not Found"})
	})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.hits.Add(1)
		mux.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
