// Package scraper walks documentation sites breadth-limited by depth and page
// budget, extracting the main content of each page.
package scraper

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	htmltomd "github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/docindex-crawler/internal/clock/system"
	"github.com/JakeFAU/docindex-crawler/internal/crawler"
	"github.com/JakeFAU/docindex-crawler/internal/policy/ratelimit"
)

// Defaults for Config.
const (
	DefaultMaxPages   = 200
	DefaultMaxDepth   = 5
	DefaultDelay      = 500 * time.Millisecond
	DefaultMaxLinks   = 20
	DefaultMinContent = 100
)

// Config bounds one scrape. Zero MaxDepth and Delay are honored as given;
// start from DefaultConfig for the stock limits.
type Config struct {
	MaxPages   int
	MaxDepth   int
	Delay      time.Duration
	MaxLinks   int
	MinContent int
	// Markdown adds a Markdown rendition of each content region.
	Markdown bool
	// ValidateTarget probes candidate docs URLs instead of taking the first.
	ValidateTarget bool
}

func (c Config) withDefaults() Config {
	if c.MaxPages <= 0 {
		c.MaxPages = DefaultMaxPages
	}
	if c.MaxDepth < 0 {
		c.MaxDepth = DefaultMaxDepth
	}
	if c.Delay < 0 {
		c.Delay = DefaultDelay
	}
	if c.MaxLinks <= 0 {
		c.MaxLinks = DefaultMaxLinks
	}
	if c.MinContent <= 0 {
		c.MinContent = DefaultMinContent
	}
	return c
}

// DefaultConfig returns the stock limits.
func DefaultConfig() Config {
	return Config{
		MaxPages:   DefaultMaxPages,
		MaxDepth:   DefaultMaxDepth,
		Delay:      DefaultDelay,
		MaxLinks:   DefaultMaxLinks,
		MinContent: DefaultMinContent,
	}
}

// Scraper crawls documentation sites. It is safe for concurrent use; all
// per-crawl state lives in crawlState.
type Scraper struct {
	cfg      Config
	fetcher  crawler.Fetcher
	renderer crawler.Fetcher
	detector crawler.HeadlessDetector
	md       *htmltomd.Converter
	clock    crawler.Clock
	logger   *zap.Logger
}

// Option customizes a Scraper.
type Option func(*Scraper)

// WithHeadless re-fetches pages the detector flags through renderer.
func WithHeadless(renderer crawler.Fetcher, detector crawler.HeadlessDetector) Option {
	return func(s *Scraper) {
		s.renderer = renderer
		s.detector = detector
	}
}

// WithClock overrides the clock used for result timings.
func WithClock(clock crawler.Clock) Option {
	return func(s *Scraper) { s.clock = clock }
}

// New constructs a Scraper on top of fetcher.
func New(fetcher crawler.Fetcher, cfg Config, logger *zap.Logger, opts ...Option) *Scraper {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scraper{
		cfg:     cfg.withDefaults(),
		fetcher: fetcher,
		clock:   system.New(),
		logger:  logger.Named("scraper"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.cfg.Markdown {
		s.md = htmltomd.NewConverter(
			htmltomd.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
				table.NewTablePlugin(),
			),
		)
	}
	return s
}

// crawlState is scoped to a single Scrape call.
type crawlState struct {
	jobID    string
	visited  map[string]struct{}
	pages    []crawler.ScrapedPage
	pacer    *ratelimit.Limiter
	progress func(int)
	rootErr  error
}

// Scrape crawls baseURL and returns the accepted pages in visit order.
func (s *Scraper) Scrape(ctx context.Context, baseURL string, progress func(int)) ([]crawler.ScrapedPage, error) {
	return s.scrape(ctx, "", baseURL, s.newPacer(), progress)
}

// newPacer returns the per-job limiter shared by target probing and the crawl.
func (s *Scraper) newPacer() *ratelimit.Limiter {
	return ratelimit.New(ratelimit.Config{Interval: s.cfg.Delay})
}

func (s *Scraper) scrape(ctx context.Context, jobID, baseURL string, pacer *ratelimit.Limiter, progress func(int)) ([]crawler.ScrapedPage, error) {
	root, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil || !crawler.IsHTTP(root) || root.Host == "" {
		return nil, &crawler.ValidationError{Field: "baseUrl", Reason: fmt.Sprintf("not an http(s) url: %q", baseURL)}
	}
	st := &crawlState{
		jobID:    jobID,
		visited:  make(map[string]struct{}),
		pacer:    pacer,
		progress: progress,
	}
	logger := s.logger.With(zap.String("base_url", root.String()))
	logger.Info("scrape started", zap.Int("max_pages", s.cfg.MaxPages), zap.Int("max_depth", s.cfg.MaxDepth))

	if err := s.crawlPage(ctx, st, root, 0); err != nil {
		return st.pages, err
	}
	if len(st.pages) == 0 && st.rootErr != nil {
		return nil, crawler.Transient("scrape "+root.String(), st.rootErr)
	}
	logger.Info("scrape finished", zap.Int("pages", len(st.pages)), zap.Int("visited", len(st.visited)))
	return st.pages, nil
}

func (s *Scraper) budgetLeft(st *crawlState) bool {
	return len(st.pages) < s.cfg.MaxPages && len(st.visited) < s.cfg.MaxPages
}

// crawlPage visits u and its children. Only context cancellation is
// returned; every other failure is logged and the page skipped.
func (s *Scraper) crawlPage(ctx context.Context, st *crawlState, u *url.URL, depth int) error {
	if !s.budgetLeft(st) || depth > s.cfg.MaxDepth {
		return nil
	}
	key, err := crawler.NormalizeURL(u.String())
	if err != nil {
		return nil
	}
	if _, seen := st.visited[key]; seen {
		return nil
	}
	st.visited[key] = struct{}{}

	if err := st.pacer.Wait(ctx, key); err != nil {
		return err
	}
	logger := s.logger.With(zap.String("url", key), zap.Int("depth", depth))

	resp, err := s.fetch(ctx, st.jobID, key, depth)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		logger.Warn("fetch failed", zap.Error(err))
		if depth == 0 {
			st.rootErr = err
		}
		return nil
	}
	if !resp.OK() {
		logger.Warn("skipping non-success response", zap.Int("status", resp.StatusCode))
		return nil
	}

	body := decodeBody(resp.Body, resp.Headers.Get("Content-Type"))
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		logger.Warn("parse failed", zap.Error(err))
		return nil
	}
	pageURL, err := url.Parse(key)
	if err != nil {
		return nil
	}

	if page, ok := s.extractPage(doc, key, depth); ok {
		st.pages = append(st.pages, page)
		if st.progress != nil {
			st.progress(len(st.pages) * 100 / s.cfg.MaxPages)
		}
		logger.Debug("page accepted", zap.String("type", string(page.Type)), zap.Int("chars", utf8.RuneCountInString(page.Content)))
	}

	for _, child := range links(doc, pageURL, key, s.cfg.MaxLinks) {
		if !s.budgetLeft(st) {
			break
		}
		if err := s.crawlPage(ctx, st, child, depth+1); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scraper) extractPage(doc *goquery.Document, pageURL string, depth int) (crawler.ScrapedPage, bool) {
	content, html := mainContent(doc, s.cfg.MinContent)
	if utf8.RuneCountInString(content) <= s.cfg.MinContent {
		return crawler.ScrapedPage{}, false
	}
	page := crawler.ScrapedPage{
		URL:     pageURL,
		Title:   pageTitle(doc),
		Content: content,
		Type:    classify(pageURL, doc),
		Topics:  topics(doc),
		Depth:   depth,
	}
	if s.md != nil && html != "" {
		md, err := s.md.ConvertString(html)
		if err != nil {
			s.logger.Debug("markdown conversion failed", zap.String("url", pageURL), zap.Error(err))
		} else {
			page.Markdown = strings.TrimSpace(md)
		}
	}
	return page, true
}

// fetch gets rawURL statically and, when the detector asks for it, again
// through the headless renderer. A failed render keeps the static copy.
func (s *Scraper) fetch(ctx context.Context, jobID, rawURL string, depth int) (crawler.FetchResponse, error) {
	req := crawler.FetchRequest{JobID: jobID, URL: rawURL, Depth: depth}
	resp, err := s.fetcher.Fetch(ctx, req)
	if err != nil {
		return resp, err
	}
	if s.renderer == nil || s.detector == nil || !resp.OK() || !s.detector.ShouldPromote(resp) {
		return resp, nil
	}
	rendered, rerr := s.renderer.Fetch(ctx, req)
	if rerr != nil {
		s.logger.Warn("headless render failed, keeping static body", zap.String("url", rawURL), zap.Error(rerr))
		return resp, nil
	}
	if !rendered.OK() {
		return resp, nil
	}
	return rendered, nil
}

// ProcessJob resolves the docs URL for the job and scrapes it.
func (s *Scraper) ProcessJob(ctx context.Context, task *crawler.Task) (crawler.Output, error) {
	started := s.clock.Now()
	logger := s.logger.With(zap.String("job_id", task.ID), zap.String("library_id", task.Job.LibraryID))

	pages, err := s.ScrapeJob(ctx, task.ID, task.Job, "", task.ReportProgress)
	if err != nil {
		logger.Error("docs scrape failed", zap.Error(err))
		return crawler.Output{Result: crawler.FailedResult(task.ID, task.Job, err, started, s.clock.Now())}, err
	}
	return crawler.Output{
		Result: crawler.CompletedResult(task.ID, task.Job, len(pages), started, s.clock.Now()),
		Pages:  pages,
	}, nil
}

// ScrapeJob resolves the target for job (homepage is an optional extra
// candidate tried after the docsUrl metadata) and scrapes it.
func (s *Scraper) ScrapeJob(ctx context.Context, jobID string, job crawler.CrawlJob, homepage string, progress func(int)) ([]crawler.ScrapedPage, error) {
	pacer := s.newPacer()
	target, err := s.resolveTarget(ctx, job, homepage, pacer)
	if err != nil {
		return nil, err
	}
	return s.scrape(ctx, jobID, target, pacer, progress)
}

// Process implements crawler.Processor.
func (s *Scraper) Process(ctx context.Context, task *crawler.Task) (crawler.Output, error) {
	return s.ProcessJob(ctx, task)
}

// errNoTarget reports a job with neither a docs URL nor a full name.
var errNoTarget = errors.New("no docsUrl metadata and no fullName to derive one from")
