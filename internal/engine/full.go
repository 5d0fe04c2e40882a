package engine

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/docindex-crawler/internal/crawler"
	"github.com/JakeFAU/docindex-crawler/internal/repository/github"
	"github.com/JakeFAU/docindex-crawler/internal/scraper"
)

// fullProcessor crawls the repository and then its documentation site. The
// repository half decides the outcome; a failed docs scrape only loses the
// pages.
type fullProcessor struct {
	repos  *github.Crawler
	docs   *scraper.Scraper
	clock  crawler.Clock
	logger *zap.Logger
}

func newFullProcessor(repos *github.Crawler, docs *scraper.Scraper, clock crawler.Clock, logger *zap.Logger) *fullProcessor {
	return &fullProcessor{repos: repos, docs: docs, clock: clock, logger: logger.Named("full")}
}

func (p *fullProcessor) Process(ctx context.Context, task *crawler.Task) (crawler.Output, error) {
	started := p.clock.Now()
	logger := p.logger.With(zap.String("job_id", task.ID), zap.String("full_name", task.Job.FullName))

	snap, err := p.repos.Snapshot(ctx, task.Job.FullName, scaled(task, 0, 50))
	if err != nil {
		logger.Error("repository half of full crawl failed", zap.Error(err))
		return crawler.Output{Result: crawler.FailedResult(task.ID, task.Job, err, started, p.clock.Now())}, err
	}
	content := snap.Content
	out := crawler.Output{Content: &content, Versions: snap.Versions}

	pages, err := p.docs.ScrapeJob(ctx, task.ID, task.Job, snap.Repo.Homepage, scaled(task, 50, 100))
	if err != nil {
		logger.Warn("docs half of full crawl failed, keeping repository content", zap.Error(err))
	}
	out.Pages = pages
	out.Result = crawler.CompletedResult(task.ID, task.Job, snap.PagesCrawled()+len(pages), started, p.clock.Now())
	return out, nil
}

// scaled maps a 0-100 sub-progress onto [lo, hi] of the task's progress.
func scaled(task *crawler.Task, lo, hi int) func(int) {
	return func(pct int) {
		task.ReportProgress(lo + pct*(hi-lo)/100)
	}
}
