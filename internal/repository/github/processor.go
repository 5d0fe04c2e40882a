package github

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/docindex-crawler/internal/crawler"
)

// Snapshot is everything one repository crawl collected.
type Snapshot struct {
	Repo     *Repo
	Content  crawler.ExtractedContent
	Versions []string
}

// PagesCrawled counts extracted files plus the README.
func (s Snapshot) PagesCrawled() int {
	n := len(s.Content.Files)
	if s.Content.Readme != nil {
		n++
	}
	return n
}

// Snapshot initializes fullName, crawls it and lists its versions.
func (c *Crawler) Snapshot(ctx context.Context, fullName string, progress func(int)) (Snapshot, error) {
	repo, err := c.Initialize(ctx, fullName)
	if err != nil {
		return Snapshot{}, err
	}
	content, err := repo.Crawl(ctx, progress)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Repo: repo, Content: content, Versions: repo.Versions(ctx)}, nil
}

// ProcessJob runs a repository crawl for the queue. Failures produce a
// failed result with zero counts and are also returned so the queue can
// decide whether to retry.
func (c *Crawler) ProcessJob(ctx context.Context, task *crawler.Task) (crawler.Output, error) {
	started := c.clock.Now()
	logger := c.logger.With(zap.String("job_id", task.ID), zap.String("full_name", task.Job.FullName))

	snap, err := c.Snapshot(ctx, task.Job.FullName, task.ReportProgress)
	if err != nil {
		logger.Error("repository crawl failed", zap.Error(err))
		return crawler.Output{Result: crawler.FailedResult(task.ID, task.Job, err, started, c.clock.Now())}, err
	}

	content := snap.Content
	return crawler.Output{
		Result:   crawler.CompletedResult(task.ID, task.Job, snap.PagesCrawled(), started, c.clock.Now()),
		Content:  &content,
		Versions: snap.Versions,
	}, nil
}

// Process implements crawler.Processor.
func (c *Crawler) Process(ctx context.Context, task *crawler.Task) (crawler.Output, error) {
	return c.ProcessJob(ctx, task)
}
