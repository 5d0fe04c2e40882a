package scraper

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/docindex-crawler/internal/crawler"
	"github.com/JakeFAU/docindex-crawler/internal/policy/ratelimit"
)

// DocsURLKey is the job metadata key holding an explicit docs site.
const DocsURLKey = "docsUrl"

// CandidateURLs lists the conventional docs hosts for owner/repo, in the
// order they are tried.
func CandidateURLs(fullName string) ([]string, error) {
	owner, repo, ok := strings.Cut(strings.TrimSpace(fullName), "/")
	if !ok || owner == "" || repo == "" || strings.Contains(repo, "/") {
		return nil, &crawler.FormatError{Value: fullName}
	}
	return []string{
		fmt.Sprintf("https://%s.dev", repo),
		fmt.Sprintf("https://%s.io", repo),
		fmt.Sprintf("https://%s.github.io/%s", owner, repo),
		fmt.Sprintf("https://docs.%s.com", owner),
		fmt.Sprintf("https://%s.readthedocs.io", repo),
	}, nil
}

// ResolveTarget picks the URL to scrape for job: the docsUrl metadata, then
// homepage when set, then the conventional candidates.
func (s *Scraper) ResolveTarget(ctx context.Context, job crawler.CrawlJob, homepage string) (string, error) {
	return s.resolveTarget(ctx, job, homepage, s.newPacer())
}

func (s *Scraper) resolveTarget(ctx context.Context, job crawler.CrawlJob, homepage string, pacer *ratelimit.Limiter) (string, error) {
	if raw := strings.TrimSpace(job.Meta(DocsURLKey)); raw != "" {
		u, err := url.Parse(raw)
		if err != nil || !crawler.IsHTTP(u) || u.Host == "" {
			return "", &crawler.ValidationError{Field: "metadata.docsUrl", Reason: fmt.Sprintf("not an http(s) url: %q", raw)}
		}
		return u.String(), nil
	}

	var candidates []string
	if h := strings.TrimSpace(homepage); h != "" {
		if u, err := url.Parse(h); err == nil && crawler.IsHTTP(u) && u.Host != "" {
			candidates = append(candidates, u.String())
		}
	}
	if strings.TrimSpace(job.FullName) != "" {
		more, err := CandidateURLs(job.FullName)
		if err != nil {
			return "", err
		}
		candidates = append(candidates, more...)
	}
	if len(candidates) == 0 {
		return "", crawler.Permanent(errNoTarget)
	}
	if !s.cfg.ValidateTarget {
		return candidates[0], nil
	}
	return s.probe(ctx, candidates, pacer), nil
}

// probe returns the first candidate answering 2xx, else the first one.
// Probes wait on pacer like every other fetch.
func (s *Scraper) probe(ctx context.Context, candidates []string, pacer *ratelimit.Limiter) string {
	for _, c := range candidates {
		if err := pacer.Wait(ctx, c); err != nil {
			break
		}
		resp, err := s.fetcher.Fetch(ctx, crawler.FetchRequest{URL: c})
		if err == nil && resp.OK() {
			return c
		}
		if ctx.Err() != nil {
			break
		}
		s.logger.Debug("docs candidate unreachable", zap.String("url", c), zap.Int("status", resp.StatusCode), zap.Error(err))
	}
	return candidates[0]
}
