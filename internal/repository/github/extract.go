package github

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"

	gogithub "github.com/google/go-github/v66/github"
	"go.uber.org/zap"

	"github.com/JakeFAU/docindex-crawler/internal/crawler"
)

// Directory candidates, searched in order; the first that yields files wins.
var (
	docDirs     = []string{"docs", "doc", "website", "documentation"}
	exampleDirs = []string{"examples", "example", "samples", "demo", "demos"}

	docPattern     = regexp.MustCompile(`(?i)\.(md|markdown)$`)
	examplePattern = regexp.MustCompile(`(?i)\.(js|ts|jsx|tsx|py|java)$`)
	semverPrefix   = regexp.MustCompile(`^\d+\.\d+\.\d+`)
)

// Crawl pulls the README, package.json, documentation files and example
// files. Every step is optional: failures are logged and the crawl goes on.
// Only cancellation of ctx makes Crawl fail.
func (r *Repo) Crawl(ctx context.Context, progress func(int)) (crawler.ExtractedContent, error) {
	report := func(pct int) {
		if progress != nil {
			progress(pct)
		}
	}

	readme, readmeErr := r.readme(ctx)
	if readmeErr == nil && readme != nil {
		report(10)
	}
	manifest, manifestErr := r.packageJSON(ctx)
	if manifestErr == nil && manifest != nil {
		report(20)
	}
	docs, docsErr := r.firstMatching(ctx, docDirs, docPattern)
	if docsErr == nil {
		report(50)
	}
	examples, examplesErr := r.firstMatching(ctx, exampleDirs, examplePattern)
	if examplesErr == nil {
		report(80)
	}

	if err := ctx.Err(); err != nil {
		return crawler.ExtractedContent{}, fmt.Errorf("crawl %s: %w", r.FullName, err)
	}

	content := crawler.ExtractedContent{Files: []crawler.RepoFile{}}
	if readmeErr != nil {
		r.logger.Warn("could not fetch README", zap.Error(readmeErr))
	} else {
		content.Readme = readme
	}
	if manifestErr != nil {
		r.logger.Warn("could not fetch package.json", zap.Error(manifestErr))
	} else {
		content.Manifest = manifest
	}
	if docsErr != nil {
		r.logger.Warn("could not fetch documentation", zap.Error(docsErr))
	} else {
		content.Files = append(content.Files, docs...)
	}
	if examplesErr != nil {
		r.logger.Warn("could not fetch examples", zap.Error(examplesErr))
	} else {
		content.Files = append(content.Files, examples...)
		content.ExampleCount = len(examples)
	}
	report(100)

	r.logger.Info("repository crawled",
		zap.Bool("readme", content.Readme != nil),
		zap.Int("files", len(content.Files)),
		zap.Int("examples", content.ExampleCount),
	)
	return content, nil
}

// readme returns nil without error when the repository has none.
func (r *Repo) readme(ctx context.Context) (*string, error) {
	rc, resp, err := r.client.Repositories.GetReadme(ctx, r.Owner, r.Name, nil)
	if err != nil {
		if isNotFound(resp, err) {
			return nil, nil
		}
		return nil, classify("get readme", resp, err)
	}
	text, err := rc.GetContent()
	if err != nil {
		return nil, fmt.Errorf("decode readme: %w", err)
	}
	return &text, nil
}

// packageJSON returns nil without error when the file is absent or is not a file.
func (r *Repo) packageJSON(ctx context.Context) (map[string]any, error) {
	file, _, resp, err := r.client.Repositories.GetContents(ctx, r.Owner, r.Name, "package.json", nil)
	if err != nil {
		if isNotFound(resp, err) {
			return nil, nil
		}
		return nil, classify("get package.json", resp, err)
	}
	if file == nil || file.GetType() != "file" {
		return nil, nil
	}
	raw, err := file.GetContent()
	if err != nil {
		return nil, fmt.Errorf("decode package.json: %w", err)
	}
	if raw == "" {
		return nil, nil
	}
	var manifest map[string]any
	if err := json.Unmarshal([]byte(raw), &manifest); err != nil {
		return nil, fmt.Errorf("parse package.json: %w", err)
	}
	return manifest, nil
}

// firstMatching searches dirs in order and returns the files of the first
// directory that produced any. Missing directories are skipped.
func (r *Repo) firstMatching(ctx context.Context, dirs []string, pattern *regexp.Regexp) ([]crawler.RepoFile, error) {
	for _, dir := range dirs {
		files, err := r.filesIn(ctx, dir, pattern)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			r.logger.Debug("directory skipped", zap.String("dir", dir), zap.Error(err))
			continue
		}
		if len(files) > 0 {
			return files, nil
		}
	}
	return []crawler.RepoFile{}, nil
}

// filesIn walks dir depth-first collecting up to maxFiles matching files.
func (r *Repo) filesIn(ctx context.Context, dir string, pattern *regexp.Regexp) ([]crawler.RepoFile, error) {
	files := make([]crawler.RepoFile, 0)
	var walk func(path string, root bool) error
	walk = func(path string, root bool) error {
		if len(files) >= r.maxFiles {
			return nil
		}
		_, entries, resp, err := r.client.Repositories.GetContents(ctx, r.Owner, r.Name, path, nil)
		if err != nil {
			if root {
				return classify("list "+path, resp, err)
			}
			r.logger.Warn("could not list directory", zap.String("path", path), zap.Error(err))
			return nil
		}
		for _, item := range entries {
			if len(files) >= r.maxFiles {
				break
			}
			switch item.GetType() {
			case "file":
				if !pattern.MatchString(item.GetPath()) {
					continue
				}
				if f, ok := r.fetchFile(ctx, item.GetPath()); ok {
					files = append(files, f)
				}
			case "dir":
				if err := walk(item.GetPath(), false); err != nil {
					return err
				}
			}
		}
		return nil
	}
	if err := walk(dir, true); err != nil {
		return nil, err
	}
	return files, nil
}

// fetchFile downloads one file; failures are logged and the file skipped.
func (r *Repo) fetchFile(ctx context.Context, path string) (crawler.RepoFile, bool) {
	file, _, _, err := r.client.Repositories.GetContents(ctx, r.Owner, r.Name, path, nil)
	if err != nil || file == nil || file.GetType() != "file" {
		if err != nil {
			r.logger.Warn("could not fetch file", zap.String("path", path), zap.Error(err))
		}
		return crawler.RepoFile{}, false
	}
	text, err := file.GetContent()
	if err != nil || text == "" {
		return crawler.RepoFile{}, false
	}
	return crawler.RepoFile{
		Path:    path,
		Kind:    crawler.KindFile,
		Content: text,
		URL:     file.GetHTMLURL(),
	}, true
}

// Versions lists up to ten semantic-version tags with any leading "v"
// removed. Failures yield an empty list.
func (r *Repo) Versions(ctx context.Context) []string {
	tags, _, err := r.client.Repositories.ListTags(ctx, r.Owner, r.Name, &gogithub.ListOptions{PerPage: 100})
	if err != nil {
		r.logger.Warn("could not fetch versions", zap.Error(err))
		return []string{}
	}
	out := make([]string, 0, 10)
	for _, tag := range tags {
		name := tag.GetName()
		if len(name) > 0 && name[0] == 'v' {
			name = name[1:]
		}
		if !semverPrefix.MatchString(name) {
			continue
		}
		out = append(out, name)
		if len(out) == 10 {
			break
		}
	}
	return out
}
