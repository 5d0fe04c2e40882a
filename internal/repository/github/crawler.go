// Package github extracts documentation, examples and release tags from
// GitHub repositories through the REST API.
package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	gogithub "github.com/google/go-github/v66/github"
	"go.uber.org/zap"

	"github.com/JakeFAU/docindex-crawler/internal/crawler"
)

// DefaultMaxFiles caps how many files one directory search returns.
const DefaultMaxFiles = 50

var fullNamePattern = regexp.MustCompile(`^[\w.-]+/[\w.-]+$`)

// Config holds GitHub API settings.
type Config struct {
	Token    string
	BaseURL  string
	MaxFiles int
}

// NewClient builds a go-github client from cfg on top of httpClient.
func NewClient(cfg Config, httpClient *http.Client) (*gogithub.Client, error) {
	client := gogithub.NewClient(httpClient)
	if cfg.Token != "" {
		client = client.WithAuthToken(cfg.Token)
	}
	if cfg.BaseURL != "" {
		base := cfg.BaseURL
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		u, err := url.Parse(base)
		if err != nil {
			return nil, fmt.Errorf("parse github base url: %w", err)
		}
		client.BaseURL = u
	}
	return client, nil
}

// Crawler creates per-repository handles. It holds no per-job state.
type Crawler struct {
	client   *gogithub.Client
	logger   *zap.Logger
	clock    crawler.Clock
	maxFiles int
}

// New constructs a Crawler.
func New(client *gogithub.Client, clock crawler.Clock, maxFiles int, logger *zap.Logger) *Crawler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxFiles <= 0 {
		maxFiles = DefaultMaxFiles
	}
	return &Crawler{
		client:   client,
		logger:   logger.Named("github"),
		clock:    clock,
		maxFiles: maxFiles,
	}
}

// Repo is an initialized repository handle.
type Repo struct {
	Owner    string
	Name     string
	FullName string
	Homepage string
	Stars    int

	client   *gogithub.Client
	logger   *zap.Logger
	maxFiles int
}

// ParseFullName splits "owner/project".
func ParseFullName(fullName string) (owner, repo string, err error) {
	if !fullNamePattern.MatchString(fullName) {
		return "", "", &crawler.FormatError{Value: fullName}
	}
	owner, repo, _ = strings.Cut(fullName, "/")
	return owner, repo, nil
}

// Initialize validates fullName and confirms the repository exists. The
// shape check happens before any request.
func (c *Crawler) Initialize(ctx context.Context, fullName string) (*Repo, error) {
	owner, name, err := ParseFullName(fullName)
	if err != nil {
		return nil, err
	}
	data, resp, err := c.client.Repositories.Get(ctx, owner, name)
	if err != nil {
		return nil, classify(fmt.Sprintf("get repository %s", fullName), resp, err)
	}
	repo := &Repo{
		Owner:    owner,
		Name:     name,
		FullName: data.GetFullName(),
		Homepage: data.GetHomepage(),
		Stars:    data.GetStargazersCount(),
		client:   c.client,
		logger:   c.logger.With(zap.String("repo", fullName)),
		maxFiles: c.maxFiles,
	}
	if repo.FullName == "" {
		repo.FullName = fullName
	}
	repo.logger.Info("repository initialized", zap.Int("stars", repo.Stars))
	return repo, nil
}

// classify maps a go-github failure onto the crawler error taxonomy.
func classify(op string, resp *gogithub.Response, err error) error {
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", op, err)
	}
	var rateErr *gogithub.RateLimitError
	var abuseErr *gogithub.AbuseRateLimitError
	if errors.As(err, &rateErr) || errors.As(err, &abuseErr) {
		return crawler.Transient(op, err)
	}
	switch statusOf(resp, err) {
	case http.StatusNotFound:
		return fmt.Errorf("%s: %w", op, crawler.ErrNotFound)
	case http.StatusUnauthorized:
		return crawler.Permanent(fmt.Errorf("%s: %w", op, err))
	}
	return crawler.Transient(op, err)
}

func statusOf(resp *gogithub.Response, err error) int {
	if resp != nil && resp.Response != nil {
		return resp.StatusCode
	}
	var ghErr *gogithub.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil {
		return ghErr.Response.StatusCode
	}
	return 0
}

func isNotFound(resp *gogithub.Response, err error) bool {
	return statusOf(resp, err) == http.StatusNotFound
}
