// Package main hosts the crawler engine entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes health, metrics, crawl submission, job status, queue stats and
//     cleanup endpoints. Submitted jobs are validated and handed to the engine.
//   - Queue: internal/queue keeps jobs ordered by priority then submission order, holds delayed jobs until due,
//     retries transient failures with exponential backoff, and runs a fixed worker pool sized by
//     queue.concurrency. Every transition is written to the job store (memory or Postgres).
//   - Processors: "repo" jobs read README, docs and example files through the GitHub API; "docs-site" jobs
//     crawl a documentation site with the Colly fetcher, promoting thin pages to headless Chrome when enabled;
//     "full" jobs do both.
//   - Results: every finished job is bundled with derived doc records and code examples, written to the blob
//     store (memory/local/GCS) and announced on Pub/Sub when a topic is configured.
//   - Configuration & plumbing: Viper populates config from env/files; zap provides structured logging;
//     Prometheus metrics are exported via the metrics middleware and /metrics handler.
//
// Quick checklist:
//   - Configure env vars: CRAWLER_SERVER_PORT, CRAWLER_QUEUE_BACKEND, CRAWLER_DB_DSN, CRAWLER_GITHUB_TOKEN,
//     CRAWLER_SCRAPER_MAX_PAGES, CRAWLER_HEADLESS_ENABLED, storage (CRAWLER_STORAGE_*) and pubsub.
//   - Run locally: go run ./cmd/crawlerengine -config config.yaml (or rely solely on env overrides).
//   - SIGINT/SIGTERM stops intake and drains in-flight jobs within server.shutdown_timeout.
package main
