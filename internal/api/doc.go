// Package api hosts the HTTP server, middleware, and REST handlers for the
// crawler engine. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/crawls to queue a crawl and GET /v1/crawls/{job_id} for its status.
//   - GET /v1/stats and POST /v1/maintenance/clean for operators.
package api
