// Package crawler holds the domain model shared by the queue, the repository
// crawler, the site scraper and the engine: crawl jobs and results, scraped
// pages, repository payloads, queue records, the error taxonomy, and the small
// interfaces (stores, fetchers, clocks) that the other packages implement.
package crawler
