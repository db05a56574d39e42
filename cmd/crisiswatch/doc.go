// Package main hosts the crisiswatch service entrypoint.
//
// Architecture overview:
//   - Sources: NewsAPI, GNews, Guardian-style JSON and RSS/Atom clients fetch
//     headlines. Each checks its daily quota before calling out and counts
//     usage only after a successful response.
//   - Ingestion: articles are inserted under a unique title hash, so repeated
//     headlines collapse to one row. Every run writes an ingestion log entry,
//     optionally archives the raw batch (memory/local/GCS) and queues an
//     article_alerts task per new article.
//   - Analysis: unanalyzed articles are sent one at a time to the completion
//     service. A failed or unparseable response marks the article analyzed so
//     it never blocks later batches.
//   - Crisis detection: negative crisis analyses from the lookback window with
//     at least one affected country become monitoring events unless a recent
//     event shares the title prefix.
//   - Alerts: watchlists are matched by country, keyword or category, one alert
//     per user per trigger, delivered by push (memory or Pub/Sub) and email
//     (SMTP) independently.
//   - Queue: Postgres (or in-memory) lease-based task queue drained by a fixed
//     worker pool. The scheduler enqueues periodic ingestion, analysis and
//     detection tasks and purges finished tasks after the retention window.
//
// Quick checklist:
//   - Configure env vars with the CRISIS_ prefix, for example CRISIS_DB_DSN,
//     CRISIS_COMPLETION_API_KEY, CRISIS_SOURCES_NEWSAPI_ENABLED=true and
//     CRISIS_SOURCES_NEWSAPI_API_KEY.
//   - Run locally: go run ./cmd/crisiswatch -config config.yaml (or rely solely
//     on env overrides; without a DSN everything stays in memory).
//   - The process drains workers and the HTTP server on SIGINT/SIGTERM.
package main
