// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/ingest, /v1/analysis/batch and /v1/crises/detect to run the
//     pipeline stages on demand.
//   - POST /v1/watchlists for subscriptions.
//   - /v1/tasks/... for submitting, claiming, completing and failing queue tasks.
package api
