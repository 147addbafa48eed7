// Package api hosts the admin HTTP server for an archive bundle iterator.
// Notable routes:
//   - GET /healthz and /readyz for Kubernetes health checks.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/iterator and POST /v1/iterator/{next,reset,seek,skip-partition}
//     to inspect and drive the iterator.
//   - GET /v1/runs, /v1/runs/{run_id} and /v1/runs/{run_id}/partitions for
//     run history via the RunRepository interface.
//   - GET /v1/progress/events for the most recent progress events.
package api
