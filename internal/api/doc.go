// Package api hosts the HTTP server, middleware, and REST handlers. Routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - GET|POST /api/v1/urls and DELETE /api/v1/urls/{product_id} to manage
//     pending jobs.
//   - GET|POST /api/v1/urls/start_processing to drain the queue.
//   - GET /api/v1/tasks for running/pending unit counts.
//   - GET /api/v1/results for the caller's stored image records.
package api
