// Package api hosts the admin HTTP server for a running archiver. Routes:
//   - GET /healthz and /readyz for process probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/status for in-flight batches and upload gate occupancy.
//   - PUT /v1/upload-ceiling to retune upload concurrency at runtime.
package api
