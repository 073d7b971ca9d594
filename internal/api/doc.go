// Package api hosts the HTTP server, middleware, and REST handlers. Notable
// routes:
//   - POST/GET /v1/jobs and GET/DELETE /v1/jobs/{job_id} for job submission,
//     inspection and deletion.
//   - GET /v1/jobs/{job_id}/ws for the live progress channel and
//     GET /v1/jobs/{job_id}/pages for page records.
//   - GET /v1/reports/{name} to download finished reports.
//   - GET /v1/stats and /v1/cache/... for the cache operator surface.
//   - GET /healthz, /readyz and /metrics for probes and Prometheus.
package api
