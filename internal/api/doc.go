// Package api hosts the read-only operator HTTP surface. Routes:
//   - GET /healthz and /readyz for Kubernetes liveness and readiness checks.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/jobs/{job_id} for a job snapshot.
//   - GET /v1/jobs/{job_id}/health for heartbeat health.
package api
