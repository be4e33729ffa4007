// Package api hosts the control HTTP server for a running crawl. Routes:
//   - GET /healthz for liveness checks.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/status for the live status snapshot.
//   - POST /v1/stop to ask the run to stop.
//   - GET /v1/runs for run history when a run store is configured.
package api
