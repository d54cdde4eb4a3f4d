// Package api hosts the HTTP server, middleware, and REST handlers for the
// harvester. Routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/harvest to run a harvest synchronously.
//   - GET /v1/runs and /v1/runs/{run_id} for recently finished runs.
package api
