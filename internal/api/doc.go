// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz for liveness probes.
//   - GET /metrics for Prometheus scraping.
//   - /api/v1/tasks for queueing, inspecting, routing, recovering and deleting tasks.
//   - /api/v1/crawlers/{id} for stopping and removing external crawlers.
//   - /api/v1/domains, /submits and /browsers for the supporting records.
//
// Handlers translate the queue facade's neutral results into status codes:
// a nil record is 404, a zero id is 400 or 500 depending on whether the input
// was checked up front.
package api
