// Package api hosts the HTTP server, middleware, and REST handlers. Notable
// routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/jobs to admit a keyword scrape, GET /v1/jobs/{job_id} to read it.
//   - GET /v1/quota for the caller's allowance.
//   - POST /v1/billing/plan for the billing collaborator.
//   - POST /v1/webhooks/scrape for signed provider callbacks.
//
// Tenant and requester identity arrive in the X-Tenant-ID and X-Requester-ID
// headers, set by the auth layer in front of this service.
package api
