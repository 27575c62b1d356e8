// Package api serves the HTTP ingest and status surface.
//
// Every route under /api/v1 is authenticated with an API key and rate
// limited per client tier. Job submission returns 202 with a job ID;
// callers poll /status and fetch /results, or receive a webhook when
// the job finishes. Error responses share one envelope:
//
//	{"error": {"code": "...", "message": "...", "request_id": "..."}}
//
// /health, /health/detailed and /metrics are unauthenticated so load
// balancers and Prometheus can reach them.
package api
