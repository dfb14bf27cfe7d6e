// Package api exposes the agent over HTTP.
//
// Operations are registered with huma on a chi router under a base path
// (default /api); the OpenAPI document is served at {base}/openapi.json.
// Errors use one envelope:
//
//	{"error": {"code": "not_found", "message": "...", "details": {...}}}
//
// Pipeline errors map to 404 (missing record), 409 (conflict or
// precondition), 422 (policy violation), 503 (execution queue full) and
// 500 otherwise.
//
// When a JWT secret is configured, approve, reject, resume and rollback
// require an HS256 bearer token whose subject is recorded as the actor.
// Webhook receivers are rate limited per client IP. The observer websocket
// (/ws) and Prometheus metrics (/metrics) are mounted at the root.
package api
