// Package http is the inbound HTTP adapter for abusegate.
//
// # Endpoints
//
//	POST /v1/ratelimit/check         - user-scoped decision
//	POST /v1/ratelimit/check-global  - identifier-scoped decision
//	GET  /health                     - component health, 503 when degraded
//	GET  /metrics                    - Prometheus exposition
//	     /admin/...                  - admin API, when mounted
//
// Decisions answer 200 when allowed and 429 when denied. Both carry
// X-RateLimit-Remaining and X-RateLimit-Reset; denials add Retry-After.
// A user check without a subject answers 401.
//
// # Middleware
//
// RateLimitMiddleware and GlobalRateLimitMiddleware guard arbitrary
// handlers in-process with the same response contract.
package http
