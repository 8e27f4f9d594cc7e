// Package httpserver exposes the allocator API over HTTP: compact
// submission, suggested-nonce and balance queries, plus the operational
// endpoints (liveness, readiness, drain, optional pprof) and a metrics
// sidecar listener.
package httpserver
