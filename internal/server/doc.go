// Package server hosts the ClipFlow HTTP API.
//
// The server builds a consistent middleware chain of request logging, request
// IDs, security headers, CORS, metrics, rate limiting, and bearer-token auth
// so handlers all share common protections and instrumentation.
package server
