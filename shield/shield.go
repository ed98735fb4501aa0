// Package shield holds the HTTP middleware protecting the distribution API:
// security headers, request tracing, body limits and per-IP rate limiting.
package shield

type contextKey string

// LoggerKey stores the per-request logger in the request context.
const LoggerKey contextKey = "shield.logger"
