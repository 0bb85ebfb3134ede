// Package ctxkey defines context key types for request-scoped values.
// It must not import other internal packages.
package ctxkey

// LoggerKey is the context key type for the request-scoped logger.
type LoggerKey struct{}
