// Package common provides shared utilities for middleware packages.
// This package contains common types and functions used across multiple
// middleware files and the services that read request-scoped values.
package common

import (
	"context"

	"github.com/kart-io/sentinel-rag/pkg/utils/id"
)

// HeaderXRequestID is the header name for request ID.
const HeaderXRequestID = "X-Request-ID"

// RequestIDKey is the context key type for request ID.
type RequestIDKey struct{}

// GetRequestID returns the request ID from the context.
// Returns empty string if not found.
func GetRequestID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(RequestIDKey{}).(string); ok {
		return id
	}
	return ""
}

// WithRequestID stores the request ID in the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey{}, requestID)
}

// GenerateRequestID generates a random UUID v4 request ID.
func GenerateRequestID() string {
	return id.NewUUID()
}
