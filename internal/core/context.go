package core

import "context"

type requestIDKey struct{}

// WithRequestID attaches the request id that correlates logs, outcome
// entries and the X-Request-ID response header.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// GetRequestID returns the request id carried by ctx, or "" when there is none.
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
