// Package usercontext threads the authenticated user id from the
// gateway's bearer-token resolution into every tool call via
// context.Context. No ambient state.
package usercontext

import "context"

type contextKey struct{}

var userIDKey = contextKey{}

// With returns a context carrying userID.
func With(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// UserID extracts the user id set by With. ok is false if no user id was
// ever attached (an unauthenticated call path).
func UserID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(userIDKey).(string)
	return v, ok && v != ""
}
