package domain

import "context"

type sessionKey struct{}

// ContextWithSessionID tags ctx with a verification session ID so the
// profile client can log which session issued a call.
func ContextWithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionKey{}, id)
}

// SessionIDFromContext returns the session ID on ctx, or "".
func SessionIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(sessionKey{}).(string)
	return id
}
