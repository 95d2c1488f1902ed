package auth

import "context"

type userContextKey struct{}

type userInfo struct {
	id    string
	roles []string
}

// ContextWithUser attaches the authenticated user and roles to the context.
func ContextWithUser(ctx context.Context, userID string, roles []string) context.Context {
	return context.WithValue(ctx, userContextKey{}, userInfo{id: userID, roles: roles})
}

// UserIDFromContext extracts the authenticated user id from the context.
func UserIDFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	v, ok := ctx.Value(userContextKey{}).(userInfo)
	if !ok || v.id == "" {
		return "", false
	}
	return v.id, true
}

// RolesFromContext returns the roles attached to the context, if any.
func RolesFromContext(ctx context.Context) []string {
	if ctx == nil {
		return nil
	}
	v, ok := ctx.Value(userContextKey{}).(userInfo)
	if !ok {
		return nil
	}
	return v.roles
}
