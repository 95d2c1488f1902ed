package auth

import "context"

// HasRole reports whether the context carries the given role.
func HasRole(ctx context.Context, role string) bool {
	for _, r := range RolesFromContext(ctx) {
		if r == role {
			return true
		}
	}
	return false
}

// RequireAdmin returns ErrForbidden unless the context carries the admin role.
// Reversals and cancellations are the only admin-gated operations.
func RequireAdmin(ctx context.Context) error {
	if !HasRole(ctx, RoleAdmin) {
		return ErrForbidden
	}
	return nil
}
