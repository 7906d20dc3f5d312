package auth

import "context"

// Role names recognized by the service. They arrive inside verified bearer
// tokens; the service never derives them itself.
const (
	RoleStudent    = "student"
	RoleInstructor = "instructor"
	RoleAdmin      = "admin"
)

// IsStaff reports whether the context carries an instructor or admin identity.
func IsStaff(ctx context.Context) bool {
	return HasRole(ctx, RoleInstructor) || HasRole(ctx, RoleAdmin)
}

// IsAdmin reports whether the context carries an admin identity.
func IsAdmin(ctx context.Context) bool {
	return HasRole(ctx, RoleAdmin)
}
