// AngelaMos | 2026
// entity.go

package identity

import (
	"time"
)

type User struct {
	ID             string     `db:"id"`
	Email          string     `db:"email"`
	PasswordHash   string     `db:"password_hash"`
	Name           string     `db:"name"`
	Role           string     `db:"role"`
	IsActive       bool       `db:"is_active"`
	LastActivityAt *time.Time `db:"last_activity_at"`
	CreatedAt      time.Time  `db:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at"`
}

const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// rolePermissions maps a role to the permission set embedded in access
// tokens. Stored per role rather than per user so the identity row stays
// flat.
var rolePermissions = map[string][]string{
	RoleUser:  {"sessions:read", "sessions:revoke"},
	RoleAdmin: {"sessions:read", "sessions:revoke", "tokens:stats", "users:manage"},
}

func PermissionsForRole(role string) []string {
	perms, ok := rolePermissions[role]
	if !ok {
		return nil
	}
	out := make([]string, len(perms))
	copy(out, perms)
	return out
}

func (u *User) IsAdmin() bool {
	return u.Role == RoleAdmin
}
