package grants

import "time"

// User is an account that can log in and receive grants
type User struct {
	ID               int64     `json:"id"`
	Username         string    `json:"username"`
	Name             string    `json:"name"`
	Email            string    `json:"email,omitempty"`
	PasswordHash     string    `json:"-"`
	Active           bool      `json:"active"`
	TwoFactorEnabled bool      `json:"two_factor_enabled"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Role carries an authority level and a set of permission grants. BypassAll roles
// receive ADMIN on every resource without explicit grants.
type Role struct {
	ID            int64     `json:"id"`
	Name          string    `json:"name"`
	Description   string    `json:"description,omitempty"`
	Level         int       `json:"level"`
	Active        bool      `json:"active"`
	TwoFARequired bool      `json:"two_fa_required"`
	BypassAll     bool      `json:"bypass_all"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// RolePermission is a static grant of a permission to a role
type RolePermission struct {
	RoleID       int64     `json:"role_id"`
	PermissionID int64     `json:"permission_id"`
	GrantedAt    time.Time `json:"granted_at"`
}

// UserPermission is a direct grant to one user. A nil ExpiresAt is permanent.
type UserPermission struct {
	ID           int64      `json:"id"`
	UserID       int64      `json:"user_id"`
	PermissionID int64      `json:"permission_id"`
	GrantedBy    *int64     `json:"granted_by,omitempty"`
	GrantedAt    time.Time  `json:"granted_at"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	Reason       string     `json:"reason,omitempty"`
}

// ActiveAt reports whether the grant is in force at t. A grant expiring exactly
// at t is already expired.
func (g UserPermission) ActiveAt(t time.Time) bool {
	return g.ExpiresAt == nil || g.ExpiresAt.After(t)
}
