package grants

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/platinummonkey/imobiauth/pkg/storage"
	"github.com/platinummonkey/imobiauth/pkg/storage/postgres"
)

// Store handles user, role and grant persistence
type Store struct {
	db  *sql.DB
	tx  *sql.Tx
	q   storage.Querier
	now func() time.Time
}

// NewStore creates a new grant store
func NewStore(db *sql.DB) *Store {
	return &Store{
		db:  db,
		q:   db,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// WithTx returns a copy of the store whose statements run inside tx
func (s *Store) WithTx(tx *sql.Tx) *Store {
	c := *s
	c.tx = tx
	c.q = tx
	return &c
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	if s.tx != nil {
		return fn(s.tx)
	}
	return storage.WithTx(ctx, s.db, nil, fn)
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func exists(ctx context.Context, q storage.Querier, query string, args ...interface{}) (bool, error) {
	var n int
	if err := q.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

func checkAffected(result sql.Result, what string, id int64) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s %d", ErrNotFound, what, id)
	}
	return nil
}

// CreateUser creates a new user
func (s *Store) CreateUser(ctx context.Context, u *User) error {
	u.Username = strings.TrimSpace(u.Username)
	if u.Username == "" {
		return fmt.Errorf("%w: username is required", ErrInvalid)
	}

	taken, err := exists(ctx, s.q, "SELECT COUNT(*) FROM users WHERE username = $1", u.Username)
	if err != nil {
		return fmt.Errorf("failed to check username: %w", err)
	}
	if taken {
		return fmt.Errorf("%w: username %q", ErrAlreadyExists, u.Username)
	}

	query := `
		INSERT INTO users (username, name, email, password_hash, active, two_factor_enabled, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`

	now := s.now()
	err = s.q.QueryRowContext(ctx, query,
		u.Username,
		u.Name,
		u.Email,
		u.PasswordHash,
		u.Active,
		u.TwoFactorEnabled,
		now,
		now,
	).Scan(&u.ID)
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return fmt.Errorf("%w: username %q", ErrAlreadyExists, u.Username)
		}
		return fmt.Errorf("failed to create user: %w", err)
	}

	u.CreatedAt = now
	u.UpdatedAt = now
	return nil
}

const userColumns = "id, username, name, email, password_hash, active, two_factor_enabled, created_at, updated_at"

func scanUser(row scanner) (*User, error) {
	var u User
	err := row.Scan(
		&u.ID,
		&u.Username,
		&u.Name,
		&u.Email,
		&u.PasswordHash,
		&u.Active,
		&u.TwoFactorEnabled,
		&u.CreatedAt,
		&u.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// GetUser retrieves a user by ID
func (s *Store) GetUser(ctx context.Context, id int64) (*User, error) {
	u, err := scanUser(s.q.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE id = $1", id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: user %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return u, nil
}

// GetUserByUsername retrieves a user by username
func (s *Store) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	u, err := scanUser(s.q.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE username = $1", username))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: user %q", ErrNotFound, username)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return u, nil
}

// ListUsers lists all users by username
func (s *Store) ListUsers(ctx context.Context) ([]*User, error) {
	rows, err := s.q.QueryContext(ctx, "SELECT "+userColumns+" FROM users ORDER BY username")
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// UpdateUser updates a user's name and email
func (s *Store) UpdateUser(ctx context.Context, u *User) error {
	now := s.now()
	result, err := s.q.ExecContext(ctx,
		"UPDATE users SET name = $1, email = $2, updated_at = $3 WHERE id = $4",
		u.Name, u.Email, now, u.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update user: %w", err)
	}
	if err := checkAffected(result, "user", u.ID); err != nil {
		return err
	}
	u.UpdatedAt = now
	return nil
}

// SetUserActive activates or deactivates a user
func (s *Store) SetUserActive(ctx context.Context, id int64, active bool) error {
	result, err := s.q.ExecContext(ctx,
		"UPDATE users SET active = $1, updated_at = $2 WHERE id = $3",
		active, s.now(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to set user active: %w", err)
	}
	return checkAffected(result, "user", id)
}

// SetUserTwoFactor enables or disables two-factor authentication for a user
func (s *Store) SetUserTwoFactor(ctx context.Context, id int64, enabled bool) error {
	result, err := s.q.ExecContext(ctx,
		"UPDATE users SET two_factor_enabled = $1, updated_at = $2 WHERE id = $3",
		enabled, s.now(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to set two-factor: %w", err)
	}
	return checkAffected(result, "user", id)
}

// DeleteUser deletes a user together with their role assignments and direct grants
func (s *Store) DeleteUser(ctx context.Context, id int64) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM user_permissions WHERE user_id = $1", id); err != nil {
			return fmt.Errorf("failed to delete user grants: %w", err)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM user_roles WHERE user_id = $1", id); err != nil {
			return fmt.Errorf("failed to delete user roles: %w", err)
		}
		result, err := tx.ExecContext(ctx, "DELETE FROM users WHERE id = $1", id)
		if err != nil {
			return fmt.Errorf("failed to delete user: %w", err)
		}
		return checkAffected(result, "user", id)
	})
}

// CreateRole creates a new role
func (s *Store) CreateRole(ctx context.Context, r *Role) error {
	r.Name = strings.TrimSpace(r.Name)
	if r.Name == "" {
		return fmt.Errorf("%w: role name is required", ErrInvalid)
	}
	if r.Level < 0 {
		return fmt.Errorf("%w: role level must not be negative", ErrInvalid)
	}

	taken, err := exists(ctx, s.q, "SELECT COUNT(*) FROM roles WHERE name = $1", r.Name)
	if err != nil {
		return fmt.Errorf("failed to check role name: %w", err)
	}
	if taken {
		return fmt.Errorf("%w: role %q", ErrAlreadyExists, r.Name)
	}

	query := `
		INSERT INTO roles (name, description, level, active, two_fa_required, bypass_all, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`

	now := s.now()
	err = s.q.QueryRowContext(ctx, query,
		r.Name,
		r.Description,
		r.Level,
		r.Active,
		r.TwoFARequired,
		r.BypassAll,
		now,
		now,
	).Scan(&r.ID)
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return fmt.Errorf("%w: role %q", ErrAlreadyExists, r.Name)
		}
		return fmt.Errorf("failed to create role: %w", err)
	}

	r.CreatedAt = now
	r.UpdatedAt = now
	return nil
}

const roleColumns = "r.id, r.name, r.description, r.level, r.active, r.two_fa_required, r.bypass_all, r.created_at, r.updated_at"

func scanRole(row scanner) (*Role, error) {
	var r Role
	err := row.Scan(
		&r.ID,
		&r.Name,
		&r.Description,
		&r.Level,
		&r.Active,
		&r.TwoFARequired,
		&r.BypassAll,
		&r.CreatedAt,
		&r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// GetRole retrieves a role by ID
func (s *Store) GetRole(ctx context.Context, id int64) (*Role, error) {
	r, err := scanRole(s.q.QueryRowContext(ctx, "SELECT "+roleColumns+" FROM roles r WHERE r.id = $1", id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: role %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get role: %w", err)
	}
	return r, nil
}

// ListRoles lists all roles, highest level first
func (s *Store) ListRoles(ctx context.Context) ([]Role, error) {
	return s.queryRoles(ctx, "SELECT "+roleColumns+" FROM roles r ORDER BY r.level DESC, r.name")
}

// SetRoleActive activates or deactivates a role. Deactivation removes the role's
// contribution from the next resolution of every holder.
func (s *Store) SetRoleActive(ctx context.Context, id int64, active bool) error {
	result, err := s.q.ExecContext(ctx,
		"UPDATE roles SET active = $1, updated_at = $2 WHERE id = $3",
		active, s.now(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to set role active: %w", err)
	}
	return checkAffected(result, "role", id)
}

// UpdateRole updates a role's name, description, level and two-factor
// requirement. The bypass and active flags are left alone.
func (s *Store) UpdateRole(ctx context.Context, r *Role) error {
	r.Name = strings.TrimSpace(r.Name)
	if r.Name == "" {
		return fmt.Errorf("%w: role name is required", ErrInvalid)
	}
	if r.Level < 0 {
		return fmt.Errorf("%w: role level must not be negative", ErrInvalid)
	}

	taken, err := exists(ctx, s.q, "SELECT COUNT(*) FROM roles WHERE name = $1 AND id <> $2", r.Name, r.ID)
	if err != nil {
		return fmt.Errorf("failed to check role name: %w", err)
	}
	if taken {
		return fmt.Errorf("%w: role %q", ErrAlreadyExists, r.Name)
	}

	now := s.now()
	result, err := s.q.ExecContext(ctx, `
		UPDATE roles
		SET name = $1, description = $2, level = $3, two_fa_required = $4, updated_at = $5
		WHERE id = $6
	`, r.Name, r.Description, r.Level, r.TwoFARequired, now, r.ID)
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return fmt.Errorf("%w: role %q", ErrAlreadyExists, r.Name)
		}
		return fmt.Errorf("failed to update role: %w", err)
	}
	if err := checkAffected(result, "role", r.ID); err != nil {
		return err
	}
	r.UpdatedAt = now
	return nil
}

// DeleteRole deletes a role and its grants. A role still assigned to any user
// is refused with ErrConflict.
func (s *Store) DeleteRole(ctx context.Context, id int64) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.WithTx(tx).GetRole(ctx, id); err != nil {
			return err
		}

		var holders int
		if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM user_roles WHERE role_id = $1", id).Scan(&holders); err != nil {
			return fmt.Errorf("failed to count role holders: %w", err)
		}
		if holders > 0 {
			return fmt.Errorf("%w: role %d is assigned to %d users", ErrConflict, id, holders)
		}

		if _, err := tx.ExecContext(ctx, "DELETE FROM role_permissions WHERE role_id = $1", id); err != nil {
			return fmt.Errorf("failed to delete role grants: %w", err)
		}
		result, err := tx.ExecContext(ctx, "DELETE FROM roles WHERE id = $1", id)
		if err != nil {
			return fmt.Errorf("failed to delete role: %w", err)
		}
		return checkAffected(result, "role", id)
	})
}

// ListRoleUsers lists the users assigned a role, active or not, by username
func (s *Store) ListRoleUsers(ctx context.Context, roleID int64) ([]*User, error) {
	if _, err := s.GetRole(ctx, roleID); err != nil {
		return nil, err
	}

	rows, err := s.q.QueryContext(ctx, `
		SELECT u.id, u.username, u.name, u.email, u.password_hash, u.active, u.two_factor_enabled, u.created_at, u.updated_at
		FROM user_roles ur
		JOIN users u ON u.id = ur.user_id
		WHERE ur.role_id = $1
		ORDER BY u.username
	`, roleID)
	if err != nil {
		return nil, fmt.Errorf("failed to list role users: %w", err)
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// AssignRole assigns a role to a user
func (s *Store) AssignRole(ctx context.Context, userID, roleID int64) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		txStore := s.WithTx(tx)
		if _, err := txStore.GetUser(ctx, userID); err != nil {
			return err
		}
		if _, err := txStore.GetRole(ctx, roleID); err != nil {
			return err
		}

		assigned, err := exists(ctx, tx, "SELECT COUNT(*) FROM user_roles WHERE user_id = $1 AND role_id = $2", userID, roleID)
		if err != nil {
			return fmt.Errorf("failed to check assignment: %w", err)
		}
		if assigned {
			return fmt.Errorf("%w: role %d already assigned to user %d", ErrAlreadyExists, roleID, userID)
		}

		if _, err := tx.ExecContext(ctx,
			"INSERT INTO user_roles (user_id, role_id, assigned_at) VALUES ($1, $2, $3)",
			userID, roleID, s.now(),
		); err != nil {
			return fmt.Errorf("failed to assign role: %w", err)
		}
		return nil
	})
}

// UnassignRole removes a role assignment
func (s *Store) UnassignRole(ctx context.Context, userID, roleID int64) error {
	result, err := s.q.ExecContext(ctx, "DELETE FROM user_roles WHERE user_id = $1 AND role_id = $2", userID, roleID)
	if err != nil {
		return fmt.Errorf("failed to unassign role: %w", err)
	}
	return checkAffected(result, "assignment of role", roleID)
}

// GetActiveRoles returns the active roles assigned to a user, highest level first
func (s *Store) GetActiveRoles(ctx context.Context, userID int64) ([]Role, error) {
	return s.queryRoles(ctx, `
		SELECT `+roleColumns+`
		FROM user_roles ur
		JOIN roles r ON r.id = ur.role_id
		WHERE ur.user_id = $1 AND r.active = TRUE
		ORDER BY r.level DESC, r.id
	`, userID)
}

func (s *Store) queryRoles(ctx context.Context, query string, args ...interface{}) ([]Role, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query roles: %w", err)
	}
	defer rows.Close()

	var roles []Role
	for rows.Next() {
		r, err := scanRole(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan role: %w", err)
		}
		roles = append(roles, *r)
	}
	return roles, rows.Err()
}

// GetUserLevel returns the highest level among the user's active roles, 0 when
// the user has none.
func (s *Store) GetUserLevel(ctx context.Context, userID int64) (int, error) {
	roles, err := s.GetActiveRoles(ctx, userID)
	if err != nil {
		return 0, err
	}
	return MaxLevel(roles), nil
}

// MaxLevel returns the highest level in roles, 0 for none
func MaxLevel(roles []Role) int {
	level := 0
	for _, r := range roles {
		if r.Level > level {
			level = r.Level
		}
	}
	return level
}

// GetTwoFactorRequirement reports whether holders of the role must use two-factor
// authentication
func (s *Store) GetTwoFactorRequirement(ctx context.Context, roleID int64) (bool, error) {
	var required bool
	err := s.q.QueryRowContext(ctx, "SELECT two_fa_required FROM roles WHERE id = $1", roleID).Scan(&required)
	if err == sql.ErrNoRows {
		return false, fmt.Errorf("%w: role %d", ErrNotFound, roleID)
	}
	if err != nil {
		return false, fmt.Errorf("failed to get two-factor requirement: %w", err)
	}
	return required, nil
}

// SetUserPassword replaces a user's password hash
func (s *Store) SetUserPassword(ctx context.Context, id int64, passwordHash string) error {
	if passwordHash == "" {
		return fmt.Errorf("%w: password hash is required", ErrInvalid)
	}
	result, err := s.q.ExecContext(ctx,
		"UPDATE users SET password_hash = $1, updated_at = $2 WHERE id = $3",
		passwordHash, s.now(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to set password: %w", err)
	}
	return checkAffected(result, "user", id)
}
