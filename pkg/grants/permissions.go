package grants

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// GrantRolePermission grants a permission to a role
func (s *Store) GrantRolePermission(ctx context.Context, roleID, permissionID int64) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.WithTx(tx).GetRole(ctx, roleID); err != nil {
			return err
		}
		if err := permissionExists(ctx, tx, permissionID); err != nil {
			return err
		}

		granted, err := exists(ctx, tx, "SELECT COUNT(*) FROM role_permissions WHERE role_id = $1 AND permission_id = $2", roleID, permissionID)
		if err != nil {
			return fmt.Errorf("failed to check role grant: %w", err)
		}
		if granted {
			return fmt.Errorf("%w: permission %d already granted to role %d", ErrAlreadyExists, permissionID, roleID)
		}

		if _, err := tx.ExecContext(ctx,
			"INSERT INTO role_permissions (role_id, permission_id, granted_at) VALUES ($1, $2, $3)",
			roleID, permissionID, s.now(),
		); err != nil {
			return fmt.Errorf("failed to grant role permission: %w", err)
		}
		return nil
	})
}

// RevokeRolePermission revokes a permission from a role
func (s *Store) RevokeRolePermission(ctx context.Context, roleID, permissionID int64) error {
	result, err := s.q.ExecContext(ctx,
		"DELETE FROM role_permissions WHERE role_id = $1 AND permission_id = $2",
		roleID, permissionID,
	)
	if err != nil {
		return fmt.Errorf("failed to revoke role permission: %w", err)
	}
	return checkAffected(result, "role grant of permission", permissionID)
}

// ReplaceRolePermissions makes permissionIDs the complete grant set of every
// role in roleIDs, in one transaction. An empty set clears the roles.
// Duplicates are ignored.
func (s *Store) ReplaceRolePermissions(ctx context.Context, roleIDs, permissionIDs []int64) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		txStore := s.WithTx(tx)
		unique := make([]int64, 0, len(permissionIDs))
		seen := make(map[int64]struct{}, len(permissionIDs))
		for _, permissionID := range permissionIDs {
			if _, ok := seen[permissionID]; ok {
				continue
			}
			seen[permissionID] = struct{}{}
			if err := permissionExists(ctx, tx, permissionID); err != nil {
				return err
			}
			unique = append(unique, permissionID)
		}

		now := s.now()
		for _, roleID := range roleIDs {
			if _, err := txStore.GetRole(ctx, roleID); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, "DELETE FROM role_permissions WHERE role_id = $1", roleID); err != nil {
				return fmt.Errorf("failed to clear role permissions: %w", err)
			}
			for _, permissionID := range unique {
				if _, err := tx.ExecContext(ctx,
					"INSERT INTO role_permissions (role_id, permission_id, granted_at) VALUES ($1, $2, $3)",
					roleID, permissionID, now,
				); err != nil {
					return fmt.Errorf("failed to grant role permission: %w", err)
				}
			}
		}
		return nil
	})
}

// GetRolePermissions returns the static grants of a role
func (s *Store) GetRolePermissions(ctx context.Context, roleID int64) ([]RolePermission, error) {
	rows, err := s.q.QueryContext(ctx,
		"SELECT role_id, permission_id, granted_at FROM role_permissions WHERE role_id = $1 ORDER BY permission_id",
		roleID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get role permissions: %w", err)
	}
	defer rows.Close()

	var grants []RolePermission
	for rows.Next() {
		var g RolePermission
		if err := rows.Scan(&g.RoleID, &g.PermissionID, &g.GrantedAt); err != nil {
			return nil, fmt.Errorf("failed to scan role permission: %w", err)
		}
		grants = append(grants, g)
	}
	return grants, rows.Err()
}

// GrantUserPermission records a direct grant. GrantedAt defaults to now. An
// existing grant of the same permission to the same user is replaced, which is
// how an expired grant gets renewed.
func (s *Store) GrantUserPermission(ctx context.Context, g *UserPermission) error {
	if g.GrantedAt.IsZero() {
		g.GrantedAt = s.now()
	}
	g.GrantedAt = g.GrantedAt.UTC()
	if g.ExpiresAt != nil {
		expires := g.ExpiresAt.UTC()
		if !expires.After(g.GrantedAt) {
			return fmt.Errorf("%w: expires_at must be after granted_at", ErrInvalid)
		}
		g.ExpiresAt = &expires
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.WithTx(tx).GetUser(ctx, g.UserID); err != nil {
			return err
		}
		if err := permissionExists(ctx, tx, g.PermissionID); err != nil {
			return err
		}

		var existingID int64
		err := tx.QueryRowContext(ctx,
			"SELECT id FROM user_permissions WHERE user_id = $1 AND permission_id = $2",
			g.UserID, g.PermissionID,
		).Scan(&existingID)
		switch {
		case err == sql.ErrNoRows:
			err = tx.QueryRowContext(ctx, `
				INSERT INTO user_permissions (user_id, permission_id, granted_by, granted_at, expires_at, reason)
				VALUES ($1, $2, $3, $4, $5, $6)
				RETURNING id
			`, g.UserID, g.PermissionID, g.GrantedBy, g.GrantedAt, g.ExpiresAt, g.Reason).Scan(&g.ID)
			if err != nil {
				return fmt.Errorf("failed to grant user permission: %w", err)
			}
		case err != nil:
			return fmt.Errorf("failed to check user grant: %w", err)
		default:
			if _, err := tx.ExecContext(ctx, `
				UPDATE user_permissions
				SET granted_by = $1, granted_at = $2, expires_at = $3, reason = $4
				WHERE id = $5
			`, g.GrantedBy, g.GrantedAt, g.ExpiresAt, g.Reason, existingID); err != nil {
				return fmt.Errorf("failed to renew user permission: %w", err)
			}
			g.ID = existingID
		}
		return nil
	})
}

// RevokeUserPermission deletes a direct grant owned by userID
func (s *Store) RevokeUserPermission(ctx context.Context, userID, grantID int64) error {
	result, err := s.q.ExecContext(ctx,
		"DELETE FROM user_permissions WHERE id = $1 AND user_id = $2",
		grantID, userID,
	)
	if err != nil {
		return fmt.Errorf("failed to revoke user permission: %w", err)
	}
	return checkAffected(result, "direct grant", grantID)
}

// ListDirectGrants returns every direct grant of a user, expired ones included
func (s *Store) ListDirectGrants(ctx context.Context, userID int64) ([]UserPermission, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, user_id, permission_id, granted_by, granted_at, expires_at, reason
		FROM user_permissions
		WHERE user_id = $1
		ORDER BY id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get direct grants: %w", err)
	}
	defer rows.Close()

	var grants []UserPermission
	for rows.Next() {
		var g UserPermission
		var grantedBy sql.NullInt64
		var expiresAt sql.NullTime
		if err := rows.Scan(&g.ID, &g.UserID, &g.PermissionID, &grantedBy, &g.GrantedAt, &expiresAt, &g.Reason); err != nil {
			return nil, fmt.Errorf("failed to scan direct grant: %w", err)
		}
		if grantedBy.Valid {
			id := grantedBy.Int64
			g.GrantedBy = &id
		}
		if expiresAt.Valid {
			t := expiresAt.Time
			g.ExpiresAt = &t
		}
		grants = append(grants, g)
	}
	return grants, rows.Err()
}

// GetDirectGrants returns the user's direct grants still in force at asOf
func (s *Store) GetDirectGrants(ctx context.Context, userID int64, asOf time.Time) ([]UserPermission, error) {
	all, err := s.ListDirectGrants(ctx, userID)
	if err != nil {
		return nil, err
	}

	active := all[:0]
	for _, g := range all {
		if g.ActiveAt(asOf) {
			active = append(active, g)
		}
	}
	return active, nil
}

func permissionExists(ctx context.Context, q *sql.Tx, permissionID int64) error {
	found, err := exists(ctx, q, "SELECT COUNT(*) FROM permissions WHERE id = $1", permissionID)
	if err != nil {
		return fmt.Errorf("failed to check permission: %w", err)
	}
	if !found {
		return fmt.Errorf("%w: permission %d", ErrNotFound, permissionID)
	}
	return nil
}
