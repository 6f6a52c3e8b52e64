package grants

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/imobiauth/pkg/storage/testdb"
)

func newTestStore(t *testing.T) (*Store, *sql.DB) {
	t.Helper()
	db := testdb.Open(t)
	return NewStore(db), db
}

func mustUser(t *testing.T, s *Store, username string) *User {
	t.Helper()
	u := &User{Username: username, Name: username, Active: true}
	require.NoError(t, s.CreateUser(context.Background(), u))
	return u
}

func mustRole(t *testing.T, s *Store, name string, level int) *Role {
	t.Helper()
	r := &Role{Name: name, Level: level, Active: true}
	require.NoError(t, s.CreateRole(context.Background(), r))
	return r
}

func mustPermission(t *testing.T, db *sql.DB, action string) int64 {
	t.Helper()
	now := time.Now().UTC()
	var featureID, permissionID int64
	require.NoError(t, db.QueryRow(
		"INSERT INTO features (name, active, created_at, updated_at) VALUES ($1, TRUE, $2, $3) RETURNING id",
		"Imoveis "+action, now, now,
	).Scan(&featureID))
	require.NoError(t, db.QueryRow(
		"INSERT INTO permissions (feature_id, action, created_at) VALUES ($1, $2, $3) RETURNING id",
		featureID, action, now,
	).Scan(&permissionID))
	return permissionID
}

func TestUsers(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	u := mustUser(t, s, "ana")
	assert.NotZero(t, u.ID)

	t.Run("duplicate username", func(t *testing.T) {
		err := s.CreateUser(ctx, &User{Username: "ana"})
		assert.ErrorIs(t, err, ErrAlreadyExists)
	})

	t.Run("blank username", func(t *testing.T) {
		assert.ErrorIs(t, s.CreateUser(ctx, &User{Username: " "}), ErrInvalid)
	})

	t.Run("lookup by username", func(t *testing.T) {
		got, err := s.GetUserByUsername(ctx, "ana")
		require.NoError(t, err)
		assert.Equal(t, u.ID, got.ID)
		assert.True(t, got.Active)

		_, err = s.GetUserByUsername(ctx, "nobody")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("update and flags", func(t *testing.T) {
		u.Name = "Ana Souza"
		u.Email = "ana@example.com"
		require.NoError(t, s.UpdateUser(ctx, u))
		require.NoError(t, s.SetUserActive(ctx, u.ID, false))
		require.NoError(t, s.SetUserTwoFactor(ctx, u.ID, true))

		got, err := s.GetUser(ctx, u.ID)
		require.NoError(t, err)
		assert.Equal(t, "Ana Souza", got.Name)
		assert.False(t, got.Active)
		assert.True(t, got.TwoFactorEnabled)

		assert.ErrorIs(t, s.SetUserActive(ctx, 999, true), ErrNotFound)
	})

	t.Run("password", func(t *testing.T) {
		require.NoError(t, s.SetUserPassword(ctx, u.ID, "$2a$04$hash"))
		got, err := s.GetUser(ctx, u.ID)
		require.NoError(t, err)
		assert.Equal(t, "$2a$04$hash", got.PasswordHash)

		assert.ErrorIs(t, s.SetUserPassword(ctx, u.ID, ""), ErrInvalid)
		assert.ErrorIs(t, s.SetUserPassword(ctx, 999, "x"), ErrNotFound)
	})
}

func TestDeleteUserRemovesAssignmentsAndGrants(t *testing.T) {
	ctx := context.Background()
	s, db := newTestStore(t)

	u := mustUser(t, s, "bruno")
	r := mustRole(t, s, "Corretor", 10)
	require.NoError(t, s.AssignRole(ctx, u.ID, r.ID))
	require.NoError(t, s.GrantUserPermission(ctx, &UserPermission{UserID: u.ID, PermissionID: mustPermission(t, db, "read")}))

	require.NoError(t, s.DeleteUser(ctx, u.ID))

	_, err := s.GetUser(ctx, u.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	var n int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM user_roles").Scan(&n))
	assert.Zero(t, n)
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM user_permissions").Scan(&n))
	assert.Zero(t, n)

	assert.ErrorIs(t, s.DeleteUser(ctx, u.ID), ErrNotFound)
}

func TestActiveRolesAndLevel(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	u := mustUser(t, s, "carla")
	corretor := mustRole(t, s, "Corretor", 10)
	gerente := mustRole(t, s, "Gerente", 20)
	require.NoError(t, s.AssignRole(ctx, u.ID, corretor.ID))
	require.NoError(t, s.AssignRole(ctx, u.ID, gerente.ID))

	assert.ErrorIs(t, s.AssignRole(ctx, u.ID, gerente.ID), ErrAlreadyExists)
	assert.ErrorIs(t, s.AssignRole(ctx, u.ID, 999), ErrNotFound)

	roles, err := s.GetActiveRoles(ctx, u.ID)
	require.NoError(t, err)
	require.Len(t, roles, 2)
	assert.Equal(t, "Gerente", roles[0].Name)

	level, err := s.GetUserLevel(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, 20, level)

	require.NoError(t, s.SetRoleActive(ctx, gerente.ID, false))

	roles, err = s.GetActiveRoles(ctx, u.ID)
	require.NoError(t, err)
	require.Len(t, roles, 1)
	assert.Equal(t, corretor.ID, roles[0].ID)

	level, err = s.GetUserLevel(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, level)

	require.NoError(t, s.UnassignRole(ctx, u.ID, corretor.ID))
	level, err = s.GetUserLevel(ctx, u.ID)
	require.NoError(t, err)
	assert.Zero(t, level)
}

func TestCreateRoleValidation(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	mustRole(t, s, "Admin", 30)
	assert.ErrorIs(t, s.CreateRole(ctx, &Role{Name: "Admin"}), ErrAlreadyExists)
	assert.ErrorIs(t, s.CreateRole(ctx, &Role{Name: ""}), ErrInvalid)
	assert.ErrorIs(t, s.CreateRole(ctx, &Role{Name: "Negative", Level: -1}), ErrInvalid)
}

func TestGetTwoFactorRequirement(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	required := &Role{Name: "Admin", Level: 30, Active: true, TwoFARequired: true}
	require.NoError(t, s.CreateRole(ctx, required))
	optional := mustRole(t, s, "Corretor", 10)

	got, err := s.GetTwoFactorRequirement(ctx, required.ID)
	require.NoError(t, err)
	assert.True(t, got)

	got, err = s.GetTwoFactorRequirement(ctx, optional.ID)
	require.NoError(t, err)
	assert.False(t, got)

	_, err = s.GetTwoFactorRequirement(ctx, 999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRolePermissions(t *testing.T) {
	ctx := context.Background()
	s, db := newTestStore(t)

	r := mustRole(t, s, "Corretor", 10)
	read := mustPermission(t, db, "read")
	update := mustPermission(t, db, "update")

	require.NoError(t, s.GrantRolePermission(ctx, r.ID, read))
	require.NoError(t, s.GrantRolePermission(ctx, r.ID, update))
	assert.ErrorIs(t, s.GrantRolePermission(ctx, r.ID, read), ErrAlreadyExists)
	assert.ErrorIs(t, s.GrantRolePermission(ctx, r.ID, 999), ErrNotFound)

	grants, err := s.GetRolePermissions(ctx, r.ID)
	require.NoError(t, err)
	require.Len(t, grants, 2)
	assert.Equal(t, read, grants[0].PermissionID)

	require.NoError(t, s.RevokeRolePermission(ctx, r.ID, update))
	assert.ErrorIs(t, s.RevokeRolePermission(ctx, r.ID, update), ErrNotFound)

	grants, err = s.GetRolePermissions(ctx, r.ID)
	require.NoError(t, err)
	assert.Len(t, grants, 1)
}

func TestUpdateRole(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	mustRole(t, s, "Gerente", 50)
	bypass := &Role{Name: "Suporte", Level: 20, Active: true, BypassAll: true}
	require.NoError(t, s.CreateRole(ctx, bypass))

	tests := []struct {
		name    string
		update  Role
		wantErr error
	}{
		{"rename and relevel", Role{ID: bypass.ID, Name: " Suporte N2 ", Level: 25, TwoFARequired: true}, nil},
		{"keep own name", Role{ID: bypass.ID, Name: "Suporte N2", Level: 25}, nil},
		{"name taken", Role{ID: bypass.ID, Name: "Gerente", Level: 25}, ErrAlreadyExists},
		{"empty name", Role{ID: bypass.ID, Name: "  ", Level: 25}, ErrInvalid},
		{"negative level", Role{ID: bypass.ID, Name: "Suporte", Level: -1}, ErrInvalid},
		{"unknown role", Role{ID: 999, Name: "Fantasma"}, ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := tt.update
			err := s.UpdateRole(ctx, &r)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)

			got, err := s.GetRole(ctx, bypass.ID)
			require.NoError(t, err)
			assert.Equal(t, "Suporte N2", got.Name)
			assert.Equal(t, 25, got.Level)
			assert.Equal(t, r.TwoFARequired, got.TwoFARequired)
			assert.True(t, got.BypassAll)
			assert.True(t, got.Active)
		})
	}
}

func TestDeleteRole(t *testing.T) {
	ctx := context.Background()
	s, db := newTestStore(t)

	held := mustRole(t, s, "Corretor", 10)
	unused := mustRole(t, s, "Estagiario", 5)
	read := mustPermission(t, db, "read")
	require.NoError(t, s.GrantRolePermission(ctx, unused.ID, read))
	u := mustUser(t, s, "ana")
	require.NoError(t, s.AssignRole(ctx, u.ID, held.ID))

	tests := []struct {
		name    string
		roleID  int64
		wantErr error
	}{
		{"assigned role", held.ID, ErrConflict},
		{"unassigned role", unused.ID, nil},
		{"already deleted", unused.ID, ErrNotFound},
		{"unknown role", 999, ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.DeleteRole(ctx, tt.roleID)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
		})
	}

	grants, err := s.GetRolePermissions(ctx, unused.ID)
	require.NoError(t, err)
	assert.Empty(t, grants)

	// the conflict left the held role intact
	_, err = s.GetRole(ctx, held.ID)
	assert.NoError(t, err)

	require.NoError(t, s.UnassignRole(ctx, u.ID, held.ID))
	assert.NoError(t, s.DeleteRole(ctx, held.ID))
}

func TestListRoleUsers(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	r := mustRole(t, s, "Corretor", 10)
	other := mustRole(t, s, "Gerente", 50)
	bruno := mustUser(t, s, "bruno")
	ana := mustUser(t, s, "ana")
	carla := mustUser(t, s, "carla")
	require.NoError(t, s.AssignRole(ctx, bruno.ID, r.ID))
	require.NoError(t, s.AssignRole(ctx, ana.ID, r.ID))
	require.NoError(t, s.AssignRole(ctx, carla.ID, other.ID))
	require.NoError(t, s.SetUserActive(ctx, bruno.ID, false))

	users, err := s.ListRoleUsers(ctx, r.ID)
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, "ana", users[0].Username)
	assert.Equal(t, "bruno", users[1].Username)
	assert.False(t, users[1].Active)

	empty := mustRole(t, s, "Vazio", 1)
	users, err = s.ListRoleUsers(ctx, empty.ID)
	require.NoError(t, err)
	assert.Empty(t, users)

	_, err = s.ListRoleUsers(ctx, 999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReplaceRolePermissions(t *testing.T) {
	ctx := context.Background()
	s, db := newTestStore(t)

	r := mustRole(t, s, "Corretor", 10)
	other := mustRole(t, s, "Captador", 10)
	read := mustPermission(t, db, "read")
	update := mustPermission(t, db, "update")
	del := mustPermission(t, db, "delete")
	require.NoError(t, s.GrantRolePermission(ctx, r.ID, del))

	require.NoError(t, s.ReplaceRolePermissions(ctx, []int64{r.ID, other.ID}, []int64{update, read, read}))
	for _, roleID := range []int64{r.ID, other.ID} {
		grants, err := s.GetRolePermissions(ctx, roleID)
		require.NoError(t, err)
		require.Len(t, grants, 2)
		assert.Equal(t, read, grants[0].PermissionID)
		assert.Equal(t, update, grants[1].PermissionID)
	}

	t.Run("unknown permission rolls back", func(t *testing.T) {
		assert.ErrorIs(t, s.ReplaceRolePermissions(ctx, []int64{r.ID}, []int64{del, 999}), ErrNotFound)
		grants, err := s.GetRolePermissions(ctx, r.ID)
		require.NoError(t, err)
		assert.Len(t, grants, 2)
	})

	t.Run("unknown role rolls back", func(t *testing.T) {
		assert.ErrorIs(t, s.ReplaceRolePermissions(ctx, []int64{r.ID, 999}, nil), ErrNotFound)
		grants, err := s.GetRolePermissions(ctx, r.ID)
		require.NoError(t, err)
		assert.Len(t, grants, 2)
	})

	t.Run("empty set clears", func(t *testing.T) {
		require.NoError(t, s.ReplaceRolePermissions(ctx, []int64{r.ID}, nil))
		grants, err := s.GetRolePermissions(ctx, r.ID)
		require.NoError(t, err)
		assert.Empty(t, grants)
	})
}

func TestDirectGrantsExpiry(t *testing.T) {
	ctx := context.Background()
	s, db := newTestStore(t)

	u := mustUser(t, s, "diego")
	admin := mustUser(t, s, "root")
	now := time.Now().UTC()

	permanent := &UserPermission{UserID: u.ID, PermissionID: mustPermission(t, db, "read"), GrantedBy: &admin.ID, Reason: "plantão"}
	require.NoError(t, s.GrantUserPermission(ctx, permanent))

	past := now.Add(-time.Hour)
	expired := &UserPermission{
		UserID:       u.ID,
		PermissionID: mustPermission(t, db, "update"),
		GrantedAt:    now.Add(-2 * time.Hour),
		ExpiresAt:    &past,
	}
	require.NoError(t, s.GrantUserPermission(ctx, expired))

	future := now.Add(time.Hour)
	temporary := &UserPermission{UserID: u.ID, PermissionID: mustPermission(t, db, "delete"), ExpiresAt: &future}
	require.NoError(t, s.GrantUserPermission(ctx, temporary))

	all, err := s.ListDirectGrants(ctx, u.ID)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	active, err := s.GetDirectGrants(ctx, u.ID, now)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, permanent.ID, active[0].ID)
	require.NotNil(t, active[0].GrantedBy)
	assert.Equal(t, admin.ID, *active[0].GrantedBy)
	assert.Equal(t, "plantão", active[0].Reason)
	assert.Equal(t, temporary.ID, active[1].ID)

	atExpiry, err := s.GetDirectGrants(ctx, u.ID, future)
	require.NoError(t, err)
	require.Len(t, atExpiry, 1, "a grant expiring exactly at asOf no longer counts")
	assert.Equal(t, permanent.ID, atExpiry[0].ID)
}

func TestGrantUserPermissionRenewsExisting(t *testing.T) {
	ctx := context.Background()
	s, db := newTestStore(t)

	u := mustUser(t, s, "elisa")
	permissionID := mustPermission(t, db, "update")
	now := time.Now().UTC()

	past := now.Add(-time.Minute)
	first := &UserPermission{UserID: u.ID, PermissionID: permissionID, GrantedAt: now.Add(-time.Hour), ExpiresAt: &past}
	require.NoError(t, s.GrantUserPermission(ctx, first))

	renewed := &UserPermission{UserID: u.ID, PermissionID: permissionID, Reason: "renovado"}
	require.NoError(t, s.GrantUserPermission(ctx, renewed))
	assert.Equal(t, first.ID, renewed.ID)

	active, err := s.GetDirectGrants(ctx, u.ID, now)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Nil(t, active[0].ExpiresAt)
	assert.Equal(t, "renovado", active[0].Reason)
}

func TestGrantUserPermissionValidation(t *testing.T) {
	ctx := context.Background()
	s, db := newTestStore(t)

	u := mustUser(t, s, "fabio")
	permissionID := mustPermission(t, db, "read")
	now := time.Now().UTC()

	err := s.GrantUserPermission(ctx, &UserPermission{UserID: u.ID, PermissionID: permissionID, GrantedAt: now, ExpiresAt: &now})
	assert.ErrorIs(t, err, ErrInvalid)

	err = s.GrantUserPermission(ctx, &UserPermission{UserID: 999, PermissionID: permissionID})
	assert.ErrorIs(t, err, ErrNotFound)

	err = s.GrantUserPermission(ctx, &UserPermission{UserID: u.ID, PermissionID: 999})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRevokeUserPermission(t *testing.T) {
	ctx := context.Background()
	s, db := newTestStore(t)

	u := mustUser(t, s, "gabi")
	other := mustUser(t, s, "hugo")
	g := &UserPermission{UserID: u.ID, PermissionID: mustPermission(t, db, "read")}
	require.NoError(t, s.GrantUserPermission(ctx, g))

	assert.ErrorIs(t, s.RevokeUserPermission(ctx, other.ID, g.ID), ErrNotFound, "grant belongs to another user")
	require.NoError(t, s.RevokeUserPermission(ctx, u.ID, g.ID))

	all, err := s.ListDirectGrants(ctx, u.ID)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestWithTxSharesTransaction(t *testing.T) {
	ctx := context.Background()
	s, db := newTestStore(t)

	tx, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)

	u := &User{Username: "iris", Active: true}
	require.NoError(t, s.WithTx(tx).CreateUser(ctx, u))

	got, err := s.WithTx(tx).GetUser(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, "iris", got.Username)

	require.NoError(t, tx.Rollback())

	_, err = s.GetUser(ctx, u.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}
