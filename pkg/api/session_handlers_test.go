package api

import (
	"context"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/imobiauth/pkg/audit"
	"github.com/platinummonkey/imobiauth/pkg/auth"
	"github.com/platinummonkey/imobiauth/pkg/catalog"
)

const unknownSessionID = "00000000-0000-0000-0000-000000000000"

func (f *fixture) listSessions(t *testing.T, token, query string) []auth.Session {
	t.Helper()
	rec := f.do(t, http.MethodGet, "/admin/sessions"+query, token, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var sessions []auth.Session
	decode(t, rec, &sessions)
	return sessions
}

func TestSessionAdministration(t *testing.T) {
	f := newFixture(t)
	token := f.adminToken(t)
	mariaID, _, _ := f.corretor(t, token)
	f.login(t, "maria", userPassword)
	f.login(t, "maria", userPassword)
	byMaria := fmt.Sprintf("?user_id=%d", mariaID)

	t.Run("list a user's sessions", func(t *testing.T) {
		sessions := f.listSessions(t, token, byMaria)
		require.Len(t, sessions, 2)
		for _, s := range sessions {
			assert.Equal(t, mariaID, s.UserID)
		}
	})

	t.Run("listing everything hides sessions the caller cannot manage", func(t *testing.T) {
		sessions := f.listSessions(t, token, "")
		require.Len(t, sessions, 2)
		for _, s := range sessions {
			assert.Equal(t, mariaID, s.UserID)
		}
	})

	t.Run("own sessions are not administered", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, fmt.Sprintf("/admin/sessions?user_id=%d", f.adminID), token, nil)
		assert.Equal(t, http.StatusForbidden, rec.Code)
		assert.True(t, f.audit.has(audit.EventTypeAuthzHierarchyViolation))
	})

	t.Run("get", func(t *testing.T) {
		id := f.listSessions(t, token, byMaria)[0].ID
		rec := f.do(t, http.MethodGet, "/admin/sessions/"+id, token, nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var session auth.Session
		decode(t, rec, &session)
		assert.Equal(t, id, session.ID)
		assert.Equal(t, mariaID, session.UserID)

		rec = f.do(t, http.MethodGet, "/admin/sessions/"+unknownSessionID, token, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("revoke one", func(t *testing.T) {
		id := f.listSessions(t, token, byMaria)[0].ID
		rec := f.do(t, http.MethodDelete, "/admin/sessions/"+id, token, nil)
		require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())
		assert.Len(t, f.listSessions(t, token, byMaria), 1)

		event := f.audit.last(audit.EventTypeAdminSessionRevoke)
		require.NotNil(t, event)
		assert.Equal(t, audit.ResourceTypeSession, event.ResourceType)
		assert.Equal(t, id, event.ResourceID)
		require.NotNil(t, event.TargetUserID)
		assert.Equal(t, mariaID, *event.TargetUserID)

		rec = f.do(t, http.MethodDelete, "/admin/sessions/"+id, token, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestBulkRevokeSessions(t *testing.T) {
	f := newFixture(t)
	token := f.adminToken(t)
	mariaID, _, _ := f.corretor(t, token)
	ctx := context.Background()
	sessions := f.server.auth.Sessions()

	tests := []struct {
		name        string
		req         func(t *testing.T) BulkRevokeRequest
		wantStatus  int
		wantRevoked int
	}{
		{
			name: "by user",
			req: func(t *testing.T) BulkRevokeRequest {
				return BulkRevokeRequest{Type: RevokeUser, UserID: mariaID}
			},
			wantStatus:  http.StatusOK,
			wantRevoked: 2,
		},
		{
			name: "selected skips unknown IDs",
			req: func(t *testing.T) BulkRevokeRequest {
				list, err := sessions.ListForUser(ctx, mariaID)
				require.NoError(t, err)
				return BulkRevokeRequest{Type: RevokeSelected, SessionIDs: []string{list[0].ID, unknownSessionID}}
			},
			wantStatus:  http.StatusOK,
			wantRevoked: 1,
		},
		{
			name: "all spares the caller's own",
			req: func(t *testing.T) BulkRevokeRequest {
				return BulkRevokeRequest{Type: RevokeAll}
			},
			wantStatus:  http.StatusOK,
			wantRevoked: 2,
		},
		{
			name: "selected including the caller's own revokes nothing",
			req: func(t *testing.T) BulkRevokeRequest {
				mine, err := sessions.ListForUser(ctx, f.adminID)
				require.NoError(t, err)
				theirs, err := sessions.ListForUser(ctx, mariaID)
				require.NoError(t, err)
				return BulkRevokeRequest{Type: RevokeSelected, SessionIDs: []string{theirs[0].ID, mine[0].ID}}
			},
			wantStatus: http.StatusForbidden,
		},
		{
			name:       "unknown type",
			req:        func(t *testing.T) BulkRevokeRequest { return BulkRevokeRequest{Type: "everyone"} },
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "user without an ID",
			req:        func(t *testing.T) BulkRevokeRequest { return BulkRevokeRequest{Type: RevokeUser} },
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "selected without IDs",
			req:        func(t *testing.T) BulkRevokeRequest { return BulkRevokeRequest{Type: RevokeSelected} },
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f.login(t, "maria", userPassword)
			f.login(t, "maria", userPassword)
			before, err := sessions.ListForUser(ctx, mariaID)
			require.NoError(t, err)

			rec := f.do(t, http.MethodPost, "/admin/sessions/bulk-revoke", token, tt.req(t))
			require.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())

			after, err := sessions.ListForUser(ctx, mariaID)
			require.NoError(t, err)
			if tt.wantStatus != http.StatusOK {
				assert.Len(t, after, len(before))
				return
			}
			var resp BulkRevokeResponse
			decode(t, rec, &resp)
			assert.Equal(t, tt.wantRevoked, resp.Revoked)
			assert.Len(t, after, len(before)-tt.wantRevoked)

			mine, err := sessions.ListForUser(ctx, f.adminID)
			require.NoError(t, err)
			assert.NotEmpty(t, mine)
		})

		// start every case from a clean slate
		_, err := sessions.RevokeAllForUser(ctx, mariaID)
		require.NoError(t, err)
	}

	t.Run("revoked refresh tokens are refused", func(t *testing.T) {
		maria := f.login(t, "maria", userPassword)
		rec := f.do(t, http.MethodPost, "/admin/sessions/bulk-revoke", token, BulkRevokeRequest{Type: RevokeUser, UserID: mariaID})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		rec = f.do(t, http.MethodPost, "/auth/refresh", "", RefreshRequest{RefreshToken: maria.RefreshToken})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

func TestSessionRoutesGuarded(t *testing.T) {
	f := newFixture(t)
	token := f.adminToken(t)
	mariaID, _, _ := f.corretor(t, token)
	f.login(t, "maria", userPassword)

	t.Run("resource level", func(t *testing.T) {
		f.gerente(t, token)
		manager := f.login(t, "joao", userPassword).AccessToken
		rec := f.do(t, http.MethodGet, "/admin/sessions", manager, nil)
		assert.Equal(t, http.StatusForbidden, rec.Code)
		assert.True(t, f.audit.has(audit.EventTypeAuthzAccessDenied))
	})

	t.Run("session owner outranks the caller", func(t *testing.T) {
		// Corretor gets ADMIN on sessions but still ranks below the admin
		ctx := context.Background()
		roles, err := f.grants.GetActiveRoles(ctx, mariaID)
		require.NoError(t, err)
		require.Len(t, roles, 1)
		require.NoError(t, f.grants.GrantRolePermission(ctx, roles[0].ID, f.adminPermission(t, "Sessões", catalog.ActionAdmin)))
		maria := f.login(t, "maria", userPassword).AccessToken

		mine, err := f.server.auth.Sessions().ListForUser(ctx, f.adminID)
		require.NoError(t, err)
		require.NotEmpty(t, mine)

		rec := f.do(t, http.MethodDelete, "/admin/sessions/"+mine[0].ID, maria, nil)
		assert.Equal(t, http.StatusForbidden, rec.Code)
		rec = f.do(t, http.MethodPost, "/admin/sessions/bulk-revoke", maria, BulkRevokeRequest{Type: RevokeUser, UserID: f.adminID})
		assert.Equal(t, http.StatusForbidden, rec.Code)

		rec = f.do(t, http.MethodPost, "/admin/sessions/bulk-revoke", maria, BulkRevokeRequest{Type: RevokeAll})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var resp BulkRevokeResponse
		decode(t, rec, &resp)
		assert.Zero(t, resp.Revoked)

		still, err := f.server.auth.Sessions().ListForUser(ctx, f.adminID)
		require.NoError(t, err)
		assert.Len(t, still, len(mine))
	})
}
