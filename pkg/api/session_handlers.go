package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/imobiauth/pkg/audit"
	"github.com/platinummonkey/imobiauth/pkg/auth"
	"github.com/platinummonkey/imobiauth/pkg/httputil"
	"github.com/platinummonkey/imobiauth/pkg/middleware"
	"github.com/platinummonkey/imobiauth/pkg/rbac"
)

// Bulk revoke selectors
const (
	RevokeUser     = "user"
	RevokeSelected = "selected"
	RevokeAll      = "all"
)

// BulkRevokeRequest ends several sessions. user revokes every session of
// UserID, selected revokes SessionIDs and all revokes every session the
// caller may manage.
type BulkRevokeRequest struct {
	Type       string   `json:"type"`
	UserID     int64    `json:"user_id,omitempty"`
	SessionIDs []string `json:"session_ids,omitempty"`
}

// BulkRevokeResponse reports how many sessions were ended
type BulkRevokeResponse struct {
	Revoked int `json:"revoked"`
}

const sessionIDPattern = "{sessionId:[0-9a-f-]{36}}"

func (s *Server) sessionRoutes() []route {
	return []route{
		{http.MethodGet, "/sessions", ResourceSessions, rbac.LevelRead, s.listSessions},
		{http.MethodPost, "/sessions/bulk-revoke", ResourceSessions, rbac.LevelAdmin, s.bulkRevokeSessions},
		{http.MethodGet, "/sessions/" + sessionIDPattern, ResourceSessions, rbac.LevelRead, s.getSession},
		{http.MethodDelete, "/sessions/" + sessionIDPattern, ResourceSessions, rbac.LevelDelete, s.revokeSession},
	}
}

// loadSession reads the session in the path and authorizes the caller
// against its owner
func (s *Server) loadSession(w http.ResponseWriter, r *http.Request, op rbac.Operation) (*auth.Session, bool) {
	session, err := s.auth.Sessions().Get(r.Context(), mux.Vars(r)["sessionId"])
	if errors.Is(err, auth.ErrSessionNotFound) {
		httputil.WriteNotFoundError(w, "session not found")
		return nil, false
	}
	if err != nil {
		s.writeError(w, r, err)
		return nil, false
	}
	if _, ok := s.authorizeTarget(w, r, op, session.UserID); !ok {
		return nil, false
	}
	return session, true
}

// manageableOwners reports, per owner of sessions, whether the caller
// outranks them
func (s *Server) manageableOwners(r *http.Request, sessions []*auth.Session) (map[int64]bool, error) {
	ctx := r.Context()
	actor, err := rbac.LoadPrincipal(ctx, s.grants, middleware.GetClaims(r).UserID())
	if err != nil {
		return nil, err
	}

	owners := make(map[int64]bool)
	for _, session := range sessions {
		if _, seen := owners[session.UserID]; seen {
			continue
		}
		owner, err := rbac.LoadPrincipal(ctx, s.grants, session.UserID)
		if err != nil {
			return nil, err
		}
		owners[session.UserID] = rbac.CanManage(actor, owner)
	}
	return owners, nil
}

// listSessions handles GET /admin/sessions. With user_id it lists that
// user's sessions; without, every session whose owner the caller outranks.
func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, err := httputil.ParseQueryInt64Ptr(r, "user_id")
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	if userID != nil {
		if _, ok := s.authorizeTarget(w, r, rbac.OpViewSession, *userID); !ok {
			return
		}
		sessions, err := s.auth.Sessions().ListForUser(ctx, *userID)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		httputil.WriteSuccess(w, sessions)
		return
	}

	all, err := s.auth.Sessions().List(ctx)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	owners, err := s.manageableOwners(r, all)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	visible := make([]*auth.Session, 0, len(all))
	for _, session := range all {
		if owners[session.UserID] {
			visible = append(visible, session)
		}
	}
	httputil.WriteSuccess(w, visible)
}

// getSession handles GET /admin/sessions/{sessionId}
func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	session, ok := s.loadSession(w, r, rbac.OpViewSession)
	if !ok {
		return
	}
	httputil.WriteSuccess(w, session)
}

// revokeSession handles DELETE /admin/sessions/{sessionId}
func (s *Server) revokeSession(w http.ResponseWriter, r *http.Request) {
	session, ok := s.loadSession(w, r, rbac.OpRevokeSession)
	if !ok {
		return
	}
	if err := s.auth.Sessions().Revoke(r.Context(), session.UserID, session.ID); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.auditSessionRevoke(r, session.UserID, session.ID, 1)
	httputil.WriteNoContent(w)
}

// bulkRevokeSessions handles POST /admin/sessions/bulk-revoke
func (s *Server) bulkRevokeSessions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req BulkRevokeRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	store := s.auth.Sessions()
	switch req.Type {
	case RevokeUser:
		if req.UserID <= 0 {
			httputil.WriteBadRequest(w, "user_id is required")
			return
		}
		if _, ok := s.authorizeTarget(w, r, rbac.OpRevokeSession, req.UserID); !ok {
			return
		}
		n, err := store.RevokeAllForUser(ctx, req.UserID)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.auditSessionRevoke(r, req.UserID, "", n)
		httputil.WriteSuccess(w, BulkRevokeResponse{Revoked: n})

	case RevokeSelected:
		if len(req.SessionIDs) == 0 {
			httputil.WriteBadRequest(w, "session_ids is required")
			return
		}
		// Every owner is checked before anything is revoked
		sessions := make([]*auth.Session, 0, len(req.SessionIDs))
		for _, id := range req.SessionIDs {
			session, err := store.Get(ctx, id)
			if errors.Is(err, auth.ErrSessionNotFound) {
				continue
			}
			if err != nil {
				s.writeError(w, r, err)
				return
			}
			if _, ok := s.authorizeTarget(w, r, rbac.OpRevokeSession, session.UserID); !ok {
				return
			}
			sessions = append(sessions, session)
		}
		for _, session := range sessions {
			if err := store.Revoke(ctx, session.UserID, session.ID); err != nil {
				s.writeError(w, r, err)
				return
			}
			s.auditSessionRevoke(r, session.UserID, session.ID, 1)
		}
		httputil.WriteSuccess(w, BulkRevokeResponse{Revoked: len(sessions)})

	case RevokeAll:
		all, err := store.List(ctx)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		owners, err := s.manageableOwners(r, all)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		revoked := 0
		for _, session := range all {
			if !owners[session.UserID] {
				continue
			}
			if err := store.Revoke(ctx, session.UserID, session.ID); err != nil {
				s.writeError(w, r, err)
				return
			}
			s.auditSessionRevoke(r, session.UserID, session.ID, 1)
			revoked++
		}
		httputil.WriteSuccess(w, BulkRevokeResponse{Revoked: revoked})

	default:
		httputil.WriteBadRequest(w, "type must be user, selected or all")
	}
}

func (s *Server) auditSessionRevoke(r *http.Request, ownerID int64, sessionID string, count int) {
	event := audit.NewRequestEvent(r, audit.EventTypeAdminSessionRevoke, audit.EventStatusSuccess)
	event.TargetUserID = &ownerID
	event.ResourceType = audit.ResourceTypeSession
	event.ResourceID = sessionID
	event.Message = "revoked " + strconv.Itoa(count) + " session(s)"
	event.Metadata["sessions"] = count
	s.logAudit(r, event)
}
