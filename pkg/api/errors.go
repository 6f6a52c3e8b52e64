package api

import (
	"errors"
	"net/http"

	"github.com/platinummonkey/imobiauth/pkg/auth"
	"github.com/platinummonkey/imobiauth/pkg/catalog"
	"github.com/platinummonkey/imobiauth/pkg/grants"
	"github.com/platinummonkey/imobiauth/pkg/httputil"
	"github.com/platinummonkey/imobiauth/pkg/middleware"
	"github.com/platinummonkey/imobiauth/pkg/observability"
	"github.com/platinummonkey/imobiauth/pkg/rbac"
)

// writeError maps domain errors to HTTP responses. Anything unrecognised is
// logged and reported as a generic 500.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var integrity *catalog.CatalogIntegrityError
	switch {
	case errors.As(err, &integrity):
		httputil.WriteConflict(w, integrity.Error())
	case errors.Is(err, rbac.ErrHierarchyViolation), errors.Is(err, rbac.ErrPermissionDenied):
		httputil.WriteForbidden(w, middleware.NotAuthorized)
	case errors.Is(err, catalog.ErrAlreadyExists), errors.Is(err, grants.ErrAlreadyExists),
		errors.Is(err, grants.ErrConflict):
		httputil.WriteConflict(w, err.Error())
	case errors.Is(err, catalog.ErrNotFound), errors.Is(err, grants.ErrNotFound):
		httputil.WriteNotFoundError(w, err.Error())
	case errors.Is(err, catalog.ErrInvalid), errors.Is(err, grants.ErrInvalid):
		httputil.WriteBadRequest(w, err.Error())
	case errors.Is(err, auth.ErrInvalidCredentials), errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, auth.ErrSessionNotFound):
		httputil.WriteUnauthorized(w, err.Error())
	default:
		observability.FromContext(r.Context()).WithError(err).Error("Request failed")
		httputil.WriteInternalError(w)
	}
}
