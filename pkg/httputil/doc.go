// Package httputil provides HTTP utilities for standardized request/response handling.
//
// # Response Helpers
//
//	httputil.WriteJSON(w, http.StatusOK, data)
//	httputil.WriteCreated(w, category)
//	httputil.WriteBadRequest(w, "name is required")
//	httputil.WriteForbidden(w, "not authorized")
//	httputil.WriteInternalError(w) // never echoes the underlying error
//
// Every error body has the shape {"error": "<message>"}.
//
// # Request Parsing
//
//	var req CreateCategoryRequest
//	if !httputil.ParseJSONOrError(w, r, &req) {
//		return // Error response already written
//	}
//	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
//	since, err := httputil.ParseQueryTime(r, "since")
//
// # Middleware
//
//	httputil.Chain(
//		httputil.RequestIDMiddleware,
//		httputil.LoggingMiddleware(logger),
//		httputil.RecoveryMiddleware(logger),
//		httputil.MaxBytesMiddleware(1<<20),
//	)
//
// RequestIDMiddleware must run before LoggingMiddleware so log lines carry the
// request ID.
package httputil
