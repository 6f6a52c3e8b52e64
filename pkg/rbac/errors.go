package rbac

import "errors"

var (
	// ErrPermissionDenied is returned when the required level is not held.
	// Its message is the one shown to clients.
	ErrPermissionDenied = errors.New("not authorized")

	// ErrHierarchyViolation is returned when an actor may not manage a target
	// user. It carries the same message as ErrPermissionDenied so a response
	// never reveals the levels involved.
	ErrHierarchyViolation = errors.New("not authorized")

	// ErrResolutionFailed wraps any infrastructure error during resolution.
	// Callers must deny.
	ErrResolutionFailed = errors.New("permission resolution failed")
)
