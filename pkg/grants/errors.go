package grants

import "errors"

var (
	// ErrNotFound is returned when a user, role or grant does not exist
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned on a duplicate username, role name or assignment
	ErrAlreadyExists = errors.New("already exists")

	// ErrInvalid is returned when input fails validation
	ErrInvalid = errors.New("invalid input")

	// ErrConflict is returned when a role cannot be removed while users hold it
	ErrConflict = errors.New("conflict")
)
