package catalog

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrNotFound is returned when a catalog entity does not exist
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned on a duplicate slug or link
	ErrAlreadyExists = errors.New("already exists")

	// ErrInvalid is returned when input fails validation
	ErrInvalid = errors.New("invalid input")

	// ErrCatalogIntegrity matches every *CatalogIntegrityError via errors.Is
	ErrCatalogIntegrity = errors.New("catalog integrity violation")
)

// CatalogIntegrityError reports a rejected deletion of a still-referenced entity.
// References maps the referencing relation to its row count.
type CatalogIntegrityError struct {
	Entity     string
	ID         int64
	References map[string]int
}

func (e *CatalogIntegrityError) Error() string {
	refs := make([]string, 0, len(e.References))
	for name, count := range e.References {
		refs = append(refs, fmt.Sprintf("%s=%d", name, count))
	}
	sort.Strings(refs)
	return fmt.Sprintf("cannot delete %s %d: still referenced (%s)", e.Entity, e.ID, strings.Join(refs, ", "))
}

// Is lets errors.Is(err, ErrCatalogIntegrity) match
func (e *CatalogIntegrityError) Is(target error) bool {
	return target == ErrCatalogIntegrity
}
