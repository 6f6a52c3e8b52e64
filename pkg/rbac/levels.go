package rbac

import (
	"fmt"
	"sort"
	"strings"

	"github.com/platinummonkey/imobiauth/pkg/catalog"
)

// Level is an ordered access level on a resource
type Level int

const (
	LevelNone   Level = 0
	LevelRead   Level = 1
	LevelWrite  Level = 2
	LevelDelete Level = 3
	LevelAdmin  Level = 4
)

func (l Level) String() string {
	switch l {
	case LevelRead:
		return "READ"
	case LevelWrite:
		return "WRITE"
	case LevelDelete:
		return "DELETE"
	case LevelAdmin:
		return "ADMIN"
	}
	return "NONE"
}

// ParseLevel parses a level name, case-insensitively
func ParseLevel(s string) (Level, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "READ":
		return LevelRead, nil
	case "WRITE":
		return LevelWrite, nil
	case "DELETE":
		return LevelDelete, nil
	case "ADMIN":
		return LevelAdmin, nil
	}
	return LevelNone, fmt.Errorf("unknown level %q", s)
}

// ActionLevel maps a permission action to the level it confers. Unknown
// actions confer nothing.
func ActionLevel(action catalog.Action) Level {
	switch action {
	case catalog.ActionRead, catalog.ActionList:
		return LevelRead
	case catalog.ActionCreate, catalog.ActionUpdate:
		return LevelWrite
	case catalog.ActionDelete:
		return LevelDelete
	case catalog.ActionAdmin:
		return LevelAdmin
	}
	return LevelNone
}

// Permissions maps a resource key to the highest level held on it
type Permissions map[string]Level

// Grant raises the level on resource to l when l is higher
func (p Permissions) Grant(resource string, l Level) {
	if l > p[resource] {
		p[resource] = l
	}
}

// Allows reports whether the level held on resource is at least required
func (p Permissions) Allows(resource string, required Level) bool {
	return required > LevelNone && p[resource] >= required
}

// Resources returns the resource keys, sorted
func (p Permissions) Resources() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
