package catalog

import (
	"context"
	"database/sql"
	"time"
)

// Action is an operation a permission authorizes against a feature
type Action string

const (
	ActionCreate Action = "create"
	ActionRead   Action = "read"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
	ActionAdmin  Action = "admin"
	// ActionList is accepted on existing permission rows and treated like read.
	// New features are never provisioned with it.
	ActionList Action = "list"
)

// ProvisionedActions returns the actions every new feature receives a permission for
func ProvisionedActions() []Action {
	return []Action{ActionCreate, ActionRead, ActionUpdate, ActionDelete, ActionAdmin}
}

// IsValid reports whether a is a known action
func (a Action) IsValid() bool {
	switch a {
	case ActionCreate, ActionRead, ActionUpdate, ActionDelete, ActionAdmin, ActionList:
		return true
	}
	return false
}

// Category groups features under a resource key (its slug)
type Category struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Slug        string    `json:"slug"`
	Description string    `json:"description,omitempty"`
	SortOrder   int       `json:"sort_order"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Feature is an administrable area of the platform. CategoryID is a cached copy of
// the feature's canonical category; the feature_categories links are authoritative.
type Feature struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	URL         string    `json:"url,omitempty"`
	Description string    `json:"description,omitempty"`
	Active      bool      `json:"active"`
	CategoryID  *int64    `json:"category_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// FeatureCategoryLink is one row of the authoritative feature/category relation
type FeatureCategoryLink struct {
	ID         int64     `json:"id"`
	FeatureID  int64     `json:"feature_id"`
	CategoryID int64     `json:"category_id"`
	SortOrder  int       `json:"sort_order"`
	CreatedAt  time.Time `json:"created_at"`
}

// Permission is the grantable (feature, action) pair
type Permission struct {
	ID        int64     `json:"id"`
	FeatureID int64     `json:"feature_id"`
	Action    Action    `json:"action"`
	CreatedAt time.Time `json:"created_at"`
}

// PermissionTarget is what a permission resolves to at authorization time
type PermissionTarget struct {
	PermissionID  int64
	Action        Action
	FeatureID     int64
	FeatureName   string
	FeatureActive bool
	// CategorySlug is the slug of the category the feature's cached pointer names,
	// empty when the pointer is null.
	CategorySlug string
}

// ResourceKey is the category slug when the feature has one, else the
// normalized feature name.
func (t PermissionTarget) ResourceKey() string {
	return ResourceKey(t.CategorySlug, t.FeatureName)
}

// ResourceKey derives the authorization resource for a feature
func ResourceKey(categorySlug, featureName string) string {
	if categorySlug != "" {
		return categorySlug
	}
	return Slugify(featureName)
}

// LinkObserver is notified of every link mutation inside the transaction that
// performs it. Returning an error aborts the mutation.
type LinkObserver interface {
	LinkInserted(ctx context.Context, tx *sql.Tx, link FeatureCategoryLink) error
	LinkUpdated(ctx context.Context, tx *sql.Tx, old, updated FeatureCategoryLink) error
	LinkDeleted(ctx context.Context, tx *sql.Tx, link FeatureCategoryLink) error
}
