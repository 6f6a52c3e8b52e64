package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/platinummonkey/imobiauth/pkg/storage"
	"github.com/platinummonkey/imobiauth/pkg/storage/postgres"
)

// Store handles catalog persistence: categories, features, their permissions and
// the feature/category links.
type Store struct {
	db        *sql.DB
	tx        *sql.Tx
	q         storage.Querier
	observers []LinkObserver
	now       func() time.Time
}

// NewStore creates a catalog store. Observers are called, in order, inside the
// transaction of every link mutation.
func NewStore(db *sql.DB, observers ...LinkObserver) *Store {
	return &Store{
		db:        db,
		q:         db,
		observers: observers,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// WithTx returns a copy of the store whose statements run inside tx. Mutations
// made through the copy join tx instead of opening their own transaction.
func (s *Store) WithTx(tx *sql.Tx) *Store {
	c := *s
	c.tx = tx
	c.q = tx
	return &c
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	if s.tx != nil {
		return fn(s.tx)
	}
	return storage.WithTx(ctx, s.db, nil, fn)
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func count(ctx context.Context, q storage.Querier, query string, args ...interface{}) (int, error) {
	var n int
	if err := q.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// CreateCategory creates a category. An empty slug is derived from the name.
func (s *Store) CreateCategory(ctx context.Context, c *Category) error {
	c.Name = strings.TrimSpace(c.Name)
	if c.Name == "" {
		return fmt.Errorf("%w: category name is required", ErrInvalid)
	}
	if c.Slug == "" {
		c.Slug = Slugify(c.Name)
	}
	if !IsValidSlug(c.Slug) {
		return fmt.Errorf("%w: slug %q must contain only lowercase letters, digits and hyphens", ErrInvalid, c.Slug)
	}

	taken, err := count(ctx, s.q, "SELECT COUNT(*) FROM categories WHERE slug = $1", c.Slug)
	if err != nil {
		return fmt.Errorf("failed to check slug: %w", err)
	}
	if taken > 0 {
		return fmt.Errorf("%w: category slug %q", ErrAlreadyExists, c.Slug)
	}

	query := `
		INSERT INTO categories (name, slug, description, sort_order, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`

	now := s.now()
	err = s.q.QueryRowContext(ctx, query,
		c.Name,
		c.Slug,
		c.Description,
		c.SortOrder,
		c.Active,
		now,
		now,
	).Scan(&c.ID)
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return fmt.Errorf("%w: category slug %q", ErrAlreadyExists, c.Slug)
		}
		return fmt.Errorf("failed to create category: %w", err)
	}

	c.CreatedAt = now
	c.UpdatedAt = now
	return nil
}

const categoryColumns = "id, name, slug, description, sort_order, active, created_at, updated_at"

func scanCategory(row scanner) (*Category, error) {
	var c Category
	err := row.Scan(
		&c.ID,
		&c.Name,
		&c.Slug,
		&c.Description,
		&c.SortOrder,
		&c.Active,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// GetCategory retrieves a category by ID
func (s *Store) GetCategory(ctx context.Context, id int64) (*Category, error) {
	row := s.q.QueryRowContext(ctx, "SELECT "+categoryColumns+" FROM categories WHERE id = $1", id)
	c, err := scanCategory(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: category %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get category: %w", err)
	}
	return c, nil
}

// ListCategories lists all categories by sort order
func (s *Store) ListCategories(ctx context.Context) ([]*Category, error) {
	rows, err := s.q.QueryContext(ctx, "SELECT "+categoryColumns+" FROM categories ORDER BY sort_order, name")
	if err != nil {
		return nil, fmt.Errorf("failed to list categories: %w", err)
	}
	defer rows.Close()

	var categories []*Category
	for rows.Next() {
		c, err := scanCategory(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan category: %w", err)
		}
		categories = append(categories, c)
	}
	return categories, rows.Err()
}

// UpdateCategory updates a category's attributes
func (s *Store) UpdateCategory(ctx context.Context, c *Category) error {
	c.Name = strings.TrimSpace(c.Name)
	if c.Name == "" {
		return fmt.Errorf("%w: category name is required", ErrInvalid)
	}
	if !IsValidSlug(c.Slug) {
		return fmt.Errorf("%w: slug %q must contain only lowercase letters, digits and hyphens", ErrInvalid, c.Slug)
	}

	taken, err := count(ctx, s.q, "SELECT COUNT(*) FROM categories WHERE slug = $1 AND id <> $2", c.Slug, c.ID)
	if err != nil {
		return fmt.Errorf("failed to check slug: %w", err)
	}
	if taken > 0 {
		return fmt.Errorf("%w: category slug %q", ErrAlreadyExists, c.Slug)
	}

	now := s.now()
	result, err := s.q.ExecContext(ctx, `
		UPDATE categories
		SET name = $1, slug = $2, description = $3, sort_order = $4, active = $5, updated_at = $6
		WHERE id = $7
	`, c.Name, c.Slug, c.Description, c.SortOrder, c.Active, now, c.ID)
	if err != nil {
		return fmt.Errorf("failed to update category: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: category %d", ErrNotFound, c.ID)
	}

	c.UpdatedAt = now
	return nil
}

// DeleteCategory deletes a category. It is rejected with a *CatalogIntegrityError
// while any link row or feature pointer still references the category.
func (s *Store) DeleteCategory(ctx context.Context, id int64) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.WithTx(tx).GetCategory(ctx, id); err != nil {
			return err
		}

		links, err := count(ctx, tx, "SELECT COUNT(*) FROM feature_categories WHERE category_id = $1", id)
		if err != nil {
			return fmt.Errorf("failed to count category links: %w", err)
		}
		pointers, err := count(ctx, tx, "SELECT COUNT(*) FROM features WHERE category_id = $1", id)
		if err != nil {
			return fmt.Errorf("failed to count category features: %w", err)
		}

		if refs := nonZero(map[string]int{"feature_categories": links, "features": pointers}); len(refs) > 0 {
			return &CatalogIntegrityError{Entity: "category", ID: id, References: refs}
		}

		if _, err := tx.ExecContext(ctx, "DELETE FROM categories WHERE id = $1", id); err != nil {
			return fmt.Errorf("failed to delete category: %w", err)
		}
		return nil
	})
}

func nonZero(counts map[string]int) map[string]int {
	refs := make(map[string]int)
	for name, n := range counts {
		if n > 0 {
			refs[name] = n
		}
	}
	return refs
}

// CreateFeature creates a feature together with one permission per provisioned
// action. When f.CategoryID is set the feature is linked to that category in the
// same transaction, which lets the link observers set the cached pointer.
func (s *Store) CreateFeature(ctx context.Context, f *Feature) ([]Permission, error) {
	f.Name = strings.TrimSpace(f.Name)
	if f.Name == "" {
		return nil, fmt.Errorf("%w: feature name is required", ErrInvalid)
	}
	initialCategory := f.CategoryID
	f.CategoryID = nil

	var permissions []Permission
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		now := s.now()
		err := tx.QueryRowContext(ctx, `
			INSERT INTO features (name, url, description, active, category_id, created_at, updated_at)
			VALUES ($1, $2, $3, $4, NULL, $5, $6)
			RETURNING id
		`, f.Name, f.URL, f.Description, f.Active, now, now).Scan(&f.ID)
		if err != nil {
			return fmt.Errorf("failed to create feature: %w", err)
		}
		f.CreatedAt = now
		f.UpdatedAt = now

		for _, action := range ProvisionedActions() {
			p := Permission{FeatureID: f.ID, Action: action, CreatedAt: now}
			err := tx.QueryRowContext(ctx,
				"INSERT INTO permissions (feature_id, action, created_at) VALUES ($1, $2, $3) RETURNING id",
				f.ID, string(action), now,
			).Scan(&p.ID)
			if err != nil {
				return fmt.Errorf("failed to provision %s permission: %w", action, err)
			}
			permissions = append(permissions, p)
		}

		if initialCategory == nil {
			return nil
		}
		if _, err := s.WithTx(tx).CreateLink(ctx, f.ID, *initialCategory, 0); err != nil {
			return err
		}
		var pointer sql.NullInt64
		if err := tx.QueryRowContext(ctx, "SELECT category_id FROM features WHERE id = $1", f.ID).Scan(&pointer); err != nil {
			return fmt.Errorf("failed to read category pointer: %w", err)
		}
		if pointer.Valid {
			id := pointer.Int64
			f.CategoryID = &id
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return permissions, nil
}

const featureColumns = "id, name, url, description, active, category_id, created_at, updated_at"

func scanFeature(row scanner) (*Feature, error) {
	var f Feature
	var categoryID sql.NullInt64
	err := row.Scan(
		&f.ID,
		&f.Name,
		&f.URL,
		&f.Description,
		&f.Active,
		&categoryID,
		&f.CreatedAt,
		&f.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if categoryID.Valid {
		id := categoryID.Int64
		f.CategoryID = &id
	}
	return &f, nil
}

// GetFeature retrieves a feature by ID
func (s *Store) GetFeature(ctx context.Context, id int64) (*Feature, error) {
	row := s.q.QueryRowContext(ctx, "SELECT "+featureColumns+" FROM features WHERE id = $1", id)
	f, err := scanFeature(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: feature %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get feature: %w", err)
	}
	return f, nil
}

// ListFeatures lists all features by ID
func (s *Store) ListFeatures(ctx context.Context) ([]*Feature, error) {
	rows, err := s.q.QueryContext(ctx, "SELECT "+featureColumns+" FROM features ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to list features: %w", err)
	}
	defer rows.Close()

	var features []*Feature
	for rows.Next() {
		f, err := scanFeature(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan feature: %w", err)
		}
		features = append(features, f)
	}
	return features, rows.Err()
}

// UpdateFeature updates a feature's descriptive attributes and active flag.
// The category pointer is never written here.
func (s *Store) UpdateFeature(ctx context.Context, f *Feature) error {
	f.Name = strings.TrimSpace(f.Name)
	if f.Name == "" {
		return fmt.Errorf("%w: feature name is required", ErrInvalid)
	}

	now := s.now()
	result, err := s.q.ExecContext(ctx, `
		UPDATE features
		SET name = $1, url = $2, description = $3, active = $4, updated_at = $5
		WHERE id = $6
	`, f.Name, f.URL, f.Description, f.Active, now, f.ID)
	if err != nil {
		return fmt.Errorf("failed to update feature: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: feature %d", ErrNotFound, f.ID)
	}

	f.UpdatedAt = now
	return nil
}

// DeleteFeature deletes a feature and its ungranted permissions. It is rejected
// with a *CatalogIntegrityError while a link row exists or any of the feature's
// permissions is granted to a role or a user.
func (s *Store) DeleteFeature(ctx context.Context, id int64) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.WithTx(tx).GetFeature(ctx, id); err != nil {
			return err
		}

		links, err := count(ctx, tx, "SELECT COUNT(*) FROM feature_categories WHERE feature_id = $1", id)
		if err != nil {
			return fmt.Errorf("failed to count feature links: %w", err)
		}
		roleGrants, err := count(ctx, tx, `
			SELECT COUNT(*) FROM role_permissions rp
			JOIN permissions p ON p.id = rp.permission_id
			WHERE p.feature_id = $1
		`, id)
		if err != nil {
			return fmt.Errorf("failed to count role grants: %w", err)
		}
		userGrants, err := count(ctx, tx, `
			SELECT COUNT(*) FROM user_permissions up
			JOIN permissions p ON p.id = up.permission_id
			WHERE p.feature_id = $1
		`, id)
		if err != nil {
			return fmt.Errorf("failed to count user grants: %w", err)
		}

		refs := nonZero(map[string]int{
			"feature_categories": links,
			"role_permissions":   roleGrants,
			"user_permissions":   userGrants,
		})
		if len(refs) > 0 {
			return &CatalogIntegrityError{Entity: "feature", ID: id, References: refs}
		}

		if _, err := tx.ExecContext(ctx, "DELETE FROM permissions WHERE feature_id = $1", id); err != nil {
			return fmt.Errorf("failed to delete feature permissions: %w", err)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM features WHERE id = $1", id); err != nil {
			return fmt.Errorf("failed to delete feature: %w", err)
		}
		return nil
	})
}

// ListPermissions lists the permissions provisioned for a feature
func (s *Store) ListPermissions(ctx context.Context, featureID int64) ([]Permission, error) {
	rows, err := s.q.QueryContext(ctx,
		"SELECT id, feature_id, action, created_at FROM permissions WHERE feature_id = $1 ORDER BY id",
		featureID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list permissions: %w", err)
	}
	defer rows.Close()

	var permissions []Permission
	for rows.Next() {
		var p Permission
		var action string
		if err := rows.Scan(&p.ID, &p.FeatureID, &action, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan permission: %w", err)
		}
		p.Action = Action(action)
		permissions = append(permissions, p)
	}
	return permissions, rows.Err()
}

// FindPermission returns the permission for (featureID, action)
func (s *Store) FindPermission(ctx context.Context, featureID int64, action Action) (*Permission, error) {
	var p Permission
	var stored string
	err := s.q.QueryRowContext(ctx,
		"SELECT id, feature_id, action, created_at FROM permissions WHERE feature_id = $1 AND action = $2",
		featureID, string(action),
	).Scan(&p.ID, &p.FeatureID, &stored, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: permission %s on feature %d", ErrNotFound, action, featureID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get permission: %w", err)
	}
	p.Action = Action(stored)
	return &p, nil
}

// ResolvePermissionTargets maps permission IDs to the feature and category data
// needed to compute resource keys. Unknown IDs are absent from the result.
func (s *Store) ResolvePermissionTargets(ctx context.Context, permissionIDs []int64) (map[int64]PermissionTarget, error) {
	targets := make(map[int64]PermissionTarget, len(permissionIDs))
	if len(permissionIDs) == 0 {
		return targets, nil
	}

	placeholders := make([]string, len(permissionIDs))
	args := make([]interface{}, len(permissionIDs))
	for i, id := range permissionIDs {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = id
	}

	query := `
		SELECT p.id, p.action, f.id, f.name, f.active, COALESCE(c.slug, '')
		FROM permissions p
		JOIN features f ON f.id = p.feature_id
		LEFT JOIN categories c ON c.id = f.category_id
		WHERE p.id IN (` + strings.Join(placeholders, ", ") + `)
	`

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve permission targets: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var t PermissionTarget
		var action string
		if err := rows.Scan(&t.PermissionID, &action, &t.FeatureID, &t.FeatureName, &t.FeatureActive, &t.CategorySlug); err != nil {
			return nil, fmt.Errorf("failed to scan permission target: %w", err)
		}
		t.Action = Action(action)
		targets[t.PermissionID] = t
	}
	return targets, rows.Err()
}

// ListLiveResources returns the sorted resource keys of every active feature
func (s *Store) ListLiveResources(ctx context.Context) ([]string, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT f.name, COALESCE(c.slug, '')
		FROM features f
		LEFT JOIN categories c ON c.id = f.category_id
		WHERE f.active = TRUE
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list live resources: %w", err)
	}
	defer rows.Close()

	seen := make(map[string]struct{})
	for rows.Next() {
		var name, slug string
		if err := rows.Scan(&name, &slug); err != nil {
			return nil, fmt.Errorf("failed to scan resource: %w", err)
		}
		if key := ResourceKey(slug, name); key != "" {
			seen[key] = struct{}{}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	resources := make([]string, 0, len(seen))
	for key := range seen {
		resources = append(resources, key)
	}
	sort.Strings(resources)
	return resources, nil
}

// IsNotFound reports whether err is a catalog not-found error
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
