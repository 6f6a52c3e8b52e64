package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	"github.com/platinummonkey/imobiauth/pkg/storage/postgres"
)

const linkColumns = "id, feature_id, category_id, sort_order, created_at"

func scanLink(row scanner) (*FeatureCategoryLink, error) {
	var l FeatureCategoryLink
	if err := row.Scan(&l.ID, &l.FeatureID, &l.CategoryID, &l.SortOrder, &l.CreatedAt); err != nil {
		return nil, err
	}
	return &l, nil
}

// CanonicalLink returns the link whose category is canonical for its feature: the
// most recently created one, ties broken by the highest ID. It returns nil for an
// empty slice. All links are expected to belong to the same feature.
func CanonicalLink(links []FeatureCategoryLink) *FeatureCategoryLink {
	var best *FeatureCategoryLink
	for i := range links {
		l := &links[i]
		if best == nil || l.CreatedAt.After(best.CreatedAt) ||
			(l.CreatedAt.Equal(best.CreatedAt) && l.ID > best.ID) {
			best = l
		}
	}
	if best == nil {
		return nil
	}
	c := *best
	return &c
}

// CreateLink links a feature to a category and notifies the observers in the
// same transaction.
func (s *Store) CreateLink(ctx context.Context, featureID, categoryID int64, sortOrder int) (*FeatureCategoryLink, error) {
	var link *FeatureCategoryLink
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		txStore := s.WithTx(tx)
		if _, err := txStore.GetFeature(ctx, featureID); err != nil {
			return err
		}
		if _, err := txStore.GetCategory(ctx, categoryID); err != nil {
			return err
		}

		dup, err := count(ctx, tx,
			"SELECT COUNT(*) FROM feature_categories WHERE feature_id = $1 AND category_id = $2",
			featureID, categoryID,
		)
		if err != nil {
			return fmt.Errorf("failed to check link: %w", err)
		}
		if dup > 0 {
			return fmt.Errorf("%w: feature %d is already linked to category %d", ErrAlreadyExists, featureID, categoryID)
		}

		l := FeatureCategoryLink{
			FeatureID:  featureID,
			CategoryID: categoryID,
			SortOrder:  sortOrder,
			CreatedAt:  s.now(),
		}
		err = tx.QueryRowContext(ctx, `
			INSERT INTO feature_categories (feature_id, category_id, sort_order, created_at)
			VALUES ($1, $2, $3, $4)
			RETURNING id
		`, l.FeatureID, l.CategoryID, l.SortOrder, l.CreatedAt).Scan(&l.ID)
		if err != nil {
			if postgres.IsUniqueViolation(err) {
				return fmt.Errorf("%w: feature %d is already linked to category %d", ErrAlreadyExists, featureID, categoryID)
			}
			return fmt.Errorf("failed to create link: %w", err)
		}

		for _, o := range s.observers {
			if err := o.LinkInserted(ctx, tx, l); err != nil {
				return err
			}
		}
		link = &l
		return nil
	})
	if err != nil {
		return nil, err
	}
	return link, nil
}

// UpdateLink moves a link to another category and/or changes its sort order.
// The link keeps its ID and creation time.
func (s *Store) UpdateLink(ctx context.Context, linkID, categoryID int64, sortOrder int) (*FeatureCategoryLink, error) {
	var updated *FeatureCategoryLink
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		txStore := s.WithTx(tx)
		old, err := txStore.GetLink(ctx, linkID)
		if err != nil {
			return err
		}

		if categoryID != old.CategoryID {
			if _, err := txStore.GetCategory(ctx, categoryID); err != nil {
				return err
			}
			dup, err := count(ctx, tx,
				"SELECT COUNT(*) FROM feature_categories WHERE feature_id = $1 AND category_id = $2",
				old.FeatureID, categoryID,
			)
			if err != nil {
				return fmt.Errorf("failed to check link: %w", err)
			}
			if dup > 0 {
				return fmt.Errorf("%w: feature %d is already linked to category %d", ErrAlreadyExists, old.FeatureID, categoryID)
			}
		}

		if _, err := tx.ExecContext(ctx,
			"UPDATE feature_categories SET category_id = $1, sort_order = $2 WHERE id = $3",
			categoryID, sortOrder, linkID,
		); err != nil {
			if postgres.IsUniqueViolation(err) {
				return fmt.Errorf("%w: feature %d is already linked to category %d", ErrAlreadyExists, old.FeatureID, categoryID)
			}
			return fmt.Errorf("failed to update link: %w", err)
		}

		next := *old
		next.CategoryID = categoryID
		next.SortOrder = sortOrder
		for _, o := range s.observers {
			if err := o.LinkUpdated(ctx, tx, *old, next); err != nil {
				return err
			}
		}
		updated = &next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// DeleteLink removes a link and notifies the observers in the same transaction
func (s *Store) DeleteLink(ctx context.Context, linkID int64) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		link, err := s.WithTx(tx).GetLink(ctx, linkID)
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, "DELETE FROM feature_categories WHERE id = $1", linkID); err != nil {
			return fmt.Errorf("failed to delete link: %w", err)
		}

		for _, o := range s.observers {
			if err := o.LinkDeleted(ctx, tx, *link); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetLink retrieves a link by ID
func (s *Store) GetLink(ctx context.Context, id int64) (*FeatureCategoryLink, error) {
	row := s.q.QueryRowContext(ctx, "SELECT "+linkColumns+" FROM feature_categories WHERE id = $1", id)
	l, err := scanLink(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: link %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get link: %w", err)
	}
	return l, nil
}

// ListLinks lists a feature's links, most recent first
func (s *Store) ListLinks(ctx context.Context, featureID int64) ([]FeatureCategoryLink, error) {
	rows, err := s.q.QueryContext(ctx,
		"SELECT "+linkColumns+" FROM feature_categories WHERE feature_id = $1",
		featureID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list links: %w", err)
	}
	links, err := collectLinks(rows)
	if err != nil {
		return nil, err
	}
	sortRecentFirst(links)
	return links, nil
}

// ListAllLinks returns every link grouped by feature ID
func (s *Store) ListAllLinks(ctx context.Context) (map[int64][]FeatureCategoryLink, error) {
	rows, err := s.q.QueryContext(ctx, "SELECT "+linkColumns+" FROM feature_categories")
	if err != nil {
		return nil, fmt.Errorf("failed to list links: %w", err)
	}
	links, err := collectLinks(rows)
	if err != nil {
		return nil, err
	}

	byFeature := make(map[int64][]FeatureCategoryLink)
	for _, l := range links {
		byFeature[l.FeatureID] = append(byFeature[l.FeatureID], l)
	}
	for _, group := range byFeature {
		sortRecentFirst(group)
	}
	return byFeature, nil
}

func collectLinks(rows *sql.Rows) ([]FeatureCategoryLink, error) {
	defer rows.Close()

	var links []FeatureCategoryLink
	for rows.Next() {
		l, err := scanLink(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan link: %w", err)
		}
		links = append(links, *l)
	}
	return links, rows.Err()
}

func sortRecentFirst(links []FeatureCategoryLink) {
	sort.Slice(links, func(i, j int) bool {
		if !links[i].CreatedAt.Equal(links[j].CreatedAt) {
			return links[i].CreatedAt.After(links[j].CreatedAt)
		}
		return links[i].ID > links[j].ID
	})
}

// GetFeatureCanonicalCategory returns the canonical category of a feature, or nil
// when the feature has no links.
func (s *Store) GetFeatureCanonicalCategory(ctx context.Context, featureID int64) (*Category, error) {
	if _, err := s.GetFeature(ctx, featureID); err != nil {
		return nil, err
	}

	links, err := s.ListLinks(ctx, featureID)
	if err != nil {
		return nil, err
	}
	canonical := CanonicalLink(links)
	if canonical == nil {
		return nil, nil
	}
	return s.GetCategory(ctx, canonical.CategoryID)
}
