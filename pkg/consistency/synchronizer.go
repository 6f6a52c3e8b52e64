package consistency

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/platinummonkey/imobiauth/pkg/catalog"
	"github.com/platinummonkey/imobiauth/pkg/observability"
	"github.com/platinummonkey/imobiauth/pkg/storage"
)

// Synchronizer keeps features.category_id equal to the category of each
// feature's canonical link. It implements catalog.LinkObserver for the
// synchronous path and offers batch reconciliation and validation.
type Synchronizer struct {
	db      *sql.DB
	catalog *catalog.Store
	logger  *logrus.Logger
	metrics *observability.Metrics
}

var _ catalog.LinkObserver = (*Synchronizer)(nil)

// NewSynchronizer creates a synchronizer. metrics may be nil.
func NewSynchronizer(db *sql.DB, logger *logrus.Logger, metrics *observability.Metrics) *Synchronizer {
	if logger == nil {
		logger = logrus.New()
	}
	return &Synchronizer{
		db:      db,
		catalog: catalog.NewStore(db),
		logger:  logger,
		metrics: metrics,
	}
}

// LinkInserted points the feature at the new link's category
func (s *Synchronizer) LinkInserted(ctx context.Context, tx *sql.Tx, link catalog.FeatureCategoryLink) error {
	return setPointer(ctx, tx, link.FeatureID, link.CategoryID)
}

// LinkUpdated moves the pointer to the link's new category. A pointer still
// holding the old category is cleared first so it cannot survive the update.
func (s *Synchronizer) LinkUpdated(ctx context.Context, tx *sql.Tx, old, updated catalog.FeatureCategoryLink) error {
	if old.CategoryID != updated.CategoryID {
		if err := clearPointerIfEquals(ctx, tx, old.FeatureID, old.CategoryID); err != nil {
			return err
		}
	}
	return setPointer(ctx, tx, updated.FeatureID, updated.CategoryID)
}

// LinkDeleted clears the pointer only when it still names the deleted link's
// category; a pointer claimed by another link is left alone.
func (s *Synchronizer) LinkDeleted(ctx context.Context, tx *sql.Tx, link catalog.FeatureCategoryLink) error {
	return clearPointerIfEquals(ctx, tx, link.FeatureID, link.CategoryID)
}

func setPointer(ctx context.Context, q storage.Querier, featureID, categoryID int64) error {
	if _, err := q.ExecContext(ctx,
		"UPDATE features SET category_id = $1 WHERE id = $2",
		categoryID, featureID,
	); err != nil {
		return fmt.Errorf("failed to set category pointer of feature %d: %w", featureID, err)
	}
	return nil
}

func clearPointerIfEquals(ctx context.Context, q storage.Querier, featureID, categoryID int64) error {
	if _, err := q.ExecContext(ctx,
		"UPDATE features SET category_id = NULL WHERE id = $1 AND category_id = $2",
		featureID, categoryID,
	); err != nil {
		return fmt.Errorf("failed to clear category pointer of feature %d: %w", featureID, err)
	}
	return nil
}

// featureView pairs a feature's pointer with its canonical category
type featureView struct {
	feature   *catalog.Feature
	canonical *int64
}

func (s *Synchronizer) load(ctx context.Context, store *catalog.Store) ([]featureView, error) {
	features, err := store.ListFeatures(ctx)
	if err != nil {
		return nil, err
	}
	links, err := store.ListAllLinks(ctx)
	if err != nil {
		return nil, err
	}

	views := make([]featureView, 0, len(features))
	for _, f := range features {
		v := featureView{feature: f}
		if l := catalog.CanonicalLink(links[f.ID]); l != nil {
			id := l.CategoryID
			v.canonical = &id
		}
		views = append(views, v)
	}
	sort.Slice(views, func(i, j int) bool { return views[i].feature.ID < views[j].feature.ID })
	return views, nil
}

// Reconcile rewrites every pointer that differs from the canonical link's
// category and clears pointers of features without links. Each change is its own
// autocommitted statement; a run that races a concurrent link mutation is fixed
// by the next run. A second consecutive run writes nothing.
func (s *Synchronizer) Reconcile(ctx context.Context) (ReconcileResult, error) {
	ctx, span := observability.Tracer().Start(ctx, "consistency.Reconcile")
	defer span.End()

	result, err := s.reconcile(ctx)
	s.metrics.ObserveReconcile(result.FeaturesUpdated, result.FeaturesCleared, err)
	span.SetAttributes(
		attribute.Int("features.updated", result.FeaturesUpdated),
		attribute.Int("features.cleared", result.FeaturesCleared),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "reconcile failed")
		s.logger.WithError(err).WithFields(logrus.Fields{
			"features_updated": result.FeaturesUpdated,
			"features_cleared": result.FeaturesCleared,
		}).Error("Feature category reconciliation failed")
		return result, err
	}

	s.logger.WithFields(logrus.Fields{
		"features_updated": result.FeaturesUpdated,
		"features_cleared": result.FeaturesCleared,
	}).Info("Feature category reconciliation complete")
	return result, nil
}

func (s *Synchronizer) reconcile(ctx context.Context) (ReconcileResult, error) {
	var result ReconcileResult

	views, err := s.load(ctx, s.catalog)
	if err != nil {
		return result, fmt.Errorf("failed to load catalog: %w", err)
	}

	for _, v := range views {
		f := v.feature
		switch {
		case v.canonical != nil && (f.CategoryID == nil || *f.CategoryID != *v.canonical):
			if err := setPointer(ctx, s.db, f.ID, *v.canonical); err != nil {
				return result, err
			}
			result.FeaturesUpdated++
			s.logger.WithFields(logrus.Fields{
				"feature_id":  f.ID,
				"from":        pointerField(f.CategoryID),
				"category_id": *v.canonical,
			}).Debug("Reconciled category pointer")

		case v.canonical == nil && f.CategoryID != nil:
			if err := clearPointerIfEquals(ctx, s.db, f.ID, *f.CategoryID); err != nil {
				return result, err
			}
			result.FeaturesCleared++
			s.logger.WithFields(logrus.Fields{
				"feature_id": f.ID,
				"from":       *f.CategoryID,
			}).Debug("Cleared category pointer of unlinked feature")
		}
	}
	return result, nil
}

// Validate classifies every feature without writing anything. Conflicts are
// logged as warnings and the per-status counts are published as metrics.
func (s *Synchronizer) Validate(ctx context.Context) ([]FeatureStatus, error) {
	ctx, span := observability.Tracer().Start(ctx, "consistency.Validate")
	defer span.End()

	var views []featureView
	err := storage.WithTx(ctx, s.db, storage.SnapshotTxOptions, func(tx *sql.Tx) error {
		var err error
		views, err = s.load(ctx, s.catalog.WithTx(tx))
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "validate failed")
		return nil, fmt.Errorf("failed to load catalog: %w", err)
	}

	statuses := make([]FeatureStatus, 0, len(views))
	for _, v := range views {
		st := FeatureStatus{
			FeatureID:           v.feature.ID,
			FeatureName:         v.feature.Name,
			Status:              Classify(v.feature.CategoryID, v.canonical),
			CachedCategoryID:    v.feature.CategoryID,
			CanonicalCategoryID: v.canonical,
		}
		if st.Status == StatusConflict {
			conflict := &ConsistencyConflict{
				FeatureID:           st.FeatureID,
				CachedCategoryID:    *st.CachedCategoryID,
				CanonicalCategoryID: *st.CanonicalCategoryID,
			}
			s.logger.WithError(conflict).WithField("feature_id", st.FeatureID).Warn("Consistency conflict detected")
		}
		statuses = append(statuses, st)
	}

	summary := Summarize(statuses)
	s.metrics.SetConsistencyStatus(summary.Counts())
	span.SetAttributes(attribute.Int("features.conflict", summary.Conflict))
	return statuses, nil
}

func pointerField(p *int64) interface{} {
	if p == nil {
		return nil
	}
	return *p
}
