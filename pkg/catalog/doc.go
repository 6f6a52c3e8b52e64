// Package catalog manages the administrable catalog: categories, features, the
// permissions provisioned per feature and the feature/category links.
//
// Links in feature_categories are the source of truth for a feature's category.
// Feature.CategoryID is a cached copy of the canonical link's category, kept in
// sync by the LinkObservers passed to NewStore; the store itself never writes it.
//
// Deleting a category or a feature that is still referenced fails with a
// *CatalogIntegrityError:
//
//	err := store.DeleteCategory(ctx, id)
//	if errors.Is(err, catalog.ErrCatalogIntegrity) {
//		// still linked
//	}
package catalog
