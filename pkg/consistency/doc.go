// Package consistency keeps the cached features.category_id pointer in line with
// the authoritative feature_categories links.
//
// Three mechanisms share one rule, that the canonical category of a feature is
// its most recently created link (ties broken by the highest link ID):
//
//   - Synchronizer implements catalog.LinkObserver. The catalog store calls it in
//     the transaction of every link insert, update and delete.
//   - Reconcile rewrites drifted pointers, one statement per feature. Running it
//     twice in a row writes nothing the second time.
//   - Validate classifies every feature without writing; see Status.
package consistency
