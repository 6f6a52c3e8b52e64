// Package storage holds the persistence settings and the small transaction helpers
// shared by the catalog and grant stores.
//
// Stores are written against Querier, which both *sql.DB and *sql.Tx satisfy. A
// store built on a *sql.DB runs every statement in autocommit mode; the same store
// rebound with WithTx(tx) joins an open transaction:
//
//	err := storage.WithTx(ctx, db, storage.SnapshotTxOptions, func(tx *sql.Tx) error {
//		roles, err := grantStore.WithTx(tx).GetActiveRoles(ctx, userID)
//		...
//	})
//
// SnapshotTxOptions requests a read-only repeatable-read transaction. PostgreSQL
// honours both flags; SQLite (used in tests) serialises transactions anyway.
//
// The postgres subpackage opens connections, applies schema migrations and
// connects to Redis. The testdb subpackage provides an in-memory SQLite database
// with the same schema for package tests.
package storage
