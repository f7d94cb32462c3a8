// Package storage selects and instruments the invoice store backend.
//
// Three backends implement invoices.Store:
//
//   - memory: in-process, for development and tests
//   - firestore: Cloud Firestore, counters kept in userSettings/{ownerId}
//   - postgres: PostgreSQL with SERIALIZABLE transactions and optional read replicas
//
// Open builds the configured backend and wraps it so every call is timed
// and counted:
//
//	store, err := storage.Open(ctx, storage.Config{
//		Backend:     storage.BackendPostgres,
//		PostgresURL: "postgres://localhost/swiftinvoice?sslmode=disable",
//	}, metrics, logger)
//
// Every backend reports a lost transaction race as invoices.ErrContention so
// the numbering allocator can retry it, and a missing record as
// invoices.ErrNotFound.
package storage
