// Package invoices holds the invoice model, the status state machine and the
// storage contract every backend implements.
//
// # Status
//
// Status only moves forward:
//
//	draft -> pending -> paid
//	draft -> paid
//
// A pending invoice always carries an invoice number. Numbers are assigned
// when the finalization fee clears, never at creation.
//
// # Storage
//
// Store is a per-collection key-value store with owner queries and a
// transactional read-modify-write primitive (RunInTx). Inside a transaction
// every read must happen before the first write; the Firestore backend
// enforces this and the others follow the same rule.
//
// Backends live in pkg/storage/memory, pkg/storage/firestore and
// pkg/storage/postgres.
package invoices
