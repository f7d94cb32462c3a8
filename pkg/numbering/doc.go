// Package numbering issues per-owner invoice sequence numbers.
//
// The counter read and the counter write happen inside one store
// transaction, so two allocations for the same owner can never observe the
// same current value. Contention surfaces from the store as
// invoices.ErrContention and is retried with bounded, jittered exponential
// backoff before becoming a PersistenceFailure.
//
//	alloc := numbering.NewAllocator(store, numbering.Config{Prefix: "INV-", Width: 6})
//	n, err := alloc.AllocateNext(ctx, ownerID) // 1, 2, 3, ...
//	alloc.Format(n)                             // "INV-000001"
//
// Assign runs inside a caller's transaction so the number and the invoice
// update commit together.
package numbering
