// Package reconcile turns signed payment-gateway events into invoice state
// changes.
//
// HandleWebhook is the public, unauthenticated entry point. Its security
// rests on signature verification, which runs before anything else reads
// the payload. Every path ends in a *Receipt or an *apperr.Error whose kind
// decides the HTTP status, and therefore whether the gateway redelivers:
//
//	SignatureInvalid, MalformedEvent  400  never retried
//	PersistenceFailure                500  retried by the gateway
//	(receipt)                         200  acknowledged
//
// Redelivery is expected. A completed session is applied at most once
// through three layers: the processed-session ledger, a singleflight group
// keyed by session id, and a store transaction that re-reads the invoice
// and leaves it alone when the target state is already reached. Session
// metadata is used for routing only; the owner and the amount are checked
// against the stored invoice.
//
// Sweep feeds sessions listed from the gateway through the same path to
// recover from missed deliveries.
package reconcile
