// Package sessions tracks checkout sessions between creation and
// reconciliation.
//
// Two facts are recorded:
//
//   - an outstanding session per invoice, written by the checkout Initiator
//     and used to refuse deleting an invoice while a payment may still land;
//   - a processed mark per session, written by the Reconciler after its
//     transition commits so redelivered events short-circuit.
//
// RedisLedger shares those facts across processes. MemoryLedger keeps them
// in an expirable LRU and serves both as the development backend and as the
// L1 in front of Redis (see Tiered).
package sessions
