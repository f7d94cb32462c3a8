package sessions

import (
	"context"
	"time"
)

// Tiered consults a local L1 before a shared L2. Positive answers from L2
// are copied into L1; writes go to L2 first and then L1.
type Tiered struct {
	l1 *MemoryLedger
	l2 Ledger
}

// NewTiered builds a two-level ledger
func NewTiered(l1 *MemoryLedger, l2 Ledger) *Tiered {
	return &Tiered{l1: l1, l2: l2}
}

// MarkOpen implements Ledger
func (t *Tiered) MarkOpen(ctx context.Context, invoiceID, sessionID string, ttl time.Duration) error {
	if err := t.l2.MarkOpen(ctx, invoiceID, sessionID, ttl); err != nil {
		return err
	}
	return t.l1.MarkOpen(ctx, invoiceID, sessionID, ttl)
}

// HasOutstanding implements Ledger. Outstanding sessions are cleared by
// other replicas, so this always asks L2.
func (t *Tiered) HasOutstanding(ctx context.Context, invoiceID string) (bool, error) {
	return t.l2.HasOutstanding(ctx, invoiceID)
}

// ClearOpen implements Ledger
func (t *Tiered) ClearOpen(ctx context.Context, invoiceID string) error {
	if err := t.l2.ClearOpen(ctx, invoiceID); err != nil {
		return err
	}
	return t.l1.ClearOpen(ctx, invoiceID)
}

// MarkProcessed implements Ledger
func (t *Tiered) MarkProcessed(ctx context.Context, sessionID string, ttl time.Duration) (bool, error) {
	created, err := t.l2.MarkProcessed(ctx, sessionID, ttl)
	if err != nil {
		return false, err
	}
	t.l1.MarkProcessed(ctx, sessionID, ttl)
	return created, nil
}

// IsProcessed implements Ledger
func (t *Tiered) IsProcessed(ctx context.Context, sessionID string) (bool, error) {
	if ok, _ := t.l1.IsProcessed(ctx, sessionID); ok {
		return true, nil
	}
	ok, err := t.l2.IsProcessed(ctx, sessionID)
	if err != nil || !ok {
		return ok, err
	}
	// TTL of the copy is bounded by the L1 cache's own expiry
	t.l1.MarkProcessed(ctx, sessionID, 0)
	return true, nil
}
