package invoices

import (
	"context"
	"time"
)

// Store persists invoices and per-owner accounts
type Store interface {
	// Create assigns an id when inv.ID is empty and stores inv
	Create(ctx context.Context, inv *Invoice) (*Invoice, error)
	Get(ctx context.Context, id string) (*Invoice, error)
	// ListByOwner returns the owner's invoices newest first
	ListByOwner(ctx context.Context, ownerID string, limit int) ([]*Invoice, error)
	Delete(ctx context.Context, id string) error
	GetAccount(ctx context.Context, ownerID string) (*Account, error)

	// RunInTx runs fn atomically. Backends may run fn more than once.
	RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	Ping(ctx context.Context) error
	Close() error
}

// Tx is the view of the store inside RunInTx. All reads precede writes.
type Tx interface {
	Get(ctx context.Context, id string) (*Invoice, error)
	GetAccount(ctx context.Context, ownerID string) (*Account, error)
	// NextCounter reads and increments the owner's counter, returning the new
	// value. Counters start at zero, so the first value is 1.
	NextCounter(ctx context.Context, ownerID string) (int64, error)
	Put(ctx context.Context, inv *Invoice) error
	// Delete removes the invoice, or returns ErrNotFound
	Delete(ctx context.Context, id string) error
	MarkRegistered(ctx context.Context, ownerID string, at time.Time) error
}
