package sessions

import (
	"context"
	"time"
)

const (
	// DefaultOutstandingTTL matches the gateway's checkout session expiry
	DefaultOutstandingTTL = 24 * time.Hour
	// DefaultProcessedTTL bounds how long redeliveries are recognised
	DefaultProcessedTTL = 7 * 24 * time.Hour
	// DefaultCacheSize is the L1 entry limit
	DefaultCacheSize = 10000
)

// Ledger records outstanding and processed checkout sessions
type Ledger interface {
	// MarkOpen records sessionID as the outstanding session for invoiceID
	MarkOpen(ctx context.Context, invoiceID, sessionID string, ttl time.Duration) error
	// HasOutstanding reports whether invoiceID has an unexpired open session
	HasOutstanding(ctx context.Context, invoiceID string) (bool, error)
	// ClearOpen forgets the outstanding session for invoiceID
	ClearOpen(ctx context.Context, invoiceID string) error
	// MarkProcessed records that sessionID has been reconciled. It reports
	// false when the mark already existed.
	MarkProcessed(ctx context.Context, sessionID string, ttl time.Duration) (bool, error)
	// IsProcessed reports whether sessionID has been reconciled
	IsProcessed(ctx context.Context, sessionID string) (bool, error)
}

// Config holds ledger TTLs and cache sizing
type Config struct {
	OutstandingTTL time.Duration
	ProcessedTTL   time.Duration
	CacheSize      int
}

func (c Config) withDefaults() Config {
	if c.OutstandingTTL <= 0 {
		c.OutstandingTTL = DefaultOutstandingTTL
	}
	if c.ProcessedTTL <= 0 {
		c.ProcessedTTL = DefaultProcessedTTL
	}
	if c.CacheSize <= 0 {
		c.CacheSize = DefaultCacheSize
	}
	return c
}

func openKey(invoiceID string) string {
	return "checkout:open:" + invoiceID
}

func doneKey(sessionID string) string {
	return "checkout:done:" + sessionID
}
