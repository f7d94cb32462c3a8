package sessions

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

type entry struct {
	value     string
	expiresAt time.Time
}

// MemoryLedger is a process-local Ledger. Entries are bounded by size and by
// the longer of the two TTLs; each entry also honours its own TTL.
type MemoryLedger struct {
	mu    sync.Mutex
	cache *expirable.LRU[string, entry]
	now   func() time.Time
}

// NewMemoryLedger creates an in-process ledger
func NewMemoryLedger(cfg Config) *MemoryLedger {
	cfg = cfg.withDefaults()
	maxTTL := cfg.ProcessedTTL
	if cfg.OutstandingTTL > maxTTL {
		maxTTL = cfg.OutstandingTTL
	}
	return &MemoryLedger{
		cache: expirable.NewLRU[string, entry](cfg.CacheSize, nil, maxTTL),
		now:   time.Now,
	}
}

func (l *MemoryLedger) get(key string) (string, bool) {
	e, ok := l.cache.Get(key)
	if !ok {
		return "", false
	}
	if !e.expiresAt.IsZero() && !l.now().Before(e.expiresAt) {
		l.cache.Remove(key)
		return "", false
	}
	return e.value, true
}

func (l *MemoryLedger) set(key, value string, ttl time.Duration) {
	e := entry{value: value}
	if ttl > 0 {
		e.expiresAt = l.now().Add(ttl)
	}
	l.cache.Add(key, e)
}

// MarkOpen implements Ledger
func (l *MemoryLedger) MarkOpen(ctx context.Context, invoiceID, sessionID string, ttl time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.set(openKey(invoiceID), sessionID, ttl)
	return nil
}

// HasOutstanding implements Ledger
func (l *MemoryLedger) HasOutstanding(ctx context.Context, invoiceID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.get(openKey(invoiceID))
	return ok, nil
}

// ClearOpen implements Ledger
func (l *MemoryLedger) ClearOpen(ctx context.Context, invoiceID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cache.Remove(openKey(invoiceID))
	return nil
}

// MarkProcessed implements Ledger
func (l *MemoryLedger) MarkProcessed(ctx context.Context, sessionID string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := doneKey(sessionID)
	if _, ok := l.get(key); ok {
		return false, nil
	}
	l.set(key, "1", ttl)
	return true, nil
}

// IsProcessed implements Ledger
func (l *MemoryLedger) IsProcessed(ctx context.Context, sessionID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.get(doneKey(sessionID))
	return ok, nil
}
