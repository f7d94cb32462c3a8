// Package memory is an in-process invoice store for development and tests.
// Transactions are serialized by a single lock and staged writes are only
// applied when the transaction function returns nil.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/swiftinvoice/pkg/invoices"
)

// Store implements invoices.Store
type Store struct {
	mu       sync.Mutex
	invoices map[string]*invoices.Invoice
	accounts map[string]*invoices.Account
}

// New creates an empty store
func New() *Store {
	return &Store{
		invoices: make(map[string]*invoices.Invoice),
		accounts: make(map[string]*invoices.Account),
	}
}

// Create implements invoices.Store
func (s *Store) Create(ctx context.Context, inv *invoices.Invoice) (*invoices.Invoice, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := inv.Clone()
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if _, exists := s.invoices[stored.ID]; exists {
		return nil, fmt.Errorf("invoice %s already exists", stored.ID)
	}
	s.invoices[stored.ID] = stored
	return stored.Clone(), nil
}

// Get implements invoices.Store
func (s *Store) Get(ctx context.Context, id string) (*invoices.Invoice, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	inv, ok := s.invoices[id]
	if !ok {
		return nil, invoices.ErrNotFound
	}
	return inv.Clone(), nil
}

// ListByOwner implements invoices.Store
func (s *Store) ListByOwner(ctx context.Context, ownerID string, limit int) ([]*invoices.Invoice, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*invoices.Invoice
	for _, inv := range s.invoices {
		if inv.OwnerID == ownerID {
			out = append(out, inv.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Delete implements invoices.Store
func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.invoices[id]; !ok {
		return invoices.ErrNotFound
	}
	delete(s.invoices, id)
	return nil
}

// GetAccount implements invoices.Store. Unknown owners get a zero account.
func (s *Store) GetAccount(ctx context.Context, ownerID string) (*invoices.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if acct, ok := s.accounts[ownerID]; ok {
		cp := *acct
		return &cp, nil
	}
	return &invoices.Account{OwnerID: ownerID}, nil
}

// Counter returns the owner's current counter value
func (s *Store) Counter(ownerID string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if acct, ok := s.accounts[ownerID]; ok {
		return acct.InvoiceCounter
	}
	return 0
}

// SetCounter seeds an owner's counter
func (s *Store) SetCounter(ownerID string, value int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.account(ownerID).InvoiceCounter = value
}

func (s *Store) account(ownerID string) *invoices.Account {
	acct, ok := s.accounts[ownerID]
	if !ok {
		acct = &invoices.Account{OwnerID: ownerID}
		s.accounts[ownerID] = acct
	}
	return acct
}

// RunInTx implements invoices.Store
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context, tx invoices.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{
		store:    s,
		invoices: make(map[string]*invoices.Invoice),
		counters: make(map[string]int64),
		reg:      make(map[string]time.Time),
		deleted:  make(map[string]bool),
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}

	for id, inv := range tx.invoices {
		s.invoices[id] = inv
	}
	for id := range tx.deleted {
		delete(s.invoices, id)
	}
	for owner, value := range tx.counters {
		s.account(owner).InvoiceCounter = value
	}
	for owner, at := range tx.reg {
		acct := s.account(owner)
		acct.RegistrationPaid = true
		registeredAt := at
		acct.RegisteredAt = &registeredAt
	}
	return nil
}

// Ping implements invoices.Store
func (s *Store) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Close implements invoices.Store
func (s *Store) Close() error {
	return nil
}

type memTx struct {
	store    *Store
	invoices map[string]*invoices.Invoice
	counters map[string]int64
	reg      map[string]time.Time
	deleted  map[string]bool
}

func (t *memTx) Get(ctx context.Context, id string) (*invoices.Invoice, error) {
	if t.deleted[id] {
		return nil, invoices.ErrNotFound
	}
	if inv, ok := t.invoices[id]; ok {
		return inv.Clone(), nil
	}
	inv, ok := t.store.invoices[id]
	if !ok {
		return nil, invoices.ErrNotFound
	}
	return inv.Clone(), nil
}

func (t *memTx) GetAccount(ctx context.Context, ownerID string) (*invoices.Account, error) {
	acct := &invoices.Account{OwnerID: ownerID}
	if stored, ok := t.store.accounts[ownerID]; ok {
		copied := *stored
		acct = &copied
	}
	if value, ok := t.counters[ownerID]; ok {
		acct.InvoiceCounter = value
	}
	if at, ok := t.reg[ownerID]; ok {
		acct.RegistrationPaid = true
		acct.RegisteredAt = &at
	}
	return acct, nil
}

func (t *memTx) NextCounter(ctx context.Context, ownerID string) (int64, error) {
	current, ok := t.counters[ownerID]
	if !ok {
		if acct, exists := t.store.accounts[ownerID]; exists {
			current = acct.InvoiceCounter
		}
	}
	t.counters[ownerID] = current + 1
	return current + 1, nil
}

func (t *memTx) Put(ctx context.Context, inv *invoices.Invoice) error {
	if inv.ID == "" {
		return fmt.Errorf("invoice id is required")
	}
	t.invoices[inv.ID] = inv.Clone()
	delete(t.deleted, inv.ID)
	return nil
}

func (t *memTx) Delete(ctx context.Context, id string) error {
	if _, err := t.Get(ctx, id); err != nil {
		return err
	}
	delete(t.invoices, id)
	t.deleted[id] = true
	return nil
}

func (t *memTx) MarkRegistered(ctx context.Context, ownerID string, at time.Time) error {
	t.reg[ownerID] = at
	return nil
}
