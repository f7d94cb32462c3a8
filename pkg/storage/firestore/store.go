// Package firestore stores invoices in Cloud Firestore. Invoices live in the
// invoices collection; per-owner counters and registration state live in
// userSettings/{ownerId}.
package firestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/platinummonkey/swiftinvoice/pkg/invoices"
)

const (
	invoicesCollection = "invoices"
	settingsCollection = "userSettings"

	fieldOwnerID          = "ownerId"
	fieldCreatedAt        = "createdAt"
	fieldInvoiceCounter   = "invoiceCounter"
	fieldRegistrationPaid = "registrationPaid"
	fieldRegisteredAt     = "registeredAt"

	defaultTxAttempts = 5
)

// Config selects the project and transaction attempt budget
type Config struct {
	ProjectID string
	// TxAttempts bounds Firestore's own retries of an aborted transaction
	TxAttempts int
}

// Store implements invoices.Store
type Store struct {
	client     *firestore.Client
	txAttempts int
}

// New connects to Firestore. Set FIRESTORE_EMULATOR_HOST to target the
// emulator.
func New(ctx context.Context, cfg Config, opts ...option.ClientOption) (*Store, error) {
	if cfg.ProjectID == "" {
		return nil, errors.New("firestore: project id is required")
	}
	client, err := firestore.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create firestore client: %w", err)
	}
	return NewWithClient(client, cfg.TxAttempts), nil
}

// NewWithClient wraps an existing client
func NewWithClient(client *firestore.Client, txAttempts int) *Store {
	if txAttempts <= 0 {
		txAttempts = defaultTxAttempts
	}
	return &Store{client: client, txAttempts: txAttempts}
}

func (s *Store) invoiceRef(id string) *firestore.DocumentRef {
	return s.client.Collection(invoicesCollection).Doc(id)
}

func (s *Store) settingsRef(ownerID string) *firestore.DocumentRef {
	return s.client.Collection(settingsCollection).Doc(ownerID)
}

// Create implements invoices.Store
func (s *Store) Create(ctx context.Context, inv *invoices.Invoice) (*invoices.Invoice, error) {
	stored := inv.Clone()
	ref := s.client.Collection(invoicesCollection).NewDoc()
	if stored.ID != "" {
		ref = s.invoiceRef(stored.ID)
	}
	stored.ID = ref.ID

	if _, err := ref.Create(ctx, stored); err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return nil, fmt.Errorf("invoice %s already exists", stored.ID)
		}
		return nil, fmt.Errorf("failed to create invoice: %w", err)
	}
	return stored, nil
}

// Get implements invoices.Store
func (s *Store) Get(ctx context.Context, id string) (*invoices.Invoice, error) {
	snap, err := s.invoiceRef(id).Get(ctx)
	if err != nil {
		return nil, classify(err)
	}
	return decodeInvoice(snap)
}

// ListByOwner implements invoices.Store
func (s *Store) ListByOwner(ctx context.Context, ownerID string, limit int) ([]*invoices.Invoice, error) {
	query := s.client.Collection(invoicesCollection).
		Where(fieldOwnerID, "==", ownerID).
		OrderBy(fieldCreatedAt, firestore.Desc)
	if limit > 0 {
		query = query.Limit(limit)
	}

	iter := query.Documents(ctx)
	defer iter.Stop()

	var out []*invoices.Invoice
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list invoices: %w", err)
		}
		inv, err := decodeInvoice(snap)
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	return out, nil
}

// Delete implements invoices.Store
func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.invoiceRef(id).Delete(ctx, firestore.Exists); err != nil {
		return classify(err)
	}
	return nil
}

// GetAccount implements invoices.Store
func (s *Store) GetAccount(ctx context.Context, ownerID string) (*invoices.Account, error) {
	snap, err := s.settingsRef(ownerID).Get(ctx)
	return decodeAccount(ownerID, snap, err)
}

// RunInTx implements invoices.Store. Aborted transactions are retried by
// the client up to TxAttempts and then surface as invoices.ErrContention.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context, tx invoices.Tx) error) error {
	err := s.client.RunTransaction(ctx, func(ctx context.Context, ftx *firestore.Transaction) error {
		return fn(ctx, &fsTx{store: s, tx: ftx, staged: make(map[string]*invoices.Account)})
	}, firestore.MaxAttempts(s.txAttempts))
	if err != nil {
		return classify(err)
	}
	return nil
}

// Ping reads a document that need not exist
func (s *Store) Ping(ctx context.Context) error {
	_, err := s.client.Collection(settingsCollection).Doc("_ping").Get(ctx)
	if err != nil && status.Code(err) != codes.NotFound {
		return fmt.Errorf("firestore unhealthy: %w", err)
	}
	return nil
}

// Close implements invoices.Store
func (s *Store) Close() error {
	return s.client.Close()
}

// fsTx stages account reads so NextCounter and GetAccount can be called
// after a write without issuing a read.
type fsTx struct {
	store  *Store
	tx     *firestore.Transaction
	staged map[string]*invoices.Account
}

func (t *fsTx) Get(ctx context.Context, id string) (*invoices.Invoice, error) {
	snap, err := t.tx.Get(t.store.invoiceRef(id))
	if err != nil {
		return nil, classify(err)
	}
	return decodeInvoice(snap)
}

func (t *fsTx) GetAccount(ctx context.Context, ownerID string) (*invoices.Account, error) {
	if acct, ok := t.staged[ownerID]; ok {
		cp := *acct
		return &cp, nil
	}
	snap, err := t.tx.Get(t.store.settingsRef(ownerID))
	acct, err := decodeAccount(ownerID, snap, err)
	if err != nil {
		return nil, err
	}
	t.staged[ownerID] = acct
	cp := *acct
	return &cp, nil
}

func (t *fsTx) NextCounter(ctx context.Context, ownerID string) (int64, error) {
	acct, err := t.GetAccount(ctx, ownerID)
	if err != nil {
		return 0, err
	}
	next := acct.InvoiceCounter + 1
	if err := t.tx.Set(t.store.settingsRef(ownerID), map[string]interface{}{
		fieldInvoiceCounter: next,
	}, firestore.MergeAll); err != nil {
		return 0, fmt.Errorf("failed to stage counter: %w", err)
	}
	t.staged[ownerID].InvoiceCounter = next
	return next, nil
}

func (t *fsTx) Put(ctx context.Context, inv *invoices.Invoice) error {
	if inv.ID == "" {
		return errors.New("invoice id is required")
	}
	if err := t.tx.Set(t.store.invoiceRef(inv.ID), inv); err != nil {
		return fmt.Errorf("failed to stage invoice: %w", err)
	}
	return nil
}

func (t *fsTx) Delete(ctx context.Context, id string) error {
	if err := t.tx.Delete(t.store.invoiceRef(id), firestore.Exists); err != nil {
		return fmt.Errorf("failed to stage delete: %w", err)
	}
	return nil
}

func (t *fsTx) MarkRegistered(ctx context.Context, ownerID string, at time.Time) error {
	if err := t.tx.Set(t.store.settingsRef(ownerID), map[string]interface{}{
		fieldRegistrationPaid: true,
		fieldRegisteredAt:     at.UTC(),
	}, firestore.MergeAll); err != nil {
		return fmt.Errorf("failed to stage registration: %w", err)
	}
	if acct, ok := t.staged[ownerID]; ok {
		acct.RegistrationPaid = true
		registeredAt := at.UTC()
		acct.RegisteredAt = &registeredAt
	}
	return nil
}

func decodeInvoice(snap *firestore.DocumentSnapshot) (*invoices.Invoice, error) {
	var inv invoices.Invoice
	if err := snap.DataTo(&inv); err != nil {
		return nil, fmt.Errorf("failed to decode invoice %s: %w", snap.Ref.ID, err)
	}
	inv.ID = snap.Ref.ID
	return &inv, nil
}

func decodeAccount(ownerID string, snap *firestore.DocumentSnapshot, err error) (*invoices.Account, error) {
	if status.Code(err) == codes.NotFound {
		return &invoices.Account{OwnerID: ownerID}, nil
	}
	if err != nil {
		return nil, classify(err)
	}
	var acct invoices.Account
	if err := snap.DataTo(&acct); err != nil {
		return nil, fmt.Errorf("failed to decode settings for %s: %w", ownerID, err)
	}
	acct.OwnerID = ownerID
	return &acct, nil
}

func classify(err error) error {
	if errors.Is(err, invoices.ErrNotFound) || errors.Is(err, invoices.ErrContention) {
		return err
	}
	switch status.Code(err) {
	case codes.NotFound:
		return invoices.ErrNotFound
	case codes.Aborted:
		return fmt.Errorf("%w: %v", invoices.ErrContention, err)
	default:
		return err
	}
}
