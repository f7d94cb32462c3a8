package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/platinummonkey/swiftinvoice/pkg/invoices"
)

// Schema creates the invoice and account tables. Statements are idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS accounts (
	owner_id          TEXT PRIMARY KEY,
	invoice_counter   BIGINT NOT NULL DEFAULT 0,
	registration_paid BOOLEAN NOT NULL DEFAULT FALSE,
	registered_at     TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS invoices (
	id               TEXT PRIMARY KEY,
	owner_id         TEXT NOT NULL,
	client_name      TEXT NOT NULL,
	client_email     TEXT NOT NULL DEFAULT '',
	notes            TEXT NOT NULL DEFAULT '',
	line_items       JSONB NOT NULL DEFAULT '[]',
	tax_rate         DOUBLE PRECISION NOT NULL DEFAULT 0,
	subtotal_cents   BIGINT NOT NULL DEFAULT 0,
	total_cents      BIGINT NOT NULL DEFAULT 0,
	invoice_number   TEXT NOT NULL DEFAULT '',
	sequence_number  BIGINT NOT NULL DEFAULT 0,
	status           TEXT NOT NULL,
	service_fee_paid BOOLEAN NOT NULL DEFAULT FALSE,
	paid_at          TIMESTAMPTZ,
	last_session_id  TEXT NOT NULL DEFAULT '',
	created_at       TIMESTAMPTZ NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS invoices_owner_created_idx ON invoices (owner_id, created_at DESC);

CREATE UNIQUE INDEX IF NOT EXISTS invoices_owner_number_idx
	ON invoices (owner_id, invoice_number) WHERE invoice_number <> '';
`

const invoiceColumns = `id, owner_id, client_name, client_email, notes, line_items, tax_rate,
	subtotal_cents, total_cents, invoice_number, sequence_number, status, service_fee_paid,
	paid_at, last_session_id, created_at, updated_at`

const (
	sqlSelectInvoice = `SELECT ` + invoiceColumns + ` FROM invoices WHERE id = $1`

	sqlSelectInvoiceForUpdate = sqlSelectInvoice + ` FOR UPDATE`

	sqlListByOwner = `SELECT ` + invoiceColumns + ` FROM invoices
	WHERE owner_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2`

	sqlInsertInvoice = `INSERT INTO invoices (` + invoiceColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`

	sqlUpsertInvoice = sqlInsertInvoice + `
	ON CONFLICT (id) DO UPDATE SET
		client_name = EXCLUDED.client_name,
		client_email = EXCLUDED.client_email,
		notes = EXCLUDED.notes,
		line_items = EXCLUDED.line_items,
		tax_rate = EXCLUDED.tax_rate,
		subtotal_cents = EXCLUDED.subtotal_cents,
		total_cents = EXCLUDED.total_cents,
		invoice_number = EXCLUDED.invoice_number,
		sequence_number = EXCLUDED.sequence_number,
		status = EXCLUDED.status,
		service_fee_paid = EXCLUDED.service_fee_paid,
		paid_at = EXCLUDED.paid_at,
		last_session_id = EXCLUDED.last_session_id,
		updated_at = EXCLUDED.updated_at`

	sqlDeleteInvoice = `DELETE FROM invoices WHERE id = $1`

	sqlSelectAccount = `SELECT invoice_counter, registration_paid, registered_at
	FROM accounts WHERE owner_id = $1`

	sqlNextCounter = `INSERT INTO accounts (owner_id, invoice_counter) VALUES ($1, 1)
	ON CONFLICT (owner_id) DO UPDATE SET invoice_counter = accounts.invoice_counter + 1
	RETURNING invoice_counter`

	sqlMarkRegistered = `INSERT INTO accounts (owner_id, registration_paid, registered_at) VALUES ($1, TRUE, $2)
	ON CONFLICT (owner_id) DO UPDATE SET registration_paid = TRUE,
		registered_at = COALESCE(accounts.registered_at, EXCLUDED.registered_at)`
)

// SQLSTATE codes for a transaction that lost a race and may be retried
const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeUniqueViolation      = "23505"
)

// ErrDuplicateID is returned by Create when the id is taken
var ErrDuplicateID = errors.New("postgres: invoice id already exists")

// Store implements invoices.Store on PostgreSQL. Transactions run at
// SERIALIZABLE isolation and serialization failures surface as
// invoices.ErrContention.
type Store struct {
	pool *Pool
}

// NewStore creates a store over pool
func NewStore(pool *Pool) *Store {
	return &Store{pool: pool}
}

// Migrate applies Schema
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Primary().ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// Create implements invoices.Store
func (s *Store) Create(ctx context.Context, inv *invoices.Invoice) (*invoices.Invoice, error) {
	stored := inv.Clone()
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	args, err := invoiceArgs(stored)
	if err != nil {
		return nil, err
	}
	if _, err := s.pool.Primary().ExecContext(ctx, sqlInsertInvoice, args...); err != nil {
		if sqlState(err) == codeUniqueViolation {
			return nil, ErrDuplicateID
		}
		return nil, fmt.Errorf("insert invoice: %w", err)
	}
	return stored, nil
}

// Get implements invoices.Store
func (s *Store) Get(ctx context.Context, id string) (*invoices.Invoice, error) {
	return scanInvoice(s.pool.Primary().QueryRowContext(ctx, sqlSelectInvoice, id))
}

// ListByOwner implements invoices.Store. Listings read from a replica.
func (s *Store) ListByOwner(ctx context.Context, ownerID string, limit int) ([]*invoices.Invoice, error) {
	if limit <= 0 {
		limit = invoices.MaxListLimit
	}
	rows, err := s.pool.Replica().QueryContext(ctx, sqlListByOwner, ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("list invoices: %w", err)
	}
	defer rows.Close()

	var out []*invoices.Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list invoices: %w", err)
	}
	return out, nil
}

// Delete implements invoices.Store
func (s *Store) Delete(ctx context.Context, id string) error {
	return deleteInvoice(ctx, s.pool.Primary(), id)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func deleteInvoice(ctx context.Context, db execer, id string) error {
	res, err := db.ExecContext(ctx, sqlDeleteInvoice, id)
	if err != nil {
		return fmt.Errorf("delete invoice: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete invoice: %w", err)
	}
	if n == 0 {
		return invoices.ErrNotFound
	}
	return nil
}

// GetAccount implements invoices.Store
func (s *Store) GetAccount(ctx context.Context, ownerID string) (*invoices.Account, error) {
	return scanAccount(s.pool.Primary().QueryRowContext(ctx, sqlSelectAccount, ownerID), ownerID)
}

// RunInTx implements invoices.Store
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context, tx invoices.Tx) error) error {
	sqlTx, err := s.pool.Primary().BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return classify(fmt.Errorf("begin: %w", err))
	}

	if err := fn(ctx, &pgTx{tx: sqlTx}); err != nil {
		_ = sqlTx.Rollback()
		return classify(err)
	}
	if err := sqlTx.Commit(); err != nil {
		return classify(fmt.Errorf("commit: %w", err))
	}
	return nil
}

// Ping implements invoices.Store
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close implements invoices.Store
func (s *Store) Close() error {
	return s.pool.Close()
}

type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) Get(ctx context.Context, id string) (*invoices.Invoice, error) {
	return scanInvoice(t.tx.QueryRowContext(ctx, sqlSelectInvoiceForUpdate, id))
}

func (t *pgTx) GetAccount(ctx context.Context, ownerID string) (*invoices.Account, error) {
	return scanAccount(t.tx.QueryRowContext(ctx, sqlSelectAccount, ownerID), ownerID)
}

func (t *pgTx) NextCounter(ctx context.Context, ownerID string) (int64, error) {
	var next int64
	if err := t.tx.QueryRowContext(ctx, sqlNextCounter, ownerID).Scan(&next); err != nil {
		return 0, fmt.Errorf("next counter: %w", err)
	}
	return next, nil
}

func (t *pgTx) Put(ctx context.Context, inv *invoices.Invoice) error {
	if inv.ID == "" {
		return fmt.Errorf("invoice id is required")
	}
	args, err := invoiceArgs(inv)
	if err != nil {
		return err
	}
	if _, err := t.tx.ExecContext(ctx, sqlUpsertInvoice, args...); err != nil {
		return fmt.Errorf("put invoice: %w", err)
	}
	return nil
}

func (t *pgTx) Delete(ctx context.Context, id string) error {
	return deleteInvoice(ctx, t.tx, id)
}

func (t *pgTx) MarkRegistered(ctx context.Context, ownerID string, at time.Time) error {
	if _, err := t.tx.ExecContext(ctx, sqlMarkRegistered, ownerID, at.UTC()); err != nil {
		return fmt.Errorf("mark registered: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanInvoice(row rowScanner) (*invoices.Invoice, error) {
	var (
		inv       invoices.Invoice
		lineItems []byte
		status    string
		paidAt    sql.NullTime
	)
	err := row.Scan(
		&inv.ID, &inv.OwnerID, &inv.ClientName, &inv.ClientEmail, &inv.Notes, &lineItems, &inv.TaxRate,
		&inv.SubtotalCents, &inv.TotalCents, &inv.InvoiceNumber, &inv.SequenceNumber, &status, &inv.ServiceFeePaid,
		&paidAt, &inv.LastSessionID, &inv.CreatedAt, &inv.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, invoices.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan invoice: %w", err)
	}

	if len(lineItems) > 0 {
		if err := json.Unmarshal(lineItems, &inv.LineItems); err != nil {
			return nil, fmt.Errorf("decode line items for %s: %w", inv.ID, err)
		}
	}
	inv.Status = invoices.Status(status)
	if paidAt.Valid {
		t := paidAt.Time.UTC()
		inv.PaidAt = &t
	}
	inv.CreatedAt = inv.CreatedAt.UTC()
	inv.UpdatedAt = inv.UpdatedAt.UTC()
	return &inv, nil
}

func scanAccount(row rowScanner, ownerID string) (*invoices.Account, error) {
	acct := &invoices.Account{OwnerID: ownerID}
	var registeredAt sql.NullTime
	err := row.Scan(&acct.InvoiceCounter, &acct.RegistrationPaid, &registeredAt)
	if errors.Is(err, sql.ErrNoRows) {
		return acct, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan account: %w", err)
	}
	if registeredAt.Valid {
		t := registeredAt.Time.UTC()
		acct.RegisteredAt = &t
	}
	return acct, nil
}

func invoiceArgs(inv *invoices.Invoice) ([]interface{}, error) {
	items := inv.LineItems
	if items == nil {
		items = []invoices.LineItem{}
	}
	lineItems, err := json.Marshal(items)
	if err != nil {
		return nil, fmt.Errorf("encode line items: %w", err)
	}
	var paidAt interface{}
	if inv.PaidAt != nil {
		paidAt = inv.PaidAt.UTC()
	}
	return []interface{}{
		inv.ID, inv.OwnerID, inv.ClientName, inv.ClientEmail, inv.Notes, lineItems, inv.TaxRate,
		inv.SubtotalCents, inv.TotalCents, inv.InvoiceNumber, inv.SequenceNumber, string(inv.Status), inv.ServiceFeePaid,
		paidAt, inv.LastSessionID, inv.CreatedAt.UTC(), inv.UpdatedAt.UTC(),
	}, nil
}

func sqlState(err error) string {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code)
	}
	return ""
}

// classify maps serialization and deadlock failures to invoices.ErrContention
// and leaves everything else untouched
func classify(err error) error {
	switch sqlState(err) {
	case codeSerializationFailure, codeDeadlockDetected:
		return fmt.Errorf("%w: %v", invoices.ErrContention, err)
	default:
		return err
	}
}
