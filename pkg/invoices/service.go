package invoices

import (
	"context"
	"errors"
	"time"

	"github.com/platinummonkey/swiftinvoice/pkg/apperr"
	"github.com/platinummonkey/swiftinvoice/pkg/identity"
	"github.com/platinummonkey/swiftinvoice/pkg/observability"
	"github.com/platinummonkey/swiftinvoice/pkg/validation"
)

const (
	DefaultListLimit = 50
	MaxListLimit     = 200
)

// OutstandingSessions reports whether an unfinished checkout session
// references an invoice
type OutstandingSessions interface {
	HasOutstanding(ctx context.Context, invoiceID string) (bool, error)
}

// Input is the owner-editable part of an invoice
type Input struct {
	ClientName  string     `json:"clientName" validate:"required,max=200"`
	ClientEmail string     `json:"clientEmail,omitempty" validate:"omitempty,email,max=320"`
	Notes       string     `json:"notes,omitempty" validate:"max=2000"`
	LineItems   []LineItem `json:"lineItems" validate:"min=1,max=100,dive"`
	TaxRate     float64    `json:"taxRate" validate:"gte=0,lte=100"`
}

// StatusInput is a manual status change request
type StatusInput struct {
	Status Status `json:"status" validate:"required,oneof=pending paid"`
}

// Service implements owner-scoped invoice operations
type Service struct {
	store    Store
	sessions OutstandingSessions
	now      func() time.Time
}

// NewService creates a service. sessions may be nil.
func NewService(store Store, sessions OutstandingSessions) *Service {
	return &Service{store: store, sessions: sessions, now: time.Now}
}

// Create stores a new draft invoice owned by the caller
func (s *Service) Create(ctx context.Context, in Input) (*Invoice, error) {
	const op = "invoices.Create"
	principal, err := identity.Require(ctx, op)
	if err != nil {
		return nil, err
	}
	if err := validation.Struct(op, in); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	inv := &Invoice{
		OwnerID:   principal.ID,
		Status:    StatusDraft,
		CreatedAt: now,
		UpdatedAt: now,
	}
	applyInput(inv, in)

	created, err := s.store.Create(ctx, inv)
	if err != nil {
		return nil, apperr.Wrap(apperr.PersistenceFailure, op, err)
	}

	observability.FromContext(ctx).WithField("invoice_id", created.ID).Info("invoice created")
	return created, nil
}

// Get returns an invoice the caller owns
func (s *Service) Get(ctx context.Context, id string) (*Invoice, error) {
	const op = "invoices.Get"
	principal, err := identity.Require(ctx, op)
	if err != nil {
		return nil, err
	}

	inv, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, ClassifyError(op, err)
	}
	if err := CheckOwner(op, principal.ID, inv); err != nil {
		return nil, err
	}
	return inv, nil
}

// List returns the caller's invoices newest first
func (s *Service) List(ctx context.Context, limit int) ([]*Invoice, error) {
	const op = "invoices.List"
	principal, err := identity.Require(ctx, op)
	if err != nil {
		return nil, err
	}

	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}

	list, err := s.store.ListByOwner(ctx, principal.ID, limit)
	if err != nil {
		return nil, apperr.Wrap(apperr.PersistenceFailure, op, err)
	}
	return list, nil
}

// Update replaces the editable fields of a draft invoice. A draft with a
// checkout session in flight is frozen so the charged amount stays the
// invoice total.
func (s *Service) Update(ctx context.Context, id string, in Input) (*Invoice, error) {
	const op = "invoices.Update"
	if err := validation.Struct(op, in); err != nil {
		return nil, err
	}
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	if err := s.refuseOutstanding(ctx, op, id); err != nil {
		return nil, err
	}

	return s.mutate(ctx, op, id, func(inv *Invoice) error {
		if inv.Status != StatusDraft {
			return apperr.Newf(apperr.Conflict, op, "invoice is %s and can no longer be edited", inv.Status)
		}
		applyInput(inv, in)
		return nil
	})
}

// SetStatus moves an invoice forward by hand, e.g. after an offline
// payment. Moving backward is a Conflict, repeating the current status is a
// no-op.
func (s *Service) SetStatus(ctx context.Context, id string, in StatusInput) (*Invoice, error) {
	const op = "invoices.SetStatus"
	if err := validation.Struct(op, in); err != nil {
		return nil, err
	}

	return s.mutate(ctx, op, id, func(inv *Invoice) error {
		if inv.Status == in.Status {
			return errNoChange
		}
		if !inv.Status.Advances(in.Status) {
			return apperr.Newf(apperr.Conflict, op, "cannot move invoice from %s to %s", inv.Status, in.Status)
		}
		if in.Status == StatusPending && !inv.Numbered() {
			return apperr.New(apperr.Conflict, op, "an invoice becomes pending when its finalization fee is paid")
		}
		inv.Status = in.Status
		if in.Status == StatusPaid {
			paidAt := s.now().UTC()
			inv.PaidAt = &paidAt
		}
		return nil
	})
}

// Delete removes a draft invoice with no checkout session in flight
func (s *Service) Delete(ctx context.Context, id string) error {
	const op = "invoices.Delete"

	principal, err := identity.Require(ctx, op)
	if err != nil {
		return err
	}
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	if err := s.refuseOutstanding(ctx, op, id); err != nil {
		return err
	}

	// A webhook may have finalized the invoice since the checks above
	err = s.store.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		inv, err := tx.Get(ctx, id)
		if err != nil {
			return err
		}
		if err := CheckOwner(op, principal.ID, inv); err != nil {
			return err
		}
		if inv.Status != StatusDraft || inv.Numbered() {
			return apperr.Newf(apperr.Conflict, op, "invoice is %s and cannot be deleted", inv.Status)
		}
		return tx.Delete(ctx, id)
	})
	if err != nil {
		return ClassifyError(op, err)
	}
	observability.FromContext(ctx).WithField("invoice_id", id).Info("invoice deleted")
	return nil
}

var errNoChange = errors.New("no change")

func (s *Service) refuseOutstanding(ctx context.Context, op, id string) error {
	if s.sessions == nil {
		return nil
	}
	outstanding, err := s.sessions.HasOutstanding(ctx, id)
	if err != nil {
		return apperr.Wrap(apperr.PersistenceFailure, op, err)
	}
	if outstanding {
		return apperr.New(apperr.Conflict, op, "a payment for this invoice is in progress")
	}
	return nil
}

func (s *Service) mutate(ctx context.Context, op, id string, fn func(inv *Invoice) error) (*Invoice, error) {
	principal, err := identity.Require(ctx, op)
	if err != nil {
		return nil, err
	}

	var result *Invoice
	err = s.store.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		inv, err := tx.Get(ctx, id)
		if err != nil {
			return err
		}
		if err := CheckOwner(op, principal.ID, inv); err != nil {
			return err
		}
		if err := fn(inv); err != nil {
			if errors.Is(err, errNoChange) {
				result = inv
				return nil
			}
			return err
		}
		inv.UpdatedAt = s.now().UTC()
		result = inv
		return tx.Put(ctx, inv)
	})
	if err != nil {
		return nil, ClassifyError(op, err)
	}
	return result, nil
}

func applyInput(inv *Invoice, in Input) {
	inv.ClientName = in.ClientName
	inv.ClientEmail = in.ClientEmail
	inv.Notes = in.Notes
	inv.LineItems = append([]LineItem(nil), in.LineItems...)
	inv.TaxRate = in.TaxRate
	inv.Recompute()
}

// CheckOwner returns PermissionDenied unless ownerID owns inv
func CheckOwner(op, ownerID string, inv *Invoice) error {
	if inv.OwnerID != ownerID {
		return apperr.New(apperr.PermissionDenied, op, "you do not have access to this invoice")
	}
	return nil
}

// ClassifyError classifies a store failure, keeping errors that are already
// classified
func ClassifyError(op string, err error) error {
	var classified *apperr.Error
	switch {
	case errors.As(err, &classified):
		return err
	case errors.Is(err, ErrNotFound):
		return apperr.New(apperr.NotFound, op, "invoice not found")
	default:
		return apperr.Wrap(apperr.PersistenceFailure, op, err)
	}
}
