package invoices

import (
	"errors"
	"math"
	"time"
)

// Status is the invoice lifecycle state
type Status string

const (
	StatusDraft   Status = "draft"
	StatusPending Status = "pending"
	StatusPaid    Status = "paid"
)

// Currency is the single settlement currency
const Currency = "usd"

// Rank orders statuses; unknown statuses rank below draft
func (s Status) Rank() int {
	switch s {
	case StatusDraft:
		return 0
	case StatusPending:
		return 1
	case StatusPaid:
		return 2
	default:
		return -1
	}
}

// Valid reports whether s is a known status
func (s Status) Valid() bool {
	return s.Rank() >= 0
}

// Advances reports whether moving from s to next is a forward transition
func (s Status) Advances(next Status) bool {
	return next.Valid() && next.Rank() > s.Rank()
}

// LineItem is one billable row
type LineItem struct {
	Description    string  `json:"description" firestore:"description" validate:"required,max=500"`
	Quantity       float64 `json:"quantity" firestore:"quantity" validate:"gt=0,lte=1000000"`
	UnitPriceCents int64   `json:"unitPriceCents" firestore:"unitPriceCents" validate:"gte=0,lte=100000000"`
}

// Invoice represents one billable document
type Invoice struct {
	ID      string `json:"id" firestore:"-"`
	OwnerID string `json:"ownerId" firestore:"ownerId"`

	ClientName  string     `json:"clientName" firestore:"clientName"`
	ClientEmail string     `json:"clientEmail,omitempty" firestore:"clientEmail"`
	Notes       string     `json:"notes,omitempty" firestore:"notes"`
	LineItems   []LineItem `json:"lineItems" firestore:"lineItems"`
	TaxRate     float64    `json:"taxRate" firestore:"taxRate"`

	SubtotalCents int64 `json:"subtotalCents" firestore:"subtotalCents"`
	TotalCents    int64 `json:"totalCents" firestore:"totalCents"`

	// InvoiceNumber stays empty until the allocator has run for this invoice
	InvoiceNumber  string `json:"invoiceNumber,omitempty" firestore:"invoiceNumber"`
	SequenceNumber int64  `json:"sequenceNumber,omitempty" firestore:"sequenceNumber"`

	Status         Status     `json:"status" firestore:"status"`
	ServiceFeePaid bool       `json:"serviceFeePaid" firestore:"serviceFeePaid"`
	PaidAt         *time.Time `json:"paidAt,omitempty" firestore:"paidAt"`

	// LastSessionID is the most recent checkout session applied to this invoice
	LastSessionID string `json:"-" firestore:"lastSessionId"`

	CreatedAt time.Time `json:"createdAt" firestore:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt" firestore:"updatedAt"`
}

// Account holds per-owner settings, including the invoice counter
type Account struct {
	OwnerID          string     `json:"ownerId" firestore:"-"`
	InvoiceCounter   int64      `json:"invoiceCounter" firestore:"invoiceCounter"`
	RegistrationPaid bool       `json:"registrationPaid" firestore:"registrationPaid"`
	RegisteredAt     *time.Time `json:"registeredAt,omitempty" firestore:"registeredAt"`
}

// ComputeTotals returns subtotal and total in cents:
// total = Σ(quantity×price) × (1+taxRate/100), rounded half away from zero.
func ComputeTotals(items []LineItem, taxRate float64) (subtotal, total int64) {
	var sum float64
	for _, item := range items {
		sum += item.Quantity * float64(item.UnitPriceCents)
	}
	return int64(math.Round(sum)), int64(math.Round(sum * (1 + taxRate/100)))
}

// Recompute refreshes the derived money fields
func (inv *Invoice) Recompute() {
	inv.SubtotalCents, inv.TotalCents = ComputeTotals(inv.LineItems, inv.TaxRate)
}

// Clone returns a deep copy
func (inv *Invoice) Clone() *Invoice {
	if inv == nil {
		return nil
	}
	cp := *inv
	cp.LineItems = append([]LineItem(nil), inv.LineItems...)
	if inv.PaidAt != nil {
		t := *inv.PaidAt
		cp.PaidAt = &t
	}
	return &cp
}

// Numbered reports whether an invoice number has been allocated
func (inv *Invoice) Numbered() bool {
	return inv.InvoiceNumber != ""
}

var (
	// ErrNotFound is returned by stores for missing records
	ErrNotFound = errors.New("invoices: not found")

	// ErrContention is returned when a transaction lost a race with a
	// concurrent writer and may succeed if retried
	ErrContention = errors.New("invoices: transaction contention")
)
