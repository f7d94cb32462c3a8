package checkout

import (
	"context"
	"time"
)

// SessionRequest is everything a gateway needs to open a hosted session
type SessionRequest struct {
	InvoiceID      string
	Kind           FeeKind
	Price          Price
	SuccessURL     string
	CancelURL      string
	Metadata       map[string]string
	IdempotencyKey string
}

// Session is the gateway's view of a checkout session
type Session struct {
	ID            string
	URL           string
	Status        string
	PaymentStatus string
	AmountTotal   int64
	Currency      string
	Metadata      map[string]string
	Created       time.Time
}

// Paid reports whether the session's funds have been collected
func (s *Session) Paid() bool {
	return s.PaymentStatus == "paid"
}

// Gateway is the payment provider
type Gateway interface {
	CreateSession(ctx context.Context, req SessionRequest) (*Session, error)
	// ListCompleted returns completed sessions created at or after since
	ListCompleted(ctx context.Context, since time.Time) ([]*Session, error)
}
