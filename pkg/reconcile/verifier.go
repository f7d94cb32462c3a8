package reconcile

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/webhook"

	"github.com/platinummonkey/swiftinvoice/pkg/apperr"
	"github.com/platinummonkey/swiftinvoice/pkg/checkout"
)

// DefaultTolerance is the accepted clock skew for signed payloads
const DefaultTolerance = 5 * time.Minute

// Event is a verified gateway event
type Event struct {
	ID      string
	Type    string
	Created time.Time
	// Session is set for checkout.session.* events
	Session *checkout.Session
	Payload []byte
}

// Verifier authenticates and decodes raw webhook payloads
type Verifier interface {
	Verify(payload []byte, signature string) (*Event, error)
}

// StripeVerifier checks the Stripe-Signature header
type StripeVerifier struct {
	secret    string
	tolerance time.Duration
}

// NewStripeVerifier creates a verifier for one endpoint secret
func NewStripeVerifier(secret string, tolerance time.Duration) *StripeVerifier {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	return &StripeVerifier{secret: secret, tolerance: tolerance}
}

// Verify implements Verifier
func (v *StripeVerifier) Verify(payload []byte, signature string) (*Event, error) {
	const op = "reconcile.Verify"

	ev, err := webhook.ConstructEventWithOptions(payload, signature, v.secret, webhook.ConstructEventOptions{
		Tolerance:                v.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		kind := apperr.MalformedEvent
		if isSignatureError(err) {
			kind = apperr.SignatureInvalid
		}
		return nil, &apperr.Error{Kind: kind, Op: op, Message: "Webhook Error: " + err.Error(), Err: err}
	}

	out := &Event{
		ID:      ev.ID,
		Type:    ev.Type,
		Created: time.Unix(ev.Created, 0).UTC(),
		Payload: payload,
	}
	if strings.HasPrefix(ev.Type, "checkout.session.") {
		if ev.Data == nil || len(ev.Data.Raw) == 0 {
			return nil, apperr.New(apperr.MalformedEvent, op, "event has no data object")
		}
		var cs stripe.CheckoutSession
		if err := json.Unmarshal(ev.Data.Raw, &cs); err != nil {
			return nil, &apperr.Error{Kind: apperr.MalformedEvent, Op: op, Message: "event data is not a checkout session", Err: err}
		}
		out.Session = checkout.FromStripe(&cs)
	}
	return out, nil
}

func isSignatureError(err error) bool {
	return errors.Is(err, webhook.ErrNotSigned) ||
		errors.Is(err, webhook.ErrInvalidHeader) ||
		errors.Is(err, webhook.ErrNoValidSignature) ||
		errors.Is(err, webhook.ErrTooOld)
}
