package checkout

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/platinummonkey/swiftinvoice/pkg/invoices"
)

// FeeKind identifies what a checkout session pays for
type FeeKind string

const (
	FeeRegistration FeeKind = "registration"
	FeeService      FeeKind = "service-fee"
	FeeFullPayment  FeeKind = "full-payment"
)

// Session metadata keys
const (
	MetaInvoiceID   = "invoice_id"
	MetaPaymentType = "payment_type"
	MetaOwnerID     = "owner_id"
	// MetaAmountCents and MetaCurrency record the price a session was
	// created for
	MetaAmountCents = "amount_cents"
	MetaCurrency    = "currency"
	// MetaFeeKind is read as a fallback when payment_type is absent
	MetaFeeKind = "fee_kind"
)

// Fixed prices in cents
const (
	RegistrationFeeCents int64 = 1000
	ServiceFeeCents      int64 = 100
)

// ParseFeeKind accepts the hyphenated and underscored spellings
func ParseFeeKind(raw string) (FeeKind, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "registration":
		return FeeRegistration, nil
	case "service-fee", "service_fee":
		return FeeService, nil
	case "full-payment", "full_payment":
		return FeeFullPayment, nil
	default:
		return "", fmt.Errorf("unknown fee kind %q", raw)
	}
}

// KindFromMetadata resolves the fee kind recorded on a session. An absent
// kind means full payment.
func KindFromMetadata(md map[string]string) (FeeKind, error) {
	raw := md[MetaPaymentType]
	if raw == "" {
		raw = md[MetaFeeKind]
	}
	if raw == "" {
		return FeeFullPayment, nil
	}
	return ParseFeeKind(raw)
}

// MetadataValue is the spelling written to session metadata
func (k FeeKind) MetadataValue() string {
	return strings.ReplaceAll(string(k), "-", "_")
}

// TargetStatus is the invoice status a completed payment of this kind
// moves to. Registration does not touch invoice status.
func (k FeeKind) TargetStatus() (invoices.Status, bool) {
	switch k {
	case FeeService:
		return invoices.StatusPending, true
	case FeeFullPayment:
		return invoices.StatusPaid, true
	default:
		return "", false
	}
}

// Price is one catalog line
type Price struct {
	AmountCents int64
	Currency    string
	ProductName string
	Description string
}

// PriceFor prices kind for inv. Only full payment depends on the invoice,
// and it reads the stored total.
func PriceFor(kind FeeKind, inv *invoices.Invoice) (Price, error) {
	switch kind {
	case FeeRegistration:
		return Price{
			AmountCents: RegistrationFeeCents,
			Currency:    invoices.Currency,
			ProductName: "SwiftInvoice Registration",
		}, nil
	case FeeService:
		return Price{
			AmountCents: ServiceFeeCents,
			Currency:    invoices.Currency,
			ProductName: "Invoice Finalization Fee",
			Description: fmt.Sprintf("One-time fee to finalize and send invoice %s", inv.ID),
		}, nil
	case FeeFullPayment:
		if inv.TotalCents <= 0 {
			return Price{}, fmt.Errorf("invoice total must be positive")
		}
		label := inv.InvoiceNumber
		if label == "" {
			label = inv.ID
		}
		return Price{
			AmountCents: inv.TotalCents,
			Currency:    invoices.Currency,
			ProductName: fmt.Sprintf("Invoice %s", label),
		}, nil
	default:
		return Price{}, fmt.Errorf("unknown fee kind %q", kind)
	}
}

// Metadata returns the session metadata recording this price
func (p Price) Metadata() map[string]string {
	return map[string]string{
		MetaAmountCents: strconv.FormatInt(p.AmountCents, 10),
		MetaCurrency:    p.Currency,
	}
}

// ChargedPrice is the price a completed session for kind must carry. Fixed
// fees come from the catalog. Full payment uses the amount recorded on the
// session when it was created and falls back to the stored total for
// sessions that predate the record.
func ChargedPrice(kind FeeKind, inv *invoices.Invoice, md map[string]string) (Price, error) {
	if kind != FeeFullPayment {
		return PriceFor(kind, inv)
	}
	raw, ok := md[MetaAmountCents]
	if !ok {
		return PriceFor(kind, inv)
	}
	amount, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || amount <= 0 {
		return Price{}, fmt.Errorf("invalid %s %q", MetaAmountCents, raw)
	}
	currency := md[MetaCurrency]
	if currency == "" {
		currency = invoices.Currency
	}
	return Price{AmountCents: amount, Currency: currency}, nil
}
