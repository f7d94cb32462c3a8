package checkout

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/platinummonkey/swiftinvoice/pkg/apperr"
	"github.com/platinummonkey/swiftinvoice/pkg/identity"
	"github.com/platinummonkey/swiftinvoice/pkg/invoices"
	"github.com/platinummonkey/swiftinvoice/pkg/observability"
	"github.com/platinummonkey/swiftinvoice/pkg/sessions"
	"github.com/platinummonkey/swiftinvoice/pkg/validation"
)

// Request is the caller's checkout request
type Request struct {
	InvoiceID string `json:"invoiceId" validate:"required"`
	FeeKind   string `json:"feeKind" validate:"required"`
	CancelURL string `json:"cancelUrl" validate:"required,absurl"`
}

// Result is returned to the caller, who redirects the browser to URL
type Result struct {
	SessionID string `json:"sessionId"`
	URL       string `json:"url"`
}

// Config holds Initiator settings
type Config struct {
	// SuccessURL is where the gateway returns the browser after payment
	SuccessURL string
	// AllowedCancelHosts restricts cancel URL hosts when non-empty
	AllowedCancelHosts []string
	// OutstandingTTL is how long a created session counts as outstanding
	OutstandingTTL time.Duration
}

// Initiator validates fee requests and opens gateway sessions
type Initiator struct {
	store   invoices.Store
	gateway Gateway
	ledger  sessions.Ledger
	cfg     Config
	metrics *observability.Metrics
	logger  *observability.Logger
}

// NewInitiator creates an Initiator. ledger and metrics may be nil.
func NewInitiator(store invoices.Store, gateway Gateway, ledger sessions.Ledger, cfg Config, metrics *observability.Metrics, logger *observability.Logger) *Initiator {
	if cfg.OutstandingTTL <= 0 {
		cfg.OutstandingTTL = sessions.DefaultOutstandingTTL
	}
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	return &Initiator{
		store:   store,
		gateway: gateway,
		ledger:  ledger,
		cfg:     cfg,
		metrics: metrics,
		logger:  logger,
	}
}

// Start opens a checkout session for the authenticated caller
func (i *Initiator) Start(ctx context.Context, req Request) (*Result, error) {
	const op = "checkout.Start"

	principal, err := identity.Require(ctx, op)
	if err != nil {
		return nil, err
	}
	req.InvoiceID = strings.TrimSpace(req.InvoiceID)
	if err := validation.Struct(op, &req); err != nil {
		return nil, err
	}
	kind, err := ParseFeeKind(req.FeeKind)
	if err != nil {
		return nil, apperr.New(apperr.InvalidArgument, op, "feeKind must be one of [registration service-fee full-payment]")
	}
	if err := i.checkCancelURL(op, req.CancelURL); err != nil {
		return nil, err
	}

	ctx, span := observability.StartSpan(ctx, "checkout.Start",
		attribute.String("invoice.id", req.InvoiceID),
		attribute.String("fee.kind", string(kind)),
	)
	result, err := i.start(ctx, op, principal, kind, req)
	observability.EndSpan(span, err)

	i.count(kind, err)
	return result, err
}

func (i *Initiator) start(ctx context.Context, op string, principal *identity.Principal, kind FeeKind, req Request) (*Result, error) {
	inv, err := i.store.Get(ctx, req.InvoiceID)
	if err != nil {
		return nil, invoices.ClassifyError(op, err)
	}
	if err := invoices.CheckOwner(op, principal.ID, inv); err != nil {
		return nil, err
	}
	if err := i.checkPayable(ctx, op, kind, inv); err != nil {
		return nil, err
	}

	price, err := PriceFor(kind, inv)
	if err != nil {
		return nil, apperr.New(apperr.InvalidArgument, op, err.Error())
	}

	metadata := price.Metadata()
	metadata[MetaInvoiceID] = inv.ID
	metadata[MetaPaymentType] = kind.MetadataValue()
	metadata[MetaOwnerID] = principal.ID

	sessionReq := SessionRequest{
		InvoiceID:      inv.ID,
		Kind:           kind,
		Price:          price,
		SuccessURL:     successURL(i.cfg.SuccessURL, inv.ID, kind),
		CancelURL:      req.CancelURL,
		Metadata:       metadata,
		IdempotencyKey: idempotencyKey(principal.ID, inv.ID, kind, req.CancelURL, price),
	}

	logger := observability.FromContext(ctx).WithFields(map[string]interface{}{
		"invoice_id": inv.ID,
		"fee_kind":   string(kind),
	})

	start := time.Now()
	session, err := i.gateway.CreateSession(ctx, sessionReq)
	if i.metrics != nil {
		i.metrics.GatewayDuration.WithLabelValues("create_session").Observe(time.Since(start).Seconds())
	}
	if err != nil {
		logger.WithError(err).Error("checkout session creation failed")
		return nil, apperr.Wrap(apperr.GatewayError, op, err)
	}

	if i.ledger != nil {
		if err := i.ledger.MarkOpen(ctx, inv.ID, session.ID, i.cfg.OutstandingTTL); err != nil {
			logger.WithError(err).Warn("failed to record outstanding checkout session")
		}
	}

	logger.WithField("session_id", session.ID).Info("checkout session created")
	return &Result{SessionID: session.ID, URL: session.URL}, nil
}

func (i *Initiator) checkPayable(ctx context.Context, op string, kind FeeKind, inv *invoices.Invoice) error {
	switch kind {
	case FeeRegistration:
		acct, err := i.store.GetAccount(ctx, inv.OwnerID)
		if err != nil {
			return invoices.ClassifyError(op, err)
		}
		if acct.RegistrationPaid {
			return apperr.New(apperr.Conflict, op, "registration is already paid")
		}
	case FeeService:
		if inv.Status == invoices.StatusPaid {
			return apperr.New(apperr.Conflict, op, "invoice is already paid")
		}
		if inv.ServiceFeePaid || inv.Numbered() {
			return apperr.New(apperr.Conflict, op, "invoice is already finalized")
		}
	case FeeFullPayment:
		if inv.Status == invoices.StatusPaid {
			return apperr.New(apperr.Conflict, op, "invoice is already paid")
		}
	}
	return nil
}

func (i *Initiator) checkCancelURL(op, raw string) error {
	if len(i.cfg.AllowedCancelHosts) == 0 {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return apperr.New(apperr.InvalidArgument, op, "cancelUrl must be an absolute http(s) URL")
	}
	host := strings.ToLower(u.Hostname())
	for _, allowed := range i.cfg.AllowedCancelHosts {
		if strings.EqualFold(host, allowed) {
			return nil
		}
	}
	return apperr.New(apperr.InvalidArgument, op, "cancelUrl host is not allowed")
}

func (i *Initiator) count(kind FeeKind, err error) {
	if i.metrics == nil {
		return
	}
	outcome := "created"
	if err != nil {
		outcome = apperr.KindOf(err).String()
	}
	i.metrics.CheckoutSessionsTotal.WithLabelValues(string(kind), outcome).Inc()
}

// successURL appends correlation parameters. The session placeholder is
// substituted by the gateway and must stay unescaped.
func successURL(base, invoiceID string, kind FeeKind) string {
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	out := base + sep + "invoice_id=" + url.QueryEscape(invoiceID) + "&session_id={CHECKOUT_SESSION_ID}"
	if kind == FeeService {
		out += "&finalize=true"
	}
	return out
}

// idempotencyKey covers every parameter sent to the gateway, since the
// gateway rejects a reused key whose parameters differ
func idempotencyKey(principalID, invoiceID string, kind FeeKind, cancelURL string, price Price) string {
	parts := []string{principalID, invoiceID, string(kind), cancelURL, strconv.FormatInt(price.AmountCents, 10), price.Currency}
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x00")))
	return "checkout-" + hex.EncodeToString(sum[:16])
}
