package reconcile

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"

	"github.com/platinummonkey/swiftinvoice/pkg/apperr"
	"github.com/platinummonkey/swiftinvoice/pkg/archive"
	"github.com/platinummonkey/swiftinvoice/pkg/async"
	"github.com/platinummonkey/swiftinvoice/pkg/checkout"
	"github.com/platinummonkey/swiftinvoice/pkg/invoices"
	"github.com/platinummonkey/swiftinvoice/pkg/numbering"
	"github.com/platinummonkey/swiftinvoice/pkg/observability"
	"github.com/platinummonkey/swiftinvoice/pkg/sessions"
)

// Event types that carry a finished checkout
const (
	EventSessionCompleted           = "checkout.session.completed"
	EventSessionAsyncPaymentSucceed = "checkout.session.async_payment_succeeded"
)

// Outcome classifications used in logs and metrics
const (
	resultApplied   = "applied"
	resultNoop      = "noop"
	resultDuplicate = "duplicate"
	resultIgnored   = "ignored"
	resultUnpaid    = "unpaid"
)

// Receipt acknowledges a delivery
type Receipt struct {
	Received  bool `json:"received"`
	Duplicate bool `json:"duplicate,omitempty"`
}

// Config holds Reconciler settings
type Config struct {
	// ProcessedTTL is how long processed-session marks are kept
	ProcessedTTL time.Duration
	// ArchiveTimeout bounds each archive upload
	ArchiveTimeout time.Duration
	// SweepWorkers bounds concurrent applications during Sweep
	SweepWorkers int
}

// Deps are the Reconciler's collaborators. Ledger, Archiver, Runner,
// Metrics and Logger are optional.
type Deps struct {
	Store     invoices.Store
	Allocator *numbering.Allocator
	Verifier  Verifier
	Gateway   checkout.Gateway
	Ledger    sessions.Ledger
	Archiver  archive.Archiver
	Runner    *async.Runner
	Metrics   *observability.Metrics
	Logger    *observability.Logger
}

// Reconciler applies completed checkout sessions to invoices
type Reconciler struct {
	store     invoices.Store
	allocator *numbering.Allocator
	verifier  Verifier
	gateway   checkout.Gateway
	ledger    sessions.Ledger
	archiver  archive.Archiver
	runner    *async.Runner
	metrics   *observability.Metrics
	logger    *observability.Logger
	cfg       Config
	flight    singleflight.Group
	now       func() time.Time
}

// New creates a Reconciler
func New(deps Deps, cfg Config) *Reconciler {
	if cfg.ProcessedTTL <= 0 {
		cfg.ProcessedTTL = sessions.DefaultProcessedTTL
	}
	if cfg.ArchiveTimeout <= 0 {
		cfg.ArchiveTimeout = 10 * time.Second
	}
	if cfg.SweepWorkers <= 0 {
		cfg.SweepWorkers = 4
	}
	r := &Reconciler{
		store:     deps.Store,
		allocator: deps.Allocator,
		verifier:  deps.Verifier,
		gateway:   deps.Gateway,
		ledger:    deps.Ledger,
		archiver:  deps.Archiver,
		runner:    deps.Runner,
		metrics:   deps.Metrics,
		logger:    deps.Logger,
		cfg:       cfg,
		now:       time.Now,
	}
	if r.logger == nil {
		r.logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	if r.ledger == nil {
		r.ledger = sessions.NewMemoryLedger(sessions.Config{ProcessedTTL: cfg.ProcessedTTL})
	}
	if r.archiver == nil {
		r.archiver = archive.Nop{}
	}
	if r.runner == nil {
		r.runner = async.NewRunner(r.logger)
	}
	return r
}

// HandleWebhook verifies and applies one delivery
func (r *Reconciler) HandleWebhook(ctx context.Context, payload []byte, signature string) (*Receipt, error) {
	start := time.Now()
	if r.metrics != nil {
		defer func() { r.metrics.WebhookDuration.Observe(time.Since(start).Seconds()) }()
	}

	ev, err := r.verifier.Verify(payload, signature)
	if err != nil {
		r.finish(ctx, &Event{Type: "unknown"}, nil, "", err)
		return nil, err
	}
	r.archive(ctx, ev)

	if ev.Type != EventSessionCompleted && ev.Type != EventSessionAsyncPaymentSucceed {
		r.finish(ctx, ev, nil, resultIgnored, nil)
		return &Receipt{Received: true}, nil
	}
	if ev.Session == nil {
		err := apperr.New(apperr.MalformedEvent, "reconcile.HandleWebhook", "event has no checkout session")
		r.finish(ctx, ev, nil, "", err)
		return nil, err
	}
	// Delayed payment methods complete unpaid; the async success event
	// settles them.
	if !ev.Session.Paid() {
		r.finish(ctx, ev, ev.Session, resultUnpaid, nil)
		return &Receipt{Received: true}, nil
	}

	ctx, span := observability.StartSpan(ctx, "reconcile.HandleWebhook",
		attribute.String("event.id", ev.ID),
		attribute.String("event.type", ev.Type),
		attribute.String("session.id", ev.Session.ID),
	)
	result, err := r.apply(ctx, ev.Session)
	observability.EndSpan(span, err)

	r.finish(ctx, ev, ev.Session, result, err)
	if err != nil {
		return nil, err
	}
	return &Receipt{Received: true, Duplicate: result != resultApplied}, nil
}

// Apply applies a completed, paid session. It is the path shared by
// webhooks and Sweep.
func (r *Reconciler) Apply(ctx context.Context, s *checkout.Session) (*Receipt, error) {
	result, err := r.apply(ctx, s)
	if err != nil {
		return nil, err
	}
	return &Receipt{Received: true, Duplicate: result != resultApplied}, nil
}

func (r *Reconciler) apply(ctx context.Context, s *checkout.Session) (string, error) {
	const op = "reconcile.Apply"

	invoiceID := strings.TrimSpace(s.Metadata[checkout.MetaInvoiceID])
	if invoiceID == "" {
		return "", apperr.New(apperr.MalformedEvent, op, "missing invoice_id in session metadata")
	}
	kind, err := checkout.KindFromMetadata(s.Metadata)
	if err != nil {
		return "", &apperr.Error{Kind: apperr.MalformedEvent, Op: op, Message: "unknown payment_type in session metadata", Err: err}
	}

	done, err := r.ledger.IsProcessed(ctx, s.ID)
	if err != nil {
		// The transaction below is idempotent on its own
		observability.FromContext(ctx).WithError(err).WithField("session_id", s.ID).Warn("processed-session lookup failed")
	} else if done {
		r.duplicate("ledger")
		return resultDuplicate, nil
	}

	// Only the caller that ran the transition settles the ledger
	leader := false
	v, err, _ := r.flight.Do(s.ID, func() (interface{}, error) {
		leader = true
		result, err := r.transition(ctx, op, s, kind, invoiceID)
		if err != nil {
			return "", err
		}
		if result == resultNoop {
			r.duplicate("store")
		}
		if r.metrics != nil {
			r.metrics.TransitionsTotal.WithLabelValues(string(kind), result).Inc()
		}
		r.settle(ctx, s.ID, invoiceID)
		return result, nil
	})
	if err != nil {
		return "", err
	}
	if !leader {
		r.duplicate("singleflight")
		return resultDuplicate, nil
	}
	return v.(string), nil
}

// transition runs the idempotent state change in one store transaction
func (r *Reconciler) transition(ctx context.Context, op string, s *checkout.Session, kind checkout.FeeKind, invoiceID string) (string, error) {
	ctx, span := observability.StartSpan(ctx, "reconcile.transition",
		attribute.String("invoice.id", invoiceID),
		attribute.String("fee.kind", string(kind)),
	)

	var result string
	err := r.allocator.WithRetry(ctx, op, func(ctx context.Context) error {
		result = resultNoop
		return r.store.RunInTx(ctx, func(ctx context.Context, tx invoices.Tx) error {
			inv, err := tx.Get(ctx, invoiceID)
			if errors.Is(err, invoices.ErrNotFound) {
				return apperr.Newf(apperr.MalformedEvent, op, "unknown invoice %s", invoiceID)
			}
			if err != nil {
				return err
			}
			if err := verifySession(op, s, kind, inv); err != nil {
				return err
			}

			now := r.now().UTC()
			switch kind {
			case checkout.FeeRegistration:
				acct, err := tx.GetAccount(ctx, inv.OwnerID)
				if err != nil {
					return err
				}
				if acct.RegistrationPaid {
					return nil
				}
				result = resultApplied
				return tx.MarkRegistered(ctx, inv.OwnerID, now)

			case checkout.FeeService:
				if inv.Numbered() || inv.Status.Rank() >= invoices.StatusPending.Rank() {
					return nil
				}
				if _, err := r.allocator.Assign(ctx, tx, inv); err != nil {
					return err
				}
				inv.Status = invoices.StatusPending
				inv.ServiceFeePaid = true

			case checkout.FeeFullPayment:
				if inv.Status.Rank() >= invoices.StatusPaid.Rank() {
					return nil
				}
				inv.Status = invoices.StatusPaid
				inv.PaidAt = &now
			}

			inv.LastSessionID = s.ID
			inv.UpdatedAt = now
			result = resultApplied
			return tx.Put(ctx, inv)
		})
	})
	observability.EndSpan(span, err)
	if err != nil {
		return "", err
	}
	return result, nil
}

// verifySession checks the session against the stored invoice and the
// price recorded when the session was created
func verifySession(op string, s *checkout.Session, kind checkout.FeeKind, inv *invoices.Invoice) error {
	if owner := s.Metadata[checkout.MetaOwnerID]; owner != "" && owner != inv.OwnerID {
		return apperr.New(apperr.MalformedEvent, op, "session owner does not match invoice owner")
	}
	price, err := checkout.ChargedPrice(kind, inv, s.Metadata)
	if err != nil {
		return &apperr.Error{Kind: apperr.MalformedEvent, Op: op, Message: "invoice cannot be priced", Err: err}
	}
	if s.AmountTotal != price.AmountCents || !strings.EqualFold(s.Currency, price.Currency) {
		return apperr.Newf(apperr.MalformedEvent, op, "session amount %d %s does not match expected %d %s",
			s.AmountTotal, s.Currency, price.AmountCents, price.Currency)
	}
	return nil
}

// settle records the session as processed once its transaction committed
func (r *Reconciler) settle(ctx context.Context, sessionID, invoiceID string) {
	logger := observability.FromContext(ctx).WithField("session_id", sessionID)
	if _, err := r.ledger.MarkProcessed(ctx, sessionID, r.cfg.ProcessedTTL); err != nil {
		logger.WithError(err).Warn("failed to mark session processed")
	}
	if err := r.ledger.ClearOpen(ctx, invoiceID); err != nil {
		logger.WithError(err).Warn("failed to clear outstanding session")
	}
}

func (r *Reconciler) archive(ctx context.Context, ev *Event) {
	if _, ok := r.archiver.(archive.Nop); ok {
		return
	}
	r.runner.Go(ctx, r.cfg.ArchiveTimeout, "archive event", func(ctx context.Context) error {
		return r.archiver.Archive(ctx, ev.ID, ev.Created, ev.Payload)
	})
}

func (r *Reconciler) duplicate(source string) {
	if r.metrics != nil {
		r.metrics.WebhookDuplicates.WithLabelValues(source).Inc()
	}
}

// finish logs the delivery once and counts it
func (r *Reconciler) finish(ctx context.Context, ev *Event, s *checkout.Session, result string, err error) {
	classification := result
	if err != nil {
		classification = apperr.KindOf(err).String()
	}
	if r.metrics != nil {
		r.metrics.WebhookEventsTotal.WithLabelValues(ev.Type, classification).Inc()
	}

	fields := map[string]interface{}{
		"event_id":       ev.ID,
		"event_type":     ev.Type,
		"classification": classification,
	}
	if s != nil {
		fields["session_id"] = s.ID
		fields["invoice_id"] = s.Metadata[checkout.MetaInvoiceID]
		fields["fee_kind"] = s.Metadata[checkout.MetaPaymentType]
	}
	logger := r.logger.WithFields(fields)
	if id := observability.GetRequestID(ctx); id != "" {
		logger = logger.WithField("request_id", id)
	}

	switch {
	case err == nil:
		logger.Info("webhook handled")
	case apperr.IsKind(err, apperr.MalformedEvent), apperr.IsKind(err, apperr.SignatureInvalid):
		logger.WithError(err).Error("webhook rejected")
	default:
		logger.WithError(err).Error("webhook failed")
	}
}
