package numbering

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/platinummonkey/swiftinvoice/pkg/apperr"
	"github.com/platinummonkey/swiftinvoice/pkg/invoices"
	"github.com/platinummonkey/swiftinvoice/pkg/observability"
)

// Config controls formatting and retries
type Config struct {
	Prefix string
	Width  int
	Retry  RetryConfig
}

// Formatter renders raw sequence numbers
type Formatter struct {
	Prefix string
	Width  int
}

// Format zero-pads n to Width. Wider numbers are never truncated.
func (f Formatter) Format(n int64) string {
	width := f.Width
	if width < 1 {
		width = 1
	}
	return fmt.Sprintf("%s%0*d", f.Prefix, width, n)
}

// Allocator issues per-owner sequence numbers
type Allocator struct {
	store     invoices.Store
	formatter Formatter
	retry     *RetryPolicy
	metrics   *observability.Metrics
	logger    *observability.Logger
}

// Option configures an Allocator
type Option func(*Allocator)

// WithMetrics records allocations and retries
func WithMetrics(m *observability.Metrics) Option {
	return func(a *Allocator) { a.metrics = m }
}

// WithLogger sets the logger used for retry warnings
func WithLogger(l *observability.Logger) Option {
	return func(a *Allocator) { a.logger = l }
}

// NewAllocator creates an allocator over store
func NewAllocator(store invoices.Store, cfg Config, opts ...Option) *Allocator {
	a := &Allocator{
		store:     store,
		formatter: Formatter{Prefix: cfg.Prefix, Width: cfg.Width},
		retry:     NewRetryPolicy(cfg.Retry),
		logger:    observability.NewLogger(observability.InfoLevel, nil),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Format renders n with the configured prefix and width
func (a *Allocator) Format(n int64) string {
	return a.formatter.Format(n)
}

// AllocateNext returns the owner's next sequence number
func (a *Allocator) AllocateNext(ctx context.Context, ownerID string) (int64, error) {
	const op = "numbering.AllocateNext"
	if ownerID == "" {
		return 0, apperr.New(apperr.InvalidArgument, op, "owner id is required")
	}

	var n int64
	err := a.WithRetry(ctx, op, func(ctx context.Context) error {
		return a.store.RunInTx(ctx, func(ctx context.Context, tx invoices.Tx) error {
			var err error
			n, err = tx.NextCounter(ctx, ownerID)
			return err
		})
	})
	if err != nil {
		a.count("failed")
		return 0, err
	}
	a.count("allocated")
	return n, nil
}

// Assign gives inv the owner's next number inside tx. An invoice that
// already has a number is left alone and Assign reports false.
func (a *Allocator) Assign(ctx context.Context, tx invoices.Tx, inv *invoices.Invoice) (bool, error) {
	if inv.Numbered() {
		a.count("skipped")
		return false, nil
	}

	ctx, span := observability.StartSpan(ctx, "numbering.Assign",
		attribute.String("invoice.id", inv.ID),
		attribute.String("owner.id", inv.OwnerID),
	)
	n, err := tx.NextCounter(ctx, inv.OwnerID)
	observability.EndSpan(span, err)
	if err != nil {
		return false, err
	}

	inv.SequenceNumber = n
	inv.InvoiceNumber = a.formatter.Format(n)
	a.count("allocated")
	return true, nil
}

// WithRetry runs fn until it succeeds, fails with something other than
// contention, or the attempt budget runs out. Exhaustion and unclassified
// failures become PersistenceFailure.
func (a *Allocator) WithRetry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 1; attempt <= a.retry.MaxAttempts(); attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if !errors.Is(err, invoices.ErrContention) {
			return invoices.ClassifyError(op, err)
		}
		if attempt == a.retry.MaxAttempts() {
			break
		}

		if a.metrics != nil {
			a.metrics.AllocationRetriesTotal.Inc()
		}
		delay := a.retry.NextRetryDelay(attempt)
		a.logger.WithField("attempt", attempt).WithField("delay_ms", delay.Milliseconds()).Warn("transaction contention, retrying")
		if sleepErr := sleep(ctx, delay); sleepErr != nil {
			return apperr.Wrap(apperr.PersistenceFailure, op, sleepErr)
		}
	}
	return &apperr.Error{
		Kind:    apperr.PersistenceFailure,
		Op:      op,
		Message: fmt.Sprintf("gave up after %d attempts", a.retry.MaxAttempts()),
		Err:     err,
	}
}

func (a *Allocator) count(outcome string) {
	if a.metrics != nil {
		a.metrics.AllocationsTotal.WithLabelValues(outcome).Inc()
	}
}
