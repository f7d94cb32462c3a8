package reconcile

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/swiftinvoice/pkg/async"
	"github.com/platinummonkey/swiftinvoice/pkg/checkout"
	"github.com/platinummonkey/swiftinvoice/pkg/invoices"
	"github.com/platinummonkey/swiftinvoice/pkg/numbering"
	"github.com/platinummonkey/swiftinvoice/pkg/observability"
	"github.com/platinummonkey/swiftinvoice/pkg/sessions"
	"github.com/platinummonkey/swiftinvoice/pkg/storage/memory"
)

const testSecret = "whsec_test_secret"

func sign(secret string, payload []byte, ts time.Time) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s", ts.Unix(), payload)
	return fmt.Sprintf("t=%d,v1=%s", ts.Unix(), hex.EncodeToString(mac.Sum(nil)))
}

type sessionSpec struct {
	ID            string
	PaymentStatus string
	AmountTotal   int64
	Currency      string
	Metadata      map[string]string
}

func serviceFeeSession(sessionID, invoiceID, owner string) sessionSpec {
	return sessionSpec{
		ID:            sessionID,
		PaymentStatus: "paid",
		AmountTotal:   checkout.ServiceFeeCents,
		Currency:      "usd",
		Metadata: map[string]string{
			checkout.MetaInvoiceID:   invoiceID,
			checkout.MetaPaymentType: "service_fee",
			checkout.MetaOwnerID:     owner,
		},
	}
}

func eventPayload(t *testing.T, eventID, eventType string, s sessionSpec) []byte {
	t.Helper()
	body := map[string]interface{}{
		"id":          eventID,
		"object":      "event",
		"api_version": "2022-11-15",
		"created":     time.Now().Unix(),
		"type":        eventType,
		"data": map[string]interface{}{
			"object": map[string]interface{}{
				"id":             s.ID,
				"object":         "checkout.session",
				"status":         "complete",
				"payment_status": s.PaymentStatus,
				"amount_total":   s.AmountTotal,
				"currency":       s.Currency,
				"metadata":       s.Metadata,
			},
		},
	}
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	return payload
}

type recordingArchiver struct {
	mu       sync.Mutex
	eventIDs []string
}

func (a *recordingArchiver) Archive(ctx context.Context, eventID string, created time.Time, payload []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.eventIDs = append(a.eventIDs, eventID)
	return nil
}

type stubGateway struct {
	sessions []*checkout.Session
	err      error
}

func (g *stubGateway) CreateSession(ctx context.Context, req checkout.SessionRequest) (*checkout.Session, error) {
	return nil, fmt.Errorf("not used")
}

func (g *stubGateway) ListCompleted(ctx context.Context, since time.Time) ([]*checkout.Session, error) {
	return g.sessions, g.err
}

type harness struct {
	store      *memory.Store
	ledger     *sessions.MemoryLedger
	metrics    *observability.Metrics
	gateway    *stubGateway
	archiver   *recordingArchiver
	runner     *async.Runner
	reconciler *Reconciler
}

// newHarness wires a Reconciler over a memory store. wrap, when set,
// decorates the store the Reconciler sees.
func newHarness(t *testing.T, wrap func(*memory.Store) invoices.Store) *harness {
	t.Helper()
	mem := memory.New()
	var store invoices.Store = mem
	if wrap != nil {
		store = wrap(mem)
	}
	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)
	h := &harness{
		store:    mem,
		ledger:   sessions.NewMemoryLedger(sessions.Config{}),
		metrics:  observability.NewMetrics(prometheus.NewRegistry()),
		gateway:  &stubGateway{},
		archiver: &recordingArchiver{},
		runner:   async.NewRunner(logger),
	}
	h.reconciler = New(Deps{
		Store:     store,
		Allocator: numbering.NewAllocator(store, numbering.Config{Prefix: "INV-", Width: 6}, numbering.WithLogger(logger)),
		Verifier:  NewStripeVerifier(testSecret, 0),
		Gateway:   h.gateway,
		Ledger:    h.ledger,
		Archiver:  h.archiver,
		Runner:    h.runner,
		Metrics:   h.metrics,
		Logger:    logger,
	}, Config{})
	return h
}

func (h *harness) seed(t *testing.T, inv *invoices.Invoice) {
	t.Helper()
	if inv.Status == "" {
		inv.Status = invoices.StatusDraft
	}
	_, err := h.store.Create(context.Background(), inv)
	require.NoError(t, err)
}

func (h *harness) deliver(t *testing.T, payload []byte) (*Receipt, error) {
	t.Helper()
	return h.reconciler.HandleWebhook(context.Background(), payload, sign(testSecret, payload, time.Now()))
}

func (h *harness) invoice(t *testing.T, id string) *invoices.Invoice {
	t.Helper()
	inv, err := h.store.Get(context.Background(), id)
	require.NoError(t, err)
	return inv
}

func newEmptyLedger() *sessions.MemoryLedger {
	return sessions.NewMemoryLedger(sessions.Config{})
}
