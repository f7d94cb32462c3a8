package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/platinummonkey/swiftinvoice/pkg/invoices"
	"github.com/platinummonkey/swiftinvoice/pkg/observability"
	"github.com/platinummonkey/swiftinvoice/pkg/storage/firestore"
	"github.com/platinummonkey/swiftinvoice/pkg/storage/memory"
	"github.com/platinummonkey/swiftinvoice/pkg/storage/postgres"
)

// Backend names
const (
	BackendMemory    = "memory"
	BackendFirestore = "firestore"
	BackendPostgres  = "postgres"
)

// Config for storage backend
type Config struct {
	Backend string `yaml:"backend"`

	// Firestore config
	FirestoreProject    string `yaml:"firestore_project"`
	FirestoreTxAttempts int    `yaml:"firestore_tx_attempts"`

	// PostgreSQL config
	PostgresURL         string        `yaml:"postgres_url"`
	PostgresReplicaURLs []string      `yaml:"postgres_replica_urls"`
	PostgresMaxConns    int           `yaml:"postgres_max_conns"`
	PostgresMinConns    int           `yaml:"postgres_min_conns"`
	PostgresTimeout     time.Duration `yaml:"postgres_timeout"`
	PostgresMigrate     bool          `yaml:"postgres_migrate"`
}

// DefaultConfig returns the development configuration
func DefaultConfig() Config {
	return Config{
		Backend:          BackendMemory,
		PostgresMaxConns: 20,
		PostgresMinConns: 2,
		PostgresTimeout:  10 * time.Second,
		PostgresMigrate:  true,
	}
}

// Open builds the configured backend wrapped with metrics and tracing
func Open(ctx context.Context, cfg Config, metrics *observability.Metrics, logger *observability.Logger) (*Instrumented, error) {
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}

	var (
		store invoices.Store
		err   error
	)
	switch cfg.Backend {
	case "", BackendMemory:
		store = memory.New()
	case BackendFirestore:
		store, err = firestore.New(ctx, firestore.Config{
			ProjectID:  cfg.FirestoreProject,
			TxAttempts: cfg.FirestoreTxAttempts,
		})
	case BackendPostgres:
		store, err = openPostgres(ctx, cfg, logger)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open %s storage: %w", cfg.Backend, err)
	}

	backend := cfg.Backend
	if backend == "" {
		backend = BackendMemory
	}
	logger.WithField("backend", backend).Info("storage opened")
	return Instrument(store, backend, metrics), nil
}

func openPostgres(ctx context.Context, cfg Config, logger *observability.Logger) (invoices.Store, error) {
	pool, err := postgres.Open(ctx, postgres.PoolConfig{
		PrimaryURL:  cfg.PostgresURL,
		ReplicaURLs: cfg.PostgresReplicaURLs,
		MaxConns:    cfg.PostgresMaxConns,
		MinConns:    cfg.PostgresMinConns,
		Timeout:     cfg.PostgresTimeout,
	}, logger)
	if err != nil {
		return nil, err
	}
	if len(cfg.PostgresReplicaURLs) > 0 {
		pool.WatchReplicas(ctx, 0)
	}

	store := postgres.NewStore(pool)
	if cfg.PostgresMigrate {
		if err := store.Migrate(ctx); err != nil {
			store.Close()
			return nil, err
		}
	}
	return store, nil
}

// Instrumented records a duration, outcome and span for every store call
type Instrumented struct {
	next    invoices.Store
	backend string
	metrics *observability.Metrics
}

// Instrument wraps store. metrics may be nil.
func Instrument(store invoices.Store, backend string, metrics *observability.Metrics) *Instrumented {
	return &Instrumented{next: store, backend: backend, metrics: metrics}
}

// Unwrap returns the underlying backend
func (s *Instrumented) Unwrap() invoices.Store {
	return s.next
}

func (s *Instrumented) observe(ctx context.Context, op string) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := observability.StartSpan(ctx, "storage."+op, attribute.String("storage.backend", s.backend))
	return ctx, func(err error) {
		s.metrics.ObserveStorage(op, s.backend, start, err)
		observability.EndSpan(span, err)
	}
}

// Create implements invoices.Store
func (s *Instrumented) Create(ctx context.Context, inv *invoices.Invoice) (_ *invoices.Invoice, err error) {
	ctx, done := s.observe(ctx, "create")
	defer func() { done(err) }()
	return s.next.Create(ctx, inv)
}

// Get implements invoices.Store
func (s *Instrumented) Get(ctx context.Context, id string) (_ *invoices.Invoice, err error) {
	ctx, done := s.observe(ctx, "get")
	defer func() { done(notFoundIsOK(err)) }()
	return s.next.Get(ctx, id)
}

// ListByOwner implements invoices.Store
func (s *Instrumented) ListByOwner(ctx context.Context, ownerID string, limit int) (_ []*invoices.Invoice, err error) {
	ctx, done := s.observe(ctx, "list_by_owner")
	defer func() { done(err) }()
	return s.next.ListByOwner(ctx, ownerID, limit)
}

// Delete implements invoices.Store
func (s *Instrumented) Delete(ctx context.Context, id string) (err error) {
	ctx, done := s.observe(ctx, "delete")
	defer func() { done(notFoundIsOK(err)) }()
	return s.next.Delete(ctx, id)
}

// GetAccount implements invoices.Store
func (s *Instrumented) GetAccount(ctx context.Context, ownerID string) (_ *invoices.Account, err error) {
	ctx, done := s.observe(ctx, "get_account")
	defer func() { done(err) }()
	return s.next.GetAccount(ctx, ownerID)
}

// RunInTx implements invoices.Store
func (s *Instrumented) RunInTx(ctx context.Context, fn func(ctx context.Context, tx invoices.Tx) error) (err error) {
	ctx, done := s.observe(ctx, "transaction")
	defer func() { done(err) }()
	return s.next.RunInTx(ctx, fn)
}

// Ping implements invoices.Store
func (s *Instrumented) Ping(ctx context.Context) (err error) {
	ctx, done := s.observe(ctx, "ping")
	defer func() { done(err) }()
	return s.next.Ping(ctx)
}

// Close implements invoices.Store
func (s *Instrumented) Close() error {
	return s.next.Close()
}

// a miss is an answer, not a storage failure
func notFoundIsOK(err error) error {
	if errors.Is(err, invoices.ErrNotFound) {
		return nil
	}
	return err
}
