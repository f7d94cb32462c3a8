package storage

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/swiftinvoice/pkg/invoices"
	"github.com/platinummonkey/swiftinvoice/pkg/observability"
	"github.com/platinummonkey/swiftinvoice/pkg/storage/memory"
)

func quietLogger() *observability.Logger {
	return observability.NewLogger(observability.ErrorLevel, io.Discard)
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, BackendMemory, cfg.Backend)
	assert.Equal(t, 20, cfg.PostgresMaxConns)
	assert.Equal(t, 10*time.Second, cfg.PostgresTimeout)
	assert.True(t, cfg.PostgresMigrate)
}

func TestOpen_Memory(t *testing.T) {
	store, err := Open(context.Background(), Config{}, nil, quietLogger())
	require.NoError(t, err)
	assert.IsType(t, &memory.Store{}, store.Unwrap())
	assert.NoError(t, store.Ping(context.Background()))
}

func TestOpen_UnknownBackend(t *testing.T) {
	_, err := Open(context.Background(), Config{Backend: "sqlite"}, nil, quietLogger())
	assert.ErrorContains(t, err, "unknown storage backend")
}

func TestOpen_FirestoreNeedsProject(t *testing.T) {
	_, err := Open(context.Background(), Config{Backend: BackendFirestore}, nil, quietLogger())
	assert.ErrorContains(t, err, "project id is required")
}

func TestInstrumented_RecordsOperations(t *testing.T) {
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	store := Instrument(memory.New(), BackendMemory, metrics)
	ctx := context.Background()

	created, err := store.Create(ctx, &invoices.Invoice{OwnerID: "u1", Status: invoices.StatusDraft})
	require.NoError(t, err)

	_, err = store.Get(ctx, created.ID)
	require.NoError(t, err)
	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, invoices.ErrNotFound)

	err = store.RunInTx(ctx, func(ctx context.Context, tx invoices.Tx) error {
		_, err := tx.NextCounter(ctx, "u1")
		return err
	})
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.StorageOperationsTotal.WithLabelValues("create", BackendMemory, "ok")))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.StorageOperationsTotal.WithLabelValues("get", BackendMemory, "ok")),
		"a miss is not counted as a failure")
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.StorageOperationsTotal.WithLabelValues("transaction", BackendMemory, "ok")))
}

func TestInstrumented_NilMetrics(t *testing.T) {
	store := Instrument(memory.New(), BackendMemory, nil)
	_, err := store.ListByOwner(context.Background(), "u1", 10)
	assert.NoError(t, err)
}
