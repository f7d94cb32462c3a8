package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthChecker_Liveness(t *testing.T) {
	rec := httptest.NewRecorder()
	NewHealthChecker("test").Liveness(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
}

func TestHealthChecker_Check(t *testing.T) {
	tests := []struct {
		name     string
		critical error
		optional error
		want     string
	}{
		{"all healthy", nil, nil, StatusHealthy},
		{"optional down", nil, errors.New("redis down"), StatusDegraded},
		{"critical down", errors.New("firestore down"), nil, StatusUnhealthy},
		{"both down", errors.New("firestore down"), errors.New("redis down"), StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthChecker("1.2.3")
			h.AddCheck("store", true, func(ctx context.Context) error { return tt.critical })
			h.AddCheck("ledger", false, func(ctx context.Context) error { return tt.optional })

			status := h.Check(context.Background())
			assert.Equal(t, tt.want, status.Status)
			assert.Equal(t, "1.2.3", status.Version)
			assert.Len(t, status.Dependencies, 2)
		})
	}
}

func TestHealthChecker_Readiness(t *testing.T) {
	h := NewHealthChecker("test")
	h.AddCheck("store", true, func(ctx context.Context) error { return errors.New("unreachable") })

	rec := httptest.NewRecorder()
	h.Readiness(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var status HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, StatusUnhealthy, status.Status)
	assert.Equal(t, "unreachable", status.Dependencies["store"].Message)
}

func TestHealthChecker_Database(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectPing()

	h := NewHealthChecker("test")
	h.AddDatabase(db)

	assert.Equal(t, StatusHealthy, h.Check(context.Background()).Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHealthChecker_Redis(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	h := NewHealthChecker("test")
	h.AddRedis(client)
	assert.Equal(t, StatusHealthy, h.Check(context.Background()).Status)

	mr.Close()
	assert.Equal(t, StatusDegraded, h.Check(context.Background()).Status)
}
