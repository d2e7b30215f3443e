package service

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/settlement_layer/internal/metrics"
)

func newTestBase(checks map[string]HealthCheck) *BaseService {
	b := NewBase(BaseConfig{ID: "svc", Name: "settlement-test", Version: "0.0.1", Metrics: metrics.New(), Checks: checks})
	b.RegisterStandardRoutes()
	return b
}

func TestHealthHandler(t *testing.T) {
	tests := []struct {
		name       string
		check      HealthCheck
		wantStatus int
		wantBody   string
	}{
		{"healthy", func(context.Context) error { return nil }, http.StatusOK, "healthy"},
		{"unhealthy", func(context.Context) error { return errors.New("connection refused") }, http.StatusServiceUnavailable, "unhealthy"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newTestBase(map[string]HealthCheck{"store": tt.check})

			w := httptest.NewRecorder()
			b.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

			require.Equal(t, tt.wantStatus, w.Code)
			var resp HealthResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, tt.wantBody, resp.Status)
			assert.Equal(t, "settlement-test", resp.Service)
		})
	}
}

func TestInfoHandlerIncludesCounters(t *testing.T) {
	b := newTestBase(nil)
	counters := NewCounters("processed", "failed")
	counters.Incr("processed")
	counters.Add("processed", 2)
	b.WithStats(counters.Snapshot)

	w := httptest.NewRecorder()
	b.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/info", nil))

	require.Equal(t, http.StatusOK, w.Code)
	var resp InfoResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.EqualValues(t, 3, resp.Statistics["processed"])
	assert.EqualValues(t, 0, resp.Statistics["failed"])
	assert.Contains(t, resp.Statistics, "uptime")
}

func TestMetricsEndpoint(t *testing.T) {
	b := newTestBase(nil)

	w := httptest.NewRecorder()
	b.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestStartStopWorkers(t *testing.T) {
	b := NewBase(BaseConfig{Name: "workers"})

	var hydrated, ticks atomic.Int32
	b.WithHydrate(func(context.Context) error {
		hydrated.Add(1)
		return nil
	})
	b.AddTickerWorker(5*time.Millisecond, func(context.Context) error {
		ticks.Add(1)
		return nil
	})
	b.AddWorker(func(ctx context.Context) {
		select {
		case <-ctx.Done():
		case <-b.StopChan():
		}
	})

	require.NoError(t, b.Start(context.Background()))
	assert.Equal(t, 2, b.WorkerCount())
	assert.Eventually(t, func() bool { return ticks.Load() > 0 }, time.Second, 5*time.Millisecond)

	require.NoError(t, b.Stop())
	require.NoError(t, b.Stop())
	assert.EqualValues(t, 1, hydrated.Load())
}

func TestStartFailsWhenHydrateFails(t *testing.T) {
	b := NewBase(BaseConfig{Name: "hydrate"})
	b.WithHydrate(func(context.Context) error { return errors.New("store unavailable") })

	err := b.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hydrate")
}

func TestCountersConcurrent(t *testing.T) {
	c := NewCounters()
	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func() {
			for j := 0; j < 100; j++ {
				c.Incr("processed")
			}
			done <- struct{}{}
		}()
	}
	for i := 0; i < 8; i++ {
		<-done
	}
	assert.EqualValues(t, 800, c.Get("processed"))
}

func TestHealthIncludesCounters(t *testing.T) {
	b := newTestBase(nil)
	counters := NewCounters("insufficient_balance")
	counters.Incr("insufficient_balance")
	b.WithStats(counters.Snapshot)

	w := httptest.NewRecorder()
	b.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, w.Code)
	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	got, ok := resp.Details["counters"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 1, got["insufficient_balance"])
}
