package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/R3E-Network/settlement_layer/internal/logging"
	"github.com/R3E-Network/settlement_layer/internal/metrics"
)

func TestRateLimiter_BlocksAfterBurst(t *testing.T) {
	rl := NewRateLimiter(1, 2, logging.NewDiscard("test"))
	handler := rl.Handler(okHandler())

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest("POST", "/v1/allocations", nil)
		req.RemoteAddr = "10.0.0.1:5555"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}

	if codes[0] != http.StatusOK || codes[1] != http.StatusOK {
		t.Fatalf("first two requests = %v, want 200", codes[:2])
	}
	if codes[2] != http.StatusTooManyRequests {
		t.Errorf("third request = %d, want 429", codes[2])
	}

	// A different client is not affected.
	req := httptest.NewRequest("POST", "/v1/allocations", nil)
	req.RemoteAddr = "10.0.0.2:5555"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("other client = %d, want 200", rec.Code)
	}
}

func TestRateLimiter_CleanupDropsIdle(t *testing.T) {
	rl := NewRateLimiter(10, 10, logging.NewDiscard("test"))
	rl.getLimiter("a")
	rl.limiters["a"].lastSeen = time.Now().Add(-time.Hour)
	rl.getLimiter("b")

	rl.Cleanup()

	if _, ok := rl.limiters["a"]; ok {
		t.Error("idle limiter was not removed")
	}
	if _, ok := rl.limiters["b"]; !ok {
		t.Error("active limiter was removed")
	}
}

func TestMetricsMiddleware_LabelsByRouteTemplate(t *testing.T) {
	m := metrics.New()
	router := mux.NewRouter()
	router.Use(MetricsMiddleware("api", m))
	router.HandleFunc("/v1/settlements/{code}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	for _, code := range []string{"ABC123", "XYZ789"} {
		router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/v1/settlements/"+code, nil))
	}

	expected := `
# HELP settlement_layer_http_requests_total Total number of HTTP requests handled.
# TYPE settlement_layer_http_requests_total counter
settlement_layer_http_requests_total{method="GET",path="/v1/settlements/{code}",service="api",status="204"} 2
`
	if err := testutil.GatherAndCompare(m.Registry, strings.NewReader(expected), "settlement_layer_http_requests_total"); err != nil {
		t.Error(err)
	}
}

func TestMetricsMiddleware_UnroutedRequestsShareOneLabel(t *testing.T) {
	m := metrics.New()
	handler := MetricsMiddleware("api", m)(okHandler())

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/v1/users/NAddr1/goals", nil))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/v1/users/NAddr2/goals", nil))

	expected := `
# HELP settlement_layer_http_requests_total Total number of HTTP requests handled.
# TYPE settlement_layer_http_requests_total counter
settlement_layer_http_requests_total{method="GET",path="unmatched",service="api",status="200"} 2
`
	if err := testutil.GatherAndCompare(m.Registry, strings.NewReader(expected), "settlement_layer_http_requests_total"); err != nil {
		t.Error(err)
	}
}

func TestMetricsMiddleware_NilMetricsPassesThrough(t *testing.T) {
	rec := httptest.NewRecorder()
	MetricsMiddleware("api", nil)(okHandler()).ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestLoggingMiddleware_TraceID(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		want    string
	}{
		{"trace header", map[string]string{"X-Trace-ID": "abc"}, "abc"},
		{"gateway request id", map[string]string{"X-Request-ID": "mpesa-42"}, "mpesa-42"},
		{"trace header wins", map[string]string{"X-Trace-ID": "abc", "X-Request-ID": "mpesa-42"}, "abc"},
		{"unsafe value replaced", map[string]string{"X-Trace-ID": "abc\ninjected"}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := mux.NewRouter()
			router.Use(LoggingMiddleware(logging.NewDiscard("test")))
			var traceID string
			router.HandleFunc("/x", func(w http.ResponseWriter, r *http.Request) {
				traceID = logging.GetTraceID(r.Context())
			})

			rec := httptest.NewRecorder()
			req := httptest.NewRequest("GET", "/x", nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			router.ServeHTTP(rec, req)

			if got := rec.Header().Get("X-Trace-ID"); got != traceID {
				t.Errorf("header = %q, context = %q", got, traceID)
			}
			if tt.want != "" && traceID != tt.want {
				t.Errorf("trace id = %q, want %q", traceID, tt.want)
			}
			if tt.want == "" && (traceID == "" || strings.Contains(traceID, "injected")) {
				t.Errorf("trace id = %q, want a generated id", traceID)
			}
		})
	}
}
