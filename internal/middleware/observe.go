// Package middleware holds the HTTP middleware shared by the settlement services.
package middleware

import (
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/R3E-Network/settlement_layer/internal/logging"
	"github.com/R3E-Network/settlement_layer/internal/metrics"
)

const (
	traceHeader = "X-Trace-ID"
	// requestIDHeader is accepted from payment gateways that set their own id.
	requestIDHeader = "X-Request-ID"

	unmatchedRoute = "unmatched"
)

var traceIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,64}$`)

// routeLabel names a request by its mux template so settlement codes and
// addresses in the URL never become label values.
func routeLabel(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return unmatchedRoute
}

// MetricsMiddleware counts requests per service, method, route and status.
// A nil m disables it.
func MetricsMiddleware(serviceName string, m *metrics.Metrics) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		if m == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			m.IncrementInFlight()
			defer m.DecrementInFlight()

			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)

			m.RecordHTTPRequest(serviceName, r.Method, routeLabel(r), strconv.Itoa(sw.status), time.Since(start))
		})
	}
}

// LoggingMiddleware attaches a trace id to the request context and logs the
// outcome. A caller supplied id is kept only when it is a plain token.
func LoggingMiddleware(logger *logging.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			traceID := incomingTraceID(r)
			ctx := logging.WithTraceID(r.Context(), traceID)
			r = r.WithContext(ctx)
			w.Header().Set(traceHeader, traceID)

			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)

			logger.LogRequest(ctx, r.Method, routeLabel(r), sw.status, time.Since(start))
		})
	}
}

func incomingTraceID(r *http.Request) string {
	for _, h := range []string{traceHeader, requestIDHeader} {
		if id := r.Header.Get(h); traceIDPattern.MatchString(id) {
			return id
		}
	}
	return logging.NewTraceID()
}

// statusWriter remembers the first status written.
type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if w.wroteHeader {
		return
	}
	w.status = code
	w.wroteHeader = true
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}
