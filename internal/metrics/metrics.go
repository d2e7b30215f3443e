// Package metrics holds the Prometheus collectors of the settlement layer.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "settlement_layer"

// Metrics owns a registry and the collectors registered on it.
type Metrics struct {
	Registry *prometheus.Registry

	httpInFlight prometheus.Gauge
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	allocations        *prometheus.CounterVec
	allocationDuration prometheus.Histogram
	goalResolutions    *prometheus.CounterVec

	disbursements       *prometheus.CounterVec
	insufficientBalance prometheus.Counter
	disbursementRetries prometheus.Counter

	xpAwarded *prometheus.CounterVec
	alerts    *prometheus.CounterVec
}

// New creates a Metrics instance with its own registry.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		httpInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		}, []string{"service", "method", "path", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}, []string{"service", "method", "path"}),
		allocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "allocation",
			Name:      "outcomes_total",
			Help:      "Allocation attempts by outcome.",
		}, []string{"outcome"}),
		allocationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "allocation",
			Name:      "duration_seconds",
			Help:      "End to end allocation duration.",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
		}),
		goalResolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "goals",
			Name:      "resolutions_total",
			Help:      "Goal resolutions by matching strategy.",
		}, []string{"strategy"}),
		disbursements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "disbursement",
			Name:      "jobs_total",
			Help:      "Disbursement job results.",
		}, []string{"result"}),
		insufficientBalance: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "disbursement",
			Name:      "insufficient_balance_total",
			Help:      "Jobs that found the hot wallet short of funds.",
		}),
		disbursementRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "disbursement",
			Name:      "retries_total",
			Help:      "Jobs rescheduled with backoff.",
		}),
		xpAwarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "xp",
			Name:      "awarded_total",
			Help:      "XP credited by reason.",
		}, []string{"reason"}),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alerts",
			Name:      "raised_total",
			Help:      "Operator alerts raised by condition.",
		}, []string{"condition"}),
	}

	m.Registry.MustRegister(
		m.httpInFlight,
		m.httpRequests,
		m.httpDuration,
		m.allocations,
		m.allocationDuration,
		m.goalResolutions,
		m.disbursements,
		m.insufficientBalance,
		m.disbursementRetries,
		m.xpAwarded,
		m.alerts,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
	return m
}

// Handler exposes the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

func (m *Metrics) IncrementInFlight() { m.httpInFlight.Inc() }

func (m *Metrics) DecrementInFlight() { m.httpInFlight.Dec() }

func (m *Metrics) RecordHTTPRequest(service, method, path, status string, duration time.Duration) {
	m.httpRequests.WithLabelValues(service, method, path, status).Inc()
	m.httpDuration.WithLabelValues(service, method, path).Observe(duration.Seconds())
}

func (m *Metrics) RecordAllocation(outcome string, duration time.Duration) {
	m.allocations.WithLabelValues(outcome).Inc()
	m.allocationDuration.Observe(duration.Seconds())
}

func (m *Metrics) RecordGoalResolution(strategy string) {
	m.goalResolutions.WithLabelValues(strategy).Inc()
}

func (m *Metrics) RecordDisbursement(result string) {
	m.disbursements.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordInsufficientBalance() { m.insufficientBalance.Inc() }

func (m *Metrics) RecordDisbursementRetry() { m.disbursementRetries.Inc() }

func (m *Metrics) RecordXPAward(reason string, amount int64) {
	m.xpAwarded.WithLabelValues(reason).Add(float64(amount))
}

func (m *Metrics) RecordAlert(condition string) {
	m.alerts.WithLabelValues(condition).Inc()
}
