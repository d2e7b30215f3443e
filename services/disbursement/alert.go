package disbursement

import (
	"context"
	"time"

	"github.com/R3E-Network/settlement_layer/internal/cache"
	"github.com/R3E-Network/settlement_layer/internal/database"
	"github.com/R3E-Network/settlement_layer/internal/logging"
	"github.com/R3E-Network/settlement_layer/internal/metrics"
)

// Alert conditions.
const (
	ConditionInsufficientToken = "insufficient_token_balance"
	ConditionInsufficientGas   = "insufficient_gas_balance"
)

// SeverityCritical marks alerts that need an operator.
const SeverityCritical = "critical"

// Alerter raises operator alerts at most once per interval per condition.
// The throttle lives in the shared cache so replicas agree on it.
type Alerter struct {
	cache    cache.Cache
	store    database.AlertStore
	metrics  *metrics.Metrics
	logger   *logging.Logger
	interval time.Duration
	now      func() time.Time
}

// NewAlerter builds an alerter. store and m may be nil.
func NewAlerter(c cache.Cache, store database.AlertStore, m *metrics.Metrics, logger *logging.Logger, interval time.Duration) *Alerter {
	if c == nil {
		c = cache.NewMemory()
	}
	if logger == nil {
		logger = logging.NewDiscard("disbursement")
	}
	if interval <= 0 {
		interval = time.Hour
	}
	return &Alerter{cache: c, store: store, metrics: m, logger: logger, interval: interval, now: time.Now}
}

// Raise emits the alert unless one for the same condition was emitted within
// the interval. It reports whether the alert was emitted.
func (a *Alerter) Raise(ctx context.Context, condition, message string, fields map[string]interface{}) bool {
	ok, err := a.cache.SetNX(ctx, "alert:"+condition, a.now().UTC().Format(time.RFC3339), a.interval)
	if err != nil {
		a.logger.WithContext(ctx).WithError(err).Warn("alert throttle unavailable, emitting alert")
		ok = true
	}
	if !ok {
		return false
	}

	a.logger.WithContext(ctx).WithFields(fields).WithField("condition", condition).Error(message)
	if a.metrics != nil {
		a.metrics.RecordAlert(condition)
	}
	if a.store != nil {
		if err := a.store.RecordAlert(ctx, &database.Alert{
			Condition: condition,
			Severity:  SeverityCritical,
			Message:   message,
			CreatedAt: a.now().UTC(),
		}); err != nil {
			a.logger.WithContext(ctx).WithError(err).Warn("failed to persist alert")
		}
	}
	return true
}
