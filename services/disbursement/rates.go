package disbursement

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/PaesslerAG/jsonpath"
	"github.com/shopspring/decimal"

	"github.com/R3E-Network/settlement_layer/internal/cache"
	"github.com/R3E-Network/settlement_layer/internal/errors"
	"github.com/R3E-Network/settlement_layer/internal/httputil"
	"github.com/R3E-Network/settlement_layer/internal/logging"
)

// Rate sources reported on a Quote.
const (
	SourceProvider = "provider"
	SourceCache    = "cache"
	SourceFallback = "fallback"
)

// Quote is the number of fiat units per settlement token.
type Quote struct {
	Rate   decimal.Decimal
	Source string
}

// RateSource returns the current exchange rate.
type RateSource interface {
	Rate(ctx context.Context) (Quote, error)
}

// RateConfig configures HTTPRates.
type RateConfig struct {
	URL    string
	APIKey string
	// Path is a JSONPath into the provider document, e.g. "$.rates.KES".
	Path     string
	TTL      time.Duration
	Fallback decimal.Decimal
	// Pair names the cache entry, e.g. "USDT/KES".
	Pair string
}

// HTTPRates fetches rates from an HTTP provider, caches them and falls back to
// a fixed rate when the provider is unavailable.
type HTTPRates struct {
	cfg    RateConfig
	client *httputil.Client
	cache  cache.Cache
	logger *logging.Logger
}

// NewHTTPRates builds a rate source. A nil cache disables caching.
func NewHTTPRates(cfg RateConfig, c cache.Cache, logger *logging.Logger) *HTTPRates {
	if logger == nil {
		logger = logging.NewDiscard("disbursement")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Minute
	}
	var client *httputil.Client
	if cfg.URL != "" {
		client = httputil.NewClient(httputil.ClientConfig{APIKey: cfg.APIKey, Timeout: 10 * time.Second, MaxRetries: 1})
	}
	return &HTTPRates{cfg: cfg, client: client, cache: c, logger: logger}
}

func (r *HTTPRates) cacheKey() string {
	return "rate:" + r.cfg.Pair
}

// Rate returns a cached or fresh provider rate, or the fallback. It fails
// only when the provider is unavailable and no fallback is configured.
func (r *HTTPRates) Rate(ctx context.Context) (Quote, error) {
	if r.cache != nil {
		if v, ok, err := r.cache.Get(ctx, r.cacheKey()); err == nil && ok {
			if rate, err := decimal.NewFromString(v); err == nil && rate.IsPositive() {
				return Quote{Rate: rate, Source: SourceCache}, nil
			}
		}
	}

	rate, err := r.fetch(ctx)
	if err == nil {
		if r.cache != nil {
			if err := r.cache.Set(ctx, r.cacheKey(), rate.String(), r.cfg.TTL); err != nil {
				r.logger.WithContext(ctx).WithError(err).Debug("rate cache write failed")
			}
		}
		return Quote{Rate: rate, Source: SourceProvider}, nil
	}

	if r.cfg.Fallback.IsPositive() {
		r.logger.WithContext(ctx).WithError(err).WithField("fallback", r.cfg.Fallback.String()).Warn("rate provider unavailable, using fallback rate")
		return Quote{Rate: r.cfg.Fallback, Source: SourceFallback}, nil
	}
	return Quote{}, err
}

func (r *HTTPRates) fetch(ctx context.Context) (decimal.Decimal, error) {
	if r.client == nil {
		return decimal.Zero, fmt.Errorf("rate provider not configured")
	}
	body, err := r.client.Get(ctx, r.cfg.URL)
	if err != nil {
		return decimal.Zero, err
	}
	return extractRate(body, r.cfg.Path)
}

// extractRate evaluates path against a JSON document and parses the result
// as a positive decimal.
func extractRate(body []byte, path string) (decimal.Decimal, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var doc interface{}
	if err := dec.Decode(&doc); err != nil {
		return decimal.Zero, errors.Network("decode rate response", err)
	}
	v, err := jsonpath.Get(path, doc)
	if err != nil {
		return decimal.Zero, errors.Network("extract rate", err)
	}

	var rate decimal.Decimal
	switch x := v.(type) {
	case json.Number:
		rate, err = decimal.NewFromString(x.String())
	case string:
		rate, err = decimal.NewFromString(strings.TrimSpace(x))
	case float64:
		rate = decimal.NewFromFloat(x)
	default:
		err = fmt.Errorf("unexpected rate type %T", v)
	}
	if err != nil {
		return decimal.Zero, errors.Network("parse rate", err)
	}
	if !rate.IsPositive() {
		return decimal.Zero, errors.Network("parse rate", fmt.Errorf("rate must be positive, got %s", rate))
	}
	return rate, nil
}

// ToTokenUnits converts a fiat amount into the token's smallest unit at rate
// fiat units per token, truncating any remainder.
func ToTokenUnits(fiat, rate decimal.Decimal, decimals int32) (*big.Int, error) {
	if !fiat.IsPositive() {
		return nil, errors.InvalidInput("fiat_amount", "must be positive")
	}
	if !rate.IsPositive() {
		return nil, errors.InvalidInput("rate", "must be positive")
	}
	q, _ := fiat.Shift(decimals).QuoRem(rate, 0)
	if !q.IsPositive() {
		return nil, errors.InvalidInput("fiat_amount", "converts to zero token units")
	}
	return q.BigInt(), nil
}

// StaticRate always returns the same rate.
type StaticRate decimal.Decimal

func (s StaticRate) Rate(context.Context) (Quote, error) {
	return Quote{Rate: decimal.Decimal(s), Source: SourceFallback}, nil
}
