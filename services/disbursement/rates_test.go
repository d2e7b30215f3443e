package disbursement

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/settlement_layer/internal/cache"
	"github.com/R3E-Network/settlement_layer/internal/errors"
)

func rateServer(t *testing.T, status int, body string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func TestHTTPRatesCachesProviderRate(t *testing.T) {
	srv, hits := rateServer(t, http.StatusOK, `{"base":"USDT","rates":{"KES":129.25,"UGX":"3700"}}`)
	c := cache.NewMemory()
	rates := NewHTTPRates(RateConfig{URL: srv.URL, Path: "$.rates.KES", TTL: time.Minute, Pair: "USDT/KES"}, c, nil)

	q, err := rates.Rate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SourceProvider, q.Source)
	assert.True(t, q.Rate.Equal(decimal.RequireFromString("129.25")))

	q, err = rates.Rate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SourceCache, q.Source)
	assert.Equal(t, int32(1), hits.Load())
}

func TestHTTPRatesFallback(t *testing.T) {
	srv, _ := rateServer(t, http.StatusBadGateway, `{"error":"upstream"}`)

	t.Run("with fallback", func(t *testing.T) {
		rates := NewHTTPRates(RateConfig{URL: srv.URL, Path: "$.rates.KES", Fallback: decimal.RequireFromString("129.5")}, nil, nil)
		q, err := rates.Rate(context.Background())
		require.NoError(t, err)
		assert.Equal(t, SourceFallback, q.Source)
		assert.Equal(t, "129.5", q.Rate.String())
	})

	t.Run("without fallback", func(t *testing.T) {
		rates := NewHTTPRates(RateConfig{URL: srv.URL, Path: "$.rates.KES"}, nil, nil)
		_, err := rates.Rate(context.Background())
		require.Error(t, err)
		assert.True(t, errors.IsRetryable(err))
	})
}

func TestExtractRate(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		path    string
		want    string
		wantErr bool
	}{
		{"number", `{"rates":{"KES":129.5}}`, "$.rates.KES", "129.5", false},
		{"string", `{"rates":{"KES":" 130.10 "}}`, "$.rates.KES", "130.1", false},
		{"nested array", `{"data":[{"pair":"USDT/KES","price":"128"}]}`, "$.data[0].price", "128", false},
		{"missing", `{"rates":{}}`, "$.rates.KES", "", true},
		{"zero", `{"rates":{"KES":0}}`, "$.rates.KES", "", true},
		{"not json", `<html>`, "$.rates.KES", "", true},
		{"object", `{"rates":{"KES":{"bid":1}}}`, "$.rates.KES", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := extractRate([]byte(tt.body), tt.path)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.String())
		})
	}
}

func TestToTokenUnits(t *testing.T) {
	tests := []struct {
		name     string
		fiat     string
		rate     string
		decimals int32
		want     int64
		wantErr  bool
	}{
		{"exact", "1295", "129.5", 6, 10_000_000, false},
		{"truncates remainder", "100", "3", 6, 33_333_333, false},
		{"eight decimals", "1", "129.5", 8, 772_200, false},
		{"zero fiat", "0", "129.5", 6, 0, true},
		{"negative rate", "10", "-1", 6, 0, true},
		{"below one unit", "0.0000001", "129.5", 6, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ToTokenUnits(decimal.RequireFromString(tt.fiat), decimal.RequireFromString(tt.rate), tt.decimals)
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, errors.ErrCodeInvalidInput, errors.Code(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Int64())
		})
	}
}
