package allocation

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/settlement_layer/internal/config"
	"github.com/R3E-Network/settlement_layer/internal/database"
	serviceerrors "github.com/R3E-Network/settlement_layer/internal/errors"
	"github.com/R3E-Network/settlement_layer/internal/logging"
	"github.com/R3E-Network/settlement_layer/internal/middleware"
)

var adminSecret = []byte("operator-secret")

func operatorToken(t *testing.T, role string) string {
	t.Helper()
	claims := &middleware.Claims{
		UserID: "ops-1",
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(adminSecret)
	require.NoError(t, err)
	return s
}

func newTestRouter(t *testing.T, alloc Allocator, store *database.MemoryStore) (*mux.Router, *Provider) {
	t.Helper()
	t.Setenv("TEST_MPESA_SECRET", "s3cret")
	providers := NewProviders([]config.ProviderConfig{mpesaConfig("")})
	logger := logging.NewDiscard("allocation")
	auth := middleware.NewAuthMiddleware(adminSecret, middleware.RoleOperator, logger, nil)

	router := mux.NewRouter()
	NewHandler(alloc, store, providers, logger).RegisterRoutes(router, auth.Handler)
	p, _ := providers.Get("mpesa")
	return router, p
}

func serve(router http.Handler, method, path string, body []byte, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHandleAllocateStatusMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"success", nil, http.StatusOK},
		{"validation", serviceerrors.InvalidInput("amount", "bad"), http.StatusBadRequest},
		{"mismatch", serviceerrors.TransferMismatch("no transfer"), http.StatusBadRequest},
		{"receipt", serviceerrors.ReceiptNotFound(testTx, nil), http.StatusNotFound},
		{"in progress", serviceerrors.AlreadyInProgress("P-1"), http.StatusConflict},
		{"rejected", serviceerrors.OnChainRejected("cap", nil), http.StatusUnprocessableEntity},
		{"network", serviceerrors.Network("rpc", nil), http.StatusServiceUnavailable},
		{"timeout", serviceerrors.Timeout("vault", nil), http.StatusGatewayTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router, _ := newTestRouter(t, &recordingAllocator{err: tt.err}, database.NewMemoryStore())
			rec := serve(router, http.MethodPost, "/v1/allocations", []byte(`{"settlement_id":"P-1","amount":"1"}`), nil)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestHandleAllocateRejectsBadJSON(t *testing.T) {
	alloc := &recordingAllocator{}
	router, _ := newTestRouter(t, alloc, database.NewMemoryStore())
	rec := serve(router, http.MethodPost, "/v1/allocations", []byte(`{`), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, alloc.codes())
}

func TestHandleAllocateReadsCodeFromProviderPayload(t *testing.T) {
	tests := []struct {
		name string
		body string
		want Request
	}{
		{
			name: "default path",
			body: `{"provider_payload":{"TransID":"MPESA-9"},"token_symbol":"usdt","chain":"neo-testnet"}`,
			want: Request{SettlementID: "MPESA-9", Asset: "usdt", ChainID: "neo-testnet"},
		},
		{
			name: "named provider path",
			body: `{"provider":"mpesa","provider_payload":{"data":{"reference":"MP-8"}},"asset":"USDT"}`,
			want: Request{SettlementID: "MP-8", Provider: "mpesa", Asset: "USDT"},
		},
		{
			name: "explicit id and fields win",
			body: `{"settlement_id":"P-1","provider_payload":{"TransID":"X"},"asset":"USDT","token_symbol":"GAS","chain_id":"a","chain":"b"}`,
			want: Request{SettlementID: "P-1", Asset: "USDT", ChainID: "a"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			alloc := &recordingAllocator{}
			router, _ := newTestRouter(t, alloc, database.NewMemoryStore())
			rec := serve(router, http.MethodPost, "/v1/allocations", []byte(tt.body), nil)
			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
			require.Len(t, alloc.requests, 1)
			got := alloc.requests[0]
			got.ProviderPayload = nil
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestHandleAllocateSettlesPayloadOnlyRequest(t *testing.T) {
	store := database.NewMemoryStore()
	fc := newFakeChain()
	router, _ := newTestRouter(t, newTestCoordinator(fc, store, nil), store)

	body := `{"provider_payload":{"TransID":"MPESA-9"},"token_symbol":"usdt","chain":"` + testChain +
		`","user_address":"` + testUser + `","amount":"1000000","tx_hash":"` + testTx + `"}`
	rec := serve(router, http.MethodPost, "/v1/allocations", []byte(body), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"deposit_id":"7"`)

	stored, err := store.GetSettlement(context.Background(), "MPESA-9")
	require.NoError(t, err)
	assert.Equal(t, database.StatusSuccess, stored.Allocation.Status)
	assert.JSONEq(t, `{"TransID":"MPESA-9"}`, string(stored.Payload))
}

func TestHandleAllocateWithoutCodeIsRejected(t *testing.T) {
	store := database.NewMemoryStore()
	router, _ := newTestRouter(t, newTestCoordinator(newFakeChain(), store, nil), store)

	rec := serve(router, http.MethodPost, "/v1/allocations", []byte(`{"provider_payload":{"Amount":"5"},"asset":"USDT"}`), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "provider_payload")
}

func TestHandleWebhook(t *testing.T) {
	pending := []byte(`{"data":{"reference":"MP-7","status":"queued","wallet":"NWallet"}}`)

	t.Run("unknown provider", func(t *testing.T) {
		router, _ := newTestRouter(t, &recordingAllocator{}, database.NewMemoryStore())
		rec := serve(router, http.MethodPost, "/v1/webhooks/airtel", pending, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("bad signature", func(t *testing.T) {
		store := database.NewMemoryStore()
		router, _ := newTestRouter(t, &recordingAllocator{}, store)
		rec := serve(router, http.MethodPost, "/v1/webhooks/mpesa", pending, map[string]string{SignatureHeader: "00"})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		_, err := store.GetSettlement(context.Background(), "MP-7")
		assert.True(t, database.IsNotFound(err), "unsigned payloads must not be stored")
	})

	t.Run("pending is recorded", func(t *testing.T) {
		store := database.NewMemoryStore()
		alloc := &recordingAllocator{}
		router, p := newTestRouter(t, alloc, store)
		rec := serve(router, http.MethodPost, "/v1/webhooks/mpesa", pending, map[string]string{SignatureHeader: p.Sign(pending)})
		assert.Equal(t, http.StatusAccepted, rec.Code)
		assert.Empty(t, alloc.codes())

		stored, err := store.GetSettlement(context.Background(), "MP-7")
		require.NoError(t, err)
		assert.Equal(t, "pending", stored.ProviderStatus)
		assert.Equal(t, database.StatusUnset, stored.Allocation.Status)
	})

	t.Run("success allocates", func(t *testing.T) {
		store := database.NewMemoryStore()
		alloc := &recordingAllocator{}
		router, p := newTestRouter(t, alloc, store)
		body := []byte(mpesaBody)
		rec := serve(router, http.MethodPost, "/v1/webhooks/mpesa", body, map[string]string{SignatureHeader: "sha256=" + p.Sign(body)})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		require.Len(t, alloc.requests, 1)
		got := alloc.requests[0]
		assert.Equal(t, "MP-42", got.SettlementID)
		assert.Equal(t, "1000000", got.Amount)
		assert.Equal(t, "USDT", got.Asset)
		assert.Equal(t, "mpesa", got.Provider)
		assert.JSONEq(t, mpesaBody, string(got.ProviderPayload))
	})
}

func TestOperatorRoutes(t *testing.T) {
	store := database.NewMemoryStore()
	seedSettlement(t, store, &database.SettlementRecord{Code: "P-9", Amount: "10", Asset: "USDT", UserAddress: testUser})
	alloc := &recordingAllocator{}
	router, _ := newTestRouter(t, alloc, store)
	bearer := map[string]string{"Authorization": "Bearer " + operatorToken(t, middleware.RoleOperator)}

	rec := serve(router, http.MethodGet, "/v1/settlements/P-9", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = serve(router, http.MethodGet, "/v1/settlements/P-9", nil,
		map[string]string{"Authorization": "Bearer " + operatorToken(t, "viewer")})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = serve(router, http.MethodGet, "/v1/settlements/P-9", nil, bearer)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `"code":"P-9"`))

	rec = serve(router, http.MethodGet, "/v1/settlements/NOPE", nil, bearer)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = serve(router, http.MethodPost, "/v1/settlements/P-9/retry", nil, bearer)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"P-9"}, alloc.codes())
}

func TestWebhookEndToEndWithCoordinator(t *testing.T) {
	fc := newFakeChain()
	store := database.NewMemoryStore()
	coord := newTestCoordinator(fc, store, nil)
	router, p := newTestRouter(t, coord, store)

	body := []byte(`{"data":{"reference":"MP-1","status":"SUCCESS","onchain":{"tx":"` + testTx + `"},` +
		`"wallet":"` + testUser + `","token_amount":"1000000","asset":"USDT","chain":"` + testChain + `"}}`)
	headers := map[string]string{SignatureHeader: p.Sign(body)}

	first := serve(router, http.MethodPost, "/v1/webhooks/mpesa", body, headers)
	require.Equal(t, http.StatusOK, first.Code, first.Body.String())
	second := serve(router, http.MethodPost, "/v1/webhooks/mpesa", body, headers)
	require.Equal(t, http.StatusOK, second.Code)

	assert.JSONEq(t, first.Body.String(), second.Body.String())
	assert.Equal(t, 1, fc.calls())
}
