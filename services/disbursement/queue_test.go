package disbursement

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/settlement_layer/internal/database"
	"github.com/R3E-Network/settlement_layer/internal/errors"
)

func TestEnqueueIsIdempotentOnCode(t *testing.T) {
	store := database.NewMemoryStore()
	q := NewQueue(store, testChain, "", "", nil)
	req := PayoutRequest{TransactionCode: "PAY1", Recipient: recipient, FiatAmount: decimal.NewFromInt(500)}

	first, created, err := q.Enqueue(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, database.JobPending, first.Status)
	assert.Equal(t, "USDT", first.Asset)
	assert.Equal(t, "KES", first.Currency)
	assert.Equal(t, testChain, first.ChainID)

	second, created, err := q.Enqueue(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	fiat, err := store.GetFiatTransaction(context.Background(), "PAY1")
	require.NoError(t, err)
	assert.Equal(t, database.FiatPayout, fiat.Direction)
	assert.Equal(t, recipient, fiat.Address)
}

func TestEnqueueValidation(t *testing.T) {
	q := NewQueue(database.NewMemoryStore(), testChain, "", "", nil)
	tests := []struct {
		name  string
		req   PayoutRequest
		field string
	}{
		{"missing code", PayoutRequest{Recipient: recipient, FiatAmount: decimal.NewFromInt(1)}, "transaction_code"},
		{"bad recipient", PayoutRequest{TransactionCode: "P", Recipient: "nope", FiatAmount: decimal.NewFromInt(1)}, "recipient"},
		{"zero amount", PayoutRequest{TransactionCode: "P", Recipient: recipient}, "fiat_amount"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := q.Enqueue(context.Background(), tt.req)
			se := errors.GetServiceError(err)
			require.NotNil(t, se)
			assert.Equal(t, errors.ErrCodeInvalidInput, se.Code)
			assert.Equal(t, tt.field, se.Details["field"])
		})
	}
}

func TestQueueRoutes(t *testing.T) {
	q := NewQueue(database.NewMemoryStore(), testChain, "", "", nil)
	router := mux.NewRouter()
	q.RegisterRoutes(router, nil)

	body, _ := json.Marshal(map[string]string{
		"transaction_code": "PAY1",
		"recipient":        recipient,
		"fiat_amount":      "250.75",
	})
	post := func() *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/disbursements", bytes.NewReader(body)))
		return w
	}

	w := post()
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var resp struct {
		Success bool                     `json:"success"`
		Data    database.DisbursementJob `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "250.75", resp.Data.FiatAmount.String())

	assert.Equal(t, http.StatusOK, post().Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/disbursements/"+resp.Data.ID, nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/disbursements/missing", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}
