package goals

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/settlement_layer/internal/database"
)

func newTestRouter(t *testing.T) (*mux.Router, *database.MemoryStore) {
	t.Helper()
	store := database.NewMemoryStore()
	r := newTestResolver(newFakeChain(), store)
	router := mux.NewRouter()
	r.RegisterRoutes(router)
	return router, store
}

func do(router http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHandleCreateMetaGoal(t *testing.T) {
	tests := []struct {
		name       string
		body       map[string]interface{}
		wantStatus int
	}{
		{
			name:       "valid",
			body:       map[string]interface{}{"id": "mg1", "name": "Rent", "creator": testUser, "target_amount_usd": "500"},
			wantStatus: http.StatusCreated,
		},
		{
			name:       "bad creator",
			body:       map[string]interface{}{"name": "Rent", "creator": "alice", "target_amount_usd": "500"},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "zero target",
			body:       map[string]interface{}{"name": "Rent", "creator": testUser, "target_amount_usd": "0"},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "bad leg key",
			body:       map[string]interface{}{"creator": testUser, "target_amount_usd": "5", "chain_goals": map[string]string{"USDT": "1"}},
			wantStatus: http.StatusBadRequest,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router, _ := newTestRouter(t)
			w := do(router, http.MethodPost, "/v1/meta-goals", tt.body)
			assert.Equal(t, tt.wantStatus, w.Code, w.Body.String())
		})
	}
}

func TestHandleCreateMetaGoalDuplicate(t *testing.T) {
	router, _ := newTestRouter(t)
	body := map[string]interface{}{"id": "mg1", "creator": testUser, "target_amount_usd": "10"}

	require.Equal(t, http.StatusCreated, do(router, http.MethodPost, "/v1/meta-goals", body).Code)
	assert.Equal(t, http.StatusConflict, do(router, http.MethodPost, "/v1/meta-goals", body).Code)
}

func TestHandleGetAndCancelLeg(t *testing.T) {
	router, store := newTestRouter(t)
	body := map[string]interface{}{
		"id": "mg1", "creator": testUser, "target_amount_usd": "10",
		"chain_goals": map[string]string{"neo-testnet:usdt": "4"},
	}
	require.Equal(t, http.StatusCreated, do(router, http.MethodPost, "/v1/meta-goals", body).Code)

	w := do(router, http.MethodGet, "/v1/meta-goals/mg1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"neo-testnet:USDT":"4"`)

	assert.Equal(t, http.StatusNoContent, do(router, http.MethodDelete, "/v1/meta-goals/mg1/legs/neo-testnet/USDT", nil).Code)
	mg, err := store.GetMetaGoal(context.Background(), "mg1")
	require.NoError(t, err)
	assert.Empty(t, mg.ChainGoals)

	assert.Equal(t, http.StatusNotFound, do(router, http.MethodGet, "/v1/meta-goals/missing", nil).Code)
}

func TestHandleListMetaGoals(t *testing.T) {
	router, _ := newTestRouter(t)
	require.Equal(t, http.StatusCreated, do(router, http.MethodPost, "/v1/meta-goals",
		map[string]interface{}{"creator": testUser, "target_amount_usd": "10"}).Code)

	w := do(router, http.MethodGet, "/v1/meta-goals?participant="+testUser, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Data []database.MetaGoal `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Data, 1)

	assert.Equal(t, http.StatusBadRequest, do(router, http.MethodGet, "/v1/meta-goals?participant=nobody", nil).Code)
}
