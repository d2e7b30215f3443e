package rewards

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/settlement_layer/internal/chain"
)

func TestHandlers(t *testing.T) {
	c, store := completedGoal(t)
	router := mux.NewRouter()
	newTestEngine(c, store).RegisterRoutes(router)

	serve := func(method, path string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(method, path, nil))
		return w
	}
	user := chain.AddressOf(alice)

	tests := []struct {
		name       string
		method     string
		path       string
		wantStatus int
		wantBody   string
	}{
		{"ledger before award", http.MethodGet, "/v1/xp/" + user, http.StatusNotFound, "NOT_FOUND"},
		{"award", http.MethodPost, "/v1/meta-goals/mg1/award", http.StatusOK, `"awarded":true`},
		{"award replay", http.MethodPost, "/v1/meta-goals/mg1/award", http.StatusOK, `"reason":"already_awarded"`},
		{"unknown meta-goal", http.MethodPost, "/v1/meta-goals/nope/award", http.StatusNotFound, "NOT_FOUND"},
		{"ledger after award", http.MethodGet, "/v1/xp/" + user, http.StatusOK, `"total":60`},
		{"verification", http.MethodPost, "/v1/xp/" + user + "/verification", http.StatusOK, `"awarded":true`},
		{"activity", http.MethodPost, "/v1/xp/" + user + "/activity/deposit", http.StatusOK, `"credited":0`},
		{"bad address", http.MethodPost, "/v1/xp/not-an-address/verification", http.StatusBadRequest, "INVALID_INPUT"},
	}
	for _, tt := range tests {
		w := serve(tt.method, tt.path)
		require.Equal(t, tt.wantStatus, w.Code, "%s: %s", tt.name, w.Body.String())
		assert.Contains(t, w.Body.String(), tt.wantBody, tt.name)
	}
}
