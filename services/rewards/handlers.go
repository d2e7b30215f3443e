package rewards

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/R3E-Network/settlement_layer/internal/chain"
	"github.com/R3E-Network/settlement_layer/internal/database"
	"github.com/R3E-Network/settlement_layer/internal/errors"
	"github.com/R3E-Network/settlement_layer/internal/httputil"
)

// RegisterRoutes mounts the XP endpoints.
func (e *Engine) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/v1/meta-goals/{id}/award", e.handleAward).Methods(http.MethodPost)
	router.HandleFunc("/v1/xp/{address}", e.handleGetLedger).Methods(http.MethodGet)
	router.HandleFunc("/v1/xp/{address}/verification", e.handleVerification).Methods(http.MethodPost)
	router.HandleFunc("/v1/xp/{address}/activity/{activity}", e.handleActivity).Methods(http.MethodPost)
}

func addressVar(r *http.Request) (string, error) {
	u, err := chain.ParseHash160(mux.Vars(r)["address"])
	if err != nil {
		return "", errors.InvalidInput("address", "must be a Neo address or script hash")
	}
	return chain.AddressOf(u), nil
}

func (e *Engine) handleAward(w http.ResponseWriter, r *http.Request) {
	res, err := e.CheckAndAward(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, res)
}

func (e *Engine) handleGetLedger(w http.ResponseWriter, r *http.Request) {
	addr, err := addressVar(r)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	ledger, err := e.store.GetXPLedger(r.Context(), addr)
	if err != nil {
		if database.IsNotFound(err) {
			httputil.WriteError(w, r, errors.NotFound("xp_ledger", addr))
			return
		}
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, ledger)
}

func (e *Engine) handleVerification(w http.ResponseWriter, r *http.Request) {
	addr, err := addressVar(r)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	awarded, err := e.AwardVerification(r.Context(), addr)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{"address": addr, "awarded": awarded})
}

func (e *Engine) handleActivity(w http.ResponseWriter, r *http.Request) {
	addr, err := addressVar(r)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	activity := mux.Vars(r)["activity"]
	credited, err := e.CreditActivity(r.Context(), addr, activity)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{"address": addr, "activity": activity, "credited": credited})
}
