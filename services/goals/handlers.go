package goals

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"github.com/R3E-Network/settlement_layer/internal/chain"
	"github.com/R3E-Network/settlement_layer/internal/database"
	"github.com/R3E-Network/settlement_layer/internal/errors"
	"github.com/R3E-Network/settlement_layer/internal/httputil"
)

// CreateMetaGoalInput is the body of POST /v1/meta-goals.
type CreateMetaGoalInput struct {
	ID              string          `json:"id,omitempty"`
	Name            string          `json:"name"`
	Creator         string          `json:"creator"`
	Participants    []string        `json:"participants,omitempty"`
	TargetAmountUSD decimal.Decimal `json:"target_amount_usd"`
	TargetDate      *time.Time      `json:"target_date,omitempty"`
	Public          bool            `json:"public"`
	// ChainGoals seeds legs for goals that already exist on chain.
	ChainGoals map[string]string `json:"chain_goals,omitempty"`
}

// RegisterRoutes mounts the meta-goal endpoints.
func (r *Resolver) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/v1/meta-goals", r.handleCreateMetaGoal).Methods(http.MethodPost)
	router.HandleFunc("/v1/meta-goals", r.handleListMetaGoals).Methods(http.MethodGet)
	router.HandleFunc("/v1/meta-goals/{id}", r.handleGetMetaGoal).Methods(http.MethodGet)
	router.HandleFunc("/v1/meta-goals/{id}/legs/{chain}/{asset}", r.handleCancelLeg).Methods(http.MethodDelete)
}

func canonicalAddress(field, s string) (string, error) {
	u, err := chain.ParseHash160(s)
	if err != nil {
		return "", errors.InvalidInput(field, "must be a Neo address or script hash")
	}
	return chain.AddressOf(u), nil
}

func (r *Resolver) handleCreateMetaGoal(w http.ResponseWriter, req *http.Request) {
	var in CreateMetaGoalInput
	if err := httputil.DecodeJSON(req, &in); err != nil {
		httputil.WriteError(w, req, err)
		return
	}
	creator, err := canonicalAddress("creator", in.Creator)
	if err != nil {
		httputil.WriteError(w, req, err)
		return
	}
	if !in.TargetAmountUSD.IsPositive() {
		httputil.WriteError(w, req, errors.InvalidInput("target_amount_usd", "must be positive"))
		return
	}
	participants := make(database.StringList, 0, len(in.Participants))
	for _, p := range in.Participants {
		addr, err := canonicalAddress("participants", p)
		if err != nil {
			httputil.WriteError(w, req, err)
			return
		}
		if addr != creator && !participants.Contains(addr) {
			participants = append(participants, addr)
		}
	}
	legs := make(database.StringMap, len(in.ChainGoals))
	for key, id := range in.ChainGoals {
		chainID, asset := database.SplitLegKey(key)
		if chainID == "" || asset == "" || id == "" {
			httputil.WriteError(w, req, errors.InvalidInput("chain_goals", "keys must be <chain>:<asset>"))
			return
		}
		legs[database.LegKey(chainID, asset)] = id
	}

	now := r.now().UTC()
	mg := &database.MetaGoal{
		ID:              strings.TrimSpace(in.ID),
		Name:            in.Name,
		Creator:         creator,
		Participants:    participants,
		TargetAmountUSD: in.TargetAmountUSD,
		TargetDate:      in.TargetDate,
		Public:          in.Public,
		ChainGoals:      legs,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if mg.ID == "" {
		mg.ID = uuid.NewString()
	}
	if err := r.store.CreateMetaGoal(req.Context(), mg); err != nil {
		if errors.Is(err, database.ErrDuplicate) {
			httputil.WriteError(w, req, errors.Conflict("meta-goal "+mg.ID+" already exists"))
			return
		}
		httputil.WriteError(w, req, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, httputil.APIResponse{Success: true, Data: mg})
}

func (r *Resolver) handleGetMetaGoal(w http.ResponseWriter, req *http.Request) {
	id := mux.Vars(req)["id"]
	mg, err := r.store.GetMetaGoal(req.Context(), id)
	if err != nil {
		if database.IsNotFound(err) {
			httputil.WriteError(w, req, errors.NotFound("meta_goal", id))
			return
		}
		httputil.WriteError(w, req, err)
		return
	}
	httputil.WriteSuccess(w, mg)
}

func (r *Resolver) handleListMetaGoals(w http.ResponseWriter, req *http.Request) {
	addr, err := canonicalAddress("participant", req.URL.Query().Get("participant"))
	if err != nil {
		httputil.WriteError(w, req, err)
		return
	}
	list, err := r.store.ListMetaGoalsByParticipant(req.Context(), addr)
	if err != nil {
		httputil.WriteError(w, req, err)
		return
	}
	if list == nil {
		list = []*database.MetaGoal{}
	}
	httputil.WriteSuccess(w, list)
}

// handleCancelLeg is the explicit cancellation that may remove a leg.
func (r *Resolver) handleCancelLeg(w http.ResponseWriter, req *http.Request) {
	vars := mux.Vars(req)
	leg := database.LegKey(vars["chain"], vars["asset"])
	if err := r.store.RemoveChainGoal(req.Context(), vars["id"], leg); err != nil {
		if database.IsNotFound(err) {
			httputil.WriteError(w, req, errors.NotFound("meta_goal", vars["id"]))
			return
		}
		httputil.WriteError(w, req, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
