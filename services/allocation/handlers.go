package allocation

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/R3E-Network/settlement_layer/internal/database"
	"github.com/R3E-Network/settlement_layer/internal/errors"
	"github.com/R3E-Network/settlement_layer/internal/httputil"
	"github.com/R3E-Network/settlement_layer/internal/logging"
)

const maxWebhookBody = 1 << 20

// WebhookAck is returned for accepted webhooks that did not allocate.
type WebhookAck struct {
	Code    string  `json:"code"`
	Outcome Outcome `json:"outcome"`
}

// Handler serves the allocation API.
type Handler struct {
	allocator Allocator
	store     database.SettlementStore
	providers Providers
	logger    *logging.Logger
}

// NewHandler builds the allocation API.
func NewHandler(allocator Allocator, store database.SettlementStore, providers Providers, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.NewDiscard("allocation")
	}
	return &Handler{allocator: allocator, store: store, providers: providers, logger: logger}
}

// RegisterRoutes mounts the public endpoints on router and the operator
// endpoints behind admin.
func (h *Handler) RegisterRoutes(router *mux.Router, admin mux.MiddlewareFunc) {
	router.HandleFunc("/v1/allocations", h.handleAllocate).Methods(http.MethodPost)
	router.HandleFunc("/v1/webhooks/{provider}", h.handleWebhook).Methods(http.MethodPost)

	ops := router.PathPrefix("/v1/settlements").Subrouter()
	if admin != nil {
		ops.Use(admin)
	}
	ops.HandleFunc("/{code}", h.handleGetSettlement).Methods(http.MethodGet)
	ops.HandleFunc("/{code}/retry", h.handleRetry).Methods(http.MethodPost)
}

// allocationBody is the wire form of an allocation request. token_symbol and
// chain are accepted in place of asset and chain_id.
type allocationBody struct {
	Request
	TokenSymbol string `json:"token_symbol,omitempty"`
	Chain       string `json:"chain,omitempty"`
}

// request resolves aliases and takes the settlement id from the provider
// payload when the caller did not send one.
func (h *Handler) request(body allocationBody) Request {
	req := body.Request
	if strings.TrimSpace(req.Asset) == "" {
		req.Asset = body.TokenSymbol
	}
	if strings.TrimSpace(req.ChainID) == "" {
		req.ChainID = body.Chain
	}
	if strings.TrimSpace(req.SettlementID) == "" {
		req.SettlementID = h.providers.TransactionCode(req.Provider, req.ProviderPayload)
	}
	return req
}

func (h *Handler) handleAllocate(w http.ResponseWriter, r *http.Request) {
	var body allocationBody
	if err := httputil.DecodeJSON(r, &body); err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	resp, err := h.allocator.Allocate(r.Context(), h.request(body))
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, resp)
}

func (h *Handler) handleWebhook(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["provider"]
	provider, ok := h.providers.Get(name)
	if !ok {
		httputil.WriteError(w, r, errors.NotFound("provider", name))
		return
	}
	body, truncated, err := httputil.ReadAllWithLimit(r.Body, maxWebhookBody)
	if err != nil {
		httputil.WriteError(w, r, errors.InvalidInput("body", err.Error()))
		return
	}
	if truncated {
		httputil.WriteError(w, r, errors.InvalidInput("body", "too large"))
		return
	}
	if err := provider.VerifySignature(body, r.Header.Get(SignatureHeader)); err != nil {
		h.logger.LogSecurityEvent(r.Context(), "webhook_signature_rejected", map[string]interface{}{"provider": provider.Name()})
		httputil.WriteError(w, r, err)
		return
	}
	ev, err := provider.Parse(body)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	rec, err := h.store.UpsertSettlement(r.Context(), ev.Record())
	if err != nil {
		httputil.WriteError(w, r, errors.Network("store settlement", err))
		return
	}
	if ev.Outcome != OutcomeSuccess {
		h.logger.WithContext(r.Context()).WithFields(map[string]interface{}{
			"settlement_id": ev.Code,
			"status":        ev.Status,
		}).Info("webhook recorded without allocation")
		httputil.WriteJSON(w, http.StatusAccepted, httputil.APIResponse{
			Success: true,
			Data:    WebhookAck{Code: ev.Code, Outcome: ev.Outcome},
		})
		return
	}
	resp, err := h.allocator.Allocate(r.Context(), RequestFromRecord(rec))
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, resp)
}

func (h *Handler) handleGetSettlement(w http.ResponseWriter, r *http.Request) {
	code := mux.Vars(r)["code"]
	rec, err := h.store.GetSettlement(r.Context(), code)
	if err != nil {
		if database.IsNotFound(err) {
			httputil.WriteError(w, r, errors.NotFound("settlement", code))
			return
		}
		httputil.WriteError(w, r, errors.Network("load settlement", err))
		return
	}
	httputil.WriteSuccess(w, rec)
}

func (h *Handler) handleRetry(w http.ResponseWriter, r *http.Request) {
	code := mux.Vars(r)["code"]
	rec, err := h.store.GetSettlement(r.Context(), code)
	if err != nil {
		if database.IsNotFound(err) {
			httputil.WriteError(w, r, errors.NotFound("settlement", code))
			return
		}
		httputil.WriteError(w, r, errors.Network("load settlement", err))
		return
	}
	h.logger.LogSecurityEvent(r.Context(), "settlement_manual_retry", map[string]interface{}{"settlement_id": code})
	resp, err := h.allocator.Allocate(r.Context(), RequestFromRecord(rec))
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, resp)
}
