package disbursement

import (
	"context"
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
	"github.com/R3E-Network/settlement_layer/internal/logging"
)

// PayoutRequest asks for fiat to be paid out as settlement tokens.
type PayoutRequest struct {
	TransactionCode string          `json:"transaction_code"`
	Recipient       string          `json:"recipient"`
	FiatAmount      decimal.Decimal `json:"fiat_amount"`
	Currency        string          `json:"currency,omitempty"`
	ChainID         string          `json:"chain_id,omitempty"`
	Asset           string          `json:"asset,omitempty"`
}

// Queue accepts payout requests onto the job queue.
type Queue struct {
	store    Store
	logger   *logging.Logger
	chainID  string
	asset    string
	currency string
	now      func() time.Time
}

// NewQueue builds a queue with the defaults applied to requests that omit
// chain, asset or currency.
func NewQueue(store Store, chainID, asset, currency string, logger *logging.Logger) *Queue {
	if logger == nil {
		logger = logging.NewDiscard(ServiceName)
	}
	if asset == "" {
		asset = "USDT"
	}
	if currency == "" {
		currency = "KES"
	}
	return &Queue{store: store, logger: logger, chainID: chainID, asset: asset, currency: currency, now: time.Now}
}

func (q *Queue) validate(req *PayoutRequest) error {
	req.TransactionCode = strings.TrimSpace(req.TransactionCode)
	if req.TransactionCode == "" {
		return errors.InvalidInput("transaction_code", "required")
	}
	if _, err := chain.ParseHash160(req.Recipient); err != nil {
		return errors.InvalidInput("recipient", err.Error())
	}
	if !req.FiatAmount.IsPositive() {
		return errors.InvalidInput("fiat_amount", "must be positive")
	}
	if req.Currency == "" {
		req.Currency = q.currency
	}
	req.Currency = strings.ToUpper(req.Currency)
	if req.ChainID == "" {
		req.ChainID = q.chainID
	}
	if req.Asset == "" {
		req.Asset = q.asset
	}
	req.Asset = strings.ToUpper(req.Asset)
	return nil
}

// Enqueue stores a pending job for req. Enqueueing the same transaction code
// again returns the existing job with created false.
func (q *Queue) Enqueue(ctx context.Context, req PayoutRequest) (*database.DisbursementJob, bool, error) {
	if err := q.validate(&req); err != nil {
		return nil, false, err
	}
	now := q.now().UTC()
	job, created, err := q.store.EnqueueJob(ctx, &database.DisbursementJob{
		ID:              uuid.NewString(),
		TransactionCode: req.TransactionCode,
		Recipient:       req.Recipient,
		FiatAmount:      req.FiatAmount,
		Currency:        req.Currency,
		ChainID:         req.ChainID,
		Asset:           req.Asset,
		CreatedAt:       now,
	})
	if err != nil {
		return nil, false, errors.Network("enqueue disbursement", err)
	}
	if !created {
		return job, false, nil
	}

	if err := q.store.CreateFiatTransaction(ctx, &database.FiatTransaction{
		Code:      req.TransactionCode,
		Direction: database.FiatPayout,
		Address:   req.Recipient,
		Amount:    req.FiatAmount,
		Currency:  req.Currency,
		Status:    string(database.JobPending),
		CreatedAt: now,
		UpdatedAt: now,
	}); err != nil {
		q.logger.WithContext(ctx).WithError(err).WithField("transaction_code", req.TransactionCode).
			Warn("failed to record fiat payout transaction")
	}
	q.logger.WithContext(ctx).WithFields(map[string]interface{}{
		"job_id":           job.ID,
		"transaction_code": job.TransactionCode,
		"fiat_amount":      job.FiatAmount.String(),
	}).Info("disbursement enqueued")
	return job, true, nil
}

// Get returns a job by id.
func (q *Queue) Get(ctx context.Context, id string) (*database.DisbursementJob, error) {
	job, err := q.store.GetJob(ctx, id)
	if err != nil {
		if database.IsNotFound(err) {
			return nil, errors.NotFound("disbursement", id)
		}
		return nil, errors.Network("load disbursement", err)
	}
	return job, nil
}

// RegisterRoutes mounts the operator disbursement endpoints behind admin.
func (q *Queue) RegisterRoutes(router *mux.Router, admin mux.MiddlewareFunc) {
	sub := router.PathPrefix("/v1/disbursements").Subrouter()
	if admin != nil {
		sub.Use(admin)
	}
	sub.HandleFunc("", q.handleEnqueue).Methods(http.MethodPost)
	sub.HandleFunc("/{id}", q.handleGet).Methods(http.MethodGet)
}

func (q *Queue) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req PayoutRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	job, created, err := q.Enqueue(r.Context(), req)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	httputil.WriteJSON(w, status, httputil.APIResponse{Success: true, Data: job})
}

func (q *Queue) handleGet(w http.ResponseWriter, r *http.Request) {
	job, err := q.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, job)
}
