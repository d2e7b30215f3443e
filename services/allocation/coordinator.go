// Package allocation settles external payments into vault deposits.
//
// The Coordinator claims a settlement record with one conditional write,
// verifies the on-chain transfer, calls the vault, resolves a goal and
// records the outcome. Webhooks, the status poller and manual retries all
// funnel into Allocate; the claim guarantees that only one of them acts.
package allocation

import (
	"context"
	"encoding/json"
	"math/big"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/R3E-Network/settlement_layer/internal/chain"
	"github.com/R3E-Network/settlement_layer/internal/database"
	"github.com/R3E-Network/settlement_layer/internal/errors"
	"github.com/R3E-Network/settlement_layer/internal/logging"
	"github.com/R3E-Network/settlement_layer/internal/metrics"
	"github.com/R3E-Network/settlement_layer/services/goals"
)

// FormattedShareDigits is the number of fractional digits of formatted shares.
const FormattedShareDigits = 4

// ActivityDeposit is the activity logged for every new deposit.
const ActivityDeposit = "deposit"

var amountPattern = regexp.MustCompile(`^[0-9]+$`)

// Chain is the vault surface used by the coordinator. *chain.Gateway
// implements it.
type Chain interface {
	ResolveChain(h chain.Hint) (string, error)
	VaultInfo(chainID, asset string) (*chain.VaultInfo, error)
	WaitForReceipt(ctx context.Context, chainID, txHash string) (*chain.Receipt, error)
	IsProcessed(ctx context.Context, chainID, asset, txHash string) (bool, error)
	DepositHeadroom(ctx context.Context, chainID, asset, user string) (*big.Int, *big.Int, error)
	Allocate(ctx context.Context, chainID, asset, user string, amount *big.Int, txHash string) (*chain.Allocation, error)
	ProcessedDeposit(ctx context.Context, chainID, asset, txHash string) (*chain.Allocation, error)
	RecordLeaderboard(ctx context.Context, chainID, user string, amount *big.Int) error
}

// GoalResolver picks the goal a deposit attaches to.
type GoalResolver interface {
	ResolveGoal(ctx context.Context, req goals.Request) goals.Result
}

// CompletionChecker reports whether a meta-goal reached its target.
type CompletionChecker interface {
	Complete(ctx context.Context, metaGoalID string) (bool, error)
}

// CompletionHook receives completed meta-goals. Implementations must not
// block the caller.
type CompletionHook interface {
	GoalCompleted(ctx context.Context, metaGoalID string)
}

// Store is the ledger surface of the coordinator.
type Store interface {
	database.SettlementStore
	AppendActivity(ctx context.Context, event *database.ActivityEvent) error
}

// Request is one settlement to allocate.
type Request struct {
	// SettlementID is the provider transaction code.
	SettlementID    string          `json:"settlement_id"`
	Provider        string          `json:"provider,omitempty"`
	Asset           string          `json:"asset"`
	UserAddress     string          `json:"user_address"`
	Amount          string          `json:"amount"`
	TxHash          string          `json:"tx_hash"`
	ProviderPayload json.RawMessage `json:"provider_payload,omitempty"`
	TargetGoalID    string          `json:"target_goal_id,omitempty"`
	MetaGoalID      string          `json:"meta_goal_id,omitempty"`
	ChainID         string          `json:"chain_id,omitempty"`
	VaultAddress    string          `json:"vault_address,omitempty"`
	ContractAddress string          `json:"contract_address,omitempty"`
}

// Config wires the coordinator.
type Config struct {
	Chain      Chain
	Store      Store
	Goals      GoalResolver
	Completion CompletionChecker
	Hook       CompletionHook
	Logger     *logging.Logger
	Metrics    *metrics.Metrics
	// ChainTimeout bounds the vault allocation call.
	ChainTimeout time.Duration
}

// Coordinator performs settlements.
type Coordinator struct {
	chain      Chain
	store      Store
	goals      GoalResolver
	completion CompletionChecker
	hook       CompletionHook
	logger     *logging.Logger
	metrics    *metrics.Metrics
	timeout    time.Duration
	now        func() time.Time
}

// NewCoordinator builds a coordinator.
func NewCoordinator(cfg Config) *Coordinator {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewDiscard("allocation")
	}
	timeout := cfg.ChainTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Coordinator{
		chain:      cfg.Chain,
		store:      cfg.Store,
		goals:      cfg.Goals,
		completion: cfg.Completion,
		hook:       cfg.Hook,
		logger:     logger,
		metrics:    cfg.Metrics,
		timeout:    timeout,
		now:        time.Now,
	}
}

// normalize validates the request shape and canonicalizes its fields.
func normalize(req Request) (Request, *big.Int, error) {
	req.SettlementID = strings.TrimSpace(req.SettlementID)
	if req.SettlementID == "" {
		return req, nil, errors.InvalidInput("provider_payload", "must embed a provider transaction code")
	}
	req.Asset = strings.ToUpper(strings.TrimSpace(req.Asset))
	if req.Asset == "" {
		return req, nil, errors.InvalidInput("asset", "is required")
	}
	req.Amount = strings.TrimSpace(req.Amount)
	if !amountPattern.MatchString(req.Amount) {
		return req, nil, errors.InvalidInput("amount", "must be a non-negative integer string without separators")
	}
	amount, _ := new(big.Int).SetString(req.Amount, 10)

	user, err := chain.ParseHash160(req.UserAddress)
	if err != nil {
		return req, nil, errors.InvalidInput("user_address", "must be a Neo address or script hash")
	}
	req.UserAddress = chain.AddressOf(user)

	if _, err := chain.ParseTxHash(req.TxHash); err != nil {
		return req, nil, errors.InvalidInput("tx_hash", "must be a 0x-prefixed transaction hash")
	}
	req.TxHash = chain.NormalizeTxHash(req.TxHash)
	return req, amount, nil
}

// matchRecord rejects a request that disagrees with the settlement already on
// record. Fields the record did not have yet were just filled from req.
func matchRecord(rec *database.SettlementRecord, req Request, amount *big.Int) error {
	const reason = "does not match the value recorded for this settlement"
	if rec.TxHash != "" && chain.NormalizeTxHash(rec.TxHash) != req.TxHash {
		return errors.InvalidInput("tx_hash", reason)
	}
	if rec.UserAddress != "" {
		user, err := chain.ParseHash160(rec.UserAddress)
		if err != nil || chain.AddressOf(user) != req.UserAddress {
			return errors.InvalidInput("user_address", reason)
		}
	}
	if rec.Amount != "" {
		recorded, ok := new(big.Int).SetString(strings.TrimSpace(rec.Amount), 10)
		if !ok || recorded.Cmp(amount) != 0 {
			return errors.InvalidInput("amount", reason)
		}
	}
	if rec.Asset != "" && !strings.EqualFold(strings.TrimSpace(rec.Asset), req.Asset) {
		return errors.InvalidInput("asset", reason)
	}
	return nil
}

// Allocate settles req exactly once. A settlement that already succeeded
// returns its stored response; one that another caller holds fails with a
// conflict and has no side effects.
func (c *Coordinator) Allocate(ctx context.Context, req Request) (*database.AllocationResponse, error) {
	start := c.now()
	req, amount, err := normalize(req)
	if err != nil {
		c.recordOutcome("invalid", start)
		return nil, err
	}
	log := c.logger.WithContext(ctx).WithFields(map[string]interface{}{
		"settlement_id": req.SettlementID,
		"tx_hash":       req.TxHash,
		"asset":         req.Asset,
	})

	rec, err := c.store.UpsertSettlement(ctx, &database.SettlementRecord{
		Code:         req.SettlementID,
		Provider:     req.Provider,
		Amount:       req.Amount,
		Asset:        req.Asset,
		UserAddress:  req.UserAddress,
		TxHash:       req.TxHash,
		ChainID:      req.ChainID,
		VaultAddress: req.VaultAddress,
		TargetGoalID: req.TargetGoalID,
		MetaGoalID:   req.MetaGoalID,
		Payload:      req.ProviderPayload,
	})
	if err != nil {
		c.recordOutcome("error", start)
		return nil, errors.Network("store settlement", err)
	}
	if err := matchRecord(rec, req, amount); err != nil {
		c.recordOutcome("invalid", start)
		log.WithError(err).Warn("request disagrees with recorded settlement")
		return nil, err
	}

	if _, err := c.store.ClaimSettlement(ctx, req.SettlementID, c.now().UTC()); err != nil {
		switch {
		case errors.Is(err, database.ErrAlreadySettled):
			stored, gerr := c.store.GetSettlement(ctx, req.SettlementID)
			if gerr != nil {
				return nil, errors.Network("load settlement", gerr)
			}
			if stored.Allocation.Response == nil {
				return nil, errors.Internal("settled record has no response", nil)
			}
			log.Info("settlement already allocated, replaying stored response")
			c.recordOutcome("replayed", start)
			return stored.Allocation.Response, nil
		case errors.Is(err, database.ErrAlreadyClaimed):
			c.recordOutcome("conflict", start)
			return nil, errors.AlreadyInProgress(req.SettlementID)
		default:
			c.recordOutcome("error", start)
			return nil, errors.Network("claim settlement", err)
		}
	}

	resp, txHash, procErr := c.process(ctx, req, amount)

	result := database.SettlementResult{At: c.now().UTC(), TxHash: txHash}
	if procErr == nil {
		result.Status = database.StatusSuccess
		result.Response = resp
	} else {
		result.Status = database.StatusFailed
		result.Retryable = errors.IsRetryable(procErr)
		result.Error = procErr.Error()
		result.ErrorCode = string(errors.Code(procErr))
	}

	// The claim must be released even when the caller went away.
	if _, err := c.store.FinishSettlement(logging.Detach(ctx), req.SettlementID, result); err != nil {
		log.WithError(err).Error("failed to record settlement outcome")
		if procErr == nil {
			c.recordOutcome("success", start)
			return resp, nil
		}
	}

	if procErr != nil {
		log.WithError(procErr).WithFields(map[string]interface{}{
			"retryable": result.Retryable,
			"kind":      errors.Classify(procErr),
		}).Warn("allocation failed")
		c.recordOutcome(string(errors.Classify(procErr)), start)
		return nil, procErr
	}
	c.recordOutcome("success", start)
	log.WithFields(map[string]interface{}{"deposit_id": resp.DepositID, "goal_id": resp.GoalID}).Info("settlement allocated")
	return resp, nil
}

// process runs the steps between claim and finish. It returns the allocation
// transaction hash when the vault call happened.
func (c *Coordinator) process(ctx context.Context, req Request, amount *big.Int) (*database.AllocationResponse, string, error) {
	log := c.logger.WithContext(ctx).WithField("settlement_id", req.SettlementID)

	chainID, err := c.chain.ResolveChain(chain.Hint{
		ChainID:         req.ChainID,
		VaultAddress:    req.VaultAddress,
		ContractAddress: req.ContractAddress,
	})
	if err != nil {
		return nil, "", errors.InvalidInput("chain", err.Error())
	}
	vault, err := c.chain.VaultInfo(chainID, req.Asset)
	if err != nil {
		return nil, "", errors.InvalidInput("asset", err.Error())
	}

	receipt, err := c.chain.WaitForReceipt(ctx, chainID, req.TxHash)
	if err != nil {
		if errors.Classify(err) == errors.KindNotFound {
			return nil, "", errors.ReceiptNotFound(req.TxHash, err)
		}
		return nil, "", errors.Network("fetch receipt", err)
	}
	if err := verifyTransfer(receipt, vault, amount); err != nil {
		return nil, "", err
	}

	c.precheck(ctx, chainID, req, amount)

	alloc, err := c.allocate(ctx, chainID, req, amount)
	if err != nil {
		return nil, "", err
	}

	resp := &database.AllocationResponse{
		DepositID:        alloc.DepositID.String(),
		Shares:           alloc.Shares.String(),
		FormattedShares:  FormatShares(alloc.Shares, vault.Decimals),
		AllocationTxHash: alloc.TxHash,
		Duplicate:        alloc.Duplicate,
	}

	res := c.goals.ResolveGoal(ctx, goals.Request{
		ChainID:      chainID,
		Vault:        *vault,
		User:         req.UserAddress,
		DepositID:    alloc.DepositID,
		TargetGoalID: req.TargetGoalID,
		MetaGoalID:   req.MetaGoalID,
	})
	resp.GoalID = res.GoalIDString()
	if res.Attached {
		resp.MetaGoalID = res.MetaGoalID
	}

	if !alloc.Duplicate {
		if err := c.chain.RecordLeaderboard(ctx, chainID, req.UserAddress, amount); err != nil {
			log.WithError(err).Warn("leaderboard update failed")
		}
		if err := c.store.AppendActivity(ctx, &database.ActivityEvent{
			UserAddress: req.UserAddress,
			Activity:    ActivityDeposit,
			Reference:   req.SettlementID,
			CreatedAt:   c.now().UTC(),
		}); err != nil {
			log.WithError(err).Warn("activity log append failed")
		}
	}

	if resp.MetaGoalID != "" && c.completion != nil {
		complete, err := c.completion.Complete(ctx, resp.MetaGoalID)
		switch {
		case err != nil:
			log.WithError(err).Warn("completion check failed")
		case complete:
			resp.GoalCompleted = true
			if c.hook != nil {
				c.hook.GoalCompleted(ctx, resp.MetaGoalID)
			}
		}
	}
	return resp, alloc.TxHash, nil
}

// precheck logs on-chain duplicate markers and deposit cap headroom. It never
// blocks the allocation; the vault remains the authority.
func (c *Coordinator) precheck(ctx context.Context, chainID string, req Request, amount *big.Int) {
	log := c.logger.WithContext(ctx).WithField("settlement_id", req.SettlementID)
	processed, err := c.chain.IsProcessed(ctx, chainID, req.Asset, req.TxHash)
	if err != nil {
		log.WithError(err).Debug("duplicate pre-check failed")
	} else if processed {
		log.Info("vault reports source transaction already processed")
	}

	total, limit, err := c.chain.DepositHeadroom(ctx, chainID, req.Asset, req.UserAddress)
	if err != nil {
		log.WithError(err).Debug("deposit cap pre-check failed")
		return
	}
	if limit != nil && limit.Sign() > 0 && new(big.Int).Add(total, amount).Cmp(limit) > 0 {
		log.WithFields(map[string]interface{}{"total": total.String(), "cap": limit.String()}).Warn("deposit may exceed user cap")
	}
}

// allocate calls the vault under the coordinator timeout. An already
// processed revert is turned into the stored deposit of the earlier call.
func (c *Coordinator) allocate(ctx context.Context, chainID string, req Request, amount *big.Int) (*chain.Allocation, error) {
	actx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	alloc, err := c.chain.Allocate(actx, chainID, req.Asset, req.UserAddress, amount, req.TxHash)
	if err == nil {
		return alloc, nil
	}
	if errors.Is(err, chain.ErrAlreadyProcessed) {
		prior, perr := c.chain.ProcessedDeposit(ctx, chainID, req.Asset, req.TxHash)
		if perr != nil {
			return nil, errors.Network("load processed deposit", perr)
		}
		prior.Duplicate = true
		return prior, nil
	}
	if errors.Is(err, context.DeadlineExceeded) || actx.Err() != nil {
		return nil, errors.Timeout("vault allocation", err)
	}
	switch errors.Classify(err) {
	case errors.KindOnChainRejection:
		return nil, errors.OnChainRejected("vault rejected allocation", err)
	case errors.KindTransient, errors.KindNotFound:
		return nil, errors.Network("vault allocation", err)
	default:
		return nil, errors.Internal("vault allocation failed", err)
	}
}

// FormatShares renders shares at the vault's decimals truncated to
// FormattedShareDigits fractional digits.
func FormatShares(shares *big.Int, decimals int32) string {
	if shares == nil {
		return decimal.Zero.StringFixed(FormattedShareDigits)
	}
	return decimal.NewFromBigInt(shares, -decimals).Truncate(FormattedShareDigits).StringFixed(FormattedShareDigits)
}

func (c *Coordinator) recordOutcome(outcome string, start time.Time) {
	if c.metrics != nil {
		c.metrics.RecordAllocation(outcome, c.now().Sub(start))
	}
}
