// Package goals decides which savings goal a freshly allocated deposit is
// attached to.
//
// Resolution walks an ordered list of strategies (meta-goal routing, explicit
// target, auto-expansion, quicksave) and stops at the first match. The matched
// goal then receives the deposit through an on-behalf attachment. Nothing in
// this package fails an allocation: every error degrades to "unattached".
package goals

import (
	"context"
	"math/big"
	"time"

	"github.com/R3E-Network/settlement_layer/internal/chain"
	"github.com/R3E-Network/settlement_layer/internal/database"
	"github.com/R3E-Network/settlement_layer/internal/errors"
	"github.com/R3E-Network/settlement_layer/internal/logging"
	"github.com/R3E-Network/settlement_layer/internal/metrics"
)

// Chain is the goal-manager surface the resolver needs. *chain.Gateway
// implements it.
type Chain interface {
	GetGoal(ctx context.Context, chainID string, goalID *big.Int) (*chain.Goal, error)
	QuicksaveGoal(ctx context.Context, chainID, asset, user string) (*big.Int, error)
	CreateQuicksaveGoal(ctx context.Context, chainID, asset, user string) (*big.Int, error)
	CreateGoal(ctx context.Context, chainID, asset, owner string, target *big.Int, targetDate time.Time) (*big.Int, error)
	AttachDeposit(ctx context.Context, chainID, owner string, goalID, depositID *big.Int) error
}

// Request describes the deposit being placed.
type Request struct {
	ChainID string
	// Vault is the vault the deposit was minted in.
	Vault chain.VaultInfo
	// User is the deposit owner as a Neo address.
	User string
	// DepositID is the vault deposit index to attach. Nil skips attachment.
	DepositID *big.Int
	// TargetGoalID is an explicit on-chain goal id chosen by the user.
	TargetGoalID string
	// MetaGoalID routes the deposit through a meta-goal's (chain, asset) leg.
	MetaGoalID string
}

// Result is the resolver outcome. GoalID is nil when the deposit stays
// unattached.
type Result struct {
	GoalID   *big.Int
	Strategy string
	// MetaGoalID is the meta-goal whose leg received the deposit, if any.
	MetaGoalID string
	Attached   bool
}

// Unattached reports whether no goal received the deposit.
func (r Result) Unattached() bool {
	return r.GoalID == nil || r.GoalID.Sign() == 0
}

// GoalIDString renders the goal id, "0" when unattached.
func (r Result) GoalIDString() string {
	if r.Unattached() {
		return "0"
	}
	return r.GoalID.String()
}

// Config wires the resolver.
type Config struct {
	Chain   Chain
	Store   database.GoalStore
	Logger  *logging.Logger
	Metrics *metrics.Metrics
	// DefaultGoalHorizon is the target date of auto-expanded goals whose
	// meta-goal has none.
	DefaultGoalHorizon time.Duration
}

// Resolver picks and attaches goals.
type Resolver struct {
	chain      Chain
	store      database.GoalStore
	logger     *logging.Logger
	metrics    *metrics.Metrics
	strategies []Strategy
	now        func() time.Time
}

// NewResolver builds a resolver with the default strategy order.
func NewResolver(cfg Config) *Resolver {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewDiscard("goals")
	}
	horizon := cfg.DefaultGoalHorizon
	if horizon <= 0 {
		horizon = 365 * 24 * time.Hour
	}
	r := &Resolver{
		chain:   cfg.Chain,
		store:   cfg.Store,
		logger:  logger,
		metrics: cfg.Metrics,
		now:     time.Now,
	}
	r.strategies = []Strategy{
		&metaGoalStrategy{chain: cfg.Chain, store: cfg.Store},
		&explicitTargetStrategy{chain: cfg.Chain, store: cfg.Store, logger: logger},
		&autoExpandStrategy{chain: cfg.Chain, store: cfg.Store, horizon: horizon, now: r.clock},
		&quicksaveStrategy{chain: cfg.Chain},
	}
	return r
}

func (r *Resolver) clock() time.Time { return r.now() }

// Strategies returns the strategy names in priority order.
func (r *Resolver) Strategies() []string {
	names := make([]string, len(r.strategies))
	for i, s := range r.strategies {
		names[i] = s.Name()
	}
	return names
}

// ResolveGoal selects a goal and attaches req.DepositID to it. It never
// returns an error; failures are logged and yield an unattached result.
func (r *Resolver) ResolveGoal(ctx context.Context, req Request) Result {
	log := r.logger.WithContext(ctx).WithFields(map[string]interface{}{
		"chain_id": req.ChainID,
		"asset":    req.Vault.Asset,
		"user":     req.User,
	})

	var (
		res     Result
		matched bool
	)
	for _, s := range r.strategies {
		m, ok, err := s.Resolve(ctx, req)
		if err != nil {
			log.WithError(err).WithField("strategy", s.Name()).Warn("goal strategy failed")
			continue
		}
		if !ok {
			continue
		}
		res = Result{GoalID: m.GoalID, Strategy: s.Name(), MetaGoalID: m.MetaGoalID}
		matched = true
		break
	}
	if !matched {
		r.record(StrategyNone)
		return Result{Strategy: StrategyNone}
	}

	if req.DepositID != nil {
		if err := r.chain.AttachDeposit(ctx, req.ChainID, req.User, res.GoalID, req.DepositID); err != nil {
			entry := log.WithError(err).WithField("goal_id", res.GoalID.String())
			if errors.Is(err, chain.ErrGoalUnlocked) || errors.Is(err, chain.ErrGoalNotFound) {
				entry.Info("goal rejected attachment, deposit stays unattached")
			} else {
				entry.Warn("attach deposit failed, deposit stays unattached")
			}
			r.record(StrategyNone)
			return Result{Strategy: StrategyNone}
		}
		res.Attached = true
	}

	r.record(res.Strategy)
	log.WithFields(map[string]interface{}{"goal_id": res.GoalID.String(), "strategy": res.Strategy}).Info("goal resolved")
	return res
}

func (r *Resolver) record(strategy string) {
	if r.metrics != nil {
		r.metrics.RecordGoalResolution(strategy)
	}
}
