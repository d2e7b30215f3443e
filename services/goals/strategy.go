package goals

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/R3E-Network/settlement_layer/internal/chain"
	"github.com/R3E-Network/settlement_layer/internal/database"
	"github.com/R3E-Network/settlement_layer/internal/errors"
	"github.com/R3E-Network/settlement_layer/internal/logging"
)

// Strategy names, also used as metric labels.
const (
	StrategyMetaGoal   = "meta_goal"
	StrategyExplicit   = "explicit_target"
	StrategyAutoExpand = "auto_expand"
	StrategyQuicksave  = "quicksave"
	StrategyNone       = "none"
)

// Match is a candidate goal found by a strategy.
type Match struct {
	GoalID     *big.Int
	MetaGoalID string
}

// Strategy is one step of the fallback chain. matched=false lets the next
// strategy run; an error does the same after being logged.
type Strategy interface {
	Name() string
	Resolve(ctx context.Context, req Request) (m Match, matched bool, err error)
}

// validateGoal checks that goal id exists on chain and belongs to vault.
func validateGoal(ctx context.Context, c Chain, chainID, id string, vault chain.VaultInfo) (*big.Int, bool, error) {
	goalID, ok := new(big.Int).SetString(id, 10)
	if !ok || goalID.Sign() <= 0 {
		return nil, false, nil
	}
	goal, err := c.GetGoal(ctx, chainID, goalID)
	if err != nil {
		if errors.Is(err, chain.ErrGoalNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	if chain.HashString(goal.Vault) != vault.Address {
		return nil, false, nil
	}
	return goalID, true, nil
}

// =============================================================================
// Meta-goal routing
// =============================================================================

type metaGoalStrategy struct {
	chain Chain
	store database.GoalStore
}

func (s *metaGoalStrategy) Name() string { return StrategyMetaGoal }

func (s *metaGoalStrategy) Resolve(ctx context.Context, req Request) (Match, bool, error) {
	if req.MetaGoalID == "" || req.TargetGoalID != "" {
		return Match{}, false, nil
	}
	mg, err := s.store.GetMetaGoal(ctx, req.MetaGoalID)
	if err != nil {
		if database.IsNotFound(err) {
			return Match{}, false, nil
		}
		return Match{}, false, err
	}
	id, ok := mg.GoalFor(req.ChainID, req.Vault.Asset)
	if !ok {
		return Match{}, false, nil
	}
	goalID, ok, err := validateGoal(ctx, s.chain, req.ChainID, id, req.Vault)
	if err != nil || !ok {
		return Match{}, false, err
	}
	return Match{GoalID: goalID, MetaGoalID: mg.ID}, true, nil
}

// =============================================================================
// Explicit target
// =============================================================================

type explicitTargetStrategy struct {
	chain  Chain
	store  database.GoalStore
	logger *logging.Logger
}

func (s *explicitTargetStrategy) Name() string { return StrategyExplicit }

func (s *explicitTargetStrategy) Resolve(ctx context.Context, req Request) (Match, bool, error) {
	if req.TargetGoalID == "" {
		return Match{}, false, nil
	}
	goalID, ok, err := validateGoal(ctx, s.chain, req.ChainID, req.TargetGoalID, req.Vault)
	if err != nil || !ok {
		return Match{}, false, err
	}
	m := Match{GoalID: goalID}
	owner, err := s.owner(ctx, req, goalID.String())
	switch {
	case err != nil:
		s.logger.WithContext(ctx).WithError(err).WithField("goal_id", goalID.String()).
			Warn("meta-goal lookup for explicit target failed")
	case owner != nil:
		m.MetaGoalID = owner.ID
	}
	return m, true, nil
}

// owner returns the meta-goal whose leg for the deposit's chain and asset is
// goalID, checking the requested meta-goal first. Nil when no meta-goal owns it.
func (s *explicitTargetStrategy) owner(ctx context.Context, req Request, goalID string) (*database.MetaGoal, error) {
	if req.MetaGoalID != "" {
		mg, err := s.store.GetMetaGoal(ctx, req.MetaGoalID)
		switch {
		case err == nil:
			if id, ok := mg.GoalFor(req.ChainID, req.Vault.Asset); ok && id == goalID {
				return mg, nil
			}
		case !database.IsNotFound(err):
			return nil, err
		}
	}
	mg, err := s.store.FindMetaGoalByChainGoal(ctx, database.LegKey(req.ChainID, req.Vault.Asset), goalID)
	if database.IsNotFound(err) {
		return nil, nil
	}
	return mg, err
}

// =============================================================================
// Auto-expansion
// =============================================================================

// autoExpandStrategy creates the missing (chain, asset) leg of a meta-goal the
// user participates in.
type autoExpandStrategy struct {
	chain   Chain
	store   database.GoalStore
	horizon time.Duration
	now     func() time.Time
}

func (s *autoExpandStrategy) Name() string { return StrategyAutoExpand }

func (s *autoExpandStrategy) Resolve(ctx context.Context, req Request) (Match, bool, error) {
	candidates, err := s.store.ListMetaGoalsByParticipant(ctx, req.User)
	if err != nil {
		return Match{}, false, err
	}
	mg := pickExpandable(candidates, req)
	if mg == nil {
		return Match{}, false, nil
	}

	target := mg.TargetAmountUSD.Shift(req.Vault.Decimals).BigInt()
	if target.Sign() <= 0 {
		return Match{}, false, fmt.Errorf("meta-goal %s has no usable target amount", mg.ID)
	}
	targetDate := s.now().Add(s.horizon)
	if mg.TargetDate != nil && mg.TargetDate.After(s.now()) {
		targetDate = *mg.TargetDate
	}

	goalID, err := s.chain.CreateGoal(ctx, req.ChainID, req.Vault.Asset, req.User, target, targetDate)
	if err != nil {
		return Match{}, false, fmt.Errorf("create goal for meta-goal %s: %w", mg.ID, err)
	}

	leg := database.LegKey(req.ChainID, req.Vault.Asset)
	err = s.store.SetChainGoal(ctx, mg.ID, leg, goalID.String())
	switch {
	case err == nil:
		return Match{GoalID: goalID, MetaGoalID: mg.ID}, true, nil
	case errors.Is(err, database.ErrLegExists):
		// A concurrent allocation won the leg; route to the recorded goal.
		current, gerr := s.store.GetMetaGoal(ctx, mg.ID)
		if gerr != nil {
			return Match{}, false, gerr
		}
		id, ok := current.GoalFor(req.ChainID, req.Vault.Asset)
		if !ok {
			return Match{}, false, nil
		}
		existing, ok, verr := validateGoal(ctx, s.chain, req.ChainID, id, req.Vault)
		if verr != nil || !ok {
			return Match{}, false, verr
		}
		return Match{GoalID: existing, MetaGoalID: mg.ID}, true, nil
	default:
		return Match{}, false, fmt.Errorf("persist leg %s of meta-goal %s: %w", leg, mg.ID, err)
	}
}

// pickExpandable prefers the requested meta-goal, then the oldest one the user
// participates in that lacks a leg for the deposit's chain and asset.
func pickExpandable(goals []*database.MetaGoal, req Request) *database.MetaGoal {
	var first *database.MetaGoal
	for _, mg := range goals {
		if _, ok := mg.GoalFor(req.ChainID, req.Vault.Asset); ok {
			continue
		}
		if mg.ID == req.MetaGoalID {
			return mg
		}
		if first == nil {
			first = mg
		}
	}
	return first
}

// =============================================================================
// Quicksave fallback
// =============================================================================

type quicksaveStrategy struct {
	chain Chain
}

func (s *quicksaveStrategy) Name() string { return StrategyQuicksave }

func (s *quicksaveStrategy) Resolve(ctx context.Context, req Request) (Match, bool, error) {
	id, err := s.chain.QuicksaveGoal(ctx, req.ChainID, req.Vault.Asset, req.User)
	if err != nil {
		return Match{}, false, err
	}
	if id == nil || id.Sign() == 0 {
		id, err = s.chain.CreateQuicksaveGoal(ctx, req.ChainID, req.Vault.Asset, req.User)
		if err != nil {
			return Match{}, false, err
		}
	}
	return Match{GoalID: id}, id != nil && id.Sign() > 0, nil
}
