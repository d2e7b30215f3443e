// Package rewards grants experience points for completed meta-goals,
// account verification and recorded activity.
//
// Every credit goes through the ledger store's guarded increment, keyed by a
// source id, so a retried or concurrent award never credits a user twice.
package rewards

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/nspcc-dev/neo-go/pkg/util"
	"github.com/shopspring/decimal"

	"github.com/R3E-Network/settlement_layer/internal/chain"
	"github.com/R3E-Network/settlement_layer/internal/database"
	"github.com/R3E-Network/settlement_layer/internal/errors"
	"github.com/R3E-Network/settlement_layer/internal/fanout"
	"github.com/R3E-Network/settlement_layer/internal/logging"
	"github.com/R3E-Network/settlement_layer/internal/metrics"
)

// XP history reasons.
const (
	ReasonGoalCompleted = "goal_completed"
	ReasonVerification  = "verification"
	ReasonActivity      = "activity"
)

const cursorAttempts = 3

// Chain is the read surface used to verify completion. *chain.Gateway
// implements it.
type Chain interface {
	GetGoal(ctx context.Context, chainID string, goalID *big.Int) (*chain.Goal, error)
	VaultByHash(chainID string, hash util.Uint160) (*chain.VaultInfo, error)
	DepositValue(ctx context.Context, chainID string, vault, owner util.Uint160, depositID *big.Int) (*big.Int, error)
}

// Store is the ledger surface of the engine.
type Store interface {
	database.GoalStore
	database.XPStore
}

// Config wires the engine.
type Config struct {
	Chain   Chain
	Store   Store
	Pool    *fanout.Pool
	Logger  *logging.Logger
	Metrics *metrics.Metrics

	XPPerUSD       int64
	VerificationXP int64
	ActivityXP     int64
}

// Engine awards XP.
type Engine struct {
	chain   Chain
	store   Store
	pool    *fanout.Pool
	logger  *logging.Logger
	metrics *metrics.Metrics

	xpPerUSD       int64
	verificationXP int64
	activityXP     int64

	now func() time.Time
	wg  sync.WaitGroup
}

// Recipient is one credited contributor.
type Recipient struct {
	Address string `json:"address"`
	Amount  int64  `json:"amount"`
}

// AwardResult is the outcome of CheckAndAward.
type AwardResult struct {
	MetaGoalID string      `json:"meta_goal_id"`
	Awarded    bool        `json:"awarded"`
	Recipients []Recipient `json:"recipients"`
	// Reason explains a false Awarded.
	Reason string `json:"reason,omitempty"`
}

// Reasons reported when nothing was awarded.
const (
	NotAwardedAlreadyAwarded = "already_awarded"
	NotAwardedIncomplete     = "not_complete"
	NotAwardedCrossChain     = "cross_chain"
	NotAwardedNoContributors = "no_contributors"
)

// NewEngine builds an engine.
func NewEngine(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewDiscard("rewards")
	}
	pool := cfg.Pool
	if pool == nil {
		pool = fanout.NewPool(4, 0)
	}
	xpPerUSD := cfg.XPPerUSD
	if xpPerUSD <= 0 {
		xpPerUSD = 1
	}
	return &Engine{
		chain:          cfg.Chain,
		store:          cfg.Store,
		pool:           pool,
		logger:         logger,
		metrics:        cfg.Metrics,
		xpPerUSD:       xpPerUSD,
		verificationXP: cfg.VerificationXP,
		activityXP:     cfg.ActivityXP,
		now:            time.Now,
	}
}

// =============================================================================
// Completion
// =============================================================================

type contribution struct {
	owner util.Uint160
	value decimal.Decimal
}

type legProgress struct {
	complete      bool
	contributions []contribution
}

// Complete reports whether every leg of the meta-goal reached its target.
// Cross-chain meta-goals are never reported complete.
func (e *Engine) Complete(ctx context.Context, metaGoalID string) (bool, error) {
	mg, err := e.store.GetMetaGoal(ctx, metaGoalID)
	if err != nil {
		return false, err
	}
	complete, _, _, err := e.verify(ctx, mg)
	return complete, err
}

// verify returns completion, the reason when incomplete and the per-deposit
// contributions across all legs.
func (e *Engine) verify(ctx context.Context, mg *database.MetaGoal) (bool, string, []contribution, error) {
	if len(mg.ChainGoals) == 0 {
		return false, NotAwardedIncomplete, nil, nil
	}
	if mg.IsCrossChain() {
		return false, NotAwardedCrossChain, nil, nil
	}

	keys := make([]string, 0, len(mg.ChainGoals))
	for k := range mg.ChainGoals {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var all []contribution
	for _, key := range keys {
		chainID, _ := database.SplitLegKey(key)
		p, err := e.legProgress(ctx, chainID, mg.ChainGoals[key])
		if err != nil {
			return false, "", nil, fmt.Errorf("leg %s: %w", key, err)
		}
		if !p.complete {
			return false, NotAwardedIncomplete, nil, nil
		}
		all = append(all, p.contributions...)
	}
	return true, "", all, nil
}

func (e *Engine) legProgress(ctx context.Context, chainID, goalIDStr string) (*legProgress, error) {
	goalID, ok := new(big.Int).SetString(goalIDStr, 10)
	if !ok {
		return nil, fmt.Errorf("invalid goal id %q", goalIDStr)
	}
	goal, err := e.chain.GetGoal(ctx, chainID, goalID)
	if err != nil {
		return nil, err
	}
	vault, err := e.chain.VaultByHash(chainID, goal.Vault)
	if err != nil {
		return nil, err
	}

	values, err := fanout.Map(ctx, e.pool, goal.Attachments, func(ctx context.Context, a chain.Attachment) (*big.Int, error) {
		return e.chain.DepositValue(ctx, chainID, goal.Vault, a.Owner, a.DepositID)
	})
	if err != nil {
		return nil, fmt.Errorf("deposit values of goal %s: %w", goalIDStr, err)
	}

	total := new(big.Int)
	out := &legProgress{contributions: make([]contribution, 0, len(values))}
	for i, v := range values {
		total.Add(total, v)
		out.contributions = append(out.contributions, contribution{
			owner: goal.Attachments[i].Owner,
			value: decimal.NewFromBigInt(v, -vault.Decimals),
		})
	}
	out.complete = goal.Completed || (goal.TargetAmount != nil && goal.TargetAmount.Sign() > 0 && total.Cmp(goal.TargetAmount) >= 0)
	return out, nil
}

// =============================================================================
// Meta-goal award
// =============================================================================

// SourceID is the XP guard key of a meta-goal completion.
func SourceID(metaGoalID string) string {
	return "meta:" + metaGoalID
}

// CheckAndAward claims the meta-goal's award flag, verifies completion and
// credits every contributor once. The flag is released when the goal turns
// out incomplete or crediting fails, so a later call can retry.
func (e *Engine) CheckAndAward(ctx context.Context, metaGoalID string) (*AwardResult, error) {
	log := e.logger.WithContext(ctx).WithField("meta_goal_id", metaGoalID)
	res := &AwardResult{MetaGoalID: metaGoalID, Recipients: []Recipient{}}

	if err := e.store.ClaimXPAward(ctx, metaGoalID, e.now().UTC()); err != nil {
		if errors.Is(err, database.ErrAlreadyClaimed) {
			res.Reason = NotAwardedAlreadyAwarded
			return res, nil
		}
		if database.IsNotFound(err) {
			return nil, errors.NotFound("meta_goal", metaGoalID)
		}
		return nil, err
	}

	release := func(reason string) {
		if err := e.store.ReleaseXPAward(ctx, metaGoalID); err != nil {
			log.WithError(err).Error("release xp award flag")
		}
		res.Reason = reason
	}

	mg, err := e.store.GetMetaGoal(ctx, metaGoalID)
	if err != nil {
		release("")
		return nil, err
	}
	complete, reason, contributions, err := e.verify(ctx, mg)
	if err != nil {
		release("")
		return nil, err
	}
	if !complete {
		release(reason)
		log.WithField("reason", reason).Info("meta-goal not complete, award flag released")
		return res, nil
	}

	shares := e.shares(mg, contributions)
	if len(shares) == 0 {
		release(NotAwardedNoContributors)
		return res, nil
	}

	completedAt := e.now().UTC()
	var failed []error
	for _, s := range shares {
		ok, err := e.store.AwardXP(ctx, s.Address, database.XPHistoryEntry{
			SourceID:    SourceID(metaGoalID),
			Reason:      ReasonGoalCompleted,
			Amount:      s.Amount,
			CompletedAt: completedAt,
		})
		if err != nil {
			failed = append(failed, fmt.Errorf("award %s: %w", s.Address, err))
			continue
		}
		if ok {
			res.Recipients = append(res.Recipients, s)
			e.recordXP(ReasonGoalCompleted, s.Amount)
		}
	}
	if len(failed) > 0 {
		release("")
		return nil, errors.Join(failed...)
	}

	res.Awarded = true
	log.WithField("recipients", len(res.Recipients)).Info("meta-goal xp awarded")
	return res, nil
}

// shares splits floor(target_usd × XPPerUSD) across owners proportionally to
// the current value of their attached deposits. Remainders are dropped.
func (e *Engine) shares(mg *database.MetaGoal, contributions []contribution) []Recipient {
	pool := mg.TargetAmountUSD.Mul(decimal.NewFromInt(e.xpPerUSD)).Floor()

	byOwner := make(map[string]decimal.Decimal)
	total := decimal.Zero
	for _, c := range contributions {
		if !c.value.IsPositive() {
			continue
		}
		addr := chain.AddressOf(c.owner)
		byOwner[addr] = byOwner[addr].Add(c.value)
		total = total.Add(c.value)
	}
	if total.IsZero() || !pool.IsPositive() {
		return nil
	}

	owners := make([]string, 0, len(byOwner))
	for o := range byOwner {
		owners = append(owners, o)
	}
	sort.Strings(owners)

	out := make([]Recipient, 0, len(owners))
	for _, o := range owners {
		amount := pool.Mul(byOwner[o]).Div(total).Floor().IntPart()
		if amount > 0 {
			out = append(out, Recipient{Address: o, Amount: amount})
		}
	}
	return out
}

// GoalCompleted runs CheckAndAward in the background. It satisfies the
// allocation coordinator's completion hook and never blocks the caller.
func (e *Engine) GoalCompleted(ctx context.Context, metaGoalID string) {
	ctx = logging.Detach(ctx)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		res, err := e.CheckAndAward(ctx, metaGoalID)
		log := e.logger.WithContext(ctx).WithField("meta_goal_id", metaGoalID)
		if err != nil {
			log.WithError(err).Warn("completion award failed")
			return
		}
		log.WithFields(map[string]interface{}{"awarded": res.Awarded, "reason": res.Reason}).Debug("completion award finished")
	}()
}

// Wait blocks until background awards started by GoalCompleted return.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// =============================================================================
// Verification and activity bonuses
// =============================================================================

// AwardVerification credits the one-time verification bonus.
func (e *Engine) AwardVerification(ctx context.Context, user string) (bool, error) {
	if e.verificationXP <= 0 {
		return false, nil
	}
	ok, err := e.store.AwardXP(ctx, user, database.XPHistoryEntry{
		SourceID:    ReasonVerification,
		Reason:      ReasonVerification,
		Amount:      e.verificationXP,
		CompletedAt: e.now().UTC(),
	})
	if err != nil {
		return false, err
	}
	if ok {
		e.recordXP(ReasonVerification, e.verificationXP)
	}
	return ok, nil
}

// CreditActivity credits the activity events logged since the user's last
// checkpoint and advances the checkpoint. It returns the number of newly
// credited events.
func (e *Engine) CreditActivity(ctx context.Context, user, activity string) (int64, error) {
	if e.activityXP <= 0 {
		return 0, nil
	}
	for attempt := 0; attempt < cursorAttempts; attempt++ {
		var cursor int64
		ledger, err := e.store.GetXPLedger(ctx, user)
		switch {
		case err == nil:
			cursor = ledger.ActivityCursors[activity]
		case database.IsNotFound(err):
		default:
			return 0, err
		}

		count, err := e.store.CountActivities(ctx, user, activity)
		if err != nil {
			return 0, err
		}
		if count <= cursor {
			return 0, nil
		}

		delta := count - cursor
		amount := delta * e.activityXP
		ok, err := e.store.AdvanceActivityCursor(ctx, user, activity, cursor, count, database.XPHistoryEntry{
			SourceID:    fmt.Sprintf("%s:%s:%d", ReasonActivity, activity, count),
			Reason:      ReasonActivity + ":" + activity,
			Amount:      amount,
			CompletedAt: e.now().UTC(),
		})
		if err != nil {
			return 0, err
		}
		if ok {
			e.recordXP(ReasonActivity, amount)
			return delta, nil
		}
	}
	return 0, nil
}

func (e *Engine) recordXP(reason string, amount int64) {
	if e.metrics != nil {
		e.metrics.RecordXPAward(reason, amount)
	}
}
