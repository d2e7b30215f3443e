package chain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/nspcc-dev/neo-go/pkg/util"
)

// =============================================================================
// Savings Vault
// =============================================================================

// Vault wraps a savings vault contract.
type Vault struct {
	client   *Client
	account  *Account
	hash     util.Uint160
	token    util.Uint160
	decimals int32
	opts     InvokeOptions
}

// Allocation is a deposit created on behalf of a user.
type Allocation struct {
	TxHash    string
	User      util.Uint160
	DepositID *big.Int
	Shares    *big.Int
	Principal *big.Int
	Duplicate bool
}

// Deposit is a vault position of a user.
type Deposit struct {
	ID        *big.Int
	Shares    *big.Int
	Principal *big.Int
	LockEnd   int64
}

func (v *Vault) Hash() util.Uint160  { return v.hash }
func (v *Vault) Token() util.Uint160 { return v.token }
func (v *Vault) Decimals() int32     { return v.decimals }

// IsProcessed reports whether sourceTx was already allocated.
func (v *Vault) IsProcessed(ctx context.Context, sourceTx util.Uint256) (bool, error) {
	stack, err := v.client.Read(ctx, v.hash, "isProcessed", sourceTx)
	if err != nil {
		return false, err
	}
	item, err := firstStackItem(stack, "isProcessed")
	if err != nil {
		return false, err
	}
	return ParseBoolean(item)
}

// UserTotal returns the principal the user has in the vault.
func (v *Vault) UserTotal(ctx context.Context, user util.Uint160) (*big.Int, error) {
	return v.readInt(ctx, "getUserTotal", user)
}

// DepositCap returns the per-user deposit cap. Zero means unlimited.
func (v *Vault) DepositCap(ctx context.Context) (*big.Int, error) {
	return v.readInt(ctx, "getDepositCap")
}

// ConvertToAssets returns the current asset value of shares.
func (v *Vault) ConvertToAssets(ctx context.Context, shares *big.Int) (*big.Int, error) {
	return v.readInt(ctx, "convertToAssets", shares)
}

// AllocateOnBehalf credits amount of an already received transfer to user.
func (v *Vault) AllocateOnBehalf(ctx context.Context, user util.Uint160, amount *big.Int, sourceTx util.Uint256) (*Allocation, error) {
	receipt, err := v.client.Invoke(ctx, v.account, v.hash, "allocateOnBehalf", v.opts, user, amount, sourceTx)
	if err != nil {
		return nil, err
	}

	events := receipt.Events("DepositCreated", &v.hash)
	if len(events) == 0 {
		return nil, fmt.Errorf("allocateOnBehalf %s: %w: no DepositCreated event", receipt.TxHash, ErrUnexpectedResult)
	}
	alloc, err := ParseDepositCreatedEvent(events[0])
	if err != nil {
		return nil, err
	}
	alloc.TxHash = receipt.TxHash
	return alloc, nil
}

// ProcessedDeposit looks up the deposit created for sourceTx.
func (v *Vault) ProcessedDeposit(ctx context.Context, sourceTx util.Uint256) (*Allocation, error) {
	stack, err := v.client.Read(ctx, v.hash, "getProcessedDeposit", sourceTx)
	if err != nil {
		return nil, err
	}
	item, err := firstStackItem(stack, "getProcessedDeposit")
	if err != nil {
		return nil, err
	}
	if item.Type == "Any" || item.Type == "Null" {
		return nil, fmt.Errorf("getProcessedDeposit: %w", ErrNotFound)
	}
	fields, err := ParseArray(item)
	if err != nil {
		return nil, err
	}
	if len(fields) < 3 {
		return nil, fmt.Errorf("getProcessedDeposit: %w: %d fields", ErrUnexpectedResult, len(fields))
	}
	alloc := &Allocation{Duplicate: true}
	if alloc.User, err = ParseHash160Item(fields[0]); err != nil {
		return nil, err
	}
	if alloc.DepositID, err = ParseInteger(fields[1]); err != nil {
		return nil, err
	}
	if alloc.Shares, err = ParseInteger(fields[2]); err != nil {
		return nil, err
	}
	return alloc, nil
}

// GetDeposit returns the user's deposit depositID.
func (v *Vault) GetDeposit(ctx context.Context, user util.Uint160, depositID *big.Int) (*Deposit, error) {
	stack, err := v.client.Read(ctx, v.hash, "getDeposit", user, depositID)
	if err != nil {
		return nil, err
	}
	item, err := firstStackItem(stack, "getDeposit")
	if err != nil {
		return nil, err
	}
	fields, err := ParseArray(item)
	if err != nil {
		return nil, err
	}
	if len(fields) < 2 {
		return nil, fmt.Errorf("getDeposit: %w: %d fields", ErrUnexpectedResult, len(fields))
	}
	d := &Deposit{ID: depositID}
	if d.Shares, err = ParseInteger(fields[0]); err != nil {
		return nil, err
	}
	if d.Principal, err = ParseInteger(fields[1]); err != nil {
		return nil, err
	}
	if len(fields) > 2 {
		lockEnd, err := ParseInteger(fields[2])
		if err != nil {
			return nil, err
		}
		d.LockEnd = lockEnd.Int64()
	}
	return d, nil
}

func (v *Vault) readInt(ctx context.Context, method string, args ...interface{}) (*big.Int, error) {
	stack, err := v.client.Read(ctx, v.hash, method, args...)
	if err != nil {
		return nil, err
	}
	item, err := firstStackItem(stack, method)
	if err != nil {
		return nil, err
	}
	return ParseInteger(item)
}

// ParseDepositCreatedEvent decodes DepositCreated(user, depositId, shares, principal).
func ParseDepositCreatedEvent(n Notification) (*Allocation, error) {
	if n.EventName != "DepositCreated" {
		return nil, fmt.Errorf("not a DepositCreated event")
	}
	state, err := ParseArray(n.State)
	if err != nil {
		return nil, err
	}
	if len(state) < 3 {
		return nil, fmt.Errorf("invalid DepositCreated event: expected at least 3 items, got %d", len(state))
	}
	a := &Allocation{}
	if a.User, err = ParseHash160Item(state[0]); err != nil {
		return nil, fmt.Errorf("parse user: %w", err)
	}
	if a.DepositID, err = ParseInteger(state[1]); err != nil {
		return nil, fmt.Errorf("parse depositId: %w", err)
	}
	if a.Shares, err = ParseInteger(state[2]); err != nil {
		return nil, fmt.Errorf("parse shares: %w", err)
	}
	if len(state) > 3 {
		if a.Principal, err = ParseInteger(state[3]); err != nil {
			return nil, fmt.Errorf("parse principal: %w", err)
		}
	}
	return a, nil
}

// =============================================================================
// Goal Manager
// =============================================================================

// GoalManager wraps the savings goal contract.
type GoalManager struct {
	client  *Client
	account *Account
	hash    util.Uint160
	opts    InvokeOptions
}

// Goal is an on-chain savings goal.
type Goal struct {
	ID           *big.Int
	Owner        util.Uint160
	Vault        util.Uint160
	TargetAmount *big.Int
	TargetDate   int64
	Quicksave    bool
	Completed    bool
	Attachments  []Attachment
}

// Attachment links a vault deposit to a goal.
type Attachment struct {
	Owner     util.Uint160
	DepositID *big.Int
}

// GetGoal returns goal id or ErrGoalNotFound.
func (g *GoalManager) GetGoal(ctx context.Context, id *big.Int) (*Goal, error) {
	stack, err := g.client.Read(ctx, g.hash, "getGoal", id)
	if err != nil {
		return nil, err
	}
	item, err := firstStackItem(stack, "getGoal")
	if err != nil {
		return nil, err
	}
	if item.Type == "Any" || item.Type == "Null" {
		return nil, fmt.Errorf("goal %s: %w", id, ErrGoalNotFound)
	}
	return parseGoal(id, item)
}

func parseGoal(id *big.Int, item StackItem) (*Goal, error) {
	fields, err := ParseArray(item)
	if err != nil {
		return nil, err
	}
	if len(fields) < 7 {
		return nil, fmt.Errorf("getGoal: %w: %d fields", ErrUnexpectedResult, len(fields))
	}
	goal := &Goal{ID: id}
	if goal.Owner, err = ParseHash160Item(fields[0]); err != nil {
		return nil, fmt.Errorf("parse owner: %w", err)
	}
	if goal.Vault, err = ParseHash160Item(fields[1]); err != nil {
		return nil, fmt.Errorf("parse vault: %w", err)
	}
	if goal.TargetAmount, err = ParseInteger(fields[2]); err != nil {
		return nil, fmt.Errorf("parse target: %w", err)
	}
	targetDate, err := ParseInteger(fields[3])
	if err != nil {
		return nil, fmt.Errorf("parse target date: %w", err)
	}
	goal.TargetDate = targetDate.Int64()
	if goal.Quicksave, err = ParseBoolean(fields[4]); err != nil {
		return nil, fmt.Errorf("parse quicksave: %w", err)
	}
	if goal.Completed, err = ParseBoolean(fields[5]); err != nil {
		return nil, fmt.Errorf("parse completed: %w", err)
	}
	attachments, err := ParseArray(fields[6])
	if err != nil {
		return nil, fmt.Errorf("parse attachments: %w", err)
	}
	for _, a := range attachments {
		pair, err := ParseArray(a)
		if err != nil || len(pair) != 2 {
			return nil, fmt.Errorf("parse attachment: %w", ErrUnexpectedResult)
		}
		owner, err := ParseHash160Item(pair[0])
		if err != nil {
			return nil, err
		}
		depositID, err := ParseInteger(pair[1])
		if err != nil {
			return nil, err
		}
		goal.Attachments = append(goal.Attachments, Attachment{Owner: owner, DepositID: depositID})
	}
	return goal, nil
}

// QuicksaveGoal returns the user's quicksave goal for vault, or zero.
func (g *GoalManager) QuicksaveGoal(ctx context.Context, vault, user util.Uint160) (*big.Int, error) {
	stack, err := g.client.Read(ctx, g.hash, "getQuicksaveGoal", vault, user)
	if err != nil {
		return nil, err
	}
	item, err := firstStackItem(stack, "getQuicksaveGoal")
	if err != nil {
		return nil, err
	}
	return ParseInteger(item)
}

// CreateQuicksaveGoal creates the user's quicksave goal and returns its id.
func (g *GoalManager) CreateQuicksaveGoal(ctx context.Context, user, vault util.Uint160) (*big.Int, error) {
	return g.invokeReturningID(ctx, "createQuicksaveGoalFor", user, vault)
}

// CreateGoal creates a goal for owner and returns its id.
func (g *GoalManager) CreateGoal(ctx context.Context, owner, vault util.Uint160, target *big.Int, targetDate int64) (*big.Int, error) {
	return g.invokeReturningID(ctx, "createGoalFor", owner, vault, target, targetDate)
}

// AttachDeposit attaches the owner's deposit to goalID.
func (g *GoalManager) AttachDeposit(ctx context.Context, owner util.Uint160, goalID, depositID *big.Int) error {
	_, err := g.client.Invoke(ctx, g.account, g.hash, "attachDepositOnBehalf", g.opts, owner, goalID, depositID)
	return err
}

func (g *GoalManager) invokeReturningID(ctx context.Context, method string, args ...interface{}) (*big.Int, error) {
	receipt, err := g.client.Invoke(ctx, g.account, g.hash, method, g.opts, args...)
	if err != nil {
		return nil, err
	}
	item, err := firstStackItem(receipt.Stack, method)
	if err != nil {
		return nil, err
	}
	id, err := ParseInteger(item)
	if err != nil {
		return nil, err
	}
	if id.Sign() <= 0 {
		return nil, fmt.Errorf("%s: %w: goal id %s", method, ErrUnexpectedResult, id)
	}
	return id, nil
}

// =============================================================================
// Leaderboard and NEP-17
// =============================================================================

// Leaderboard wraps the savings leaderboard contract.
type Leaderboard struct {
	client  *Client
	account *Account
	hash    util.Uint160
	opts    InvokeOptions
}

// RecordDeposit increments the user's score by amount.
func (l *Leaderboard) RecordDeposit(ctx context.Context, user util.Uint160, amount *big.Int) error {
	_, err := l.client.Invoke(ctx, l.account, l.hash, "recordDepositOnBehalf", l.opts, user, amount)
	return err
}

// BalanceOf returns the NEP-17 balance of account.
func (c *Client) BalanceOf(ctx context.Context, token, account util.Uint160) (*big.Int, error) {
	stack, err := c.Read(ctx, token, "balanceOf", account)
	if err != nil {
		return nil, err
	}
	item, err := firstStackItem(stack, "balanceOf")
	if err != nil {
		return nil, err
	}
	return ParseInteger(item)
}

// PrepareTransfer dry-runs and signs a NEP-17 transfer from account.
func (c *Client) PrepareTransfer(ctx context.Context, account *Account, token, to util.Uint160, amount *big.Int, opts InvokeOptions) (*PreparedTx, error) {
	p, err := c.Prepare(ctx, account, token, "transfer", opts, account.ScriptHash(), to, amount, nil)
	if err != nil {
		return nil, err
	}
	item, err := firstStackItem(p.DryRun, "transfer")
	if err != nil {
		return nil, err
	}
	ok, err := ParseBoolean(item)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("transfer dry run: %w", ErrTransferRejected)
	}
	return p, nil
}
