package rewards

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/nspcc-dev/neo-go/pkg/util"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/settlement_layer/internal/chain"
	"github.com/R3E-Network/settlement_layer/internal/database"
	serviceerrors "github.com/R3E-Network/settlement_layer/internal/errors"
	"github.com/R3E-Network/settlement_layer/internal/fanout"
)

var (
	vaultHash = util.Uint160{0x10}
	alice     = util.Uint160{0xa1}
	bob       = util.Uint160{0xb0}
	t0        = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
)

type depositKey struct {
	owner util.Uint160
	id    int64
}

type fakeChain struct {
	mu     sync.Mutex
	goals  map[string]*chain.Goal
	values map[depositKey]*big.Int
	reads  int
}

func newFakeChain() *fakeChain {
	return &fakeChain{goals: make(map[string]*chain.Goal), values: make(map[depositKey]*big.Int)}
}

func (f *fakeChain) addGoal(chainID string, id, target int64, attachments ...chain.Attachment) {
	f.goals[fmt.Sprintf("%s/%d", chainID, id)] = &chain.Goal{
		ID: big.NewInt(id), Vault: vaultHash, TargetAmount: big.NewInt(target), Attachments: attachments,
	}
}

func (f *fakeChain) attach(owner util.Uint160, depositID, value int64) chain.Attachment {
	f.values[depositKey{owner, depositID}] = big.NewInt(value)
	return chain.Attachment{Owner: owner, DepositID: big.NewInt(depositID)}
}

func (f *fakeChain) GetGoal(_ context.Context, chainID string, goalID *big.Int) (*chain.Goal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.goals[fmt.Sprintf("%s/%s", chainID, goalID)]
	if !ok {
		return nil, chain.ErrGoalNotFound
	}
	return g, nil
}

func (f *fakeChain) VaultByHash(chainID string, _ util.Uint160) (*chain.VaultInfo, error) {
	return &chain.VaultInfo{ChainID: chainID, Asset: "USDT", Address: chain.HashString(vaultHash), Decimals: 6}, nil
}

func (f *fakeChain) DepositValue(_ context.Context, _ string, _, owner util.Uint160, depositID *big.Int) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	v, ok := f.values[depositKey{owner, depositID.Int64()}]
	if !ok {
		return nil, errors.New("unknown deposit")
	}
	return v, nil
}

func newTestEngine(c Chain, store Store) *Engine {
	e := NewEngine(Config{Chain: c, Store: store, Pool: fanout.NewPool(4, 0), XPPerUSD: 1, VerificationXP: 50, ActivityXP: 5})
	e.now = func() time.Time { return t0 }
	return e
}

func seedMetaGoal(t *testing.T, store *database.MemoryStore, id, usd string, legs database.StringMap) {
	t.Helper()
	require.NoError(t, store.CreateMetaGoal(context.Background(), &database.MetaGoal{
		ID: id, Creator: chain.AddressOf(alice), TargetAmountUSD: decimal.RequireFromString(usd), ChainGoals: legs, CreatedAt: t0,
	}))
}

// completedGoal builds a 100 USD meta-goal funded 60/40 by alice and bob.
func completedGoal(t *testing.T) (*fakeChain, *database.MemoryStore) {
	t.Helper()
	c := newFakeChain()
	c.addGoal("neo-testnet", 1, 100_000_000,
		c.attach(alice, 0, 30_000_000),
		c.attach(bob, 0, 40_000_000),
		c.attach(alice, 1, 30_000_000),
	)
	store := database.NewMemoryStore()
	seedMetaGoal(t, store, "mg1", "100", database.StringMap{"neo-testnet:USDT": "1"})
	return c, store
}

func xpTotal(t *testing.T, store *database.MemoryStore, who util.Uint160) int64 {
	t.Helper()
	l, err := store.GetXPLedger(context.Background(), chain.AddressOf(who))
	if database.IsNotFound(err) {
		return 0
	}
	require.NoError(t, err)
	return l.Total
}

func TestCheckAndAwardCreditsContributors(t *testing.T) {
	c, store := completedGoal(t)
	e := newTestEngine(c, store)

	res, err := e.CheckAndAward(context.Background(), "mg1")
	require.NoError(t, err)
	require.True(t, res.Awarded)
	assert.ElementsMatch(t, []Recipient{
		{Address: chain.AddressOf(alice), Amount: 60},
		{Address: chain.AddressOf(bob), Amount: 40},
	}, res.Recipients)

	assert.EqualValues(t, 60, xpTotal(t, store, alice))
	assert.EqualValues(t, 40, xpTotal(t, store, bob))

	mg, err := store.GetMetaGoal(context.Background(), "mg1")
	require.NoError(t, err)
	assert.True(t, mg.XPAwarded)
}

func TestCheckAndAwardReplay(t *testing.T) {
	c, store := completedGoal(t)
	e := newTestEngine(c, store)

	_, err := e.CheckAndAward(context.Background(), "mg1")
	require.NoError(t, err)
	res, err := e.CheckAndAward(context.Background(), "mg1")
	require.NoError(t, err)

	assert.False(t, res.Awarded)
	assert.Equal(t, NotAwardedAlreadyAwarded, res.Reason)
	assert.EqualValues(t, 60, xpTotal(t, store, alice))
}

func TestCheckAndAwardConcurrentCallersCreditOnce(t *testing.T) {
	c, store := completedGoal(t)
	e := newTestEngine(c, store)

	const callers = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		awarded int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := e.CheckAndAward(context.Background(), "mg1")
			if err != nil {
				t.Errorf("CheckAndAward: %v", err)
				return
			}
			if res.Awarded {
				mu.Lock()
				awarded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, awarded)
	assert.EqualValues(t, 60, xpTotal(t, store, alice))
	assert.EqualValues(t, 40, xpTotal(t, store, bob))
}

func TestCheckAndAwardCrossChainNeverDecided(t *testing.T) {
	c := newFakeChain()
	c.addGoal("chain-a", 1, 1_000_000, c.attach(alice, 0, 1_000_000))
	c.addGoal("chain-b", 2, 1_000_000)
	store := database.NewMemoryStore()
	seedMetaGoal(t, store, "mg1", "1", database.StringMap{"chain-a:USDT": "1", "chain-b:USDT": "2"})
	e := newTestEngine(c, store)

	res, err := e.CheckAndAward(context.Background(), "mg1")
	require.NoError(t, err)
	assert.False(t, res.Awarded)
	assert.Equal(t, NotAwardedCrossChain, res.Reason)
	assert.Zero(t, c.reads)

	mg, err := store.GetMetaGoal(context.Background(), "mg1")
	require.NoError(t, err)
	assert.False(t, mg.XPAwarded, "flag must be released")

	complete, err := e.Complete(context.Background(), "mg1")
	require.NoError(t, err)
	assert.False(t, complete)
}

func TestCheckAndAwardIncompleteReleasesFlag(t *testing.T) {
	c := newFakeChain()
	c.addGoal("neo-testnet", 1, 10_000_000, c.attach(alice, 0, 4_000_000))
	store := database.NewMemoryStore()
	seedMetaGoal(t, store, "mg1", "10", database.StringMap{"neo-testnet:USDT": "1"})
	e := newTestEngine(c, store)

	res, err := e.CheckAndAward(context.Background(), "mg1")
	require.NoError(t, err)
	assert.False(t, res.Awarded)
	assert.Equal(t, NotAwardedIncomplete, res.Reason)

	c.values[depositKey{alice, 0}] = big.NewInt(10_000_000)
	res, err = e.CheckAndAward(context.Background(), "mg1")
	require.NoError(t, err)
	assert.True(t, res.Awarded)
	assert.EqualValues(t, 10, xpTotal(t, store, alice))
}

func TestCheckAndAwardCompletedFlagOnChain(t *testing.T) {
	c := newFakeChain()
	c.addGoal("neo-testnet", 1, 10_000_000, c.attach(bob, 3, 1_000_000))
	c.goals["neo-testnet/1"].Completed = true
	store := database.NewMemoryStore()
	seedMetaGoal(t, store, "mg1", "7.9", database.StringMap{"neo-testnet:USDT": "1"})

	res, err := newTestEngine(c, store).CheckAndAward(context.Background(), "mg1")
	require.NoError(t, err)
	require.True(t, res.Awarded)
	assert.EqualValues(t, 7, xpTotal(t, store, bob))
}

func TestCheckAndAwardUnknownMetaGoal(t *testing.T) {
	_, err := newTestEngine(newFakeChain(), database.NewMemoryStore()).CheckAndAward(context.Background(), "missing")
	assert.Equal(t, serviceerrors.KindNotFound, serviceerrors.Classify(err))
}

// flakyStore fails the first AwardXP for one user.
type flakyStore struct {
	*database.MemoryStore
	mu     sync.Mutex
	failOn string
}

func (s *flakyStore) AwardXP(ctx context.Context, user string, entry database.XPHistoryEntry) (bool, error) {
	s.mu.Lock()
	fail := user == s.failOn
	if fail {
		s.failOn = ""
	}
	s.mu.Unlock()
	if fail {
		return false, errors.New("write timeout")
	}
	return s.MemoryStore.AwardXP(ctx, user, entry)
}

func TestCheckAndAwardPartialFailureRetriesWithoutDoubleCredit(t *testing.T) {
	c, mem := completedGoal(t)
	store := &flakyStore{MemoryStore: mem, failOn: chain.AddressOf(bob)}
	e := newTestEngine(c, store)

	_, err := e.CheckAndAward(context.Background(), "mg1")
	require.Error(t, err)
	assert.EqualValues(t, 60, xpTotal(t, mem, alice))
	assert.EqualValues(t, 0, xpTotal(t, mem, bob))

	res, err := e.CheckAndAward(context.Background(), "mg1")
	require.NoError(t, err)
	assert.True(t, res.Awarded)
	assert.Equal(t, []Recipient{{Address: chain.AddressOf(bob), Amount: 40}}, res.Recipients)
	assert.EqualValues(t, 60, xpTotal(t, mem, alice))
	assert.EqualValues(t, 40, xpTotal(t, mem, bob))
}

func TestGoalCompletedRunsInBackground(t *testing.T) {
	c, store := completedGoal(t)
	e := newTestEngine(c, store)

	e.GoalCompleted(context.Background(), "mg1")
	e.Wait()

	assert.EqualValues(t, 60, xpTotal(t, store, alice))
}

func TestAwardVerificationOnce(t *testing.T) {
	store := database.NewMemoryStore()
	e := newTestEngine(newFakeChain(), store)
	user := chain.AddressOf(alice)

	ok, err := e.AwardVerification(context.Background(), user)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = e.AwardVerification(context.Background(), user)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.EqualValues(t, 50, xpTotal(t, store, alice))
}

func TestCreditActivityAdvancesCursor(t *testing.T) {
	store := database.NewMemoryStore()
	e := newTestEngine(newFakeChain(), store)
	user := chain.AddressOf(alice)
	ctx := context.Background()

	appendN := func(n int) {
		for i := 0; i < n; i++ {
			require.NoError(t, store.AppendActivity(ctx, &database.ActivityEvent{UserAddress: user, Activity: "deposit", CreatedAt: t0}))
		}
	}

	appendN(3)
	n, err := e.CreditActivity(ctx, user, "deposit")
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)

	n, err = e.CreditActivity(ctx, user, "deposit")
	require.NoError(t, err)
	assert.Zero(t, n)

	appendN(2)
	n, err = e.CreditActivity(ctx, user, "deposit")
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
	assert.EqualValues(t, 25, xpTotal(t, store, alice))

	l, err := store.GetXPLedger(ctx, user)
	require.NoError(t, err)
	assert.EqualValues(t, 5, l.ActivityCursors["deposit"])
}

func TestCreditActivityConcurrent(t *testing.T) {
	store := database.NewMemoryStore()
	e := newTestEngine(newFakeChain(), store)
	user := chain.AddressOf(bob)
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		require.NoError(t, store.AppendActivity(ctx, &database.ActivityEvent{UserAddress: user, Activity: "deposit", CreatedAt: t0}))
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = e.CreditActivity(ctx, user, "deposit")
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 20, xpTotal(t, store, bob))
}
