package database

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/settlement_layer/internal/errors"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func seedSettlement(t *testing.T, s Store, code string) {
	t.Helper()
	_, err := s.UpsertSettlement(context.Background(), &SettlementRecord{
		Code: code, Provider: "mpesa", Amount: "1000000", Asset: "USDT", UserAddress: "NUser", UpdatedAt: t0,
	})
	require.NoError(t, err)
}

func TestMemoryClaimIsExclusive(t *testing.T) {
	store := NewMemoryStore()
	seedSettlement(t, store, "TX1")

	const callers = 32
	var wins, conflicts int32
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.ClaimSettlement(context.Background(), "TX1", t0)
			switch {
			case err == nil:
				atomic.AddInt32(&wins, 1)
			case stderrors.Is(err, ErrAlreadyClaimed):
				atomic.AddInt32(&conflicts, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins)
	assert.Equal(t, int32(callers-1), conflicts)
}

func TestMemorySettlementLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	seedSettlement(t, store, "TX1")

	// later arrivals only fill empty fields
	rec, err := store.UpsertSettlement(ctx, &SettlementRecord{Code: "TX1", Amount: "999", TxHash: "0xabc", ProviderStatus: "success"})
	require.NoError(t, err)
	assert.Equal(t, "1000000", rec.Amount)
	assert.Equal(t, "0xabc", rec.TxHash)
	assert.Equal(t, "success", rec.ProviderStatus)
	assert.Equal(t, StatusUnset, rec.Allocation.Status)

	_, err = store.ClaimSettlement(ctx, "TX1", t0)
	require.NoError(t, err)

	_, err = store.FinishSettlement(ctx, "TX1", SettlementResult{
		Status: StatusSuccess, At: t0, Response: &AllocationResponse{DepositID: "3"},
	})
	require.NoError(t, err)

	_, err = store.ClaimSettlement(ctx, "TX1", t0)
	assert.ErrorIs(t, err, ErrAlreadySettled)
	assert.Equal(t, errors.KindConflict, errors.Classify(err))

	_, err = store.FinishSettlement(ctx, "TX1", SettlementResult{Status: StatusFailed, At: t0})
	assert.ErrorIs(t, err, ErrNotClaimed)

	got, err := store.GetSettlement(ctx, "TX1")
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, got.Allocation.Status)
	assert.Equal(t, "3", got.Allocation.Response.DepositID)
}

func TestMemoryHistoryIsBounded(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	seedSettlement(t, store, "TX1")

	for i := 0; i < AttemptHistoryLimit+3; i++ {
		_, err := store.ClaimSettlement(ctx, "TX1", t0)
		require.NoError(t, err)
		_, err = store.FinishSettlement(ctx, "TX1", SettlementResult{
			Status: StatusFailed, Retryable: true, Error: fmt.Sprintf("attempt %d", i), At: t0,
		})
		require.NoError(t, err)
	}

	got, err := store.GetSettlement(ctx, "TX1")
	require.NoError(t, err)
	require.Len(t, got.Allocation.History, AttemptHistoryLimit)
	assert.Equal(t, "attempt 3", got.Allocation.History[0].Error)
	assert.Equal(t, "attempt 12", got.Allocation.History[AttemptHistoryLimit-1].Error)
}

func TestMemoryHistoryLimitOption(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore().WithHistoryLimit(2)
	seedSettlement(t, store, "TX1")

	for i := 0; i < 4; i++ {
		_, err := store.ClaimSettlement(ctx, "TX1", t0)
		require.NoError(t, err)
		_, err = store.FinishSettlement(ctx, "TX1", SettlementResult{
			Status: StatusFailed, Retryable: true, Error: fmt.Sprintf("attempt %d", i), At: t0,
		})
		require.NoError(t, err)
	}

	got, err := store.GetSettlement(ctx, "TX1")
	require.NoError(t, err)
	require.Len(t, got.Allocation.History, 2)
	assert.Equal(t, "attempt 2", got.Allocation.History[0].Error)
	assert.Equal(t, 4, got.Allocation.Attempts)
}

func failSettlement(t *testing.T, store *MemoryStore, code, errCode string, at time.Time) {
	t.Helper()
	ctx := context.Background()
	_, err := store.ClaimSettlement(ctx, code, at)
	require.NoError(t, err)
	_, err = store.FinishSettlement(ctx, code, SettlementResult{
		Status: StatusFailed, Retryable: true, ErrorCode: errCode, At: at,
	})
	require.NoError(t, err)
}

func TestMemoryPendingSkipsCallerRetryFailures(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	seedSettlement(t, store, "RECEIPT")
	seedSettlement(t, store, "NETWORK")
	failSettlement(t, store, "RECEIPT", string(errors.ErrCodeReceiptNotFound), t0)
	failSettlement(t, store, "NETWORK", string(errors.ErrCodeNetwork), t0)

	pending, err := store.ListPendingSettlements(ctx, PendingQuery{Limit: 10})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "NETWORK", pending[0].Code)
}

func TestMemoryPendingCapsAndSpacesRetries(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	seedSettlement(t, store, "TX1")
	failSettlement(t, store, "TX1", string(errors.ErrCodeNetwork), t0)

	q := PendingQuery{Limit: 10, MaxAttempts: 2, RetryBefore: t0.Add(-time.Minute)}
	pending, err := store.ListPendingSettlements(ctx, q)
	require.NoError(t, err)
	assert.Empty(t, pending, "attempted too recently")

	q.RetryBefore = t0.Add(time.Minute)
	pending, err = store.ListPendingSettlements(ctx, q)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	failSettlement(t, store, "TX1", string(errors.ErrCodeNetwork), t0.Add(2*time.Minute))
	q.RetryBefore = t0.Add(time.Hour)
	pending, err = store.ListPendingSettlements(ctx, q)
	require.NoError(t, err)
	assert.Empty(t, pending, "attempt cap reached")
}

func TestMemoryPendingAndStaleClaims(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	seedSettlement(t, store, "A")
	seedSettlement(t, store, "B")
	seedSettlement(t, store, "C")

	_, err := store.ClaimSettlement(ctx, "B", t0)
	require.NoError(t, err)
	_, err = store.ClaimSettlement(ctx, "C", t0)
	require.NoError(t, err)
	_, err = store.FinishSettlement(ctx, "C", SettlementResult{Status: StatusFailed, Retryable: false, At: t0})
	require.NoError(t, err)

	pending, err := store.ListPendingSettlements(ctx, PendingQuery{Limit: 10})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "A", pending[0].Code)

	n, err := store.ReleaseStaleSettlements(ctx, t0.Add(time.Minute), t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	b, err := store.GetSettlement(ctx, "B")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, b.Allocation.Status)
	assert.True(t, b.Allocation.Retryable)
}

func TestMemoryChainGoalLegsAreAppendOnly(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.CreateMetaGoal(ctx, &MetaGoal{
		ID: "mg1", Creator: "NA", Participants: StringList{"NB"}, TargetAmountUSD: decimal.NewFromInt(100),
	}))

	key := LegKey("neo-testnet", "usdt")
	require.NoError(t, store.SetChainGoal(ctx, "mg1", key, "7"))
	assert.ErrorIs(t, store.SetChainGoal(ctx, "mg1", key, "8"), ErrLegExists)
	assert.True(t, IsNotFound(store.SetChainGoal(ctx, "missing", key, "1")))

	g, err := store.GetMetaGoal(ctx, "mg1")
	require.NoError(t, err)
	id, ok := g.GoalFor("neo-testnet", "USDT")
	assert.True(t, ok)
	assert.Equal(t, "7", id)

	byB, err := store.ListMetaGoalsByParticipant(ctx, "NB")
	require.NoError(t, err)
	assert.Len(t, byB, 1)

	require.NoError(t, store.RemoveChainGoal(ctx, "mg1", key))
	require.NoError(t, store.SetChainGoal(ctx, "mg1", key, "9"))
}

func TestMemoryXPAwardClaim(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.CreateMetaGoal(ctx, &MetaGoal{ID: "mg1", Creator: "NA"}))

	require.NoError(t, store.ClaimXPAward(ctx, "mg1", t0))
	assert.ErrorIs(t, store.ClaimXPAward(ctx, "mg1", t0), ErrAlreadyClaimed)
	require.NoError(t, store.ReleaseXPAward(ctx, "mg1"))
	require.NoError(t, store.ClaimXPAward(ctx, "mg1", t0))
}

func TestMemoryAwardXPOncePerSource(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	var awarded int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := store.AwardXP(ctx, "NUser", XPHistoryEntry{SourceID: "meta:mg1", Reason: "goal_completed", Amount: 40, CompletedAt: t0})
			if err == nil && ok {
				atomic.AddInt32(&awarded, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), awarded)

	ledger, err := store.GetXPLedger(ctx, "NUser")
	require.NoError(t, err)
	assert.Equal(t, int64(40), ledger.Total)
	assert.Len(t, ledger.History, 1)
}

func TestMemoryActivityCursor(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	entry := XPHistoryEntry{SourceID: "activity:deposit:3", Amount: 15, CompletedAt: t0}

	ok, err := store.AdvanceActivityCursor(ctx, "NUser", "deposit", 0, 3, entry)
	require.NoError(t, err)
	assert.True(t, ok)

	// stale cursor loses
	ok, err = store.AdvanceActivityCursor(ctx, "NUser", "deposit", 0, 3, entry)
	require.NoError(t, err)
	assert.False(t, ok)

	ledger, err := store.GetXPLedger(ctx, "NUser")
	require.NoError(t, err)
	assert.Equal(t, int64(3), ledger.ActivityCursors["deposit"])
	assert.Equal(t, int64(15), ledger.Total)
}

func TestMemoryJobQueue(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	first, created, err := store.EnqueueJob(ctx, &DisbursementJob{ID: "j1", TransactionCode: "P1", CreatedAt: t0})
	require.NoError(t, err)
	assert.True(t, created)
	_, created, err = store.EnqueueJob(ctx, &DisbursementJob{ID: "j-dup", TransactionCode: "P1", CreatedAt: t0})
	require.NoError(t, err)
	assert.False(t, created)
	_, _, err = store.EnqueueJob(ctx, &DisbursementJob{ID: "j2", TransactionCode: "P2", CreatedAt: t0.Add(time.Second)})
	require.NoError(t, err)

	job, err := store.ClaimNextJob(ctx, "w1", t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, first.ID, job.ID)
	assert.Equal(t, JobProcessing, job.Status)

	require.NoError(t, store.RetryJob(ctx, "j1", 1, t0.Add(time.Hour), "rpc down", "network"))

	// j1 is not due, j2 is
	job, err = store.ClaimNextJob(ctx, "w1", t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, "j2", job.ID)

	_, err = store.ClaimNextJob(ctx, "w1", t0.Add(time.Minute))
	assert.ErrorIs(t, err, ErrQueueEmpty)

	require.NoError(t, store.CompleteJob(ctx, "j2", "11000000", "0xfeed", t0))
	assert.ErrorIs(t, store.CompleteJob(ctx, "j2", "1", "0x1", t0), ErrNotClaimed)

	stored, err := store.GetJob(ctx, "j2")
	require.NoError(t, err)
	assert.Equal(t, JobCompleted, stored.Status)
	assert.Equal(t, "0xfeed", stored.TxHash)
}

func TestMemorySubmissionSurvivesRetry(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	_, _, err := store.EnqueueJob(ctx, &DisbursementJob{ID: "j1", TransactionCode: "P1", CreatedAt: t0})
	require.NoError(t, err)

	assert.ErrorIs(t, store.MarkJobSubmitted(ctx, "j1", "15", "0xabc", 900, t0), ErrNotClaimed)

	_, err = store.ClaimNextJob(ctx, "w1", t0)
	require.NoError(t, err)
	require.NoError(t, store.MarkJobSubmitted(ctx, "j1", "15", "0xabc", 900, t0))
	require.NoError(t, store.RetryJob(ctx, "j1", 1, t0, "timeout", "network"))

	job, err := store.GetJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, JobPending, job.Status)
	assert.Equal(t, "0xabc", job.SubmittedTxHash)
	assert.Equal(t, uint32(900), job.ValidUntilBlock)
	assert.Equal(t, "15", job.TokenAmount)
}

func TestMemoryConcurrentJobClaims(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	_, _, err := store.EnqueueJob(ctx, &DisbursementJob{ID: "j1", TransactionCode: "P1", CreatedAt: t0})
	require.NoError(t, err)

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := store.ClaimNextJob(ctx, fmt.Sprintf("w%d", i), t0); err == nil {
				atomic.AddInt32(&wins, 1)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins)
}

func TestMemoryErrorInjection(t *testing.T) {
	store := NewMemoryStore()
	boom := stderrors.New("boom")
	store.FailNext(boom)
	assert.ErrorIs(t, store.Ping(context.Background()), boom)
	assert.NoError(t, store.Ping(context.Background()))
}
