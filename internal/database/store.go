package database

import (
	"context"
	"time"
)

// SettlementStore persists settlement records and their claim state.
type SettlementStore interface {
	// UpsertSettlement creates the record on first arrival. Later arrivals only
	// fill in fields that are still empty and refresh the provider status.
	UpsertSettlement(ctx context.Context, rec *SettlementRecord) (*SettlementRecord, error)
	GetSettlement(ctx context.Context, code string) (*SettlementRecord, error)
	// ClaimSettlement moves the record to IN_PROGRESS in one conditional write.
	// It returns ErrAlreadyClaimed or ErrAlreadySettled when the precondition fails.
	ClaimSettlement(ctx context.Context, code string, now time.Time) (*SettlementRecord, error)
	// FinishSettlement records the outcome; it fails with ErrNotClaimed when the
	// record is no longer IN_PROGRESS.
	FinishSettlement(ctx context.Context, code string, result SettlementResult) (*SettlementRecord, error)
	// ListPendingSettlements returns UNSET and retryable FAILED records, oldest
	// first, skipping payments the provider reported as failed. FAILED records
	// whose error code needs a caller retry are never returned.
	ListPendingSettlements(ctx context.Context, q PendingQuery) ([]*SettlementRecord, error)
	// ReleaseStaleSettlements fails IN_PROGRESS claims older than cutoff as retryable.
	ReleaseStaleSettlements(ctx context.Context, cutoff, now time.Time) (int64, error)
}

// PendingQuery selects the settlements the status poller works on.
type PendingQuery struct {
	Limit int
	// MaxAttempts stops automatic retries of a FAILED record once it has that
	// many finished attempts. Zero disables the cap.
	MaxAttempts int
	// RetryBefore skips FAILED records last attempted after this instant.
	RetryBefore time.Time
}

// GoalStore persists meta-goals and their (chain, asset) legs.
type GoalStore interface {
	CreateMetaGoal(ctx context.Context, goal *MetaGoal) error
	GetMetaGoal(ctx context.Context, id string) (*MetaGoal, error)
	ListMetaGoalsByParticipant(ctx context.Context, address string) ([]*MetaGoal, error)
	// SetChainGoal appends a leg; ErrLegExists when the key is already mapped.
	SetChainGoal(ctx context.Context, metaGoalID, legKey, goalID string) error
	RemoveChainGoal(ctx context.Context, metaGoalID, legKey string) error
	// FindMetaGoalByChainGoal returns the meta-goal mapping legKey to goalID.
	FindMetaGoalByChainGoal(ctx context.Context, legKey, goalID string) (*MetaGoal, error)
	// ClaimXPAward flips xp_awarded false→true; ErrAlreadyClaimed when already set.
	ClaimXPAward(ctx context.Context, metaGoalID string, now time.Time) error
	ReleaseXPAward(ctx context.Context, metaGoalID string) error
}

// JobStore is the disbursement queue.
type JobStore interface {
	// EnqueueJob is idempotent on TransactionCode; created is false for a replay.
	EnqueueJob(ctx context.Context, job *DisbursementJob) (stored *DisbursementJob, created bool, err error)
	GetJob(ctx context.Context, id string) (*DisbursementJob, error)
	// ClaimNextJob takes the oldest due pending job; ErrQueueEmpty when none.
	ClaimNextJob(ctx context.Context, workerID string, now time.Time) (*DisbursementJob, error)
	// MarkJobSubmitted records a signed payout and its token amount before the
	// transfer is broadcast. It fails with ErrNotClaimed unless the job is
	// processing.
	MarkJobSubmitted(ctx context.Context, id, tokenAmount, txHash string, validUntilBlock uint32, now time.Time) error
	CompleteJob(ctx context.Context, id, tokenAmount, txHash string, now time.Time) error
	RetryJob(ctx context.Context, id string, retryCount int, nextRetryAt time.Time, errMsg, errKind string) error
	FailJob(ctx context.Context, id, errMsg, errKind string, now time.Time) error
	ReleaseStaleJobs(ctx context.Context, cutoff, now time.Time) (int64, error)
}

// XPStore is the experience-point ledger and the activity log it counts.
type XPStore interface {
	// AwardXP credits entry once per (user, SourceID); awarded is false when the
	// source was already recorded.
	AwardXP(ctx context.Context, user string, entry XPHistoryEntry) (awarded bool, err error)
	// AdvanceActivityCursor moves the activity cursor from→to and credits entry,
	// only if the stored cursor still equals from.
	AdvanceActivityCursor(ctx context.Context, user, activity string, from, to int64, entry XPHistoryEntry) (bool, error)
	GetXPLedger(ctx context.Context, user string) (*XPLedgerEntry, error)
	AppendActivity(ctx context.Context, event *ActivityEvent) error
	CountActivities(ctx context.Context, user, activity string) (int64, error)
}

// AlertStore persists operator alerts.
type AlertStore interface {
	RecordAlert(ctx context.Context, alert *Alert) error
}

// FiatStore persists mobile-money transactions.
type FiatStore interface {
	CreateFiatTransaction(ctx context.Context, tx *FiatTransaction) error
	GetFiatTransaction(ctx context.Context, code string) (*FiatTransaction, error)
	SetFiatTxHash(ctx context.Context, code, txHash string, now time.Time) error
}

// Store is the full ledger store.
type Store interface {
	SettlementStore
	GoalStore
	JobStore
	XPStore
	AlertStore
	FiatStore
	Ping(ctx context.Context) error
}
