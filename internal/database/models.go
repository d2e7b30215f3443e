// Package database is the ledger store: settlement records, meta-goals, the
// disbursement queue and the XP ledger. Every exclusive transition is a single
// conditional write so concurrent processes never need an in-process lock.
package database

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// Settlements
// =============================================================================

// AllocationStatus is the claim state of a settlement.
type AllocationStatus string

const (
	StatusUnset      AllocationStatus = "UNSET"
	StatusInProgress AllocationStatus = "IN_PROGRESS"
	StatusSuccess    AllocationStatus = "SUCCESS"
	StatusFailed     AllocationStatus = "FAILED"
)

// AttemptHistoryLimit is the default bound of AllocationState.History.
const AttemptHistoryLimit = 10

// AllocationResponse is the stored outcome replayed to duplicate callers.
type AllocationResponse struct {
	DepositID        string `json:"deposit_id"`
	GoalID           string `json:"goal_id"`
	Shares           string `json:"shares"`
	FormattedShares  string `json:"formatted_shares"`
	AllocationTxHash string `json:"allocation_tx_hash"`
	GoalCompleted    bool   `json:"goal_completed"`
	MetaGoalID       string `json:"meta_goal_id,omitempty"`
	Duplicate        bool   `json:"duplicate,omitempty"`
}

func (r AllocationResponse) Value() (driver.Value, error) { return jsonValue(r) }
func (r *AllocationResponse) Scan(src interface{}) error  { return scanJSON(src, r) }

// AllocationAttempt is one entry of the bounded attempt history.
type AllocationAttempt struct {
	Status    AllocationStatus `json:"status"`
	At        time.Time        `json:"at"`
	Retryable bool             `json:"retryable,omitempty"`
	Error     string           `json:"error,omitempty"`
	ErrorCode string           `json:"error_code,omitempty"`
	TxHash    string           `json:"tx_hash,omitempty"`
}

// AttemptHistory is stored as a JSONB array.
type AttemptHistory []AllocationAttempt

func (h AttemptHistory) Value() (driver.Value, error) { return jsonValue(h) }
func (h *AttemptHistory) Scan(src interface{}) error  { return scanJSON(src, h) }

// Append adds an attempt and keeps only the most recent limit entries. A
// non-positive limit means AttemptHistoryLimit.
func (h AttemptHistory) Append(a AllocationAttempt, limit int) AttemptHistory {
	if limit <= 0 {
		limit = AttemptHistoryLimit
	}
	out := append(append(AttemptHistory{}, h...), a)
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// AllocationState is embedded in every settlement.
type AllocationState struct {
	Status        AllocationStatus    `json:"status"`
	Retryable     bool                `json:"retryable"`
	LastAttemptAt *time.Time          `json:"last_attempt_at,omitempty"`
	Response      *AllocationResponse `json:"response,omitempty"`
	Error         string              `json:"error,omitempty"`
	ErrorCode     string              `json:"error_code,omitempty"`
	// Attempts counts finished attempts; History keeps only the latest.
	Attempts int            `json:"attempts"`
	History  AttemptHistory `json:"history"`
}

// SettlementRecord is keyed by the provider-issued transaction code.
type SettlementRecord struct {
	Code           string          `json:"code"`
	Provider       string          `json:"provider"`
	ProviderStatus string          `json:"provider_status"`
	Amount         string          `json:"amount"`
	Asset          string          `json:"asset"`
	UserAddress    string          `json:"user_address"`
	TxHash         string          `json:"tx_hash"`
	ChainID        string          `json:"chain_id"`
	VaultAddress   string          `json:"vault_address"`
	TargetGoalID   string          `json:"target_goal_id,omitempty"`
	MetaGoalID     string          `json:"meta_goal_id,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Allocation     AllocationState `json:"allocation"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Claimable reports whether a writer may move the record to IN_PROGRESS.
func (s *SettlementRecord) Claimable() bool {
	return s.Allocation.Status != StatusInProgress && s.Allocation.Status != StatusSuccess
}

// SettlementResult is what the claim holder writes when it is done.
type SettlementResult struct {
	Status    AllocationStatus
	Retryable bool
	Response  *AllocationResponse
	Error     string
	ErrorCode string
	TxHash    string
	At        time.Time
}

// =============================================================================
// Meta-goals
// =============================================================================

// LegKey is the meta-goal mapping key for a (chain, asset) pair.
func LegKey(chainID, asset string) string {
	return chainID + ":" + strings.ToUpper(asset)
}

// SplitLegKey reverses LegKey.
func SplitLegKey(key string) (chainID, asset string) {
	i := strings.LastIndex(key, ":")
	if i < 0 {
		return key, ""
	}
	return key[:i], key[i+1:]
}

// StringList is a JSONB array of strings.
type StringList []string

func (l StringList) Value() (driver.Value, error) { return jsonValue(l) }
func (l *StringList) Scan(src interface{}) error  { return scanJSON(src, l) }

// Contains reports whether v is in the list.
func (l StringList) Contains(v string) bool {
	for _, s := range l {
		if s == v {
			return true
		}
	}
	return false
}

// StringMap is a JSONB object of strings.
type StringMap map[string]string

func (m StringMap) Value() (driver.Value, error) { return jsonValue(m) }
func (m *StringMap) Scan(src interface{}) error  { return scanJSON(src, m) }

// MetaGoal is a user-facing goal backed by one chain goal per (chain, asset).
type MetaGoal struct {
	ID              string          `json:"id" db:"id"`
	Name            string          `json:"name" db:"name"`
	Creator         string          `json:"creator" db:"creator"`
	Participants    StringList      `json:"participants" db:"participants"`
	TargetAmountUSD decimal.Decimal `json:"target_amount_usd" db:"target_amount_usd"`
	TargetDate      *time.Time      `json:"target_date,omitempty" db:"target_date"`
	Public          bool            `json:"public" db:"public"`
	ChainGoals      StringMap       `json:"chain_goals" db:"chain_goals"`
	XPAwarded       bool            `json:"xp_awarded" db:"xp_awarded"`
	XPAwardedAt     *time.Time      `json:"xp_awarded_at,omitempty" db:"xp_awarded_at"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at" db:"updated_at"`
}

// GoalFor returns the on-chain goal id mapped for (chain, asset).
func (m *MetaGoal) GoalFor(chainID, asset string) (string, bool) {
	id, ok := m.ChainGoals[LegKey(chainID, asset)]
	return id, ok && id != ""
}

// Chains returns the distinct chains the meta-goal has legs on, sorted.
func (m *MetaGoal) Chains() []string {
	seen := make(map[string]struct{})
	for key := range m.ChainGoals {
		chainID, _ := SplitLegKey(key)
		seen[chainID] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for c := range seen {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// IsCrossChain reports legs on more than one chain.
func (m *MetaGoal) IsCrossChain() bool {
	return len(m.Chains()) > 1
}

// HasParticipant reports whether address created or co-owns the meta-goal.
func (m *MetaGoal) HasParticipant(address string) bool {
	return m.Creator == address || m.Participants.Contains(address)
}

// =============================================================================
// Disbursement queue
// =============================================================================

// JobStatus is the queue state of a disbursement job.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// DisbursementJob turns a fiat payout request into an on-chain transfer.
type DisbursementJob struct {
	ID              string          `json:"id" db:"id"`
	TransactionCode string          `json:"transaction_code" db:"transaction_code"`
	Recipient       string          `json:"recipient" db:"recipient"`
	FiatAmount      decimal.Decimal `json:"fiat_amount" db:"fiat_amount"`
	Currency        string          `json:"currency" db:"currency"`
	ChainID         string          `json:"chain_id" db:"chain_id"`
	Asset           string          `json:"asset" db:"asset"`
	Status          JobStatus       `json:"status" db:"status"`
	RetryCount      int             `json:"retry_count" db:"retry_count"`
	NextRetryAt     time.Time       `json:"next_retry_at" db:"next_retry_at"`
	TokenAmount     string          `json:"token_amount,omitempty" db:"token_amount"`
	TxHash          string          `json:"tx_hash,omitempty" db:"tx_hash"`
	// SubmittedTxHash is the last signed transfer; it may still be in flight
	// until the chain passes ValidUntilBlock.
	SubmittedTxHash string          `json:"submitted_tx_hash,omitempty" db:"submitted_tx_hash"`
	ValidUntilBlock uint32          `json:"valid_until_block,omitempty" db:"valid_until_block"`
	Error           string          `json:"error,omitempty" db:"error"`
	ErrorKind       string          `json:"error_kind,omitempty" db:"error_kind"`
	WorkerID        string          `json:"worker_id,omitempty" db:"worker_id"`
	ClaimedAt       *time.Time      `json:"claimed_at,omitempty" db:"claimed_at"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty" db:"completed_at"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at" db:"updated_at"`
}

// FiatDirection distinguishes inbound deposits from payouts.
type FiatDirection string

const (
	FiatDeposit FiatDirection = "deposit"
	FiatPayout  FiatDirection = "payout"
)

// FiatTransaction is the mobile-money side of a settlement or payout.
type FiatTransaction struct {
	Code      string          `json:"code" db:"code"`
	Direction FiatDirection   `json:"direction" db:"direction"`
	Address   string          `json:"address" db:"address"`
	Amount    decimal.Decimal `json:"amount" db:"amount"`
	Currency  string          `json:"currency" db:"currency"`
	Status    string          `json:"status" db:"status"`
	TxHash    string          `json:"tx_hash,omitempty" db:"tx_hash"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// =============================================================================
// XP ledger
// =============================================================================

// XPHistoryEntry is one credited source.
type XPHistoryEntry struct {
	SourceID    string    `json:"source_id"`
	Reason      string    `json:"reason"`
	Amount      int64     `json:"amount_earned"`
	CompletedAt time.Time `json:"completed_at"`
}

// XPHistory is stored as a JSONB array.
type XPHistory []XPHistoryEntry

func (h XPHistory) Value() (driver.Value, error) { return jsonValue(h) }
func (h *XPHistory) Scan(src interface{}) error  { return scanJSON(src, h) }

// CursorMap holds activity high-water marks.
type CursorMap map[string]int64

func (m CursorMap) Value() (driver.Value, error) { return jsonValue(m) }
func (m *CursorMap) Scan(src interface{}) error  { return scanJSON(src, m) }

// XPLedgerEntry is keyed by user address.
type XPLedgerEntry struct {
	UserAddress     string     `json:"user_address" db:"user_address"`
	Total           int64      `json:"total" db:"total"`
	History         XPHistory  `json:"history" db:"history"`
	AwardedSources  StringList `json:"awarded_sources" db:"awarded_sources"`
	ActivityCursors CursorMap  `json:"activity_cursors" db:"activity_cursors"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at" db:"updated_at"`
}

// ActivityEvent is one entry of the append-only activity log.
type ActivityEvent struct {
	ID          int64     `json:"id" db:"id"`
	UserAddress string    `json:"user_address" db:"user_address"`
	Activity    string    `json:"activity" db:"activity"`
	Reference   string    `json:"reference" db:"reference"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// =============================================================================
// Alerts
// =============================================================================

// Alert is a persisted operator notification.
type Alert struct {
	ID        int64     `json:"id" db:"id"`
	Condition string    `json:"condition" db:"condition"`
	Severity  string    `json:"severity" db:"severity"`
	Message   string    `json:"message" db:"message"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// =============================================================================
// JSONB helpers
// =============================================================================

func jsonValue(v interface{}) (driver.Value, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func scanJSON(src interface{}, dst interface{}) error {
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		if len(v) == 0 {
			return nil
		}
		return json.Unmarshal(v, dst)
	case string:
		if v == "" {
			return nil
		}
		return json.Unmarshal([]byte(v), dst)
	default:
		return fmt.Errorf("cannot scan %T into JSON column", src)
	}
}
