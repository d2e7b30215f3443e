package database

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// Repository is the Postgres-backed Store. Documents are rows with JSONB
// columns for the embedded arrays and maps.
type Repository struct {
	db           *sqlx.DB
	historyLimit int
}

var _ Store = (*Repository)(nil)

// NewRepository wraps an open connection pool.
func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db, historyLimit: AttemptHistoryLimit}
}

// WithHistoryLimit sets how many attempts each settlement keeps.
func (r *Repository) WithHistoryLimit(n int) *Repository {
	if n > 0 {
		r.historyLimit = n
	}
	return r
}

// Open connects to dsn with the lib/pq driver and verifies the connection.
func Open(ctx context.Context, dsn string) (*Repository, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("%w: database url is required", ErrInvalidInput)
	}
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, wrapDB("connect", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return NewRepository(db), nil
}

// DB exposes the pool for migrations.
func (r *Repository) DB() *sqlx.DB { return r.db }

func (r *Repository) Close() error { return r.db.Close() }

func (r *Repository) Ping(ctx context.Context) error {
	if err := r.db.PingContext(ctx); err != nil {
		return wrapDB("ping", err)
	}
	return nil
}

// =============================================================================
// Settlements
// =============================================================================

const settlementColumns = `code, provider, provider_status, amount, asset, user_address, tx_hash, chain_id,
	vault_address, target_goal_id, meta_goal_id, payload, allocation_status, retryable, last_attempt_at,
	response, error, error_code, attempts, history, created_at, updated_at`

type settlementRow struct {
	Code           string              `db:"code"`
	Provider       string              `db:"provider"`
	ProviderStatus string              `db:"provider_status"`
	Amount         string              `db:"amount"`
	Asset          string              `db:"asset"`
	UserAddress    string              `db:"user_address"`
	TxHash         string              `db:"tx_hash"`
	ChainID        string              `db:"chain_id"`
	VaultAddress   string              `db:"vault_address"`
	TargetGoalID   string              `db:"target_goal_id"`
	MetaGoalID     string              `db:"meta_goal_id"`
	Payload        []byte              `db:"payload"`
	Status         string              `db:"allocation_status"`
	Retryable      bool                `db:"retryable"`
	LastAttemptAt  *time.Time          `db:"last_attempt_at"`
	Response       *AllocationResponse `db:"response"`
	Error          string              `db:"error"`
	ErrorCode      string              `db:"error_code"`
	Attempts       int                 `db:"attempts"`
	History        AttemptHistory      `db:"history"`
	CreatedAt      time.Time           `db:"created_at"`
	UpdatedAt      time.Time           `db:"updated_at"`
}

func (row *settlementRow) record() *SettlementRecord {
	rec := &SettlementRecord{
		Code:           row.Code,
		Provider:       row.Provider,
		ProviderStatus: row.ProviderStatus,
		Amount:         row.Amount,
		Asset:          row.Asset,
		UserAddress:    row.UserAddress,
		TxHash:         row.TxHash,
		ChainID:        row.ChainID,
		VaultAddress:   row.VaultAddress,
		TargetGoalID:   row.TargetGoalID,
		MetaGoalID:     row.MetaGoalID,
		Allocation: AllocationState{
			Status:        AllocationStatus(row.Status),
			Retryable:     row.Retryable,
			LastAttemptAt: row.LastAttemptAt,
			Response:      row.Response,
			Error:         row.Error,
			ErrorCode:     row.ErrorCode,
			Attempts:      row.Attempts,
			History:       row.History,
		},
		CreatedAt: row.CreatedAt,
		UpdatedAt: row.UpdatedAt,
	}
	if len(row.Payload) > 0 {
		rec.Payload = json.RawMessage(row.Payload)
	}
	return rec
}

// fillEmpty keeps the stored value once set.
func fillEmpty(col string) string {
	return fmt.Sprintf("%[1]s = COALESCE(NULLIF(settlements.%[1]s, ''), EXCLUDED.%[1]s)", col)
}

var upsertSettlementSQL = `
INSERT INTO settlements (code, provider, provider_status, amount, asset, user_address, tx_hash, chain_id,
	vault_address, target_goal_id, meta_goal_id, payload, allocation_status, retryable, history, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, 'UNSET', false, '[]'::jsonb, $13, $13)
ON CONFLICT (code) DO UPDATE SET
	provider_status = COALESCE(NULLIF(EXCLUDED.provider_status, ''), settlements.provider_status),
	` + strings.Join([]string{
	fillEmpty("provider"), fillEmpty("amount"), fillEmpty("asset"), fillEmpty("user_address"),
	fillEmpty("tx_hash"), fillEmpty("chain_id"), fillEmpty("vault_address"),
	fillEmpty("target_goal_id"), fillEmpty("meta_goal_id"),
}, ",\n\t") + `,
	payload = COALESCE(EXCLUDED.payload, settlements.payload),
	updated_at = EXCLUDED.updated_at
RETURNING ` + settlementColumns

func payloadArg(p json.RawMessage) interface{} {
	if len(p) == 0 {
		return nil
	}
	return string(p)
}

func (r *Repository) UpsertSettlement(ctx context.Context, rec *SettlementRecord) (*SettlementRecord, error) {
	if rec == nil || strings.TrimSpace(rec.Code) == "" {
		return nil, fmt.Errorf("%w: settlement code is required", ErrInvalidInput)
	}
	now := rec.UpdatedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}
	var row settlementRow
	err := r.db.GetContext(ctx, &row, upsertSettlementSQL,
		rec.Code, rec.Provider, rec.ProviderStatus, rec.Amount, rec.Asset, rec.UserAddress, rec.TxHash,
		rec.ChainID, rec.VaultAddress, rec.TargetGoalID, rec.MetaGoalID, payloadArg(rec.Payload), now)
	if err != nil {
		return nil, wrapDB("upsert settlement", err)
	}
	return row.record(), nil
}

func (r *Repository) GetSettlement(ctx context.Context, code string) (*SettlementRecord, error) {
	var row settlementRow
	err := r.db.GetContext(ctx, &row, `SELECT `+settlementColumns+` FROM settlements WHERE code = $1`, code)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, NewNotFoundError("settlement", code)
	}
	if err != nil {
		return nil, wrapDB("get settlement", err)
	}
	return row.record(), nil
}

func (r *Repository) ClaimSettlement(ctx context.Context, code string, now time.Time) (*SettlementRecord, error) {
	var row settlementRow
	err := r.db.GetContext(ctx, &row, `
UPDATE settlements SET allocation_status = 'IN_PROGRESS', last_attempt_at = $2, updated_at = $2
WHERE code = $1 AND allocation_status NOT IN ('IN_PROGRESS', 'SUCCESS')
RETURNING `+settlementColumns, code, now)
	if err == nil {
		return row.record(), nil
	}
	if !stderrors.Is(err, sql.ErrNoRows) {
		return nil, wrapDB("claim settlement", err)
	}
	current, err := r.GetSettlement(ctx, code)
	if err != nil {
		return nil, err
	}
	return nil, claimConflict(current.Allocation.Status)
}

func claimConflict(status AllocationStatus) error {
	if status == StatusSuccess {
		return ErrAlreadySettled
	}
	return ErrAlreadyClaimed
}

func (r *Repository) FinishSettlement(ctx context.Context, code string, result SettlementResult) (*SettlementRecord, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, wrapDB("begin finish", err)
	}
	defer tx.Rollback()

	var current settlementRow
	err = tx.GetContext(ctx, &current, `SELECT `+settlementColumns+` FROM settlements WHERE code = $1 FOR UPDATE`, code)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, NewNotFoundError("settlement", code)
	}
	if err != nil {
		return nil, wrapDB("lock settlement", err)
	}
	if AllocationStatus(current.Status) != StatusInProgress {
		return nil, ErrNotClaimed
	}

	history := current.History.Append(attemptOf(result), r.historyLimit)
	var response interface{}
	if result.Response != nil {
		response = result.Response
	}

	var row settlementRow
	err = tx.GetContext(ctx, &row, `
UPDATE settlements SET allocation_status = $2, retryable = $3, response = COALESCE($4::jsonb, response),
	error = $5, error_code = $6, history = $7, attempts = attempts + 1, tx_hash = COALESCE(NULLIF(tx_hash, ''), $8), updated_at = $9
WHERE code = $1
RETURNING `+settlementColumns,
		code, string(result.Status), result.Retryable, response, result.Error, result.ErrorCode, history,
		result.TxHash, result.At)
	if err != nil {
		return nil, wrapDB("finish settlement", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, wrapDB("commit finish", err)
	}
	return row.record(), nil
}

func attemptOf(result SettlementResult) AllocationAttempt {
	return AllocationAttempt{
		Status:    result.Status,
		At:        result.At,
		Retryable: result.Retryable,
		Error:     result.Error,
		ErrorCode: result.ErrorCode,
		TxHash:    result.TxHash,
	}
}

func (r *Repository) ListPendingSettlements(ctx context.Context, q PendingQuery) ([]*SettlementRecord, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	var retryBefore interface{}
	if !q.RetryBefore.IsZero() {
		retryBefore = q.RetryBefore
	}
	var rows []settlementRow
	err := r.db.SelectContext(ctx, &rows, `
SELECT `+settlementColumns+` FROM settlements
WHERE provider_status <> 'failure' AND (
	allocation_status = 'UNSET'
	OR (allocation_status = 'FAILED' AND retryable
		AND error_code <> ALL($2)
		AND ($3::int = 0 OR attempts < $3::int)
		AND ($4::timestamptz IS NULL OR last_attempt_at IS NULL OR last_attempt_at <= $4::timestamptz)))
ORDER BY updated_at ASC
LIMIT $1`, limit, pq.Array(callerRetryCodes), q.MaxAttempts, retryBefore)
	if err != nil {
		return nil, wrapDB("list pending settlements", err)
	}
	out := make([]*SettlementRecord, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].record())
	}
	return out, nil
}

func (r *Repository) ReleaseStaleSettlements(ctx context.Context, cutoff, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
UPDATE settlements SET allocation_status = 'FAILED', retryable = true, error = 'claim expired',
	error_code = 'CLAIM_EXPIRED', updated_at = $2
WHERE allocation_status = 'IN_PROGRESS' AND last_attempt_at < $1`, cutoff, now)
	if err != nil {
		return 0, wrapDB("release stale settlements", err)
	}
	return res.RowsAffected()
}

// =============================================================================
// Meta-goals
// =============================================================================

const metaGoalColumns = `id, name, creator, participants, target_amount_usd, target_date, public, chain_goals,
	xp_awarded, xp_awarded_at, created_at, updated_at`

func (r *Repository) CreateMetaGoal(ctx context.Context, goal *MetaGoal) error {
	if goal == nil || goal.ID == "" || goal.Creator == "" {
		return fmt.Errorf("%w: meta-goal id and creator are required", ErrInvalidInput)
	}
	if goal.Participants == nil {
		goal.Participants = StringList{}
	}
	if goal.ChainGoals == nil {
		goal.ChainGoals = StringMap{}
	}
	if goal.CreatedAt.IsZero() {
		goal.CreatedAt = time.Now().UTC()
	}
	goal.UpdatedAt = goal.CreatedAt
	_, err := r.db.NamedExecContext(ctx, `
INSERT INTO meta_goals (`+metaGoalColumns+`)
VALUES (:id, :name, :creator, :participants, :target_amount_usd, :target_date, :public, :chain_goals,
	:xp_awarded, :xp_awarded_at, :created_at, :updated_at)`, goal)
	if err != nil {
		return wrapDB("create meta-goal", err)
	}
	return nil
}

func (r *Repository) GetMetaGoal(ctx context.Context, id string) (*MetaGoal, error) {
	var goal MetaGoal
	err := r.db.GetContext(ctx, &goal, `SELECT `+metaGoalColumns+` FROM meta_goals WHERE id = $1`, id)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, NewNotFoundError("meta_goal", id)
	}
	if err != nil {
		return nil, wrapDB("get meta-goal", err)
	}
	return &goal, nil
}

func (r *Repository) ListMetaGoalsByParticipant(ctx context.Context, address string) ([]*MetaGoal, error) {
	var goals []*MetaGoal
	err := r.db.SelectContext(ctx, &goals, `
SELECT `+metaGoalColumns+` FROM meta_goals
WHERE creator = $1 OR participants @> jsonb_build_array($1::text)
ORDER BY created_at ASC`, address)
	if err != nil {
		return nil, wrapDB("list meta-goals", err)
	}
	return goals, nil
}

func (r *Repository) SetChainGoal(ctx context.Context, metaGoalID, legKey, goalID string) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE meta_goals SET chain_goals = chain_goals || jsonb_build_object($2::text, $3::text), updated_at = NOW()
WHERE id = $1 AND (chain_goals -> $2::text) IS NULL`, metaGoalID, legKey, goalID)
	if err != nil {
		return wrapDB("set chain goal", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	if _, err := r.GetMetaGoal(ctx, metaGoalID); err != nil {
		return err
	}
	return ErrLegExists
}

func (r *Repository) RemoveChainGoal(ctx context.Context, metaGoalID, legKey string) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE meta_goals SET chain_goals = chain_goals - $2::text, updated_at = NOW() WHERE id = $1`, metaGoalID, legKey)
	if err != nil {
		return wrapDB("remove chain goal", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return NewNotFoundError("meta_goal", metaGoalID)
	}
	return nil
}

func (r *Repository) FindMetaGoalByChainGoal(ctx context.Context, legKey, goalID string) (*MetaGoal, error) {
	var goal MetaGoal
	err := r.db.GetContext(ctx, &goal, `
SELECT `+metaGoalColumns+` FROM meta_goals
WHERE chain_goals ->> $1::text = $2
ORDER BY created_at ASC
LIMIT 1`, legKey, goalID)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, NewNotFoundError("meta_goal", legKey+"="+goalID)
	}
	if err != nil {
		return nil, wrapDB("find meta-goal by chain goal", err)
	}
	return &goal, nil
}

func (r *Repository) ClaimXPAward(ctx context.Context, metaGoalID string, now time.Time) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE meta_goals SET xp_awarded = true, xp_awarded_at = $2, updated_at = $2
WHERE id = $1 AND xp_awarded = false`, metaGoalID, now)
	if err != nil {
		return wrapDB("claim xp award", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	if _, err := r.GetMetaGoal(ctx, metaGoalID); err != nil {
		return err
	}
	return ErrAlreadyClaimed
}

func (r *Repository) ReleaseXPAward(ctx context.Context, metaGoalID string) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE meta_goals SET xp_awarded = false, xp_awarded_at = NULL, updated_at = NOW() WHERE id = $1`, metaGoalID)
	if err != nil {
		return wrapDB("release xp award", err)
	}
	return nil
}

// =============================================================================
// Disbursement queue
// =============================================================================

const jobColumns = `id, transaction_code, recipient, fiat_amount, currency, chain_id, asset, status, retry_count,
	next_retry_at, token_amount, tx_hash, submitted_tx_hash, valid_until_block, error, error_kind, worker_id,
	claimed_at, completed_at, created_at, updated_at`

func (r *Repository) EnqueueJob(ctx context.Context, job *DisbursementJob) (*DisbursementJob, bool, error) {
	if job == nil || job.ID == "" || job.TransactionCode == "" {
		return nil, false, fmt.Errorf("%w: job id and transaction code are required", ErrInvalidInput)
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	var stored DisbursementJob
	err := r.db.GetContext(ctx, &stored, `
INSERT INTO disbursement_jobs (id, transaction_code, recipient, fiat_amount, currency, chain_id, asset, status,
	retry_count, next_retry_at, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, 'pending', 0, $8, $8, $8)
ON CONFLICT (transaction_code) DO NOTHING
RETURNING `+jobColumns,
		job.ID, job.TransactionCode, job.Recipient, job.FiatAmount, job.Currency, job.ChainID, job.Asset, job.CreatedAt)
	if err == nil {
		return &stored, true, nil
	}
	if !stderrors.Is(err, sql.ErrNoRows) {
		return nil, false, wrapDB("enqueue job", err)
	}
	err = r.db.GetContext(ctx, &stored, `SELECT `+jobColumns+` FROM disbursement_jobs WHERE transaction_code = $1`, job.TransactionCode)
	if err != nil {
		return nil, false, wrapDB("get existing job", err)
	}
	return &stored, false, nil
}

func (r *Repository) GetJob(ctx context.Context, id string) (*DisbursementJob, error) {
	var job DisbursementJob
	err := r.db.GetContext(ctx, &job, `SELECT `+jobColumns+` FROM disbursement_jobs WHERE id = $1`, id)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, NewNotFoundError("disbursement_job", id)
	}
	if err != nil {
		return nil, wrapDB("get job", err)
	}
	return &job, nil
}

func (r *Repository) ClaimNextJob(ctx context.Context, workerID string, now time.Time) (*DisbursementJob, error) {
	var job DisbursementJob
	err := r.db.GetContext(ctx, &job, `
UPDATE disbursement_jobs SET status = 'processing', worker_id = $1, claimed_at = $2, updated_at = $2
WHERE id = (
	SELECT id FROM disbursement_jobs
	WHERE status = 'pending' AND next_retry_at <= $2
	ORDER BY created_at ASC
	LIMIT 1
	FOR UPDATE SKIP LOCKED
)
RETURNING `+jobColumns, workerID, now)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, ErrQueueEmpty
	}
	if err != nil {
		return nil, wrapDB("claim job", err)
	}
	return &job, nil
}

func (r *Repository) MarkJobSubmitted(ctx context.Context, id, tokenAmount, txHash string, validUntilBlock uint32, now time.Time) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE disbursement_jobs SET token_amount = $2, submitted_tx_hash = $3, valid_until_block = $4, updated_at = $5
WHERE id = $1 AND status = 'processing'`, id, tokenAmount, txHash, int64(validUntilBlock), now)
	return expectOne(res, err, "mark job submitted")
}

func (r *Repository) CompleteJob(ctx context.Context, id, tokenAmount, txHash string, now time.Time) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE disbursement_jobs SET status = 'completed', token_amount = $2, tx_hash = $3, error = '', error_kind = '',
	completed_at = $4, updated_at = $4
WHERE id = $1 AND status = 'processing'`, id, tokenAmount, txHash, now)
	return expectOne(res, err, "complete job")
}

func (r *Repository) RetryJob(ctx context.Context, id string, retryCount int, nextRetryAt time.Time, errMsg, errKind string) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE disbursement_jobs SET status = 'pending', retry_count = $2, next_retry_at = $3, error = $4, error_kind = $5,
	worker_id = '', claimed_at = NULL, updated_at = NOW()
WHERE id = $1 AND status = 'processing'`, id, retryCount, nextRetryAt, errMsg, errKind)
	return expectOne(res, err, "retry job")
}

func (r *Repository) FailJob(ctx context.Context, id, errMsg, errKind string, now time.Time) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE disbursement_jobs SET status = 'failed', error = $2, error_kind = $3, completed_at = $4, updated_at = $4
WHERE id = $1 AND status = 'processing'`, id, errMsg, errKind, now)
	return expectOne(res, err, "fail job")
}

func (r *Repository) ReleaseStaleJobs(ctx context.Context, cutoff, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
UPDATE disbursement_jobs SET status = 'pending', worker_id = '', claimed_at = NULL, updated_at = $2
WHERE status = 'processing' AND claimed_at < $1`, cutoff, now)
	if err != nil {
		return 0, wrapDB("release stale jobs", err)
	}
	return res.RowsAffected()
}

func expectOne(res sql.Result, err error, op string) error {
	if err != nil {
		return wrapDB(op, err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return ErrNotClaimed
	}
	return nil
}

// =============================================================================
// XP ledger
// =============================================================================

const xpColumns = `user_address, total, history, awarded_sources, activity_cursors, created_at, updated_at`

func (r *Repository) AwardXP(ctx context.Context, user string, entry XPHistoryEntry) (bool, error) {
	if user == "" || entry.SourceID == "" {
		return false, fmt.Errorf("%w: user and source id are required", ErrInvalidInput)
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return false, err
	}
	res, err := r.db.ExecContext(ctx, `
INSERT INTO xp_ledger (`+xpColumns+`)
VALUES ($1, $2, jsonb_build_array($3::jsonb), jsonb_build_array($4::text), '{}'::jsonb, $5, $5)
ON CONFLICT (user_address) DO UPDATE SET
	total = xp_ledger.total + EXCLUDED.total,
	history = xp_ledger.history || EXCLUDED.history,
	awarded_sources = xp_ledger.awarded_sources || EXCLUDED.awarded_sources,
	updated_at = EXCLUDED.updated_at
WHERE NOT (xp_ledger.awarded_sources @> EXCLUDED.awarded_sources)`,
		user, entry.Amount, string(raw), entry.SourceID, entry.CompletedAt)
	if err != nil {
		return false, wrapDB("award xp", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (r *Repository) AdvanceActivityCursor(ctx context.Context, user, activity string, from, to int64, entry XPHistoryEntry) (bool, error) {
	if to <= from {
		return false, nil
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return false, err
	}
	res, err := r.db.ExecContext(ctx, `
INSERT INTO xp_ledger (`+xpColumns+`)
VALUES ($1, $2, jsonb_build_array($3::jsonb), '[]'::jsonb, jsonb_build_object($4::text, $6::bigint), $7, $7)
ON CONFLICT (user_address) DO UPDATE SET
	total = xp_ledger.total + EXCLUDED.total,
	history = xp_ledger.history || EXCLUDED.history,
	activity_cursors = xp_ledger.activity_cursors || EXCLUDED.activity_cursors,
	updated_at = EXCLUDED.updated_at
WHERE COALESCE((xp_ledger.activity_cursors ->> $4::text)::bigint, 0) = $5`,
		user, entry.Amount, string(raw), activity, from, to, entry.CompletedAt)
	if err != nil {
		return false, wrapDB("advance activity cursor", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (r *Repository) GetXPLedger(ctx context.Context, user string) (*XPLedgerEntry, error) {
	var entry XPLedgerEntry
	err := r.db.GetContext(ctx, &entry, `SELECT `+xpColumns+` FROM xp_ledger WHERE user_address = $1`, user)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, NewNotFoundError("xp_ledger", user)
	}
	if err != nil {
		return nil, wrapDB("get xp ledger", err)
	}
	return &entry, nil
}

func (r *Repository) AppendActivity(ctx context.Context, event *ActivityEvent) error {
	if event == nil || event.UserAddress == "" || event.Activity == "" {
		return fmt.Errorf("%w: activity user and name are required", ErrInvalidInput)
	}
	err := r.db.QueryRowxContext(ctx, `
INSERT INTO activity_events (user_address, activity, reference, created_at)
VALUES ($1, $2, $3, $4) RETURNING id`,
		event.UserAddress, event.Activity, event.Reference, event.CreatedAt).Scan(&event.ID)
	if err != nil {
		return wrapDB("append activity", err)
	}
	return nil
}

func (r *Repository) CountActivities(ctx context.Context, user, activity string) (int64, error) {
	var n int64
	err := r.db.GetContext(ctx, &n, `
SELECT COUNT(*) FROM activity_events WHERE user_address = $1 AND activity = $2`, user, activity)
	if err != nil {
		return 0, wrapDB("count activities", err)
	}
	return n, nil
}

// =============================================================================
// Alerts and fiat transactions
// =============================================================================

func (r *Repository) RecordAlert(ctx context.Context, alert *Alert) error {
	err := r.db.QueryRowxContext(ctx, `
INSERT INTO alerts (condition, severity, message, created_at) VALUES ($1, $2, $3, $4) RETURNING id`,
		alert.Condition, alert.Severity, alert.Message, alert.CreatedAt).Scan(&alert.ID)
	if err != nil {
		return wrapDB("record alert", err)
	}
	return nil
}

const fiatColumns = `code, direction, address, amount, currency, status, tx_hash, created_at, updated_at`

func (r *Repository) CreateFiatTransaction(ctx context.Context, tx *FiatTransaction) error {
	if tx == nil || tx.Code == "" {
		return fmt.Errorf("%w: fiat transaction code is required", ErrInvalidInput)
	}
	_, err := r.db.NamedExecContext(ctx, `
INSERT INTO fiat_transactions (`+fiatColumns+`)
VALUES (:code, :direction, :address, :amount, :currency, :status, :tx_hash, :created_at, :updated_at)
ON CONFLICT (code) DO NOTHING`, tx)
	if err != nil {
		return wrapDB("create fiat transaction", err)
	}
	return nil
}

func (r *Repository) GetFiatTransaction(ctx context.Context, code string) (*FiatTransaction, error) {
	var tx FiatTransaction
	err := r.db.GetContext(ctx, &tx, `SELECT `+fiatColumns+` FROM fiat_transactions WHERE code = $1`, code)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, NewNotFoundError("fiat_transaction", code)
	}
	if err != nil {
		return nil, wrapDB("get fiat transaction", err)
	}
	return &tx, nil
}

func (r *Repository) SetFiatTxHash(ctx context.Context, code, txHash string, now time.Time) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE fiat_transactions SET tx_hash = $2, status = 'completed', updated_at = $3 WHERE code = $1`, code, txHash, now)
	if err != nil {
		return wrapDB("set fiat tx hash", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return NewNotFoundError("fiat_transaction", code)
	}
	return nil
}
