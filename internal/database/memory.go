package database

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and local runs. Each method holds
// the mutex for the whole read-check-write so it keeps the same conditional
// write semantics as the Postgres queries.
type MemoryStore struct {
	mu sync.Mutex

	settlements map[string]*SettlementRecord
	metaGoals   map[string]*MetaGoal
	jobs        map[string]*DisbursementJob
	xp          map[string]*XPLedgerEntry
	activities  []ActivityEvent
	alerts      []Alert
	fiat        map[string]*FiatTransaction

	historyLimit int

	// Error injection for testing error paths
	ErrorOnNextCall error
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	m := &MemoryStore{historyLimit: AttemptHistoryLimit}
	m.Reset()
	return m
}

// WithHistoryLimit sets how many attempts each settlement keeps.
func (m *MemoryStore) WithHistoryLimit(n int) *MemoryStore {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n > 0 {
		m.historyLimit = n
	}
	return m
}

// checkError returns and clears any injected error. Callers hold mu.
func (m *MemoryStore) checkError() error {
	if m.ErrorOnNextCall != nil {
		err := m.ErrorOnNextCall
		m.ErrorOnNextCall = nil
		return err
	}
	return nil
}

// FailNext makes the next call return err.
func (m *MemoryStore) FailNext(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ErrorOnNextCall = err
}

// Reset clears all data in the store.
func (m *MemoryStore) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settlements = make(map[string]*SettlementRecord)
	m.metaGoals = make(map[string]*MetaGoal)
	m.jobs = make(map[string]*DisbursementJob)
	m.xp = make(map[string]*XPLedgerEntry)
	m.activities = nil
	m.alerts = nil
	m.fiat = make(map[string]*FiatTransaction)
	m.ErrorOnNextCall = nil
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checkError()
}

// Alerts returns the recorded alerts.
func (m *MemoryStore) Alerts() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Alert(nil), m.alerts...)
}

// =============================================================================
// Settlements
// =============================================================================

func cloneSettlement(s *SettlementRecord) *SettlementRecord {
	c := *s
	c.Payload = append(json.RawMessage(nil), s.Payload...)
	c.Allocation.History = append(AttemptHistory(nil), s.Allocation.History...)
	if s.Allocation.Response != nil {
		resp := *s.Allocation.Response
		c.Allocation.Response = &resp
	}
	if s.Allocation.LastAttemptAt != nil {
		t := *s.Allocation.LastAttemptAt
		c.Allocation.LastAttemptAt = &t
	}
	return &c
}

func fill(dst *string, v string) {
	if *dst == "" {
		*dst = v
	}
}

func (m *MemoryStore) UpsertSettlement(ctx context.Context, rec *SettlementRecord) (*SettlementRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkError(); err != nil {
		return nil, err
	}
	if rec == nil || rec.Code == "" {
		return nil, ErrInvalidInput
	}
	now := rec.UpdatedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}
	cur, ok := m.settlements[rec.Code]
	if !ok {
		c := cloneSettlement(rec)
		c.Allocation = AllocationState{Status: StatusUnset, History: AttemptHistory{}}
		c.CreatedAt, c.UpdatedAt = now, now
		m.settlements[rec.Code] = c
		return cloneSettlement(c), nil
	}
	if rec.ProviderStatus != "" {
		cur.ProviderStatus = rec.ProviderStatus
	}
	fill(&cur.Provider, rec.Provider)
	fill(&cur.Amount, rec.Amount)
	fill(&cur.Asset, rec.Asset)
	fill(&cur.UserAddress, rec.UserAddress)
	fill(&cur.TxHash, rec.TxHash)
	fill(&cur.ChainID, rec.ChainID)
	fill(&cur.VaultAddress, rec.VaultAddress)
	fill(&cur.TargetGoalID, rec.TargetGoalID)
	fill(&cur.MetaGoalID, rec.MetaGoalID)
	if len(rec.Payload) > 0 {
		cur.Payload = append(json.RawMessage(nil), rec.Payload...)
	}
	cur.UpdatedAt = now
	return cloneSettlement(cur), nil
}

func (m *MemoryStore) GetSettlement(ctx context.Context, code string) (*SettlementRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkError(); err != nil {
		return nil, err
	}
	cur, ok := m.settlements[code]
	if !ok {
		return nil, NewNotFoundError("settlement", code)
	}
	return cloneSettlement(cur), nil
}

func (m *MemoryStore) ClaimSettlement(ctx context.Context, code string, now time.Time) (*SettlementRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkError(); err != nil {
		return nil, err
	}
	cur, ok := m.settlements[code]
	if !ok {
		return nil, NewNotFoundError("settlement", code)
	}
	if !cur.Claimable() {
		return nil, claimConflict(cur.Allocation.Status)
	}
	t := now
	cur.Allocation.Status = StatusInProgress
	cur.Allocation.LastAttemptAt = &t
	cur.UpdatedAt = now
	return cloneSettlement(cur), nil
}

func (m *MemoryStore) FinishSettlement(ctx context.Context, code string, result SettlementResult) (*SettlementRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkError(); err != nil {
		return nil, err
	}
	cur, ok := m.settlements[code]
	if !ok {
		return nil, NewNotFoundError("settlement", code)
	}
	if cur.Allocation.Status != StatusInProgress {
		return nil, ErrNotClaimed
	}
	cur.Allocation.Status = result.Status
	cur.Allocation.Retryable = result.Retryable
	if result.Response != nil {
		resp := *result.Response
		cur.Allocation.Response = &resp
	}
	cur.Allocation.Error = result.Error
	cur.Allocation.ErrorCode = result.ErrorCode
	cur.Allocation.Attempts++
	cur.Allocation.History = cur.Allocation.History.Append(attemptOf(result), m.historyLimit)
	fill(&cur.TxHash, result.TxHash)
	cur.UpdatedAt = result.At
	return cloneSettlement(cur), nil
}

func (m *MemoryStore) ListPendingSettlements(ctx context.Context, q PendingQuery) ([]*SettlementRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkError(); err != nil {
		return nil, err
	}
	var out []*SettlementRecord
	for _, s := range m.settlements {
		st := s.Allocation
		if s.ProviderStatus == "failure" {
			continue
		}
		if st.Status == StatusUnset || (st.Status == StatusFailed && autoRetryable(st, q)) {
			out = append(out, cloneSettlement(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func autoRetryable(st AllocationState, q PendingQuery) bool {
	if !st.Retryable || callerRetryOnly(st.ErrorCode) {
		return false
	}
	if q.MaxAttempts > 0 && st.Attempts >= q.MaxAttempts {
		return false
	}
	if !q.RetryBefore.IsZero() && st.LastAttemptAt != nil && st.LastAttemptAt.After(q.RetryBefore) {
		return false
	}
	return true
}

func (m *MemoryStore) ReleaseStaleSettlements(ctx context.Context, cutoff, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkError(); err != nil {
		return 0, err
	}
	var n int64
	for _, s := range m.settlements {
		st := &s.Allocation
		if st.Status == StatusInProgress && st.LastAttemptAt != nil && st.LastAttemptAt.Before(cutoff) {
			st.Status = StatusFailed
			st.Retryable = true
			st.Error = "claim expired"
			st.ErrorCode = "CLAIM_EXPIRED"
			s.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

// =============================================================================
// Meta-goals
// =============================================================================

func cloneMetaGoal(g *MetaGoal) *MetaGoal {
	c := *g
	c.Participants = append(StringList(nil), g.Participants...)
	c.ChainGoals = make(StringMap, len(g.ChainGoals))
	for k, v := range g.ChainGoals {
		c.ChainGoals[k] = v
	}
	return &c
}

func (m *MemoryStore) CreateMetaGoal(ctx context.Context, goal *MetaGoal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkError(); err != nil {
		return err
	}
	if goal == nil || goal.ID == "" || goal.Creator == "" {
		return ErrInvalidInput
	}
	if _, ok := m.metaGoals[goal.ID]; ok {
		return ErrDuplicate
	}
	if goal.CreatedAt.IsZero() {
		goal.CreatedAt = time.Now().UTC()
	}
	goal.UpdatedAt = goal.CreatedAt
	m.metaGoals[goal.ID] = cloneMetaGoal(goal)
	return nil
}

func (m *MemoryStore) GetMetaGoal(ctx context.Context, id string) (*MetaGoal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkError(); err != nil {
		return nil, err
	}
	g, ok := m.metaGoals[id]
	if !ok {
		return nil, NewNotFoundError("meta_goal", id)
	}
	return cloneMetaGoal(g), nil
}

func (m *MemoryStore) ListMetaGoalsByParticipant(ctx context.Context, address string) ([]*MetaGoal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkError(); err != nil {
		return nil, err
	}
	var out []*MetaGoal
	for _, g := range m.metaGoals {
		if g.HasParticipant(address) {
			out = append(out, cloneMetaGoal(g))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) SetChainGoal(ctx context.Context, metaGoalID, legKey, goalID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkError(); err != nil {
		return err
	}
	g, ok := m.metaGoals[metaGoalID]
	if !ok {
		return NewNotFoundError("meta_goal", metaGoalID)
	}
	if _, exists := g.ChainGoals[legKey]; exists {
		return ErrLegExists
	}
	if g.ChainGoals == nil {
		g.ChainGoals = StringMap{}
	}
	g.ChainGoals[legKey] = goalID
	g.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) RemoveChainGoal(ctx context.Context, metaGoalID, legKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkError(); err != nil {
		return err
	}
	g, ok := m.metaGoals[metaGoalID]
	if !ok {
		return NewNotFoundError("meta_goal", metaGoalID)
	}
	delete(g.ChainGoals, legKey)
	return nil
}

func (m *MemoryStore) FindMetaGoalByChainGoal(ctx context.Context, legKey, goalID string) (*MetaGoal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkError(); err != nil {
		return nil, err
	}
	var found *MetaGoal
	for _, g := range m.metaGoals {
		if g.ChainGoals[legKey] != goalID {
			continue
		}
		if found == nil || g.CreatedAt.Before(found.CreatedAt) {
			found = g
		}
	}
	if found == nil {
		return nil, NewNotFoundError("meta_goal", legKey+"="+goalID)
	}
	return cloneMetaGoal(found), nil
}

func (m *MemoryStore) ClaimXPAward(ctx context.Context, metaGoalID string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkError(); err != nil {
		return err
	}
	g, ok := m.metaGoals[metaGoalID]
	if !ok {
		return NewNotFoundError("meta_goal", metaGoalID)
	}
	if g.XPAwarded {
		return ErrAlreadyClaimed
	}
	t := now
	g.XPAwarded = true
	g.XPAwardedAt = &t
	return nil
}

func (m *MemoryStore) ReleaseXPAward(ctx context.Context, metaGoalID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkError(); err != nil {
		return err
	}
	if g, ok := m.metaGoals[metaGoalID]; ok {
		g.XPAwarded = false
		g.XPAwardedAt = nil
	}
	return nil
}

// =============================================================================
// Disbursement queue
// =============================================================================

func cloneJob(j *DisbursementJob) *DisbursementJob {
	c := *j
	return &c
}

func (m *MemoryStore) EnqueueJob(ctx context.Context, job *DisbursementJob) (*DisbursementJob, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkError(); err != nil {
		return nil, false, err
	}
	if job == nil || job.ID == "" || job.TransactionCode == "" {
		return nil, false, ErrInvalidInput
	}
	for _, existing := range m.jobs {
		if existing.TransactionCode == job.TransactionCode {
			return cloneJob(existing), false, nil
		}
	}
	c := cloneJob(job)
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	c.Status = JobPending
	c.RetryCount = 0
	c.NextRetryAt = c.CreatedAt
	c.UpdatedAt = c.CreatedAt
	m.jobs[c.ID] = c
	return cloneJob(c), true, nil
}

func (m *MemoryStore) GetJob(ctx context.Context, id string) (*DisbursementJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkError(); err != nil {
		return nil, err
	}
	j, ok := m.jobs[id]
	if !ok {
		return nil, NewNotFoundError("disbursement_job", id)
	}
	return cloneJob(j), nil
}

func (m *MemoryStore) ClaimNextJob(ctx context.Context, workerID string, now time.Time) (*DisbursementJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkError(); err != nil {
		return nil, err
	}
	var next *DisbursementJob
	for _, j := range m.jobs {
		if j.Status != JobPending || j.NextRetryAt.After(now) {
			continue
		}
		if next == nil || j.CreatedAt.Before(next.CreatedAt) {
			next = j
		}
	}
	if next == nil {
		return nil, ErrQueueEmpty
	}
	t := now
	next.Status = JobProcessing
	next.WorkerID = workerID
	next.ClaimedAt = &t
	next.UpdatedAt = now
	return cloneJob(next), nil
}

// processing returns the job when this caller still holds its claim.
func (m *MemoryStore) processing(id string) (*DisbursementJob, error) {
	j, ok := m.jobs[id]
	if !ok || j.Status != JobProcessing {
		return nil, ErrNotClaimed
	}
	return j, nil
}

func (m *MemoryStore) MarkJobSubmitted(ctx context.Context, id, tokenAmount, txHash string, validUntilBlock uint32, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkError(); err != nil {
		return err
	}
	j, err := m.processing(id)
	if err != nil {
		return err
	}
	j.TokenAmount = tokenAmount
	j.SubmittedTxHash = txHash
	j.ValidUntilBlock = validUntilBlock
	j.UpdatedAt = now
	return nil
}

func (m *MemoryStore) CompleteJob(ctx context.Context, id, tokenAmount, txHash string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkError(); err != nil {
		return err
	}
	j, err := m.processing(id)
	if err != nil {
		return err
	}
	t := now
	j.Status = JobCompleted
	j.TokenAmount = tokenAmount
	j.TxHash = txHash
	j.Error, j.ErrorKind = "", ""
	j.CompletedAt = &t
	j.UpdatedAt = now
	return nil
}

func (m *MemoryStore) RetryJob(ctx context.Context, id string, retryCount int, nextRetryAt time.Time, errMsg, errKind string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkError(); err != nil {
		return err
	}
	j, err := m.processing(id)
	if err != nil {
		return err
	}
	j.Status = JobPending
	j.RetryCount = retryCount
	j.NextRetryAt = nextRetryAt
	j.Error, j.ErrorKind = errMsg, errKind
	j.WorkerID = ""
	j.ClaimedAt = nil
	j.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) FailJob(ctx context.Context, id, errMsg, errKind string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkError(); err != nil {
		return err
	}
	j, err := m.processing(id)
	if err != nil {
		return err
	}
	t := now
	j.Status = JobFailed
	j.Error, j.ErrorKind = errMsg, errKind
	j.CompletedAt = &t
	j.UpdatedAt = now
	return nil
}

func (m *MemoryStore) ReleaseStaleJobs(ctx context.Context, cutoff, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkError(); err != nil {
		return 0, err
	}
	var n int64
	for _, j := range m.jobs {
		if j.Status == JobProcessing && j.ClaimedAt != nil && j.ClaimedAt.Before(cutoff) {
			j.Status = JobPending
			j.WorkerID = ""
			j.ClaimedAt = nil
			j.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

// =============================================================================
// XP ledger
// =============================================================================

func (m *MemoryStore) ledger(user string, now time.Time) *XPLedgerEntry {
	e, ok := m.xp[user]
	if !ok {
		e = &XPLedgerEntry{
			UserAddress:     user,
			History:         XPHistory{},
			AwardedSources:  StringList{},
			ActivityCursors: CursorMap{},
			CreatedAt:       now,
		}
		m.xp[user] = e
	}
	return e
}

func (m *MemoryStore) AwardXP(ctx context.Context, user string, entry XPHistoryEntry) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkError(); err != nil {
		return false, err
	}
	if user == "" || entry.SourceID == "" {
		return false, ErrInvalidInput
	}
	if e, ok := m.xp[user]; ok && e.AwardedSources.Contains(entry.SourceID) {
		return false, nil
	}
	e := m.ledger(user, entry.CompletedAt)
	e.Total += entry.Amount
	e.History = append(e.History, entry)
	e.AwardedSources = append(e.AwardedSources, entry.SourceID)
	e.UpdatedAt = entry.CompletedAt
	return true, nil
}

func (m *MemoryStore) AdvanceActivityCursor(ctx context.Context, user, activity string, from, to int64, entry XPHistoryEntry) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkError(); err != nil {
		return false, err
	}
	if to <= from {
		return false, nil
	}
	var cursor int64
	if e, ok := m.xp[user]; ok {
		cursor = e.ActivityCursors[activity]
	}
	if cursor != from {
		return false, nil
	}
	e := m.ledger(user, entry.CompletedAt)
	e.ActivityCursors[activity] = to
	e.Total += entry.Amount
	e.History = append(e.History, entry)
	e.UpdatedAt = entry.CompletedAt
	return true, nil
}

func (m *MemoryStore) GetXPLedger(ctx context.Context, user string) (*XPLedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkError(); err != nil {
		return nil, err
	}
	e, ok := m.xp[user]
	if !ok {
		return nil, NewNotFoundError("xp_ledger", user)
	}
	c := *e
	c.History = append(XPHistory(nil), e.History...)
	c.AwardedSources = append(StringList(nil), e.AwardedSources...)
	c.ActivityCursors = make(CursorMap, len(e.ActivityCursors))
	for k, v := range e.ActivityCursors {
		c.ActivityCursors[k] = v
	}
	return &c, nil
}

func (m *MemoryStore) AppendActivity(ctx context.Context, event *ActivityEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkError(); err != nil {
		return err
	}
	if event == nil || event.UserAddress == "" || event.Activity == "" {
		return ErrInvalidInput
	}
	event.ID = int64(len(m.activities) + 1)
	m.activities = append(m.activities, *event)
	return nil
}

func (m *MemoryStore) CountActivities(ctx context.Context, user, activity string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkError(); err != nil {
		return 0, err
	}
	var n int64
	for _, a := range m.activities {
		if a.UserAddress == user && a.Activity == activity {
			n++
		}
	}
	return n, nil
}

// =============================================================================
// Alerts and fiat transactions
// =============================================================================

func (m *MemoryStore) RecordAlert(ctx context.Context, alert *Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkError(); err != nil {
		return err
	}
	alert.ID = int64(len(m.alerts) + 1)
	m.alerts = append(m.alerts, *alert)
	return nil
}

func (m *MemoryStore) CreateFiatTransaction(ctx context.Context, tx *FiatTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkError(); err != nil {
		return err
	}
	if tx == nil || tx.Code == "" {
		return ErrInvalidInput
	}
	if _, ok := m.fiat[tx.Code]; !ok {
		c := *tx
		m.fiat[tx.Code] = &c
	}
	return nil
}

func (m *MemoryStore) GetFiatTransaction(ctx context.Context, code string) (*FiatTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkError(); err != nil {
		return nil, err
	}
	tx, ok := m.fiat[code]
	if !ok {
		return nil, NewNotFoundError("fiat_transaction", code)
	}
	c := *tx
	return &c, nil
}

func (m *MemoryStore) SetFiatTxHash(ctx context.Context, code, txHash string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkError(); err != nil {
		return err
	}
	tx, ok := m.fiat[code]
	if !ok {
		return NewNotFoundError("fiat_transaction", code)
	}
	tx.TxHash = txHash
	tx.Status = "completed"
	tx.UpdatedAt = now
	return nil
}
