package allocation

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/R3E-Network/settlement_layer/internal/database"
	"github.com/R3E-Network/settlement_layer/internal/errors"
	"github.com/R3E-Network/settlement_layer/internal/fanout"
	"github.com/R3E-Network/settlement_layer/internal/logging"
)

// reapSchedule runs the stale claim reaper.
const reapSchedule = "@every 1m"

// Allocator is the part of the coordinator the scheduler drives.
type Allocator interface {
	Allocate(ctx context.Context, req Request) (*database.AllocationResponse, error)
}

// SchedulerConfig wires the status poller.
type SchedulerConfig struct {
	Allocator Allocator
	Store     database.SettlementStore
	Status    StatusChecker
	Pool      *fanout.Pool
	Logger    *logging.Logger
	// Schedule is a cron spec, e.g. "@every 30s".
	Schedule   string
	Batch      int
	StaleAfter time.Duration
	// MaxAttempts caps automatic retries of a failed settlement.
	MaxAttempts int
	// RetryBackoff is the minimum spacing between automatic retries.
	RetryBackoff time.Duration
}

// PollStats summarizes one poll pass.
type PollStats struct {
	Checked   int
	Allocated int
	Failed    int
	Pending   int
}

// Scheduler polls providers for settlements whose webhook never arrived and
// retries retryable failures a bounded number of times. Missing receipts are
// left to the caller. It also releases claims left by crashed callers.
type Scheduler struct {
	cfg    SchedulerConfig
	cron   *cron.Cron
	logger *logging.Logger
	now    func() time.Time

	mu      sync.Mutex
	running bool
}

// NewScheduler builds a scheduler. Start registers the cron entries.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	if cfg.Logger == nil {
		cfg.Logger = logging.NewDiscard("allocation-scheduler")
	}
	if cfg.Pool == nil {
		cfg.Pool = fanout.NewPool(4, 0)
	}
	if cfg.Batch <= 0 {
		cfg.Batch = 50
	}
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 30s"
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 10 * time.Minute
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	return &Scheduler{
		cfg:    cfg,
		cron:   cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		logger: cfg.Logger,
		now:    time.Now,
	}
}

// Start registers the poll and reap jobs and starts the cron runner. Jobs run
// with ctx; they stop being scheduled after Stop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	if _, err := s.cron.AddFunc(s.cfg.Schedule, func() {
		if _, err := s.PollOnce(ctx); err != nil {
			s.logger.WithContext(ctx).WithError(err).Warn("settlement poll failed")
		}
	}); err != nil {
		return errors.InvalidInput("poll_schedule", err.Error())
	}
	if _, err := s.cron.AddFunc(reapSchedule, func() {
		if _, err := s.ReapOnce(ctx); err != nil {
			s.logger.WithContext(ctx).WithError(err).Warn("stale claim reap failed")
		}
	}); err != nil {
		return errors.Internal("register reaper", err)
	}
	s.cron.Start()
	s.running = true
	s.logger.WithFields(map[string]interface{}{"schedule": s.cfg.Schedule}).Info("settlement scheduler started")
	return nil
}

// Stop halts scheduling and waits for running jobs.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	<-s.cron.Stop().Done()
	s.running = false
}

// PollOnce processes one batch of pending settlements.
func (s *Scheduler) PollOnce(ctx context.Context) (PollStats, error) {
	recs, err := s.cfg.Store.ListPendingSettlements(ctx, database.PendingQuery{
		Limit:       s.cfg.Batch,
		MaxAttempts: s.cfg.MaxAttempts,
		RetryBefore: s.now().UTC().Add(-s.cfg.RetryBackoff),
	})
	if err != nil {
		return PollStats{}, errors.Network("list pending settlements", err)
	}
	outcomes, err := fanout.Map(ctx, s.cfg.Pool, recs, func(ctx context.Context, rec *database.SettlementRecord) (pollOutcome, error) {
		return s.pollOne(ctx, rec), nil
	})
	if err != nil {
		return PollStats{}, err
	}
	stats := PollStats{Checked: len(recs)}
	for _, o := range outcomes {
		switch o {
		case pollAllocated:
			stats.Allocated++
		case pollFailed:
			stats.Failed++
		default:
			stats.Pending++
		}
	}
	if stats.Checked > 0 {
		s.logger.WithContext(ctx).WithFields(map[string]interface{}{
			"checked":   stats.Checked,
			"allocated": stats.Allocated,
			"failed":    stats.Failed,
			"pending":   stats.Pending,
		}).Info("settlement poll complete")
	}
	return stats, nil
}

type pollOutcome int

const (
	pollPending pollOutcome = iota
	pollAllocated
	pollFailed
)

func (s *Scheduler) pollOne(ctx context.Context, rec *database.SettlementRecord) pollOutcome {
	log := s.logger.WithContext(ctx).WithField("settlement_id", rec.Code)

	if needsStatus(rec) {
		if s.cfg.Status == nil {
			return pollPending
		}
		ev, err := s.cfg.Status.CheckStatus(ctx, rec.Provider, rec.Code)
		if err != nil {
			log.WithError(err).Debug("provider status check failed")
			return pollPending
		}
		updated, err := s.cfg.Store.UpsertSettlement(ctx, ev.Record())
		if err != nil {
			log.WithError(err).Warn("failed to refresh settlement from provider status")
			return pollPending
		}
		if ev.Outcome != OutcomeSuccess {
			return pollPending
		}
		rec = updated
	}

	if _, err := s.cfg.Allocator.Allocate(ctx, RequestFromRecord(rec)); err != nil {
		if errors.Classify(err) == errors.KindConflict {
			return pollPending
		}
		log.WithError(err).Warn("scheduled allocation failed")
		return pollFailed
	}
	return pollAllocated
}

// ReapOnce fails IN_PROGRESS claims older than the stale threshold as
// retryable so the next poll can pick them up.
func (s *Scheduler) ReapOnce(ctx context.Context) (int64, error) {
	now := s.now().UTC()
	n, err := s.cfg.Store.ReleaseStaleSettlements(ctx, now.Add(-s.cfg.StaleAfter), now)
	if err != nil {
		return 0, errors.Network("release stale settlements", err)
	}
	if n > 0 {
		s.logger.WithContext(ctx).WithFields(map[string]interface{}{"released": n}).Warn("released stale settlement claims")
	}
	return n, nil
}

// RequestFromRecord rebuilds an allocation request from a stored settlement.
func RequestFromRecord(rec *database.SettlementRecord) Request {
	return Request{
		SettlementID:    rec.Code,
		Provider:        rec.Provider,
		Asset:           rec.Asset,
		UserAddress:     rec.UserAddress,
		Amount:          rec.Amount,
		TxHash:          rec.TxHash,
		ProviderPayload: rec.Payload,
		TargetGoalID:    rec.TargetGoalID,
		MetaGoalID:      rec.MetaGoalID,
		ChainID:         rec.ChainID,
		VaultAddress:    rec.VaultAddress,
	}
}

// needsStatus reports whether the provider must confirm the payment before
// the record can be allocated. Records created by direct allocation requests
// carry no provider, and records that were already attempted are retried.
func needsStatus(rec *database.SettlementRecord) bool {
	if rec.Provider == "" || rec.Allocation.Status != database.StatusUnset {
		return false
	}
	return !strings.EqualFold(rec.ProviderStatus, string(OutcomeSuccess))
}
