// Package disbursement runs the payout worker: it claims fiat payout jobs,
// converts them to settlement token amounts and transfers the tokens on chain.
package disbursement

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/R3E-Network/settlement_layer/internal/chain"
	"github.com/R3E-Network/settlement_layer/internal/database"
	"github.com/R3E-Network/settlement_layer/internal/errors"
	"github.com/R3E-Network/settlement_layer/internal/logging"
	"github.com/R3E-Network/settlement_layer/internal/metrics"
	commonservice "github.com/R3E-Network/settlement_layer/services/common/service"
)

const (
	ServiceName = "disbursement"
	Version     = "1.0.0"

	// memoryHighWater marks the worker unhealthy above this host memory usage.
	memoryHighWater = 95.0
)

// Counter names exposed on /info.
const (
	CounterProcessed           = "processed"
	CounterFailed              = "failed"
	CounterInsufficientBalance = "insufficient_balance"
	CounterRetried             = "retried"
)

// Chain is the payout surface of the chain gateway.
type Chain interface {
	VaultInfo(chainID, asset string) (*chain.VaultInfo, error)
	PayoutBalances(ctx context.Context, chainID, asset string) (*big.Int, *big.Int, error)
	PreparePayout(ctx context.Context, chainID, asset, recipient string, amount *big.Int, gasPadPercent int64) (*chain.PreparedTx, error)
	SubmitPayout(ctx context.Context, chainID string, p *chain.PreparedTx) (*chain.Receipt, error)
	PayoutReceipt(ctx context.Context, chainID, txHash string) (*chain.Receipt, error)
	BlockCount(ctx context.Context, chainID string) (uint32, error)
}

// Store is the ledger surface of the worker.
type Store interface {
	database.JobStore
	database.FiatStore
}

// Config wires a worker.
type Config struct {
	Chain   Chain
	Store   Store
	Rates   RateSource
	Alerter *Alerter
	Logger  *logging.Logger
	Metrics *metrics.Metrics
	// Checks are extra /health probes, e.g. the database ping.
	Checks map[string]commonservice.HealthCheck

	WorkerID      string
	DefaultChain  string
	DefaultAsset  string
	PollInterval  time.Duration
	MaxRetries    int
	BaseBackoff   time.Duration
	MaxBackoff    time.Duration
	GasPadPercent int64
	// ConfirmTimeout bounds submission plus confirmation of one payout.
	ConfirmTimeout time.Duration
	// StaleAfter releases processing claims held longer than this.
	StaleAfter time.Duration
}

// Worker processes the disbursement queue.
type Worker struct {
	*commonservice.BaseService

	cfg      Config
	chain    Chain
	store    Store
	rates    RateSource
	alerter  *Alerter
	logger   *logging.Logger
	metrics  *metrics.Metrics
	counters *commonservice.Counters
	now      func() time.Time
}

// NewWorker builds a worker with its poll loop and stale claim reaper
// registered on the embedded service.
func NewWorker(cfg Config) *Worker {
	if cfg.Logger == nil {
		cfg.Logger = logging.NewDiscard(ServiceName)
	}
	if cfg.WorkerID == "" {
		host, _ := os.Hostname()
		cfg.WorkerID = fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
	}
	if cfg.DefaultAsset == "" {
		cfg.DefaultAsset = "USDT"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = time.Minute
	}
	if cfg.MaxBackoff < cfg.BaseBackoff {
		cfg.MaxBackoff = 5 * cfg.BaseBackoff
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 2 * time.Minute
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 10 * time.Minute
	}
	if cfg.Alerter == nil {
		cfg.Alerter = NewAlerter(nil, nil, cfg.Metrics, cfg.Logger, time.Hour)
	}

	base := commonservice.NewBase(commonservice.BaseConfig{
		ID:      cfg.WorkerID,
		Name:    ServiceName,
		Version: Version,
		Logger:  cfg.Logger,
		Metrics: cfg.Metrics,
		Checks:  cfg.Checks,
	})

	w := &Worker{
		BaseService: base,
		cfg:         cfg,
		chain:       cfg.Chain,
		store:       cfg.Store,
		rates:       cfg.Rates,
		alerter:     cfg.Alerter,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
		counters:    commonservice.NewCounters(CounterProcessed, CounterFailed, CounterInsufficientBalance, CounterRetried),
		now:         time.Now,
	}

	w.AddCheck("memory", memoryCheck)
	w.WithStats(w.statistics)
	w.AddWorker(w.run)
	w.AddTickerWorker(time.Minute, w.releaseStale)
	return w
}

// Counters exposes the running counters.
func (w *Worker) Counters() *commonservice.Counters {
	return w.counters
}

func (w *Worker) statistics() map[string]any {
	stats := w.counters.Snapshot()
	stats["worker_id"] = w.cfg.WorkerID
	return stats
}

func memoryCheck(ctx context.Context) error {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return err
	}
	if vm.UsedPercent > memoryHighWater {
		return fmt.Errorf("host memory usage %.1f%% above %.0f%%", vm.UsedPercent, memoryHighWater)
	}
	return nil
}

// run is the poll loop. A single job's failure never stops it.
func (w *Worker) run(ctx context.Context) {
	log := w.logger.WithContext(ctx).WithField("worker_id", w.cfg.WorkerID)
	log.Info("disbursement loop started")
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.StopChan():
			return
		default:
		}

		_, err := w.ProcessNext(ctx)
		if err == nil {
			continue
		}
		if !errors.Is(err, database.ErrQueueEmpty) {
			log.WithError(err).Warn("claiming disbursement job failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-w.StopChan():
			return
		case <-time.After(w.cfg.PollInterval):
		}
	}
}

// ProcessNext claims and processes the oldest due job. It returns
// database.ErrQueueEmpty when nothing is due. Payout failures are recorded
// on the job and do not produce an error.
func (w *Worker) ProcessNext(ctx context.Context) (*database.DisbursementJob, error) {
	job, err := w.store.ClaimNextJob(ctx, w.cfg.WorkerID, w.now().UTC())
	if err != nil {
		return nil, err
	}
	w.handle(ctx, job)
	return job, nil
}

func (w *Worker) handle(ctx context.Context, job *database.DisbursementJob) {
	log := w.logger.WithContext(ctx).WithFields(map[string]interface{}{
		"job_id":           job.ID,
		"transaction_code": job.TransactionCode,
		"retry_count":      job.RetryCount,
	})

	tokenAmount, txHash, err := w.payout(ctx, job)
	if err != nil {
		w.fail(ctx, job, err)
		return
	}

	// Job state must be written even if the caller is shutting down.
	wctx := logging.Detach(ctx)
	now := w.now().UTC()
	if err := w.store.CompleteJob(wctx, job.ID, tokenAmount, txHash, now); err != nil {
		log.WithError(err).WithField("tx_hash", txHash).Error("payout confirmed but job completion failed")
	}
	if err := w.store.SetFiatTxHash(wctx, job.TransactionCode, txHash, now); err != nil {
		log.WithError(err).WithField("tx_hash", txHash).Warn("failed to write tx hash to fiat transaction")
	}
	w.counters.Incr(CounterProcessed)
	w.recordResult("completed")
	log.WithFields(map[string]interface{}{"tx_hash": txHash, "token_amount": tokenAmount}).Info("disbursement completed")
}

// payout converts and transfers one job. It returns the token amount and the
// confirmed transaction hash.
func (w *Worker) payout(ctx context.Context, job *database.DisbursementJob) (string, string, error) {
	chainID := job.ChainID
	if chainID == "" {
		chainID = w.cfg.DefaultChain
	}
	asset := job.Asset
	if asset == "" {
		asset = w.cfg.DefaultAsset
	}
	log := w.logger.WithContext(ctx).WithField("job_id", job.ID)

	if job.SubmittedTxHash != "" {
		txHash, landed, err := w.reconcile(ctx, chainID, job)
		if err != nil {
			return "", "", err
		}
		if landed {
			log.WithField("tx_hash", txHash).Info("earlier payout submission confirmed")
			return job.TokenAmount, txHash, nil
		}
		log.Info("earlier payout submission expired, signing a new transfer")
	}

	vault, err := w.chain.VaultInfo(chainID, asset)
	if err != nil {
		return "", "", errors.InvalidInput("asset", err.Error())
	}

	quote, err := w.rates.Rate(ctx)
	if err != nil {
		return "", "", err
	}
	amount, err := ToTokenUnits(job.FiatAmount, quote.Rate, vault.Decimals)
	if err != nil {
		return "", "", err
	}
	log.WithFields(map[string]interface{}{
		"rate":        quote.Rate.String(),
		"rate_source": quote.Source,
		"amount":      amount.String(),
	}).Debug("converted payout amount")

	tokenBal, gasBal, err := w.chain.PayoutBalances(ctx, chainID, asset)
	if err != nil {
		return "", "", errors.Network("read payout balances", err)
	}
	if tokenBal.Cmp(amount) < 0 {
		w.counters.Incr(CounterInsufficientBalance)
		if w.metrics != nil {
			w.metrics.RecordInsufficientBalance()
		}
		w.alerter.Raise(ctx, ConditionInsufficientToken,
			fmt.Sprintf("payout wallet holds %s %s, job needs %s", tokenBal, asset, amount),
			map[string]interface{}{"chain": chainID, "asset": asset, "job_id": job.ID})
		return "", "", errors.InsufficientBalance(asset, tokenBal.String(), amount.String())
	}

	prepared, err := w.chain.PreparePayout(ctx, chainID, asset, job.Recipient, amount, w.cfg.GasPadPercent)
	if err != nil {
		return "", "", err
	}
	fee := big.NewInt(prepared.TotalFee())
	if gasBal.Cmp(fee) < 0 {
		w.counters.Incr(CounterInsufficientBalance)
		if w.metrics != nil {
			w.metrics.RecordInsufficientBalance()
		}
		w.alerter.Raise(ctx, ConditionInsufficientGas,
			fmt.Sprintf("payout wallet holds %s GAS, transfer needs %s", gasBal, fee),
			map[string]interface{}{"chain": chainID, "job_id": job.ID})
		return "", "", errors.InsufficientBalance("GAS", gasBal.String(), fee.String())
	}

	// The hash must be durable before broadcast so a lost confirmation is
	// reconciled instead of paid twice.
	if err := w.store.MarkJobSubmitted(logging.Detach(ctx), job.ID, amount.String(), prepared.Hash,
		prepared.ValidUntilBlock, w.now().UTC()); err != nil {
		return "", "", errors.Network("record payout submission", err)
	}
	job.TokenAmount = amount.String()
	job.SubmittedTxHash, job.ValidUntilBlock = prepared.Hash, prepared.ValidUntilBlock

	sctx, cancel := context.WithTimeout(ctx, w.cfg.ConfirmTimeout)
	defer cancel()
	receipt, err := w.chain.SubmitPayout(sctx, chainID, prepared)
	if err != nil {
		if sctx.Err() != nil {
			return "", "", errors.Timeout("payout confirmation", err)
		}
		return "", "", err
	}
	if !receipt.Succeeded() {
		return "", "", errors.OnChainRejected("payout transfer faulted: "+receipt.Exception, chain.ErrTransferRejected)
	}
	txHash := receipt.TxHash
	if txHash == "" {
		txHash = prepared.Hash
	}
	return amount.String(), txHash, nil
}

// reconcile resolves the job's last signed payout. It reports the confirmed
// hash when the transfer landed, errPayoutInFlight while it can still land
// and false once it has expired.
func (w *Worker) reconcile(ctx context.Context, chainID string, job *database.DisbursementJob) (string, bool, error) {
	// Height is read first so an expired verdict covers every block the
	// receipt lookup could have missed.
	height, err := w.chain.BlockCount(ctx, chainID)
	if err != nil {
		return "", false, errors.Network("read block count", err)
	}
	receipt, err := w.chain.PayoutReceipt(ctx, chainID, job.SubmittedTxHash)
	switch {
	case err == nil:
		if !receipt.Succeeded() {
			return "", false, errors.OnChainRejected("payout transfer faulted: "+receipt.Exception, chain.ErrTransferRejected)
		}
		if receipt.TxHash != "" {
			return receipt.TxHash, true, nil
		}
		return job.SubmittedTxHash, true, nil
	case errors.Is(err, chain.ErrNotFound):
		if height <= job.ValidUntilBlock {
			return "", false, fmt.Errorf("%s valid until block %d, chain at %d: %w",
				job.SubmittedTxHash, job.ValidUntilBlock, height, errPayoutInFlight)
		}
	default:
		return "", false, errors.Network("look up submitted payout", err)
	}

	expired := job.SubmittedTxHash
	job.SubmittedTxHash = ""
	if job.RetryCount >= w.cfg.MaxRetries {
		return "", false, errors.Timeout("payout confirmation",
			fmt.Errorf("%s expired at block %d", expired, job.ValidUntilBlock))
	}
	return "", false, nil
}

// fail schedules a retry for retryable kinds with retries left and fails
// the job otherwise.
func (w *Worker) fail(ctx context.Context, job *database.DisbursementJob, cause error) {
	kind := classifyFailure(cause)
	log := w.logger.WithContext(ctx).WithError(cause).WithFields(map[string]interface{}{
		"job_id":      job.ID,
		"kind":        kind,
		"retry_count": job.RetryCount,
	})
	wctx := logging.Detach(ctx)
	now := w.now().UTC()

	// A broadcast that may still land is never failed; the check is deferred
	// without using a retry until the transfer confirms or expires.
	exhausted := job.RetryCount >= w.cfg.MaxRetries
	unresolved := job.SubmittedTxHash != "" && exhausted && (kind == FailureNetwork || kind == FailureTimeout)
	if kind == FailurePending || unresolved {
		next := now.Add(w.cfg.BaseBackoff)
		if err := w.store.RetryJob(wctx, job.ID, job.RetryCount, next, cause.Error(), string(FailurePending)); err != nil {
			log.WithError(err).Error("failed to defer disbursement")
			return
		}
		w.recordResult("deferred")
		log.WithField("next_retry_at", next).Info("payout awaiting confirmation, check deferred")
		return
	}

	if kind.Retryable() && !exhausted {
		next := now.Add(Backoff(w.cfg.BaseBackoff, w.cfg.MaxBackoff, job.RetryCount))
		if err := w.store.RetryJob(wctx, job.ID, job.RetryCount+1, next, cause.Error(), string(kind)); err != nil {
			log.WithError(err).Error("failed to schedule disbursement retry")
			return
		}
		w.counters.Incr(CounterRetried)
		if w.metrics != nil {
			w.metrics.RecordDisbursementRetry()
		}
		w.recordResult("retry")
		log.WithField("next_retry_at", next).Warn("disbursement failed, retry scheduled")
		return
	}

	if err := w.store.FailJob(wctx, job.ID, cause.Error(), string(kind), now); err != nil {
		log.WithError(err).Error("failed to mark disbursement failed")
		return
	}
	w.counters.Incr(CounterFailed)
	w.recordResult("failed")
	log.Error("disbursement failed permanently")
}

func (w *Worker) releaseStale(ctx context.Context) error {
	now := w.now().UTC()
	n, err := w.store.ReleaseStaleJobs(ctx, now.Add(-w.cfg.StaleAfter), now)
	if err != nil {
		return err
	}
	if n > 0 {
		w.logger.WithContext(ctx).WithField("released", n).Warn("released stale disbursement claims")
	}
	return nil
}

func (w *Worker) recordResult(result string) {
	if w.metrics != nil {
		w.metrics.RecordDisbursement(result)
	}
}
