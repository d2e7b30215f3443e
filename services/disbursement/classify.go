package disbursement

import (
	"context"
	"net/http"
	"time"

	"github.com/R3E-Network/settlement_layer/internal/chain"
	"github.com/R3E-Network/settlement_layer/internal/errors"
)

// FailureKind is the category stored on a failed attempt.
type FailureKind string

const (
	FailureInsufficientBalance FailureKind = "insufficient_balance"
	FailureNetwork             FailureKind = "network"
	FailureTimeout             FailureKind = "timeout"
	FailureRateLimit           FailureKind = "rate_limit"
	FailureRejected            FailureKind = "rejected"
	FailureInvalid             FailureKind = "invalid"
	FailureInternal            FailureKind = "internal"
	// FailurePending means a signed payout may still land; the job waits
	// without using a retry.
	FailurePending             FailureKind = "pending_confirmation"
)

var errPayoutInFlight = errors.New(errors.KindTransient, errors.ErrCodeNetwork,
	"submitted payout is not yet final", http.StatusServiceUnavailable, nil)

// Retryable reports whether a job failing with k is scheduled again.
func (k FailureKind) Retryable() bool {
	switch k {
	case FailureInsufficientBalance, FailureNetwork, FailureTimeout, FailureRateLimit, FailurePending:
		return true
	}
	return false
}

// classifyFailure maps a payout error onto a FailureKind using typed errors only.
func classifyFailure(err error) FailureKind {
	if errors.Is(err, errPayoutInFlight) {
		return FailurePending
	}
	switch errors.Code(err) {
	case errors.ErrCodeInsufficientBalance:
		return FailureInsufficientBalance
	case errors.ErrCodeTimeout:
		return FailureTimeout
	case errors.ErrCodeRateLimited:
		return FailureRateLimit
	}
	switch {
	case errors.Is(err, chain.ErrInsufficientFunds):
		return FailureInsufficientBalance
	case errors.Is(err, context.DeadlineExceeded):
		return FailureTimeout
	}
	switch errors.Classify(err) {
	case errors.KindTransient, errors.KindNotFound:
		return FailureNetwork
	case errors.KindOnChainRejection:
		return FailureRejected
	case errors.KindValidation:
		return FailureInvalid
	}
	return FailureInternal
}

// Backoff returns min(base·2^retry, max).
func Backoff(base, max time.Duration, retry int) time.Duration {
	d := base
	for i := 0; i < retry; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}
