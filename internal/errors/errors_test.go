package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

type kindedErr struct{ kind Kind }

func (k kindedErr) Error() string   { return string(k.kind) }
func (k kindedErr) ErrorKind() Kind { return k.kind }

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		kind      Kind
		retryable bool
	}{
		{"validation", InvalidInput("amount", "must be positive"), KindValidation, false},
		{"not found", NotFound("settlement", "ABC"), KindNotFound, false},
		{"receipt not found retries", ReceiptNotFound("0x01", nil), KindNotFound, true},
		{"conflict", AlreadyInProgress("ABC"), KindConflict, false},
		{"timeout", Timeout("allocate", context.DeadlineExceeded), KindTransient, true},
		{"wrapped service error", fmt.Errorf("outer: %w", Network("rpc", nil)), KindTransient, true},
		{"onchain", OnChainRejected("vault rejected", nil), KindOnChainRejection, false},
		{"kinded", kindedErr{KindOnChainRejection}, KindOnChainRejection, false},
		{"kinded transient", fmt.Errorf("x: %w", kindedErr{KindTransient}), KindTransient, true},
		{"deadline", context.DeadlineExceeded, KindTransient, true},
		{"plain", stderrors.New("boom"), KindInternal, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.kind, Classify(tt.err))
			assert.Equal(t, tt.retryable, IsRetryable(tt.err))
		})
	}
}

func TestClassifyNil(t *testing.T) {
	assert.Equal(t, Kind(""), Classify(nil))
	assert.False(t, IsRetryable(nil))
}

func TestHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusConflict, HTTPStatus(AlreadyInProgress("x")))
	assert.Equal(t, http.StatusUnprocessableEntity, HTTPStatus(kindedErr{KindOnChainRejection}))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(stderrors.New("x")))
}

func TestWithDetails(t *testing.T) {
	err := Internal("db", nil).WithDetails("table", "settlements")
	assert.Equal(t, "settlements", err.Details["table"])
	assert.Equal(t, ErrCodeInternal, Code(fmt.Errorf("wrap: %w", err)))
}
