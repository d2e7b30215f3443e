package database

import (
	stderrors "errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/R3E-Network/settlement_layer/internal/errors"
)

const uniqueViolation = pq.ErrorCode("23505")

// callerRetryCodes are settlement failures that the poller never retries; only
// a new request from the caller re-attempts them.
var callerRetryCodes = []string{string(errors.ErrCodeReceiptNotFound)}

func callerRetryOnly(code string) bool {
	for _, c := range callerRetryCodes {
		if c == code {
			return true
		}
	}
	return false
}

type storeError struct {
	msg  string
	kind errors.Kind
}

func (e *storeError) Error() string          { return e.msg }
func (e *storeError) ErrorKind() errors.Kind { return e.kind }

var (
	ErrInvalidInput  = &storeError{"invalid input", errors.KindValidation}
	ErrDatabaseError = &storeError{"database error", errors.KindTransient}
	ErrNotFound      = &storeError{"not found", errors.KindNotFound}

	// ErrAlreadyClaimed means another writer holds the IN_PROGRESS / processing claim.
	ErrAlreadyClaimed = &storeError{"already claimed", errors.KindConflict}
	// ErrAlreadySettled means the settlement reached SUCCESS and is immutable.
	ErrAlreadySettled = &storeError{"already settled", errors.KindConflict}
	// ErrNotClaimed means a finish write found the record no longer IN_PROGRESS.
	ErrNotClaimed = &storeError{"claim no longer held", errors.KindConflict}
	// ErrLegExists means the meta-goal already maps this (chain, asset) pair.
	ErrLegExists = &storeError{"meta-goal leg already exists", errors.KindConflict}
	// ErrDuplicate means a document with the same key already exists.
	ErrDuplicate = &storeError{"duplicate document", errors.KindConflict}
	// ErrQueueEmpty means no disbursement job is due.
	ErrQueueEmpty = &storeError{"no pending jobs", errors.KindNotFound}
)

// NotFoundError identifies the missing document.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Resource, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

func NewNotFoundError(resource, id string) error {
	return &NotFoundError{Resource: resource, ID: id}
}

func IsNotFound(err error) bool {
	return stderrors.Is(err, ErrNotFound)
}

func wrapDB(op string, err error) error {
	var pqErr *pq.Error
	if stderrors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s: %s", ErrDuplicate, op, pqErr.Message)
	}
	return fmt.Errorf("%w: %s: %v", ErrDatabaseError, op, err)
}
