package chain

import (
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/R3E-Network/settlement_layer/internal/errors"
)

// chainError is a sentinel carrying its classification kind.
type chainError struct {
	msg  string
	kind errors.Kind
}

func (e *chainError) Error() string          { return e.msg }
func (e *chainError) ErrorKind() errors.Kind { return e.kind }

var (
	// ErrNotFound means the node does not know the transaction (yet).
	ErrNotFound = &chainError{"transaction not found", errors.KindNotFound}
	// ErrAlreadyProcessed means the vault already allocated this source transaction.
	ErrAlreadyProcessed = &chainError{"source transaction already processed", errors.KindOnChainRejection}
	// ErrGoalUnlocked means the goal no longer accepts deposits.
	ErrGoalUnlocked = &chainError{"goal unlocked", errors.KindOnChainRejection}
	// ErrGoalNotFound means the goal id does not exist on chain.
	ErrGoalNotFound = &chainError{"goal not found", errors.KindOnChainRejection}
	// ErrDepositCapExceeded means the user's vault cap would be exceeded.
	ErrDepositCapExceeded = &chainError{"deposit cap exceeded", errors.KindOnChainRejection}
	// ErrInsufficientFunds means the signer cannot cover the transfer or fees.
	ErrInsufficientFunds = &chainError{"insufficient funds", errors.KindTransient}
	// ErrTransferRejected means a NEP-17 transfer returned false.
	ErrTransferRejected = &chainError{"token transfer returned false", errors.KindOnChainRejection}
	// ErrUnexpectedResult means the VM returned a stack the client cannot decode.
	ErrUnexpectedResult = &chainError{"unexpected invocation result", errors.KindInternal}
)

// revertReasons maps the reason tokens our contracts abort with onto typed
// errors. This is the only place FAULT exception text is inspected.
var revertReasons = []struct {
	token string
	err   error
}{
	{"already processed", ErrAlreadyProcessed},
	{"goal unlocked", ErrGoalUnlocked},
	{"goal is unlocked", ErrGoalUnlocked},
	{"goal not found", ErrGoalNotFound},
	{"unknown goal", ErrGoalNotFound},
	{"deposit cap", ErrDepositCapExceeded},
	{"insufficient", ErrInsufficientFunds},
}

// RevertError is a FAULT during test invocation or execution.
type RevertError struct {
	Method string
	Reason string
	cause  error
}

// NewRevertError classifies a FAULT exception once.
func NewRevertError(method, exception string) *RevertError {
	e := &RevertError{Method: method, Reason: exception}
	lower := strings.ToLower(exception)
	for _, r := range revertReasons {
		if strings.Contains(lower, r.token) {
			e.cause = r.err
			break
		}
	}
	return e
}

func (e *RevertError) Error() string {
	return fmt.Sprintf("%s reverted: %s", e.Method, e.Reason)
}

func (e *RevertError) Unwrap() error {
	return e.cause
}

func (e *RevertError) ErrorKind() errors.Kind {
	var ce *chainError
	if stderrors.As(e.cause, &ce) {
		return ce.kind
	}
	return errors.KindOnChainRejection
}

// TransportError is a failure to reach the node or decode its reply.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string          { return fmt.Sprintf("%s: %v", e.Op, e.Err) }
func (e *TransportError) Unwrap() error          { return e.Err }
func (e *TransportError) ErrorKind() errors.Kind { return errors.KindTransient }

// Neo RPC codes for unknown block / transaction.
var notFoundCodes = map[int]bool{-100: true, -101: true, -103: true, -105: true}

// ErrorKind classifies node side errors.
func (e *RPCError) ErrorKind() errors.Kind {
	if notFoundCodes[e.Code] {
		return errors.KindNotFound
	}
	if e.Code == -32603 || e.Code == -500 {
		return errors.KindTransient
	}
	return errors.KindInternal
}

func isNotFoundError(err error) bool {
	if stderrors.Is(err, ErrNotFound) {
		return true
	}
	var rpcErr *RPCError
	return stderrors.As(err, &rpcErr) && notFoundCodes[rpcErr.Code]
}
