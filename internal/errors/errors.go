// Package errors provides the typed error taxonomy shared by every settlement component.
package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
)

// Kind is the coarse class an error belongs to. Callers decide retry and
// response behaviour from the Kind, never from message text.
type Kind string

const (
	KindValidation       Kind = "validation"
	KindNotFound         Kind = "not_found"
	KindConflict         Kind = "conflict"
	KindTransient        Kind = "transient"
	KindOnChainRejection Kind = "onchain_rejection"
	KindBestEffort       Kind = "best_effort"
	KindUnauthorized     Kind = "unauthorized"
	KindInternal         Kind = "internal"
)

// ErrorCode is the stable machine readable code returned to API clients.
type ErrorCode string

const (
	ErrCodeInvalidInput        ErrorCode = "INVALID_INPUT"
	ErrCodeNotFound            ErrorCode = "NOT_FOUND"
	ErrCodeReceiptNotFound     ErrorCode = "RECEIPT_NOT_FOUND"
	ErrCodeAlreadyInProgress   ErrorCode = "ALREADY_IN_PROGRESS"
	ErrCodeConflict            ErrorCode = "CONFLICT"
	ErrCodeTransferMismatch    ErrorCode = "TRANSFER_MISMATCH"
	ErrCodeOnChainRejected     ErrorCode = "ONCHAIN_REJECTED"
	ErrCodeTimeout             ErrorCode = "TIMEOUT"
	ErrCodeNetwork             ErrorCode = "NETWORK_ERROR"
	ErrCodeRateLimited         ErrorCode = "RATE_LIMITED"
	ErrCodeInsufficientBalance ErrorCode = "INSUFFICIENT_BALANCE"
	ErrCodeUnauthorized        ErrorCode = "UNAUTHORIZED"
	ErrCodeInvalidToken        ErrorCode = "INVALID_TOKEN"
	ErrCodeInternal            ErrorCode = "INTERNAL_ERROR"
)

// ServiceError is the single error type crossing component boundaries.
type ServiceError struct {
	Code       ErrorCode              `json:"code"`
	Kind       Kind                   `json:"kind"`
	Message    string                 `json:"message"`
	HTTPStatus int                    `json:"-"`
	Retryable  bool                   `json:"retryable"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Err        error                  `json:"-"`
}

func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

// WithDetails attaches a detail entry and returns the same error.
func (e *ServiceError) WithDetails(key string, value interface{}) *ServiceError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New builds a ServiceError. Retryable defaults to true only for transient errors.
func New(kind Kind, code ErrorCode, message string, status int, err error) *ServiceError {
	return &ServiceError{
		Code:       code,
		Kind:       kind,
		Message:    message,
		HTTPStatus: status,
		Retryable:  kind == KindTransient,
		Err:        err,
	}
}

// =============================================================================
// Constructors
// =============================================================================

func InvalidInput(field, reason string) *ServiceError {
	return New(KindValidation, ErrCodeInvalidInput, fmt.Sprintf("invalid %s: %s", field, reason), http.StatusBadRequest, nil).
		WithDetails("field", field)
}

func NotFound(resource, id string) *ServiceError {
	return New(KindNotFound, ErrCodeNotFound, fmt.Sprintf("%s not found", resource), http.StatusNotFound, nil).
		WithDetails("id", id)
}

func ReceiptNotFound(txHash string, err error) *ServiceError {
	e := New(KindNotFound, ErrCodeReceiptNotFound, "transaction receipt not found", http.StatusNotFound, err).
		WithDetails("tx_hash", txHash)
	e.Retryable = true
	return e
}

func AlreadyInProgress(id string) *ServiceError {
	return New(KindConflict, ErrCodeAlreadyInProgress, "already being processed", http.StatusConflict, nil).
		WithDetails("id", id)
}

func Conflict(message string) *ServiceError {
	return New(KindConflict, ErrCodeConflict, message, http.StatusConflict, nil)
}

func TransferMismatch(reason string) *ServiceError {
	return New(KindValidation, ErrCodeTransferMismatch, reason, http.StatusBadRequest, nil)
}

func OnChainRejected(reason string, err error) *ServiceError {
	return New(KindOnChainRejection, ErrCodeOnChainRejected, reason, http.StatusUnprocessableEntity, err)
}

func Timeout(operation string, err error) *ServiceError {
	return New(KindTransient, ErrCodeTimeout, operation+" timed out", http.StatusGatewayTimeout, err)
}

func Network(operation string, err error) *ServiceError {
	return New(KindTransient, ErrCodeNetwork, operation+" failed", http.StatusServiceUnavailable, err)
}

func RateLimitExceeded(limit int, window string) *ServiceError {
	return New(KindTransient, ErrCodeRateLimited, "rate limit exceeded", http.StatusTooManyRequests, nil).
		WithDetails("limit", limit).
		WithDetails("window", window)
}

func InsufficientBalance(asset, available, required string) *ServiceError {
	return New(KindTransient, ErrCodeInsufficientBalance,
		fmt.Sprintf("insufficient %s balance: available %s, requested %s", asset, available, required),
		http.StatusServiceUnavailable, nil).
		WithDetails("asset", asset)
}

func Unauthorized(message string) *ServiceError {
	if message == "" {
		message = "unauthorized"
	}
	return New(KindUnauthorized, ErrCodeUnauthorized, message, http.StatusUnauthorized, nil)
}

func InvalidToken(err error) *ServiceError {
	return New(KindUnauthorized, ErrCodeInvalidToken, "invalid or expired token", http.StatusUnauthorized, err)
}

func Internal(message string, err error) *ServiceError {
	return New(KindInternal, ErrCodeInternal, message, http.StatusInternalServerError, err)
}

// =============================================================================
// Classification
// =============================================================================

// Kinded is implemented by typed errors of lower layers (chain, store) so the
// classifier can map them without knowing their concrete type.
type Kinded interface {
	ErrorKind() Kind
}

// GetServiceError returns the first ServiceError in the chain, or nil.
func GetServiceError(err error) *ServiceError {
	var se *ServiceError
	if stderrors.As(err, &se) {
		return se
	}
	return nil
}

// Classify maps any error to its Kind.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}
	if se := GetServiceError(err); se != nil {
		return se.Kind
	}
	var k Kinded
	if stderrors.As(err, &k) {
		return k.ErrorKind()
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	var netErr net.Error
	if stderrors.As(err, &netErr) {
		return KindTransient
	}
	return KindInternal
}

// IsRetryable reports whether a later attempt of the same operation may succeed.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if se := GetServiceError(err); se != nil {
		return se.Retryable
	}
	return Classify(err) == KindTransient
}

// Code returns the error code of err or ErrCodeInternal.
func Code(err error) ErrorCode {
	if se := GetServiceError(err); se != nil {
		return se.Code
	}
	return ErrCodeInternal
}

// HTTPStatus returns the response status for err.
func HTTPStatus(err error) int {
	if se := GetServiceError(err); se != nil && se.HTTPStatus != 0 {
		return se.HTTPStatus
	}
	switch Classify(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindOnChainRejection:
		return http.StatusUnprocessableEntity
	case KindTransient:
		return http.StatusServiceUnavailable
	case KindUnauthorized:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// Is and As are re-exported so callers need a single errors import.
func Is(err, target error) bool { return stderrors.Is(err, target) }

func As(err error, target interface{}) bool { return stderrors.As(err, target) }

func Join(errs ...error) error { return stderrors.Join(errs...) }
