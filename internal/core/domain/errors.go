package domain

import (
	"errors"
	"fmt"
)

var (
	ErrValidation             = errors.New("validation failed")
	ErrPermissionDenied       = errors.New("permission denied")
	ErrNotFound               = errors.New("not found")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrExpired                = errors.New("request expired")
	ErrLimitExceeded          = errors.New("limit exceeded")
	ErrStaleBalance           = errors.New("balance check is stale")
	ErrDuplicateApproval      = errors.New("approver already voted")
	ErrSelfApproval           = errors.New("initiator cannot approve own request")
	ErrExternalAdapter        = errors.New("external adapter failure")
	ErrAuditWrite             = errors.New("audit write failed")
	ErrConflict               = errors.New("concurrent modification")
)

// Transition failures with a more specific meaning.
var (
	ErrAlreadyDecided  = fmt.Errorf("%w: request already decided", ErrInvalidStateTransition)
	ErrAlreadyExecuted = fmt.Errorf("%w: request already executed", ErrInvalidStateTransition)
	ErrNotApproved     = fmt.Errorf("%w: request not approved", ErrInvalidStateTransition)
	ErrNotExecuted     = fmt.Errorf("%w: original request not executed", ErrInvalidStateTransition)
	ErrAlreadyReversed = fmt.Errorf("%w: request already reversed", ErrInvalidStateTransition)
	ErrInProgress      = fmt.Errorf("%w: execution in progress", ErrInvalidStateTransition)

	ErrInvalidPartialAmount = fmt.Errorf("%w: invalid partial amount", ErrValidation)
)

// Validationf builds a validation error with detail.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Stable error codes exposed to API clients.
const (
	CodeValidation           = "validation_error"
	CodeInvalidPartialAmount = "invalid_partial_amount"
	CodePermissionDenied     = "permission_denied"
	CodeNotFound             = "not_found"
	CodeAlreadyDecided       = "already_decided"
	CodeAlreadyExecuted      = "already_executed"
	CodeNotApproved          = "not_approved"
	CodeNotExecuted          = "not_executed"
	CodeAlreadyReversed      = "already_reversed"
	CodeInProgress           = "execution_in_progress"
	CodeInvalidTransition    = "invalid_state_transition"
	CodeExpired              = "expired"
	CodeLimitExceeded        = "limit_exceeded"
	CodeStaleBalance         = "stale_balance"
	CodeDuplicateApproval    = "duplicate_approval"
	CodeSelfApproval         = "self_approval"
	CodeExternalAdapter      = "external_adapter_failure"
	CodeAuditWrite           = "audit_write_failure"
	CodeConflict             = "conflict"
	CodeInternal             = "internal_error"
)

// Code maps an error to its stable code. Specific errors are checked before
// the sentinels they wrap.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAuditWrite):
		return CodeAuditWrite
	case errors.Is(err, ErrInvalidPartialAmount):
		return CodeInvalidPartialAmount
	case errors.Is(err, ErrValidation):
		return CodeValidation
	case errors.Is(err, ErrPermissionDenied):
		return CodePermissionDenied
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrAlreadyDecided):
		return CodeAlreadyDecided
	case errors.Is(err, ErrAlreadyExecuted):
		return CodeAlreadyExecuted
	case errors.Is(err, ErrNotApproved):
		return CodeNotApproved
	case errors.Is(err, ErrNotExecuted):
		return CodeNotExecuted
	case errors.Is(err, ErrAlreadyReversed):
		return CodeAlreadyReversed
	case errors.Is(err, ErrInProgress):
		return CodeInProgress
	case errors.Is(err, ErrInvalidStateTransition):
		return CodeInvalidTransition
	case errors.Is(err, ErrExpired):
		return CodeExpired
	case errors.Is(err, ErrLimitExceeded):
		return CodeLimitExceeded
	case errors.Is(err, ErrStaleBalance):
		return CodeStaleBalance
	case errors.Is(err, ErrDuplicateApproval):
		return CodeDuplicateApproval
	case errors.Is(err, ErrSelfApproval):
		return CodeSelfApproval
	case errors.Is(err, ErrExternalAdapter):
		return CodeExternalAdapter
	case errors.Is(err, ErrConflict):
		return CodeConflict
	default:
		return CodeInternal
	}
}

// IsRejection reports whether err is an expected business outcome rather than
// an infrastructure failure.
func IsRejection(err error) bool {
	switch Code(err) {
	case "", CodeInternal, CodeAuditWrite, CodeExternalAdapter:
		return false
	}
	return true
}

// SeverityOf grades a rejection for the audit trail.
func SeverityOf(err error) Severity {
	switch {
	case errors.Is(err, ErrPermissionDenied), errors.Is(err, ErrSelfApproval):
		return SeverityHigh
	case errors.Is(err, ErrExternalAdapter), errors.Is(err, ErrAuditWrite):
		return SeverityHigh
	}
	return SeverityInfo
}
