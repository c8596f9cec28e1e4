package domain

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrRateLimited   = errors.New("rate limited")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrSigningFailed = errors.New("signing failed")
	ErrLockHeld      = errors.New("lock already held")
	ErrLockLost      = errors.New("lock lost")
	ErrUnsupported   = errors.New("unsupported")
	ErrNoQuotes      = errors.New("no quotes available")
)

// ErrorClass is the recovery-relevant classification of a step failure.
type ErrorClass string

const (
	ErrorClassTransient         ErrorClass = "TRANSIENT"
	ErrorClassBlockhashExpired  ErrorClass = "BLOCKHASH_EXPIRED"
	ErrorClassSlippageExceeded  ErrorClass = "SLIPPAGE_EXCEEDED"
	ErrorClassInsufficientFunds ErrorClass = "INSUFFICIENT_FUNDS"
	ErrorClassUserRejected      ErrorClass = "USER_REJECTED"
	ErrorClassUnknown           ErrorClass = "UNKNOWN"
)

// ValidationIssue is one failed check on a request or strategy.
type ValidationIssue struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError reports a bad request. It is surfaced immediately and never
// retried.
type ValidationError struct {
	Issues []ValidationIssue
}

// NewValidationError builds a ValidationError with a single issue.
func NewValidationError(field, format string, args ...any) *ValidationError {
	return &ValidationError{Issues: []ValidationIssue{{
		Field:   field,
		Message: fmt.Sprintf(format, args...),
	}}}
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Issues))
	for _, is := range e.Issues {
		parts = append(parts, is.Field+": "+is.Message)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// QuoteError is an adapter-level failure while quoting. Partial results are
// accepted, so a QuoteError only reaches the caller when no quote survived.
type QuoteError struct {
	Protocol ProtocolID
	Err      error
}

func (e *QuoteError) Error() string {
	if e.Protocol == "" {
		return fmt.Sprintf("quote: %v", e.Err)
	}
	return fmt.Sprintf("quote %s: %v", e.Protocol, e.Err)
}

func (e *QuoteError) Unwrap() error { return e.Err }

// StepExecutionError is a classified failure of a single strategy step.
type StepExecutionError struct {
	Class     ErrorClass
	StepIndex int
	StepType  StepType
	Err       error
}

// NewStepError wraps err with a class. StepIndex is filled in by the
// coordinator.
func NewStepError(class ErrorClass, err error) *StepExecutionError {
	return &StepExecutionError{Class: class, StepIndex: -1, Err: err}
}

func (e *StepExecutionError) Error() string {
	if e.StepIndex >= 0 {
		return fmt.Sprintf("step %d (%s) %s: %v", e.StepIndex, e.StepType, e.Class, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Class, e.Err)
}

func (e *StepExecutionError) Unwrap() error { return e.Err }

// CoordinationError reports lock contention: a strategy is already executing
// for the wallet.
type CoordinationError struct {
	Wallet string
	Err    error
}

func (e *CoordinationError) Error() string {
	return fmt.Sprintf("coordination: wallet %s: already in progress", e.Wallet)
}

func (e *CoordinationError) Unwrap() error { return e.Err }

// ClassOf maps any error to an ErrorClass. Context deadlines count as
// transient; anything unclassified is UNKNOWN.
func ClassOf(err error) ErrorClass {
	if err == nil {
		return ""
	}
	var se *StepExecutionError
	if errors.As(err, &se) {
		return se.Class
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrRateLimited) {
		return ErrorClassTransient
	}
	return ErrorClassUnknown
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
