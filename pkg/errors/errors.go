// Package errors provides error handling utilities for bridgepool services.
package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrorType represents different categories of errors
type ErrorType string

const (
	// ErrorTypeNetwork represents network-related errors
	ErrorTypeNetwork ErrorType = "network"
	// ErrorTypeValidation represents validation errors
	ErrorTypeValidation ErrorType = "validation"
	// ErrorTypeConsensus represents transfer authorization errors
	ErrorTypeConsensus ErrorType = "consensus"
	// ErrorTypeDatabase represents database-related errors
	ErrorTypeDatabase ErrorType = "database"
	// ErrorTypeChain represents chain RPC errors
	ErrorTypeChain ErrorType = "chain"
	// ErrorTypeKafka represents Kafka messaging errors
	ErrorTypeKafka ErrorType = "kafka"
	// ErrorTypeTimeout represents timeout errors
	ErrorTypeTimeout ErrorType = "timeout"
	// ErrorTypeInternal represents internal/unknown errors
	ErrorTypeInternal ErrorType = "internal"
)

// Code identifies a specific failure that callers branch on.
type Code string

const (
	CodeNone                        Code = ""
	CodeDuplicateNonce              Code = "duplicate_nonce"
	CodeUnknownValidator            Code = "unknown_validator"
	CodeInvalidSignature            Code = "invalid_signature"
	CodeQuorumNotReached            Code = "quorum_not_reached"
	CodeDestinationSubmissionFailed Code = "destination_submission_failed"
	CodeInvalidShare                Code = "invalid_share"
	CodeAlreadyDistributed          Code = "already_distributed"
	CodeBridgePaused                Code = "bridge_paused"
	CodeDailyLimitExceeded          Code = "daily_limit_exceeded"
	CodeTransferNotFound            Code = "transfer_not_found"
	CodeInvalidTransition           Code = "invalid_transition"
	CodeFinalizeInProgress          Code = "finalize_in_progress"
	CodePeriodOpen                  Code = "period_open"
	CodePeriodNotFound              Code = "period_not_found"
	CodeAlreadyActive               Code = "already_active"
	CodeNotActive                   Code = "not_active"
)

// ServiceError represents a structured error with context
type ServiceError struct {
	Type      ErrorType
	Code      Code
	Operation string
	Message   string
	Cause     error
	Context   map[string]interface{}
	Timestamp time.Time
	Retryable bool
}

// Error implements the error interface
func (e *ServiceError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s operation '%s' failed: %s (caused by: %v)", e.Type, e.Operation, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s operation '%s' failed: %s", e.Type, e.Operation, e.Message)
}

// Unwrap returns the underlying cause for error unwrapping
func (e *ServiceError) Unwrap() error {
	return e.Cause
}

// Is reports whether target carries the same non-empty code. It lets
// callers write errors.Is(err, errors.ErrDuplicateNonce).
func (e *ServiceError) Is(target error) bool {
	t, ok := target.(*ServiceError)
	if !ok || t.Code == CodeNone {
		return false
	}
	return e.Code == t.Code
}

// IsRetryable returns whether this error should be retried
func (e *ServiceError) IsRetryable() bool {
	return e.Retryable
}

// WithContext adds additional context to the error
func (e *ServiceError) WithContext(key string, value interface{}) *ServiceError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithCode tags the error with a taxonomy code
func (e *ServiceError) WithCode(code Code) *ServiceError {
	e.Code = code
	return e
}

// Sentinels for errors.Is matching. Only Code is compared.
var (
	ErrDuplicateNonce              = &ServiceError{Code: CodeDuplicateNonce}
	ErrUnknownValidator            = &ServiceError{Code: CodeUnknownValidator}
	ErrInvalidSignature            = &ServiceError{Code: CodeInvalidSignature}
	ErrQuorumNotReached            = &ServiceError{Code: CodeQuorumNotReached}
	ErrDestinationSubmissionFailed = &ServiceError{Code: CodeDestinationSubmissionFailed}
	ErrInvalidShare                = &ServiceError{Code: CodeInvalidShare}
	ErrAlreadyDistributed          = &ServiceError{Code: CodeAlreadyDistributed}
	ErrBridgePaused                = &ServiceError{Code: CodeBridgePaused}
	ErrDailyLimitExceeded          = &ServiceError{Code: CodeDailyLimitExceeded}
	ErrTransferNotFound            = &ServiceError{Code: CodeTransferNotFound}
	ErrInvalidTransition           = &ServiceError{Code: CodeInvalidTransition}
	ErrFinalizeInProgress          = &ServiceError{Code: CodeFinalizeInProgress}
	ErrPeriodOpen                  = &ServiceError{Code: CodePeriodOpen}
	ErrPeriodNotFound              = &ServiceError{Code: CodePeriodNotFound}
	ErrAlreadyActive               = &ServiceError{Code: CodeAlreadyActive}
	ErrNotActive                   = &ServiceError{Code: CodeNotActive}
)

// New creates a new ServiceError
func New(errorType ErrorType, operation, message string) *ServiceError {
	return &ServiceError{
		Type:      errorType,
		Operation: operation,
		Message:   message,
		Timestamp: time.Now(),
		Retryable: isRetryableByType(errorType),
	}
}

// NewCode creates a new ServiceError carrying a taxonomy code
func NewCode(errorType ErrorType, code Code, operation, message string) *ServiceError {
	e := New(errorType, operation, message)
	e.Code = code
	return e
}

// Wrap wraps an existing error with context
func Wrap(err error, errorType ErrorType, operation, message string) *ServiceError {
	if err == nil {
		return nil
	}

	// If it's already a ServiceError, keep its code and retryability
	if se, ok := err.(*ServiceError); ok {
		return &ServiceError{
			Type:      errorType,
			Code:      se.Code,
			Operation: operation,
			Message:   message,
			Cause:     se,
			Timestamp: time.Now(),
			Retryable: se.Retryable,
		}
	}

	return &ServiceError{
		Type:      errorType,
		Operation: operation,
		Message:   message,
		Cause:     err,
		Timestamp: time.Now(),
		Retryable: isRetryableByDefault(err),
	}
}

// isRetryableByType determines if an error type is generally retryable
func isRetryableByType(errorType ErrorType) bool {
	switch errorType {
	case ErrorTypeNetwork, ErrorTypeTimeout, ErrorTypeKafka, ErrorTypeChain:
		return true
	case ErrorTypeValidation, ErrorTypeConsensus:
		return false
	default:
		return false
	}
}

// isRetryableByDefault checks if an error is retryable based on common patterns
func isRetryableByDefault(err error) bool {
	if err == nil {
		return false
	}

	// Check for context cancellation/timeout (not retryable)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	errStr := strings.ToLower(err.Error())

	// Network-related errors are usually retryable
	networkErrors := []string{
		"connection refused",
		"connection reset",
		"network unreachable",
		"timeout",
		"temporary failure",
		"too many connections",
	}

	for _, netErr := range networkErrors {
		if strings.Contains(errStr, netErr) {
			return true
		}
	}

	return false
}

// IsType checks if an error is of a specific type
func IsType(err error, errorType ErrorType) bool {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.Type == errorType
	}
	return false
}

// IsCode checks if any error in the chain carries the code
func IsCode(err error, code Code) bool {
	for err != nil {
		var se *ServiceError
		if !errors.As(err, &se) {
			return false
		}
		if se.Code == code {
			return true
		}
		err = se.Cause
	}
	return false
}

// CodeOf returns the outermost taxonomy code in the chain
func CodeOf(err error) Code {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.Code
	}
	return CodeNone
}

// IsRetryable checks if an error should be retried
func IsRetryable(err error) bool {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.IsRetryable()
	}
	return isRetryableByDefault(err)
}

// GetContext retrieves context from a ServiceError
func GetContext(err error) map[string]interface{} {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.Context
	}
	return nil
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target any) bool {
	return errors.As(err, target)
}
