package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestServiceError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *ServiceError
		expected string
	}{
		{
			name: "error with cause",
			err: &ServiceError{
				Type:      ErrorTypeChain,
				Operation: "submit_transaction",
				Message:   "node rejected completion",
				Cause:     errors.New("insufficient funds"),
			},
			expected: "chain operation 'submit_transaction' failed: node rejected completion (caused by: insufficient funds)",
		},
		{
			name: "error without cause",
			err: &ServiceError{
				Type:      ErrorTypeConsensus,
				Operation: "submit_signature",
				Message:   "signer is not an active validator",
			},
			expected: "consensus operation 'submit_signature' failed: signer is not an active validator",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("ServiceError.Error() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestServiceError_Unwrap(t *testing.T) {
	cause := errors.New("pq: connection closed")
	err := Wrap(cause, ErrorTypeDatabase, "save_transfer", "failed to persist transfer")

	if unwrapped := err.Unwrap(); unwrapped != cause {
		t.Errorf("ServiceError.Unwrap() = %v, want %v", unwrapped, cause)
	}
	if unwrapped := New(ErrorTypeDatabase, "save_transfer", "no rows").Unwrap(); unwrapped != nil {
		t.Errorf("ServiceError.Unwrap() = %v, want nil", unwrapped)
	}
}

func TestServiceError_WithContext(t *testing.T) {
	err := NewCode(ErrorTypeConsensus, CodeDuplicateNonce, "submit_deposit", "nonce already used").
		WithContext("source_chain", uint32(1)).
		WithContext("nonce", uint64(7))

	ctx := GetContext(err)
	if len(ctx) != 2 {
		t.Fatalf("Expected 2 context items, got %d", len(ctx))
	}
	if ctx["source_chain"] != uint32(1) || ctx["nonce"] != uint64(7) {
		t.Errorf("unexpected context %v", ctx)
	}
	if GetContext(errors.New("plain")) != nil {
		t.Error("Expected nil context for plain error")
	}
}

func TestNew(t *testing.T) {
	err := New(ErrorTypeValidation, "validate_share", "miner and job are required")

	if err.Type != ErrorTypeValidation || err.Operation != "validate_share" || err.Message != "miner and job are required" {
		t.Errorf("unexpected error fields: %+v", err)
	}
	if err.Code != CodeNone {
		t.Errorf("Expected no code, got %q", err.Code)
	}
	if err.Timestamp.IsZero() {
		t.Error("Expected timestamp to be set")
	}
	if err.Retryable {
		t.Error("Expected validation error to not be retryable")
	}
}

func TestWrap(t *testing.T) {
	if Wrap(nil, ErrorTypeChain, "head", "unreachable") != nil {
		t.Error("Expected nil when wrapping nil error")
	}

	cause := errors.New("connection refused")
	err := Wrap(cause, ErrorTypeChain, "head", "chain RPC failed")
	if err.Cause != cause {
		t.Errorf("Expected cause %v, got %v", cause, err.Cause)
	}
	if !err.Retryable {
		t.Error("Expected connection failure to be retryable")
	}

	// a wrapped ServiceError keeps its code and retryability
	inner := NewCode(ErrorTypeChain, CodeDestinationSubmissionFailed, "submit", "rejected")
	inner.Retryable = true
	outer := Wrap(inner, ErrorTypeInternal, "dispatch", "completion failed")
	if outer.Cause != inner {
		t.Error("Expected wrapped ServiceError as cause")
	}
	if outer.Code != CodeDestinationSubmissionFailed || !outer.Retryable {
		t.Errorf("Expected code and retryability to survive, got %q retryable=%v", outer.Code, outer.Retryable)
	}
}

func TestIsType(t *testing.T) {
	err := fmt.Errorf("relay: %w", New(ErrorTypeKafka, "publish", "broker unavailable"))

	if !IsType(err, ErrorTypeKafka) {
		t.Error("Expected IsType to match through wrapping")
	}
	if IsType(err, ErrorTypeDatabase) {
		t.Error("Expected IsType to return false for non-matching type")
	}
	if IsType(errors.New("plain"), ErrorTypeKafka) {
		t.Error("Expected IsType to return false for plain error")
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"network", New(ErrorTypeNetwork, "dial", "refused"), true},
		{"chain", New(ErrorTypeChain, "head", "unavailable"), true},
		{"kafka", New(ErrorTypeKafka, "publish", "unavailable"), true},
		{"timeout", New(ErrorTypeTimeout, "wait", "deadline"), true},
		{"validation", New(ErrorTypeValidation, "validate_share", "bad"), false},
		{"consensus", NewCode(ErrorTypeConsensus, CodeInvalidSignature, "submit", "bad"), false},
		{"database", New(ErrorTypeDatabase, "save", "constraint"), false},
		{"wrapped retryable", fmt.Errorf("x: %w", New(ErrorTypeChain, "head", "down")), true},
		{"context canceled", context.Canceled, false},
		{"deadline exceeded", context.DeadlineExceeded, false},
		{"plain connection refused", errors.New("connection refused"), true},
		{"plain unknown", errors.New("unknown error"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.expected {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestIsRetryableByDefault(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"context canceled", context.Canceled, false},
		{"wrapped deadline", fmt.Errorf("rpc: %w", context.DeadlineExceeded), false},
		{"connection reset", errors.New("read tcp: connection reset by peer"), true},
		{"network unreachable", errors.New("dial: network unreachable"), true},
		{"timeout", errors.New("i/o timeout"), true},
		{"temporary failure", errors.New("temporary failure in name resolution"), true},
		{"too many connections", errors.New("pq: sorry, too many connections"), true},
		{"rejected", errors.New("bad-txns-inputs-missingorspent"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isRetryableByDefault(tt.err); got != tt.expected {
				t.Errorf("isRetryableByDefault() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestCodeMatching(t *testing.T) {
	err := NewCode(ErrorTypeConsensus, CodeDuplicateNonce, "submit", "nonce already used")

	if !errors.Is(err, ErrDuplicateNonce) {
		t.Error("Expected errors.Is to match ErrDuplicateNonce")
	}
	if errors.Is(err, ErrInvalidSignature) {
		t.Error("Expected errors.Is not to match ErrInvalidSignature")
	}

	// Untagged errors never match a sentinel
	plain := New(ErrorTypeConsensus, "submit", "plain")
	if errors.Is(plain, ErrDuplicateNonce) {
		t.Error("Expected untagged error not to match sentinel")
	}

	wrapped := Wrap(err, ErrorTypeDatabase, "persist", "store failed")
	if wrapped.Code != CodeDuplicateNonce {
		t.Errorf("Expected wrapped code %q, got %q", CodeDuplicateNonce, wrapped.Code)
	}
	if !Is(wrapped, ErrDuplicateNonce) {
		t.Error("Expected wrapped error to match sentinel")
	}

	outer := fmt.Errorf("relay: %w", wrapped)
	if !IsCode(outer, CodeDuplicateNonce) {
		t.Error("Expected IsCode to walk fmt wrapping")
	}
	if CodeOf(outer) != CodeDuplicateNonce {
		t.Errorf("Expected CodeOf %q, got %q", CodeDuplicateNonce, CodeOf(outer))
	}
	if CodeOf(errors.New("x")) != CodeNone {
		t.Error("Expected CodeNone for plain error")
	}

	var se *ServiceError
	if !As(outer, &se) || se.Operation != "persist" {
		t.Errorf("Expected As to find the outermost ServiceError, got %+v", se)
	}
}

func TestIsCode_InnerCode(t *testing.T) {
	// an untagged wrapper still exposes the code beneath it
	inner := NewCode(ErrorTypeValidation, CodeInvalidShare, "validate_share", "stale job")
	outer := &ServiceError{Type: ErrorTypeInternal, Operation: "handle_share", Cause: inner}

	if !IsCode(outer, CodeInvalidShare) {
		t.Error("Expected IsCode to find the inner code")
	}
	if CodeOf(outer) != CodeNone {
		t.Errorf("Expected CodeOf to report the outermost code, got %q", CodeOf(outer))
	}
	if IsCode(outer, CodeAlreadyDistributed) {
		t.Error("Expected IsCode not to match another code")
	}
}

func TestWithCode(t *testing.T) {
	err := New(ErrorTypeValidation, "validate", "bad share").WithCode(CodeInvalidShare)
	if !errors.Is(err, ErrInvalidShare) {
		t.Error("Expected WithCode to tag the error")
	}
	if err.IsRetryable() {
		t.Error("Expected validation error to not be retryable")
	}
}
