package pairing

import (
	"errors"
	"fmt"
)

var (
	ErrAuth            = errors.New("authentication failed")
	ErrApprovalPending = errors.New("device approval pending")
)

// Reasons carried by AuthError.
const (
	ReasonNoCode      = "no_code"
	ReasonExpired     = "code_expired"
	ReasonInvalidCode = "invalid_code"
	ReasonTooMany     = "too_many_attempts"
)

// AuthError is returned when a pairing code cannot be verified.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed: %s", e.Reason)
}

func (e *AuthError) Is(target error) bool { return target == ErrAuth }

// ApprovalPendingError means identity was verified but the device is not yet
// approved. The caller retries after the request is decided.
type ApprovalPendingError struct {
	RequestID string
}

func (e *ApprovalPendingError) Error() string {
	return fmt.Sprintf("device approval pending (request %s)", e.RequestID)
}

func (e *ApprovalPendingError) Is(target error) bool { return target == ErrApprovalPending }
