package errors

import (
	"errors"
	"fmt"
	"time"
)

// Base error types
var (
	ErrNotFound               = errors.New("not found")
	ErrInvalidInput           = errors.New("invalid input")
	ErrInvalidCycle           = errors.New("invalid cycle")
	ErrIllegalTransition      = errors.New("illegal transition")
	ErrConcurrentModification = errors.New("concurrent modification")
	ErrStorageUnavailable     = errors.New("storage unavailable")
	ErrExternalRevokeFailure  = errors.New("external revoke failure")
	ErrInvariant              = errors.New("invariant violated")
	ErrNoticeRejected         = errors.New("notice rejected")
)

// ErrorType represents the category of error
type ErrorType string

const (
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeNotFound   ErrorType = "not_found"
	ErrorTypeTransition ErrorType = "transition"
	ErrorTypeConflict   ErrorType = "conflict"
	ErrorTypeStorage    ErrorType = "storage"
	ErrorTypeExternal   ErrorType = "external"
	ErrorTypeInternal   ErrorType = "internal"
)

// LicenseError is a structured error for licence lifecycle operations
type LicenseError struct {
	Type      ErrorType
	Op        string // Operation that failed (e.g., "renew", "sweep_revoke")
	LicenseID string // Licence record (order line item) if applicable
	Err       error  // Underlying error
	Timestamp time.Time
	Retryable bool
}

func (e *LicenseError) Error() string {
	if e.LicenseID != "" {
		return fmt.Sprintf("%s failed for licence %s: %v", e.Op, e.LicenseID, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *LicenseError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is interface
func (e *LicenseError) Is(target error) bool {
	if target == nil {
		return false
	}

	switch target {
	case ErrNotFound:
		return e.Type == ErrorTypeNotFound
	case ErrConcurrentModification:
		return e.Type == ErrorTypeConflict
	case ErrStorageUnavailable:
		return e.Type == ErrorTypeStorage
	case ErrExternalRevokeFailure:
		return e.Type == ErrorTypeExternal
	case ErrIllegalTransition:
		return e.Type == ErrorTypeTransition
	}

	return errors.Is(e.Err, target)
}

// NewLicenseError creates a new LicenseError
func NewLicenseError(errorType ErrorType, op, licenseID string, err error) *LicenseError {
	return &LicenseError{
		Type:      errorType,
		Op:        op,
		LicenseID: licenseID,
		Err:       err,
		Timestamp: time.Now(),
		Retryable: isRetryable(errorType),
	}
}

// isRetryable reports whether the caller should re-run the read-transition-write cycle
func isRetryable(errorType ErrorType) bool {
	switch errorType {
	case ErrorTypeConflict, ErrorTypeStorage, ErrorTypeExternal:
		return true
	case ErrorTypeValidation, ErrorTypeNotFound, ErrorTypeTransition, ErrorTypeInternal:
		return false
	default:
		return false
	}
}

// Helper functions

// WrapStorageError marks err as a storage outage for op.
func WrapStorageError(op, licenseID string, err error) error {
	if err == nil {
		return nil
	}
	return NewLicenseError(ErrorTypeStorage, op, licenseID, err)
}

// Conflict reports a stale-version write for licenseID.
func Conflict(op, licenseID string) error {
	return NewLicenseError(ErrorTypeConflict, op, licenseID, ErrConcurrentModification)
}

// IllegalTransition reports a transition the state machine refuses.
func IllegalTransition(op, licenseID string, from, to any) error {
	return NewLicenseError(ErrorTypeTransition, op, licenseID,
		fmt.Errorf("%w: %v -> %v", ErrIllegalTransition, from, to))
}

// NotFound reports a missing record.
func NotFound(op, id string) error {
	return NewLicenseError(ErrorTypeNotFound, op, id, ErrNotFound)
}

// ExternalRevokeFailure wraps a failed call to the revocation endpoint.
func ExternalRevokeFailure(licenseID string, err error) error {
	return NewLicenseError(ErrorTypeExternal, "revoke_external", licenseID,
		fmt.Errorf("%w: %v", ErrExternalRevokeFailure, err))
}

// IsRetryableError checks if an error should be retried
func IsRetryableError(err error) bool {
	var licErr *LicenseError
	if errors.As(err, &licErr) {
		return licErr.Retryable
	}
	return errors.Is(err, ErrConcurrentModification) || errors.Is(err, ErrStorageUnavailable)
}

// IsNotFound reports whether err means the lookup found nothing.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
