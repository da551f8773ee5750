// Package errors defines the credential pool's error taxonomy.
//
// Callers branch on these with errors.Is and errors.As. Pool exhaustion is
// deliberately absent: an empty allocation is a normal outcome, not an error.
package errors

import (
	"errors"
	"fmt"
)

// ErrorType categorizes pool failures for callers and metrics labels.
//
//nolint:godot // linter incorrectly flags properly capitalized comment
type ErrorType string

const (
	// ErrorTypeValidation indicates malformed caller input.
	ErrorTypeValidation ErrorType = "validation_failed"

	// ErrorTypeDuplicate indicates the secret's fingerprint is already known.
	ErrorTypeDuplicate ErrorType = "duplicate"

	// ErrorTypeUpstreamUnavailable indicates the liveness check could not
	// complete (network failure or timeout). Fails closed.
	ErrorTypeUpstreamUnavailable ErrorType = "upstream_unavailable"

	// ErrorTypeSecretRejected indicates the upstream answered with a non-2xx
	// status for the probed secret.
	ErrorTypeSecretRejected ErrorType = "secret_rejected"

	// ErrorTypeNotFound indicates an unknown secret id.
	ErrorTypeNotFound ErrorType = "not_found"

	// ErrorTypeState indicates a lifecycle transition the state machine forbids.
	ErrorTypeState ErrorType = "invalid_state"

	// ErrorTypeVault indicates a sealed blob could not be opened.
	ErrorTypeVault ErrorType = "vault"

	// ErrorTypeUnknown indicates an unclassified error.
	ErrorTypeUnknown ErrorType = "unknown"
)

// Common pool errors for consistent error handling.
var (
	// ErrDuplicateSecret indicates the fingerprint already exists in any status.
	ErrDuplicateSecret = errors.New("secret already known to the pool")

	// ErrUpstreamUnavailable indicates the upstream could not be reached in time.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrSecretRejected indicates the upstream refused the secret.
	ErrSecretRejected = errors.New("secret rejected by upstream")

	// ErrSecretNotFound indicates no record exists for an id.
	ErrSecretNotFound = errors.New("secret not found")

	// ErrSecretRetired indicates an operation targeted a retired record.
	ErrSecretRetired = errors.New("secret is retired")

	// ErrInvalidTransition indicates a forbidden status change such as Invalid→Active.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrVaultOpen indicates a sealed blob failed authentication or decryption.
	ErrVaultOpen = errors.New("vault: cannot open sealed secret")
)

// ValidationError captures input validation failures with field context.
type ValidationError struct {
	Field   string `json:"field"`   // Field that failed validation
	Message string `json:"message"` // Validation message
}

// Error returns formatted validation error with field-specific context.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed for field %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// DuplicateError reports an AddSecret whose fingerprint is already pooled.
// Only the short fingerprint is carried so the error is safe to log.
type DuplicateError struct {
	Fingerprint string `json:"fingerprint"`
	ExistingID  string `json:"existing_id,omitempty"`
	Status      string `json:"status,omitempty"`
}

// Error returns the duplicate description.
func (e *DuplicateError) Error() string {
	if e.ExistingID != "" {
		return fmt.Sprintf("secret %s already pooled as %s (%s)", e.Fingerprint, e.ExistingID, e.Status)
	}
	return fmt.Sprintf("secret %s already pooled", e.Fingerprint)
}

// Unwrap lets errors.Is match ErrDuplicateSecret.
func (e *DuplicateError) Unwrap() error { return ErrDuplicateSecret }

// UpstreamError describes a failed liveness probe.
type UpstreamError struct {
	Type       ErrorType `json:"type"`
	StatusCode int       `json:"status_code,omitempty"`
	Err        error     `json:"-"`
}

// Error returns the probe failure with status context.
func (e *UpstreamError) Error() string {
	switch {
	case e.StatusCode != 0:
		return fmt.Sprintf("upstream probe failed (status %d): %s", e.StatusCode, e.Type)
	case e.Err != nil:
		return fmt.Sprintf("upstream probe failed: %s: %v", e.Type, e.Err)
	default:
		return fmt.Sprintf("upstream probe failed: %s", e.Type)
	}
}

// Unwrap exposes both the category sentinel and the transport cause.
func (e *UpstreamError) Unwrap() []error {
	sentinel := ErrSecretRejected
	if e.Type == ErrorTypeUpstreamUnavailable {
		sentinel = ErrUpstreamUnavailable
	}
	if e.Err == nil {
		return []error{sentinel}
	}
	return []error{sentinel, e.Err}
}

// IsAuthFailure reports whether the upstream refused the secret's credentials.
func (e *UpstreamError) IsAuthFailure() bool {
	return IsAuthFailureStatus(e.StatusCode)
}
