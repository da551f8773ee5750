package errors

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
)

// IsAuthFailureStatus reports whether an HTTP status means the secret itself
// was refused.
func IsAuthFailureStatus(code int) bool {
	return code == http.StatusUnauthorized || code == http.StatusForbidden
}

// IsSuccessStatus reports whether an HTTP status is 2xx.
func IsSuccessStatus(code int) bool {
	return code >= 200 && code < 300
}

// IsDuplicate reports whether err is a duplicate-fingerprint rejection.
func IsDuplicate(err error) bool {
	return errors.Is(err, ErrDuplicateSecret)
}

// IsValidation reports whether err is caller input validation.
func IsValidation(err error) bool {
	var valErr *ValidationError
	return errors.As(err, &valErr)
}

// IsUpstreamUnavailable reports whether a probe could not reach the upstream.
func IsUpstreamUnavailable(err error) bool {
	return errors.Is(err, ErrUpstreamUnavailable)
}

// Classify maps any pool error onto its ErrorType.
// Typed errors are checked first, then sentinels.
func Classify(err error) ErrorType {
	if err == nil {
		return ""
	}

	var valErr *ValidationError
	if errors.As(err, &valErr) {
		return ErrorTypeValidation
	}

	var upErr *UpstreamError
	if errors.As(err, &upErr) {
		return upErr.Type
	}

	switch {
	case errors.Is(err, ErrDuplicateSecret):
		return ErrorTypeDuplicate
	case errors.Is(err, ErrUpstreamUnavailable):
		return ErrorTypeUpstreamUnavailable
	case errors.Is(err, ErrSecretRejected):
		return ErrorTypeSecretRejected
	case errors.Is(err, ErrSecretNotFound):
		return ErrorTypeNotFound
	case errors.Is(err, ErrSecretRetired), errors.Is(err, ErrInvalidTransition):
		return ErrorTypeState
	case errors.Is(err, ErrVaultOpen):
		return ErrorTypeVault
	default:
		return ErrorTypeUnknown
	}
}

// FromValidator converts go-playground validator output into a ValidationError
// naming the first failing field. Other errors pass through unchanged.
func FromValidator(err error) error {
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return &ValidationError{Message: err.Error()}
	}

	first := fieldErrs[0]
	msg := "failed on " + first.Tag()
	if first.Param() != "" {
		msg += "=" + first.Param()
	}
	// The field path never includes the value, so the raw secret stays out of the message.
	return &ValidationError{
		Field:   strings.ToLower(first.Field()),
		Message: msg,
	}
}
