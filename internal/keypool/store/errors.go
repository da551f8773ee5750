package store

import (
	"errors"
	"fmt"

	poolerrors "github.com/ahrav/keypool/internal/keypool/errors"
)

// Common storage errors. Implementations wrap these so callers can match
// with errors.Is regardless of backend.
var (
	// ErrNotFound is returned when no record matches an id or fingerprint.
	ErrNotFound = fmt.Errorf("store: %w", poolerrors.ErrSecretNotFound)

	// ErrConflict is returned when a fingerprint is already stored.
	ErrConflict = errors.New("store: fingerprint already exists")

	// ErrNotActive is returned when usage is recorded against a record that
	// is no longer Active.
	ErrNotActive = errors.New("store: secret is not active")
)

// IsNotFound reports whether err is a not-found error.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsConflict reports whether err is a fingerprint conflict.
func IsConflict(err error) bool { return errors.Is(err, ErrConflict) }
