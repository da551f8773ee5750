package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"
)

// shortFingerprintLen is the number of hex characters of a fingerprint that
// may appear in logs, events, and error messages.
const shortFingerprintLen = 12

// Status is the lifecycle state of a pooled secret.
// Valid transitions are Active→Invalid, Active→Retired and Invalid→Retired.
// Retired is terminal.
type Status string

const (
	// StatusActive secrets are eligible for allocation.
	StatusActive Status = "active"

	// StatusInvalid secrets failed authentication upstream. They are skipped
	// by allocation and wait for the optimizer to retire them.
	StatusInvalid Status = "invalid"

	// StatusRetired secrets are permanently removed from the pool.
	StatusRetired Status = "retired"
)

// String returns the string representation of a Status.
func (s Status) String() string { return string(s) }

// CanTransitionTo reports whether moving from s to next is allowed.
// Staying in the same state is always allowed so that callers can be idempotent.
func (s Status) CanTransitionTo(next Status) bool {
	if s == next {
		return true
	}
	switch s {
	case StatusActive:
		return next == StatusInvalid || next == StatusRetired
	case StatusInvalid:
		return next == StatusRetired
	default:
		return false
	}
}

// SecretRecord is the durable metadata for one pooled secret.
// The raw secret itself is never held here; Sealed carries the vault blob
// and is cleared when the record is retired.
type SecretRecord struct {
	ID           string            `json:"id"`
	Fingerprint  string            `json:"fingerprint"`
	OwnerRef     string            `json:"owner_ref,omitempty"`
	Tier         Tier              `json:"tier"`
	Status       Status            `json:"status"`
	StatusReason string            `json:"status_reason,omitempty"`
	UsageCount   int64             `json:"usage_count"`
	SuccessCount int64             `json:"success_count"`
	FailureCount int64             `json:"failure_count"`
	RateCapacity int64             `json:"rate_capacity"`
	RateWindow   time.Duration     `json:"rate_window"`
	ExpiresAt    *time.Time        `json:"expires_at,omitempty"`
	LastUsedAt   *time.Time        `json:"last_used_at,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Sealed       []byte            `json:"-"`
}

// Clone returns a deep copy so callers can hand records across goroutines
// without sharing maps, slices, or time pointers.
func (r SecretRecord) Clone() SecretRecord {
	out := r
	out.Metadata = cloneStringMap(r.Metadata)
	if r.Sealed != nil {
		out.Sealed = append([]byte(nil), r.Sealed...)
	}
	if r.ExpiresAt != nil {
		t := *r.ExpiresAt
		out.ExpiresAt = &t
	}
	if r.LastUsedAt != nil {
		t := *r.LastUsedAt
		out.LastUsedAt = &t
	}
	return out
}

// Expired reports whether the record's time box has elapsed at now.
// Records without ExpiresAt never expire.
func (r SecretRecord) Expired(now time.Time) bool {
	return r.ExpiresAt != nil && !now.Before(*r.ExpiresAt)
}

// Allocatable reports whether the record may be handed to a caller at now.
func (r SecretRecord) Allocatable(now time.Time) bool {
	return r.Status == StatusActive && !r.Expired(now)
}

// ShortFingerprint returns the loggable prefix of the record's fingerprint.
func (r SecretRecord) ShortFingerprint() string { return ShortFingerprint(r.Fingerprint) }

// LogValue keeps secrets and sealed blobs out of structured logs.
func (r SecretRecord) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", r.ID),
		slog.String("fingerprint", r.ShortFingerprint()),
		slog.String("tier", string(r.Tier)),
		slog.String("status", string(r.Status)),
	)
}

// Fingerprint returns the hex-encoded SHA-256 of a raw secret.
// It is the uniqueness key for the pool and is safe to persist.
func Fingerprint(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// ShortFingerprint truncates a fingerprint to its loggable prefix.
func ShortFingerprint(fp string) string {
	if len(fp) <= shortFingerprintLen {
		return fp
	}
	return fp[:shortFingerprintLen]
}

// AddSecretRequest carries one raw secret offered to the pool.
type AddSecretRequest struct {
	// Secret is the raw upstream API key.
	Secret string `json:"-" validate:"required,min=8,max=4096,printascii,nospace"`

	// OwnerRef optionally links the secret to the account that supplied it.
	OwnerRef string `json:"owner_ref,omitempty" validate:"omitempty,max=256"`

	// Tier selects rate capacity and expiry. Empty means basic.
	Tier Tier `json:"tier" validate:"omitempty,tier"`

	// Metadata is opaque provenance such as the capture source.
	Metadata map[string]string `json:"metadata,omitempty" validate:"omitempty,max=32,dive,keys,required,max=64,endkeys,max=1024"`
}

// Validate checks the request against its struct rules.
func (r *AddSecretRequest) Validate() error { return validate.Struct(r) }

// Normalized returns a copy with defaults applied.
func (r AddSecretRequest) Normalized() AddSecretRequest {
	if r.Tier == "" {
		r.Tier = TierBasic
	}
	r.Metadata = cloneStringMap(r.Metadata)
	return r
}
