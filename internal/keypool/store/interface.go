// Package store persists secret records and usage samples.
//
// Two backends share one contract: an in-memory store for tests and
// single-process deployments, and a SQLite store for durable pools. Every
// status change goes through UpdateStatus, which enforces the lifecycle
// Active→Invalid→Retired with Retired terminal.
package store

import (
	"context"
	"slices"
	"time"

	"github.com/ahrav/keypool/internal/domain"
)

// Filter narrows List results. Zero fields match everything.
type Filter struct {
	Statuses []domain.Status
	OwnerRef string
	Tier     domain.Tier
}

// Matches reports whether rec passes the filter.
func (f Filter) Matches(rec domain.SecretRecord) bool {
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, rec.Status) {
		return false
	}
	if f.OwnerRef != "" && rec.OwnerRef != f.OwnerRef {
		return false
	}
	if f.Tier != "" && rec.Tier != f.Tier {
		return false
	}
	return true
}

// Store is the durable record of the pool.
type Store interface {
	// Create inserts a new record. A stored fingerprint, in any status,
	// returns ErrConflict.
	Create(ctx context.Context, rec domain.SecretRecord) error

	Get(ctx context.Context, id string) (domain.SecretRecord, error)
	GetByFingerprint(ctx context.Context, fingerprint string) (domain.SecretRecord, error)

	// List returns matching records ordered by creation time.
	List(ctx context.Context, filter Filter) ([]domain.SecretRecord, error)

	// IncrementUsage bumps the usage counter of an Active record and stamps
	// LastUsedAt. Records in any other status return ErrNotActive.
	IncrementUsage(ctx context.Context, id string, at time.Time) (domain.SecretRecord, error)

	// RecordOutcome bumps the success or failure counter.
	RecordOutcome(ctx context.Context, id string, success bool, at time.Time) error

	// UpdateStatus moves a record through its lifecycle. Re-applying the
	// current status is a no-op. Leaving Retired returns ErrSecretRetired and
	// any other backwards move returns ErrInvalidTransition. Retiring clears
	// the sealed blob.
	UpdateStatus(ctx context.Context, id string, status domain.Status, reason string, at time.Time) (domain.SecretRecord, error)

	// ResetUsage zeroes the usage counter of the given Active records.
	ResetUsage(ctx context.Context, ids []string, at time.Time) error

	AppendSamples(ctx context.Context, samples []domain.UsageSample) error

	// QuerySamples returns samples with since <= Timestamp < until. A zero
	// until means no upper bound.
	QuerySamples(ctx context.Context, since, until time.Time) ([]domain.UsageSample, error)

	// PruneSamples deletes samples older than before and returns the count removed.
	PruneSamples(ctx context.Context, before time.Time) (int64, error)

	Close() error
}
