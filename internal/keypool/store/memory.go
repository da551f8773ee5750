package store

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/ahrav/keypool/internal/domain"
)

// MemoryStore keeps the pool in process memory.
type MemoryStore struct {
	mu            sync.RWMutex
	records       map[string]domain.SecretRecord
	byFingerprint map[string]string
	samples       []domain.UsageSample
	logger        *slog.Logger
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(logger *slog.Logger) *MemoryStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryStore{
		records:       make(map[string]domain.SecretRecord),
		byFingerprint: make(map[string]string),
		logger:        logger.With("component", "memory_store"),
	}
}

// Create inserts rec. A known fingerprint or id returns ErrConflict.
func (m *MemoryStore) Create(_ context.Context, rec domain.SecretRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byFingerprint[rec.Fingerprint]; ok {
		return ErrConflict
	}
	if _, ok := m.records[rec.ID]; ok {
		return fmt.Errorf("%w: id %s", ErrConflict, rec.ID)
	}
	m.records[rec.ID] = rec.Clone()
	m.byFingerprint[rec.Fingerprint] = rec.ID
	return nil
}

// Get returns a copy of the record for id.
func (m *MemoryStore) Get(_ context.Context, id string) (domain.SecretRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[id]
	if !ok {
		return domain.SecretRecord{}, ErrNotFound
	}
	return rec.Clone(), nil
}

// GetByFingerprint returns the record holding fingerprint, in any status.
func (m *MemoryStore) GetByFingerprint(_ context.Context, fingerprint string) (domain.SecretRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byFingerprint[fingerprint]
	if !ok {
		return domain.SecretRecord{}, ErrNotFound
	}
	return m.records[id].Clone(), nil
}

// List returns the records matching filter ordered by creation time then id.
func (m *MemoryStore) List(_ context.Context, filter Filter) ([]domain.SecretRecord, error) {
	m.mu.RLock()
	out := make([]domain.SecretRecord, 0, len(m.records))
	for _, rec := range m.records {
		if filter.Matches(rec) {
			out = append(out, rec.Clone())
		}
	}
	m.mu.RUnlock()

	slices.SortFunc(out, func(a, b domain.SecretRecord) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out, nil
}

// IncrementUsage counts one allocation of an Active secret.
func (m *MemoryStore) IncrementUsage(_ context.Context, id string, at time.Time) (domain.SecretRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok {
		return domain.SecretRecord{}, ErrNotFound
	}
	if rec.Status != domain.StatusActive {
		return domain.SecretRecord{}, ErrNotActive
	}
	rec.UsageCount++
	rec.LastUsedAt = &at
	rec.UpdatedAt = at
	m.records[id] = rec
	return rec.Clone(), nil
}

// RecordOutcome bumps the outcome counters for id. Only successes refresh
// UpdatedAt.
func (m *MemoryStore) RecordOutcome(_ context.Context, id string, success bool, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok {
		return ErrNotFound
	}
	if success {
		rec.SuccessCount++
		rec.UpdatedAt = at
	} else {
		rec.FailureCount++
	}
	m.records[id] = rec
	return nil
}

// UpdateStatus moves id to status. Retiring drops the sealed blob.
func (m *MemoryStore) UpdateStatus(_ context.Context, id string, status domain.Status, reason string, at time.Time) (domain.SecretRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok {
		return domain.SecretRecord{}, ErrNotFound
	}
	if err := checkTransition(id, rec.Status, status); err != nil {
		return domain.SecretRecord{}, err
	}
	if rec.Status == status {
		return rec.Clone(), nil
	}

	rec.Status = status
	rec.StatusReason = reason
	rec.UpdatedAt = at
	if status == domain.StatusRetired {
		rec.Sealed = nil
	}
	m.records[id] = rec

	m.logger.Debug("status updated", "secret", rec)
	return rec.Clone(), nil
}

// ResetUsage zeroes the usage counter of each Active id. Unknown ids are
// ignored.
func (m *MemoryStore) ResetUsage(_ context.Context, ids []string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range ids {
		rec, ok := m.records[id]
		if !ok || rec.Status != domain.StatusActive {
			continue
		}
		rec.UsageCount = 0
		rec.UpdatedAt = at
		m.records[id] = rec
	}
	return nil
}

// AppendSamples stores usage samples.
func (m *MemoryStore) AppendSamples(_ context.Context, samples []domain.UsageSample) error {
	m.mu.Lock()
	m.samples = append(m.samples, samples...)
	m.mu.Unlock()
	return nil
}

// QuerySamples returns samples stamped in [since, until).
func (m *MemoryStore) QuerySamples(_ context.Context, since, until time.Time) ([]domain.UsageSample, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []domain.UsageSample
	for _, s := range m.samples {
		if inWindow(s.Timestamp, since, until) {
			out = append(out, s)
		}
	}
	return out, nil
}

// PruneSamples drops samples older than before and reports how many went.
func (m *MemoryStore) PruneSamples(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.samples[:0]
	for _, s := range m.samples {
		if !s.Timestamp.Before(before) {
			kept = append(kept, s)
		}
	}
	removed := int64(len(m.samples) - len(kept))
	clear(m.samples[len(kept):])
	m.samples = kept
	return removed, nil
}

// Close is a no-op for the memory store.
func (m *MemoryStore) Close() error { return nil }
