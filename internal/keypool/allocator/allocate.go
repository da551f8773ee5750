package allocator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/ahrav/keypool/internal/domain"
	poolerrors "github.com/ahrav/keypool/internal/keypool/errors"
	"github.com/ahrav/keypool/internal/keypool/events"
	"github.com/ahrav/keypool/internal/keypool/metrics"
	"github.com/ahrav/keypool/internal/keypool/store"
)

// Allocation is a secret handed to a caller for one upstream request.
type Allocation struct {
	SecretID  string      `json:"secret_id"`
	Secret    string      `json:"-"`
	Tier      domain.Tier `json:"tier"`
	ExpiresAt *time.Time  `json:"expires_at,omitempty"`
}

// LogValue keeps the raw secret out of logs.
func (a Allocation) LogValue() slog.Value {
	return slog.GroupValue(slog.String("secret_id", a.SecretID), slog.String("tier", string(a.Tier)))
}

// Allocate returns the least-used Active secret whose rate window admits one
// more request. owner, when non-empty, restricts candidates to that owner.
//
// ok is false with a nil error when every candidate is rate limited or the
// pool is empty. That is backpressure, not a failure. Expired candidates met
// during selection are retired before being skipped.
func (a *Allocator) Allocate(ctx context.Context, owner string) (Allocation, bool, error) {
	now := a.clock.Now()
	candidates, expired := a.candidates(owner, now)

	for _, rec := range expired {
		if _, err := a.retire(ctx, rec.ID, "expired", events.SecretExpired); err != nil {
			a.logger.Warn("failed to retire expired secret", "secret_id", rec.ID, "error", err)
		}
	}

	for _, rec := range candidates {
		if !a.limiter.Admit(ctx, rec.ID) {
			continue
		}

		raw, err := a.vault.Open(rec.ID, rec.Sealed)
		if err != nil {
			a.logger.Error("sealed secret cannot be opened", "secret", rec, "error", err)
			if mErr := a.MarkInvalid(ctx, rec.ID, "vault open failed"); mErr != nil {
				a.logger.Warn("failed to invalidate unopenable secret", "secret_id", rec.ID, "error", mErr)
			}
			continue
		}

		updated, err := a.store.IncrementUsage(ctx, rec.ID, now)
		if err != nil {
			if errors.Is(err, store.ErrNotActive) || store.IsNotFound(err) {
				// Status changed underneath the cached view. The admitted unit
				// is not returned; the refresh drops the limiter entry since
				// the secret can never be allocated again.
				a.metrics.Allocation(metrics.AllocationStale)
				a.refresh(ctx, rec.ID)
				continue
			}
			a.metrics.Allocation(metrics.AllocationError)
			return Allocation{}, false, fmt.Errorf("failed to record allocation: %w", err)
		}
		a.put(updated)
		a.metrics.Allocation(metrics.AllocationGranted)

		return Allocation{
			SecretID:  updated.ID,
			Secret:    raw,
			Tier:      updated.Tier,
			ExpiresAt: updated.ExpiresAt,
		}, true, nil
	}

	a.metrics.Allocation(metrics.AllocationExhausted)
	a.publish(events.ForPool(events.SecretAllocationDenied, eventSource,
		fmt.Sprintf("no admissible secret among %d candidates", len(candidates)), now))
	a.logger.Debug("pool exhausted", "candidates", len(candidates), "owner_filter", owner != "")
	return Allocation{}, false, nil
}

// candidates returns Active, unexpired records ordered by ascending usage
// then most recent update, truncated to the sample size, plus the Active
// records found expired.
func (a *Allocator) candidates(owner string, now time.Time) (cands, expired []domain.SecretRecord) {
	a.mu.RLock()
	for _, rec := range a.index {
		if rec.Status != domain.StatusActive {
			continue
		}
		if rec.Expired(now) {
			expired = append(expired, rec)
			continue
		}
		if owner != "" && rec.OwnerRef != owner {
			continue
		}
		cands = append(cands, rec)
	}
	a.mu.RUnlock()

	slices.SortFunc(cands, func(x, y domain.SecretRecord) int {
		if x.UsageCount != y.UsageCount {
			if x.UsageCount < y.UsageCount {
				return -1
			}
			return 1
		}
		// Most recently updated first.
		if c := y.UpdatedAt.Compare(x.UpdatedAt); c != 0 {
			return c
		}
		return strings.Compare(x.ID, y.ID)
	})
	if len(cands) > a.sampleSize {
		cands = cands[:a.sampleSize]
	}
	return cands, expired
}

// RecordUsage records the outcome of one upstream call made with id.
//
// It never fails the caller. Persistence of the outcome counters is retried
// once and then dropped. Authentication failures accumulate per secret and
// reaching the threshold demotes the secret to Invalid immediately. A
// successful call resets the accumulation.
func (a *Allocator) RecordUsage(ctx context.Context, id string, sample domain.UsageSample) {
	now := a.clock.Now()
	sample.SecretID = id
	if sample.Timestamp.IsZero() {
		sample.Timestamp = now
	}
	if a.usage != nil {
		a.usage.Record(sample)
	}

	success := sample.Succeeded()
	err := a.store.RecordOutcome(ctx, id, success, now)
	if err != nil && !store.IsNotFound(err) {
		err = a.store.RecordOutcome(ctx, id, success, now)
	}
	switch {
	case store.IsNotFound(err):
		a.logger.Debug("usage recorded for unknown secret", "secret_id", id)
		return
	case err != nil:
		a.logger.Warn("usage counters not persisted", "secret_id", id, "error", err)
	}

	switch {
	case sample.AuthFailure():
		n := a.bumpAuthFailures(id)
		if n >= a.authFailureThreshold {
			reason := fmt.Sprintf("%d consecutive authentication failures", n)
			if err := a.MarkInvalid(ctx, id, reason); err != nil && !errors.Is(err, poolerrors.ErrSecretRetired) {
				a.logger.Warn("failed to invalidate secret", "secret_id", id, "error", err)
			}
			return
		}
	case success:
		a.clearAuthFailures(id)
	}
	a.refresh(ctx, id)
}

func (a *Allocator) bumpAuthFailures(id string) int {
	a.authMu.Lock()
	defer a.authMu.Unlock()
	a.authFailures[id]++
	return a.authFailures[id]
}

func (a *Allocator) clearAuthFailures(id string) {
	a.authMu.Lock()
	delete(a.authFailures, id)
	a.authMu.Unlock()
}

// MarkInvalid demotes an Active secret to Invalid. Invalid secrets are never
// allocated and are retired by the optimizer.
func (a *Allocator) MarkInvalid(ctx context.Context, id, reason string) error {
	before, known := a.Lookup(id)

	rec, err := a.store.UpdateStatus(ctx, id, domain.StatusInvalid, reason, a.clock.Now())
	if err != nil {
		if store.IsNotFound(err) {
			a.refresh(ctx, id)
		}
		return err
	}
	a.limiter.Remove(id)
	a.clearAuthFailures(id)
	a.put(rec)

	if !known || before.Status != domain.StatusInvalid {
		a.updateGauges()
		a.publish(events.ForSecret(events.SecretInvalidated, eventSource, rec, reason, rec.UpdatedAt))
		a.logger.Warn("secret invalidated", "secret", rec, "reason", reason)
	}
	return nil
}

// RetireSecret permanently removes id from allocation and drops its sealed
// blob. It reports true when the secret is retired after the call, including
// when it already was. Unknown ids return false and ErrSecretNotFound.
func (a *Allocator) RetireSecret(ctx context.Context, id string) (bool, error) {
	return a.retire(ctx, id, "retired by operator", events.SecretRetired)
}

// RetireWithReason retires id and records why. It is used by the optimizer.
func (a *Allocator) RetireWithReason(ctx context.Context, id, reason string) (bool, error) {
	return a.retire(ctx, id, reason, events.SecretRetired)
}

func (a *Allocator) retire(ctx context.Context, id, reason string, typ events.Type) (bool, error) {
	before, known := a.Lookup(id)

	rec, err := a.store.UpdateStatus(ctx, id, domain.StatusRetired, reason, a.clock.Now())
	if err != nil {
		if store.IsNotFound(err) {
			a.refresh(ctx, id)
			return false, fmt.Errorf("retire %s: %w", id, poolerrors.ErrSecretNotFound)
		}
		return false, err
	}
	a.limiter.Remove(id)
	a.clearAuthFailures(id)
	a.put(rec)

	if !known || before.Status != domain.StatusRetired {
		a.updateGauges()
		a.publish(events.ForSecret(typ, eventSource, rec, reason, rec.UpdatedAt))
		a.logger.Info("secret retired", "secret", rec, "reason", reason)
	}
	return true, nil
}

// SweepExpired retires every Active secret whose time box has elapsed and
// returns how many were retired.
func (a *Allocator) SweepExpired(ctx context.Context) (int, error) {
	now := a.clock.Now()

	var expired []string
	a.mu.RLock()
	for id, rec := range a.index {
		if rec.Status == domain.StatusActive && rec.Expired(now) {
			expired = append(expired, id)
		}
	}
	a.mu.RUnlock()

	var (
		retired int
		errs    []error
	)
	for _, id := range expired {
		if _, err := a.retire(ctx, id, "expired", events.SecretExpired); err != nil {
			errs = append(errs, err)
			continue
		}
		retired++
	}
	return retired, errors.Join(errs...)
}

// ResetUsage zeroes usage counters on the given secrets.
func (a *Allocator) ResetUsage(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := a.store.ResetUsage(ctx, ids, a.clock.Now()); err != nil {
		return fmt.Errorf("failed to reset usage: %w", err)
	}
	for _, id := range ids {
		a.refresh(ctx, id)
	}
	return nil
}

// OpenSecret returns the raw secret for an Active indexed record. The health
// checker uses it to probe without touching usage counters or rate limits.
func (a *Allocator) OpenSecret(_ context.Context, id string) (string, error) {
	a.mu.RLock()
	rec, ok := a.index[id]
	a.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("open %s: %w", id, poolerrors.ErrSecretNotFound)
	}
	if rec.Status != domain.StatusActive {
		return "", fmt.Errorf("open %s: status %s: %w", id, rec.Status, poolerrors.ErrInvalidTransition)
	}
	return a.vault.Open(id, rec.Sealed)
}
