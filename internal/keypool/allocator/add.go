package allocator

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/ahrav/keypool/internal/domain"
	poolerrors "github.com/ahrav/keypool/internal/keypool/errors"
	"github.com/ahrav/keypool/internal/keypool/events"
	"github.com/ahrav/keypool/internal/keypool/store"
)

// AddSecret validates, probes, seals and stores one raw secret and returns
// its new id.
//
// Nothing is stored unless the upstream accepted the secret. A fingerprint
// already in the pool, in any status, returns a DuplicateError; retired
// secrets can therefore never be re-added.
func (a *Allocator) AddSecret(ctx context.Context, req domain.AddSecretRequest) (string, error) {
	if err := req.Validate(); err != nil {
		return "", poolerrors.FromValidator(err)
	}
	req = req.Normalized()
	fp := domain.Fingerprint(req.Secret)

	existing, err := a.store.GetByFingerprint(ctx, fp)
	switch {
	case err == nil:
		return "", duplicateOf(existing)
	case !store.IsNotFound(err):
		return "", fmt.Errorf("failed to check fingerprint: %w", err)
	}

	if err := a.prober.Probe(ctx, req.Secret); err != nil {
		a.logger.Info("secret rejected at intake",
			"fingerprint", domain.ShortFingerprint(fp),
			"error_type", poolerrors.Classify(err))
		return "", fmt.Errorf("liveness check failed: %w", err)
	}

	now := a.clock.Now()
	quota := a.tiers.For(req.Tier)
	rec := domain.SecretRecord{
		ID:           uuid.NewString(),
		Fingerprint:  fp,
		OwnerRef:     req.OwnerRef,
		Tier:         req.Tier,
		Status:       domain.StatusActive,
		RateCapacity: quota.RateCapacity,
		RateWindow:   quota.Window,
		CreatedAt:    now,
		UpdatedAt:    now,
		Metadata:     req.Metadata,
	}
	if quota.TTL > 0 {
		expires := now.Add(quota.TTL)
		rec.ExpiresAt = &expires
	}

	rec.Sealed, err = a.vault.Seal(rec.ID, req.Secret)
	if err != nil {
		return "", fmt.Errorf("failed to seal secret: %w", err)
	}

	if err := a.store.Create(ctx, rec); err != nil {
		if store.IsConflict(err) {
			if existing, getErr := a.store.GetByFingerprint(ctx, fp); getErr == nil {
				return "", duplicateOf(existing)
			}
			return "", &poolerrors.DuplicateError{Fingerprint: domain.ShortFingerprint(fp)}
		}
		return "", fmt.Errorf("failed to store secret: %w", err)
	}

	a.syncLimiter(rec)
	a.refresh(ctx, rec.ID)
	a.updateGauges()
	a.publish(events.ForSecret(events.SecretAdded, eventSource, rec, "", now))
	a.logger.Info("secret added", "secret", rec)
	return rec.ID, nil
}

// AddResult is the outcome of one item in a bulk add.
type AddResult struct {
	Index       int    `json:"index"`
	ID          string `json:"id,omitempty"`
	Fingerprint string `json:"fingerprint"` // short prefix only
	Err         error  `json:"-"`
}

// OK reports whether the item was added.
func (r AddResult) OK() bool { return r.Err == nil }

// AddSecrets adds each request independently and reports per-item results in
// input order. A failure on one item never affects the others. Repeats of a
// fingerprint within the batch are reported as duplicates of the first stored copy; a repeat
// of a copy that failed is attempted again.
func (a *Allocator) AddSecrets(ctx context.Context, reqs []domain.AddSecretRequest) []AddResult {
	results := make([]AddResult, len(reqs))
	firstSeen := make(map[string]int, len(reqs))

	for i, req := range reqs {
		fp := domain.Fingerprint(req.Secret)
		results[i] = AddResult{Index: i, Fingerprint: domain.ShortFingerprint(fp)}

		if err := ctx.Err(); err != nil {
			results[i].Err = err
			continue
		}
		if j, dup := firstSeen[fp]; dup && results[j].OK() {
			results[i].Err = &poolerrors.DuplicateError{
				Fingerprint: domain.ShortFingerprint(fp),
				ExistingID:  results[j].ID,
			}
			continue
		}
		firstSeen[fp] = i

		id, err := a.AddSecret(ctx, req)
		results[i].ID = id
		results[i].Err = err
	}

	var added, failed int
	for _, r := range results {
		if r.OK() {
			added++
		} else {
			failed++
		}
	}
	a.logger.Info("bulk add finished", "requested", len(reqs), "added", added, "failed", failed)
	return results
}

func duplicateOf(rec domain.SecretRecord) error {
	return &poolerrors.DuplicateError{
		Fingerprint: rec.ShortFingerprint(),
		ExistingID:  rec.ID,
		Status:      string(rec.Status),
	}
}
