package store

import (
	"fmt"
	"time"

	"github.com/ahrav/keypool/internal/domain"
	poolerrors "github.com/ahrav/keypool/internal/keypool/errors"
)

// checkTransition applies the lifecycle rules shared by every backend.
func checkTransition(id string, from, to domain.Status) error {
	if from == to {
		return nil
	}
	if from == domain.StatusRetired {
		return fmt.Errorf("secret %s: %w", id, poolerrors.ErrSecretRetired)
	}
	if !from.CanTransitionTo(to) {
		return fmt.Errorf("secret %s: %s -> %s: %w", id, from, to, poolerrors.ErrInvalidTransition)
	}
	return nil
}

func inWindow(ts, since, until time.Time) bool {
	if ts.Before(since) {
		return false
	}
	return until.IsZero() || ts.Before(until)
}
