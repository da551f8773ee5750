// Package events publishes pool lifecycle changes to in-process subscribers.
//
// Events carry only a secret's id and short fingerprint. Raw secrets and
// sealed blobs never leave the allocator.
package events

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ahrav/keypool/internal/domain"
)

// Type identifies the lifecycle change an event reports.
type Type string

const (
	SecretAdded            Type = "secret.added"
	SecretInvalidated      Type = "secret.invalidated"
	SecretRetired          Type = "secret.retired"
	SecretExpired          Type = "secret.expired"
	SecretAllocationDenied Type = "secret.allocation_denied"
	PoolRebalanced         Type = "pool.rebalanced"
)

// Version is the schema version stamped on every event.
const Version = "1.0.0"

// Event is one lifecycle notification.
type Event struct {
	// ID uniquely identifies this event instance.
	ID string `json:"id"`

	Type Type `json:"type"`

	// Source names the component that emitted the event, e.g. "allocator".
	Source string `json:"source"`

	Version string `json:"version"`

	SecretID    string `json:"secret_id,omitempty"`
	Fingerprint string `json:"fingerprint,omitempty"` // short prefix only
	Reason      string `json:"reason,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// ForSecret builds an event about rec.
func ForSecret(typ Type, source string, rec domain.SecretRecord, reason string, at time.Time) Event {
	return Event{
		ID:          uuid.NewString(),
		Type:        typ,
		Source:      source,
		Version:     Version,
		SecretID:    rec.ID,
		Fingerprint: rec.ShortFingerprint(),
		Reason:      reason,
		Timestamp:   at,
	}
}

// ForPool builds an event that is not tied to a single secret.
func ForPool(typ Type, source, reason string, at time.Time) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      typ,
		Source:    source,
		Version:   Version,
		Reason:    reason,
		Timestamp: at,
	}
}

// LogValue renders the event for structured logs.
func (e Event) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("id", e.ID),
		slog.String("type", string(e.Type)),
		slog.String("source", e.Source),
	}
	if e.SecretID != "" {
		attrs = append(attrs, slog.String("secret_id", e.SecretID), slog.String("fingerprint", e.Fingerprint))
	}
	if e.Reason != "" {
		attrs = append(attrs, slog.String("reason", e.Reason))
	}
	return slog.GroupValue(attrs...)
}

// Sink receives events for storage or transmission.
//
// Append should return quickly. Callers never fail their primary operation
// because a sink failed.
type Sink interface {
	Append(ctx context.Context, event Event) error
}

// LogSink writes each event to a structured logger.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a sink that logs at info level.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger.With("component", "events")}
}

// Append logs the event.
func (s *LogSink) Append(ctx context.Context, event Event) error {
	s.logger.InfoContext(ctx, "pool event", "event", event)
	return nil
}

// NoOpSink discards every event.
type NoOpSink struct{}

// Append implements Sink.
func (NoOpSink) Append(context.Context, Event) error { return nil }
