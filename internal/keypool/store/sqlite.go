package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/ahrav/keypool/internal/domain"
)

//go:embed schema.sql
var schemaSQL string

const secretColumns = `id, fingerprint, owner_ref, tier, status, status_reason,
	usage_count, success_count, failure_count, rate_capacity, rate_window_ms,
	expires_at, last_used_at, created_at, updated_at, metadata, sealed`

// SQLiteStore persists the pool in a single SQLite database file.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) the database at path and applies the schema.
func NewSQLiteStore(path string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", path)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One writer avoids "database is locked" under concurrent access.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &SQLiteStore{db: db, logger: logger.With("component", "sqlite_store")}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	s.logger.Info("sqlite store initialized",
		slog.String("database_path", path),
		slog.String("journal_mode", "WAL"))
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("failed to query schema version: %w", err)
	}
	if version == 0 {
		if _, err := s.db.Exec(schemaSQL); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
		s.logger.Info("database schema initialized", slog.Int("version", 1))
		return nil
	}
	s.logger.Debug("database schema already exists", slog.Int("version", version))
	return nil
}

// Create inserts rec. A unique constraint violation returns ErrConflict.
func (s *SQLiteStore) Create(ctx context.Context, rec domain.SecretRecord) error {
	meta, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO secrets (`+secretColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Fingerprint, rec.OwnerRef, string(rec.Tier), string(rec.Status), rec.StatusReason,
		rec.UsageCount, rec.SuccessCount, rec.FailureCount, rec.RateCapacity, rec.RateWindow.Milliseconds(),
		nullableNanos(rec.ExpiresAt), nullableNanos(rec.LastUsedAt),
		rec.CreatedAt.UnixNano(), rec.UpdatedAt.UnixNano(), string(meta), rec.Sealed,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrConflict
		}
		return fmt.Errorf("failed to insert secret: %w", err)
	}
	return nil
}

// Get loads the record for id.
func (s *SQLiteStore) Get(ctx context.Context, id string) (domain.SecretRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+secretColumns+` FROM secrets WHERE id = ?`, id)
	return scanRecord(row)
}

// GetByFingerprint returns the record holding fingerprint, in any status.
func (s *SQLiteStore) GetByFingerprint(ctx context.Context, fingerprint string) (domain.SecretRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+secretColumns+` FROM secrets WHERE fingerprint = ?`, fingerprint)
	return scanRecord(row)
}

// List returns the records matching filter ordered by creation time then id.
func (s *SQLiteStore) List(ctx context.Context, filter Filter) ([]domain.SecretRecord, error) {
	var (
		where []string
		args  []any
	)
	if len(filter.Statuses) > 0 {
		placeholders := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(placeholders, ", ")+")")
	}
	if filter.OwnerRef != "" {
		where = append(where, "owner_ref = ?")
		args = append(args, filter.OwnerRef)
	}
	if filter.Tier != "" {
		where = append(where, "tier = ?")
		args = append(args, string(filter.Tier))
	}

	query := `SELECT ` + secretColumns + ` FROM secrets`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list secrets: %w", err)
	}
	defer rows.Close()

	var out []domain.SecretRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// IncrementUsage counts one allocation of an Active secret in a single
// conditional update.
func (s *SQLiteStore) IncrementUsage(ctx context.Context, id string, at time.Time) (domain.SecretRecord, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE secrets
		SET usage_count = usage_count + 1, last_used_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		at.UnixNano(), at.UnixNano(), id, string(domain.StatusActive))
	if err != nil {
		return domain.SecretRecord{}, fmt.Errorf("failed to increment usage: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return domain.SecretRecord{}, err
		}
		return domain.SecretRecord{}, ErrNotActive
	}
	return s.Get(ctx, id)
}

// RecordOutcome bumps the outcome counters for id. Only successes refresh
// UpdatedAt.
func (s *SQLiteStore) RecordOutcome(ctx context.Context, id string, success bool, at time.Time) error {
	query := `UPDATE secrets SET failure_count = failure_count + 1 WHERE id = ?`
	args := []any{id}
	if success {
		query = `UPDATE secrets SET success_count = success_count + 1, updated_at = ? WHERE id = ?`
		args = []any{at.UnixNano(), id}
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to record outcome: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateStatus moves id to status inside a transaction. Retiring nulls the
// sealed blob.
func (s *SQLiteStore) UpdateStatus(ctx context.Context, id string, status domain.Status, reason string, at time.Time) (domain.SecretRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.SecretRecord{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	rec, err := scanRecord(tx.QueryRowContext(ctx, `SELECT `+secretColumns+` FROM secrets WHERE id = ?`, id))
	if err != nil {
		return domain.SecretRecord{}, err
	}
	if err := checkTransition(id, rec.Status, status); err != nil {
		return domain.SecretRecord{}, err
	}
	if rec.Status == status {
		return rec, nil
	}

	query := `UPDATE secrets SET status = ?, status_reason = ?, updated_at = ? WHERE id = ?`
	if status == domain.StatusRetired {
		query = `UPDATE secrets SET status = ?, status_reason = ?, updated_at = ?, sealed = NULL WHERE id = ?`
	}
	if _, err := tx.ExecContext(ctx, query, string(status), reason, at.UnixNano(), id); err != nil {
		return domain.SecretRecord{}, fmt.Errorf("failed to update status: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.SecretRecord{}, fmt.Errorf("failed to commit status update: %w", err)
	}

	rec.Status = status
	rec.StatusReason = reason
	rec.UpdatedAt = time.Unix(0, at.UnixNano()).UTC()
	if status == domain.StatusRetired {
		rec.Sealed = nil
	}
	s.logger.Debug("status updated", "secret", rec)
	return rec, nil
}

// ResetUsage zeroes the usage counter of each Active id. Unknown ids are
// ignored.
func (s *SQLiteStore) ResetUsage(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := make([]string, len(ids))
	args := []any{at.UnixNano(), string(domain.StatusActive)}
	for i, id := range ids {
		placeholders[i] = "?"
		args = append(args, id)
	}
	_, err := s.db.ExecContext(ctx, `UPDATE secrets SET usage_count = 0, updated_at = ?
		WHERE status = ? AND id IN (`+strings.Join(placeholders, ", ")+`)`, args...)
	if err != nil {
		return fmt.Errorf("failed to reset usage: %w", err)
	}
	return nil
}

// AppendSamples inserts usage samples in one transaction.
func (s *SQLiteStore) AppendSamples(ctx context.Context, samples []domain.UsageSample) error {
	if len(samples) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO usage_samples
		(secret_id, endpoint, status_code, latency_ms, ts, error) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare sample insert: %w", err)
	}
	defer stmt.Close()

	for _, smp := range samples {
		if _, err := stmt.ExecContext(ctx, smp.SecretID, smp.Endpoint, smp.StatusCode,
			smp.LatencyMs, smp.Timestamp.UnixNano(), smp.Error); err != nil {
			return fmt.Errorf("failed to insert sample: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit samples: %w", err)
	}
	return nil
}

// QuerySamples returns samples stamped in [since, until).
func (s *SQLiteStore) QuerySamples(ctx context.Context, since, until time.Time) ([]domain.UsageSample, error) {
	query := `SELECT secret_id, endpoint, status_code, latency_ms, ts, error FROM usage_samples WHERE 1 = 1`
	var args []any
	if !since.IsZero() {
		query += ` AND ts >= ?`
		args = append(args, since.UnixNano())
	}
	if !until.IsZero() {
		query += ` AND ts < ?`
		args = append(args, until.UnixNano())
	}
	query += ` ORDER BY ts, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query samples: %w", err)
	}
	defer rows.Close()

	var out []domain.UsageSample
	for rows.Next() {
		var (
			smp domain.UsageSample
			ts  int64
		)
		if err := rows.Scan(&smp.SecretID, &smp.Endpoint, &smp.StatusCode, &smp.LatencyMs, &ts, &smp.Error); err != nil {
			return nil, fmt.Errorf("failed to scan sample: %w", err)
		}
		smp.Timestamp = time.Unix(0, ts).UTC()
		out = append(out, smp)
	}
	return out, rows.Err()
}

// PruneSamples drops samples older than before and reports how many went.
func (s *SQLiteStore) PruneSamples(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM usage_samples WHERE ts < ?`, before.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to prune samples: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (domain.SecretRecord, error) {
	var (
		rec                   domain.SecretRecord
		tier, status, meta    string
		windowMs              int64
		expiresAt, lastUsedAt sql.NullInt64
		createdAt, updatedAt  int64
	)
	err := row.Scan(&rec.ID, &rec.Fingerprint, &rec.OwnerRef, &tier, &status, &rec.StatusReason,
		&rec.UsageCount, &rec.SuccessCount, &rec.FailureCount, &rec.RateCapacity, &windowMs,
		&expiresAt, &lastUsedAt, &createdAt, &updatedAt, &meta, &rec.Sealed)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.SecretRecord{}, ErrNotFound
	}
	if err != nil {
		return domain.SecretRecord{}, fmt.Errorf("failed to scan secret: %w", err)
	}

	rec.Tier = domain.Tier(tier)
	rec.Status = domain.Status(status)
	rec.RateWindow = time.Duration(windowMs) * time.Millisecond
	rec.ExpiresAt = nanosPtr(expiresAt)
	rec.LastUsedAt = nanosPtr(lastUsedAt)
	rec.CreatedAt = time.Unix(0, createdAt).UTC()
	rec.UpdatedAt = time.Unix(0, updatedAt).UTC()
	if meta != "" && meta != "null" {
		if err := json.Unmarshal([]byte(meta), &rec.Metadata); err != nil {
			return domain.SecretRecord{}, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	return rec, nil
}

func nullableNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func nanosPtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(0, v.Int64).UTC()
	return &t
}

// isUniqueConstraintError reports a UNIQUE or PRIMARY KEY violation.
func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
