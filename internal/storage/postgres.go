package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/t77yq/waterwatch/internal/model"
)

// PostgresSchema creates the tables used by PostgresStore
const PostgresSchema = `
CREATE TABLE IF NOT EXISTS alerts (
	id TEXT PRIMARY KEY,
	device_id TEXT NOT NULL,
	parameter TEXT NOT NULL,
	severity TEXT NOT NULL,
	severity_rank SMALLINT NOT NULL,
	status TEXT NOT NULL,
	current_value DOUBLE PRECISION NOT NULL,
	threshold_value DOUBLE PRECISION NOT NULL,
	occurrence_count INTEGER NOT NULL DEFAULT 1,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_alerts_one_active
	ON alerts (device_id, parameter) WHERE status = 'active';
CREATE INDEX IF NOT EXISTS idx_alerts_device ON alerts (device_id);
CREATE TABLE IF NOT EXISTS device_status (
	device_id TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	last_seen TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);`

// DB interface for database operations (compatible with pgxpool.Pool and pgxmock)
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, arguments ...interface{}) (pgconn.CommandTag, error)
}

// PostgresStore implements Store on PostgreSQL
type PostgresStore struct {
	logger *zap.Logger
	db     DB
	pool   *pgxpool.Pool
}

// NewPostgresStore connects a pool to dsn and applies the schema
func NewPostgresStore(ctx context.Context, logger *zap.Logger, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, PostgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	store := NewPostgresStoreWithDB(logger, pool)
	store.pool = pool
	return store, nil
}

// NewPostgresStoreWithDB creates a store on an existing connection
func NewPostgresStoreWithDB(logger *zap.Logger, db DB) *PostgresStore {
	return &PostgresStore{
		logger: logger.Named("postgres-store"),
		db:     db,
	}
}

const pgEnsureActive = `
INSERT INTO alerts (
	id, device_id, parameter, severity, severity_rank, status,
	current_value, threshold_value, occurrence_count, created_at, updated_at
) VALUES ($1, $2, $3, $4, $5, 'active', $6, $7, 1, $8, $8)
ON CONFLICT (device_id, parameter) WHERE status = 'active' DO UPDATE SET
	occurrence_count = alerts.occurrence_count +
		CASE WHEN alerts.id = EXCLUDED.id THEN 0 ELSE 1 END,
	current_value = EXCLUDED.current_value,
	severity = CASE WHEN EXCLUDED.severity_rank > alerts.severity_rank
		THEN EXCLUDED.severity ELSE alerts.severity END,
	threshold_value = CASE WHEN EXCLUDED.severity_rank > alerts.severity_rank
		THEN EXCLUDED.threshold_value ELSE alerts.threshold_value END,
	severity_rank = GREATEST(alerts.severity_rank, EXCLUDED.severity_rank),
	updated_at = EXCLUDED.created_at
RETURNING id, device_id, parameter, severity, status, current_value, threshold_value,
	occurrence_count, created_at, updated_at`

// EnsureActive implements AlertStore.EnsureActive
func (s *PostgresStore) EnsureActive(ctx context.Context, candidate model.AlertRecord) (model.AlertRecord, bool, error) {
	if err := validateCandidate(candidate); err != nil {
		return model.AlertRecord{}, false, err
	}

	row := s.db.QueryRow(ctx, pgEnsureActive,
		candidate.ID,
		candidate.DeviceID,
		string(candidate.Parameter),
		string(candidate.Severity),
		candidate.Severity.Rank(),
		candidate.CurrentValue,
		candidate.ThresholdValue,
		candidate.CreatedAt,
	)
	alert, err := scanPostgresAlert(row)
	if err != nil {
		return model.AlertRecord{}, false, s.wrap("failed to ensure active alert", err)
	}
	return *alert, alert.ID == candidate.ID, nil
}

// Get implements AlertStore.Get
func (s *PostgresStore) Get(ctx context.Context, id string) (*model.AlertRecord, error) {
	row := s.db.QueryRow(ctx, `
SELECT id, device_id, parameter, severity, status, current_value, threshold_value,
	occurrence_count, created_at, updated_at
FROM alerts
WHERE id = $1`, id)
	alert, err := scanPostgresAlert(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: alert %s", ErrNotFound, id)
		}
		return nil, s.wrap("failed to get alert", err)
	}
	return alert, nil
}

// ListActive implements AlertStore.ListActive
func (s *PostgresStore) ListActive(ctx context.Context, deviceID string) ([]model.AlertRecord, error) {
	query := `
SELECT id, device_id, parameter, severity, status, current_value, threshold_value,
	occurrence_count, created_at, updated_at
FROM alerts
WHERE status = 'active'`
	args := []interface{}{}
	if deviceID != "" {
		query += " AND device_id = $1"
		args = append(args, deviceID)
	}
	query += " ORDER BY created_at ASC"

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, s.wrap("failed to list active alerts", err)
	}
	defer rows.Close()

	var alerts []model.AlertRecord
	for rows.Next() {
		alert, err := scanPostgresAlert(rows)
		if err != nil {
			return nil, s.wrap("failed to scan alert", err)
		}
		alerts = append(alerts, *alert)
	}
	if err := rows.Err(); err != nil {
		return nil, s.wrap("error during row iteration", err)
	}
	return alerts, nil
}

// SetStatus implements AlertStore.SetStatus
func (s *PostgresStore) SetStatus(ctx context.Context, id string, status model.AlertStatus, at time.Time) error {
	if err := validateStatus(status); err != nil {
		return err
	}
	tag, err := s.db.Exec(ctx, `
UPDATE alerts
SET status = $1, updated_at = $2
WHERE id = $3`, string(status), at, id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("%w: %v", ErrInvariantViolation, err)
		}
		return s.wrap("failed to update alert status", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: alert %s", ErrNotFound, id)
	}
	return nil
}

// TransitionStatus implements AlertStore.TransitionStatus
func (s *PostgresStore) TransitionStatus(ctx context.Context, id string, from []model.AlertStatus, status model.AlertStatus, at time.Time) (*model.AlertRecord, error) {
	if err := validateStatus(status); err != nil {
		return nil, err
	}

	row := s.db.QueryRow(ctx, `
UPDATE alerts
SET status = $1, updated_at = $2
WHERE id = $3 AND status = ANY($4)
RETURNING id, device_id, parameter, severity, status, current_value, threshold_value,
	occurrence_count, created_at, updated_at`, string(status), at, id, statusStrings(from))
	alert, err := scanPostgresAlert(row)
	if err == nil {
		return alert, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, fmt.Errorf("%w: %v", ErrInvariantViolation, err)
		}
		return nil, s.wrap("failed to transition alert status", err)
	}

	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("%w: alert %s is %s", ErrStatusConflict, id, current.Status)
}

// UpsertStatus implements DeviceStore.UpsertStatus
func (s *PostgresStore) UpsertStatus(ctx context.Context, deviceID string, status model.DeviceStatus, lastSeen time.Time) error {
	_, err := s.db.Exec(ctx, `
INSERT INTO device_status (device_id, status, last_seen, updated_at)
VALUES ($1, $2, $3, NOW())
ON CONFLICT (device_id) DO UPDATE SET
	status = EXCLUDED.status,
	last_seen = EXCLUDED.last_seen,
	updated_at = EXCLUDED.updated_at`, deviceID, string(status), lastSeen)
	if err != nil {
		return s.wrap("failed to upsert device status", err)
	}
	return nil
}

// Close releases the pool when the store owns one
func (s *PostgresStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *PostgresStore) wrap(msg string, err error) error {
	if isPostgresUnavailable(err) {
		s.logger.Warn("Store unavailable", zap.String("op", msg), zap.Error(err))
		return fmt.Errorf("%s: %w: %v", msg, ErrStoreUnavailable, err)
	}
	return fmt.Errorf("%s: %w", msg, err)
}

func isPostgresUnavailable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	if pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return true
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// class 08: connection exception, 57P: operator intervention (shutdown)
		return len(pgErr.Code) >= 2 && (pgErr.Code[:2] == "08" || pgErr.Code == "57P01" || pgErr.Code == "57P03")
	}
	return false
}

func scanPostgresAlert(row pgx.Row) (*model.AlertRecord, error) {
	var alert model.AlertRecord
	var parameter, severity, status string
	if err := row.Scan(
		&alert.ID,
		&alert.DeviceID,
		&parameter,
		&severity,
		&status,
		&alert.CurrentValue,
		&alert.ThresholdValue,
		&alert.OccurrenceCount,
		&alert.CreatedAt,
		&alert.UpdatedAt,
	); err != nil {
		return nil, err
	}
	alert.Parameter = model.Parameter(parameter)
	alert.Severity = model.AlertSeverity(severity)
	alert.Status = model.AlertStatus(status)
	alert.CreatedAt = alert.CreatedAt.UTC()
	alert.UpdatedAt = alert.UpdatedAt.UTC()
	return &alert, nil
}
