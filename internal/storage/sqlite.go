package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/t77yq/waterwatch/internal/model"
)

const alertColumns = `id, device_id, parameter, severity, status, current_value, threshold_value,
			occurrence_count, created_at, updated_at`

// SQLiteStore implements Store using SQLite
type SQLiteStore struct {
	logger *zap.Logger
	db     *sql.DB
}

// NewSQLiteStore opens (or creates) the database at dbPath and prepares the schema
func NewSQLiteStore(logger *zap.Logger, dbPath string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite serializes writers; a single connection keeps the upsert path free of SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{
		logger: logger.Named("sqlite-store"),
		db:     db,
	}

	if err := store.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

// initialize creates the necessary tables if they don't exist
func (s *SQLiteStore) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS alerts (
			id TEXT PRIMARY KEY,
			device_id TEXT NOT NULL,
			parameter TEXT NOT NULL,
			severity TEXT NOT NULL,
			severity_rank INTEGER NOT NULL,
			status TEXT NOT NULL,
			current_value REAL NOT NULL,
			threshold_value REAL NOT NULL,
			occurrence_count INTEGER NOT NULL DEFAULT 1,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_alerts_one_active
			ON alerts(device_id, parameter) WHERE status = 'active';
		CREATE INDEX IF NOT EXISTS idx_alerts_device ON alerts(device_id);
		CREATE TABLE IF NOT EXISTS device_status (
			device_id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			last_seen INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	return nil
}

// EnsureActive implements AlertStore.EnsureActive with a single upsert against the
// partial unique index on active alerts.
func (s *SQLiteStore) EnsureActive(ctx context.Context, candidate model.AlertRecord) (model.AlertRecord, bool, error) {
	if err := validateCandidate(candidate); err != nil {
		return model.AlertRecord{}, false, err
	}
	updatedAt := candidate.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = candidate.CreatedAt
	}

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO alerts (
			id, device_id, parameter, severity, severity_rank, status,
			current_value, threshold_value, occurrence_count, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, 'active', ?, ?, 1, ?, ?)
		ON CONFLICT(device_id, parameter) WHERE status = 'active' DO UPDATE SET
			occurrence_count = alerts.occurrence_count +
				CASE WHEN alerts.id = excluded.id THEN 0 ELSE 1 END,
			current_value = excluded.current_value,
			severity = CASE WHEN excluded.severity_rank > alerts.severity_rank
				THEN excluded.severity ELSE alerts.severity END,
			threshold_value = CASE WHEN excluded.severity_rank > alerts.severity_rank
				THEN excluded.threshold_value ELSE alerts.threshold_value END,
			severity_rank = MAX(alerts.severity_rank, excluded.severity_rank),
			updated_at = excluded.created_at
		RETURNING `+alertColumns,
		candidate.ID,
		candidate.DeviceID,
		candidate.Parameter,
		candidate.Severity,
		candidate.Severity.Rank(),
		candidate.CurrentValue,
		candidate.ThresholdValue,
		candidate.CreatedAt.UnixNano(),
		updatedAt.UnixNano(),
	)

	alert, err := scanSQLiteAlert(row)
	if err != nil {
		return model.AlertRecord{}, false, s.wrap("failed to ensure active alert", err)
	}
	return *alert, alert.ID == candidate.ID, nil
}

// Get implements AlertStore.Get
func (s *SQLiteStore) Get(ctx context.Context, id string) (*model.AlertRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+alertColumns+` FROM alerts WHERE id = ?`, id)
	alert, err := scanSQLiteAlert(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: alert %s", ErrNotFound, id)
		}
		return nil, s.wrap("failed to get alert", err)
	}
	return alert, nil
}

// ListActive implements AlertStore.ListActive
func (s *SQLiteStore) ListActive(ctx context.Context, deviceID string) ([]model.AlertRecord, error) {
	query := `SELECT ` + alertColumns + ` FROM alerts WHERE status = 'active'`
	args := make([]interface{}, 0, 1)
	if deviceID != "" {
		query += " AND device_id = ?"
		args = append(args, deviceID)
	}
	query += " ORDER BY created_at ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, s.wrap("failed to list active alerts", err)
	}
	defer rows.Close()

	var alerts []model.AlertRecord
	for rows.Next() {
		alert, err := scanSQLiteAlert(rows)
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
func (s *SQLiteStore) SetStatus(ctx context.Context, id string, status model.AlertStatus, at time.Time) error {
	if err := validateStatus(status); err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE alerts SET status = ?, updated_at = ? WHERE id = ?`,
		status, at.UnixNano(), id)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
			return fmt.Errorf("%w: %v", ErrInvariantViolation, err)
		}
		return s.wrap("failed to update alert status", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return s.wrap("failed to get affected rows", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: alert %s", ErrNotFound, id)
	}
	return nil
}

// TransitionStatus implements AlertStore.TransitionStatus
func (s *SQLiteStore) TransitionStatus(ctx context.Context, id string, from []model.AlertStatus, status model.AlertStatus, at time.Time) (*model.AlertRecord, error) {
	if err := validateStatus(status); err != nil {
		return nil, err
	}
	if len(from) == 0 {
		return nil, fmt.Errorf("%w: no source status for alert %s", ErrStatusConflict, id)
	}

	args := []interface{}{status, at.UnixNano(), id}
	placeholders := strings.Repeat("?, ", len(from)-1) + "?"
	for _, f := range statusStrings(from) {
		args = append(args, f)
	}
	row := s.db.QueryRowContext(ctx, `
		UPDATE alerts SET status = ?, updated_at = ?
		WHERE id = ? AND status IN (`+placeholders+`)
		RETURNING `+alertColumns, args...)

	alert, err := scanSQLiteAlert(row)
	if err == nil {
		return alert, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
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
func (s *SQLiteStore) UpsertStatus(ctx context.Context, deviceID string, status model.DeviceStatus, lastSeen time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO device_status (device_id, status, last_seen, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			status = excluded.status,
			last_seen = excluded.last_seen,
			updated_at = excluded.updated_at`,
		deviceID, status, lastSeen.UnixNano(), time.Now().UnixNano())
	if err != nil {
		return s.wrap("failed to upsert device status", err)
	}
	return nil
}

// DeviceStatus reads back the persisted status of a device
func (s *SQLiteStore) DeviceStatus(ctx context.Context, deviceID string) (model.DeviceStatus, time.Time, error) {
	var status model.DeviceStatus
	var lastSeen int64
	err := s.db.QueryRowContext(ctx,
		`SELECT status, last_seen FROM device_status WHERE device_id = ?`, deviceID).
		Scan(&status, &lastSeen)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", time.Time{}, fmt.Errorf("%w: device %s", ErrNotFound, deviceID)
		}
		return "", time.Time{}, s.wrap("failed to get device status", err)
	}
	return status, time.Unix(0, lastSeen).UTC(), nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// wrap classifies connectivity failures as ErrStoreUnavailable
func (s *SQLiteStore) wrap(msg string, err error) error {
	if isSQLiteUnavailable(err) {
		s.logger.Warn("Store unavailable", zap.String("op", msg), zap.Error(err))
		return fmt.Errorf("%s: %w: %v", msg, ErrStoreUnavailable, err)
	}
	return fmt.Errorf("%s: %w", msg, err)
}

func isSQLiteUnavailable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) ||
		errors.Is(err, sql.ErrConnDone) || errors.Is(err, driver.ErrBadConn) {
		return true
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked, sqlite3.ErrCantOpen, sqlite3.ErrIoErr:
			return true
		}
	}
	return err != nil && err.Error() == "sql: database is closed"
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSQLiteAlert(row rowScanner) (*model.AlertRecord, error) {
	var alert model.AlertRecord
	var createdAt, updatedAt int64
	if err := row.Scan(
		&alert.ID,
		&alert.DeviceID,
		&alert.Parameter,
		&alert.Severity,
		&alert.Status,
		&alert.CurrentValue,
		&alert.ThresholdValue,
		&alert.OccurrenceCount,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}
	alert.CreatedAt = time.Unix(0, createdAt).UTC()
	alert.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return &alert, nil
}
