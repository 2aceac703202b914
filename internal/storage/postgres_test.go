package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/waterwatch/internal/model"
)

var alertRowColumns = []string{
	"id", "device_id", "parameter", "severity", "status", "current_value",
	"threshold_value", "occurrence_count", "created_at", "updated_at",
}

func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewPostgresStoreWithDB(zap.NewNop(), mock), mock
}

func TestPostgresStore_EnsureActive_Created(t *testing.T) {
	store, mock := newMockPostgresStore(t)
	c := candidate("WQ-001", model.ParameterPH, model.AlertSeverityCritical, 9.2, baseTime)

	mock.ExpectQuery("INSERT INTO alerts").
		WithArgs(c.ID, "WQ-001", "pH", "critical", 3, 9.2, 9.0, baseTime).
		WillReturnRows(pgxmock.NewRows(alertRowColumns).
			AddRow(c.ID, "WQ-001", "pH", "critical", "active", 9.2, 9.0, 1, baseTime, baseTime))

	alert, created, err := store.EnsureActive(context.Background(), c)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, c.ID, alert.ID)
	assert.Equal(t, model.AlertStatusActive, alert.Status)
	assert.Equal(t, 1, alert.OccurrenceCount)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_EnsureActive_Reinforced(t *testing.T) {
	store, mock := newMockPostgresStore(t)
	c := candidate("WQ-001", model.ParameterPH, model.AlertSeverityCritical, 9.1, baseTime.Add(6*time.Minute))

	mock.ExpectQuery("INSERT INTO alerts").
		WithArgs(c.ID, "WQ-001", "pH", "critical", 3, 9.1, 9.0, c.CreatedAt).
		WillReturnRows(pgxmock.NewRows(alertRowColumns).
			AddRow("existing-id", "WQ-001", "pH", "critical", "active", 9.1, 9.0, 2, baseTime, c.CreatedAt))

	alert, created, err := store.EnsureActive(context.Background(), c)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "existing-id", alert.ID)
	assert.Equal(t, 2, alert.OccurrenceCount)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_EnsureActive_ReplayDoesNotCount(t *testing.T) {
	store, mock := newMockPostgresStore(t)
	c := candidate("WQ-001", model.ParameterPH, model.AlertSeverityCritical, 9.2, baseTime)

	mock.ExpectQuery(`occurrence_count = alerts\.occurrence_count \+\s+CASE WHEN alerts\.id = EXCLUDED\.id THEN 0 ELSE 1 END`).
		WithArgs(c.ID, "WQ-001", "pH", "critical", 3, 9.2, 9.0, baseTime).
		WillReturnRows(pgxmock.NewRows(alertRowColumns).
			AddRow(c.ID, "WQ-001", "pH", "critical", "active", 9.2, 9.0, 1, baseTime, baseTime))

	alert, created, err := store.EnsureActive(context.Background(), c)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, 1, alert.OccurrenceCount)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_EnsureActive_Unavailable(t *testing.T) {
	store, mock := newMockPostgresStore(t)
	c := candidate("WQ-001", model.ParameterPH, model.AlertSeverityCritical, 9.2, baseTime)

	mock.ExpectQuery("INSERT INTO alerts").
		WithArgs(c.ID, "WQ-001", "pH", "critical", 3, 9.2, 9.0, baseTime).
		WillReturnError(&pgconn.PgError{Code: "08006", Message: "connection failure"})

	_, _, err := store.EnsureActive(context.Background(), c)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_EnsureActive_InvalidCandidate(t *testing.T) {
	store, mock := newMockPostgresStore(t)

	_, _, err := store.EnsureActive(context.Background(), model.AlertRecord{})
	assert.ErrorIs(t, err, ErrInvalidAlert)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Get(t *testing.T) {
	store, mock := newMockPostgresStore(t)

	mock.ExpectQuery("FROM alerts").
		WithArgs("alert-1").
		WillReturnRows(pgxmock.NewRows(alertRowColumns).
			AddRow("alert-1", "WQ-001", "TDS", "warning", "acknowledged", 1600.0, 1500.0, 4, baseTime, baseTime))

	alert, err := store.Get(context.Background(), "alert-1")
	require.NoError(t, err)
	assert.Equal(t, model.ParameterTDS, alert.Parameter)
	assert.Equal(t, model.AlertSeverityWarning, alert.Severity)
	assert.Equal(t, model.AlertStatusAcknowledged, alert.Status)

	mock.ExpectQuery("FROM alerts").
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err = store.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListActive(t *testing.T) {
	store, mock := newMockPostgresStore(t)

	mock.ExpectQuery("FROM alerts").
		WithArgs("WQ-001").
		WillReturnRows(pgxmock.NewRows(alertRowColumns).
			AddRow("a1", "WQ-001", "pH", "critical", "active", 9.2, 9.0, 1, baseTime, baseTime).
			AddRow("a2", "WQ-001", "Turbidity", "warning", "active", 8.0, 5.0, 3, baseTime, baseTime))

	alerts, err := store.ListActive(context.Background(), "WQ-001")
	require.NoError(t, err)
	require.Len(t, alerts, 2)
	assert.Equal(t, model.ParameterTurbidity, alerts[1].Parameter)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SetStatus(t *testing.T) {
	store, mock := newMockPostgresStore(t)
	at := baseTime.Add(time.Hour)

	mock.ExpectExec("UPDATE alerts").
		WithArgs("resolved", at, "alert-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	require.NoError(t, store.SetStatus(context.Background(), "alert-1", model.AlertStatusResolved, at))

	mock.ExpectExec("UPDATE alerts").
		WithArgs("resolved", at, "missing").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	assert.ErrorIs(t, store.SetStatus(context.Background(), "missing", model.AlertStatusResolved, at), ErrNotFound)

	mock.ExpectExec("UPDATE alerts").
		WithArgs("active", at, "alert-2").
		WillReturnError(&pgconn.PgError{Code: "23505", Message: "duplicate key value"})
	assert.ErrorIs(t, store.SetStatus(context.Background(), "alert-2", model.AlertStatusActive, at), ErrInvariantViolation)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_TransitionStatus(t *testing.T) {
	store, mock := newMockPostgresStore(t)
	at := baseTime.Add(time.Hour)
	from := []model.AlertStatus{model.AlertStatusActive, model.AlertStatusAcknowledged}

	mock.ExpectQuery(`(?s)UPDATE alerts\s.*WHERE id = \$3 AND status = ANY\(\$4\)`).
		WithArgs("resolved", at, "alert-1", []string{"active", "acknowledged"}).
		WillReturnRows(pgxmock.NewRows(alertRowColumns).
			AddRow("alert-1", "WQ-001", "pH", "critical", "resolved", 9.2, 9.0, 3, baseTime, at))
	alert, err := store.TransitionStatus(context.Background(), "alert-1", from, model.AlertStatusResolved, at)
	require.NoError(t, err)
	assert.Equal(t, model.AlertStatusResolved, alert.Status)

	// lost the race: the row is already resolved
	mock.ExpectQuery("UPDATE alerts").
		WithArgs("resolved", at, "alert-2", []string{"active", "acknowledged"}).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery("FROM alerts").
		WithArgs("alert-2").
		WillReturnRows(pgxmock.NewRows(alertRowColumns).
			AddRow("alert-2", "WQ-001", "pH", "critical", "resolved", 9.2, 9.0, 3, baseTime, at))
	_, err = store.TransitionStatus(context.Background(), "alert-2", from, model.AlertStatusResolved, at)
	assert.ErrorIs(t, err, ErrStatusConflict)

	mock.ExpectQuery("UPDATE alerts").
		WithArgs("resolved", at, "missing", []string{"active", "acknowledged"}).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery("FROM alerts").
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)
	_, err = store.TransitionStatus(context.Background(), "missing", from, model.AlertStatusResolved, at)
	assert.ErrorIs(t, err, ErrNotFound)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpsertStatus(t *testing.T) {
	store, mock := newMockPostgresStore(t)

	mock.ExpectExec("INSERT INTO device_status").
		WithArgs("WQ-001", "online", baseTime).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, store.UpsertStatus(context.Background(), "WQ-001", model.DeviceStatusOnline, baseTime))

	mock.ExpectExec("INSERT INTO device_status").
		WithArgs("WQ-001", "offline", baseTime).
		WillReturnError(context.DeadlineExceeded)
	err := store.UpsertStatus(context.Background(), "WQ-001", model.DeviceStatusOffline, baseTime)
	assert.ErrorIs(t, err, ErrStoreUnavailable)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIsPostgresUnavailable(t *testing.T) {
	assert.True(t, isPostgresUnavailable(context.Canceled))
	assert.True(t, isPostgresUnavailable(&pgconn.PgError{Code: "57P01"}))
	assert.False(t, isPostgresUnavailable(&pgconn.PgError{Code: "23505"}))
	assert.False(t, isPostgresUnavailable(errors.New("syntax error")))
}
