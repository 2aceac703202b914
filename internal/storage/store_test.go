package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/t77yq/waterwatch/internal/model"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func candidate(deviceID string, parameter model.Parameter, severity model.AlertSeverity, value float64, at time.Time) model.AlertRecord {
	return model.AlertRecord{
		ID:             uuid.New().String(),
		DeviceID:       deviceID,
		Parameter:      parameter,
		Severity:       severity,
		CurrentValue:   value,
		ThresholdValue: 9.0,
		CreatedAt:      at,
	}
}

// runAlertStoreSuite exercises the behaviour every AlertStore must share.
func runAlertStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("create then reinforce", func(t *testing.T) {
		store := newStore(t)

		first, created, err := store.EnsureActive(ctx, candidate("WQ-001", model.ParameterPH, model.AlertSeverityCritical, 9.2, baseTime))
		require.NoError(t, err)
		assert.True(t, created)
		assert.Equal(t, model.AlertStatusActive, first.Status)
		assert.Equal(t, 1, first.OccurrenceCount)

		second, created, err := store.EnsureActive(ctx, candidate("WQ-001", model.ParameterPH, model.AlertSeverityCritical, 9.1, baseTime.Add(6*time.Minute)))
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, first.ID, second.ID)
		assert.Equal(t, 2, second.OccurrenceCount)
		assert.Equal(t, 9.1, second.CurrentValue)
		assert.True(t, second.UpdatedAt.Equal(baseTime.Add(6*time.Minute)))

		active, err := store.ListActive(ctx, "WQ-001")
		require.NoError(t, err)
		assert.Len(t, active, 1)
	})

	t.Run("severity only escalates", func(t *testing.T) {
		store := newStore(t)

		warn := candidate("WQ-002", model.ParameterTDS, model.AlertSeverityWarning, 1600, baseTime)
		warn.ThresholdValue = 1500
		_, created, err := store.EnsureActive(ctx, warn)
		require.NoError(t, err)
		require.True(t, created)

		crit := candidate("WQ-002", model.ParameterTDS, model.AlertSeverityCritical, 1900, baseTime.Add(time.Minute))
		crit.ThresholdValue = 1800
		got, _, err := store.EnsureActive(ctx, crit)
		require.NoError(t, err)
		assert.Equal(t, model.AlertSeverityCritical, got.Severity)
		assert.Equal(t, 1800.0, got.ThresholdValue)

		lower := candidate("WQ-002", model.ParameterTDS, model.AlertSeverityWarning, 1550, baseTime.Add(2*time.Minute))
		lower.ThresholdValue = 1500
		got, _, err = store.EnsureActive(ctx, lower)
		require.NoError(t, err)
		assert.Equal(t, model.AlertSeverityCritical, got.Severity)
		assert.Equal(t, 1800.0, got.ThresholdValue)
		assert.Equal(t, 1550.0, got.CurrentValue)
		assert.Equal(t, 3, got.OccurrenceCount)
	})

	t.Run("replayed candidate is not counted twice", func(t *testing.T) {
		store := newStore(t)

		c := candidate("WQ-008", model.ParameterPH, model.AlertSeverityCritical, 9.2, baseTime)
		first, created, err := store.EnsureActive(ctx, c)
		require.NoError(t, err)
		require.True(t, created)

		replay, created, err := store.EnsureActive(ctx, c)
		require.NoError(t, err)
		assert.True(t, created)
		assert.Equal(t, first.ID, replay.ID)
		assert.Equal(t, 1, replay.OccurrenceCount)

		next, created, err := store.EnsureActive(ctx, candidate("WQ-008", model.ParameterPH, model.AlertSeverityCritical, 9.3, baseTime.Add(time.Minute)))
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, 2, next.OccurrenceCount)
	})

	t.Run("parameters are independent", func(t *testing.T) {
		store := newStore(t)

		_, created, err := store.EnsureActive(ctx, candidate("WQ-003", model.ParameterPH, model.AlertSeverityWarning, 8.7, baseTime))
		require.NoError(t, err)
		assert.True(t, created)
		_, created, err = store.EnsureActive(ctx, candidate("WQ-003", model.ParameterTurbidity, model.AlertSeverityWarning, 8, baseTime))
		require.NoError(t, err)
		assert.True(t, created)

		active, err := store.ListActive(ctx, "WQ-003")
		require.NoError(t, err)
		assert.Len(t, active, 2)
	})

	t.Run("resolved alert allows a new one", func(t *testing.T) {
		store := newStore(t)

		first, _, err := store.EnsureActive(ctx, candidate("WQ-004", model.ParameterPH, model.AlertSeverityCritical, 9.5, baseTime))
		require.NoError(t, err)
		require.NoError(t, store.SetStatus(ctx, first.ID, model.AlertStatusResolved, baseTime.Add(time.Minute)))

		second, created, err := store.EnsureActive(ctx, candidate("WQ-004", model.ParameterPH, model.AlertSeverityCritical, 9.4, baseTime.Add(2*time.Minute)))
		require.NoError(t, err)
		assert.True(t, created)
		assert.NotEqual(t, first.ID, second.ID)

		resolved, err := store.Get(ctx, first.ID)
		require.NoError(t, err)
		assert.Equal(t, model.AlertStatusResolved, resolved.Status)

		err = store.SetStatus(ctx, first.ID, model.AlertStatusActive, baseTime.Add(3*time.Minute))
		assert.ErrorIs(t, err, ErrInvariantViolation)
	})

	t.Run("conditional transition", func(t *testing.T) {
		store := newStore(t)
		active := []model.AlertStatus{model.AlertStatusActive}
		open := []model.AlertStatus{model.AlertStatusActive, model.AlertStatusAcknowledged}

		a, _, err := store.EnsureActive(ctx, candidate("WQ-009", model.ParameterPH, model.AlertSeverityCritical, 9.2, baseTime))
		require.NoError(t, err)

		acked, err := store.TransitionStatus(ctx, a.ID, active, model.AlertStatusAcknowledged, baseTime.Add(time.Minute))
		require.NoError(t, err)
		assert.Equal(t, model.AlertStatusAcknowledged, acked.Status)
		assert.True(t, acked.UpdatedAt.Equal(baseTime.Add(time.Minute)))

		_, err = store.TransitionStatus(ctx, a.ID, active, model.AlertStatusAcknowledged, baseTime.Add(2*time.Minute))
		assert.ErrorIs(t, err, ErrStatusConflict)

		resolved, err := store.TransitionStatus(ctx, a.ID, open, model.AlertStatusResolved, baseTime.Add(3*time.Minute))
		require.NoError(t, err)
		assert.Equal(t, model.AlertStatusResolved, resolved.Status)

		_, err = store.TransitionStatus(ctx, a.ID, open, model.AlertStatusResolved, baseTime.Add(4*time.Minute))
		assert.ErrorIs(t, err, ErrStatusConflict)

		_, err = store.TransitionStatus(ctx, "missing", open, model.AlertStatusResolved, baseTime)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("concurrent transitions apply once", func(t *testing.T) {
		store := newStore(t)
		open := []model.AlertStatus{model.AlertStatusActive, model.AlertStatusAcknowledged}

		a, _, err := store.EnsureActive(ctx, candidate("WQ-010", model.ParameterPH, model.AlertSeverityCritical, 9.2, baseTime))
		require.NoError(t, err)

		var wg sync.WaitGroup
		var mu sync.Mutex
		applied, conflicts := 0, 0
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := store.TransitionStatus(ctx, a.ID, open, model.AlertStatusResolved, baseTime.Add(time.Minute))
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					applied++
				case errors.Is(err, ErrStatusConflict):
					conflicts++
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, 1, applied)
		assert.Equal(t, 7, conflicts)
	})

	t.Run("missing records", func(t *testing.T) {
		store := newStore(t)

		_, err := store.Get(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.ErrorIs(t, store.SetStatus(ctx, "missing", model.AlertStatusResolved, baseTime), ErrNotFound)
	})

	t.Run("rejects invalid candidates", func(t *testing.T) {
		store := newStore(t)

		_, _, err := store.EnsureActive(ctx, candidate("", model.ParameterPH, model.AlertSeverityCritical, 9.5, baseTime))
		assert.ErrorIs(t, err, ErrInvalidAlert)
		_, _, err = store.EnsureActive(ctx, candidate("WQ-005", model.ParameterPH, model.AlertSeverityNone, 7, baseTime))
		assert.ErrorIs(t, err, ErrInvalidAlert)
	})

	t.Run("concurrent ensures keep a single active alert", func(t *testing.T) {
		store := newStore(t)

		const workers = 16
		var wg sync.WaitGroup
		var mu sync.Mutex
		createdCount := 0
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				at := baseTime.Add(time.Duration(i) * time.Millisecond)
				_, created, err := store.EnsureActive(ctx, candidate("WQ-006", model.ParameterPH, model.AlertSeverityCritical, 9+float64(i)/100, at))
				assert.NoError(t, err)
				if created {
					mu.Lock()
					createdCount++
					mu.Unlock()
				}
			}(i)
		}
		wg.Wait()

		assert.Equal(t, 1, createdCount)
		require.NoError(t, CheckSingleActive(ctx, store))

		active, err := store.ListActive(ctx, "WQ-006")
		require.NoError(t, err)
		require.Len(t, active, 1)
		assert.Equal(t, workers, active[0].OccurrenceCount)
	})

	t.Run("device status upsert", func(t *testing.T) {
		store := newStore(t)

		require.NoError(t, store.UpsertStatus(ctx, "WQ-007", model.DeviceStatusOnline, baseTime))
		require.NoError(t, store.UpsertStatus(ctx, "WQ-007", model.DeviceStatusOffline, baseTime.Add(time.Minute)))
	})
}

func TestMemoryStore(t *testing.T) {
	runAlertStoreSuite(t, func(t *testing.T) Store {
		return NewMemoryStore()
	})

	t.Run("unavailable", func(t *testing.T) {
		store := NewMemoryStore()
		store.SetUnavailable(true)

		_, _, err := store.EnsureActive(context.Background(), candidate("WQ-001", model.ParameterPH, model.AlertSeverityCritical, 9.2, baseTime))
		assert.ErrorIs(t, err, ErrStoreUnavailable)
		assert.ErrorIs(t, store.UpsertStatus(context.Background(), "WQ-001", model.DeviceStatusOnline, baseTime), ErrStoreUnavailable)
		assert.Equal(t, 1, store.AlertCalls())
		assert.Equal(t, 0, store.DeviceWrites())

		store.SetUnavailable(false)
		require.NoError(t, store.UpsertStatus(context.Background(), "WQ-001", model.DeviceStatusOnline, baseTime))
		rec, ok := store.Device("WQ-001")
		require.True(t, ok)
		assert.Equal(t, model.DeviceStatusOnline, rec.Status)
		assert.Equal(t, 1, store.DeviceWrites())
	})

	t.Run("cancelled context is unavailable", func(t *testing.T) {
		store := NewMemoryStore()
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, _, err := store.EnsureActive(ctx, candidate("WQ-001", model.ParameterPH, model.AlertSeverityCritical, 9.2, baseTime))
		assert.ErrorIs(t, err, ErrStoreUnavailable)
	})
}

func TestCheckSingleActive(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, _, err := store.EnsureActive(ctx, candidate(fmt.Sprintf("WQ-%03d", i), model.ParameterPH, model.AlertSeverityWarning, 8.6, baseTime))
		require.NoError(t, err)
	}
	assert.NoError(t, CheckSingleActive(ctx, store))

	// Corrupt the store the way a buggy backend would.
	dup := candidate("WQ-000", model.ParameterPH, model.AlertSeverityWarning, 8.7, baseTime)
	dup.Status = model.AlertStatusActive
	dup.OccurrenceCount = 1
	store.mu.Lock()
	store.alerts[dup.ID] = &dup
	store.mu.Unlock()

	assert.ErrorIs(t, CheckSingleActive(ctx, store), ErrInvariantViolation)
}
