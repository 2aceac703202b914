package alertguard

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/waterwatch/internal/model"
	"github.com/t77yq/waterwatch/internal/monitor"
	"github.com/t77yq/waterwatch/internal/scheduler"
	"github.com/t77yq/waterwatch/internal/storage"
)

// Config holds the guard's retry budget
type Config struct {
	StoreTimeout time.Duration
	MaxAttempts  int
	RetryDelay   time.Duration
}

// DefaultConfig returns 3 attempts of 3 seconds each with a 200ms initial backoff.
func DefaultConfig() Config {
	return Config{
		StoreTimeout: 3 * time.Second,
		MaxAttempts:  3,
		RetryDelay:   200 * time.Millisecond,
	}
}

// Guard ensures at most one active alert per device parameter by delegating to the
// store's atomic find-or-create.
type Guard struct {
	logger  *zap.Logger
	store   storage.AlertStore
	retry   scheduler.RetryPolicy
	metrics *monitor.Metrics
	newID   func() string
}

// Option configures a Guard
type Option func(*Guard)

// WithMetrics records created, reinforced and dropped alerts.
func WithMetrics(m *monitor.Metrics) Option {
	return func(g *Guard) {
		g.metrics = m
	}
}

// WithIDGenerator overrides how alert IDs are generated.
func WithIDGenerator(fn func() string) Option {
	return func(g *Guard) {
		if fn != nil {
			g.newID = fn
		}
	}
}

// New creates a guard over store
func New(logger *zap.Logger, store storage.AlertStore, cfg Config, opts ...Option) *Guard {
	def := DefaultConfig()
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = def.StoreTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}

	g := &Guard{
		logger: logger.Named("alert-guard"),
		store:  store,
		retry: scheduler.RetryPolicy{
			Strategy: &scheduler.ExponentialBackoff{
				InitialDelay: cfg.RetryDelay,
				MaxDelay:     cfg.StoreTimeout,
				Multiplier:   2,
			},
			MaxAttempts: cfg.MaxAttempts,
			Timeout:     cfg.StoreTimeout,
		},
		newID: func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// EnsureActiveAlert reinforces the active alert for (deviceID, parameter) or creates
// one. created is true only for the call that inserted the record. It never resolves
// alerts. When the store stays unavailable the result is ErrAlertDropped wrapping the
// last store error.
func (g *Guard) EnsureActiveAlert(
	ctx context.Context,
	deviceID string,
	parameter model.Parameter,
	severity model.AlertSeverity,
	value, threshold float64,
	now time.Time,
) (model.AlertRecord, bool, error) {
	if severity.Rank() == 0 {
		return model.AlertRecord{}, false, fmt.Errorf("%w: %s/%s", ErrNoSeverity, deviceID, parameter)
	}

	candidate := model.AlertRecord{
		ID:              g.newID(),
		DeviceID:        deviceID,
		Parameter:       parameter,
		Severity:        severity,
		Status:          model.AlertStatusActive,
		CurrentValue:    value,
		ThresholdValue:  threshold,
		OccurrenceCount: 1,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	var (
		alert   model.AlertRecord
		created bool
	)
	attempts, err := g.retry.Do(ctx, func(ctx context.Context) error {
		var err error
		alert, created, err = g.store.EnsureActive(ctx, candidate)
		return err
	}, func(err error) bool {
		return errors.Is(err, storage.ErrStoreUnavailable)
	})
	if err != nil {
		g.metrics.Alert(monitor.AlertDropped, string(severity))
		g.logger.Error("Alert dropped",
			zap.String("device_id", deviceID),
			zap.String("parameter", string(parameter)),
			zap.String("severity", string(severity)),
			zap.Float64("value", value),
			zap.Int("attempts", attempts),
			zap.Error(err))
		return model.AlertRecord{}, false, fmt.Errorf("%w: %s/%s after %d attempts: %w",
			ErrAlertDropped, deviceID, parameter, attempts, err)
	}

	if created {
		g.metrics.Alert(monitor.AlertCreated, string(alert.Severity))
		g.logger.Info("Alert created",
			zap.String("id", alert.ID),
			zap.String("device_id", deviceID),
			zap.String("parameter", string(parameter)),
			zap.String("severity", string(alert.Severity)),
			zap.Float64("value", value),
			zap.Float64("threshold", alert.ThresholdValue))
	} else {
		g.metrics.Alert(monitor.AlertReinforced, string(alert.Severity))
		g.logger.Debug("Alert reinforced",
			zap.String("id", alert.ID),
			zap.String("device_id", deviceID),
			zap.String("parameter", string(parameter)),
			zap.Int("occurrence_count", alert.OccurrenceCount))
	}
	return alert, created, nil
}
