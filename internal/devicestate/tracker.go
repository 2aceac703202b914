package devicestate

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/waterwatch/internal/model"
	"github.com/t77yq/waterwatch/internal/monitor"
	"github.com/t77yq/waterwatch/internal/scheduler"
	"github.com/t77yq/waterwatch/internal/storage"
)

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// Config holds tracker settings
type Config struct {
	Throttle       time.Duration
	OfflineTimeout time.Duration
	Shards         int
	StoreTimeout   time.Duration
	StoreRetries   int
	RetryDelay     time.Duration
}

// DefaultConfig returns a 5 minute throttle, a 10 minute offline timeout, 32 shards and
// 3 store attempts of 3 seconds each.
func DefaultConfig() Config {
	return Config{
		Throttle:       5 * time.Minute,
		OfflineTimeout: 10 * time.Minute,
		Shards:         32,
		StoreTimeout:   3 * time.Second,
		StoreRetries:   3,
		RetryDelay:     100 * time.Millisecond,
	}
}

// Option configures a Tracker
type Option func(*Tracker)

// WithClock overrides the clock used for the throttle window.
func WithClock(clock Clock) Option {
	return func(t *Tracker) {
		if clock != nil {
			t.clock = clock
		}
	}
}

// WithMetrics records device writes and offline transitions.
func WithMetrics(m *monitor.Metrics) Option {
	return func(t *Tracker) {
		t.metrics = m
	}
}

type device struct {
	mu        sync.Mutex
	state     model.DeviceState
	persisted model.DeviceStatus
}

type shard struct {
	mu      sync.Mutex
	devices map[string]*device
}

// Tracker keeps the last-seen time and connectivity of every device and writes them
// through to a DeviceStore at a throttled rate.
type Tracker struct {
	logger  *zap.Logger
	store   storage.DeviceStore
	cfg     Config
	clock   Clock
	metrics *monitor.Metrics
	retry   scheduler.RetryPolicy
	shards  []*shard
}

// NewTracker creates a tracker that persists to store.
func NewTracker(logger *zap.Logger, store storage.DeviceStore, cfg Config, opts ...Option) *Tracker {
	def := DefaultConfig()
	if cfg.Throttle <= 0 {
		cfg.Throttle = def.Throttle
	}
	if cfg.OfflineTimeout <= 0 {
		cfg.OfflineTimeout = def.OfflineTimeout
	}
	if cfg.Shards <= 0 {
		cfg.Shards = def.Shards
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = def.StoreTimeout
	}
	if cfg.StoreRetries <= 0 {
		cfg.StoreRetries = def.StoreRetries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}

	t := &Tracker{
		logger: logger.Named("device-tracker"),
		store:  store,
		cfg:    cfg,
		clock:  systemClock{},
		retry: scheduler.RetryPolicy{
			Strategy: &scheduler.ExponentialBackoff{
				InitialDelay: cfg.RetryDelay,
				MaxDelay:     cfg.StoreTimeout,
				Multiplier:   2,
			},
			MaxAttempts: cfg.StoreRetries,
			Timeout:     cfg.StoreTimeout,
		},
		shards: make([]*shard, cfg.Shards),
	}
	for i := range t.shards {
		t.shards[i] = &shard{devices: make(map[string]*device)}
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tracker) shardFor(deviceID string) *shard {
	h := fnv.New32a()
	h.Write([]byte(deviceID))
	return t.shards[h.Sum32()%uint32(len(t.shards))]
}

func (t *Tracker) device(deviceID string, create bool) *device {
	s := t.shardFor(deviceID)
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.devices[deviceID]
	if !ok && create {
		d = &device{state: model.DeviceState{DeviceID: deviceID, Status: model.DeviceStatusOffline}}
		s.devices[deviceID] = d
	}
	return d
}

// RecordSeen marks the device online at ts and returns its status before and after.
// LastSeen never moves backwards. The online status is written when it was not yet
// persisted or when the last write is older than the throttle window. A failed write
// is logged and retried on a later reading; it never fails the caller.
func (t *Tracker) RecordSeen(ctx context.Context, deviceID string, ts time.Time) (prev, cur model.DeviceStatus) {
	d := t.device(deviceID, true)

	d.mu.Lock()
	defer d.mu.Unlock()

	prev = d.state.Status
	if ts.After(d.state.LastSeen) {
		d.state.LastSeen = ts
	}
	d.state.Status = model.DeviceStatusOnline

	now := t.clock.Now()
	if d.persisted == model.DeviceStatusOnline && now.Sub(d.state.LastPersistedAt) < t.cfg.Throttle {
		return prev, d.state.Status
	}

	if err := t.persist(ctx, d, now); err != nil {
		t.logger.Warn("Failed to persist device status",
			zap.String("device_id", deviceID),
			zap.String("status", string(d.state.Status)),
			zap.Error(err))
	}
	if prev != d.state.Status {
		t.logger.Info("Device online",
			zap.String("device_id", deviceID),
			zap.Time("last_seen", d.state.LastSeen))
	}
	return prev, d.state.Status
}

// SweepOffline marks every device not seen within the offline timeout as offline and
// persists the change immediately. It returns the number of devices marked offline.
// Devices whose offline write failed earlier are retried.
func (t *Tracker) SweepOffline(ctx context.Context, now time.Time) int {
	marked := 0
	for _, s := range t.shards {
		s.mu.Lock()
		devices := make([]*device, 0, len(s.devices))
		for _, d := range s.devices {
			devices = append(devices, d)
		}
		s.mu.Unlock()

		for _, d := range devices {
			if ctx.Err() != nil {
				return marked
			}
			if t.sweepDevice(ctx, d, now) {
				marked++
			}
		}
	}

	if marked > 0 {
		t.logger.Info("Offline sweep complete", zap.Int("marked_offline", marked))
	}
	return marked
}

func (t *Tracker) sweepDevice(ctx context.Context, d *device, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	marked := false
	if d.state.Status == model.DeviceStatusOnline && now.Sub(d.state.LastSeen) > t.cfg.OfflineTimeout {
		d.state.Status = model.DeviceStatusOffline
		marked = true
		t.metrics.DeviceOffline()
		t.logger.Info("Device offline",
			zap.String("device_id", d.state.DeviceID),
			zap.Time("last_seen", d.state.LastSeen))
	}

	if d.state.Status == model.DeviceStatusOffline && d.persisted != model.DeviceStatusOffline {
		if err := t.persist(ctx, d, t.clock.Now()); err != nil {
			t.logger.Warn("Failed to persist offline status",
				zap.String("device_id", d.state.DeviceID),
				zap.Error(err))
		}
	}
	return marked
}

// persist writes the device's current status. The caller holds d.mu.
func (t *Tracker) persist(ctx context.Context, d *device, now time.Time) error {
	status, lastSeen := d.state.Status, d.state.LastSeen
	attempts, err := t.retry.Do(ctx, func(ctx context.Context) error {
		return t.store.UpsertStatus(ctx, d.state.DeviceID, status, lastSeen)
	}, func(err error) bool {
		return errors.Is(err, storage.ErrStoreUnavailable)
	})
	if err != nil {
		t.metrics.DeviceWriteFailed()
		return err
	}

	d.persisted = status
	d.state.LastPersistedAt = now
	t.metrics.DeviceWrite(string(status))
	if attempts > 1 {
		t.logger.Debug("Device status persisted after retry",
			zap.String("device_id", d.state.DeviceID),
			zap.Int("attempts", attempts))
	}
	return nil
}

// State returns a copy of the device's state
func (t *Tracker) State(deviceID string) (model.DeviceState, bool) {
	d := t.device(deviceID, false)
	if d == nil {
		return model.DeviceState{}, false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state, true
}

// Stats counts tracked devices by status
type Stats struct {
	Online  int `json:"online"`
	Offline int `json:"offline"`
}

// Stats returns the number of online and offline devices
func (t *Tracker) Stats() Stats {
	var stats Stats
	for _, s := range t.shards {
		s.mu.Lock()
		devices := make([]*device, 0, len(s.devices))
		for _, d := range s.devices {
			devices = append(devices, d)
		}
		s.mu.Unlock()

		for _, d := range devices {
			d.mu.Lock()
			if d.state.Status == model.DeviceStatusOnline {
				stats.Online++
			} else {
				stats.Offline++
			}
			d.mu.Unlock()
		}
	}
	return stats
}
