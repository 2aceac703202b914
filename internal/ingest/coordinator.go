package ingest

import (
	"context"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/t77yq/waterwatch/internal/dedup"
	"github.com/t77yq/waterwatch/internal/model"
	"github.com/t77yq/waterwatch/internal/monitor"
	"github.com/t77yq/waterwatch/internal/threshold"
	"github.com/t77yq/waterwatch/internal/validator"
)

// Clock provides the ingestion time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// Validator checks readings
type Validator interface {
	Validate(r model.Reading, now time.Time) validator.Result
}

// Tracker records device heartbeats
type Tracker interface {
	RecordSeen(ctx context.Context, deviceID string, ts time.Time) (prev, cur model.DeviceStatus)
}

// Evaluator classifies a reading against its threshold band
type Evaluator interface {
	Classify(p model.Parameter, value float64) (threshold.Classification, error)
}

// Guard finds or creates the active alert of a device parameter
type Guard interface {
	EnsureActiveAlert(ctx context.Context, deviceID string, parameter model.Parameter,
		severity model.AlertSeverity, value, threshold float64, now time.Time) (model.AlertRecord, bool, error)
}

// Notifier queues notifications for new alerts
type Notifier interface {
	EnqueueAlert(alert model.AlertRecord) error
}

// Config holds coordinator settings
type Config struct {
	Workers         int
	InboundCapacity int
}

// DefaultConfig returns 8 workers sharing an inbound capacity of 1024 events.
func DefaultConfig() Config {
	return Config{
		Workers:         8,
		InboundCapacity: 1024,
	}
}

// Option configures a Coordinator
type Option func(*Coordinator)

// WithClock overrides the ingestion clock.
func WithClock(clock Clock) Option {
	return func(c *Coordinator) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithMetrics records events and outcomes.
func WithMetrics(m *monitor.Metrics) Option {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

// Dependencies are the components a Coordinator drives
type Dependencies struct {
	Validator Validator
	Tracker   Tracker
	Evaluator Evaluator
	Cache     dedup.Cache
	Guard     Guard
	Notifier  Notifier
}

// Stats counts processed events by outcome
type Stats struct {
	Received     int64 `json:"received"`
	Done         int64 `json:"done"`
	Rejected     int64 `json:"rejected"`
	Dropped      int64 `json:"dropped"`
	Discarded    int64 `json:"discarded"`
	Deduplicated int64 `json:"deduplicated"`
	Dispatched   int64 `json:"dispatched"`
	Backpressure int64 `json:"backpressure"`
}

// Coordinator moves inbound events through validation, device tracking, threshold
// evaluation, deduplication, the alert guard and notification dispatch. Events of one
// device always go to the same worker, so they are processed in arrival order.
type Coordinator struct {
	logger  *zap.Logger
	deps    Dependencies
	cfg     Config
	clock   Clock
	metrics *monitor.Metrics

	mu      sync.RWMutex
	stopped bool
	inbound []chan model.Event
	wg      sync.WaitGroup
	started atomic.Bool

	received     atomic.Int64
	done         atomic.Int64
	rejected     atomic.Int64
	dropped      atomic.Int64
	discarded    atomic.Int64
	deduplicated atomic.Int64
	dispatched   atomic.Int64
	backpressure atomic.Int64
}

// NewCoordinator creates a coordinator. A nil cache disables deduplication.
func NewCoordinator(logger *zap.Logger, deps Dependencies, cfg Config, opts ...Option) *Coordinator {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.InboundCapacity <= 0 {
		cfg.InboundCapacity = def.InboundCapacity
	}
	if deps.Cache == nil {
		deps.Cache = dedup.NopCache{}
	}

	perWorker := cfg.InboundCapacity / cfg.Workers
	if perWorker < 1 {
		perWorker = 1
	}

	c := &Coordinator{
		logger:  logger.Named("coordinator"),
		deps:    deps,
		cfg:     cfg,
		clock:   systemClock{},
		inbound: make([]chan model.Event, cfg.Workers),
	}
	for i := range c.inbound {
		c.inbound[i] = make(chan model.Event, perWorker)
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Coordinator) route(deviceID string) int {
	h := fnv.New32a()
	h.Write([]byte(deviceID))
	return int(h.Sum32() % uint32(len(c.inbound)))
}

// Submit hands an event to its device's worker without blocking. It returns
// ErrBackpressure when that worker's channel is full and ErrStopped after Stop.
func (c *Coordinator) Submit(ev model.Event) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.stopped {
		return ErrStopped
	}
	select {
	case c.inbound[c.route(ev.DeviceID())] <- ev:
		return nil
	default:
		c.backpressure.Add(1)
		c.metrics.Backpressure()
		return ErrBackpressure
	}
}

// Start launches the workers. They exit when Stop has drained their channel or when
// ctx is cancelled.
func (c *Coordinator) Start(ctx context.Context) {
	if !c.started.CompareAndSwap(false, true) {
		return
	}
	for i, ch := range c.inbound {
		c.wg.Add(1)
		go c.worker(ctx, i, ch)
	}
	c.logger.Info("Coordinator started",
		zap.Int("workers", c.cfg.Workers),
		zap.Int("inbound_capacity", c.cfg.InboundCapacity))
}

func (c *Coordinator) worker(ctx context.Context, id int, ch <-chan model.Event) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			c.Process(ctx, ev)
		}
	}
}

// Stop closes intake and waits for the workers to finish the events already accepted.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	for _, ch := range c.inbound {
		close(ch)
	}
	c.mu.Unlock()

	c.wg.Wait()
	c.logger.Info("Coordinator stopped", zap.Any("stats", c.Stats()))
}

// Process runs one event through the pipeline synchronously.
func (c *Coordinator) Process(ctx context.Context, ev model.Event) Outcome {
	c.received.Add(1)
	c.metrics.EventReceived(ev.Kind.String())

	var out Outcome
	out.step(StateReceived)

	switch ev.Kind {
	case model.EventReading:
		if ev.Reading == nil {
			c.discard(&out, ev)
			break
		}
		c.processReading(ctx, *ev.Reading, &out)
	case model.EventRegistration:
		if ev.Registration == nil {
			c.discard(&out, ev)
			break
		}
		c.processRegistration(ctx, *ev.Registration, &out)
	default:
		c.discard(&out, ev)
	}

	c.count(out)
	return out
}

func (c *Coordinator) processRegistration(ctx context.Context, reg model.DeviceRegistration, out *Outcome) {
	if !validator.ValidDeviceID(reg.DeviceID) {
		out.Reason = validator.ReasonInvalidDeviceID
		out.step(StateRejected)
		c.metrics.ReadingRejected(string(out.Reason))
		c.logger.Debug("Registration rejected", zap.String("device_id", reg.DeviceID))
		return
	}
	out.step(StateValidated)

	ts := reg.Timestamp
	if ts.IsZero() {
		ts = c.clock.Now()
	}
	c.deps.Tracker.RecordSeen(ctx, reg.DeviceID, ts)
	c.logger.Info("Device registered",
		zap.String("device_id", reg.DeviceID),
		zap.String("name", reg.Name),
		zap.String("location", reg.Location))
	out.step(StateDone)
}

func (c *Coordinator) processReading(ctx context.Context, r model.Reading, out *Outcome) {
	now := c.clock.Now()

	res := c.deps.Validator.Validate(r, now)
	if !res.Valid {
		out.Reason = res.Reason
		out.step(StateRejected)
		c.metrics.ReadingRejected(string(res.Reason))
		c.logger.Debug("Reading rejected",
			zap.String("device_id", r.DeviceID),
			zap.String("parameter", string(r.Parameter)),
			zap.Float64("value", r.Value),
			zap.String("reason", string(res.Reason)))
		return
	}
	out.step(StateValidated)

	// the tracker write and the classification are independent
	var g errgroup.Group
	g.Go(func() error {
		c.deps.Tracker.RecordSeen(ctx, r.DeviceID, r.Timestamp)
		return nil
	})
	cls, err := c.deps.Evaluator.Classify(r.Parameter, r.Value)
	_ = g.Wait()

	if err != nil {
		c.logger.Warn("Reading not evaluated",
			zap.String("device_id", r.DeviceID),
			zap.String("parameter", string(r.Parameter)),
			zap.Error(err))
		out.Err = err
		out.step(StateDone)
		return
	}
	out.Severity = cls.Severity
	out.step(StateEvaluated)

	if cls.Severity == model.AlertSeverityNone {
		out.step(StateDone)
		return
	}

	if !c.deps.Cache.ShouldAttempt(r.DeviceID, r.Parameter, now) {
		c.metrics.Alert(monitor.AlertSuppressed, string(cls.Severity))
		out.step(StateDeduplicated)
		out.step(StateDone)
		return
	}

	alert, created, err := c.deps.Guard.EnsureActiveAlert(ctx, r.DeviceID, r.Parameter, cls.Severity, r.Value, cls.Threshold, now)
	if err != nil {
		out.Err = err
		out.step(StateDropped)
		return
	}
	out.AlertID = alert.ID
	out.Created = created
	out.step(StateGuardChecked)
	c.deps.Cache.RecordAttempt(r.DeviceID, r.Parameter, now)

	if created {
		if err := c.deps.Notifier.EnqueueAlert(alert); err != nil {
			c.logger.Warn("Failed to enqueue notification",
				zap.String("alert_id", alert.ID),
				zap.Error(err))
			out.Err = err
		} else {
			out.step(StateDispatched)
		}
	}
	out.step(StateDone)
}

func (c *Coordinator) discard(out *Outcome, ev model.Event) {
	c.logger.Debug("Discarding unknown event",
		zap.String("kind", ev.Kind.String()),
		zap.Int("size", len(ev.Raw)))
	out.step(StateDiscarded)
}

func (c *Coordinator) count(out Outcome) {
	c.metrics.Outcome(string(out.State))
	switch out.State {
	case StateDone:
		c.done.Add(1)
	case StateRejected:
		c.rejected.Add(1)
	case StateDropped:
		c.dropped.Add(1)
	case StateDiscarded:
		c.discarded.Add(1)
	}
	if out.Visited(StateDeduplicated) {
		c.deduplicated.Add(1)
	}
	if out.Visited(StateDispatched) {
		c.dispatched.Add(1)
	}
}

// Stats returns a snapshot of the outcome counters
func (c *Coordinator) Stats() Stats {
	return Stats{
		Received:     c.received.Load(),
		Done:         c.done.Load(),
		Rejected:     c.rejected.Load(),
		Dropped:      c.dropped.Load(),
		Discarded:    c.discarded.Load(),
		Deduplicated: c.deduplicated.Load(),
		Dispatched:   c.dispatched.Load(),
		Backpressure: c.backpressure.Load(),
	}
}
