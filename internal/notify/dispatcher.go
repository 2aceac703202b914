package notify

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/waterwatch/internal/model"
	"github.com/t77yq/waterwatch/internal/monitor"
	"github.com/t77yq/waterwatch/internal/scheduler"
)

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// DeadLetterFunc receives every abandoned task with the reason it was given up
type DeadLetterFunc func(task model.NotificationTask, reason error)

// Config holds dispatcher settings
type Config struct {
	QueueCapacity int
	Workers       int
	MaxAttempts   int
	BaseDelay     time.Duration
	Factor        float64
	MaxDelay      time.Duration
	SendTimeout   time.Duration
	DrainGrace    time.Duration
	Recipients    []string
	Breaker       BreakerConfig
}

// DefaultConfig returns a 200 task queue, 4 workers and 5 attempts with a 1s base delay
// doubling each retry.
func DefaultConfig() Config {
	return Config{
		QueueCapacity: 200,
		Workers:       4,
		MaxAttempts:   5,
		BaseDelay:     time.Second,
		Factor:        2,
		MaxDelay:      time.Minute,
		SendTimeout:   10 * time.Second,
		DrainGrace:    10 * time.Second,
		Breaker:       DefaultBreakerConfig(),
	}
}

// Option configures a Dispatcher
type Option func(*Dispatcher)

// WithClock overrides the clock used for retry scheduling and the breaker.
func WithClock(clock Clock) Option {
	return func(d *Dispatcher) {
		if clock != nil {
			d.clock = clock
		}
	}
}

// WithMetrics records queue depth and delivery results.
func WithMetrics(m *monitor.Metrics) Option {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

// WithDeadLetter sets the hook receiving abandoned tasks.
func WithDeadLetter(fn DeadLetterFunc) Option {
	return func(d *Dispatcher) {
		d.deadLetter = fn
	}
}

// Stats is a snapshot of dispatcher counters
type Stats struct {
	QueueDepth int    `json:"queue_depth"`
	Breaker    string `json:"breaker"`
	Sent       int64  `json:"sent"`
	Retried    int64  `json:"retried"`
	Abandoned  int64  `json:"abandoned"`
	Dropped    int64  `json:"dropped"`
}

// Dispatcher delivers notification tasks from a bounded queue with a worker pool.
// When the queue is full the oldest task is dropped. Failed deliveries are retried
// with exponential backoff and abandoned once the attempt budget is spent or the
// circuit breaker is open.
type Dispatcher struct {
	logger     *zap.Logger
	sender     Sender
	cfg        Config
	clock      Clock
	backoff    scheduler.RetryStrategy
	breaker    *Breaker
	metrics    *monitor.Metrics
	deadLetter DeadLetterFunc

	mu      sync.Mutex
	queue   *list.List // of *model.NotificationTask, FIFO
	closed  bool
	wake    chan struct{}
	closing chan struct{}

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once

	sent      atomic.Int64
	retried   atomic.Int64
	abandoned atomic.Int64
	dropped   atomic.Int64
}

// NewDispatcher creates a dispatcher delivering through sender
func NewDispatcher(logger *zap.Logger, sender Sender, cfg Config, opts ...Option) *Dispatcher {
	def := DefaultConfig()
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = def.QueueCapacity
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.Factor < 1 {
		cfg.Factor = def.Factor
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = def.SendTimeout
	}
	if cfg.DrainGrace <= 0 {
		cfg.DrainGrace = def.DrainGrace
	}

	d := &Dispatcher{
		logger: logger.Named("dispatcher"),
		sender: sender,
		cfg:    cfg,
		clock:  systemClock{},
		backoff: &scheduler.ExponentialBackoff{
			InitialDelay: cfg.BaseDelay,
			MaxDelay:     cfg.MaxDelay,
			Multiplier:   cfg.Factor,
		},
		queue:   list.New(),
		wake:    make(chan struct{}, cfg.Workers),
		closing: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.breaker = NewBreaker(cfg.Breaker, d.clock, func() {
		d.metrics.BreakerOpened()
		d.logger.Warn("Circuit breaker opened", zap.Duration("cooldown", d.breaker.cfg.Cooldown))
	})
	return d
}

// Enqueue queues a notification for alertID. Recipients default to the configured list.
func (d *Dispatcher) Enqueue(alertID string, recipients []string) error {
	return d.enqueue(&model.NotificationTask{AlertID: alertID, Recipients: recipients})
}

// EnqueueAlert queues a notification carrying the alert itself
func (d *Dispatcher) EnqueueAlert(alert model.AlertRecord) error {
	return d.enqueue(&model.NotificationTask{AlertID: alert.ID, Alert: &alert})
}

func (d *Dispatcher) enqueue(task *model.NotificationTask) error {
	if len(task.Recipients) == 0 {
		task.Recipients = d.cfg.Recipients
	}
	now := d.clock.Now()
	task.EnqueuedAt = now
	task.NextAttemptAt = now

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrDispatcherClosed
	}
	var dropped *model.NotificationTask
	if d.queue.Len() >= d.cfg.QueueCapacity {
		dropped = d.queue.Remove(d.queue.Front()).(*model.NotificationTask)
	}
	d.queue.PushBack(task)
	depth := d.queue.Len()
	d.mu.Unlock()

	d.metrics.SetQueueDepth(depth)
	if dropped != nil {
		d.dropped.Add(1)
		d.metrics.Notification(monitor.NotificationQueueDropped)
		d.logger.Warn("Notification queue full, dropped oldest task",
			zap.String("dropped_alert_id", dropped.AlertID),
			zap.Int("capacity", d.cfg.QueueCapacity))
		if d.deadLetter != nil {
			d.deadLetter(*dropped, ErrQueueOverflow)
		}
	}
	d.signal()
	return nil
}

func (d *Dispatcher) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Start launches the workers
func (d *Dispatcher) Start(ctx context.Context) {
	d.startOnce.Do(func() {
		ctx, d.cancel = context.WithCancel(ctx)
		for i := 0; i < d.cfg.Workers; i++ {
			d.wg.Add(1)
			go d.worker(ctx, i)
		}
		d.logger.Info("Dispatcher started", zap.Int("workers", d.cfg.Workers))
	})
}

// Stop refuses new tasks and lets the workers drain the queue for up to the grace
// period. Tasks still queued after that are abandoned.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		d.mu.Unlock()
		close(d.closing)

		if d.cancel != nil {
			done := make(chan struct{})
			go func() {
				d.wg.Wait()
				close(done)
			}()

			timer := time.NewTimer(d.cfg.DrainGrace)
			select {
			case <-done:
				timer.Stop()
			case <-timer.C:
				d.logger.Warn("Drain grace period elapsed", zap.Duration("grace", d.cfg.DrainGrace))
				d.cancel()
				<-done
			}
			d.cancel()
		}

		d.mu.Lock()
		var remaining []*model.NotificationTask
		for e := d.queue.Front(); e != nil; e = e.Next() {
			remaining = append(remaining, e.Value.(*model.NotificationTask))
		}
		d.queue.Init()
		d.mu.Unlock()
		d.metrics.SetQueueDepth(0)

		for _, task := range remaining {
			d.abandon(task, ErrDispatcherClosed, monitor.NotificationAbandoned)
		}
		d.logger.Info("Dispatcher stopped", zap.Int("abandoned_on_shutdown", len(remaining)))
	})
}

// next pops the first task that is due. When none is due it returns how long to wait;
// a negative wait means until woken. ok is false once the dispatcher is closed and empty.
func (d *Dispatcher) next() (task *model.NotificationTask, wait time.Duration, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.queue.Len() == 0 {
		if d.closed {
			return nil, 0, false
		}
		return nil, -1, true
	}

	now := d.clock.Now()
	var earliest time.Time
	for e := d.queue.Front(); e != nil; e = e.Next() {
		t := e.Value.(*model.NotificationTask)
		if !t.NextAttemptAt.After(now) {
			d.queue.Remove(e)
			d.metrics.SetQueueDepth(d.queue.Len())
			return t, 0, true
		}
		if earliest.IsZero() || t.NextAttemptAt.Before(earliest) {
			earliest = t.NextAttemptAt
		}
	}
	return nil, earliest.Sub(now), true
}

func (d *Dispatcher) worker(ctx context.Context, id int) {
	defer d.wg.Done()
	logger := d.logger.With(zap.Int("worker", id))
	closing := d.closing

	for ctx.Err() == nil {
		task, wait, ok := d.next()
		if !ok {
			return
		}
		if task != nil {
			d.deliver(ctx, logger, task)
			continue
		}

		var timer *time.Timer
		var timeout <-chan time.Time
		if wait >= 0 {
			timer = time.NewTimer(wait)
			timeout = timer.C
		}
		select {
		case <-ctx.Done():
		case <-d.wake:
		case <-timeout:
		case <-closing:
			closing = nil
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, logger *zap.Logger, task *model.NotificationTask) {
	if !d.breaker.Allow() {
		d.abandon(task, ErrBreakerOpen, monitor.NotificationBreakerBlocked)
		return
	}

	task.Attempt++
	sendCtx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
	err := d.sender.Send(sendCtx, task.Recipients, NewPayload(*task))
	cancel()

	if err == nil {
		d.breaker.Record(true)
		d.sent.Add(1)
		d.metrics.Notification(monitor.NotificationSent)
		logger.Info("Notification sent",
			zap.String("alert_id", task.AlertID),
			zap.Int("attempt", task.Attempt))
		return
	}

	if errors.Is(err, ErrPermanent) {
		d.breaker.Release()
		d.abandon(task, err, monitor.NotificationAbandoned)
		return
	}
	d.breaker.Record(false)

	if ctx.Err() != nil || task.Attempt >= d.cfg.MaxAttempts {
		d.abandon(task, err, monitor.NotificationAbandoned)
		return
	}

	delay := d.backoff.NextRetry(task.Attempt - 1)
	task.NextAttemptAt = d.clock.Now().Add(delay)
	d.retried.Add(1)
	d.metrics.Notification(monitor.NotificationRetried)
	logger.Warn("Notification failed, scheduling retry",
		zap.String("alert_id", task.AlertID),
		zap.Int("attempt", task.Attempt),
		zap.Duration("delay", delay),
		zap.Error(err))
	d.requeue(task)
}

func (d *Dispatcher) requeue(task *model.NotificationTask) {
	d.mu.Lock()
	var dropped *model.NotificationTask
	if d.queue.Len() >= d.cfg.QueueCapacity {
		dropped = d.queue.Remove(d.queue.Front()).(*model.NotificationTask)
	}
	d.queue.PushBack(task)
	depth := d.queue.Len()
	d.mu.Unlock()

	d.metrics.SetQueueDepth(depth)
	if dropped != nil {
		d.dropped.Add(1)
		d.metrics.Notification(monitor.NotificationQueueDropped)
		d.logger.Warn("Notification queue full, dropped oldest task",
			zap.String("dropped_alert_id", dropped.AlertID))
		if d.deadLetter != nil {
			d.deadLetter(*dropped, ErrQueueOverflow)
		}
	}
	d.signal()
}

func (d *Dispatcher) abandon(task *model.NotificationTask, reason error, result string) {
	d.abandoned.Add(1)
	d.metrics.Notification(result)
	if result != monitor.NotificationAbandoned {
		d.metrics.Notification(monitor.NotificationAbandoned)
	}
	d.logger.Error("Notification abandoned",
		zap.String("alert_id", task.AlertID),
		zap.Int("attempts", task.Attempt),
		zap.Error(reason))
	if d.deadLetter != nil {
		d.deadLetter(*task, fmt.Errorf("abandoned after %d attempts: %w", task.Attempt, reason))
	}
}

// Breaker exposes the dispatcher's circuit breaker
func (d *Dispatcher) Breaker() *Breaker {
	return d.breaker
}

// QueueDepth returns the number of queued tasks
func (d *Dispatcher) QueueDepth() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.queue.Len()
}

// Stats returns a snapshot of the dispatcher counters
func (d *Dispatcher) Stats() Stats {
	return Stats{
		QueueDepth: d.QueueDepth(),
		Breaker:    d.breaker.State().String(),
		Sent:       d.sent.Load(),
		Retried:    d.retried.Load(),
		Abandoned:  d.abandoned.Load(),
		Dropped:    d.dropped.Load(),
	}
}
