package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/waterwatch/internal/model"
	"github.com/t77yq/waterwatch/internal/testutil"
)

var errBackend = errors.New("backend down")

type fakeSender struct {
	mu       sync.Mutex
	calls    int
	payloads []Payload
	fail     func(call int) error
}

func (s *fakeSender) Send(ctx context.Context, recipients []string, payload Payload) error {
	s.mu.Lock()
	call := s.calls
	s.calls++
	s.payloads = append(s.payloads, payload)
	fail := s.fail
	s.mu.Unlock()

	if fail != nil {
		return fail(call)
	}
	return nil
}

func (s *fakeSender) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type deadLetters struct {
	mu    sync.Mutex
	tasks []model.NotificationTask
	errs  []error
}

func (d *deadLetters) add(task model.NotificationTask, reason error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tasks = append(d.tasks, task)
	d.errs = append(d.errs, reason)
}

func (d *deadLetters) len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.tasks)
}

func testDispatcherConfig() Config {
	cfg := DefaultConfig()
	cfg.BaseDelay = 5 * time.Millisecond
	cfg.MaxDelay = 20 * time.Millisecond
	cfg.SendTimeout = time.Second
	cfg.DrainGrace = 2 * time.Second
	cfg.Recipients = []string{"ops@example.com"}
	return cfg
}

func alert(id string) model.AlertRecord {
	return model.AlertRecord{
		ID:              id,
		DeviceID:        "WQ-001",
		Parameter:       model.ParameterPH,
		Severity:        model.AlertSeverityCritical,
		Status:          model.AlertStatusActive,
		CurrentValue:    9.2,
		ThresholdValue:  9.0,
		OccurrenceCount: 1,
		CreatedAt:       t0,
	}
}

func TestDispatcher_Delivers(t *testing.T) {
	sender := &fakeSender{}
	d := NewDispatcher(zaptest.NewLogger(t), sender, testDispatcherConfig())
	d.Start(context.Background())
	defer d.Stop()

	require.NoError(t, d.EnqueueAlert(alert("alert-1")))

	require.Eventually(t, func() bool { return d.Stats().Sent == 1 }, 2*time.Second, 5*time.Millisecond)
	sender.mu.Lock()
	defer sender.mu.Unlock()
	require.Len(t, sender.payloads, 1)
	assert.Equal(t, "alert-1", sender.payloads[0].AlertID)
	assert.Equal(t, "WQ-001", sender.payloads[0].DeviceID)
	assert.Equal(t, "critical", sender.payloads[0].Severity)
	assert.Equal(t, 1, sender.payloads[0].Attempt)
}

func TestDispatcher_EnqueueByID(t *testing.T) {
	sender := &fakeSender{}
	d := NewDispatcher(zaptest.NewLogger(t), sender, testDispatcherConfig())
	d.Start(context.Background())
	defer d.Stop()

	require.NoError(t, d.Enqueue("alert-9", []string{"lab@example.com"}))
	require.Eventually(t, func() bool { return d.Stats().Sent == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestDispatcher_RetriesWithBackoff(t *testing.T) {
	sender := &fakeSender{fail: func(call int) error {
		if call < 2 {
			return errBackend
		}
		return nil
	}}
	d := NewDispatcher(zaptest.NewLogger(t), sender, testDispatcherConfig())
	d.Start(context.Background())
	defer d.Stop()

	require.NoError(t, d.EnqueueAlert(alert("alert-1")))

	require.Eventually(t, func() bool { return d.Stats().Sent == 1 }, 2*time.Second, 5*time.Millisecond)
	stats := d.Stats()
	assert.Equal(t, int64(2), stats.Retried)
	assert.Equal(t, int64(0), stats.Abandoned)
	assert.Equal(t, 3, sender.Calls())

	sender.mu.Lock()
	assert.Equal(t, "alert-1", sender.payloads[2].AlertID)
	assert.Equal(t, 3, sender.payloads[2].Attempt)
	sender.mu.Unlock()
}

func TestDispatcher_AbandonsAfterMaxAttempts(t *testing.T) {
	sender := &fakeSender{fail: func(int) error { return errBackend }}
	dl := &deadLetters{}
	d := NewDispatcher(zaptest.NewLogger(t), sender, testDispatcherConfig(), WithDeadLetter(dl.add))
	d.Start(context.Background())
	defer d.Stop()

	require.NoError(t, d.EnqueueAlert(alert("alert-1")))

	require.Eventually(t, func() bool { return dl.len() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 5, sender.Calls())
	assert.Equal(t, int64(1), d.Stats().Abandoned)

	dl.mu.Lock()
	defer dl.mu.Unlock()
	assert.Equal(t, 5, dl.tasks[0].Attempt)
	assert.ErrorIs(t, dl.errs[0], errBackend)
}

func TestDispatcher_PermanentFailureNotRetried(t *testing.T) {
	sender := &fakeSender{fail: func(int) error { return fmt.Errorf("%w: bad address", ErrPermanent) }}
	d := NewDispatcher(zaptest.NewLogger(t), sender, testDispatcherConfig())
	d.Start(context.Background())
	defer d.Stop()

	require.NoError(t, d.EnqueueAlert(alert("alert-1")))

	require.Eventually(t, func() bool { return d.Stats().Abandoned == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, sender.Calls())
	assert.Equal(t, BreakerClosed, d.Breaker().State())
}

func TestDispatcher_DropsOldestWhenFull(t *testing.T) {
	cfg := testDispatcherConfig()
	cfg.QueueCapacity = 2
	dl := &deadLetters{}
	d := NewDispatcher(zaptest.NewLogger(t), &fakeSender{}, cfg, WithDeadLetter(dl.add))

	require.NoError(t, d.EnqueueAlert(alert("alert-1")))
	require.NoError(t, d.EnqueueAlert(alert("alert-2")))
	require.NoError(t, d.EnqueueAlert(alert("alert-3")))

	assert.Equal(t, 2, d.QueueDepth())
	assert.Equal(t, int64(1), d.Stats().Dropped)
	require.Equal(t, 1, dl.len())
	assert.Equal(t, "alert-1", dl.tasks[0].AlertID)
	assert.ErrorIs(t, dl.errs[0], ErrQueueOverflow)
}

func TestDispatcher_BreakerFailsFast(t *testing.T) {
	// scenario E: three of every four deliveries fail
	sender := &fakeSender{fail: func(call int) error {
		if call%4 == 0 {
			return nil
		}
		return errBackend
	}}
	cfg := testDispatcherConfig()
	cfg.Workers = 1
	cfg.MaxAttempts = 1
	cfg.Breaker.Cooldown = time.Hour
	d := NewDispatcher(zaptest.NewLogger(t), sender, cfg)
	d.Start(context.Background())
	defer d.Stop()

	for i := 0; i < 10; i++ {
		require.NoError(t, d.EnqueueAlert(alert(fmt.Sprintf("alert-%d", i))))
	}
	require.Eventually(t, func() bool { return d.Breaker().State() == BreakerOpen }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return d.QueueDepth() == 0 }, 2*time.Second, 5*time.Millisecond)
	callsAtOpen := sender.Calls()
	assert.Equal(t, 10, callsAtOpen)

	// new alerts are still accepted but never reach the backend
	for i := 10; i < 15; i++ {
		require.NoError(t, d.EnqueueAlert(alert(fmt.Sprintf("alert-%d", i))))
	}
	require.Eventually(t, func() bool { return d.Stats().Abandoned == 12 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, callsAtOpen, sender.Calls())
	assert.Equal(t, "open", d.Stats().Breaker)
}

func TestDispatcher_PermanentFailureDuringHalfOpenDoesNotWedgeBreaker(t *testing.T) {
	var mu sync.Mutex
	failWith := errBackend
	sender := &fakeSender{fail: func(int) error {
		mu.Lock()
		defer mu.Unlock()
		return failWith
	}}
	setFailure := func(err error) {
		mu.Lock()
		failWith = err
		mu.Unlock()
	}

	clock := testutil.NewFakeClock(t0)
	cfg := testDispatcherConfig()
	cfg.Workers = 1
	cfg.MaxAttempts = 1
	d := NewDispatcher(zaptest.NewLogger(t), sender, cfg, WithClock(clock))
	d.Start(context.Background())
	defer d.Stop()

	for i := 0; i < 10; i++ {
		require.NoError(t, d.EnqueueAlert(alert(fmt.Sprintf("alert-%d", i))))
	}
	require.Eventually(t, func() bool { return d.Stats().Abandoned == 10 }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, BreakerOpen, d.Breaker().State())

	// the half-open trial delivery hits a permanent failure
	clock.Advance(31 * time.Second)
	setFailure(fmt.Errorf("%w: no recipients", ErrPermanent))
	require.NoError(t, d.EnqueueAlert(alert("alert-trial")))
	require.Eventually(t, func() bool { return d.Stats().Abandoned == 11 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 11, sender.Calls())

	// once the backend is healthy deliveries flow again
	setFailure(nil)
	clock.Advance(24 * time.Hour)
	for i := 0; i < 5; i++ {
		require.NoError(t, d.EnqueueAlert(alert(fmt.Sprintf("alert-after-%d", i))))
	}
	require.Eventually(t, func() bool { return d.Stats().Sent == 5 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, BreakerClosed, d.Breaker().State())
	assert.Equal(t, int64(11), d.Stats().Abandoned)
}

func TestDispatcher_StopDrainsQueue(t *testing.T) {
	sender := &fakeSender{}
	d := NewDispatcher(zaptest.NewLogger(t), sender, testDispatcherConfig())
	d.Start(context.Background())

	for i := 0; i < 20; i++ {
		require.NoError(t, d.EnqueueAlert(alert(fmt.Sprintf("alert-%d", i))))
	}
	d.Stop()

	assert.Equal(t, int64(20), d.Stats().Sent)
	assert.Equal(t, 0, d.QueueDepth())
	assert.ErrorIs(t, d.EnqueueAlert(alert("late")), ErrDispatcherClosed)
}

func TestDispatcher_StopAbandonsAfterGrace(t *testing.T) {
	sender := SenderFunc(func(ctx context.Context, _ []string, _ Payload) error {
		<-ctx.Done()
		return ctx.Err()
	})
	cfg := testDispatcherConfig()
	cfg.Workers = 1
	cfg.DrainGrace = 50 * time.Millisecond
	dl := &deadLetters{}
	d := NewDispatcher(zaptest.NewLogger(t), sender, cfg, WithDeadLetter(dl.add))
	d.Start(context.Background())

	for i := 0; i < 3; i++ {
		require.NoError(t, d.EnqueueAlert(alert(fmt.Sprintf("alert-%d", i))))
	}
	require.Eventually(t, func() bool { return d.QueueDepth() == 2 }, time.Second, 5*time.Millisecond)

	start := time.Now()
	d.Stop()
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 3, dl.len())
	assert.Equal(t, int64(3), d.Stats().Abandoned)
}
