package notify

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/t77yq/waterwatch/internal/testutil"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestBreaker_OpensOnErrorRate(t *testing.T) {
	clock := testutil.NewFakeClock(t0)
	opened := 0
	b := NewBreaker(DefaultBreakerConfig(), clock, func() { opened++ })

	// scenario E: 15 failures among the last 20 deliveries
	for i := 0; i < 20; i++ {
		if !b.Allow() {
			break
		}
		b.Record(i%4 == 0)
	}

	assert.Equal(t, BreakerOpen, b.State())
	assert.Equal(t, 1, opened)
	assert.False(t, b.Allow())
}

func TestBreaker_StaysClosedBelowThreshold(t *testing.T) {
	b := NewBreaker(DefaultBreakerConfig(), testutil.NewFakeClock(t0), nil)

	for i := 0; i < 11; i++ {
		b.Record(true)
	}
	for i := 0; i < 9; i++ {
		b.Record(false)
	}

	assert.Equal(t, BreakerClosed, b.State())
	assert.InDelta(t, 0.45, b.ErrorRate(), 1e-9)
	assert.True(t, b.Allow())
}

func TestBreaker_NeedsMinSamples(t *testing.T) {
	b := NewBreaker(DefaultBreakerConfig(), testutil.NewFakeClock(t0), nil)

	for i := 0; i < 9; i++ {
		b.Record(false)
	}
	assert.Equal(t, BreakerClosed, b.State())

	b.Record(false)
	assert.Equal(t, BreakerOpen, b.State())
}

func TestBreaker_SlidingWindow(t *testing.T) {
	b := NewBreaker(BreakerConfig{Window: 4, MinSamples: 4, Threshold: 0.75, Cooldown: time.Minute}, testutil.NewFakeClock(t0), nil)

	b.Record(false)
	b.Record(false)
	b.Record(true)
	b.Record(true)
	assert.Equal(t, BreakerClosed, b.State())

	// the two oldest failures slide out of the window
	b.Record(true)
	b.Record(true)
	assert.Equal(t, 0.0, b.ErrorRate())

	b.Record(false)
	b.Record(false)
	b.Record(false)
	assert.Equal(t, BreakerOpen, b.State())
}

func TestBreaker_HalfOpenTrial(t *testing.T) {
	clock := testutil.NewFakeClock(t0)
	b := NewBreaker(DefaultBreakerConfig(), clock, nil)
	for i := 0; i < 10; i++ {
		b.Record(false)
	}
	assert.Equal(t, BreakerOpen, b.State())

	clock.Advance(29 * time.Second)
	assert.False(t, b.Allow())

	clock.Advance(time.Second)
	assert.True(t, b.Allow())
	assert.Equal(t, BreakerHalfOpen, b.State())
	// only one trial delivery at a time
	assert.False(t, b.Allow())

	b.Record(false)
	assert.Equal(t, BreakerOpen, b.State())

	clock.Advance(30 * time.Second)
	assert.True(t, b.Allow())
	b.Record(true)
	assert.Equal(t, BreakerClosed, b.State())
	assert.True(t, b.Allow())
}

func TestBreaker_ReleaseFreesHalfOpenTrial(t *testing.T) {
	clock := testutil.NewFakeClock(t0)
	b := NewBreaker(DefaultBreakerConfig(), clock, nil)
	for i := 0; i < 10; i++ {
		b.Record(false)
	}
	clock.Advance(31 * time.Second)

	assert.True(t, b.Allow())
	assert.False(t, b.Allow())
	b.Release()
	assert.Equal(t, BreakerHalfOpen, b.State())

	// the next delivery is let through as the trial
	assert.True(t, b.Allow())
	b.Record(true)
	assert.Equal(t, BreakerClosed, b.State())
}

func TestBreaker_ReleaseWhenClosedIsNoop(t *testing.T) {
	b := NewBreaker(DefaultBreakerConfig(), testutil.NewFakeClock(t0), nil)
	b.Record(false)
	b.Release()
	assert.Equal(t, BreakerClosed, b.State())
	assert.Equal(t, 1.0, b.ErrorRate())
}

func TestBreakerState_String(t *testing.T) {
	assert.Equal(t, "closed", BreakerClosed.String())
	assert.Equal(t, "open", BreakerOpen.String())
	assert.Equal(t, "half_open", BreakerHalfOpen.String())
}
