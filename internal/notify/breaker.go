package notify

import (
	"sync"
	"time"
)

// BreakerState is the state of a circuit breaker
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig holds circuit breaker settings
type BreakerConfig struct {
	Window     int           `mapstructure:"window"`
	MinSamples int           `mapstructure:"min_samples"`
	Threshold  float64       `mapstructure:"threshold"`
	Cooldown   time.Duration `mapstructure:"cooldown"`
}

// DefaultBreakerConfig opens at a 50% error rate over the last 20 outcomes, once at
// least 10 are recorded, for 30 seconds.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Window:     20,
		MinSamples: 10,
		Threshold:  0.5,
		Cooldown:   30 * time.Second,
	}
}

// Breaker is a sliding-window circuit breaker. After the cooldown it lets one trial
// delivery through, and that outcome closes or reopens it.
type Breaker struct {
	mu       sync.Mutex
	cfg      BreakerConfig
	clock    Clock
	state    BreakerState
	outcomes []bool // true is a failure
	next     int
	count    int
	failures int
	openedAt time.Time
	probing  bool
	onOpen   func()
}

// NewBreaker creates a closed breaker. onOpen, if non-nil, runs every time it opens.
func NewBreaker(cfg BreakerConfig, clock Clock, onOpen func()) *Breaker {
	def := DefaultBreakerConfig()
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = def.MinSamples
	}
	if cfg.MinSamples > cfg.Window {
		cfg.MinSamples = cfg.Window
	}
	if cfg.Threshold <= 0 || cfg.Threshold > 1 {
		cfg.Threshold = def.Threshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if clock == nil {
		clock = systemClock{}
	}
	return &Breaker{
		cfg:      cfg,
		clock:    clock,
		outcomes: make([]bool, cfg.Window),
		onOpen:   onOpen,
	}
}

// Allow reports whether a delivery may call the backend
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerOpen:
		if b.clock.Now().Sub(b.openedAt) < b.cfg.Cooldown {
			return false
		}
		b.state = BreakerHalfOpen
		b.probing = true
		return true
	case BreakerHalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	default:
		return true
	}
}

// Record reports the outcome of an allowed delivery
func (b *Breaker) Record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerHalfOpen:
		b.probing = false
		if success {
			b.reset()
			b.state = BreakerClosed
		} else {
			b.open()
		}
	case BreakerClosed:
		b.push(!success)
		if b.count >= b.cfg.MinSamples && float64(b.failures)/float64(b.count) >= b.cfg.Threshold {
			b.open()
		}
	}
}

// Release ends an allowed delivery that says nothing about backend health. A
// half-open breaker stays half-open and admits the next trial delivery.
func (b *Breaker) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerHalfOpen {
		b.probing = false
	}
}

// State returns the current state
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// ErrorRate returns the failure ratio of the current window
func (b *Breaker) ErrorRate() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.count == 0 {
		return 0
	}
	return float64(b.failures) / float64(b.count)
}

func (b *Breaker) push(failed bool) {
	if b.count == len(b.outcomes) {
		if b.outcomes[b.next] {
			b.failures--
		}
	} else {
		b.count++
	}
	b.outcomes[b.next] = failed
	if failed {
		b.failures++
	}
	b.next = (b.next + 1) % len(b.outcomes)
}

func (b *Breaker) open() {
	b.state = BreakerOpen
	b.openedAt = b.clock.Now()
	b.reset()
	if b.onOpen != nil {
		b.onOpen()
	}
}

func (b *Breaker) reset() {
	for i := range b.outcomes {
		b.outcomes[i] = false
	}
	b.next, b.count, b.failures = 0, 0, 0
}
