package monitor

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// StatsSubject is where status snapshots are published
const StatsSubject = "wq.stats"

// Publisher sends a payload to a subject. *nats.Conn satisfies it.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// StatusSource returns a JSON-serializable view of one component
type StatusSource func() interface{}

// Snapshot is one periodic status report
type Snapshot struct {
	Timestamp  time.Time              `json:"timestamp"`
	Components map[string]interface{} `json:"components"`
}

// MetricsCollector periodically gathers component status, logs it and publishes it
type MetricsCollector struct {
	logger    *zap.Logger
	publisher Publisher
	interval  time.Duration
	mu        sync.RWMutex
	sources   map[string]StatusSource
	last      *Snapshot
	stop      chan struct{}
	stopOnce  sync.Once
}

// NewMetricsCollector creates a new collector. publisher may be nil to only log.
func NewMetricsCollector(publisher Publisher, interval time.Duration, logger *zap.Logger) *MetricsCollector {
	return &MetricsCollector{
		logger:    logger.Named("metrics-collector"),
		publisher: publisher,
		interval:  interval,
		sources:   make(map[string]StatusSource),
		stop:      make(chan struct{}),
	}
}

// AddSource registers a component under name
func (c *MetricsCollector) AddSource(name string, source StatusSource) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sources[name] = source
}

// Start starts the collection loop
func (c *MetricsCollector) Start(ctx context.Context) {
	c.logger.Info("Starting metrics collector", zap.Duration("interval", c.interval))
	go c.collectLoop(ctx)
}

// Stop stops the metrics collector
func (c *MetricsCollector) Stop() {
	c.stopOnce.Do(func() {
		c.logger.Info("Stopping metrics collector")
		close(c.stop)
	})
}

func (c *MetricsCollector) collectLoop(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case <-ticker.C:
			c.Collect()
		}
	}
}

// Collect takes one snapshot, logs it and publishes it
func (c *MetricsCollector) Collect() *Snapshot {
	c.mu.RLock()
	names := make([]string, 0, len(c.sources))
	for name := range c.sources {
		names = append(names, name)
	}
	sort.Strings(names)

	snapshot := &Snapshot{
		Timestamp:  time.Now().UTC(),
		Components: make(map[string]interface{}, len(names)),
	}
	fields := make([]zap.Field, 0, len(names))
	for _, name := range names {
		status := c.sources[name]()
		snapshot.Components[name] = status
		fields = append(fields, zap.Any(name, status))
	}
	c.mu.RUnlock()

	c.mu.Lock()
	c.last = snapshot
	c.mu.Unlock()

	c.logger.Info("Pipeline status", fields...)

	if c.publisher == nil {
		return snapshot
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		c.logger.Error("Failed to marshal status", zap.Error(err))
		return snapshot
	}
	if err := c.publisher.Publish(StatsSubject, data); err != nil {
		c.logger.Error("Failed to publish status", zap.Error(err))
	}
	return snapshot
}

// Last returns the most recent snapshot, or nil before the first collection
func (c *MetricsCollector) Last() *Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.last
}
