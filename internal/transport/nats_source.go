package transport

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/waterwatch/internal/ingest"
	"github.com/t77yq/waterwatch/internal/model"
	"github.com/t77yq/waterwatch/internal/monitor"
)

const (
	// StreamName is the JetStream stream holding device traffic
	StreamName = "WATER"
	// QueueGroup is shared by every ingestion instance
	QueueGroup = "ingest_workers"

	readingDurable  = "ingest_readings"
	registerDurable = "ingest_registrations"
)

// Submitter accepts decoded events without blocking. ingest.Coordinator satisfies it.
type Submitter interface {
	Submit(ev model.Event) error
}

// SourceConfig tunes the JetStream consumers
type SourceConfig struct {
	AckWait           time.Duration `mapstructure:"ack_wait"`
	MaxDeliver        int           `mapstructure:"max_deliver"`
	BackpressureDelay time.Duration `mapstructure:"backpressure_delay"`
	MaxAge            time.Duration `mapstructure:"max_age"`
}

// DefaultSourceConfig returns the consumer defaults
func DefaultSourceConfig() SourceConfig {
	return SourceConfig{
		AckWait:           30 * time.Second,
		MaxDeliver:        5,
		BackpressureDelay: time.Second,
		MaxAge:            24 * time.Hour,
	}
}

// SourceOption configures a NATSSource
type SourceOption func(*NATSSource)

// WithSourceMetrics records malformed payloads
func WithSourceMetrics(m *monitor.Metrics) SourceOption {
	return func(s *NATSSource) {
		s.metrics = m
	}
}

// NATSSource feeds device messages from JetStream into a Submitter
type NATSSource struct {
	logger    *zap.Logger
	js        nats.JetStreamContext
	submitter Submitter
	cfg       SourceConfig
	metrics   *monitor.Metrics
	now       func() time.Time

	mu   sync.Mutex
	subs []*nats.Subscription
}

// NewNATSSource creates a source. Call Start to subscribe.
func NewNATSSource(logger *zap.Logger, js nats.JetStreamContext, submitter Submitter, cfg SourceConfig, opts ...SourceOption) *NATSSource {
	def := DefaultSourceConfig()
	if cfg.AckWait <= 0 {
		cfg.AckWait = def.AckWait
	}
	if cfg.MaxDeliver <= 0 {
		cfg.MaxDeliver = def.MaxDeliver
	}
	if cfg.BackpressureDelay <= 0 {
		cfg.BackpressureDelay = def.BackpressureDelay
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = def.MaxAge
	}

	s := &NATSSource{
		logger:    logger.Named("nats-source"),
		js:        js,
		submitter: submitter,
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// EnsureStream creates the WATER stream, or updates its subjects if it exists
func (s *NATSSource) EnsureStream() error {
	subjects := []string{ReadingSubjectPrefix + ">", RegisterSubjectPrefix + ">"}

	info, err := s.js.StreamInfo(StreamName)
	if err != nil {
		if !errors.Is(err, nats.ErrStreamNotFound) {
			return fmt.Errorf("failed to get stream info: %w", err)
		}
		_, err = s.js.AddStream(&nats.StreamConfig{
			Name:      StreamName,
			Subjects:  subjects,
			Storage:   nats.FileStorage,
			Retention: nats.WorkQueuePolicy,
			MaxAge:    s.cfg.MaxAge,
		})
		if err != nil {
			return fmt.Errorf("failed to create stream %s: %w", StreamName, err)
		}
		s.logger.Info("Created stream", zap.String("name", StreamName))
		return nil
	}

	config := info.Config
	config.Subjects = subjects
	config.MaxAge = s.cfg.MaxAge
	if _, err := s.js.UpdateStream(&config); err != nil {
		return fmt.Errorf("failed to update stream %s: %w", StreamName, err)
	}
	s.logger.Info("Updated stream", zap.String("name", StreamName))
	return nil
}

// Start ensures the stream and queue-subscribes to readings and registrations
func (s *NATSSource) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.subs) > 0 {
		return ErrSourceStarted
	}
	if err := s.EnsureStream(); err != nil {
		return err
	}

	for subject, durable := range map[string]string{
		ReadingSubjectPrefix + ">":  readingDurable,
		RegisterSubjectPrefix + ">": registerDurable,
	} {
		sub, err := s.js.QueueSubscribe(subject, QueueGroup, s.handle,
			nats.Durable(durable),
			nats.ManualAck(),
			nats.AckWait(s.cfg.AckWait),
			nats.MaxDeliver(s.cfg.MaxDeliver),
		)
		if err != nil {
			s.unsubscribe()
			return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
		}
		s.subs = append(s.subs, sub)
	}

	s.logger.Info("Subscribed to device traffic",
		zap.String("stream", StreamName),
		zap.String("queue", QueueGroup))
	return nil
}

// Stop drains the subscriptions. Messages already handed to the submitter are acked.
func (s *NATSSource) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sub := range s.subs {
		if err := sub.Drain(); err != nil {
			s.logger.Warn("Failed to drain subscription",
				zap.String("subject", sub.Subject),
				zap.Error(err))
		}
	}
	s.subs = nil
}

func (s *NATSSource) unsubscribe() {
	for _, sub := range s.subs {
		_ = sub.Unsubscribe()
	}
	s.subs = nil
}

func (s *NATSSource) handle(msg *nats.Msg) {
	events, err := Decode(msg.Subject, msg.Data, s.now())
	if err != nil {
		s.metrics.Outcome("malformed")
		s.logger.Debug("Terminating malformed message",
			zap.String("subject", msg.Subject),
			zap.Int("size", len(msg.Data)),
			zap.Error(err))
		if err := msg.Term(); err != nil {
			s.logger.Error("Failed to terminate message", zap.Error(err))
		}
		return
	}

	for _, ev := range events {
		if err := s.submitter.Submit(ev); err != nil {
			s.reject(msg, err)
			return
		}
	}

	if err := msg.Ack(); err != nil {
		s.logger.Error("Failed to acknowledge message", zap.Error(err))
	}
}

// reject hands the message back to JetStream. Readings of a batch that were already
// accepted are redelivered with it.
func (s *NATSSource) reject(msg *nats.Msg, err error) {
	delay := s.cfg.BackpressureDelay
	if errors.Is(err, ingest.ErrStopped) {
		delay = 0
	}
	s.logger.Debug("Rejecting message",
		zap.String("subject", msg.Subject),
		zap.Duration("delay", delay),
		zap.Error(err))

	var nakErr error
	if delay > 0 {
		nakErr = msg.NakWithDelay(delay)
	} else {
		nakErr = msg.Nak()
	}
	if nakErr != nil {
		s.logger.Error("Failed to nak message", zap.Error(nakErr))
	}
}
