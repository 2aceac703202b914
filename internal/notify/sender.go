package notify

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// Sender delivers a notification to a backend
type Sender interface {
	Send(ctx context.Context, recipients []string, payload Payload) error
}

// SenderFunc adapts a function to Sender
type SenderFunc func(ctx context.Context, recipients []string, payload Payload) error

// Send implements Sender
func (f SenderFunc) Send(ctx context.Context, recipients []string, payload Payload) error {
	return f(ctx, recipients, payload)
}

// LogSender only logs notifications
type LogSender struct {
	logger *zap.Logger
}

// NewLogSender creates a LogSender
func NewLogSender(logger *zap.Logger) *LogSender {
	return &LogSender{logger: logger.Named("log-sender")}
}

// Send implements Sender
func (s *LogSender) Send(ctx context.Context, recipients []string, payload Payload) error {
	s.logger.Info("Notification",
		zap.String("alert_id", payload.AlertID),
		zap.String("device_id", payload.DeviceID),
		zap.String("parameter", payload.Parameter),
		zap.String("severity", payload.Severity),
		zap.Float64("value", payload.Value),
		zap.Strings("recipients", recipients))
	return nil
}

// MultiSender fans a notification out to several senders, trying all of them. The
// result is permanent only when every sender failed permanently. Any temporary failure
// makes the whole send temporary so it is retried. Permanent failures next to a success
// are logged and the send counts as delivered.
type MultiSender struct {
	logger  *zap.Logger
	senders []Sender
}

// NewMultiSender creates a MultiSender, skipping nil senders
func NewMultiSender(logger *zap.Logger, senders ...Sender) *MultiSender {
	m := &MultiSender{logger: logger.Named("multi-sender")}
	for _, s := range senders {
		if s != nil {
			m.senders = append(m.senders, s)
		}
	}
	return m
}

// Send implements Sender
func (m *MultiSender) Send(ctx context.Context, recipients []string, payload Payload) error {
	var permanent, temporary []error
	delivered := 0
	for i, s := range m.senders {
		err := s.Send(ctx, recipients, payload)
		switch {
		case err == nil:
			delivered++
		case errors.Is(err, ErrPermanent):
			permanent = append(permanent, fmt.Errorf("sender %d: %w", i, err))
		default:
			temporary = append(temporary, fmt.Errorf("sender %d: %w", i, err))
		}
	}

	if len(permanent) == 0 && len(temporary) == 0 {
		return nil
	}
	if len(temporary) == 0 && delivered == 0 {
		return errors.Join(permanent...)
	}
	for _, err := range permanent {
		m.logger.Warn("Sender failed permanently",
			zap.String("alert_id", payload.AlertID),
			zap.Int("delivered", delivered),
			zap.Error(err))
	}
	if len(temporary) == 0 {
		return nil
	}
	if delivered > 0 {
		m.logger.Info("Partial delivery, retrying failed senders",
			zap.String("alert_id", payload.AlertID),
			zap.Int("delivered", delivered),
			zap.Int("failed", len(temporary)))
	}
	return fmt.Errorf("%d of %d senders failed: %w", len(temporary), len(m.senders), errors.Join(temporary...))
}
