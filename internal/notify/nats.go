package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/waterwatch/internal/model"
)

const (
	// AlertStream holds alert notifications and dead letters
	AlertStream = "ALERTS"

	// NotifySubjectPrefix is followed by the alert severity
	NotifySubjectPrefix = "alert.notify."

	// DeadLetterSubject receives abandoned notification tasks
	DeadLetterSubject = "alert.deadletter"
)

// EnsureAlertStream creates the ALERTS stream if it does not exist
func EnsureAlertStream(js nats.JetStreamContext) error {
	_, err := js.StreamInfo(AlertStream)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("failed to get stream info: %w", err)
	}

	_, err = js.AddStream(&nats.StreamConfig{
		Name:     AlertStream,
		Subjects: []string{"alert.>"},
		Storage:  nats.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}
	return nil
}

type notifyMessage struct {
	Payload
	Recipients []string `json:"recipients"`
}

// NATSSender publishes notifications to JetStream for downstream fan-out. The alert ID
// is used as the message ID so the stream drops re-sent duplicates.
type NATSSender struct {
	logger *zap.Logger
	js     nats.JetStreamContext
}

// NewNATSSender creates a new NATS sender
func NewNATSSender(logger *zap.Logger, js nats.JetStreamContext) *NATSSender {
	return &NATSSender{
		logger: logger.Named("nats-sender"),
		js:     js,
	}
}

// Subject returns the subject a payload is published on
func Subject(payload Payload) string {
	severity := strings.ToLower(payload.Severity)
	if severity == "" {
		severity = "unknown"
	}
	return NotifySubjectPrefix + severity
}

// Send implements Sender
func (s *NATSSender) Send(ctx context.Context, recipients []string, payload Payload) error {
	data, err := json.Marshal(notifyMessage{Payload: payload, Recipients: recipients})
	if err != nil {
		return fmt.Errorf("%w: failed to marshal notification: %w", ErrPermanent, err)
	}

	msg := nats.NewMsg(Subject(payload))
	msg.Data = data
	msg.Header.Set(nats.MsgIdHdr, payload.AlertID)

	ack, err := s.js.PublishMsg(msg, nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("failed to publish notification: %w", err)
	}

	s.logger.Debug("Notification published",
		zap.String("alert_id", payload.AlertID),
		zap.String("subject", msg.Subject),
		zap.Bool("duplicate", ack.Duplicate))
	return nil
}

// DeadLetterQueue publishes abandoned tasks to DeadLetterSubject
type DeadLetterQueue struct {
	logger *zap.Logger
	js     nats.JetStreamContext
}

// NewDeadLetterQueue creates a new dead letter publisher
func NewDeadLetterQueue(logger *zap.Logger, js nats.JetStreamContext) *DeadLetterQueue {
	return &DeadLetterQueue{
		logger: logger.Named("deadletter"),
		js:     js,
	}
}

// Publish moves a failed task to the dead letter queue. Failures are logged only.
func (q *DeadLetterQueue) Publish(task model.NotificationTask, reason error) {
	deadLetter := struct {
		Task  model.NotificationTask `json:"task"`
		Error string                 `json:"error"`
	}{
		Task: task,
	}
	if reason != nil {
		deadLetter.Error = reason.Error()
	}

	data, err := json.Marshal(deadLetter)
	if err != nil {
		q.logger.Error("Failed to marshal dead letter", zap.Error(err))
		return
	}

	if _, err := q.js.Publish(DeadLetterSubject, data); err != nil {
		q.logger.Error("Failed to publish to dead letter queue",
			zap.String("alert_id", task.AlertID),
			zap.Error(err))
		return
	}

	q.logger.Info("Task moved to dead letter queue",
		zap.String("alert_id", task.AlertID),
		zap.Int("attempts", task.Attempt))
}
