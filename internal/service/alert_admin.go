package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/waterwatch/internal/model"
	"github.com/t77yq/waterwatch/internal/storage"
)

const (
	// AdminSubjectPrefix is followed by the operation: list, get, ack or resolve
	AdminSubjectPrefix = "wq.admin.alert."
	// AdminQueueGroup spreads admin requests across instances
	AdminQueueGroup = "alert_admin"
)

// ErrInvalidTransition is returned when an alert cannot move to the requested status
var ErrInvalidTransition = errors.New("invalid alert status transition")

// AdminRequest is the body of an admin request
type AdminRequest struct {
	AlertID  string `json:"alert_id,omitempty"`
	DeviceID string `json:"device_id,omitempty"`
}

// AdminResponse is the reply to an admin request
type AdminResponse struct {
	OK     bool                `json:"ok"`
	Error  string              `json:"error,omitempty"`
	Alert  *model.AlertRecord  `json:"alert,omitempty"`
	Alerts []model.AlertRecord `json:"alerts,omitempty"`
}

// AlertAdminService answers operator requests over NATS request-reply: listing
// active alerts, acknowledging and resolving them.
type AlertAdminService struct {
	nc      *nats.Conn
	store   storage.AlertStore
	logger  *zap.Logger
	timeout time.Duration

	mu  sync.Mutex
	sub *nats.Subscription
}

// NewAlertAdminService creates the service. timeout bounds each store call.
func NewAlertAdminService(nc *nats.Conn, store storage.AlertStore, timeout time.Duration, logger *zap.Logger) *AlertAdminService {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &AlertAdminService{
		nc:      nc,
		store:   store,
		logger:  logger.Named("alert-admin"),
		timeout: timeout,
	}
}

// Start subscribes to admin requests until ctx is done or Stop is called
func (s *AlertAdminService) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, err := s.nc.QueueSubscribe(AdminSubjectPrefix+"*", AdminQueueGroup, func(msg *nats.Msg) {
		s.handle(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to admin requests: %w", err)
	}
	s.sub = sub

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// Stop unsubscribes
func (s *AlertAdminService) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sub != nil {
		_ = s.sub.Unsubscribe()
		s.sub = nil
	}
}

func (s *AlertAdminService) handle(ctx context.Context, msg *nats.Msg) {
	op := strings.TrimPrefix(msg.Subject, AdminSubjectPrefix)

	var req AdminRequest
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			s.respond(msg, AdminResponse{Error: "invalid request: " + err.Error()})
			return
		}
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var resp AdminResponse
	var err error
	switch op {
	case "list":
		resp.Alerts, err = s.store.ListActive(ctx, req.DeviceID)
	case "get":
		resp.Alert, err = s.store.Get(ctx, req.AlertID)
	case "ack":
		resp.Alert, err = s.Transition(ctx, req.AlertID, model.AlertStatusAcknowledged)
	case "resolve":
		resp.Alert, err = s.Transition(ctx, req.AlertID, model.AlertStatusResolved)
	default:
		err = fmt.Errorf("unknown operation %q", op)
	}

	if err != nil {
		s.logger.Warn("Admin request failed",
			zap.String("op", op),
			zap.String("alert_id", req.AlertID),
			zap.Error(err))
		resp = AdminResponse{Error: err.Error()}
	} else {
		resp.OK = true
	}
	s.respond(msg, resp)
}

// Transition moves an alert to acknowledged or resolved. Only active alerts can be
// acknowledged and resolved alerts are final.
func (s *AlertAdminService) Transition(ctx context.Context, alertID string, status model.AlertStatus) (*model.AlertRecord, error) {
	var from []model.AlertStatus
	switch status {
	case model.AlertStatusAcknowledged:
		from = []model.AlertStatus{model.AlertStatusActive}
	case model.AlertStatusResolved:
		from = []model.AlertStatus{model.AlertStatusActive, model.AlertStatusAcknowledged}
	default:
		return nil, fmt.Errorf("%w: cannot move alert %s to %s", ErrInvalidTransition, alertID, status)
	}

	alert, err := s.store.TransitionStatus(ctx, alertID, from, status, time.Now().UTC())
	if errors.Is(err, storage.ErrStatusConflict) {
		return nil, fmt.Errorf("%w: %w", ErrInvalidTransition, err)
	}
	if err != nil {
		return nil, err
	}

	s.logger.Info("Alert status changed",
		zap.String("alert_id", alertID),
		zap.String("device_id", alert.DeviceID),
		zap.String("parameter", string(alert.Parameter)),
		zap.String("status", string(status)))
	return alert, nil
}

func (s *AlertAdminService) respond(msg *nats.Msg, resp AdminResponse) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("Failed to marshal admin response", zap.Error(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Error("Failed to send admin response", zap.Error(err))
	}
}
