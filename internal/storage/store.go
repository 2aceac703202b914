package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/t77yq/waterwatch/internal/model"
)

var (
	// ErrStoreUnavailable is returned when the backing store cannot be reached in time
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrNotFound is returned when a record does not exist
	ErrNotFound = errors.New("record not found")

	// ErrInvalidAlert is returned when an alert candidate is missing required fields
	ErrInvalidAlert = errors.New("invalid alert")

	// ErrStatusConflict is returned when a conditional status change finds the alert in
	// a status it may not move from
	ErrStatusConflict = errors.New("alert status conflict")

	// ErrInvariantViolation is returned when more than one active alert exists for a key
	ErrInvariantViolation = errors.New("multiple active alerts for one device parameter")
)

// AlertStore persists alert records
type AlertStore interface {
	// EnsureActive atomically finds the active alert for the candidate's device and
	// parameter and reinforces it, or inserts the candidate as a new active alert.
	// created reports whether the candidate was inserted. Replaying a candidate whose
	// insert already committed returns the record unchanged with created true.
	EnsureActive(ctx context.Context, candidate model.AlertRecord) (alert model.AlertRecord, created bool, err error)

	// Get retrieves an alert by ID
	Get(ctx context.Context, id string) (*model.AlertRecord, error)

	// ListActive lists active alerts, optionally restricted to one device
	ListActive(ctx context.Context, deviceID string) ([]model.AlertRecord, error)

	// SetStatus moves an alert to acknowledged or resolved
	SetStatus(ctx context.Context, id string, status model.AlertStatus, at time.Time) error

	// TransitionStatus sets status only while the alert is in one of from, as a single
	// conditional update, and returns the updated record.
	TransitionStatus(ctx context.Context, id string, from []model.AlertStatus, status model.AlertStatus, at time.Time) (*model.AlertRecord, error)
}

// DeviceStore persists device connectivity
type DeviceStore interface {
	UpsertStatus(ctx context.Context, deviceID string, status model.DeviceStatus, lastSeen time.Time) error
}

// Store is the full persistence surface used by the pipeline
type Store interface {
	AlertStore
	DeviceStore
	Close() error
}

func validateCandidate(c model.AlertRecord) error {
	if c.ID == "" || c.DeviceID == "" || c.Parameter == "" {
		return fmt.Errorf("%w: missing id, device or parameter", ErrInvalidAlert)
	}
	if c.Severity.Rank() == 0 {
		return fmt.Errorf("%w: severity %q", ErrInvalidAlert, c.Severity)
	}
	return nil
}

func validateStatus(status model.AlertStatus) error {
	switch status {
	case model.AlertStatusActive, model.AlertStatusAcknowledged, model.AlertStatusResolved:
		return nil
	}
	return fmt.Errorf("unknown alert status %q", status)
}

func statusStrings(statuses []model.AlertStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

// CheckSingleActive verifies that no device parameter has more than one active alert.
func CheckSingleActive(ctx context.Context, store AlertStore) error {
	active, err := store.ListActive(ctx, "")
	if err != nil {
		return err
	}
	seen := make(map[string]string, len(active))
	for _, a := range active {
		key := a.DeviceID + "|" + string(a.Parameter)
		if other, ok := seen[key]; ok {
			return fmt.Errorf("%w: %s (%s, %s)", ErrInvariantViolation, key, other, a.ID)
		}
		seen[key] = a.ID
	}
	return nil
}
