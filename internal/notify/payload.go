package notify

import (
	"time"

	"github.com/t77yq/waterwatch/internal/model"
)

// Payload is what a Sender delivers for one alert. AlertID lets receivers drop
// duplicates when a task is re-sent.
type Payload struct {
	AlertID         string    `json:"alert_id"`
	DeviceID        string    `json:"device_id,omitempty"`
	Parameter       string    `json:"parameter,omitempty"`
	Severity        string    `json:"severity,omitempty"`
	Status          string    `json:"status,omitempty"`
	Value           float64   `json:"value"`
	Threshold       float64   `json:"threshold"`
	OccurrenceCount int       `json:"occurrence_count,omitempty"`
	CreatedAt       time.Time `json:"created_at,omitempty"`
	Attempt         int       `json:"attempt"`
}

// NewPayload builds the payload of a task
func NewPayload(task model.NotificationTask) Payload {
	p := Payload{
		AlertID: task.AlertID,
		Attempt: task.Attempt,
	}
	if a := task.Alert; a != nil {
		p.DeviceID = a.DeviceID
		p.Parameter = string(a.Parameter)
		p.Severity = string(a.Severity)
		p.Status = string(a.Status)
		p.Value = a.CurrentValue
		p.Threshold = a.ThresholdValue
		p.OccurrenceCount = a.OccurrenceCount
		p.CreatedAt = a.CreatedAt
	}
	return p
}
