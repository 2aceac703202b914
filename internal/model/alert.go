package model

import "time"

// AlertSeverity represents the severity level of an alert
type AlertSeverity string

const (
	AlertSeverityNone     AlertSeverity = "none"
	AlertSeverityAdvisory AlertSeverity = "advisory"
	AlertSeverityWarning  AlertSeverity = "warning"
	AlertSeverityCritical AlertSeverity = "critical"
)

// Rank orders severities so that a higher rank is more severe.
func (s AlertSeverity) Rank() int {
	switch s {
	case AlertSeverityAdvisory:
		return 1
	case AlertSeverityWarning:
		return 2
	case AlertSeverityCritical:
		return 3
	default:
		return 0
	}
}

// AlertStatus represents the lifecycle state of an alert
type AlertStatus string

const (
	AlertStatusActive       AlertStatus = "active"
	AlertStatusAcknowledged AlertStatus = "acknowledged"
	AlertStatusResolved     AlertStatus = "resolved"
)

// AlertRecord is a threshold alert raised for one (device, parameter) pair
type AlertRecord struct {
	ID              string        `json:"id"`
	DeviceID        string        `json:"device_id"`
	Parameter       Parameter     `json:"parameter"`
	Severity        AlertSeverity `json:"severity"`
	Status          AlertStatus   `json:"status"`
	CurrentValue    float64       `json:"current_value"`
	ThresholdValue  float64       `json:"threshold_value"`
	OccurrenceCount int           `json:"occurrence_count"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}
