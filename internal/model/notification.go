package model

import "time"

// NotificationTask is a pending delivery of an alert notification
type NotificationTask struct {
	AlertID       string       `json:"alert_id"`
	Recipients    []string     `json:"recipients"`
	Alert         *AlertRecord `json:"alert,omitempty"`
	Attempt       int          `json:"attempt"`
	NextAttemptAt time.Time    `json:"next_attempt_at"`
	EnqueuedAt    time.Time    `json:"enqueued_at"`
}
