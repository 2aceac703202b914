package alertguard

import "errors"

var (
	// ErrAlertDropped is returned when the store stayed unavailable for every attempt
	ErrAlertDropped = errors.New("alert dropped")

	// ErrNoSeverity is returned when asked to ensure an alert for severity none
	ErrNoSeverity = errors.New("no alert for severity none")
)
