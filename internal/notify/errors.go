package notify

import "errors"

var (
	// ErrBreakerOpen is returned when the circuit breaker refuses a delivery
	ErrBreakerOpen = errors.New("notification circuit breaker open")

	// ErrDispatcherClosed is returned when enqueueing after Stop
	ErrDispatcherClosed = errors.New("dispatcher closed")

	// ErrQueueOverflow marks a task dropped to make room for a newer one
	ErrQueueOverflow = errors.New("notification queue full")

	// ErrNoRecipients is returned when a task has nobody to notify
	ErrNoRecipients = errors.New("no recipients")

	// ErrPermanent marks a delivery failure that retrying cannot fix
	ErrPermanent = errors.New("permanent delivery failure")
)
