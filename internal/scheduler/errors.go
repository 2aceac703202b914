package scheduler

import "errors"

var (
	// ErrJobNotFound is returned when a job is not registered
	ErrJobNotFound = errors.New("job not found")
)
