package ingest

import "errors"

var (
	// ErrBackpressure is returned by Submit when the worker's inbound channel is full
	ErrBackpressure = errors.New("ingest backpressure: inbound channel full")

	// ErrStopped is returned by Submit after Stop
	ErrStopped = errors.New("coordinator stopped")
)
