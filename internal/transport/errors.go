package transport

import "errors"

var (
	// ErrMalformed marks a payload that cannot be decoded into any event
	ErrMalformed = errors.New("malformed payload")
	// ErrSourceStarted is returned when Start is called twice
	ErrSourceStarted = errors.New("source already started")
)
