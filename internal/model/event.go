package model

// EventKind discriminates inbound events
type EventKind int

const (
	EventUnknown EventKind = iota
	EventReading
	EventRegistration
)

func (k EventKind) String() string {
	switch k {
	case EventReading:
		return "reading"
	case EventRegistration:
		return "registration"
	default:
		return "unknown"
	}
}

// Event is an inbound message resolved at the transport boundary. Exactly one of
// Reading or Registration is set for the matching Kind; Unknown events carry only Raw.
type Event struct {
	Kind         EventKind
	Reading      *Reading
	Registration *DeviceRegistration
	Raw          []byte
}

// NewReadingEvent wraps a reading.
func NewReadingEvent(r Reading) Event {
	return Event{Kind: EventReading, Reading: &r}
}

// NewRegistrationEvent wraps a device registration.
func NewRegistrationEvent(r DeviceRegistration) Event {
	return Event{Kind: EventRegistration, Registration: &r}
}

// DeviceID returns the device the event belongs to, or "" for unknown events.
func (e Event) DeviceID() string {
	switch e.Kind {
	case EventReading:
		if e.Reading != nil {
			return e.Reading.DeviceID
		}
	case EventRegistration:
		if e.Registration != nil {
			return e.Registration.DeviceID
		}
	}
	return ""
}
