package ingest

import (
	"github.com/t77yq/waterwatch/internal/model"
	"github.com/t77yq/waterwatch/internal/validator"
)

// State is a step of an event's path through the pipeline
type State string

const (
	StateReceived     State = "received"
	StateValidated    State = "validated"
	StateEvaluated    State = "evaluated"
	StateDeduplicated State = "deduplicated"
	StateGuardChecked State = "guard_checked"
	StateDispatched   State = "dispatched"
	StateDone         State = "done"
	StateRejected     State = "rejected"
	StateDropped      State = "dropped"
	StateDiscarded    State = "discarded"
)

// Outcome describes how one event was handled. State is terminal: done, rejected,
// dropped or discarded. Steps lists every state visited, in order.
type Outcome struct {
	State    State
	Steps    []State
	Reason   validator.RejectionReason
	Severity model.AlertSeverity
	AlertID  string
	Created  bool
	Err      error
}

func (o *Outcome) step(s State) {
	o.Steps = append(o.Steps, s)
	o.State = s
}

// Visited reports whether the event passed through s
func (o Outcome) Visited(s State) bool {
	for _, step := range o.Steps {
		if step == s {
			return true
		}
	}
	return false
}
