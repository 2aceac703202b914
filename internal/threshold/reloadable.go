package threshold

import (
	"sync/atomic"

	"github.com/t77yq/waterwatch/internal/model"
)

// Reloadable holds the current Evaluator and lets configuration reloads swap it while
// readings are being classified. A reading sees either the old or the new bands.
type Reloadable struct {
	current atomic.Pointer[Evaluator]
}

// NewReloadable starts with e
func NewReloadable(e *Evaluator) *Reloadable {
	r := &Reloadable{}
	r.current.Store(e)
	return r
}

// Classify delegates to the current evaluator
func (r *Reloadable) Classify(p model.Parameter, value float64) (Classification, error) {
	return r.current.Load().Classify(p, value)
}

// Reload validates the new bands and installs them. On error the current evaluator
// stays in place.
func (r *Reloadable) Reload(bands model.ThresholdSet, advisoryMargin float64) error {
	e, err := NewEvaluator(bands, advisoryMargin)
	if err != nil {
		return err
	}
	r.current.Store(e)
	return nil
}

// Current returns the evaluator in use
func (r *Reloadable) Current() *Evaluator {
	return r.current.Load()
}
