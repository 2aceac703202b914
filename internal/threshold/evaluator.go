package threshold

import (
	"errors"
	"fmt"

	"github.com/t77yq/waterwatch/internal/model"
)

// ErrNoBand is returned when a parameter has no configured band
var ErrNoBand = errors.New("no threshold band for parameter")

// Classification is the severity of a value together with the limit it crossed.
// Threshold is zero for AlertSeverityNone.
type Classification struct {
	Severity  model.AlertSeverity
	Threshold float64
}

// Classify maps value onto band. Edges are inclusive: a value equal to a critical limit
// is critical and a value equal to a warning limit is a warning. advisoryMargin is the
// fraction of the warning band width treated as advisory next to each warning edge;
// zero disables advisory classification.
func Classify(value float64, band model.ThresholdBand, advisoryMargin float64) Classification {
	switch {
	case value <= band.CriticalMin:
		return Classification{Severity: model.AlertSeverityCritical, Threshold: band.CriticalMin}
	case value >= band.CriticalMax:
		return Classification{Severity: model.AlertSeverityCritical, Threshold: band.CriticalMax}
	case value <= band.WarningMin:
		return Classification{Severity: model.AlertSeverityWarning, Threshold: band.WarningMin}
	case value >= band.WarningMax:
		return Classification{Severity: model.AlertSeverityWarning, Threshold: band.WarningMax}
	}

	if advisoryMargin > 0 {
		margin := advisoryMargin * (band.WarningMax - band.WarningMin)
		if value <= band.WarningMin+margin {
			return Classification{Severity: model.AlertSeverityAdvisory, Threshold: band.WarningMin}
		}
		if value >= band.WarningMax-margin {
			return Classification{Severity: model.AlertSeverityAdvisory, Threshold: band.WarningMax}
		}
	}
	return Classification{Severity: model.AlertSeverityNone}
}

// Evaluate returns only the severity of value against band.
func Evaluate(value float64, band model.ThresholdBand, advisoryMargin float64) model.AlertSeverity {
	return Classify(value, band, advisoryMargin).Severity
}

// Evaluator classifies readings against a fixed set of bands. It is immutable after
// construction and safe for concurrent use.
type Evaluator struct {
	bands          model.ThresholdSet
	advisoryMargin float64
}

// NewEvaluator validates bands and copies them into a new evaluator.
func NewEvaluator(bands model.ThresholdSet, advisoryMargin float64) (*Evaluator, error) {
	if err := bands.Validate(); err != nil {
		return nil, err
	}
	if advisoryMargin < 0 || advisoryMargin > 0.5 {
		return nil, fmt.Errorf("advisory margin %v outside [0, 0.5]", advisoryMargin)
	}
	copied := make(model.ThresholdSet, len(bands))
	for p, b := range bands {
		copied[p] = b
	}
	return &Evaluator{bands: copied, advisoryMargin: advisoryMargin}, nil
}

// Classify evaluates a value of parameter p.
func (e *Evaluator) Classify(p model.Parameter, value float64) (Classification, error) {
	band, ok := e.bands[p]
	if !ok {
		return Classification{}, fmt.Errorf("%w: %s", ErrNoBand, p)
	}
	return Classify(value, band, e.advisoryMargin), nil
}

// Band returns the band configured for p.
func (e *Evaluator) Band(p model.Parameter) (model.ThresholdBand, bool) {
	b, ok := e.bands[p]
	return b, ok
}
