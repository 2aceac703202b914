package model

import (
	"errors"
	"fmt"
)

// ErrInvalidBand is returned when a threshold band is not internally consistent
var ErrInvalidBand = errors.New("invalid threshold band")

// ThresholdBand holds the warning and critical limits of one parameter
type ThresholdBand struct {
	WarningMin  float64 `json:"warning_min" mapstructure:"warning_min"`
	WarningMax  float64 `json:"warning_max" mapstructure:"warning_max"`
	CriticalMin float64 `json:"critical_min" mapstructure:"critical_min"`
	CriticalMax float64 `json:"critical_max" mapstructure:"critical_max"`
}

// Validate checks criticalMin <= warningMin <= warningMax <= criticalMax.
func (b ThresholdBand) Validate() error {
	if !(b.CriticalMin <= b.WarningMin && b.WarningMin <= b.WarningMax && b.WarningMax <= b.CriticalMax) {
		return fmt.Errorf("%w: critical_min=%v warning_min=%v warning_max=%v critical_max=%v",
			ErrInvalidBand, b.CriticalMin, b.WarningMin, b.WarningMax, b.CriticalMax)
	}
	return nil
}

// ThresholdSet maps each parameter to its band.
type ThresholdSet map[Parameter]ThresholdBand

// Validate checks every band in the set.
func (s ThresholdSet) Validate() error {
	for p, b := range s {
		if err := b.Validate(); err != nil {
			return fmt.Errorf("parameter %s: %w", p, err)
		}
	}
	return nil
}
