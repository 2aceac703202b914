package threshold

import "github.com/t77yq/waterwatch/internal/model"

// DefaultBands are drinking-water limits used when configuration supplies none.
// Lower limits of -1 sit below the physical range and never fire.
var DefaultBands = model.ThresholdSet{
	model.ParameterPH:          {CriticalMin: 6.0, WarningMin: 6.5, WarningMax: 8.5, CriticalMax: 9.0},
	model.ParameterTDS:         {CriticalMin: -1, WarningMin: 50, WarningMax: 1000, CriticalMax: 1500},
	model.ParameterTurbidity:   {CriticalMin: -1, WarningMin: -1, WarningMax: 5, CriticalMax: 10},
	model.ParameterTemperature: {CriticalMin: 0, WarningMin: 5, WarningMax: 30, CriticalMax: 35},
}
