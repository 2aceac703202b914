package model

import (
	"strings"
	"time"
)

// Parameter is a measured water-quality quantity
type Parameter string

const (
	ParameterPH          Parameter = "pH"
	ParameterTDS         Parameter = "TDS"
	ParameterTurbidity   Parameter = "Turbidity"
	ParameterTemperature Parameter = "Temperature"
)

// Parameters lists every supported parameter.
var Parameters = []Parameter{
	ParameterPH,
	ParameterTDS,
	ParameterTurbidity,
	ParameterTemperature,
}

// ParseParameter resolves a parameter name case-insensitively.
func ParseParameter(name string) (Parameter, bool) {
	for _, p := range Parameters {
		if strings.EqualFold(string(p), strings.TrimSpace(name)) {
			return p, true
		}
	}
	return "", false
}

// Reading is a single sensor sample
type Reading struct {
	DeviceID  string    `json:"device_id"`
	Parameter Parameter `json:"parameter"`
	Value     float64   `json:"value"`
	Valid     bool      `json:"valid"`
	Timestamp time.Time `json:"timestamp"`
}

// DeviceRegistration announces a device to the pipeline
type DeviceRegistration struct {
	DeviceID  string    `json:"device_id"`
	Name      string    `json:"name,omitempty"`
	Location  string    `json:"location,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
