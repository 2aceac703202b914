package validator

import (
	"math"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/t77yq/waterwatch/internal/model"
)

func TestValidator_Validate(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	good := model.Reading{
		DeviceID:  "WQ-001",
		Parameter: model.ParameterPH,
		Value:     7.2,
		Valid:     true,
		Timestamp: now.Add(-time.Second),
	}

	tests := []struct {
		name   string
		mutate func(r *model.Reading)
		want   RejectionReason
	}{
		{"valid", func(r *model.Reading) {}, ReasonNone},
		{"empty device", func(r *model.Reading) { r.DeviceID = "" }, ReasonEmptyDeviceID},
		{"device charset", func(r *model.Reading) { r.DeviceID = "WQ 001" }, ReasonInvalidDeviceID},
		{"device unicode", func(r *model.Reading) { r.DeviceID = "WQ-ü" }, ReasonInvalidDeviceID},
		{"device too long", func(r *model.Reading) { r.DeviceID = strings.Repeat("a", 129) }, ReasonInvalidDeviceID},
		{"device max length", func(r *model.Reading) { r.DeviceID = strings.Repeat("a", 128) }, ReasonNone},
		{"unknown parameter", func(r *model.Reading) { r.Parameter = "Chlorine" }, ReasonUnknownParameter},
		{"NaN", func(r *model.Reading) { r.Value = math.NaN() }, ReasonNonFiniteValue},
		{"infinity", func(r *model.Reading) { r.Value = math.Inf(1) }, ReasonNonFiniteValue},
		{"sensor invalid", func(r *model.Reading) { r.Valid = false }, ReasonSensorInvalid},
		{"before floor", func(r *model.Reading) { r.Timestamp = DefaultEpochFloor.Add(-time.Second) }, ReasonTooOld},
		{"at floor", func(r *model.Reading) { r.Timestamp = DefaultEpochFloor }, ReasonNone},
		{"within skew", func(r *model.Reading) { r.Timestamp = now.Add(5 * time.Minute) }, ReasonNone},
		{"beyond skew", func(r *model.Reading) { r.Timestamp = now.Add(5*time.Minute + time.Second) }, ReasonFuture},
		{"pH above range", func(r *model.Reading) { r.Value = 14.01 }, ReasonOutOfRange},
		{"pH at range edge", func(r *model.Reading) { r.Value = 14 }, ReasonNone},
		{"negative TDS", func(r *model.Reading) { r.Parameter = model.ParameterTDS; r.Value = -1 }, ReasonOutOfRange},
		{"cold water", func(r *model.Reading) { r.Parameter = model.ParameterTemperature; r.Value = -5 }, ReasonNone},
		{"turbidity above range", func(r *model.Reading) { r.Parameter = model.ParameterTurbidity; r.Value = 1000.5 }, ReasonOutOfRange},
	}

	v := New()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := good
			tt.mutate(&r)
			res := v.Validate(r, now)
			assert.Equal(t, tt.want, res.Reason)
			assert.Equal(t, tt.want == ReasonNone, res.Valid)
		})
	}
}

func TestValidator_Options(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	v := New(
		WithMaxSkew(time.Minute),
		WithEpochFloor(now.Add(-time.Hour)),
		WithRange(model.ParameterTDS, Range{Min: 0, Max: 500}),
	)

	r := model.Reading{DeviceID: "WQ-001", Parameter: model.ParameterTDS, Value: 600, Valid: true, Timestamp: now}
	assert.Equal(t, ReasonOutOfRange, v.Validate(r, now).Reason)

	r.Value = 100
	r.Timestamp = now.Add(2 * time.Minute)
	assert.Equal(t, ReasonFuture, v.Validate(r, now).Reason)

	r.Timestamp = now.Add(-2 * time.Hour)
	assert.Equal(t, ReasonTooOld, v.Validate(r, now).Reason)

	// options on one validator never leak into the defaults
	assert.Equal(t, 2000.0, DefaultRanges[model.ParameterTDS].Max)
}

func TestValidDeviceID(t *testing.T) {
	assert.True(t, ValidDeviceID("sensor_07-B"))
	assert.False(t, ValidDeviceID(""))
	assert.False(t, ValidDeviceID("a/b"))
}
