package validator

import (
	"math"
	"time"

	"github.com/t77yq/waterwatch/internal/model"
)

// RejectionReason explains why a reading was not accepted
type RejectionReason string

const (
	ReasonNone             RejectionReason = ""
	ReasonEmptyDeviceID    RejectionReason = "empty_device_id"
	ReasonInvalidDeviceID  RejectionReason = "invalid_device_id"
	ReasonUnknownParameter RejectionReason = "unknown_parameter"
	ReasonNonFiniteValue   RejectionReason = "non_finite_value"
	ReasonSensorInvalid    RejectionReason = "sensor_invalid"
	ReasonTooOld           RejectionReason = "timestamp_before_epoch_floor"
	ReasonFuture           RejectionReason = "timestamp_in_future"
	ReasonOutOfRange       RejectionReason = "value_out_of_range"
)

// Reasons lists every rejection reason, for metric pre-registration.
var Reasons = []RejectionReason{
	ReasonEmptyDeviceID,
	ReasonInvalidDeviceID,
	ReasonUnknownParameter,
	ReasonNonFiniteValue,
	ReasonSensorInvalid,
	ReasonTooOld,
	ReasonFuture,
	ReasonOutOfRange,
}

// MaxDeviceIDLength is the longest device id accepted
const MaxDeviceIDLength = 128

// DefaultEpochFloor is the earliest timestamp accepted from a device
var DefaultEpochFloor = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

// Range is an inclusive physical range of a parameter
type Range struct {
	Min float64
	Max float64
}

// DefaultRanges are the physical limits of each parameter's sensor
var DefaultRanges = map[model.Parameter]Range{
	model.ParameterPH:          {Min: 0, Max: 14},
	model.ParameterTDS:         {Min: 0, Max: 2000},
	model.ParameterTurbidity:   {Min: 0, Max: 1000},
	model.ParameterTemperature: {Min: -5, Max: 60},
}

// Result is the outcome of validating one reading
type Result struct {
	Valid  bool
	Reason RejectionReason
}

func reject(reason RejectionReason) Result {
	return Result{Reason: reason}
}

// Validator checks readings before they enter the pipeline. It holds no mutable
// state and is safe for concurrent use.
type Validator struct {
	epochFloor time.Time
	maxSkew    time.Duration
	ranges     map[model.Parameter]Range
}

// Option configures a Validator
type Option func(*Validator)

// WithMaxSkew sets how far ahead of ingestion time a timestamp may be
func WithMaxSkew(d time.Duration) Option {
	return func(v *Validator) {
		v.maxSkew = d
	}
}

// WithEpochFloor sets the earliest accepted timestamp
func WithEpochFloor(t time.Time) Option {
	return func(v *Validator) {
		v.epochFloor = t
	}
}

// WithRange overrides the physical range of one parameter
func WithRange(p model.Parameter, r Range) Option {
	return func(v *Validator) {
		v.ranges[p] = r
	}
}

// New creates a validator with the default floor, a 5 minute skew and the default ranges.
func New(opts ...Option) *Validator {
	v := &Validator{
		epochFloor: DefaultEpochFloor,
		maxSkew:    5 * time.Minute,
		ranges:     make(map[model.Parameter]Range, len(DefaultRanges)),
	}
	for p, r := range DefaultRanges {
		v.ranges[p] = r
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate checks r against ingestion time now.
func (v *Validator) Validate(r model.Reading, now time.Time) Result {
	if r.DeviceID == "" {
		return reject(ReasonEmptyDeviceID)
	}
	if !validDeviceID(r.DeviceID) {
		return reject(ReasonInvalidDeviceID)
	}

	rng, ok := v.ranges[r.Parameter]
	if !ok {
		return reject(ReasonUnknownParameter)
	}
	if math.IsNaN(r.Value) || math.IsInf(r.Value, 0) {
		return reject(ReasonNonFiniteValue)
	}
	if !r.Valid {
		return reject(ReasonSensorInvalid)
	}

	if r.Timestamp.Before(v.epochFloor) {
		return reject(ReasonTooOld)
	}
	if r.Timestamp.After(now.Add(v.maxSkew)) {
		return reject(ReasonFuture)
	}

	// out-of-range values are rejected, never clamped
	if r.Value < rng.Min || r.Value > rng.Max {
		return reject(ReasonOutOfRange)
	}

	return Result{Valid: true}
}

// ValidDeviceID reports whether id passes the device id charset and length check.
func ValidDeviceID(id string) bool {
	return id != "" && validDeviceID(id)
}

func validDeviceID(id string) bool {
	if len(id) > MaxDeviceIDLength {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_', c == '-':
		default:
			return false
		}
	}
	return true
}
