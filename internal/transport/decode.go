package transport

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/t77yq/waterwatch/internal/model"
)

const (
	// ReadingSubjectPrefix is followed by the device id
	ReadingSubjectPrefix = "wq.reading."
	// RegisterSubjectPrefix is followed by the device id
	RegisterSubjectPrefix = "wq.register."
)

// rawEvent is the loosely typed wire shape devices publish. Field spellings vary
// between firmware versions.
type rawEvent struct {
	DeviceID      string          `json:"device_id"`
	DeviceIDCamel string          `json:"deviceId"`
	Parameter     string          `json:"parameter"`
	Value         json.RawMessage `json:"value"`
	Valid         *bool           `json:"valid"`
	ValidityFlag  *bool           `json:"validityFlag"`
	Timestamp     json.RawMessage `json:"timestamp"`
	Name          string          `json:"name"`
	Location      string          `json:"location"`
	Readings      []rawEvent      `json:"readings"`
}

func (r rawEvent) deviceID(fallback string) string {
	switch {
	case r.DeviceID != "":
		return r.DeviceID
	case r.DeviceIDCamel != "":
		return r.DeviceIDCamel
	default:
		return fallback
	}
}

func (r rawEvent) valid() bool {
	if r.Valid != nil {
		return *r.Valid
	}
	if r.ValidityFlag != nil {
		return *r.ValidityFlag
	}
	return true
}

// Decode resolves one transport message into events. The subject decides the kind:
// wq.reading.<device> carries one reading or a batch under "readings", and
// wq.register.<device> carries a registration. The device id in the body wins over
// the one in the subject. Messages on other subjects become a single unknown event.
// Missing timestamps default to received.
//
// Decode only fails for bytes that are not a JSON object. Field-level problems such as
// an unknown parameter are left for the validator to reject.
func Decode(subject string, data []byte, received time.Time) ([]model.Event, error) {
	var raw rawEvent
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch {
	case strings.HasPrefix(subject, ReadingSubjectPrefix):
		subjectID := strings.TrimPrefix(subject, ReadingSubjectPrefix)
		if len(raw.Readings) == 0 {
			r, err := decodeReading(raw, subjectID, received)
			if err != nil {
				return nil, err
			}
			return []model.Event{model.NewReadingEvent(r)}, nil
		}

		batchID := raw.deviceID(subjectID)
		batchTS := raw.Timestamp
		events := make([]model.Event, 0, len(raw.Readings))
		for i, item := range raw.Readings {
			if len(item.Timestamp) == 0 {
				item.Timestamp = batchTS
			}
			r, err := decodeReading(item, batchID, received)
			if err != nil {
				return nil, fmt.Errorf("reading %d: %w", i, err)
			}
			events = append(events, model.NewReadingEvent(r))
		}
		return events, nil

	case strings.HasPrefix(subject, RegisterSubjectPrefix):
		ts, err := parseTimestamp(raw.Timestamp, received)
		if err != nil {
			return nil, err
		}
		reg := model.DeviceRegistration{
			DeviceID:  raw.deviceID(strings.TrimPrefix(subject, RegisterSubjectPrefix)),
			Name:      raw.Name,
			Location:  raw.Location,
			Timestamp: ts,
		}
		return []model.Event{model.NewRegistrationEvent(reg)}, nil

	default:
		return []model.Event{{Kind: model.EventUnknown, Raw: data}}, nil
	}
}

func decodeReading(raw rawEvent, fallbackID string, received time.Time) (model.Reading, error) {
	value, err := parseValue(raw.Value)
	if err != nil {
		return model.Reading{}, err
	}
	ts, err := parseTimestamp(raw.Timestamp, received)
	if err != nil {
		return model.Reading{}, err
	}

	param, ok := model.ParseParameter(raw.Parameter)
	if !ok {
		// kept verbatim so the validator reports it as unknown
		param = model.Parameter(raw.Parameter)
	}

	return model.Reading{
		DeviceID:  raw.deviceID(fallbackID),
		Parameter: param,
		Value:     value,
		Valid:     raw.valid(),
		Timestamp: ts,
	}, nil
}

// parseValue accepts a JSON number or a numeric string. "NaN" and "Inf" parse to
// non-finite values and are rejected later by the validator.
func parseValue(raw json.RawMessage) (float64, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, fmt.Errorf("%w: missing value", ErrMalformed)
	}

	var num float64
	if err := json.Unmarshal(raw, &num); err == nil {
		return num, nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, fmt.Errorf("%w: value is neither number nor string", ErrMalformed)
	}
	num, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid value %q", ErrMalformed, s)
	}
	return num, nil
}

// parseTimestamp accepts RFC3339 strings and unix epoch numbers. Epoch values above
// 1e12 are taken as milliseconds, otherwise seconds.
func parseTimestamp(raw json.RawMessage, received time.Time) (time.Time, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return received.UTC(), nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t.UTC(), nil
		}
		epoch, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: invalid timestamp %q", ErrMalformed, s)
		}
		return fromEpoch(epoch)
	}

	var epoch float64
	if err := json.Unmarshal(raw, &epoch); err != nil {
		return time.Time{}, fmt.Errorf("%w: invalid timestamp %s", ErrMalformed, string(raw))
	}
	return fromEpoch(epoch)
}

func fromEpoch(epoch float64) (time.Time, error) {
	if math.IsNaN(epoch) || math.IsInf(epoch, 0) || epoch < 0 {
		return time.Time{}, fmt.Errorf("%w: invalid epoch %v", ErrMalformed, epoch)
	}
	if epoch > 1e12 {
		ms := int64(epoch)
		return time.UnixMilli(ms).UTC(), nil
	}
	sec, frac := math.Modf(epoch)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC(), nil
}
