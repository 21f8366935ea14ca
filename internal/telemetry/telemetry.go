package telemetry

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

var (
	ErrInvalidTopic   = errors.New("invalid topic")
	ErrInvalidPayload = errors.New("invalid payload")
	// ErrMissingSpeed marks a well-formed body that carries no speed. Such
	// messages are still relayed to subscribers but never stored.
	ErrMissingSpeed = fmt.Errorf("%w: missing speed", ErrInvalidPayload)
)

// Reading is one speed sample for a device, stamped at ingestion.
type Reading struct {
	DeviceID string
	Speed    float64
	Time     time.Time
}

// Message is an inbound broker message whose topic and body passed
// validation. Body is a private copy of the raw JSON.
type Message struct {
	Topic    string
	DeviceID string
	Body     json.RawMessage
}

// ParseDeviceID extracts the device id from topics shaped like
// "<namespace>/<device_id>/<channel>[/...]".
func ParseDeviceID(topic string) (string, error) {
	parts := strings.Split(topic, "/")
	if len(parts) < 3 {
		return "", fmt.Errorf("%w: %q has %d segments", ErrInvalidTopic, topic, len(parts))
	}
	id := parts[1]
	if id == "" {
		return "", fmt.Errorf("%w: %q has empty device id", ErrInvalidTopic, topic)
	}
	return id, nil
}

func Decode(topic string, payload []byte) (Message, error) {
	deviceID, err := ParseDeviceID(topic)
	if err != nil {
		return Message{}, err
	}
	if len(bytes.TrimSpace(payload)) == 0 {
		return Message{}, fmt.Errorf("%w: empty body", ErrInvalidPayload)
	}
	if !json.Valid(payload) {
		return Message{}, fmt.Errorf("%w: body is not json", ErrInvalidPayload)
	}
	return Message{
		Topic:    topic,
		DeviceID: deviceID,
		Body:     append(json.RawMessage(nil), payload...),
	}, nil
}

// Reading projects the message into a storable sample. The device id always
// comes from the topic; a device_id field in the body is ignored.
func (m Message) Reading(receivedAt time.Time) (Reading, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(m.Body, &fields); err != nil || fields == nil {
		return Reading{}, fmt.Errorf("%w: body is not an object", ErrInvalidPayload)
	}
	raw, ok := fields["speed"]
	if !ok {
		return Reading{}, ErrMissingSpeed
	}
	speed, err := parseSpeed(raw)
	if err != nil {
		return Reading{}, err
	}
	return Reading{DeviceID: m.DeviceID, Speed: speed, Time: receivedAt}, nil
}

func parseSpeed(raw json.RawMessage) (float64, error) {
	raw = bytes.TrimSpace(raw)
	if bytes.Equal(raw, []byte("null")) {
		return 0, ErrMissingSpeed
	}
	var v float64
	if err := json.Unmarshal(raw, &v); err != nil {
		// producers occasionally quote numbers
		var s string
		if json.Unmarshal(raw, &s) != nil {
			return 0, fmt.Errorf("%w: speed is not a number", ErrInvalidPayload)
		}
		v, err = strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return 0, fmt.Errorf("%w: speed %q is not a number", ErrInvalidPayload, s)
		}
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%w: speed is not finite", ErrInvalidPayload)
	}
	return v, nil
}
