package models

import (
	"errors"
	"fmt"
	"strings"

	"github.com/goccy/go-json"
)

// EventThreadState is the lifecycle position of an envelope within its event thread
type EventThreadState string

const (
	StateStarted EventThreadState = "STARTED"
	StateUpdated EventThreadState = "UPDATED"
	StateEnded   EventThreadState = "ENDED"
)

// ClipPreviewEvent is the resource event key carrying a clip preview URL.
const ClipPreviewEvent = "sdm.devices.events.CameraClipPreview.ClipPreview"

// Envelope errors
var (
	ErrMalformedEnvelope    = errors.New("malformed envelope")
	ErrUnexpectedEventState = errors.New("unexpected event thread state")
	ErrMalformedTimestamp   = errors.New("malformed timestamp")
)

// Envelope is one decoded camera event notification.
type Envelope struct {
	Timestamp        string           `json:"timestamp"`
	EventThreadID    string           `json:"eventThreadId"`
	EventThreadState EventThreadState `json:"eventThreadState"`

	// raw is the message body exactly as delivered
	raw []byte
}

// DecodeEnvelope parses a message body. Only the presence and type of the
// required fields is checked; the state value is checked at routing time.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}

	switch {
	case env.Timestamp == "":
		return nil, fmt.Errorf("%w: missing timestamp", ErrMalformedEnvelope)
	case env.EventThreadID == "":
		return nil, fmt.Errorf("%w: missing eventThreadId", ErrMalformedEnvelope)
	case env.EventThreadState == "":
		return nil, fmt.Errorf("%w: missing eventThreadState", ErrMalformedEnvelope)
	}

	// Both values end up inside file names.
	if err := checkPathComponent("eventThreadId", env.EventThreadID); err != nil {
		return nil, err
	}
	if err := checkPathComponent("eventThreadState", string(env.EventThreadState)); err != nil {
		return nil, err
	}

	env.raw = append([]byte(nil), data...)
	return &env, nil
}

func checkPathComponent(field, value string) error {
	if strings.ContainsAny(value, "/\\\x00") {
		return fmt.Errorf("%w: %s %q is not path safe", ErrMalformedEnvelope, field, value)
	}
	return nil
}

// Raw returns the message body as delivered.
func (e *Envelope) Raw() []byte {
	return e.raw
}

// ClipPreviewURL returns resourceUpdate.events[ClipPreviewEvent].previewUrl.
// A missing or mistyped key anywhere on the path reports false.
func (e *Envelope) ClipPreviewURL() (string, bool) {
	var body struct {
		ResourceUpdate json.RawMessage `json:"resourceUpdate"`
	}
	if err := json.Unmarshal(e.raw, &body); err != nil || len(body.ResourceUpdate) == 0 {
		return "", false
	}

	var update map[string]interface{}
	if err := json.Unmarshal(body.ResourceUpdate, &update); err != nil {
		return "", false
	}
	events, ok := update["events"].(map[string]interface{})
	if !ok {
		return "", false
	}
	preview, ok := events[ClipPreviewEvent].(map[string]interface{})
	if !ok {
		return "", false
	}
	url, ok := preview["previewUrl"].(string)
	if !ok || url == "" {
		return "", false
	}
	return url, true
}

// IsValid checks if the state is one this program routes
func (s EventThreadState) IsValid() bool {
	switch s {
	case StateStarted, StateUpdated, StateEnded:
		return true
	default:
		return false
	}
}
