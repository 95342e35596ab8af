package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message is the envelope for all WebSocket messages exchanged with UI clients.
type Message struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewMessage creates a server-originated message with the current timestamp.
func NewMessage(msgType string, payload interface{}) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return &Message{
		Type:      msgType,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Server → Client message types.
const (
	TypeObservationUpdate     = "observation.update"
	TypeObservationEnvelope   = "observation.envelope"
	TypeObservationPayload    = "observation.payload"
	TypeObservationSignal     = "observation.signal"
	TypeObservationError      = "observation.error"
	TypeObservationTerminated = "observation.terminated"
	TypeSwitchResult          = "switch.result"
	TypeError                 = "error"
)

// Client → Server message types.
const (
	TypeObserveStart = "observe.start"
	TypeObserveStop  = "observe.stop"
	TypeSwitchSet    = "switch.set"
)

// Error codes.
const (
	ErrObservationNotFound = "OBSERVATION_NOT_FOUND"
	ErrInvalidMessage      = "INVALID_MESSAGE"
	ErrMaxObservations     = "MAX_OBSERVATIONS"
	ErrAlreadyObserving    = "ALREADY_OBSERVING"
	ErrStartFailed         = "START_FAILED"
	ErrSwitchFailed        = "SWITCH_FAILED"
)

// Server → Client payloads.

type ObservationUpdatePayload struct {
	ID        string `json:"id"`
	State     string `json:"state"`
	DeviceID  string `json:"deviceId"`
	URI       string `json:"uri"`
	CreatedAt string `json:"createdAt"`
}

type ObservationEnvelopePayload struct {
	ObservationID string          `json:"observationId"`
	Envelope      json.RawMessage `json:"envelope"`
}

// ObservationPayloadPayload carries the decoded text of one envelope.
type ObservationPayloadPayload struct {
	ObservationID string `json:"observationId"`
	EnvelopeID    int    `json:"envelopeId"`
	Text          string `json:"text"`
}

type ObservationSignalPayload struct {
	ObservationID string `json:"observationId"`
	Level         int    `json:"level"`
}

type ObservationErrorPayload struct {
	ObservationID string `json:"observationId"`
	Kind          string `json:"kind"`
	Detail        string `json:"detail"`
}

type ObservationTerminatedPayload struct {
	ObservationID string `json:"observationId"`
	Reason        string `json:"reason"`
	Detail        string `json:"detail,omitempty"`
}

type SwitchResultPayload struct {
	DeviceID string          `json:"deviceId"`
	State    string          `json:"state"`
	Response json.RawMessage `json:"response"`
}

type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Client → Server payloads.

type ObserveStartPayload struct {
	DeviceID string `json:"deviceId"`
}

type ObserveStopPayload struct {
	ObservationID string `json:"observationId"`
}

type SwitchSetPayload struct {
	DeviceID string `json:"deviceId"`
	State    string `json:"state"` // "on" | "off"
}
