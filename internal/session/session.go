package session

import (
	"encoding/json"
	"fmt"
	"time"

	"rtio-observer/internal/protocol"
)

// State represents the lifecycle state of an observation session.
type State string

const (
	StateIdle      State = "idle"
	StateStarting  State = "starting"
	StateStreaming State = "streaming"
	StateEnded     State = "ended"
	StateCancelled State = "cancelled"
	StateFailed    State = "failed"
)

// Terminal reports whether s is an absorbing end state.
func (s State) Terminal() bool {
	return s == StateEnded || s == StateCancelled || s == StateFailed
}

// Reason is why a session terminated.
type Reason string

const (
	ReasonEnded     Reason = "ended"
	ReasonCancelled Reason = "cancelled"
	ReasonFailed    Reason = "failed"
)

// Termination is the single terminal outcome of a session.
type Termination struct {
	Reason Reason
	Err    error // set for ReasonFailed
}

// State maps the termination onto the session's final state.
func (t Termination) State() State {
	switch t.Reason {
	case ReasonEnded:
		return StateEnded
	case ReasonCancelled:
		return StateCancelled
	default:
		return StateFailed
	}
}

func (t Termination) String() string {
	if t.Err != nil {
		return fmt.Sprintf("%s: %v", t.Reason, t.Err)
	}
	return string(t.Reason)
}

// ErrorKind classifies a per-line failure. Neither kind ends the session.
type ErrorKind string

const (
	ErrorParse  ErrorKind = "parse"
	ErrorDecode ErrorKind = "decode"
)

// Observer receives everything a session derives from its stream. Callbacks
// run on the session's goroutine, one at a time, in stream order.
type Observer interface {
	OnEnvelope(env *protocol.Envelope)
	OnSignal(level int)
	OnError(kind ErrorKind, err error)
	OnTerminated(t Termination)
}

// PayloadObserver is an optional extension of Observer that also receives
// the decoded payload text of each envelope.
type PayloadObserver interface {
	OnPayload(env *protocol.Envelope, text string)
}

// ObserverFuncs adapts plain functions to Observer. Nil fields are skipped.
type ObserverFuncs struct {
	Envelope   func(env *protocol.Envelope)
	Payload    func(env *protocol.Envelope, text string)
	Signal     func(level int)
	Error      func(kind ErrorKind, err error)
	Terminated func(t Termination)
}

func (f ObserverFuncs) OnEnvelope(env *protocol.Envelope) {
	if f.Envelope != nil {
		f.Envelope(env)
	}
}

func (f ObserverFuncs) OnPayload(env *protocol.Envelope, text string) {
	if f.Payload != nil {
		f.Payload(env, text)
	}
}

func (f ObserverFuncs) OnSignal(level int) {
	if f.Signal != nil {
		f.Signal(level)
	}
}

func (f ObserverFuncs) OnError(kind ErrorKind, err error) {
	if f.Error != nil {
		f.Error(kind, err)
	}
}

func (f ObserverFuncs) OnTerminated(t Termination) {
	if f.Terminated != nil {
		f.Terminated(t)
	}
}

// Info is a snapshot of a session's metadata and state.
type Info struct {
	ID        string    `json:"id"`
	State     State     `json:"state"`
	DeviceID  string    `json:"deviceId"`
	URI       string    `json:"uri"`
	CreatedAt time.Time `json:"createdAt"`
	Reason    string    `json:"reason,omitempty"`
}

// EventType distinguishes the events recorded for a session.
type EventType string

const (
	EventEnvelope   EventType = "envelope"
	EventPayload    EventType = "payload"
	EventSignal     EventType = "signal"
	EventError      EventType = "error"
	EventTerminated EventType = "terminated"
)

// Event is one observer callback, recorded for history and fan-out.
type Event struct {
	SessionID  string          `json:"sessionId"`
	Type       EventType       `json:"type"`
	EnvelopeID int             `json:"envelopeId,omitempty"`
	Envelope   json.RawMessage `json:"envelope,omitempty"`
	Text       string          `json:"text,omitempty"`
	Level      int             `json:"level"`
	Kind       ErrorKind       `json:"kind,omitempty"`
	Detail     string          `json:"detail,omitempty"`
	Reason     Reason          `json:"reason,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}
