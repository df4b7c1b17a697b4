// Package message defines the envelope exchanged between vertices and its
// wire encoding: one compact JSON object per frame.
package message

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Type identifies what a message is for. The integer values are part of the
// wire format.
type Type int

const (
	Terminate Type = iota
	ApplicationData
	Standby
	Initialize
	TerminationStatusRequest
	TerminationStatus
	Measurement
)

var typeNames = [...]string{
	Terminate:                "terminate",
	ApplicationData:          "application_data",
	Standby:                  "standby",
	Initialize:               "initialize",
	TerminationStatusRequest: "termination_status_request",
	TerminationStatus:        "termination_status",
	Measurement:              "measurement",
}

func (t Type) Valid() bool {
	return t >= Terminate && t <= Measurement
}

func (t Type) String() string {
	if !t.Valid() {
		return fmt.Sprintf("type(%d)", int(t))
	}
	return typeNames[t]
}

// ErrUninterpretable is matched by every decode failure.
var ErrUninterpretable = errors.New("uninterpretable message")

// DecodeError describes why a frame could not be turned into a Message.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("uninterpretable message: %s: %v", e.Reason, e.Err)
	}
	return "uninterpretable message: " + e.Reason
}

func (e *DecodeError) Is(target error) bool { return target == ErrUninterpretable }

func (e *DecodeError) Unwrap() error { return e.Err }

// Message is the unit sent between vertices. Timestamp is wall-clock time in
// seconds since the Unix epoch.
type Message struct {
	Type      Type            `json:"type"`
	Sender    string          `json:"sender"`
	Timestamp float64         `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Now returns the current wall-clock time in message timestamp format.
func Now() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}

// New stamps a message with the current time. A non-nil payload is marshaled
// to JSON; a json.RawMessage is validated and compacted to its wire form. A
// null payload is dropped.
func New(t Type, sender string, payload any) (Message, error) {
	m := Message{Type: t, Sender: sender, Timestamp: Now()}
	if payload == nil {
		return m, nil
	}
	var raw []byte
	if r, ok := payload.(json.RawMessage); ok {
		var b bytes.Buffer
		if err := json.Compact(&b, r); err != nil {
			return Message{}, fmt.Errorf("%s payload: %w", t, err)
		}
		raw = b.Bytes()
	} else {
		var err error
		raw, err = json.Marshal(payload)
		if err != nil {
			return Message{}, fmt.Errorf("marshal %s payload: %w", t, err)
		}
	}
	if string(raw) != "null" {
		m.Payload = raw
	}
	return m, nil
}

func NewTerminate(sender string) Message {
	return Message{Type: Terminate, Sender: sender, Timestamp: Now()}
}

func NewStandby(sender string) Message {
	return Message{Type: Standby, Sender: sender, Timestamp: Now()}
}

func NewInitialize(sender string) Message {
	return Message{Type: Initialize, Sender: sender, Timestamp: Now()}
}

func NewApplicationData(sender string, payload any) (Message, error) {
	return New(ApplicationData, sender, payload)
}

// Time converts Timestamp back to a time.Time.
func (m Message) Time() time.Time {
	sec := int64(m.Timestamp)
	return time.Unix(sec, int64((m.Timestamp-float64(sec))*float64(time.Second)))
}

// UnmarshalPayload decodes the payload into v.
func (m Message) UnmarshalPayload(v any) error {
	if len(m.Payload) == 0 {
		return &DecodeError{Reason: fmt.Sprintf("%s message from %s has no payload", m.Type, m.Sender)}
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return &DecodeError{Reason: fmt.Sprintf("%s payload from %s", m.Type, m.Sender), Err: err}
	}
	return nil
}

type wireMessage struct {
	Type      *Type           `json:"type"`
	Sender    *string         `json:"sender"`
	Timestamp *float64        `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Encode returns the compact JSON form of m, without a frame delimiter.
func Encode(m Message) ([]byte, error) {
	if !m.Type.Valid() {
		return nil, fmt.Errorf("encode message: unknown %s", m.Type)
	}
	return json.Marshal(m)
}

// Decode parses one frame. Missing fields and unknown types yield a
// *DecodeError.
func Decode(data []byte) (Message, error) {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return Message{}, &DecodeError{Reason: "invalid json", Err: err}
	}
	switch {
	case w.Type == nil:
		return Message{}, &DecodeError{Reason: "missing type"}
	case !w.Type.Valid():
		return Message{}, &DecodeError{Reason: "unknown " + w.Type.String()}
	case w.Sender == nil || *w.Sender == "":
		return Message{}, &DecodeError{Reason: "missing sender"}
	case w.Timestamp == nil:
		return Message{}, &DecodeError{Reason: "missing timestamp"}
	}
	m := Message{Type: *w.Type, Sender: *w.Sender, Timestamp: *w.Timestamp}
	if len(w.Payload) > 0 && string(w.Payload) != "null" {
		m.Payload = w.Payload
	}
	return m, nil
}
