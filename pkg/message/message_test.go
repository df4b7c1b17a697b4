package message

import (
	"bytes"
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	nested, err := New(ApplicationData, "B", map[string]any{
		"rumor": "the cake is a lie",
		"hops":  []int{1, 2, 3},
		"meta":  map[string]any{"ok": true},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	spaced, err := New(ApplicationData, "C", json.RawMessage(`{"a": 1, "b": [1, 2]}`))
	if err != nil {
		t.Fatalf("New(raw): %v", err)
	}
	if string(spaced.Payload) != `{"a":1,"b":[1,2]}` {
		t.Fatalf("raw payload kept as %s", spaced.Payload)
	}
	msgs := []Message{
		NewTerminate("A"),
		NewStandby("A"),
		{Type: TerminationStatusRequest, Sender: "observer", Timestamp: 1446375600.123456},
		nested,
		spaced,
	}
	for _, m := range msgs {
		data, err := Encode(m)
		if err != nil {
			t.Fatalf("Encode(%s): %v", m.Type, err)
		}
		if bytes.ContainsRune(data, '\n') {
			t.Fatalf("Encode(%s) contains a newline: %s", m.Type, data)
		}
		got, err := Decode(data)
		if err != nil {
			t.Fatalf("Decode(%s): %v", data, err)
		}
		if !reflect.DeepEqual(got, m) {
			t.Fatalf("round trip = %+v, want %+v", got, m)
		}
	}
}

func TestNewRawPayload(t *testing.T) {
	if _, err := New(ApplicationData, "A", json.RawMessage(`{"a":`)); err == nil {
		t.Fatal("New accepted an invalid raw payload")
	}
	m, err := New(ApplicationData, "A", json.RawMessage(` null `))
	if err != nil {
		t.Fatalf("New(null): %v", err)
	}
	if m.Payload != nil {
		t.Fatalf("null payload kept as %s", m.Payload)
	}
}

func TestDecodeUninterpretable(t *testing.T) {
	frames := map[string]string{
		"not json":        `hello`,
		"missing type":    `{"sender":"A","timestamp":1}`,
		"unknown type":    `{"type":42,"sender":"A","timestamp":1}`,
		"missing sender":  `{"type":1,"timestamp":1}`,
		"empty sender":    `{"type":1,"sender":"","timestamp":1}`,
		"missing time":    `{"type":1,"sender":"A"}`,
		"wrong type kind": `{"type":"terminate","sender":"A","timestamp":1}`,
	}
	for name, frame := range frames {
		_, err := Decode([]byte(frame))
		if !errors.Is(err, ErrUninterpretable) {
			t.Fatalf("%s: err = %v, want ErrUninterpretable", name, err)
		}
		var de *DecodeError
		if !errors.As(err, &de) || de.Reason == "" {
			t.Fatalf("%s: err = %#v, want *DecodeError with reason", name, err)
		}
	}
}

func TestDecodeNullPayload(t *testing.T) {
	m, err := Decode([]byte(`{"type":0,"sender":"A","timestamp":2,"payload":null}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if m.Payload != nil {
		t.Fatalf("Payload = %s, want nil", m.Payload)
	}
}

func TestEncodeRejectsUnknownType(t *testing.T) {
	if _, err := Encode(Message{Type: Type(99), Sender: "A"}); err == nil {
		t.Fatal("Encode accepted an unknown type")
	}
}

func TestTypeString(t *testing.T) {
	if got := TerminationStatus.String(); got != "termination_status" {
		t.Fatalf("String = %q", got)
	}
	if got := Type(-1).String(); got != "type(-1)" {
		t.Fatalf("String = %q", got)
	}
}

func TestWireTypeValues(t *testing.T) {
	data, err := Encode(NewInitialize("obs"))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !strings.Contains(string(data), `"type":3`) {
		t.Fatalf("Initialize not encoded as 3: %s", data)
	}
}

func TestActionRoundTrip(t *testing.T) {
	actions := []MutexAction{
		{Type: ActionStart},
		{Type: ActionRequest, Timestamp: 1446375600.5, LamportTimestamp: 7, Clock: 7},
		{Type: ActionConfirmation, Timestamp: 1446375600.5, LamportTimestamp: 7, Clock: 9},
		{Type: ActionRelease, Timestamp: 1446375601.25, LamportTimestamp: 3, Clock: 12},
	}
	for _, a := range actions {
		m, err := NewAction("A", a)
		if err != nil {
			t.Fatalf("NewAction: %v", err)
		}
		data, err := Encode(m)
		if err != nil {
			t.Fatalf("Encode: %v", err)
		}
		decoded, err := Decode(data)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		got, err := DecodeAction(decoded)
		if err != nil {
			t.Fatalf("DecodeAction: %v", err)
		}
		if got != a {
			t.Fatalf("action round trip = %+v, want %+v", got, a)
		}
	}
}

func TestDecodeActionInvalid(t *testing.T) {
	payloads := []string{
		`{"timestamp":1,"lamportTimestamp":1}`,
		`{"type":"grab","timestamp":1,"lamportTimestamp":1}`,
		`{"type":"request","lamportTimestamp":1}`,
		`{"type":"request","timestamp":1}`,
		`[1,2]`,
	}
	for _, p := range payloads {
		m := Message{Type: ApplicationData, Sender: "A", Timestamp: 1, Payload: json.RawMessage(p)}
		if _, err := DecodeAction(m); !errors.Is(err, ErrInvalidAction) {
			t.Fatalf("DecodeAction(%s) err = %v, want ErrInvalidAction", p, err)
		}
	}
	if _, err := DecodeAction(NewTerminate("A")); !errors.Is(err, ErrInvalidAction) {
		t.Fatalf("DecodeAction(terminate) err = %v", err)
	}
}

func TestActionClockDefaultsToRequestStamp(t *testing.T) {
	m := Message{Type: ApplicationData, Sender: "A", Timestamp: 1,
		Payload: json.RawMessage(`{"type":"release","timestamp":3.5,"lamportTimestamp":11}`)}
	a, err := DecodeAction(m)
	if err != nil {
		t.Fatalf("DecodeAction: %v", err)
	}
	if a.Clock != 11 {
		t.Fatalf("Clock = %d, want 11", a.Clock)
	}
}

func TestStatusPayload(t *testing.T) {
	m, err := NewStatus("3", Status{Round: "r1", SentCount: 4, ReceivedCount: 5, Finished: true})
	if err != nil {
		t.Fatalf("NewStatus: %v", err)
	}
	var s Status
	if err := m.UnmarshalPayload(&s); err != nil {
		t.Fatalf("UnmarshalPayload: %v", err)
	}
	if s.Round != "r1" || s.SentCount != 4 || s.ReceivedCount != 5 || !s.Finished {
		t.Fatalf("status = %+v", s)
	}
	if err := NewStandby("3").UnmarshalPayload(&s); !errors.Is(err, ErrUninterpretable) {
		t.Fatalf("UnmarshalPayload(no payload) err = %v", err)
	}
}
