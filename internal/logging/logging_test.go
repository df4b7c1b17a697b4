package logging

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ryandielhenn/avanet/pkg/message"
)

func TestZapFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := NewZap(zap.New(core))

	m := message.NewStandby("B")
	l.Log(Entry{Level: Warning, Event: DataReceived, Vertex: "A", Description: "late standby", Remote: "B", Message: &m})

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	e := entries[0]
	if e.Level != zapcore.WarnLevel || e.Message != "late standby" {
		t.Fatalf("entry = %v %q", e.Level, e.Message)
	}
	fields := e.ContextMap()
	for k, want := range map[string]string{
		"event": "data_received", "vertex": "A", "remote": "B", "msg_type": "standby", "msg_sender": "B",
	} {
		if got := fields[k]; got != want {
			t.Fatalf("field %s = %v, want %q", k, got, want)
		}
	}
}

func TestSuccessAndMeasurementAreInfo(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	s := Scope{Logger: NewZap(zap.New(core)), Vertex: "1"}

	s.Logf(Success, Processing, "entered critical section %d", 3)
	s.Logf(Measurement, Processing, "rumor accepted")
	s.Logf(Debug, Processing, "dropped below level")

	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if got := entries[0].ContextMap()["kind"]; got != "success" {
		t.Fatalf("kind = %v", got)
	}
	if entries[0].Message != "entered critical section 3" {
		t.Fatalf("message = %q", entries[0].Message)
	}
	if got := entries[1].ContextMap()["kind"]; got != "measurement" {
		t.Fatalf("kind = %v", got)
	}
}

func TestNewRejectsBadLevel(t *testing.T) {
	if _, err := New("loud", false); err == nil {
		t.Fatal("New accepted an unknown level")
	}
	z, err := New("debug", true)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !z.Core().Enabled(zapcore.DebugLevel) {
		t.Fatal("debug level not enabled")
	}
}
