// Package logging carries the structured log events emitted by a vertex.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ryandielhenn/avanet/pkg/message"
)

type Level int

const (
	Debug Level = iota
	Info
	Warning
	Error
	Success
	Measurement
)

func (l Level) String() string {
	switch l {
	case Debug:
		return "debug"
	case Info:
		return "info"
	case Warning:
		return "warning"
	case Error:
		return "error"
	case Success:
		return "success"
	case Measurement:
		return "measurement"
	}
	return fmt.Sprintf("level(%d)", int(l))
}

// Event classifies what an entry is about.
type Event string

const (
	AcceptedConnection Event = "accepted_connection"
	Connecting         Event = "connecting"
	Connect            Event = "connect"
	ConnectionError    Event = "connection_error"
	Disconnect         Event = "disconnect"
	DataSent           Event = "data_sent"
	DataReceived       Event = "data_received"
	Processing         Event = "processing"
)

// Entry is one structured log event. Remote and Message are optional.
type Entry struct {
	Level       Level
	Event       Event
	Vertex      string
	Description string
	Remote      string
	Message     *message.Message
}

// Logger receives entries. Implementations must be safe for concurrent use.
type Logger interface {
	Log(Entry)
}

type zapLogger struct {
	z *zap.Logger
}

// NewZap adapts z to Logger.
func NewZap(z *zap.Logger) Logger {
	return zapLogger{z: z}
}

func (l zapLogger) Log(e Entry) {
	fields := make([]zap.Field, 0, 6)
	fields = append(fields, zap.String("event", string(e.Event)), zap.String("vertex", e.Vertex))
	if e.Remote != "" {
		fields = append(fields, zap.String("remote", e.Remote))
	}
	if e.Message != nil {
		fields = append(fields,
			zap.Stringer("msg_type", e.Message.Type),
			zap.String("msg_sender", e.Message.Sender),
		)
		if len(e.Message.Payload) > 0 {
			fields = append(fields, zap.ByteString("payload", e.Message.Payload))
		}
	}
	switch e.Level {
	case Success, Measurement:
		fields = append(fields, zap.String("kind", e.Level.String()))
	}
	if ce := l.z.Check(zapLevel(e.Level), e.Description); ce != nil {
		ce.Write(fields...)
	}
}

func zapLevel(l Level) zapcore.Level {
	switch l {
	case Debug:
		return zapcore.DebugLevel
	case Warning:
		return zapcore.WarnLevel
	case Error:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

type nop struct{}

func (nop) Log(Entry) {}

// Nop discards every entry.
func Nop() Logger { return nop{} }

// Scope fixes the vertex and event of a run of entries.
type Scope struct {
	Logger Logger
	Vertex string
}

func (s Scope) Logf(level Level, event Event, format string, args ...any) {
	s.Logger.Log(Entry{Level: level, Event: event, Vertex: s.Vertex, Description: fmt.Sprintf(format, args...)})
}

// Remotef logs an entry about a peer, optionally carrying the message involved.
func (s Scope) Remotef(level Level, event Event, remote string, m *message.Message, format string, args ...any) {
	s.Logger.Log(Entry{
		Level:       level,
		Event:       event,
		Vertex:      s.Vertex,
		Description: fmt.Sprintf(format, args...),
		Remote:      remote,
		Message:     m,
	})
}

// New builds the process zap logger. dev selects a human-readable console
// encoder.
func New(level string, dev bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if dev {
		cfg = zap.NewDevelopmentConfig()
	}
	if level != "" {
		lvl, err := zapcore.ParseLevel(level)
		if err != nil {
			return nil, fmt.Errorf("log level %q: %w", level, err)
		}
		cfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	return cfg.Build()
}
