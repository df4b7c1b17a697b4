// Package service defines the algorithms a vertex can run on top of its
// neighbor connections.
package service

import (
	"context"
	"encoding/json"

	"github.com/ryandielhenn/avanet/internal/logging"
	"github.com/ryandielhenn/avanet/pkg/lamport"
	"github.com/ryandielhenn/avanet/pkg/message"
	"github.com/ryandielhenn/avanet/pkg/topology"
)

// Service is driven by the vertex runtime. All methods are called from the
// runtime's dispatch goroutine except Start.
type Service interface {
	// OnBufferedMessages is called once every neighbor is connected, with
	// the ApplicationData that arrived before, in arrival order.
	OnBufferedMessages(msgs []message.Message)
	OnApplicationData(m message.Message)
	// Start is called on exactly one vertex to kick off the algorithm.
	Start()
	IsRunning() bool
}

// Measurer is implemented by services that report results to the observer
// when the run terminates.
type Measurer interface {
	NeedsMeasurement() bool
	FinalMeasurements() (json.RawMessage, error)
	OnFinalMeasurementSent()
	// OnMeasurementMessage runs on the observer for every report.
	OnMeasurementMessage(m message.Message)
}

// Runner is implemented by services with a background loop.
type Runner interface {
	Run(ctx context.Context) error
}

// Finisher lets a service tell the termination detector it is done.
type Finisher interface {
	Finished() bool
}

// Transport is the part of the node manager a service may use.
type Transport interface {
	Send(m message.Message, to string) bool
	Broadcast(m message.Message, excluding ...string) map[string]bool
}

// Env is what a service gets to work with.
type Env struct {
	Self      string
	Topology  *topology.Topology
	Transport Transport
	Clock     *lamport.Clock
	Logger    logging.Logger
	// Observer is the coordinating vertex, "" if there is none. Services
	// never send it ApplicationData.
	Observer string
}

func (e Env) scope() logging.Scope {
	l := e.Logger
	if l == nil {
		l = logging.Nop()
	}
	return logging.Scope{Logger: l, Vertex: e.Self}
}

// Participants lists every vertex but self and the observer, sorted.
func (e Env) Participants() []string {
	var out []string
	for _, name := range e.Topology.Names() {
		if name != e.Self && name != e.Observer {
			out = append(out, name)
		}
	}
	return out
}

// Factory builds a service for one vertex.
type Factory func(Env) (Service, error)
