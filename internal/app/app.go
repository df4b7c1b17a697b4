// Package app runs one vertex: its node manager, its service and, on the
// observer, the startup and termination control flow.
package app

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ryandielhenn/avanet/internal/logging"
	"github.com/ryandielhenn/avanet/pkg/lamport"
	"github.com/ryandielhenn/avanet/pkg/message"
	"github.com/ryandielhenn/avanet/pkg/node"
	"github.com/ryandielhenn/avanet/pkg/service"
	"github.com/ryandielhenn/avanet/pkg/termination"
	"github.com/ryandielhenn/avanet/pkg/topology"
)

type Config struct {
	Topology *topology.Topology
	Self     string
	// Observer names the coordinating vertex; it is ignored when the
	// topology has no such vertex.
	Observer string
	// Initiator is the vertex whose service gets started; empty picks the
	// first non-observer vertex by name.
	Initiator    string
	Factory      service.Factory
	PollInterval time.Duration
	Grace        time.Duration
	Logger       logging.Logger
	NodeOptions  []node.Option
}

// Node is the runtime of one vertex.
type Node struct {
	cfg      Config
	log      logging.Scope
	manager  *node.Manager
	clock    *lamport.Clock
	svc      service.Service
	detector *termination.Detector

	// touched only by the manager's dispatch goroutine
	ready       bool
	buffered    []message.Message
	standby     map[string]bool
	initialized bool

	terminated atomic.Bool
	// set once the service's Start returned
	started atomic.Bool

	detectorStart chan struct{}
	done          chan struct{}
	doneOnce      sync.Once
}

func New(cfg Config) (*Node, error) {
	if !cfg.Topology.Contains(cfg.Self) {
		return nil, fmt.Errorf("%w: %q", topology.ErrUnknownVertex, cfg.Self)
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	if cfg.Grace <= 0 {
		cfg.Grace = time.Second
	}
	n := &Node{
		cfg:           cfg,
		log:           logging.Scope{Logger: cfg.Logger, Vertex: cfg.Self},
		clock:         lamport.New(),
		standby:       make(map[string]bool),
		detectorStart: make(chan struct{}),
		done:          make(chan struct{}),
	}
	if cfg.Observer != "" && !cfg.Topology.Contains(cfg.Observer) {
		n.log.Logf(logging.Warning, logging.Processing, "observer %q is not part of the topology", cfg.Observer)
		n.cfg.Observer = ""
	}
	if n.cfg.Initiator == "" {
		for _, name := range cfg.Topology.Names() {
			if name != n.cfg.Observer {
				n.cfg.Initiator = name
				break
			}
		}
	}

	opts := append([]node.Option{node.WithLogger(cfg.Logger)}, cfg.NodeOptions...)
	m, err := node.New(cfg.Topology, cfg.Self, n, opts...)
	if err != nil {
		return nil, err
	}
	n.manager = m

	if cfg.Factory != nil {
		svc, err := cfg.Factory(service.Env{
			Self:      cfg.Self,
			Topology:  cfg.Topology,
			Transport: m,
			Clock:     n.clock,
			Logger:    cfg.Logger,
			Observer:  n.cfg.Observer,
		})
		if err != nil {
			return nil, fmt.Errorf("service for %s: %w", cfg.Self, err)
		}
		n.svc = svc
	}

	if n.isObserver() {
		d, err := termination.New(termination.Config{
			Self:            cfg.Self,
			Vertices:        m.Neighbors(),
			Transport:       m,
			Interval:        cfg.PollInterval,
			RequireFinished: true,
			Logger:          cfg.Logger,
		})
		if err != nil {
			return nil, err
		}
		n.detector = d
	}
	return n, nil
}

func (n *Node) isObserver() bool {
	return n.cfg.Observer != "" && n.cfg.Self == n.cfg.Observer
}

func (n *Node) Manager() *node.Manager { return n.manager }

// Service is nil when the vertex runs none.
func (n *Node) Service() service.Service { return n.svc }

func (n *Node) Clock() *lamport.Clock { return n.clock }

// Done is closed when the vertex decided to shut down.
func (n *Node) Done() <-chan struct{} { return n.done }

// Run serves the vertex until it terminated or ctx ends.
func (n *Node) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := n.manager.Start(ctx); err != nil {
		return err
	}

	var wg sync.WaitGroup
	if r, ok := n.svc.(service.Runner); ok && !n.isObserver() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r.Run(ctx); err != nil && ctx.Err() == nil {
				n.log.Logf(logging.Error, logging.Processing, "service stopped: %v", err)
			}
		}()
	}
	if n.detector != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n.runDetector(ctx)
		}()
	}

	var err error
	select {
	case <-n.done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	closeErr := n.manager.Close()
	cancel()
	wg.Wait()
	if err == nil {
		err = closeErr
	}
	return err
}

func (n *Node) runDetector(ctx context.Context) {
	select {
	case <-n.detectorStart:
	case <-ctx.Done():
		return
	}
	go n.detector.Run(ctx)
	select {
	case <-n.detector.Done():
		n.log.Logf(logging.Success, logging.Processing, "global quiescence detected after %d rounds", n.detector.Rounds())
		n.terminate("")
	case <-ctx.Done():
	}
}

func (n *Node) shutdownAfter(d time.Duration) {
	time.AfterFunc(d, func() { n.doneOnce.Do(func() { close(n.done) }) })
}

func (n *Node) OnStateChange(s node.State) {
	if n.ready {
		if !s.AllConnected() {
			n.log.Logf(logging.Warning, logging.Disconnect, "lost %v", s.Disconnected)
		}
		return
	}
	if !s.AllConnected() {
		return
	}
	n.ready = true
	n.log.Logf(logging.Success, logging.Connect, "all %d neighbors connected", len(s.Connected))

	if n.isObserver() {
		n.maybeInitialize()
		return
	}
	if n.cfg.Observer != "" {
		if !n.manager.Send(message.NewStandby(n.cfg.Self), n.cfg.Observer) {
			n.log.Remotef(logging.Error, logging.DataSent, n.cfg.Observer, nil, "standby not delivered")
		}
	}
	if n.svc != nil {
		buffered := n.buffered
		n.buffered = nil
		n.svc.OnBufferedMessages(buffered)
	}
	if n.cfg.Observer == "" && n.cfg.Self == n.cfg.Initiator {
		n.startService()
	}
}

func (n *Node) OnUninterpretableData(data []byte, from string) {
	n.log.Remotef(logging.Debug, logging.DataReceived, from, nil, "dropped %d uninterpretable bytes", len(data))
}

func (n *Node) OnMessage(m message.Message) {
	switch m.Type {
	case message.Terminate:
		n.terminate(m.Sender)
	case message.ApplicationData:
		n.applicationData(m)
	case message.Standby:
		n.onStandby(m.Sender)
	case message.Initialize:
		n.startService()
	case message.TerminationStatusRequest:
		n.replyStatus(m)
	case message.TerminationStatus:
		if n.detector != nil {
			n.detector.HandleStatus(m)
		}
	case message.Measurement:
		n.onMeasurement(m)
	}
}

func (n *Node) applicationData(m message.Message) {
	switch {
	case n.svc == nil || n.isObserver():
		n.log.Remotef(logging.Warning, logging.Processing, m.Sender, &m, "no service for application data")
	case !n.ready:
		n.buffered = append(n.buffered, m)
	default:
		n.svc.OnApplicationData(m)
	}
}

func (n *Node) onStandby(from string) {
	if !n.isObserver() {
		n.log.Remotef(logging.Warning, logging.Processing, from, nil, "standby sent to a non-observer")
		return
	}
	n.standby[from] = true
	n.log.Remotef(logging.Info, logging.Processing, from, nil, "standby (%d/%d)", len(n.standby), len(n.manager.Neighbors()))
	n.maybeInitialize()
}

// maybeInitialize starts the run once the observer reaches every vertex and
// every vertex reported standby.
func (n *Node) maybeInitialize() {
	if n.initialized || !n.ready {
		return
	}
	for _, v := range n.manager.Neighbors() {
		if !n.standby[v] {
			return
		}
	}
	n.initialized = true
	if !n.manager.Send(message.NewInitialize(n.cfg.Self), n.cfg.Initiator) {
		n.log.Remotef(logging.Error, logging.DataSent, n.cfg.Initiator, nil, "initialize not delivered")
	}
	close(n.detectorStart)
}

func (n *Node) startService() {
	if n.svc == nil {
		n.log.Logf(logging.Warning, logging.Processing, "asked to start but no service configured")
		return
	}
	n.log.Logf(logging.Info, logging.Processing, "starting service")
	go func() {
		n.svc.Start()
		n.started.Store(true)
	}()
}

// status is what this vertex reports to the termination detector. The
// initiator is unfinished until its Start returned: the detector is released
// when Initialize is sent, and both counters stay zero until the first
// message of the run leaves the initiator.
func (n *Node) status() termination.Counters {
	sent, received := n.manager.Counters()
	finished := true
	if f, ok := n.svc.(service.Finisher); ok {
		finished = f.Finished()
	}
	if n.svc != nil && n.cfg.Self == n.cfg.Initiator && !n.started.Load() {
		finished = false
	}
	return termination.Counters{Sent: sent, Received: received, Finished: finished}
}

func (n *Node) replyStatus(req message.Message) {
	reply, err := termination.Reply(n.cfg.Self, req, n.status())
	if err != nil {
		n.log.Remotef(logging.Warning, logging.Processing, req.Sender, &req, "status request: %v", err)
		return
	}
	n.manager.Send(reply, req.Sender)
}

// terminate floods Terminate once, reports measurements to the observer and
// shuts down after the grace period. from is "" when the observer decided.
func (n *Node) terminate(from string) {
	if !n.terminated.CompareAndSwap(false, true) {
		return
	}
	n.log.Remotef(logging.Info, logging.Processing, from, nil, "terminating")

	var except []string
	if from != "" {
		except = append(except, from)
	}
	n.manager.Broadcast(message.NewTerminate(n.cfg.Self), except...)

	if mm, ok := n.svc.(service.Measurer); ok && !n.isObserver() && n.cfg.Observer != "" && mm.NeedsMeasurement() {
		n.sendMeasurements(mm)
	}
	n.shutdownAfter(n.cfg.Grace)
}

func (n *Node) sendMeasurements(mm service.Measurer) {
	raw, err := mm.FinalMeasurements()
	if err != nil {
		n.log.Logf(logging.Error, logging.Processing, "final measurements: %v", err)
		return
	}
	m, err := message.New(message.Measurement, n.cfg.Self, raw)
	if err != nil {
		n.log.Logf(logging.Error, logging.Processing, "measurement message: %v", err)
		return
	}
	if n.manager.Send(m, n.cfg.Observer) {
		mm.OnFinalMeasurementSent()
	}
}

func (n *Node) onMeasurement(m message.Message) {
	n.log.Remotef(logging.Measurement, logging.DataReceived, m.Sender, &m, "measurement from %s", m.Sender)
	if mm, ok := n.svc.(service.Measurer); ok {
		mm.OnMeasurementMessage(m)
	}
}
