// Package node connects one vertex to its topological neighbors: a listener
// for inbound frames and one outbound Stream per neighbor.
package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ryandielhenn/avanet/internal/logging"
	"github.com/ryandielhenn/avanet/internal/telemetry"
	"github.com/ryandielhenn/avanet/pkg/message"
	"github.com/ryandielhenn/avanet/pkg/topology"
)

// Handler receives everything the manager observes. Calls are serialized on
// one dispatch goroutine, never on the accept or read goroutines.
type Handler interface {
	OnMessage(m message.Message)
	OnUninterpretableData(data []byte, from string)
	OnStateChange(s State)
}

// Resolver maps a vertex to the host:port to dial.
type Resolver func(v topology.Vertex) string

var (
	ErrStarted = errors.New("node manager already started")
	ErrClosed  = errors.New("node manager closed")
)

type Option func(*Manager)

// WithListener serves inbound connections on l instead of binding the
// vertex's declared port.
func WithListener(l net.Listener) Option {
	return func(m *Manager) { m.listener = l }
}

func WithResolver(r Resolver) Option {
	return func(m *Manager) { m.resolve = r }
}

func WithLogger(l logging.Logger) Option {
	return func(m *Manager) { m.log.Logger = l }
}

// WithConnectTimeout bounds the initial connect attempts of every stream.
func WithConnectTimeout(d time.Duration) Option {
	return func(m *Manager) { m.connectTimeout = d }
}

func WithQueueSize(n int) Option {
	return func(m *Manager) { m.queueSize = n }
}

type event struct {
	frame  []byte
	from   string
	stream *Stream
	// state asks for a state report without a stream transition
	state bool
}

// Manager owns the listener and neighbor streams of one vertex.
type Manager struct {
	self    topology.Vertex
	handler Handler
	log     logging.Scope

	listener       net.Listener
	resolve        Resolver
	connectTimeout time.Duration
	queueSize      int

	streams map[string]*Stream
	events  chan event
	quit    chan struct{}

	sent     atomic.Uint64
	received atomic.Uint64

	mu      sync.Mutex
	started bool
	closed  bool
	inbound map[net.Conn]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New prepares a manager for vertex self of topo. Nothing is bound or dialed
// until Start.
func New(topo *topology.Topology, self string, h Handler, opts ...Option) (*Manager, error) {
	v, ok := topo.Vertex(self)
	if !ok {
		return nil, fmt.Errorf("%w: %q", topology.ErrUnknownVertex, self)
	}
	m := &Manager{
		self:           v,
		handler:        h,
		log:            logging.Scope{Logger: logging.Nop(), Vertex: self},
		resolve:        func(v topology.Vertex) string { return v.HostPort() },
		connectTimeout: 30 * time.Second,
		queueSize:      256,
		events:         make(chan event, 256),
		quit:           make(chan struct{}),
		inbound:        make(map[net.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}

	m.streams = make(map[string]*Stream)
	for _, name := range topo.Neighbors(self) {
		peer, _ := topo.Vertex(name)
		m.streams[name] = newStream(name, func() string { return m.resolve(peer) }, m.queueSize, m.log, m.streamChanged)
	}
	return m, nil
}

func (m *Manager) Self() string { return m.self.Name }

// Neighbors returns the names of all neighbor streams, sorted.
func (m *Manager) Neighbors() []string {
	out := make([]string, 0, len(m.streams))
	for name := range m.streams {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}

// Addr is the listener address, nil before Start.
func (m *Manager) Addr() net.Addr {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listener == nil {
		return nil
	}
	return m.listener.Addr()
}

// Start binds the listener and opens every neighbor stream. Streams connect
// independently; Start does not wait for them. Cancelling ctx closes the
// manager.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.started {
		return ErrStarted
	}
	if m.listener == nil {
		l, err := net.Listen("tcp", m.self.HostPort())
		if err != nil {
			return fmt.Errorf("listen on %s: %w", m.self.HostPort(), err)
		}
		m.listener = l
	}
	m.started = true
	m.ctx, m.cancel = context.WithCancel(ctx)
	context.AfterFunc(m.ctx, func() { m.Close() })
	m.log.Logf(logging.Info, logging.Processing, "listening on %s", m.listener.Addr())

	m.wg.Add(2)
	go m.acceptLoop(m.listener)
	go m.dispatchLoop()

	for _, s := range m.streams {
		telemetry.StreamState.WithLabelValues(s.peer).Set(float64(Connecting))
		m.log.Remotef(logging.Debug, logging.Connecting, s.peer, nil, "connecting")
		m.wg.Add(1)
		go func(s *Stream) {
			defer m.wg.Done()
			s.run(m.ctx, m.connectTimeout)
		}(s)
	}
	if len(m.streams) == 0 {
		// no transition will ever report that every neighbor is connected
		m.deliver(event{state: true})
	}
	return nil
}

// Close stops the listener and every stream. It is idempotent; frames
// already queued on open streams are flushed before their connection closes.
// Close must not be called from a Handler method.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	started := m.started
	var err error
	if m.listener != nil {
		err = m.listener.Close()
	}
	for conn := range m.inbound {
		conn.Close()
	}
	m.mu.Unlock()

	for _, s := range m.streams {
		s.Close()
	}
	if started {
		// let streams flush before the dispatch loop and dial contexts go away
		for _, s := range m.streams {
			<-s.done
		}
		m.cancel()
	}
	close(m.quit)
	m.wg.Wait()
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	return err
}

// Send encodes msg and queues it on the stream toward vertex. It returns
// false if vertex is not a neighbor, its stream is not Open or its queue is
// full.
func (m *Manager) Send(msg message.Message, vertex string) bool {
	s, ok := m.streams[vertex]
	if !ok {
		m.sendFailed(msg, vertex, "not a neighbor")
		return false
	}
	data, err := message.Encode(msg)
	if err != nil {
		m.sendFailed(msg, vertex, err.Error())
		return false
	}
	if !s.Send(append(data, '\n')) {
		state, _ := s.State()
		m.sendFailed(msg, vertex, "stream "+state.String())
		return false
	}
	if msg.Type == message.ApplicationData {
		m.sent.Add(1)
	}
	telemetry.MessagesSent.WithLabelValues(msg.Type.String()).Inc()
	m.log.Remotef(logging.Debug, logging.DataSent, vertex, &msg, "sent %s", msg.Type)
	return true
}

func (m *Manager) sendFailed(msg message.Message, vertex, reason string) {
	telemetry.SendFailures.WithLabelValues(vertex).Inc()
	m.log.Remotef(logging.Warning, logging.ConnectionError, vertex, &msg, "could not send %s: %s", msg.Type, reason)
}

// SendTo sends msg to each vertex independently and reports every result.
func (m *Manager) SendTo(msg message.Message, vertices []string) map[string]bool {
	out := make(map[string]bool, len(vertices))
	for _, v := range vertices {
		out[v] = m.Send(msg, v)
	}
	return out
}

// Broadcast sends msg to every neighbor not listed in excluding. Excluded
// vertices get no entry in the result.
func (m *Manager) Broadcast(msg message.Message, excluding ...string) map[string]bool {
	targets := make([]string, 0, len(m.streams))
	for _, name := range m.Neighbors() {
		if !slices.Contains(excluding, name) {
			targets = append(targets, name)
		}
	}
	return m.SendTo(msg, targets)
}

// CurrentState scans the streams at call time.
func (m *Manager) CurrentState() State {
	st := State{Own: m.self.Name, Connected: []string{}, Disconnected: []string{}}
	for _, name := range m.Neighbors() {
		if state, _ := m.streams[name].State(); state == Open {
			st.Connected = append(st.Connected, name)
		} else {
			st.Disconnected = append(st.Disconnected, name)
		}
	}
	return st
}

// Counters returns how many ApplicationData messages were sent and received.
func (m *Manager) Counters() (sent, received uint64) {
	return m.sent.Load(), m.received.Load()
}

func (m *Manager) streamChanged(s *Stream) {
	state, err := s.State()
	telemetry.StreamState.WithLabelValues(s.peer).Set(float64(state))
	switch state {
	case Open:
		m.log.Remotef(logging.Info, logging.Connect, s.peer, nil, "connected to %s", s.Addr())
	case Closed:
		m.log.Remotef(logging.Info, logging.Disconnect, s.peer, nil, "stream closed")
	case Failed:
		m.log.Remotef(logging.Error, logging.ConnectionError, s.peer, nil, "stream failed: %v", err)
	}
	m.deliver(event{stream: s})
}

func (m *Manager) deliver(ev event) {
	select {
	case m.events <- ev:
	case <-m.quit:
	}
}

func (m *Manager) dispatchLoop() {
	defer m.wg.Done()
	for {
		select {
		case ev := <-m.events:
			m.dispatch(ev)
		case <-m.quit:
			return
		}
	}
}

func (m *Manager) dispatch(ev event) {
	if ev.stream != nil || ev.state {
		m.handler.OnStateChange(m.CurrentState())
		return
	}
	msg, err := message.Decode(ev.frame)
	if err != nil {
		telemetry.Uninterpretable.Inc()
		m.log.Remotef(logging.Warning, logging.DataReceived, ev.from, nil, "%v", err)
		m.handler.OnUninterpretableData(ev.frame, ev.from)
		return
	}
	if msg.Type == message.ApplicationData {
		m.received.Add(1)
	}
	telemetry.MessagesReceived.WithLabelValues(msg.Type.String()).Inc()
	m.log.Remotef(logging.Debug, logging.DataReceived, msg.Sender, &msg, "received %s", msg.Type)
	m.handler.OnMessage(msg)
}
