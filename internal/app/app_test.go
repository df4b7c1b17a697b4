package app

import (
	"context"
	"errors"
	"net"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/ryandielhenn/avanet/pkg/message"
	"github.com/ryandielhenn/avanet/pkg/mutex"
	"github.com/ryandielhenn/avanet/pkg/node"
	"github.com/ryandielhenn/avanet/pkg/service"
	"github.com/ryandielhenn/avanet/pkg/topology"
)

const rumorText = "ship sinks"

type harness struct {
	topo      *topology.Topology
	listeners map[string]net.Listener
}

// fullMesh binds a loopback listener per vertex and links every pair.
func fullMesh(t *testing.T, names ...string) harness {
	t.Helper()
	h := harness{listeners: map[string]net.Listener{}}
	var vertices []topology.Vertex
	for _, name := range names {
		l, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			t.Fatalf("listen: %v", err)
		}
		h.listeners[name] = l
		vertices = append(vertices, topology.Vertex{Name: name, Address: "127.0.0.1", Port: l.Addr().(*net.TCPAddr).Port})
	}
	var adjacencies []topology.Adjacency
	for i := range names {
		for j := i + 1; j < len(names); j++ {
			adjacencies = append(adjacencies, topology.Adjacency{V1: names[i], V2: names[j]})
		}
	}
	topo, err := topology.New(vertices, adjacencies)
	if err != nil {
		t.Fatalf("topology: %v", err)
	}
	h.topo = topo
	return h
}

func (h harness) nodes(t *testing.T, observer string, factory service.Factory) map[string]*Node {
	t.Helper()
	out := map[string]*Node{}
	for name, l := range h.listeners {
		n, err := New(Config{
			Topology:     h.topo,
			Self:         name,
			Observer:     observer,
			Factory:      factory,
			PollInterval: 50 * time.Millisecond,
			Grace:        200 * time.Millisecond,
			NodeOptions:  []node.Option{node.WithListener(l), node.WithConnectTimeout(5 * time.Second)},
		})
		if err != nil {
			t.Fatalf("New(%s): %v", name, err)
		}
		out[name] = n
	}
	return out
}

// runAll runs every node and waits for all of them to return.
func runAll(t *testing.T, ctx context.Context, nodes map[string]*Node) map[string]error {
	t.Helper()
	type result struct {
		name string
		err  error
	}
	results := make(chan result, len(nodes))
	for name, n := range nodes {
		go func() { results <- result{name, n.Run(ctx)} }()
	}
	out := map[string]error{}
	for range nodes {
		select {
		case r := <-results:
			out[r.name] = r.err
		case <-time.After(20 * time.Second):
			t.Fatal("nodes did not terminate within 20s")
		}
	}
	return out
}

func TestRumorRunTerminates(t *testing.T) {
	h := fullMesh(t, "1", "2", "3", "observer")
	nodes := h.nodes(t, "observer", service.NewRumor(service.RumorConfig{Text: rumorText, CountToAcceptance: 1}))

	for name, err := range runAll(t, context.Background(), nodes) {
		if err != nil {
			t.Fatalf("Run(%s): %v", name, err)
		}
	}

	// 2 and 3 hear it from 1 directly; 1 hears it back only on some interleavings
	var accepted []string
	var sent, received uint64
	for _, name := range []string{"1", "2", "3"} {
		if nodes[name].Service().(*service.Rumor).Accepted(rumorText) {
			accepted = append(accepted, name)
		}
		s, r := nodes[name].Manager().Counters()
		sent += s
		received += r
	}
	if !slices.Contains(accepted, "2") || !slices.Contains(accepted, "3") {
		t.Fatalf("accepted by %v, want 2 and 3 among them", accepted)
	}
	if got := nodes["observer"].Service().(*service.Rumor).AcceptedBy(rumorText); !slices.Equal(got, accepted) {
		t.Fatalf("observer tally = %v, want %v", got, accepted)
	}
	if sent != 4 || received != 4 {
		t.Fatalf("application data sent %d, received %d", sent, received)
	}
}

func TestMutexRunTerminates(t *testing.T) {
	h := fullMesh(t, "1", "2", "3", "observer")
	shared := filepath.Join(t.TempDir(), "counter")
	nodes := h.nodes(t, "observer", service.NewMutex(service.MutexConfig{
		Entries:    3,
		SharedFile: shared,
		MaxDelay:   5 * time.Millisecond,
		Hold:       time.Millisecond,
	}))

	for name, err := range runAll(t, context.Background(), nodes) {
		if err != nil {
			t.Fatalf("Run(%s): %v", name, err)
		}
	}

	n, err := mutex.FileCounter{Path: shared}.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if n != 9 {
		t.Fatalf("shared counter = %d, want 9", n)
	}
	for _, name := range []string{"1", "2", "3"} {
		if got := nodes[name].Service().(*service.Mutex).Coordinator().Entries(); got != 3 {
			t.Fatalf("vertex %s entries = %d, want 3", name, got)
		}
	}
	if got := nodes["observer"].Service().(*service.Mutex).TotalEntries(); got != 9 {
		t.Fatalf("observer total = %d, want 9", got)
	}
}

func TestWithoutObserverInitiatorStartsItself(t *testing.T) {
	h := fullMesh(t, "1", "2")
	nodes := h.nodes(t, "observer", service.NewRumor(service.RumorConfig{Text: rumorText, CountToAcceptance: 1}))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		rumor := nodes["2"].Service().(*service.Rumor)
		deadline := time.Now().Add(10 * time.Second)
		for !rumor.Accepted(rumorText) && time.Now().Before(deadline) {
			time.Sleep(10 * time.Millisecond)
		}
		cancel()
	}()

	for name, err := range runAll(t, ctx, nodes) {
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run(%s) = %v, want context.Canceled", name, err)
		}
	}
	if !nodes["2"].Service().(*service.Rumor).Accepted(rumorText) {
		t.Fatal("vertex 2 never accepted the rumor")
	}
}

func TestNewUnknownVertex(t *testing.T) {
	h := fullMesh(t, "1", "2")
	for _, l := range h.listeners {
		l.Close()
	}
	_, err := New(Config{Topology: h.topo, Self: "9"})
	if !errors.Is(err, topology.ErrUnknownVertex) {
		t.Fatalf("err = %v, want ErrUnknownVertex", err)
	}
}

func TestNewRejectsServiceError(t *testing.T) {
	h := fullMesh(t, "1", "2")
	defer func() {
		for _, l := range h.listeners {
			l.Close()
		}
	}()
	_, err := New(Config{
		Topology: h.topo,
		Self:     "1",
		Factory:  service.NewRumor(service.RumorConfig{Text: rumorText}),
	})
	if err == nil {
		t.Fatal("New accepted a rumor with zero count to acceptance")
	}
}

type stubService struct {
	buffered chan int
	started  chan struct{}
}

func newStubService() *stubService {
	return &stubService{buffered: make(chan int, 1), started: make(chan struct{})}
}

func (s *stubService) OnBufferedMessages(msgs []message.Message) { s.buffered <- len(msgs) }
func (s *stubService) OnApplicationData(message.Message) {}
func (s *stubService) Start() { close(s.started) }
func (s *stubService) IsRunning() bool { return true }

func TestIsolatedVertexBecomesReady(t *testing.T) {
	h := fullMesh(t, "solo")
	stub := newStubService()
	nodes := h.nodes(t, "", func(service.Env) (service.Service, error) { return stub, nil })

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		defer cancel()
		select {
		case n := <-stub.buffered:
			if n != 0 {
				t.Errorf("replayed %d messages, want 0", n)
			}
		case <-time.After(5 * time.Second):
			t.Errorf("buffered messages never delivered")
			return
		}
		select {
		case <-stub.started:
		case <-time.After(5 * time.Second):
			t.Errorf("initiator never started")
		}
	}()

	if err := runAll(t, ctx, nodes)["solo"]; !errors.Is(err, context.Canceled) {
		t.Fatalf("Run = %v, want context.Canceled", err)
	}
}

type gatedService struct {
	*stubService
	release chan struct{}
}

func (s gatedService) Start() {
	<-s.release
	s.stubService.Start()
}

func TestInitiatorUnfinishedUntilStarted(t *testing.T) {
	h := fullMesh(t, "a", "b")
	for _, l := range h.listeners {
		t.Cleanup(func() { l.Close() })
	}
	svc := gatedService{newStubService(), make(chan struct{})}
	nodes := h.nodes(t, "", func(service.Env) (service.Service, error) { return svc, nil })

	if nodes["a"].status().Finished {
		t.Fatal("initiator reported finished before its service started")
	}
	if !nodes["b"].status().Finished {
		t.Fatal("non-initiator should report finished")
	}

	nodes["a"].startService()
	if nodes["a"].status().Finished {
		t.Fatal("initiator reported finished while Start was still running")
	}
	close(svc.release)
	<-svc.started
	deadline := time.Now().Add(5 * time.Second)
	for !nodes["a"].status().Finished {
		if time.Now().After(deadline) {
			t.Fatal("initiator still unfinished after Start returned")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
