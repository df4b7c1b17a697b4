// Package config reads the process configuration from flags with
// environment fallbacks.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/ryandielhenn/avanet/pkg/topology"
)

var (
	ErrMissingParameter = errors.New("missing parameter")
	ErrInvalidParameter = errors.New("invalid parameter")
)

const (
	ServiceNone  = "none"
	ServiceRumor = "rumor"
	ServiceMutex = "mutex"
	ServiceGame  = "game"
)

type Config struct {
	Topology       string
	PeerName       string
	Master         bool
	RandomVertices int
	RandomEdges    int

	Service                string
	Rumor                  string
	RumorCountToAcceptance int
	Entries                int
	SharedFile             string
	MaxDelay               time.Duration
	Hold                   time.Duration
	Stake                  float64
	NodesToContact         int
	GameRounds             int

	Observer       string
	Initiator      string
	PollInterval   time.Duration
	ConnectTimeout time.Duration
	Grace          time.Duration

	MetricsAddr   string
	EtcdEndpoints []string
	LogLevel      string
	Dev           bool
}

// Parse reads args (without the program name). getenv supplies defaults for
// AVA_TOPOLOGY, AVA_PEER_NAME, AVA_ETCD_ENDPOINTS and AVA_METRICS_ADDR.
func Parse(args []string, getenv func(string) string) (Config, error) {
	var (
		c      Config
		random string
		etcd   string
	)
	fs := flag.NewFlagSet("avanode", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&c.Topology, "topology", getenv("AVA_TOPOLOGY"), "path of the topology JSON file")
	fs.StringVar(&c.PeerName, "peerName", getenv("AVA_PEER_NAME"), "name of the vertex this process runs")
	fs.BoolVar(&c.Master, "master", false, "spawn a process for every other vertex")
	fs.StringVar(&random, "randomTopology", "", "generate a random topology of `V,E` vertices and edges (master only)")
	fs.StringVar(&c.Service, "service", ServiceNone, "service to run: none, rumor, mutex or game")
	fs.StringVar(&c.Rumor, "rumor", "", "rumor text the initiator spreads")
	fs.IntVar(&c.RumorCountToAcceptance, "rumorCountToAcceptance", 2, "distinct tellers before a rumor is believed")
	fs.IntVar(&c.Entries, "entries", 3, "critical section entries per vertex (0 runs forever)")
	fs.StringVar(&c.SharedFile, "sharedFile", "", "counter file incremented inside the critical section")
	fs.DurationVar(&c.MaxDelay, "maxDelay", 50*time.Millisecond, "upper bound of the random pause before each request")
	fs.DurationVar(&c.Hold, "hold", 10*time.Millisecond, "time spent inside the critical section")
	fs.Float64Var(&c.Stake, "stake", 0, "amount split in every leader/follower instance")
	fs.IntVar(&c.NodesToContact, "nodesToContact", 1, "followers a leader proposes to per round")
	fs.IntVar(&c.GameRounds, "gameRounds", 5, "rounds each vertex leads before it stops proposing")
	fs.StringVar(&c.Observer, "observer", "observer", "name of the observer vertex")
	fs.StringVar(&c.Initiator, "initiator", "", "vertex whose service is started (default: first non-observer by name)")
	fs.DurationVar(&c.PollInterval, "pollInterval", 500*time.Millisecond, "termination polling interval")
	fs.DurationVar(&c.ConnectTimeout, "connectTimeout", 30*time.Second, "how long neighbor streams try to connect")
	fs.DurationVar(&c.Grace, "grace", time.Second, "delay between terminate and exit")
	fs.StringVar(&c.MetricsAddr, "metricsAddr", getenv("AVA_METRICS_ADDR"), "serve /metrics, /healthz and /info on this address")
	fs.StringVar(&etcd, "etcd", getenv("AVA_ETCD_ENDPOINTS"), "comma separated etcd endpoints for address registration")
	fs.StringVar(&c.LogLevel, "logLevel", "info", "debug, info, warn or error")
	fs.BoolVar(&c.Dev, "dev", false, "human readable logs")

	if err := fs.Parse(args); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalidParameter, err)
	}
	if random != "" {
		v, e, err := parseDimension(random)
		if err != nil {
			return Config{}, err
		}
		c.RandomVertices, c.RandomEdges = v, e
	}
	for _, ep := range strings.Split(etcd, ",") {
		if ep = strings.TrimSpace(ep); ep != "" {
			c.EtcdEndpoints = append(c.EtcdEndpoints, ep)
		}
	}
	return c, c.Validate()
}

func parseDimension(s string) (int, int, error) {
	vs, es, ok := strings.Cut(s, ",")
	if !ok {
		return 0, 0, fmt.Errorf("%w: -randomTopology %q, want V,E", ErrInvalidParameter, s)
	}
	v, err := strconv.Atoi(strings.TrimSpace(vs))
	if err != nil {
		return 0, 0, fmt.Errorf("%w: -randomTopology vertices: %v", ErrInvalidParameter, err)
	}
	e, err := strconv.Atoi(strings.TrimSpace(es))
	if err != nil {
		return 0, 0, fmt.Errorf("%w: -randomTopology edges: %v", ErrInvalidParameter, err)
	}
	return v, e, nil
}

// RandomTopology reports whether the master should generate the topology.
func (c Config) RandomTopology() bool {
	return c.RandomVertices > 0 || c.RandomEdges > 0
}

func (c Config) Validate() error {
	if c.PeerName == "" {
		return fmt.Errorf("%w: -peerName", ErrMissingParameter)
	}
	if c.RandomTopology() {
		// a bad dimension is reported as such even without -master
		v, e := c.RandomVertices, c.RandomEdges
		if v < 2 || e < v || e > v*(v-1)/2 {
			return fmt.Errorf("%w: %d vertices, %d edges", topology.ErrInvalidDimension, v, e)
		}
		if !c.Master {
			return fmt.Errorf("%w: -randomTopology requires -master", ErrInvalidParameter)
		}
	} else if c.Topology == "" {
		return fmt.Errorf("%w: -topology", ErrMissingParameter)
	}
	switch c.Service {
	case ServiceNone, ServiceMutex:
	case ServiceRumor:
		if c.Rumor == "" {
			return fmt.Errorf("%w: -rumor", ErrMissingParameter)
		}
		if c.RumorCountToAcceptance < 1 {
			return fmt.Errorf("%w: -rumorCountToAcceptance must be at least 1", ErrInvalidParameter)
		}
	case ServiceGame:
		if c.Stake == 0 {
			return fmt.Errorf("%w: -stake", ErrMissingParameter)
		}
		if c.Stake < 0 {
			return fmt.Errorf("%w: -stake must be positive", ErrInvalidParameter)
		}
		if c.NodesToContact < 1 {
			return fmt.Errorf("%w: -nodesToContact must be at least 1", ErrInvalidParameter)
		}
		if c.GameRounds < 1 {
			return fmt.Errorf("%w: -gameRounds must be at least 1", ErrInvalidParameter)
		}
	default:
		return fmt.Errorf("%w: unknown -service %q", ErrInvalidParameter, c.Service)
	}
	if c.Entries < 0 {
		return fmt.Errorf("%w: -entries must not be negative", ErrInvalidParameter)
	}
	return nil
}

// ChildArgs are the arguments the master passes to the process of vertex.
func (c Config) ChildArgs(topologyPath, vertex string) []string {
	args := []string{
		"-topology", topologyPath,
		"-peerName", vertex,
		"-service", c.Service,
		"-observer", c.Observer,
		"-pollInterval", c.PollInterval.String(),
		"-connectTimeout", c.ConnectTimeout.String(),
		"-grace", c.Grace.String(),
		"-logLevel", c.LogLevel,
	}
	if c.Initiator != "" {
		args = append(args, "-initiator", c.Initiator)
	}
	switch c.Service {
	case ServiceRumor:
		args = append(args, "-rumor", c.Rumor, "-rumorCountToAcceptance", strconv.Itoa(c.RumorCountToAcceptance))
	case ServiceMutex:
		args = append(args, "-entries", strconv.Itoa(c.Entries), "-maxDelay", c.MaxDelay.String(), "-hold", c.Hold.String())
		if c.SharedFile != "" {
			args = append(args, "-sharedFile", c.SharedFile)
		}
	case ServiceGame:
		args = append(args,
			"-stake", strconv.FormatFloat(c.Stake, 'g', -1, 64),
			"-nodesToContact", strconv.Itoa(c.NodesToContact),
			"-gameRounds", strconv.Itoa(c.GameRounds),
		)
	}
	if len(c.EtcdEndpoints) > 0 {
		args = append(args, "-etcd", strings.Join(c.EtcdEndpoints, ","))
	}
	if c.Dev {
		args = append(args, "-dev")
	}
	return args
}

// ExitCode maps a startup error to the process exit status.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrMissingParameter), errors.Is(err, ErrInvalidParameter):
		return 2
	case errors.Is(err, topology.ErrUnknownVertex):
		return 3
	case errors.Is(err, topology.ErrMalformed):
		return 4
	case errors.Is(err, topology.ErrAmbiguousVertex):
		return 5
	case errors.Is(err, topology.ErrInvalidDimension):
		return 6
	}
	return 1
}
