package config

import (
	"errors"
	"fmt"
	"slices"
	"testing"
	"time"

	"github.com/ryandielhenn/avanet/pkg/topology"
)

func env(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestParseMinimal(t *testing.T) {
	c, err := Parse([]string{"--topology", "topo.json", "--peerName", "3"}, env(nil))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if c.Topology != "topo.json" || c.PeerName != "3" || c.Service != ServiceNone {
		t.Fatalf("config = %+v", c)
	}
	if c.PollInterval != 500*time.Millisecond || c.Observer != "observer" {
		t.Fatalf("defaults = %v %q", c.PollInterval, c.Observer)
	}
}

func TestParseEnvFallback(t *testing.T) {
	c, err := Parse(nil, env(map[string]string{
		"AVA_TOPOLOGY":       "/etc/ava/topo.json",
		"AVA_PEER_NAME":      "7",
		"AVA_ETCD_ENDPOINTS": "http://etcd:2379, http://etcd2:2379",
	}))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if c.Topology != "/etc/ava/topo.json" || c.PeerName != "7" {
		t.Fatalf("config = %+v", c)
	}
	if !slices.Equal(c.EtcdEndpoints, []string{"http://etcd:2379", "http://etcd2:2379"}) {
		t.Fatalf("etcd = %v", c.EtcdEndpoints)
	}
}

func TestParseErrors(t *testing.T) {
	cases := []struct {
		args []string
		want int
	}{
		{[]string{"-topology", "t.json"}, 2},
		{[]string{"-peerName", "1"}, 2},
		{[]string{"-peerName", "1", "-topology", "t", "-service", "paxos"}, 2},
		{[]string{"-peerName", "1", "-topology", "t", "-service", "rumor"}, 2},
		{[]string{"-peerName", "1", "-randomTopology", "5,6"}, 2},
		{[]string{"-peerName", "1", "-master", "-randomTopology", "5"}, 2},
		{[]string{"-peerName", "1", "-master", "-randomTopology", "5,4"}, 6},
		{[]string{"-peerName", "1", "-randomTopology", "5,4"}, 6},
		{[]string{"-peerName", "1", "-master", "-randomTopology", "4,7"}, 6},
		{[]string{"-peerName", "1", "-topology", "t", "-service", "game"}, 2},
		{[]string{"-peerName", "1", "-topology", "t", "-service", "game", "-stake", "-3"}, 2},
		{[]string{"-peerName", "1", "-topology", "t", "-service", "game", "-stake", "9", "-nodesToContact", "0"}, 2},
		{[]string{"-bogus"}, 2},
	}
	for _, tc := range cases {
		_, err := Parse(tc.args, env(nil))
		if got := ExitCode(err); got != tc.want {
			t.Fatalf("Parse(%v): exit %d (%v), want %d", tc.args, got, err, tc.want)
		}
	}
}

func TestParseRandomTopology(t *testing.T) {
	c, err := Parse([]string{"-peerName", "observer", "-master", "-randomTopology", "5,6"}, env(nil))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !c.RandomTopology() || c.RandomVertices != 5 || c.RandomEdges != 6 {
		t.Fatalf("config = %+v", c)
	}
}

func TestExitCodes(t *testing.T) {
	cases := map[error]int{
		nil: 0,
		fmt.Errorf("load: %w", topology.ErrUnknownVertex):                 3,
		fmt.Errorf("load: %w", topology.ErrMalformed):                     4,
		&topology.AmbiguousVertexError{Vertex: topology.Vertex{Name: "A"}}: 5,
		topology.ErrInvalidDimension:                                      6,
		errors.New("listen: address in use"):                              1,
	}
	for err, want := range cases {
		if got := ExitCode(err); got != want {
			t.Fatalf("ExitCode(%v) = %d, want %d", err, got, want)
		}
	}
}

func TestChildArgsRoundTrip(t *testing.T) {
	master, err := Parse([]string{
		"-peerName", "observer", "-master", "-topology", "t.json",
		"-service", "rumor", "-rumor", "the cake", "-rumorCountToAcceptance", "3", "-dev",
	}, env(nil))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	child, err := Parse(master.ChildArgs("/tmp/t.json", "4"), env(nil))
	if err != nil {
		t.Fatalf("Parse(child): %v", err)
	}
	if child.Master || child.PeerName != "4" || child.Topology != "/tmp/t.json" {
		t.Fatalf("child = %+v", child)
	}
	if child.Rumor != "the cake" || child.RumorCountToAcceptance != 3 || !child.Dev {
		t.Fatalf("child service settings = %+v", child)
	}
}

func TestChildArgsGame(t *testing.T) {
	master, err := Parse([]string{
		"-peerName", "observer", "-master", "-topology", "t.json",
		"-service", "game", "-stake", "7.5", "-nodesToContact", "2", "-gameRounds", "3",
	}, env(nil))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	child, err := Parse(master.ChildArgs("/tmp/t.json", "2"), env(nil))
	if err != nil {
		t.Fatalf("Parse(child): %v", err)
	}
	if child.Service != ServiceGame || child.Stake != 7.5 || child.NodesToContact != 2 || child.GameRounds != 3 {
		t.Fatalf("child game settings = %+v", child)
	}
}
