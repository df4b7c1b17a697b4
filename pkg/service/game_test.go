package service

import (
	"encoding/json"
	"errors"
	"math/rand/v2"
	"testing"

	"github.com/ryandielhenn/avanet/pkg/message"
	"github.com/ryandielhenn/avanet/pkg/topology"
)

// gameTopology links 1, 2 and 3 with each other and with the observer.
func gameTopology(t *testing.T, attrs map[string]map[string]any) *topology.Topology {
	t.Helper()
	var vertices []topology.Vertex
	for i, name := range []string{"1", "2", "3"} {
		vertices = append(vertices, topology.Vertex{Name: name, Address: "127.0.0.1", Port: 7001 + i, Attributes: attrs[name]})
	}
	topo, err := topology.New(vertices, []topology.Adjacency{{V1: "1", V2: "2"}, {V1: "1", V2: "3"}, {V1: "2", V2: "3"}})
	if err != nil {
		t.Fatalf("topology: %v", err)
	}
	topo, err = topo.WithObserver(topology.Vertex{Name: "observer", Address: "127.0.0.1", Port: 7000})
	if err != nil {
		t.Fatalf("WithObserver: %v", err)
	}
	return topo
}

func strategies(leader, follower int) map[string]any {
	out := map[string]any{}
	if leader >= 0 {
		out[LeaderStrategyAttribute] = float64(leader)
	}
	if follower >= 0 {
		out[FollowerStrategyAttribute] = float64(follower)
	}
	return out
}

func newGame(t *testing.T, self string, attrs map[string]any, cfg GameConfig) (*Game, *fakeTransport) {
	t.Helper()
	topo := gameTopology(t, map[string]map[string]any{self: attrs})
	tr := &fakeTransport{self: self, topo: topo}
	if cfg.Rand == nil {
		cfg.Rand = rand.New(rand.NewPCG(1, 2))
	}
	svc, err := NewGame(cfg)(Env{Self: self, Topology: topo, Transport: tr, Observer: "observer"})
	if err != nil {
		t.Fatalf("NewGame: %v", err)
	}
	return svc.(*Game), tr
}

func proposal(t *testing.T, from string, in Instance) message.Message {
	t.Helper()
	m, err := message.NewApplicationData(from, in)
	if err != nil {
		t.Fatalf("NewApplicationData: %v", err)
	}
	return m
}

func decodeSent(t *testing.T, s sentMessage) Instance {
	t.Helper()
	in, err := DecodeInstance(s.m)
	if err != nil {
		t.Fatalf("DecodeInstance(%s): %v", s.m.Payload, err)
	}
	return in
}

func TestStrategyTable(t *testing.T) {
	// accepted[follower][leader]
	accepted := [4][4]bool{
		{true, true, true, true},
		{false, true, true, true},
		{false, false, true, true},
		{false, false, false, true},
	}
	for f := AlwaysAccept; f <= AcceptEverythingOnly; f++ {
		for l := OfferNothing; l <= OfferEverything; l++ {
			if got := f.accepts(l); got != accepted[f][l] {
				t.Fatalf("follower %d accepts leader %d = %v", f, l, got)
			}
		}
	}
	for l := OfferNothing; l <= OfferEverything; l++ {
		if sum := l.leaderShare(9) + l.followerShare(9); sum != 9 {
			t.Fatalf("strategy %d splits 9 into %g", l, sum)
		}
	}
	if OfferOneThird.leaderShare(9) != 6 || OfferOneThird.followerShare(9) != 3 {
		t.Fatal("one third offer does not split 6/3")
	}
}

func TestGameFollowerAcceptsAndLeads(t *testing.T) {
	g, tr := newGame(t, "2", strategies(int(OfferTwoThirds), int(AcceptAtLeastOneThird)), GameConfig{Stake: 9, NodesToContact: 1, Rounds: 2})
	g.OnBufferedMessages([]message.Message{proposal(t, "1", Instance{Strategy: OfferOneThird})})

	sent := tr.takeSent()
	if len(sent) != 2 {
		t.Fatalf("sent %d messages, want answer plus one proposal", len(sent))
	}
	answer := decodeSent(t, sent[0])
	if sent[0].to != "1" || answer.Result == nil || *answer.Result != Accepted || answer.Strategy != OfferOneThird {
		t.Fatalf("answer to %s = %+v", sent[0].to, answer)
	}
	if g.Balance() != 3 {
		t.Fatalf("balance = %g, want 3", g.Balance())
	}
	lead := decodeSent(t, sent[1])
	if sent[1].to == "2" || sent[1].to == "observer" || lead.Result != nil || lead.Strategy != OfferTwoThirds || lead.Halt {
		t.Fatalf("proposal to %s = %+v", sent[1].to, lead)
	}
}

func TestGameFollowerDeclines(t *testing.T) {
	g, tr := newGame(t, "2", strategies(int(OfferNothing), int(AcceptEverythingOnly)), GameConfig{Stake: 9, NodesToContact: 2, Rounds: 1})
	g.OnApplicationData(proposal(t, "3", Instance{Strategy: OfferTwoThirds, Halt: true}))

	sent := tr.takeSent()
	if len(sent) != 1 {
		t.Fatalf("sent %d messages, a halting proposal only gets an answer", len(sent))
	}
	if in := decodeSent(t, sent[0]); sent[0].to != "3" || *in.Result != Declined {
		t.Fatalf("answer to %s = %+v", sent[0].to, in)
	}
	if g.Balance() != 0 {
		t.Fatalf("balance = %g after declining", g.Balance())
	}
}

func TestGameWithoutFollowerStrategy(t *testing.T) {
	g, tr := newGame(t, "3", strategies(-1, -1), GameConfig{Stake: 3, NodesToContact: 1, Rounds: 1})
	g.OnApplicationData(proposal(t, "1", Instance{Strategy: OfferEverything}))

	sent := tr.takeSent()
	if len(sent) != 1 || *decodeSent(t, sent[0]).Result != NoFollowerStrategy {
		t.Fatalf("sent %+v, want a single no-strategy answer", sent)
	}
	// no leader strategy: Start proposes nothing
	g.Start()
	if got := tr.takeSent(); len(got) != 0 {
		t.Fatalf("started without leader strategy and sent %d", len(got))
	}
}

func TestGameLeaderSettles(t *testing.T) {
	g, _ := newGame(t, "1", strategies(int(OfferOneThird), -1), GameConfig{Stake: 9, NodesToContact: 2, Rounds: 1})
	accepted, declined := Accepted, Declined
	g.OnApplicationData(proposal(t, "2", Instance{Strategy: OfferOneThird, Result: &accepted}))
	g.OnApplicationData(proposal(t, "3", Instance{Strategy: OfferOneThird, Result: &declined}))
	if g.Balance() != 6 {
		t.Fatalf("balance = %g, want 6", g.Balance())
	}
}

func TestGameRoundsBounded(t *testing.T) {
	g, tr := newGame(t, "1", strategies(int(OfferEverything), int(AlwaysAccept)), GameConfig{Stake: 3, NodesToContact: 2, Rounds: 2})
	g.Start()
	first := tr.takeSent()
	if len(first) != 2 || first[0].to == first[1].to {
		t.Fatalf("first round sent to %+v, want two distinct followers", first)
	}
	for i := 0; i < 3; i++ {
		g.OnApplicationData(proposal(t, "2", Instance{Strategy: OfferNothing}))
	}
	proposals := 0
	var last Instance
	for _, s := range tr.takeSent() {
		if in := decodeSent(t, s); in.Result == nil {
			proposals++
			last = in
		}
	}
	if proposals != 2 || !last.Halt {
		t.Fatalf("led %d more proposals (last %+v), want one more halting round of 2", proposals, last)
	}
	raw, err := g.FinalMeasurements()
	if err != nil {
		t.Fatalf("FinalMeasurements: %v", err)
	}
	report, _ := message.New(message.Measurement, "1", raw)

	obs, _ := newGame(t, "observer", nil, GameConfig{Stake: 3, NodesToContact: 1, Rounds: 1})
	obs.OnMeasurementMessage(report)
	if got := obs.Balances(); len(got) != 1 || got["1"] != 0 {
		t.Fatalf("observer balances = %v", got)
	}
}

func TestDecodeInstanceInvalid(t *testing.T) {
	payloads := []string{
		`{"strategy":1}`,
		`{"halt":false}`,
		`{"strategy":7,"halt":false}`,
		`{"strategy":1,"halt":false,"result":9}`,
		`"nope"`,
	}
	for _, p := range payloads {
		m, err := message.New(message.ApplicationData, "1", json.RawMessage(p))
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		if _, err := DecodeInstance(m); !errors.Is(err, ErrInvalidInstance) {
			t.Fatalf("DecodeInstance(%s) err = %v", p, err)
		}
	}
}

func TestNewGameValidates(t *testing.T) {
	topo := gameTopology(t, map[string]map[string]any{
		"1": {LeaderStrategyAttribute: float64(5)},
		"2": {FollowerStrategyAttribute: 1.5},
	})
	env := func(self string) Env {
		return Env{Self: self, Topology: topo, Transport: &fakeTransport{self: self, topo: topo}, Observer: "observer"}
	}
	ok := GameConfig{Stake: 1, NodesToContact: 1, Rounds: 1}

	if _, err := NewGame(ok)(env("1")); !errors.Is(err, ErrInvalidStrategy) {
		t.Fatalf("out of range strategy: err = %v", err)
	}
	if _, err := NewGame(ok)(env("2")); !errors.Is(err, ErrInvalidStrategy) {
		t.Fatalf("fractional strategy: err = %v", err)
	}
	if _, err := NewGame(GameConfig{Stake: 1, NodesToContact: 3, Rounds: 1})(env("3")); err == nil {
		t.Fatal("3 can reach only 2 participants but was asked to contact 3")
	}
	if _, err := NewGame(GameConfig{NodesToContact: 1, Rounds: 1})(env("3")); err == nil {
		t.Fatal("zero stake accepted")
	}
}
