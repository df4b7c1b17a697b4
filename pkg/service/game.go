package service

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"math/rand/v2"
	"slices"
	"sync"

	"github.com/ryandielhenn/avanet/internal/logging"
	"github.com/ryandielhenn/avanet/pkg/message"
)

// Vertex attributes that select a vertex's strategies.
const (
	LeaderStrategyAttribute   = "leader_strategy"
	FollowerStrategyAttribute = "follower_strategy"
)

// LeaderStrategy is how much of the stake a leader offers. The values are
// part of the wire format.
type LeaderStrategy int

const (
	OfferNothing LeaderStrategy = iota
	OfferOneThird
	OfferTwoThirds
	OfferEverything
)

func (s LeaderStrategy) valid() bool { return s >= OfferNothing && s <= OfferEverything }

// leaderShare is what the leader keeps when its offer is accepted.
func (s LeaderStrategy) leaderShare(stake float64) float64 {
	return stake * float64(OfferEverything-s) / 3
}

// followerShare is what an accepting follower gets.
func (s LeaderStrategy) followerShare(stake float64) float64 {
	return stake * float64(s) / 3
}

// FollowerStrategy is the smallest offer a follower accepts.
type FollowerStrategy int

const (
	AlwaysAccept FollowerStrategy = iota
	AcceptAtLeastOneThird
	AcceptAtLeastTwoThirds
	AcceptEverythingOnly
)

func (s FollowerStrategy) valid() bool { return s >= AlwaysAccept && s <= AcceptEverythingOnly }

func (s FollowerStrategy) accepts(offer LeaderStrategy) bool {
	return int(offer) >= int(s)
}

// Result is a follower's answer to an instance.
type Result int

const (
	NoFollowerStrategy Result = iota
	Accepted
	Declined
)

func (r Result) String() string {
	switch r {
	case NoFollowerStrategy:
		return "no follower strategy"
	case Accepted:
		return "accepted"
	case Declined:
		return "declined"
	}
	return fmt.Sprintf("result(%d)", int(r))
}

var (
	ErrInvalidInstance = errors.New("invalid game instance")
	ErrInvalidStrategy = errors.New("invalid strategy")
)

// Instance is one proposal of the leader/follower game. A proposal carries no
// Result; the follower sends it back with one.
type Instance struct {
	Strategy LeaderStrategy `json:"strategy"`
	Result   *Result        `json:"result,omitempty"`
	// Halt marks the leader's last proposal; a follower answers it but does
	// not lead a new round in turn.
	Halt bool `json:"halt"`
}

type instanceWire struct {
	Strategy *int  `json:"strategy"`
	Result   *int  `json:"result"`
	Halt     *bool `json:"halt"`
}

// DecodeInstance reads an Instance from an ApplicationData payload.
func DecodeInstance(m message.Message) (Instance, error) {
	var w instanceWire
	if err := m.UnmarshalPayload(&w); err != nil {
		return Instance{}, fmt.Errorf("%w: %v", ErrInvalidInstance, err)
	}
	if w.Strategy == nil || w.Halt == nil {
		return Instance{}, fmt.Errorf("%w: strategy and halt are required", ErrInvalidInstance)
	}
	in := Instance{Strategy: LeaderStrategy(*w.Strategy), Halt: *w.Halt}
	if !in.Strategy.valid() {
		return Instance{}, fmt.Errorf("%w: strategy %d", ErrInvalidInstance, *w.Strategy)
	}
	if w.Result != nil {
		r := Result(*w.Result)
		if r < NoFollowerStrategy || r > Declined {
			return Instance{}, fmt.Errorf("%w: result %d", ErrInvalidInstance, *w.Result)
		}
		in.Result = &r
	}
	return in, nil
}

type GameConfig struct {
	// Stake is split between leader and follower in every accepted instance.
	Stake float64
	// NodesToContact is how many followers a leader proposes to per round.
	NodesToContact int
	// Rounds bounds how often a vertex leads.
	Rounds int
	// Rand picks followers; nil seeds a fresh generator.
	Rand *rand.Rand
}

// GameMeasurement is what a vertex reports to the observer at the end.
// Accepted and Declined count its answers as a follower.
type GameMeasurement struct {
	Vertex   string  `json:"vertex"`
	Balance  float64 `json:"balance"`
	Led      int     `json:"led"`
	Accepted int     `json:"accepted"`
	Declined int     `json:"declined"`
}

// Game plays the repeated leader/follower bargaining game. A vertex leads
// with the strategy in its leader_strategy attribute and answers proposals
// with the one in follower_strategy. Every answered proposal makes the
// follower lead a round of its own, until its rounds are used up.
type Game struct {
	env        Env
	cfg        GameConfig
	log        logging.Scope
	leader     *LeaderStrategy
	follower   *FollowerStrategy
	candidates []string

	mu       sync.Mutex
	rng      *rand.Rand
	running  bool
	balance  float64
	led      int
	accepted int
	declined int
	balances map[string]float64
}

func NewGame(cfg GameConfig) Factory {
	return func(env Env) (Service, error) {
		if cfg.Stake <= 0 {
			return nil, errors.New("game: stake must be positive")
		}
		if cfg.NodesToContact < 1 || cfg.Rounds < 1 {
			return nil, errors.New("game: nodes to contact and rounds must be at least 1")
		}
		g := &Game{env: env, cfg: cfg, log: env.scope(), rng: cfg.Rand, balances: map[string]float64{}}
		if g.rng == nil {
			g.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
		}

		v, _ := env.Topology.Vertex(env.Self)
		if raw, ok, err := strategyAttribute(v.Attributes, LeaderStrategyAttribute); err != nil {
			return nil, err
		} else if ok {
			s := LeaderStrategy(raw)
			if !s.valid() {
				return nil, fmt.Errorf("%w: %s %d on %s", ErrInvalidStrategy, LeaderStrategyAttribute, raw, env.Self)
			}
			g.leader = &s
		}
		if raw, ok, err := strategyAttribute(v.Attributes, FollowerStrategyAttribute); err != nil {
			return nil, err
		} else if ok {
			s := FollowerStrategy(raw)
			if !s.valid() {
				return nil, fmt.Errorf("%w: %s %d on %s", ErrInvalidStrategy, FollowerStrategyAttribute, raw, env.Self)
			}
			g.follower = &s
		}

		neighbors := env.Topology.Neighbors(env.Self)
		for _, p := range env.Participants() {
			if slices.Contains(neighbors, p) {
				g.candidates = append(g.candidates, p)
			}
		}
		if env.Self != env.Observer && cfg.NodesToContact > len(g.candidates) {
			return nil, fmt.Errorf("game: %s can reach %d participants, cannot contact %d", env.Self, len(g.candidates), cfg.NodesToContact)
		}
		return g, nil
	}
}

// strategyAttribute reads an integer attribute; JSON numbers arrive as
// float64.
func strategyAttribute(attrs map[string]any, key string) (int, bool, error) {
	v, ok := attrs[key]
	if !ok {
		return 0, false, nil
	}
	switch n := v.(type) {
	case float64:
		if n != float64(int(n)) {
			return 0, false, fmt.Errorf("%w: %s = %v is not an integer", ErrInvalidStrategy, key, n)
		}
		return int(n), true, nil
	case int:
		return n, true, nil
	}
	return 0, false, fmt.Errorf("%w: %s = %v", ErrInvalidStrategy, key, v)
}

func (g *Game) OnBufferedMessages(msgs []message.Message) {
	g.mu.Lock()
	g.running = true
	g.mu.Unlock()
	for _, m := range msgs {
		g.OnApplicationData(m)
	}
}

func (g *Game) OnApplicationData(m message.Message) {
	in, err := DecodeInstance(m)
	if err != nil {
		g.log.Remotef(logging.Warning, logging.Processing, m.Sender, &m, "%v", err)
		return
	}
	if in.Result != nil {
		g.settle(in, m.Sender)
		return
	}
	g.follow(in, m.Sender)
}

// settle books the outcome of one of our own proposals.
func (g *Game) settle(in Instance, follower string) {
	g.mu.Lock()
	if *in.Result == Accepted {
		g.balance += in.Strategy.leaderShare(g.cfg.Stake)
	}
	balance := g.balance
	g.mu.Unlock()

	if *in.Result == Accepted {
		g.log.Remotef(logging.Success, logging.Processing, follower, nil, "follower accepted offer, balance -> %g", balance)
		return
	}
	g.log.Remotef(logging.Info, logging.Processing, follower, nil, "follower answered %s", *in.Result)
}

// follow answers a proposal and then leads a round of our own.
func (g *Game) follow(in Instance, leader string) {
	g.mu.Lock()
	var result Result
	switch {
	case g.follower == nil:
		result = NoFollowerStrategy
		g.declined++
	case g.follower.accepts(in.Strategy):
		result = Accepted
		g.accepted++
		g.balance += in.Strategy.followerShare(g.cfg.Stake)
	default:
		result = Declined
		g.declined++
	}
	balance := g.balance
	g.mu.Unlock()

	switch result {
	case Accepted:
		g.log.Remotef(logging.Success, logging.Processing, leader, nil, "accepted offer, balance -> %g", balance)
	case Declined:
		g.log.Remotef(logging.Info, logging.Processing, leader, nil, "declined offer")
	default:
		g.log.Remotef(logging.Info, logging.Processing, leader, nil, "declining offer without a follower strategy")
	}

	in.Result = &result
	g.send(in, leader)
	if !in.Halt {
		g.lead()
	}
}

// lead proposes to NodesToContact random participants unless the rounds are
// used up or this vertex has no leader strategy.
func (g *Game) lead() {
	if g.leader == nil {
		return
	}
	g.mu.Lock()
	if g.led >= g.cfg.Rounds || len(g.candidates) == 0 {
		g.mu.Unlock()
		return
	}
	g.led++
	in := Instance{Strategy: *g.leader, Halt: g.led == g.cfg.Rounds}
	k := min(g.cfg.NodesToContact, len(g.candidates))
	targets := make([]string, 0, k)
	for _, i := range g.rng.Perm(len(g.candidates))[:k] {
		targets = append(targets, g.candidates[i])
	}
	round := g.led
	g.mu.Unlock()

	slices.Sort(targets)
	g.log.Logf(logging.Info, logging.Processing, "round %d: proposing to %v", round, targets)
	for _, to := range targets {
		g.send(in, to)
	}
}

func (g *Game) send(in Instance, to string) {
	m, err := message.NewApplicationData(g.env.Self, in)
	if err != nil {
		g.log.Logf(logging.Error, logging.Processing, "instance payload: %v", err)
		return
	}
	if !g.env.Transport.Send(m, to) {
		g.log.Remotef(logging.Warning, logging.DataSent, to, &m, "instance not delivered")
	}
}

// Start leads the first round.
func (g *Game) Start() {
	g.mu.Lock()
	g.running = true
	g.mu.Unlock()
	if g.leader == nil {
		g.log.Logf(logging.Error, logging.Processing, "cannot start the game without a %s attribute", LeaderStrategyAttribute)
		return
	}
	g.log.Logf(logging.Info, logging.Processing, "starting the game")
	g.lead()
}

func (g *Game) IsRunning() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.running
}

func (g *Game) Balance() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.balance
}

func (g *Game) NeedsMeasurement() bool { return true }

func (g *Game) FinalMeasurements() (json.RawMessage, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return json.Marshal(GameMeasurement{
		Vertex:   g.env.Self,
		Balance:  g.balance,
		Led:      g.led,
		Accepted: g.accepted,
		Declined: g.declined,
	})
}

func (g *Game) OnFinalMeasurementSent() {
	g.mu.Lock()
	g.running = false
	g.mu.Unlock()
}

// OnMeasurementMessage records, on the observer, every vertex's final
// balance.
func (g *Game) OnMeasurementMessage(m message.Message) {
	var gm GameMeasurement
	if err := m.UnmarshalPayload(&gm); err != nil {
		g.log.Remotef(logging.Warning, logging.Processing, m.Sender, &m, "bad measurement: %v", err)
		return
	}
	g.mu.Lock()
	g.balances[gm.Vertex] = gm.Balance
	g.mu.Unlock()
	g.log.Logf(logging.Measurement, logging.Processing, "%s finished with balance %g after leading %d rounds", gm.Vertex, gm.Balance, gm.Led)
}

// Balances returns, on the observer, the final balance per vertex.
func (g *Game) Balances() map[string]float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return maps.Clone(g.balances)
}
