package service

import (
	"encoding/json"
	"errors"
	"slices"
	"sync"

	"github.com/ryandielhenn/avanet/internal/logging"
	"github.com/ryandielhenn/avanet/pkg/message"
)

type RumorConfig struct {
	Text string
	// CountToAcceptance is how many distinct neighbors must tell a rumor
	// before it is believed.
	CountToAcceptance int
}

type rumorPayload struct {
	Text string `json:"rumorText"`
}

type heardRumor struct {
	heardFrom []string
	accepted  bool
}

// Rumor spreads a rumor through the topology. Each vertex forwards a rumor
// the first time it hears it, to every neighbor except the teller.
type Rumor struct {
	env Env
	cfg RumorConfig
	log logging.Scope

	mu       sync.Mutex
	running  bool
	rumors   map[string]*heardRumor
	reported map[string][]string
}

// RumorMeasurement is what a vertex reports to the observer at the end.
type RumorMeasurement struct {
	Vertex    string         `json:"vertex"`
	Accepted  []string       `json:"accepted"`
	HeardFrom map[string]int `json:"heardFrom"`
}

func NewRumor(cfg RumorConfig) Factory {
	return func(env Env) (Service, error) {
		if cfg.CountToAcceptance < 1 {
			return nil, errors.New("rumor: count to acceptance must be at least 1")
		}
		return &Rumor{
			env:      env,
			cfg:      cfg,
			log:      env.scope(),
			rumors:   make(map[string]*heardRumor),
			reported: make(map[string][]string),
		}, nil
	}
}

func (r *Rumor) OnBufferedMessages(msgs []message.Message) {
	r.mu.Lock()
	r.running = true
	r.mu.Unlock()
	for _, m := range msgs {
		r.OnApplicationData(m)
	}
}

func (r *Rumor) OnApplicationData(m message.Message) {
	var p rumorPayload
	if err := m.UnmarshalPayload(&p); err != nil || p.Text == "" {
		r.log.Remotef(logging.Warning, logging.Processing, m.Sender, &m, "no rumor in application data")
		return
	}
	r.heard(p.Text, m.Sender)
}

func (r *Rumor) heard(text, from string) {
	r.mu.Lock()
	h, known := r.rumors[text]
	if !known {
		h = &heardRumor{}
		r.rumors[text] = h
	}
	if !slices.Contains(h.heardFrom, from) {
		h.heardFrom = append(h.heardFrom, from)
	}
	accept := !h.accepted && len(h.heardFrom) >= r.cfg.CountToAcceptance
	if accept {
		h.accepted = true
	}
	r.mu.Unlock()

	if !known {
		r.spread(text, from)
	}
	if accept {
		r.log.Logf(logging.Success, logging.Processing, "accepted rumor %q after hearing it %d times", text, r.cfg.CountToAcceptance)
	}
}

func (r *Rumor) spread(text string, except ...string) {
	m, err := message.NewApplicationData(r.env.Self, rumorPayload{Text: text})
	if err != nil {
		r.log.Logf(logging.Error, logging.Processing, "rumor payload: %v", err)
		return
	}
	if r.env.Observer != "" {
		except = append(except, r.env.Observer)
	}
	for to, ok := range r.env.Transport.Broadcast(m, except...) {
		if !ok {
			r.log.Remotef(logging.Warning, logging.DataSent, to, &m, "rumor not delivered")
		}
	}
}

// Start tells the configured rumor to every neighbor.
func (r *Rumor) Start() {
	r.mu.Lock()
	r.running = true
	if _, ok := r.rumors[r.cfg.Text]; !ok {
		r.rumors[r.cfg.Text] = &heardRumor{}
	}
	r.mu.Unlock()
	r.log.Logf(logging.Info, logging.Processing, "start spreading rumor %q", r.cfg.Text)
	r.spread(r.cfg.Text)
}

func (r *Rumor) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// Accepted reports whether text has been believed.
func (r *Rumor) Accepted(text string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.rumors[text]
	return ok && h.accepted
}

func (r *Rumor) NeedsMeasurement() bool { return true }

func (r *Rumor) FinalMeasurements() (json.RawMessage, error) {
	r.mu.Lock()
	out := RumorMeasurement{Vertex: r.env.Self, Accepted: []string{}, HeardFrom: map[string]int{}}
	for text, h := range r.rumors {
		out.HeardFrom[text] = len(h.heardFrom)
		if h.accepted {
			out.Accepted = append(out.Accepted, text)
		}
	}
	r.mu.Unlock()
	slices.Sort(out.Accepted)
	return json.Marshal(out)
}

func (r *Rumor) OnFinalMeasurementSent() {
	r.mu.Lock()
	r.running = false
	r.mu.Unlock()
}

// OnMeasurementMessage tallies, on the observer, which vertices accepted
// which rumor.
func (r *Rumor) OnMeasurementMessage(m message.Message) {
	var rm RumorMeasurement
	if err := m.UnmarshalPayload(&rm); err != nil {
		r.log.Remotef(logging.Warning, logging.Processing, m.Sender, &m, "bad measurement: %v", err)
		return
	}
	r.mu.Lock()
	for _, text := range rm.Accepted {
		if !slices.Contains(r.reported[text], rm.Vertex) {
			r.reported[text] = append(r.reported[text], rm.Vertex)
		}
	}
	counts := make(map[string]int, len(r.reported))
	for text, vertices := range r.reported {
		counts[text] = len(vertices)
	}
	r.mu.Unlock()
	for text, n := range counts {
		r.log.Logf(logging.Measurement, logging.Processing, "rumor %q accepted by %d vertices", text, n)
	}
}

// AcceptedBy returns, on the observer, the vertices that reported text as
// accepted.
func (r *Rumor) AcceptedBy(text string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Sorted(slices.Values(r.reported[text]))
}
