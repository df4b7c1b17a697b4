// Package termination detects global quiescence: an observer polls every
// vertex for its ApplicationData counters until two consecutive complete
// rounds agree.
package termination

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ryandielhenn/avanet/internal/logging"
	"github.com/ryandielhenn/avanet/internal/telemetry"
	"github.com/ryandielhenn/avanet/pkg/message"
)

// Totals sums the counters of one complete round.
type Totals struct {
	Sent     uint64
	Received uint64
}

// Stable reports whether two consecutive complete rounds saw the same
// traffic.
func Stable(previous, current Totals) bool {
	return previous == current
}

type Sender interface {
	Send(m message.Message, to string) bool
}

type Config struct {
	Self      string
	Vertices  []string
	Transport Sender
	// Interval between polls; 0 means 500ms.
	Interval time.Duration
	// RequireFinished also waits until every vertex reports its service
	// finished.
	RequireFinished bool
	Logger          logging.Logger
}

type Detector struct {
	cfg Config
	log logging.Scope

	mu       sync.Mutex
	round    string
	replies  map[string]message.Status
	previous *Totals
	rounds   int

	done     chan struct{}
	doneOnce sync.Once
}

func New(cfg Config) (*Detector, error) {
	if len(cfg.Vertices) == 0 {
		return nil, errors.New("termination: no vertices to track")
	}
	if cfg.Transport == nil {
		return nil, errors.New("termination: nil transport")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 500 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	cfg.Vertices = slices.Clone(cfg.Vertices)
	slices.Sort(cfg.Vertices)
	return &Detector{
		cfg:  cfg,
		log:  logging.Scope{Logger: cfg.Logger, Vertex: cfg.Self},
		done: make(chan struct{}),
	}, nil
}

// Done is closed once quiescence was detected.
func (d *Detector) Done() <-chan struct{} { return d.done }

// Rounds is the number of complete rounds evaluated so far.
func (d *Detector) Rounds() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rounds
}

// Run polls until quiescence or until ctx ends.
func (d *Detector) Run(ctx context.Context) error {
	t := time.NewTicker(d.cfg.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.done:
			return nil
		case <-t.C:
			d.poll()
		}
	}
}

// poll opens a new round once the previous one is complete. A partial round
// is kept and only the missing vertices are asked again.
func (d *Detector) poll() {
	d.mu.Lock()
	if d.round == "" {
		d.round = uuid.NewString()
		d.replies = make(map[string]message.Status, len(d.cfg.Vertices))
	}
	round := d.round
	var missing []string
	for _, v := range d.cfg.Vertices {
		if _, ok := d.replies[v]; !ok {
			missing = append(missing, v)
		}
	}
	d.mu.Unlock()

	req, err := message.NewStatusRequest(d.cfg.Self, round)
	if err != nil {
		d.log.Logf(logging.Error, logging.Processing, "status request: %v", err)
		return
	}
	for _, v := range missing {
		if !d.cfg.Transport.Send(req, v) {
			d.log.Remotef(logging.Warning, logging.DataSent, v, &req, "status request not delivered")
		}
	}
}

// HandleStatus records a TerminationStatus reply. Replies for an earlier
// round are ignored.
func (d *Detector) HandleStatus(m message.Message) error {
	var s message.Status
	if err := m.UnmarshalPayload(&s); err != nil {
		d.log.Remotef(logging.Warning, logging.Processing, m.Sender, &m, "%v", err)
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.round == "" || s.Round != d.round {
		d.log.Remotef(logging.Debug, logging.Processing, m.Sender, &m, "stale status for round %s", s.Round)
		return nil
	}
	if !slices.Contains(d.cfg.Vertices, m.Sender) {
		d.log.Remotef(logging.Warning, logging.Processing, m.Sender, &m, "status from untracked vertex")
		return nil
	}
	d.replies[m.Sender] = s
	if len(d.replies) < len(d.cfg.Vertices) {
		return nil
	}
	d.evaluate()
	return nil
}

// evaluate closes the current, complete round. Caller holds d.mu.
func (d *Detector) evaluate() {
	var totals Totals
	finished := true
	for _, s := range d.replies {
		totals.Sent += s.SentCount
		totals.Received += s.ReceivedCount
		finished = finished && s.Finished
	}
	d.round, d.replies = "", nil
	d.rounds++

	stable := d.previous != nil && Stable(*d.previous, totals) && (finished || !d.cfg.RequireFinished)
	d.previous = &totals
	if !stable {
		telemetry.TerminationRounds.WithLabelValues("busy").Inc()
		d.log.Logf(logging.Debug, logging.Processing, "round %d: sent %d received %d", d.rounds, totals.Sent, totals.Received)
		return
	}
	telemetry.TerminationRounds.WithLabelValues("stable").Inc()
	d.log.Logf(logging.Success, logging.Processing, "quiescent after %d rounds: sent %d received %d", d.rounds, totals.Sent, totals.Received)
	d.doneOnce.Do(func() { close(d.done) })
}

// Counters is what a vertex reports about itself.
type Counters struct {
	Sent     uint64
	Received uint64
	Finished bool
}

// Reply answers a TerminationStatusRequest.
func Reply(self string, req message.Message, c Counters) (message.Message, error) {
	var r message.StatusRequest
	if err := req.UnmarshalPayload(&r); err != nil {
		return message.Message{}, err
	}
	return message.NewStatus(self, message.Status{
		Round:         r.Round,
		SentCount:     c.Sent,
		ReceivedCount: c.Received,
		Finished:      c.Finished,
	})
}
