// Package mutex implements Lamport-style distributed mutual exclusion over
// the vertices of a fully meshed topology.
package mutex

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ryandielhenn/avanet/internal/logging"
	"github.com/ryandielhenn/avanet/internal/telemetry"
	"github.com/ryandielhenn/avanet/pkg/lamport"
	"github.com/ryandielhenn/avanet/pkg/message"
)

// Phase is where the local vertex stands in the entry protocol.
type Phase int32

const (
	Idle Phase = iota
	Requesting
	Queued
	InCriticalSection
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Requesting:
		return "requesting"
	case Queued:
		return "queued"
	case InCriticalSection:
		return "in_critical_section"
	}
	return fmt.Sprintf("phase(%d)", int32(p))
}

// Sender delivers a message to one vertex and reports whether it was
// accepted for delivery.
type Sender interface {
	Send(m message.Message, to string) bool
}

// Section is the critical section body. n counts entries from 1.
type Section func(ctx context.Context, n int) error

type Config struct {
	Self string
	// Participants are the other contending vertices. Each must be a neighbor.
	Participants []string
	Clock        *lamport.Clock
	Transport    Sender
	Section      Section
	// Entries stops the local loop after that many entries; 0 never stops.
	Entries int
	// MaxDelay bounds the random pause before each request.
	MaxDelay   time.Duration
	OnFinished func()
	Logger     logging.Logger
}

var ErrNotRunning = errors.New("mutex coordinator not running")

type op int

const (
	opRequestLocal op = iota
	opReleaseLocal
	opAction
	opSnapshot
)

type command struct {
	op     op
	action message.MutexAction
	from   string
	reply  chan []Request
}

// Coordinator owns the request queue. Every queue mutation and every
// Request, Confirmation or Release it sends happens on the Run goroutine.
type Coordinator struct {
	cfg   Config
	log   logging.Scope
	rng   *rand.Rand
	queue Queue

	cmds      chan command
	grant     chan struct{}
	startCh   chan struct{}
	startOnce sync.Once
	done      chan struct{}

	// owned by Run
	own       *Request
	granted   bool
	requested time.Time

	phase    atomic.Int32
	entered  atomic.Int64
	finished atomic.Bool
	running  atomic.Bool
}

func New(cfg Config) (*Coordinator, error) {
	switch {
	case cfg.Self == "":
		return nil, errors.New("mutex: empty self")
	case cfg.Clock == nil:
		return nil, errors.New("mutex: nil clock")
	case cfg.Transport == nil:
		return nil, errors.New("mutex: nil transport")
	case slices.Contains(cfg.Participants, cfg.Self):
		return nil, fmt.Errorf("mutex: %s listed as its own participant", cfg.Self)
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	if cfg.Section == nil {
		cfg.Section = func(context.Context, int) error { return nil }
	}
	cfg.Participants = slices.Clone(cfg.Participants)
	slices.Sort(cfg.Participants)
	return &Coordinator{
		cfg:     cfg,
		log:     logging.Scope{Logger: cfg.Logger, Vertex: cfg.Self},
		rng:     rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
		cmds:    make(chan command, 256),
		grant:   make(chan struct{}, 1),
		startCh: make(chan struct{}),
		done:    make(chan struct{}),
	}, nil
}

// Start begins the local entrance loop and asks every participant to do the
// same. Calling it again, or after a Start action arrived, only re-sends.
func (c *Coordinator) Start() {
	for _, p := range c.cfg.Participants {
		c.sendAction(p, message.MutexAction{Type: message.ActionStart, Timestamp: message.Now(), Clock: c.cfg.Clock.Tick()})
	}
	c.begin()
}

func (c *Coordinator) begin() {
	c.startOnce.Do(func() {
		c.log.Logf(logging.Info, logging.Processing, "starting entrance loop")
		close(c.startCh)
	})
}

// Handle feeds a received ApplicationData message into the loop. Payloads
// that are not mutex actions are dropped with a warning.
func (c *Coordinator) Handle(m message.Message) error {
	a, err := message.DecodeAction(m)
	if err != nil {
		c.log.Remotef(logging.Warning, logging.Processing, m.Sender, &m, "dropping action: %v", err)
		return err
	}
	if a.Type == message.ActionStart {
		c.cfg.Clock.Update(a.Clock)
		c.begin()
		return nil
	}
	return c.submit(command{op: opAction, action: a, from: m.Sender})
}

func (c *Coordinator) submit(cmd command) error {
	select {
	case c.cmds <- cmd:
		return nil
	case <-c.done:
		return ErrNotRunning
	}
}

// Snapshot returns the queue as the loop currently sees it.
func (c *Coordinator) Snapshot(ctx context.Context) ([]Request, error) {
	reply := make(chan []Request, 1)
	if err := c.submit(command{op: opSnapshot, reply: reply}); err != nil {
		return nil, err
	}
	select {
	case q := <-reply:
		return q, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrNotRunning
	}
}

func (c *Coordinator) Phase() Phase { return Phase(c.phase.Load()) }

// Entries is the number of completed critical sections.
func (c *Coordinator) Entries() int { return int(c.entered.Load()) }

// Finished reports whether the local loop has made its last entry.
func (c *Coordinator) Finished() bool { return c.finished.Load() }

// Running reports whether the entrance loop is active.
func (c *Coordinator) Running() bool { return c.running.Load() }

// Run owns the queue until ctx ends. Foreign requests keep being confirmed
// after the local loop finished. Run must be called once.
func (c *Coordinator) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	defer wg.Wait()
	// closed before waiting so a blocked submit in the entrance loop returns
	defer close(c.done)

	start := c.startCh
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-start:
			start = nil
			wg.Add(1)
			go func() {
				defer wg.Done()
				c.enter(ctx)
			}()
		case cmd := <-c.cmds:
			c.apply(cmd)
			c.evaluate()
		}
	}
}

func (c *Coordinator) apply(cmd command) {
	switch cmd.op {
	case opRequestLocal:
		c.requestLocal()
	case opReleaseLocal:
		c.releaseLocal()
	case opSnapshot:
		cmd.reply <- c.queue.Snapshot()
		return
	case opAction:
		c.cfg.Clock.Update(cmd.action.Clock)
		switch cmd.action.Type {
		case message.ActionRequest:
			c.foreignRequest(cmd.from, cmd.action)
		case message.ActionConfirmation:
			c.confirmation(cmd.from, cmd.action)
		case message.ActionRelease:
			c.foreignRelease(cmd.from, cmd.action)
		}
	}
	telemetry.MutexQueueLength.Set(float64(c.queue.Len()))
}

func (c *Coordinator) requestLocal() {
	ts := c.cfg.Clock.Tick()
	r := newRequest(c.cfg.Self, message.Now(), ts, c.cfg.Participants)
	c.queue.Insert(r)
	c.own = r
	c.requested = time.Now()
	c.log.Logf(logging.Debug, logging.Processing, "requesting critical section at %d", ts)
	for _, p := range c.cfg.Participants {
		c.sendAction(p, message.MutexAction{
			Type:             message.ActionRequest,
			Timestamp:        r.Timestamp,
			LamportTimestamp: r.LamportTimestamp,
			Clock:            ts,
		})
	}
	c.phase.Store(int32(Queued))
}

func (c *Coordinator) releaseLocal() {
	r := c.own
	if r == nil {
		return
	}
	c.queue.Remove(r.Node, r.Timestamp)
	c.own, c.granted = nil, false
	clock := c.cfg.Clock.Tick()
	for _, p := range c.cfg.Participants {
		c.sendAction(p, message.MutexAction{
			Type:             message.ActionRelease,
			Timestamp:        r.Timestamp,
			LamportTimestamp: r.LamportTimestamp,
			Clock:            clock,
		})
	}
}

func (c *Coordinator) foreignRequest(from string, a message.MutexAction) {
	if !slices.Contains(c.cfg.Participants, from) {
		c.log.Remotef(logging.Warning, logging.Processing, from, nil, "request from non participant ignored")
		return
	}
	if !c.queue.Insert(newRequest(from, a.Timestamp, a.LamportTimestamp, nil)) {
		c.log.Remotef(logging.Debug, logging.Processing, from, nil, "duplicate request %d ignored", a.LamportTimestamp)
	}
	c.sendAction(from, message.MutexAction{
		Type:             message.ActionConfirmation,
		Timestamp:        a.Timestamp,
		LamportTimestamp: a.LamportTimestamp,
		Clock:            c.cfg.Clock.Tick(),
	})
}

func (c *Coordinator) confirmation(from string, a message.MutexAction) {
	if !c.queue.Confirm(c.cfg.Self, a.LamportTimestamp, from) {
		c.log.Remotef(logging.Warning, logging.Processing, from, nil, "confirmation for unknown request %d", a.LamportTimestamp)
	}
}

func (c *Coordinator) foreignRelease(from string, a message.MutexAction) {
	if !c.queue.Remove(from, a.Timestamp) {
		c.log.Remotef(logging.Warning, logging.Processing, from, nil, "release for unknown request %d", a.LamportTimestamp)
	}
}

// evaluate grants entry once our own request heads the queue with every
// confirmation in.
func (c *Coordinator) evaluate() {
	head := c.queue.Head()
	if c.granted || c.own == nil || head != c.own || !head.Confirmed() {
		return
	}
	c.granted = true
	telemetry.CriticalSectionWait.Observe(time.Since(c.requested).Seconds())
	c.grant <- struct{}{}
}

func (c *Coordinator) sendAction(to string, a message.MutexAction) {
	m, err := message.NewAction(c.cfg.Self, a)
	if err != nil {
		c.log.Logf(logging.Error, logging.Processing, "encode %s action: %v", a.Type, err)
		return
	}
	if !c.cfg.Transport.Send(m, to) {
		c.log.Remotef(logging.Warning, logging.DataSent, to, &m, "%s action not delivered", a.Type)
	}
}

// enter is the entrance loop: wait, request, await the grant, run the
// section, release.
func (c *Coordinator) enter(ctx context.Context) {
	c.running.Store(true)
	defer c.running.Store(false)

	for n := 1; c.cfg.Entries == 0 || n <= c.cfg.Entries; n++ {
		if c.cfg.MaxDelay > 0 {
			t := time.NewTimer(time.Duration(c.rng.Int64N(int64(c.cfg.MaxDelay))))
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				return
			}
		}

		c.phase.Store(int32(Requesting))
		if c.submit(command{op: opRequestLocal}) != nil {
			return
		}
		select {
		case <-c.grant:
		case <-ctx.Done():
			return
		}

		c.phase.Store(int32(InCriticalSection))
		c.log.Logf(logging.Success, logging.Processing, "entered critical section (%d)", n)
		telemetry.CriticalSectionEntries.Inc()
		if err := c.cfg.Section(ctx, n); err != nil {
			c.log.Logf(logging.Error, logging.Processing, "critical section: %v", err)
		}
		c.entered.Add(1)
		c.phase.Store(int32(Idle))
		if c.submit(command{op: opReleaseLocal}) != nil {
			return
		}
	}

	c.finished.Store(true)
	c.log.Logf(logging.Info, logging.Processing, "entrance loop finished after %d entries", c.Entries())
	if c.cfg.OnFinished != nil {
		c.cfg.OnFinished()
	}
}
