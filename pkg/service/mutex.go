package service

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/ryandielhenn/avanet/internal/logging"
	"github.com/ryandielhenn/avanet/pkg/message"
	"github.com/ryandielhenn/avanet/pkg/mutex"
)

type MutexConfig struct {
	Entries    int
	SharedFile string
	MaxDelay   time.Duration
	Hold       time.Duration
}

// Mutex runs the distributed mutual-exclusion protocol; its critical section
// increments a shared file counter.
type Mutex struct {
	env   Env
	coord *mutex.Coordinator

	mu      sync.Mutex
	entries map[string]int
}

type MutexMeasurement struct {
	Vertex  string `json:"vertex"`
	Entries int    `json:"entries"`
}

// NewMutex requires every participant to be a neighbor of self.
func NewMutex(cfg MutexConfig) Factory {
	return func(env Env) (Service, error) {
		participants := env.Participants()
		neighbors := env.Topology.Neighbors(env.Self)
		for _, p := range participants {
			if !slices.Contains(neighbors, p) {
				return nil, fmt.Errorf("mutex: %s is not a neighbor of %s, the topology must be fully meshed", p, env.Self)
			}
		}
		var section mutex.Section
		if cfg.SharedFile != "" {
			section = mutex.FileCounter{Path: cfg.SharedFile, Owner: env.Self}.Section(cfg.Hold)
		}
		coord, err := mutex.New(mutex.Config{
			Self:         env.Self,
			Participants: participants,
			Clock:        env.Clock,
			Transport:    env.Transport,
			Section:      section,
			Entries:      cfg.Entries,
			MaxDelay:     cfg.MaxDelay,
			Logger:       env.Logger,
		})
		if err != nil {
			return nil, err
		}
		return &Mutex{env: env, coord: coord, entries: map[string]int{}}, nil
	}
}

func (s *Mutex) OnBufferedMessages(msgs []message.Message) {
	for _, m := range msgs {
		s.OnApplicationData(m)
	}
}

func (s *Mutex) OnApplicationData(m message.Message) {
	// decode failures are logged by the coordinator
	_ = s.coord.Handle(m)
}

func (s *Mutex) Start() { s.coord.Start() }

func (s *Mutex) IsRunning() bool { return s.coord.Running() }

func (s *Mutex) Run(ctx context.Context) error { return s.coord.Run(ctx) }

func (s *Mutex) Finished() bool { return s.coord.Finished() }

// Coordinator exposes the underlying coordinator for introspection.
func (s *Mutex) Coordinator() *mutex.Coordinator { return s.coord }

func (s *Mutex) NeedsMeasurement() bool { return true }

func (s *Mutex) FinalMeasurements() (json.RawMessage, error) {
	return json.Marshal(MutexMeasurement{Vertex: s.env.Self, Entries: s.coord.Entries()})
}

func (s *Mutex) OnFinalMeasurementSent() {}

// OnMeasurementMessage sums, on the observer, the entries every vertex made.
func (s *Mutex) OnMeasurementMessage(m message.Message) {
	var mm MutexMeasurement
	if err := m.UnmarshalPayload(&mm); err != nil {
		s.env.scope().Remotef(logging.Warning, logging.Processing, m.Sender, &m, "bad measurement: %v", err)
		return
	}
	s.mu.Lock()
	s.entries[mm.Vertex] = mm.Entries
	total := 0
	for _, n := range s.entries {
		total += n
	}
	reporters := len(s.entries)
	s.mu.Unlock()
	s.env.scope().Logf(logging.Measurement, logging.Processing, "%s made %d entries, %d in total from %d vertices", mm.Vertex, mm.Entries, total, reporters)
}

// TotalEntries is the sum reported to the observer so far.
func (s *Mutex) TotalEntries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, n := range s.entries {
		total += n
	}
	return total
}
