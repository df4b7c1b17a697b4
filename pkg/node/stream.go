package node

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/ryandielhenn/avanet/internal/backoff"
	"github.com/ryandielhenn/avanet/internal/logging"
)

// Stream is the outbound connection toward one neighbor. Frames are queued by
// Send and written by a single writer goroutine, so per-peer order is kept.
type Stream struct {
	peer    string
	resolve func() string
	scope   logging.Scope
	notify  func(*Stream)

	queue     chan []byte
	stop      chan struct{}
	stopOnce  sync.Once
	done      chan struct{}
	dialRetry backoff.Config

	mu    sync.Mutex
	addr  string
	state StreamState
	err   error
}

// newStream dials whatever resolve returns, asking again before every
// attempt.
func newStream(peer string, resolve func() string, queueSize int, scope logging.Scope, notify func(*Stream)) *Stream {
	s := &Stream{
		peer:    peer,
		resolve: resolve,
		scope:   scope,
		notify:  notify,
		queue:   make(chan []byte, queueSize),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	s.dialRetry = backoff.Config{
		MinWait: 20 * time.Millisecond,
		MaxWait: time.Second,
		Report: func(err error) error {
			s.scope.Remotef(logging.Debug, logging.Connecting, s.peer, nil, "connect to %s: %v", s.Addr(), err)
			return nil
		},
	}
	return s
}

func (s *Stream) Peer() string { return s.peer }

// Addr is the address of the latest dial attempt.
func (s *Stream) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// State returns the current state and, for Failed, the cause.
func (s *Stream) State() (StreamState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.err
}

// Send enqueues one frame. It never blocks: false means the stream is not
// Open or its queue is full.
func (s *Stream) Send(frame []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Open {
		return false
	}
	select {
	case s.queue <- frame:
		return true
	default:
		return false
	}
}

// Close is idempotent. Frames accepted before Close are still flushed.
func (s *Stream) Close() {
	s.transition(Closed, nil)
	s.halt()
}

func (s *Stream) halt() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// transition moves to next unless the stream already reached a terminal
// state, and reports the change to the owner.
func (s *Stream) transition(next StreamState, err error) bool {
	s.mu.Lock()
	if s.state.terminal() || s.state == next {
		s.mu.Unlock()
		return false
	}
	s.state, s.err = next, err
	s.mu.Unlock()
	s.notify(s)
	return true
}

// run connects, retrying until connectTimeout elapses, then serves the
// connection until it ends. No reconnect is attempted afterwards.
func (s *Stream) run(ctx context.Context, connectTimeout time.Duration) {
	defer close(s.done)

	dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	go func() {
		select {
		case <-s.stop:
			cancel()
		case <-dialCtx.Done():
		}
	}()

	var d net.Dialer
	var conn net.Conn
	err := s.dialRetry.Retry(dialCtx, func() error {
		addr := s.resolve()
		s.mu.Lock()
		s.addr = addr
		s.mu.Unlock()
		c, err := d.DialContext(dialCtx, "tcp", addr)
		if err != nil {
			return err
		}
		conn = c
		return nil
	})
	cancel()
	if err != nil {
		s.transition(Failed, fmt.Errorf("connect %s at %s: %w", s.peer, s.Addr(), err))
		return
	}
	if !s.transition(Open, nil) {
		// closed while dialing
		conn.Close()
		return
	}

	go s.watch(conn)
	s.writeLoop(conn)
}

func (s *Stream) writeLoop(conn net.Conn) {
	defer conn.Close()
	for {
		select {
		case frame := <-s.queue:
			if _, err := conn.Write(frame); err != nil {
				s.transition(Failed, fmt.Errorf("write to %s: %w", s.peer, err))
				s.halt()
				return
			}
		case <-s.stop:
			conn.SetWriteDeadline(time.Now().Add(time.Second))
			for {
				select {
				case frame := <-s.queue:
					if _, err := conn.Write(frame); err != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

// watch notices the remote end going away. Peers never write on this
// connection, so any read result ends it.
func (s *Stream) watch(conn net.Conn) {
	_, err := io.Copy(io.Discard, conn)
	select {
	case <-s.stop:
		return
	default:
	}
	if err != nil {
		s.transition(Failed, fmt.Errorf("read from %s: %w", s.peer, err))
	} else {
		s.transition(Closed, nil)
	}
	s.halt()
}
