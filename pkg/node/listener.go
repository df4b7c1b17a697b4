package node

import (
	"bufio"
	"bytes"
	"errors"
	"net"

	"github.com/google/uuid"

	"github.com/ryandielhenn/avanet/internal/logging"
)

const maxFrameSize = 4 << 20

func (m *Manager) acceptLoop(l net.Listener) {
	defer m.wg.Done()
	for {
		conn, err := l.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				m.log.Logf(logging.Error, logging.ConnectionError, "accept: %v", err)
			}
			return
		}
		if !m.track(conn) {
			conn.Close()
			return
		}
		id := uuid.NewString()
		m.log.Remotef(logging.Debug, logging.AcceptedConnection, conn.RemoteAddr().String(), nil, "accepted connection %s", id)
		m.wg.Add(1)
		go m.readLoop(conn, id)
	}
}

func (m *Manager) track(conn net.Conn) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	m.inbound[conn] = struct{}{}
	return true
}

// readLoop splits the connection into newline-delimited frames and hands
// them to the dispatch goroutine.
func (m *Manager) readLoop(conn net.Conn, id string) {
	defer m.wg.Done()
	defer func() {
		m.mu.Lock()
		delete(m.inbound, conn)
		m.mu.Unlock()
		conn.Close()
	}()

	from := conn.RemoteAddr().String()
	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 0, 64<<10), maxFrameSize)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		m.deliver(event{frame: bytes.Clone(line), from: from})
	}
	if err := sc.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
		m.log.Remotef(logging.Warning, logging.ConnectionError, from, nil, "connection %s: %v", id, err)
	} else {
		m.log.Remotef(logging.Debug, logging.Disconnect, from, nil, "connection %s ended", id)
	}
}
