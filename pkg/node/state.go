package node

import "fmt"

// StreamState is the lifecycle of one outbound neighbor stream. Closed and
// Failed are terminal.
type StreamState int

const (
	Connecting StreamState = iota
	Open
	Closed
	Failed
)

func (s StreamState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closed:
		return "closed"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

func (s StreamState) terminal() bool {
	return s == Closed || s == Failed
}

// State is a snapshot of a vertex's connectivity. A peer whose stream is not
// Open is disconnected.
type State struct {
	Own          string   `json:"ownVertex"`
	Connected    []string `json:"connectedPeers"`
	Disconnected []string `json:"disconnectedPeers"`
}

// AllConnected reports whether every neighbor stream is Open.
func (s State) AllConnected() bool {
	return len(s.Disconnected) == 0
}
