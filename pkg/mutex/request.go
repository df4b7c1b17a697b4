package mutex

import (
	"cmp"
	"maps"
	"slices"

	"github.com/ryandielhenn/avanet/pkg/lamport"
)

// Request is one vertex's bid for the critical section. NodesToConfirm is
// only populated on the requester's own copy.
type Request struct {
	Node             string
	Timestamp        float64
	LamportTimestamp lamport.Timestamp
	NodesToConfirm   map[string]struct{}
}

func newRequest(node string, timestamp float64, ts lamport.Timestamp, confirmers []string) *Request {
	r := &Request{
		Node:             node,
		Timestamp:        timestamp,
		LamportTimestamp: ts,
		NodesToConfirm:   make(map[string]struct{}, len(confirmers)),
	}
	for _, name := range confirmers {
		r.NodesToConfirm[name] = struct{}{}
	}
	return r
}

// Compare orders requests by Lamport timestamp, then node name, then wall
// clock. Two vertices can hold the same Lamport value, the name makes the
// order total.
func Compare(a, b *Request) int {
	if c := cmp.Compare(a.LamportTimestamp, b.LamportTimestamp); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Node, b.Node); c != 0 {
		return c
	}
	return cmp.Compare(a.Timestamp, b.Timestamp)
}

// Confirmed reports whether every other participant has confirmed.
func (r *Request) Confirmed() bool {
	return len(r.NodesToConfirm) == 0
}

// Pending lists the vertices whose confirmation is missing, sorted.
func (r *Request) Pending() []string {
	return slices.Sorted(maps.Keys(r.NodesToConfirm))
}

func (r *Request) clone() Request {
	c := *r
	c.NodesToConfirm = maps.Clone(r.NodesToConfirm)
	return c
}
