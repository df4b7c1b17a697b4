package mutex

import (
	"slices"

	"github.com/ryandielhenn/avanet/pkg/lamport"
)

// Queue keeps requests sorted by Compare. It is not safe for concurrent use;
// the Coordinator's loop is its only owner.
type Queue struct {
	items []*Request
}

// Insert adds r in order. A request already present (same node and wall
// clock timestamp) is ignored and Insert reports false.
func (q *Queue) Insert(r *Request) bool {
	if q.find(r.Node, r.Timestamp) >= 0 {
		return false
	}
	i, _ := slices.BinarySearchFunc(q.items, r, Compare)
	q.items = slices.Insert(q.items, i, r)
	return true
}

// Head returns the request with the highest priority, nil if empty.
func (q *Queue) Head() *Request {
	if len(q.items) == 0 {
		return nil
	}
	return q.items[0]
}

// Confirm removes confirmer from the pending set of owner's request stamped
// ts. It reports whether such a request exists.
func (q *Queue) Confirm(owner string, ts lamport.Timestamp, confirmer string) bool {
	for _, r := range q.items {
		if r.Node == owner && r.LamportTimestamp == ts {
			delete(r.NodesToConfirm, confirmer)
			return true
		}
	}
	return false
}

// Remove drops node's request with the given wall clock timestamp.
func (q *Queue) Remove(node string, timestamp float64) bool {
	i := q.find(node, timestamp)
	if i < 0 {
		return false
	}
	q.items = slices.Delete(q.items, i, i+1)
	return true
}

func (q *Queue) Len() int { return len(q.items) }

// Snapshot copies the queue in order.
func (q *Queue) Snapshot() []Request {
	out := make([]Request, 0, len(q.items))
	for _, r := range q.items {
		out = append(out, r.clone())
	}
	return out
}

func (q *Queue) find(node string, timestamp float64) int {
	return slices.IndexFunc(q.items, func(r *Request) bool {
		return r.Node == node && r.Timestamp == timestamp
	})
}
