package topology

import (
	"encoding/json"
	"fmt"
)

// Adjacency is an unordered pair of vertex names.
type Adjacency struct {
	V1 string
	V2 string
}

// Equal is symmetric: {a,b} == {b,a}.
func (a Adjacency) Equal(o Adjacency) bool {
	return (a.V1 == o.V1 && a.V2 == o.V2) || (a.V1 == o.V2 && a.V2 == o.V1)
}

func (a Adjacency) Contains(name string) bool {
	return a.V1 == name || a.V2 == name
}

// Other returns the opposite end of the edge, or "" if name is not part of it.
func (a Adjacency) Other(name string) string {
	switch name {
	case a.V1:
		return a.V2
	case a.V2:
		return a.V1
	}
	return ""
}

func (a Adjacency) String() string {
	return a.V1 + " -- " + a.V2
}

// MarshalJSON writes the pair as ["v1","v2"].
func (a Adjacency) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]string{a.V1, a.V2})
}

func (a *Adjacency) UnmarshalJSON(data []byte) error {
	var pair []string
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("%w: adjacency %s: %v", ErrMalformed, data, err)
	}
	if len(pair) != 2 {
		return fmt.Errorf("%w: adjacency %s must name exactly two vertices", ErrMalformed, data)
	}
	a.V1, a.V2 = pair[0], pair[1]
	return nil
}

func containsAdjacency(list []Adjacency, a Adjacency) bool {
	for _, item := range list {
		if item.Equal(a) {
			return true
		}
	}
	return false
}
