package topology

import (
	"encoding/json"
	"fmt"
	"os"
	"slices"
)

// Dimension is the (vertex count, edge count) of a topology.
type Dimension struct {
	Vertices int
	Edges    int
}

// Topology is an immutable graph of vertices and adjacencies.
type Topology struct {
	vertices    []Vertex
	index       map[string]int
	adjacencies []Adjacency
}

type document struct {
	Vertices    []Vertex    `json:"vertices"`
	Adjacencies []Adjacency `json:"adjacencies"`
}

// New validates the vertex list and builds a topology. Duplicate adjacencies
// are dropped; a vertex declared twice is an *AmbiguousVertexError.
func New(vertices []Vertex, adjacencies []Adjacency) (*Topology, error) {
	t := &Topology{index: make(map[string]int, len(vertices))}
	for _, v := range vertices {
		if err := v.validate(); err != nil {
			return nil, err
		}
		for _, seen := range t.vertices {
			if seen.conflicts(v) {
				return nil, &AmbiguousVertexError{Vertex: v}
			}
		}
		t.index[v.Name] = len(t.vertices)
		t.vertices = append(t.vertices, v)
	}
	for _, a := range adjacencies {
		if a.V1 == a.V2 {
			return nil, fmt.Errorf("%w: self loop on %q", ErrMalformed, a.V1)
		}
		for _, name := range []string{a.V1, a.V2} {
			if _, ok := t.index[name]; !ok {
				return nil, fmt.Errorf("%w: adjacency %s references %q", ErrMalformed, a, name)
			}
		}
		if !containsAdjacency(t.adjacencies, a) {
			t.adjacencies = append(t.adjacencies, a)
		}
	}
	return t, nil
}

// Parse reads the JSON description {"vertices": [...], "adjacencies": [[a,b], ...]}.
func Parse(data []byte) (*Topology, error) {
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(doc.Vertices) == 0 {
		return nil, fmt.Errorf("%w: no vertices", ErrMalformed)
	}
	return New(doc.Vertices, doc.Adjacencies)
}

func Load(path string) (*Topology, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrMalformed, path, err)
	}
	t, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	return t, nil
}

// Save writes the topology in the format accepted by Load.
func (t *Topology) Save(path string) error {
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func (t *Topology) MarshalJSON() ([]byte, error) {
	return json.Marshal(document{Vertices: t.vertices, Adjacencies: t.adjacencies})
}

// Vertices returns a copy of all vertices in declaration order.
func (t *Topology) Vertices() []Vertex {
	return slices.Clone(t.vertices)
}

// Names returns all vertex names sorted.
func (t *Topology) Names() []string {
	out := make([]string, 0, len(t.vertices))
	for _, v := range t.vertices {
		out = append(out, v.Name)
	}
	slices.Sort(out)
	return out
}

func (t *Topology) Adjacencies() []Adjacency {
	return slices.Clone(t.adjacencies)
}

func (t *Topology) Vertex(name string) (Vertex, bool) {
	i, ok := t.index[name]
	if !ok {
		return Vertex{}, false
	}
	return t.vertices[i], true
}

func (t *Topology) Contains(name string) bool {
	_, ok := t.index[name]
	return ok
}

// Neighbors returns the names adjacent to vertex, sorted.
func (t *Topology) Neighbors(vertex string) []string {
	var out []string
	for _, a := range t.adjacencies {
		if other := a.Other(vertex); other != "" {
			out = append(out, other)
		}
	}
	slices.Sort(out)
	return out
}

func (t *Topology) Dimension() Dimension {
	return Dimension{Vertices: len(t.vertices), Edges: len(t.adjacencies)}
}

// WithObserver returns a copy of t with v added and connected to every
// existing vertex.
func (t *Topology) WithObserver(v Vertex) (*Topology, error) {
	adjacencies := slices.Clone(t.adjacencies)
	for _, existing := range t.vertices {
		adjacencies = append(adjacencies, Adjacency{V1: v.Name, V2: existing.Name})
	}
	return New(append(t.Vertices(), v), adjacencies)
}
