package topology

import (
	"fmt"
	"math/rand/v2"
	"strconv"
)

type randomConfig struct {
	host     string
	basePort int
	rng      *rand.Rand
}

type RandomOption func(*randomConfig)

// WithHost sets the address every generated vertex listens on.
func WithHost(host string) RandomOption {
	return func(c *randomConfig) { c.host = host }
}

// WithBasePort numbers vertex ports basePort+1, basePort+2, ...
func WithBasePort(port int) RandomOption {
	return func(c *randomConfig) { c.basePort = port }
}

func WithRand(r *rand.Rand) RandomOption {
	return func(c *randomConfig) { c.rng = r }
}

// GenerateRandom builds a topology with vertexCount vertices named "1".."n"
// and edgeCount distinct adjacencies. A cursor walks the vertices round-robin
// and links the current one to a random other vertex until enough edges
// exist. Full connectivity is not guaranteed.
func GenerateRandom(vertexCount, edgeCount int, opts ...RandomOption) (*Topology, error) {
	if vertexCount < 2 || edgeCount < vertexCount {
		return nil, fmt.Errorf("%w: %d vertices, %d edges (need edges >= vertices >= 2)", ErrInvalidDimension, vertexCount, edgeCount)
	}
	if limit := vertexCount * (vertexCount - 1) / 2; edgeCount > limit {
		return nil, fmt.Errorf("%w: %d vertices allow at most %d edges, got %d", ErrInvalidDimension, vertexCount, limit, edgeCount)
	}

	cfg := randomConfig{host: "127.0.0.1", basePort: 7000}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.rng == nil {
		cfg.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}

	vertices := make([]Vertex, 0, vertexCount)
	for i := 1; i <= vertexCount; i++ {
		vertices = append(vertices, Vertex{Name: strconv.Itoa(i), Address: cfg.host, Port: cfg.basePort + i})
	}

	degree := make([]int, vertexCount)
	var adjacencies []Adjacency
	for j := 0; len(adjacencies) < edgeCount; {
		// a saturated vertex can get no new edge, move the cursor on
		if degree[j] == vertexCount-1 {
			j = (j + 1) % vertexCount
			continue
		}
		k := j
		for k == j {
			k = cfg.rng.IntN(vertexCount)
		}
		a := Adjacency{V1: vertices[j].Name, V2: vertices[k].Name}
		if containsAdjacency(adjacencies, a) {
			continue
		}
		adjacencies = append(adjacencies, a)
		degree[j]++
		degree[k]++
		j = (j + 1) % vertexCount
	}
	return New(vertices, adjacencies)
}
