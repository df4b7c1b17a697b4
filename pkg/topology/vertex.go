package topology

import (
	"errors"
	"fmt"
	"net"
	"strconv"
)

var (
	ErrMalformed        = errors.New("malformed topology")
	ErrAmbiguousVertex  = errors.New("ambiguous vertex definition")
	ErrUnknownVertex    = errors.New("unknown vertex")
	ErrInvalidDimension = errors.New("invalid topology dimension")
)

// AmbiguousVertexError reports a vertex whose name or address was already declared.
type AmbiguousVertexError struct {
	Vertex Vertex
}

func (e *AmbiguousVertexError) Error() string {
	return fmt.Sprintf("ambiguous vertex definition %q (%s)", e.Vertex.Name, e.Vertex.HostPort())
}

func (e *AmbiguousVertexError) Is(target error) bool {
	return target == ErrAmbiguousVertex
}

// Vertex is a named participant of the topology.
type Vertex struct {
	Name       string         `json:"name"`
	Address    string         `json:"ip"`
	Port       int            `json:"port"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// HostPort joins address and port, e.g. "127.0.0.1:7001".
func (v Vertex) HostPort() string {
	return net.JoinHostPort(v.Address, strconv.Itoa(v.Port))
}

// conflicts reports whether two declarations describe the same vertex.
func (v Vertex) conflicts(o Vertex) bool {
	return v.Name == o.Name || (v.Address == o.Address && v.Port == o.Port)
}

func (v Vertex) validate() error {
	if v.Name == "" {
		return fmt.Errorf("%w: vertex without name", ErrMalformed)
	}
	if v.Address == "" {
		return fmt.Errorf("%w: vertex %q without ip", ErrMalformed, v.Name)
	}
	if v.Port <= 0 || v.Port > 65535 {
		return fmt.Errorf("%w: vertex %q has invalid port %d", ErrMalformed, v.Name, v.Port)
	}
	return nil
}
