package topology

import (
	"fmt"
	"io"
	"strings"
)

// WriteDOT renders the topology as an undirected graphviz graph.
func (t *Topology) WriteDOT(w io.Writer) error {
	var b strings.Builder
	b.WriteString("graph G {\n")
	for _, v := range t.vertices {
		fmt.Fprintf(&b, "  %q;\n", v.Name)
	}
	for _, a := range t.adjacencies {
		fmt.Fprintf(&b, "  %q -- %q;\n", a.V1, a.V2)
	}
	b.WriteString("}\n")
	_, err := io.WriteString(w, b.String())
	return err
}
