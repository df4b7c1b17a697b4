// Command avatopo generates a random topology and writes it as JSON and,
// optionally, as a graphviz DOT file.
package main

import (
	"flag"
	"fmt"
	"io"
	"math/rand/v2"
	"os"

	"github.com/ryandielhenn/avanet/internal/config"
	"github.com/ryandielhenn/avanet/pkg/topology"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("avatopo", flag.ContinueOnError)
	fs.SetOutput(stderr)
	vertices := fs.Int("vertices", 5, "number of vertices")
	edges := fs.Int("edges", 6, "number of edges (>= vertices)")
	host := fs.String("host", "127.0.0.1", "address of every vertex")
	basePort := fs.Int("basePort", 7000, "vertex i listens on basePort+i")
	observer := fs.String("observer", "", "add an observer vertex linked to all others, on basePort")
	seed := fs.Uint64("seed", 0, "random seed (0 picks one)")
	out := fs.String("out", "", "JSON output path (default stdout)")
	dot := fs.String("dot", "", "also write a DOT rendering to this path")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	opts := []topology.RandomOption{topology.WithHost(*host), topology.WithBasePort(*basePort)}
	if *seed != 0 {
		opts = append(opts, topology.WithRand(rand.New(rand.NewPCG(*seed, *seed))))
	}
	topo, err := topology.GenerateRandom(*vertices, *edges, opts...)
	if err == nil && *observer != "" {
		topo, err = topo.WithObserver(topology.Vertex{Name: *observer, Address: *host, Port: *basePort})
	}
	if err != nil {
		fmt.Fprintln(stderr, "avatopo:", err)
		return config.ExitCode(err)
	}

	if *out == "" {
		data, err := topo.MarshalJSON()
		if err != nil {
			fmt.Fprintln(stderr, "avatopo:", err)
			return 1
		}
		fmt.Fprintf(stdout, "%s\n", data)
	} else if err := topo.Save(*out); err != nil {
		fmt.Fprintln(stderr, "avatopo:", err)
		return 1
	}

	if *dot != "" {
		f, err := os.Create(*dot)
		if err != nil {
			fmt.Fprintln(stderr, "avatopo:", err)
			return 1
		}
		err = topo.WriteDOT(f)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			fmt.Fprintln(stderr, "avatopo:", err)
			return 1
		}
	}
	d := topo.Dimension()
	fmt.Fprintf(stderr, "generated %d vertices, %d edges\n", d.Vertices, d.Edges)
	return 0
}
