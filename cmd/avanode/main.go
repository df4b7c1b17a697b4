package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/avanet/internal/app"
	"github.com/ryandielhenn/avanet/internal/config"
	"github.com/ryandielhenn/avanet/internal/launcher"
	"github.com/ryandielhenn/avanet/internal/logging"
	"github.com/ryandielhenn/avanet/internal/telemetry"
	"github.com/ryandielhenn/avanet/pkg/node"
	"github.com/ryandielhenn/avanet/pkg/registry"
	"github.com/ryandielhenn/avanet/pkg/service"
	"github.com/ryandielhenn/avanet/pkg/topology"
)

// set with -ldflags "-X main.version=... -X main.gitSHA=..."
var (
	version = "dev"
	gitSHA  = "unknown"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	// 1. Configuration and logging
	cfg, err := config.Parse(args, os.Getenv)
	if err != nil {
		fmt.Fprintln(os.Stderr, "avanode:", err)
		return config.ExitCode(err)
	}
	zl, err := logging.New(cfg.LogLevel, cfg.Dev)
	if err != nil {
		fmt.Fprintln(os.Stderr, "avanode:", err)
		return 2
	}
	defer zl.Sync()
	zl = zl.With(zap.String("vertex", cfg.PeerName))
	logger := logging.NewZap(zl)
	telemetry.SetBuildInfo(version, gitSHA)

	// 2. Topology, loaded or generated by the master
	topo, topoPath, err := loadTopology(cfg)
	if err != nil {
		zl.Error("topology", zap.Error(err))
		return config.ExitCode(err)
	}
	if !topo.Contains(cfg.PeerName) {
		err := fmt.Errorf("%w: %q is not in %s", topology.ErrUnknownVertex, cfg.PeerName, topoPath)
		zl.Error("topology", zap.Error(err))
		return config.ExitCode(err)
	}

	// 3. Optional etcd registry for neighbor addresses
	opts := []node.Option{node.WithConnectTimeout(cfg.ConnectTimeout)}
	if len(cfg.EtcdEndpoints) > 0 {
		cleanup, resolver, err := register(cfg, topo, zl)
		if err != nil {
			zl.Error("registry", zap.Error(err))
			return 1
		}
		defer cleanup()
		opts = append(opts, node.WithResolver(resolver))
	}

	// 4. The vertex runtime
	n, err := app.New(app.Config{
		Topology:     topo,
		Self:         cfg.PeerName,
		Observer:     cfg.Observer,
		Initiator:    cfg.Initiator,
		Factory:      serviceFactory(cfg),
		PollInterval: cfg.PollInterval,
		Grace:        cfg.Grace,
		Logger:       logger,
		NodeOptions:  opts,
	})
	if err != nil {
		zl.Error("startup", zap.Error(err))
		return config.ExitCode(err)
	}

	// 5. Master spawns every other vertex
	var children *launcher.Launcher
	if cfg.Master {
		children, err = launcher.New("", logger, cfg.PeerName)
		if err != nil {
			zl.Error("launcher", zap.Error(err))
			return 1
		}
		for _, name := range topo.Names() {
			if name == cfg.PeerName {
				continue
			}
			if err := children.Launch(name, cfg.ChildArgs(topoPath, name)); err != nil {
				zl.Error("launch", zap.String("child", name), zap.Error(err))
				children.Stop(5 * time.Second)
				return 1
			}
		}
	}

	// 6. HTTP introspection
	if cfg.MetricsAddr != "" {
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: introspection(n.Manager())}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				zl.Warn("introspection server", zap.Error(err))
			}
		}()
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = srv.Shutdown(ctx)
		}()
		zl.Info("introspection listening", zap.String("addr", cfg.MetricsAddr))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	err = n.Run(ctx)

	if children != nil {
		waitChildren(children, cfg.Grace+5*time.Second, zl)
	}
	switch {
	case err == nil:
		zl.Info("terminated")
		return 0
	case errors.Is(err, context.Canceled):
		zl.Info("interrupted")
		return 0
	default:
		zl.Error("run", zap.Error(err))
		return config.ExitCode(err)
	}
}

func loadTopology(cfg config.Config) (*topology.Topology, string, error) {
	if !cfg.RandomTopology() {
		t, err := topology.Load(cfg.Topology)
		return t, cfg.Topology, err
	}
	t, err := topology.GenerateRandom(cfg.RandomVertices, cfg.RandomEdges)
	if err != nil {
		return nil, "", err
	}
	if cfg.Observer != "" {
		if t, err = t.WithObserver(topology.Vertex{Name: cfg.Observer, Address: "127.0.0.1", Port: 7000}); err != nil {
			return nil, "", err
		}
	}
	dir, err := os.MkdirTemp("", "avanet-")
	if err != nil {
		return nil, "", err
	}
	path := filepath.Join(dir, "topology.json")
	if err := t.Save(path); err != nil {
		return nil, "", err
	}
	dot, err := os.Create(filepath.Join(dir, "topology.dot"))
	if err != nil {
		return nil, "", err
	}
	defer dot.Close()
	if err := t.WriteDOT(dot); err != nil {
		return nil, "", err
	}
	return t, path, nil
}

// register publishes this vertex in etcd and resolves neighbors through the
// registry, falling back to the topology address.
func register(cfg config.Config, topo *topology.Topology, zl *zap.Logger) (func(), node.Resolver, error) {
	self, _ := topo.Vertex(cfg.PeerName)
	cli, err := registry.NewClient(cfg.EtcdEndpoints)
	if err != nil {
		return nil, nil, err
	}
	zl.Info("etcd client created", zap.Strings("endpoints", cli.Endpoints()))

	leaseID, cancelLease, err := registry.RegisterNode(cli, cfg.PeerName, self.HostPort(), 10)
	if err != nil {
		cli.Close()
		return nil, nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	peers, err := registry.GetPeers(ctx, cli)
	cancel()
	if err != nil {
		cancelLease()
		cli.Close()
		return nil, nil, err
	}
	dir := registry.NewDirectory(peers)
	cancelWatch := registry.WatchPeers(cli, func(peers map[string]string) {
		dir.Replace(peers)
		zl.Debug("registry updated", zap.Int("peers", len(peers)))
	})

	resolver := func(v topology.Vertex) string {
		if addr, ok := dir.Lookup(v.Name); ok {
			return node.NormalizeHostPort(addr, strconv.Itoa(v.Port))
		}
		return v.HostPort()
	}
	cleanup := func() {
		cancelWatch()
		cancelLease()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_, _ = cli.Revoke(ctx, leaseID)
		cli.Close()
	}
	return cleanup, resolver, nil
}

func serviceFactory(cfg config.Config) service.Factory {
	switch cfg.Service {
	case config.ServiceRumor:
		return service.NewRumor(service.RumorConfig{Text: cfg.Rumor, CountToAcceptance: cfg.RumorCountToAcceptance})
	case config.ServiceMutex:
		return service.NewMutex(service.MutexConfig{
			Entries:    cfg.Entries,
			SharedFile: cfg.SharedFile,
			MaxDelay:   cfg.MaxDelay,
			Hold:       cfg.Hold,
		})
	case config.ServiceGame:
		return service.NewGame(service.GameConfig{
			Stake:          cfg.Stake,
			NodesToContact: cfg.NodesToContact,
			Rounds:         cfg.GameRounds,
		})
	}
	return nil
}

func introspection(m *node.Manager) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/healthz", telemetry.Instrument("healthz", http.HandlerFunc(m.Healthz)))
	mux.Handle("/info", telemetry.Instrument("info", http.HandlerFunc(m.Info)))
	mux.Handle("/metrics", telemetry.MetricsHandler())
	return mux
}

func waitChildren(l *launcher.Launcher, timeout time.Duration, zl *zap.Logger) {
	done := make(chan struct{})
	go func() {
		l.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		zl.Warn("children still running, stopping them", zap.Strings("vertices", l.Running()))
		l.Stop(5 * time.Second)
	}
}
