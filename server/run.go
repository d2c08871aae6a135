package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/frobware/go-p4node"
	"github.com/frobware/go-p4node/config"
	"github.com/frobware/go-p4node/interpreter"
	"github.com/frobware/go-p4node/interpreter/ebpf"
	"github.com/frobware/go-p4node/interpreter/knet"
	"github.com/frobware/go-p4node/interpreter/sim"
	"github.com/frobware/go-p4node/interpreter/store"
	"github.com/frobware/go-p4node/interpreter/store/sqlite"
	"github.com/frobware/go-p4node/lock"
	"github.com/frobware/go-p4node/metrics"
	"github.com/frobware/go-p4node/node"
	"github.com/frobware/go-p4node/tablemap"
	"github.com/frobware/go-p4node/tablemgr"
)

// RunConfig configures the daemon.
type RunConfig struct {
	Dirs   config.RuntimeDirs
	Config config.Config
	// ChassisPath is the chassis config TOML file.
	ChassisPath string
	Logger      *slog.Logger
}

// Run starts the daemon: it brings up every node of the chassis config,
// restores each node's saved pipeline and serves P4Runtime until ctx is
// cancelled. Only one daemon may own the runtime directory at a time.
func Run(ctx context.Context, cfg RunConfig) error {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	// The op id is assigned by the interceptors, so wrap here.
	logger = node.WithOpIDHandler(logger)

	if err := cfg.Config.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	chassis, err := p4node.LoadChassisConfig(cfg.ChassisPath)
	if err != nil {
		return err
	}
	if err := chassis.Validate(); err != nil {
		return fmt.Errorf("invalid chassis config %s: %w", cfg.ChassisPath, err)
	}
	if err := cfg.Dirs.EnsureDirectories(); err != nil {
		return fmt.Errorf("runtime directory setup failed: %w", err)
	}

	return lock.Run(ctx, cfg.Dirs.Lock(), func(ctx context.Context, _ lock.Scope) error {
		return run(ctx, cfg, chassis, logger)
	})
}

func run(ctx context.Context, cfg RunConfig, chassis *p4node.ChassisConfig, logger *slog.Logger) error {
	metrics.Register()

	var cleanups []func()
	defer func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}()

	devices := make([]Device, 0, len(chassis.Nodes))
	for _, nc := range chassis.Nodes {
		dbPath := cfg.Dirs.DBPath(nc.ID)
		st, err := sqlite.New(ctx, dbPath, logger)
		if err != nil {
			return fmt.Errorf("failed to open store at %s: %w", dbPath, err)
		}
		cleanups = append(cleanups, func() { st.Close() })

		n, closeBackends, err := buildNode(cfg, nc, st, logger)
		if err != nil {
			return fmt.Errorf("node %d: %w", nc.ID, err)
		}
		cleanups = append(cleanups, closeBackends)

		if err := n.PushChassisConfig(ctx, chassis, nc.ID); err != nil {
			return fmt.Errorf("node %d: push chassis config: %w", nc.ID, err)
		}
		cleanups = append(cleanups, func() {
			metrics.SetNodeReady(nc.ID, false)
			// Shutdown runs after ctx is cancelled.
			if err := n.Shutdown(context.WithoutCancel(ctx)); err != nil {
				logger.Error("node shutdown failed", "node_id", nc.ID, "error", err)
			}
		})
		metrics.SetNodeReady(nc.ID, true)

		restorePipeline(ctx, n, st, logger)
		devices = append(devices, Device{Node: n, Pipelines: st})
		logger.InfoContext(ctx, "node ready", "node_id", nc.ID, "unit", nc.Unit, "db", dbPath)
	}

	srv, err := New(ctx, devices, logger)
	if err != nil {
		return err
	}
	return srv.serve(ctx, cfg.Dirs.SocketPath(), cfg.Config.Server.TCPAddress, cfg.Config.Server.MetricsAddress)
}

// buildNode wires the managers selected by the dataplane config. The
// returned func releases backend resources.
func buildNode(cfg RunConfig, nc p4node.NodeConfig, st interpreter.Store, logger *slog.Logger) (*node.Node, func(), error) {
	dp := cfg.Config.Dataplane
	logger = logger.With("node_id", nc.ID)
	closeFn := func() {}

	mapper := tablemap.New(nc.Unit, logger)
	tables := tablemgr.New(nc.Unit, st, mapper, logger)

	var l3 interpreter.L3Manager
	switch dp.L3Backend {
	case config.BackendEBPF:
		if err := cfg.Dirs.EnsureBPFFS(); err != nil {
			return nil, nil, err
		}
		maps, err := ebpf.OpenPinned(cfg.Dirs.PinDir(nc.ID))
		if err != nil {
			return nil, nil, err
		}
		closeFn = func() {
			if err := maps.Close(); err != nil {
				logger.Warn("closing route maps", "error", err)
			}
		}
		l3 = ebpf.NewL3(nc.Unit, maps, logger)
	default:
		l3 = sim.NewL3(nc.Unit, logger)
	}

	var pio interpreter.PacketIOManager
	switch dp.PacketIOBackend {
	case config.BackendKnet:
		pio = knet.New(knet.Options{Unit: nc.Unit, Interface: dp.KnetInterface, Logger: logger})
	default:
		pio = sim.NewPacketIO(nc.Unit, logger)
	}

	n, err := node.New(node.Options{
		Unit:                    nc.Unit,
		EnableStaticTableWrites: cfg.Config.Pipeline.EnableStaticTableWrites,
		Mapper:                  mapper,
		Tables:                  tables,
		L2:                      sim.NewL2(nc.Unit, logger),
		L3:                      l3,
		ACL:                     sim.NewACL(nc.Unit, tables, logger),
		PacketIO:                pio,
		Logger:                  logger,
	})
	if err != nil {
		closeFn()
		return nil, nil, err
	}
	return n, closeFn, nil
}

// restorePipeline re-pushes the last committed pipeline. The bookkeeping
// store is reset by the chassis push, so the controller has to replay
// its entries; a failed restore leaves the node without a pipeline.
func restorePipeline(ctx context.Context, n *node.Node, pipelines interpreter.PipelineStore, logger *slog.Logger) {
	cfg, err := pipelines.GetPipeline(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return
	}
	if err != nil {
		logger.WarnContext(ctx, "cannot load saved pipeline", "node_id", n.ID(), "error", err)
		return
	}
	err = n.PushForwardingPipelineConfig(ctx, cfg)
	metrics.RecordPipelinePush(n.ID(), err)
	if err != nil {
		logger.WarnContext(ctx, "saved pipeline not restored", "node_id", n.ID(), "error", err)
		return
	}
	logger.InfoContext(ctx, "pipeline restored", "node_id", n.ID(), "cookie", cfg.GetCookie().GetCookie())
}

// serve listens on the unix socket and, when configured, on TCP and a
// metrics endpoint. It returns after a graceful stop once ctx is done.
func (s *Server) serve(ctx context.Context, socketPath, tcpAddr, metricsAddr string) error {
	if err := os.MkdirAll(filepath.Dir(socketPath), 0755); err != nil {
		return fmt.Errorf("failed to create socket directory: %w", err)
	}
	if err := os.RemoveAll(socketPath); err != nil {
		return fmt.Errorf("failed to remove existing socket: %w", err)
	}
	unixListener, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", socketPath, err)
	}
	defer unixListener.Close()
	if err := os.Chmod(socketPath, 0660); err != nil {
		return fmt.Errorf("failed to set socket permissions: %w", err)
	}

	grpcServer := s.NewGRPCServer()
	errChan := make(chan error, 3)

	go func() {
		s.logger.InfoContext(ctx, "p4runtime server listening", "socket", socketPath, "devices", s.DeviceIDs())
		if err := grpcServer.Serve(unixListener); err != nil {
			errChan <- fmt.Errorf("unix socket server: %w", err)
		}
	}()

	if tcpAddr != "" {
		tcpListener, err := net.Listen("tcp", tcpAddr)
		if err != nil {
			s.CloseStreams()
			grpcServer.GracefulStop()
			return fmt.Errorf("failed to listen on TCP %s: %w", tcpAddr, err)
		}
		go func() {
			s.logger.InfoContext(ctx, "p4runtime server listening", "tcp", tcpListener.Addr().String())
			if err := grpcServer.Serve(tcpListener); err != nil {
				errChan <- fmt.Errorf("tcp server: %w", err)
			}
		}()
	}

	var metricsServer *http.Server
	if metricsAddr != "" {
		metricsListener, err := net.Listen("tcp", metricsAddr)
		if err != nil {
			s.CloseStreams()
			grpcServer.GracefulStop()
			return fmt.Errorf("metrics listen on %s: %w", metricsAddr, err)
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		metricsServer = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			s.logger.InfoContext(ctx, "metrics HTTP server listening", "address", metricsListener.Addr().String())
			if err := metricsServer.Serve(metricsListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errChan <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	stop := func() {
		s.CloseStreams()
		grpcServer.GracefulStop()
		if metricsServer != nil {
			metricsServer.Close()
		}
	}

	select {
	case <-ctx.Done():
		s.logger.InfoContext(ctx, "shutting down p4runtime server")
		stop()
		return nil
	case err := <-errChan:
		stop()
		return err
	}
}
