package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/devrev/paircache/internal/config"
	"github.com/devrev/paircache/internal/dedup"
	"github.com/devrev/paircache/internal/failover"
	"github.com/devrev/paircache/internal/metadata"
	"github.com/devrev/paircache/internal/metrics"
	"github.com/devrev/paircache/internal/model"
	"github.com/devrev/paircache/internal/server"
	"github.com/devrev/paircache/internal/transport"
	"github.com/devrev/paircache/internal/transport/rpc"
	"github.com/devrev/paircache/internal/util/workerpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
)

const attachRetryInterval = 2 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:          "serve",
		Short:        "Run a cache node",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx)
		},
	}
}

// closer collects shutdown steps and runs them in reverse order
type closer struct {
	fns []func() error
}

func (c *closer) add(fn func() error) {
	c.fns = append(c.fns, fn)
}

func (c *closer) close() error {
	var err error
	for i := len(c.fns) - 1; i >= 0; i-- {
		err = multierr.Append(err, c.fns[i]())
	}
	return err
}

func serve(ctx context.Context) (err error) {
	bootstrap, err := initLogger(config.LoggingConfig{Level: "info"})
	if err != nil {
		return err
	}
	loader := config.NewLoader(configPath, bootstrap)
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := initLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer logger.Sync()
	logger = logger.With(zap.String("node_id", cfg.Node.NodeID))

	logger.Info("Configuration loaded",
		zap.String("pair_id", cfg.Node.PairID),
		zap.String("role", string(cfg.Node.Role)),
		zap.String("address", cfg.Server.Address()))

	var cleanup closer
	defer func() {
		err = multierr.Append(err, cleanup.close())
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(cfg.Node.NodeID, reg)

	pool := workerpool.NewWorkerPool(workerpool.Config{
		Name:       "node",
		MaxWorkers: cfg.WorkerPool.MaxWorkers,
		QueueSize:  cfg.WorkerPool.QueueSize,
		Logger:     logger,
	})
	cleanup.add(func() error { return pool.Stop(5 * time.Second) })

	dedupStore, err := dedup.Open(cfg.Dedup, logger)
	if err != nil {
		return fmt.Errorf("failed to open dedup store: %w", err)
	}

	epochs, err := openEpochStore(ctx, cfg, logger)
	if err != nil {
		_ = dedupStore.Close()
		return err
	}
	cleanup.add(epochs.Close)

	if cfg.Replication.Segment.Enabled {
		if err := os.MkdirAll(cfg.Replication.Segment.Dir, 0o755); err != nil {
			_ = dedupStore.Close()
			return fmt.Errorf("failed to create segment directory: %w", err)
		}
	}

	node, err := server.NewNode(cfg.NodeServerConfig(), server.Deps{
		Dedup:   dedupStore,
		Epochs:  epochs,
		Pool:    pool,
		Metrics: m,
		Logger:  logger,
	})
	if err != nil {
		_ = dedupStore.Close()
		return fmt.Errorf("failed to create node: %w", err)
	}
	cleanup.add(node.Close)

	if recovered, err := node.Recover(ctx); err != nil {
		logger.Error("Failed to recover from segments", zap.Error(err))
	} else if recovered > 0 {
		logger.Info("Recovered records from segments", zap.Int("records", recovered))
	}

	peers := make(map[string]*rpc.Client, len(cfg.Peers))
	nodes := map[string]transport.NodeClient{cfg.Node.NodeID: node}
	for _, p := range cfg.Peers {
		client, err := rpc.Dial(p.Address, cfg.Server.CallTimeout)
		if err != nil {
			return err
		}
		cleanup.add(client.Close)
		peers[p.NodeID] = client
		nodes[p.NodeID] = client
	}

	role, epoch := node.Role()
	membership, gossip, err := openMembership(cfg, role, epoch, m, logger)
	if err != nil {
		return err
	}
	if gossip != nil {
		cleanup.add(gossip.Shutdown)
	}
	router := failover.NewRouter(membership, nodes, logger)

	if role == model.RolePassive {
		if _, err := router.Discover(ctx); err != nil {
			logger.Warn("No active node found at startup", zap.Error(err))
		}
		coord := failover.NewCoordinator(cfg.Failover, membership, router, node, logger)
		coord.OnPromoted = func(epoch model.Epoch) {
			if gossip != nil {
				gossip.Advertise(model.RoleActive, epoch)
			}
		}
		coord.Start(ctx)
		cleanup.add(func() error { coord.Stop(); return nil })
	}

	loader.Watch(func(prev, next *config.Config) {
		for _, cc := range config.PoolChanges(prev, next) {
			node.SetResourcePool(cc.Name, cc.Pool())
		}
	})

	if cfg.Metrics.Enabled {
		ms := metrics.NewServer(metrics.ServerConfig{Port: cfg.Metrics.Port, Path: cfg.Metrics.Path}, reg, m, node.Status, logger)
		if err := ms.Start(); err != nil {
			return err
		}
		cleanup.add(func() error {
			sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return ms.Stop(sctx)
		})
	}

	grpcServer := grpc.NewServer(
		grpc.MaxConcurrentStreams(uint32(cfg.Server.MaxConnections)),
		grpc.UnaryInterceptor(rpc.LoggingInterceptor(logger, cfg.Server.SlowCall)),
	)
	rpc.NewServer(node, logger).Register(grpcServer)

	listener, err := net.Listen("tcp", cfg.Server.Address())
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	logger.Info("Cache node starting", zap.String("address", listener.Addr().String()))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return grpcServer.Serve(listener)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down gracefully...")
		node.Terminate()
		stopGRPC(grpcServer, cfg.Server.ShutdownTimeout)
		return nil
	})
	if role == model.RoleActive {
		for id, peer := range peers {
			id, peer := id, peer
			g.Go(func() error {
				attachWhenReady(gctx, node, id, peer, logger)
				return nil
			})
		}
	}

	return g.Wait()
}

func openEpochStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (metadata.EpochStore, error) {
	if cfg.Metadata.Backend != "postgres" {
		return metadata.NewMemoryStore(), nil
	}
	store, err := metadata.NewPostgresStore(ctx, cfg.Metadata.Postgres, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open epoch store: %w", err)
	}
	return store, nil
}

func openMembership(cfg *config.Config, role model.NodeRole, epoch model.Epoch, m *metrics.Metrics, logger *zap.Logger) (failover.Membership, *failover.GossipMembership, error) {
	if !cfg.Gossip.Enabled {
		active := ""
		if role == model.RoleActive {
			active = cfg.Node.NodeID
		}
		return failover.NewStaticMembership(active, logger), nil, nil
	}

	gossip, err := failover.NewGossipMembership(cfg.Gossip.GossipConfig, cfg.Node.NodeID, role, epoch, m, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to start gossip: %w", err)
	}
	logger.Info("Gossip membership started", zap.String("addr", gossip.Addr()))
	return gossip, gossip, nil
}

// attachWhenReady seeds peer once it reports itself passive
func attachWhenReady(ctx context.Context, node *server.Node, peerID string, peer *rpc.Client, logger *zap.Logger) {
	ticker := time.NewTicker(attachRetryInterval)
	defer ticker.Stop()

	for {
		st, err := peer.Status(ctx)
		if err == nil && st.Role == model.RolePassive {
			if err = node.AttachPassive(ctx, peer); err == nil {
				return
			}
		}
		logger.Debug("Peer not ready for attach",
			zap.String("peer_id", peerID),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// stopGRPC drains in-flight calls, forcing the stop after timeout
func stopGRPC(s *grpc.Server, timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		s.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		s.Stop()
	}
}
