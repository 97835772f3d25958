package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"jammesh/pkg/config"
	"jammesh/pkg/mesh"
	"jammesh/pkg/observability"
)

func newRunCmd() *cobra.Command {
	var (
		nodeID         string
		peerFlags      []string
		statusInterval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Join the mesh and serve until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if nodeID != "" {
				cfg.NodeID = nodeID
			}
			extra, err := parsePeerFlags(peerFlags)
			if err != nil {
				return err
			}
			cfg.Peers = append(cfg.Peers, extra...)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, statusInterval)
		},
	}
	cmd.Flags().StringVar(&nodeID, "node-id", "", "override the configured node id")
	cmd.Flags().StringArrayVar(&peerFlags, "peer", nil, "static peer as id=endpoint, e.g. bob=tcp://10.0.0.2:7700 (repeatable)")
	cmd.Flags().DurationVar(&statusInterval, "status-interval", 30*time.Second, "how often to log a status line, 0 disables")
	return cmd
}

// parsePeerFlags reads id=endpoint pairs; the endpoint may be empty.
func parsePeerFlags(flags []string) ([]config.PeerConfig, error) {
	out := make([]config.PeerConfig, 0, len(flags))
	for _, f := range flags {
		id, addr, _ := strings.Cut(f, "=")
		id = strings.TrimSpace(id)
		if id == "" {
			return nil, fmt.Errorf("--peer %q: missing peer id", f)
		}
		out = append(out, config.PeerConfig{ID: id, Addr: strings.TrimSpace(addr)})
	}
	return out, nil
}

func run(ctx context.Context, cfg *config.Config, statusInterval time.Duration) error {
	logger, err := observability.SetupLogger(cfg.Log, cfg.NodeID)
	if err != nil {
		return fmt.Errorf("setup logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	shutdownTracing, err := observability.SetupTracing(ctx, cfg.Tracing, cfg.NodeID)
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Warn("tracing shutdown", zap.Error(err))
		}
	}()

	logger.Info("jammesh-node starting", zap.String("name", cfg.DisplayName))
	logger.Info("effective configuration", zap.Any("config", cfg))

	node, err := mesh.New(mesh.Options{Config: cfg, Logger: logger})
	if err != nil {
		return err
	}
	if statusInterval > 0 {
		go logStatus(ctx, logger, node, statusInterval)
	}

	err = node.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("node stopped", zap.Error(err))
		return err
	}
	return nil
}

func logStatus(ctx context.Context, logger *zap.Logger, node *mesh.Node, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			st := node.Status()
			logger.Info("status",
				zap.Uint64("clock", st.Clock),
				zap.Int("peers_connected", st.Peers.Connected),
				zap.Int("links", st.Links),
				zap.Int("sessions", st.Sessions),
				zap.Uint64("frames_accepted", st.Router.Accepted),
				zap.Uint64("frames_dropped", st.Router.Dropped),
				zap.Uint64("store_keys", st.Store.Keys),
				zap.Uint64("store_expired", st.Store.Expired),
			)
		}
	}
}
