package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"ipctunnel/pkg/config"
	"ipctunnel/pkg/metrics"
	"ipctunnel/pkg/tunnel"
)

// tunnelFlags configure the tunnel embedded in the pub and sub commands.
type tunnelFlags struct {
	endpoint string
	domain   string
	scope    string
	interval time.Duration
	metrics  string
}

func (f *tunnelFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.endpoint, "endpoint", "", "overlay router address (overrides config)")
	cmd.Flags().StringVar(&f.domain, "domain", "", "local IPC domain (overrides config)")
	cmd.Flags().StringVar(&f.scope, "scope", "", "discovery scope: local, remote or both")
	cmd.Flags().DurationVar(&f.interval, "tunnel-interval", 0, "discovery and propagation interval")
	cmd.Flags().StringVar(&f.metrics, "metrics", "", "metrics and health listen address")
}

func (f *tunnelFlags) apply(cfg *config.Config) {
	if f.endpoint != "" {
		cfg.Overlay.Endpoint = f.endpoint
	}
	if f.domain != "" {
		cfg.IPC.Domain = f.domain
	}
	if f.scope != "" {
		cfg.Tunnel.Scope = f.scope
	}
	if f.interval > 0 {
		cfg.Tunnel.PollInterval = f.interval
	}
	if f.metrics != "" {
		cfg.Metrics.Listen = f.metrics
	}
}

// runTunnel drives a tunnel built from cfg until ctx is done.
func runTunnel(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	tunnelCfg, err := cfg.TunnelConfig()
	if err != nil {
		return err
	}
	scope, err := cfg.Scope()
	if err != nil {
		return err
	}

	registry := newRegistry()
	tun, err := tunnel.New(ctx, tunnelCfg, logger.Named("tunnel"),
		tunnel.WithMetrics(metrics.NewTunnelMetrics(registry)))
	if err != nil {
		return err
	}
	defer tun.Close()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return tunnel.Run(ctx, tun, cfg.Tunnel.PollInterval, scope)
	})
	if cfg.Metrics.Listen != "" {
		g.Go(func() error {
			return metrics.Serve(ctx, cfg.Metrics.Listen, registry, tun.Ready, logger)
		})
	}
	return g.Wait()
}
