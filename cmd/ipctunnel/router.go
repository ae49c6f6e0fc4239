package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"ipctunnel/pkg/metrics"
	"ipctunnel/pkg/overlay"
)

func newRegistry() *prometheus.Registry {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return registry
}

func routerCmd() *cobra.Command {
	var (
		listen        string
		metricsListen string
	)

	cmd := &cobra.Command{
		Use:   "router",
		Short: "Run an overlay router",
		Long:  `Start the overlay router that tunnels on every host link to.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Router.Listen = listen
			}
			if metricsListen != "" {
				cfg.Metrics.Listen = metricsListen
			}
			serverCfg, err := cfg.ServerConfig()
			if err != nil {
				return err
			}
			if serverCfg.TLS, err = cfg.RouterTLS(); err != nil {
				return err
			}
			if serverCfg.TLS != nil {
				logger.Info("Router links require TLS",
					zap.Bool("client_auth", cfg.Auth.RequireClientAuth),
					zap.Strings("allowed_names", cfg.Auth.AllowedNames))
			}

			registry := newRegistry()
			router := overlay.NewRouter(logger.Named("router"), metrics.NewRouterMetrics(registry))
			defer router.Close()
			server := overlay.NewServer(router, serverCfg, logger.Named("server"))

			lis, err := net.Listen("tcp", cfg.Router.Listen)
			if err != nil {
				return fmt.Errorf("failed to listen on %s: %w", cfg.Router.Listen, err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return server.Serve(lis)
			})
			g.Go(func() error {
				<-ctx.Done()
				logger.Info("Shutting down router")
				server.GracefulStop()
				return nil
			})
			if cfg.Metrics.Listen != "" {
				g.Go(func() error {
					return metrics.Serve(ctx, cfg.Metrics.Listen, registry, func() bool { return true }, logger)
				})
			}

			return g.Wait()
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "router listen address (overrides config)")
	cmd.Flags().StringVar(&metricsListen, "metrics", "", "metrics and health listen address")

	return cmd
}
