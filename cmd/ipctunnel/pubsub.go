package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"ipctunnel/pkg/ipc"
	"ipctunnel/pkg/types"
)

const defaultServiceName = "My/Funk/ServiceName"

// requirePositive rejects ticker periods time.NewTicker would panic on.
func requirePositive(flag string, d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("--%s must be positive, got %v", flag, d)
	}
	return nil
}

func pubCmd() *cobra.Command {
	var (
		flags    tunnelFlags
		service  string
		interval time.Duration
		count    int
	)

	cmd := &cobra.Command{
		Use:     "pub",
		Aliases: []string{"publish"},
		Short:   "Publish samples through an embedded tunnel",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return requirePositive("interval", interval)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			flags.apply(cfg)

			node, err := ipc.NewNode(cfg.IPC, "publisher")
			if err != nil {
				return err
			}
			defer node.Close()

			svc, err := node.OpenOrCreatePublishSubscribe(types.ServiceName(service), types.PublishSubscribeConfig{})
			if err != nil {
				return fmt.Errorf("failed to open service %q: %w", service, err)
			}
			pub, err := svc.CreatePublisher(ipc.PublisherOptions{AllocationStrategy: ipc.AllocationPowerOfTwo})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return runTunnel(ctx, cfg, logger)
			})
			g.Go(func() error {
				defer stop()
				ticker := time.NewTicker(interval)
				defer ticker.Stop()

				for i := 0; count <= 0 || i < count; i++ {
					select {
					case <-ctx.Done():
						return nil
					case <-ticker.C:
					}

					payload := []byte(fmt.Sprintf("%s #%d", service, i))
					loan, err := pub.LoanUninit(len(payload))
					if err != nil {
						return err
					}
					delivered, err := loan.WriteFromSlice(payload).Send()
					if err != nil {
						return err
					}
					logger.Debug("Sample sent", zap.Int("counter", i), zap.Int("subscribers", delivered))
					fmt.Printf("sent: %s\n", payload)
				}
				return nil
			})
			return g.Wait()
		},
	}

	flags.register(cmd)
	cmd.Flags().StringVarP(&service, "service", "s", defaultServiceName, "service name")
	cmd.Flags().DurationVar(&interval, "interval", time.Second, "publish interval")
	cmd.Flags().IntVarP(&count, "count", "n", 0, "number of samples to send, 0 for no limit")

	return cmd
}

func subCmd() *cobra.Command {
	var (
		flags   tunnelFlags
		service string
		poll    time.Duration
	)

	cmd := &cobra.Command{
		Use:     "sub",
		Aliases: []string{"subscribe"},
		Short:   "Print samples received through an embedded tunnel",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return requirePositive("poll", poll)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			flags.apply(cfg)

			node, err := ipc.NewNode(cfg.IPC, "subscriber")
			if err != nil {
				return err
			}
			defer node.Close()

			svc, err := node.OpenOrCreatePublishSubscribe(types.ServiceName(service), types.PublishSubscribeConfig{})
			if err != nil {
				return fmt.Errorf("failed to open service %q: %w", service, err)
			}
			sub, err := svc.CreateSubscriber(ipc.SubscriberOptions{})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return runTunnel(ctx, cfg, logger)
			})
			g.Go(func() error {
				ticker := time.NewTicker(poll)
				defer ticker.Stop()

				for {
					select {
					case <-ctx.Done():
						return nil
					case <-ticker.C:
					}
					for {
						sample, err := sub.Receive()
						if err != nil {
							return err
						}
						if sample == nil {
							break
						}
						fmt.Printf("received: %s\n", sample.Payload())
					}
				}
			})
			return g.Wait()
		},
	}

	flags.register(cmd)
	cmd.Flags().StringVarP(&service, "service", "s", defaultServiceName, "service name")
	cmd.Flags().DurationVar(&poll, "poll", 100*time.Millisecond, "receive polling interval")

	return cmd
}
