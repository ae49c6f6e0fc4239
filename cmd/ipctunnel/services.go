package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"ipctunnel/pkg/overlay"
	"ipctunnel/pkg/tunnel"
	"ipctunnel/pkg/types"
	"ipctunnel/pkg/utils"
)

func servicesCmd() *cobra.Command {
	var (
		output   string
		endpoint string
		timeout  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "services",
		Short: "List announced services",
		Long:  `List the services announced on the overlay by every running tunnel.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if endpoint != "" {
				cfg.Overlay.Endpoint = endpoint
			}

			ovCfg, err := cfg.OverlayConfig()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			session, err := overlay.Open(ctx, ovCfg, logger)
			if err != nil {
				return fmt.Errorf("failed to connect to overlay: %w", err)
			}
			defer session.Close()

			// Malformed announcements are reported but do not hide the rest.
			services, err := tunnel.QueryServices(ctx, session)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
			}

			return printServices(services, ovCfg.Endpoint, output)
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "table", "output format: table, json or yaml")
	cmd.Flags().StringVar(&endpoint, "endpoint", "", "overlay router address (overrides config)")
	cmd.Flags().DurationVar(&timeout, "timeout", 3*time.Second, "query timeout")

	return cmd
}

func printServices(services []types.StaticConfig, source, output string) error {
	switch output {
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(services)
	case "yaml":
		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(services)
	case "table", "":
		fmt.Println(renderServices(services, source))
		return nil
	default:
		return fmt.Errorf("unknown output format %q", output)
	}
}

func renderServices(services []types.StaticConfig, source string) string {
	if source == "" {
		source = "in-process router"
	}
	title := titleStyle.Render(fmt.Sprintf("Services on %s", source))
	if len(services) == 0 {
		return lipgloss.JoinVertical(lipgloss.Left, title, mutedStyle.Render("No services found"))
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(bgLightColor)).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			if col == 2 {
				return patternStyle
			}
			return rowStyle
		})

	t.Headers("SERVICE ID", "NAME", "PATTERN", "PAYLOAD", "SIZE", "PUB/SUB")

	for _, svc := range services {
		payload, size, ports := "-", "-", "-"
		switch {
		case svc.PublishSubscribe != nil:
			ps := svc.PublishSubscribe
			p := ps.MessageTypeDetails.Payload
			payload = p.TypeName
			if p.Variant == types.Dynamic {
				payload = "[]" + p.TypeName
			}
			size = utils.FormatSize(p.Size)
			ports = fmt.Sprintf("%d/%d", ps.MaxPublishers, ps.MaxSubscribers)
		case svc.Event != nil:
			ports = fmt.Sprintf("%d/%d", svc.Event.MaxNotifiers, svc.Event.MaxListeners)
		}

		t.Row(shortID(svc.ServiceID), string(svc.Name), string(svc.Pattern), payload, size, ports)
	}

	return lipgloss.JoinVertical(lipgloss.Left, title, t.Render())
}

func shortID(id types.ServiceID) string {
	s := id.String()
	if len(s) > 12 {
		return s[:12]
	}
	return s
}
