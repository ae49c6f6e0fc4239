package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"ipctunnel/pkg/auth"
)

const defaultCertValidity = 365 * 24 * time.Hour

func authCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Certificate management for overlay links",
		Long:  "Create the certificate authority and the certificates routers and tunnels use to link over TLS",
	}
	cmd.AddCommand(authInitCmd(), authCertCmd())
	return cmd
}

func authInitCmd() *cobra.Command {
	var (
		name     string
		dir      string
		validity time.Duration
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a new Certificate Authority",
		RunE: func(cmd *cobra.Command, args []string) error {
			certPath, keyPath := filepath.Join(dir, "ca.crt"), filepath.Join(dir, "ca.key")
			if _, err := os.Stat(certPath); err == nil {
				return fmt.Errorf("CA already exists at %s", certPath)
			}
			if err := os.MkdirAll(dir, 0700); err != nil {
				return fmt.Errorf("failed to create CA directory: %w", err)
			}

			fmt.Printf("Generating Ed25519 CA '%s'...\n", name)
			ca, err := auth.NewAuthority(name, validity)
			if err != nil {
				return err
			}
			if err := ca.Save(certPath, keyPath); err != nil {
				return err
			}

			fmt.Println(successStyle.Render("✓ CA created at " + dir))
			fmt.Printf("  - Certificate: %s\n", certPath)
			fmt.Printf("  - Private Key: %s (keep secure!)\n", keyPath)
			fmt.Printf("  - Valid for: %v\n", validity)
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "ipctunnel", "CA name")
	cmd.Flags().StringVar(&dir, "dir", filepath.Join(".", "certs"), "directory for ca.crt and ca.key")
	cmd.Flags().DurationVar(&validity, "validity", 10*defaultCertValidity, "CA validity period")
	return cmd
}

func authCertCmd() *cobra.Command {
	var (
		caDir    string
		out      string
		hosts    []string
		validity time.Duration
	)

	cmd := &cobra.Command{
		Use:   "cert <name>",
		Short: "Issue a certificate for a router or tunnel host",
		Long: `Issue a certificate signed by the CA. The name becomes the certificate's
common name, which routers match against auth.allowed_names.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			ca, err := auth.LoadAuthority(filepath.Join(caDir, "ca.crt"), filepath.Join(caDir, "ca.key"))
			if err != nil {
				return fmt.Errorf("failed to load CA: %w", err)
			}
			if out == "" {
				out = caDir
			}
			if err := os.MkdirAll(out, 0700); err != nil {
				return fmt.Errorf("failed to create output directory: %w", err)
			}

			fmt.Printf("Generating Ed25519 certificate for '%s'...\n", name)
			cert, key, err := ca.Issue(name, hosts, validity)
			if err != nil {
				return err
			}
			certPath, keyPath := filepath.Join(out, name+".crt"), filepath.Join(out, name+".key")
			if err := auth.SaveCertificate(cert, key, certPath, keyPath); err != nil {
				return err
			}

			fmt.Println(successStyle.Render("✓ Certificate issued for " + name))
			fmt.Printf("  - Certificate: %s\n", certPath)
			fmt.Printf("  - Private Key: %s (keep secure!)\n", keyPath)
			if len(hosts) > 0 {
				fmt.Printf("  - Hosts: %v\n", hosts)
			}
			fmt.Printf("  - Expires: %s\n", cert.NotAfter.Format(time.RFC3339))
			return nil
		},
	}

	cmd.Flags().StringVar(&caDir, "ca-dir", filepath.Join(".", "certs"), "directory holding ca.crt and ca.key")
	cmd.Flags().StringVarP(&out, "out", "o", "", "output directory (defaults to --ca-dir)")
	cmd.Flags().StringSliceVar(&hosts, "host", []string{"localhost", "127.0.0.1"}, "DNS names or IPs the certificate is valid for")
	cmd.Flags().DurationVar(&validity, "validity", defaultCertValidity, "certificate validity period")
	return cmd
}
