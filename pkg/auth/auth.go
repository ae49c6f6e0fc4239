// Package auth secures overlay links with mutual TLS backed by a private
// Ed25519 certificate authority.
package auth

import (
	"crypto/tls"
	"errors"
	"fmt"
)

var (
	ErrMissingCA          = errors.New("CA certificate is required when TLS is enabled")
	ErrMissingCertificate = errors.New("certificate and key are required")
	ErrPeerNotAllowed     = errors.New("peer not allowed")
	ErrInvalidTLSVersion  = errors.New("invalid TLS version")
)

// Config holds link security settings. The zero value disables TLS.
type Config struct {
	Enabled  bool   `mapstructure:"enabled"`
	CAFile   string `mapstructure:"ca_file"`
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
	// ServerName overrides the name a client verifies the router against.
	ServerName        string `mapstructure:"server_name"`
	RequireClientAuth bool   `mapstructure:"require_client_auth"`
	// AllowedNames restricts peers by certificate common name. Empty allows
	// any peer the CA vouches for.
	AllowedNames  []string `mapstructure:"allowed_names"`
	MinTLSVersion string   `mapstructure:"min_tls_version"`
}

func DefaultConfig() Config {
	return Config{MinTLSVersion: "1.2"}
}

// Validate checks if the configuration is usable
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.CAFile == "" {
		return ErrMissingCA
	}
	if (c.CertFile == "") != (c.KeyFile == "") {
		return ErrMissingCertificate
	}
	if _, err := c.tlsVersion(); err != nil {
		return err
	}
	return nil
}

func (c Config) tlsVersion() (uint16, error) {
	switch c.MinTLSVersion {
	case "", "1.2":
		return tls.VersionTLS12, nil
	case "1.3":
		return tls.VersionTLS13, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidTLSVersion, c.MinTLSVersion)
	}
}
