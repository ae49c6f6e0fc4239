package auth

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"slices"
)

// ServerTLS builds the router side of a link. It returns nil when TLS is
// disabled.
func (c Config) ServerTLS() (*tls.Config, error) {
	if !c.Enabled {
		return nil, nil
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if c.CertFile == "" {
		return nil, ErrMissingCertificate
	}

	cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load server certificate: %w", err)
	}
	version, _ := c.tlsVersion()

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   version,
	}
	if c.RequireClientAuth {
		pool, err := loadCAPool(c.CAFile)
		if err != nil {
			return nil, err
		}
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
		tlsConfig.ClientCAs = pool
		tlsConfig.VerifyPeerCertificate = c.verifyPeerName
	}
	return tlsConfig, nil
}

// ClientTLS builds the tunnel side of a link. It returns nil when TLS is
// disabled.
func (c Config) ClientTLS() (*tls.Config, error) {
	if !c.Enabled {
		return nil, nil
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}

	pool, err := loadCAPool(c.CAFile)
	if err != nil {
		return nil, err
	}
	version, _ := c.tlsVersion()

	tlsConfig := &tls.Config{
		RootCAs:               pool,
		ServerName:            c.ServerName,
		MinVersion:            version,
		VerifyPeerCertificate: c.verifyPeerName,
	}
	if c.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return tlsConfig, nil
}

// verifyPeerName runs after chain verification succeeded.
func (c Config) verifyPeerName(_ [][]byte, verifiedChains [][]*x509.Certificate) error {
	if len(c.AllowedNames) == 0 {
		return nil
	}
	if len(verifiedChains) == 0 || len(verifiedChains[0]) == 0 {
		return fmt.Errorf("%w: no verified certificate", ErrPeerNotAllowed)
	}
	name := verifiedChains[0][0].Subject.CommonName
	if !slices.Contains(c.AllowedNames, name) {
		return fmt.Errorf("%w: %q", ErrPeerNotAllowed, name)
	}
	return nil
}

func loadCAPool(path string) (*x509.CertPool, error) {
	caCert, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("failed to parse CA certificate %s", path)
	}
	return pool, nil
}
