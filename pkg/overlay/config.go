package overlay

import (
	"context"
	"crypto/tls"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
)

// Config selects how a session reaches its router.
type Config struct {
	// Endpoint is the router address. Empty attaches to DefaultRouter.
	Endpoint          string
	ConnectTimeout    time.Duration
	KeepaliveInterval time.Duration
	KeepaliveTimeout  time.Duration
	// Compression is empty, "none" or "zstd".
	Compression    string
	MaxMessageSize int
	// TLS secures the link to a remote router when set.
	TLS *tls.Config
}

func DefaultConfig() Config {
	return Config{
		ConnectTimeout:    5 * time.Second,
		KeepaliveInterval: 30 * time.Second,
		KeepaliveTimeout:  10 * time.Second,
		MaxMessageSize:    16 << 20,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.KeepaliveInterval <= 0 {
		c.KeepaliveInterval = def.KeepaliveInterval
	}
	if c.KeepaliveTimeout <= 0 {
		c.KeepaliveTimeout = def.KeepaliveTimeout
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = def.MaxMessageSize
	}
	return c
}

// Open attaches a session to the router named by cfg.
func Open(ctx context.Context, cfg Config, logger *zap.Logger, opts ...grpc.DialOption) (*Session, error) {
	if cfg.Endpoint == "" {
		return DefaultRouter().Connect(logger)
	}
	return Dial(ctx, cfg, logger, opts...)
}
