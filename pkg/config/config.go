package config

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"ipctunnel/pkg/auth"
	"ipctunnel/pkg/ipc"
	"ipctunnel/pkg/overlay"
	"ipctunnel/pkg/tunnel"
	"ipctunnel/pkg/utils"
)

const EnvPrefix = "IPCTUNNEL"

type Config struct {
	Overlay OverlayConfig `mapstructure:"overlay"`
	Router  RouterConfig  `mapstructure:"router"`
	IPC     ipc.Config    `mapstructure:"ipc"`
	Tunnel  TunnelConfig  `mapstructure:"tunnel"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	// Auth secures the overlay link on both the router and tunnel side.
	Auth auth.Config `mapstructure:"auth"`
}

// OverlayConfig tells a tunnel how to reach the overlay router. An empty
// endpoint uses the in-process router.
type OverlayConfig struct {
	Endpoint          string        `mapstructure:"endpoint"`
	ConnectTimeout    time.Duration `mapstructure:"connect_timeout"`
	KeepaliveInterval time.Duration `mapstructure:"keepalive_interval"`
	KeepaliveTimeout  time.Duration `mapstructure:"keepalive_timeout"`
	Compression       string        `mapstructure:"compression"`
	MaxMessageSize    string        `mapstructure:"max_message_size"`
}

type RouterConfig struct {
	Listen           string        `mapstructure:"listen"`
	MaxMessageSize   string        `mapstructure:"max_message_size"`
	KeepaliveMinTime time.Duration `mapstructure:"keepalive_min_time"`
}

type TunnelConfig struct {
	NodeName           string        `mapstructure:"node_name"`
	Scope              string        `mapstructure:"scope"`
	PollInterval       time.Duration `mapstructure:"poll_interval"`
	QueryTimeout       time.Duration `mapstructure:"query_timeout"`
	InboundQueueDepth  int           `mapstructure:"inbound_queue_depth"`
	AllocationStrategy string        `mapstructure:"allocation_strategy"`
	InitialMaxSliceLen string        `mapstructure:"initial_max_slice_len"`
}

// MetricsConfig controls the health and metrics endpoint. An empty listen
// address disables it.
type MetricsConfig struct {
	Listen string `mapstructure:"listen"`
}

func setDefaults(v *viper.Viper) {
	ov := overlay.DefaultConfig()
	v.SetDefault("overlay.endpoint", "")
	v.SetDefault("overlay.connect_timeout", ov.ConnectTimeout)
	v.SetDefault("overlay.keepalive_interval", ov.KeepaliveInterval)
	v.SetDefault("overlay.keepalive_timeout", ov.KeepaliveTimeout)
	v.SetDefault("overlay.compression", "")
	v.SetDefault("overlay.max_message_size", "16MiB")

	v.SetDefault("router.listen", ":7447")
	v.SetDefault("router.max_message_size", "16MiB")
	v.SetDefault("router.keepalive_min_time", overlay.DefaultKeepaliveMinTime)

	v.SetDefault("ipc.domain", ipc.DefaultDomain)

	tc := tunnel.DefaultConfig()
	v.SetDefault("tunnel.node_name", tc.NodeName)
	v.SetDefault("tunnel.scope", tunnel.ScopeBoth.String())
	v.SetDefault("tunnel.poll_interval", tunnel.DefaultPollInterval)
	v.SetDefault("tunnel.query_timeout", tc.QueryTimeout)
	v.SetDefault("tunnel.inbound_queue_depth", tc.InboundQueueDepth)
	v.SetDefault("tunnel.allocation_strategy", ipc.AllocationPowerOfTwo.String())
	v.SetDefault("tunnel.initial_max_slice_len", "0")

	v.SetDefault("metrics.listen", "")

	ac := auth.DefaultConfig()
	v.SetDefault("auth.enabled", ac.Enabled)
	v.SetDefault("auth.ca_file", "")
	v.SetDefault("auth.cert_file", "")
	v.SetDefault("auth.key_file", "")
	v.SetDefault("auth.server_name", "")
	v.SetDefault("auth.require_client_auth", ac.RequireClientAuth)
	v.SetDefault("auth.allowed_names", []string{})
	v.SetDefault("auth.min_tls_version", ac.MinTLSVersion)
}

// Dir returns the directory searched for config.yaml when no file is given.
func Dir() string {
	if dir := os.Getenv(EnvPrefix + "_CONFIG_DIR"); dir != "" {
		return dir
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "ipctunnel")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".ipctunnel"
	}
	return filepath.Join(home, ".ipctunnel")
}

// Load reads the config file at path, or config.yaml from Dir when path is
// empty, and applies IPCTUNNEL_* environment overrides on top. A missing
// default file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(Dir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if err := c.Auth.Validate(); err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	if _, err := c.OverlayConfig(); err != nil {
		return err
	}
	if _, err := c.ServerConfig(); err != nil {
		return err
	}
	if _, err := c.TunnelConfig(); err != nil {
		return err
	}
	if _, err := c.Scope(); err != nil {
		return fmt.Errorf("tunnel.scope: %w", err)
	}
	switch c.Overlay.Compression {
	case "", "none", overlay.CompressionZstd:
	default:
		return fmt.Errorf("overlay.compression: %w: %q", overlay.ErrUnsupportedCompression, c.Overlay.Compression)
	}
	return nil
}

func (c *Config) OverlayConfig() (overlay.Config, error) {
	size, err := utils.ParseSizeOr(c.Overlay.MaxMessageSize, 0)
	if err != nil {
		return overlay.Config{}, fmt.Errorf("overlay.max_message_size: %w", err)
	}
	var tlsConfig *tls.Config
	if c.Overlay.Endpoint != "" {
		if tlsConfig, err = c.Auth.ClientTLS(); err != nil {
			return overlay.Config{}, fmt.Errorf("auth: %w", err)
		}
	}
	return overlay.Config{
		Endpoint:          c.Overlay.Endpoint,
		ConnectTimeout:    c.Overlay.ConnectTimeout,
		KeepaliveInterval: c.Overlay.KeepaliveInterval,
		KeepaliveTimeout:  c.Overlay.KeepaliveTimeout,
		Compression:       c.Overlay.Compression,
		MaxMessageSize:    size,
		TLS:               tlsConfig,
	}, nil
}

func (c *Config) ServerConfig() (overlay.ServerConfig, error) {
	size, err := utils.ParseSizeOr(c.Router.MaxMessageSize, 0)
	if err != nil {
		return overlay.ServerConfig{}, fmt.Errorf("router.max_message_size: %w", err)
	}
	return overlay.ServerConfig{
		MaxMessageSize:   size,
		KeepaliveMinTime: c.Router.KeepaliveMinTime,
	}, nil
}

// RouterTLS loads the router's certificate. It is separate from ServerConfig
// so that tunnel-only hosts need no server certificate.
func (c *Config) RouterTLS() (*tls.Config, error) {
	tlsConfig, err := c.Auth.ServerTLS()
	if err != nil {
		return nil, fmt.Errorf("auth: %w", err)
	}
	return tlsConfig, nil
}

func (c *Config) TunnelConfig() (tunnel.Config, error) {
	ov, err := c.OverlayConfig()
	if err != nil {
		return tunnel.Config{}, err
	}
	strategy, err := ipc.ParseAllocationStrategy(c.Tunnel.AllocationStrategy)
	if err != nil {
		return tunnel.Config{}, fmt.Errorf("tunnel.allocation_strategy: %w", err)
	}
	initial, err := utils.ParseSizeOr(c.Tunnel.InitialMaxSliceLen, 0)
	if err != nil {
		return tunnel.Config{}, fmt.Errorf("tunnel.initial_max_slice_len: %w", err)
	}
	return tunnel.Config{
		Overlay:            ov,
		IPC:                c.IPC,
		NodeName:           c.Tunnel.NodeName,
		InboundQueueDepth:  c.Tunnel.InboundQueueDepth,
		QueryTimeout:       c.Tunnel.QueryTimeout,
		AllocationStrategy: strategy,
		InitialMaxSliceLen: initial,
	}, nil
}

func (c *Config) Scope() (tunnel.Scope, error) {
	return tunnel.ParseScope(c.Tunnel.Scope)
}
