// Package config loads mini-rsocket configuration from YAML files and the
// environment.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"mini-rsocket/codec"
	"mini-rsocket/loadbalance"
	"mini-rsocket/transport"
)

// Config is the root configuration shared by the client and the server.
type Config struct {
	// Network is the net.Dial/net.Listen network, normally "tcp".
	Network string `mapstructure:"network"`
	// Listen is the server listen address.
	Listen string `mapstructure:"listen"`
	// Endpoints are the responders a client balances over.
	Endpoints []EndpointConfig `mapstructure:"endpoints"`
	// Balancer: round_robin, weighted_random or consistent_hash.
	Balancer string `mapstructure:"balancer"`
	// PoolSize is the number of multiplexed connections per endpoint.
	PoolSize int `mapstructure:"pool_size"`
	// Codec: json, cbor or proto.
	Codec string `mapstructure:"codec"`

	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`

	Protocol  ProtocolConfig  `mapstructure:"protocol"`
	Retry     RetryConfig     `mapstructure:"retry"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Log       LogConfig       `mapstructure:"log"`

	// MetricsAddr, if set, serves /metrics on this address.
	MetricsAddr string `mapstructure:"metrics_addr"`
}

// EndpointConfig is a statically configured responder address.
type EndpointConfig struct {
	Addr   string `mapstructure:"addr"`
	Weight int    `mapstructure:"weight"`
}

// ProtocolConfig tunes the frame engine.
type ProtocolConfig struct {
	KeepAlive         time.Duration `mapstructure:"keepalive"`
	MaxLifetime       time.Duration `mapstructure:"max_lifetime"`
	InitialCredit     uint32        `mapstructure:"initial_credit"`
	MaxFrameSize      int           `mapstructure:"max_frame_size"`
	FragmentMTU       int           `mapstructure:"fragment_mtu"`
	LowWaterDivisor   int           `mapstructure:"low_water_divisor"`
	ClosedStreamCache int           `mapstructure:"closed_stream_cache"`
}

// RetryConfig repeats client calls that timed out or lost their connection.
// Max == 0 disables retries.
type RetryConfig struct {
	Max       int           `mapstructure:"max"`
	BaseDelay time.Duration `mapstructure:"base_delay"`
}

// RateLimitConfig limits request-response calls on the server. Rate <= 0
// disables limiting.
type RateLimitConfig struct {
	Rate  float64 `mapstructure:"rate"`
	Burst int     `mapstructure:"burst"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format: console or json
	Format string `mapstructure:"format"`
	// Outputs: stdout, stderr, or file paths
	Outputs     []string       `mapstructure:"outputs"`
	Rotation    RotationConfig `mapstructure:"rotation"`
	Development bool           `mapstructure:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
	Enable     bool `mapstructure:"enable"`
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxBackups int  `mapstructure:"max_backups"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	Compress   bool `mapstructure:"compress"`
}

// Default returns a Config populated with working defaults.
func Default() *Config {
	return &Config{
		Network:          "tcp",
		Listen:           ":7878",
		Endpoints:        []EndpointConfig{{Addr: "127.0.0.1:7878", Weight: 1}},
		Balancer:         loadbalance.NameRoundRobin,
		PoolSize:         1,
		Codec:            "json",
		RequestTimeout:   10 * time.Second,
		HandshakeTimeout: 5 * time.Second,
		Protocol: ProtocolConfig{
			KeepAlive:         20 * time.Second,
			MaxLifetime:       90 * time.Second,
			InitialCredit:     256,
			MaxFrameSize:      16 << 20,
			LowWaterDivisor:   4,
			ClosedStreamCache: 1024,
		},
		Retry: RetryConfig{
			BaseDelay: 100 * time.Millisecond,
		},
		Log: LogConfig{
			Level:   "info",
			Format:  "console",
			Outputs: []string{"stderr"},
			Rotation: RotationConfig{
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
	}
}

// Load reads configuration from path (if non-empty) or from minirs.yaml in
// the usual places, then applies environment overrides. Environment variables
// use the prefix MINIRS with `.` replaced by `_`, e.g. MINIRS_LOG_LEVEL=debug.
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("MINIRS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	seedDefaults(v, cfg)

	if path == "" {
		path = os.Getenv("MINIRS_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("minirs")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".minirs"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "read config")
		}
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// seedDefaults registers every scalar key so env-only configuration works.
func seedDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("network", cfg.Network)
	v.SetDefault("listen", cfg.Listen)
	v.SetDefault("endpoints", cfg.Endpoints)
	v.SetDefault("balancer", cfg.Balancer)
	v.SetDefault("pool_size", cfg.PoolSize)
	v.SetDefault("codec", cfg.Codec)
	v.SetDefault("request_timeout", cfg.RequestTimeout)
	v.SetDefault("handshake_timeout", cfg.HandshakeTimeout)
	v.SetDefault("protocol.keepalive", cfg.Protocol.KeepAlive)
	v.SetDefault("protocol.max_lifetime", cfg.Protocol.MaxLifetime)
	v.SetDefault("protocol.initial_credit", cfg.Protocol.InitialCredit)
	v.SetDefault("protocol.max_frame_size", cfg.Protocol.MaxFrameSize)
	v.SetDefault("protocol.fragment_mtu", cfg.Protocol.FragmentMTU)
	v.SetDefault("protocol.low_water_divisor", cfg.Protocol.LowWaterDivisor)
	v.SetDefault("protocol.closed_stream_cache", cfg.Protocol.ClosedStreamCache)
	v.SetDefault("retry.max", cfg.Retry.Max)
	v.SetDefault("retry.base_delay", cfg.Retry.BaseDelay)
	v.SetDefault("rate_limit.rate", cfg.RateLimit.Rate)
	v.SetDefault("rate_limit.burst", cfg.RateLimit.Burst)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)
	v.SetDefault("metrics_addr", cfg.MetricsAddr)
}

func (c *Config) validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Log.Level)) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return errors.Errorf("invalid log.level: %q", c.Log.Level)
	}
	if _, err := codec.Parse(c.Codec); err != nil {
		return errors.Wrap(err, "invalid codec")
	}
	if _, err := loadbalance.New(c.Balancer); err != nil {
		return errors.Wrap(err, "invalid balancer")
	}
	if c.PoolSize <= 0 {
		c.PoolSize = 1
	}
	if c.Protocol.MaxFrameSize < 1024 {
		return errors.Errorf("protocol.max_frame_size must be at least 1024, got %d", c.Protocol.MaxFrameSize)
	}
	if c.Protocol.MaxLifetime > 0 && c.Protocol.KeepAlive >= c.Protocol.MaxLifetime {
		return errors.Errorf("protocol.keepalive (%s) must be shorter than protocol.max_lifetime (%s)",
			c.Protocol.KeepAlive, c.Protocol.MaxLifetime)
	}
	if c.Retry.Max < 0 || c.Retry.BaseDelay < 0 {
		return errors.Errorf("retry.max and retry.base_delay must not be negative")
	}
	for i, ep := range c.Endpoints {
		if strings.TrimSpace(ep.Addr) == "" {
			return errors.Errorf("endpoints[%d]: empty addr", i)
		}
		if ep.Weight <= 0 {
			c.Endpoints[i].Weight = 1
		}
	}
	return nil
}

// Transport maps the configuration to connection settings.
func (c *Config) Transport() transport.Config {
	t := transport.DefaultConfig()
	codecType, _ := codec.Parse(c.Codec)
	t.DataCodec = byte(codecType)
	t.KeepAlive = c.Protocol.KeepAlive
	t.MaxLifetime = c.Protocol.MaxLifetime
	if c.Protocol.InitialCredit > 0 {
		t.InitialCredit = c.Protocol.InitialCredit
	}
	t.MaxFrameSize = c.Protocol.MaxFrameSize
	t.FragmentMTU = c.Protocol.FragmentMTU
	t.LowWaterDivisor = c.Protocol.LowWaterDivisor
	t.ClosedStreamCache = c.Protocol.ClosedStreamCache
	t.HandshakeTimeout = c.HandshakeTimeout
	return t
}

// Balancing returns the configured endpoints in the form the balancer takes.
func (c *Config) Balancing() []loadbalance.Endpoint {
	out := make([]loadbalance.Endpoint, len(c.Endpoints))
	for i, ep := range c.Endpoints {
		out[i] = loadbalance.Endpoint{Addr: ep.Addr, Weight: ep.Weight}
	}
	return out
}

// MustLoad is a convenience that panics on error.
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(err)
	}
	return cfg
}
