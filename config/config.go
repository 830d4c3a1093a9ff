// Package config loads swiboe settings from YAML and the environment and
// turns them into loggers and client options.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/igxactly-forks/swiboe/client"
	"github.com/igxactly-forks/swiboe/codec"
	"github.com/igxactly-forks/swiboe/loadbalance"
	"github.com/igxactly-forks/swiboe/middleware"
)

// Environment variables read by ApplyEnv.
const (
	EnvConfig        = "SWIBOE_CONFIG"
	EnvSocket        = "SWIBOE_SOCKET"
	EnvLogLevel      = "SWIBOE_LOG_LEVEL"
	EnvCodec         = "SWIBOE_CODEC"
	EnvEtcdEndpoints = "SWIBOE_ETCD_ENDPOINTS"
)

// Config holds all swiboe configuration.
type Config struct {
	// Unix socket of the broker
	Socket string `yaml:"socket"`

	// Frame body codec: json, binary, msgpack
	Codec string `yaml:"codec"`

	Client   ClientConfig   `yaml:"client"`
	Broker   BrokerConfig   `yaml:"broker"`
	Registry RegistryConfig `yaml:"registry"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ClientConfig configures connections to the broker and the handlers they run.
type ClientConfig struct {
	DialTimeout string `yaml:"dial_timeout"`
	DialRetries int    `yaml:"dial_retries"`
	RetryDelay  string `yaml:"retry_delay"` // Doubled after every failed dial
	Heartbeat   string `yaml:"heartbeat"`   // "0s" disables heartbeats

	HandlerTimeout string  `yaml:"handler_timeout"` // Empty or zero: handlers may run forever
	RateLimit      float64 `yaml:"rate_limit"`      // Handler calls per second, 0 disables
	RateBurst      int     `yaml:"rate_burst"`
	LogCalls       bool    `yaml:"log_calls"`
}

// BrokerConfig configures `swiboe broker`.
type BrokerConfig struct {
	Name            string `yaml:"name"` // Registry name, empty: not advertised
	TTL             int64  `yaml:"ttl"`  // Registry lease in seconds
	Weight          int    `yaml:"weight"`
	ShutdownTimeout string `yaml:"shutdown_timeout"`
}

// RegistryConfig configures broker discovery through etcd.
type RegistryConfig struct {
	Endpoints []string `yaml:"endpoints"`
	Balancer  string   `yaml:"balancer"` // round_robin, weighted_random
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Socket: filepath.Join(os.TempDir(), "swiboe.socket"),
		Codec:  "json",

		Client: ClientConfig{
			DialTimeout: "5s",
			DialRetries: 0,
			RetryDelay:  "100ms",
			Heartbeat:   "30s",
			RateBurst:   1,
		},

		Broker: BrokerConfig{
			TTL:             10,
			Weight:          1,
			ShutdownTimeout: "5s",
		},

		Registry: RegistryConfig{
			Balancer: "round_robin",
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load reads the YAML file at path over the defaults, then applies the
// environment. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg.ApplyEnv()
	return cfg, nil
}

// FromEnv loads the file named by SWIBOE_CONFIG, or the defaults if it is
// unset, and applies the environment.
func FromEnv() (*Config, error) {
	if path := os.Getenv(EnvConfig); path != "" {
		return Load(path)
	}
	cfg := Default()
	cfg.ApplyEnv()
	return cfg, nil
}

// ApplyEnv applies environment variable overrides.
func (c *Config) ApplyEnv() {
	if socket := os.Getenv(EnvSocket); socket != "" {
		c.Socket = socket
	}
	if level := os.Getenv(EnvLogLevel); level != "" {
		c.Logging.Level = level
	}
	if name := os.Getenv(EnvCodec); name != "" {
		c.Codec = name
	}
	if endpoints := os.Getenv(EnvEtcdEndpoints); endpoints != "" {
		c.Registry.Endpoints = nil
		for _, ep := range strings.Split(endpoints, ",") {
			if ep = strings.TrimSpace(ep); ep != "" {
				c.Registry.Endpoints = append(c.Registry.Endpoints, ep)
			}
		}
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Socket == "" {
		return fmt.Errorf("socket path not configured (set %s)", EnvSocket)
	}
	if _, err := c.CodecType(); err != nil {
		return err
	}
	if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		return fmt.Errorf("invalid log format: %s (valid: json, console)", c.Logging.Format)
	}
	if _, ok := loadbalance.ByName(c.Registry.Balancer); !ok {
		return fmt.Errorf("invalid balancer: %s (valid: round_robin, weighted_random)", c.Registry.Balancer)
	}
	for name, value := range map[string]string{
		"client.dial_timeout":     c.Client.DialTimeout,
		"client.retry_delay":      c.Client.RetryDelay,
		"client.heartbeat":        c.Client.Heartbeat,
		"client.handler_timeout":  c.Client.HandlerTimeout,
		"broker.shutdown_timeout": c.Broker.ShutdownTimeout,
	} {
		if value == "" {
			continue
		}
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
	}
	if c.Client.DialRetries < 0 {
		return fmt.Errorf("invalid client.dial_retries: %d", c.Client.DialRetries)
	}
	if c.Client.RateLimit < 0 {
		return fmt.Errorf("invalid client.rate_limit: %v", c.Client.RateLimit)
	}
	return nil
}

// CodecType returns the configured frame codec.
func (c *Config) CodecType() (codec.CodecType, error) {
	return codec.ParseCodecType(c.Codec)
}

// ShutdownTimeout returns the broker shutdown timeout as a duration.
func (c *Config) ShutdownTimeout() time.Duration {
	return duration(c.Broker.ShutdownTimeout, 5*time.Second)
}

// Balancer returns the configured load balancer.
func (c *Config) Balancer() loadbalance.Balancer {
	bal, ok := loadbalance.ByName(c.Registry.Balancer)
	if !ok {
		bal, _ = loadbalance.ByName("")
	}
	return bal
}

// Logger builds a zap logger at the configured level and format.
func (c *Config) Logger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	var zc zap.Config
	if c.Logging.Format == "json" {
		zc = zap.NewProductionConfig()
	} else {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

// ClientOptions translates the client settings. logger is used for the
// client itself and for call logging.
func (c *Config) ClientOptions(logger *zap.Logger) ([]client.Option, error) {
	codecType, err := c.CodecType()
	if err != nil {
		return nil, err
	}

	opts := []client.Option{
		client.WithCodec(codecType),
		client.WithLogger(logger),
		client.WithDialTimeout(duration(c.Client.DialTimeout, client.DefaultDialTimeout)),
		client.WithHeartbeat(duration(c.Client.Heartbeat, 30*time.Second)),
	}
	if c.Client.DialRetries > 0 {
		opts = append(opts, client.WithDialRetry(c.Client.DialRetries, duration(c.Client.RetryDelay, 100*time.Millisecond)))
	}

	var mws []middleware.Middleware
	if c.Client.LogCalls {
		mws = append(mws, middleware.LoggingMiddleware(logger))
	}
	if c.Client.RateLimit > 0 {
		burst := c.Client.RateBurst
		if burst < 1 {
			burst = 1
		}
		mws = append(mws, middleware.RateLimitMiddleware(c.Client.RateLimit, burst))
	}
	if timeout := duration(c.Client.HandlerTimeout, 0); timeout > 0 {
		mws = append(mws, middleware.TimeOutMiddleware(timeout))
	}
	if len(mws) > 0 {
		opts = append(opts, client.WithMiddleware(mws...))
	}
	return opts, nil
}

func duration(value string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}
