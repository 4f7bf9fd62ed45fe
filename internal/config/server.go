package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	commoncfg "github.com/gaspardpetit/streamhub/core/config"
)

// ServerConfig holds configuration for the streamhub server.
type ServerConfig struct {
	Port           int            `yaml:"port"`
	MetricsAddr    string         `yaml:"metrics_addr"`
	APIKey         string         `yaml:"api_key"`
	AllowedOrigins []string       `yaml:"allowed_origins"`
	ConfigFile     string         `yaml:"-"`
	LogLevel       string         `yaml:"log_level"`
	LogFormat      string         `yaml:"log_format"`
	RedisAddr      string         `yaml:"redis_addr"`
	DrainTimeout   time.Duration  `yaml:"drain_timeout"`
	Upstream       UpstreamConfig `yaml:"upstream"`
	Stream         StreamConfig   `yaml:"stream"`
	Hub            HubConfig      `yaml:"hub"`
}

// UpstreamConfig locates the token source the gateway relays.
type UpstreamConfig struct {
	URL            string        `yaml:"url"`
	APIKey         string        `yaml:"api_key"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// StreamConfig tunes the streaming gateway.
type StreamConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	MaxAge            time.Duration `yaml:"max_age"`
	ReapInterval      time.Duration `yaml:"reap_interval"`
}

// HubConfig tunes the pub/sub hub.
type HubConfig struct {
	PingInterval    time.Duration `yaml:"ping_interval"`
	LivenessTimeout time.Duration `yaml:"liveness_timeout"`
	SendBuffer      int           `yaml:"send_buffer"`
}

// SetDefaults initializes c with built-in defaults.
func (c *ServerConfig) SetDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "console"
	}
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.MetricsAddr == "" {
		c.MetricsAddr = fmt.Sprintf(":%d", c.Port)
	}
	if c.DrainTimeout == 0 {
		c.DrainTimeout = 2 * time.Minute
	}
	if c.ConfigFile == "" {
		c.ConfigFile = commoncfg.DefaultConfigPath("server.yaml")
	}
	if c.Upstream.ConnectTimeout == 0 {
		c.Upstream.ConnectTimeout = 30 * time.Second
	}
	if c.Stream.HeartbeatInterval == 0 {
		c.Stream.HeartbeatInterval = 15 * time.Second
	}
	if c.Stream.MaxAge == 0 {
		c.Stream.MaxAge = 30 * time.Minute
	}
	if c.Stream.ReapInterval == 0 {
		c.Stream.ReapInterval = 30 * time.Second
	}
	if c.Hub.PingInterval == 0 {
		c.Hub.PingInterval = 30 * time.Second
	}
	if c.Hub.LivenessTimeout == 0 {
		c.Hub.LivenessTimeout = 3 * c.Hub.PingInterval
	}
	if c.Hub.SendBuffer == 0 {
		c.Hub.SendBuffer = 64
	}
}

// ApplyEnv overlays environment variables onto the current config values.
func (c *ServerConfig) ApplyEnv() {
	if v := commoncfg.GetEnv("CONFIG_FILE", ""); v != "" {
		c.ConfigFile = v
	}
	if v := commoncfg.GetEnv("LOG_LEVEL", ""); v != "" {
		c.LogLevel = v
	}
	if v := commoncfg.GetEnv("LOG_FORMAT", ""); v != "" {
		c.LogFormat = v
	}
	if v := commoncfg.GetEnv("PORT", ""); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Port = n
		}
	}
	if v := commoncfg.GetEnv("METRICS_PORT", ""); v != "" {
		c.MetricsAddr = metricsAddr(v)
	}
	if v := commoncfg.GetEnv("API_KEY", ""); v != "" {
		c.APIKey = v
	}
	if v := commoncfg.GetEnv("REDIS_ADDR", ""); v != "" {
		c.RedisAddr = v
	}
	if v := commoncfg.GetEnv("ALLOWED_ORIGINS", ""); v != "" {
		c.AllowedOrigins = splitComma(v)
	}
	envDuration("DRAIN_TIMEOUT", &c.DrainTimeout)

	if v := commoncfg.GetEnv("UPSTREAM_URL", ""); v != "" {
		c.Upstream.URL = v
	}
	if v := commoncfg.GetEnv("UPSTREAM_API_KEY", ""); v != "" {
		c.Upstream.APIKey = v
	}
	envDuration("UPSTREAM_CONNECT_TIMEOUT", &c.Upstream.ConnectTimeout)

	envDuration("STREAM_HEARTBEAT_INTERVAL", &c.Stream.HeartbeatInterval)
	envDuration("STREAM_MAX_AGE", &c.Stream.MaxAge)
	envDuration("STREAM_REAP_INTERVAL", &c.Stream.ReapInterval)

	envDuration("HUB_PING_INTERVAL", &c.Hub.PingInterval)
	envDuration("HUB_LIVENESS_TIMEOUT", &c.Hub.LivenessTimeout)
	if v := commoncfg.GetEnv("HUB_SEND_BUFFER", ""); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Hub.SendBuffer = n
		}
	}
}

func envDuration(key string, dst *time.Duration) {
	if v := commoncfg.GetEnv(key, ""); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

// BindFlagsFromCurrent binds command line flags on fs using the current
// config values as defaults.
func (c *ServerConfig) BindFlagsFromCurrent(fs *flag.FlagSet) {
	fs.StringVar(&c.ConfigFile, "config", c.ConfigFile, "server config file path")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log verbosity (all, debug, info, warn, error, fatal, none)")
	fs.StringVar(&c.LogFormat, "log-format", c.LogFormat, "log output format (console, json)")
	fs.IntVar(&c.Port, "port", c.Port, "HTTP listen port")
	fs.Func("metrics-port", "Prometheus metrics listen address or port; defaults to the value of --port", func(v string) error {
		c.MetricsAddr = metricsAddr(v)
		return nil
	})
	fs.StringVar(&c.APIKey, "api-key", c.APIKey, "API key required for the admin endpoints; leave empty to disable auth")
	fs.StringVar(&c.RedisAddr, "redis-addr", c.RedisAddr, "redis connection URL for server state")
	fs.DurationVar(&c.DrainTimeout, "drain-timeout", c.DrainTimeout, "time to wait for open streams on shutdown (-1 to wait indefinitely, 0 to exit immediately)")
	fs.Func("allowed-origins", "comma separated list of allowed CORS and websocket origins", func(v string) error {
		c.AllowedOrigins = splitComma(v)
		return nil
	})

	fs.StringVar(&c.Upstream.URL, "upstream-url", c.Upstream.URL, "URL of the streaming upstream")
	fs.StringVar(&c.Upstream.APIKey, "upstream-api-key", c.Upstream.APIKey, "bearer key sent to the upstream")
	fs.DurationVar(&c.Upstream.ConnectTimeout, "upstream-connect-timeout", c.Upstream.ConnectTimeout, "time allowed for the upstream to answer with headers")

	fs.DurationVar(&c.Stream.HeartbeatInterval, "stream-heartbeat-interval", c.Stream.HeartbeatInterval, "interval between heartbeat frames")
	fs.DurationVar(&c.Stream.MaxAge, "stream-max-age", c.Stream.MaxAge, "maximum lifetime of a stream (0 disables)")
	fs.DurationVar(&c.Stream.ReapInterval, "stream-reap-interval", c.Stream.ReapInterval, "interval between max-age sweeps")

	fs.DurationVar(&c.Hub.PingInterval, "hub-ping-interval", c.Hub.PingInterval, "interval between hub liveness pings")
	fs.DurationVar(&c.Hub.LivenessTimeout, "hub-liveness-timeout", c.Hub.LivenessTimeout, "idle time after which a hub connection is closed")
	fs.IntVar(&c.Hub.SendBuffer, "hub-send-buffer", c.Hub.SendBuffer, "per-connection outbound queue length")
}

// Validate reports settings the server cannot start with.
func (c *ServerConfig) Validate() error {
	var errs []error
	if c.Upstream.URL == "" {
		errs = append(errs, errors.New("upstream url is required"))
	}
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid port %d", c.Port))
	}
	if c.Stream.HeartbeatInterval <= 0 {
		errs = append(errs, errors.New("stream heartbeat interval must be positive"))
	}
	if c.Hub.PingInterval <= 0 {
		errs = append(errs, errors.New("hub ping interval must be positive"))
	}
	if c.Hub.LivenessTimeout < c.Hub.PingInterval {
		errs = append(errs, errors.New("hub liveness timeout must be at least one ping interval"))
	}
	if c.LogFormat != "console" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("unknown log format %q", c.LogFormat))
	}
	return errors.Join(errs...)
}

func metricsAddr(v string) string {
	if strings.Contains(v, ":") {
		return v
	}
	return ":" + v
}

func splitComma(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	res := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			res = append(res, p)
		}
	}
	return res
}

// LoadFile populates the config from a YAML file.
func (c *ServerConfig) LoadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(b, c)
}
