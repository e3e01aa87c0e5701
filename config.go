package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/samber/lo"
	"github.com/spf13/afero"
	"github.com/spf13/viper"
)

// Centralized configuration defaults
const (
	// Server
	DefaultListenAddr        = ":8080"
	DefaultReadHeaderTimeout = 10 * time.Second
	DefaultShutdownTimeout   = 15 * time.Second

	// Upstream extraction API
	DefaultUpstreamEndpoint = "https://snap-video3.p.rapidapi.com/download"
	DefaultUpstreamHost     = "snap-video3.p.rapidapi.com"
	DefaultKeyHeader        = "x-rapidapi-key"
	DefaultHostHeader       = "x-rapidapi-host"
	DefaultKeyEnvPrefix     = "RAPIDAPI_KEY"
	DefaultAttemptTimeout   = 30 * time.Second

	// Relay
	DefaultFilename              = "video.mp4"
	DefaultResponseHeaderTimeout = 30 * time.Second

	// Rate Limiting
	RequestsPerSecond = 100
	BurstSize         = 200

	// Redis Configuration
	RedisAddr     = ""
	RedisPassword = ""
	RedisDB       = 0
	RedisStatsKey = "snaprelay:stats"

	// Logging
	DefaultLogLevel  = "info"
	DefaultLogFormat = "json"
)

// EnvPrefix namespaces every environment override, e.g. SNAPRELAY_SERVER_ADDR.
const EnvPrefix = "SNAPRELAY"

var envKeyReplacer = strings.NewReplacer(".", "_")

type ServerConfig struct {
	Addr              string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
}

type UpstreamConfig struct {
	Endpoint       string
	Host           string
	KeyHeader      string
	HostHeader     string
	Keys           []string
	KeyEnvPrefix   string
	AttemptTimeout time.Duration
}

type RelayConfig struct {
	DefaultFilename       string
	ResponseHeaderTimeout time.Duration
}

type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	StatsKey string
}

type LogConfig struct {
	Level  string
	Format string
}

// Config is the fully resolved process configuration. It is built once at
// startup and never mutated afterwards.
type Config struct {
	Server    ServerConfig
	Upstream  UpstreamConfig
	Relay     RelayConfig
	RateLimit RateLimitConfig
	Redis     RedisConfig
	Log       LogConfig
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", DefaultListenAddr)
	v.SetDefault("server.read_header_timeout", DefaultReadHeaderTimeout)
	v.SetDefault("server.shutdown_timeout", DefaultShutdownTimeout)

	v.SetDefault("upstream.endpoint", DefaultUpstreamEndpoint)
	v.SetDefault("upstream.host", DefaultUpstreamHost)
	v.SetDefault("upstream.key_header", DefaultKeyHeader)
	v.SetDefault("upstream.host_header", DefaultHostHeader)
	v.SetDefault("upstream.keys", []string{})
	v.SetDefault("upstream.key_env_prefix", DefaultKeyEnvPrefix)
	v.SetDefault("upstream.attempt_timeout", DefaultAttemptTimeout)

	v.SetDefault("relay.default_filename", DefaultFilename)
	v.SetDefault("relay.response_header_timeout", DefaultResponseHeaderTimeout)

	v.SetDefault("ratelimit.rps", RequestsPerSecond)
	v.SetDefault("ratelimit.burst", BurstSize)

	v.SetDefault("redis.addr", RedisAddr)
	v.SetDefault("redis.password", RedisPassword)
	v.SetDefault("redis.db", RedisDB)
	v.SetDefault("redis.stats_key", RedisStatsKey)

	v.SetDefault("log.level", DefaultLogLevel)
	v.SetDefault("log.format", DefaultLogFormat)
}

// newViper returns a viper instance with defaults and environment bindings.
// When path is non-empty the TOML file at path is read from fs; a missing
// file is an error because the caller asked for it explicitly.
func newViper(fs afero.Fs, path string) (*viper.Viper, error) {
	v := viper.New()
	v.SetFs(fs)
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(envKeyReplacer)
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}
	return v, nil
}

// LoadConfig resolves the configuration from defaults, an optional TOML file
// and SNAPRELAY_* environment variables, in increasing order of precedence.
func LoadConfig(fs afero.Fs, path string) (*Config, error) {
	v, err := newViper(fs, path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Server: ServerConfig{
			Addr:              v.GetString("server.addr"),
			ReadHeaderTimeout: v.GetDuration("server.read_header_timeout"),
			ShutdownTimeout:   v.GetDuration("server.shutdown_timeout"),
		},
		Upstream: UpstreamConfig{
			Endpoint:       v.GetString("upstream.endpoint"),
			Host:           v.GetString("upstream.host"),
			KeyHeader:      v.GetString("upstream.key_header"),
			HostHeader:     v.GetString("upstream.host_header"),
			Keys:           splitKeyList(v.GetStringSlice("upstream.keys")),
			KeyEnvPrefix:   v.GetString("upstream.key_env_prefix"),
			AttemptTimeout: v.GetDuration("upstream.attempt_timeout"),
		},
		Relay: RelayConfig{
			DefaultFilename:       v.GetString("relay.default_filename"),
			ResponseHeaderTimeout: v.GetDuration("relay.response_header_timeout"),
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: v.GetFloat64("ratelimit.rps"),
			Burst:             v.GetInt("ratelimit.burst"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
			StatsKey: v.GetString("redis.stats_key"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Validate checks config values are within acceptable bounds. An empty key
// list is accepted here: the relay works without credentials and the
// dispatcher reports the misconfiguration per request.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return errors.New("server address cannot be empty")
	}
	if c.Upstream.Endpoint == "" {
		return errors.New("upstream endpoint cannot be empty")
	}
	if c.Upstream.KeyHeader == "" {
		return errors.New("upstream key header cannot be empty")
	}
	if c.Upstream.AttemptTimeout <= 0 {
		return fmt.Errorf("upstream attempt timeout must be positive, got %s", c.Upstream.AttemptTimeout)
	}
	if c.RateLimit.RequestsPerSecond <= 0 || c.RateLimit.Burst <= 0 {
		return fmt.Errorf("rate limit must be positive, got %v rps burst %d", c.RateLimit.RequestsPerSecond, c.RateLimit.Burst)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "console":
	default:
		return fmt.Errorf("unsupported log format %q (valid: json, console)", c.Log.Format)
	}
	if c.Relay.DefaultFilename == "" {
		return errors.New("relay default filename cannot be empty")
	}
	return nil
}

// splitKeyList accepts keys given as a TOML list, a whitespace separated env
// value or a comma separated env value.
func splitKeyList(raw []string) []string {
	var out []string
	for _, item := range raw {
		for _, part := range strings.Split(item, ",") {
			out = append(out, strings.TrimSpace(part))
		}
	}
	return lo.Compact(out)
}
