package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

const envPrefix = "STREAMCORE_"

type Config struct {
	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	WebSocket struct {
		PingInterval time.Duration `yaml:"ping_interval"`
		PongTimeout  time.Duration `yaml:"pong_timeout"`
		WriteTimeout time.Duration `yaml:"write_timeout"`
	} `yaml:"websocket"`

	Lifecycle struct {
		ReconcileInterval time.Duration `yaml:"reconcile_interval"`
		ProbeTimeout      time.Duration `yaml:"probe_timeout"`
		// InactiveGrace is how long ingest may report inactive before a Live
		// stream is ended automatically.
		InactiveGrace    time.Duration `yaml:"inactive_grace"`
		ActivityCacheTTL time.Duration `yaml:"activity_cache_ttl"`
	} `yaml:"lifecycle"`

	Presence struct {
		SessionTTL      time.Duration `yaml:"session_ttl"`
		ReapInterval    time.Duration `yaml:"reap_interval"`
		PublishInterval time.Duration `yaml:"publish_interval"`
	} `yaml:"presence"`

	Chat struct {
		MaxBodyLength  int `yaml:"max_body_length"`
		HistoryDefault int `yaml:"history_default"`
		HistoryMax     int `yaml:"history_max"`
		// Retain bounds the stored log per stream; 0 keeps everything.
		Retain int `yaml:"retain"`
	} `yaml:"chat"`

	Events struct {
		SubscriberBuffer   int    `yaml:"subscriber_buffer"`
		RedisChannelPrefix string `yaml:"redis_channel_prefix"`
	} `yaml:"events"`

	Provider struct {
		Kind     string        `yaml:"kind"`
		BaseURL  string        `yaml:"base_url"`
		APIKey   string        `yaml:"api_key"`
		Timeout  time.Duration `yaml:"timeout"`
		// IngestURL and PlaybackBaseURL build endpoints from the provider's
		// stream key and playback id.
		IngestURL       string `yaml:"ingest_url"`
		PlaybackBaseURL string `yaml:"playback_base_url"`
		Retry    struct {
			MaxAttempts  int           `yaml:"max_attempts"`
			InitialDelay time.Duration `yaml:"initial_delay"`
			MaxDelay     time.Duration `yaml:"max_delay"`
		} `yaml:"retry"`
		CircuitBreaker struct {
			FailureThreshold int           `yaml:"failure_threshold"`
			OpenTimeout      time.Duration `yaml:"open_timeout"`
		} `yaml:"circuit_breaker"`
	} `yaml:"provider"`

	Storage struct {
		Driver   string `yaml:"driver"`
		Postgres struct {
			DSN          string `yaml:"dsn"`
			MaxOpenConns int    `yaml:"max_open_conns"`
		} `yaml:"postgres"`
	} `yaml:"storage"`

	Redis struct {
		Enabled  bool   `yaml:"enabled"`
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		PoolSize int    `yaml:"pool_size"`
	} `yaml:"redis"`

	Monitoring struct {
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
	} `yaml:"monitoring"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		JaegerURL   string  `yaml:"jaeger_url"`
		Environment string  `yaml:"environment"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Auth struct {
		JWTSecret      string        `yaml:"jwt_secret"`
		AccessTokenTTL time.Duration `yaml:"access_token_ttl"`
		// DevTokens enables the unauthenticated token issuer endpoint.
		DevTokens      bool     `yaml:"dev_tokens"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"auth"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
		} `yaml:"http"`

		WebSocket struct {
			MessagesPerSecond   float64 `yaml:"messages_per_second"`
			Burst               int     `yaml:"burst"`
			MaxMessageSizeBytes int64   `yaml:"max_message_size_bytes"`
		} `yaml:"websocket"`
	} `yaml:"rate_limiting"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if c.Server.ReadTimeout <= 0 || c.Server.WriteTimeout <= 0 || c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server timeouts must be > 0")
	}

	if c.WebSocket.PingInterval <= 0 {
		return fmt.Errorf("websocket.ping_interval must be > 0")
	}
	if c.WebSocket.PongTimeout <= c.WebSocket.PingInterval {
		return fmt.Errorf("websocket.pong_timeout must be greater than ping_interval")
	}
	if c.WebSocket.WriteTimeout <= 0 {
		return fmt.Errorf("websocket.write_timeout must be > 0")
	}

	if c.Lifecycle.ReconcileInterval <= 0 {
		return fmt.Errorf("lifecycle.reconcile_interval must be > 0")
	}
	if c.Lifecycle.ProbeTimeout <= 0 {
		return fmt.Errorf("lifecycle.probe_timeout must be > 0")
	}
	if c.Lifecycle.InactiveGrace < c.Lifecycle.ReconcileInterval {
		return fmt.Errorf("lifecycle.inactive_grace must be >= reconcile_interval")
	}
	if c.Lifecycle.ActivityCacheTTL < 0 {
		return fmt.Errorf("lifecycle.activity_cache_ttl must be >= 0")
	}

	if c.Presence.SessionTTL <= 0 {
		return fmt.Errorf("presence.session_ttl must be > 0")
	}
	if c.Presence.ReapInterval <= 0 || c.Presence.ReapInterval > c.Presence.SessionTTL {
		return fmt.Errorf("presence.reap_interval must be in (0, session_ttl]")
	}
	if c.Presence.PublishInterval <= 0 {
		return fmt.Errorf("presence.publish_interval must be > 0")
	}

	if c.Chat.MaxBodyLength <= 0 {
		return fmt.Errorf("chat.max_body_length must be > 0")
	}
	if c.Chat.HistoryDefault <= 0 || c.Chat.HistoryMax < c.Chat.HistoryDefault {
		return fmt.Errorf("chat.history_default must be > 0 and <= history_max")
	}
	if c.Chat.Retain != 0 && c.Chat.Retain < c.Chat.HistoryMax {
		return fmt.Errorf("chat.retain must be 0 or >= history_max")
	}

	if c.Events.SubscriberBuffer <= 0 {
		return fmt.Errorf("events.subscriber_buffer must be > 0")
	}

	switch c.Provider.Kind {
	case "memory":
	case "http":
		if c.Provider.BaseURL == "" {
			return fmt.Errorf("provider.base_url must not be empty when provider.kind=http")
		}
		if c.Provider.Timeout <= 0 {
			return fmt.Errorf("provider.timeout must be > 0")
		}
	default:
		return fmt.Errorf("provider.kind must be memory or http, got %q", c.Provider.Kind)
	}

	switch c.Storage.Driver {
	case "memory":
	case "redis":
		if !c.Redis.Enabled {
			return fmt.Errorf("storage.driver=redis requires redis.enabled=true")
		}
	case "postgres":
		if c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn must not be empty when storage.driver=postgres")
		}
	default:
		return fmt.Errorf("storage.driver must be memory, redis or postgres, got %q", c.Storage.Driver)
	}

	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
	}

	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret must not be empty")
	}
	if c.Auth.AccessTokenTTL <= 0 {
		return fmt.Errorf("auth.access_token_ttl must be > 0")
	}

	if c.Tracing.Enabled && (c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1) {
		return fmt.Errorf("tracing.sample_rate must be within [0, 1]")
	}

	if c.RateLimiting.Enabled {
		if c.RateLimiting.HTTP.RequestsPerSecond <= 0 || c.RateLimiting.HTTP.Burst <= 0 {
			return fmt.Errorf("rate_limiting.http requests_per_second and burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MessagesPerSecond <= 0 || c.RateLimiting.WebSocket.Burst <= 0 {
			return fmt.Errorf("rate_limiting.websocket messages_per_second and burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MaxMessageSizeBytes < 0 {
			return fmt.Errorf("rate_limiting.websocket.max_message_size_bytes must be >= 0")
		}
	}

	return nil
}

// Load reads a .env file if present, then the YAML file (falling back to
// defaults when it does not exist), then STREAMCORE_* overrides.
func Load(configPath string) (*Config, error) {
	// Missing .env is the normal case outside local development.
	_ = godotenv.Load()

	cfg := DefaultConfig()

	data, err := os.ReadFile(configPath)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
		}
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Address = ":8080"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 15 * time.Second

	cfg.WebSocket.PingInterval = 30 * time.Second
	cfg.WebSocket.PongTimeout = 60 * time.Second
	cfg.WebSocket.WriteTimeout = 10 * time.Second

	cfg.Lifecycle.ReconcileInterval = 10 * time.Second
	cfg.Lifecycle.ProbeTimeout = 3 * time.Second
	cfg.Lifecycle.InactiveGrace = 45 * time.Second
	cfg.Lifecycle.ActivityCacheTTL = 2 * time.Second

	cfg.Presence.SessionTTL = 45 * time.Second
	cfg.Presence.ReapInterval = 5 * time.Second
	cfg.Presence.PublishInterval = 500 * time.Millisecond

	cfg.Chat.MaxBodyLength = 500
	cfg.Chat.HistoryDefault = 50
	cfg.Chat.HistoryMax = 200
	cfg.Chat.Retain = 1000

	cfg.Events.SubscriberBuffer = 64
	cfg.Events.RedisChannelPrefix = "streamcore:events:"

	cfg.Provider.Kind = "memory"
	cfg.Provider.Timeout = 5 * time.Second
	cfg.Provider.IngestURL = "rtmp://localhost:1935/live"
	cfg.Provider.PlaybackBaseURL = "http://localhost:8888/hls"
	cfg.Provider.Retry.MaxAttempts = 2
	cfg.Provider.Retry.InitialDelay = 100 * time.Millisecond
	cfg.Provider.Retry.MaxDelay = time.Second
	cfg.Provider.CircuitBreaker.FailureThreshold = 5
	cfg.Provider.CircuitBreaker.OpenTimeout = 30 * time.Second

	cfg.Storage.Driver = "memory"
	cfg.Storage.Postgres.MaxOpenConns = 10

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.PoolSize = 10

	cfg.Monitoring.PrometheusEnabled = true

	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.Environment = "development"
	cfg.Tracing.SampleRate = 1.0

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Auth.JWTSecret = "change-me-in-production"
	cfg.Auth.AccessTokenTTL = 24 * time.Hour
	cfg.Auth.DevTokens = true
	cfg.Auth.AllowedOrigins = []string{"*"}

	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 50
	cfg.RateLimiting.HTTP.Burst = 100
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 5
	cfg.RateLimiting.WebSocket.Burst = 10
	cfg.RateLimiting.WebSocket.MaxMessageSizeBytes = 4 * 1024

	return cfg
}

func (c *Config) applyEnvOverrides() error {
	strs := map[string]*string{
		"SERVER_ADDRESS":   &c.Server.Address,
		"LOG_LEVEL":        &c.Logging.Level,
		"LOG_FORMAT":       &c.Logging.Format,
		"JWT_SECRET":       &c.Auth.JWTSecret,
		"REDIS_ADDRESS":    &c.Redis.Address,
		"REDIS_PASSWORD":   &c.Redis.Password,
		"STORAGE_DRIVER":   &c.Storage.Driver,
		"POSTGRES_DSN":     &c.Storage.Postgres.DSN,
		"PROVIDER_KIND":    &c.Provider.Kind,
		"PROVIDER_URL":     &c.Provider.BaseURL,
		"PROVIDER_API_KEY": &c.Provider.APIKey,
		"JAEGER_URL":       &c.Tracing.JaegerURL,
	}
	for name, dst := range strs {
		if v := os.Getenv(envPrefix + name); v != "" {
			*dst = v
		}
	}

	bools := map[string]*bool{
		"REDIS_ENABLED":   &c.Redis.Enabled,
		"TRACING_ENABLED": &c.Tracing.Enabled,
		"DEV_TOKENS":      &c.Auth.DevTokens,
	}
	for name, dst := range bools {
		if v := os.Getenv(envPrefix + name); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("invalid %s%s: %w", envPrefix, name, err)
			}
			*dst = b
		}
	}

	durations := map[string]*time.Duration{
		"RECONCILE_INTERVAL": &c.Lifecycle.ReconcileInterval,
		"INACTIVE_GRACE":     &c.Lifecycle.InactiveGrace,
		"SESSION_TTL":        &c.Presence.SessionTTL,
	}
	for name, dst := range durations {
		if v := os.Getenv(envPrefix + name); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("invalid %s%s: %w", envPrefix, name, err)
			}
			*dst = d
		}
	}
	return nil
}
