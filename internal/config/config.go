package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/galaxy-co-ai/galaxyco-ai-3.0-sub011/internal/admission"
	"github.com/galaxy-co-ai/galaxyco-ai-3.0-sub011/internal/circuitbreaker"
	"github.com/galaxy-co-ai/galaxyco-ai-3.0-sub011/internal/db"
	"github.com/galaxy-co-ai/galaxyco-ai-3.0-sub011/internal/policy"
	"github.com/galaxy-co-ai/galaxyco-ai-3.0-sub011/internal/routing"
	"github.com/galaxy-co-ai/galaxyco-ai-3.0-sub011/internal/tracing"
)

const (
	// PathEnv names the environment variable holding the config file path.
	PathEnv     = "ORCH_CONFIG_PATH"
	DefaultPath = "config/orchestrator.yaml"
	EnvPrefix   = "ORCH"
)

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or console
}

// StorageConfig selects where actions, the registry and the audit log live.
type StorageConfig struct {
	// Backend is memory or sql
	Backend  string      `mapstructure:"backend"`
	Database db.Config   `mapstructure:"database"`
	Audit    AuditConfig `mapstructure:"audit"`
}

type AuditConfig struct {
	Async   bool `mapstructure:"async"`
	Workers int  `mapstructure:"workers"`
	Buffer  int  `mapstructure:"buffer"`
}

type RedisConfig struct {
	Addr     string                `mapstructure:"addr"`
	Password string                `mapstructure:"password"`
	DB       int                   `mapstructure:"db"`
	Breaker  circuitbreaker.Config `mapstructure:"circuit_breaker"`
}

type AdmissionConfig struct {
	// Backend is memory or redis
	Backend   string         `mapstructure:"backend"`
	KeyPrefix string         `mapstructure:"key_prefix"`
	Limits    map[string]int `mapstructure:"limits"`

	// Per-workspace request gate in front of routing. Zero disables it.
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

type EventsConfig struct {
	Buffer         int               `mapstructure:"buffer"`
	ReplayCapacity int               `mapstructure:"replay_capacity"`
	RedisStream    RedisStreamConfig `mapstructure:"redis_stream"`
}

type RedisStreamConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Stream  string `mapstructure:"stream"`
	MaxLen  int64  `mapstructure:"max_len"`
}

type APIKeyConfig struct {
	Name        string `mapstructure:"name"`
	WorkspaceID string `mapstructure:"workspace_id"`
	UserID      string `mapstructure:"user_id"`
	Role        string `mapstructure:"role"`
	// bcrypt hash of the key
	Hash string `mapstructure:"hash"`
}

type RateLimitConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Requests int           `mapstructure:"requests"`
	Window   time.Duration `mapstructure:"window"`
}

type AuthConfig struct {
	SkipAuth  bool            `mapstructure:"skip_auth"`
	JWTSecret string          `mapstructure:"jwt_secret"`
	TokenTTL  time.Duration   `mapstructure:"token_ttl"`
	APIKeys   []APIKeyConfig  `mapstructure:"api_keys"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	// Workspace and user assumed for unauthenticated requests when SkipAuth is set
	DefaultWorkspaceID string `mapstructure:"default_workspace_id"`
}

type RegistryConfig struct {
	SeedPath string `mapstructure:"seed_path"`
}

// Config is the orchestrator process configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Admission AdmissionConfig `mapstructure:"admission"`
	Routing   routing.Weights `mapstructure:"routing"`
	Policy    policy.Config   `mapstructure:"policy"`
	Events    EventsConfig    `mapstructure:"events"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Registry  RegistryConfig  `mapstructure:"registry"`
	Tracing   tracing.Config  `mapstructure:"tracing"`
}

// Load reads the file named by ORCH_CONFIG_PATH (or config/orchestrator.yaml), applying
// defaults and ORCH_ prefixed environment overrides. A missing file is not an error.
func Load() (*Config, error) {
	path := os.Getenv(PathEnv)
	if path == "" {
		path = DefaultPath
	}
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil && !missingFile(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return decode(v)
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

func missingFile(err error) bool {
	if _, ok := err.(viper.ConfigFileNotFoundError); ok {
		return true
	}
	return os.IsNotExist(err)
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 20*time.Second)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 2112)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.database.driver", "sqlite3")
	v.SetDefault("storage.database.dsn", "")
	v.SetDefault("storage.database.host", "localhost")
	v.SetDefault("storage.database.user", "orchestrator")
	v.SetDefault("storage.database.password", "")
	v.SetDefault("storage.database.database", "orchestrator")
	v.SetDefault("storage.database.port", 5432)
	v.SetDefault("storage.database.sslmode", "disable")
	v.SetDefault("storage.database.max_connections", 25)
	v.SetDefault("storage.database.idle_connections", 5)
	v.SetDefault("storage.database.max_lifetime", 5*time.Minute)
	v.SetDefault("storage.database.circuit_breaker.max_requests", 3)
	v.SetDefault("storage.database.circuit_breaker.interval", 60*time.Second)
	v.SetDefault("storage.database.circuit_breaker.timeout", 30*time.Second)
	v.SetDefault("storage.database.circuit_breaker.failure_threshold", 5)
	v.SetDefault("storage.database.circuit_breaker.success_threshold", 2)
	v.SetDefault("storage.audit.async", false)
	v.SetDefault("storage.audit.workers", 4)
	v.SetDefault("storage.audit.buffer", 1024)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.circuit_breaker.max_requests", 5)
	v.SetDefault("redis.circuit_breaker.interval", 30*time.Second)
	v.SetDefault("redis.circuit_breaker.timeout", 15*time.Second)
	v.SetDefault("redis.circuit_breaker.failure_threshold", 3)
	v.SetDefault("redis.circuit_breaker.success_threshold", 2)

	v.SetDefault("admission.backend", "memory")
	v.SetDefault("admission.key_prefix", "orchestrator:slots:")
	v.SetDefault("admission.limits", map[string]int{
		"free": 2, "starter": 5, "professional": 20, "enterprise": admission.Unbounded,
	})
	v.SetDefault("admission.requests_per_second", 0)
	v.SetDefault("admission.burst", 20)

	w := routing.DefaultWeights()
	v.SetDefault("routing.capability", w.Capability)
	v.SetDefault("routing.load", w.Load)
	v.SetDefault("routing.recency", w.Recency)
	v.SetDefault("routing.recency_tau", w.RecencyTau)

	p := policy.DefaultConfig()
	v.SetDefault("policy.default_autonomy", string(p.DefaultAutonomy))
	v.SetDefault("policy.overlay.mode", string(p.Overlay.Mode))
	v.SetDefault("policy.overlay.path", p.Overlay.Path)
	v.SetDefault("policy.overlay.fail_closed", false)
	v.SetDefault("policy.overlay.watch", true)
	v.SetDefault("policy.overlay.cache_size", p.Overlay.CacheSize)
	v.SetDefault("policy.overlay.cache_ttl", p.Overlay.CacheTTL)

	v.SetDefault("events.buffer", 1024)
	v.SetDefault("events.replay_capacity", 256)
	v.SetDefault("events.redis_stream.enabled", false)
	v.SetDefault("events.redis_stream.stream", "orchestrator:events")
	v.SetDefault("events.redis_stream.max_len", 10000)

	v.SetDefault("auth.skip_auth", false)
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.default_workspace_id", "")
	v.SetDefault("auth.token_ttl", 24*time.Hour)
	v.SetDefault("auth.rate_limit.enabled", false)
	v.SetDefault("auth.rate_limit.requests", 600)
	v.SetDefault("auth.rate_limit.window", time.Minute)

	v.SetDefault("registry.seed_path", "config/registry.yaml")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "agent-orchestrator")
	v.SetDefault("tracing.otlp_endpoint", "localhost:4317")
}

// Validate checks cross-field constraints the decoder cannot express.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case "memory", "sql":
	default:
		return fmt.Errorf("storage.backend must be memory or sql, got %q", c.Storage.Backend)
	}
	switch c.Admission.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("admission.backend must be memory or redis, got %q", c.Admission.Backend)
	}
	if _, err := c.TierLimits(); err != nil {
		return fmt.Errorf("admission.limits: %w", err)
	}
	if err := c.Routing.Validate(); err != nil {
		return fmt.Errorf("routing: %w", err)
	}
	if _, err := policy.ParseMode(string(c.Policy.Overlay.Mode)); err != nil {
		return err
	}
	if c.Admission.RequestsPerSecond < 0 {
		return fmt.Errorf("admission.requests_per_second must be non-negative")
	}
	if !c.Auth.SkipAuth && c.Auth.JWTSecret == "" && len(c.Auth.APIKeys) == 0 {
		return fmt.Errorf("auth: set auth.jwt_secret or auth.api_keys, or enable auth.skip_auth")
	}
	for i, k := range c.Auth.APIKeys {
		if k.Hash == "" || k.WorkspaceID == "" {
			return fmt.Errorf("auth.api_keys[%d]: hash and workspace_id are required", i)
		}
	}
	return nil
}

// TierLimits converts admission.limits into validated per-tier ceilings.
func (c *Config) TierLimits() (admission.Limits, error) {
	return admission.FromStrings(c.Admission.Limits)
}

// UsesRedis reports whether any component needs a Redis client.
func (c *Config) UsesRedis() bool {
	return c.Admission.Backend == "redis" || c.Events.RedisStream.Enabled || c.Auth.RateLimit.Enabled
}
