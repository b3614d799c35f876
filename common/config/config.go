package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// State backend types
const (
	StateBackendMemory   = "memory"
	StateBackendRedis    = "redis"
	StateBackendPostgres = "postgres"
)

// Config holds all service configuration
type Config struct {
	Service  ServiceConfig
	Engine   EngineConfig
	Events   EventsConfig
	State    StateConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Server   ServerConfig
	LLM      LLMConfig
	Features FeatureFlags
}

// ServiceConfig holds service-specific settings
type ServiceConfig struct {
	Name          string
	Environment   string
	LogLevel      string
	LogFormat     string
	TimingEnabled bool
	ExecutionID   string // pre-assigned execution id for background runs
}

// EngineConfig holds execution engine settings
type EngineConfig struct {
	MaxConcurrent        int
	NodeReadyPoll        time.Duration
	ExecutionTimeout     time.Duration
	PersonJobMaxIter     int
	BatchMaxConcurrent   int
}

// EventsConfig holds event bus settings
type EventsConfig struct {
	QueueSize   int
	PublishWait time.Duration
	ReplayCap   int
	ReplayGrace time.Duration
}

// StateConfig holds state store settings
type StateConfig struct {
	Backend       string // memory, redis, postgres
	FlushInterval time.Duration
	BaseDir       string // root for file-backed artifacts (db node, endpoint saves)
}

// DatabaseConfig holds Postgres connection settings
type DatabaseConfig struct {
	Host        string
	Port        int
	Database    string
	User        string
	Password    string
	MaxConns    int
	MinConns    int
	MaxIdleTime time.Duration
	MaxLifetime time.Duration
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// ServerConfig holds the monitor server settings
type ServerConfig struct {
	Port              int
	KeepaliveInterval time.Duration
}

// LLMConfig holds LLM provider settings
type LLMConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
}

// FeatureFlags for wiring toggles
type FeatureFlags struct {
	MinimalWiring bool
	Enabled       []string
}

// Load loads configuration from environment variables
func Load(serviceName string) (*Config, error) {
	cfg := &Config{
		Service: ServiceConfig{
			Name:          serviceName,
			Environment:   getEnv("ENVIRONMENT", "development"),
			LogLevel:      getEnv("DIPEO_LOG_LEVEL", "info"),
			LogFormat:     getEnv("DIPEO_LOG_FORMAT", "text"),
			TimingEnabled: getEnvBool("DIPEO_TIMING_ENABLED", false),
			ExecutionID:   getEnv("DIPEO_EXECUTION_ID", ""),
		},
		Engine: EngineConfig{
			MaxConcurrent:      getEnvInt("ENGINE_MAX_CONCURRENT", 20),
			NodeReadyPoll:      getEnvDuration("ENGINE_NODE_READY_POLL", 10*time.Millisecond),
			ExecutionTimeout:   getEnvDuration("ENGINE_EXECUTION_TIMEOUT", 300*time.Second),
			PersonJobMaxIter:   getEnvInt("ENGINE_PERSON_JOB_MAX_ITER", 100),
			BatchMaxConcurrent: getEnvInt("ENGINE_BATCH_MAX_CONCURRENT", 10),
		},
		Events: EventsConfig{
			QueueSize:   getEnvInt("EVENTS_QUEUE_SIZE", 50000),
			PublishWait: getEnvDuration("EVENTS_PUBLISH_WAIT", 5*time.Second),
			ReplayCap:   getEnvInt("EVENTS_REPLAY_CAP", 100000),
			ReplayGrace: getEnvDuration("EVENTS_REPLAY_GRACE", 30*time.Second),
		},
		State: StateConfig{
			Backend:       getEnv("DIPEO_STATE_BACKEND", StateBackendMemory),
			FlushInterval: getEnvDuration("DIPEO_STATE_FLUSH_INTERVAL", 1*time.Second),
			BaseDir:       getEnv("DIPEO_BASE_DIR", "."),
		},
		Database: DatabaseConfig{
			Host:        getEnv("POSTGRES_HOST", "localhost"),
			Port:        getEnvInt("POSTGRES_PORT", 5432),
			Database:    getEnv("POSTGRES_DB", "dipeo"),
			User:        getEnv("POSTGRES_USER", "dipeo"),
			Password:    getEnv("POSTGRES_PASSWORD", "dipeo"),
			MaxConns:    getEnvInt("POSTGRES_MAX_CONNS", 20),
			MinConns:    getEnvInt("POSTGRES_MIN_CONNS", 2),
			MaxIdleTime: getEnvDuration("POSTGRES_MAX_IDLE_TIME", 30*time.Minute),
			MaxLifetime: getEnvDuration("POSTGRES_MAX_LIFETIME", 1*time.Hour),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Server: ServerConfig{
			Port:              getEnvInt("PORT", 8765),
			KeepaliveInterval: getEnvDuration("SERVER_KEEPALIVE_INTERVAL", 15*time.Second),
		},
		LLM: LLMConfig{
			APIKey:       getEnv("OPENAI_API_KEY", ""),
			BaseURL:      getEnv("OPENAI_BASE_URL", ""),
			DefaultModel: getEnv("DIPEO_DEFAULT_MODEL", "gpt-4o-mini"),
		},
		Features: FeatureFlags{
			MinimalWiring: getEnvBool("DIPEO_MINIMAL_WIRING", false),
			Enabled:       getEnvSlice("DIPEO_FEATURES", nil),
		},
	}

	return cfg, cfg.Validate()
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.Engine.MaxConcurrent < 1 {
		return fmt.Errorf("ENGINE_MAX_CONCURRENT must be >= 1, got %d", c.Engine.MaxConcurrent)
	}

	switch c.State.Backend {
	case StateBackendMemory, StateBackendRedis, StateBackendPostgres:
	default:
		return fmt.Errorf("unknown state backend: %s", c.State.Backend)
	}

	if c.State.Backend == StateBackendPostgres && c.Database.Host == "" {
		return fmt.Errorf("database host is required for postgres backend")
	}

	if c.Database.MaxConns < c.Database.MinConns {
		return fmt.Errorf("max_conns must be >= min_conns")
	}

	return nil
}

// FeatureEnabled reports whether a named feature is in DIPEO_FEATURES
func (c *Config) FeatureEnabled(name string) bool {
	for _, f := range c.Features.Enabled {
		if f == name {
			return true
		}
	}
	return false
}

// DatabaseURL returns the PostgreSQL connection string
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Database,
	)
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	}
	return defaultValue
}
