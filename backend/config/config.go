// Package config loads the service configuration from OUTDORA_* environment
// variables, optionally seeded from a .env file.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

const EnvPrefix = "OUTDORA"

const (
	AppEnvDev  = "development"
	AppEnvProd = "production"

	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreMongo    = "mongo"
)

type Config struct {
	App   AppConfig
	Store StoreConfig
	Redis RedisConfig
	Kafka KafkaConfig
	Auth  AuthConfig
	Feed  FeedConfig
}

type AppConfig struct {
	Env          string        `envconfig:"OUTDORA_APP_ENV" default:"development"`
	Port         string        `envconfig:"OUTDORA_APP_PORT" default:"8080"`
	LogLevel     string        `envconfig:"OUTDORA_LOG_LEVEL" default:"info"`
	LogFormat    string        `envconfig:"OUTDORA_LOG_FORMAT" default:"json"`
	LogWarnStack bool          `envconfig:"OUTDORA_LOG_WARN_STACK" default:"false"`
	CORSOrigins  []string      `envconfig:"OUTDORA_CORS_ORIGINS" default:"http://localhost:5173,http://localhost:3001"`
	ShutdownWait time.Duration `envconfig:"OUTDORA_SHUTDOWN_WAIT" default:"10s"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev) || strings.EqualFold(a.Env, "dev")
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd) || strings.EqualFold(a.Env, "prod")
}

type StoreConfig struct {
	Driver string `envconfig:"OUTDORA_STORE_DRIVER" default:"memory"`
	// Transactional runs swipes and repairs inside store transactions when the driver supports it.
	Transactional bool   `envconfig:"OUTDORA_STORE_TRANSACTIONAL" default:"false"`
	PostgresDSN   string `envconfig:"OUTDORA_POSTGRES_DSN"`
	AutoMigrate   bool   `envconfig:"OUTDORA_AUTO_MIGRATE" default:"false"`
	MongoURI      string `envconfig:"OUTDORA_MONGO_URI"`
	MongoDatabase string `envconfig:"OUTDORA_MONGO_DATABASE" default:"outdora"`
	MongoColl     string `envconfig:"OUTDORA_MONGO_COLLECTION" default:"users"`
}

type RedisConfig struct {
	URL      string `envconfig:"OUTDORA_REDIS_URL"`
	Address  string `envconfig:"OUTDORA_REDIS_ADDR"`
	Password string `envconfig:"OUTDORA_REDIS_PASSWORD"`
	DB       int    `envconfig:"OUTDORA_REDIS_DB" default:"0"`
	// StreamMaxLen caps each chat stream. Zero keeps the whole history.
	StreamMaxLen int64 `envconfig:"OUTDORA_REDIS_STREAM_MAXLEN" default:"0"`
}

// Enabled reports whether chat goes to Redis instead of process memory.
func (r RedisConfig) Enabled() bool {
	return r.URL != "" || r.Address != ""
}

type KafkaConfig struct {
	Brokers []string `envconfig:"OUTDORA_KAFKA_BROKERS"`
	Topic   string   `envconfig:"OUTDORA_KAFKA_MATCH_TOPIC" default:"outdora.match-events"`
}

func (k KafkaConfig) Enabled() bool {
	return len(k.Brokers) > 0
}

type AuthConfig struct {
	JWTSecret string `envconfig:"OUTDORA_JWT_SECRET" required:"true"`
	JWTIssuer string `envconfig:"OUTDORA_JWT_ISSUER"`
}

type FeedConfig struct {
	DefaultRangeMiles float64 `envconfig:"OUTDORA_FEED_DEFAULT_RANGE_MILES" default:"100"`
	Limit             int     `envconfig:"OUTDORA_FEED_LIMIT" default:"50"`
	IgnoreAttributes  bool    `envconfig:"OUTDORA_FEED_IGNORE_ATTRIBUTES" default:"false"`
}

// Load reads an optional .env file (existing variables win) and then the environment.
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		_ = godotenv.Load()
	} else if err := godotenv.Load(envFiles...); err != nil {
		return nil, fmt.Errorf("loading env file: %w", err)
	}

	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	c.Store.Driver = strings.ToLower(strings.TrimSpace(c.Store.Driver))
	switch c.Store.Driver {
	case StoreMemory:
	case StorePostgres:
		if c.Store.PostgresDSN == "" {
			return errors.New("OUTDORA_POSTGRES_DSN is required for the postgres store")
		}
	case StoreMongo:
		if c.Store.MongoURI == "" {
			return errors.New("OUTDORA_MONGO_URI is required for the mongo store")
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	if c.Feed.DefaultRangeMiles <= 0 {
		return errors.New("OUTDORA_FEED_DEFAULT_RANGE_MILES must be positive")
	}
	if c.Feed.Limit < 0 {
		return errors.New("OUTDORA_FEED_LIMIT must not be negative")
	}
	return nil
}
