package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const (
	StorageMemory   = "memory"
	StoragePostgres = "postgres"
	StorageSQLite   = "sqlite"

	PolicyOPA   = "opa"
	PolicyBasic = "basic"
)

type Storage struct {
	Driver  string `env:"STORAGE_DRIVER" envDefault:"memory"`
	URL     string `env:"DATABASE_URL"`
	Migrate bool   `env:"DB_MIGRATE" envDefault:"true"`
}

type RateLimit struct {
	Requests   int           `env:"RATE_LIMIT_REQUESTS" envDefault:"0"`
	Window     time.Duration `env:"RATE_LIMIT_WINDOW" envDefault:"1m"`
	MaxKeys    int           `env:"RATE_LIMIT_MAX_KEYS" envDefault:"10000"`
	FailClosed bool          `env:"RATE_LIMIT_FAIL_CLOSED" envDefault:"false"`
}

type Redis struct {
	Addr     string `env:"REDIS_ADDR"`
	Password string `env:"REDIS_PASSWORD"`
	DB       int    `env:"REDIS_DB" envDefault:"0"`
}

type Kafka struct {
	Brokers string `env:"KAFKA_BROKERS"`
	Topic   string `env:"KAFKA_AUDIT_TOPIC" envDefault:"veritas.audit"`
}

type Audit struct {
	AppendRetries    int      `env:"AUDIT_APPEND_RETRIES" envDefault:"3"`
	SSNFieldPatterns []string `env:"SSN_FIELD_PATTERNS" envSeparator:","`
	PolicyEngine     string   `env:"PII_POLICY_ENGINE" envDefault:"opa"`
	PolicyFile       string   `env:"PII_POLICY_FILE"`
}

type Config struct {
	HTTPAddr    string `env:"HTTP_ADDR" envDefault:":8080"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat   string `env:"LOG_FORMAT" envDefault:"text"`
	AdminAPIKey string `env:"ADMIN_API_KEY"`
	GrantsFile  string `env:"GRANTS_FILE"`
	LiveStream  bool   `env:"AUDIT_STREAM_ENABLED" envDefault:"true"`

	Storage   Storage
	RateLimit RateLimit
	Redis     Redis
	Kafka     Kafka
	Audit     Audit
}

// Load reads an optional .env file, then the environment. Variables already
// set in the environment win over the file.
func Load(dotenvFiles ...string) (Config, error) {
	if err := godotenv.Load(dotenvFiles...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load dotenv: %w", err)
	}
	return FromEnv()
}

func FromEnv() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Storage.Driver {
	case StorageMemory:
	case StoragePostgres, StorageSQLite:
		if c.Storage.URL == "" {
			return fmt.Errorf("DATABASE_URL is required for storage driver %q", c.Storage.Driver)
		}
	default:
		return fmt.Errorf("unknown STORAGE_DRIVER %q", c.Storage.Driver)
	}
	switch c.Audit.PolicyEngine {
	case PolicyOPA, PolicyBasic:
	default:
		return fmt.Errorf("unknown PII_POLICY_ENGINE %q", c.Audit.PolicyEngine)
	}
	if c.RateLimit.Requests < 0 {
		return errors.New("RATE_LIMIT_REQUESTS must not be negative")
	}
	if c.RateLimit.Requests > 0 && c.RateLimit.Window <= 0 {
		return errors.New("RATE_LIMIT_WINDOW must be positive")
	}
	if c.Audit.AppendRetries < 0 {
		return errors.New("AUDIT_APPEND_RETRIES must not be negative")
	}
	return nil
}
