// Package config parses the eventlog command configuration from an env file,
// the environment and flags, in that order of precedence from low to high.
package config

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const defaultEnvFile = ".env"

type Config struct {
	Port            string        `env:"EVENTLOG_PORT" envDefault:"8080"`
	LogLevel        slog.Level    `env:"EVENTLOG_LOG_LEVEL" envDefault:"info"`
	LogFormat       string        `env:"EVENTLOG_LOG_FORMAT" envDefault:"text"`
	ShutdownTimeout time.Duration `env:"EVENTLOG_SHUTDOWN_TIMEOUT" envDefault:"10s"`

	Store          string `env:"EVENTLOG_STORE" envDefault:"memory"`
	StorePath      string `env:"EVENTLOG_STORE_PATH" envDefault:"data/eventlog.db"`
	PostgresURL    string `env:"EVENTLOG_POSTGRES_URL"`
	PostgresNotify bool   `env:"EVENTLOG_POSTGRES_NOTIFY" envDefault:"true"`
	MaxAttempts    uint   `env:"EVENTLOG_MAX_ATTEMPTS" envDefault:"10"`

	Bus             string        `env:"EVENTLOG_BUS" envDefault:"memory"`
	NatsURL         string        `env:"EVENTLOG_NATS_URL" envDefault:"nats://127.0.0.1:4222"`
	NatsPrefix      string        `env:"EVENTLOG_NATS_PREFIX" envDefault:"eventlog"`
	MaxDeliveries   int           `env:"EVENTLOG_MAX_DELIVERIES" envDefault:"100"`
	RedeliveryDelay time.Duration `env:"EVENTLOG_REDELIVERY_DELAY" envDefault:"1s"`
	DedupWindow     time.Duration `env:"EVENTLOG_DEDUP_WINDOW" envDefault:"5m"`
	Envelope        bool          `env:"EVENTLOG_NOTIFICATION_ENVELOPE"`

	IngressSubject string `env:"EVENTLOG_INGRESS_SUBJECT" envDefault:"ingress"`
	EventsSubject  string `env:"EVENTLOG_EVENTS_SUBJECT" envDefault:"events"`
	ReplaySubject  string `env:"EVENTLOG_REPLAY_SUBJECT" envDefault:"replay"`

	ReadModel string `env:"EVENTLOG_READ_MODEL" envDefault:"memory"`
	RedisURL  string `env:"EVENTLOG_REDIS_URL"`
}

// ParseConfig parses flags from args, loads the env file named by -env-file
// and then reads the environment. Flags that were set win over both.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	envFile := fs.String("env-file", defaultEnvFile, "Environment file loaded before parsing the environment")
	port := fs.String("port", "", "The HTTP server port")
	store := fs.String("store", "", "Event log backend: memory, bolt, sqlite or postgres")
	busKind := fs.String("bus", "", "Message bus: memory or jetstream")
	readModel := fs.String("read-model", "", "Items read model: memory, postgres or redis")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	if err := loadEnvFile(*envFile); err != nil {
		return Config{}, err
	}

	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "port":
			cfg.Port = *port
		case "store":
			cfg.Store = *store
		case "bus":
			cfg.Bus = *busKind
		case "read-model":
			cfg.ReadModel = *readModel
		}
	})

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// loadEnvFile does not override variables that are already set. A missing
// default file is not an error.
func loadEnvFile(path string) error {
	err := godotenv.Load(path)
	if errors.Is(err, os.ErrNotExist) && path == defaultEnvFile {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

func oneOf(name, value string, allowed ...string) error {
	if !slices.Contains(allowed, value) {
		return fmt.Errorf("invalid %s %q, want one of %v", name, value, allowed)
	}
	return nil
}

func (c Config) Validate() error {
	err := errors.Join(
		oneOf("log format", c.LogFormat, "text", "json"),
		oneOf("store", c.Store, "memory", "bolt", "sqlite", "postgres"),
		oneOf("bus", c.Bus, "memory", "jetstream"),
		oneOf("read model", c.ReadModel, "memory", "postgres", "redis"),
	)
	if err != nil {
		return err
	}
	if (c.Store == "postgres" || c.ReadModel == "postgres") && c.PostgresURL == "" {
		return errors.New("EVENTLOG_POSTGRES_URL is required")
	}
	if c.ReadModel == "redis" && c.RedisURL == "" {
		return errors.New("EVENTLOG_REDIS_URL is required")
	}
	if (c.Store == "bolt" || c.Store == "sqlite") && c.StorePath == "" {
		return errors.New("EVENTLOG_STORE_PATH is required")
	}
	return nil
}
