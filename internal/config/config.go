package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	AppEnv    string          `envconfig:"APP_ENV" default:"development"`
	LogLevel  string          `envconfig:"LOG_LEVEL" default:"info"`
	Server    ServerConfig    `ignored:"true"`
	Database  DatabaseConfig  `ignored:"true"`
	Redis     RedisConfig     `ignored:"true"`
	Kafka     KafkaConfig     `ignored:"true"`
	Agent     AgentConfig     `ignored:"true"`
	Auth      AuthConfig      `ignored:"true"`
	Blob      BlobConfig      `ignored:"true"`
	Telemetry TelemetryConfig `ignored:"true"`
}

type ServerConfig struct {
	Port         string        `envconfig:"PORT" default:":8084"`
	ReadTimeout  time.Duration `envconfig:"HTTP_READ_TIMEOUT" default:"15s"`
	WriteTimeout time.Duration `envconfig:"HTTP_WRITE_TIMEOUT" default:"15s"`
	IdleTimeout  time.Duration `envconfig:"HTTP_IDLE_TIMEOUT" default:"60s"`
}

type DatabaseConfig struct {
	// Driver is "postgres" in production; "sqlite" runs against DSN as a SQLite file.
	Driver       string        `envconfig:"DB_DRIVER" default:"postgres"`
	DSN          string        `envconfig:"POSTGRES_DSN"`
	Host         string        `envconfig:"DB_HOST" default:"localhost"`
	Port         string        `envconfig:"DB_PORT" default:"5432"`
	Username     string        `envconfig:"DB_USERNAME" default:"checkin"`
	Password     string        `envconfig:"DB_PASSWORD" default:"checkin"`
	Database     string        `envconfig:"DB_NAME" default:"checkin"`
	SSLMode      string        `envconfig:"DB_SSLMODE" default:"disable"`
	MaxOpenConns int           `envconfig:"DB_MAX_OPEN_CONNS" default:"25"`
	MaxIdleConns int           `envconfig:"DB_MAX_IDLE_CONNS" default:"25"`
	MaxLifetime  time.Duration `envconfig:"DB_MAX_LIFETIME" default:"5m"`
	AutoMigrate  bool          `envconfig:"DB_AUTO_MIGRATE" default:"false"`
}

type RedisConfig struct {
	Addr     string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	Password string `envconfig:"REDIS_PASSWORD"`
	DB       int    `envconfig:"REDIS_DB" default:"0"`
}

type KafkaConfig struct {
	Enabled bool        `envconfig:"KAFKA_ENABLED" default:"false"`
	Brokers []string    `envconfig:"KAFKA_BROKERS" default:"localhost:9092"`
	Topics  TopicConfig `ignored:"true"`
}

type TopicConfig struct {
	CheckinAccepted string `envconfig:"KAFKA_TOPIC_CHECKIN" default:"checkin.accepted"`
	PrintPrinted    string `envconfig:"KAFKA_TOPIC_PRINTED" default:"print.job.printed"`
	PrintFailed     string `envconfig:"KAFKA_TOPIC_PRINT_FAILED" default:"print.job.failed"`
}

type AgentConfig struct {
	TerminalID   string        `envconfig:"TERMINAL_ID"`
	Printer      string        `envconfig:"PRINTER_NAME"`
	PrinterMode  string        `envconfig:"PRINTER_MODE" default:"lp"`
	SpoolDir     string        `envconfig:"PRINTER_SPOOL_DIR" default:"./spool"`
	StagingDir   string        `envconfig:"PRINT_STAGING_DIR" default:""`
	PollInterval time.Duration `envconfig:"POLL_INTERVAL" default:"3000ms"`
	PollBatch    int           `envconfig:"POLL_BATCH" default:"5"`
	PollAlways   bool          `envconfig:"POLL_ALWAYS" default:"true"`
	FeedDriver   string        `envconfig:"FEED_DRIVER" default:"postgres"`
	MaxAttempts  int           `envconfig:"MAX_ATTEMPTS" default:"3"`
	RetryBackoff time.Duration `envconfig:"RETRY_BACKOFF" default:"30s"`
}

type AuthConfig struct {
	// OIDCIssuer enables verified bearer tokens; empty means tokens are only decoded.
	OIDCIssuer string `envconfig:"OIDC_ISSUER"`
}

type BlobConfig struct {
	Dir string `envconfig:"BLOB_DIR" default:"./blobs"`
}

type TelemetryConfig struct {
	OTLPEndpoint string `envconfig:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	ServiceName  string `envconfig:"OTEL_SERVICE_NAME" default:"ms-checkin"`
}

// Load reads .env (if present) and then the process environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	// Sections are processed one by one so keys stay unprefixed (PORT, not SERVER_PORT).
	sections := []interface{}{
		&cfg,
		&cfg.Server,
		&cfg.Database,
		&cfg.Redis,
		&cfg.Kafka,
		&cfg.Kafka.Topics,
		&cfg.Agent,
		&cfg.Auth,
		&cfg.Blob,
		&cfg.Telemetry,
	}
	for _, section := range sections {
		if err := envconfig.Process("", section); err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Database.Driver != "postgres" && c.Database.Driver != "sqlite" {
		return fmt.Errorf("config: unsupported DB_DRIVER %q", c.Database.Driver)
	}
	if c.Database.Driver == "sqlite" && c.Database.DSN == "" {
		return errors.New("config: DB_DRIVER=sqlite needs POSTGRES_DSN to point at a sqlite file")
	}
	if c.AppEnv == "production" && c.Database.DSN == "" && c.Database.Password == "" {
		return errors.New("config: in production DB_PASSWORD is required")
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return errors.New("config: KAFKA_BROKERS is required when KAFKA_ENABLED")
	}
	return nil
}

// ValidateAgent checks the settings only the dispatch agent needs.
func (c *Config) ValidateAgent() error {
	if c.Agent.TerminalID == "" {
		return errors.New("config: TERMINAL_ID is required for the print agent")
	}
	if c.Agent.PollInterval <= 0 {
		return errors.New("config: POLL_INTERVAL must be positive")
	}
	if c.Agent.PollBatch <= 0 {
		return errors.New("config: POLL_BATCH must be positive")
	}
	if c.Agent.MaxAttempts < 0 {
		return errors.New("config: MAX_ATTEMPTS cannot be negative")
	}
	switch c.Agent.FeedDriver {
	case "postgres", "redis", "none":
	default:
		return fmt.Errorf("config: unsupported FEED_DRIVER %q", c.Agent.FeedDriver)
	}
	switch c.Agent.PrinterMode {
	case "lp":
		if c.Agent.Printer == "" {
			return errors.New("config: PRINTER_NAME is required when PRINTER_MODE=lp")
		}
	case "spool":
	default:
		return fmt.Errorf("config: unsupported PRINTER_MODE %q", c.Agent.PrinterMode)
	}
	return nil
}

// PostgresURL returns POSTGRES_DSN when set, otherwise a URL built from the DB_* fields.
func (c *Config) PostgresURL() string {
	if c.Database.DSN != "" {
		return c.Database.DSN
	}
	pass := url.QueryEscape(c.Database.Password)
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.Database.Username, pass, c.Database.Host, c.Database.Port, c.Database.Database, c.Database.SSLMode)
}
