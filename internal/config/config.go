// Package config reads settings from CHATBRIDGE_* environment variables.
package config

import (
	"errors"
	"log"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

const Prefix = "CHATBRIDGE"

type Config struct {
	Addr        string `envconfig:"ADDR" default:":8080"`
	DBDriver    string `envconfig:"DB_DRIVER" default:"sqlite3"`
	DatabaseURL string `envconfig:"DATABASE_URL" default:"chatbridge.db"`

	// ServerSecret derives every conversation key. Changing it makes stored
	// messages unreadable.
	ServerSecret string        `envconfig:"SERVER_SECRET" required:"true"`
	TokenSecret  string        `envconfig:"TOKEN_SECRET" required:"true"`
	SessionTTL   time.Duration `envconfig:"SESSION_TTL" default:"720h"`
	CodeTTL      time.Duration `envconfig:"CODE_TTL" default:"5m"`
	MaxAttempts  int           `envconfig:"MAX_CODE_ATTEMPTS" default:"5"`

	MediaDir       string `envconfig:"MEDIA_DIR" default:"data/media"`
	MinioEndpoint  string `envconfig:"MINIO_ENDPOINT"`
	MinioAccessKey string `envconfig:"MINIO_ACCESS_KEY"`
	MinioSecretKey string `envconfig:"MINIO_SECRET_KEY"`
	MinioBucket    string `envconfig:"MINIO_BUCKET" default:"chatbridge-media"`
	MinioUseSSL    bool   `envconfig:"MINIO_USE_SSL"`

	GatewayURL     string        `envconfig:"GATEWAY_URL"`
	GatewayToken   string        `envconfig:"GATEWAY_TOKEN"`
	GatewayAuthDir string        `envconfig:"GATEWAY_AUTH_DIR" default:"data/gateway"`
	GatewayTimeout time.Duration `envconfig:"GATEWAY_TIMEOUT" default:"30s"`

	CounterpartPhone string        `envconfig:"COUNTERPART_PHONE"`
	CounterpartName  string        `envconfig:"COUNTERPART_NAME" default:"Support"`
	OnboardingReply  string        `envconfig:"ONBOARDING_REPLY" default:"Hi! This number only talks to registered users. Please sign up in the app first."`
	CodeMessage      string        `envconfig:"CODE_MESSAGE"`
	ReconnectDelay   time.Duration `envconfig:"RECONNECT_DELAY" default:"5s"`
	DrainDelay       time.Duration `envconfig:"DRAIN_DELAY" default:"1s"`
	HealthInterval   time.Duration `envconfig:"HEALTH_INTERVAL" default:"30s"`
	BulkBatchSize    int           `envconfig:"BULK_BATCH_SIZE" default:"10"`
	BulkDelay        time.Duration `envconfig:"BULK_DELAY" default:"2s"`

	AdminToken             string `envconfig:"ADMIN_TOKEN"`
	AutoApproveFirstDevice bool   `envconfig:"AUTO_APPROVE_FIRST_DEVICE"`
	ExposeCodes            bool   `envconfig:"EXPOSE_CODES"`
	SecureCookies          bool   `envconfig:"SECURE_COOKIES"`

	SMTPHost     string `envconfig:"SMTP_HOST"`
	SMTPPort     string `envconfig:"SMTP_PORT" default:"587"`
	SMTPUsername string `envconfig:"SMTP_USERNAME"`
	SMTPPassword string `envconfig:"SMTP_PASSWORD"`
	SMTPFrom     string `envconfig:"SMTP_FROM" default:"chatbridge@localhost"`
	AdminEmail   string `envconfig:"ADMIN_EMAIL"`
}

// Load reads a .env file if there is one, then the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Printf("No .env file loaded: %v (using environment)", err)
	}
	var cfg Config
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if len(c.ServerSecret) < 16 {
		return errors.New("CHATBRIDGE_SERVER_SECRET must be at least 16 characters")
	}
	if c.TokenSecret == "" {
		return errors.New("CHATBRIDGE_TOKEN_SECRET must not be empty")
	}
	if c.GatewayURL != "" && c.CounterpartPhone == "" {
		return errors.New("CHATBRIDGE_COUNTERPART_PHONE is required when a gateway is configured")
	}
	if c.MinioEndpoint != "" && (c.MinioAccessKey == "" || c.MinioSecretKey == "") {
		return errors.New("MinIO needs both CHATBRIDGE_MINIO_ACCESS_KEY and CHATBRIDGE_MINIO_SECRET_KEY")
	}
	return nil
}

// RelayEnabled reports whether an external gateway is configured.
func (c *Config) RelayEnabled() bool { return c.GatewayURL != "" }
