// Package config loads runtime configuration from the environment and an
// optional .env file.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port        string `mapstructure:"PORT"`
	Env         string `mapstructure:"ENV"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	AuthSecret string `mapstructure:"AUTH_SECRET"`
	AuthIssuer string `mapstructure:"AUTH_ISSUER"`

	RedisURL            string        `mapstructure:"REDIS_URL"`
	TerminologyURL      string        `mapstructure:"TERMINOLOGY_URL"`
	TerminologyCacheTTL time.Duration `mapstructure:"TERMINOLOGY_CACHE_TTL"`

	BlobEndpoint  string `mapstructure:"BLOB_ENDPOINT"`
	BlobAccessKey string `mapstructure:"BLOB_ACCESS_KEY"`
	BlobSecretKey string `mapstructure:"BLOB_SECRET_KEY"`
	BlobBucket    string `mapstructure:"BLOB_BUCKET"`
	BlobUseSSL    bool   `mapstructure:"BLOB_USE_SSL"`

	AMQPURL string `mapstructure:"AMQP_URL"`

	ImportMaxBody    string        `mapstructure:"IMPORT_MAX_BODY"`
	RequestTimeout   time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	StorageTimeout   time.Duration `mapstructure:"STORAGE_TIMEOUT"`
	RetryMaxAttempts int           `mapstructure:"RETRY_MAX_ATTEMPTS"`
	RetryBackoff     time.Duration `mapstructure:"RETRY_BACKOFF"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("TERMINOLOGY_CACHE_TTL", "1h")
	v.SetDefault("IMPORT_MAX_BODY", "32M")
	v.SetDefault("REQUEST_TIMEOUT", "120s")
	v.SetDefault("STORAGE_TIMEOUT", "30s")
	v.SetDefault("RETRY_MAX_ATTEMPTS", 3)
	v.SetDefault("RETRY_BACKOFF", "200ms")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range []string{
		"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
		"AUTH_SECRET", "AUTH_ISSUER",
		"REDIS_URL", "TERMINOLOGY_URL", "TERMINOLOGY_CACHE_TTL",
		"BLOB_ENDPOINT", "BLOB_ACCESS_KEY", "BLOB_SECRET_KEY", "BLOB_BUCKET", "BLOB_USE_SSL",
		"AMQP_URL",
		"IMPORT_MAX_BODY", "REQUEST_TIMEOUT", "STORAGE_TIMEOUT", "RETRY_MAX_ATTEMPTS", "RETRY_BACKOFF",
	} {
		v.BindEnv(key)
	}

	// Try reading .env, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// AuthEnabled reports whether the API requires bearer tokens.
func (c *Config) AuthEnabled() bool {
	return c.AuthSecret != ""
}

// Validate checks that the configuration is safe to serve with. One-shot CLI
// imports skip this check: they can run without a database or auth.
func (c *Config) Validate() error {
	if c.Env != "development" && c.Env != "production" {
		return fmt.Errorf("ENV must be \"development\" or \"production\", got %q", c.Env)
	}

	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.IsProduction() && c.AuthSecret == "" {
		return fmt.Errorf("AUTH_SECRET is required in production; refusing to serve an open API")
	}

	// Object storage settings are all-or-none.
	if c.BlobEndpoint != "" || c.BlobAccessKey != "" || c.BlobSecretKey != "" || c.BlobBucket != "" {
		if c.BlobEndpoint == "" || c.BlobAccessKey == "" || c.BlobSecretKey == "" || c.BlobBucket == "" {
			return fmt.Errorf("BLOB_ENDPOINT, BLOB_ACCESS_KEY, BLOB_SECRET_KEY and BLOB_BUCKET must be set together")
		}
	}

	if c.RetryMaxAttempts < 1 {
		return fmt.Errorf("RETRY_MAX_ATTEMPTS must be at least 1, got %d", c.RetryMaxAttempts)
	}

	return nil
}
