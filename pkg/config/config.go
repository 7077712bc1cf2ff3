// Package config loads process configuration from the environment.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// Config holds server configuration.
type Config struct {
	Env        string
	Port       string
	AppBaseURL string

	DatabaseURL string

	PPSecretKey     string
	PPClientID      string
	PPWebhookSecret string

	WorkerSecret string
	AdminKey     string

	EncryptionKey   string // 64 hex chars = 32 bytes
	SessionSecret   string // HMAC key for tracking links
	AuthTokenSecret string // HS256 key the auth provider signs with

	ResendAPIKey string
	EmailFrom    string

	RedisURL     string // optional: distributed webhook rate limiting
	OTLPEndpoint string // optional: telemetry export

	// Defaulted lists variables that were filled with development
	// fallbacks so the caller can warn about each one.
	Defaulted []string
}

// Load loads configuration from environment variables. Outside production,
// missing values are filled with development fallbacks and recorded in
// Defaulted; Validate rejects those same gaps in production.
func Load() *Config {
	env := os.Getenv("APP_ENV")
	if env == "" {
		env = EnvDevelopment
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	baseURL := os.Getenv("APP_BASE_URL")
	if baseURL == "" {
		baseURL = "http://localhost:" + port
	}

	from := os.Getenv("EMAIL_FROM")
	if from == "" {
		from = "Regain <recovery@mail.regain.dev>"
	}

	cfg := &Config{
		Env:             env,
		Port:            port,
		AppBaseURL:      baseURL,
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		PPSecretKey:     os.Getenv("PP_SECRET_KEY"),
		PPClientID:      os.Getenv("PP_CLIENT_ID"),
		PPWebhookSecret: os.Getenv("PP_WEBHOOK_SECRET"),
		WorkerSecret:    os.Getenv("WORKER_SECRET"),
		AdminKey:        os.Getenv("ADMIN_KEY"),
		EncryptionKey:   os.Getenv("ENCRYPTION_KEY"),
		SessionSecret:   os.Getenv("SESSION_SECRET"),
		AuthTokenSecret: os.Getenv("AUTH_TOKEN_SECRET"),
		ResendAPIKey:    os.Getenv("RESEND_API_KEY"),
		EmailFrom:       from,
		RedisURL:        os.Getenv("REDIS_URL"),
		OTLPEndpoint:    os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if env != EnvProduction {
		cfg.applyDevDefaults()
	}
	return cfg
}

func (c *Config) applyDevDefaults() {
	def := func(field *string, name, value string) {
		if *field == "" {
			*field = value
			c.Defaulted = append(c.Defaulted, name)
		}
	}

	// Local development runs on the embedded engine.
	def(&c.DatabaseURL, "DATABASE_URL", "file:regain.db")
	def(&c.WorkerSecret, "WORKER_SECRET", "dev-worker-secret")
	def(&c.AdminKey, "ADMIN_KEY", "dev-admin-key")
	def(&c.SessionSecret, "SESSION_SECRET", "dev-session-secret")
	def(&c.AuthTokenSecret, "AUTH_TOKEN_SECRET", "dev-auth-token-secret")
	// ENCRYPTION_KEY is left empty: the caller generates an ephemeral
	// key and warns, so dev tokens never share a well-known key.
}

// IsProduction reports whether the process runs with production guarantees.
func (c *Config) IsProduction() bool {
	return c.Env == EnvProduction
}

// Validate enforces the production-mandatory variable set. It returns all
// gaps at once so an operator fixes one deploy, not one variable per deploy.
func (c *Config) Validate() error {
	if !c.IsProduction() {
		return c.validateKey()
	}

	var errs []error
	mandatory := []struct {
		name  string
		value string
	}{
		{"DATABASE_URL", c.DatabaseURL},
		{"PP_SECRET_KEY", c.PPSecretKey},
		{"PP_CLIENT_ID", c.PPClientID},
		{"PP_WEBHOOK_SECRET", c.PPWebhookSecret},
		{"WORKER_SECRET", c.WorkerSecret},
		{"ADMIN_KEY", c.AdminKey},
		{"ENCRYPTION_KEY", c.EncryptionKey},
		{"SESSION_SECRET", c.SessionSecret},
		{"AUTH_TOKEN_SECRET", c.AuthTokenSecret},
		{"RESEND_API_KEY", c.ResendAPIKey},
	}
	for _, m := range mandatory {
		if m.value == "" {
			errs = append(errs, fmt.Errorf("config: %s is required in production", m.name))
		}
	}
	if err := c.validateKey(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (c *Config) validateKey() error {
	if c.EncryptionKey == "" {
		return nil
	}
	_, err := c.DecodeEncryptionKey()
	return err
}

// DecodeEncryptionKey decodes ENCRYPTION_KEY into the 32-byte AES key.
// An unset key returns (nil, nil); the caller decides the fallback.
func (c *Config) DecodeEncryptionKey() ([]byte, error) {
	if c.EncryptionKey == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(c.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("config: ENCRYPTION_KEY is not valid hex: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("config: ENCRYPTION_KEY must be 64 hex chars (32 bytes), got %d bytes", len(key))
	}
	return key, nil
}
