// Package config loads service settings from built-in defaults, an
// optional TOML file, and the environment, in that order.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
)

const (
	IdentityLocal = "local"
	IdentityREST  = "rest"
)

type Config struct {
	Port        string `toml:"port" env:"ACCESS_PORT"`
	DatabaseURL string `toml:"db_dsn" env:"DB_DSN"`
	LogLevel    string `toml:"log_level" env:"ACCESS_LOG_LEVEL"`

	IdentityMode    string `toml:"idp_mode" env:"ACCESS_IDP_MODE"`
	IdentityAPIKey  string `toml:"idp_api_key" env:"ACCESS_IDP_API_KEY"`
	IdentityBaseURL string `toml:"idp_base_url" env:"ACCESS_IDP_BASE_URL"`
	TokenBaseURL    string `toml:"token_base_url" env:"ACCESS_TOKEN_BASE_URL"`
	// FunctionsURL points at remote callable functions. Empty serves them
	// in-process.
	FunctionsURL string        `toml:"functions_url" env:"ACCESS_FUNCTIONS_URL"`
	JWTSecret    string        `toml:"jwt_secret" env:"ACCESS_JWT_SECRET"`
	TokenTTL     time.Duration `toml:"token_ttl" env:"ACCESS_TOKEN_TTL"`

	PrivilegedEmails []string `toml:"privileged_emails" env:"ACCESS_PRIVILEGED_EMAILS" envSeparator:","`
	StateDir         string   `toml:"state_dir" env:"ACCESS_STATE_DIR"`

	// ResetNotifier is "log", "noop", or a webhook URL that receives
	// password reset links in local identity mode.
	ResetNotifier     string `toml:"reset_notifier" env:"ACCESS_RESET_NOTIFIER"`
	ResetWebhookToken string `toml:"reset_webhook_token" env:"ACCESS_RESET_WEBHOOK_TOKEN"`
	ResetLinkBase     string `toml:"reset_link_base" env:"ACCESS_RESET_LINK_BASE"`

	// ProbeAddr is dialed to track connectivity. Empty assumes the network
	// is always up.
	ProbeAddr      string        `toml:"probe_addr" env:"ACCESS_PROBE_ADDR"`
	ProbeInterval  time.Duration `toml:"probe_interval" env:"ACCESS_PROBE_INTERVAL"`
	RequestTimeout time.Duration `toml:"request_timeout" env:"ACCESS_REQUEST_TIMEOUT"`

	SessionTimeout    time.Duration `toml:"session_timeout" env:"ACCESS_SESSION_TIMEOUT"`
	RefreshThreshold  time.Duration `toml:"refresh_threshold" env:"ACCESS_REFRESH_THRESHOLD"`
	RefreshRetryDelay time.Duration `toml:"refresh_retry_delay" env:"ACCESS_REFRESH_RETRY_DELAY"`

	RateLimitPerMinute           int `toml:"rate_limit_per_min" env:"RATE_LIMIT_PER_MIN"`
	RateLimitBurst               int `toml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`
	CredentialRateLimitPerMinute int `toml:"credential_rate_limit_per_min" env:"CREDENTIAL_RATE_LIMIT_PER_MIN"`
	CredentialRateLimitBurst     int `toml:"credential_rate_limit_burst" env:"CREDENTIAL_RATE_LIMIT_BURST"`
}

func Default() Config {
	return Config{
		Port:                         "8080",
		LogLevel:                     "info",
		IdentityMode:                 IdentityLocal,
		TokenTTL:                     time.Hour,
		StateDir:                     ".access-state",
		ResetNotifier:                "log",
		ResetLinkBase:                "http://localhost:8080/reset-password",
		ProbeInterval:                15 * time.Second,
		RequestTimeout:               10 * time.Second,
		SessionTimeout:               55 * time.Minute,
		RefreshThreshold:             5 * time.Minute,
		RefreshRetryDelay:            time.Minute,
		RateLimitPerMinute:           120,
		RateLimitBurst:               30,
		CredentialRateLimitPerMinute: 10,
		CredentialRateLimitBurst:     5,
	}
}

// Load applies path (if not empty) and then the environment over Default.
// Keys absent from both keep their defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path = strings.TrimSpace(path); path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("load config %s: %w", path, err)
		}
	}
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.IdentityMode = strings.ToLower(strings.TrimSpace(c.IdentityMode))
	emails := c.PrivilegedEmails[:0]
	for _, email := range c.PrivilegedEmails {
		if email = strings.TrimSpace(email); email != "" {
			emails = append(emails, email)
		}
	}
	c.PrivilegedEmails = emails
}

func (c Config) Validate() error {
	var errs []error
	switch c.IdentityMode {
	case IdentityLocal:
		if len(c.JWTSecret) < 16 {
			errs = append(errs, errors.New("ACCESS_JWT_SECRET must be at least 16 bytes in local identity mode"))
		}
	case IdentityREST:
		if c.IdentityAPIKey == "" {
			errs = append(errs, errors.New("ACCESS_IDP_API_KEY is required in rest identity mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown identity mode %q", c.IdentityMode))
	}
	if c.Port == "" {
		errs = append(errs, errors.New("port is required"))
	}
	if c.RefreshThreshold >= c.SessionTimeout {
		errs = append(errs, errors.New("refresh threshold must be shorter than the session timeout"))
	}
	return errors.Join(errs...)
}

// Addr is the listen address.
func (c Config) Addr() string {
	if strings.Contains(c.Port, ":") {
		return c.Port
	}
	return ":" + c.Port
}
