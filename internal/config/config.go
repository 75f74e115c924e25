package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                = "WAROENG"
	defaultHTTPAddress       = "0.0.0.0:5000"
	defaultDatabaseDriver    = "sqlite"
	defaultDatabaseDSN       = "waroeng.db"
	defaultLogLevel          = "info"
	defaultTokenTTL          = 7 * 24 * time.Hour
	defaultMinPasswordLength = 6
	defaultHashConcurrency   = 4
	defaultGoogleJWKSURL     = "https://www.googleapis.com/oauth2/v3/certs"
	defaultGoogleTimeout     = 5 * time.Second
	defaultFrontendURL       = "http://localhost:5173"
	defaultUploadsDir        = "public/uploads"
	defaultUploadsMaxBytes   = 5 * 1024 * 1024
	defaultAuthPerMinute     = 20
)

// ErrConfig marks configuration that prevents the server from starting.
var ErrConfig = errors.New("config: invalid configuration")

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress        string
	TrustedProxies     []string
	DatabaseDriver     string
	DatabaseDSN        string
	SigningSecret      string
	TokenTTL           time.Duration
	AdminEmails        []string
	MinPasswordLength  int
	HashConcurrency    int
	GoogleClientID     string
	GoogleClientSecret string
	GoogleRedirectURL  string
	GoogleJWKSURL      string
	GoogleTimeout      time.Duration
	FrontendURL        string
	UploadsDir         string
	UploadsMaxBytes    int64
	AuthPerMinute      int
	LogLevel           string
	Development        bool
}

// GoogleEnabled reports whether the server-side OAuth flow has credentials configured.
func (c AppConfig) GoogleEnabled() bool {
	return c.GoogleClientID != "" && c.GoogleClientSecret != "" && c.GoogleRedirectURL != ""
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.trusted_proxies", []string{})
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.dsn", defaultDatabaseDSN)
	configViper.SetDefault("auth.token_ttl", defaultTokenTTL)
	configViper.SetDefault("auth.admin_emails", []string{})
	configViper.SetDefault("auth.min_password_length", defaultMinPasswordLength)
	configViper.SetDefault("auth.hash_concurrency", defaultHashConcurrency)
	configViper.SetDefault("google.jwks_url", defaultGoogleJWKSURL)
	configViper.SetDefault("google.timeout", defaultGoogleTimeout)
	configViper.SetDefault("frontend.url", defaultFrontendURL)
	configViper.SetDefault("uploads.dir", defaultUploadsDir)
	configViper.SetDefault("uploads.max_bytes", defaultUploadsMaxBytes)
	configViper.SetDefault("ratelimit.auth_per_minute", defaultAuthPerMinute)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("app.development", false)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:        configViper.GetString("http.address"),
		TrustedProxies:     splitList(configViper.GetStringSlice("http.trusted_proxies")),
		DatabaseDriver:     strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabaseDSN:        configViper.GetString("database.dsn"),
		SigningSecret:      configViper.GetString("auth.signing_secret"),
		TokenTTL:           configViper.GetDuration("auth.token_ttl"),
		AdminEmails:        splitList(configViper.GetStringSlice("auth.admin_emails")),
		MinPasswordLength:  configViper.GetInt("auth.min_password_length"),
		HashConcurrency:    configViper.GetInt("auth.hash_concurrency"),
		GoogleClientID:     strings.TrimSpace(configViper.GetString("google.client_id")),
		GoogleClientSecret: strings.TrimSpace(configViper.GetString("google.client_secret")),
		GoogleRedirectURL:  strings.TrimSpace(configViper.GetString("google.redirect_url")),
		GoogleJWKSURL:      strings.TrimSpace(configViper.GetString("google.jwks_url")),
		GoogleTimeout:      configViper.GetDuration("google.timeout"),
		FrontendURL:        strings.TrimRight(strings.TrimSpace(configViper.GetString("frontend.url")), "/"),
		UploadsDir:         configViper.GetString("uploads.dir"),
		UploadsMaxBytes:    configViper.GetInt64("uploads.max_bytes"),
		AuthPerMinute:      configViper.GetInt("ratelimit.auth_per_minute"),
		LogLevel:           configViper.GetString("log.level"),
		Development:        configViper.GetBool("app.development"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("%w: auth.signing_secret is required", ErrConfig)
	}
	switch c.DatabaseDriver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("%w: unsupported database.driver %q", ErrConfig, c.DatabaseDriver)
	}
	if strings.TrimSpace(c.DatabaseDSN) == "" {
		return fmt.Errorf("%w: database.dsn is required", ErrConfig)
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("%w: auth.token_ttl must be positive", ErrConfig)
	}
	if c.MinPasswordLength < 1 {
		return fmt.Errorf("%w: auth.min_password_length must be at least 1", ErrConfig)
	}
	if c.HashConcurrency < 1 {
		return fmt.Errorf("%w: auth.hash_concurrency must be at least 1", ErrConfig)
	}
	if c.GoogleTimeout <= 0 {
		return fmt.Errorf("%w: google.timeout must be positive", ErrConfig)
	}
	if c.FrontendURL == "" {
		return fmt.Errorf("%w: frontend.url is required", ErrConfig)
	}
	if strings.TrimSpace(c.UploadsDir) == "" {
		return fmt.Errorf("%w: uploads.dir is required", ErrConfig)
	}
	if c.UploadsMaxBytes <= 0 {
		return fmt.Errorf("%w: uploads.max_bytes must be positive", ErrConfig)
	}
	return nil
}

// splitList accepts both repeated values and a single comma separated env value.
func splitList(values []string) []string {
	result := make([]string, 0, len(values))
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				result = append(result, trimmed)
			}
		}
	}
	return result
}
