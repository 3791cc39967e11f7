package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Env      string `mapstructure:"ENV"`
	LogLevel string `mapstructure:"LOG_LEVEL"`
	Port     string `mapstructure:"PORT"`

	FHIRBaseURL    string `mapstructure:"FHIR_BASE_URL"`
	FHIRPageSize   int    `mapstructure:"FHIR_PAGE_SIZE"`
	FHIRPathEngine string `mapstructure:"FHIRPATH_ENGINE"`
	RowPolicy      string `mapstructure:"ROW_POLICY"`

	HTTPTimeout    time.Duration `mapstructure:"HTTP_TIMEOUT"`
	HTTPMaxRetries int           `mapstructure:"HTTP_MAX_RETRIES"`
	RetryInitial   time.Duration `mapstructure:"HTTP_RETRY_INITIAL"`
	RateLimitRPS   float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int           `mapstructure:"RATE_LIMIT_BURST"`

	AuthMode           string `mapstructure:"AUTH_MODE"`
	AuthToken          string `mapstructure:"AUTH_TOKEN"`
	AuthClientID       string `mapstructure:"AUTH_CLIENT_ID"`
	AuthTokenURL       string `mapstructure:"AUTH_TOKEN_URL"`
	AuthPrivateKeyFile string `mapstructure:"AUTH_PRIVATE_KEY_FILE"`
	AuthKeyID          string `mapstructure:"AUTH_KEY_ID"`
	AuthScope          string `mapstructure:"AUTH_SCOPE"`

	DatabaseURL   string `mapstructure:"DATABASE_URL"`
	DBMaxConns    int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns    int32  `mapstructure:"DB_MIN_CONNS"`
	ExportSchema  string `mapstructure:"EXPORT_SCHEMA"`
	ExportReplace bool   `mapstructure:"EXPORT_REPLACE"`

	APIKey            string        `mapstructure:"API_KEY"`
	APIRateLimitRPS   float64       `mapstructure:"API_RATE_LIMIT_RPS"`
	APIRateLimitBurst int           `mapstructure:"API_RATE_LIMIT_BURST"`
	RequestTimeout    time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	BodyLimit         string        `mapstructure:"BODY_LIMIT"`
	CORSOrigins       []string      `mapstructure:"CORS_ORIGINS"`
	TLSEnabled        bool          `mapstructure:"TLS_ENABLED"`
	TLSCertFile       string        `mapstructure:"TLS_CERT_FILE"`
	TLSKeyFile        string        `mapstructure:"TLS_KEY_FILE"`
}

var keys = []string{
	"ENV", "LOG_LEVEL", "PORT",
	"FHIR_BASE_URL", "FHIR_PAGE_SIZE", "FHIRPATH_ENGINE", "ROW_POLICY",
	"HTTP_TIMEOUT", "HTTP_MAX_RETRIES", "HTTP_RETRY_INITIAL", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
	"AUTH_MODE", "AUTH_TOKEN", "AUTH_CLIENT_ID", "AUTH_TOKEN_URL", "AUTH_PRIVATE_KEY_FILE", "AUTH_KEY_ID", "AUTH_SCOPE",
	"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "EXPORT_SCHEMA", "EXPORT_REPLACE",
	"API_KEY", "API_RATE_LIMIT_RPS", "API_RATE_LIMIT_BURST", "REQUEST_TIMEOUT", "BODY_LIMIT",
	"CORS_ORIGINS", "TLS_ENABLED", "TLS_CERT_FILE", "TLS_KEY_FILE",
}

// Load reads the environment and an optional .env file. It does not
// validate; callers apply flag overrides first and then call Validate.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("ENV", "production")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("PORT", "8000")
	v.SetDefault("FHIR_PAGE_SIZE", 50)
	v.SetDefault("FHIRPATH_ENGINE", "native")
	v.SetDefault("ROW_POLICY", "first")
	v.SetDefault("HTTP_TIMEOUT", "30s")
	v.SetDefault("HTTP_MAX_RETRIES", 3)
	v.SetDefault("HTTP_RETRY_INITIAL", "500ms")
	v.SetDefault("RATE_LIMIT_RPS", 0)
	v.SetDefault("RATE_LIMIT_BURST", 0)
	v.SetDefault("AUTH_MODE", "none")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 0)
	v.SetDefault("API_RATE_LIMIT_RPS", 10)
	v.SetDefault("API_RATE_LIMIT_BURST", 20)
	v.SetDefault("REQUEST_TIMEOUT", "2m")
	v.SetDefault("BODY_LIMIT", "1M")

	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// The .env file is optional.
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if len(cfg.CORSOrigins) == 0 {
		if origins := v.GetString("CORS_ORIGINS"); origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}
	cfg.FHIRBaseURL = strings.TrimRight(strings.TrimSpace(cfg.FHIRBaseURL), "/")
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Validate checks the settings needed to reach the FHIR server. Settings
// for the optional API server and export sink are checked only when set.
func (c *Config) Validate() error {
	if c.FHIRBaseURL == "" {
		return fmt.Errorf("FHIR_BASE_URL is required")
	}
	u, err := url.Parse(c.FHIRBaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("FHIR_BASE_URL must be an absolute http(s) URL, got %q", c.FHIRBaseURL)
	}
	if c.FHIRPageSize <= 0 {
		return fmt.Errorf("FHIR_PAGE_SIZE must be positive, got %d", c.FHIRPageSize)
	}
	if c.HTTPMaxRetries < 0 {
		return fmt.Errorf("HTTP_MAX_RETRIES must not be negative, got %d", c.HTTPMaxRetries)
	}
	if c.RateLimitRPS < 0 {
		return fmt.Errorf("RATE_LIMIT_RPS must not be negative, got %v", c.RateLimitRPS)
	}

	switch strings.ToLower(c.AuthMode) {
	case "", "none":
	case "token":
		if c.AuthToken == "" {
			return fmt.Errorf("AUTH_TOKEN is required when AUTH_MODE is \"token\"")
		}
	case "backend":
		for name, val := range map[string]string{
			"AUTH_CLIENT_ID":        c.AuthClientID,
			"AUTH_TOKEN_URL":        c.AuthTokenURL,
			"AUTH_PRIVATE_KEY_FILE": c.AuthPrivateKeyFile,
		} {
			if val == "" {
				return fmt.Errorf("%s is required when AUTH_MODE is \"backend\"", name)
			}
		}
	default:
		return fmt.Errorf("AUTH_MODE must be \"none\", \"token\", or \"backend\", got %q", c.AuthMode)
	}

	if c.DBMinConns < 0 || (c.DBMaxConns > 0 && c.DBMinConns > c.DBMaxConns) {
		return fmt.Errorf("DB_MIN_CONNS must be between 0 and DB_MAX_CONNS, got %d", c.DBMinConns)
	}

	if c.TLSEnabled {
		if c.TLSCertFile == "" {
			return fmt.Errorf("TLS_CERT_FILE is required when TLS_ENABLED is true")
		}
		if c.TLSKeyFile == "" {
			return fmt.Errorf("TLS_KEY_FILE is required when TLS_ENABLED is true")
		}
	}
	return nil
}
