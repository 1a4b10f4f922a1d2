package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DefaultNotificationEndpoints are tried in order when creating a server-side
// notification record.
var DefaultNotificationEndpoints = []string{
	"/api/notifications",
	"/api/notifications/create",
	"/api/notification",
}

type Config struct {
	Port                  string        `mapstructure:"PORT"`
	Env                   string        `mapstructure:"ENV"`
	BackendURL            string        `mapstructure:"BACKEND_URL"`
	AuthToken             string        `mapstructure:"AUTH_TOKEN"`
	AuthTokenFile         string        `mapstructure:"AUTH_TOKEN_FILE"`
	OTPTTL                time.Duration `mapstructure:"OTP_TTL"`
	HTTPTimeout           time.Duration `mapstructure:"HTTP_TIMEOUT"`
	DownloadDir           string        `mapstructure:"DOWNLOAD_DIR"`
	FallbackLogPath       string        `mapstructure:"FALLBACK_LOG_PATH"`
	FallbackDatabaseURL   string        `mapstructure:"FALLBACK_DATABASE_URL"`
	DBMaxConns            int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns            int32         `mapstructure:"DB_MIN_CONNS"`
	CORSOrigins           []string      `mapstructure:"CORS_ORIGINS"`
	NotificationEndpoints []string      `mapstructure:"NOTIFICATION_ENDPOINTS"`
}

var boundKeys = []string{
	"PORT",
	"ENV",
	"BACKEND_URL",
	"AUTH_TOKEN",
	"AUTH_TOKEN_FILE",
	"OTP_TTL",
	"HTTP_TIMEOUT",
	"DOWNLOAD_DIR",
	"FALLBACK_LOG_PATH",
	"FALLBACK_DATABASE_URL",
	"DB_MAX_CONNS",
	"DB_MIN_CONNS",
	"CORS_ORIGINS",
	"NOTIFICATION_ENDPOINTS",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8090")
	v.SetDefault("ENV", "development")
	v.SetDefault("BACKEND_URL", "http://localhost:8085")
	v.SetDefault("OTP_TTL", "10m")
	v.SetDefault("HTTP_TIMEOUT", "30s")
	v.SetDefault("DOWNLOAD_DIR", "./downloads")
	v.SetDefault("FALLBACK_LOG_PATH", "./fallback-notifications.json")
	v.SetDefault("DB_MAX_CONNS", 4)
	v.SetDefault("DB_MIN_CONNS", 1)
	v.SetDefault("CORS_ORIGINS", "http://localhost:5173")
	v.SetDefault("NOTIFICATION_ENDPOINTS", strings.Join(DefaultNotificationEndpoints, ","))

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range boundKeys {
		_ = v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CORSOrigins = splitList(cfg.CORSOrigins, v.GetString("CORS_ORIGINS"))
	cfg.NotificationEndpoints = splitList(cfg.NotificationEndpoints, v.GetString("NOTIFICATION_ENDPOINTS"))
	cfg.BackendURL = strings.TrimRight(cfg.BackendURL, "/")

	return cfg, nil
}

// splitList normalises a list setting that may arrive either already split or
// as a single comma separated string.
func splitList(current []string, raw string) []string {
	if len(current) > 0 {
		raw = strings.Join(current, ",")
	}
	if raw == "" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the client is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is usable. The backend URL must be an
// absolute http(s) URL and every duration must be positive.
func (c *Config) Validate() error {
	u, err := url.Parse(c.BackendURL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("BACKEND_URL must be an absolute http(s) URL, got %q", c.BackendURL)
	}
	if c.OTPTTL <= 0 {
		return fmt.Errorf("OTP_TTL must be positive, got %s", c.OTPTTL)
	}
	if c.HTTPTimeout <= 0 {
		return fmt.Errorf("HTTP_TIMEOUT must be positive, got %s", c.HTTPTimeout)
	}
	if c.DownloadDir == "" {
		return fmt.Errorf("DOWNLOAD_DIR is required")
	}
	if c.FallbackDatabaseURL == "" && c.FallbackLogPath == "" {
		return fmt.Errorf("one of FALLBACK_LOG_PATH or FALLBACK_DATABASE_URL is required")
	}
	if c.IsProduction() && strings.HasPrefix(c.BackendURL, "http://") {
		return fmt.Errorf("BACKEND_URL must use https in production")
	}
	return nil
}
