package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Store drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

type Config struct {
	Port           string        `mapstructure:"PORT"`
	Env            string        `mapstructure:"ENV"`
	StoreDriver    string        `mapstructure:"STORE_DRIVER"`
	DatabaseURL    string        `mapstructure:"DATABASE_URL"`
	SQLitePath     string        `mapstructure:"SQLITE_PATH"`
	DBMaxConns     int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32         `mapstructure:"DB_MIN_CONNS"`
	MigrationsDir  string        `mapstructure:"MIGRATIONS_DIR"`
	AutoMigrate    bool          `mapstructure:"AUTO_MIGRATE"`
	CORSOrigins    []string      `mapstructure:"CORS_ORIGINS"`
	BodyLimit      string        `mapstructure:"BODY_LIMIT"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	ODataMaxTop    int           `mapstructure:"ODATA_MAX_TOP"`
	ODataPageSize  int           `mapstructure:"ODATA_PAGE_SIZE"`
	AuthJWTSecret  string        `mapstructure:"AUTH_JWT_SECRET"`
	AuthJWKSURL    string        `mapstructure:"AUTH_JWKS_URL"`
	AuthIssuer     string        `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string        `mapstructure:"AUTH_AUDIENCE"`
	AuthWriteScope string        `mapstructure:"AUTH_WRITE_SCOPE"`
	RateLimitRPS   float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int           `mapstructure:"RATE_LIMIT_BURST"`
	MetricsEnabled bool          `mapstructure:"METRICS_ENABLED"`

	WebhookURLs       []string `mapstructure:"WEBHOOK_URLS"`
	WebhookSecret     string   `mapstructure:"WEBHOOK_SECRET"`
	WebhookMaxRetries int      `mapstructure:"WEBHOOK_MAX_RETRIES"`
	WebhookQueueSize  int      `mapstructure:"WEBHOOK_QUEUE_SIZE"`
}

var keys = []string{
	"PORT", "ENV", "STORE_DRIVER", "DATABASE_URL", "SQLITE_PATH",
	"DB_MAX_CONNS", "DB_MIN_CONNS", "MIGRATIONS_DIR", "AUTO_MIGRATE",
	"CORS_ORIGINS", "BODY_LIMIT", "REQUEST_TIMEOUT", "ODATA_MAX_TOP",
	"ODATA_PAGE_SIZE", "AUTH_JWT_SECRET", "AUTH_JWKS_URL", "AUTH_ISSUER",
	"AUTH_AUDIENCE", "AUTH_WRITE_SCOPE", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
	"METRICS_ENABLED", "WEBHOOK_URLS", "WEBHOOK_SECRET", "WEBHOOK_MAX_RETRIES",
	"WEBHOOK_QUEUE_SIZE",
}

// Load reads configuration from the environment and an optional .env file,
// then validates it.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("STORE_DRIVER", DriverPostgres)
	v.SetDefault("SQLITE_PATH", "iotrest.db")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("MIGRATIONS_DIR", "./migrations")
	v.SetDefault("CORS_ORIGINS", "*")
	v.SetDefault("BODY_LIMIT", "1M")
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("ODATA_MAX_TOP", 1000)
	v.SetDefault("ODATA_PAGE_SIZE", 100)
	v.SetDefault("RATE_LIMIT_RPS", 0)
	v.SetDefault("RATE_LIMIT_BURST", 0)
	v.SetDefault("METRICS_ENABLED", true)
	v.SetDefault("WEBHOOK_MAX_RETRIES", 3)
	v.SetDefault("WEBHOOK_QUEUE_SIZE", 256)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	// AUTO_MIGRATE follows ENV unless set
	if !v.IsSet("AUTO_MIGRATE") {
		v.Set("AUTO_MIGRATE", v.GetString("ENV") == "development")
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CORSOrigins = splitList(v.GetString("CORS_ORIGINS"))
	cfg.WebhookURLs = splitList(v.GetString("WEBHOOK_URLS"))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// AuthEnabled reports whether write routes require a bearer token.
func (c *Config) AuthEnabled() bool {
	return c.AuthJWTSecret != "" || c.AuthJWKSURL != ""
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_DRIVER is %q", DriverPostgres)
		}
		if c.DBMaxConns < 1 {
			return fmt.Errorf("DB_MAX_CONNS must be positive, got %d", c.DBMaxConns)
		}
		if c.DBMinConns < 0 || c.DBMinConns > c.DBMaxConns {
			return fmt.Errorf("DB_MIN_CONNS must be between 0 and DB_MAX_CONNS, got %d", c.DBMinConns)
		}
	case DriverSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required when STORE_DRIVER is %q", DriverSQLite)
		}
	default:
		return fmt.Errorf("STORE_DRIVER must be %q or %q, got %q", DriverPostgres, DriverSQLite, c.StoreDriver)
	}

	if c.ODataMaxTop < 1 {
		return fmt.Errorf("ODATA_MAX_TOP must be positive, got %d", c.ODataMaxTop)
	}
	if c.ODataPageSize < 1 || c.ODataPageSize > c.ODataMaxTop {
		return fmt.Errorf("ODATA_PAGE_SIZE must be between 1 and ODATA_MAX_TOP, got %d", c.ODataPageSize)
	}
	if c.RequestTimeout < 0 {
		return fmt.Errorf("REQUEST_TIMEOUT must not be negative")
	}
	if c.RateLimitRPS < 0 {
		return fmt.Errorf("RATE_LIMIT_RPS must not be negative")
	}
	if c.WebhookMaxRetries < 0 {
		return fmt.Errorf("WEBHOOK_MAX_RETRIES must not be negative")
	}
	if len(c.WebhookURLs) > 0 && c.WebhookQueueSize < 1 {
		return fmt.Errorf("WEBHOOK_QUEUE_SIZE must be positive, got %d", c.WebhookQueueSize)
	}
	if c.AuthJWTSecret != "" && c.AuthJWKSURL != "" {
		return fmt.Errorf("set only one of AUTH_JWT_SECRET and AUTH_JWKS_URL")
	}
	if !c.IsDev() && c.AuthJWTSecret != "" && len(c.AuthJWTSecret) < 32 {
		return fmt.Errorf("AUTH_JWT_SECRET must be at least 32 bytes outside development")
	}
	return nil
}
