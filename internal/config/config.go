package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/harmony/dental/internal/platform/scheduling"
)

type Config struct {
	Port           string   `mapstructure:"PORT"`
	Env            string   `mapstructure:"ENV"`
	DatabaseURL    string   `mapstructure:"DATABASE_URL"`
	DBMaxConns     int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32    `mapstructure:"DB_MIN_CONNS"`
	RedisURL       string   `mapstructure:"REDIS_URL"`
	AMQPURL        string   `mapstructure:"AMQP_URL"`
	OTLPEndpoint   string   `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	ServiceName    string   `mapstructure:"OTEL_SERVICE_NAME"`
	AuthIssuer     string   `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string   `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey string   `mapstructure:"AUTH_SIGNING_KEY"`
	DefaultTenant  string   `mapstructure:"DEFAULT_TENANT"`
	CORSOrigins    []string `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS   float64  `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int      `mapstructure:"RATE_LIMIT_BURST"`

	// Practice defaults used when a provider has no working hours on file.
	WorkdayStart           string  `mapstructure:"WORKDAY_START"`
	WorkdayEnd             string  `mapstructure:"WORKDAY_END"`
	SlotGranularityMinutes int     `mapstructure:"SLOT_GRANULARITY_MINUTES"`
	DefaultDurationMinutes int     `mapstructure:"DEFAULT_DURATION_MINUTES"`
	AvailabilityMode       string  `mapstructure:"AVAILABILITY_MODE"`
	PracticeTimezone       string  `mapstructure:"PRACTICE_TIMEZONE"`
	RiskDefault            float64 `mapstructure:"RISK_DEFAULT"`

	RiskRecomputeSchedule string        `mapstructure:"RISK_RECOMPUTE_SCHEDULE"`
	WaitlistScanSchedule  string        `mapstructure:"WAITLIST_SCAN_SCHEDULE"`
	SlotHoldTTL           time.Duration `mapstructure:"SLOT_HOLD_TTL"`
	AvailabilityCacheTTL  time.Duration `mapstructure:"AVAILABILITY_CACHE_TTL"`
}

var keys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"REDIS_URL", "AMQP_URL", "OTEL_EXPORTER_OTLP_ENDPOINT", "OTEL_SERVICE_NAME",
	"AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_SIGNING_KEY", "DEFAULT_TENANT",
	"CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
	"WORKDAY_START", "WORKDAY_END", "SLOT_GRANULARITY_MINUTES", "DEFAULT_DURATION_MINUTES",
	"AVAILABILITY_MODE", "PRACTICE_TIMEZONE", "RISK_DEFAULT",
	"RISK_RECOMPUTE_SCHEDULE", "WAITLIST_SCAN_SCHEDULE", "SLOT_HOLD_TTL", "AVAILABILITY_CACHE_TTL",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("DEFAULT_TENANT", "default")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("WORKDAY_START", "08:00")
	v.SetDefault("WORKDAY_END", "17:00")
	v.SetDefault("SLOT_GRANULARITY_MINUTES", scheduling.DefaultGranularityMinutes)
	v.SetDefault("DEFAULT_DURATION_MINUTES", scheduling.DefaultDurationMinutes)
	v.SetDefault("AVAILABILITY_MODE", string(scheduling.ModeStepped))
	v.SetDefault("PRACTICE_TIMEZONE", "UTC")
	v.SetDefault("RISK_DEFAULT", float64(scheduling.DefaultRisk))
	v.SetDefault("RISK_RECOMPUTE_SCHEDULE", "0 2 * * *")
	v.SetDefault("WAITLIST_SCAN_SCHEDULE", "*/15 7-18 * * 1-5")
	v.SetDefault("SLOT_HOLD_TTL", "30s")
	v.SetDefault("AVAILABILITY_CACHE_TTL", "2m")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() {
		log.Println("WARNING: running in DEVELOPMENT mode (ENV=development), every request is treated as admin.")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Location resolves PracticeTimezone.
func (c *Config) Location() (*time.Location, error) {
	if c.PracticeTimezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.PracticeTimezone)
	if err != nil {
		return nil, fmt.Errorf("PRACTICE_TIMEZONE %q: %w", c.PracticeTimezone, err)
	}
	return loc, nil
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	if !c.IsDev() && c.AuthIssuer == "" && c.AuthSigningKey == "" {
		return fmt.Errorf("AUTH_ISSUER or AUTH_SIGNING_KEY must be set outside development (current ENV=%q)", c.Env)
	}
	if _, err := scheduling.DayWindow(time.Now(), c.WorkdayStart, c.WorkdayEnd, time.UTC); err != nil {
		return fmt.Errorf("WORKDAY_START/WORKDAY_END: %w", err)
	}
	if c.SlotGranularityMinutes <= 0 {
		return fmt.Errorf("SLOT_GRANULARITY_MINUTES must be positive, got %d", c.SlotGranularityMinutes)
	}
	if c.DefaultDurationMinutes <= 0 {
		return fmt.Errorf("DEFAULT_DURATION_MINUTES must be positive, got %d", c.DefaultDurationMinutes)
	}
	switch scheduling.SearchMode(c.AvailabilityMode) {
	case scheduling.ModeStepped, scheduling.ModeExactGap:
	default:
		return fmt.Errorf("AVAILABILITY_MODE must be %q or %q, got %q",
			scheduling.ModeStepped, scheduling.ModeExactGap, c.AvailabilityMode)
	}
	if c.RiskDefault < 0 || c.RiskDefault > 1 {
		return fmt.Errorf("RISK_DEFAULT must be within [0, 1], got %v", c.RiskDefault)
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	return nil
}

// RiskPolicy returns the engine policy with the configured default.
func (c *Config) RiskPolicy() scheduling.RiskPolicy {
	p := scheduling.DefaultRiskPolicy()
	p.Default = scheduling.RiskScore(c.RiskDefault)
	return p
}
