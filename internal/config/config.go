package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Capture   CaptureConfig   `yaml:"capture" mapstructure:"capture"`
	Correlate CorrelateConfig `yaml:"correlate" mapstructure:"correlate"`
	Suggest   SuggestConfig   `yaml:"suggest" mapstructure:"suggest"`
	Cleanup   CleanupConfig   `yaml:"cleanup" mapstructure:"cleanup"`
	RateLimit RateLimitConfig `yaml:"rate_limit" mapstructure:"rate_limit"`
	GeoIP     GeoIPConfig     `yaml:"geoip" mapstructure:"geoip"`
	Phone     PhoneConfig     `yaml:"phone" mapstructure:"phone"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// CaptureConfig configures the click-capture service.
type CaptureConfig struct {
	SessionTTLHours int `yaml:"session_ttl_hours" mapstructure:"session_ttl_hours"`
}

// CorrelateConfig configures the correlation engine.
type CorrelateConfig struct {
	ProfilePath      string `yaml:"profile_path" mapstructure:"profile_path"`
	TokenWindowHours int    `yaml:"token_window_hours" mapstructure:"token_window_hours"`
}

// SuggestConfig configures the retrospective suggestion engine.
type SuggestConfig struct {
	WindowHours int `yaml:"window_hours" mapstructure:"window_hours"`
	Concurrency int `yaml:"concurrency" mapstructure:"concurrency"`
}

// CleanupConfig configures the session expiry sweep.
type CleanupConfig struct {
	IntervalMinutes int `yaml:"interval_minutes" mapstructure:"interval_minutes"`
	RetentionDays   int `yaml:"retention_days" mapstructure:"retention_days"`
}

// RateLimitConfig configures the inbound-event rate limiter.
type RateLimitConfig struct {
	Requests      int `yaml:"requests" mapstructure:"requests"`
	WindowSeconds int `yaml:"window_seconds" mapstructure:"window_seconds"`
}

// GeoIPConfig configures best-effort IP geolocation enrichment.
type GeoIPConfig struct {
	BaseURL    string  `yaml:"base_url" mapstructure:"base_url"`
	TimeoutMS  int     `yaml:"timeout_ms" mapstructure:"timeout_ms"`
	RatePerSec float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
}

// PhoneConfig configures phone identity normalization.
type PhoneConfig struct {
	DefaultCountryCode string `yaml:"default_country_code" mapstructure:"default_country_code"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("ATTR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("capture.session_ttl_hours", 36)
	v.SetDefault("correlate.token_window_hours", 24)
	v.SetDefault("suggest.window_hours", 48)
	v.SetDefault("suggest.concurrency", 4)
	v.SetDefault("cleanup.interval_minutes", 30)
	v.SetDefault("cleanup.retention_days", 7)
	v.SetDefault("rate_limit.requests", 120)
	v.SetDefault("rate_limit.window_seconds", 60)
	v.SetDefault("geoip.base_url", "")
	v.SetDefault("geoip.timeout_ms", 800)
	v.SetDefault("geoip.rate_per_sec", 10)
	v.SetDefault("phone.default_country_code", "55")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
