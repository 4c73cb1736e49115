package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix              = "INKWELL"
	defaultHTTPAddress     = "0.0.0.0:8080"
	defaultDatabaseDriver  = DatabaseDriverSQLite
	defaultDatabasePath    = "inkwell.db"
	defaultLogLevel        = "info"
	defaultTokenIssuer     = "inkwell-auth"
	defaultTokenTTLMinutes = 7 * 24 * 60
	defaultEventRate       = 50.0
	defaultEventBurst      = 100
	defaultSendBuffer      = 256
)

// Supported database drivers.
const (
	DatabaseDriverSQLite   = "sqlite"
	DatabaseDriverPostgres = "postgres"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress    string
	DatabaseDriver string
	DatabasePath   string
	DatabaseDSN    string
	SigningSecret  string
	TokenIssuer    string
	TokenTTL       time.Duration
	LogLevel       string
	RedisURL       string
	AllowedOrigins []string
	EventRate      float64
	EventBurst     int
	SendBuffer     int
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
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("database.dsn", "")
	configViper.SetDefault("auth.issuer", defaultTokenIssuer)
	configViper.SetDefault("token.ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("redis.url", "")
	configViper.SetDefault("realtime.allowed_origins", []string{"*"})
	configViper.SetDefault("realtime.event_rate", defaultEventRate)
	configViper.SetDefault("realtime.event_burst", defaultEventBurst)
	configViper.SetDefault("realtime.send_buffer", defaultSendBuffer)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:    configViper.GetString("http.address"),
		DatabaseDriver: strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabasePath:   configViper.GetString("database.path"),
		DatabaseDSN:    configViper.GetString("database.dsn"),
		SigningSecret:  configViper.GetString("auth.signing_secret"),
		TokenIssuer:    configViper.GetString("auth.issuer"),
		TokenTTL:       time.Duration(configViper.GetInt("token.ttl_minutes")) * time.Minute,
		LogLevel:       configViper.GetString("log.level"),
		RedisURL:       strings.TrimSpace(configViper.GetString("redis.url")),
		AllowedOrigins: splitOrigins(configViper.GetStringSlice("realtime.allowed_origins")),
		EventRate:      configViper.GetFloat64("realtime.event_rate"),
		EventBurst:     configViper.GetInt("realtime.event_burst"),
		SendBuffer:     configViper.GetInt("realtime.send_buffer"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.TokenIssuer) == "" {
		return fmt.Errorf("auth.issuer is required")
	}
	switch c.DatabaseDriver {
	case DatabaseDriverSQLite:
		if strings.TrimSpace(c.DatabasePath) == "" {
			return fmt.Errorf("database.path is required")
		}
	case DatabaseDriverPostgres:
		if strings.TrimSpace(c.DatabaseDSN) == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("database.driver %q is not supported", c.DatabaseDriver)
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("token.ttl_minutes must be positive")
	}
	if c.EventRate <= 0 || c.EventBurst <= 0 {
		return fmt.Errorf("realtime.event_rate and realtime.event_burst must be positive")
	}
	if c.SendBuffer <= 0 {
		return fmt.Errorf("realtime.send_buffer must be positive")
	}
	return nil
}

// splitOrigins accepts both list values and a single comma separated env value.
func splitOrigins(values []string) []string {
	origins := make([]string, 0, len(values))
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			trimmed := strings.TrimSpace(part)
			if trimmed != "" {
				origins = append(origins, trimmed)
			}
		}
	}
	return origins
}
