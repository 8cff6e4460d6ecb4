package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix            = "EASEL"
	defaultHTTPAddress   = "0.0.0.0:8080"
	defaultDatabasePath  = "easel.db"
	defaultLogLevel      = "info"
	defaultAuthIssuer    = "easel-auth"
	defaultExpirySecs    = 15
	defaultDispatchSecs  = 10
	defaultDispatchBatch = 50
	defaultSnapshotEvery = 5
)

// AppConfig captures runtime configuration for the collaboration server.
type AppConfig struct {
	HTTPAddress      string
	DatabasePath     string
	LogLevel         string
	AuthSigningKey   string
	AuthIssuer       string
	ExpiryInterval   time.Duration
	DispatchInterval time.Duration
	DispatchBatch    int
	SnapshotInterval int64
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper
// instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.issuer", defaultAuthIssuer)
	configViper.SetDefault("expiry.interval_seconds", defaultExpirySecs)
	configViper.SetDefault("dispatch.interval_seconds", defaultDispatchSecs)
	configViper.SetDefault("dispatch.batch_size", defaultDispatchBatch)
	configViper.SetDefault("snapshot.turn_interval", defaultSnapshotEvery)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:      configViper.GetString("http.address"),
		DatabasePath:     configViper.GetString("database.path"),
		LogLevel:         configViper.GetString("log.level"),
		AuthSigningKey:   configViper.GetString("auth.signing_secret"),
		AuthIssuer:       configViper.GetString("auth.issuer"),
		ExpiryInterval:   time.Duration(configViper.GetInt("expiry.interval_seconds")) * time.Second,
		DispatchInterval: time.Duration(configViper.GetInt("dispatch.interval_seconds")) * time.Second,
		DispatchBatch:    configViper.GetInt("dispatch.batch_size"),
		SnapshotInterval: configViper.GetInt64("snapshot.turn_interval"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.AuthSigningKey) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.ExpiryInterval <= 0 {
		return fmt.Errorf("expiry.interval_seconds must be positive")
	}
	if c.DispatchInterval <= 0 {
		return fmt.Errorf("dispatch.interval_seconds must be positive")
	}
	if c.DispatchBatch <= 0 {
		return fmt.Errorf("dispatch.batch_size must be positive")
	}
	return nil
}
