package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                  = "LODESTAR"
	defaultHTTPAddress         = "127.0.0.1:7315"
	defaultDatabasePath        = "lodestar.db"
	defaultLogLevel            = "info"
	defaultSyncIntervalSeconds = 10
	defaultOpDelayMillis       = 50
	defaultGraceSeconds        = 120
	defaultMaxRetries          = 5
	defaultUIOrigin            = "http://localhost:5173"
)

// AppConfig captures runtime configuration for the sync agent.
type AppConfig struct {
	HTTPAddress     string
	APIBaseURL      string
	DatabasePath    string
	LogLevel        string
	CredentialsPath string
	UIOrigin        string
	SyncInterval    time.Duration
	OpDelay         time.Duration
	DependencyGrace time.Duration
	MaxRetries      int
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
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("sync.interval_seconds", defaultSyncIntervalSeconds)
	configViper.SetDefault("sync.op_delay_ms", defaultOpDelayMillis)
	configViper.SetDefault("sync.dependency_grace_seconds", defaultGraceSeconds)
	configViper.SetDefault("sync.max_retries", defaultMaxRetries)
	configViper.SetDefault("ui.origin", defaultUIOrigin)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:     configViper.GetString("http.address"),
		APIBaseURL:      configViper.GetString("api.base_url"),
		DatabasePath:    configViper.GetString("database.path"),
		LogLevel:        configViper.GetString("log.level"),
		CredentialsPath: configViper.GetString("credentials.path"),
		UIOrigin:        configViper.GetString("ui.origin"),
		SyncInterval:    time.Duration(configViper.GetInt("sync.interval_seconds")) * time.Second,
		OpDelay:         time.Duration(configViper.GetInt("sync.op_delay_ms")) * time.Millisecond,
		DependencyGrace: time.Duration(configViper.GetInt("sync.dependency_grace_seconds")) * time.Second,
		MaxRetries:      configViper.GetInt("sync.max_retries"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.APIBaseURL) == "" {
		return fmt.Errorf("api.base_url is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.CredentialsPath) == "" {
		return fmt.Errorf("credentials.path is required")
	}
	if c.SyncInterval <= 0 {
		return fmt.Errorf("sync.interval_seconds must be positive")
	}
	if c.MaxRetries <= 0 {
		return fmt.Errorf("sync.max_retries must be positive")
	}
	return nil
}
