package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                = "COLLABD"
	defaultHTTPAddress       = "0.0.0.0:8080"
	defaultJournalPath       = "collabd.db"
	defaultLogLevel          = "info"
	defaultHeartbeatTimeout  = 45 * time.Second
	defaultIdleTimeout       = 30 * time.Second
	defaultInactivityTimeout = 2 * time.Hour
)

// AppConfig captures runtime configuration for the collaboration server.
type AppConfig struct {
	HTTPAddress       string
	AuthSigningSecret string
	LogLevel          string
	HeartbeatTimeout  time.Duration
	IdleTimeout       time.Duration
	InactivityTimeout time.Duration
	JournalPath       string
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
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("room.heartbeat_timeout", defaultHeartbeatTimeout)
	configViper.SetDefault("room.idle_timeout", defaultIdleTimeout)
	configViper.SetDefault("room.inactivity_timeout", defaultInactivityTimeout)
	configViper.SetDefault("journal.path", defaultJournalPath)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:       configViper.GetString("http.address"),
		AuthSigningSecret: configViper.GetString("auth.signing_secret"),
		LogLevel:          configViper.GetString("log.level"),
		HeartbeatTimeout:  configViper.GetDuration("room.heartbeat_timeout"),
		IdleTimeout:       configViper.GetDuration("room.idle_timeout"),
		InactivityTimeout: configViper.GetDuration("room.inactivity_timeout"),
		JournalPath:       configViper.GetString("journal.path"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.AuthSigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.JournalPath) == "" {
		return fmt.Errorf("journal.path is required")
	}
	if c.HeartbeatTimeout <= 0 {
		return fmt.Errorf("room.heartbeat_timeout must be positive")
	}
	if c.IdleTimeout <= 0 {
		return fmt.Errorf("room.idle_timeout must be positive")
	}
	if c.InactivityTimeout <= 0 {
		return fmt.Errorf("room.inactivity_timeout must be positive")
	}
	return nil
}
