package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	agentEnvPrefix          = "POSSYNC_AGENT"
	defaultServerBaseURL    = "http://localhost:8080"
	defaultDevicePath       = "possync-device.db"
	defaultSyncInterval     = 30 * time.Second
	defaultSyncTimeout      = 20 * time.Second
	defaultFailureThreshold = 5
)

// AgentConfig captures runtime configuration for a device agent.
type AgentConfig struct {
	DeviceID         string
	ServerBaseURL    string
	ServerToken      string
	DatabasePath     string
	SyncInterval     time.Duration
	SyncTimeout      time.Duration
	FailureThreshold int
	RealtimeEnabled  bool
	LogLevel         string
	LogFile          string
}

// NewAgentViper returns a viper instance with agent defaults and env bindings.
func NewAgentViper() *viper.Viper {
	configViper := viper.New()
	ApplyAgentDefaults(configViper)
	return configViper
}

// ApplyAgentDefaults configures agent defaults and env bindings.
func ApplyAgentDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(agentEnvPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("device.id", "")
	configViper.SetDefault("server.base_url", defaultServerBaseURL)
	configViper.SetDefault("server.token", "")
	configViper.SetDefault("database.path", defaultDevicePath)
	configViper.SetDefault("sync.interval", defaultSyncInterval)
	configViper.SetDefault("sync.timeout", defaultSyncTimeout)
	configViper.SetDefault("sync.failure_threshold", defaultFailureThreshold)
	configViper.SetDefault("realtime.enabled", true)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.file", "")
}

// LoadAgent parses agent configuration from viper.
func LoadAgent(configViper *viper.Viper) (AgentConfig, error) {
	cfg := AgentConfig{
		DeviceID:         strings.TrimSpace(configViper.GetString("device.id")),
		ServerBaseURL:    strings.TrimSpace(configViper.GetString("server.base_url")),
		ServerToken:      strings.TrimSpace(configViper.GetString("server.token")),
		DatabasePath:     strings.TrimSpace(configViper.GetString("database.path")),
		SyncInterval:     configViper.GetDuration("sync.interval"),
		SyncTimeout:      configViper.GetDuration("sync.timeout"),
		FailureThreshold: configViper.GetInt("sync.failure_threshold"),
		RealtimeEnabled:  configViper.GetBool("realtime.enabled"),
		LogLevel:         configViper.GetString("log.level"),
		LogFile:          strings.TrimSpace(configViper.GetString("log.file")),
	}

	if err := cfg.validate(); err != nil {
		return AgentConfig{}, err
	}
	return cfg, nil
}

func (c AgentConfig) validate() error {
	if c.DeviceID == "" {
		return fmt.Errorf("device.id is required")
	}
	parsed, err := url.Parse(c.ServerBaseURL)
	if err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return fmt.Errorf("server.base_url must be an absolute http(s) url, got %q", c.ServerBaseURL)
	}
	if c.DatabasePath == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.SyncInterval <= 0 {
		return fmt.Errorf("sync.interval must be positive")
	}
	if c.SyncTimeout <= 0 {
		return fmt.Errorf("sync.timeout must be positive")
	}
	if c.FailureThreshold <= 0 {
		return fmt.Errorf("sync.failure_threshold must be positive")
	}
	return nil
}
