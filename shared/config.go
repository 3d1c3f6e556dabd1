package shared

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const Version = "0.3.0"

const envPrefix = "VOICE"

type LogConfig struct {
	File       string `mapstructure:"file" yaml:"file"`
	Level      string `mapstructure:"level" yaml:"level"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

type Config struct {
	// Trusted backend that mints ephemeral credentials.
	CredentialURL string   `mapstructure:"credential_url" yaml:"credential_url"`
	RealtimeURL   string   `mapstructure:"realtime_url" yaml:"realtime_url"`
	Model         string   `mapstructure:"model" yaml:"model"`
	Voice         string   `mapstructure:"voice" yaml:"voice"`
	Instructions  string   `mapstructure:"instructions" yaml:"instructions"`
	Modalities    []string `mapstructure:"modalities" yaml:"modalities"`
	ChannelLabel  string   `mapstructure:"channel_label" yaml:"channel_label"`
	ICEServers    []string `mapstructure:"ice_servers" yaml:"ice_servers"`

	// "sdp" posts the bare offer, "calls" posts offer and session as multipart.
	SignalingMode      string        `mapstructure:"signaling_mode" yaml:"signaling_mode"`
	NegotiationTimeout time.Duration `mapstructure:"negotiation_timeout" yaml:"negotiation_timeout"`
	ConnectTimeout     time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`
	RequestTimeout     time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
	MetricsAddr        string        `mapstructure:"metrics_addr" yaml:"metrics_addr"`
	Log                LogConfig     `mapstructure:"log" yaml:"log"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("realtime_url", "https://api.openai.com/v1")
	v.SetDefault("model", "gpt-4o-realtime-preview-2024-12-17")
	v.SetDefault("voice", "ash")
	v.SetDefault("instructions", "You are a friendly voice assistant. Keep answers short.")
	v.SetDefault("modalities", []string{"text", "audio"})
	v.SetDefault("channel_label", "oai-events")
	v.SetDefault("ice_servers", []string{"stun:stun1.l.google.com:19302", "stun:stun2.l.google.com:19302"})
	v.SetDefault("signaling_mode", "sdp")
	v.SetDefault("negotiation_timeout", "5s")
	v.SetDefault("connect_timeout", "15s")
	v.SetDefault("request_timeout", "10s")
	v.SetDefault("log.file", "voice.log")
	v.SetDefault("log.level", "debug")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 2)
	v.SetDefault("log.max_age_days", 3)
}

// LoadConfig reads path (YAML) when non-empty, then applies VOICE_* environment
// overrides on top of the defaults.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// AutomaticEnv only consults keys viper already knows about.
	v.SetDefault("credential_url", "")
	v.SetDefault("metrics_addr", "")
	v.SetDefault("log.compress", false)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	cfg := new(Config)
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.CredentialURL == "" {
		return fmt.Errorf("credential_url: %w", ErrNoEndpoint)
	}
	if c.RealtimeURL == "" {
		return fmt.Errorf("realtime_url: %w", ErrNoEndpoint)
	}
	if c.Model == "" {
		return errors.New("model is required")
	}
	switch c.SignalingMode {
	case "sdp", "calls":
	default:
		return fmt.Errorf("unknown signaling mode %q", c.SignalingMode)
	}
	if c.NegotiationTimeout <= 0 || c.ConnectTimeout <= 0 {
		return errors.New("timeouts must be positive")
	}
	return nil
}
