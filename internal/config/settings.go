package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Settings holds the daemon options resolved from flags, environment and
// defaults.
type Settings struct {
	Config        string        `mapstructure:"config"`
	Socket        string        `mapstructure:"socket"`
	LogLevel      string        `mapstructure:"log_level"`
	LogFormat     string        `mapstructure:"log_format"`
	DNSListen     string        `mapstructure:"dns_listen"`
	IdleTimeout   time.Duration `mapstructure:"idle_timeout"`
	AcceptTimeout time.Duration `mapstructure:"accept_timeout"`
	StopGrace     time.Duration `mapstructure:"stop_grace"`
}

// EnvPrefix prefixes every environment override (PORTPLUMBER_SOCKET, ...).
const EnvPrefix = "PORTPLUMBER"

// SetDefaults registers the default value of every setting on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("config", DefaultPath)
	v.SetDefault("socket", DefaultSocketPath)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("dns_listen", "")
	v.SetDefault("idle_timeout", "10m")
	v.SetDefault("accept_timeout", "30s")
	v.SetDefault("stop_grace", "5s")
}

// LoadSettings wires environment overrides into v and decodes the result.
func LoadSettings(v *viper.Viper) (*Settings, error) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("failed to decode settings: %w", err)
	}
	if s.IdleTimeout <= 0 {
		return nil, fmt.Errorf("idle_timeout must be positive, got %s", s.IdleTimeout)
	}
	if s.AcceptTimeout <= 0 {
		return nil, fmt.Errorf("accept_timeout must be positive, got %s", s.AcceptTimeout)
	}
	if s.Socket == "" {
		return nil, fmt.Errorf("socket path cannot be empty")
	}
	return &s, nil
}
