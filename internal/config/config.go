// Package config adapts Viper to the plugin.Config interface and loads the
// YetiLink configuration file with environment overrides.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/trailside/yetilink/pkg/plugin"
)

// Compile-time interface guard.
var _ plugin.Config = (*ViperConfig)(nil)

// ViperConfig implements plugin.Config on top of a *viper.Viper.
type ViperConfig struct {
	v *viper.Viper
}

// New wraps an existing viper instance.
func New(v *viper.Viper) *ViperConfig {
	return &ViperConfig{v: v}
}

// Load reads configuration from the given path (or the defaults search path
// when empty) and applies YETILINK_* environment overrides.
func Load(path string) (*ViperConfig, error) {
	v := viper.New()

	v.SetEnvPrefix("YETILINK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("yetilink")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.yetilink")
		v.AddConfigPath("/etc/yetilink")
	}

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine; defaults and env cover everything.
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	return New(v), nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", "8090")
	v.SetDefault("store.path", "yetilink.db")

	v.SetDefault("cloud.broker_url", "ssl://iot.yetilink.io:8883")
	v.SetDefault("cloud.client_prefix", "yetilink-app")

	v.SetDefault("reconcile.grace_window", "20s")
	v.SetDefault("reconcile.staleness_window", "90s")

	v.SetDefault("heartbeat.settle_delay", "2s")
	v.SetDefault("heartbeat.sweep_interval", "5s")
	v.SetDefault("heartbeat.probe_host", "1.1.1.1")
	v.SetDefault("heartbeat.probe_interval", "30s")

	v.SetDefault("pairing.registration_url", "https://api.yetilink.io")
	v.SetDefault("pairing.discover_timeout", "4s")
	v.SetDefault("pairing.credential_interval", "5s")
	v.SetDefault("pairing.credential_attempts", 6)
	v.SetDefault("pairing.registration_attempts", 3)
	v.SetDefault("pairing.registration_backoff", "2s")
	v.SetDefault("pairing.error_poll_interval", "3s")
	v.SetDefault("pairing.session_timeout_bluetooth", "120s")
	v.SetDefault("pairing.session_timeout_wifi", "60s")

	v.SetDefault("command.confirm_timeout", "15s")
}

func (c *ViperConfig) GetString(key string) string        { return c.v.GetString(key) }
func (c *ViperConfig) GetInt(key string) int              { return c.v.GetInt(key) }
func (c *ViperConfig) GetBool(key string) bool            { return c.v.GetBool(key) }
func (c *ViperConfig) GetDuration(key string) time.Duration { return c.v.GetDuration(key) }
func (c *ViperConfig) GetStringSlice(key string) []string { return c.v.GetStringSlice(key) }
func (c *ViperConfig) IsSet(key string) bool              { return c.v.IsSet(key) }

// Sub returns the configuration subtree rooted at key, or nil when the key
// is absent.
func (c *ViperConfig) Sub(key string) plugin.Config {
	sub := c.v.Sub(key)
	if sub == nil {
		return nil
	}
	return New(sub)
}
