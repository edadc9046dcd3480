// Package config loads the daemon settings file. Every field has a
// usable default; a missing file is not an error.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	// Listen is the address the websocket command endpoint binds to.
	Listen string `yaml:"listen"`

	// LogLevel is the initial logger threshold; the log-level command can
	// change it at runtime.
	LogLevel string `yaml:"log_level"`

	// AuthToken, when set, is required from connecting clients.
	AuthToken string `yaml:"auth_token"`

	// SettleMS is how long a root must stay quiet before subscriptions
	// are dispatched.
	SettleMS int `yaml:"settle_ms"`

	// SubscriptionLockTimeoutMS bounds view lock acquisition during
	// subscription queries.
	SubscriptionLockTimeoutMS int `yaml:"subscription_lock_timeout_ms"`

	// MaxWatches bounds watched directories per root.
	MaxWatches int `yaml:"max_watches"`
}

func Default() Config {
	return Config{
		Listen:                    "127.0.0.1:4225",
		LogLevel:                  "info",
		SettleMS:                  100,
		SubscriptionLockTimeoutMS: 100,
		MaxWatches:                4096,
	}
}

// Load reads a YAML settings file over the defaults. An absent file
// yields the defaults; a malformed one is an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}

	payload, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return Config{}, err
	}
	if err := yaml.Unmarshal(payload, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return normalize(cfg), nil
}

func normalize(cfg Config) Config {
	defaults := Default()
	if strings.TrimSpace(cfg.Listen) == "" {
		cfg.Listen = defaults.Listen
	}
	if strings.TrimSpace(cfg.LogLevel) == "" {
		cfg.LogLevel = defaults.LogLevel
	}
	if cfg.SettleMS <= 0 {
		cfg.SettleMS = defaults.SettleMS
	}
	if cfg.SubscriptionLockTimeoutMS <= 0 {
		cfg.SubscriptionLockTimeoutMS = defaults.SubscriptionLockTimeoutMS
	}
	if cfg.MaxWatches <= 0 {
		cfg.MaxWatches = defaults.MaxWatches
	}
	return cfg
}

func (c Config) Settle() time.Duration {
	return time.Duration(c.SettleMS) * time.Millisecond
}

func (c Config) SubscriptionLockTimeout() time.Duration {
	return time.Duration(c.SubscriptionLockTimeoutMS) * time.Millisecond
}
