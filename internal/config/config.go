// Package config loads the broker's recognized configuration options
// (spec.md §6) from flags, environment variables, and an optional config
// file, using viper's standard precedence: flag > env > file > default.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds every option spec.md §6 enumerates, plus the storage codec
// this module's domain-stack wiring adds (SPEC_FULL.md §3/§11).
type Config struct {
	Partitions       uint32
	HeartbeatInterval time.Duration
	SessionTimeout    time.Duration
	Assignor          string
	IdlePollInterval  time.Duration
	Compression       string
	LogLevel          string
}

// BindFlags registers the recognized options on fs with their defaults, so
// every cmd/ binary exposes the same flag surface.
func BindFlags(fs *pflag.FlagSet) {
	fs.Uint32("partitions", 4, "partition count (immutable after first open of a given log root)")
	fs.Duration("heartbeat-interval", 5*time.Second, "heartbeat write cadence")
	fs.Duration("session-timeout", 30*time.Second, "expiry threshold; must be >= 3x heartbeat-interval")
	fs.String("assignor", "round_robin", "partition assignment strategy: round_robin | range")
	fs.Duration("idle-poll-interval", 100*time.Millisecond, "reader sleep when caught up")
	fs.String("compression", "none", "on-disk payload codec: none | snappy")
	fs.String("log-level", "info", "log level: debug | info | warn | error")
}

// Load reads bound flags, BROKER_-prefixed environment variables, and an
// optional config file (via v.SetConfigFile, left to the caller) into a
// Config, validating the heartbeat/session-timeout relationship spec.md
// §4.5 requires.
func Load(v *viper.Viper, fs *pflag.FlagSet) (Config, error) {
	v.SetEnvPrefix("broker")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(fs); err != nil {
		return Config{}, fmt.Errorf("config: bind flags: %w", err)
	}
	if v.ConfigFileUsed() != "" || v.GetString("config") != "" {
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read config file: %w", err)
		}
	}

	cfg := Config{
		Partitions:        v.GetUint32("partitions"),
		HeartbeatInterval: v.GetDuration("heartbeat-interval"),
		SessionTimeout:    v.GetDuration("session-timeout"),
		Assignor:          v.GetString("assignor"),
		IdlePollInterval:  v.GetDuration("idle-poll-interval"),
		Compression:       v.GetString("compression"),
		LogLevel:          v.GetString("log-level"),
	}

	if cfg.SessionTimeout < 3*cfg.HeartbeatInterval {
		return Config{}, fmt.Errorf("config: session-timeout (%s) must be >= 3x heartbeat-interval (%s)", cfg.SessionTimeout, cfg.HeartbeatInterval)
	}
	switch cfg.Assignor {
	case "round_robin", "range":
	default:
		return Config{}, fmt.Errorf("config: unknown assignor %q", cfg.Assignor)
	}

	return cfg, nil
}
