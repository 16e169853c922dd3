package config

import (
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

func TestLoadDefaults(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	BindFlags(fs)
	if err := fs.Parse(nil); err != nil {
		t.Fatalf("parse: %v", err)
	}

	cfg, err := Load(viper.New(), fs)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Partitions != 4 {
		t.Errorf("Partitions = %d, want 4", cfg.Partitions)
	}
	if cfg.HeartbeatInterval != 5*time.Second {
		t.Errorf("HeartbeatInterval = %s, want 5s", cfg.HeartbeatInterval)
	}
	if cfg.SessionTimeout != 30*time.Second {
		t.Errorf("SessionTimeout = %s, want 30s", cfg.SessionTimeout)
	}
	if cfg.Assignor != "round_robin" {
		t.Errorf("Assignor = %q, want round_robin", cfg.Assignor)
	}
}

func TestLoadRejectsTooShortSessionTimeout(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	BindFlags(fs)
	if err := fs.Parse([]string{"--heartbeat-interval=10s", "--session-timeout=20s"}); err != nil {
		t.Fatalf("parse: %v", err)
	}

	if _, err := Load(viper.New(), fs); err == nil {
		t.Error("expected error when session-timeout < 3x heartbeat-interval")
	}
}

func TestLoadRejectsUnknownAssignor(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	BindFlags(fs)
	if err := fs.Parse([]string{"--assignor=bogus"}); err != nil {
		t.Fatalf("parse: %v", err)
	}

	if _, err := Load(viper.New(), fs); err == nil {
		t.Error("expected error for unknown assignor")
	}
}
