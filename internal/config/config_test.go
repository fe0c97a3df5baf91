package config

import (
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func TestLoad_DefaultsWhenNothingOverridden(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	BindFlags(fs)
	if err := fs.Parse(nil); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(fs, "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.PollInterval != 5*time.Second {
		t.Fatalf("expected default poll interval 5s, got %v", cfg.PollInterval)
	}
	if cfg.DefaultLeaseTTL != 15*time.Minute {
		t.Fatalf("expected default lease ttl 15m, got %v", cfg.DefaultLeaseTTL)
	}
	if cfg.MaxAutoRequeue != 3 {
		t.Fatalf("expected default max auto requeue 3, got %d", cfg.MaxAutoRequeue)
	}
}

func TestLoad_FlagOverridesDefault(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	BindFlags(fs)
	if err := fs.Parse([]string{"--poll-interval=1s", "--dry-run"}); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(fs, "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.PollInterval != time.Second {
		t.Fatalf("expected flag-overridden poll interval 1s, got %v", cfg.PollInterval)
	}
	if !cfg.DryRun {
		t.Fatal("expected dry-run true")
	}
}
