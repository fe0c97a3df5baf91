// Package config loads the aofd daemon's tunables from flags, environment
// variables, and an optional config file, layered the way the teacher's
// cmd/alex wires cobra and viper together (flags take precedence over env,
// env over file, file over the defaults set here).
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds every tunable the scheduler, lease manager, and throttle
// controller need at startup. Nothing here is reloaded at runtime — a
// changed config requires a daemon restart.
type Config struct {
	DataDir      string `mapstructure:"data_dir"`
	ManifestsDir string `mapstructure:"manifests_dir"`

	PollInterval time.Duration `mapstructure:"poll_interval"`

	DefaultLeaseTTL time.Duration `mapstructure:"default_lease_ttl"`
	MaxLeaseRenewals int          `mapstructure:"max_lease_renewals"`
	MaxAutoRequeue   int          `mapstructure:"max_auto_requeue"`

	SpawnTimeout time.Duration `mapstructure:"spawn_timeout"`

	MinDispatchInterval     time.Duration `mapstructure:"min_dispatch_interval"`
	MinTeamDispatchInterval time.Duration `mapstructure:"min_team_dispatch_interval"`
	GlobalConcurrencyCap    int           `mapstructure:"global_concurrency_cap"`
	TeamConcurrencyCap      int           `mapstructure:"team_concurrency_cap"`
	MaxDispatchesPerTick    int           `mapstructure:"max_dispatches_per_tick"`

	DryRun bool `mapstructure:"dry_run"`
}

// Defaults returns the built-in defaults, applied before flags/env/file are
// layered on top.
func Defaults() Config {
	return Config{
		DataDir:                 "./aof-data",
		ManifestsDir:            "./aof-data/manifests",
		PollInterval:            5 * time.Second,
		DefaultLeaseTTL:         15 * time.Minute,
		MaxLeaseRenewals:        8,
		MaxAutoRequeue:          3,
		SpawnTimeout:            2 * time.Minute,
		MinDispatchInterval:     0,
		MinTeamDispatchInterval: 0,
		GlobalConcurrencyCap:    0,
		TeamConcurrencyCap:      0,
		MaxDispatchesPerTick:    0,
		DryRun:                  false,
	}
}

// BindFlags registers the daemon's flags on fs, mirroring every Config field.
func BindFlags(fs *pflag.FlagSet) {
	d := Defaults()
	fs.String("data-dir", d.DataDir, "root directory for task records, events, and artifacts")
	fs.String("manifests-dir", d.ManifestsDir, "directory holding one workflow manifest per project")
	fs.Duration("poll-interval", d.PollInterval, "scheduler poll loop interval")
	fs.Duration("default-lease-ttl", d.DefaultLeaseTTL, "default lease duration granted on dispatch")
	fs.Int("max-lease-renewals", d.MaxLeaseRenewals, "maximum renewals before a lease must be released")
	fs.Int("max-auto-requeue", d.MaxAutoRequeue, "auto-requeues allowed before an expired lease blocks its task")
	fs.Duration("spawn-timeout", d.SpawnTimeout, "hard cap on an executor Spawn call")
	fs.Duration("min-dispatch-interval", d.MinDispatchInterval, "minimum spacing between any two dispatches")
	fs.Duration("min-team-dispatch-interval", d.MinTeamDispatchInterval, "minimum spacing between dispatches to the same team")
	fs.Int("global-concurrency-cap", d.GlobalConcurrencyCap, "max simultaneously in-progress tasks across all teams (0 = unbounded)")
	fs.Int("team-concurrency-cap", d.TeamConcurrencyCap, "max simultaneously in-progress tasks per team (0 = unbounded)")
	fs.Int("max-dispatches-per-tick", d.MaxDispatchesPerTick, "max dispatch actions emitted per scheduler poll (0 = unbounded)")
	fs.Bool("dry-run", d.DryRun, "plan dispatches but never call the executor")
}

// Load builds a Config layering, in increasing precedence: built-in
// defaults, an optional config file, AOF_-prefixed environment variables,
// and finally fs's parsed flags.
func Load(fs *pflag.FlagSet, configFile string) (Config, error) {
	v := viper.New()

	defaults := Defaults()
	v.SetDefault("data_dir", defaults.DataDir)
	v.SetDefault("manifests_dir", defaults.ManifestsDir)
	v.SetDefault("poll_interval", defaults.PollInterval)
	v.SetDefault("default_lease_ttl", defaults.DefaultLeaseTTL)
	v.SetDefault("max_lease_renewals", defaults.MaxLeaseRenewals)
	v.SetDefault("max_auto_requeue", defaults.MaxAutoRequeue)
	v.SetDefault("spawn_timeout", defaults.SpawnTimeout)
	v.SetDefault("min_dispatch_interval", defaults.MinDispatchInterval)
	v.SetDefault("min_team_dispatch_interval", defaults.MinTeamDispatchInterval)
	v.SetDefault("global_concurrency_cap", defaults.GlobalConcurrencyCap)
	v.SetDefault("team_concurrency_cap", defaults.TeamConcurrencyCap)
	v.SetDefault("max_dispatches_per_tick", defaults.MaxDispatchesPerTick)
	v.SetDefault("dry_run", defaults.DryRun)

	v.SetEnvPrefix("AOF")
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: reading %s: %w", configFile, err)
		}
	}

	if fs != nil {
		var bindErr error
		fs.VisitAll(func(f *pflag.Flag) {
			if bindErr == nil {
				bindErr = v.BindPFlag(strings.ReplaceAll(f.Name, "-", "_"), f)
			}
		})
		if bindErr != nil {
			return Config{}, fmt.Errorf("config: binding flags: %w", bindErr)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	return cfg, nil
}
