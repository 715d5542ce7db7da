// Package config loads orchestrator configuration from a yaml file and
// the environment. Environment variables use the REMEDY_ prefix with
// underscores for nesting (REMEDY_AGENT_TOKEN, REMEDY_WINDOW_MAX_SESSIONS).
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/remedyhq/remedy/internal/sla"
	"github.com/remedyhq/remedy/internal/types"
)

// Defaults for the dispatch window and retry protocol.
const (
	DefaultMaxSessions      = 10
	DefaultPeriodHours      = 24.0
	DefaultMaxRetryAttempts = 2
	DefaultDispatchDelay    = 2 * time.Second
	DefaultDBPath           = "remedy.db"
)

// Config is the full orchestrator configuration.
type Config struct {
	DBPath string `mapstructure:"db_path"`

	Agent struct {
		URL   string `mapstructure:"url"`
		Token string `mapstructure:"token"`
	} `mapstructure:"agent"`

	Scan struct {
		URL   string `mapstructure:"url"`
		Token string `mapstructure:"token"`
		// DropDir is watched for scan result files when set.
		DropDir string `mapstructure:"drop_dir"`
	} `mapstructure:"scan"`

	GitHub struct {
		Token string `mapstructure:"token"`
	} `mapstructure:"github"`

	Window struct {
		MaxSessions int     `mapstructure:"max_sessions"`
		PeriodHours float64 `mapstructure:"period_hours"`
	} `mapstructure:"window"`

	Retry struct {
		MaxAttempts int `mapstructure:"max_attempts"`
	} `mapstructure:"retry"`

	// DispatchDelay is the pause between consecutive session creations.
	DispatchDelay time.Duration `mapstructure:"dispatch_delay"`

	Repos []string `mapstructure:"repos"`

	// SLAHours overrides default per-severity SLA thresholds, keyed by
	// severity tier, in hours.
	SLAHours map[string]float64 `mapstructure:"sla_hours"`
}

// Load reads configuration, layering defaults, an optional yaml file,
// and REMEDY_* environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	v.SetDefault("db_path", DefaultDBPath)
	// Empty defaults register the keys so env-only values survive
	// Unmarshal; AutomaticEnv alone does not cover unknown keys.
	v.SetDefault("agent.url", "")
	v.SetDefault("agent.token", "")
	v.SetDefault("scan.url", "")
	v.SetDefault("scan.token", "")
	v.SetDefault("scan.drop_dir", "")
	v.SetDefault("github.token", "")
	v.SetDefault("window.max_sessions", DefaultMaxSessions)
	v.SetDefault("window.period_hours", DefaultPeriodHours)
	v.SetDefault("retry.max_attempts", DefaultMaxRetryAttempts)
	v.SetDefault("dispatch_delay", DefaultDispatchDelay)

	v.SetEnvPrefix("REMEDY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks value ranges. Endpoints are checked by the commands
// that need them, so read-only commands work without any remote config.
func (c *Config) Validate() error {
	if c.Window.MaxSessions < 0 {
		return fmt.Errorf("window.max_sessions: %d is invalid (must be >= 0)", c.Window.MaxSessions)
	}
	if c.Window.PeriodHours <= 0 {
		return fmt.Errorf("window.period_hours: %v is invalid (must be > 0)", c.Window.PeriodHours)
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts: %d is invalid (must be >= 1)", c.Retry.MaxAttempts)
	}
	if c.DispatchDelay < 0 {
		return fmt.Errorf("dispatch_delay: %v is invalid (must be >= 0)", c.DispatchDelay)
	}
	for tier, hours := range c.SLAHours {
		if hours <= 0 {
			return fmt.Errorf("sla_hours.%s: %v is invalid (must be > 0)", tier, hours)
		}
	}
	return nil
}

// SLAThresholds merges configured overrides over the built-in defaults.
func (c *Config) SLAThresholds() sla.Thresholds {
	overrides := make(sla.Thresholds, len(c.SLAHours))
	for tier, hours := range c.SLAHours {
		overrides[types.NormalizeSeverity(tier)] = hours
	}
	return sla.DefaultThresholds().Merge(overrides)
}
