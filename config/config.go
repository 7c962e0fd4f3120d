// Package config loads the healthmeshd daemon configuration from an optional
// YAML file plus HEALTHMESH_* environment overrides. Defaults mirror the
// package-level defaults across the module, so an empty configuration yields
// the same behavior as constructing the components directly.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/hupe1980/healthmesh/core"
	"github.com/hupe1980/healthmesh/logging"
	"github.com/hupe1980/healthmesh/memory"
	"github.com/hupe1980/healthmesh/notify"
	"github.com/hupe1980/healthmesh/pipeline"
)

// DefaultEnvPrefix scopes environment overrides: server.addr becomes
// HEALTHMESH_SERVER_ADDR, pipeline.deadline becomes HEALTHMESH_PIPELINE_DEADLINE.
const DefaultEnvPrefix = "HEALTHMESH"

// Config is the root configuration consumed by the daemon.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Store      StoreConfig      `mapstructure:"store"`
	Pipeline   PipelineConfig   `mapstructure:"pipeline"`
	Memory     MemoryConfig     `mapstructure:"memory"`
	Model      ModelConfig      `mapstructure:"model"`
	Escalation EscalationConfig `mapstructure:"escalation"`
	Notify     NotifyConfig     `mapstructure:"notify"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	// Addr is the listen address, e.g. ":8080".
	Addr string `mapstructure:"addr"`
	// AllowedOrigins whitelists origins for the outcome stream websocket.
	// Empty means same-origin only.
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// StoreConfig selects the session persistence backend.
type StoreConfig struct {
	// Backend is "memory" or "sqlite".
	Backend string `mapstructure:"backend"`
	// Path is the database file, required for the sqlite backend.
	Path string `mapstructure:"path"`
}

// PipelineConfig tunes pipeline scheduling.
type PipelineConfig struct {
	// Deadline bounds one full pipeline pass.
	Deadline time.Duration `mapstructure:"deadline"`
	// StageDeadlines overrides the evenly split per-stage deadline for the
	// named stages (intake, medication, vitals, advisor).
	StageDeadlines map[string]time.Duration `mapstructure:"stage_deadlines"`
	// LoopInterval is the cadence of the recurring medication check.
	LoopInterval time.Duration `mapstructure:"loop_interval"`
}

// MemoryConfig tunes context windows and compaction.
type MemoryConfig struct {
	// CompactThreshold is how many events may accumulate past the last
	// summary before compaction runs.
	CompactThreshold int `mapstructure:"compact_threshold"`
	// RetentionWindow is how many recent events a summary leaves verbatim.
	RetentionWindow int `mapstructure:"retention_window"`
	// ContextBudget caps window size in entries.
	ContextBudget int `mapstructure:"context_budget"`
}

// ModelConfig selects the narrative generator for the advisor stage. API
// credentials are not configuration: the provider SDKs read OPENAI_API_KEY
// and ANTHROPIC_API_KEY from the environment.
type ModelConfig struct {
	// Provider is "none", "static", "openai" or "anthropic".
	Provider string `mapstructure:"provider"`
	// Name overrides the provider's default model.
	Name string `mapstructure:"name"`
}

// EscalationConfig overrides severity routing.
type EscalationConfig struct {
	// Decisions maps severity names to decision names, overlaying the
	// defaults, e.g. {"advisory": "notify-caregiver"}.
	Decisions map[string]string `mapstructure:"decisions"`
}

// DecisionTable builds the runtime routing table: the standard defaults
// overlaid with the configured overrides.
func (c EscalationConfig) DecisionTable() (core.DecisionTable, error) {
	table := core.DefaultDecisionTable()
	for sevName, decName := range c.Decisions {
		sev, err := core.ParseSeverity(sevName)
		if err != nil {
			return nil, fmt.Errorf("escalation.decisions: %w", err)
		}
		dec, err := core.ParseDecision(decName)
		if err != nil {
			return nil, fmt.Errorf("escalation.decisions[%s]: %w", sevName, err)
		}
		table[sev] = dec
	}
	return table, nil
}

// NotifyConfig tunes outcome delivery.
type NotifyConfig struct {
	// Attempts bounds deliveries per sink per outcome.
	Attempts int `mapstructure:"attempts"`
	// Backoff is the initial retry delay, doubled per retry.
	Backoff time.Duration `mapstructure:"backoff"`
	// Webhooks are HTTP sinks to register on the dispatcher.
	Webhooks []WebhookConfig `mapstructure:"webhooks"`
}

// WebhookConfig declares one HTTP delivery target.
type WebhookConfig struct {
	// Name identifies the sink in delivery logs.
	Name string `mapstructure:"name"`
	// URL receives the outcome as a JSON POST.
	URL string `mapstructure:"url"`
	// Decisions routes the sink; empty means broadcast (every outcome).
	Decisions []string `mapstructure:"decisions"`
}

// LoggingConfig controls daemon log output.
type LoggingConfig struct {
	// Level is debug, info, warn or error.
	Level string `mapstructure:"level"`
	// Format is "json" or "text".
	Format string `mapstructure:"format"`
}

// Default returns the configuration the daemon runs with when no file and no
// environment overrides are present.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr: ":8080",
		},
		Store: StoreConfig{
			Backend: "memory",
		},
		Pipeline: PipelineConfig{
			Deadline:     pipeline.DefaultOverallDeadline,
			LoopInterval: pipeline.DefaultLoopInterval,
		},
		Memory: MemoryConfig{
			CompactThreshold: memory.DefaultCompactThreshold,
			RetentionWindow:  memory.DefaultRetentionWindow,
			ContextBudget:    memory.DefaultContextBudget,
		},
		Model: ModelConfig{
			Provider: "none",
		},
		Notify: NotifyConfig{
			Attempts: notify.DefaultDeliveryAttempts,
			Backoff:  notify.DefaultBackoff,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// LoadOptions holds configuration overrides passed to Load().
type LoadOptions struct {
	// File pins the configuration file. When set, a missing or unreadable
	// file is an error. When empty, Load searches Paths for config.yaml and
	// tolerates absence.
	File string
	// Paths are the directories searched when File is empty.
	Paths []string
	// EnvPrefix scopes environment overrides.
	EnvPrefix string
	// Viper supplies a pre-built instance, used by tests.
	Viper *viper.Viper
}

// Load reads, merges and validates the daemon configuration: defaults first,
// then the YAML file (if any), then environment overrides.
func Load(optFns ...func(o *LoadOptions)) (*Config, error) {
	opts := LoadOptions{
		Paths:     []string{".", "./config", "/etc/healthmesh"},
		EnvPrefix: DefaultEnvPrefix,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	v := opts.Viper
	if v == nil {
		v = viper.New()
	}

	setDefaults(v)

	v.SetEnvPrefix(opts.EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if opts.File != "" {
		v.SetConfigFile(opts.File)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", opts.File, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		for _, p := range opts.Paths {
			v.AddConfigPath(p)
		}
		if err := v.ReadInConfig(); err != nil {
			// Running on pure defaults plus env is fine; only a present but
			// broken file is fatal.
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	def := Default()

	v.SetDefault("server.addr", def.Server.Addr)
	v.SetDefault("server.allowed_origins", []string{})

	v.SetDefault("store.backend", def.Store.Backend)
	v.SetDefault("store.path", "")

	v.SetDefault("pipeline.deadline", def.Pipeline.Deadline)
	v.SetDefault("pipeline.loop_interval", def.Pipeline.LoopInterval)

	v.SetDefault("memory.compact_threshold", def.Memory.CompactThreshold)
	v.SetDefault("memory.retention_window", def.Memory.RetentionWindow)
	v.SetDefault("memory.context_budget", def.Memory.ContextBudget)

	v.SetDefault("model.provider", def.Model.Provider)
	v.SetDefault("model.name", "")

	v.SetDefault("notify.attempts", def.Notify.Attempts)
	v.SetDefault("notify.backoff", def.Notify.Backoff)

	v.SetDefault("logging.level", def.Logging.Level)
	v.SetDefault("logging.format", def.Logging.Format)
}

// Validate checks the configuration for values the daemon cannot run with.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr must not be empty")
	}

	switch c.Store.Backend {
	case "memory":
	case "sqlite":
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("store.backend must be memory or sqlite, got %q", c.Store.Backend)
	}

	if c.Pipeline.Deadline <= 0 {
		return fmt.Errorf("pipeline.deadline must be positive, got %s", c.Pipeline.Deadline)
	}
	if c.Pipeline.LoopInterval <= 0 {
		return fmt.Errorf("pipeline.loop_interval must be positive, got %s", c.Pipeline.LoopInterval)
	}
	for name, d := range c.Pipeline.StageDeadlines {
		switch name {
		case core.StageIntake, core.StageMedication, core.StageVitals, core.StageAdvisor:
		default:
			return fmt.Errorf("pipeline.stage_deadlines: unknown stage %q", name)
		}
		if d <= 0 {
			return fmt.Errorf("pipeline.stage_deadlines[%s] must be positive, got %s", name, d)
		}
	}

	if c.Memory.CompactThreshold < 1 {
		return fmt.Errorf("memory.compact_threshold must be at least 1, got %d", c.Memory.CompactThreshold)
	}
	if c.Memory.RetentionWindow < 1 {
		return fmt.Errorf("memory.retention_window must be at least 1, got %d", c.Memory.RetentionWindow)
	}
	if c.Memory.ContextBudget < 1 {
		return fmt.Errorf("memory.context_budget must be at least 1, got %d", c.Memory.ContextBudget)
	}

	switch c.Model.Provider {
	case "", "none", "static", "openai", "anthropic":
	default:
		return fmt.Errorf("model.provider must be none, static, openai or anthropic, got %q", c.Model.Provider)
	}

	if _, err := c.Escalation.DecisionTable(); err != nil {
		return err
	}

	if c.Notify.Attempts < 1 {
		return fmt.Errorf("notify.attempts must be at least 1, got %d", c.Notify.Attempts)
	}
	if c.Notify.Backoff <= 0 {
		return fmt.Errorf("notify.backoff must be positive, got %s", c.Notify.Backoff)
	}
	for i, hook := range c.Notify.Webhooks {
		if hook.Name == "" {
			return fmt.Errorf("notify.webhooks[%d]: name is required", i)
		}
		if hook.URL == "" {
			return fmt.Errorf("notify.webhooks[%s]: url is required", hook.Name)
		}
		for _, dec := range hook.Decisions {
			if _, err := core.ParseDecision(dec); err != nil {
				return fmt.Errorf("notify.webhooks[%s]: %w", hook.Name, err)
			}
		}
	}

	if _, err := logging.ParseLogLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("logging.format must be json or text, got %q", c.Logging.Format)
	}

	return nil
}
