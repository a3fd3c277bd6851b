// Package config loads and validates the autodev daemon configuration.
// Config is immutable after startup: the file is read once during Load
// and changes on disk take effect only after a restart.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// BudgetConfig holds the per-job spend ceilings and warning thresholds.
type BudgetConfig struct {
	// MaxCostUSD is the hard ceiling on accumulated LLM spend per job.
	MaxCostUSD float64 `yaml:"max_cost_usd"`
	// MaxRequests caps the number of provider round trips per job.
	MaxRequests int `yaml:"max_requests"`
	// MaxWallclockMinutes caps total job runtime from started_at.
	MaxWallclockMinutes int `yaml:"max_wallclock_minutes"`
	// WarningThresholds are fractions of any ceiling at which a one-shot
	// warning is emitted. Must be strictly increasing, each in (0, 1).
	WarningThresholds []float64 `yaml:"warning_thresholds"`
}

// ContextConfig holds the token budgeting knobs for prompt assembly.
type ContextConfig struct {
	TokenBudget   int `yaml:"token_budget"`
	ReserveTokens int `yaml:"reserve_tokens"`
	HardCapTokens int `yaml:"hard_cap_tokens"`
	// CompactionThresholdRatio triggers history compaction when estimated
	// conversation tokens exceed this fraction of the token budget.
	CompactionThresholdRatio float64 `yaml:"compaction_threshold_ratio"`
	// ProtectedHead is the number of leading conversation messages never
	// replaced by a summary.
	ProtectedHead int `yaml:"protected_head"`
	// TailKeep is the number of trailing messages kept verbatim.
	TailKeep int `yaml:"tail_keep"`

	CuratorTopK     int     `yaml:"curator_top_k"`
	CuratorMinScore float64 `yaml:"curator_min_score"`
	// RetrieverTimeoutSeconds bounds each retrieval source individually.
	RetrieverTimeoutSeconds int `yaml:"retriever_timeout_seconds"`
}

// MemoryConfig holds the archivist thresholds for the working note set. The
// ceilings apply per job.
type MemoryConfig struct {
	MaxItems int   `yaml:"max_items"`
	MaxBytes int64 `yaml:"max_bytes"`
	// MaxBytesPerItem caps a single note's body; longer bodies are
	// truncated on write.
	MaxBytesPerItem int64 `yaml:"max_bytes_per_item"`
	// ArchiveTriggerRatio is the fraction of either ceiling at which
	// archival runs. Default 0.8.
	ArchiveTriggerRatio float64 `yaml:"archive_trigger_ratio"`
	// ArchiveKeepRecent is how many of the most recent notes stay live.
	ArchiveKeepRecent int `yaml:"archive_keep_recent"`
}

// ExecutionConfig holds the step loop and escalation policy.
type ExecutionConfig struct {
	// MaxStepRetries is the per-step retry ceiling before escalation.
	MaxStepRetries int `yaml:"max_step_retries"`
	// MaxReplans is how many replans a job gets before it fails outright.
	MaxReplans int `yaml:"max_replans"`
	// StallTimeoutMinutes marks a step failed when no progress has been
	// recorded for this long.
	StallTimeoutMinutes int `yaml:"stall_timeout_minutes"`
	// StepTimeoutSeconds bounds a single step execution.
	StepTimeoutSeconds int `yaml:"step_timeout_seconds"`
}

// IntegrationConfig controls how completed changes leave the workspace.
type IntegrationConfig struct {
	// Mode is "pr" (open a pull request) or "direct_push".
	Mode string `yaml:"mode"`
	// OnConflict is "fail" or "theirs".
	OnConflict string `yaml:"on_conflict"`
	BaseBranch string `yaml:"base_branch"`
	// BranchPrefix is prepended to generated work branch names.
	BranchPrefix string `yaml:"branch_prefix"`
	DryRun       bool   `yaml:"dry_run"`
}

// LLMConfig selects the provider and models for the pipeline roles.
type LLMConfig struct {
	Provider string `yaml:"provider"`
	// Model is the default model for all roles.
	Model string `yaml:"model"`
	// PlannerModel overrides Model for planning when set.
	PlannerModel string `yaml:"planner_model"`
	APIKey       string `yaml:"api_key"`
	BaseURL      string `yaml:"base_url"`
}

// TelemetryConfig holds OpenTelemetry export settings.
type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`

	// MaintenanceCron schedules the memory archival and retention sweep.
	MaintenanceCron string `yaml:"maintenance_cron"`

	// RetentionDiagnosticsDays prunes context diagnostics older than this.
	// 0 keeps them forever.
	RetentionDiagnosticsDays int `yaml:"retention_diagnostics_days"`
	// RetentionEventsDays prunes job events older than this.
	RetentionEventsDays int `yaml:"retention_events_days"`

	Budget      BudgetConfig      `yaml:"budget"`
	Context     ContextConfig     `yaml:"context"`
	Memory      MemoryConfig      `yaml:"memory"`
	Execution   ExecutionConfig   `yaml:"execution"`
	Integration IntegrationConfig `yaml:"integration"`
	LLM         LLMConfig         `yaml:"llm"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

func defaultConfig() Config {
	return Config{
		BindAddr:                 "127.0.0.1:18890",
		LogLevel:                 "info",
		MaintenanceCron:          "*/15 * * * *",
		RetentionDiagnosticsDays: 30,
		RetentionEventsDays:      90,
		Budget: BudgetConfig{
			MaxCostUSD:          5.00,
			MaxRequests:         200,
			MaxWallclockMinutes: int((2 * time.Hour).Minutes()),
			WarningThresholds:   []float64{0.8, 0.95},
		},
		Context: ContextConfig{
			TokenBudget:              24000,
			ReserveTokens:            2000,
			HardCapTokens:            28000,
			CompactionThresholdRatio: 0.75,
			ProtectedHead:            2,
			TailKeep:                 6,
			CuratorTopK:              12,
			CuratorMinScore:          0.05,
			RetrieverTimeoutSeconds:  5,
		},
		Memory: MemoryConfig{
			MaxItems:            500,
			MaxBytes:            2 << 20,
			MaxBytesPerItem:     4 << 10,
			ArchiveTriggerRatio: 0.8,
			ArchiveKeepRecent:   10,
		},
		Execution: ExecutionConfig{
			MaxStepRetries:      2,
			MaxReplans:          1,
			StallTimeoutMinutes: 10,
			StepTimeoutSeconds:  int((10 * time.Minute).Seconds()),
		},
		Integration: IntegrationConfig{
			Mode:         "pr",
			OnConflict:   "fail",
			BaseBranch:   "main",
			BranchPrefix: "autodev/",
		},
		LLM: LLMConfig{
			Provider: "openai",
			Model:    "gpt-4.1-mini",
		},
		Telemetry: TelemetryConfig{
			Exporter:    "otlp-http",
			ServiceName: "autodev",
			SampleRate:  1.0,
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("AUTODEV_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".autodev")
}

func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create autodev home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("AUTODEV_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("AUTODEV_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("AUTODEV_MAX_COST_USD"); raw != "" {
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			cfg.Budget.MaxCostUSD = v
		}
	}
	if raw := os.Getenv("AUTODEV_MAX_REQUESTS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Budget.MaxRequests = v
		}
	}
	if raw := os.Getenv("AUTODEV_DRY_RUN"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.Integration.DryRun = v
		}
	}
	if raw := os.Getenv("AUTODEV_MODEL"); raw != "" {
		cfg.LLM.Model = raw
	}
	if raw := os.Getenv("OPENAI_API_KEY"); raw != "" && cfg.LLM.Provider == "openai" {
		cfg.LLM.APIKey = raw
	}
	if raw := os.Getenv("ANTHROPIC_API_KEY"); raw != "" && cfg.LLM.Provider == "anthropic" {
		cfg.LLM.APIKey = raw
	}
}

func normalize(cfg *Config) {
	def := defaultConfig()
	if cfg.BindAddr == "" {
		cfg.BindAddr = def.BindAddr
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
	if cfg.MaintenanceCron == "" {
		cfg.MaintenanceCron = def.MaintenanceCron
	}
	if cfg.Budget.MaxCostUSD <= 0 {
		cfg.Budget.MaxCostUSD = def.Budget.MaxCostUSD
	}
	if cfg.Budget.MaxRequests <= 0 {
		cfg.Budget.MaxRequests = def.Budget.MaxRequests
	}
	if cfg.Budget.MaxWallclockMinutes <= 0 {
		cfg.Budget.MaxWallclockMinutes = def.Budget.MaxWallclockMinutes
	}
	if len(cfg.Budget.WarningThresholds) == 0 {
		cfg.Budget.WarningThresholds = def.Budget.WarningThresholds
	}
	if cfg.Context.TokenBudget <= 0 {
		cfg.Context.TokenBudget = def.Context.TokenBudget
	}
	if cfg.Context.ReserveTokens < 0 {
		cfg.Context.ReserveTokens = def.Context.ReserveTokens
	}
	if cfg.Context.HardCapTokens <= 0 {
		cfg.Context.HardCapTokens = def.Context.HardCapTokens
	}
	if cfg.Context.CompactionThresholdRatio <= 0 || cfg.Context.CompactionThresholdRatio > 1 {
		cfg.Context.CompactionThresholdRatio = def.Context.CompactionThresholdRatio
	}
	if cfg.Context.ProtectedHead <= 0 {
		cfg.Context.ProtectedHead = def.Context.ProtectedHead
	}
	if cfg.Context.TailKeep <= 0 {
		cfg.Context.TailKeep = def.Context.TailKeep
	}
	if cfg.Context.CuratorTopK <= 0 {
		cfg.Context.CuratorTopK = def.Context.CuratorTopK
	}
	if cfg.Context.CuratorMinScore < 0 {
		cfg.Context.CuratorMinScore = def.Context.CuratorMinScore
	}
	if cfg.Context.RetrieverTimeoutSeconds <= 0 {
		cfg.Context.RetrieverTimeoutSeconds = def.Context.RetrieverTimeoutSeconds
	}
	if cfg.Memory.MaxItems <= 0 {
		cfg.Memory.MaxItems = def.Memory.MaxItems
	}
	if cfg.Memory.MaxBytes <= 0 {
		cfg.Memory.MaxBytes = def.Memory.MaxBytes
	}
	if cfg.Memory.MaxBytesPerItem <= 0 {
		cfg.Memory.MaxBytesPerItem = def.Memory.MaxBytesPerItem
	}
	if cfg.Memory.ArchiveTriggerRatio <= 0 || cfg.Memory.ArchiveTriggerRatio > 1 {
		cfg.Memory.ArchiveTriggerRatio = def.Memory.ArchiveTriggerRatio
	}
	if cfg.Memory.ArchiveKeepRecent <= 0 {
		cfg.Memory.ArchiveKeepRecent = def.Memory.ArchiveKeepRecent
	}
	if cfg.Execution.MaxStepRetries <= 0 {
		cfg.Execution.MaxStepRetries = def.Execution.MaxStepRetries
	}
	if cfg.Execution.MaxReplans <= 0 {
		cfg.Execution.MaxReplans = def.Execution.MaxReplans
	}
	if cfg.Execution.StallTimeoutMinutes <= 0 {
		cfg.Execution.StallTimeoutMinutes = def.Execution.StallTimeoutMinutes
	}
	if cfg.Execution.StepTimeoutSeconds <= 0 {
		cfg.Execution.StepTimeoutSeconds = def.Execution.StepTimeoutSeconds
	}
	if cfg.Integration.Mode == "" {
		cfg.Integration.Mode = def.Integration.Mode
	}
	if cfg.Integration.OnConflict == "" {
		cfg.Integration.OnConflict = def.Integration.OnConflict
	}
	if cfg.Integration.BaseBranch == "" {
		cfg.Integration.BaseBranch = def.Integration.BaseBranch
	}
	if cfg.Integration.BranchPrefix == "" {
		cfg.Integration.BranchPrefix = def.Integration.BranchPrefix
	}
	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = def.LLM.Provider
	}
	if cfg.LLM.Model == "" {
		cfg.LLM.Model = def.LLM.Model
	}
	if cfg.Telemetry.Exporter == "" {
		cfg.Telemetry.Exporter = def.Telemetry.Exporter
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = def.Telemetry.ServiceName
	}
	if cfg.Telemetry.SampleRate <= 0 {
		cfg.Telemetry.SampleRate = def.Telemetry.SampleRate
	}
}

func validate(cfg Config) error {
	if cfg.Context.HardCapTokens < cfg.Context.TokenBudget {
		return fmt.Errorf("context.hard_cap_tokens (%d) must be >= context.token_budget (%d)",
			cfg.Context.HardCapTokens, cfg.Context.TokenBudget)
	}
	if cfg.Context.ReserveTokens >= cfg.Context.TokenBudget {
		return fmt.Errorf("context.reserve_tokens (%d) must be < context.token_budget (%d)",
			cfg.Context.ReserveTokens, cfg.Context.TokenBudget)
	}
	if !sort.Float64sAreSorted(cfg.Budget.WarningThresholds) {
		return fmt.Errorf("budget.warning_thresholds must be increasing: %v", cfg.Budget.WarningThresholds)
	}
	for _, th := range cfg.Budget.WarningThresholds {
		if th <= 0 || th >= 1 {
			return fmt.Errorf("budget.warning_threshold %v out of range (0, 1)", th)
		}
	}
	switch cfg.Integration.Mode {
	case "pr", "direct_push":
	default:
		return fmt.Errorf("integration.mode %q not supported (pr, direct_push)", cfg.Integration.Mode)
	}
	switch cfg.Integration.OnConflict {
	case "fail", "theirs":
	default:
		return fmt.Errorf("integration.on_conflict %q not supported (fail, theirs)", cfg.Integration.OnConflict)
	}
	return nil
}

// PlannerModel returns the model used for plan generation.
func (c Config) PlannerModel() string {
	if c.LLM.PlannerModel != "" {
		return c.LLM.PlannerModel
	}
	return c.LLM.Model
}

// StallTimeout returns the stall window as a duration.
func (c Config) StallTimeout() time.Duration {
	return time.Duration(c.Execution.StallTimeoutMinutes) * time.Minute
}

// MaxWallclock returns the wallclock ceiling as a duration.
func (c Config) MaxWallclock() time.Duration {
	return time.Duration(c.Budget.MaxWallclockMinutes) * time.Minute
}

// Fingerprint returns a stable hash of the active config.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|budget=%.2f/%d/%d|ctx=%d/%d/%d|mode=%s|model=%s",
		c.BindAddr, c.LogLevel,
		c.Budget.MaxCostUSD, c.Budget.MaxRequests, c.Budget.MaxWallclockMinutes,
		c.Context.TokenBudget, c.Context.ReserveTokens, c.Context.HardCapTokens,
		c.Integration.Mode, c.LLM.Model)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

// Redacted returns a one-line summary safe for logging.
func (c Config) Redacted() string {
	key := c.LLM.APIKey
	if len(key) > 6 {
		key = key[:6] + strings.Repeat("*", 4)
	}
	return fmt.Sprintf("provider=%s model=%s api_key=%s mode=%s dry_run=%v",
		c.LLM.Provider, c.LLM.Model, key, c.Integration.Mode, c.Integration.DryRun)
}
