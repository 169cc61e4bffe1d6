package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// #region config-types

// Config is the full configuration tree for one evolution process.
type Config struct {
	Eval      EvalConfig      `yaml:"eval" validate:"required"`
	Cache     CacheConfig     `yaml:"cache" validate:"required"`
	Judge     JudgeConfig     `yaml:"judge" validate:"required"`
	Budget    BudgetConfig    `yaml:"budget" validate:"required"`
	Bandit    BanditConfig    `yaml:"bandit" validate:"required"`
	Stop      StopConfig      `yaml:"stop" validate:"required"`
	Proposals ProposalsConfig `yaml:"proposals" validate:"required"`
	Paths     PathsConfig     `yaml:"paths" validate:"required"`
	Log       LogConfig       `yaml:"log"`
}

// EvalConfig holds the routing thresholds and rubric of the two-tier evaluator.
type EvalConfig struct {
	TauLow        float64            `yaml:"tau_low" validate:"gte=0,lte=1"`
	TauHigh       float64            `yaml:"tau_high" validate:"gte=0,lte=1"`
	AcceptScore   float64            `yaml:"accept_score" validate:"gte=0,lte=100"`
	RubricVersion string             `yaml:"rubric_version" validate:"required"`
	RubricWeights map[string]float64 `yaml:"rubric_weights" validate:"required,min=1,dive,gte=0,lte=1"`
	MaxChars      int                `yaml:"max_chars" validate:"gt=0"`
	MaxTokensEst  int                `yaml:"max_tokens_est" validate:"gt=0"`
	SchemaDir     string             `yaml:"schema_dir"`
	Schema        string             `yaml:"schema"`
}

// CacheConfig controls the evaluation result cache.
type CacheConfig struct {
	Enabled    bool          `yaml:"enabled"`
	TTL        time.Duration `yaml:"ttl" validate:"gt=0"`
	MaxEntries int           `yaml:"max_entries" validate:"gt=0"`
}

// JudgeConfig describes the external collaborator endpoint. Mode "score"
// calls the structured Score method; "prompt" asks for JSON through a plain
// completion.
type JudgeConfig struct {
	Addr        string        `yaml:"addr"`
	Mode        string        `yaml:"mode" validate:"oneof=score prompt"`
	Timeout     time.Duration `yaml:"timeout" validate:"gt=0"`
	Temperature float64       `yaml:"temperature" validate:"gte=0,lte=2"`
	MaxTokens   int           `yaml:"max_tokens" validate:"gt=0"`
	RatePerSec  float64       `yaml:"rate_per_sec" validate:"gte=0"`
}

// BudgetConfig holds per-generation resource ceilings.
type BudgetConfig struct {
	MaxTokensPerGen int           `yaml:"max_tokens_per_gen" validate:"gt=0"`
	MaxTime         time.Duration `yaml:"max_time" validate:"gt=0"`
	MaxAgents       int           `yaml:"max_agents" validate:"gt=0"`
	MaxConcurrency  int           `yaml:"max_concurrency" validate:"gt=0"`
	PreemptionMode  string        `yaml:"preemption_mode" validate:"oneof=immediate graceful"`
	GracePeriod     time.Duration `yaml:"grace_period" validate:"gte=0"`
	LogEvents       bool          `yaml:"log_events"`
}

// BanditConfig tunes the UCB1 controller.
type BanditConfig struct {
	Beta             float64  `yaml:"beta" validate:"gte=0"`
	NoveltyThreshold float64  `yaml:"novelty_threshold" validate:"gte=0,lte=1"`
	Arms             []string `yaml:"arms" validate:"required,min=1,unique,dive,required"`
}

// StopConfig tunes the stop rules.
type StopConfig struct {
	MaxGenerations   int     `yaml:"max_generations" validate:"gt=0"`
	TargetScore      float64 `yaml:"target_score" validate:"gte=0,lte=100"`
	Window           int     `yaml:"window" validate:"gte=2"`
	BaselineLag      int     `yaml:"baseline_lag" validate:"gte=1"`
	PValue           float64 `yaml:"p_value" validate:"gt=0,lt=1"`
	MinUplift        float64 `yaml:"min_uplift" validate:"gte=0"`
	Patience         int     `yaml:"patience" validate:"gte=1"`
	SafetyDrop       float64 `yaml:"safety_drop" validate:"gte=0,lte=1"`
	SafetyScoreDelta float64 `yaml:"safety_score_delta" validate:"gte=0"`
}

// ProposalsConfig controls the human veto workflow.
type ProposalsConfig struct {
	PollEvery  int    `yaml:"poll_every" validate:"gte=1"`
	FileTarget string `yaml:"file_target" validate:"required"`
	ApplyRoot  string `yaml:"apply_root"`
	Watch      bool   `yaml:"watch"`
}

// PathsConfig locates every append-only artifact the process writes.
type PathsConfig struct {
	StateDir     string `yaml:"state_dir" validate:"required"`
	CacheFile    string `yaml:"cache_file"`
	BanditLog    string `yaml:"bandit_log"`
	BudgetLog    string `yaml:"budget_log"`
	TelemetryLog string `yaml:"telemetry_log"`
	Ledger       string `yaml:"ledger"`
	ApprovalDB   string `yaml:"approval_db"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	File  string `yaml:"file"`
}

// #endregion config-types

// #region defaults

// DefaultRubricWeights returns the v1 rubric.
func DefaultRubricWeights() map[string]float64 {
	return map[string]float64{
		"correctness":  0.30,
		"faithfulness": 0.25,
		"completeness": 0.20,
		"safety":       0.15,
		"efficiency":   0.10,
	}
}

// DefaultArms is the closed set of mutation strategies.
func DefaultArms() []string {
	return []string{"textgrad", "aflow", "mipro", "random_jitter"}
}

// Default returns a configuration with every option populated.
func Default() Config {
	return Config{
		Eval: EvalConfig{
			TauLow:        0.3,
			TauHigh:       0.8,
			AcceptScore:   80,
			RubricVersion: "v1",
			RubricWeights: DefaultRubricWeights(),
			MaxChars:      10000,
			MaxTokensEst:  2500,
			SchemaDir:     "schemas",
		},
		Cache: CacheConfig{
			Enabled:    true,
			TTL:        time.Hour,
			MaxEntries: 1000,
		},
		Judge: JudgeConfig{
			Mode:        "score",
			Timeout:     30 * time.Second,
			Temperature: 0.1,
			MaxTokens:   500,
			RatePerSec:  2,
		},
		Budget: BudgetConfig{
			MaxTokensPerGen: 10000,
			MaxTime:         300 * time.Second,
			MaxAgents:       10,
			MaxConcurrency:  4,
			PreemptionMode:  "graceful",
			GracePeriod:     30 * time.Second,
			LogEvents:       true,
		},
		Bandit: BanditConfig{
			Beta:             1.0,
			NoveltyThreshold: 0.2,
			Arms:             DefaultArms(),
		},
		Stop: StopConfig{
			MaxGenerations:   10,
			TargetScore:      90,
			Window:           5,
			BaselineLag:      1,
			PValue:           0.2,
			MinUplift:        0.5,
			Patience:         3,
			SafetyDrop:       0.1,
			SafetyScoreDelta: 1.0,
		},
		Proposals: ProposalsConfig{
			PollEvery:  10,
			FileTarget: "workflow_best.txt",
		},
		Paths: PathsConfig{
			StateDir: "state",
		},
		Log: LogConfig{Level: "info"},
	}
}

// #endregion defaults

// #region load

// Load reads a YAML file over the defaults, applies environment overrides
// and validates the result. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		// yaml merges into non-nil maps; the rubric must be replaced whole
		cfg.Eval.RubricWeights = nil
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
		if cfg.Eval.RubricWeights == nil {
			cfg.Eval.RubricWeights = DefaultRubricWeights()
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	cfg.fillPaths()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv("EVOLOOP_TAU_LOW"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("EVOLOOP_TAU_LOW: %w", err)
		}
		cfg.Eval.TauLow = f
	}
	if v := os.Getenv("EVOLOOP_TAU_HIGH"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("EVOLOOP_TAU_HIGH: %w", err)
		}
		cfg.Eval.TauHigh = f
	}
	cfg.Judge.Addr = envOr("EVOLOOP_JUDGE_ADDR", cfg.Judge.Addr)
	cfg.Judge.Mode = envOr("EVOLOOP_JUDGE_MODE", cfg.Judge.Mode)
	cfg.Paths.StateDir = envOr("EVOLOOP_STATE_DIR", cfg.Paths.StateDir)
	cfg.Log.Level = envOr("EVOLOOP_LOG_LEVEL", cfg.Log.Level)
	return nil
}

// fillPaths derives unset artifact paths from the state directory.
func (c *Config) fillPaths() {
	p := &c.Paths
	join := func(cur, name string) string {
		if cur != "" {
			return cur
		}
		return filepath.Join(p.StateDir, name)
	}
	p.CacheFile = join(p.CacheFile, "eval_cache.jsonl")
	p.BanditLog = join(p.BanditLog, "bandit.jsonl")
	p.BudgetLog = join(p.BudgetLog, "budget.jsonl")
	p.TelemetryLog = join(p.TelemetryLog, "evolution.jsonl")
	p.Ledger = join(p.Ledger, "changes.md")
	p.ApprovalDB = join(p.ApprovalDB, "approvals.db")
}

// #endregion load

// #region validate

var (
	ErrThresholdOrder = errors.New("tau_low must be below tau_high")
	ErrRubricWeights  = errors.New("rubric weights must sum to 1")
)

// Validate checks struct tags and the cross-field invariants.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Eval.TauLow >= c.Eval.TauHigh {
		return fmt.Errorf("%w: %.3f >= %.3f", ErrThresholdOrder, c.Eval.TauLow, c.Eval.TauHigh)
	}
	var sum float64
	for _, w := range c.Eval.RubricWeights {
		sum += w
	}
	if math.Abs(sum-1) > 1e-6 {
		return fmt.Errorf("%w: got %.6f", ErrRubricWeights, sum)
	}
	return nil
}

// #endregion validate

// #region helpers
func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// #endregion helpers
