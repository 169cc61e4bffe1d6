package evolution

import (
	"fmt"
	"time"

	"github.com/danielpatrickdp/adaptive-state/evoloop/internal/bandit"
	"github.com/danielpatrickdp/adaptive-state/evoloop/internal/eval"
	"github.com/danielpatrickdp/adaptive-state/evoloop/internal/proposal"
	"github.com/danielpatrickdp/adaptive-state/evoloop/internal/stoprules"
)

// #region task

// Task is one member of the validation set a variant is scored against.
type Task struct {
	Goal     string `json:"goal" yaml:"goal"`
	Expected string `json:"expected" yaml:"expected"`
}

// DefaultValidationSet is the built-in arithmetic benchmark.
func DefaultValidationSet() []Task {
	return []Task{
		{Goal: "Calculate 2 + 2", Expected: "4"},
		{Goal: "Calculate 10 * 5", Expected: "50"},
		{Goal: "Calculate 100 / 4", Expected: "25"},
		{Goal: "Calculate 7 - 3", Expected: "4"},
		{Goal: "Calculate square root of 16", Expected: "4"},
		{Goal: "Calculate 2^8", Expected: "256"},
		{Goal: "Calculate factorial of 5", Expected: "120"},
		{Goal: "Calculate GCD of 12 and 8", Expected: "4"},
		{Goal: "Calculate LCM of 4 and 6", Expected: "12"},
		{Goal: "Calculate sum of first 10 integers", Expected: "55"},
	}
}

// #endregion

// #region generation-result

// GenerationResult summarises one completed generation.
type GenerationResult struct {
	Generation  int                `json:"generation"`
	Arm         string             `json:"arm"`
	VariantID   string             `json:"variant_id"`
	Score       float64            `json:"score"`
	Delta       float64            `json:"delta"`
	Robustness  float64            `json:"robustness"`
	Novelty     float64            `json:"novelty"`
	Tokens      int                `json:"tokens"`
	TimeMs      float64            `json:"time_ms"`
	CacheHit    bool               `json:"cache_hit"`
	Improved    bool               `json:"improved"`
	ProposalID  string             `json:"proposal_id,omitempty"`
	Stop        stoprules.Decision `json:"stop"`
	BudgetFlags []string           `json:"budget_flags,omitempty"`
}

// Improvement is a generation that replaced the champion.
type Improvement struct {
	Generation int     `json:"generation"`
	Arm        string  `json:"arm"`
	DeltaScore float64 `json:"delta_score"`
	AvgScore   float64 `json:"avg_score"`
	ProposalID string  `json:"proposal_id"`
}

// #endregion

// #region report

// Report is the end-of-run summary.
type Report struct {
	RunID          string               `json:"run_id"`
	Generations    int                  `json:"generations"`
	Elapsed        time.Duration        `json:"elapsed"`
	BaselineScore  float64              `json:"baseline_score"`
	BestScore      float64              `json:"best_score"`
	Improvements   []Improvement        `json:"improvements"`
	StopReason     string               `json:"stop_reason,omitempty"`
	RequiresReview bool                 `json:"requires_review,omitempty"`
	Bandit         bandit.Stats         `json:"bandit"`
	Evaluator      eval.Stats           `json:"evaluator"`
	Proposals      proposal.Stats       `json:"proposals"`
	Executions     []proposal.Execution `json:"executions,omitempty"`
	Error          *RunError            `json:"error,omitempty"`
}

// #endregion

// #region run-error

// Run error kinds besides the budget kinds, which pass through unchanged.
const (
	KindGenerator   = "generator_failed"
	KindPersistence = "persistence_failed"
	KindCanceled    = "canceled"
)

// RunError is the structured error a run ends with.
type RunError struct {
	Kind       string `json:"kind"`
	Message    string `json:"message"`
	Generation int    `json:"generation"`
	Err        error  `json:"-"`
}

func (e *RunError) Error() string {
	return fmt.Sprintf("generation %d: %s: %s", e.Generation, e.Kind, e.Message)
}

func (e *RunError) Unwrap() error { return e.Err }

// #endregion
