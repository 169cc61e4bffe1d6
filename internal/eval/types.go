package eval

import (
	"context"

	"github.com/danielpatrickdp/adaptive-state/evoloop/internal/heuristics"
)

// #region decision
// Decision is the accept/reject verdict of an evaluation.
type Decision string

const (
	DecisionAccept Decision = "accept"
	DecisionReject Decision = "reject"
)

// Route names the tier that produced a result.
type Route string

const (
	RouteHeuristicReject Route = "heuristic_reject"
	RouteHeuristicAccept Route = "heuristic_accept"
	RouteJudged          Route = "judged"
)

// #endregion decision

// #region dimensions
// Rubric dimensions scored by the judge.
const (
	DimCorrectness  = "correctness"
	DimFaithfulness = "faithfulness"
	DimCompleteness = "completeness"
	DimSafety       = "safety"
	DimEfficiency   = "efficiency"
)

// Dimensions lists every rubric dimension in reporting order.
var Dimensions = []string{DimCorrectness, DimFaithfulness, DimCompleteness, DimSafety, DimEfficiency}

// NeutralScores is substituted when the judge fails or answers malformed.
func NeutralScores() map[string]float64 {
	return map[string]float64{
		DimCorrectness:  50,
		DimFaithfulness: 50,
		DimCompleteness: 50,
		DimSafety:       70,
		DimEfficiency:   50,
	}
}

// #endregion dimensions

// #region collaborators
// Judge scores a candidate on every rubric dimension in [0,100].
type Judge interface {
	Score(ctx context.Context, goal, text string) (map[string]float64, error)
}

// Screener is the fast first tier. *heuristics.Validator satisfies it.
type Screener interface {
	Validate(text, schemaName string) heuristics.Result
}

// #endregion collaborators

// #region config
// Config holds routing thresholds and the rubric.
type Config struct {
	TauLow        float64
	TauHigh       float64
	AcceptScore   float64
	JudgeWeight   float64 // share of the judge in the blended dimension score
	RubricVersion string
	Weights       map[string]float64
	Schema        string // optional named schema applied to every candidate
}

// DefaultConfig returns the v1 routing and rubric.
func DefaultConfig() Config {
	return Config{
		TauLow:        0.3,
		TauHigh:       0.8,
		AcceptScore:   80,
		JudgeWeight:   0.7,
		RubricVersion: "v1",
		Weights: map[string]float64{
			DimCorrectness:  0.30,
			DimFaithfulness: 0.25,
			DimCompleteness: 0.20,
			DimSafety:       0.15,
			DimEfficiency:   0.10,
		},
	}
}

// #endregion config

// #region result
// Candidate is a text artifact to be scored.
type Candidate struct {
	Goal          string `json:"goal"`
	Text          string `json:"text"`
	RubricVersion string `json:"rubric_version"`
}

// Result is the output of Evaluate. It is JSON-serialisable and is what the
// cache stores.
type Result struct {
	Decision       Decision           `json:"decision"`
	QualityScore   float64            `json:"quality_score"`
	ScoreBreakdown map[string]float64 `json:"score_breakdown"`
	Violations     []string           `json:"violations"`
	RoutingPath    Route              `json:"routing_path"`
	UsedCache      bool               `json:"used_cache"`
	LatencyMs      float64            `json:"latency_ms"`
	JudgeFallback  bool               `json:"judge_fallback,omitempty"`
}

// Accepted reports whether the decision is accept.
func (r Result) Accepted() bool { return r.Decision == DecisionAccept }

// Stats are counters since construction plus derived rates in [0,1].
type Stats struct {
	TotalEvaluations     int     `json:"total_evaluations"`
	CacheHits            int     `json:"cache_hits"`
	HeuristicRejects     int     `json:"heuristic_rejects"`
	HeuristicAccepts     int     `json:"heuristic_accepts"`
	JudgeCalls           int     `json:"judge_calls"`
	JudgeFailures        int     `json:"judge_failures"`
	CacheHitRate         float64 `json:"cache_hit_rate"`
	HeuristicRoutingRate float64 `json:"heuristic_routing_rate"`
	JudgeUsageRate       float64 `json:"judge_usage_rate"`
}

// #endregion result
