// Package stoprules decides when an optimisation run should halt.
package stoprules

import (
	"fmt"
	"log/slog"
	"sync"
)

const (
	plateauSpan = 3
	flatVar     = 0.01
)

// Reason prefixes.
const (
	ReasonMaxGenerations = "max_generations"
	ReasonTarget         = "target_achieved"
	ReasonStagnation     = "stagnation"
	ReasonSafetyPlateau  = "safety_plateau:HITL_required"
)

// #region types
// Config tunes the rules.
type Config struct {
	MaxGenerations   int
	TargetScore      float64
	Window           int     // size of the recent and baseline windows
	BaselineLag      int     // generations the baseline window trails the recent one
	PValue           float64 // stagnant when the test p-value exceeds this
	MinUplift        float64 // and the mean uplift is below this
	Patience         int     // consecutive stagnant checks before stopping
	SafetyDrop       float64 // robustness fall, as a fraction of 100
	SafetyScoreDelta float64 // score rise that makes a robustness fall suspicious
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{
		MaxGenerations:   10,
		TargetScore:      90,
		Window:           5,
		BaselineLag:      1,
		PValue:           0.2,
		MinUplift:        0.5,
		Patience:         3,
		SafetyDrop:       0.1,
		SafetyScoreDelta: 1.0,
	}
}

// Point is one generation of the score series.
type Point struct {
	Generation int     `json:"generation"`
	Score      float64 `json:"score"`
	Robustness float64 `json:"robustness"`
}

// Decision is the outcome of one check.
type Decision struct {
	Stop           bool    `json:"stop"`
	Reason         string  `json:"reason,omitempty"`
	RequiresReview bool    `json:"requires_review,omitempty"`
	Stagnant       bool    `json:"stagnant"`
	StagnantRun    int     `json:"stagnant_run"`
	PValue         float64 `json:"p_value,omitempty"`
	Uplift         float64 `json:"uplift,omitempty"`
}

// #endregion types

// #region rules
// Rules carries the consecutive stagnation counter between checks, so each
// generation must be checked exactly once.
type Rules struct {
	config Config
	logger *slog.Logger

	mu    sync.Mutex
	flags int
}

func New(config Config, logger *slog.Logger) *Rules {
	if logger == nil {
		logger = slog.Default()
	}
	if config.BaselineLag < 1 {
		config.BaselineLag = 1
	}
	return &Rules{config: config, logger: logger.With("component", "stoprules")}
}

// Reset clears the stagnation counter for a new run.
func (r *Rules) Reset() {
	r.mu.Lock()
	r.flags = 0
	r.mu.Unlock()
}

// ShouldStop checks plain score and optional robustness series.
func (r *Rules) ShouldStop(scores, robustness []float64) (bool, string) {
	series := make([]Point, len(scores))
	for i, s := range scores {
		series[i] = Point{Generation: i + 1, Score: s, Robustness: -1}
		if i < len(robustness) {
			series[i].Robustness = robustness[i]
		}
	}
	d := r.check(series, len(robustness) > 0)
	return d.Stop, d.Reason
}

// Check evaluates the rules against the full series so far.
func (r *Rules) Check(series []Point) Decision {
	return r.check(series, true)
}

func (r *Rules) check(series []Point, withRobustness bool) Decision {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(series)
	if n == 0 {
		return Decision{}
	}
	if n >= r.config.MaxGenerations {
		return Decision{Stop: true, Reason: fmt.Sprintf("%s:%d", ReasonMaxGenerations, r.config.MaxGenerations)}
	}
	last := series[n-1].Score
	if last >= r.config.TargetScore {
		return Decision{Stop: true, Reason: fmt.Sprintf("%s:%.1f>=%.1f", ReasonTarget, last, r.config.TargetScore)}
	}

	scores := make([]float64, n)
	for i, p := range series {
		scores[i] = p.Score
	}

	var d Decision
	if n >= r.config.Window+2 && n >= r.config.Window+r.config.BaselineLag {
		d.Stagnant, d.PValue, d.Uplift = r.stagnant(scores)
		if d.Stagnant {
			r.flags++
		} else {
			r.flags = 0
		}
		d.StagnantRun = r.flags
	}

	if withRobustness && r.safetyPlateau(series) {
		r.logger.Warn("safety plateau detected", "generation", series[n-1].Generation)
		d.Stop, d.Reason, d.RequiresReview = true, ReasonSafetyPlateau, true
		return d
	}
	if d.Stagnant && r.flags >= r.config.Patience {
		d.Stop = true
		d.Reason = fmt.Sprintf("%s:%d_consecutive_flags", ReasonStagnation, r.flags)
	}
	return d
}

// #endregion rules

// #region stagnation
// stagnant compares the most recent window against a baseline window of the
// same size ending BaselineLag generations earlier.
func (r *Rules) stagnant(scores []float64) (bool, float64, float64) {
	n, w, lag := len(scores), r.config.Window, r.config.BaselineLag
	recent := scores[n-w:]
	baseline := scores[n-w-lag : n-lag]
	uplift := mean(recent) - mean(baseline)

	_, _, p, err := WelchTTest(recent, baseline)
	if err != nil {
		return populationVariance(recent) < flatVar, 0, uplift
	}
	return p > r.config.PValue && uplift < r.config.MinUplift, p, uplift
}

// #endregion stagnation

// #region safety
// safetyPlateau is a rising score with falling robustness over the last two
// spans of three generations.
func (r *Rules) safetyPlateau(series []Point) bool {
	n := len(series)
	if n < 2*plateauSpan {
		return false
	}
	var scoreRecent, scorePrev, robRecent, robPrev float64
	for i := n - 2*plateauSpan; i < n; i++ {
		p := series[i]
		if p.Robustness < 0 {
			return false
		}
		if i >= n-plateauSpan {
			scoreRecent += p.Score
			robRecent += p.Robustness
		} else {
			scorePrev += p.Score
			robPrev += p.Robustness
		}
	}
	scoreTrend := (scoreRecent - scorePrev) / plateauSpan
	robTrend := (robRecent - robPrev) / plateauSpan
	return scoreTrend > r.config.SafetyScoreDelta && robTrend < -r.config.SafetyDrop*100
}

// #endregion safety
