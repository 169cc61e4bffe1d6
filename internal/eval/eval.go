// Package eval implements the two-tier evaluator: a heuristic screen that
// settles clear cases, and a judge consulted only for the ambiguous band.
package eval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/danielpatrickdp/adaptive-state/evoloop/internal/cache"
	"github.com/danielpatrickdp/adaptive-state/evoloop/internal/heuristics"
	"github.com/danielpatrickdp/adaptive-state/evoloop/internal/metrics"
)

// ErrJudgeUnavailable is logged when no judge is configured for a judged route.
var ErrJudgeUnavailable = errors.New("judge unavailable")

// #region evaluator
// Evaluator scores candidates. Safe for concurrent use.
type Evaluator struct {
	config   Config
	dims     []string
	screener Screener
	judge    Judge
	cache    *cache.Cache
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time

	mu    sync.Mutex
	stats Stats
}

// Option customises an Evaluator.
type Option func(*Evaluator)

func WithMetrics(m *metrics.Metrics) Option { return func(e *Evaluator) { e.metrics = m } }

func WithLogger(l *slog.Logger) Option { return func(e *Evaluator) { e.logger = l } }

func WithClock(now func() time.Time) Option { return func(e *Evaluator) { e.now = now } }

// New builds an evaluator. judge and c may be nil: a nil judge always falls
// back to neutral scores and a nil cache disables caching.
func New(config Config, screener Screener, judge Judge, c *cache.Cache, opts ...Option) *Evaluator {
	e := &Evaluator{
		config:   config,
		dims:     rubricOrder(config.Weights),
		screener: screener,
		judge:    judge,
		cache:    c,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	e.logger = e.logger.With("component", "eval")
	return e
}

// #endregion evaluator

// #region evaluate
// Evaluate scores text against goal. An empty rubricVersion uses the
// configured one. It never fails: judge errors degrade to neutral scores.
func (e *Evaluator) Evaluate(ctx context.Context, goal, text, rubricVersion string) Result {
	start := e.now()
	if rubricVersion == "" {
		rubricVersion = e.config.RubricVersion
	}
	key := cache.Key(goal, text, rubricVersion)

	if res, ok := e.lookup(key); ok {
		res.UsedCache = true
		res.LatencyMs = e.elapsedMs(start)
		e.record(func(s *Stats) { s.CacheHits++ })
		e.metrics.Evaluation(string(res.RoutingPath), true, res.LatencyMs/1000)
		return res
	}

	h := e.screener.Validate(text, e.config.Schema)
	var res Result
	switch {
	case h.Score < e.config.TauLow:
		res = e.heuristicResult(h, DecisionReject, RouteHeuristicReject)
		e.record(func(s *Stats) { s.HeuristicRejects++ })
	case h.Score > e.config.TauHigh:
		res = e.heuristicResult(h, DecisionAccept, RouteHeuristicAccept)
		e.record(func(s *Stats) { s.HeuristicAccepts++ })
	default:
		res = e.judged(ctx, goal, text, h)
	}
	res.LatencyMs = e.elapsedMs(start)

	if e.cache != nil {
		if raw, err := json.Marshal(res); err == nil {
			if err := e.cache.Put(key, raw); err != nil {
				e.logger.Warn("cache write failed", "key", key, "error", err)
			}
		}
	}
	e.metrics.Evaluation(string(res.RoutingPath), false, res.LatencyMs/1000)
	return res
}

// EvaluateCandidate is Evaluate over a Candidate value. An empty rubric
// version means the configured one.
func (e *Evaluator) EvaluateCandidate(ctx context.Context, c Candidate) Result {
	return e.Evaluate(ctx, c.Goal, c.Text, c.RubricVersion)
}

// lookup decodes a cached payload into a fresh Result. Undecodable payloads
// are misses.
func (e *Evaluator) lookup(key string) (Result, bool) {
	e.record(func(s *Stats) { s.TotalEvaluations++ })
	if e.cache == nil {
		return Result{}, false
	}
	raw, ok := e.cache.Get(key)
	if !ok {
		return Result{}, false
	}
	var res Result
	if err := json.Unmarshal(raw, &res); err != nil || res.Decision == "" {
		e.logger.Warn("cached evaluation unreadable", "key", key)
		return Result{}, false
	}
	return res, true
}

// #endregion evaluate

// #region routes
func (e *Evaluator) heuristicResult(h heuristics.Result, d Decision, route Route) Result {
	score := h.Score * 100
	length := h.LengthScore() * 100
	safety := 100.0
	if len(h.Violations) > 0 {
		safety = 0
	}
	return Result{
		Decision:     d,
		QualityScore: score,
		ScoreBreakdown: map[string]float64{
			DimCorrectness:  score,
			DimFaithfulness: score,
			DimCompleteness: length,
			DimSafety:       safety,
			DimEfficiency:   length,
		},
		Violations:  violationsOf(h),
		RoutingPath: route,
	}
}

func (e *Evaluator) judged(ctx context.Context, goal, text string, h heuristics.Result) Result {
	e.record(func(s *Stats) { s.JudgeCalls++ })
	scores, err := e.callJudge(ctx, goal, text)
	fallback := false
	if err != nil {
		fallback = true
		scores = NeutralScores()
		e.record(func(s *Stats) { s.JudgeFailures++ })
		e.metrics.JudgeFailure()
		e.logger.Warn("judge failed, using neutral scores", "error", err)
	}

	hScaled := h.Score * 100
	breakdown := make(map[string]float64, len(e.config.Weights))
	var quality float64
	for _, dim := range e.dims {
		w := e.config.Weights[dim]
		js, ok := scores[dim]
		if !ok {
			js = 50
		}
		blended := e.config.JudgeWeight*js + (1-e.config.JudgeWeight)*hScaled
		breakdown[dim] = blended
		quality += blended * w
	}

	d := DecisionReject
	if quality >= e.config.AcceptScore {
		d = DecisionAccept
	}
	return Result{
		Decision:       d,
		QualityScore:   quality,
		ScoreBreakdown: breakdown,
		Violations:     violationsOf(h),
		RoutingPath:    RouteJudged,
		JudgeFallback:  fallback,
	}
}

// callJudge rejects responses missing a rubric dimension or carrying a value
// outside [0,100].
func (e *Evaluator) callJudge(ctx context.Context, goal, text string) (map[string]float64, error) {
	if e.judge == nil {
		return nil, ErrJudgeUnavailable
	}
	scores, err := e.judge.Score(ctx, goal, text)
	if err != nil {
		return nil, err
	}
	for _, dim := range e.dims {
		v, ok := scores[dim]
		if !ok {
			return nil, fmt.Errorf("malformed judge response: missing %q", dim)
		}
		if math.IsNaN(v) || v < 0 || v > 100 {
			return nil, fmt.Errorf("malformed judge response: %s=%v", dim, v)
		}
	}
	return scores, nil
}

// #endregion routes

// rubricOrder lists the weighted dimensions in a fixed order: the known
// dimensions first, then any others sorted by name. The quality sum runs in
// this order.
func rubricOrder(weights map[string]float64) []string {
	order := make([]string, 0, len(weights))
	for _, dim := range Dimensions {
		if _, ok := weights[dim]; ok {
			order = append(order, dim)
		}
	}
	var extra []string
	for dim := range weights {
		if !slices.Contains(Dimensions, dim) {
			extra = append(extra, dim)
		}
	}
	slices.Sort(extra)
	return append(order, extra...)
}

// #region stats
// Stats returns counters and derived rates.
func (e *Evaluator) Stats() Stats {
	e.mu.Lock()
	s := e.stats
	e.mu.Unlock()
	if s.TotalEvaluations > 0 {
		total := float64(s.TotalEvaluations)
		s.CacheHitRate = float64(s.CacheHits) / total
		s.HeuristicRoutingRate = float64(s.HeuristicRejects+s.HeuristicAccepts) / total
		s.JudgeUsageRate = float64(s.JudgeCalls) / total
	}
	return s
}

func (e *Evaluator) record(f func(*Stats)) {
	e.mu.Lock()
	f(&e.stats)
	e.mu.Unlock()
}

// #endregion stats

// #region helpers
func (e *Evaluator) elapsedMs(start time.Time) float64 {
	return float64(e.now().Sub(start).Microseconds()) / 1000
}

func violationsOf(h heuristics.Result) []string {
	out := make([]string, len(h.Violations))
	copy(out, h.Violations)
	return out
}

// #endregion helpers
