package evolution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/danielpatrickdp/adaptive-state/evoloop/internal/budget"
	"github.com/danielpatrickdp/adaptive-state/evoloop/internal/proposal"
	"github.com/danielpatrickdp/adaptive-state/evoloop/internal/stoprules"
	"github.com/danielpatrickdp/adaptive-state/evoloop/internal/telemetry"
	"github.com/google/uuid"
)

// #region options

// Options shape one run.
type Options struct {
	Goal          string
	Baseline      string
	Tasks         []Task
	RubricVersion string
	FileTarget    string
	PollEvery     int
	Now           func() time.Time
}

const defaultGoal = "Improve the workflow so it solves every validation task"

// #endregion

// #region loop-struct

// Loop runs generations strictly one after another. It is not safe for
// concurrent use.
type Loop struct {
	s    *Services
	opts Options
	log  *slog.Logger

	initialized   bool
	baselineScore float64
	champion      string
	championScore float64
	series        []stoprules.Point
	improvements  []Improvement
	executions    []proposal.Execution
}

// NewLoop fills unset options from the services' configuration.
func NewLoop(s *Services, opts Options) *Loop {
	if opts.Goal == "" {
		opts.Goal = defaultGoal
	}
	if opts.Baseline == "" {
		opts.Baseline = DefaultBaseline
	}
	if len(opts.Tasks) == 0 {
		opts.Tasks = DefaultValidationSet()
	}
	if opts.RubricVersion == "" {
		opts.RubricVersion = s.Config.Eval.RubricVersion
	}
	if opts.FileTarget == "" {
		opts.FileTarget = s.Config.Proposals.FileTarget
	}
	if opts.PollEvery <= 0 {
		opts.PollEvery = max(1, s.Config.Proposals.PollEvery)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{s: s, opts: opts, log: logger.With("component", "evolution")}
}

// #endregion

// #region run

// Run executes generations until a stop rule fires, a budget ceiling aborts
// a generation or ctx ends. Approved proposals are applied every PollEvery
// generations and once more at the end. The report is always returned; the
// error is a *RunError when the run did not end by a stop rule.
func (l *Loop) Run(ctx context.Context) (Report, error) {
	start := l.opts.Now()
	l.s.Rules.Reset()
	l.prepare(ctx)

	var (
		runErr   *RunError
		stop     stoprules.Decision
		finished int
	)
	for g := 1; ; g++ {
		if ctx.Err() != nil {
			runErr = &RunError{Kind: KindCanceled, Message: ctx.Err().Error(), Generation: g, Err: ctx.Err()}
			break
		}
		res, err := l.RunGeneration(ctx, g)
		if err != nil {
			runErr = asRunError(err, g)
			break
		}
		finished = g

		if g%l.opts.PollEvery == 0 {
			l.executeApproved(ctx)
		}
		if res.Stop.Stop {
			stop = res.Stop
			break
		}
	}

	if ctx.Err() == nil {
		l.executeApproved(ctx)
	}

	l.log.Info("run finished",
		"generations", finished,
		"best_score", l.championScore,
		"stop_reason", stop.Reason,
		"requires_review", stop.RequiresReview,
	)
	if runErr != nil {
		return l.report(start, stop.Reason, stop.RequiresReview, runErr), runErr
	}
	return l.report(start, stop.Reason, stop.RequiresReview, nil), nil
}

// prepare scores the baseline once so the first variant has something to
// beat.
func (l *Loop) prepare(ctx context.Context) {
	if l.initialized {
		return
	}
	avg, _, _ := l.score(ctx, l.opts.Baseline)
	l.champion = l.opts.Baseline
	l.championScore = avg
	l.baselineScore = avg
	l.initialized = true
	l.log.Info("baseline scored", "score", avg, "tasks", len(l.opts.Tasks))
}

func (l *Loop) executeApproved(ctx context.Context) {
	execs, err := l.s.Proposals.ExecuteApproved(ctx)
	if err != nil {
		l.log.Error("execute approved proposals", "error", err)
		return
	}
	l.executions = append(l.executions, execs...)
	if len(execs) > 0 {
		l.log.Info("approved proposals executed", "count", len(execs))
	}
}

// #endregion

// #region generation

// RunGeneration performs one full generation inside a budget guard. A budget
// error aborts the generation: nothing is learned from it, no proposal is
// made and it is not added to the score series.
func (l *Loop) RunGeneration(ctx context.Context, g int) (GenerationResult, error) {
	l.prepare(ctx)
	start := l.opts.Now()
	res := GenerationResult{Generation: g, VariantID: fmt.Sprintf("variant_%d_%s", g, uuid.NewString()[:8])}
	var variant Variant

	err := l.s.Budget.Guard(ctx, g, func(ctx context.Context) error {
		champEmb := l.embed(ctx, g, "champion", l.champion)
		res.Arm = l.s.Bandit.SelectArm(champEmb)

		v, err := l.generate(ctx, res.Arm)
		if err != nil {
			return err
		}
		variant = v
		res.Tokens = v.Tokens
		if err := l.s.Budget.ConsumeTokens(v.Tokens); err != nil {
			return err
		}
		if err := l.s.Budget.CheckTimeLimit(); err != nil {
			return err
		}

		avg, robust, cacheHit := l.score(ctx, v.Text)
		if err := l.s.Budget.CheckTimeLimit(); err != nil {
			return err
		}
		res.Score, res.Robustness, res.CacheHit = avg, robust, cacheHit

		varEmb := l.embed(ctx, g, "variant", v.Text)
		res.Novelty = l.s.Bandit.ComputeNovelty(varEmb)
		reward := min(1, max(0, avg/100))
		if err := l.s.Bandit.Update(res.Arm, reward, varEmb); err != nil {
			return &RunError{Kind: KindPersistence, Message: err.Error(), Generation: g, Err: err}
		}
		return nil
	})
	res.TimeMs = float64(l.opts.Now().Sub(start).Microseconds()) / 1000

	if err != nil {
		if kind, ok := budget.KindOf(err); ok {
			res.BudgetFlags = []string{string(kind)}
		}
		l.logTelemetry(res, variant.Text)
		return res, asRunError(err, g)
	}

	res.Delta = res.Score - l.championScore
	if res.Score > l.championScore {
		if err := l.promote(ctx, &res, variant.Text); err != nil {
			return res, asRunError(err, g)
		}
	}
	l.s.Metrics.Generation(l.championScore)

	l.series = append(l.series, stoprules.Point{Generation: g, Score: res.Score, Robustness: res.Robustness})
	res.Stop = l.s.Rules.Check(l.series)
	if err := l.logTelemetry(res, variant.Text); err != nil {
		return res, asRunError(err, g)
	}

	l.log.Info("generation complete",
		"generation", g,
		"arm", res.Arm,
		"score", res.Score,
		"delta", res.Delta,
		"robust_pct", res.Robustness,
		"novelty", res.Novelty,
		"improved", res.Improved,
		"stop", res.Stop.Stop,
	)
	return res, nil
}

// generate registers one agent and holds one concurrency slot around the
// generator call.
func (l *Loop) generate(ctx context.Context, arm string) (Variant, error) {
	if err := l.s.Budget.RegisterAgent(); err != nil {
		return Variant{}, err
	}
	defer l.s.Budget.UnregisterAgent()
	if err := l.s.Budget.AcquireSlot(); err != nil {
		return Variant{}, err
	}
	defer l.s.Budget.ReleaseSlot()

	v, err := l.s.Generator.Generate(ctx, arm, l.champion, l.opts.Goal)
	if err != nil {
		return Variant{}, &RunError{Kind: KindGenerator, Message: err.Error(), Err: err}
	}
	return v, nil
}

// score averages quality over the validation set. Robustness is the
// percentage of tasks whose evaluation accepted the text.
func (l *Loop) score(ctx context.Context, text string) (avg, robust float64, cacheHit bool) {
	if len(l.opts.Tasks) == 0 {
		return 0, 0, false
	}
	var total float64
	accepted := 0
	for _, t := range l.opts.Tasks {
		r := l.s.Evaluator.Evaluate(ctx, t.Goal, text, l.opts.RubricVersion)
		total += r.QualityScore
		if r.Accepted() {
			accepted++
		}
		cacheHit = cacheHit || r.UsedCache
	}
	n := float64(len(l.opts.Tasks))
	return total / n, float64(accepted) / n * 100, cacheHit
}

// promote records a proposal for the improving variant and makes it the
// champion.
func (l *Loop) promote(ctx context.Context, res *GenerationResult, text string) error {
	prev := l.championScore
	p, err := l.s.Proposals.Propose(ctx, proposal.Request{
		VariantID:      res.VariantID,
		Arm:            res.Arm,
		PredictedDelta: res.Delta,
		FileTarget:     l.opts.FileTarget,
		OldContent:     l.champion,
		NewContent:     text,
		Rationale:      fmt.Sprintf("%s mutation improved average score from %.2f to %.2f", res.Arm, prev, res.Score),
	})
	if err != nil {
		return &RunError{Kind: KindPersistence, Message: err.Error(), Generation: res.Generation, Err: err}
	}
	l.champion = text
	l.championScore = res.Score
	res.Improved = true
	res.ProposalID = p.ID
	l.improvements = append(l.improvements, Improvement{
		Generation: res.Generation,
		Arm:        res.Arm,
		DeltaScore: res.Delta,
		AvgScore:   res.Score,
		ProposalID: p.ID,
	})
	return nil
}

func (l *Loop) logTelemetry(res GenerationResult, text string) error {
	err := l.s.Telemetry.Log(telemetry.Entry{
		Generation:    res.Generation,
		Arm:           res.Arm,
		Seed:          telemetry.Seed(l.s.Telemetry.RunID(), res.Generation),
		WorkflowHash:  telemetry.Hash(text),
		RubricVersion: l.opts.RubricVersion,
		DeltaScore:    res.Delta,
		Score:         res.Score,
		Tokens:        res.Tokens,
		TimeMs:        res.TimeMs,
		CacheHit:      res.CacheHit,
		Novelty:       res.Novelty,
		RobustPct:     res.Robustness,
		BudgetFlags:   res.BudgetFlags,
	})
	if err != nil {
		l.log.Error("telemetry write failed", "generation", res.Generation, "error", err)
		return &RunError{Kind: KindPersistence, Message: err.Error(), Generation: res.Generation, Err: err}
	}
	return nil
}

// embed returns nil when the embedder fails. The bandit treats a nil
// embedding as unknown: no novelty penalty and nothing recorded.
func (l *Loop) embed(ctx context.Context, g int, what, text string) []float64 {
	vec, err := l.s.Embedder.Embed(ctx, text)
	if err != nil {
		l.log.Warn("embedding failed", "generation", g, "text", what, "error", err)
		return nil
	}
	return vec
}

// #endregion

// #region report

// Champion returns the current best workflow and its score.
func (l *Loop) Champion() (string, float64) { return l.champion, l.championScore }

func (l *Loop) report(start time.Time, reason string, review bool, err error) Report {
	r := Report{
		RunID:          l.s.Telemetry.RunID(),
		Generations:    len(l.series),
		Elapsed:        l.opts.Now().Sub(start),
		BaselineScore:  l.baselineScore,
		BestScore:      l.championScore,
		Improvements:   l.improvements,
		StopReason:     reason,
		RequiresReview: review,
		Bandit:         l.s.Bandit.Stats(),
		Evaluator:      l.s.Evaluator.Stats(),
		Executions:     l.executions,
	}
	if stats, serr := l.s.Proposals.Stats(); serr == nil {
		r.Proposals = stats
	}
	var re *RunError
	if errors.As(err, &re) {
		r.Error = re
	}
	return r
}

// asRunError keeps a RunError as is and wraps anything else, deriving the
// kind from budget errors.
func asRunError(err error, g int) *RunError {
	var re *RunError
	if errors.As(err, &re) {
		if re.Generation == 0 {
			re.Generation = g
		}
		return re
	}
	kind := KindGenerator
	msg := err.Error()
	var be *budget.Error
	if errors.As(err, &be) {
		kind, msg = string(be.Kind), be.Message
	} else if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		kind = KindCanceled
	}
	return &RunError{Kind: kind, Message: msg, Generation: g, Err: err}
}

// #endregion
