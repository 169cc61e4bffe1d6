// Package evolution runs the generation loop: select a mutation arm, generate
// a variant, score it, learn from the reward and propose improvements for
// human review.
package evolution

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/danielpatrickdp/adaptive-state/evoloop/internal/bandit"
	"github.com/danielpatrickdp/adaptive-state/evoloop/internal/budget"
	"github.com/danielpatrickdp/adaptive-state/evoloop/internal/cache"
	"github.com/danielpatrickdp/adaptive-state/evoloop/internal/config"
	"github.com/danielpatrickdp/adaptive-state/evoloop/internal/eval"
	"github.com/danielpatrickdp/adaptive-state/evoloop/internal/heuristics"
	"github.com/danielpatrickdp/adaptive-state/evoloop/internal/judge"
	"github.com/danielpatrickdp/adaptive-state/evoloop/internal/metrics"
	"github.com/danielpatrickdp/adaptive-state/evoloop/internal/proposal"
	"github.com/danielpatrickdp/adaptive-state/evoloop/internal/stoprules"
	"github.com/danielpatrickdp/adaptive-state/evoloop/internal/telemetry"
)

// #region services

// Services is the explicit context object every component is reached
// through. Nothing is a package-level singleton.
type Services struct {
	Config    config.Config
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
	Validator *heuristics.Validator
	Evaluator *eval.Evaluator
	Bandit    *bandit.Controller
	Budget    *budget.Manager
	Rules     *stoprules.Rules
	Proposals *proposal.Manager
	Telemetry *telemetry.Logger
	Embedder  bandit.Embedder
	Generator Generator

	closers []func() error
}

// NewServices builds every component from cfg. Without a collaborator
// address the judge is absent (neutral fallback), embeddings are hashed and
// variants come from templates.
func NewServices(cfg config.Config, logger *slog.Logger, m *metrics.Metrics) (*Services, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Services{Config: cfg, Logger: logger, Metrics: m}
	ok := false
	defer func() {
		if !ok {
			s.Close()
		}
	}()

	tel, err := telemetry.New(cfg.Paths.TelemetryLog)
	if err != nil {
		return nil, err
	}
	s.Telemetry = tel

	s.Validator = heuristics.New(heuristics.Config{
		MaxChars:     cfg.Eval.MaxChars,
		MaxTokensEst: cfg.Eval.MaxTokensEst,
		SchemaDir:    cfg.Eval.SchemaDir,
	})

	var c *cache.Cache
	if cfg.Cache.Enabled {
		c, err = cache.New(cfg.Paths.CacheFile, cache.Config{
			Enabled:    true,
			TTL:        cfg.Cache.TTL,
			MaxEntries: cfg.Cache.MaxEntries,
		}, cache.WithLogger(logger))
		if err != nil {
			return nil, err
		}
	}

	var j eval.Judge
	var generator Generator = NewTemplateGenerator()
	s.Embedder = bandit.HashEmbedder{}
	if cfg.Judge.Addr != "" {
		client, err := judge.NewClient(judge.Config{
			Addr:       cfg.Judge.Addr,
			Timeout:    cfg.Judge.Timeout,
			RatePerSec: cfg.Judge.RatePerSec,
			Params:     judge.Params{Temperature: cfg.Judge.Temperature, MaxTokens: cfg.Judge.MaxTokens},
		})
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, client.Close)
		j = selectJudge(cfg.Judge, client)
		s.Embedder = bandit.FallbackEmbedder{Primary: client, Logger: logger}
		generator = CompletionGenerator{
			Completer: client,
			Params:    judge.Params{Temperature: 0.7, MaxTokens: cfg.Judge.MaxTokens},
			Fallback:  generator,
			Logger:    logger,
		}
	}
	s.Generator = generator

	evalCfg := eval.DefaultConfig()
	evalCfg.TauLow = cfg.Eval.TauLow
	evalCfg.TauHigh = cfg.Eval.TauHigh
	evalCfg.AcceptScore = cfg.Eval.AcceptScore
	evalCfg.RubricVersion = cfg.Eval.RubricVersion
	evalCfg.Weights = cfg.Eval.RubricWeights
	evalCfg.Schema = cfg.Eval.Schema
	s.Evaluator = eval.New(evalCfg, s.Validator, j, c, eval.WithLogger(logger), eval.WithMetrics(m))

	s.Bandit, err = bandit.New(bandit.Config{
		Arms:             cfg.Bandit.Arms,
		Beta:             cfg.Bandit.Beta,
		NoveltyThreshold: cfg.Bandit.NoveltyThreshold,
	}, bandit.NewJSONLStore(cfg.Paths.BanditLog), bandit.WithLogger(logger), bandit.WithMetrics(m))
	if err != nil {
		return nil, err
	}

	s.Budget = budget.New(budget.Config{
		MaxTokensPerGen: cfg.Budget.MaxTokensPerGen,
		MaxTime:         cfg.Budget.MaxTime,
		MaxAgents:       cfg.Budget.MaxAgents,
		MaxConcurrency:  cfg.Budget.MaxConcurrency,
		PreemptionMode:  budget.Mode(cfg.Budget.PreemptionMode),
		GracePeriod:     cfg.Budget.GracePeriod,
		LogEvents:       cfg.Budget.LogEvents,
		LogPath:         cfg.Paths.BudgetLog,
	}, budget.WithLogger(logger), budget.WithMetrics(m))

	s.Rules = stoprules.New(stoprules.Config{
		MaxGenerations:   cfg.Stop.MaxGenerations,
		TargetScore:      cfg.Stop.TargetScore,
		Window:           cfg.Stop.Window,
		BaselineLag:      cfg.Stop.BaselineLag,
		PValue:           cfg.Stop.PValue,
		MinUplift:        cfg.Stop.MinUplift,
		Patience:         cfg.Stop.Patience,
		SafetyDrop:       cfg.Stop.SafetyDrop,
		SafetyScoreDelta: cfg.Stop.SafetyScoreDelta,
	}, logger)

	s.Proposals, err = OpenProposals(cfg, logger, m, tel.RunID())
	if err != nil {
		return nil, err
	}

	ok = true
	return s, nil
}

// collaborator is what the judge client offers: structured scoring and
// free-form completion.
type collaborator interface {
	eval.Judge
	eval.Completer
}

// selectJudge picks the scoring path for the configured judge mode.
func selectJudge(cfg config.JudgeConfig, client collaborator) eval.Judge {
	if cfg.Mode == "prompt" {
		return eval.PromptJudge{
			Completer: client,
			Params:    judge.Params{Temperature: cfg.Temperature, MaxTokens: cfg.MaxTokens},
		}
	}
	return client
}

// OpenProposals opens the approval store and ledger alone, for commands that
// only review proposals.
func OpenProposals(cfg config.Config, logger *slog.Logger, m *metrics.Metrics, runID string) (*proposal.Manager, error) {
	store, err := proposal.NewStore(cfg.Paths.ApprovalDB)
	if err != nil {
		return nil, fmt.Errorf("approval store: %w", err)
	}
	var applier proposal.Applier = proposal.DryRunApplier{}
	if cfg.Proposals.ApplyRoot != "" {
		applier = proposal.FileApplier{Root: cfg.Proposals.ApplyRoot}
	}
	return proposal.NewManager(store, proposal.NewLedger(cfg.Paths.Ledger), applier,
		proposal.WithLogger(logger),
		proposal.WithMetrics(m),
		proposal.WithRunID(runID),
	), nil
}

// Close releases every owned resource.
func (s *Services) Close() error {
	var errs []error
	if s.Proposals != nil {
		errs = append(errs, s.Proposals.Close())
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i]())
	}
	return errors.Join(errs...)
}

// #endregion
