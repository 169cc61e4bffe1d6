package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danielpatrickdp/adaptive-state/evoloop/internal/evolution"
	"github.com/danielpatrickdp/adaptive-state/evoloop/internal/metrics"
	"github.com/danielpatrickdp/adaptive-state/evoloop/internal/proposal"
	"github.com/spf13/cobra"
)

// #region run-cmd

type runFlags struct {
	generations int
	goal        string
	baseline    string
	metricsAddr string
	watch       bool
	out         string
}

func newRunCmd(a *app) *cobra.Command {
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run generations until a stop rule fires",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, f)
		},
	}
	cmd.Flags().IntVarP(&f.generations, "generations", "n", 0, "override stop.max_generations")
	cmd.Flags().StringVar(&f.goal, "goal", "", "optimisation goal passed to the judge")
	cmd.Flags().StringVar(&f.baseline, "baseline", "", "file holding the starting workflow")
	cmd.Flags().StringVar(&f.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	cmd.Flags().BoolVar(&f.watch, "watch", false, "re-check the ledger whenever it changes")
	cmd.Flags().StringVarP(&f.out, "out", "o", "", "write the final champion workflow to this file")
	return cmd
}

func (a *app) run(cmd *cobra.Command, f *runFlags) error {
	cfg := a.cfg
	if f.generations > 0 {
		cfg.Stop.MaxGenerations = f.generations
	}
	var baseline string
	if f.baseline != "" {
		raw, err := os.ReadFile(f.baseline)
		if err != nil {
			return err
		}
		baseline = string(raw)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	if f.metricsAddr != "" {
		srv := serveMetrics(f.metricsAddr, m, a)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	s, err := evolution.NewServices(cfg, a.logger, m)
	if err != nil {
		return err
	}
	defer s.Close()

	if f.watch || cfg.Proposals.Watch {
		// registered after s.Close so the watcher is gone before the store closes
		defer watchLedger(ctx, s.Proposals, a.logger)()
	}

	a.logger.Info("run starting",
		"run_id", s.Telemetry.RunID(),
		"max_generations", cfg.Stop.MaxGenerations,
		"arms", cfg.Bandit.Arms,
		"judge", cfg.Judge.Addr != "",
	)
	loop := evolution.NewLoop(s, evolution.Options{Goal: f.goal, Baseline: baseline})
	report, runErr := loop.Run(ctx)
	if f.out != "" {
		champion, score := loop.Champion()
		if err := os.WriteFile(f.out, []byte(champion), 0o644); err != nil {
			return fmt.Errorf("write champion: %w", err)
		}
		a.logger.Info("champion written", "path", f.out, "score", score)
	}

	out := cmd.OutOrStdout()
	if a.jsonOut {
		if err := printJSON(out, report); err != nil {
			return err
		}
	} else {
		printReport(out, report)
	}
	return runErr
}

// watchLedger polls the ledger on every edit until the returned stop
// function is called. stop waits for the watcher to exit.
func watchLedger(ctx context.Context, pm *proposal.Manager, logger *slog.Logger) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		err := pm.Watch(ctx, 500*time.Millisecond, func(changed []proposal.Proposal) {
			for _, p := range changed {
				logger.Info("ledger decision picked up", "proposal_id", p.ID, "status", p.Status)
			}
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("ledger watch stopped", "error", err)
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func serveMetrics(addr string, m *metrics.Metrics, a *app) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server", "addr", addr, "error", err)
		}
	}()
	a.logger.Info("metrics listening", "addr", addr)
	return srv
}

// #endregion run-cmd

// #region report

func printReport(w io.Writer, r evolution.Report) {
	fmt.Fprintf(w, "Run %s\n", r.RunID)
	fmt.Fprintf(w, "  generations:  %d (%s)\n", r.Generations, r.Elapsed.Round(time.Millisecond))
	fmt.Fprintf(w, "  baseline:     %.2f\n", r.BaselineScore)
	fmt.Fprintf(w, "  best:         %.2f\n", r.BestScore)
	if r.StopReason != "" {
		fmt.Fprintf(w, "  stop reason:  %s\n", r.StopReason)
	}
	if r.RequiresReview {
		fmt.Fprintf(w, "  REVIEW REQUIRED: robustness fell while the score rose\n")
	}
	if r.Error != nil {
		fmt.Fprintf(w, "  error:        %s\n", r.Error.Error())
	}

	if len(r.Improvements) > 0 {
		fmt.Fprintf(w, "\n%-5s  %-14s  %8s  %8s  %s\n", "GEN", "ARM", "DELTA", "AVG", "PROPOSAL")
		for _, imp := range r.Improvements {
			fmt.Fprintf(w, "%-5d  %-14s  %+8.2f  %8.2f  %s\n", imp.Generation, imp.Arm, imp.DeltaScore, imp.AvgScore, imp.ProposalID)
		}
	}

	fmt.Fprintf(w, "\nArms (%d pulls)\n", r.Bandit.TotalPulls)
	for _, arm := range sortedArms(r.Bandit) {
		st := r.Bandit.Arms[arm]
		fmt.Fprintf(w, "  %-14s  pulls=%-3d avg_reward=%.3f\n", arm, st.Pulls, st.AvgReward)
	}

	e := r.Evaluator
	fmt.Fprintf(w, "\nEvaluator: %d evaluations, cache %.0f%%, heuristic %.0f%%, judge %.0f%% (%d failures)\n",
		e.TotalEvaluations, e.CacheHitRate*100, e.HeuristicRoutingRate*100, e.JudgeUsageRate*100, e.JudgeFailures)

	p := r.Proposals
	fmt.Fprintf(w, "Proposals: %d total, %d applied, %d rejected, %d deferred, %d failed, %d pending (%.1f%% accepted)\n",
		p.Total, p.Applied, p.Rejected, p.Deferred, p.Failed, p.Pending, p.AcceptanceRate)
	for _, ex := range r.Executions {
		if ex.Error != "" {
			fmt.Fprintf(w, "  %s  FAILED  %s\n", ex.ProposalID, ex.Error)
			continue
		}
		fmt.Fprintf(w, "  %s  %s\n", ex.ProposalID, ex.Result)
	}
}

// #endregion report
