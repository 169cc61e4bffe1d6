package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/danielpatrickdp/adaptive-state/evoloop/internal/evolution"
	"github.com/danielpatrickdp/adaptive-state/evoloop/internal/proposal"
	"github.com/spf13/cobra"
)

// #region proposals-cmd

func newProposalsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "proposals",
		Aliases: []string{"p"},
		Short:   "Review change proposals",
	}
	cmd.AddCommand(
		newProposalsListCmd(a),
		newProposalsShowCmd(a),
		newProposalsPollCmd(a),
		newProposalsDecideCmd(a),
		newProposalsExecuteCmd(a),
	)
	return cmd
}

// withProposals opens the approval store for one command.
func (a *app) withProposals(fn func(m *proposal.Manager) error) error {
	m, err := evolution.OpenProposals(a.cfg, a.logger, nil, "")
	if err != nil {
		return err
	}
	defer m.Close()
	return fn(m)
}

func newProposalsListCmd(a *app) *cobra.Command {
	var statuses []string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List proposals and acceptance statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withProposals(func(m *proposal.Manager) error {
				filter := make([]proposal.Status, len(statuses))
				for i, s := range statuses {
					filter[i] = proposal.Status(s)
				}
				ps, err := m.List(filter...)
				if err != nil {
					return err
				}
				stats, err := m.Stats()
				if err != nil {
					return err
				}
				if a.jsonOut {
					return printJSON(cmd.OutOrStdout(), map[string]any{"proposals": ps, "stats": stats})
				}
				printProposals(cmd.OutOrStdout(), ps, stats)
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "only these statuses (pending, apply, applied, apply_failed, reject, deferred)")
	return cmd
}

func newProposalsShowCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show [proposal-id]",
		Short: "Show one proposal with its diff and history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withProposals(func(m *proposal.Manager) error {
				p, err := m.Get(args[0])
				if err != nil {
					return err
				}
				history, err := m.History(p.ID)
				if err != nil {
					return err
				}
				marker, err := m.CheckStatus(p.ID)
				if err != nil {
					return err
				}
				if a.jsonOut {
					return printJSON(cmd.OutOrStdout(), map[string]any{"proposal": p, "ledger": marker, "history": history})
				}
				w := cmd.OutOrStdout()
				fmt.Fprintf(w, "Proposal %s\n", p.ID)
				fmt.Fprintf(w, "  status:     %s\n", p.Status)
				if p.Reason != "" {
					fmt.Fprintf(w, "  reason:     %s\n", p.Reason)
				}
				fmt.Fprintf(w, "  ledger:     %s\n", marker.Status)
				fmt.Fprintf(w, "  arm:        %s\n", p.Arm)
				fmt.Fprintf(w, "  delta:      %+.2f\n", p.PredictedDelta)
				fmt.Fprintf(w, "  target:     %s (+%d/-%d)\n", p.FileTarget, p.Added, p.Removed)
				fmt.Fprintf(w, "  rationale:  %s\n\n%s\n", p.Rationale, p.Diff)
				fmt.Fprintln(w, "\nHistory")
				for _, h := range history {
					fmt.Fprintf(w, "  %s  %-8s %-12s -> %-12s %s\n",
						h.CreatedAt.Format("2006-01-02 15:04:05"), h.TriggerType, h.FromStatus, h.Decision, h.Reason)
				}
				return nil
			})
		},
	}
}

func newProposalsPollCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "poll",
		Short: "Record human decisions found in the ledger",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withProposals(func(m *proposal.Manager) error {
				changed, err := m.Poll(cmd.Context())
				if err != nil {
					return err
				}
				if a.jsonOut {
					return printJSON(cmd.OutOrStdout(), changed)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d proposal(s) changed\n", len(changed))
				for _, p := range changed {
					fmt.Fprintf(cmd.OutOrStdout(), "  %s  %s\n", p.ID, p.Status)
				}
				return nil
			})
		},
	}
}

func newProposalsDecideCmd(a *app) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "decide [proposal-id] [apply|reject|defer]",
		Short: "Record a decision without editing the ledger",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := parseDecision(args[1])
			if err != nil {
				return err
			}
			return a.withProposals(func(m *proposal.Manager) error {
				p, err := m.Decide(cmd.Context(), args[0], status, reason)
				if err != nil {
					return err
				}
				if a.jsonOut {
					return printJSON(cmd.OutOrStdout(), p)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s\n", p.ID, p.Status)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded with a rejection")
	return cmd
}

func newProposalsExecuteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "execute",
		Short: "Apply every approved proposal exactly once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withProposals(func(m *proposal.Manager) error {
				execs, err := m.ExecuteApproved(cmd.Context())
				if err != nil {
					return err
				}
				if a.jsonOut {
					return printJSON(cmd.OutOrStdout(), execs)
				}
				for _, ex := range execs {
					if ex.Error != "" {
						fmt.Fprintf(cmd.OutOrStdout(), "%s  FAILED  %s\n", ex.ProposalID, ex.Error)
						continue
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s  %s\n", ex.ProposalID, ex.Result)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d execution(s)\n", len(execs))
				return nil
			})
		},
	}
}

func parseDecision(s string) (proposal.Status, error) {
	switch strings.ToLower(s) {
	case "apply", "approve":
		return proposal.StatusApply, nil
	case "reject":
		return proposal.StatusReject, nil
	case "defer", "deferred":
		return proposal.StatusDeferred, nil
	}
	return "", fmt.Errorf("%w: %q", proposal.ErrInvalidDecision, s)
}

func printProposals(w io.Writer, ps []proposal.Proposal, st proposal.Stats) {
	fmt.Fprintf(w, "%-34s  %-13s  %-14s  %8s  %-9s  %s\n", "ID", "STATUS", "ARM", "DELTA", "LINES", "CREATED")
	for _, p := range ps {
		fmt.Fprintf(w, "%-34s  %-13s  %-14s  %+8.2f  %-9s  %s\n",
			p.ID, p.Status, truncate(p.Arm, 14), p.PredictedDelta,
			fmt.Sprintf("+%d/-%d", p.Added, p.Removed), p.CreatedAt.Format("2006-01-02 15:04"))
	}
	fmt.Fprintf(w, "\n%d total, %d applied, %d rejected, %d deferred, %d failed, %d pending (%.1f%% accepted)\n",
		st.Total, st.Applied, st.Rejected, st.Deferred, st.Failed, st.Pending, st.AcceptanceRate)
}

// #endregion proposals-cmd
