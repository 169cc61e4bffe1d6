package main

import (
	"fmt"
	"sort"

	"github.com/danielpatrickdp/adaptive-state/evoloop/internal/bandit"
	"github.com/spf13/cobra"
)

// #region bandit-cmd

func newBanditCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bandit",
		Short: "Inspect the arm controller",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show per-arm statistics replayed from the bandit log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := bandit.New(bandit.Config{
				Arms:             a.cfg.Bandit.Arms,
				Beta:             a.cfg.Bandit.Beta,
				NoveltyThreshold: a.cfg.Bandit.NoveltyThreshold,
			}, bandit.NewJSONLStore(a.cfg.Paths.BanditLog), bandit.WithLogger(a.logger))
			if err != nil {
				return err
			}
			st := c.Stats()
			if a.jsonOut {
				return printJSON(cmd.OutOrStdout(), st)
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "%-14s  %6s  %10s  %10s\n", "ARM", "PULLS", "TOTAL", "AVG")
			for _, arm := range sortedArms(st) {
				s := st.Arms[arm]
				fmt.Fprintf(w, "%-14s  %6d  %10.3f  %10.3f\n", arm, s.Pulls, s.TotalReward, s.AvgReward)
			}
			fmt.Fprintf(w, "\ntotal pulls: %d\n", st.TotalPulls)
			return nil
		},
	})
	return cmd
}

func sortedArms(st bandit.Stats) []string {
	arms := make([]string, 0, len(st.Arms))
	for arm := range st.Arms {
		arms = append(arms, arm)
	}
	sort.Strings(arms)
	return arms
}

// #endregion bandit-cmd
