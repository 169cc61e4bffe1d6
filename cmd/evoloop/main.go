// Command evoloop runs the evolution loop and reviews the proposals it
// produces.
package main

import (
	"encoding/json"
	"io"
	"log/slog"
	"os"

	"github.com/danielpatrickdp/adaptive-state/evoloop/internal/config"
	"github.com/danielpatrickdp/adaptive-state/evoloop/internal/logging"
	"github.com/spf13/cobra"
)

// #region main

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// #endregion main

// #region root

// app is the state shared by every subcommand.
type app struct {
	configPath string
	jsonOut    bool

	cfg    config.Config
	logger *slog.Logger
	closer io.Closer
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:          "evoloop",
		Short:        "Self-improving workflow optimisation with human veto",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd.ErrOrStderr())
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.closer != nil {
				a.closer.Close()
			}
		},
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", os.Getenv("EVOLOOP_CONFIG"), "path to YAML config")
	root.PersistentFlags().BoolVar(&a.jsonOut, "json", false, "output as JSON")

	root.AddCommand(
		newRunCmd(a),
		newEvalCmd(a),
		newProposalsCmd(a),
		newBanditCmd(a),
	)
	return root
}

func (a *app) setup(stderr io.Writer) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	logger, closer, err := logging.NewLogger(stderr, cfg.Log.Level, cfg.Log.File)
	if err != nil {
		return err
	}
	a.cfg, a.logger, a.closer = cfg, logger, closer
	return nil
}

// #endregion root

// #region helpers

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

// #endregion helpers
