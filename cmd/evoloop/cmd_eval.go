package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/danielpatrickdp/adaptive-state/evoloop/internal/eval"
	"github.com/danielpatrickdp/adaptive-state/evoloop/internal/evolution"
	"github.com/danielpatrickdp/adaptive-state/evoloop/internal/heuristics"
	"github.com/spf13/cobra"
)

// #region eval-cmd

// evalOutput is the JSON shape of the eval command.
type evalOutput struct {
	Candidate eval.Candidate `json:"candidate"`
	eval.Result
	PairEntropy float64 `json:"pair_entropy"`
}

func newEvalCmd(a *app) *cobra.Command {
	var file, rubric, schema string
	cmd := &cobra.Command{
		Use:   "eval [goal] [text]",
		Short: "Score one candidate with the two-tier evaluator",
		Long: "Score one candidate. The text comes from the second argument, --file, or stdin when neither is given.\n" +
			"--schema name=path checks the candidate against a JSON schema file registered under name.",
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := candidateText(cmd.InOrStdin(), args, file)
			if err != nil {
				return err
			}
			name, raw, err := schemaFlag(schema)
			if err != nil {
				return err
			}
			cfg := a.cfg
			if name != "" {
				cfg.Eval.Schema = name
			}
			s, err := evolution.NewServices(cfg, a.logger, nil)
			if err != nil {
				return err
			}
			defer s.Close()
			if raw != nil {
				if err := s.Validator.Register(name, raw); err != nil {
					return err
				}
			}

			c := eval.Candidate{Goal: args[0], Text: text, RubricVersion: rubric}
			out := evalOutput{
				Candidate:   c,
				Result:      s.Evaluator.EvaluateCandidate(cmd.Context(), c),
				PairEntropy: heuristics.PairEntropy(text),
			}
			if a.jsonOut {
				return printJSON(cmd.OutOrStdout(), out)
			}
			printResult(cmd.OutOrStdout(), out)
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "read the candidate from a file")
	cmd.Flags().StringVar(&rubric, "rubric", "", "rubric version (defaults to eval.rubric_version)")
	cmd.Flags().StringVar(&schema, "schema", "", "name=path of a JSON schema to check the candidate against")
	return cmd
}

// schemaFlag splits name=path and reads the schema file. An empty flag
// yields no schema.
func schemaFlag(v string) (string, []byte, error) {
	if v == "" {
		return "", nil, nil
	}
	name, path, ok := strings.Cut(v, "=")
	if !ok || name == "" || path == "" {
		return "", nil, fmt.Errorf("--schema wants name=path, got %q", v)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", nil, fmt.Errorf("read schema: %w", err)
	}
	return name, raw, nil
}

func candidateText(stdin io.Reader, args []string, file string) (string, error) {
	switch {
	case len(args) == 2:
		return args[1], nil
	case file != "":
		raw, err := os.ReadFile(file)
		if err != nil {
			return "", err
		}
		return string(raw), nil
	default:
		raw, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		return string(raw), nil
	}
}

func printResult(w io.Writer, out evalOutput) {
	r := out.Result
	fmt.Fprintf(w, "decision:  %s\n", r.Decision)
	fmt.Fprintf(w, "quality:   %.2f\n", r.QualityScore)
	fmt.Fprintf(w, "route:     %s\n", r.RoutingPath)
	fmt.Fprintf(w, "cached:    %v\n", r.UsedCache)
	fmt.Fprintf(w, "latency:   %.1fms\n", r.LatencyMs)
	fmt.Fprintf(w, "entropy:   %.3f\n", out.PairEntropy)
	if r.JudgeFallback {
		fmt.Fprintln(w, "judge:     neutral fallback")
	}

	keys := make([]string, 0, len(r.ScoreBreakdown))
	for k := range r.ScoreBreakdown {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "  %-14s %6.2f\n", k, r.ScoreBreakdown[k])
	}
	if len(r.Violations) > 0 {
		fmt.Fprintf(w, "violations: %s\n", strings.Join(r.Violations, ", "))
	}
}

// #endregion eval-cmd
