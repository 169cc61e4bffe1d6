package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/danielpatrickdp/adaptive-state/evoloop/internal/budget"
	"github.com/danielpatrickdp/adaptive-state/evoloop/internal/telemetry"
)

// #region main

func main() {
	logPath := flag.String("log", "", "path to evolution.jsonl")
	last := flag.Int("last", 20, "show N most recent generations")
	run := flag.String("run", "", "only this run id (prefix match)")
	gen := flag.Int("gen", 0, "show single generation detail")
	jsonOut := flag.Bool("json", false, "output as JSON instead of table")
	budgetLog := flag.String("budget-log", "", "list budget aborts from budget.jsonl")
	flag.Parse()

	if *budgetLog != "" {
		events, err := budget.ReadEvents(*budgetLog)
		if err == nil {
			err = runBudgetMode(os.Stdout, events, *jsonOut)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		return
	}
	if *logPath == "" {
		fmt.Fprintln(os.Stderr, "usage: inspect --log path/to/evolution.jsonl [--last N] [--run id] [--gen N] [--json]")
		fmt.Fprintln(os.Stderr, "       inspect --budget-log path/to/budget.jsonl [--json]")
		os.Exit(2)
	}

	entries, skipped, err := telemetry.ReadAll(*logPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read log: %v\n", err)
		os.Exit(1)
	}
	if skipped > 0 {
		fmt.Fprintf(os.Stderr, "skipped %d malformed line(s)\n", skipped)
	}
	entries = filterRun(entries, *run)

	if *gen > 0 {
		err = runDetailMode(os.Stdout, entries, *gen, *jsonOut)
	} else {
		err = runListMode(os.Stdout, entries, *last, *jsonOut)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// filterRun keeps entries of the matching run, or of the latest run when
// prefix is empty.
func filterRun(entries []telemetry.Entry, prefix string) []telemetry.Entry {
	if len(entries) == 0 {
		return nil
	}
	if prefix == "" {
		prefix = entries[len(entries)-1].RunID
	}
	var out []telemetry.Entry
	for _, e := range entries {
		if strings.HasPrefix(e.RunID, prefix) {
			out = append(out, e)
		}
	}
	return out
}

// #endregion main

// #region list-mode

type armSummary struct {
	Arm       string  `json:"arm"`
	Pulls     int     `json:"pulls"`
	AvgScore  float64 `json:"avg_score"`
	BestDelta float64 `json:"best_delta"`
	Aborted   int     `json:"aborted"`
}

type listOutput struct {
	RunID       string            `json:"run_id"`
	Generations []telemetry.Entry `json:"generations"`
	Arms        []armSummary      `json:"arms"`
}

func runListMode(w io.Writer, entries []telemetry.Entry, last int, jsonOut bool) error {
	if len(entries) == 0 {
		fmt.Fprintln(os.Stderr, "no generations found")
		return nil
	}
	out := listOutput{RunID: entries[0].RunID, Arms: summarize(entries)}
	out.Generations = entries
	if last > 0 && len(entries) > last {
		out.Generations = entries[len(entries)-last:]
	}

	if jsonOut {
		return printJSON(w, out)
	}

	fmt.Fprintf(w, "Run %s\n\n", out.RunID)
	fmt.Fprintf(w, "%-4s  %-14s  %7s  %8s  %7s  %7s  %6s  %-5s  %s\n",
		"Gen", "Arm", "Score", "Delta", "Novelty", "Robust", "Tokens", "Cache", "Flags")
	fmt.Fprintf(w, "%-4s+-%-14s+-%7s+-%8s+-%7s+-%7s+-%6s+-%-5s+-%s\n",
		"----", "--------------", "-------", "--------", "-------", "-------", "------", "-----", "-----")
	for _, e := range out.Generations {
		flags := "-"
		if len(e.BudgetFlags) > 0 {
			flags = strings.Join(e.BudgetFlags, ",")
		}
		fmt.Fprintf(w, "%-4d  %-14s  %7.2f  %+8.2f  %7.3f  %6.1f%%  %6d  %-5v  %s\n",
			e.Generation, e.Arm, e.Score, e.DeltaScore, e.Novelty, e.RobustPct, e.Tokens, e.CacheHit, flags)
	}

	fmt.Fprintf(w, "\nArms:\n")
	for _, a := range out.Arms {
		fmt.Fprintf(w, "  %-14s pulls=%-3d avg=%6.2f best_delta=%+6.2f aborted=%d\n",
			a.Arm, a.Pulls, a.AvgScore, a.BestDelta, a.Aborted)
	}
	return nil
}

func summarize(entries []telemetry.Entry) []armSummary {
	byArm := map[string]*armSummary{}
	for _, e := range entries {
		s, ok := byArm[e.Arm]
		if !ok {
			s = &armSummary{Arm: e.Arm, BestDelta: math.Inf(-1)}
			byArm[e.Arm] = s
		}
		if len(e.BudgetFlags) > 0 {
			s.Aborted++
			continue
		}
		s.Pulls++
		s.AvgScore += e.Score
		s.BestDelta = math.Max(s.BestDelta, e.DeltaScore)
	}
	out := make([]armSummary, 0, len(byArm))
	for _, s := range byArm {
		if s.Pulls > 0 {
			s.AvgScore /= float64(s.Pulls)
		} else {
			s.BestDelta = 0
		}
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Arm < out[j].Arm })
	return out
}

// #endregion list-mode

// #region detail-mode

func runDetailMode(w io.Writer, entries []telemetry.Entry, gen int, jsonOut bool) error {
	var e *telemetry.Entry
	for i := range entries {
		if entries[i].Generation == gen {
			e = &entries[i]
		}
	}
	if e == nil {
		return fmt.Errorf("generation %d not found", gen)
	}
	if jsonOut {
		return printJSON(w, e)
	}

	ts := time.Unix(0, int64(e.Timestamp*1e9)).UTC()
	fmt.Fprintf(w, "Run:        %s\n", e.RunID)
	fmt.Fprintf(w, "Generation: %d\n", e.Generation)
	fmt.Fprintf(w, "Time:       %s\n", ts.Format("2006-01-02T15:04:05Z"))
	fmt.Fprintf(w, "Arm:        %s\n", e.Arm)
	fmt.Fprintf(w, "Seed:       %d\n", e.Seed)
	fmt.Fprintf(w, "Workflow:   %s\n", e.WorkflowHash)
	fmt.Fprintf(w, "Rubric:     %s\n", e.RubricVersion)
	fmt.Fprintf(w, "Score:      %.2f (%+.2f)\n", e.Score, e.DeltaScore)
	fmt.Fprintf(w, "Robustness: %.1f%%\n", e.RobustPct)
	fmt.Fprintf(w, "Novelty:    %.3f\n", e.Novelty)
	fmt.Fprintf(w, "Tokens:     %d\n", e.Tokens)
	fmt.Fprintf(w, "Elapsed:    %.1fms\n", e.TimeMs)
	fmt.Fprintf(w, "Cache hit:  %v\n", e.CacheHit)
	if len(e.BudgetFlags) > 0 {
		fmt.Fprintf(w, "Aborted:    %s\n", strings.Join(e.BudgetFlags, ", "))
	}

	fmt.Fprintf(w, "\nVersions:\n")
	keys := make([]string, 0, len(e.Versions))
	for k := range e.Versions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "  %-36s %s\n", k, e.Versions[k])
	}
	return nil
}

// #endregion detail-mode

// #region budget-mode

type budgetAbort struct {
	Generation int       `json:"generation"`
	Time       time.Time `json:"time"`
	Reason     string    `json:"reason"`
}

// budgetAborts keeps the budget_exceeded events in log order.
func budgetAborts(events []budget.Event) []budgetAbort {
	out := []budgetAbort{}
	for _, ev := range events {
		if ev.Event != budget.EventBudgetExceeded {
			continue
		}
		reason, _ := ev.Details.(string)
		out = append(out, budgetAbort{
			Generation: ev.Generation,
			Time:       time.Unix(0, int64(ev.Timestamp*1e9)).UTC(),
			Reason:     reason,
		})
	}
	return out
}

func runBudgetMode(w io.Writer, events []budget.Event, jsonOut bool) error {
	aborts := budgetAborts(events)
	if jsonOut {
		return printJSON(w, aborts)
	}
	fmt.Fprintf(w, "%d generation(s) logged, %d aborted\n", completed(events), len(aborts))
	if len(aborts) == 0 {
		return nil
	}
	fmt.Fprintf(w, "\n%-4s  %-20s  %s\n", "Gen", "Time", "Reason")
	fmt.Fprintf(w, "%-4s+-%-20s+-%s\n", "----", "--------------------", "------")
	for _, a := range aborts {
		fmt.Fprintf(w, "%-4d  %-20s  %s\n", a.Generation, a.Time.Format("2006-01-02T15:04:05Z"), a.Reason)
	}
	return nil
}

func completed(events []budget.Event) int {
	n := 0
	for _, ev := range events {
		if ev.Event == budget.EventGenerationComplete {
			n++
		}
	}
	return n
}

// #endregion budget-mode

// #region output

func printJSON(w io.Writer, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	fmt.Fprintln(w, string(data))
	return nil
}

// #endregion output
