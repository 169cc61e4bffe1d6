package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/danielpatrickdp/adaptive-state/evoloop/internal/config"
	"github.com/danielpatrickdp/adaptive-state/evoloop/internal/evolution"
	"github.com/danielpatrickdp/adaptive-state/evoloop/internal/proposal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, extra string) string {
	t.Helper()
	dir := t.TempDir()
	body := "paths:\n  state_dir: " + filepath.Join(dir, "state") + "\nlog:\n  level: error\n" + extra
	path := filepath.Join(dir, "evoloop.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := newRootCmd()
	cmd.SetArgs(args)
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetIn(strings.NewReader(""))
	err := cmd.Execute()
	return out.String(), err
}

func TestProposalsList_Empty(t *testing.T) {
	cfg := writeConfig(t, "")
	out, err := execute(t, "--config", cfg, "--json", "proposals", "list")
	require.NoError(t, err)

	var got struct {
		Proposals []proposal.Proposal `json:"proposals"`
		Stats     proposal.Stats      `json:"stats"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Empty(t, got.Proposals)
	assert.Equal(t, 0, got.Stats.Total)
}

func TestProposalsDecide_Unknown(t *testing.T) {
	cfg := writeConfig(t, "")
	_, err := execute(t, "--config", cfg, "proposals", "decide", "missing", "apply")
	assert.ErrorIs(t, err, proposal.ErrProposalNotFound)

	_, err = execute(t, "--config", cfg, "proposals", "decide", "missing", "maybe")
	assert.ErrorIs(t, err, proposal.ErrInvalidDecision)
}

func TestRun_ReportsAndProposes(t *testing.T) {
	cfg := writeConfig(t, "cache:\n  enabled: false\n")
	out, err := execute(t, "--config", cfg, "--json", "run", "-n", "2")
	require.NoError(t, err)

	var report struct {
		RunID       string `json:"run_id"`
		Generations int    `json:"generations"`
		StopReason  string `json:"stop_reason"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.NotEmpty(t, report.RunID)
	assert.GreaterOrEqual(t, report.Generations, 1)
	assert.NotEmpty(t, report.StopReason)

	out, err = execute(t, "--config", cfg, "bandit", "stats")
	require.NoError(t, err)
	assert.Contains(t, out, "total pulls: ")
}

func TestEval_ReadsStdinWhenTextMissing(t *testing.T) {
	text, err := candidateText(strings.NewReader("from stdin"), []string{"goal"}, "")
	require.NoError(t, err)
	assert.Equal(t, "from stdin", text)

	text, err = candidateText(nil, []string{"goal", "inline"}, "")
	require.NoError(t, err)
	assert.Equal(t, "inline", text)
}

func TestEval_JSON(t *testing.T) {
	cfg := writeConfig(t, "")
	out, err := execute(t, "--config", cfg, "--json", "eval", "Calculate 2 + 2", "def solve(problem):\n    return 2 + 2\n")
	require.NoError(t, err)

	var res map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Contains(t, []any{"accept", "reject"}, res["decision"])
}

func TestParseDecision(t *testing.T) {
	for in, want := range map[string]proposal.Status{
		"apply":  proposal.StatusApply,
		"APPLY":  proposal.StatusApply,
		"reject": proposal.StatusReject,
		"defer":  proposal.StatusDeferred,
	} {
		got, err := parseDecision(in)
		require.NoError(t, err)
		assert.Equal(t, want, got, in)
	}
}

// seedProposal records one pending proposal in the state behind cfgPath.
func seedProposal(t *testing.T, cfgPath string) proposal.Proposal {
	t.Helper()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		t.Fatal(err)
	}
	m, err := evolution.OpenProposals(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), nil, "run-seed")
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()
	p, err := m.Propose(context.Background(), proposal.Request{
		VariantID:      "variant_12_0a1b2c3d",
		Arm:            "textgrad",
		PredictedDelta: 2.5,
		FileTarget:     "workflow_best.txt",
		OldContent:     "step one\n",
		NewContent:     "step one\nstep two\n",
		Rationale:      "Adds a step.",
	})
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestProposalsList_PrintsUsableIDs(t *testing.T) {
	cfg := writeConfig(t, "")
	p := seedProposal(t, cfg)

	out, err := execute(t, "--config", cfg, "proposals", "list")
	if err != nil {
		t.Fatal(err)
	}
	var listed string
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, "variant_") {
			listed = strings.Fields(line)[0]
		}
	}
	if listed != p.ID {
		t.Fatalf("listed id %q, want %q\n%s", listed, p.ID, out)
	}

	out, err = execute(t, "--config", cfg, "proposals", "show", listed)
	if err != nil {
		t.Fatalf("show %s: %v", listed, err)
	}
	if !strings.Contains(out, "Proposal "+p.ID) {
		t.Errorf("show output missing the proposal:\n%s", out)
	}
	if _, err := execute(t, "--config", cfg, "proposals", "decide", listed, "defer"); err != nil {
		t.Errorf("decide %s: %v", listed, err)
	}
}

func TestRun_WritesChampion(t *testing.T) {
	cfg := writeConfig(t, "cache:\n  enabled: false\n")
	out := filepath.Join(t.TempDir(), "champion.txt")
	if _, err := execute(t, "--config", cfg, "run", "-n", "1", "--out", out); err != nil {
		t.Fatal(err)
	}
	raw, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		t.Error("champion file is empty")
	}
}

func TestWatchLedger_StopWaitsForWatcher(t *testing.T) {
	cfgPath := writeConfig(t, "")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		t.Fatal(err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m, err := evolution.OpenProposals(cfg, logger, nil, "run-watch")
	if err != nil {
		t.Fatal(err)
	}

	stop := watchLedger(context.Background(), m, logger)
	stopped := make(chan struct{})
	go func() {
		stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("stop did not return")
	}
	if err := m.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestEval_SchemaFlag(t *testing.T) {
	cfg := writeConfig(t, "")
	schema := filepath.Join(t.TempDir(), "person.json")
	if err := os.WriteFile(schema, []byte(`{"type": "object", "required": ["name"]}`), 0o644); err != nil {
		t.Fatal(err)
	}

	out, err := execute(t, "--config", cfg, "--json", "eval", "--schema", "person="+schema, "Describe a person", "plainly not json")
	if err != nil {
		t.Fatal(err)
	}
	var res struct {
		Candidate   map[string]string `json:"candidate"`
		Violations  []string          `json:"violations"`
		PairEntropy float64           `json:"pair_entropy"`
	}
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatal(err)
	}
	if res.Candidate["goal"] != "Describe a person" {
		t.Errorf("candidate goal = %q", res.Candidate["goal"])
	}
	found := false
	for _, v := range res.Violations {
		found = found || strings.HasPrefix(v, "invalid_json:")
	}
	if !found {
		t.Errorf("violations %v lack invalid_json", res.Violations)
	}
	if res.PairEntropy <= 0 {
		t.Errorf("pair entropy = %v, want > 0", res.PairEntropy)
	}
}

func TestSchemaFlag(t *testing.T) {
	tests := []string{"person", "=x.json", "person="}
	for _, v := range tests {
		if _, _, err := schemaFlag(v); err == nil {
			t.Errorf("schemaFlag(%q) accepted", v)
		}
	}
	if name, raw, err := schemaFlag(""); name != "" || raw != nil || err != nil {
		t.Errorf("empty flag = %q, %v, %v", name, raw, err)
	}
}
