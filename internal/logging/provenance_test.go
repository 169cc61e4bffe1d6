package logging

import (
	"bytes"
	"database/sql"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

// #region helpers
func setupDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if _, err := db.Exec(ProvenanceSchema); err != nil {
		t.Fatalf("create table: %v", err)
	}
	return db
}

// #endregion helpers

// #region log-decision-tests
func TestLogDecision_Success(t *testing.T) {
	db := setupDB(t)
	defer db.Close()

	entry := ProvenanceEntry{
		ProposalID:  "v1_1767225600",
		RunID:       "run-1",
		TriggerType: "poll",
		FromStatus:  "pending",
		Decision:    "apply",
		Reason:      "",
		DetailsJSON: `{"source":"ledger"}`,
		CreatedAt:   time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}

	if err := LogDecision(db, entry); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var count int
	db.QueryRow("SELECT COUNT(*) FROM provenance_log").Scan(&count)
	if count != 1 {
		t.Errorf("expected 1 row, got %d", count)
	}

	var reason sql.NullString
	db.QueryRow("SELECT reason FROM provenance_log").Scan(&reason)
	if reason.Valid {
		t.Errorf("empty reason should be stored as NULL, got %q", reason.String)
	}
}

func TestLogDecision_DefaultsTimestamp(t *testing.T) {
	db := setupDB(t)
	defer db.Close()

	if err := LogDecision(db, ProvenanceEntry{ProposalID: "p", TriggerType: "create", Decision: "pending"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, err := ListDecisions(db, "p")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 || got[0].CreatedAt.IsZero() {
		t.Fatalf("expected one row with a timestamp, got %+v", got)
	}
}

func TestLogDecision_MissingTable(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()

	if err := LogDecision(db, ProvenanceEntry{ProposalID: "p", TriggerType: "create", Decision: "pending"}); err == nil {
		t.Fatal("expected error without provenance_log table")
	}
}

func TestListDecisions_Order(t *testing.T) {
	db := setupDB(t)
	defer db.Close()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	steps := []ProvenanceEntry{
		{ProposalID: "p", TriggerType: "create", Decision: "pending", CreatedAt: base},
		{ProposalID: "q", TriggerType: "create", Decision: "pending", CreatedAt: base},
		{ProposalID: "p", TriggerType: "poll", FromStatus: "pending", Decision: "reject", Reason: "too risky", CreatedAt: base.Add(time.Minute)},
	}
	for _, e := range steps {
		if err := LogDecision(db, e); err != nil {
			t.Fatalf("log: %v", err)
		}
	}

	got, err := ListDecisions(db, "p")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(got))
	}
	if got[1].Decision != "reject" || got[1].Reason != "too risky" || got[1].FromStatus != "pending" {
		t.Errorf("unexpected second row: %+v", got[1])
	}
	if !got[1].CreatedAt.Equal(base.Add(time.Minute)) {
		t.Errorf("timestamp not round-tripped: %v", got[1].CreatedAt)
	}
}

// #endregion log-decision-tests

// #region logger-tests
func TestNewLogger_FansOut(t *testing.T) {
	var buf bytes.Buffer
	file := filepath.Join(t.TempDir(), "logs", "evoloop.jsonl")

	logger, closer, err := NewLogger(&buf, "warn", file)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	logger.Info("hidden")
	logger.Warn("judge failed", "component", "eval")
	closer.Close()

	if strings.Contains(buf.String(), "hidden") {
		t.Error("info record passed a warn level")
	}
	if !strings.Contains(buf.String(), "judge failed") {
		t.Errorf("text handler missed record: %q", buf.String())
	}
	raw, err := os.ReadFile(file)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(raw), `"msg":"judge failed"`) {
		t.Errorf("json handler missed record: %q", raw)
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{"": slog.LevelInfo, "DEBUG": slog.LevelDebug, "warning": slog.LevelWarn, "error": slog.LevelError}
	for in, want := range tests {
		got, err := ParseLevel(in)
		if err != nil || got != want {
			t.Errorf("ParseLevel(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Error("expected error for unknown level")
	}
}

// #endregion logger-tests
