package proposal

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/danielpatrickdp/adaptive-state/evoloop/internal/logging"
	_ "modernc.org/sqlite"
)

// #region schema
const schema = `
CREATE TABLE IF NOT EXISTS proposals (
	id              TEXT PRIMARY KEY,
	variant_id      TEXT NOT NULL,
	arm             TEXT NOT NULL,
	predicted_delta REAL NOT NULL,
	file_target     TEXT NOT NULL,
	diff            TEXT NOT NULL,
	added           INTEGER NOT NULL DEFAULT 0,
	removed         INTEGER NOT NULL DEFAULT 0,
	rationale       TEXT,
	content         TEXT NOT NULL,
	status          TEXT NOT NULL,
	reason          TEXT,
	created_at      TEXT NOT NULL,
	decided_at      TEXT
);
CREATE INDEX IF NOT EXISTS proposals_status ON proposals(status);
` + logging.ProvenanceSchema
// #endregion schema

// #region store-struct
// Store keeps proposal status in SQLite. The ledger is the human-facing view;
// the store is what decides whether a proposal may still run.
type Store struct {
	db *sql.DB
}
// #endregion store-struct

// #region constructor
// NewStore opens a SQLite database and runs migrations.
func NewStore(dbPath string) (*Store, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("db dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying *sql.DB for the provenance log.
func (s *Store) DB() *sql.DB {
	return s.db
}
// #endregion constructor

// #region insert
// Insert stores a new proposal and its creation provenance row.
func (s *Store) Insert(p Proposal, runID string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT INTO proposals (id, variant_id, arm, predicted_delta, file_target, diff, added, removed, rationale, content, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.VariantID, p.Arm, p.PredictedDelta, p.FileTarget, p.Diff, p.Added, p.Removed,
		p.Rationale, p.Content, string(p.Status), p.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert proposal %s: %w", p.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	return logging.LogDecision(s.db, logging.ProvenanceEntry{
		ProposalID:  p.ID,
		RunID:       runID,
		TriggerType: "create",
		Decision:    string(p.Status),
		DetailsJSON: details(p, "loop", ""),
		CreatedAt:   p.CreatedAt,
	})
}
// #endregion insert

// #region get
// Get retrieves a proposal by id.
func (s *Store) Get(id string) (Proposal, error) {
	row := s.db.QueryRow(`SELECT `+columns+` FROM proposals WHERE id = ?`, id)
	p, err := scanProposal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Proposal{}, fmt.Errorf("%w: %s", ErrProposalNotFound, id)
	}
	return p, err
}

// List returns proposals in creation order, optionally filtered by status.
func (s *Store) List(statuses ...Status) ([]Proposal, error) {
	query := `SELECT ` + columns + ` FROM proposals`
	args := make([]any, len(statuses))
	if len(statuses) > 0 {
		marks := make([]string, len(statuses))
		for i, st := range statuses {
			marks[i], args[i] = "?", string(st)
		}
		query += ` WHERE status IN (` + strings.Join(marks, ", ") + `)`
	}
	query += ` ORDER BY created_at, rowid`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list proposals: %w", err)
	}
	defer rows.Close()

	var out []Proposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
// #endregion get

// #region transition
// Change describes one status transition and its provenance.
type Change struct {
	From    []Status
	To      Status
	Reason  string
	Trigger string // "poll" | "decide" | "execute"
	Source  string // "ledger" | "api" | "loop"
	RunID   string
	Result  string
	At      time.Time
}

// Transition moves a proposal to c.To only if it is currently in one of
// c.From. It reports whether this call made the change, so two callers
// cannot both claim the same transition.
func (s *Store) Transition(p Proposal, c Change) (bool, error) {
	marks := make([]string, len(c.From))
	args := []any{string(c.To), nullIfEmpty(c.Reason), c.At.Format(time.RFC3339Nano), p.ID}
	for i, st := range c.From {
		marks[i] = "?"
		args = append(args, string(st))
	}
	res, err := s.db.Exec(
		`UPDATE proposals SET status = ?, reason = ?, decided_at = ?
		 WHERE id = ? AND status IN (`+strings.Join(marks, ", ")+`)`, args...,
	)
	if err != nil {
		return false, fmt.Errorf("transition %s: %w", p.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("transition %s: %w", p.ID, err)
	}
	if n == 0 {
		return false, nil
	}

	err = logging.LogDecision(s.db, logging.ProvenanceEntry{
		ProposalID:  p.ID,
		RunID:       c.RunID,
		TriggerType: c.Trigger,
		FromStatus:  string(p.Status),
		Decision:    string(c.To),
		Reason:      c.Reason,
		DetailsJSON: details(p, c.Source, c.Result),
		CreatedAt:   c.At,
	})
	return true, err
}
// #endregion transition

// #region counts
// Counts groups proposals by status.
func (s *Store) Counts() (map[Status]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM proposals GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count proposals: %w", err)
	}
	defer rows.Close()

	out := map[Status]int{}
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		out[Status(st)] = n
	}
	return out, rows.Err()
}
// #endregion counts

// #region scan
const columns = `id, variant_id, arm, predicted_delta, file_target, diff, added, removed, rationale, content, status, reason, created_at, decided_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanProposal(row scanner) (Proposal, error) {
	var p Proposal
	var status, created string
	var rationale, reason, decided sql.NullString
	err := row.Scan(&p.ID, &p.VariantID, &p.Arm, &p.PredictedDelta, &p.FileTarget, &p.Diff,
		&p.Added, &p.Removed, &rationale, &p.Content, &status, &reason, &created, &decided)
	if err != nil {
		return Proposal{}, err
	}
	p.Status = Status(status)
	p.Rationale, p.Reason = rationale.String, reason.String
	p.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	if decided.Valid {
		p.DecidedAt, _ = time.Parse(time.RFC3339Nano, decided.String)
	}
	return p, nil
}

func details(p Proposal, source, result string) string {
	raw, _ := json.Marshal(logging.DecisionRecord{
		VariantID:      p.VariantID,
		Arm:            p.Arm,
		PredictedDelta: p.PredictedDelta,
		FileTarget:     p.FileTarget,
		Source:         source,
		ApplyResult:    result,
	})
	return string(raw)
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
// #endregion scan
