package logging

import (
	"database/sql"
	"fmt"
	"time"
)

// ProvenanceSchema creates the provenance_log table. Stores that record
// decisions run it during migration.
const ProvenanceSchema = `
CREATE TABLE IF NOT EXISTS provenance_log (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	proposal_id  TEXT NOT NULL,
	run_id       TEXT,
	trigger_type TEXT NOT NULL,
	from_status  TEXT,
	decision     TEXT NOT NULL,
	reason       TEXT,
	details_json TEXT,
	created_at   TEXT NOT NULL
);
`

// #region log-decision
// LogDecision writes a provenance entry to the provenance_log table.
func LogDecision(db *sql.DB, entry ProvenanceEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := db.Exec(
		`INSERT INTO provenance_log (proposal_id, run_id, trigger_type, from_status, decision, reason, details_json, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ProposalID,
		nullIfEmpty(entry.RunID),
		entry.TriggerType,
		nullIfEmpty(entry.FromStatus),
		entry.Decision,
		nullIfEmpty(entry.Reason),
		nullIfEmpty(entry.DetailsJSON),
		entry.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("log decision: %w", err)
	}
	return nil
}

// #endregion log-decision

// #region list-decisions
// ListDecisions returns every provenance row for a proposal, oldest first.
func ListDecisions(db *sql.DB, proposalID string) ([]ProvenanceEntry, error) {
	rows, err := db.Query(
		`SELECT proposal_id, run_id, trigger_type, from_status, decision, reason, details_json, created_at
		 FROM provenance_log WHERE proposal_id = ? ORDER BY id`, proposalID,
	)
	if err != nil {
		return nil, fmt.Errorf("list decisions: %w", err)
	}
	defer rows.Close()

	var out []ProvenanceEntry
	for rows.Next() {
		var e ProvenanceEntry
		var runID, from, reason, details sql.NullString
		var created string
		if err := rows.Scan(&e.ProposalID, &runID, &e.TriggerType, &from, &e.Decision, &reason, &details, &created); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		e.RunID, e.FromStatus, e.Reason, e.DetailsJSON = runID.String, from.String, reason.String, details.String
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, e)
	}
	return out, rows.Err()
}

// #endregion list-decisions

// #region helpers
func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// #endregion helpers
