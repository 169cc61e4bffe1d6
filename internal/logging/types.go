package logging

import "time"

// #region provenance-entry
// ProvenanceEntry is a single row in the provenance_log table: one status
// decision about one proposal.
type ProvenanceEntry struct {
	ProposalID  string    `json:"proposal_id"`
	RunID       string    `json:"run_id,omitempty"`
	TriggerType string    `json:"trigger_type"` // "create" | "poll" | "decide" | "execute"
	FromStatus  string    `json:"from_status,omitempty"`
	Decision    string    `json:"decision"` // the status entered
	Reason      string    `json:"reason,omitempty"`
	DetailsJSON string    `json:"details_json,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// #endregion provenance-entry

// #region decision-record
// DecisionRecord is serialised into provenance_log.details_json so a status
// change can be audited without the ledger.
type DecisionRecord struct {
	VariantID      string  `json:"variant_id"`
	Arm            string  `json:"arm"`
	PredictedDelta float64 `json:"predicted_delta"`
	FileTarget     string  `json:"file_target"`
	Source         string  `json:"source"` // "ledger" | "api" | "loop"
	ApplyResult    string  `json:"apply_result,omitempty"`
}

// #endregion decision-record
