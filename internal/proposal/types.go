package proposal

import (
	"errors"
	"time"
)

var (
	ErrProposalNotFound = errors.New("proposal not found")
	ErrNotDecidable     = errors.New("proposal already decided")
	ErrInvalidDecision  = errors.New("decision must be apply, reject or defer")
	ErrOutsideRoot      = errors.New("target escapes apply root")
)

// #region status
// Status is the lifecycle position of a proposal. Pending and deferred are
// re-checked on every poll; apply waits for execution; the rest are terminal.
type Status string

const (
	StatusPending     Status = "pending"
	StatusApply       Status = "apply"
	StatusApplied     Status = "applied"
	StatusApplyFailed Status = "apply_failed"
	StatusReject      Status = "reject"
	StatusDeferred    Status = "deferred"
)

// Open reports whether a human decision can still change the status.
func (s Status) Open() bool { return s == StatusPending || s == StatusDeferred }

// #endregion status

// #region proposal
// Proposal is one recorded change awaiting or past human review.
type Proposal struct {
	ID             string    `json:"id"`
	VariantID      string    `json:"variant_id"`
	Arm            string    `json:"arm"`
	PredictedDelta float64   `json:"predicted_delta"`
	FileTarget     string    `json:"file_target"`
	Diff           string    `json:"diff"`
	Added          int       `json:"added"`
	Removed        int       `json:"removed"`
	Rationale      string    `json:"rationale"`
	Content        string    `json:"-"`
	Status         Status    `json:"status"`
	Reason         string    `json:"reason,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	DecidedAt      time.Time `json:"decided_at,omitzero"`
}

// Request describes an improving variant to propose.
type Request struct {
	VariantID      string
	Arm            string
	PredictedDelta float64
	FileTarget     string
	OldContent     string
	NewContent     string
	Rationale      string
}

// Decision is the marker found in a proposal's ledger record.
type Decision struct {
	Status Status `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// Execution is the outcome of applying one approved proposal.
type Execution struct {
	ProposalID string `json:"proposal_id"`
	FileTarget string `json:"file_target"`
	Result     string `json:"result"`
	Error      string `json:"error,omitempty"`
}

// Stats are derived from stored statuses on every call.
type Stats struct {
	Total          int     `json:"total_proposals"`
	Applied        int     `json:"applied"`
	Rejected       int     `json:"rejected"`
	Deferred       int     `json:"deferred"`
	Failed         int     `json:"failed"`
	Pending        int     `json:"pending"`
	AcceptanceRate float64 `json:"acceptance_rate"`
}

// #endregion proposal
