// Package proposal records improving variants as human-reviewable change
// proposals and applies only those a human approved.
package proposal

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/danielpatrickdp/adaptive-state/evoloop/internal/logging"
	"github.com/danielpatrickdp/adaptive-state/evoloop/internal/metrics"
)

// #region manager
// Manager ties the SQLite status store to the markdown ledger.
type Manager struct {
	store   *Store
	ledger  *Ledger
	applier Applier
	now     func() time.Time
	logger  *slog.Logger
	metrics *metrics.Metrics
	runID   string
}

// Option customises a Manager.
type Option func(*Manager)

func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.logger = l } }

func WithMetrics(mt *metrics.Metrics) Option { return func(m *Manager) { m.metrics = mt } }

// WithRunID tags provenance rows with the current run.
func WithRunID(id string) Option { return func(m *Manager) { m.runID = id } }

// NewManager wires a store and ledger. A nil applier means dry run.
func NewManager(store *Store, ledger *Ledger, applier Applier, opts ...Option) *Manager {
	if applier == nil {
		applier = DryRunApplier{}
	}
	m := &Manager{
		store:   store,
		ledger:  ledger,
		applier: applier,
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(m)
	}
	m.logger = m.logger.With("component", "proposal")
	return m
}

func (m *Manager) Ledger() *Ledger { return m.ledger }

// Close closes the approval store.
func (m *Manager) Close() error { return m.store.Close() }

// #endregion manager

// #region propose
// Propose renders the diff, stores the proposal as pending and appends its
// record to the ledger.
func (m *Manager) Propose(_ context.Context, req Request) (Proposal, error) {
	now := m.now().UTC()
	rendered, err := UnifiedDiff(req.FileTarget, req.OldContent, req.NewContent)
	if err != nil {
		return Proposal{}, err
	}
	added, removed, err := LineStats(rendered)
	if err != nil {
		m.logger.Warn("diff stats unavailable", "error", err)
	}

	p := Proposal{
		ID:             fmt.Sprintf("%s_%d", req.VariantID, now.Unix()),
		VariantID:      req.VariantID,
		Arm:            req.Arm,
		PredictedDelta: req.PredictedDelta,
		FileTarget:     req.FileTarget,
		Diff:           rendered,
		Added:          added,
		Removed:        removed,
		Rationale:      req.Rationale,
		Content:        req.NewContent,
		Status:         StatusPending,
		CreatedAt:      now,
	}
	if err := m.store.Insert(p, m.runID); err != nil {
		return Proposal{}, err
	}
	if err := m.ledger.Append(p); err != nil {
		return Proposal{}, err
	}
	m.metrics.ProposalTransition(string(StatusPending))
	m.logger.Info("proposal created",
		"id", p.ID,
		"arm", p.Arm,
		"predicted_delta", p.PredictedDelta,
		"added", added,
		"removed", removed,
	)
	return p, nil
}

// #endregion propose

// #region poll
// CheckStatus reads the ledger marker for one proposal without changing
// stored state.
func (m *Manager) CheckStatus(id string) (Decision, error) {
	if _, err := m.store.Get(id); err != nil {
		return Decision{}, err
	}
	return m.ledger.Decision(id)
}

// Poll re-reads the ledger once and records every new human decision on
// pending and deferred proposals. It returns the proposals that changed.
func (m *Manager) Poll(_ context.Context) ([]Proposal, error) {
	open, err := m.store.List(StatusPending, StatusDeferred)
	if err != nil {
		return nil, err
	}
	if len(open) == 0 {
		return nil, nil
	}
	doc, err := m.ledger.Read()
	if err != nil {
		return nil, err
	}

	var changed []Proposal
	for _, p := range open {
		d := ParseDecision(doc, p.ID)
		if d.Status == p.Status || d.Status == StatusPending {
			continue
		}
		ok, err := m.transition(p, Change{
			From:    []Status{StatusPending, StatusDeferred},
			To:      d.Status,
			Reason:  d.Reason,
			Trigger: "poll",
			Source:  "ledger",
		})
		if err != nil {
			return changed, err
		}
		if ok {
			p.Status, p.Reason = d.Status, d.Reason
			changed = append(changed, p)
		}
	}
	return changed, nil
}

// Decide records a decision made outside the ledger, e.g. from the CLI.
func (m *Manager) Decide(_ context.Context, id string, status Status, reason string) (Proposal, error) {
	switch status {
	case StatusApply, StatusReject, StatusDeferred:
	default:
		return Proposal{}, fmt.Errorf("%w: %q", ErrInvalidDecision, status)
	}
	p, err := m.store.Get(id)
	if err != nil {
		return Proposal{}, err
	}
	ok, err := m.transition(p, Change{
		From:    []Status{StatusPending, StatusDeferred},
		To:      status,
		Reason:  reason,
		Trigger: "decide",
		Source:  "api",
	})
	if err != nil {
		return Proposal{}, err
	}
	if !ok {
		return Proposal{}, fmt.Errorf("%w: %s is %s", ErrNotDecidable, id, p.Status)
	}
	p.Status, p.Reason = status, reason
	return p, nil
}

// #endregion poll

// #region execute
// ExecuteApproved polls the ledger, then applies every approved proposal.
// Each proposal is claimed as applied before the applier runs, so a later
// call can never apply it again, even when this application fails.
func (m *Manager) ExecuteApproved(ctx context.Context) ([]Execution, error) {
	if _, err := m.Poll(ctx); err != nil {
		return nil, err
	}
	approved, err := m.store.List(StatusApply)
	if err != nil {
		return nil, err
	}

	var out []Execution
	for _, p := range approved {
		claimed, err := m.transition(p, Change{
			From:    []Status{StatusApply},
			To:      StatusApplied,
			Trigger: "execute",
			Source:  "loop",
		})
		if err != nil {
			return out, err
		}
		if !claimed {
			continue
		}

		exec := Execution{ProposalID: p.ID, FileTarget: p.FileTarget}
		result, applyErr := m.applier.Apply(ctx, p)
		exec.Result = result
		if applyErr != nil {
			exec.Error = applyErr.Error()
			p.Status = StatusApplied
			if _, err := m.transition(p, Change{
				From:    []Status{StatusApplied},
				To:      StatusApplyFailed,
				Reason:  applyErr.Error(),
				Result:  result,
				Trigger: "execute",
				Source:  "loop",
			}); err != nil {
				return out, err
			}
			m.logger.Error("apply proposal", "id", p.ID, "target", p.FileTarget, "error", applyErr)
		} else {
			m.logger.Info("proposal applied", "id", p.ID, "target", p.FileTarget, "result", result)
		}
		out = append(out, exec)
	}
	return out, nil
}

// #endregion execute

// #region queries
func (m *Manager) Get(id string) (Proposal, error) { return m.store.Get(id) }

func (m *Manager) List(statuses ...Status) ([]Proposal, error) { return m.store.List(statuses...) }

// History returns the provenance trail of one proposal, oldest first.
func (m *Manager) History(id string) ([]logging.ProvenanceEntry, error) {
	if _, err := m.store.Get(id); err != nil {
		return nil, err
	}
	return logging.ListDecisions(m.store.DB(), id)
}

// Stats derives counts from stored statuses. Approved proposals awaiting
// execution count as applied.
func (m *Manager) Stats() (Stats, error) {
	counts, err := m.store.Counts()
	if err != nil {
		return Stats{}, err
	}
	var s Stats
	for _, n := range counts {
		s.Total += n
	}
	s.Applied = counts[StatusApply] + counts[StatusApplied]
	s.Rejected = counts[StatusReject]
	s.Deferred = counts[StatusDeferred]
	s.Failed = counts[StatusApplyFailed]
	s.Pending = s.Total - (s.Applied + s.Rejected + s.Deferred + s.Failed)
	if s.Total > 0 {
		s.AcceptanceRate = float64(s.Applied) / float64(s.Total) * 100
	}
	return s, nil
}

// #endregion queries

func (m *Manager) transition(p Proposal, c Change) (bool, error) {
	c.RunID = m.runID
	c.At = m.now().UTC()
	ok, err := m.store.Transition(p, c)
	if err != nil {
		return false, err
	}
	if ok {
		m.metrics.ProposalTransition(string(c.To))
		m.logger.Info("proposal status", "id", p.ID, "from", p.Status, "to", c.To, "reason", c.Reason)
	}
	return ok, nil
}
