// Package budget enforces per-generation token, time, agent and concurrency
// ceilings inside a scoped guard.
package budget

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/danielpatrickdp/adaptive-state/evoloop/internal/metrics"
)

// #region manager
// Manager tracks one generation at a time. The consumption methods are only
// meaningful inside Guard.
type Manager struct {
	config  Config
	now     func() time.Time
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu         sync.Mutex
	generation int
	tokens     int
	agents     int
	slots      int
	start      time.Time
	aborted    bool

	logMu sync.Mutex
}

// Option customises a Manager.
type Option func(*Manager)

func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.logger = l } }

func WithMetrics(mt *metrics.Metrics) Option { return func(m *Manager) { m.metrics = mt } }

func New(config Config, opts ...Option) *Manager {
	m := &Manager{
		config: config,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(m)
	}
	m.logger = m.logger.With("component", "budget")
	return m
}

// #endregion manager

// #region guard
// Guard resets the counters, runs fn and logs exactly one
// generation_complete event however fn exits, including a panic. A budget
// error returned by fn marks the generation aborted and is returned as is.
func (m *Manager) Guard(ctx context.Context, generation int, fn func(ctx context.Context) error) (err error) {
	m.begin(generation)
	defer func() {
		if r := recover(); r != nil {
			m.setAborted()
			m.complete(generation)
			panic(r)
		}
		m.complete(generation)
	}()

	err = fn(ctx)
	var be *Error
	if errors.As(err, &be) {
		m.setAborted()
		m.logEvent(EventBudgetExceeded, generation, be.Error())
		m.logger.Error("generation aborted",
			"generation", generation,
			"kind", be.Kind,
			"message", be.Message,
			"snapshot", be.Snapshot,
		)
		m.metrics.BudgetAbort(string(be.Kind))
	}
	return err
}

func (m *Manager) begin(generation int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.generation = generation
	m.tokens = 0
	m.agents = 0
	m.slots = 0
	m.aborted = false
	m.start = m.now()
}

func (m *Manager) setAborted() {
	m.mu.Lock()
	m.aborted = true
	m.mu.Unlock()
}

func (m *Manager) complete(generation int) {
	m.mu.Lock()
	details := CompletionDetails{
		ElapsedS: m.now().Sub(m.start).Seconds(),
		Tokens:   m.tokens,
		Agents:   m.agents,
		Aborted:  m.aborted,
	}
	m.mu.Unlock()
	m.logEvent(EventGenerationComplete, generation, details)
}

// #endregion guard

// #region consumption
// ConsumeTokens adds n to the generation's usage and fails once the total
// exceeds the ceiling.
func (m *Manager) ConsumeTokens(n int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens += n
	if m.tokens > m.config.MaxTokensPerGen {
		return m.errorLocked(KindBudgetExceeded, fmt.Sprintf("token limit exceeded: %d/%d", m.tokens, m.config.MaxTokensPerGen))
	}
	return nil
}

// CheckTimeLimit fails once elapsed time passes the ceiling, or the ceiling
// plus the grace period in graceful mode.
func (m *Manager) CheckTimeLimit() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.start.IsZero() {
		return nil
	}
	elapsed := m.now().Sub(m.start)
	if elapsed <= m.config.MaxTime {
		return nil
	}
	if m.config.PreemptionMode == ModeImmediate {
		return m.errorLocked(KindTimeExceeded, fmt.Sprintf("time limit exceeded: %.1fs/%.0fs", elapsed.Seconds(), m.config.MaxTime.Seconds()))
	}
	if elapsed > m.config.MaxTime+m.config.GracePeriod {
		return m.errorLocked(KindTimeExceeded, fmt.Sprintf("time limit exceeded (grace period exhausted): %.1fs/%.0fs", elapsed.Seconds(), m.config.MaxTime.Seconds()))
	}
	return nil
}

// RegisterAgent counts a new active agent and fails past the ceiling.
func (m *Manager) RegisterAgent() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.agents++
	if m.agents > m.config.MaxAgents {
		return m.errorLocked(KindAgentLimit, fmt.Sprintf("agent limit exceeded: %d/%d", m.agents, m.config.MaxAgents))
	}
	return nil
}

func (m *Manager) UnregisterAgent() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.agents = max(0, m.agents-1)
}

// AcquireSlot takes one concurrency slot. Unlike agents, a refused slot is
// not counted.
func (m *Manager) AcquireSlot() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.slots >= m.config.MaxConcurrency {
		return m.errorLocked(KindConcurrencyLimit, fmt.Sprintf("concurrency limit reached: %d/%d", m.slots, m.config.MaxConcurrency))
	}
	m.slots++
	return nil
}

func (m *Manager) ReleaseSlot() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.slots = max(0, m.slots-1)
}

// #endregion consumption

// #region status
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusLocked()
}

func (m *Manager) statusLocked() Status {
	var elapsed float64
	if !m.start.IsZero() {
		elapsed = m.now().Sub(m.start).Seconds()
	}
	limit := m.config.MaxTime.Seconds()
	return Status{
		Generation:      m.generation,
		TokensUsed:      m.tokens,
		TokensLimit:     m.config.MaxTokensPerGen,
		TokensRemaining: max(0, m.config.MaxTokensPerGen-m.tokens),
		ElapsedS:        elapsed,
		TimeLimitS:      limit,
		TimeRemainingS:  max(0, limit-elapsed),
		ActiveAgents:    m.agents,
		AgentLimit:      m.config.MaxAgents,
		ActiveSlots:     m.slots,
		SlotLimit:       m.config.MaxConcurrency,
		Aborted:         m.aborted,
	}
}

func (m *Manager) errorLocked(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg, Snapshot: m.statusLocked()}
}

// #endregion status

// #region log
func (m *Manager) logEvent(event string, generation int, details any) {
	if !m.config.LogEvents || m.config.LogPath == "" {
		return
	}
	line, err := json.Marshal(Event{
		Timestamp:  float64(m.now().UnixNano()) / 1e9,
		Event:      event,
		Generation: generation,
		Details:    details,
	})
	if err != nil {
		m.logger.Warn("marshal budget event", "error", err)
		return
	}

	m.logMu.Lock()
	defer m.logMu.Unlock()
	if err := os.MkdirAll(filepath.Dir(m.config.LogPath), 0o755); err != nil {
		m.logger.Warn("budget log dir", "error", err)
		return
	}
	f, err := os.OpenFile(m.config.LogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		m.logger.Warn("open budget log", "error", err)
		return
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		m.logger.Warn("append budget log", "error", err)
	}
}

// ReadEvents parses a budget log. Malformed lines are skipped.
func ReadEvents(path string) ([]Event, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read budget log: %w", err)
	}
	var out []Event
	for _, line := range bytes.Split(raw, []byte("\n")) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err == nil && ev.Event != "" {
			out = append(out, ev)
		}
	}
	return out, nil
}

// #endregion log

