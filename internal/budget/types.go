package budget

import (
	"errors"
	"fmt"
	"time"
)

// #region mode
// Mode selects how the time ceiling is enforced.
type Mode string

const (
	ModeImmediate Mode = "immediate"
	ModeGraceful  Mode = "graceful"
)

// #endregion mode

// #region config
// Config holds per-generation ceilings.
type Config struct {
	MaxTokensPerGen int
	MaxTime         time.Duration
	MaxAgents       int
	MaxConcurrency  int
	PreemptionMode  Mode
	GracePeriod     time.Duration
	LogEvents       bool
	LogPath         string
}

// #endregion config

// #region errors
// Kind classifies a budget violation.
type Kind string

const (
	KindBudgetExceeded   Kind = "budget_exceeded"
	KindTimeExceeded     Kind = "time_exceeded"
	KindAgentLimit       Kind = "agent_limit"
	KindConcurrencyLimit Kind = "concurrency_limit"
)

// ErrBudgetExceeded matches every *Error via errors.Is.
var ErrBudgetExceeded = errors.New("budget exceeded")

// Error is a budget violation with the state at the moment it happened.
type Error struct {
	Kind     Kind
	Message  string
	Snapshot Status
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Is(target error) bool { return target == ErrBudgetExceeded }

// KindOf returns the kind of a budget error anywhere in err's chain.
func KindOf(err error) (Kind, bool) {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind, true
	}
	return "", false
}

// #endregion errors

// #region status
// Status is a snapshot of the current generation's consumption.
type Status struct {
	Generation      int     `json:"generation"`
	TokensUsed      int     `json:"tokens_used"`
	TokensLimit     int     `json:"tokens_limit"`
	TokensRemaining int     `json:"tokens_remaining"`
	ElapsedS        float64 `json:"time_elapsed_s"`
	TimeLimitS      float64 `json:"time_limit_s"`
	TimeRemainingS  float64 `json:"time_remaining_s"`
	ActiveAgents    int     `json:"active_agents"`
	AgentLimit      int     `json:"agent_limit"`
	ActiveSlots     int     `json:"active_slots"`
	SlotLimit       int     `json:"slot_limit"`
	Aborted         bool    `json:"aborted"`
}

// #endregion status

// #region events
const (
	EventGenerationComplete = "generation_complete"
	EventBudgetExceeded     = "budget_exceeded"
)

// Event is one line of the budget log.
type Event struct {
	Timestamp  float64 `json:"timestamp"`
	Event      string  `json:"event"`
	Generation int     `json:"generation"`
	Details    any     `json:"details"`
}

// CompletionDetails are the details of a generation_complete event.
type CompletionDetails struct {
	ElapsedS float64 `json:"elapsed_s"`
	Tokens   int     `json:"tokens"`
	Agents   int     `json:"agents"`
	Aborted  bool    `json:"aborted"`
}

// #endregion events
