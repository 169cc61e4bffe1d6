package budget

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (f *fakeClock) now() time.Time          { return f.t }
func (f *fakeClock) advance(d time.Duration) { f.t = f.t.Add(d) }

func testConfig(t *testing.T) Config {
	return Config{
		MaxTokensPerGen: 10000,
		MaxTime:         300 * time.Second,
		MaxAgents:       10,
		MaxConcurrency:  4,
		PreemptionMode:  ModeGraceful,
		GracePeriod:     30 * time.Second,
		LogEvents:       true,
		LogPath:         filepath.Join(t.TempDir(), "budget.jsonl"),
	}
}

func newManager(t *testing.T, cfg Config) (*Manager, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	return New(cfg, WithClock(clock.now)), clock
}

func completions(t *testing.T, path string) []map[string]any {
	t.Helper()
	events, err := ReadEvents(path)
	require.NoError(t, err)
	var out []map[string]any
	for _, ev := range events {
		if ev.Event == EventGenerationComplete {
			out = append(out, ev.Details.(map[string]any))
		}
	}
	return out
}

// #region guard-tests
func TestGuard_NormalGeneration(t *testing.T) {
	cfg := testConfig(t)
	m, clock := newManager(t, cfg)

	err := m.Guard(context.Background(), 1, func(context.Context) error {
		require.NoError(t, m.ConsumeTokens(5000))
		for i := 0; i < 3; i++ {
			require.NoError(t, m.RegisterAgent())
		}
		clock.advance(2 * time.Second)
		return m.CheckTimeLimit()
	})
	require.NoError(t, err)

	done := completions(t, cfg.LogPath)
	require.Len(t, done, 1)
	assert.Equal(t, false, done[0]["aborted"])
	assert.Equal(t, 5000.0, done[0]["tokens"])
	assert.Equal(t, 3.0, done[0]["agents"])
	assert.Equal(t, 2.0, done[0]["elapsed_s"])
}

func TestGuard_TokenOverflowAbortsOnce(t *testing.T) {
	cfg := testConfig(t)
	m, _ := newManager(t, cfg)

	err := m.Guard(context.Background(), 2, func(context.Context) error {
		return m.ConsumeTokens(15000)
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBudgetExceeded)
	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, KindBudgetExceeded, kind)

	var be *Error
	require.True(t, errors.As(err, &be))
	assert.Equal(t, 15000, be.Snapshot.TokensUsed)
	assert.Equal(t, "token limit exceeded: 15000/10000", be.Message)

	done := completions(t, cfg.LogPath)
	require.Len(t, done, 1, "exactly one generation_complete")
	assert.Equal(t, true, done[0]["aborted"])

	events, err := ReadEvents(cfg.LogPath)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, EventBudgetExceeded, events[0].Event)
	assert.Equal(t, 2, events[0].Generation)
}

func TestGuard_WrappedBudgetErrorStillAborts(t *testing.T) {
	cfg := testConfig(t)
	m, _ := newManager(t, cfg)

	err := m.Guard(context.Background(), 3, func(context.Context) error {
		if err := m.RegisterAgent(); err != nil {
			return err
		}
		return joinGenerateErr(m.ConsumeTokens(20000))
	})
	assert.ErrorIs(t, err, ErrBudgetExceeded)
	assert.Equal(t, true, completions(t, cfg.LogPath)[0]["aborted"])
}

func joinGenerateErr(err error) error {
	if err == nil {
		return nil
	}
	return errors.Join(errors.New("generate variant"), err)
}

func TestGuard_OtherErrorsDoNotAbort(t *testing.T) {
	cfg := testConfig(t)
	m, _ := newManager(t, cfg)

	err := m.Guard(context.Background(), 4, func(context.Context) error { return errors.New("generator crashed") })
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrBudgetExceeded)
	assert.Equal(t, false, completions(t, cfg.LogPath)[0]["aborted"])
}

func TestGuard_PanicStillLogsCompletion(t *testing.T) {
	cfg := testConfig(t)
	m, _ := newManager(t, cfg)

	assert.Panics(t, func() {
		_ = m.Guard(context.Background(), 5, func(context.Context) error { panic("boom") })
	})
	done := completions(t, cfg.LogPath)
	require.Len(t, done, 1)
	assert.Equal(t, true, done[0]["aborted"])
}

func TestGuard_ResetsCountersOnEntry(t *testing.T) {
	cfg := testConfig(t)
	m, _ := newManager(t, cfg)

	_ = m.Guard(context.Background(), 1, func(context.Context) error { return m.ConsumeTokens(9000) })
	err := m.Guard(context.Background(), 2, func(context.Context) error { return m.ConsumeTokens(9000) })
	assert.NoError(t, err)
	assert.Equal(t, 9000, m.Status().TokensUsed)
	assert.False(t, m.Status().Aborted)
}

func TestGuard_LogDisabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.LogEvents = false
	m, _ := newManager(t, cfg)

	require.NoError(t, m.Guard(context.Background(), 1, func(context.Context) error { return nil }))
	_, err := ReadEvents(cfg.LogPath)
	assert.Error(t, err, "no log file is written")
}

// #endregion guard-tests

// #region limit-tests
func TestCheckTimeLimit_Modes(t *testing.T) {
	tests := []struct {
		name    string
		mode    Mode
		elapsed time.Duration
		wantErr bool
	}{
		{"immediate within", ModeImmediate, 299 * time.Second, false},
		{"immediate over", ModeImmediate, 301 * time.Second, true},
		{"graceful in grace", ModeGraceful, 320 * time.Second, false},
		{"graceful exhausted", ModeGraceful, 331 * time.Second, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			cfg.PreemptionMode = tt.mode
			m, clock := newManager(t, cfg)

			err := m.Guard(context.Background(), 1, func(context.Context) error {
				clock.advance(tt.elapsed)
				return m.CheckTimeLimit()
			})
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			kind, ok := KindOf(err)
			require.True(t, ok)
			assert.Equal(t, KindTimeExceeded, kind)
		})
	}
}

func TestCheckTimeLimit_OutsideGuard(t *testing.T) {
	m, _ := newManager(t, testConfig(t))
	assert.NoError(t, m.CheckTimeLimit())
}

func TestRegisterAgent_Limit(t *testing.T) {
	m, _ := newManager(t, testConfig(t))
	err := m.Guard(context.Background(), 1, func(context.Context) error {
		for i := 0; i < 12; i++ {
			if err := m.RegisterAgent(); err != nil {
				assert.Equal(t, 10, i, "the eleventh agent fails")
				return err
			}
		}
		return nil
	})
	kind, _ := KindOf(err)
	assert.Equal(t, KindAgentLimit, kind)
}

func TestUnregisterAgent_FloorsAtZero(t *testing.T) {
	m, _ := newManager(t, testConfig(t))
	m.UnregisterAgent()
	assert.Equal(t, 0, m.Status().ActiveAgents)
}

func TestSlots(t *testing.T) {
	m, _ := newManager(t, testConfig(t))
	for i := 0; i < 4; i++ {
		require.NoError(t, m.AcquireSlot())
	}
	err := m.AcquireSlot()
	kind, _ := KindOf(err)
	assert.Equal(t, KindConcurrencyLimit, kind)
	assert.Equal(t, 4, m.Status().ActiveSlots)

	m.ReleaseSlot()
	assert.NoError(t, m.AcquireSlot())
}

func TestStatus_Remaining(t *testing.T) {
	m, clock := newManager(t, testConfig(t))
	_ = m.Guard(context.Background(), 7, func(context.Context) error {
		require.NoError(t, m.ConsumeTokens(2500))
		clock.advance(100 * time.Second)
		s := m.Status()
		assert.Equal(t, 7, s.Generation)
		assert.Equal(t, 7500, s.TokensRemaining)
		assert.Equal(t, 200.0, s.TimeRemainingS)
		return nil
	})
}

// #endregion limit-tests
