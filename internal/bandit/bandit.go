// Package bandit selects mutation strategies with UCB1, discounting arms
// whose recent output is too similar to the current champion.
package bandit

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/danielpatrickdp/adaptive-state/evoloop/internal/metrics"
)

var ErrUnknownArm = errors.New("unknown arm")

const (
	historySize     = 50
	penaltyLookback = 10 // history entries scanned for the arm's latest embedding
	noveltyPenalty  = 0.5
)

// #region types
// Config tunes the controller.
type Config struct {
	Arms             []string
	Beta             float64
	NoveltyThreshold float64
}

// ArmStats are the aggregate statistics of one arm.
type ArmStats struct {
	Pulls       int     `json:"pulls"`
	TotalReward float64 `json:"total_reward"`
	AvgReward   float64 `json:"avg_reward"`
}

// Stats is a snapshot of every arm.
type Stats struct {
	TotalPulls int                 `json:"total_pulls"`
	Arms       map[string]ArmStats `json:"arms"`
}

type historyEntry struct {
	arm       string
	embedding []float64
	reward    float64
}

// #endregion types

// #region controller
// Controller holds arm statistics and the novelty history.
type Controller struct {
	config  Config
	store   ArmStore
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time

	mu         sync.Mutex
	pulls      map[string]int
	rewards    map[string]float64
	totalPulls int
	history    []historyEntry
}

// Option customises a Controller.
type Option func(*Controller)

func WithMetrics(m *metrics.Metrics) Option { return func(c *Controller) { c.metrics = m } }

func WithLogger(l *slog.Logger) Option { return func(c *Controller) { c.logger = l } }

func WithClock(now func() time.Time) Option { return func(c *Controller) { c.now = now } }

// New builds a controller and replays store. A nil store keeps statistics in
// memory only.
func New(config Config, store ArmStore, opts ...Option) (*Controller, error) {
	if len(config.Arms) == 0 {
		return nil, fmt.Errorf("bandit: no arms configured")
	}
	if store == nil {
		store = &MemoryStore{}
	}
	c := &Controller{
		config:  config,
		store:   store,
		logger:  slog.Default(),
		now:     time.Now,
		pulls:   make(map[string]int, len(config.Arms)),
		rewards: make(map[string]float64, len(config.Arms)),
	}
	for _, o := range opts {
		o(c)
	}
	c.logger = c.logger.With("component", "bandit")
	for _, arm := range config.Arms {
		c.pulls[arm] = 0
		c.rewards[arm] = 0
	}
	if err := c.replay(); err != nil {
		return nil, err
	}
	return c, nil
}

// replay takes the last record per arm as ground truth. Records are never
// re-applied incrementally, so replaying twice cannot double count.
func (c *Controller) replay() error {
	records, err := c.store.Replay()
	if err != nil {
		return fmt.Errorf("replay arm store: %w", err)
	}
	for _, r := range records {
		if _, ok := c.pulls[r.Arm]; !ok {
			c.logger.Warn("ignoring record for unconfigured arm", "arm", r.Arm)
			continue
		}
		c.pulls[r.Arm] = r.ArmCount
		c.rewards[r.Arm] = r.ArmTotalReward
		c.totalPulls = r.TotalPulls
	}
	if len(records) > 0 {
		c.logger.Info("bandit state replayed", "records", len(records), "total_pulls", c.totalPulls)
	}
	return nil
}

// #endregion controller

// #region select
// SelectArm returns the first never-pulled arm, otherwise the arm with the
// highest (possibly penalised) UCB1 score. embedding may be nil.
func (c *Controller) SelectArm(embedding []float64) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, arm := range c.config.Arms {
		if c.pulls[arm] == 0 {
			return arm
		}
	}

	best, bestScore := "", math.Inf(-1)
	for _, arm := range c.config.Arms {
		score := c.ucb(arm)
		if embedding != nil {
			if last := c.latestEmbedding(arm); last != nil && CosineSimilarity(embedding, last) > 1-c.config.NoveltyThreshold {
				score *= noveltyPenalty
			}
		}
		if score > bestScore {
			best, bestScore = arm, score
		}
	}
	return best
}

func (c *Controller) ucb(arm string) float64 {
	n := float64(c.pulls[arm])
	mean := c.rewards[arm] / n
	total := float64(max(c.totalPulls, 1))
	return mean + c.config.Beta*math.Sqrt(2*math.Log(total)/n)
}

func (c *Controller) latestEmbedding(arm string) []float64 {
	start := max(len(c.history)-penaltyLookback, 0)
	for i := len(c.history) - 1; i >= start; i-- {
		if c.history[i].arm == arm {
			return c.history[i].embedding
		}
	}
	return nil
}

// #endregion select

// #region update
// Update records reward for arm, appends to the novelty history when an
// embedding is given and persists the arm's cumulative state.
func (c *Controller) Update(arm string, reward float64, embedding []float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.pulls[arm]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownArm, arm)
	}
	c.pulls[arm]++
	c.rewards[arm] += reward
	c.totalPulls++

	if embedding != nil {
		vec := append([]float64(nil), embedding...)
		c.history = append(c.history, historyEntry{arm: arm, embedding: vec, reward: reward})
		if len(c.history) > historySize {
			c.history = c.history[len(c.history)-historySize:]
		}
	}
	c.metrics.ArmPull(arm)

	rec := Record{
		Timestamp:      float64(c.now().UnixNano()) / 1e9,
		Arm:            arm,
		Reward:         reward,
		ArmCount:       c.pulls[arm],
		ArmTotalReward: c.rewards[arm],
		TotalPulls:     c.totalPulls,
	}
	if err := c.store.Append(rec); err != nil {
		return fmt.Errorf("persist arm %s: %w", arm, err)
	}
	return nil
}

// #endregion update

// #region novelty
// ComputeNovelty is the minimum cosine distance from embedding to every
// historical embedding, 1.0 with no history.
func (c *Controller) ComputeNovelty(embedding []float64) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.history) == 0 {
		return 1.0
	}
	novelty := math.Inf(1)
	for _, h := range c.history {
		novelty = min(novelty, 1-CosineSimilarity(embedding, h.embedding))
	}
	return novelty
}

// #endregion novelty

// #region stats
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{TotalPulls: c.totalPulls, Arms: make(map[string]ArmStats, len(c.config.Arms))}
	for _, arm := range c.config.Arms {
		n := c.pulls[arm]
		s.Arms[arm] = ArmStats{
			Pulls:       n,
			TotalReward: c.rewards[arm],
			AvgReward:   c.rewards[arm] / float64(max(n, 1)),
		}
	}
	return s
}

// Arms returns the configured arm names in order.
func (c *Controller) Arms() []string {
	return append([]string(nil), c.config.Arms...)
}

// #endregion stats
