// Package cache stores evaluation results keyed by content hashes, backed by
// an append-only JSONL file. The file is single-writer: one process owns it.
package cache

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// #region types

// Config controls capacity and expiry.
type Config struct {
	Enabled    bool
	TTL        time.Duration
	MaxEntries int
}

// Entry is one line of the cache file.
type Entry struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	Timestamp float64         `json:"timestamp"` // unix seconds
}

// Stats reports cache activity since construction.
type Stats struct {
	Entries   int `json:"entries"`
	Hits      int `json:"hits"`
	Misses    int `json:"misses"`
	Evictions int `json:"evictions"`
	Expired   int `json:"expired"`
	Corrupt   int `json:"corrupt"`
}

// #endregion types

// #region cache-struct

// Cache is a TTL and capacity bounded key/value store.
type Cache struct {
	config Config
	path   string
	now    func() time.Time
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]Entry
	stats   Stats
}

// Option customises a Cache.
type Option func(*Cache)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) { c.logger = l }
}

// New opens the cache, replaying path if it exists. An empty path keeps the
// cache in memory only.
func New(path string, config Config, opts ...Option) (*Cache, error) {
	c := &Cache{
		config:  config,
		path:    path,
		now:     time.Now,
		logger:  slog.Default(),
		entries: make(map[string]Entry),
	}
	for _, o := range opts {
		o(c)
	}
	if path == "" {
		return c, nil
	}
	if err := c.load(); err != nil {
		return nil, err
	}
	return c, nil
}

// #endregion cache-struct

// #region key

// Key builds the cache key from the goal, candidate text and rubric version.
func Key(goal, text, rubricVersion string) string {
	return fmt.Sprintf("%s_%s_%s", shortHash(goal), shortHash(text), rubricVersion)
}

func shortHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:16]
}

// #endregion key

// #region load

// load replays the file. Unreadable lines count as corrupt and are skipped;
// expired lines are dropped. Later lines for a key win.
func (c *Cache) load() error {
	f, err := os.Open(c.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open cache: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil || e.Key == "" || len(e.Value) == 0 {
			c.stats.Corrupt++
			continue
		}
		if c.expired(e) {
			continue
		}
		c.entries[e.Key] = e
	}
	if err := scanner.Err(); err != nil {
		c.logger.Warn("cache replay stopped early", "path", c.path, "error", err)
	}
	for len(c.entries) > c.config.MaxEntries && c.config.MaxEntries > 0 {
		c.evictOldest()
	}
	return nil
}

// #endregion load

// #region get-put

// Get returns a copy of the stored value. Expired entries read as absent and
// are purged on the way.
func (c *Cache) Get(key string) (json.RawMessage, bool) {
	if !c.config.Enabled {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		c.stats.Misses++
		return nil, false
	}
	if c.expired(e) {
		delete(c.entries, key)
		c.stats.Expired++
		c.stats.Misses++
		return nil, false
	}
	c.stats.Hits++
	out := make(json.RawMessage, len(e.Value))
	copy(out, e.Value)
	return out, true
}

// Put stores value under key and appends it to the file.
func (c *Cache) Put(key string, value json.RawMessage) error {
	if !c.config.Enabled {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists && c.config.MaxEntries > 0 && len(c.entries) >= c.config.MaxEntries {
		c.evictOldest()
	}
	stored := make(json.RawMessage, len(value))
	copy(stored, value)
	e := Entry{
		Key:       key,
		Value:     stored,
		Timestamp: float64(c.now().UnixNano()) / 1e9,
	}
	c.entries[key] = e
	return c.appendLine(e)
}

// Stats returns a snapshot of cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Entries = len(c.entries)
	return s
}

// #endregion get-put

// #region helpers

func (c *Cache) expired(e Entry) bool {
	if c.config.TTL <= 0 {
		return false
	}
	age := float64(c.now().UnixNano())/1e9 - e.Timestamp
	return age >= c.config.TTL.Seconds()
}

func (c *Cache) evictOldest() {
	var oldestKey string
	oldest := 0.0
	first := true
	for k, e := range c.entries {
		if first || e.Timestamp < oldest || (e.Timestamp == oldest && k < oldestKey) {
			oldestKey, oldest, first = k, e.Timestamp, false
		}
	}
	if !first {
		delete(c.entries, oldestKey)
		c.stats.Evictions++
	}
}

func (c *Cache) appendLine(e Entry) error {
	if c.path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return fmt.Errorf("cache dir: %w", err)
	}
	f, err := os.OpenFile(c.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open cache: %w", err)
	}
	defer f.Close()
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal cache entry: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append cache entry: %w", err)
	}
	return nil
}

// #endregion helpers
