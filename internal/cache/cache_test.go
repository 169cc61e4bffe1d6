package cache

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (f *fakeClock) now() time.Time          { return f.t }
func (f *fakeClock) advance(d time.Duration) { f.t = f.t.Add(d) }

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func cfg(max int) Config {
	return Config{Enabled: true, TTL: time.Hour, MaxEntries: max}
}

func TestKey_StableAndDistinct(t *testing.T) {
	k1 := Key("goal", "text", "v1")
	assert.Equal(t, k1, Key("goal", "text", "v1"))
	assert.NotEqual(t, k1, Key("goal", "text", "v2"))
	assert.NotEqual(t, k1, Key("goal", "other", "v1"))
	assert.Len(t, k1, 16+1+16+1+2)
}

func TestPutGet_ReturnsCopy(t *testing.T) {
	c, err := New("", cfg(10))
	require.NoError(t, err)

	require.NoError(t, c.Put("k", json.RawMessage(`{"quality_score":91}`)))
	got, ok := c.Get("k")
	require.True(t, ok)
	got[0] = 'X'

	again, ok := c.Get("k")
	require.True(t, ok)
	assert.JSONEq(t, `{"quality_score":91}`, string(again))
}

func TestGet_TTLExpiry(t *testing.T) {
	clock := newClock()
	c, err := New("", cfg(10), WithClock(clock.now))
	require.NoError(t, err)

	require.NoError(t, c.Put("k", json.RawMessage(`1`)))
	clock.advance(59 * time.Minute)
	_, ok := c.Get("k")
	assert.True(t, ok)

	clock.advance(2 * time.Minute)
	_, ok = c.Get("k")
	assert.False(t, ok)
	assert.Equal(t, 1, c.Stats().Expired)
	assert.Equal(t, 0, c.Stats().Entries)
}

func TestPut_EvictsOldestAtCapacity(t *testing.T) {
	clock := newClock()
	c, err := New("", cfg(2), WithClock(clock.now))
	require.NoError(t, err)

	require.NoError(t, c.Put("a", json.RawMessage(`1`)))
	clock.advance(time.Second)
	require.NoError(t, c.Put("b", json.RawMessage(`2`)))
	clock.advance(time.Second)
	require.NoError(t, c.Put("c", json.RawMessage(`3`)))

	_, ok := c.Get("a")
	assert.False(t, ok, "oldest entry should be evicted")
	_, ok = c.Get("c")
	assert.True(t, ok)
	assert.Equal(t, 1, c.Stats().Evictions)
}

func TestDisabledCacheNeverHits(t *testing.T) {
	c, err := New("", Config{Enabled: false, TTL: time.Hour, MaxEntries: 5})
	require.NoError(t, err)
	require.NoError(t, c.Put("k", json.RawMessage(`1`)))
	_, ok := c.Get("k")
	assert.False(t, ok)
}

func TestReplay_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "eval_cache.jsonl")
	clock := newClock()

	c1, err := New(path, cfg(10), WithClock(clock.now))
	require.NoError(t, err)
	require.NoError(t, c1.Put("k1", json.RawMessage(`{"v":1}`)))
	require.NoError(t, c1.Put("k2", json.RawMessage(`{"v":2}`)))

	c2, err := New(path, cfg(10), WithClock(clock.now))
	require.NoError(t, err)
	got, ok := c2.Get("k2")
	require.True(t, ok)
	assert.JSONEq(t, `{"v":2}`, string(got))
}

func TestReplay_CorruptLinesAreMisses(t *testing.T) {
	path := filepath.Join(t.TempDir(), "eval_cache.jsonl")
	clock := newClock()
	ts := float64(clock.t.Unix())
	good, _ := json.Marshal(Entry{Key: "good", Value: json.RawMessage(`{"ok":true}`), Timestamp: ts})
	body := "{not json\n" + string(good) + "\n" + `{"key":"","value":1}` + "\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	c, err := New(path, cfg(10), WithClock(clock.now))
	require.NoError(t, err)
	assert.Equal(t, 2, c.Stats().Corrupt)
	_, ok := c.Get("good")
	assert.True(t, ok)
}

func TestReplay_DropsExpired(t *testing.T) {
	path := filepath.Join(t.TempDir(), "eval_cache.jsonl")
	clock := newClock()
	old, _ := json.Marshal(Entry{Key: "old", Value: json.RawMessage(`1`), Timestamp: float64(clock.t.Add(-2 * time.Hour).Unix())})
	require.NoError(t, os.WriteFile(path, append(old, '\n'), 0o644))

	c, err := New(path, cfg(10), WithClock(clock.now))
	require.NoError(t, err)
	assert.Equal(t, 0, c.Stats().Entries)
}
