// Package telemetry appends one JSON record per generation for offline
// analysis and reproduction of a run.
package telemetry

import (
	"bufio"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// #region entry
// Entry is one generation record. Records are never rewritten.
type Entry struct {
	RunID         string            `json:"run_id"`
	Timestamp     float64           `json:"ts"`
	Generation    int               `json:"gen"`
	Arm           string            `json:"arm"`
	Seed          int64             `json:"seed"`
	WorkflowHash  string            `json:"workflow_hash"`
	RubricVersion string            `json:"rubric_v"`
	DeltaScore    float64           `json:"delta_score"`
	Score         float64           `json:"score"`
	Tokens        int               `json:"tokens"`
	TimeMs        float64           `json:"time_ms"`
	CacheHit      bool              `json:"cache_hit"`
	Novelty       float64           `json:"novelty"`
	RobustPct     float64           `json:"robust_pct"`
	BudgetFlags   []string          `json:"budget_flags"`
	Versions      map[string]string `json:"versions"`
}

// #endregion entry

// #region logger
// Logger owns the telemetry file for one run.
type Logger struct {
	path     string
	runID    string
	versions map[string]string
	now      func() time.Time

	mu sync.Mutex
}

// Option customises a Logger.
type Option func(*Logger)

func WithClock(now func() time.Time) Option { return func(l *Logger) { l.now = now } }

// WithRunID fixes the run id instead of generating one.
func WithRunID(id string) Option { return func(l *Logger) { l.runID = id } }

// New prepares the log directory and captures version fingerprints once.
func New(path string, opts ...Option) (*Logger, error) {
	l := &Logger{path: path, now: time.Now}
	for _, o := range opts {
		o(l)
	}
	if l.runID == "" {
		l.runID = uuid.NewString()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("telemetry dir: %w", err)
	}
	l.versions = Versions()
	return l, nil
}

func (l *Logger) RunID() string { return l.runID }

func (l *Logger) Path() string { return l.path }

// Log stamps e with the run id, time and versions and appends it.
func (l *Logger) Log(e Entry) error {
	e.RunID = l.runID
	e.Timestamp = float64(l.now().UnixNano()) / 1e9
	e.Versions = l.versions
	if e.BudgetFlags == nil {
		e.BudgetFlags = []string{}
	}
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal telemetry: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open telemetry: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append telemetry: %w", err)
	}
	return nil
}

// #endregion logger

// #region read
// ReadAll parses a telemetry file. Malformed lines are skipped and counted.
func ReadAll(path string) ([]Entry, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("open telemetry: %w", err)
	}
	defer f.Close()

	var out []Entry
	skipped := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			skipped++
			continue
		}
		out = append(out, e)
	}
	return out, skipped, sc.Err()
}

// #endregion read

// #region fingerprints
// Hash is the short content hash recorded as workflow_hash.
func Hash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])[:16]
}

// Seed derives a stable per-generation seed from the run id.
func Seed(runID string, generation int) int64 {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", runID, generation)))
	return int64(binary.BigEndian.Uint64(sum[:8]) >> 1)
}

// tracked are the dependencies whose versions matter for reproducing a run.
var tracked = []string{
	"google.golang.org/grpc",
	"modernc.org/sqlite",
	"github.com/prometheus/client_golang",
	"github.com/go-openapi/validate",
}

// Versions fingerprints the toolchain, platform and key dependencies.
func Versions() map[string]string {
	v := map[string]string{
		"go":       runtime.Version(),
		"platform": runtime.GOOS + "/" + runtime.GOARCH,
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return v
	}
	v["module"] = info.Main.Version
	for _, dep := range info.Deps {
		for _, want := range tracked {
			if dep.Path == want {
				v[dep.Path] = dep.Version
			}
		}
	}
	return v
}

// #endregion fingerprints
