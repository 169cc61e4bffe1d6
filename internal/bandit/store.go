package bandit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Record is one line of the arm log: the cumulative state of one arm right
// after an update.
type Record struct {
	Timestamp      float64 `json:"timestamp"`
	Arm            string  `json:"arm"`
	Reward         float64 `json:"reward"`
	ArmCount       int     `json:"arm_count"`
	ArmTotalReward float64 `json:"arm_total_reward"`
	TotalPulls     int     `json:"total_pulls"`
}

// ArmStore persists arm statistics. Replay returns records oldest first;
// callers take the last record per arm as ground truth.
type ArmStore interface {
	Replay() ([]Record, error)
	Append(Record) error
}

// #region jsonl-store
// JSONLStore is an append-only file of Records. Single writer only.
type JSONLStore struct {
	path string
	mu   sync.Mutex
}

func NewJSONLStore(path string) *JSONLStore {
	return &JSONLStore{path: path}
}

// Replay reads every readable record. Malformed lines are skipped.
func (s *JSONLStore) Replay() ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open bandit log: %w", err)
	}
	defer f.Close()

	var out []Record
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var r Record
		if err := json.Unmarshal(scanner.Bytes(), &r); err != nil || r.Arm == "" {
			continue
		}
		out = append(out, r)
	}
	if err := scanner.Err(); err != nil {
		return out, fmt.Errorf("read bandit log: %w", err)
	}
	return out, nil
}

func (s *JSONLStore) Append(r Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("bandit log dir: %w", err)
	}
	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open bandit log: %w", err)
	}
	defer f.Close()
	line, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal bandit record: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append bandit record: %w", err)
	}
	return nil
}

// #endregion jsonl-store

// #region memory-store
// MemoryStore keeps records in process. Useful for dry runs and tests.
type MemoryStore struct {
	mu      sync.Mutex
	records []Record
}

func (m *MemoryStore) Replay() ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Record(nil), m.records...), nil
}

func (m *MemoryStore) Append(r Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, r)
	return nil
}

// #endregion memory-store
