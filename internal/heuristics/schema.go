package heuristics

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"unicode/utf8"

	oaerrors "github.com/go-openapi/errors"
	"github.com/go-openapi/spec"
	"github.com/go-openapi/strfmt"
	"github.com/go-openapi/validate"
)

// #region schema-set
// schemaSet lazily loads named JSON schemas from a directory and keeps them.
type schemaSet struct {
	dir string

	mu      sync.Mutex
	schemas map[string]*spec.Schema
}

func newSchemaSet(dir string) *schemaSet {
	return &schemaSet{dir: dir, schemas: make(map[string]*spec.Schema)}
}

// Register installs a schema under name without touching the filesystem.
func (v *Validator) Register(name string, raw []byte) error {
	var s spec.Schema
	if err := json.Unmarshal(raw, &s); err != nil {
		return fmt.Errorf("parse schema %s: %w", name, err)
	}
	v.schemas.mu.Lock()
	v.schemas.schemas[name] = &s
	v.schemas.mu.Unlock()
	return nil
}

func (s *schemaSet) load(name string) (*spec.Schema, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sc, ok := s.schemas[name]; ok {
		return sc, nil
	}
	raw, err := os.ReadFile(filepath.Join(s.dir, name+".json"))
	if err != nil {
		return nil, err
	}
	var sc spec.Schema
	if err := json.Unmarshal(raw, &sc); err != nil {
		return nil, err
	}
	s.schemas[name] = &sc
	return &sc, nil
}

// #endregion schema-set

// #region schema-check
// check scores text against the named schema: 1 valid, 0.2 schema-violating,
// 0 for unparseable JSON, 0.5 when the schema itself is missing.
func (s *schemaSet) check(text, name string) SubScore {
	sc, err := s.load(name)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return SubScore{Score: 0.5, Issues: []string{"schema_not_found:" + name}}
		}
		return SubScore{Score: 0, Issues: []string{"schema_error:" + truncate(err.Error(), 50)}}
	}

	var data interface{}
	if err := json.Unmarshal([]byte(text), &data); err != nil {
		return SubScore{Score: 0, Issues: []string{"invalid_json:" + truncate(err.Error(), 50)}}
	}

	if err := validate.AgainstSchema(sc, data, strfmt.Default); err != nil {
		return SubScore{Score: 0.2, Issues: schemaMessages(err)}
	}
	return SubScore{Score: 1}
}

func schemaMessages(err error) []string {
	var composite *oaerrors.CompositeError
	if errors.As(err, &composite) && len(composite.Errors) > 0 {
		msgs := make([]string, 0, len(composite.Errors))
		for _, e := range composite.Errors {
			msgs = append(msgs, truncate(e.Error(), 100))
		}
		return msgs
	}
	return []string{truncate(err.Error(), 100)}
}

// Issue kinds that already name their cause and go into violations as-is.
var taggedIssues = []string{"schema_not_found:", "schema_error:", "invalid_json:"}

// schemaViolation prefixes plain validation messages with "schema:".
func schemaViolation(issue string) string {
	for _, tag := range taggedIssues {
		if strings.HasPrefix(issue, tag) {
			return issue
		}
	}
	return "schema:" + issue
}

// truncate keeps at most n runes.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

// #endregion schema-check
