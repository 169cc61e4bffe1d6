package proposal

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pmezard/go-difflib/difflib"
	"github.com/sourcegraph/go-diff/diff"
)

const (
	timestampLayout = "2006-01-02 15:04:05 UTC"
	noChanges       = "(no changes detected)"
	recordPrefix    = "## ["
	decisionHeading = "### Human Decision"
	fence           = "```"
)

// #region ledger
// Ledger is the append-only markdown document humans edit to decide on
// proposals. Records are appended, never rewritten or reordered.
type Ledger struct {
	path string
	mu   sync.Mutex
}

func NewLedger(path string) *Ledger {
	return &Ledger{path: path}
}

func (l *Ledger) Path() string { return l.path }

// Append writes the rendered record at the end of the ledger.
func (l *Ledger) Append(p Proposal) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("ledger dir: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(Render(p)); err != nil {
		return fmt.Errorf("append ledger: %w", err)
	}
	return nil
}

// Read returns the whole ledger. A missing ledger reads as empty.
func (l *Ledger) Read() (string, error) {
	raw, err := os.ReadFile(l.path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read ledger: %w", err)
	}
	return string(raw), nil
}

// Decision re-reads the ledger and parses the record for id.
func (l *Ledger) Decision(id string) (Decision, error) {
	doc, err := l.Read()
	if err != nil {
		return Decision{}, err
	}
	return ParseDecision(doc, id), nil
}

// #endregion ledger

// #region render
// Render formats one ledger record.
func Render(p Proposal) string {
	var b strings.Builder
	fmt.Fprintf(&b, "\n## [PENDING] Proposal ID: %s\n", p.ID)
	fmt.Fprintf(&b, "**Timestamp:** %s\n", p.CreatedAt.UTC().Format(timestampLayout))
	fmt.Fprintf(&b, "**Variant ID:** %s\n", p.VariantID)
	fmt.Fprintf(&b, "**Arm:** %s\n", p.Arm)
	fmt.Fprintf(&b, "**Predicted ΔScore:** +%.2f\n", p.PredictedDelta)
	fmt.Fprintf(&b, "**Files Modified:** 1\n")
	fmt.Fprintf(&b, "**Lines:** +%d/-%d\n\n", p.Added, p.Removed)
	fmt.Fprintf(&b, "### File: `%s`\n\n", p.FileTarget)
	fmt.Fprintf(&b, "### Diff Preview\n\n```diff\n%s\n```\n\n", p.Diff)
	fmt.Fprintf(&b, "### Rationale\n%s\n\n", p.Rationale)
	b.WriteString(decisionHeading + "\n")
	b.WriteString("- [ ] APPLY - Approve and execute this change\n")
	b.WriteString("- [ ] REJECT - Reject this change (reason: _____________)\n")
	b.WriteString("- [ ] DEFER - Review later\n\n")
	b.WriteString("**Decision Timestamp:**\n")
	b.WriteString("**Executed By:**\n")
	b.WriteString("**Actual ΔScore:** (post-execution measurement)\n\n")
	b.WriteString("---\n\n")
	return b.String()
}

// #endregion render

// #region parse
// ParseDecision scans only the decision section of the record for id, up to
// the next record heading. The section opens on the last exact
// "### Human Decision" heading of the record; fenced blocks never count, so
// text carried in a diff preview cannot decide anything. A missing record or
// an unmarked checklist is pending.
func ParseDecision(doc, id string) Decision {
	var section []string
	in, fenced, opened := false, false, false
scan:
	for _, line := range strings.Split(doc, "\n") {
		switch {
		case !in:
			in = headsRecord(line, id)
		case strings.HasPrefix(line, fence):
			fenced = !fenced
		case fenced:
		case strings.HasPrefix(line, recordPrefix):
			break scan
		case strings.TrimSpace(line) == decisionHeading:
			section, opened = nil, true
		case opened && strings.TrimSpace(line) != "":
			section = append(section, line)
		}
	}

	if hasMarker(section, "APPLY") {
		return Decision{Status: StatusApply}
	}
	if hasMarker(section, "REJECT") {
		return Decision{Status: StatusReject, Reason: rejectReason(section)}
	}
	if hasMarker(section, "DEFER") {
		return Decision{Status: StatusDeferred}
	}
	return Decision{Status: StatusPending}
}

// headsRecord matches "Proposal ID: <id>" followed by nothing or a space, so
// one id is never taken for a prefix of another.
func headsRecord(line, id string) bool {
	marker := "Proposal ID: " + id
	i := strings.Index(line, marker)
	if i < 0 {
		return false
	}
	rest := line[i+len(marker):]
	return rest == "" || rest[0] == ' ' || rest[0] == '\r'
}

func hasMarker(section []string, word string) bool {
	for _, line := range section {
		up := strings.ToUpper(line)
		if strings.Contains(up, "[X] "+word) || strings.Contains(up, "["+word+"]") {
			return true
		}
	}
	return false
}

// rejectReason takes the text after "reason:" on the first line carrying it.
// The unfilled placeholder reads as no reason.
func rejectReason(section []string) string {
	for _, line := range section {
		i := strings.Index(strings.ToLower(line), "reason:")
		if i < 0 {
			continue
		}
		r := strings.TrimSpace(line[i+len("reason:"):])
		r = strings.TrimSpace(strings.TrimSuffix(r, ")"))
		if strings.Trim(r, "_") == "" {
			return ""
		}
		return r
	}
	return ""
}

// #endregion parse

// #region diff
// UnifiedDiff renders old → new with a/ and b/ headers.
func UnifiedDiff(path, old, new string) (string, error) {
	text, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(old),
		B:        difflib.SplitLines(new),
		FromFile: "a/" + path,
		ToFile:   "b/" + path,
		Context:  3,
	})
	if err != nil {
		return "", fmt.Errorf("render diff: %w", err)
	}
	if text == "" {
		return noChanges, nil
	}
	return strings.TrimRight(text, "\n"), nil
}

// LineStats counts added and removed lines in a rendered diff.
func LineStats(rendered string) (added, removed int, err error) {
	if rendered == noChanges || rendered == "" {
		return 0, 0, nil
	}
	files, err := diff.NewMultiFileDiffReader(strings.NewReader(rendered + "\n")).ReadAllFiles()
	if err != nil {
		return 0, 0, fmt.Errorf("parse diff: %w", err)
	}
	for _, fd := range files {
		for _, hunk := range fd.Hunks {
			for _, line := range strings.Split(string(hunk.Body), "\n") {
				switch {
				case strings.HasPrefix(line, "+"):
					added++
				case strings.HasPrefix(line, "-"):
					removed++
				}
			}
		}
	}
	return added, removed, nil
}

// #endregion diff
