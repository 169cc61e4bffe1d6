package heuristics

import (
	"fmt"
	"math"
	"regexp"
	"unicode/utf8"
)

// #region patterns

type namedPattern struct {
	name string
	re   *regexp.Regexp
}

// banPatterns are destructive or exfiltrating constructs. Order is stable so
// violation lists are deterministic.
var banPatterns = []namedPattern{
	{"shell_deletion", regexp.MustCompile(`(?i)rm\s+-[rf]+\s+/`)},
	{"shell_dangerous", regexp.MustCompile(`(?i)(sudo|chmod\s+777|mkfs|dd\s+if=)`)},
	{"secrets_exfil", regexp.MustCompile(`(?i)(curl|wget|nc)\s+.*\.(env|key|secret|token)`)},
	{"code_injection", regexp.MustCompile(`(?i)eval\(|exec\(|__import__\(`)},
	{"path_traversal", regexp.MustCompile(`\.\./\.\./`)},
	{"credential_leak", regexp.MustCompile(`(?i)(password|api_key|secret)\s*=\s*['"][^'"]+['"]`)},
}

var adversarialPatterns = []namedPattern{
	{"prompt_injection", regexp.MustCompile(`(?i)ignore\s+(previous|all)\s+instructions`)},
	{"infinite_loop", regexp.MustCompile(`(?i)while\s+true\s*:|for\s+\w+\s+in\s+itertools\.count\(\)|for\s*\{\s*\}`)},
	{"resource_surge", regexp.MustCompile(`(?i)(multiprocessing\.Pool|threading\.Thread).*range\(\d{4,}\)`)},
	{"unsafe_action", regexp.MustCompile(`(?i)os\.(system|popen|execv|fork)\s*\(|exec\.Command\s*\(`)},
}

// #endregion patterns

// #region validator
// Validator scores arbitrary text with patterns, length, entropy and schema checks.
type Validator struct {
	config  Config
	schemas *schemaSet
}

// New creates a validator with the given limits.
func New(config Config) *Validator {
	if config.MinChars <= 0 {
		config.MinChars = DefaultConfig().MinChars
	}
	return &Validator{
		config:  config,
		schemas: newSchemaSet(config.SchemaDir),
	}
}

// Validate runs every check. schemaName may be empty.
// A hard pattern match short-circuits to score 0 before any soft scoring.
func (v *Validator) Validate(text, schemaName string) Result {
	// --- Hard pattern pass ---
	if hits := matchAll(banPatterns, TierBan, text); len(hits) > 0 {
		return Result{
			Score:      0,
			Passed:     false,
			Violations: hits,
			Details:    Details{Reason: string(TierBan), Patterns: hits},
		}
	}
	if hits := matchAll(adversarialPatterns, TierAdversarial, text); len(hits) > 0 {
		return Result{
			Score:      0,
			Passed:     false,
			Violations: hits,
			Details:    Details{Reason: string(TierAdversarial), Patterns: hits, RiskTag: "HITL_REQUIRED"},
		}
	}

	// --- Soft scoring ---
	var violations []string

	length := v.checkLength(text)
	violations = append(violations, length.Issues...)

	entropy := checkEntropy(text)
	if entropy.Flag != "" {
		violations = append(violations, "entropy_"+entropy.Flag)
	}

	schema := SubScore{Score: 1}
	if schemaName != "" {
		schema = v.schemas.check(text, schemaName)
		limit := len(schema.Issues)
		if limit > 3 {
			limit = 3
		}
		for _, e := range schema.Issues[:limit] {
			violations = append(violations, schemaViolation(e))
		}
	}

	composite := weightLength*length.Score + weightEntropy*entropy.Score + weightSchema*schema.Score

	details := Details{Length: &length, Entropy: &entropy}
	if schemaName != "" {
		details.Schema = &schema
	}
	if violations == nil {
		violations = []string{}
	}
	return Result{
		Score:      composite,
		Passed:     composite > passScore && len(violations) == 0,
		Violations: violations,
		Details:    details,
	}
}

// #endregion validator

// #region checks

func matchAll(patterns []namedPattern, tier Tier, text string) []string {
	var hits []string
	for _, p := range patterns {
		if p.re.MatchString(text) {
			hits = append(hits, fmt.Sprintf("%s:%s", tier, p.name))
		}
	}
	return hits
}

// checkLength penalises both ends: oversized text multiplicatively, tiny text hard.
func (v *Validator) checkLength(text string) SubScore {
	chars := utf8.RuneCountInString(text)
	tokens := chars / 4
	score := 1.0
	var issues []string

	if chars > v.config.MaxChars {
		issues = append(issues, fmt.Sprintf("exceeds_max_chars:%d/%d", chars, v.config.MaxChars))
		score *= 0.5
	}
	if tokens > v.config.MaxTokensEst {
		issues = append(issues, fmt.Sprintf("exceeds_max_tokens:%d/%d", tokens, v.config.MaxTokensEst))
		score *= 0.7
	}
	if chars < v.config.MinChars {
		issues = append(issues, "too_short")
		score *= 0.3
	}
	return SubScore{Score: score, Issues: issues}
}

// checkEntropy computes Shannon entropy over overlapping 2-character windows,
// normalised against maxPairEntropy.
func checkEntropy(text string) SubScore {
	runes := []rune(text)
	if len(runes) < 10 {
		return SubScore{Score: 0.5, Flag: "too_short"}
	}
	norm := normalizedPairEntropy(runes)
	switch {
	case norm < entropyLow:
		return SubScore{Score: 0.3, Flag: "ultra_low"}
	case norm > entropyHigh:
		return SubScore{Score: 0.5, Flag: "ultra_high"}
	default:
		return SubScore{Score: 1.0}
	}
}

func normalizedPairEntropy(runes []rune) float64 {
	freq := make(map[[2]rune]int, len(runes))
	total := len(runes) - 1
	for i := 0; i < total; i++ {
		freq[[2]rune{runes[i], runes[i+1]}]++
	}
	var h float64
	for _, c := range freq {
		p := float64(c) / float64(total)
		h -= p * math.Log2(p)
	}
	return math.Min(h/maxPairEntropy, 1.0)
}

// PairEntropy exposes the normalised 2-char window entropy of text.
func PairEntropy(text string) float64 {
	runes := []rune(text)
	if len(runes) < 2 {
		return 0
	}
	return normalizedPairEntropy(runes)
}

// #endregion checks
