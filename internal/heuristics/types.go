package heuristics

// #region pattern-tier
// Tier names the pattern family a hard violation came from.
type Tier string

const (
	TierBan         Tier = "regex_ban"
	TierAdversarial Tier = "adversarial"
)

// #endregion pattern-tier

// #region config
// Config holds the soft-scoring limits.
type Config struct {
	MaxChars     int    // "too long" ceiling in characters
	MaxTokensEst int    // "too long" ceiling in estimated tokens (~4 chars each)
	MinChars     int    // below this the text is "too short"
	SchemaDir    string // directory holding <name>.json schemas
}

// DefaultConfig returns the limits used by the evaluator.
func DefaultConfig() Config {
	return Config{
		MaxChars:     10000,
		MaxTokensEst: 2500,
		MinChars:     20,
		SchemaDir:    "schemas",
	}
}

// #endregion config

// #region weights
const (
	weightLength  = 0.3
	weightEntropy = 0.2
	weightSchema  = 0.5

	// empirical maximum of 2-char window entropy in bits
	maxPairEntropy = 11.0
	entropyLow     = 0.2
	entropyHigh    = 0.95

	passScore = 0.5
)

// #endregion weights

// #region result
// SubScore is one soft component of the composite.
type SubScore struct {
	Score  float64  `json:"score"`
	Issues []string `json:"issues,omitempty"`
	Flag   string   `json:"flag,omitempty"`
}

// Details explains how a Result was reached.
type Details struct {
	Reason   string    `json:"reason,omitempty"` // "regex_ban" | "adversarial" when short-circuited
	Patterns []string  `json:"patterns,omitempty"`
	RiskTag  string    `json:"risk_tag,omitempty"`
	Length   *SubScore `json:"length,omitempty"`
	Entropy  *SubScore `json:"entropy,omitempty"`
	Schema   *SubScore `json:"schema,omitempty"`
}

// Result is the output of Validate.
type Result struct {
	Score      float64  `json:"score"`
	Passed     bool     `json:"passed"`
	Violations []string `json:"violations"`
	Details    Details  `json:"details"`
}

// LengthScore returns the length sub-score, or 0.5 when it was never computed.
func (r Result) LengthScore() float64 {
	if r.Details.Length == nil {
		return 0.5
	}
	return r.Details.Length.Score
}

// #endregion result
