// Package policy implements the quality gate used by the kernel: a weighted
// gamma score over evidence signals, mode-indexed thresholds, a per-run cost
// ceiling and optional CEL guard rules.
package policy

// Mode selects which gamma threshold applies to a run.
type Mode string

const (
	ModeSafe  Mode = "safe"
	ModeFast  Mode = "fast"
	ModeCheap Mode = "cheap"
)

// Evidence holds the four gate signals. Any non-zero value counts as 1.
type Evidence struct {
	TestsPass      int `json:"tests_pass" yaml:"tests_pass"`
	RetrievalCited int `json:"retrieval_cited" yaml:"retrieval_cited"`
	CostOK         int `json:"cost_ok" yaml:"cost_ok"`
	DiffTiny       int `json:"diff_tiny" yaml:"diff_tiny"`
}

// Normalized returns a copy with every signal coerced to 0 or 1.
func (e Evidence) Normalized() Evidence {
	return Evidence{
		TestsPass:      bit(e.TestsPass),
		RetrievalCited: bit(e.RetrievalCited),
		CostOK:         bit(e.CostOK),
		DiffTiny:       bit(e.DiffTiny),
	}
}

// Map returns the normalized signals keyed by their wire names.
func (e Evidence) Map() map[string]any {
	n := e.Normalized()
	return map[string]any{
		"tests_pass":      int64(n.TestsPass),
		"retrieval_cited": int64(n.RetrievalCited),
		"cost_ok":         int64(n.CostOK),
		"diff_tiny":       int64(n.DiffTiny),
	}
}

func bit(v int) int {
	if v != 0 {
		return 1
	}
	return 0
}

// Weights are the per-signal coefficients of the gamma score.
type Weights struct {
	TestsPass      float64 `json:"tests_pass" yaml:"tests_pass"`
	RetrievalCited float64 `json:"retrieval_cited" yaml:"retrieval_cited"`
	CostOK         float64 `json:"cost_ok" yaml:"cost_ok"`
	DiffTiny       float64 `json:"diff_tiny" yaml:"diff_tiny"`
}

// GammaConfig is the gate configuration document (policy/gamma.json).
type GammaConfig struct {
	Version    string           `json:"version,omitempty" yaml:"version,omitempty"`
	Weights    Weights          `json:"weights" yaml:"weights"`
	Thresholds map[Mode]float64 `json:"thresholds" yaml:"thresholds"`
	Rules      []string         `json:"rules,omitempty" yaml:"rules,omitempty"`
}

// CostConfig is the cost ceiling document (policy/cost.json).
type CostConfig struct {
	Version   string  `json:"version,omitempty" yaml:"version,omitempty"`
	PerRunGBP float64 `json:"per_run_gbp" yaml:"per_run_gbp"`
	PerDayGBP float64 `json:"per_day_gbp" yaml:"per_day_gbp"`
}

// CostResult is the outcome of the per-run cost gate.
type CostResult struct {
	OK       bool    `json:"ok"`
	Ceiling  float64 `json:"ceiling"`
	Estimate float64 `json:"estimate"`
}

// Decision is the full gate verdict for one candidate change.
type Decision struct {
	Mode       Mode       `json:"mode"`
	Gamma      float64    `json:"gamma"`
	Threshold  float64    `json:"threshold"`
	Pass       bool       `json:"pass"`
	Cost       CostResult `json:"cost"`
	Violations []string   `json:"violations,omitempty"`
	Commit     bool       `json:"commit"`
}
