package policy

import (
	"context"
	"log/slog"
	"math"
)

// Engine scores evidence and decides commit vs defer.
// It holds no mutable state after construction and is safe for concurrent use.
type Engine struct {
	gamma  GammaConfig
	cost   CostConfig
	rules  []guardRule
	logger *slog.Logger
}

// NewEngine builds an engine from already-loaded configuration.
// Guard rules that fail to compile are dropped with a warning.
func NewEngine(gamma GammaConfig, cost CostConfig) *Engine {
	e := &Engine{
		gamma:  sanitizeGamma(gamma),
		cost:   sanitizeCost(cost),
		logger: slog.Default().With("component", "policy"),
	}
	rules, errs := compileRules(e.gamma.Rules)
	for _, err := range errs {
		e.logger.Warn("guard rule dropped", "error", err)
	}
	e.rules = rules
	return e
}

// NewDefaultEngine returns an engine using the built-in defaults.
func NewDefaultEngine() *Engine {
	return NewEngine(DefaultGammaConfig(), DefaultCostConfig())
}

// Gamma returns the effective gamma configuration.
func (e *Engine) Gamma() GammaConfig { return e.gamma }

// Cost returns the effective cost configuration.
func (e *Engine) Cost() CostConfig { return e.cost }

// Score computes the weighted evidence sum rounded to 3 decimal places.
func (e *Engine) Score(ev Evidence) float64 {
	n := ev.Normalized()
	w := e.gamma.Weights
	sum := w.TestsPass*float64(n.TestsPass) +
		w.RetrievalCited*float64(n.RetrievalCited) +
		w.CostOK*float64(n.CostOK) +
		w.DiffTiny*float64(n.DiffTiny)
	return clamp01(round3(sum))
}

// Threshold returns the gamma threshold for mode. Unknown modes use the fast threshold.
func (e *Engine) Threshold(mode Mode) float64 {
	if t, ok := e.gamma.Thresholds[mode]; ok {
		return t
	}
	return e.gamma.Thresholds[ModeFast]
}

// CostGate checks an estimated run cost against the per-run ceiling.
func (e *Engine) CostGate(estimate float64) CostResult {
	return CostResult{
		OK:       estimate <= e.cost.PerRunGBP,
		Ceiling:  e.cost.PerRunGBP,
		Estimate: estimate,
	}
}

// Decide evaluates the full gate: gamma against the mode threshold, the cost
// gate and every guard rule. Commit requires all three to hold.
func (e *Engine) Decide(ctx context.Context, mode Mode, ev Evidence, estimate float64) Decision {
	d := Decision{
		Mode:      mode,
		Gamma:     e.Score(ev),
		Threshold: e.Threshold(mode),
		Cost:      e.CostGate(estimate),
	}
	d.Pass = d.Gamma >= d.Threshold

	if len(e.rules) > 0 {
		vars := map[string]any{
			"gamma":         d.Gamma,
			"threshold":     d.Threshold,
			"mode":          string(mode),
			"evidence":      ev.Map(),
			"cost_estimate": estimate,
			"cost_ceiling":  d.Cost.Ceiling,
		}
		for _, r := range e.rules {
			ok, err := r.eval(vars)
			if err != nil {
				e.logger.WarnContext(ctx, "guard rule evaluation failed", "rule", r.expr, "error", err)
			}
			if !ok {
				d.Violations = append(d.Violations, r.expr)
			}
		}
	}

	d.Commit = d.Pass && d.Cost.OK && len(d.Violations) == 0
	return d
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
