// Package kernel runs one bounded pass of the task loop: resolve context,
// plan, produce a candidate change, gate it, and either apply it or record a
// pull request intent. Every transition is written to the trace ledger, and
// the gate verdict is written before the change is applied or deferred.
package kernel

import (
	"github.com/Mindburn-Labs/nstar/pkg/policy"
)

// Decision labels how a run ended.
type Decision string

const (
	DecisionApply  Decision = "APPLY"
	DecisionIntent Decision = "INTENT"
)

// Request is the input of a single run.
type Request struct {
	Goal    string      `json:"goal"`
	Mode    policy.Mode `json:"mode"`
	CtxRefs []string    `json:"ctxRefs"`
}

// ResolvedContext is a context reference and the text behind it.
type ResolvedContext struct {
	Ref  string `json:"ref"`
	Text string `json:"-"`
}

// Plan is what the planner intends to do. It is written to ops/LAST_PLAN.json
// when the change is applied.
type Plan struct {
	Goal             string      `json:"goal"`
	Mode             policy.Mode `json:"mode"`
	Context          PlanContext `json:"context"`
	Constraints      Constraints `json:"constraints"`
	AcceptanceChecks []string    `json:"acceptance_checks"`
	Estimate         float64     `json:"estimate_gbp"`
}

type PlanContext struct {
	Refs []string `json:"refs"`
}

type Constraints struct {
	ChainMax     int    `json:"chain_max"`
	BudgetSource string `json:"budget_source"`
}

// Patch is a candidate change as a unified diff.
type Patch struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Diff  string `json:"diff"`
}

// RunResult is the outcome of one run. The CLI prints it as JSON.
type RunResult struct {
	RunID      string            `json:"run_id"`
	Decision   Decision          `json:"decision"`
	Gamma      float64           `json:"gamma"`
	Threshold  float64           `json:"threshold"`
	Pass       bool              `json:"pass"`
	Cost       policy.CostResult `json:"cost"`
	Evidence   policy.Evidence   `json:"evidence"`
	Violations []string          `json:"violations,omitempty"`
	CtxRefs    []string          `json:"ctxRefs"`
	Applied    *bool             `json:"applied,omitempty"`
	ApplyError string            `json:"apply_error,omitempty"`
	IntentID   string            `json:"intent_id,omitempty"`
}
