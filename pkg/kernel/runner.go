package kernel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Mindburn-Labs/nstar/pkg/budget"
	"github.com/Mindburn-Labs/nstar/pkg/contextstore"
	"github.com/Mindburn-Labs/nstar/pkg/ledger"
	"github.com/Mindburn-Labs/nstar/pkg/observability"
	"github.com/Mindburn-Labs/nstar/pkg/policy"
)

// DefaultGoal is used when a request has no goal.
const DefaultGoal = "Tiny maintenance update"

// ErrBudgetExhausted is returned when the daily budget denies a run's estimate.
var ErrBudgetExhausted = errors.New("daily budget exhausted")

// Config wires a Runner. Only Root is required; every other field has a
// default rooted there.
type Config struct {
	Root        string
	Engine      *policy.Engine
	Ledger      ledger.Appender
	Store       *contextstore.Store
	Planner     Planner
	Applier     Applier
	Intents     *IntentLog
	Budget      budget.Enforcer
	BudgetScope string
	TestCmd     string
	TestTimeout time.Duration
	Telemetry   *observability.Provider
	Clock       func() time.Time
}

// Runner executes kernel runs. It holds no per-run state and is safe to
// share, though concurrent runs against one working tree race on git apply.
type Runner struct {
	cfg    Config
	logger *slog.Logger
}

func NewRunner(cfg Config) (*Runner, error) {
	if cfg.Root == "" {
		cfg.Root = "."
	}
	if cfg.Engine == nil {
		cfg.Engine = policy.LoadEngine(cfg.Root)
	}
	if cfg.Ledger == nil {
		cfg.Ledger = ledger.NewFileLedger(filepath.Join(cfg.Root, ledger.DefaultPath))
	}
	if cfg.Store == nil {
		backend, err := contextstore.NewFileBackend(filepath.Join(cfg.Root, contextstore.DefaultDir))
		if err != nil {
			return nil, err
		}
		cfg.Store = contextstore.New(backend)
	}
	if cfg.Planner == nil {
		cfg.Planner = StubPlanner{Root: cfg.Root}
	}
	if cfg.Applier == nil {
		cfg.Applier = GitApplier{}
	}
	if cfg.Intents == nil {
		cfg.Intents = NewIntentLog(filepath.Join(cfg.Root, DefaultIntentsPath))
	}
	if cfg.BudgetScope == "" {
		cfg.BudgetScope = budget.DefaultScope
	}
	if cfg.Telemetry == nil {
		cfg.Telemetry = observability.Disabled()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Runner{cfg: cfg, logger: slog.Default().With("component", "kernel")}, nil
}

// Engine returns the policy engine the runner gates with.
func (r *Runner) Engine() *policy.Engine { return r.cfg.Engine }

type run struct {
	*Runner
	id   string
	mode policy.Mode
}

func (rn *run) trace(ctx context.Context, phase, step string, ok bool, note string, extra map[string]any) error {
	err := rn.cfg.Ledger.Append(ctx, ledger.TraceEvent{
		RunID: rn.id,
		Mode:  string(rn.mode),
		Phase: phase,
		Step:  step,
		OK:    ok,
		Note:  note,
		Extra: extra,
	})
	if err != nil {
		return fmt.Errorf("trace %s/%s: %w", phase, step, err)
	}
	return nil
}

// end writes done/end and passes err through. A failed done/end write is
// returned only when err is nil.
func (rn *run) end(ctx context.Context, err error) error {
	note := ""
	if err != nil {
		note = err.Error()
	}
	if traceErr := rn.trace(ctx, "done", "end", err == nil, note, nil); traceErr != nil && err == nil {
		return traceErr
	}
	return err
}

// Run executes one pass: Start, Evaluate, Plan, Produce, Gate, then Commit
// or Defer, then Done.
func (r *Runner) Run(ctx context.Context, req Request) (res RunResult, err error) {
	if strings.TrimSpace(req.Goal) == "" {
		req.Goal = DefaultGoal
	}
	if req.Mode == "" {
		req.Mode = policy.ModeFast
	}

	ctx, done := r.cfg.Telemetry.TrackOperation(ctx, "kernel.run", attribute.String("mode", string(req.Mode)))
	defer func() { done(err) }()

	rn := &run{Runner: r, id: uuid.NewString(), mode: req.Mode}
	res = RunResult{RunID: rn.id, CtxRefs: append([]string{}, req.CtxRefs...)}
	logger := r.logger.With("run_id", rn.id, "mode", req.Mode)

	if err := rn.trace(ctx, "plan", "start", true, req.Goal, nil); err != nil {
		return res, err
	}

	resolved, unresolved := r.resolveContext(ctx, req.CtxRefs)
	evalNote := fmt.Sprintf("%d/%d resolved", len(resolved), len(req.CtxRefs))
	evalExtra := map[string]any{"refs": req.CtxRefs}
	if len(unresolved) > 0 {
		evalExtra["unresolved"] = unresolved
		logger.WarnContext(ctx, "context refs unresolved", "refs", unresolved)
	}
	if err := rn.trace(ctx, "context", "evaluate", len(unresolved) == 0, evalNote, evalExtra); err != nil {
		return res, err
	}

	plan, err := r.cfg.Planner.Plan(ctx, req, resolved)
	if err != nil {
		_ = rn.trace(ctx, "plan", "plan", false, err.Error(), nil)
		return res, rn.end(ctx, fmt.Errorf("plan: %w", err))
	}
	if err := rn.trace(ctx, "plan", "plan", true, "", map[string]any{"estimate_gbp": plan.Estimate}); err != nil {
		return res, err
	}

	if r.cfg.Budget != nil {
		if err := rn.reserve(ctx, plan.Estimate); err != nil {
			return res, rn.end(ctx, err)
		}
	}

	patch, err := r.cfg.Planner.Produce(ctx, plan)
	if err != nil {
		_ = rn.trace(ctx, "patch", "produce", false, err.Error(), nil)
		return res, rn.end(ctx, fmt.Errorf("produce: %w", err))
	}
	changed := ChangedLines(patch.Diff)
	if err := rn.trace(ctx, "patch", "produce", true, fmt.Sprintf("%d changed lines", changed), map[string]any{"lines": changed}); err != nil {
		return res, err
	}

	ev, err := collectEvidence(ctx, r.cfg.Ledger, rn.id, rn.mode, evidenceInput{
		root:        r.cfg.Root,
		testCmd:     r.cfg.TestCmd,
		testTimeout: r.cfg.TestTimeout,
		resolved:    len(resolved),
		estimate:    plan.Estimate,
		diff:        patch.Diff,
		engine:      r.cfg.Engine,
	})
	if err != nil {
		return res, rn.end(ctx, fmt.Errorf("evidence: %w", err))
	}

	d := r.cfg.Engine.Decide(ctx, req.Mode, ev, plan.Estimate)
	res.Gamma, res.Threshold, res.Pass = d.Gamma, d.Threshold, d.Pass
	res.Cost, res.Evidence, res.Violations = d.Cost, ev.Normalized(), d.Violations

	gateExtra := map[string]any{
		"gamma":     d.Gamma,
		"threshold": d.Threshold,
		"cost":      d.Cost,
		"evidence":  ev.Map(),
		"commit":    d.Commit,
	}
	if len(d.Violations) > 0 {
		gateExtra["violations"] = d.Violations
	}
	// The row is ok only when the change may land; a passing gamma can still
	// be vetoed by the cost gate or a guard rule.
	if err := rn.trace(ctx, "gate", "gamma", d.Commit, gateNote(d.Gamma, d.Threshold, d.Pass), gateExtra); err != nil {
		return res, err
	}

	if d.Commit {
		res.Decision = DecisionApply
		if err := rn.applyChange(ctx, plan, patch, ev, &res); err != nil {
			return res, rn.end(ctx, err)
		}
	} else {
		res.Decision = DecisionIntent
		if err := rn.deferChange(ctx, req, plan, patch, d, &res); err != nil {
			return res, rn.end(ctx, err)
		}
	}

	r.cfg.Telemetry.RecordDecision(ctx, string(res.Decision), string(req.Mode))
	logger.InfoContext(ctx, "kernel run finished", "decision", res.Decision, "gamma", res.Gamma, "threshold", res.Threshold)
	return res, rn.end(ctx, nil)
}

func gateNote(gamma, threshold float64, pass bool) string {
	g := strconv.FormatFloat(gamma, 'f', -1, 64)
	t := strconv.FormatFloat(threshold, 'f', -1, 64)
	if pass {
		return g + ">=" + t
	}
	return g + "<" + t
}

func (rn *run) reserve(ctx context.Context, estimate float64) error {
	d, err := rn.cfg.Budget.Check(ctx, rn.cfg.BudgetScope, budget.Cost{
		Pence:  budget.PenceFromGBP(estimate),
		Reason: "kernel run " + rn.id,
	})
	extra := map[string]any{"estimate_gbp": estimate}
	if d != nil && d.Receipt != nil {
		extra["receipt_id"] = d.Receipt.ID
	}
	if d != nil && d.Remaining != nil {
		extra["remaining_pence"] = d.Remaining.DailyRemaining()
	}
	if err != nil {
		_ = rn.trace(ctx, "budget", "check", false, err.Error(), extra)
		return fmt.Errorf("%w: %v", ErrBudgetExhausted, err)
	}
	if traceErr := rn.trace(ctx, "budget", "check", d.Allowed, d.Reason, extra); traceErr != nil {
		return traceErr
	}
	if !d.Allowed {
		return fmt.Errorf("%w: %s", ErrBudgetExhausted, d.Reason)
	}
	return nil
}

func (rn *run) applyChange(ctx context.Context, plan Plan, patch Patch, ev policy.Evidence, res *RunResult) error {
	applyErr := rn.cfg.Applier.Apply(ctx, rn.cfg.Root, patch.Diff)
	applied := applyErr == nil
	res.Applied = &applied

	note, extra := "applied", map[string]any(nil)
	if applyErr != nil {
		note = "apply_failed"
		res.ApplyError = applyErr.Error()
		extra = map[string]any{"error": applyErr.Error()}
		rn.logger.WarnContext(ctx, "patch apply failed", "run_id", rn.id, "error", applyErr)
	}
	if err := rn.trace(ctx, "patch", "apply", applied, note, extra); err != nil {
		return err
	}

	if err := writeJSONAtomic(filepath.Join(rn.cfg.Root, LastPlanFile), plan); err != nil {
		return fmt.Errorf("write last plan: %w", err)
	}
	verify := verifyMarkdown(ev, applied, rn.cfg.Engine.Cost().PerRunGBP)
	if err := writeFileAtomic(filepath.Join(rn.cfg.Root, LastVerifyFile), []byte(verify)); err != nil {
		return fmt.Errorf("write last verify: %w", err)
	}
	return nil
}

func (rn *run) deferChange(ctx context.Context, req Request, plan Plan, patch Patch, d policy.Decision, res *RunResult) error {
	now := rn.cfg.Clock().UTC().Truncate(time.Millisecond)
	intent, err := rn.cfg.Intents.Append(ctx, Intent{
		TS:     now,
		RunID:  rn.id,
		Goal:   req.Goal,
		Title:  fmt.Sprintf("%s (γ=%.2f)", patch.Title, d.Gamma),
		Body:   patch.Body,
		Branch: fmt.Sprintf("pipe/%d", now.UnixMilli()),
		Diff:   patch.Diff,
	})
	if err != nil {
		_ = rn.trace(ctx, "intent", "request_pr", false, err.Error(), nil)
		return fmt.Errorf("record intent: %w", err)
	}
	res.IntentID = intent.ID
	extra := map[string]any{
		"branch":    intent.Branch,
		"intent_id": intent.ID,
	}

	// Nothing was spent on a change that did not land.
	if rn.cfg.Budget != nil {
		pence := budget.PenceFromGBP(plan.Estimate)
		if err := rn.cfg.Budget.Release(ctx, rn.cfg.BudgetScope, budget.Cost{Pence: pence, Reason: "deferred run " + rn.id}); err != nil {
			rn.logger.WarnContext(ctx, "budget release failed", "run_id", rn.id, "error", err)
		} else {
			extra["released_pence"] = pence
		}
	}
	return rn.trace(ctx, "intent", "request_pr", true, intent.Title, extra)
}

// resolveContext resolves ctx:// refs through the store and file:// refs
// relative to the project root. Anything else is unresolved.
func (r *Runner) resolveContext(ctx context.Context, refs []string) (resolved []ResolvedContext, unresolved []string) {
	for _, ref := range refs {
		text, err := r.resolveOne(ctx, ref)
		if err != nil {
			r.logger.DebugContext(ctx, "context ref unresolved", "ref", ref, "error", err)
			unresolved = append(unresolved, ref)
			continue
		}
		resolved = append(resolved, ResolvedContext{Ref: ref, Text: text})
	}
	return resolved, unresolved
}

func (r *Runner) resolveOne(ctx context.Context, ref string) (string, error) {
	switch {
	case strings.HasPrefix(ref, "file://"):
		p := strings.TrimPrefix(ref, "file://")
		if !filepath.IsAbs(p) {
			p = filepath.Join(r.cfg.Root, p)
		}
		data, err := os.ReadFile(p) //nolint:gosec // operator-supplied reference
		if err != nil {
			return "", err
		}
		return string(data), nil
	case strings.HasPrefix(ref, "ctx://"), !strings.Contains(ref, "://"):
		return r.cfg.Store.Resolve(ctx, ref)
	default:
		return "", fmt.Errorf("unsupported context ref scheme: %s", ref)
	}
}
