package kernel

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/nstar/pkg/budget"
	"github.com/Mindburn-Labs/nstar/pkg/ledger"
	"github.com/Mindburn-Labs/nstar/pkg/policy"
)

type fakeApplier struct {
	mu    sync.Mutex
	err   error
	diffs []string
}

func (f *fakeApplier) Apply(ctx context.Context, dir, diff string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.diffs = append(f.diffs, diff)
	return f.err
}

func (f *fakeApplier) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.diffs)
}

func newTestRunner(t *testing.T, mutate func(*Config)) (*Runner, *ledger.FileLedger, *fakeApplier) {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "README.md"), []byte("# Test\n"), 0o644))

	l := ledger.NewFileLedger(filepath.Join(root, ledger.DefaultPath))
	t.Cleanup(func() { _ = l.Close() })
	app := &fakeApplier{}
	cfg := Config{
		Root:    root,
		Engine:  policy.NewDefaultEngine(),
		Ledger:  l,
		Applier: app,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	r, err := NewRunner(cfg)
	require.NoError(t, err)
	return r, l, app
}

// kernelSteps returns the run's phase/step pairs without scheduler rows.
func kernelSteps(t *testing.T, l ledger.Ledger, runID string) []string {
	t.Helper()
	evs, err := l.Tail(context.Background(), 0, ledger.Filter{RunID: runID})
	require.NoError(t, err)
	var steps []string
	for _, ev := range evs {
		if ev.Phase == "scheduler" {
			continue
		}
		steps = append(steps, ev.Phase+"/"+ev.Step)
	}
	return steps
}

func TestRun_CommitsWhenGatePasses(t *testing.T) {
	r, l, app := newTestRunner(t, nil)

	res, err := r.Run(context.Background(), Request{Goal: "tidy", Mode: policy.ModeSafe})
	require.NoError(t, err)

	// tests 0.4 + cost 0.2 + diff 0.15; nothing cited.
	assert.Equal(t, DecisionApply, res.Decision)
	assert.InDelta(t, 0.75, res.Gamma, 1e-9)
	assert.InDelta(t, 0.6, res.Threshold, 1e-9)
	assert.True(t, res.Pass)
	assert.True(t, res.Cost.OK)
	assert.Equal(t, 3.0, res.Cost.Ceiling)
	require.NotNil(t, res.Applied)
	assert.True(t, *res.Applied)
	assert.Equal(t, 1, app.calls())

	assert.Equal(t, []string{
		"plan/start",
		"context/evaluate",
		"plan/plan",
		"patch/produce",
		"gate/gamma",
		"patch/apply",
		"done/end",
	}, kernelSteps(t, l, res.RunID))

	gate, err := l.Tail(context.Background(), 1, ledger.Filter{RunID: res.RunID, Phase: "gate"})
	require.NoError(t, err)
	require.Len(t, gate, 1)
	assert.Equal(t, "0.75>=0.6", gate[0].Note)
	assert.Equal(t, "safe", gate[0].Mode)

	assert.FileExists(t, filepath.Join(r.cfg.Root, LastPlanFile))
	verify, err := os.ReadFile(filepath.Join(r.cfg.Root, LastVerifyFile))
	require.NoError(t, err)
	assert.Contains(t, string(verify), "- [x] Diff applies")
	assert.Contains(t, string(verify), "- [ ] Retrieval cited")
}

func TestRun_SchedulerEventsShareRunID(t *testing.T) {
	r, l, _ := newTestRunner(t, nil)
	res, err := r.Run(context.Background(), Request{})
	require.NoError(t, err)

	evs, err := l.Tail(context.Background(), 0, ledger.Filter{RunID: res.RunID, Phase: "scheduler"})
	require.NoError(t, err)
	require.NotEmpty(t, evs)
	assert.Equal(t, "start", evs[0].Step)
	assert.Equal(t, "complete", evs[len(evs)-1].Step)
}

func TestRun_DefaultsGoalAndMode(t *testing.T) {
	r, l, _ := newTestRunner(t, nil)
	res, err := r.Run(context.Background(), Request{Goal: "  "})
	require.NoError(t, err)
	assert.InDelta(t, 0.5, res.Threshold, 1e-9)

	evs, err := l.Tail(context.Background(), 0, ledger.Filter{RunID: res.RunID, Phase: "plan"})
	require.NoError(t, err)
	require.NotEmpty(t, evs)
	assert.Equal(t, DefaultGoal, evs[0].Note)
	assert.Equal(t, "fast", evs[0].Mode)
}

func TestRun_DefersWhenTestsFail(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	r, l, app := newTestRunner(t, func(c *Config) {
		c.TestCmd = "exit 1"
		c.Clock = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	})

	res, err := r.Run(context.Background(), Request{Goal: "risky", Mode: policy.ModeFast})
	require.NoError(t, err)

	assert.Equal(t, DecisionIntent, res.Decision)
	assert.InDelta(t, 0.35, res.Gamma, 1e-9)
	assert.False(t, res.Pass)
	assert.Nil(t, res.Applied)
	assert.NotEmpty(t, res.IntentID)
	assert.Zero(t, app.calls())

	assert.Equal(t, []string{
		"plan/start",
		"context/evaluate",
		"plan/plan",
		"patch/produce",
		"gate/gamma",
		"intent/request_pr",
		"done/end",
	}, kernelSteps(t, l, res.RunID))

	intents, err := r.cfg.Intents.List(context.Background())
	require.NoError(t, err)
	require.Len(t, intents, 1)
	in := intents[0]
	assert.Equal(t, res.IntentID, in.ID)
	assert.Equal(t, "risky", in.Goal)
	assert.Equal(t, res.RunID, in.RunID)
	assert.Equal(t, "pipe/1772366400000", in.Branch)
	assert.Equal(t, "chore: apply tiny README update (γ=0.35)", in.Title)
	assert.Contains(t, in.Diff, stubMarker)

	gate, err := l.Tail(context.Background(), 1, ledger.Filter{RunID: res.RunID, Phase: "gate"})
	require.NoError(t, err)
	require.Len(t, gate, 1)
	assert.Equal(t, "0.35<0.5", gate[0].Note)
	assert.False(t, gate[0].OK)
}

type expensivePlanner struct {
	StubPlanner
	estimate float64
}

func (p expensivePlanner) Plan(ctx context.Context, req Request, resolved []ResolvedContext) (Plan, error) {
	plan, err := p.StubPlanner.Plan(ctx, req, resolved)
	plan.Estimate = p.estimate
	return plan, err
}

func TestRun_DefersWhenOverCostCeiling(t *testing.T) {
	r, l, app := newTestRunner(t, nil)
	r.cfg.Planner = expensivePlanner{StubPlanner: StubPlanner{Root: r.cfg.Root}, estimate: 5}

	res, err := r.Run(context.Background(), Request{Mode: policy.ModeCheap})
	require.NoError(t, err)

	// gamma 0.55 clears cheap, but the cost gate fails.
	assert.True(t, res.Pass)
	assert.False(t, res.Cost.OK)
	assert.Equal(t, DecisionIntent, res.Decision)
	assert.Zero(t, app.calls())

	gate, err := l.Tail(context.Background(), 1, ledger.Filter{RunID: res.RunID, Phase: "gate"})
	require.NoError(t, err)
	require.Len(t, gate, 1)
	assert.Equal(t, "0.55>=0.4", gate[0].Note)
	assert.False(t, gate[0].OK, "a vetoed change is not a passing gate row")
	assert.Equal(t, false, gate[0].Extra["commit"])
}

func TestRun_DeferredRunReleasesBudget(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	enf := budget.NewSimpleEnforcer(budget.NewMemoryStorage(), 10)
	r, l, app := newTestRunner(t, func(c *Config) { c.Budget = enf })
	ctx := context.Background()

	res, err := r.Run(ctx, Request{Goal: "g"})
	require.NoError(t, err)
	require.Equal(t, DecisionApply, res.Decision)

	r.cfg.TestCmd = "exit 1"
	res, err = r.Run(ctx, Request{Goal: "g", Mode: policy.ModeFast})
	require.NoError(t, err)
	require.Equal(t, DecisionIntent, res.Decision)
	assert.Equal(t, 1, app.calls())

	b, err := enf.GetBudget(ctx, budget.DefaultScope)
	require.NoError(t, err)
	assert.Equal(t, int64(2), b.DailyUsed, "only the applied run is charged")

	evs, err := l.Tail(ctx, 1, ledger.Filter{RunID: res.RunID, Phase: "intent"})
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.EqualValues(t, 2, evs[0].Extra["released_pence"])
}

func TestRun_SchedulerEventsCarryMode(t *testing.T) {
	r, l, _ := newTestRunner(t, nil)
	res, err := r.Run(context.Background(), Request{Mode: policy.ModeCheap})
	require.NoError(t, err)

	evs, err := l.Tail(context.Background(), 0, ledger.Filter{RunID: res.RunID, Phase: "scheduler"})
	require.NoError(t, err)
	require.NotEmpty(t, evs)
	for _, ev := range evs {
		assert.Equal(t, "cheap", ev.Mode, ev.Step)
	}
}

func TestWriteFileAtomic_ConcurrentWriters(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, LastVerifyFile)

	var wg sync.WaitGroup
	for i := range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			payload := []byte(strings.Repeat(string(rune('a'+i)), 4096))
			assert.NoError(t, writeFileAtomic(path, payload))
		}()
	}
	wg.Wait()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Len(t, data, 4096)
	assert.Equal(t, strings.Repeat(string(data[0]), 4096), string(data), "file holds exactly one writer's content")

	leftovers, err := filepath.Glob(filepath.Join(filepath.Dir(path), "*.tmp"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestRun_ApplyFailureIsNotAGateFailure(t *testing.T) {
	r, l, app := newTestRunner(t, nil)
	app.err = errors.New("patch does not apply")

	res, err := r.Run(context.Background(), Request{Mode: policy.ModeFast})
	require.NoError(t, err)

	assert.Equal(t, DecisionApply, res.Decision)
	assert.True(t, res.Pass)
	require.NotNil(t, res.Applied)
	assert.False(t, *res.Applied)
	assert.Equal(t, "patch does not apply", res.ApplyError)

	evs, err := l.Tail(context.Background(), 1, ledger.Filter{RunID: res.RunID, Phase: "patch"})
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, "apply", evs[0].Step)
	assert.False(t, evs[0].OK)
	assert.Equal(t, "apply_failed", evs[0].Note)

	verify, err := os.ReadFile(filepath.Join(r.cfg.Root, LastVerifyFile))
	require.NoError(t, err)
	assert.Contains(t, string(verify), "- [ ] Diff applies")
}

func TestRun_ContextRefs(t *testing.T) {
	r, l, _ := newTestRunner(t, nil)
	ctx := context.Background()

	ref, err := r.cfg.Store.Ingest(ctx, "design notes")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(r.cfg.Root, "notes.md"), []byte("local"), 0o644))

	res, err := r.Run(ctx, Request{
		Mode:    policy.ModeSafe,
		CtxRefs: []string{ref.URI, "file://notes.md", "ctx://paste/000000000000", "https://example.com"},
	})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, res.Gamma, 1e-9)
	assert.Equal(t, 1, res.Evidence.RetrievalCited)

	evs, err := l.Tail(ctx, 0, ledger.Filter{RunID: res.RunID, Phase: "context"})
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.False(t, evs[0].OK)
	assert.Equal(t, "2/4 resolved", evs[0].Note)
	assert.Equal(t, []any{"ctx://paste/000000000000", "https://example.com"}, evs[0].Extra["unresolved"])

	var plan Plan
	data, err := os.ReadFile(filepath.Join(r.cfg.Root, LastPlanFile))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &plan))
	assert.Equal(t, []string{ref.URI, "file://notes.md"}, plan.Context.Refs)
}

func TestRun_BudgetExhausted(t *testing.T) {
	enf := budget.NewSimpleEnforcer(budget.NewMemoryStorage(), 3)
	r, l, app := newTestRunner(t, func(c *Config) { c.Budget = enf })
	ctx := context.Background()

	res, err := r.Run(ctx, Request{})
	require.NoError(t, err)
	assert.Equal(t, DecisionApply, res.Decision)

	res, err = r.Run(ctx, Request{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBudgetExhausted)
	assert.Equal(t, 1, app.calls())

	assert.Equal(t, []string{
		"plan/start",
		"context/evaluate",
		"plan/plan",
		"budget/check",
		"done/end",
	}, kernelSteps(t, l, res.RunID))

	b, err := enf.GetBudget(ctx, budget.DefaultScope)
	require.NoError(t, err)
	assert.Equal(t, int64(2), b.DailyUsed)
}

func TestWatch_StopsOnBudgetExhaustion(t *testing.T) {
	enf := budget.NewSimpleEnforcer(budget.NewMemoryStorage(), 4)
	r, _, app := newTestRunner(t, func(c *Config) { c.Budget = enf })

	var runs int
	err := r.Watch(context.Background(), WatchOptions{
		Interval: time.Millisecond,
		OnResult: func(RunResult, error) { runs++ },
	})
	assert.ErrorIs(t, err, ErrBudgetExhausted)
	assert.Equal(t, 3, runs)
	assert.Equal(t, 2, app.calls())
}

func TestWatch_StopsOnCancel(t *testing.T) {
	r, _, _ := newTestRunner(t, nil)
	ctx, cancel := context.WithCancel(context.Background())

	err := r.Watch(ctx, WatchOptions{
		Interval: time.Hour,
		OnResult: func(RunResult, error) { cancel() },
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestIntentID_Deterministic(t *testing.T) {
	in := Intent{
		TS:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Title:  "t",
		Body:   "b",
		Branch: "pipe/1",
		Diff:   "d",
	}
	a, err := IntentID(in)
	require.NoError(t, err)
	in.ID = "ignored"
	b, err := IntentID(in)
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)

	in.Title = "other"
	c, err := IntentID(in)
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestIntentLog_ListSkipsCorruptLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pr.jsonl")
	log := NewIntentLog(path)
	ctx := context.Background()

	_, err := log.Append(ctx, Intent{Title: "one"})
	require.NoError(t, err)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("{not json\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())
	_, err = log.Append(ctx, Intent{Title: "two"})
	require.NoError(t, err)

	got, err := log.List(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "one", got[0].Title)
	assert.Equal(t, "two", got[1].Title)
}

func TestChangedLines(t *testing.T) {
	diff := appendDiff("README.md", "a\n", []string{"", "b"})
	assert.Equal(t, 2, ChangedLines(diff))

	diff = appendDiff("README.md", "a", []string{"b"})
	assert.Equal(t, 3, ChangedLines(diff))

	diff = newFileDiff("README.md", []string{"# Project", "", "x"})
	assert.Equal(t, 3, ChangedLines(diff))
}

func TestGitApplier_AppendDiff(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
	cases := map[string]string{
		"trailing newline":    "# Test\n",
		"no trailing newline": "# Test",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			path := filepath.Join(dir, "README.md")
			require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

			diff := appendDiff("README.md", content, []string{"", stubMarker})
			require.NoError(t, GitApplier{}.Apply(context.Background(), dir, diff))

			got, err := os.ReadFile(path)
			require.NoError(t, err)
			assert.Equal(t, "# Test\n\n"+stubMarker+"\n", string(got))
		})
	}
}

func TestParseLeftRight(t *testing.T) {
	a, b, ok := parseLeftRight("2\t5\n")
	require.True(t, ok)
	assert.Equal(t, 2, a)
	assert.Equal(t, 5, b)

	_, _, ok = parseLeftRight("fatal: no upstream")
	assert.False(t, ok)
}

func TestPullFastForward_NotARepo(t *testing.T) {
	assert.Equal(t, SyncResult{}, PullFastForward(context.Background(), t.TempDir()))
}
