package kernel

import (
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/Mindburn-Labs/nstar/pkg/ledger"
	"github.com/Mindburn-Labs/nstar/pkg/policy"
	"github.com/Mindburn-Labs/nstar/pkg/scheduler"
)

// TinyDiffLines is the largest diff, in changed lines, that counts as tiny.
const TinyDiffLines = 40

const defaultTestTimeout = 5 * time.Minute

// Evidence check task ids.
const (
	checkTests     = "tests_pass"
	checkRetrieval = "retrieval_cited"
	checkCost      = "cost_ok"
	checkDiff      = "diff_tiny"
)

type evidenceInput struct {
	root        string
	testCmd     string
	testTimeout time.Duration
	resolved    int
	estimate    float64
	diff        string
	engine      *policy.Engine
}

// collectEvidence runs the four gate checks as one scheduler round. A check
// that errors, or a graph that does not complete, contributes 0 for that signal.
func collectEvidence(ctx context.Context, trace ledger.Appender, runID string, mode policy.Mode, in evidenceInput) (policy.Evidence, error) {
	s := scheduler.New(scheduler.WithLedger(trace, runID, string(mode)))

	checks := map[string]scheduler.TaskFunc{
		checkTests: func(ctx context.Context) (any, error) {
			return runTests(ctx, in.root, in.testCmd, in.testTimeout)
		},
		checkRetrieval: func(context.Context) (any, error) {
			return in.resolved > 0, nil
		},
		checkCost: func(context.Context) (any, error) {
			return in.engine.CostGate(in.estimate).OK, nil
		},
		checkDiff: func(context.Context) (any, error) {
			return ChangedLines(in.diff) <= TinyDiffLines, nil
		},
	}
	for _, id := range []string{checkTests, checkRetrieval, checkCost, checkDiff} {
		if err := s.AddTask(id, checks[id]); err != nil {
			return policy.Evidence{}, err
		}
	}

	res, err := s.Run(ctx)
	if err != nil {
		return policy.Evidence{}, err
	}

	signal := func(id string) int {
		if ok, _ := res.Results[id].(bool); ok {
			return 1
		}
		return 0
	}
	return policy.Evidence{
		TestsPass:      signal(checkTests),
		RetrievalCited: signal(checkRetrieval),
		CostOK:         signal(checkCost),
		DiffTiny:       signal(checkDiff),
	}, nil
}

// runTests runs cmd through the shell in root. An empty command passes.
func runTests(ctx context.Context, root, cmd string, timeout time.Duration) (bool, error) {
	if cmd == "" {
		return true, nil
	}
	if timeout <= 0 {
		timeout = defaultTestTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	c := exec.CommandContext(ctx, "sh", "-c", cmd)
	c.Dir = root
	out, err := c.CombinedOutput()
	if err != nil {
		if _, ok := err.(*exec.ExitError); ok {
			return false, nil
		}
		return false, fmt.Errorf("run tests: %w: %s", err, truncate(string(out), 512))
	}
	return true, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
