package kernel

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Mindburn-Labs/nstar/pkg/policy"
)

// Planner turns a request into a plan and a candidate change.
type Planner interface {
	Plan(ctx context.Context, req Request, resolved []ResolvedContext) (Plan, error)
	Produce(ctx context.Context, plan Plan) (Patch, error)
}

// StubEstimateGBP is the cost the stub planner reports for every run.
const StubEstimateGBP = 0.02

const stubMarker = "<!-- updated by nstar -->"

// StubPlanner is a deterministic planner. It proposes a one-line README
// change in root: an appended marker when README.md exists, a new README
// otherwise.
type StubPlanner struct {
	Root string
}

func (p StubPlanner) Plan(ctx context.Context, req Request, resolved []ResolvedContext) (Plan, error) {
	refs := make([]string, 0, len(resolved))
	for _, rc := range resolved {
		refs = append(refs, rc.Ref)
	}
	return Plan{
		Goal:    req.Goal,
		Mode:    req.Mode,
		Context: PlanContext{Refs: refs},
		Constraints: Constraints{
			ChainMax:     4,
			BudgetSource: policy.CostFile,
		},
		AcceptanceChecks: []string{"diff applies", "tests pass or trivial", "trace rows written"},
		Estimate:         StubEstimateGBP,
	}, nil
}

func (p StubPlanner) Produce(ctx context.Context, plan Plan) (Patch, error) {
	data, err := os.ReadFile(filepath.Join(p.Root, "README.md"))
	var diff string
	switch {
	case errors.Is(err, os.ErrNotExist):
		diff = newFileDiff("README.md", []string{"# Project", "", "Initialized by nstar loop."})
	case err != nil:
		return Patch{}, fmt.Errorf("read README.md: %w", err)
	default:
		diff = appendDiff("README.md", string(data), []string{"", stubMarker})
	}
	return Patch{
		Title: "chore: apply tiny README update",
		Body:  "Auto PR intent from nstar loop.\n\nGoal: " + plan.Goal,
		Diff:  diff,
	}, nil
}

func newFileDiff(name string, lines []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "diff --git a/%s b/%s\n", name, name)
	b.WriteString("new file mode 100644\n")
	b.WriteString("--- /dev/null\n")
	fmt.Fprintf(&b, "+++ b/%s\n", name)
	fmt.Fprintf(&b, "@@ -0,0 +1,%d @@\n", len(lines))
	for _, l := range lines {
		b.WriteString("+" + l + "\n")
	}
	return b.String()
}

// appendDiff builds a unified diff that appends lines to the end of content.
func appendDiff(name, content string, lines []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "diff --git a/%s b/%s\n", name, name)
	fmt.Fprintf(&b, "--- a/%s\n", name)
	fmt.Fprintf(&b, "+++ b/%s\n", name)

	if content == "" {
		fmt.Fprintf(&b, "@@ -0,0 +1,%d @@\n", len(lines))
		for _, l := range lines {
			b.WriteString("+" + l + "\n")
		}
		return b.String()
	}

	existing := strings.Split(strings.TrimSuffix(content, "\n"), "\n")
	n := len(existing)
	last := existing[n-1]

	fmt.Fprintf(&b, "@@ -%d,1 +%d,%d @@\n", n, n, len(lines)+1)
	if strings.HasSuffix(content, "\n") {
		b.WriteString(" " + last + "\n")
	} else {
		b.WriteString("-" + last + "\n")
		b.WriteString("\\ No newline at end of file\n")
		b.WriteString("+" + last + "\n")
	}
	for _, l := range lines {
		b.WriteString("+" + l + "\n")
	}
	return b.String()
}

// ChangedLines counts added and removed lines in a unified diff.
func ChangedLines(diff string) int {
	n := 0
	for _, line := range strings.Split(diff, "\n") {
		switch {
		case strings.HasPrefix(line, "+++"), strings.HasPrefix(line, "---"):
		case strings.HasPrefix(line, "+"), strings.HasPrefix(line, "-"):
			n++
		}
	}
	return n
}
