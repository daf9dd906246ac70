package kernel

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Mindburn-Labs/nstar/pkg/policy"
)

const (
	LastPlanFile   = "ops/LAST_PLAN.json"
	LastVerifyFile = "ops/LAST_VERIFY.md"
)

func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	return writeFileAtomic(path, append(data, '\n'))
}

func writeFileAtomic(path string, data []byte) error {
	if path == "" {
		return fmt.Errorf("path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	// Each writer gets its own temp file so concurrent runs never rename
	// another writer's partial content into place.
	f, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmp := f.Name()
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Chmod(0o644); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// verifyMarkdown renders the acceptance checklist for an applied change.
func verifyMarkdown(ev policy.Evidence, applied bool, ceiling float64) string {
	box := func(ok bool) string {
		if ok {
			return "[x]"
		}
		return "[ ]"
	}
	ev = ev.Normalized()
	var b strings.Builder
	fmt.Fprintf(&b, "- %s Diff applies\n", box(applied))
	fmt.Fprintf(&b, "- %s TRACE row written\n", box(true))
	fmt.Fprintf(&b, "- %s Tests pass\n", box(ev.TestsPass == 1))
	fmt.Fprintf(&b, "- %s Cost ≤ £%.2f\n", box(ev.CostOK == 1), ceiling)
	fmt.Fprintf(&b, "- %s Retrieval cited\n", box(ev.RetrievalCited == 1))
	fmt.Fprintf(&b, "- %s Diff tiny (≤ %d lines)\n", box(ev.DiffTiny == 1), TinyDiffLines)
	return b.String()
}
