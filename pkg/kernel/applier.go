package kernel

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Applier applies a unified diff to a working tree.
type Applier interface {
	Apply(ctx context.Context, dir, diff string) error
}

// GitApplier pipes the diff to `git apply --whitespace=fix -`.
type GitApplier struct{}

func (GitApplier) Apply(ctx context.Context, dir, diff string) error {
	cmd := exec.CommandContext(ctx, "git", "apply", "--whitespace=fix", "-")
	cmd.Dir = dir
	cmd.Stdin = strings.NewReader(strings.ReplaceAll(diff, "\r", ""))
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return fmt.Errorf("git apply: %w", err)
		}
		return fmt.Errorf("git apply: %w: %s", err, msg)
	}
	return nil
}
