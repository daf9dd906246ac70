package kernel

import (
	"context"
	"os/exec"
	"strconv"
	"strings"
)

// SyncResult reports how the local branch relates to its upstream.
type SyncResult struct {
	Ahead   int  `json:"ahead"`
	Behind  int  `json:"behind"`
	Updated bool `json:"updated"`
}

// PullFastForward fetches, then fast-forwards the current branch in dir when
// it is behind its upstream. It never fails: any git error yields a zero result.
func PullFastForward(ctx context.Context, dir string) SyncResult {
	if err := git(ctx, dir, "fetch", "--quiet"); err != nil {
		return SyncResult{}
	}
	out, err := gitOutput(ctx, dir, "rev-list", "--left-right", "--count", "HEAD...@{upstream}")
	if err != nil {
		return SyncResult{}
	}
	ahead, behind, ok := parseLeftRight(out)
	if !ok {
		return SyncResult{}
	}
	res := SyncResult{Ahead: ahead, Behind: behind}
	if behind > 0 {
		if err := git(ctx, dir, "pull", "--ff-only", "--quiet"); err != nil {
			return SyncResult{}
		}
		res.Updated = true
	}
	return res
}

func parseLeftRight(out string) (ahead, behind int, ok bool) {
	fields := strings.Fields(out)
	if len(fields) != 2 {
		return 0, 0, false
	}
	a, errA := strconv.Atoi(fields[0])
	b, errB := strconv.Atoi(fields[1])
	if errA != nil || errB != nil {
		return 0, 0, false
	}
	return a, b, true
}

func git(ctx context.Context, dir string, args ...string) error {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	return cmd.Run()
}

func gitOutput(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.Output()
	return string(out), err
}
