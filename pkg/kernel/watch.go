package kernel

import (
	"context"
	"errors"
	"time"
)

// DefaultWatchInterval is used when WatchOptions.Interval is not positive.
const DefaultWatchInterval = 10 * time.Minute

// WatchOptions configures Watch.
type WatchOptions struct {
	Interval time.Duration
	Request  Request
	// Update fast-forwards the working tree before each run.
	Update bool
	// OnResult, when set, receives every run outcome.
	OnResult func(RunResult, error)
}

// Watch runs one pass immediately and then one per interval until ctx is
// done or the budget denies a run. Run errors other than budget exhaustion
// are reported through OnResult and do not stop the loop.
func (r *Runner) Watch(ctx context.Context, opts WatchOptions) error {
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultWatchInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if opts.Update {
			sync := PullFastForward(ctx, r.cfg.Root)
			r.logger.InfoContext(ctx, "working tree synced", "ahead", sync.Ahead, "behind", sync.Behind, "updated", sync.Updated)
		}

		res, err := r.Run(ctx, opts.Request)
		if opts.OnResult != nil {
			opts.OnResult(res, err)
		}
		if errors.Is(err, ErrBudgetExhausted) {
			r.logger.WarnContext(ctx, "watch stopped", "reason", err)
			return err
		}
		if err != nil {
			r.logger.ErrorContext(ctx, "watch run failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
