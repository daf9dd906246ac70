package ledger

import (
	"context"
	"log/slog"
	"time"
)

// Tee writes to a primary ledger and best-effort to any number of mirrors.
// Reads and subscriptions are served by the primary.
type Tee struct {
	primary Ledger
	mirrors []Appender
	logger  *slog.Logger
}

func NewTee(primary Ledger, mirrors ...Appender) *Tee {
	return &Tee{
		primary: primary,
		mirrors: mirrors,
		logger:  slog.Default().With("component", "ledger"),
	}
}

// Append fails only if the primary append fails. Mirror failures are logged.
func (t *Tee) Append(ctx context.Context, ev TraceEvent) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC().Truncate(time.Millisecond)
	}
	if err := t.primary.Append(ctx, ev); err != nil {
		return err
	}
	for _, m := range t.mirrors {
		if err := m.Append(ctx, ev); err != nil {
			t.logger.WarnContext(ctx, "ledger mirror append failed", "phase", ev.Phase, "step", ev.Step, "error", err)
		}
	}
	return nil
}

func (t *Tee) Tail(ctx context.Context, n int, filter Filter) ([]TraceEvent, error) {
	return t.primary.Tail(ctx, n, filter)
}

// Subscribe delegates to the primary. If the primary cannot notify, fn is never called.
func (t *Tee) Subscribe(fn func(TraceEvent)) (cancel func()) {
	if n, ok := t.primary.(Notifier); ok {
		return n.Subscribe(fn)
	}
	return func() {}
}
