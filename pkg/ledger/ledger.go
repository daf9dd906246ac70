// Package ledger is the append-only trace ledger. Every significant state
// transition in the kernel, scheduler and server is written here as one
// TraceEvent per line.
package ledger

import (
	"context"
)

// Appender is the write side of a ledger. Append is the only mutating operation.
type Appender interface {
	Append(ctx context.Context, ev TraceEvent) error
}

// Ledger is the durable trace interface.
type Ledger interface {
	Appender

	// Tail returns the last n events matching filter in ledger order.
	// n <= 0 returns every matching event.
	Tail(ctx context.Context, n int, filter Filter) ([]TraceEvent, error)
}

// Notifier delivers every newly appended event to subscribers in ledger order.
type Notifier interface {
	Subscribe(fn func(TraceEvent)) (cancel func())
}
