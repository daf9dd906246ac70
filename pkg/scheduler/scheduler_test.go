package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Mindburn-Labs/nstar/pkg/ledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func value(v any) TaskFunc {
	return func(context.Context) (any, error) { return v, nil }
}

func TestRun_DAGCompletes(t *testing.T) {
	s := New()
	var (
		mu    sync.Mutex
		order []string
	)
	record := func(id string) TaskFunc {
		return func(context.Context) (any, error) {
			mu.Lock()
			order = append(order, id)
			mu.Unlock()
			return id, nil
		}
	}

	require.NoError(t, s.AddTask("init", record("init")))
	require.NoError(t, s.AddTask("fetch", record("fetch"), "init"))
	require.NoError(t, s.AddTask("parse", record("parse"), "init"))
	require.NoError(t, s.AddTask("report", record("report"), "fetch", "parse"))

	res, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, res.Outcome)
	assert.Equal(t, 4, res.Completed)
	assert.Equal(t, 0, res.Remaining)
	assert.Equal(t, 3, res.Rounds)
	assert.Equal(t, "report", res.Results["report"])

	require.Len(t, order, 4)
	assert.Equal(t, "init", order[0])
	assert.Equal(t, "report", order[3])
}

func TestRun_TwoCycleBlocks(t *testing.T) {
	s := New()
	require.NoError(t, s.AddTask("a", value(1), "b"))
	require.NoError(t, s.AddTask("b", value(2), "a"))

	res, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeBlocked, res.Outcome)
	assert.Equal(t, 2, res.Remaining)
	assert.Equal(t, 0, res.Rounds)
}

func TestRun_UnknownDependencyBlocks(t *testing.T) {
	s := New()
	require.NoError(t, s.AddTask("ok", value(nil)))
	require.NoError(t, s.AddTask("waits", value(nil)))
	s.AddDependency("waits", "ghost")

	res, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeBlocked, res.Outcome)
	assert.Equal(t, 1, res.Remaining)
}

func TestRun_ErrorDoesNotCancelSiblings(t *testing.T) {
	s := New()
	var ran atomic.Int32
	boom := errors.New("boom")

	require.NoError(t, s.AddTask("bad", func(context.Context) (any, error) { return nil, boom }))
	require.NoError(t, s.AddTask("good", func(context.Context) (any, error) {
		time.Sleep(20 * time.Millisecond)
		ran.Add(1)
		return "done", nil
	}))

	res, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, int32(1), ran.Load())
	assert.ErrorIs(t, res.Errors["bad"], boom)
	assert.Equal(t, 1, res.Remaining)

	st, ok := s.State("bad")
	require.True(t, ok)
	assert.Equal(t, Errored, st)
}

func TestRun_DependentOfErroredTaskBlocks(t *testing.T) {
	s := New()
	require.NoError(t, s.AddTask("bad", func(context.Context) (any, error) { return nil, errors.New("x") }))
	require.NoError(t, s.AddTask("after", value(nil), "bad"))

	res, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeBlocked, res.Outcome)
	assert.Equal(t, 2, res.Remaining)
}

func TestRun_PanicIsErrored(t *testing.T) {
	s := New()
	require.NoError(t, s.AddTask("panics", func(context.Context) (any, error) { panic("kaboom") }))

	res, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Contains(t, res.Errors["panics"].Error(), "kaboom")
}

func TestRun_ReadyTasksRunConcurrently(t *testing.T) {
	s := New()
	var inFlight, peak atomic.Int32
	work := func(context.Context) (any, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		inFlight.Add(-1)
		return nil, nil
	}
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.AddTask(id, work))
	}

	_, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(3), peak.Load())
}

func TestRun_CancelledContext(t *testing.T) {
	s := New()
	require.NoError(t, s.AddTask("a", value(nil)))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := s.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, res.Remaining)
	st, _ := s.State("a")
	assert.Equal(t, Pending, st)
}

func TestAddTask_Duplicate(t *testing.T) {
	s := New()
	require.NoError(t, s.AddTask("a", value(nil)))
	err := s.AddTask("a", value(nil))
	assert.ErrorIs(t, err, ErrDuplicateTask)
}

func TestStatus(t *testing.T) {
	s := New()
	require.NoError(t, s.AddTask("a", value(nil)))
	require.NoError(t, s.AddTask("b", value(nil), "a"))

	st := s.Status()
	assert.Equal(t, Status{Total: 2, Completed: 0, Remaining: 2, Ready: []string{"a"}, Running: 0}, st)

	_, err := s.Run(context.Background())
	require.NoError(t, err)

	st = s.Status()
	assert.Equal(t, 2, st.Completed)
	assert.Equal(t, 0, st.Remaining)
	assert.Empty(t, st.Ready)
}

func TestRun_WritesLedgerEvents(t *testing.T) {
	ctx := context.Background()
	l := ledger.NewFileLedger(filepath.Join(t.TempDir(), "TRACE.jsonl"))

	s := New(WithLedger(l, "run-7", "safe"))
	require.NoError(t, s.AddTask("only", value(nil)))
	_, err := s.Run(ctx)
	require.NoError(t, err)

	events, err := l.Tail(ctx, 0, ledger.Filter{RunID: "run-7", Phase: "scheduler"})
	require.NoError(t, err)

	steps := make([]string, 0, len(events))
	for _, ev := range events {
		steps = append(steps, ev.Step)
		assert.Equal(t, "safe", ev.Mode)
	}
	assert.Equal(t, []string{"start", "round", "task_start", "task_complete", "complete"}, steps)

	bySafe, err := l.Tail(ctx, 0, ledger.Filter{Mode: "safe"})
	require.NoError(t, err)
	assert.Len(t, bySafe, len(events))
}
