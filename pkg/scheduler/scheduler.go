// Package scheduler runs a dependency graph of tasks in rounds.
//
// Each round takes every Pending task whose dependencies have all Completed,
// runs them concurrently and waits for all of them. A task that errors does
// not cancel its siblings. The run ends when every task has Completed, when
// nothing is ready while Pending tasks remain (Blocked), or when the only
// incomplete tasks are Errored ones (Failed).
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Mindburn-Labs/nstar/pkg/ledger"
)

// ErrDuplicateTask is returned by AddTask for an id that is already registered.
var ErrDuplicateTask = errors.New("duplicate task")

// TaskFunc is a unit of work. Once started it runs to completion or error.
type TaskFunc func(ctx context.Context) (any, error)

// State is the lifecycle position of a task.
type State int

const (
	Pending State = iota
	Running
	Completed
	Errored
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Errored:
		return "errored"
	default:
		return "unknown"
	}
}

// Outcome is how a run ended.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeBlocked   Outcome = "blocked"
	OutcomeFailed    Outcome = "failed"
)

// Result summarizes a finished run.
type Result struct {
	Outcome   Outcome          `json:"outcome"`
	Total     int              `json:"total"`
	Completed int              `json:"completed"`
	Remaining int              `json:"remaining"`
	Rounds    int              `json:"rounds"`
	Results   map[string]any   `json:"results,omitempty"`
	Errors    map[string]error `json:"-"`
}

// Status is a point-in-time view of the graph.
type Status struct {
	Total     int      `json:"total"`
	Completed int      `json:"completed"`
	Remaining int      `json:"remaining"`
	Ready     []string `json:"ready"`
	Running   int      `json:"running"`
}

type task struct {
	id     string
	fn     TaskFunc
	state  State
	result any
	err    error
}

// Scheduler owns a task graph. All methods are safe for concurrent use.
type Scheduler struct {
	mu    sync.Mutex
	order []string
	tasks map[string]*task
	deps  map[string]map[string]struct{}

	trace  ledger.Appender
	runID  string
	mode   string
	logger *slog.Logger
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLedger records scheduler activity as trace events tagged with runID
// and the run's mode.
func WithLedger(l ledger.Appender, runID, mode string) Option {
	return func(s *Scheduler) {
		s.trace = l
		s.runID = runID
		s.mode = mode
	}
}

// WithLogger replaces the default component logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		tasks:  make(map[string]*task),
		deps:   make(map[string]map[string]struct{}),
		logger: slog.Default().With("component", "scheduler"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddTask registers fn under id with the given dependencies.
func (s *Scheduler) AddTask(id string, fn TaskFunc, deps ...string) error {
	if fn == nil {
		return fmt.Errorf("task %q: nil func", id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[id]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTask, id)
	}
	s.tasks[id] = &task{id: id, fn: fn}
	s.order = append(s.order, id)
	if s.deps[id] == nil {
		s.deps[id] = make(map[string]struct{})
	}
	for _, d := range deps {
		s.deps[id][d] = struct{}{}
	}
	return nil
}

// AddDependency makes id wait for dependsOn. Either may be unknown; a task
// that depends on an id never registered is never ready.
func (s *Scheduler) AddDependency(id, dependsOn string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deps[id] == nil {
		s.deps[id] = make(map[string]struct{})
	}
	s.deps[id][dependsOn] = struct{}{}
}

func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{Total: len(s.tasks), Ready: s.readyLocked()}
	for _, t := range s.tasks {
		switch t.state {
		case Completed:
			st.Completed++
		case Running:
			st.Running++
		}
	}
	st.Remaining = st.Total - st.Completed
	return st
}

// State reports the state of a task, and false if it is unknown.
func (s *Scheduler) State(id string) (State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return Pending, false
	}
	return t.state, true
}

// readyLocked lists Pending tasks whose dependencies all Completed, in
// registration order.
func (s *Scheduler) readyLocked() []string {
	ready := []string{}
	for _, id := range s.order {
		t := s.tasks[id]
		if t.state != Pending {
			continue
		}
		ok := true
		for d := range s.deps[id] {
			dep, known := s.tasks[d]
			if !known || dep.state != Completed {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, id)
		}
	}
	return ready
}

// Run executes rounds until the graph completes, blocks or fails. It returns
// an error only if ctx is cancelled between rounds; tasks already started are
// allowed to finish first.
func (s *Scheduler) Run(ctx context.Context) (Result, error) {
	start := time.Now()
	s.emit(ctx, "start", true, fmt.Sprintf("%d tasks", s.Status().Total), nil)

	rounds := 0
	for {
		s.mu.Lock()
		ready := s.readyLocked()
		for _, id := range ready {
			s.tasks[id].state = Running
		}
		s.mu.Unlock()

		if len(ready) == 0 {
			break
		}
		if err := ctx.Err(); err != nil {
			s.mu.Lock()
			for _, id := range ready {
				s.tasks[id].state = Pending
			}
			s.mu.Unlock()
			return s.result(rounds), err
		}

		rounds++
		s.emit(ctx, "round", true, fmt.Sprintf("round %d", rounds), map[string]any{"ready": ready})
		s.logger.DebugContext(ctx, "scheduler round", "round", rounds, "ready", ready)

		var wg sync.WaitGroup
		for _, id := range ready {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				s.execute(ctx, id)
			}(id)
		}
		wg.Wait()
	}

	res := s.result(rounds)
	extra := map[string]any{
		"total":       res.Total,
		"completed":   res.Completed,
		"remaining":   res.Remaining,
		"duration_ms": time.Since(start).Milliseconds(),
	}
	switch res.Outcome {
	case OutcomeCompleted:
		s.emit(ctx, "complete", true, "", extra)
		s.logger.InfoContext(ctx, "scheduler complete", "total", res.Total, "rounds", rounds)
	case OutcomeBlocked:
		s.emit(ctx, "blocked", false, fmt.Sprintf("remaining=%d", res.Remaining), extra)
		s.logger.WarnContext(ctx, "scheduler blocked", "remaining", res.Remaining)
	case OutcomeFailed:
		s.emit(ctx, "failed", false, fmt.Sprintf("errored=%d", len(res.Errors)), extra)
		s.logger.WarnContext(ctx, "scheduler failed", "errored", len(res.Errors))
	}
	return res, nil
}

func (s *Scheduler) execute(ctx context.Context, id string) {
	s.mu.Lock()
	t := s.tasks[id]
	s.mu.Unlock()

	s.emit(ctx, "task_start", true, id, nil)
	s.logger.DebugContext(ctx, "task start", "task", id)

	result, err := safeCall(ctx, t.fn)

	s.mu.Lock()
	if err != nil {
		t.state, t.err = Errored, err
	} else {
		t.state, t.result = Completed, result
	}
	s.mu.Unlock()

	if err != nil {
		s.emit(ctx, "task_error", false, id, map[string]any{"error": err.Error()})
		s.logger.WarnContext(ctx, "task error", "task", id, "error", err)
		return
	}
	s.emit(ctx, "task_complete", true, id, nil)
	s.logger.DebugContext(ctx, "task complete", "task", id)
}

func safeCall(ctx context.Context, fn TaskFunc) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return fn(ctx)
}

func (s *Scheduler) result(rounds int) Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	res := Result{
		Total:   len(s.tasks),
		Rounds:  rounds,
		Results: make(map[string]any),
		Errors:  make(map[string]error),
	}
	pending := 0
	for id, t := range s.tasks {
		switch t.state {
		case Completed:
			res.Completed++
			res.Results[id] = t.result
		case Errored:
			res.Errors[id] = t.err
		case Pending:
			pending++
		}
	}
	res.Remaining = res.Total - res.Completed

	switch {
	case res.Remaining == 0:
		res.Outcome = OutcomeCompleted
	case pending > 0:
		res.Outcome = OutcomeBlocked
	default:
		res.Outcome = OutcomeFailed
	}
	return res
}

func (s *Scheduler) emit(ctx context.Context, step string, ok bool, note string, extra map[string]any) {
	if s.trace == nil {
		return
	}
	ev := ledger.TraceEvent{
		RunID: s.runID,
		Mode:  s.mode,
		Phase: "scheduler",
		Step:  step,
		OK:    ok,
		Note:  note,
		Extra: extra,
	}
	if err := s.trace.Append(ctx, ev); err != nil {
		s.logger.WarnContext(ctx, "scheduler trace append failed", "step", step, "error", err)
	}
}
