package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// Stream identifies which output pipe a chunk came from.
type Stream int

const (
	Stdout Stream = iota
	Stderr
)

// Worker is a supervised unit of execution backing one job. Callbacks must be
// registered before Start. OnExit fires once, after all output was delivered.
type Worker interface {
	Start(ctx context.Context) error
	Kill()
	OnOutput(fn func(stream Stream, chunk []byte))
	OnExit(fn func(code int, err error))
}

// WorkerFactory builds the worker for a job.
type WorkerFactory func(jobID string, spec JobSpec) Worker

// DefaultKillGrace is how long Kill waits after SIGTERM before SIGKILL.
const DefaultKillGrace = 5 * time.Second

// ProcessWorker runs an external command in its own process group.
type ProcessWorker struct {
	Path  string
	Args  []string
	Dir   string
	Env   []string
	Grace time.Duration

	mu       sync.Mutex
	cmd      *exec.Cmd
	onOutput func(Stream, []byte)
	onExit   func(int, error)
	exited   chan struct{}
}

// NewProcessWorkerFactory returns a factory that runs
// `<bin> run --goal=<goal> --mode=<mode> [--ctx=<refs>]` in dir.
func NewProcessWorkerFactory(bin, dir string) WorkerFactory {
	return func(jobID string, spec JobSpec) Worker {
		args := []string{"run", "--goal=" + spec.Goal, "--mode=" + spec.Mode}
		if len(spec.CtxRefs) > 0 {
			args = append(args, "--ctx="+strings.Join(spec.CtxRefs, ","))
		}
		return &ProcessWorker{Path: bin, Args: args, Dir: dir}
	}
}

func (w *ProcessWorker) OnOutput(fn func(Stream, []byte)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onOutput = fn
}

func (w *ProcessWorker) OnExit(fn func(int, error)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onExit = fn
}

// Start launches the process. The context is not tied to the process
// lifetime; use Kill to stop it.
func (w *ProcessWorker) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cmd != nil {
		return errors.New("worker already started")
	}

	cmd := exec.Command(w.Path, w.Args...) //nolint:gosec // binary path is server configuration
	cmd.Dir = w.Dir
	if len(w.Env) > 0 {
		cmd.Env = w.Env
	}
	setProcessGroup(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", w.Path, err)
	}
	w.cmd = cmd
	w.exited = make(chan struct{})

	onOutput, onExit := w.onOutput, w.onExit
	var readers sync.WaitGroup
	readers.Add(2)
	go w.pump(&readers, stdout, Stdout, onOutput)
	go w.pump(&readers, stderr, Stderr, onOutput)

	go func() {
		readers.Wait()
		waitErr := cmd.Wait()
		code := cmd.ProcessState.ExitCode()
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			waitErr = nil
		}
		close(w.exited)
		if onExit != nil {
			onExit(code, waitErr)
		}
	}()
	return nil
}

func (w *ProcessWorker) pump(wg *sync.WaitGroup, r io.Reader, s Stream, fn func(Stream, []byte)) {
	defer wg.Done()
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 && fn != nil {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			fn(s, chunk)
		}
		if err != nil {
			return
		}
	}
}

// Kill sends SIGTERM to the process group, then SIGKILL after the grace
// period, and returns once the process has exited. It is safe to call more
// than once and before Start.
func (w *ProcessWorker) Kill() {
	w.mu.Lock()
	cmd, exited := w.cmd, w.exited
	w.mu.Unlock()
	if cmd == nil {
		return
	}

	grace := w.Grace
	if grace <= 0 {
		grace = DefaultKillGrace
	}
	_ = terminate(cmd)
	select {
	case <-exited:
		return
	case <-time.After(grace):
	}
	_ = forceKill(cmd)
	<-exited
}
