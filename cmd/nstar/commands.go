package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/Mindburn-Labs/nstar/pkg/config"
	"github.com/Mindburn-Labs/nstar/pkg/kernel"
	"github.com/Mindburn-Labs/nstar/pkg/ledger"
	"github.com/Mindburn-Labs/nstar/pkg/policy"
	"github.com/Mindburn-Labs/nstar/pkg/server"
	"github.com/Mindburn-Labs/nstar/pkg/tui"
)

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func writeJSON(w io.Writer, v any) {
	_ = json.NewEncoder(w).Encode(v)
}

func splitRefs(s string) []string {
	var refs []string
	for _, r := range strings.Split(s, ",") {
		if r = strings.TrimSpace(r); r != "" {
			refs = append(refs, r)
		}
	}
	return refs
}

// requestFlags registers the flags shared by run and watch.
func requestFlags(cmd *flag.FlagSet) func() kernel.Request {
	var goal, mode, refs string
	cmd.StringVar(&goal, "goal", "", "Goal for the pass (default: "+kernel.DefaultGoal+")")
	cmd.StringVar(&mode, "mode", string(policy.ModeFast), "Gate mode: safe, fast or cheap")
	cmd.StringVar(&refs, "ctx", "", "Comma-separated context refs (ctx://paste/<id> or file://<path>)")
	return func() kernel.Request {
		return kernel.Request{Goal: goal, Mode: policy.Mode(mode), CtxRefs: splitRefs(refs)}
	}
}

func runRunCmd(cfg *config.Config, args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("run", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	request := requestFlags(cmd)
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	ctx, stop := signalContext()
	defer stop()

	r, st, err := openRunner(ctx, cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer st.Close()

	req := request()
	if len(req.CtxRefs) == 0 {
		ref, err := ingestPiped(ctx, st)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		if ref != "" {
			req.CtxRefs = []string{ref}
		}
	}

	res, err := r.Run(ctx, req)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	writeJSON(stdout, res)
	return 0
}

func openRunner(ctx context.Context, cfg *config.Config) (*kernel.Runner, *stack, error) {
	if err := policy.EnsureSeeds(cfg.Root); err != nil {
		slog.Warn("policy seeds not written", "error", err)
	}
	st, err := openStack(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	r, err := st.runner()
	if err != nil {
		st.Close()
		return nil, nil, err
	}
	return r, st, nil
}

// ingestPiped stores piped stdin as pasted context and returns its ref, or
// "" when nothing was piped.
func ingestPiped(ctx context.Context, st *stack) (string, error) {
	text, err := readPiped()
	if err != nil {
		return "", fmt.Errorf("read stdin: %w", err)
	}
	if strings.TrimSpace(text) == "" {
		return "", nil
	}
	ref, err := st.store.Ingest(ctx, text)
	if err != nil {
		return "", err
	}
	slog.Info("ingested piped stdin", "ref", ref.URI)
	return ref.URI, nil
}

func runPasteCmd(cfg *config.Config, args []string, stdout, stderr io.Writer) int {
	text := strings.Join(args, " ")
	if strings.TrimSpace(text) == "" {
		data, err := readPiped()
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error reading stdin: %v\n", err)
			return 1
		}
		text = data
	}
	if strings.TrimSpace(text) == "" {
		data, err := readClipboard()
		if err != nil {
			slog.Debug("clipboard unavailable", "error", err)
		}
		text = data
	}
	if strings.TrimSpace(text) == "" {
		_, _ = fmt.Fprintln(stderr, "Usage: nstar paste <text>   (or pipe text on stdin, or copy it to the clipboard)")
		return 2
	}

	ctx, stop := signalContext()
	defer stop()

	st, err := openStack(ctx, cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer st.Close()

	ref, err := st.store.Ingest(ctx, text)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	writeJSON(stdout, ref)
	return 0
}

func runServeCmd(cfg *config.Config, args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("serve", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	port := cmd.String("port", cfg.Port, "Port to listen on")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	ctx, stop := signalContext()
	defer stop()

	st, err := openStack(ctx, cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer st.Close()

	bin, err := os.Executable()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: resolve executable: %v\n", err)
		return 1
	}
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		root = cfg.Root
	}

	srv, err := server.New(server.Options{
		Ledger:     st.ledger,
		Store:      st.store,
		Workers:    server.NewProcessWorkerFactory(bin, root),
		Version:    version,
		Telemetry:  st.telemetry,
		AuthSecret: cfg.AuthSecret,
		RateRPS:    cfg.RateRPS,
		RateBurst:  cfg.RateBurst,
	})
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	_, _ = fmt.Fprintf(stdout, "%snstar server%s listening on %s:%s%s\n", ColorBold+ColorGreen, ColorReset, ColorCyan, *port, ColorReset)
	if err := srv.ListenAndServe(ctx, ":"+*port); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func runWatchCmd(cfg *config.Config, args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("watch", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	request := requestFlags(cmd)
	interval := cmd.Duration("interval", kernel.DefaultWatchInterval, "Time between passes")
	update := cmd.Bool("update", false, "Fetch and fast-forward before each pass")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	ctx, stop := signalContext()
	defer stop()

	r, st, err := openRunner(ctx, cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer st.Close()

	err = r.Watch(ctx, kernel.WatchOptions{
		Interval: *interval,
		Request:  request(),
		Update:   *update,
		OnResult: func(res kernel.RunResult, err error) {
			if err == nil {
				writeJSON(stdout, res)
			}
		},
	})
	switch {
	case errors.Is(err, kernel.ErrBudgetExhausted):
		_, _ = fmt.Fprintf(stderr, "%sWatch stopped:%s %v\n", ColorYellow, ColorReset, err)
		return 1
	case errors.Is(err, context.Canceled):
		return 0
	case err != nil:
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func runUpdateCmd(cfg *config.Config, stdout io.Writer) int {
	ctx, stop := signalContext()
	defer stop()
	writeJSON(stdout, kernel.PullFastForward(ctx, cfg.Root))
	return 0
}

func runTraceCmd(cfg *config.Config, args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("trace", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	limit := cmd.Int("limit", 20, "Number of rows (0 for all)")
	var filter ledger.Filter
	cmd.StringVar(&filter.Mode, "mode", "", "Only rows for this mode")
	cmd.StringVar(&filter.RunID, "run", "", "Only rows for this run id")
	cmd.StringVar(&filter.Phase, "phase", "", "Only rows for this phase")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	path := cfg.TracePath
	if !filepath.IsAbs(path) {
		path = filepath.Join(cfg.Root, path)
	}
	l := ledger.NewFileLedger(path)
	defer func() { _ = l.Close() }()

	events, err := l.Tail(context.Background(), *limit, filter)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	for _, ev := range events {
		writeJSON(stdout, ev)
	}
	return 0
}

func newClient(cfg *config.Config) *server.Client {
	c := server.NewClient(cfg.Server())
	if cfg.AuthSecret != "" {
		token, err := server.SignToken([]byte(cfg.AuthSecret), "nstar-cli", 12*time.Hour)
		if err != nil {
			slog.Warn("could not sign token", "error", err)
		} else {
			c.Token = token
		}
	}
	return c
}

func runStatusCmd(cfg *config.Config, stdout, stderr io.Writer) int {
	st, err := newClient(cfg).Status(context.Background())
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "%sserver unavailable%s at %s\n", ColorRed, ColorReset, cfg.Server())
		return 1
	}
	writeJSON(stdout, st)
	return 0
}

func runChatCmd(cfg *config.Config, stderr io.Writer) int {
	ctx, stop := signalContext()
	defer stop()
	// The TUI owns the terminal; keep logs out of it.
	slog.SetDefault(slog.New(slog.DiscardHandler))
	if err := tui.Run(ctx, newClient(cfg)); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}
