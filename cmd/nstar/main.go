package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/atotto/clipboard"

	"github.com/Mindburn-Labs/nstar/pkg/config"
)

const version = "0.1.0"

// Dispatcher
func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// stdin and readClipboard are variables to allow feeding input in tests.
var (
	stdin         io.Reader = os.Stdin
	readClipboard           = clipboard.ReadAll
)

// readPiped returns stdin's content when it is a pipe or a file. A terminal
// yields nothing so interactive invocations never block.
func readPiped() (string, error) {
	if f, ok := stdin.(*os.File); ok {
		fi, err := f.Stat()
		if err != nil || fi.Mode()&os.ModeCharDevice != 0 {
			return "", nil
		}
	}
	data, err := io.ReadAll(stdin)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Run is the entrypoint for testing
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}

	cfg, err := loadConfig()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	setupLogging(cfg, stderr)

	switch args[1] {
	case "run":
		return runRunCmd(cfg, args[2:], stdout, stderr)
	case "paste":
		return runPasteCmd(cfg, args[2:], stdout, stderr)
	case "serve", "server":
		return runServeCmd(cfg, args[2:], stdout, stderr)
	case "watch":
		return runWatchCmd(cfg, args[2:], stdout, stderr)
	case "update":
		return runUpdateCmd(cfg, stdout)
	case "trace":
		return runTraceCmd(cfg, args[2:], stdout, stderr)
	case "status":
		return runStatusCmd(cfg, stdout, stderr)
	case "chat":
		return runChatCmd(cfg, stderr)
	case "version":
		_, _ = fmt.Fprintf(stdout, "nstar %s\n", version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

// loadConfig reads NSTAR_CONFIG (default nstar.yaml) under the environment.
func loadConfig() (*config.Config, error) {
	path := os.Getenv("NSTAR_CONFIG")
	if path == "" {
		path = config.DefaultFile
	}
	return config.LoadFile(path)
}

func setupLogging(cfg *config.Config, w io.Writer) {
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{Level: cfg.SlogLevel()})
	slog.SetDefault(slog.New(handler))
}

// ANSI Colors
const (
	ColorReset  = "\033[0m"
	ColorBold   = "\033[1m"
	ColorRed    = "\033[31m"
	ColorGreen  = "\033[32m"
	ColorYellow = "\033[33m"
	ColorBlue   = "\033[34m"
	ColorCyan   = "\033[36m"
	ColorGray   = "\033[37m"
)

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%snstar %s%s\n", ColorBold+ColorBlue, version, ColorReset)
	fmt.Fprintf(w, "%sPlan, produce, gate, then apply or defer.%s\n", ColorGray, ColorReset)
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%sUSAGE:%s\n", ColorBold, ColorReset)
	fmt.Fprintln(w, "  nstar <command> [flags]")
	fmt.Fprintln(w, "")

	printSection(w, "KERNEL")
	printCommand(w, "run", "Run one pass (--goal, --mode, --ctx)")
	printCommand(w, "watch", "Run a pass every interval (--interval, --update)")
	printCommand(w, "update", "Fetch and fast-forward the working tree")
	printCommand(w, "paste", "Store text as context and print its ref")
	printCommand(w, "trace", "Show recent ledger rows (--limit, --mode, --run, --phase)")

	printSection(w, "SERVER")
	printCommand(w, "serve", "Run the orchestration server (--port)")
	printCommand(w, "status", "Check a running server")
	printCommand(w, "chat", "Interactive chat against a running server")

	printSection(w, "UTILITIES")
	printCommand(w, "version", "Show version information")
	printCommand(w, "help", "Show this help")
	fmt.Fprintln(w, "")
}

func printSection(w io.Writer, title string) {
	fmt.Fprintf(w, "%s%s:%s\n", ColorBold+ColorCyan, title, ColorReset)
}

func printCommand(w io.Writer, name, desc string) {
	fmt.Fprintf(w, "  %s%-12s%s %s\n", ColorGreen, name, ColorReset, desc)
}
