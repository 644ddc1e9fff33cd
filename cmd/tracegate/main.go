// Command tracegate runs the transaction gate: an HTTP server over the
// plan/approve/commit/revert state machine, plus local subcommands for
// bundle inspection and replay verification.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/deterministic-agent-lab/tracegate/pkg/api"
	"github.com/deterministic-agent-lab/tracegate/pkg/bundle"
	"github.com/deterministic-agent-lab/tracegate/pkg/config"
	"github.com/deterministic-agent-lab/tracegate/pkg/driver"
	"github.com/deterministic-agent-lab/tracegate/pkg/gate"
	"github.com/deterministic-agent-lab/tracegate/pkg/gateerr"
	"github.com/deterministic-agent-lab/tracegate/pkg/identity"
	"github.com/deterministic-agent-lab/tracegate/pkg/journal"
	"github.com/deterministic-agent-lab/tracegate/pkg/observability"
	"github.com/deterministic-agent-lab/tracegate/pkg/policy"
	"github.com/deterministic-agent-lab/tracegate/pkg/rollback"
	"github.com/deterministic-agent-lab/tracegate/pkg/store"
)

// Exit codes.
const (
	exitOK               = 0
	exitError            = 1
	exitPolicyDenied     = 2
	exitApprovalRequired = 3
	exitReplayMismatch   = 4
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run dispatches subcommands; split out for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runServer(stderr)
	}
	switch args[1] {
	case "server", "serve":
		return runServer(stderr)
	case "ingest":
		return runIngest(args[2:], stdout, stderr)
	case "plan":
		return runPlan(args[2:], stdout, stderr)
	case "approve":
		return runApprove(args[2:], stdout, stderr)
	case "commit":
		return runCommit(args[2:], stdout, stderr)
	case "revert":
		return runRevert(args[2:], stdout, stderr)
	case "verify":
		return runVerify(args[2:], stdout, stderr)
	case "hash":
		return runHash(args[2:], stdout, stderr)
	case "validate":
		return runValidate(args[2:], stdout, stderr)
	case "help", "-h", "--help":
		usage(stdout)
		return exitOK
	default:
		_, _ = fmt.Fprintf(stderr, "unknown command %q\n", args[1])
		usage(stderr)
		return exitError
	}
}

func usage(w io.Writer) {
	_, _ = fmt.Fprintln(w, `Usage: tracegate <command> [flags]

Commands:
  server              start the gate HTTP server (default)
  ingest <file.tgz>   ingest a bundle archive
  plan <bundle-id>    evaluate policy for a bundle
  approve <bundle-id> -actor <name>
  commit <bundle-id>  commit a bundle's intents
  revert <bundle-id>  compensate a committed bundle
  verify <bundle-dir> -run "<command>"   re-run and diff against recorded logs
  hash <bundle-dir>   print the whole-bundle hash
  validate <bundle-dir>

Environment: GATE_POLICY, GATE_DATA_DIR, GATE_PORT, GATE_AUTH_SECRET, LOG_LEVEL`)
}

func setupLogging(level string) {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}

// buildOrchestrator wires store, journal, drivers and policy from config.
func buildOrchestrator(cfg *config.Config) (*gate.Orchestrator, func(), error) {
	st, err := store.Open(cfg.DataDir)
	if err != nil {
		return nil, nil, err
	}
	jnl, err := journal.Open(filepath.Join(cfg.DataDir, "journal.jsonl"))
	if err != nil {
		_ = st.Close()
		return nil, nil, err
	}
	cleanup := func() {
		_ = jnl.Close()
		_ = st.Close()
	}

	rules, err := rollback.LoadSibling(cfg.PolicyPath)
	if err != nil {
		cleanup()
		return nil, nil, err
	}

	registry := journal.NewRegistry()
	registry.Register("file.write", driver.NewFileWrite())
	registry.Register("http.post", driver.NewHTTPPost(&http.Client{Timeout: 30 * time.Second}, rules))
	registry.Register("llm.call", driver.NewLLMCall(nil, nil))

	orc := gate.New(st, jnl, registry, &policy.FileProvider{Path: cfg.PolicyPath})
	return orc, cleanup, nil
}

func runServer(stderr io.Writer) int {
	cfg := config.Load()
	setupLogging(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:    "tracegate",
		ServiceVersion: "1.0.0",
		OTLPEndpoint:   cfg.OTLPEndpoint,
		BatchTimeout:   5 * time.Second,
		Enabled:        cfg.OTLPEndpoint != "",
	})
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "telemetry setup failed: %v\n", err)
		return exitError
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutdownCtx)
	}()

	orc, cleanup, err := buildOrchestrator(cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "startup failed: %v\n", err)
		return exitError
	}
	defer cleanup()

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api.NewServer(orc, identity.NewVerifier(cfg.AuthSecret)).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()
	slog.Info("gate listening", "port", cfg.Port, "dataDir", cfg.DataDir, "policy", cfg.PolicyPath)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return exitOK
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			_, _ = fmt.Fprintf(stderr, "server failed: %v\n", err)
			return exitError
		}
		return exitOK
	}
}

func withOrchestrator(stderr io.Writer, fn func(ctx context.Context, orc *gate.Orchestrator) error) int {
	cfg := config.Load()
	setupLogging(cfg.LogLevel)

	orc, cleanup, err := buildOrchestrator(cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "startup failed: %v\n", err)
		return exitError
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := fn(ctx, orc); err != nil {
		_, _ = fmt.Fprintln(stderr, err.Error())
		switch gateerr.CodeOf(err) {
		case gateerr.CodePolicyDenied:
			return exitPolicyDenied
		case gateerr.CodeApprovalRequired:
			return exitApprovalRequired
		default:
			return exitError
		}
	}
	return exitOK
}

func runIngest(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		_, _ = fmt.Fprintln(stderr, "Usage: tracegate ingest <file.tgz>")
		return exitError
	}
	blob, err := os.ReadFile(args[0])
	if err != nil {
		_, _ = fmt.Fprintln(stderr, err.Error())
		return exitError
	}
	return withOrchestrator(stderr, func(ctx context.Context, orc *gate.Orchestrator) error {
		id, err := orc.Ingest(ctx, blob)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintln(stdout, id)
		return nil
	})
}

func runPlan(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		_, _ = fmt.Fprintln(stderr, "Usage: tracegate plan <bundle-id>")
		return exitError
	}
	return withOrchestrator(stderr, func(ctx context.Context, orc *gate.Orchestrator) error {
		plan, err := orc.Plan(ctx, args[0])
		if err != nil {
			return err
		}
		return printJSON(stdout, plan)
	})
}

func runApprove(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("approve", flag.ContinueOnError)
	fs.SetOutput(stderr)
	actor := fs.String("actor", "", "approving actor")
	if err := fs.Parse(argsAfterID(args)); err != nil {
		return exitError
	}
	if len(args) < 1 || *actor == "" {
		_, _ = fmt.Fprintln(stderr, "Usage: tracegate approve <bundle-id> -actor <name>")
		return exitError
	}
	return withOrchestrator(stderr, func(ctx context.Context, orc *gate.Orchestrator) error {
		approval, err := orc.Approve(ctx, args[0], *actor)
		if err != nil {
			return err
		}
		return printJSON(stdout, approval)
	})
}

func runCommit(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		_, _ = fmt.Fprintln(stderr, "Usage: tracegate commit <bundle-id>")
		return exitError
	}
	return withOrchestrator(stderr, func(ctx context.Context, orc *gate.Orchestrator) error {
		receipts, err := orc.Commit(ctx, args[0])
		if err != nil {
			return err
		}
		return printJSON(stdout, map[string]any{"status": "committed", "receipts": receipts})
	})
}

func runRevert(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		_, _ = fmt.Fprintln(stderr, "Usage: tracegate revert <bundle-id>")
		return exitError
	}
	return withOrchestrator(stderr, func(ctx context.Context, orc *gate.Orchestrator) error {
		outcomes, err := orc.Revert(ctx, args[0])
		if err != nil {
			return err
		}
		return printJSON(stdout, map[string]any{"status": "reverted", "outcomes": outcomes})
	})
}

func runHash(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		_, _ = fmt.Fprintln(stderr, "Usage: tracegate hash <bundle-dir>")
		return exitError
	}
	b, err := bundle.Open(args[0])
	if err != nil {
		_, _ = fmt.Fprintln(stderr, err.Error())
		return exitError
	}
	digest, err := bundle.Hash(context.Background(), b)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, err.Error())
		return exitError
	}
	_, _ = fmt.Fprintln(stdout, digest)
	return exitOK
}

func runValidate(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		_, _ = fmt.Fprintln(stderr, "Usage: tracegate validate <bundle-dir>")
		return exitError
	}
	if _, err := bundle.Open(args[0]); err != nil {
		_, _ = fmt.Fprintln(stderr, err.Error())
		return exitError
	}
	_, _ = fmt.Fprintln(stdout, "valid")
	return exitOK
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func argsAfterID(args []string) []string {
	if len(args) < 1 {
		return nil
	}
	return args[1:]
}
