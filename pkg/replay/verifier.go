// Package replay verifies determinism: it reconstructs a bundle's input
// filesystem, re-runs the recorded program through a collaborator sandbox
// runner, and diffs the observed stdout/stderr byte-for-byte against the
// recorded logs.
package replay

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/deterministic-agent-lab/tracegate/pkg/bundle"
	"github.com/deterministic-agent-lab/tracegate/pkg/gateerr"
)

// RunSpec tells the sandbox runner how to reproduce the recorded execution.
type RunSpec struct {
	WorkDir   string
	Env       map[string]string
	Seed      int64
	StartTime time.Time
	HARPath   string
}

// RunResult is what the sandbox runner observed.
type RunResult struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// Runner executes the recorded program in a sandbox. The sandbox itself —
// container, proxy, runtime shim — lives outside this module.
type Runner interface {
	Run(ctx context.Context, spec RunSpec) (*RunResult, error)
}

// Diff points at the first observed divergence.
type Diff struct {
	Kind     string `json:"kind"` // "stdout", "stderr"
	Line     int    `json:"line"`
	Expected string `json:"expected"`
	Actual   string `json:"actual"`
}

// Result is the verification outcome.
type Result struct {
	Success       bool  `json:"success"`
	StdoutMatches bool  `json:"stdoutMatches"`
	StderrMatches bool  `json:"stderrMatches"`
	FirstDiff     *Diff `json:"firstDiff,omitempty"`
	ExitCode      int   `json:"exitCode"`
}

// Verifier re-runs a recorded bundle and compares observable outputs.
type Verifier struct {
	runner Runner
	logger *slog.Logger
}

// NewVerifier creates a verifier over a sandbox runner.
func NewVerifier(runner Runner) *Verifier {
	return &Verifier{
		runner: runner,
		logger: slog.Default().With("component", "replay"),
	}
}

// Verify reconstructs the input filesystem, runs the program, and diffs
// outputs against the recorded logs.
func (v *Verifier) Verify(ctx context.Context, b *bundle.Bundle) (*Result, error) {
	workDir, err := os.MkdirTemp("", "tracegate-replay-*")
	if err != nil {
		return nil, gateerr.Wrap(gateerr.CodeIoError, err, "create replay dir")
	}
	defer func() { _ = os.RemoveAll(workDir) }()

	if err := ReconstructInputFS(b, workDir); err != nil {
		return nil, err
	}

	env, seed, startTime, err := recordedSettings(b)
	if err != nil {
		return nil, err
	}

	run, err := v.runner.Run(ctx, RunSpec{
		WorkDir:   workDir,
		Env:       env,
		Seed:      seed,
		StartTime: startTime,
		HARPath:   filepath.Join(b.Dir, filepath.FromSlash(b.Manifest.Files[bundle.ComponentNetwork])),
	})
	if err != nil {
		return nil, err
	}

	wantStdout, err := b.ReadLog("stdout.log")
	if err != nil {
		return nil, err
	}
	wantStderr, err := b.ReadLog("stderr.log")
	if err != nil {
		return nil, err
	}

	result := &Result{
		StdoutMatches: bytes.Equal(run.Stdout, wantStdout),
		StderrMatches: bytes.Equal(run.Stderr, wantStderr),
		ExitCode:      run.ExitCode,
	}
	if !result.StdoutMatches {
		result.FirstDiff = firstDiff("stdout", wantStdout, run.Stdout)
	} else if !result.StderrMatches {
		result.FirstDiff = firstDiff("stderr", wantStderr, run.Stderr)
	}
	result.Success = result.StdoutMatches && result.StderrMatches && run.ExitCode == 0

	if !result.Success {
		v.logger.Warn("replay diverged",
			"stdoutMatches", result.StdoutMatches,
			"stderrMatches", result.StderrMatches,
			"exitCode", run.ExitCode)
	}
	return result, nil
}

// ReconstructInputFS materializes base + changed files - deleted into dest.
func ReconstructInputFS(b *bundle.Bundle, dest string) error {
	view := b.FSDiff()

	baseTar, err := os.Open(view.BaseTarPath())
	if err != nil {
		return gateerr.Wrap(gateerr.CodeIoError, err, "open base snapshot")
	}
	defer func() { _ = baseTar.Close() }()
	if err := extractPlainTar(baseTar, dest); err != nil {
		return err
	}

	changed, err := view.ChangedFiles()
	if err != nil {
		return err
	}
	for _, rel := range changed {
		src := filepath.Join(view.FilesDir(), filepath.FromSlash(rel))
		data, err := os.ReadFile(src)
		if err != nil {
			return gateerr.Wrap(gateerr.CodeIoError, err, "read diff file %s", rel)
		}
		target := filepath.Join(dest, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return gateerr.Wrap(gateerr.CodeIoError, err, "create parent of %s", rel)
		}
		if err := os.WriteFile(target, data, 0o644); err != nil {
			return gateerr.Wrap(gateerr.CodeIoError, err, "write %s", rel)
		}
	}

	deleted, err := view.Deleted()
	if err != nil {
		return err
	}
	for _, rel := range deleted {
		if err := os.RemoveAll(filepath.Join(dest, filepath.FromSlash(rel))); err != nil {
			return gateerr.Wrap(gateerr.CodeIoError, err, "delete %s", rel)
		}
	}
	return nil
}

func recordedSettings(b *bundle.Bundle) (map[string]string, int64, time.Time, error) {
	envDoc, err := b.Env()
	if err != nil {
		return nil, 0, time.Time{}, err
	}
	env := map[string]string{}
	if vars, ok := envDoc["vars"].(map[string]any); ok {
		for k, v := range vars {
			if s, ok := v.(string); ok {
				env[k] = s
			}
		}
	}

	clockDoc, err := b.Clock()
	if err != nil {
		return nil, 0, time.Time{}, err
	}
	var seed int64
	if f, ok := clockDoc["seed"].(float64); ok {
		seed = int64(f)
	}
	var startTime time.Time
	if s, ok := clockDoc["start"].(string); ok {
		startTime, _ = time.Parse(time.RFC3339, s)
	}
	return env, seed, startTime, nil
}

// firstDiff locates the first differing line; a missing line on either side
// is reported as empty.
func firstDiff(kind string, expected, actual []byte) *Diff {
	expLines := bytes.Split(expected, []byte("\n"))
	actLines := bytes.Split(actual, []byte("\n"))
	n := len(expLines)
	if len(actLines) > n {
		n = len(actLines)
	}
	for i := 0; i < n; i++ {
		var exp, act []byte
		if i < len(expLines) {
			exp = expLines[i]
		}
		if i < len(actLines) {
			act = actLines[i]
		}
		if !bytes.Equal(exp, act) {
			return &Diff{Kind: kind, Line: i + 1, Expected: string(exp), Actual: string(act)}
		}
	}
	return &Diff{Kind: kind, Line: n, Expected: "", Actual: ""}
}

// extractPlainTar unpacks an uncompressed tar stream into dest.
func extractPlainTar(r *os.File, dest string) error {
	info, err := r.Stat()
	if err != nil {
		return gateerr.Wrap(gateerr.CodeIoError, err, "stat base snapshot")
	}
	if info.Size() == 0 {
		return nil
	}
	return bundle.ExtractTar(r, dest)
}
