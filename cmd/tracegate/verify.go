package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os/exec"

	"github.com/deterministic-agent-lab/tracegate/pkg/bundle"
	"github.com/deterministic-agent-lab/tracegate/pkg/replay"
)

// execRunner is a thin local stand-in for the sandboxed runner collaborator:
// it executes the recorded program directly in the reconstructed directory.
type execRunner struct {
	command []string
}

func (r *execRunner) Run(ctx context.Context, spec replay.RunSpec) (*replay.RunResult, error) {
	cmd := exec.CommandContext(ctx, r.command[0], r.command[1:]...) // #nosec G204 -- command comes from the operator's own flag
	cmd.Dir = spec.WorkDir
	env := make([]string, 0, len(spec.Env)+2)
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}
	env = append(env,
		fmt.Sprintf("TRACE_SEED=%d", spec.Seed),
		"TRACE_START="+spec.StartTime.UTC().Format("2006-01-02T15:04:05Z"),
	)
	cmd.Env = env

	var stdout, stderr writerBuffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	exitCode := 0
	if exitErr, ok := err.(*exec.ExitError); ok {
		exitCode = exitErr.ExitCode()
	} else if err != nil {
		return nil, err
	}
	return &replay.RunResult{Stdout: stdout.data, Stderr: stderr.data, ExitCode: exitCode}, nil
}

type writerBuffer struct{ data []byte }

func (b *writerBuffer) Write(p []byte) (int, error) {
	b.data = append(b.data, p...)
	return len(p), nil
}

func runVerify(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	fs.SetOutput(stderr)
	runCmd := fs.String("run", "", "command executing the recorded program")
	if err := fs.Parse(argsAfterID(args)); err != nil {
		return exitError
	}
	if len(args) < 1 || *runCmd == "" {
		_, _ = fmt.Fprintln(stderr, `Usage: tracegate verify <bundle-dir> -run "<command>"`)
		return exitError
	}

	b, err := bundle.Open(args[0])
	if err != nil {
		_, _ = fmt.Fprintln(stderr, err.Error())
		return exitError
	}

	runner := &execRunner{command: []string{"/bin/sh", "-c", *runCmd}}
	result, err := replay.NewVerifier(runner).Verify(context.Background(), b)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, err.Error())
		return exitError
	}
	if err := printJSON(stdout, result); err != nil {
		return exitError
	}
	if !result.Success {
		return exitReplayMismatch
	}
	return exitOK
}
