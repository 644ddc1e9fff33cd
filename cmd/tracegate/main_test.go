package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/deterministic-agent-lab/tracegate/pkg/bundle"
)

func writeTestBundle(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	_, err := bundle.Create(dir, bundle.CreateInput{
		Logs: map[string][]byte{
			"stdout.log": []byte("hello\n"),
			"stderr.log": []byte(""),
		},
		Intents:   []json.RawMessage{json.RawMessage(`{"type":"test.mock","payload":{"id":"i1"}}`)},
		CreatedAt: "2026-03-01T10:00:00Z",
	})
	require.NoError(t, err)
	return dir
}

func TestRun_HashPrintsDigest(t *testing.T) {
	dir := writeTestBundle(t)
	var stdout, stderr bytes.Buffer
	code := Run([]string{"tracegate", "hash", dir}, &stdout, &stderr)
	require.Equal(t, exitOK, code)
	require.Len(t, strings.TrimSpace(stdout.String()), 64)
}

func TestRun_HashStable(t *testing.T) {
	dir := writeTestBundle(t)
	var out1, out2, stderr bytes.Buffer
	require.Equal(t, exitOK, Run([]string{"tracegate", "hash", dir}, &out1, &stderr))
	require.Equal(t, exitOK, Run([]string{"tracegate", "hash", dir}, &out2, &stderr))
	require.Equal(t, out1.String(), out2.String())
}

func TestRun_ValidateOK(t *testing.T) {
	dir := writeTestBundle(t)
	var stdout, stderr bytes.Buffer
	code := Run([]string{"tracegate", "validate", dir}, &stdout, &stderr)
	require.Equal(t, exitOK, code)
	require.Contains(t, stdout.String(), "valid")
}

func TestRun_ValidateTamperedFails(t *testing.T) {
	dir := writeTestBundle(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "logs", "stdout.log"), []byte("tampered\n"), 0o644))

	var stdout, stderr bytes.Buffer
	code := Run([]string{"tracegate", "validate", dir}, &stdout, &stderr)
	require.Equal(t, exitError, code)
	require.Contains(t, stderr.String(), "HASH_MISMATCH")
}

func TestRun_UnknownCommand(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := Run([]string{"tracegate", "bogus"}, &stdout, &stderr)
	require.Equal(t, exitError, code)
}

func TestRun_VerifyMatchAndMismatch(t *testing.T) {
	dir := writeTestBundle(t)

	var stdout, stderr bytes.Buffer
	code := Run([]string{"tracegate", "verify", dir, "-run", "echo hello"}, &stdout, &stderr)
	require.Equal(t, exitOK, code, stderr.String())

	stdout.Reset()
	stderr.Reset()
	code = Run([]string{"tracegate", "verify", dir, "-run", "echo goodbye"}, &stdout, &stderr)
	require.Equal(t, exitReplayMismatch, code)
	require.Contains(t, stdout.String(), `"stdout"`)
}

func TestRun_Help(t *testing.T) {
	var stdout, stderr bytes.Buffer
	require.Equal(t, exitOK, Run([]string{"tracegate", "help"}, &stdout, &stderr))
	require.Contains(t, stdout.String(), "Usage:")
}
