// Package driver ships the built-in two-phase drivers: file writes, HTTP
// POSTs with reversible metadata, and LLM calls backed by a prompt store.
package driver

import (
	"context"
	"encoding/base64"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/deterministic-agent-lab/tracegate/pkg/canonicalize"
	"github.com/deterministic-agent-lab/tracegate/pkg/gateerr"
	"github.com/deterministic-agent-lab/tracegate/pkg/journal"
)

// FileWrite writes a file and can restore whatever it replaced.
type FileWrite struct{}

// NewFileWrite creates the file-write driver.
func NewFileWrite() *FileWrite {
	return &FileWrite{}
}

type fileWritePayload struct {
	path    string
	content []byte
	mode    fs.FileMode
	hasMode bool
}

type fileWritePrepared struct {
	payload   fileWritePayload
	existed   bool
	prior     []byte
	priorMode fs.FileMode
	priorHash string
}

func parseFileWritePayload(it journal.Intent) (fileWritePayload, error) {
	var p fileWritePayload
	path, _ := it.Payload["path"].(string)
	if path == "" || strings.ContainsRune(path, 0) {
		return p, gateerr.New(gateerr.CodePathInvalid, "file write needs a non-empty path")
	}
	p.path = filepath.Clean(path)

	content, ok := it.Payload["content"].(string)
	if !ok {
		return p, gateerr.New(gateerr.CodePathInvalid, "file write needs string content")
	}
	p.content = []byte(content)

	if rawMode, ok := it.Payload["mode"]; ok {
		mode, err := parseMode(rawMode)
		if err != nil {
			return p, err
		}
		p.mode = mode
		p.hasMode = true
	}
	return p, nil
}

func parseMode(raw any) (fs.FileMode, error) {
	switch v := raw.(type) {
	case float64:
		return fs.FileMode(int64(v)), nil
	case string:
		n, err := strconv.ParseUint(v, 8, 32)
		if err != nil {
			return 0, gateerr.Wrap(gateerr.CodePathInvalid, err, "file mode %q is not octal", v)
		}
		return fs.FileMode(n), nil
	default:
		return 0, gateerr.New(gateerr.CodePathInvalid, "file mode has unsupported type %T", raw)
	}
}

// Validate rejects malformed payloads before anything is captured.
func (d *FileWrite) Validate(ctx context.Context, it journal.Intent) error {
	_, err := parseFileWritePayload(it)
	return err
}

// Prepare captures the prior file content and mode, if the file exists.
func (d *FileWrite) Prepare(ctx context.Context, it journal.Intent) (journal.Prepared, error) {
	payload, err := parseFileWritePayload(it)
	if err != nil {
		return nil, err
	}

	prepared := &fileWritePrepared{payload: payload}
	info, err := os.Lstat(payload.path)
	switch {
	case os.IsNotExist(err):
		prepared.existed = false
	case err != nil:
		return nil, gateerr.Wrap(gateerr.CodeIoError, err, "stat %s", payload.path)
	case info.IsDir():
		return nil, gateerr.New(gateerr.CodeNotAFile, "%s is a directory", payload.path)
	case !info.Mode().IsRegular():
		return nil, gateerr.New(gateerr.CodeNotAFile, "%s is not a regular file", payload.path)
	default:
		prior, err := os.ReadFile(payload.path)
		if err != nil {
			return nil, gateerr.Wrap(gateerr.CodeIoError, err, "read prior content of %s", payload.path)
		}
		prepared.existed = true
		prepared.prior = prior
		prepared.priorMode = info.Mode().Perm()
		prepared.priorHash = canonicalize.HashBytes(prior)
	}
	return prepared, nil
}

// Commit writes the new content atomically and applies the requested mode.
func (d *FileWrite) Commit(ctx context.Context, it journal.Intent, prepared journal.Prepared) (journal.Receipt, error) {
	p, ok := prepared.(*fileWritePrepared)
	if !ok {
		return nil, gateerr.New(gateerr.CodeCommitFailed, "file write got foreign prepared state")
	}

	if err := os.MkdirAll(filepath.Dir(p.payload.path), 0o755); err != nil {
		return nil, gateerr.Wrap(gateerr.CodeIoError, err, "create parent dirs for %s", p.payload.path)
	}
	if err := atomicWrite(p.payload.path, p.payload.content, 0o644); err != nil {
		return nil, err
	}
	if p.payload.hasMode {
		if err := os.Chmod(p.payload.path, p.payload.mode); err != nil {
			return nil, gateerr.Wrap(gateerr.CodeIoError, err, "chmod %s", p.payload.path)
		}
	}

	receipt := journal.Receipt{
		"path":   p.payload.path,
		"sha256": canonicalize.HashBytes(p.payload.content),
	}
	if p.existed {
		receipt["previousHash"] = p.priorHash
	}
	receipt["previous"] = map[string]any{
		"existed":       p.existed,
		"contentBase64": base64.StdEncoding.EncodeToString(p.prior),
		"mode":          fmt.Sprintf("%o", uint32(p.priorMode)),
	}
	return receipt, nil
}

// Rollback restores the prior content and mode, or removes the file when it
// did not exist. Directories created on the way stay.
func (d *FileWrite) Rollback(ctx context.Context, it journal.Intent, prepared journal.Prepared) error {
	p, ok := prepared.(*fileWritePrepared)
	if !ok {
		return gateerr.New(gateerr.CodeRollbackFailed, "file write got foreign prepared state")
	}
	return restoreFile(p.payload.path, p.existed, p.prior, p.priorMode)
}

// RollbackReceipt restores from the persisted receipt's prior-state record.
func (d *FileWrite) RollbackReceipt(ctx context.Context, it journal.Intent, receipt journal.Receipt) error {
	path, _ := receipt["path"].(string)
	if path == "" {
		return gateerr.New(gateerr.CodeRollbackFailed, "file write receipt has no path")
	}
	previous, _ := receipt["previous"].(map[string]any)
	if previous == nil {
		return gateerr.New(gateerr.CodeNonReversible, "file write receipt for %s carries no prior state", path)
	}
	existed, _ := previous["existed"].(bool)
	var prior []byte
	if encoded, ok := previous["contentBase64"].(string); ok && encoded != "" {
		decoded, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return gateerr.Wrap(gateerr.CodeRollbackFailed, err, "decode prior content of %s", path)
		}
		prior = decoded
	}
	mode := fs.FileMode(0o644)
	if encoded, ok := previous["mode"].(string); ok {
		if n, err := strconv.ParseUint(encoded, 8, 32); err == nil && n != 0 {
			mode = fs.FileMode(n)
		}
	}
	return restoreFile(path, existed, prior, mode)
}

func restoreFile(path string, existed bool, prior []byte, mode fs.FileMode) error {
	if !existed {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return gateerr.Wrap(gateerr.CodeRollbackFailed, err, "remove %s", path)
		}
		return nil
	}
	if err := atomicWrite(path, prior, mode); err != nil {
		return gateerr.Wrap(gateerr.CodeRollbackFailed, err, "restore %s", path)
	}
	if err := os.Chmod(path, mode); err != nil {
		return gateerr.Wrap(gateerr.CodeRollbackFailed, err, "restore mode of %s", path)
	}
	return nil
}

// atomicWrite writes content via a temp file in the same directory, then
// renames it into place.
func atomicWrite(path string, content []byte, mode fs.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".write-*")
	if err != nil {
		return gateerr.Wrap(gateerr.CodeIoError, err, "create temp file in %s", dir)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(content); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return gateerr.Wrap(gateerr.CodeIoError, err, "write temp file")
	}
	if err := tmp.Chmod(mode); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return gateerr.Wrap(gateerr.CodeIoError, err, "chmod temp file")
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return gateerr.Wrap(gateerr.CodeIoError, err, "close temp file")
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return gateerr.Wrap(gateerr.CodeIoError, err, "rename into %s", path)
	}
	return nil
}
