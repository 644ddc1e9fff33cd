package bundle

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/deterministic-agent-lab/tracegate/pkg/canonicalize"
	"github.com/deterministic-agent-lab/tracegate/pkg/gateerr"
)

// Create writes a new bundle into dir: each component at its canonical
// relative path, then a manifest carrying per-component hashes.
func Create(dir string, in CreateInput) (*Bundle, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, gateerr.Wrap(gateerr.CodeIoError, err, "create bundle dir")
	}

	env := in.Env
	if env == nil {
		env = map[string]any{}
	}
	clock := in.Clock
	if clock == nil {
		clock = map[string]any{}
	}
	network := in.Network
	if network == nil {
		network = map[string]any{"log": map[string]any{"entries": []any{}}}
	}

	if err := writeCanonicalJSON(filepath.Join(dir, defaultPaths[ComponentEnv]), env); err != nil {
		return nil, err
	}
	if err := writeCanonicalJSON(filepath.Join(dir, defaultPaths[ComponentClock]), clock); err != nil {
		return nil, err
	}
	if err := writeCanonicalJSON(filepath.Join(dir, defaultPaths[ComponentNetwork]), network); err != nil {
		return nil, err
	}

	var lines bytes.Buffer
	for _, raw := range in.Intents {
		compact, err := canonicalize.Canonical(json.RawMessage(raw))
		if err != nil {
			return nil, gateerr.Wrap(gateerr.CodeBundleInvalid, err, "canonicalize intent record")
		}
		lines.Write(compact)
		lines.WriteByte('\n')
	}
	if err := os.WriteFile(filepath.Join(dir, defaultPaths[ComponentIntents]), lines.Bytes(), 0o644); err != nil {
		return nil, gateerr.Wrap(gateerr.CodeIoError, err, "write intents")
	}

	logsDir := filepath.Join(dir, defaultPaths[ComponentLogs])
	if err := os.MkdirAll(logsDir, 0o755); err != nil {
		return nil, gateerr.Wrap(gateerr.CodeIoError, err, "create logs dir")
	}
	logs := in.Logs
	if logs == nil {
		logs = map[string][]byte{}
	}
	if _, ok := logs["stdout.log"]; !ok {
		logs["stdout.log"] = nil
	}
	if _, ok := logs["stderr.log"]; !ok {
		logs["stderr.log"] = nil
	}
	for name, content := range logs {
		if err := os.WriteFile(filepath.Join(logsDir, name), content, 0o644); err != nil {
			return nil, gateerr.Wrap(gateerr.CodeIoError, err, "write log %s", name)
		}
	}

	promptsDir := filepath.Join(dir, defaultPaths[ComponentPrompts])
	if err := os.MkdirAll(promptsDir, 0o755); err != nil {
		return nil, gateerr.Wrap(gateerr.CodeIoError, err, "create prompts dir")
	}
	for i, raw := range in.Prompts {
		compact, err := canonicalize.Canonical(json.RawMessage(raw))
		if err != nil {
			return nil, gateerr.Wrap(gateerr.CodeBundleInvalid, err, "canonicalize prompt %d", i)
		}
		name := fmt.Sprintf("%04d.json", i)
		if err := os.WriteFile(filepath.Join(promptsDir, name), compact, 0o644); err != nil {
			return nil, gateerr.Wrap(gateerr.CodeIoError, err, "write prompt %s", name)
		}
	}

	if err := writeFSDiff(filepath.Join(dir, defaultPaths[ComponentFSDiff]), in.FSDiff); err != nil {
		return nil, err
	}

	manifest := Manifest{
		Version:     Version,
		CreatedAt:   in.CreatedAt,
		Description: in.Description,
		Metadata:    in.Metadata,
		Files:       map[string]string{},
	}
	for _, name := range ComponentOrder {
		manifest.Files[name] = defaultPaths[name]
	}

	hashes, err := componentHashes(context.Background(), dir, manifest)
	if err != nil {
		return nil, err
	}
	manifest.Hashes = hashes

	if err := writeCanonicalJSON(filepath.Join(dir, "manifest.json"), manifest); err != nil {
		return nil, err
	}

	return &Bundle{Dir: dir, Manifest: manifest}, nil
}

// Open parses the manifest at dir and validates the bundle. There is no
// partial open: any validation failure is fatal.
func Open(dir string) (*Bundle, error) {
	raw, err := os.ReadFile(filepath.Join(dir, "manifest.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, gateerr.New(gateerr.CodeManifestMissing, "manifest.json not found in %s", dir)
		}
		return nil, gateerr.Wrap(gateerr.CodeIoError, err, "read manifest")
	}
	if err := validateManifestDocument(raw); err != nil {
		return nil, err
	}
	var manifest Manifest
	if err := json.Unmarshal(raw, &manifest); err != nil {
		return nil, gateerr.Wrap(gateerr.CodeManifestMalformed, err, "decode manifest")
	}
	b := &Bundle{Dir: dir, Manifest: manifest}
	if err := Validate(context.Background(), b); err != nil {
		return nil, err
	}
	return b, nil
}

// Validate checks component presence and kind, and — when the manifest
// records hashes — recomputes and compares every component hash.
func Validate(ctx context.Context, b *Bundle) error {
	for _, name := range ComponentOrder {
		rel, ok := b.Manifest.Files[name]
		if !ok || rel == "" {
			return gateerr.New(gateerr.CodeComponentMissing, "component %s not declared in manifest", name)
		}
		info, err := os.Stat(filepath.Join(b.Dir, filepath.FromSlash(rel)))
		if err != nil {
			return gateerr.New(gateerr.CodeComponentMissing, "component %s missing at %s", name, rel)
		}
		if info.IsDir() != dirComponents[name] {
			return gateerr.New(gateerr.CodeKindMismatch, "component %s at %s has wrong kind", name, rel)
		}
	}

	if len(b.Manifest.Hashes) == 0 {
		return nil
	}

	actual, err := componentHashes(ctx, b.Dir, b.Manifest)
	if err != nil {
		return err
	}
	for _, name := range ComponentOrder {
		expected, ok := b.Manifest.Hashes[name]
		if !ok {
			continue
		}
		if actual[name] != expected {
			return gateerr.New(gateerr.CodeHashMismatch,
				"component %s hash mismatch: expected %s, actual %s", name, expected, actual[name])
		}
	}
	return nil
}

// Hash computes the whole-bundle digest: SHA-256 over the canonical manifest
// followed by "<component>:<hash>" lines in the fixed component order.
// Component hashes are recomputed from disk, not read from the manifest.
func Hash(ctx context.Context, b *Bundle) (string, error) {
	hashes, err := componentHashes(ctx, b.Dir, b.Manifest)
	if err != nil {
		return "", err
	}
	canonical, err := canonicalize.Canonical(b.Manifest)
	if err != nil {
		return "", gateerr.Wrap(gateerr.CodeBundleInvalid, err, "canonicalize manifest")
	}
	return canonicalize.DigestOver(canonical, ComponentOrder, hashes), nil
}

// componentHashes recomputes every component hash concurrently.
func componentHashes(ctx context.Context, dir string, manifest Manifest) (map[string]string, error) {
	var mu sync.Mutex
	hashes := make(map[string]string, len(ComponentOrder))
	g, _ := errgroup.WithContext(ctx)
	for _, name := range ComponentOrder {
		rel := manifest.Files[name]
		g.Go(func() error {
			h, err := canonicalize.HashPath(filepath.Join(dir, filepath.FromSlash(rel)))
			if err != nil {
				return gateerr.Wrap(gateerr.CodeBundleInvalid, err, "hash component %s", name)
			}
			mu.Lock()
			hashes[name] = h
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return hashes, nil
}

// ReadIntents returns the raw intent records in bundle order.
func (b *Bundle) ReadIntents() ([]json.RawMessage, error) {
	f, err := os.Open(filepath.Join(b.Dir, filepath.FromSlash(b.Manifest.Files[ComponentIntents])))
	if err != nil {
		return nil, gateerr.Wrap(gateerr.CodeIoError, err, "open intents")
	}
	defer func() { _ = f.Close() }()

	var records []json.RawMessage
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !json.Valid([]byte(line)) {
			return nil, gateerr.New(gateerr.CodeBundleInvalid, "intents: malformed JSONL line %d", len(records)+1)
		}
		records = append(records, json.RawMessage(line))
	}
	if err := scanner.Err(); err != nil {
		return nil, gateerr.Wrap(gateerr.CodeIoError, err, "scan intents")
	}
	return records, nil
}

// NetworkEntries returns the (method, url) pairs recorded in the HAR.
func (b *Bundle) NetworkEntries() ([]HAREntry, error) {
	raw, err := os.ReadFile(filepath.Join(b.Dir, filepath.FromSlash(b.Manifest.Files[ComponentNetwork])))
	if err != nil {
		return nil, gateerr.Wrap(gateerr.CodeIoError, err, "read network archive")
	}
	var doc har
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, gateerr.Wrap(gateerr.CodeBundleInvalid, err, "parse network archive")
	}
	entries := make([]HAREntry, 0, len(doc.Log.Entries))
	for _, e := range doc.Log.Entries {
		entries = append(entries, HAREntry{Method: e.Request.Method, URL: e.Request.URL})
	}
	return entries, nil
}

// ReadLog returns the byte content of a named log file.
func (b *Bundle) ReadLog(name string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(b.Dir, filepath.FromSlash(b.Manifest.Files[ComponentLogs]), name))
	if err != nil {
		return nil, gateerr.Wrap(gateerr.CodeIoError, err, "read log %s", name)
	}
	return data, nil
}

// PromptsDir returns the absolute path of the prompt recordings directory.
func (b *Bundle) PromptsDir() string {
	return filepath.Join(b.Dir, filepath.FromSlash(b.Manifest.Files[ComponentPrompts]))
}

// Env decodes the recorded environment component.
func (b *Bundle) Env() (map[string]any, error) {
	return b.readJSONComponent(ComponentEnv)
}

// Clock decodes the recorded clock component.
func (b *Bundle) Clock() (map[string]any, error) {
	return b.readJSONComponent(ComponentClock)
}

func (b *Bundle) readJSONComponent(name string) (map[string]any, error) {
	raw, err := os.ReadFile(filepath.Join(b.Dir, filepath.FromSlash(b.Manifest.Files[name])))
	if err != nil {
		return nil, gateerr.Wrap(gateerr.CodeIoError, err, "read %s", name)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, gateerr.Wrap(gateerr.CodeBundleInvalid, err, "parse %s", name)
	}
	return out, nil
}

func writeCanonicalJSON(path string, v any) error {
	data, err := canonicalize.Canonical(v)
	if err != nil {
		return gateerr.Wrap(gateerr.CodeBundleInvalid, err, "canonicalize %s", filepath.Base(path))
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return gateerr.Wrap(gateerr.CodeIoError, err, "write %s", filepath.Base(path))
	}
	return nil
}

func writeFSDiff(dir string, in FSDiffInput) error {
	diffFiles := filepath.Join(dir, "diff", "files")
	if err := os.MkdirAll(diffFiles, 0o755); err != nil {
		return gateerr.Wrap(gateerr.CodeIoError, err, "create fs-diff dirs")
	}
	baseTar := in.BaseTar
	if baseTar == nil {
		baseTar = emptyTar()
	}
	if err := os.WriteFile(filepath.Join(dir, "base.tar"), baseTar, 0o644); err != nil {
		return gateerr.Wrap(gateerr.CodeIoError, err, "write base.tar")
	}
	rels := make([]string, 0, len(in.Files))
	for rel := range in.Files {
		rels = append(rels, rel)
	}
	sort.Strings(rels)
	for _, rel := range rels {
		full := filepath.Join(diffFiles, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return gateerr.Wrap(gateerr.CodeIoError, err, "create fs-diff file dir")
		}
		if err := os.WriteFile(full, in.Files[rel], 0o644); err != nil {
			return gateerr.Wrap(gateerr.CodeIoError, err, "write fs-diff file %s", rel)
		}
	}
	deleted := in.Deleted
	if deleted == nil {
		deleted = []string{}
	}
	return writeCanonicalJSON(filepath.Join(dir, "diff", "deleted.json"), deleted)
}
