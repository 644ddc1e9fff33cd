// Package canonicalize provides RFC 8785 (JSON Canonicalization Scheme)
// compliant serialization and SHA-256 content hashing for trace bundle
// artifacts. Two implementations that follow these rules produce identical
// digests for identical logical inputs.
package canonicalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gowebpki/jcs"
)

// Canonical returns the RFC 8785 canonical JSON representation of v.
// Map keys are sorted lexicographically by UTF-8 bytes at every depth;
// array order is preserved.
func Canonical(v any) ([]byte, error) {
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: pre-marshal failed: %w", err)
	}
	out, err := jcs.Transform(intermediate)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: jcs transform failed: %w", err)
	}
	return out, nil
}

// CanonicalHash returns the SHA-256 hex digest of the canonical JSON
// representation of v.
func CanonicalHash(v any) (string, error) {
	b, err := Canonical(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes computes the SHA-256 hash of raw bytes and returns it hex encoded.
func HashBytes(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// HashReader computes the SHA-256 hash of everything readable from r.
func HashReader(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// HashFile computes the SHA-256 hash of a regular file's byte content.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("canonicalize: open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()
	return HashReader(f)
}

// HashDir computes the SHA-256 hash of a directory tree.
//
// The digest covers the literal prefix "dir\n" followed by, for each regular
// file in lexicographic relative-path order, "<relpath>\n<hex-file-hash>\n".
// Relative paths always use forward slashes.
func HashDir(dir string) (string, error) {
	var rels []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		rels = append(rels, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("canonicalize: walk %s: %w", dir, err)
	}
	sort.Strings(rels)

	h := sha256.New()
	h.Write([]byte("dir\n"))
	for _, rel := range rels {
		fileHash, err := HashFile(filepath.Join(dir, filepath.FromSlash(rel)))
		if err != nil {
			return "", err
		}
		h.Write([]byte(rel + "\n" + fileHash + "\n"))
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// HashPath hashes a regular file or a directory tree, depending on what the
// path points at.
func HashPath(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("canonicalize: stat %s: %w", path, err)
	}
	if info.IsDir() {
		return HashDir(path)
	}
	return HashFile(path)
}

// DigestOver computes a SHA-256 hex digest over a canonical prefix followed
// by "<name>:<hash>\n" lines for the given names in the given order.
func DigestOver(prefix []byte, names []string, hashes map[string]string) string {
	h := sha256.New()
	h.Write(prefix)
	var b strings.Builder
	for _, name := range names {
		b.Reset()
		b.WriteString(name)
		b.WriteByte(':')
		b.WriteString(hashes[name])
		b.WriteByte('\n')
		h.Write([]byte(b.String()))
	}
	return hex.EncodeToString(h.Sum(nil))
}
