package bundle

import (
	"archive/tar"
	"bytes"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/deterministic-agent-lab/tracegate/pkg/gateerr"
)

// Pack archives a bundle directory into gzip-compressed tar bytes.
// Entries are emitted in lexicographic relative-path order with fixed
// metadata so packing the same tree twice yields identical bytes.
func Pack(dir string) ([]byte, error) {
	var buf bytes.Buffer
	if err := PackTo(&buf, dir); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// PackTo streams the archive to w.
func PackTo(w io.Writer, dir string) error {
	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)

	var rels []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		rels = append(rels, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return gateerr.Wrap(gateerr.CodeIoError, err, "walk bundle dir")
	}
	sort.Strings(rels)

	for _, rel := range rels {
		full := filepath.Join(dir, filepath.FromSlash(rel))
		info, err := os.Stat(full)
		if err != nil {
			return gateerr.Wrap(gateerr.CodeIoError, err, "stat %s", rel)
		}
		if info.IsDir() {
			// Directory entries keep empty components (e.g. prompts/) alive across Extract.
			dirHdr := &tar.Header{Name: rel + "/", Mode: int64(info.Mode().Perm()), Typeflag: tar.TypeDir, Format: tar.FormatPAX}
			if err := tw.WriteHeader(dirHdr); err != nil {
				return gateerr.Wrap(gateerr.CodeIoError, err, "write tar header %s", rel)
			}
			continue
		}
		hdr := &tar.Header{
			Name:     rel,
			Mode:     int64(info.Mode().Perm()),
			Size:     info.Size(),
			Typeflag: tar.TypeReg,
			Format:   tar.FormatPAX,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return gateerr.Wrap(gateerr.CodeIoError, err, "write tar header %s", rel)
		}
		f, err := os.Open(full)
		if err != nil {
			return gateerr.Wrap(gateerr.CodeIoError, err, "open %s", rel)
		}
		if _, err := io.Copy(tw, f); err != nil {
			_ = f.Close()
			return gateerr.Wrap(gateerr.CodeIoError, err, "copy %s", rel)
		}
		_ = f.Close()
	}

	if err := tw.Close(); err != nil {
		return gateerr.Wrap(gateerr.CodeIoError, err, "close tar")
	}
	if err := gz.Close(); err != nil {
		return gateerr.Wrap(gateerr.CodeIoError, err, "close gzip")
	}
	return nil
}

// Extract unpacks gzip-compressed tar bytes into dest. Paths escaping dest
// are rejected; only regular files and directories are materialized.
func Extract(r io.Reader, dest string) error {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return gateerr.Wrap(gateerr.CodeBundleInvalid, err, "open gzip stream")
	}
	defer func() { _ = gz.Close() }()
	return ExtractTar(gz, dest)
}

// ExtractTar unpacks an uncompressed tar stream into dest with the same
// safety rules as Extract. Base filesystem snapshots use this directly.
func ExtractTar(r io.Reader, dest string) error {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return gateerr.Wrap(gateerr.CodeBundleInvalid, err, "read tar entry")
		}
		target, err := securePath(dest, hdr.Name)
		if err != nil {
			return err
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return gateerr.Wrap(gateerr.CodeIoError, err, "create dir %s", hdr.Name)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return gateerr.Wrap(gateerr.CodeIoError, err, "create parent of %s", hdr.Name)
			}
			mode := os.FileMode(hdr.Mode & 0o777)
			if mode == 0 {
				mode = 0o644
			}
			f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
			if err != nil {
				return gateerr.Wrap(gateerr.CodeIoError, err, "create %s", hdr.Name)
			}
			if _, err := io.Copy(f, tr); err != nil { // #nosec G110 -- bundle blobs are size-bounded by ingest
				_ = f.Close()
				return gateerr.Wrap(gateerr.CodeIoError, err, "write %s", hdr.Name)
			}
			if err := f.Close(); err != nil {
				return gateerr.Wrap(gateerr.CodeIoError, err, "close %s", hdr.Name)
			}
		default:
			// symlinks, devices etc. are not part of the bundle format
			continue
		}
	}
}

// ExtractBytes unpacks an in-memory archive into dest.
func ExtractBytes(data []byte, dest string) error {
	return Extract(bytes.NewReader(data), dest)
}

func securePath(dest, name string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(name))
	if filepath.IsAbs(clean) || strings.HasPrefix(clean, "..") {
		return "", gateerr.New(gateerr.CodeBundleInvalid, "archive entry escapes destination: %s", name)
	}
	target := filepath.Join(dest, clean)
	rel, err := filepath.Rel(dest, target)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", gateerr.New(gateerr.CodeBundleInvalid, "archive entry escapes destination: %s", name)
	}
	return target, nil
}

// emptyTar returns a valid empty (uncompressed) tar stream.
func emptyTar() []byte {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	_ = tw.Close()
	return buf.Bytes()
}
