package bundle

import (
	"bytes"
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/deterministic-agent-lab/tracegate/pkg/gateerr"
)

// binaryScanLimit bounds the NUL scan used to classify diff files.
const binaryScanLimit = 1000

// IsBinary reports whether data should be treated as binary content.
// A NUL byte within the first 1000 bytes marks the content binary.
func IsBinary(data []byte) bool {
	limit := len(data)
	if limit > binaryScanLimit {
		limit = binaryScanLimit
	}
	return bytes.IndexByte(data[:limit], 0) >= 0
}

// FSDiffView exposes the filesystem diff component of an opened bundle.
type FSDiffView struct {
	root string
}

// FSDiff returns a view over the bundle's filesystem diff component.
func (b *Bundle) FSDiff() FSDiffView {
	return FSDiffView{root: filepath.Join(b.Dir, filepath.FromSlash(b.Manifest.Files[ComponentFSDiff]))}
}

// BaseTarPath returns the path of the base snapshot tar.
func (v FSDiffView) BaseTarPath() string {
	return filepath.Join(v.root, "base.tar")
}

// FilesDir returns the directory holding post-change files.
func (v FSDiffView) FilesDir() string {
	return filepath.Join(v.root, "diff", "files")
}

// Deleted returns the recorded list of deleted relative paths.
func (v FSDiffView) Deleted() ([]string, error) {
	raw, err := os.ReadFile(filepath.Join(v.root, "diff", "deleted.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, gateerr.Wrap(gateerr.CodeIoError, err, "read deleted.json")
	}
	var deleted []string
	if err := json.Unmarshal(raw, &deleted); err != nil {
		return nil, gateerr.Wrap(gateerr.CodeBundleInvalid, err, "parse deleted.json")
	}
	return deleted, nil
}

// ChangedFiles returns the relative paths of all post-change files.
func (v FSDiffView) ChangedFiles() ([]string, error) {
	var rels []string
	err := filepath.WalkDir(v.FilesDir(), func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(v.FilesDir(), path)
		if err != nil {
			return err
		}
		rels = append(rels, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, gateerr.Wrap(gateerr.CodeIoError, err, "walk diff files")
	}
	return rels, nil
}
