package driver

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"

	"github.com/deterministic-agent-lab/tracegate/pkg/gateerr"
)

// Prompt store modes.
const (
	ModeRecord = "record"
	ModeReplay = "replay"
)

// Message is one prompt message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// TokenEvent is one synthesized token with a monotone timestamp.
type TokenEvent struct {
	Text string `json:"text"`
	At   string `json:"at"`
}

// Recording is the persisted form of one LLM exchange.
type Recording struct {
	Provider   string         `json:"provider"`
	Model      string         `json:"model"`
	Prompt     map[string]any `json:"prompt"`
	Params     map[string]any `json:"params,omitempty"`
	Completion string         `json:"completion"`
	Tokens     []TokenEvent   `json:"tokens"`
	RecordedAt string         `json:"recordedAt"`
}

var recordingName = regexp.MustCompile(`^(\d{4})\.json$`)

// PromptStore holds ordered LLM recordings in a directory of NNNN.json
// files. It is mode-bound: a record-mode store appends at the next free
// index, a replay-mode store consumes files in ascending index order.
type PromptStore struct {
	mu     sync.Mutex
	dir    string
	mode   string
	cursor int
}

// NewPromptStore opens a prompt store over dir in the given mode.
func NewPromptStore(dir, mode string) (*PromptStore, error) {
	if mode != ModeRecord && mode != ModeReplay {
		return nil, gateerr.New(gateerr.CodeSchemaViolation, "prompt store mode %q is unknown", mode)
	}
	if mode == ModeRecord {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, gateerr.Wrap(gateerr.CodeIoError, err, "create prompt dir")
		}
	}
	return &PromptStore{dir: dir, mode: mode}, nil
}

// Mode returns the bound mode.
func (s *PromptStore) Mode() string { return s.mode }

// indices lists the recording indices present on disk, ascending.
func (s *PromptStore) indices() ([]int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, gateerr.Wrap(gateerr.CodeIoError, err, "read prompt dir")
	}
	var out []int
	for _, e := range entries {
		m := recordingName.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		var n int
		_, _ = fmt.Sscanf(m[1], "%d", &n)
		out = append(out, n)
	}
	sort.Ints(out)
	return out, nil
}

// Save writes a recording at the next free index and returns its path.
func (s *PromptStore) Save(rec *Recording) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mode != ModeRecord {
		return "", gateerr.New(gateerr.CodeSchemaViolation, "prompt store is not in record mode")
	}

	existing, err := s.indices()
	if err != nil {
		return "", err
	}
	next := 0
	if len(existing) > 0 {
		next = existing[len(existing)-1] + 1
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return "", gateerr.Wrap(gateerr.CodeIoError, err, "marshal recording")
	}
	path := filepath.Join(s.dir, fmt.Sprintf("%04d.json", next))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", gateerr.Wrap(gateerr.CodeIoError, err, "write recording")
	}
	return path, nil
}

// Next consumes the next recording in ascending index order.
func (s *PromptStore) Next() (*Recording, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mode != ModeReplay {
		return nil, "", gateerr.New(gateerr.CodeSchemaViolation, "prompt store is not in replay mode")
	}

	existing, err := s.indices()
	if err != nil {
		return nil, "", err
	}
	if s.cursor >= len(existing) {
		return nil, "", gateerr.New(gateerr.CodeNotFound, "prompt store exhausted after %d recordings", s.cursor)
	}
	idx := existing[s.cursor]
	s.cursor++

	path := filepath.Join(s.dir, fmt.Sprintf("%04d.json", idx))
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, "", gateerr.Wrap(gateerr.CodeIoError, err, "read recording %s", path)
	}
	var rec Recording
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, "", gateerr.Wrap(gateerr.CodeSchemaViolation, err, "parse recording %s", path)
	}
	return &rec, path, nil
}
