// Package journal provides the durable intent journal: an append-only JSONL
// log that funnels every side effect through a two-phase driver contract with
// at-most-once semantics per idempotency key.
package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/deterministic-agent-lab/tracegate/pkg/gateerr"
)

// Entry states.
const (
	StatusCommitted  = "committed"
	StatusRolledback = "rolledback"
)

// Entry is one persisted journal line.
type Entry struct {
	ID             string         `json:"id"`
	IntentType     string         `json:"intentType"`
	IdempotencyKey string         `json:"idempotencyKey"`
	Payload        map[string]any `json:"payload"`
	Receipt        Receipt        `json:"receipt,omitempty"`
	Timestamp      string         `json:"timestamp"`
	Status         string         `json:"status"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	Error          string         `json:"error,omitempty"`
}

// Journal is an append-only log bound to a single file. All appends for one
// journal serialize through its lock; the driver's external effect happens
// inside the critical section so idempotency stays atomic with respect to
// the effect.
type Journal struct {
	mu      sync.Mutex
	path    string
	file    *os.File
	entries []Entry
	byKey   map[string]int // idempotencyKey -> index of committed entry
	next    uint64
	clock   func() time.Time
	logger  *slog.Logger
}

// Open reads (or creates) the journal file at path, rebuilds in-memory state
// and continues numbering from the last persisted entry.
func Open(path string) (*Journal, error) {
	j := &Journal{
		path:   path,
		byKey:  make(map[string]int),
		next:   1,
		clock:  time.Now,
		logger: slog.Default().With("component", "journal"),
	}

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, gateerr.Wrap(gateerr.CodeJournalIO, err, "read journal %s", path)
	}
	if err == nil {
		if err := j.replay(data); err != nil {
			return nil, err
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, gateerr.Wrap(gateerr.CodeJournalIO, err, "open journal %s", path)
	}
	j.file = f
	return j, nil
}

// replay parses existing journal content with strict newline framing: only
// lines terminated by '\n' are admitted; a trailing partial line is dropped.
func (j *Journal) replay(data []byte) error {
	content := string(data)
	if idx := strings.LastIndexByte(content, '\n'); idx < len(content)-1 {
		if idx < 0 {
			j.logger.Warn("journal has a single unterminated line, ignoring", "path", j.path)
			return nil
		}
		j.logger.Warn("journal has a trailing partial line, ignoring", "path", j.path)
		content = content[:idx+1]
	}
	for n, line := range strings.Split(content, "\n") {
		if line == "" {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			return gateerr.Wrap(gateerr.CodeJournalParse, err, "journal line %d", n+1)
		}
		j.admit(e)
	}
	return nil
}

func (j *Journal) admit(e Entry) {
	j.entries = append(j.entries, e)
	if e.Status == StatusCommitted {
		j.byKey[e.IdempotencyKey] = len(j.entries) - 1
	}
	var id uint64
	if _, err := fmt.Sscanf(e.ID, "%d", &id); err == nil && id >= j.next {
		j.next = id + 1
	}
}

// WithClock overrides the clock for testing.
func (j *Journal) WithClock(clock func() time.Time) *Journal {
	j.clock = clock
	return j
}

// Close releases the underlying file handle.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil
	}
	err := j.file.Close()
	j.file = nil
	return err
}

// Append drives one intent through the two-phase contract and persists the
// outcome. A committed entry with the same idempotency key short-circuits
// and is returned unchanged.
func (j *Journal) Append(ctx context.Context, it Intent, d Driver) (Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if idx, ok := j.byKey[it.IdempotencyKey]; ok {
		return j.entries[idx], nil
	}

	if err := ctx.Err(); err != nil {
		return Entry{}, contextErr(err)
	}

	if p, ok := d.(Planner); ok {
		if err := p.Plan(ctx, it); err != nil {
			return Entry{}, err
		}
	}
	if v, ok := d.(Validator); ok {
		if err := v.Validate(ctx, it); err != nil {
			return Entry{}, err
		}
	}

	prepared, err := d.Prepare(ctx, it)
	if err != nil {
		wrapped := gateerr.Wrap(gateerr.CodePrepareFailed, err, "prepare %s", it.Type)
		if _, perr := j.persist(it, nil, StatusRolledback, wrapped.Error()); perr != nil {
			return Entry{}, perr
		}
		return Entry{}, wrapped
	}

	receipt, err := d.Commit(ctx, it, prepared)
	if err != nil {
		if rbErr := d.Rollback(ctx, it, prepared); rbErr != nil {
			j.logger.Error("rollback after failed commit",
				"intentType", it.Type, "idempotencyKey", it.IdempotencyKey, "error", rbErr)
		}
		wrapped := gateerr.Wrap(gateerr.CodeCommitFailed, err, "commit %s", it.Type)
		if _, perr := j.persist(it, nil, StatusRolledback, wrapped.Error()); perr != nil {
			return Entry{}, perr
		}
		return Entry{}, wrapped
	}

	entry, perr := j.persist(it, receipt, StatusCommitted, "")
	if perr != nil {
		return Entry{}, perr
	}
	return entry, nil
}

// persist appends one entry as a single fsync'd JSON line. Callers hold the
// journal lock.
func (j *Journal) persist(it Intent, receipt Receipt, status, errMsg string) (Entry, error) {
	entry := Entry{
		ID:             fmt.Sprintf("%012d", j.next),
		IntentType:     it.Type,
		IdempotencyKey: it.IdempotencyKey,
		Payload:        it.Payload,
		Receipt:        receipt,
		Timestamp:      j.clock().UTC().Format(time.RFC3339),
		Status:         status,
		Metadata:       it.Metadata,
		Error:          errMsg,
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return Entry{}, gateerr.Wrap(gateerr.CodeJournalIO, err, "marshal journal entry")
	}
	if _, err := j.file.Write(append(line, '\n')); err != nil {
		return Entry{}, gateerr.Wrap(gateerr.CodeJournalIO, err, "append journal entry")
	}
	if err := j.file.Sync(); err != nil {
		return Entry{}, gateerr.Wrap(gateerr.CodeJournalIO, err, "fsync journal")
	}

	j.next++
	j.entries = append(j.entries, entry)
	if status == StatusCommitted {
		j.byKey[it.IdempotencyKey] = len(j.entries) - 1
	}
	return entry, nil
}

// Entries returns a copy of all journal entries in append order.
func (j *Journal) Entries() []Entry {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]Entry, len(j.entries))
	copy(out, j.entries)
	return out
}

// Lookup returns the committed entry for an idempotency key, if any.
func (j *Journal) Lookup(idempotencyKey string) (Entry, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	idx, ok := j.byKey[idempotencyKey]
	if !ok {
		return Entry{}, false
	}
	return j.entries[idx], true
}

func contextErr(err error) error {
	if err == context.DeadlineExceeded {
		return gateerr.Wrap(gateerr.CodeTimedOut, err, "journal append")
	}
	return gateerr.Wrap(gateerr.CodeCancelled, err, "journal append")
}
