package journal

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/deterministic-agent-lab/tracegate/pkg/gateerr"
)

// fakeDriver scripts each phase for contract tests.
type fakeDriver struct {
	planErr     error
	validateErr error
	prepareErr  error
	commitErr   error
	rollbackErr error

	prepared    any
	commits     int
	rollbacks   int
	planCalls   int
	validations int
}

func (f *fakeDriver) Plan(ctx context.Context, it Intent) error {
	f.planCalls++
	return f.planErr
}

func (f *fakeDriver) Validate(ctx context.Context, it Intent) error {
	f.validations++
	return f.validateErr
}

func (f *fakeDriver) Prepare(ctx context.Context, it Intent) (Prepared, error) {
	if f.prepareErr != nil {
		return nil, f.prepareErr
	}
	f.prepared = map[string]any{"captured": true}
	return f.prepared, nil
}

func (f *fakeDriver) Commit(ctx context.Context, it Intent, prepared Prepared) (Receipt, error) {
	if f.commitErr != nil {
		return nil, f.commitErr
	}
	f.commits++
	return Receipt{"receipt": "applied"}, nil
}

func (f *fakeDriver) Rollback(ctx context.Context, it Intent, prepared Prepared) error {
	f.rollbacks++
	return f.rollbackErr
}

func testIntent(key string) Intent {
	return Intent{
		Type:           "test.mock",
		IdempotencyKey: key,
		Payload:        map[string]any{"action": "send"},
	}
}

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "journal.jsonl"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	fixed := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	return j.WithClock(func() time.Time { return fixed })
}

func TestAppend_CommitPersistsEntry(t *testing.T) {
	j := openTestJournal(t)
	d := &fakeDriver{}

	entry, err := j.Append(context.Background(), testIntent("k1"), d)
	require.NoError(t, err)
	require.Equal(t, "000000000001", entry.ID)
	require.Equal(t, StatusCommitted, entry.Status)
	require.Equal(t, Receipt{"receipt": "applied"}, entry.Receipt)
	require.Equal(t, "2026-03-01T10:00:00Z", entry.Timestamp)
	require.Equal(t, 1, d.planCalls)
	require.Equal(t, 1, d.validations)
}

func TestAppend_IdempotentSecondCall(t *testing.T) {
	j := openTestJournal(t)
	d := &fakeDriver{}

	first, err := j.Append(context.Background(), testIntent("k1"), d)
	require.NoError(t, err)
	second, err := j.Append(context.Background(), testIntent("k1"), d)
	require.NoError(t, err)

	require.Equal(t, first, second)
	require.Equal(t, 1, d.commits)

	committed := 0
	for _, e := range j.Entries() {
		if e.Status == StatusCommitted && e.IdempotencyKey == "k1" {
			committed++
		}
	}
	require.Equal(t, 1, committed)
}

func TestAppend_PlanFailureNotPersisted(t *testing.T) {
	j := openTestJournal(t)
	d := &fakeDriver{planErr: errors.New("plan refused")}

	_, err := j.Append(context.Background(), testIntent("k1"), d)
	require.Error(t, err)
	require.Empty(t, j.Entries())
}

func TestAppend_ValidateFailureNotPersisted(t *testing.T) {
	j := openTestJournal(t)
	d := &fakeDriver{validateErr: errors.New("bad payload")}

	_, err := j.Append(context.Background(), testIntent("k1"), d)
	require.Error(t, err)
	require.Empty(t, j.Entries())
}

func TestAppend_PrepareFailureRecordsRolledback(t *testing.T) {
	j := openTestJournal(t)
	d := &fakeDriver{prepareErr: errors.New("disk full")}

	_, err := j.Append(context.Background(), testIntent("k1"), d)
	require.Equal(t, gateerr.CodePrepareFailed, gateerr.CodeOf(err))

	entries := j.Entries()
	require.Len(t, entries, 1)
	require.Equal(t, StatusRolledback, entries[0].Status)
	require.Contains(t, entries[0].Error, "disk full")
}

func TestAppend_CommitFailureRollsBackAndRecords(t *testing.T) {
	j := openTestJournal(t)
	d := &fakeDriver{commitErr: errors.New("remote 500")}

	_, err := j.Append(context.Background(), testIntent("k1"), d)
	require.Equal(t, gateerr.CodeCommitFailed, gateerr.CodeOf(err))
	require.Equal(t, 1, d.rollbacks)

	entries := j.Entries()
	require.Len(t, entries, 1)
	require.Equal(t, StatusRolledback, entries[0].Status)

	// The key is not consumed; a retry may commit.
	d2 := &fakeDriver{}
	entry, err := j.Append(context.Background(), testIntent("k1"), d2)
	require.NoError(t, err)
	require.Equal(t, StatusCommitted, entry.Status)
	require.Equal(t, "000000000002", entry.ID)
}

func TestAppend_RollbackFailureDoesNotMaskCommitError(t *testing.T) {
	j := openTestJournal(t)
	d := &fakeDriver{commitErr: errors.New("remote 500"), rollbackErr: errors.New("rollback broke too")}

	_, err := j.Append(context.Background(), testIntent("k1"), d)
	require.Equal(t, gateerr.CodeCommitFailed, gateerr.CodeOf(err))
	require.Contains(t, err.Error(), "remote 500")
}

func TestOpen_RestartContinuesNumbering(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "journal.jsonl")

	j1, err := Open(path)
	require.NoError(t, err)
	_, err = j1.Append(context.Background(), testIntent("k1"), &fakeDriver{})
	require.NoError(t, err)
	_, err = j1.Append(context.Background(), testIntent("k2"), &fakeDriver{})
	require.NoError(t, err)
	require.NoError(t, j1.Close())

	j2, err := Open(path)
	require.NoError(t, err)
	defer func() { _ = j2.Close() }()

	// Idempotency index survives the restart.
	entry, ok := j2.Lookup("k1")
	require.True(t, ok)
	require.Equal(t, "000000000001", entry.ID)

	third, err := j2.Append(context.Background(), testIntent("k3"), &fakeDriver{})
	require.NoError(t, err)
	require.Equal(t, "000000000003", third.ID)
}

func TestOpen_DropsTrailingPartialLine(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "journal.jsonl")
	full := `{"id":"000000000001","intentType":"test.mock","idempotencyKey":"k1","payload":{},"timestamp":"2026-03-01T10:00:00Z","status":"committed"}` + "\n"
	partial := `{"id":"000000000002","intentType":"test.mock",`
	require.NoError(t, os.WriteFile(path, []byte(full+partial), 0o600))

	j, err := Open(path)
	require.NoError(t, err)
	defer func() { _ = j.Close() }()

	require.Len(t, j.Entries(), 1)
	next, err := j.Append(context.Background(), testIntent("k9"), &fakeDriver{})
	require.NoError(t, err)
	require.Equal(t, "000000000002", next.ID)
}

func TestOpen_MalformedCompleteLineFails(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "journal.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("{broken json}\n"), 0o600))

	_, err := Open(path)
	require.Equal(t, gateerr.CodeJournalParse, gateerr.CodeOf(err))
}

func TestAppend_CancelledContext(t *testing.T) {
	j := openTestJournal(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := j.Append(ctx, testIntent("k1"), &fakeDriver{})
	require.Equal(t, gateerr.CodeCancelled, gateerr.CodeOf(err))
	require.Empty(t, j.Entries())
}

func TestRegistry_ResolveUnknown(t *testing.T) {
	r := NewRegistry()
	_, err := r.Resolve("nope")
	require.Equal(t, gateerr.CodeDriverUnregistered, gateerr.CodeOf(err))

	r.Register("test.mock", &fakeDriver{})
	d, err := r.Resolve("test.mock")
	require.NoError(t, err)
	require.NotNil(t, d)
}
