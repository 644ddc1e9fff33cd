package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/deterministic-agent-lab/tracegate/pkg/gateerr"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	fixed := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	return s.WithClock(func() time.Time { return fixed })
}

func TestPersistBundle_RoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	record, err := s.PersistBundle(ctx, "b1", []byte("blob-bytes"), map[string]any{"source": "test"})
	require.NoError(t, err)
	require.Equal(t, "b1", record.ID)

	got, err := s.GetBundle(ctx, "b1")
	require.NoError(t, err)
	require.Equal(t, record.Path, got.Path)
	require.Equal(t, map[string]any{"source": "test"}, got.Metadata)

	blob, err := s.ReadBundleBlob(ctx, "b1")
	require.NoError(t, err)
	require.Equal(t, []byte("blob-bytes"), blob)
}

func TestGetBundle_NotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetBundle(context.Background(), "missing")
	require.Equal(t, gateerr.CodeNotFound, gateerr.CodeOf(err))
}

func TestPersistBundle_DuplicateIDRejected(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	_, err := s.PersistBundle(ctx, "b1", []byte("x"), nil)
	require.NoError(t, err)
	_, err = s.PersistBundle(ctx, "b1", []byte("y"), nil)
	require.Error(t, err)
}

func TestListBundles_Ordered(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	for _, id := range []string{"b1", "b2", "b3"} {
		_, err := s.PersistBundle(ctx, id, []byte(id), nil)
		require.NoError(t, err)
	}
	records, err := s.ListBundles(ctx)
	require.NoError(t, err)
	require.Len(t, records, 3)
	require.Equal(t, "b1", records[0].ID)
	require.Equal(t, "b3", records[2].ID)
}

func TestRecordApproval_Upsert(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)

	require.NoError(t, s.RecordApproval(ctx, Approval{BundleID: "b1", Actor: "alice", PolicyVersion: "v1", ApprovedAt: at}))
	require.NoError(t, s.RecordApproval(ctx, Approval{BundleID: "b1", Actor: "bob", PolicyVersion: "v2", ApprovedAt: at.Add(time.Hour)}))

	a, err := s.GetApproval(ctx, "b1")
	require.NoError(t, err)
	require.Equal(t, "bob", a.Actor)
	require.Equal(t, "v2", a.PolicyVersion)
}

func TestGetApproval_NoneIsNil(t *testing.T) {
	s := openTestStore(t)
	a, err := s.GetApproval(context.Background(), "b1")
	require.NoError(t, err)
	require.Nil(t, a)
}

func TestSaveReceipt_UpsertAndSortedList(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for _, intentID := range []string{"intent-2", "intent-1"} {
		require.NoError(t, s.SaveReceipt(ctx, ReceiptRecord{
			BundleID:   "b1",
			IntentID:   intentID,
			IntentType: "test.mock",
			Receipt:    map[string]any{"receipt": "applied"},
			RecordedAt: at,
		}))
	}
	// Last writer wins on the same key.
	require.NoError(t, s.SaveReceipt(ctx, ReceiptRecord{
		BundleID:   "b1",
		IntentID:   "intent-1",
		IntentType: "test.mock",
		Receipt:    map[string]any{"receipt": "replaced"},
		RecordedAt: at.Add(time.Minute),
	}))

	records, err := s.ListReceipts(ctx, "b1")
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, "intent-1", records[0].IntentID)
	require.Equal(t, map[string]any{"receipt": "replaced"}, records[0].Receipt)
	require.Equal(t, "intent-2", records[1].IntentID)
}

func TestHasReceipts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	has, err := s.HasReceipts(ctx, "b1")
	require.NoError(t, err)
	require.False(t, has)

	require.NoError(t, s.SaveReceipt(ctx, ReceiptRecord{
		BundleID: "b1", IntentID: "i1", IntentType: "t", Receipt: map[string]any{}, RecordedAt: time.Now(),
	}))
	has, err = s.HasReceipts(ctx, "b1")
	require.NoError(t, err)
	require.True(t, has)
}

func TestStore_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	s1, err := Open(dir)
	require.NoError(t, err)
	ctx := context.Background()
	_, err = s1.PersistBundle(ctx, "b1", []byte("x"), nil)
	require.NoError(t, err)
	require.NoError(t, s1.SaveReceipt(ctx, ReceiptRecord{
		BundleID: "b1", IntentID: "i1", IntentType: "t", Receipt: map[string]any{"k": "v"}, RecordedAt: time.Now(),
	}))
	require.NoError(t, s1.Close())

	s2, err := Open(dir)
	require.NoError(t, err)
	defer func() { _ = s2.Close() }()

	records, err := s2.ListReceipts(ctx, "b1")
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, map[string]any{"k": "v"}, records[0].Receipt)
}
