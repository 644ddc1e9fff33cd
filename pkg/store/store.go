// Package store persists the gate's durable state: bundle blobs on disk,
// plus bundle metadata, approvals, and receipts in a local SQLite database.
// Writes go through transactions so a crash leaves either a fully written
// record or none.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/deterministic-agent-lab/tracegate/pkg/gateerr"
)

// BundleRecord is the stored metadata of one ingested bundle.
type BundleRecord struct {
	ID        string         `json:"id"`
	Path      string         `json:"path"`
	CreatedAt time.Time      `json:"createdAt"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Approval marks a bundle approved under a specific policy version.
type Approval struct {
	BundleID      string    `json:"bundleId"`
	Actor         string    `json:"actor"`
	PolicyVersion string    `json:"policyVersion"`
	ApprovedAt    time.Time `json:"approvedAt"`
}

// ReceiptRecord is the persisted evidence of one committed intent.
type ReceiptRecord struct {
	BundleID   string         `json:"bundleId"`
	IntentID   string         `json:"intentId"`
	IntentType string         `json:"intentType"`
	Receipt    map[string]any `json:"receipt"`
	RecordedAt time.Time      `json:"recordedAt"`
}

// Store is the SQLite-backed gate store rooted at a data directory.
type Store struct {
	db        *sql.DB
	bundleDir string
	clock     func() time.Time
}

// Open creates (or reopens) the store under dataDir: gate.db plus a
// bundles/ blob directory.
func Open(dataDir string) (*Store, error) {
	bundleDir := filepath.Join(dataDir, "bundles")
	if err := os.MkdirAll(bundleDir, 0o755); err != nil {
		return nil, gateerr.Wrap(gateerr.CodeIoError, err, "create bundle dir")
	}

	db, err := sql.Open("sqlite", filepath.Join(dataDir, "gate.db"))
	if err != nil {
		return nil, gateerr.Wrap(gateerr.CodeIoError, err, "open gate.db")
	}
	// Single-writer discipline; WAL keeps readers unblocked during commits.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, bundleDir: bundleDir, clock: time.Now}
	if err := s.init(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewWithDB wraps an existing database handle; used by tests.
func NewWithDB(db *sql.DB, bundleDir string) *Store {
	return &Store{db: db, bundleDir: bundleDir, clock: time.Now}
}

// WithClock overrides the clock for testing.
func (s *Store) WithClock(clock func() time.Time) *Store {
	s.clock = clock
	return s
}

func (s *Store) init(ctx context.Context) error {
	pragmas := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA busy_timeout=5000;`,
		`PRAGMA foreign_keys=ON;`,
	}
	for _, pragma := range pragmas {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return gateerr.Wrap(gateerr.CodeIoError, err, "apply pragma")
		}
	}

	schema := `
	CREATE TABLE IF NOT EXISTS bundles (
		id TEXT PRIMARY KEY,
		path TEXT NOT NULL,
		created_at TEXT NOT NULL,
		metadata_json TEXT
	);
	CREATE TABLE IF NOT EXISTS approvals (
		bundle_id TEXT PRIMARY KEY,
		actor TEXT NOT NULL,
		policy_version TEXT NOT NULL,
		approved_at TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS receipts (
		bundle_id TEXT NOT NULL,
		intent_id TEXT NOT NULL,
		intent_type TEXT NOT NULL,
		receipt_json TEXT NOT NULL,
		recorded_at TEXT NOT NULL,
		PRIMARY KEY (bundle_id, intent_id)
	);`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return gateerr.Wrap(gateerr.CodeIoError, err, "migrate gate.db")
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// PersistBundle writes the bundle blob to bundles/<id>.tgz and records its
// metadata. The row and the blob commit together or not at all.
func (s *Store) PersistBundle(ctx context.Context, id string, blob []byte, metadata map[string]any) (*BundleRecord, error) {
	path := filepath.Join(s.bundleDir, id+".tgz")
	if _, err := os.Stat(path); err == nil {
		return nil, gateerr.New(gateerr.CodeIoError, "bundle %s already persisted", id)
	}
	if err := os.WriteFile(path, blob, 0o644); err != nil {
		return nil, gateerr.Wrap(gateerr.CodeIoError, err, "write bundle blob")
	}

	record := &BundleRecord{
		ID:        id,
		Path:      path,
		CreatedAt: s.clock().UTC(),
		Metadata:  metadata,
	}
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return nil, gateerr.Wrap(gateerr.CodeIoError, err, "marshal bundle metadata")
	}

	err = s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO bundles (id, path, created_at, metadata_json) VALUES (?, ?, ?, ?)`,
			record.ID, record.Path, record.CreatedAt.Format(time.RFC3339Nano), string(metaJSON),
		)
		return err
	})
	if err != nil {
		_ = os.Remove(path)
		return nil, gateerr.Wrap(gateerr.CodeIoError, err, "insert bundle %s", id)
	}
	return record, nil
}

// GetBundle returns the metadata of one bundle.
func (s *Store) GetBundle(ctx context.Context, id string) (*BundleRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, path, created_at, metadata_json FROM bundles WHERE id = ?`, id)
	record, err := scanBundle(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, gateerr.New(gateerr.CodeNotFound, "bundle %s not found", id)
		}
		return nil, gateerr.Wrap(gateerr.CodeIoError, err, "query bundle %s", id)
	}
	return record, nil
}

// ReadBundleBlob returns the raw archive bytes of one bundle.
func (s *Store) ReadBundleBlob(ctx context.Context, id string) ([]byte, error) {
	record, err := s.GetBundle(ctx, id)
	if err != nil {
		return nil, err
	}
	blob, err := os.ReadFile(record.Path)
	if err != nil {
		return nil, gateerr.Wrap(gateerr.CodeIoError, err, "read bundle blob %s", id)
	}
	return blob, nil
}

// ListBundles returns all bundles, oldest first.
func (s *Store) ListBundles(ctx context.Context) ([]BundleRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, path, created_at, metadata_json FROM bundles ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, gateerr.Wrap(gateerr.CodeIoError, err, "list bundles")
	}
	defer func() { _ = rows.Close() }()

	var records []BundleRecord
	for rows.Next() {
		record, err := scanBundle(rows.Scan)
		if err != nil {
			return nil, gateerr.Wrap(gateerr.CodeIoError, err, "scan bundle row")
		}
		records = append(records, *record)
	}
	if err := rows.Err(); err != nil {
		return nil, gateerr.Wrap(gateerr.CodeIoError, err, "iterate bundles")
	}
	return records, nil
}

// RecordApproval upserts the approval for a bundle; a re-approval replaces
// any prior one.
func (s *Store) RecordApproval(ctx context.Context, approval Approval) error {
	return s.inTxWrapped(ctx, "record approval", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO approvals (bundle_id, actor, policy_version, approved_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(bundle_id) DO UPDATE SET
				actor = excluded.actor,
				policy_version = excluded.policy_version,
				approved_at = excluded.approved_at`,
			approval.BundleID, approval.Actor, approval.PolicyVersion,
			approval.ApprovedAt.UTC().Format(time.RFC3339Nano),
		)
		return err
	})
}

// GetApproval returns the approval for a bundle, or nil when none exists.
func (s *Store) GetApproval(ctx context.Context, bundleID string) (*Approval, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT bundle_id, actor, policy_version, approved_at FROM approvals WHERE bundle_id = ?`, bundleID)
	var a Approval
	var approvedAt string
	if err := row.Scan(&a.BundleID, &a.Actor, &a.PolicyVersion, &approvedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, gateerr.Wrap(gateerr.CodeIoError, err, "query approval %s", bundleID)
	}
	a.ApprovedAt = parseTime(approvedAt)
	return &a, nil
}

// SaveReceipt upserts the receipt for (bundleID, intentID); last writer wins.
func (s *Store) SaveReceipt(ctx context.Context, record ReceiptRecord) error {
	receiptJSON, err := json.Marshal(record.Receipt)
	if err != nil {
		return gateerr.Wrap(gateerr.CodeIoError, err, "marshal receipt")
	}
	return s.inTxWrapped(ctx, "save receipt", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO receipts (bundle_id, intent_id, intent_type, receipt_json, recorded_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(bundle_id, intent_id) DO UPDATE SET
				intent_type = excluded.intent_type,
				receipt_json = excluded.receipt_json,
				recorded_at = excluded.recorded_at`,
			record.BundleID, record.IntentID, record.IntentType,
			string(receiptJSON), record.RecordedAt.UTC().Format(time.RFC3339Nano),
		)
		return err
	})
}

// ListReceipts returns a bundle's receipts sorted by intent ID.
func (s *Store) ListReceipts(ctx context.Context, bundleID string) ([]ReceiptRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT bundle_id, intent_id, intent_type, receipt_json, recorded_at
		FROM receipts WHERE bundle_id = ? ORDER BY intent_id ASC`, bundleID)
	if err != nil {
		return nil, gateerr.Wrap(gateerr.CodeIoError, err, "list receipts %s", bundleID)
	}
	defer func() { _ = rows.Close() }()

	var records []ReceiptRecord
	for rows.Next() {
		var r ReceiptRecord
		var receiptJSON, recordedAt string
		if err := rows.Scan(&r.BundleID, &r.IntentID, &r.IntentType, &receiptJSON, &recordedAt); err != nil {
			return nil, gateerr.Wrap(gateerr.CodeIoError, err, "scan receipt row")
		}
		if receiptJSON != "" {
			_ = json.Unmarshal([]byte(receiptJSON), &r.Receipt)
		}
		r.RecordedAt = parseTime(recordedAt)
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, gateerr.Wrap(gateerr.CodeIoError, err, "iterate receipts")
	}
	return records, nil
}

// HasReceipts reports whether any receipt exists for a bundle.
func (s *Store) HasReceipts(ctx context.Context, bundleID string) (bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM receipts WHERE bundle_id = ?`, bundleID)
	var n int
	if err := row.Scan(&n); err != nil {
		return false, gateerr.Wrap(gateerr.CodeIoError, err, "count receipts %s", bundleID)
	}
	return n > 0, nil
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *Store) inTxWrapped(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	if err := s.inTx(ctx, fn); err != nil {
		return gateerr.Wrap(gateerr.CodeIoError, err, "%s", op)
	}
	return nil
}

func scanBundle(scan func(dest ...any) error) (*BundleRecord, error) {
	var record BundleRecord
	var createdAt string
	var metaJSON sql.NullString
	if err := scan(&record.ID, &record.Path, &createdAt, &metaJSON); err != nil {
		return nil, err
	}
	record.CreatedAt = parseTime(createdAt)
	if metaJSON.Valid && metaJSON.String != "" && metaJSON.String != "null" {
		_ = json.Unmarshal([]byte(metaJSON.String), &record.Metadata)
	}
	return &record, nil
}

func parseTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Time{}
}
