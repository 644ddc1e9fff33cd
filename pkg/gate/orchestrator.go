// Package gate implements the promotion state machine over the store,
// journal, drivers, and policy engine: ingest → plan → approve → commit →
// revert. A bundle's status is derived, never stored: committed when
// receipts exist, approved when an approval exists, pending otherwise.
package gate

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/deterministic-agent-lab/tracegate/pkg/bundle"
	"github.com/deterministic-agent-lab/tracegate/pkg/driver"
	"github.com/deterministic-agent-lab/tracegate/pkg/gateerr"
	"github.com/deterministic-agent-lab/tracegate/pkg/intent"
	"github.com/deterministic-agent-lab/tracegate/pkg/journal"
	"github.com/deterministic-agent-lab/tracegate/pkg/policy"
	"github.com/deterministic-agent-lab/tracegate/pkg/store"
)

// Bundle statuses.
const (
	StatusPending   = "pending"
	StatusApproved  = "approved"
	StatusCommitted = "committed"
)

// Previewer is implemented by drivers that can summarize the rollback shape
// of an intent before anything executes.
type Previewer interface {
	Preview(ctx context.Context, it journal.Intent) driver.RollbackPreview
}

// PromptBinder is implemented by drivers that consume a bundle's prompt
// recordings; Commit points them at the bundle being committed.
type PromptBinder interface {
	BindPrompts(dir, mode string) error
}

// Orchestrator owns the bundle lifecycle. Operations on distinct bundles may
// run in parallel; operations on the same bundle serialize through a
// bundle-scoped lock.
type Orchestrator struct {
	store    *store.Store
	journal  *journal.Journal
	drivers  *journal.Registry
	policies policy.Provider
	clock    func() time.Time
	logger   *slog.Logger
	tracer   trace.Tracer

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates an orchestrator over its collaborators.
func New(st *store.Store, jnl *journal.Journal, drivers *journal.Registry, policies policy.Provider) *Orchestrator {
	return &Orchestrator{
		store:    st,
		journal:  jnl,
		drivers:  drivers,
		policies: policies,
		clock:    time.Now,
		logger:   slog.Default().With("component", "gate"),
		tracer:   otel.Tracer("tracegate/gate"),
		locks:    make(map[string]*sync.Mutex),
	}
}

// WithClock overrides the clock for testing.
func (o *Orchestrator) WithClock(clock func() time.Time) *Orchestrator {
	o.clock = clock
	return o
}

func (o *Orchestrator) bundleLock(id string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	l, ok := o.locks[id]
	if !ok {
		l = &sync.Mutex{}
		o.locks[id] = l
	}
	return l
}

// Ingest accepts raw bundle bytes, validates them, assigns an opaque ID and
// persists the blob. Invalid bundles — including duplicate intent IDs — are
// rejected without state change.
func (o *Orchestrator) Ingest(ctx context.Context, blob []byte) (string, error) {
	ctx, span := o.tracer.Start(ctx, "gate.ingest")
	defer span.End()

	workDir, cleanup, err := o.extractToTemp(blob)
	if err != nil {
		return "", err
	}
	defer cleanup()

	b, err := bundle.Open(workDir)
	if err != nil {
		return "", err
	}
	if _, err := planRecords(b); err != nil {
		return "", err
	}

	id := uuid.NewString()
	if _, err := o.store.PersistBundle(ctx, id, blob, map[string]any{
		"description": b.Manifest.Description,
	}); err != nil {
		return "", err
	}
	o.logger.Info("bundle ingested", "bundleId", id)
	return id, nil
}

// BundleSummary is one row of the bundle listing.
type BundleSummary struct {
	ID        string          `json:"id"`
	CreatedAt time.Time       `json:"createdAt"`
	Status    string          `json:"status"`
	Approval  *store.Approval `json:"approval,omitempty"`
}

// List returns all ingested bundles with derived status.
func (o *Orchestrator) List(ctx context.Context) ([]BundleSummary, error) {
	records, err := o.store.ListBundles(ctx)
	if err != nil {
		return nil, err
	}
	summaries := make([]BundleSummary, 0, len(records))
	for _, record := range records {
		status, approval, err := o.status(ctx, record.ID)
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, BundleSummary{
			ID:        record.ID,
			CreatedAt: record.CreatedAt,
			Status:    status,
			Approval:  approval,
		})
	}
	return summaries, nil
}

// Status derives the lifecycle state of one bundle.
func (o *Orchestrator) Status(ctx context.Context, id string) (string, error) {
	if _, err := o.store.GetBundle(ctx, id); err != nil {
		return "", err
	}
	status, _, err := o.status(ctx, id)
	return status, err
}

func (o *Orchestrator) status(ctx context.Context, id string) (string, *store.Approval, error) {
	has, err := o.store.HasReceipts(ctx, id)
	if err != nil {
		return "", nil, err
	}
	approval, err := o.store.GetApproval(ctx, id)
	if err != nil {
		return "", nil, err
	}
	switch {
	case has:
		return StatusCommitted, approval, nil
	case approval != nil:
		return StatusApproved, approval, nil
	default:
		return StatusPending, approval, nil
	}
}

// PlannedIntent is one intent as surfaced by Plan.
type PlannedIntent struct {
	Index    int                     `json:"index"`
	ID       string                  `json:"id"`
	Type     string                  `json:"type"`
	Labels   []string                `json:"labels,omitempty"`
	Rollback *driver.RollbackPreview `json:"rollback,omitempty"`
}

// PlanResult is the full output of Plan.
type PlanResult struct {
	BundleID    string            `json:"bundleId"`
	Status      string            `json:"status"`
	Description string            `json:"description,omitempty"`
	Intents     []PlannedIntent   `json:"intents"`
	Policy      policy.Evaluation `json:"policy"`
	Approval    *store.Approval   `json:"approval,omitempty"`
}

// Plan opens the bundle in a scratch directory, attaches intent IDs and
// default labels, and evaluates policy at the plan stage. No state changes.
func (o *Orchestrator) Plan(ctx context.Context, id string) (*PlanResult, error) {
	ctx, span := o.tracer.Start(ctx, "gate.plan", trace.WithAttributes(attribute.String("bundle.id", id)))
	defer span.End()

	b, cleanup, err := o.openStored(ctx, id)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	records, err := planRecords(b)
	if err != nil {
		return nil, err
	}
	network, err := networkEntries(b)
	if err != nil {
		return nil, err
	}

	cfg, err := o.policies.Current()
	if err != nil {
		return nil, err
	}
	eval := cfg.Evaluate(policy.Context{Stage: policy.StagePlan, Now: o.clock()}, records, network)

	status, approval, err := o.status(ctx, id)
	if err != nil {
		return nil, err
	}

	planned := make([]PlannedIntent, 0, len(records))
	for i := range records {
		p := PlannedIntent{
			Index:  records[i].Index,
			ID:     records[i].ID,
			Type:   records[i].Type,
			Labels: records[i].Labels(),
		}
		if preview := o.rollbackPreview(ctx, &records[i]); preview != nil {
			p.Rollback = preview
		}
		planned = append(planned, p)
	}

	return &PlanResult{
		BundleID:    id,
		Status:      status,
		Description: b.Manifest.Description,
		Intents:     planned,
		Policy:      eval,
		Approval:    approval,
	}, nil
}

func (o *Orchestrator) rollbackPreview(ctx context.Context, rec *intent.Record) *driver.RollbackPreview {
	d, err := o.drivers.Resolve(rec.Type)
	if err != nil {
		return nil
	}
	previewer, ok := d.(Previewer)
	if !ok {
		return nil
	}
	preview := previewer.Preview(ctx, journal.Intent{
		Type:     rec.Type,
		Payload:  rec.Payload,
		Metadata: rec.Metadata,
	})
	return &preview
}

// Approve upserts an approval stamped with the current policy version.
// Approving an already-approved bundle replaces the prior approval.
func (o *Orchestrator) Approve(ctx context.Context, id, actor string) (*store.Approval, error) {
	if actor == "" {
		return nil, gateerr.New(gateerr.CodeSchemaViolation, "approval needs an actor")
	}
	if _, err := o.store.GetBundle(ctx, id); err != nil {
		return nil, err
	}
	cfg, err := o.policies.Current()
	if err != nil {
		return nil, err
	}
	approval := store.Approval{
		BundleID:      id,
		Actor:         actor,
		PolicyVersion: cfg.Version,
		ApprovedAt:    o.clock().UTC(),
	}
	if err := o.store.RecordApproval(ctx, approval); err != nil {
		return nil, err
	}
	o.logger.Info("bundle approved", "bundleId", id, "actor", actor, "policyVersion", cfg.Version)
	return &approval, nil
}

// CommitReceipt pairs an intent ID with the receipt its driver returned.
type CommitReceipt struct {
	IntentID string          `json:"intentId"`
	Receipt  journal.Receipt `json:"receipt"`
}

// Commit re-evaluates policy at the commit stage and, when allowed, drives
// every intent through the journal in bundle order. The first failure aborts
// the run; receipts already persisted stay.
func (o *Orchestrator) Commit(ctx context.Context, id string) ([]CommitReceipt, error) {
	lock := o.bundleLock(id)
	lock.Lock()
	defer lock.Unlock()

	ctx, span := o.tracer.Start(ctx, "gate.commit", trace.WithAttributes(attribute.String("bundle.id", id)))
	defer span.End()

	b, cleanup, err := o.openStored(ctx, id)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	status, approval, err := o.status(ctx, id)
	if err != nil {
		return nil, err
	}
	if status == StatusCommitted {
		return nil, gateerr.New(gateerr.CodeSchemaViolation, "bundle %s is already committed", id)
	}

	records, err := planRecords(b)
	if err != nil {
		return nil, err
	}
	network, err := networkEntries(b)
	if err != nil {
		return nil, err
	}

	cfg, err := o.policies.Current()
	if err != nil {
		return nil, err
	}
	eval := cfg.Evaluate(policy.Context{Stage: policy.StageCommit, Now: o.clock()}, records, network)
	if !eval.Bundle.Allowed {
		return nil, gateerr.New(gateerr.CodePolicyDenied, "policy denied commit of %s", id).
			WithReasons(eval.Bundle.Reasons)
	}
	if eval.Bundle.RequiresApproval {
		if approval == nil {
			return nil, gateerr.New(gateerr.CodeApprovalRequired, "bundle %s requires approval", id)
		}
		if approval.PolicyVersion != cfg.Version {
			return nil, gateerr.New(gateerr.CodeApprovalRequired,
				"approval of %s is stale: policy moved from %s to %s", id, approval.PolicyVersion, cfg.Version)
		}
	}

	if err := o.bindPrompts(b, records); err != nil {
		return nil, err
	}

	receipts := make([]CommitReceipt, 0, len(records))
	for i := range records {
		if err := ctx.Err(); err != nil {
			return receipts, gateerr.Wrap(gateerr.CodeCancelled, err, "commit of %s interrupted", id)
		}
		rec := &records[i]
		d, err := o.drivers.Resolve(rec.Type)
		if err != nil {
			return receipts, err
		}
		entry, err := o.journal.Append(ctx, journal.Intent{
			Type:           rec.Type,
			IdempotencyKey: fmt.Sprintf("%s:%s", id, rec.ID),
			Payload:        rec.Payload,
			Metadata:       rec.Metadata,
		}, d)
		if err != nil {
			o.logger.Error("intent commit failed", "bundleId", id, "intentId", rec.ID, "error", err)
			return receipts, err
		}
		if err := o.store.SaveReceipt(ctx, store.ReceiptRecord{
			BundleID:   id,
			IntentID:   rec.ID,
			IntentType: rec.Type,
			Receipt:    entry.Receipt,
			RecordedAt: o.clock().UTC(),
		}); err != nil {
			return receipts, err
		}
		receipts = append(receipts, CommitReceipt{IntentID: rec.ID, Receipt: entry.Receipt})
	}
	o.logger.Info("bundle committed", "bundleId", id, "receipts", len(receipts))
	return receipts, nil
}

// RevertOutcome reports the result of compensating one intent.
type RevertOutcome struct {
	IntentID string `json:"intentId"`
	Status   string `json:"status"` // "rolledback", "non_reversible", "failed"
	Error    string `json:"error,omitempty"`
}

// Revert compensates every saved receipt in ascending intent-ID order,
// best-effort: individual failures are reported, not fatal. Receipts are
// kept — they are history — and the bundle stays committed.
func (o *Orchestrator) Revert(ctx context.Context, id string) ([]RevertOutcome, error) {
	lock := o.bundleLock(id)
	lock.Lock()
	defer lock.Unlock()

	ctx, span := o.tracer.Start(ctx, "gate.revert", trace.WithAttributes(attribute.String("bundle.id", id)))
	defer span.End()

	if _, err := o.store.GetBundle(ctx, id); err != nil {
		return nil, err
	}
	receipts, err := o.store.ListReceipts(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(receipts) == 0 {
		return nil, gateerr.New(gateerr.CodeSchemaViolation, "bundle %s has no receipts to revert", id)
	}

	b, cleanup, err := o.openStored(ctx, id)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	records, err := planRecords(b)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*intent.Record, len(records))
	for i := range records {
		byID[records[i].ID] = &records[i]
	}

	outcomes := make([]RevertOutcome, 0, len(receipts))
	for _, receipt := range receipts {
		outcome := RevertOutcome{IntentID: receipt.IntentID, Status: "rolledback"}
		rec, ok := byID[receipt.IntentID]
		if !ok {
			outcome.Status = "failed"
			outcome.Error = "intent not found in bundle"
			outcomes = append(outcomes, outcome)
			continue
		}
		if err := o.rollbackOne(ctx, id, rec, receipt); err != nil {
			if gateerr.CodeOf(err) == gateerr.CodeNonReversible {
				outcome.Status = "non_reversible"
				o.logger.Warn("intent is non-reversible", "bundleId", id, "intentId", receipt.IntentID)
			} else {
				outcome.Status = "failed"
				o.logger.Error("intent rollback failed", "bundleId", id, "intentId", receipt.IntentID, "error", err)
			}
			outcome.Error = err.Error()
		}
		outcomes = append(outcomes, outcome)
	}
	return outcomes, nil
}

// bindPrompts rebinds prompt-consuming drivers to this bundle's recordings.
func (o *Orchestrator) bindPrompts(b *bundle.Bundle, records []intent.Record) error {
	bound := map[string]bool{}
	for i := range records {
		if bound[records[i].Type] {
			continue
		}
		d, err := o.drivers.Resolve(records[i].Type)
		if err != nil {
			continue // surfaced later by the commit loop
		}
		if binder, ok := d.(PromptBinder); ok {
			if err := binder.BindPrompts(b.PromptsDir(), driver.ModeReplay); err != nil {
				return err
			}
		}
		bound[records[i].Type] = true
	}
	return nil
}

func (o *Orchestrator) rollbackOne(ctx context.Context, bundleID string, rec *intent.Record, receipt store.ReceiptRecord) error {
	d, err := o.drivers.Resolve(rec.Type)
	if err != nil {
		return err
	}
	rollbacker, ok := d.(journal.ReceiptRollbacker)
	if !ok {
		return gateerr.New(gateerr.CodeNonReversible, "driver for %s cannot roll back from a receipt", rec.Type)
	}
	return rollbacker.RollbackReceipt(ctx, journal.Intent{
		Type:           rec.Type,
		IdempotencyKey: fmt.Sprintf("%s:%s", bundleID, rec.ID),
		Payload:        rec.Payload,
		Metadata:       rec.Metadata,
	}, journal.Receipt(receipt.Receipt))
}

// openStored extracts a stored bundle into a scratch directory and opens it.
func (o *Orchestrator) openStored(ctx context.Context, id string) (*bundle.Bundle, func(), error) {
	blob, err := o.store.ReadBundleBlob(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	workDir, cleanup, err := o.extractToTemp(blob)
	if err != nil {
		return nil, nil, err
	}
	b, err := bundle.Open(workDir)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return b, cleanup, nil
}

func (o *Orchestrator) extractToTemp(blob []byte) (string, func(), error) {
	workDir, err := os.MkdirTemp("", "tracegate-bundle-*")
	if err != nil {
		return "", nil, gateerr.Wrap(gateerr.CodeIoError, err, "create scratch dir")
	}
	cleanup := func() { _ = os.RemoveAll(workDir) }
	if err := bundle.ExtractBytes(blob, workDir); err != nil {
		cleanup()
		return "", nil, err
	}
	return workDir, cleanup, nil
}

// planRecords parses intents, attaches stable IDs and applies default labels.
func planRecords(b *bundle.Bundle) ([]intent.Record, error) {
	raw, err := b.ReadIntents()
	if err != nil {
		return nil, err
	}
	records, err := intent.Parse(raw)
	if err != nil {
		return nil, err
	}
	if err := intent.AttachIDs(records); err != nil {
		return nil, err
	}
	intent.ApplyDefaultLabels(records)
	return records, nil
}

func networkEntries(b *bundle.Bundle) ([]policy.NetworkEntry, error) {
	har, err := b.NetworkEntries()
	if err != nil {
		return nil, err
	}
	entries := make([]policy.NetworkEntry, 0, len(har))
	for _, e := range har {
		entries = append(entries, policy.NetworkEntry{Method: e.Method, URL: e.URL})
	}
	return entries, nil
}
