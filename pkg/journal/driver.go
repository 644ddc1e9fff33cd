package journal

import (
	"context"
	"sync"

	"github.com/deterministic-agent-lab/tracegate/pkg/gateerr"
)

// Intent is the unit of work a driver executes through the journal.
type Intent struct {
	Type           string         `json:"type"`
	IdempotencyKey string         `json:"idempotencyKey"`
	Payload        map[string]any `json:"payload"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// Prepared is the opaque compensating state a driver captures before commit.
type Prepared any

// Receipt is the opaque evidence a committed intent leaves behind. It must be
// JSON-serializable and sufficient to drive the intent's rollback.
type Receipt map[string]any

// Driver executes one intent type through a two-phase contract. Prepare is
// the only phase allowed to capture compensating state; it must not mutate
// external state unless that mutation is itself recorded in Prepared.
type Driver interface {
	Prepare(ctx context.Context, it Intent) (Prepared, error)
	Commit(ctx context.Context, it Intent, prepared Prepared) (Receipt, error)
	Rollback(ctx context.Context, it Intent, prepared Prepared) error
}

// Planner is implemented by drivers with a pre-persistence planning phase.
type Planner interface {
	Plan(ctx context.Context, it Intent) error
}

// Validator is implemented by drivers that validate payloads before prepare.
type Validator interface {
	Validate(ctx context.Context, it Intent) error
}

// ReceiptRollbacker is implemented by drivers that can compensate a committed
// intent given only its persisted receipt, after the in-memory Prepared state
// is gone. The revert path depends on it.
type ReceiptRollbacker interface {
	RollbackReceipt(ctx context.Context, it Intent, receipt Receipt) error
}

// Registry maps intent types to drivers.
type Registry struct {
	mu      sync.RWMutex
	drivers map[string]Driver
}

// NewRegistry creates an empty driver registry.
func NewRegistry() *Registry {
	return &Registry{drivers: make(map[string]Driver)}
}

// Register binds a driver to an intent type, replacing any prior binding.
func (r *Registry) Register(intentType string, d Driver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drivers[intentType] = d
}

// Resolve returns the driver for an intent type.
func (r *Registry) Resolve(intentType string) (Driver, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.drivers[intentType]
	if !ok {
		return nil, gateerr.New(gateerr.CodeDriverUnregistered, "no driver registered for intent type %q", intentType)
	}
	return d, nil
}

// Types returns the registered intent types.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.drivers))
	for t := range r.drivers {
		types = append(types, t)
	}
	return types
}
