// Package transfer implements the idempotent natural-key apply protocol:
// building a fresh index of the target's current state, deciding
// create/update/skip per source record, and accumulating per-run stats with
// per-record failure isolation.
package transfer

import (
	"context"
	"sync"

	"github.com/storesync/storesync/pkg/bulk"
	"github.com/storesync/storesync/pkg/errors"
	"github.com/storesync/storesync/pkg/record"
)

// WriteAdapter is the per-resource-kind write surface on the target
// instance. List streams the target's current state so the apply protocol
// can rebuild its natural-key index from live data on every run.
type WriteAdapter interface {
	// Kind names the resource kind this adapter serves.
	Kind() string
	// Create creates a record and returns its remote-assigned ID.
	Create(ctx context.Context, rec *record.Record) (string, error)
	// Update updates the record identified by remoteID.
	Update(ctx context.Context, remoteID string, rec *record.Record) error
	// List streams the target's existing records of this kind.
	List(ctx context.Context) (*bulk.Stream, error)
}

// UpdatePolicy decides when a key match becomes a write. Whether a kind
// compares fingerprints or always overwrites is a per-kind choice, not a
// global one.
type UpdatePolicy int

const (
	// UpdateWhenChanged writes only when fingerprints differ.
	UpdateWhenChanged UpdatePolicy = iota
	// UpdateAlways overwrites unconditionally on every key match.
	UpdateAlways
)

// Registration binds a resource kind's adapter to its correlation functions
// and update policy.
type Registration struct {
	Adapter     WriteAdapter
	NaturalKey  record.NaturalKeyFn
	Fingerprint record.FingerprintFn
	Policy      UpdatePolicy
}

// fingerprint returns the registration's fingerprint function, defaulting
// to the canonical whole-record fingerprint.
func (r Registration) fingerprint() record.FingerprintFn {
	if r.Fingerprint != nil {
		return r.Fingerprint
	}
	return record.Fingerprint
}

// Registry holds registrations by resource kind.
type Registry struct {
	mu   sync.RWMutex
	regs map[string]Registration
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{regs: make(map[string]Registration)}
}

// Register adds a registration. Registering a kind twice is an error.
func (r *Registry) Register(reg Registration) error {
	if reg.Adapter == nil {
		return errors.New(errors.ErrorTypeConfig, "registration requires an adapter")
	}
	if reg.NaturalKey == nil {
		return errors.New(errors.ErrorTypeConfig, "registration requires a natural key function")
	}
	kind := reg.Adapter.Kind()
	if kind == "" {
		return errors.New(errors.ErrorTypeConfig, "adapter kind must not be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.regs[kind]; exists {
		return errors.Newf(errors.ErrorTypeConfig, "kind %q already registered", kind)
	}
	r.regs[kind] = reg
	return nil
}

// Get returns the registration for a kind.
func (r *Registry) Get(kind string) (Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.regs[kind]
	return reg, ok
}

// Kinds returns the registered kinds.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.regs))
	for kind := range r.regs {
		kinds = append(kinds, kind)
	}
	return kinds
}

// KeyField returns a NaturalKeyFn reading a single stable business field.
func KeyField(name string) record.NaturalKeyFn {
	return func(rec *record.Record) string {
		return rec.StringField(name)
	}
}
