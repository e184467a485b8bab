package protocol

import (
	"context"
	"fmt"
	"sync"

	"github.com/wgcairui/uartserver-ng-sub000/internal/store"
)

// Registry is the in-memory protocol-descriptor cache sitting in front
// of store.ProtocolStore (spec.md §4.2). Lookups are lazy: a miss loads
// from the backing store and caches the result. Put is used by the
// admin-facing protocol-edit path (outside this module's scope to
// expose over RPC, but the invalidation behaviour is part of the core)
// to install a fresh descriptor and invalidate every memoised
// instruction built against the old one.
type Registry struct {
	backing store.ProtocolStore
	instr   *InstructionCache

	mu    sync.RWMutex
	descs map[string]*store.Protocol
}

// NewRegistry creates a protocol registry backed by the given store and
// sharing invalidation with the given instruction cache.
func NewRegistry(backing store.ProtocolStore, instr *InstructionCache) *Registry {
	return &Registry{
		backing: backing,
		instr:   instr,
		descs:   make(map[string]*store.Protocol),
	}
}

// Get returns the named protocol descriptor, loading it from the
// backing store on first access.
func (r *Registry) Get(ctx context.Context, name string) (*store.Protocol, error) {
	r.mu.RLock()
	if p, ok := r.descs[name]; ok {
		r.mu.RUnlock()
		return p, nil
	}
	r.mu.RUnlock()

	p, err := r.backing.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	if err := Validate(p); err != nil {
		return nil, fmt.Errorf("protocol %q: %w", name, err)
	}

	r.mu.Lock()
	r.descs[name] = p
	r.mu.Unlock()

	return p, nil
}

// Put installs desc as the current descriptor for its name and
// invalidates every cached instruction built against the previous
// descriptor of the same name (spec.md §4.2: "replacing a protocol
// invalidates every memoised instruction for that protocol, even
// though build inputs for unrelated pids stay valid").
func (r *Registry) Put(desc *store.Protocol) error {
	if err := Validate(desc); err != nil {
		return fmt.Errorf("protocol %q: %w", desc.Name, err)
	}

	r.mu.Lock()
	r.descs[desc.Name] = desc
	r.mu.Unlock()

	r.instr.InvalidatePrefix(desc.Name + "|")
	return nil
}

// Validate rejects protocol descriptors with duplicate instruction
// names or an unrecognised wire type (spec.md §9 supplemented
// validation: the original source trusts the admin UI to never produce
// a malformed descriptor; this is a deliberate hardening the
// expansion adds at load time rather than at instruction-build time).
func Validate(p *store.Protocol) error {
	switch p.WireType {
	case 232, 485:
	default:
		return fmt.Errorf("unknown wireType %d", p.WireType)
	}

	seen := make(map[string]struct{}, len(p.Instructions))
	for _, inst := range p.Instructions {
		if inst.Name == "" {
			return fmt.Errorf("instruction with empty name")
		}
		if _, dup := seen[inst.Name]; dup {
			return fmt.Errorf("duplicate instruction name %q", inst.Name)
		}
		seen[inst.Name] = struct{}{}
		if inst.NonStandard && inst.ScriptStart == "" {
			return fmt.Errorf("instruction %q marked non-standard with no scriptStart", inst.Name)
		}
	}
	return nil
}
