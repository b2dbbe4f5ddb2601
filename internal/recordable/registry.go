package recordable

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	dErrors "trellis/pkg/domain-errors"
)

// Capability is an opt-in behavior a recordable type enables. Gated
// operations consult the registry at call time instead of the type system.
type Capability string

const (
	CapabilityMove    Capability = "move"
	CapabilityCopy    Capability = "copy"
	CapabilityComment Capability = "comment"
)

// DupFunc duplicates a recordable for a revision or copy. Implementations
// must be pure: same type in, same type out, no store access. The returned
// recordable must be unpersisted (zero id).
type DupFunc func(Recordable) (Recordable, error)

// Descriptor declares one recordable type to the registry. The registry is
// explicit and closed-world per deployment: nothing is auto-discovered.
type Descriptor struct {
	// Type is the discriminator persisted in recordable_type columns.
	Type string

	// New returns an empty instance for decoding.
	New func() Recordable

	// Capabilities lists the gated operations this type enables.
	Capabilities []Capability

	// AllowedParents maps a capability to the recording parent types a
	// move/copy may target. An absent entry means no restriction beyond the
	// capability gate itself.
	AllowedParents map[Capability][]string

	// TracksRecordingsCount / TracksEventsCount opt the type into cached
	// counter maintenance. Counter adjustments on types that do not opt in
	// are silently skipped.
	TracksRecordingsCount bool
	TracksEventsCount     bool

	// Dup overrides the default duplication strategy for this type.
	Dup DupFunc

	// QueryColumns safelists the payload fields callers may filter or order
	// by in recording queries. Anything not listed here is rejected before
	// it reaches SQL.
	QueryColumns []string
}

// Registry is the closed-world map of recordable types for one deployment.
type Registry struct {
	mu    sync.RWMutex
	types map[string]Descriptor
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{types: make(map[string]Descriptor)}
}

// Register adds a type to the registry. Registering the same discriminator
// twice or an incomplete descriptor is a programming error and fails.
func (r *Registry) Register(d Descriptor) error {
	if d.Type == "" {
		return fmt.Errorf("register recordable type: empty discriminator")
	}
	if d.New == nil {
		return fmt.Errorf("register recordable type %q: nil constructor", d.Type)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.types[d.Type]; exists {
		return fmt.Errorf("register recordable type %q: already registered", d.Type)
	}
	r.types[d.Type] = d
	return nil
}

// MustRegister is Register for wiring code where a failure is fatal.
func (r *Registry) MustRegister(d Descriptor) {
	if err := r.Register(d); err != nil {
		panic(err)
	}
}

// Descriptor looks up a registered type.
func (r *Registry) Descriptor(typ string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.types[typ]
	return d, ok
}

// Types lists the registered discriminators in stable order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.types))
	for typ := range r.types {
		out = append(out, typ)
	}
	sort.Strings(out)
	return out
}

// AssertCapability fails with a capability-disabled domain error when typ has
// not enabled cap. Unregistered types never have capabilities.
func (r *Registry) AssertCapability(typ string, cap Capability) error {
	d, ok := r.Descriptor(typ)
	if !ok {
		return dErrors.Newf(dErrors.CodeCapabilityDisabled, "recordable type %q is not registered", typ)
	}
	for _, c := range d.Capabilities {
		if c == cap {
			return nil
		}
	}
	return dErrors.Newf(dErrors.CodeCapabilityDisabled, "recordable type %q does not enable %s", typ, cap)
}

// ParentAllowed reports whether a capability-gated operation on typ may
// target a parent recording wrapping parentType.
func (r *Registry) ParentAllowed(typ string, cap Capability, parentType string) bool {
	d, ok := r.Descriptor(typ)
	if !ok {
		return false
	}
	allowed, restricted := d.AllowedParents[cap]
	if !restricted {
		return true
	}
	for _, t := range allowed {
		if t == parentType {
			return true
		}
	}
	return false
}

// ColumnAllowed reports whether col is a safelisted query column for typ.
func (r *Registry) ColumnAllowed(typ, col string) bool {
	d, ok := r.Descriptor(typ)
	if !ok {
		return false
	}
	for _, c := range d.QueryColumns {
		if c == col {
			return true
		}
	}
	return false
}

// TracksCounter reports whether typ maintains the given cached counter.
func (r *Registry) TracksCounter(typ string, counter Counter) bool {
	d, ok := r.Descriptor(typ)
	if !ok {
		return false
	}
	switch counter {
	case CounterRecordings:
		return d.TracksRecordingsCount
	case CounterEvents:
		return d.TracksEventsCount
	default:
		return false
	}
}

// Dup duplicates a recordable using the type's override or the default
// strategy. The result is always unpersisted.
func (r *Registry) Dup(rec Recordable) (Recordable, error) {
	d, ok := r.Descriptor(rec.RecordableType())
	if !ok {
		return nil, fmt.Errorf("dup recordable: type %q is not registered", rec.RecordableType())
	}
	dup := d.Dup
	if dup == nil {
		dup = r.defaultDup
	}
	out, err := dup(rec)
	if err != nil {
		return nil, err
	}
	if out.RecordableType() != rec.RecordableType() {
		return nil, fmt.Errorf("dup recordable: strategy changed type %q to %q",
			rec.RecordableType(), out.RecordableType())
	}
	out.SetRecordableID(uuid.Nil)
	return out, nil
}

// defaultDup shallow-copies via the JSON codec into a fresh instance. Cached
// counters live on store rows, not payload fields, so a fresh row naturally
// starts at zero.
func (r *Registry) defaultDup(rec Recordable) (Recordable, error) {
	d, _ := r.Descriptor(rec.RecordableType())
	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("dup recordable %s: encode: %w", RefOf(rec), err)
	}
	out := d.New()
	if err := json.Unmarshal(raw, out); err != nil {
		return nil, fmt.Errorf("dup recordable %s: decode: %w", RefOf(rec), err)
	}
	return out, nil
}
