package registry

import (
	"errors"
	"sort"
	"sync/atomic"
	"time"

	"gateline/internal/domain"
	"gateline/internal/policy"
	"gateline/internal/store"
)

// ErrCommandNotFound is returned by Resolve for unknown command ids.
var ErrCommandNotFound = errors.New("command not found")

// Snapshot is one immutable generation of the registry: the compiled
// ownership policy plus every validated command definition. In-flight
// executions keep the snapshot they resolved against.
type Snapshot struct {
	pol      *policy.Policy
	commands map[string]domain.CommandDefinition
	loadedAt time.Time
}

// Build validates definitions against the policy and produces a snapshot.
// Any violation fails the whole load; a partially valid snapshot is never
// returned.
func Build(pol *policy.Policy, defs []domain.CommandDefinition) (*Snapshot, error) {
	commands := make(map[string]domain.CommandDefinition, len(defs))
	for _, def := range defs {
		if def.ID == "" {
			return nil, policy.Errorf("command with empty id")
		}
		if _, dup := commands[def.ID]; dup {
			return nil, policy.Errorf("duplicate command id %s", def.ID)
		}
		if !pol.HasRole(def.Role) {
			return nil, policy.Errorf("command %s declares undefined role %s", def.ID, def.Role)
		}
		if !pol.HasDomain(def.Domain) {
			return nil, policy.Errorf("command %s targets undefined domain %s", def.ID, def.Domain)
		}
		switch def.Permission {
		case domain.PermissionRead:
		case domain.PermissionWrite:
			if !pol.IsOwner(def.Role, def.Domain) {
				return nil, policy.Errorf("command %s: role %s is not an owner of domain %s", def.ID, def.Role, def.Domain)
			}
			if def.SuccessPredicate == "" {
				return nil, policy.Errorf("write command %s has no success predicate", def.ID)
			}
		default:
			return nil, policy.Errorf("command %s has invalid permission %q", def.ID, def.Permission)
		}
		if def.SuccessPredicate != "" && !store.KnownPredicate(def.SuccessPredicate) {
			return nil, policy.Errorf("command %s references unknown predicate %s", def.ID, def.SuccessPredicate)
		}
		seen := map[string]bool{}
		for _, p := range def.Params {
			if p.Name == "" {
				return nil, policy.Errorf("command %s has a parameter with empty name", def.ID)
			}
			if seen[p.Name] {
				return nil, policy.Errorf("command %s declares parameter %s twice", def.ID, p.Name)
			}
			seen[p.Name] = true
		}
		commands[def.ID] = def
	}
	return &Snapshot{pol: pol, commands: commands, loadedAt: time.Now().UTC()}, nil
}

// Resolve returns the definition for a command id.
func (s *Snapshot) Resolve(id string) (domain.CommandDefinition, error) {
	def, ok := s.commands[id]
	if !ok {
		return domain.CommandDefinition{}, ErrCommandNotFound
	}
	return def, nil
}

// Policy returns the ownership policy this snapshot was validated against.
func (s *Snapshot) Policy() *policy.Policy {
	return s.pol
}

// Commands returns every definition sorted by id.
func (s *Snapshot) Commands() []domain.CommandDefinition {
	out := make([]domain.CommandDefinition, 0, len(s.commands))
	for _, def := range s.commands {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// LoadedAt reports when this snapshot was built.
func (s *Snapshot) LoadedAt() time.Time {
	return s.loadedAt
}

// Registry holds the active snapshot behind an atomic pointer. Readers take
// the current snapshot without locking; Reload swaps in a fully validated
// replacement or leaves the active one untouched.
type Registry struct {
	current atomic.Pointer[Snapshot]
}

// New creates a registry with an initial snapshot.
func New(snap *Snapshot) *Registry {
	r := &Registry{}
	r.current.Store(snap)
	return r
}

// Load builds and activates the first snapshot.
func Load(pol *policy.Policy, defs []domain.CommandDefinition) (*Registry, error) {
	snap, err := Build(pol, defs)
	if err != nil {
		return nil, err
	}
	return New(snap), nil
}

// Current returns the active snapshot.
func (r *Registry) Current() *Snapshot {
	return r.current.Load()
}

// Reload validates a replacement snapshot and swaps it in atomically.
// Executions already holding the prior snapshot are unaffected.
func (r *Registry) Reload(pol *policy.Policy, defs []domain.CommandDefinition) (*Snapshot, error) {
	snap, err := Build(pol, defs)
	if err != nil {
		return nil, err
	}
	r.current.Store(snap)
	return snap, nil
}
