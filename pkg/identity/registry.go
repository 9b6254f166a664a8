// Package identity provides the worker identity registry: a static lookup
// table mapping free-form or legacy worker identifiers to canonical IDs and
// tier classification.
//
// The registry has no side effects beyond logging a deprecation signal when
// a legacy alias is resolved. An unknown identifier is a hard failure for
// callers: an unresolvable worker can be neither authorized nor invoked.
package identity

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Tier classifies a worker agent.
type Tier string

const (
	TierUI           Tier = "ui"
	TierOrchestrator Tier = "orchestrator"
	TierSpecialist   Tier = "specialist"
)

// CanonicalID is a resolved, canonical worker identifier.
type CanonicalID string

// ErrUnknownIdentity is returned when an identifier resolves to no known
// worker. Callers must treat this as a hard dispatch failure.
var ErrUnknownIdentity = errors.New("unresolvable identity")

// Entry describes one registered worker.
type Entry struct {
	ID        CanonicalID `json:"id"`
	Tier      Tier        `json:"tier"`
	Directory string      `json:"directory,omitempty"` // owning team or org unit
}

// Registry resolves worker identifiers. Safe for concurrent use; the
// underlying tables are immutable after construction.
type Registry struct {
	mu      sync.RWMutex
	entries map[CanonicalID]Entry
	aliases map[string]CanonicalID
	logger  *slog.Logger
}

// NewRegistry builds a registry from a canonical entry set and an alias
// table. Aliases that collide with canonical IDs are rejected.
func NewRegistry(entries []Entry, aliases map[string]CanonicalID) (*Registry, error) {
	r := &Registry{
		entries: make(map[CanonicalID]Entry, len(entries)),
		aliases: make(map[string]CanonicalID, len(aliases)),
		logger:  slog.Default().With("component", "identity"),
	}
	for _, e := range entries {
		if e.ID == "" {
			return nil, errors.New("identity: entry with empty canonical ID")
		}
		if _, dup := r.entries[e.ID]; dup {
			return nil, fmt.Errorf("identity: duplicate canonical ID %q", e.ID)
		}
		r.entries[e.ID] = e
	}
	for alias, target := range aliases {
		if _, isCanonical := r.entries[CanonicalID(alias)]; isCanonical {
			return nil, fmt.Errorf("identity: alias %q shadows a canonical ID", alias)
		}
		if _, ok := r.entries[target]; !ok {
			return nil, fmt.Errorf("identity: alias %q targets unknown ID %q", alias, target)
		}
		r.aliases[alias] = target
	}
	return r, nil
}

// Canonicalize resolves id to its canonical form. Resolving a legacy alias
// logs a deprecation signal; resolving an already-canonical ID is idempotent.
func (r *Registry) Canonicalize(id string) (CanonicalID, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.entries[CanonicalID(id)]; ok {
		return CanonicalID(id), nil
	}
	if canonical, ok := r.aliases[id]; ok {
		r.logger.Warn("deprecated worker alias resolved",
			"alias", id, "canonical", string(canonical))
		return canonical, nil
	}
	return "", fmt.Errorf("identity %q: %w", id, ErrUnknownIdentity)
}

// IsValid reports whether id resolves to a known worker, via alias or not.
func (r *Registry) IsValid(id string) bool {
	_, err := r.Canonicalize(id)
	return err == nil
}

// TierOf returns the tier of the worker id resolves to.
func (r *Registry) TierOf(id string) (Tier, error) {
	canonical, err := r.Canonicalize(id)
	if err != nil {
		return "", err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[canonical].Tier, nil
}

// ListByTier returns all canonical IDs in the given tier, sorted for
// deterministic iteration.
func (r *Registry) ListByTier(tier Tier) []CanonicalID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ids []CanonicalID
	for id, e := range r.entries {
		if e.Tier == tier {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
