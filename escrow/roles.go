package escrow

import (
	"sort"
	"sync"
)

// RoleSet is the set of roles a wallet holds in one escrow.
type RoleSet map[Role]struct{}

// Has reports whether the set contains the role.
func (s RoleSet) Has(role Role) bool {
	_, ok := s[role]
	return ok
}

// Sorted returns the roles in stable order for logging and comparison.
func (s RoleSet) Sorted() []Role {
	out := make([]Role, 0, len(s))
	for role := range s {
		out = append(out, role)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ResolveRoles computes which role slots the caller address occupies on the
// escrow. Comparison is a case-sensitive exact match on the canonical
// address string; a caller may hold several roles at once. An absent caller
// resolves to the empty set.
func ResolveRoles(e *Escrow, caller string) RoleSet {
	set := make(RoleSet)
	if e == nil || caller == "" {
		return set
	}
	for _, slot := range e.Roles.Slots() {
		if slot.Address == caller {
			set[slot.Role] = struct{}{}
		}
	}
	return set
}

type roleCacheKey struct {
	contractID string
	caller     string
}

// RoleCache memoises role resolution keyed by (contractID, caller) so
// repeated lookups for an unchanged escrow avoid recomputation. Entries for
// undeployed escrows (empty contract id) are never cached because the role
// map may still change.
type RoleCache struct {
	mu      sync.Mutex
	entries map[roleCacheKey]RoleSet
}

func NewRoleCache() *RoleCache {
	return &RoleCache{entries: make(map[roleCacheKey]RoleSet)}
}

// Resolve returns the cached role set for (escrow.ContractID, caller) or
// computes and caches it.
func (c *RoleCache) Resolve(e *Escrow, caller string) RoleSet {
	if e == nil || e.ContractID == "" {
		return ResolveRoles(e, caller)
	}
	key := roleCacheKey{contractID: e.ContractID, caller: caller}
	c.mu.Lock()
	defer c.mu.Unlock()
	if set, ok := c.entries[key]; ok {
		return set
	}
	set := ResolveRoles(e, caller)
	c.entries[key] = set
	return set
}

// Invalidate drops every cached entry for the contract. Call after any role
// update.
func (c *RoleCache) Invalidate(contractID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.entries {
		if key.contractID == contractID {
			delete(c.entries, key)
		}
	}
}
