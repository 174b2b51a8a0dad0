// Package user models the broker's peer-identity objects: reference-counted
// records of a connected peer's UID/GID, opaque to the dispatch core beyond
// ref/unref (spec.md §6's "User accounting" external collaborator).
package user

import "sync"

// Identity is a reference-counted peer credential set, as reported by
// SO_PEERCRED at accept time. Single-threaded ref/unref per spec.md §5 —
// the mutex exists only because identities may be shared across
// Connections the same peer opens concurrently, all still driven from the
// one dispatcher thread.
type Identity struct {
	mu       sync.Mutex
	refs     int
	UID      uint32
	GID      uint32
	PID      int32
}

// registry deduplicates Identity values by UID so that fan-out logic can
// compare identities by pointer equality.
type Registry struct {
	mu    sync.Mutex
	byUID map[uint32]*Identity
}

// NewRegistry returns an empty identity registry.
func NewRegistry() *Registry {
	return &Registry{byUID: make(map[uint32]*Identity)}
}

// Ref returns the shared Identity for uid, creating it with gid and pid on
// first use and incrementing its reference count. Later calls for the same
// uid return that Identity unchanged, whatever gid and pid they pass.
func (r *Registry) Ref(uid, gid uint32, pid int32) *Identity {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.byUID[uid]
	if !ok {
		id = &Identity{UID: uid, GID: gid, PID: pid}
		r.byUID[uid] = id
	}
	id.mu.Lock()
	id.refs++
	id.mu.Unlock()
	return id
}

// Unref decrements id's reference count, removing it from the registry once
// it reaches zero.
func (r *Registry) Unref(id *Identity) {
	id.mu.Lock()
	id.refs--
	drained := id.refs <= 0
	id.mu.Unlock()

	if !drained {
		return
	}
	r.mu.Lock()
	if existing, ok := r.byUID[id.UID]; ok && existing == id {
		delete(r.byUID, id.UID)
	}
	r.mu.Unlock()
}
