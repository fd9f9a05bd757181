package reader

import "sync"

// Registry maintains the mapping local-reader <-> server-assigned reader id
// (C2 in spec.md §4.2). by_id lookups are consistent with assign from the
// point of view of the calling goroutine, and a successful Assign is visible
// to all subsequent lookups from any goroutine: every operation here takes
// the same RWMutex, so there is a single total order of mutations and every
// read observes the latest one (Go's memory model guarantees this for a
// mutex-protected map).
type Registry struct {
	mu       sync.RWMutex
	byHandle map[Handle]*Reader
	byID     map[uint32]*Reader
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byHandle: make(map[Handle]*Reader),
		byID:     make(map[uint32]*Reader),
	}
}

// Register adds a freshly backend-created reader (unassigned id) to the
// registry.
func (reg *Registry) Register(r *Reader) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.byHandle[r.Handle] = r
}

// Unregister removes a reader entirely, e.g. on a backend-level reader
// removal. It clears any id mapping too.
func (reg *Registry) Unregister(r *Reader) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	delete(reg.byHandle, r.Handle)
	if id := r.ID(); id != 0xFFFFFFFF {
		delete(reg.byID, id)
	}
}

// List returns a snapshot of all known readers.
func (reg *Registry) List() []*Reader {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	out := make([]*Reader, 0, len(reg.byHandle))
	for _, r := range reg.byHandle {
		out = append(out, r)
	}
	return out
}

// ByID looks up a reader by its server-assigned id. It returns (nil, false)
// if the id is unassigned or unknown.
func (reg *Registry) ByID(id uint32) (*Reader, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	r, ok := reg.byID[id]
	return r, ok
}

// ByHandle looks up a reader by its backend-local handle.
func (reg *Registry) ByHandle(h Handle) (*Reader, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	r, ok := reg.byHandle[h]
	return r, ok
}

// Assign sets r's server-assigned id and indexes it for ByID lookups.
func (reg *Registry) Assign(r *Reader, id uint32) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	r.setID(id)
	reg.byID[id] = r
}

// Clear removes r's id mapping and resets it to unassigned, e.g. on
// rejection or backend-level removal.
func (reg *Registry) Clear(r *Reader) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if id := r.ID(); id != 0xFFFFFFFF {
		delete(reg.byID, id)
	}
	r.clearID()
}
