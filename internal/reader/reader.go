// Package reader implements the reader registry (C2) and the pending-attach
// gate (C3) from spec.md §4.2-§4.3: the mapping between backend-local
// readers and server-assigned reader ids, and the single-flight handshake
// that serializes ReaderAdd/ReaderAddResponse exchanges.
package reader

import (
	"sync"
	"sync/atomic"

	"github.com/virtcca/vscclient/internal/wire"
)

// Handle is a backend-local opaque identifier for a reader slot; both
// backends hand them out from a per-backend counter.
type Handle uint64

// Reader is a logical slot that may or may not contain a card. The backend
// owns the object; the core (registry, gate, pump, session) only ever holds
// a *Reader obtained from a Registry, so Go's garbage collector plays the
// role the reference implementation gives to vreader_reference/vreader_free.
type Reader struct {
	Handle Handle
	Name   string

	id uint32 // atomic; wire.UndefinedReaderID until assigned

	mu          sync.Mutex
	cardPresent bool
	atr         []byte

	// pendingRefs counts in-flight holds taken by the pending-attach gate,
	// purely to make invariant P1 ("at most one reader is pending")
	// assertable; it is not used for memory management.
	pendingRefs int32
}

// New creates a reader with an unassigned id, as when a backend emits a
// READER_INSERT event.
func New(handle Handle, name string) *Reader {
	r := &Reader{Handle: handle, Name: name}
	atomic.StoreUint32(&r.id, wire.UndefinedReaderID)
	return r
}

// ID returns the server-assigned reader id, or wire.UndefinedReaderID if
// none has been assigned (or it was cleared).
func (r *Reader) ID() uint32 {
	return atomic.LoadUint32(&r.id)
}

// Assigned reports whether the reader currently has a server-assigned id.
func (r *Reader) Assigned() bool {
	return r.ID() != wire.UndefinedReaderID
}

func (r *Reader) setID(id uint32) {
	atomic.StoreUint32(&r.id, id)
}

func (r *Reader) clearID() {
	atomic.StoreUint32(&r.id, wire.UndefinedReaderID)
}

// CardPresent reports whether a card is currently inserted, and its ATR if so.
func (r *Reader) CardPresent() (present bool, atr []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cardPresent, r.atr
}

// SetCardInserted records a card insertion with its ATR.
func (r *Reader) SetCardInserted(atr []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cardPresent = true
	r.atr = atr
}

// SetCardRemoved clears card presence.
func (r *Reader) SetCardRemoved() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cardPresent = false
	r.atr = nil
}

func (r *Reader) acquirePendingRef() {
	atomic.AddInt32(&r.pendingRefs, 1)
}

func (r *Reader) releasePendingRef() {
	atomic.AddInt32(&r.pendingRefs, -1)
}
