// Package sendgate implements the send gate (C6 from spec.md §4.6):
// exclusive write access to the socket, so that a message's header and
// payload are never interleaved with another goroutine's write.
package sendgate

import (
	"fmt"
	"io"
	"sync"

	"github.com/virtcca/vscclient/internal/wire"
)

// Gate serializes writes to an underlying connection across the event pump
// and session-loop goroutines (spec.md §5's "writes are totally ordered by
// the send gate").
type Gate struct {
	mu   sync.Mutex
	conn io.Writer
}

// New wraps conn. conn may be nil initially and set later with SetConn,
// e.g. before the first Dial completes.
func New(conn io.Writer) *Gate {
	return &Gate{conn: conn}
}

// SetConn atomically swaps the underlying writer, used when Reconnect
// replaces the socket.
func (g *Gate) SetConn(conn io.Writer) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.conn = conn
}

// Send atomically writes a full header+payload frame. Concurrent callers
// are serialized by g.mu so the write of header+payload as performed by
// wire.Encode is never observed split by a second writer landing between
// them.
func (g *Gate) Send(typ wire.Type, readerID uint32, payload []byte) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.conn == nil {
		return fmt.Errorf("sendgate: no connection set")
	}
	return wire.Encode(g.conn, typ, readerID, payload)
}
