// Package backend declares the narrow interface the core (registry, gate,
// pump, session) uses to talk to a card emulation layer (C7 in spec.md
// §4.7). Two implementations live in the emul and passthrough
// subpackages; main selects one at startup per the -p flag.
package backend

import (
	"context"

	"github.com/virtcca/vscclient/internal/reader"
)

// EventKind identifies a local backend event.
type EventKind int

const (
	ReaderInsert EventKind = iota
	ReaderRemove
	CardInsert
	CardRemove
)

func (k EventKind) String() string {
	switch k {
	case ReaderInsert:
		return "READER_INSERT"
	case ReaderRemove:
		return "READER_REMOVE"
	case CardInsert:
		return "CARD_INSERT"
	case CardRemove:
		return "CARD_REMOVE"
	default:
		return "UNKNOWN"
	}
}

// Event is one entry from a backend's local event queue.
type Event struct {
	Kind   EventKind
	Reader *reader.Reader
}

// Status is a card-transfer result status. StatusOK means the APDU exchange
// succeeded and the response bytes are meaningful; any other value is
// reported to the host as an Error message carrying this status as its code.
type Status uint32

const StatusOK Status = 0

// Backend is the narrow facade the core depends on (C7). Implementations
// must be safe for concurrent use by the session goroutine (APDU transfer,
// console commands) and the pump goroutine (Events, PowerOn) simultaneously.
type Backend interface {
	// Init starts the backend. options is the raw -e configuration string
	// (NSS db path and/or soft-reader descriptor for the emulated backend;
	// for passthrough, a non-empty value overrides the pcscd socket path).
	Init(ctx context.Context, options string) error

	// Shutdown releases backend resources and causes Events to close.
	Shutdown() error

	// Events returns the channel of local reader/card events. The channel
	// is closed (not merely emptied) on shutdown, which is this Backend's
	// equivalent of the reference's event_wait returning NULL.
	Events() <-chan Event

	// Readers returns a snapshot of all known readers.
	Readers() []*reader.Reader

	// PowerOn powers the reader on and returns the card's ATR. Called by
	// the pump when handling a CARD_INSERT event.
	PowerOn(r *reader.Reader) ([]byte, error)

	// Transfer executes an APDU command against the card in r and returns
	// the response and status.
	Transfer(r *reader.Reader, cmd []byte) (resp []byte, status Status, err error)

	// ForceCardInsert and ForceCardRemove let the interactive console
	// simulate a card event out-of-band from real hardware/backend timing.
	ForceCardInsert(r *reader.Reader) error
	ForceCardRemove(r *reader.Reader) error
}
