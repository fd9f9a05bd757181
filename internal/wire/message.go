// Package wire implements the VSC wire protocol: the fixed 12-byte header
// framing, message types, error codes and version negotiation used between
// the client and the host hypervisor's virtual CCID reader.
//
// All multi-byte fields are encoded big-endian. The reference vscclient.c
// writes the header in host byte order but reads Reconnect.ip with ntohl,
// an inconsistency that only goes unnoticed on little-endian hosts talking
// to little-endian hosts; this package picks one endianness for everything
// and documents it here instead of reproducing the bug.
package wire

import "fmt"

// Type is the message type carried in every header.
type Type uint32

const (
	Init Type = iota
	Error
	ReaderAdd
	ReaderAddResponse
	ReaderRemove
	ATR
	CardRemove
	APDU
	Reconnect
)

func (t Type) String() string {
	switch t {
	case Init:
		return "Init"
	case Error:
		return "Error"
	case ReaderAdd:
		return "ReaderAdd"
	case ReaderAddResponse:
		return "ReaderAddResponse"
	case ReaderRemove:
		return "ReaderRemove"
	case ATR:
		return "ATR"
	case CardRemove:
		return "CardRemove"
	case APDU:
		return "APDU"
	case Reconnect:
		return "Reconnect"
	default:
		return fmt.Sprintf("Type(%d)", uint32(t))
	}
}

// ErrorCode is the payload of an Error message.
type ErrorCode uint32

const (
	GeneralError ErrorCode = iota + 1
	CannotAddMoreReaders
)

func (c ErrorCode) String() string {
	switch c {
	case GeneralError:
		return "GeneralError"
	case CannotAddMoreReaders:
		return "CannotAddMoreReaders"
	default:
		return fmt.Sprintf("ErrorCode(%d)", uint32(c))
	}
}

// Reserved reader ids.
const (
	// UndefinedReaderID marks a reader that has not (or no longer) been
	// assigned a server-side id. The wire representation is 0xFFFFFFFF,
	// i.e. -1 reinterpreted as unsigned, as in the reference VSCARD_UNDEFINED_READER_ID.
	UndefinedReaderID uint32 = 0xFFFFFFFF

	// MinimalReaderID is used for the stale-reader cleanup ReaderRemove
	// sent once at startup.
	MinimalReaderID uint32 = 0
)

// Version bit widths from vscard_common.h's MAKE_VERSION.
const (
	versionMinorBits  = 10
	versionMiddleBits = 11
)

// MakeVersion packs major:11, middle:11, minor:10 into a uint32, matching
// the reference MAKE_VERSION macro.
func MakeVersion(major, middle, minor uint32) uint32 {
	return (major << (versionMinorBits + versionMiddleBits)) | (middle << versionMinorBits) | minor
}

// CurrentVersion is the protocol version this client speaks.
var CurrentVersion = MakeVersion(0, 0, 1)

// SplitVersion is the inverse of MakeVersion, useful for logging.
func SplitVersion(v uint32) (major, middle, minor uint32) {
	minor = v & ((1 << versionMinorBits) - 1)
	middle = (v >> versionMinorBits) & ((1 << versionMiddleBits) - 1)
	major = v >> (versionMinorBits + versionMiddleBits)
	return
}

// Size limits from the reference implementation.
const (
	MaxATRLength  = 40
	MaxAPDULength = 270
)
