package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// HeaderSize is the fixed on-wire size of a message header: type, reader_id,
// length, each a big-endian uint32.
const HeaderSize = 12

// Errors returned by Decode/ReadMessage.
var (
	// ErrMalformed is returned when the header itself cannot be read in full.
	ErrMalformed = errors.New("wire: malformed header")
	// ErrUnsupported is returned when the header names an unknown message type.
	ErrUnsupported = errors.New("wire: unsupported message type")
	// ErrTruncated is returned when fewer than length payload bytes arrive
	// before EOF.
	ErrTruncated = errors.New("wire: truncated payload")
)

// Header is the fixed leading portion of every message.
type Header struct {
	Type     Type
	ReaderID uint32
	Length   uint32
}

// Message is a fully decoded header plus its payload.
type Message struct {
	Header
	Payload []byte
}

// Encode writes a framed message: header immediately followed by payload, in
// a single call to the underlying writer's Write where possible so that the
// two are never observed apart by a concurrent reader on the same
// connection. Callers that need atomicity across goroutines must still
// serialize calls to Encode themselves (see internal/sendgate).
func Encode(w io.Writer, typ Type, readerID uint32, payload []byte) error {
	buf := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint32(buf[0:4], uint32(typ))
	binary.BigEndian.PutUint32(buf[4:8], readerID)
	binary.BigEndian.PutUint32(buf[8:12], uint32(len(payload)))
	copy(buf[HeaderSize:], payload)
	_, err := w.Write(buf)
	return err
}

// DecodeHeader reads and validates one 12-byte header. io.EOF is returned
// unmodified when no bytes at all could be read (clean close); any other
// short read is reported as ErrMalformed.
func DecodeHeader(r io.Reader) (Header, error) {
	var raw [HeaderSize]byte
	if _, err := io.ReadFull(r, raw[:]); err != nil {
		if err == io.EOF {
			return Header{}, io.EOF
		}
		return Header{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	typ := Type(binary.BigEndian.Uint32(raw[0:4]))
	if typ > Reconnect {
		return Header{}, fmt.Errorf("%w: type %d", ErrUnsupported, typ)
	}
	return Header{
		Type:     typ,
		ReaderID: binary.BigEndian.Uint32(raw[4:8]),
		Length:   binary.BigEndian.Uint32(raw[8:12]),
	}, nil
}

// ReadMessage reads one full header+payload frame, including a zero-length
// payload when Length == 0.
func ReadMessage(r io.Reader) (Message, error) {
	h, err := DecodeHeader(r)
	if err != nil {
		return Message{}, err
	}
	payload := make([]byte, h.Length)
	if h.Length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Message{}, fmt.Errorf("%w: %v", ErrTruncated, err)
		}
	}
	return Message{Header: h, Payload: payload}, nil
}
