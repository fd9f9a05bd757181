package wire

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, APDU, 3, []byte{0x00, 0xA4, 0x04, 0x00}))

	msg, err := ReadMessage(&buf)
	require.NoError(t, err)
	require.Equal(t, APDU, msg.Type)
	require.Equal(t, uint32(3), msg.ReaderID)
	require.Equal(t, []byte{0x00, 0xA4, 0x04, 0x00}, msg.Payload)
}

func TestReaderAddResponseGoldenBytes(t *testing.T) {
	// Scenario 1 from spec.md §8: clean attach.
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, ReaderAdd, UndefinedReaderID, nil))
	require.Equal(t, []byte{0, 0, 0, 2, 0xFF, 0xFF, 0xFF, 0xFF, 0, 0, 0, 0}, buf.Bytes())

	buf.Reset()
	require.NoError(t, Encode(&buf, ReaderAddResponse, 0, nil))
	require.Equal(t, []byte{0, 0, 0, 3, 0, 0, 0, 0, 0, 0, 0, 0}, buf.Bytes())
}

func TestErrorGoldenBytes(t *testing.T) {
	// Scenario 2 from spec.md §8: attach rejected.
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, Error, 0, EncodeError(CannotAddMoreReaders)))
	require.Equal(t, []byte{0, 0, 0, 1, 0, 0, 0, 0, 0, 0, 0, 4, 0, 0, 0, 2}, buf.Bytes())
}

func TestAPDUGoldenBytes(t *testing.T) {
	// Scenario 3 from spec.md §8: APDU round trip.
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, APDU, 0, []byte{0x00, 0xA4, 0x04, 0x00}))
	require.Equal(t, []byte{0, 0, 0, 7, 0, 0, 0, 0, 0, 0, 0, 4, 0x00, 0xA4, 0x04, 0x00}, buf.Bytes())

	buf.Reset()
	require.NoError(t, Encode(&buf, APDU, 0, []byte{0x90, 0x00}))
	require.Equal(t, []byte{0, 0, 0, 7, 0, 0, 0, 0, 0, 0, 0, 2, 0x90, 0x00}, buf.Bytes())
}

func TestDecodeHeaderMalformedOnShortRead(t *testing.T) {
	_, err := DecodeHeader(bytes.NewReader([]byte{0, 0, 0}))
	require.ErrorIs(t, err, ErrMalformed)
}

func TestDecodeHeaderEOFOnCleanClose(t *testing.T) {
	_, err := DecodeHeader(bytes.NewReader(nil))
	require.True(t, errors.Is(err, io.EOF))
}

func TestDecodeHeaderUnsupportedType(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, Type(99), 0, nil))
	_, err := DecodeHeader(&buf)
	require.ErrorIs(t, err, ErrUnsupported)
}

func TestReadMessageTruncatedPayload(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, APDU, 0, []byte{1, 2, 3, 4}))
	truncated := buf.Bytes()[:HeaderSize+2]
	_, err := ReadMessage(bytes.NewReader(truncated))
	require.ErrorIs(t, err, ErrTruncated)
}

func TestEmptyPayloadMessageTypesDecodeCleanly(t *testing.T) {
	for _, typ := range []Type{ReaderAddResponse, ReaderRemove, CardRemove} {
		var buf bytes.Buffer
		require.NoError(t, Encode(&buf, typ, 1, nil))
		msg, err := ReadMessage(&buf)
		require.NoError(t, err)
		require.Empty(t, msg.Payload)
	}
}

func TestReaderAddEmptyNameIsValid(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, ReaderAdd, UndefinedReaderID, EncodeReaderAdd("")))
	msg, err := ReadMessage(&buf)
	require.NoError(t, err)
	require.Equal(t, "", DecodeReaderAdd(msg.Payload))
}

func TestATRBoundaryLengths(t *testing.T) {
	ok := make([]byte, MaxATRLength)
	_, err := EncodeATR(ok)
	require.NoError(t, err)

	tooLong := make([]byte, MaxATRLength+1)
	_, err = EncodeATR(tooLong)
	require.Error(t, err)

	_, err = DecodeATR(tooLong)
	require.Error(t, err)
}

func TestAPDUBoundaryLength(t *testing.T) {
	ok := make([]byte, MaxAPDULength)
	_, err := EncodeAPDU(ok)
	require.NoError(t, err)

	tooLong := make([]byte, MaxAPDULength+1)
	_, err = EncodeAPDU(tooLong)
	require.Error(t, err)
}

func TestReconnectRoundTrip(t *testing.T) {
	payload := EncodeReconnect(ReconnectPayload{IP: 0x0A000001, Port: 1234})
	r, err := DecodeReconnect(payload)
	require.NoError(t, err)
	require.Equal(t, uint32(0x0A000001), r.IP)
	require.Equal(t, uint16(1234), r.Port)
}

func TestMakeVersionMatchesCurrentVersion(t *testing.T) {
	require.Equal(t, uint32(1), MakeVersion(0, 0, 1))
	require.Equal(t, CurrentVersion, MakeVersion(0, 0, 1))

	major, middle, minor := SplitVersion(MakeVersion(1, 2, 3))
	require.Equal(t, uint32(1), major)
	require.Equal(t, uint32(2), middle)
	require.Equal(t, uint32(3), minor)
}
