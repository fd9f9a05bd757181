package wire

import (
	"encoding/binary"
	"fmt"
)

// EncodeInit builds the payload for an Init message.
func EncodeInit(version uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, version)
	return buf
}

// DecodeInit parses an Init payload.
func DecodeInit(payload []byte) (uint32, error) {
	if len(payload) != 4 {
		return 0, fmt.Errorf("wire: Init payload must be 4 bytes, got %d", len(payload))
	}
	return binary.BigEndian.Uint32(payload), nil
}

// EncodeError builds the payload for an Error message.
func EncodeError(code ErrorCode) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, uint32(code))
	return buf
}

// DecodeError parses an Error payload.
func DecodeError(payload []byte) (ErrorCode, error) {
	if len(payload) != 4 {
		return 0, fmt.Errorf("wire: Error payload must be 4 bytes, got %d", len(payload))
	}
	return ErrorCode(binary.BigEndian.Uint32(payload)), nil
}

// EncodeReaderAdd builds the payload for a ReaderAdd message. name may be
// empty; per spec.md §9 implementations should prefer sending the real name.
func EncodeReaderAdd(name string) []byte {
	return []byte(name)
}

// DecodeReaderAdd decodes a ReaderAdd payload into a reader name.
func DecodeReaderAdd(payload []byte) string {
	return string(payload)
}

// EncodeATR validates and returns an ATR payload; the wire limit is 40 bytes.
func EncodeATR(atr []byte) ([]byte, error) {
	if len(atr) > MaxATRLength {
		return nil, fmt.Errorf("wire: ATR length %d exceeds max %d", len(atr), MaxATRLength)
	}
	return atr, nil
}

// DecodeATR validates an inbound ATR payload.
func DecodeATR(payload []byte) ([]byte, error) {
	if len(payload) > MaxATRLength {
		return nil, fmt.Errorf("wire: ATR length %d exceeds max %d", len(payload), MaxATRLength)
	}
	return payload, nil
}

// EncodeAPDU validates and returns an APDU payload; the reference limit is
// 270 bytes (APDUBufSize in vscclient.c).
func EncodeAPDU(apdu []byte) ([]byte, error) {
	if len(apdu) > MaxAPDULength {
		return nil, fmt.Errorf("wire: APDU length %d exceeds max %d", len(apdu), MaxAPDULength)
	}
	return apdu, nil
}

// DecodeAPDU validates an inbound APDU payload.
func DecodeAPDU(payload []byte) ([]byte, error) {
	if len(payload) > MaxAPDULength {
		return nil, fmt.Errorf("wire: APDU length %d exceeds max %d", len(payload), MaxAPDULength)
	}
	return payload, nil
}

// ReconnectPayload is the decoded payload of a Reconnect message.
type ReconnectPayload struct {
	IP   uint32 // 0 means "reconnect to current host with port+1"
	Port uint16
}

// EncodeReconnect builds the payload for a Reconnect message (used by tests
// and by any server-side harness exercising this client).
func EncodeReconnect(r ReconnectPayload) []byte {
	buf := make([]byte, 6)
	binary.BigEndian.PutUint32(buf[0:4], r.IP)
	binary.BigEndian.PutUint16(buf[4:6], r.Port)
	return buf
}

// DecodeReconnect parses a Reconnect payload.
func DecodeReconnect(payload []byte) (ReconnectPayload, error) {
	if len(payload) != 6 {
		return ReconnectPayload{}, fmt.Errorf("wire: Reconnect payload must be 6 bytes, got %d", len(payload))
	}
	return ReconnectPayload{
		IP:   binary.BigEndian.Uint32(payload[0:4]),
		Port: binary.BigEndian.Uint16(payload[4:6]),
	}, nil
}
