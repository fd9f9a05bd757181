package passthrough

import (
	"encoding/binary"
	"fmt"
	"net"
)

// messageSendWithHeader writes a pcscd IPC command header (a single
// little-endian uint32 command code) followed by payload, matching
// SendMsg's framing style in the reference vscclient/winscard.go.
func messageSendWithHeader(cmd uint32, conn net.Conn, payload []byte) error {
	hdr := make([]byte, 4)
	binary.LittleEndian.PutUint32(hdr, cmd)
	if _, err := conn.Write(hdr); err != nil {
		return fmt.Errorf("passthrough: write command header: %w", err)
	}
	if len(payload) > 0 {
		if _, err := conn.Write(payload); err != nil {
			return fmt.Errorf("passthrough: write command payload: %w", err)
		}
	}
	return nil
}

func readFull(conn net.Conn, n int) ([]byte, error) {
	buf := make([]byte, n)
	total := 0
	for total < n {
		k, err := conn.Read(buf[total:])
		if err != nil {
			return nil, err
		}
		total += k
	}
	return buf, nil
}

// readerState mirrors the reference's on-wire reader state descriptor.
type readerState struct {
	Name         string
	EventCounter uint32
	State        uint32
	Sharing      uint32
	ATR          []byte
	ATRLength    uint32
	Protocol     uint32
}

func decodeReaderState(data []byte) (readerState, error) {
	if len(data) < readerStateDescriptorLength {
		return readerState{}, fmt.Errorf("passthrough: short reader state descriptor: %d < %d", len(data), readerStateDescriptorLength)
	}
	var off int
	nameRaw := data[off : off+readerStateNameLength]
	off += readerStateNameLength
	eventCounter := binary.LittleEndian.Uint32(data[off:])
	off += 4
	state := binary.LittleEndian.Uint32(data[off:])
	off += 4
	sharing := binary.LittleEndian.Uint32(data[off:])
	off += 4
	atr := make([]byte, readerStateMaxATRLength)
	copy(atr, data[off:off+readerStateMaxATRLength])
	off += readerStateMaxATRLength
	atrLen := binary.LittleEndian.Uint32(data[off:])
	off += 4
	protocol := binary.LittleEndian.Uint32(data[off:])

	name := string(nameRaw)
	if i := indexZero(nameRaw); i >= 0 {
		name = string(nameRaw[:i])
	}
	if atrLen > readerStateMaxATRLength {
		atrLen = readerStateMaxATRLength
	}
	return readerState{
		Name:         name,
		EventCounter: eventCounter,
		State:        state,
		Sharing:      sharing,
		ATR:          atr[:atrLen],
		ATRLength:    atrLen,
		Protocol:     protocol,
	}, nil
}

func indexZero(b []byte) int {
	for i, c := range b {
		if c == 0 {
			return i
		}
	}
	return -1
}

// Client is a small pcscd IPC client: version handshake, context
// establishment, reader enumeration, connect/transmit/disconnect. Adapted
// from gballet/go-libpcsclite's PCSCDClient.
type Client struct {
	conn net.Conn

	major, minor uint32
	ctx          uint32

	// cardHandles tracks the per-reader SCardConnect handle, needed by
	// Transmit/Disconnect; pcscd identifies a connected card by this value
	// rather than by reader name.
	cardHandles map[string]uint32
}

// NewClient dials path (typically PCSCDSockName) and performs the version
// handshake and context establishment, as SCardEstablishContext does in the
// reference.
func NewClient(path string) (*Client, error) {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return nil, fmt.Errorf("passthrough: dial %s: %w", path, err)
	}
	c := &Client{conn: conn, cardHandles: make(map[string]uint32)}

	payload := make([]byte, 12)
	binary.LittleEndian.PutUint32(payload, protocolVersionMajor)
	binary.LittleEndian.PutUint32(payload[4:], protocolVersionMinor)
	binary.LittleEndian.PutUint32(payload[8:], SCardSuccess)
	if err := messageSendWithHeader(cmdVersion, conn, payload); err != nil {
		return nil, err
	}
	resp, err := readFull(conn, 12)
	if err != nil {
		return nil, fmt.Errorf("passthrough: version handshake: %w", err)
	}
	code := binary.LittleEndian.Uint32(resp[8:])
	if code != SCardSuccess {
		return nil, fmt.Errorf("passthrough: version handshake returned code %d", code)
	}
	c.major = binary.LittleEndian.Uint32(resp)
	c.minor = binary.LittleEndian.Uint32(resp[4:])
	if c.major != protocolVersionMajor || c.minor != protocolVersionMinor {
		return nil, fmt.Errorf("passthrough: version mismatch: want %d.%d, got %d.%d", protocolVersionMajor, protocolVersionMinor, c.major, c.minor)
	}

	binary.LittleEndian.PutUint32(payload, 0 /* SCARD_SCOPE_SYSTEM */)
	binary.LittleEndian.PutUint32(payload[4:], 0)
	binary.LittleEndian.PutUint32(payload[8:], SCardSuccess)
	if err := messageSendWithHeader(cmdEstablishContext, conn, payload); err != nil {
		return nil, err
	}
	resp, err = readFull(conn, 12)
	if err != nil {
		return nil, fmt.Errorf("passthrough: establish context: %w", err)
	}
	code = binary.LittleEndian.Uint32(resp[8:])
	if code != SCardSuccess {
		return nil, fmt.Errorf("passthrough: establish context returned code %d", code)
	}
	c.ctx = binary.LittleEndian.Uint32(resp[4:])
	return c, nil
}

// Close releases the context and closes the underlying socket.
func (c *Client) Close() error {
	data := make([]byte, 8)
	binary.LittleEndian.PutUint32(data, c.ctx)
	binary.LittleEndian.PutUint32(data[4:], SCardSuccess)
	if err := messageSendWithHeader(cmdReleaseContext, c.conn, data); err == nil {
		_, _ = readFull(c.conn, 8)
	}
	return c.conn.Close()
}

// ListReaders returns the readers pcscd currently knows about.
func (c *Client) ListReaders() ([]readerState, error) {
	if err := messageSendWithHeader(cmdGetReaderState, c.conn, nil); err != nil {
		return nil, err
	}
	resp, err := readFull(c.conn, readerStateDescriptorLength*maxReaderStateDescriptors)
	if err != nil {
		return nil, fmt.Errorf("passthrough: list readers: %w", err)
	}
	var out []readerState
	for i := 0; i < maxReaderStateDescriptors; i++ {
		st, err := decodeReaderState(resp[i*readerStateDescriptorLength:])
		if err != nil {
			return nil, err
		}
		if st.Name == "" {
			continue
		}
		out = append(out, st)
	}
	return out, nil
}

// Connect establishes a card connection on name and returns the connect
// handle used by Transmit/Disconnect.
func (c *Client) Connect(name string) (uint32, error) {
	payload := make([]byte, 4+readerStateNameLength+12)
	binary.LittleEndian.PutUint32(payload, c.ctx)
	copy(payload[4:], name)
	binary.LittleEndian.PutUint32(payload[4+readerStateNameLength:], scardShareShared)
	binary.LittleEndian.PutUint32(payload[4+readerStateNameLength+4:], scardProtocolAny)
	binary.LittleEndian.PutUint32(payload[4+readerStateNameLength+8:], SCardSuccess)
	if err := messageSendWithHeader(cmdConnect, c.conn, payload); err != nil {
		return 0, err
	}
	resp, err := readFull(c.conn, 12)
	if err != nil {
		return 0, fmt.Errorf("passthrough: connect %q: %w", name, err)
	}
	code := binary.LittleEndian.Uint32(resp[8:])
	if code != SCardSuccess {
		return 0, fmt.Errorf("passthrough: connect %q returned code %d", name, code)
	}
	handle := binary.LittleEndian.Uint32(resp[4:])
	c.cardHandles[name] = handle
	return handle, nil
}

// Disconnect releases the connection for name, leaving the card in place.
func (c *Client) Disconnect(name string) error {
	handle, ok := c.cardHandles[name]
	if !ok {
		return nil
	}
	payload := make([]byte, 12)
	binary.LittleEndian.PutUint32(payload, handle)
	binary.LittleEndian.PutUint32(payload[4:], scardLeaveCard)
	binary.LittleEndian.PutUint32(payload[8:], SCardSuccess)
	if err := messageSendWithHeader(cmdDisconnect, c.conn, payload); err != nil {
		return err
	}
	if _, err := readFull(c.conn, 8); err != nil {
		return fmt.Errorf("passthrough: disconnect %q: %w", name, err)
	}
	delete(c.cardHandles, name)
	return nil
}

// Transmit sends cmd to the card connected via Connect(name) and returns
// the response APDU.
func (c *Client) Transmit(name string, cmd []byte) ([]byte, error) {
	handle, ok := c.cardHandles[name]
	if !ok {
		return nil, fmt.Errorf("passthrough: %q is not connected", name)
	}
	payload := make([]byte, 4+4+4+len(cmd))
	binary.LittleEndian.PutUint32(payload, handle)
	binary.LittleEndian.PutUint32(payload[4:], scardProtocolAny)
	binary.LittleEndian.PutUint32(payload[8:], uint32(len(cmd)))
	copy(payload[12:], cmd)
	if err := messageSendWithHeader(cmdTransmit, c.conn, payload); err != nil {
		return nil, err
	}
	head, err := readFull(c.conn, 8)
	if err != nil {
		return nil, fmt.Errorf("passthrough: transmit %q: %w", name, err)
	}
	code := binary.LittleEndian.Uint32(head)
	respLen := binary.LittleEndian.Uint32(head[4:])
	if code != SCardSuccess {
		return nil, fmt.Errorf("passthrough: transmit %q returned code %d", name, code)
	}
	return readFull(c.conn, int(respLen))
}
