package console

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/virtcca/vscclient/internal/backend"
	"github.com/virtcca/vscclient/internal/reader"
	"github.com/virtcca/vscclient/internal/sendgate"
	"github.com/virtcca/vscclient/internal/wire"
)

type recordingBackend struct {
	inserted []reader.Handle
	removed  []reader.Handle
}

func (b *recordingBackend) Init(ctx context.Context, options string) error { return nil }
func (b *recordingBackend) Shutdown() error                                { return nil }
func (b *recordingBackend) Events() <-chan backend.Event                   { return nil }
func (b *recordingBackend) Readers() []*reader.Reader                      { return nil }
func (b *recordingBackend) PowerOn(r *reader.Reader) ([]byte, error)       { return nil, nil }
func (b *recordingBackend) Transfer(r *reader.Reader, cmd []byte) ([]byte, backend.Status, error) {
	return nil, backend.StatusOK, nil
}
func (b *recordingBackend) ForceCardInsert(r *reader.Reader) error {
	b.inserted = append(b.inserted, r.Handle)
	r.SetCardInserted([]byte{0x3B, 0x00})
	return nil
}
func (b *recordingBackend) ForceCardRemove(r *reader.Reader) error {
	b.removed = append(b.removed, r.Handle)
	r.SetCardRemoved()
	return nil
}

type noopCloser struct{ closed bool }

func (c *noopCloser) Close() error { c.closed = true; return nil }

func newTestConsole(t *testing.T, input string) (*Console, *bytes.Buffer, *reader.Registry, *recordingBackend, *bytes.Buffer) {
	reg := reader.NewRegistry()
	be := &recordingBackend{}
	var sendBuf bytes.Buffer
	sg := sendgate.New(&sendBuf)
	var out bytes.Buffer
	c := New(strings.NewReader(input), &out, reg, be, sg, &noopCloser{}, zerolog.Nop(), nil, nil)
	return c, &out, reg, be, &sendBuf
}

func TestInsertUsesExplicitID(t *testing.T) {
	c, out, reg, be, _ := newTestConsole(t, "insert 3\n")
	r := reader.New(1, "R0")
	reg.Register(r)
	reg.Assign(r, 3)

	require.NoError(t, c.Run())
	require.Len(t, be.inserted, 1)
	require.Contains(t, out.String(), "insert R0")
}

func TestSelectStickinessAffectsBareInsert(t *testing.T) {
	c, out, reg, be, _ := newTestConsole(t, "select 3\ninsert\n")
	r := reader.New(1, "R0")
	reg.Register(r)
	reg.Assign(r, 3)

	require.NoError(t, c.Run())
	require.Len(t, be.inserted, 1)
	require.Contains(t, out.String(), "Selecting reader 3, R0")
}

func TestInsertUnknownReaderReportsInvalid(t *testing.T) {
	c, out, _, be, _ := newTestConsole(t, "insert 42\n")
	require.NoError(t, c.Run())
	require.Empty(t, be.inserted)
	require.Contains(t, out.String(), "invalid reader")
}

func TestSelectUnknownReportsNotFound(t *testing.T) {
	c, out, _, _, _ := newTestConsole(t, "select 99\n")
	require.NoError(t, c.Run())
	require.Contains(t, out.String(), "Reader with id 99 not found")
}

func TestExitSendsCardRemoveThenReaderRemoveForPresentCards(t *testing.T) {
	c, _, reg, be, sendBuf := newTestConsole(t, "exit\n")
	r := reader.New(1, "R0")
	reg.Register(r)
	reg.Assign(r, 5)
	require.NoError(t, be.ForceCardInsert(r))

	require.NoError(t, c.Run())

	msg1, err := wire.ReadMessage(sendBuf)
	require.NoError(t, err)
	require.Equal(t, wire.CardRemove, msg1.Type)
	require.Equal(t, uint32(5), msg1.ReaderID)

	msg2, err := wire.ReadMessage(sendBuf)
	require.NoError(t, err)
	require.Equal(t, wire.ReaderRemove, msg2.Type)
	require.Equal(t, uint32(5), msg2.ReaderID)
}

func TestExitSkipsUnassignedReaders(t *testing.T) {
	c, _, reg, _, sendBuf := newTestConsole(t, "exit\n")
	r := reader.New(1, "R0") // never assigned an id
	reg.Register(r)

	require.NoError(t, c.Run())
	require.Empty(t, sendBuf.Bytes())
}

func TestDebugReportsLevel(t *testing.T) {
	level := zerolog.InfoLevel
	reg := reader.NewRegistry()
	be := &recordingBackend{}
	sg := sendgate.New(&bytes.Buffer{})
	var out bytes.Buffer
	c := New(strings.NewReader("debug 11\n"), &out, reg, be, sg, &noopCloser{}, zerolog.Nop(), nil, &level)

	require.NoError(t, c.Run())
	require.Equal(t, zerolog.TraceLevel, level)
	require.Contains(t, out.String(), "debug level = 11")
}
