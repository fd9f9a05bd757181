package pump

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/virtcca/vscclient/internal/backend"
	"github.com/virtcca/vscclient/internal/reader"
	"github.com/virtcca/vscclient/internal/sendgate"
	"github.com/virtcca/vscclient/internal/wire"
)

type fakeBackend struct {
	events  chan backend.Event
	readers []*reader.Reader
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{events: make(chan backend.Event, 8)}
}

func (f *fakeBackend) Init(ctx context.Context, options string) error { return nil }
func (f *fakeBackend) Shutdown() error                                { close(f.events); return nil }
func (f *fakeBackend) Events() <-chan backend.Event                   { return f.events }
func (f *fakeBackend) Readers() []*reader.Reader                      { return f.readers }
func (f *fakeBackend) PowerOn(r *reader.Reader) ([]byte, error) {
	atr := []byte{0x3B, 0x00}
	r.SetCardInserted(atr)
	return atr, nil
}
func (f *fakeBackend) Transfer(r *reader.Reader, cmd []byte) ([]byte, backend.Status, error) {
	return []byte{0x90, 0x00}, backend.StatusOK, nil
}
func (f *fakeBackend) ForceCardInsert(r *reader.Reader) error { return nil }
func (f *fakeBackend) ForceCardRemove(r *reader.Reader) error { return nil }

func newTestPump(t *testing.T) (*Pump, *fakeBackend, *reader.Registry, *bytes.Buffer) {
	fb := newFakeBackend()
	reg := reader.NewRegistry()
	gate := reader.NewPendingGate(reg)
	var buf bytes.Buffer
	sg := sendgate.New(&buf)
	p := &Pump{
		Backend: fb,
		Gate:    gate,
		Send:    sg,
		Log:     zerolog.Nop(),
	}
	return p, fb, reg, &buf
}

func readAllMessages(t *testing.T, buf *bytes.Buffer) []wire.Message {
	var out []wire.Message
	for buf.Len() > 0 {
		msg, err := wire.ReadMessage(buf)
		require.NoError(t, err)
		out = append(out, msg)
	}
	return out
}

func TestReaderInsertSendsReaderAdd(t *testing.T) {
	p, fb, reg, buf := newTestPump(t)
	r := reader.New(1, "R0")
	reg.Register(r)
	fb.events <- backend.Event{Kind: backend.ReaderInsert, Reader: r}
	close(fb.events)

	require.NoError(t, p.Run(context.Background()))

	msgs := readAllMessages(t, buf)
	require.Len(t, msgs, 1)
	require.Equal(t, wire.ReaderAdd, msgs[0].Type)
	require.Equal(t, wire.UndefinedReaderID, msgs[0].ReaderID)
	require.Equal(t, "R0", wire.DecodeReaderAdd(msgs[0].Payload))
	require.Equal(t, r, p.Gate.Current())
}

func TestCardBeforeAttachRaceWaitsThenRejectsDropsEvent(t *testing.T) {
	// Scenario 5 from spec.md §8.
	p, fb, reg, buf := newTestPump(t)
	r := reader.New(1, "R1")
	reg.Register(r)

	fb.events <- backend.Event{Kind: backend.ReaderInsert, Reader: r}
	fb.events <- backend.Event{Kind: backend.CardInsert, Reader: r}
	close(fb.events)

	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()

	// Give the pump time to process ReaderInsert and block waiting on
	// CardInsert's stale-event check.
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, r, p.Gate.Current())

	p.Gate.Reject()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("pump never finished after reject")
	}

	msgs := readAllMessages(t, buf)
	require.Len(t, msgs, 1, "CARD_INSERT must not produce an ATR once the reader was rejected")
	require.Equal(t, wire.ReaderAdd, msgs[0].Type)
	present, _ := r.CardPresent()
	require.False(t, present)
}

func TestCardAfterSuccessfulAttachSendsATR(t *testing.T) {
	p, fb, reg, buf := newTestPump(t)
	r := reader.New(1, "R2")
	reg.Register(r)

	fb.events <- backend.Event{Kind: backend.ReaderInsert, Reader: r}
	fb.events <- backend.Event{Kind: backend.CardInsert, Reader: r}
	close(fb.events)

	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()

	time.Sleep(20 * time.Millisecond)
	p.Gate.Resolve(5)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("pump never finished after resolve")
	}

	msgs := readAllMessages(t, buf)
	require.Len(t, msgs, 2)
	require.Equal(t, wire.ReaderAdd, msgs[0].Type)
	require.Equal(t, wire.ATR, msgs[1].Type)
	require.Equal(t, uint32(5), msgs[1].ReaderID)
}

func TestEventForAlreadyRejectedReaderIsDropped(t *testing.T) {
	p, fb, reg, buf := newTestPump(t)
	r := reader.New(1, "R3")
	reg.Register(r)
	// Reader was rejected before this test even starts: id stays Undefined
	// and it is not the pending reader.
	fb.events <- backend.Event{Kind: backend.CardInsert, Reader: r}
	close(fb.events)

	require.NoError(t, p.Run(context.Background()))
	require.Empty(t, buf.Bytes())
}
