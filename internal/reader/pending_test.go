package reader

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/virtcca/vscclient/internal/wire"
)

func TestCleanAttach(t *testing.T) {
	reg := NewRegistry()
	gate := NewPendingGate(reg)
	r := New(1, "R0")
	reg.Register(r)

	require.NoError(t, gate.Begin(context.Background(), r))
	require.Equal(t, r, gate.Current())

	gate.Resolve(0)
	require.Nil(t, gate.Current())
	require.Equal(t, uint32(0), r.ID())

	got, ok := reg.ByID(0)
	require.True(t, ok)
	require.Equal(t, r, got)
}

func TestAttachRejected(t *testing.T) {
	reg := NewRegistry()
	gate := NewPendingGate(reg)
	r := New(1, "R0")
	reg.Register(r)

	require.NoError(t, gate.Begin(context.Background(), r))
	gate.Reject()

	require.Nil(t, gate.Current())
	require.Equal(t, wire.UndefinedReaderID, r.ID())
}

func TestSerializedAttaches(t *testing.T) {
	// Scenario 4 from spec.md §8: the second READER_INSERT does not
	// complete Begin until the first's Resolve happens.
	reg := NewRegistry()
	gate := NewPendingGate(reg)
	r0 := New(1, "R0")
	r1 := New(2, "R1")
	reg.Register(r0)
	reg.Register(r1)

	require.NoError(t, gate.Begin(context.Background(), r0))

	secondBegan := make(chan struct{})
	go func() {
		require.NoError(t, gate.Begin(context.Background(), r1))
		close(secondBegan)
	}()

	select {
	case <-secondBegan:
		t.Fatal("second Begin completed before first Resolve")
	case <-time.After(50 * time.Millisecond):
	}

	gate.Resolve(0)

	select {
	case <-secondBegan:
	case <-time.After(time.Second):
		t.Fatal("second Begin never completed after first Resolve")
	}
	require.Equal(t, r1, gate.Current())
	gate.Resolve(1)
	require.Equal(t, uint32(1), r1.ID())
}

func TestAtMostOnePendingReaderInvariant(t *testing.T) {
	// P1: at all times, at most one reader is in the pending-attach state.
	reg := NewRegistry()
	gate := NewPendingGate(reg)
	const n = 8
	readers := make([]*Reader, n)
	for i := range readers {
		readers[i] = New(Handle(i), "R")
		reg.Register(readers[i])
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	maxConcurrent := 0
	concurrent := 0

	for _, r := range readers {
		wg.Add(1)
		go func(r *Reader) {
			defer wg.Done()
			require.NoError(t, gate.Begin(context.Background(), r))
			mu.Lock()
			concurrent++
			if concurrent > maxConcurrent {
				maxConcurrent = concurrent
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			concurrent--
			mu.Unlock()
			gate.Resolve(r.Handle.ID())
		}(r)
	}
	wg.Wait()
	require.Equal(t, 1, maxConcurrent)
}

func (h Handle) ID() uint32 { return uint32(h) }

func TestByIDConsistentAcrossGoroutines(t *testing.T) {
	reg := NewRegistry()
	r := New(1, "R0")
	reg.Register(r)

	done := make(chan struct{})
	go func() {
		reg.Assign(r, 7)
		close(done)
	}()
	<-done

	got, ok := reg.ByID(7)
	require.True(t, ok)
	require.Same(t, r, got)
}
