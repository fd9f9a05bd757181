// Package pump implements the event pump (C4 from spec.md §4.4): it drains
// the backend's local event queue and converts each event into an outbound
// wire message, honoring the stale-event filter and the pending-attach
// gate's mutual exclusion.
package pump

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/virtcca/vscclient/internal/backend"
	"github.com/virtcca/vscclient/internal/metricsx"
	"github.com/virtcca/vscclient/internal/reader"
	"github.com/virtcca/vscclient/internal/sendgate"
	"github.com/virtcca/vscclient/internal/wire"
)

// Pump owns the producer side of the VSC connection.
type Pump struct {
	Backend backend.Backend
	Gate    *reader.PendingGate
	Send    *sendgate.Gate
	Log     zerolog.Logger
	Metrics *metricsx.Metrics
}

// Run drains Backend.Events until the channel closes (the reference's
// event_wait returning NULL) or ctx is canceled.
func (p *Pump) Run(ctx context.Context) error {
	for {
		select {
		case ev, ok := <-p.Backend.Events():
			if !ok {
				return nil
			}
			if err := p.handle(ctx, ev); err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return err
				}
				p.Log.Error().Err(err).Stringer("event", ev.Kind).Msg("event pump")
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// handle implements spec.md §4.4 steps 2-5.
func (p *Pump) handle(ctx context.Context, ev backend.Event) error {
	r := ev.Reader
	id := r.ID()

	if id == wire.UndefinedReaderID && ev.Kind != backend.ReaderInsert {
		// Stale-event filter (step 3): either this reader was already
		// rejected (drop), or it is the currently-pending reader and we
		// must wait for the handshake to resolve before deciding.
		if p.Gate.Current() != r {
			return nil
		}
		if err := p.Gate.WaitIdle(ctx); err != nil {
			return err
		}
		id = r.ID()
		if id == wire.UndefinedReaderID {
			return nil // rejected while we waited
		}
	}

	switch ev.Kind {
	case backend.ReaderInsert:
		if err := p.Gate.Begin(ctx, r); err != nil {
			return err
		}
		p.Log.Debug().Str("reader", r.Name).Msg("READER_INSERT")
		return p.send(wire.ReaderAdd, wire.UndefinedReaderID, wire.EncodeReaderAdd(r.Name))

	case backend.ReaderRemove:
		p.Log.Debug().Str("reader", r.Name).Uint32("reader_id", id).Msg("READER_REMOVE")
		return p.send(wire.ReaderRemove, id, nil)

	case backend.CardInsert:
		atr, err := p.Backend.PowerOn(r)
		if err != nil {
			return err
		}
		payload, err := wire.EncodeATR(atr)
		if err != nil {
			return err
		}
		p.Log.Debug().Str("reader", r.Name).Uint32("reader_id", id).Hex("atr", atr).Msg("CARD_INSERT")
		return p.send(wire.ATR, id, payload)

	case backend.CardRemove:
		p.Log.Debug().Str("reader", r.Name).Uint32("reader_id", id).Msg("CARD_REMOVE")
		return p.send(wire.CardRemove, id, nil)

	default:
		return nil
	}
}

func (p *Pump) send(typ wire.Type, readerID uint32, payload []byte) error {
	if err := p.Send.Send(typ, readerID, payload); err != nil {
		if p.Metrics != nil {
			p.Metrics.TransportErrors.Inc()
		}
		return err
	}
	if p.Metrics != nil {
		if c := p.Metrics.MessagesSent[typ.String()]; c != nil {
			c.Inc()
		}
	}
	return nil
}
