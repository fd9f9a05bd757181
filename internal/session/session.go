// Package session implements the session loop (C5 from spec.md §4.5): it
// owns the TCP socket, dispatches inbound messages, drives the APDU round
// trip against the backend, and handles host-initiated Reconnect.
package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/rs/xid"
	"github.com/rs/zerolog"

	"github.com/virtcca/vscclient/internal/backend"
	"github.com/virtcca/vscclient/internal/metricsx"
	"github.com/virtcca/vscclient/internal/reader"
	"github.com/virtcca/vscclient/internal/sendgate"
	"github.com/virtcca/vscclient/internal/wire"
)

// ErrFatalProtocol is returned when the host sends a message type the
// session loop does not expect on its read side (spec.md §7 "protocol
// fatal").
var ErrFatalProtocol = errors.New("session: unexpected message type")

// Dialer opens the initial and any reconnect TCP connections. Tests supply
// a fake; production code uses net.Dialer.
type Dialer interface {
	Dial(ctx context.Context, network, address string) (net.Conn, error)
}

type netDialer struct{}

func (netDialer) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, network, address)
}

// NetDialer is the production Dialer, backed by net.Dialer.
var NetDialer Dialer = netDialer{}

// Session owns the socket, the send gate, and the reader/pending state for
// one logical connection to the host, surviving across Reconnect (spec.md
// §9 "Global state": encapsulated here rather than process-wide statics).
type Session struct {
	Dialer   Dialer
	Backend  backend.Backend
	Registry *reader.Registry
	Gate     *reader.PendingGate
	Send     *sendgate.Gate
	Log      zerolog.Logger
	Metrics  *metricsx.Metrics

	mu      sync.Mutex
	host    string
	port    int
	conn    net.Conn
	corrID  xid.ID
	sessLog zerolog.Logger

	startupOnce sync.Once
	startupErr  error
}

// New builds a Session with the given starting host/port. Callers must
// still call Connect before Run.
func New(dialer Dialer, be backend.Backend, reg *reader.Registry, gate *reader.PendingGate, send *sendgate.Gate, log zerolog.Logger, m *metricsx.Metrics, host string, port int) *Session {
	return &Session{
		Dialer:   dialer,
		Backend:  be,
		Registry: reg,
		Gate:     gate,
		Send:     send,
		Log:      log,
		Metrics:  m,
		host:     host,
		port:     port,
	}
}

// Connect dials (host, port), replaces the active connection, assigns a
// fresh correlation id for the new connection's log lines, and points the
// send gate at the new socket.
func (s *Session) Connect(ctx context.Context) error {
	addr := net.JoinHostPort(s.host, strconv.Itoa(s.port))
	conn, err := s.Dialer.Dial(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("session: dial %s: %w", addr, err)
	}

	s.mu.Lock()
	if s.conn != nil {
		_ = s.conn.Close()
	}
	s.conn = conn
	s.corrID = xid.New()
	s.sessLog = s.Log.With().Str("conn", s.corrID.String()).Str("addr", addr).Logger()
	s.mu.Unlock()

	s.Send.SetConn(conn)
	s.sessLog.Info().Msg("connected")
	return nil
}

func (s *Session) logger() zerolog.Logger {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessLog
}

func (s *Session) activeConn() net.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// Startup sends the stale-reader cleanup ReaderRemove(MINIMAL_READER_ID)
// required by spec.md §4.5's startup sequence. It must complete before the
// event pump starts, so that the cleanup frame cannot race the pump's first
// ReaderAdd on the wire; callers that drive the pump and Run as separate
// goroutines (see cmd/vscclient) must call Startup and wait for it to
// return before starting the pump. It is idempotent: only the first call
// sends anything, and Run also calls it so a caller that only invokes Run
// still gets the startup frame.
func (s *Session) Startup() error {
	s.startupOnce.Do(func() {
		s.startupErr = s.Send.Send(wire.ReaderRemove, wire.MinimalReaderID, nil)
	})
	return s.startupErr
}

// Run performs the startup sequence (spec.md §4.5) if it hasn't already run,
// then loops reading inbound frames until a fatal error or ctx cancellation.
// Closing the connection with Close (as the console's "exit" command does)
// ends the loop with a read error.
func (s *Session) Run(ctx context.Context) error {
	if err := s.Startup(); err != nil {
		return fmt.Errorf("session: startup ReaderRemove: %w", err)
	}

	// A blocking socket read has no native context support; a watcher
	// goroutine closes the active connection on cancellation so the read
	// below unblocks instead of hanging the process on shutdown.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			_ = s.activeConn().Close()
		case <-watchDone:
		}
	}()

	for {
		msg, err := wire.ReadMessage(s.activeConn())
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("session: read: %w", err)
		}

		if s.Metrics != nil {
			if c := s.Metrics.MessagesReceived[msg.Type.String()]; c != nil {
				c.Inc()
			}
		}

		if err := s.dispatch(ctx, msg); err != nil {
			if errors.Is(err, ErrFatalProtocol) {
				return err
			}
			s.logger().Error().Err(err).Stringer("type", msg.Type).Msg("session dispatch")
		}

		if ctx.Err() != nil {
			return nil
		}
	}
}

// dispatch implements spec.md §4.5 step 2's switch on inbound type.
func (s *Session) dispatch(ctx context.Context, msg wire.Message) error {
	switch msg.Type {
	case wire.APDU:
		return s.handleAPDU(msg)
	case wire.Reconnect:
		return s.handleReconnect(ctx, msg)
	case wire.ReaderAddResponse:
		return s.handleReaderAddResponse(msg)
	case wire.Error:
		return s.handleError(msg)
	default:
		return fmt.Errorf("%w: %s", ErrFatalProtocol, msg.Type)
	}
}

func (s *Session) handleAPDU(msg wire.Message) error {
	r, ok := s.Registry.ByID(msg.ReaderID)
	if !ok {
		return fmt.Errorf("session: APDU for unknown reader_id %d", msg.ReaderID)
	}
	cmd, err := wire.DecodeAPDU(msg.Payload)
	if err != nil {
		return err
	}
	resp, status, err := s.Backend.Transfer(r, cmd)
	if err != nil {
		s.logger().Warn().Err(err).Uint32("reader_id", msg.ReaderID).Msg("backend transfer failed")
		if status == backend.StatusOK {
			status = backend.Status(wire.GeneralError)
		}
		return s.send(wire.Error, msg.ReaderID, wire.EncodeError(wire.ErrorCode(status)))
	}
	if status != backend.StatusOK {
		return s.send(wire.Error, msg.ReaderID, wire.EncodeError(wire.ErrorCode(status)))
	}
	payload, err := wire.EncodeAPDU(resp)
	if err != nil {
		return err
	}
	return s.send(wire.APDU, msg.ReaderID, payload)
}

// handleReconnect implements spec.md §4.1's Reconnect rule and §9's
// decision to preserve pending-attach state across migration (Open
// Question resolved in SPEC_FULL.md §13: the pending slot survives; the
// host is expected to replay ReaderAddResponse or Error after migration).
func (s *Session) handleReconnect(ctx context.Context, msg wire.Message) error {
	rc, err := wire.DecodeReconnect(msg.Payload)
	if err != nil {
		return err
	}

	s.mu.Lock()
	newHost := s.host
	newPort := s.port
	if rc.IP == 0 {
		newPort = s.port + 1
	} else {
		newHost = ipv4ToString(rc.IP)
		newPort = int(rc.Port)
	}
	s.host, s.port = newHost, newPort
	s.mu.Unlock()

	if s.Metrics != nil {
		s.Metrics.Reconnects.Inc()
	}
	s.logger().Info().Str("new_host", newHost).Int("new_port", newPort).Msg("RECONNECT")
	return s.Connect(ctx)
}

func (s *Session) handleReaderAddResponse(msg wire.Message) error {
	id := msg.ReaderID
	r := s.Gate.Resolve(id)
	if r == nil {
		return fmt.Errorf("session: ReaderAddResponse with no pending attach")
	}
	if s.Metrics != nil {
		s.Metrics.AttachesResolved.Inc()
	}
	s.logger().Debug().Str("reader", r.Name).Uint32("reader_id", id).Msg("READER_ADD_RESPONSE")
	return nil
}

func (s *Session) handleError(msg wire.Message) error {
	code, err := wire.DecodeError(msg.Payload)
	if err != nil {
		return err
	}
	if code == wire.CannotAddMoreReaders {
		r := s.Gate.Reject()
		if s.Metrics != nil {
			s.Metrics.AttachesRejected.Inc()
		}
		if r != nil {
			s.logger().Warn().Str("reader", r.Name).Msg("attach rejected: CANNOT_ADD_MORE_READERS")
		}
		return nil
	}
	s.logger().Warn().Uint32("code", uint32(code)).Msg("host Error message")
	return nil
}

func (s *Session) send(typ wire.Type, readerID uint32, payload []byte) error {
	if err := s.Send.Send(typ, readerID, payload); err != nil {
		if s.Metrics != nil {
			s.Metrics.TransportErrors.Inc()
		}
		return err
	}
	if s.Metrics != nil {
		if c := s.Metrics.MessagesSent[typ.String()]; c != nil {
			c.Inc()
		}
	}
	return nil
}

func ipv4ToString(ip uint32) string {
	return fmt.Sprintf("%d.%d.%d.%d", byte(ip>>24), byte(ip>>16), byte(ip>>8), byte(ip))
}

// Close tears down the active connection, used by the console's "exit"
// command after it has sent CardRemove/ReaderRemove for every reader.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

// WaitForDial is a small helper that retries Connect with a backoff, for a
// host that may not be listening yet. cmd/vscclient does not use it: its
// startup dials exactly once and treats failure as exit code 5.
func WaitForDial(ctx context.Context, s *Session, attempts int, backoff time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = s.Connect(ctx); err == nil {
			return nil
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}
