package emul

import (
	"context"
	"crypto/x509"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/virtcca/vscclient/internal/backend"
	"github.com/virtcca/vscclient/internal/reader"
)

type cardState struct {
	reader *reader.Reader
	certs  []*x509.Certificate
}

// Backend is the software-emulated implementation of backend.Backend: a
// fixed set of soft readers, each optionally presenting a card built from
// PEM certificates named in the -e descriptor, exactly as the reference's
// "soft=" NSS emulation does conceptually (without NSS itself).
type Backend struct {
	log zerolog.Logger

	mu      sync.Mutex
	readers map[reader.Handle]*cardState
	nextH   reader.Handle

	events    chan backend.Event
	closeOnce sync.Once
}

// New returns an emulated backend that logs through log.
func New(log zerolog.Logger) *Backend {
	return &Backend{
		log:     log.With().Str("backend", "emul").Logger(),
		readers: make(map[reader.Handle]*cardState),
		events:  make(chan backend.Event, 16),
	}
}

func (b *Backend) Init(ctx context.Context, optString string) error {
	opts, err := ParseOptions(optString)
	if err != nil {
		return err
	}
	if len(opts.SoftReaders) == 0 {
		// No -c/-e configuration: present one empty virtual reader, so the
		// daemon still has something to announce and the console "insert"
		// command has a target.
		opts.SoftReaders = []SoftReaderSpec{{Name: "Virtual Reader", Type: "CAC"}}
	}
	for _, spec := range opts.SoftReaders {
		var certs []*x509.Certificate
		for _, path := range spec.Certs {
			cert, err := loadCertificate(path)
			if err != nil {
				b.log.Error().Err(err).Str("cert", path).Msg("skipping unreadable certificate")
				continue
			}
			certs = append(certs, cert)
		}
		b.addReader(spec.Name, certs)
	}
	return nil
}

func (b *Backend) addReader(name string, certs []*x509.Certificate) *reader.Reader {
	b.mu.Lock()
	h := b.nextH
	b.nextH++
	r := reader.New(h, name)
	b.readers[h] = &cardState{reader: r, certs: certs}
	b.mu.Unlock()

	b.events <- backend.Event{Kind: backend.ReaderInsert, Reader: r}
	return r
}

func (b *Backend) Shutdown() error {
	b.closeOnce.Do(func() { close(b.events) })
	return nil
}

func (b *Backend) Events() <-chan backend.Event { return b.events }

func (b *Backend) Readers() []*reader.Reader {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*reader.Reader, 0, len(b.readers))
	for _, cs := range b.readers {
		out = append(out, cs.reader)
	}
	return out
}

func (b *Backend) state(r *reader.Reader) (*cardState, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cs, ok := b.readers[r.Handle]
	return cs, ok
}

// PowerOn powers the reader on, marking the card present and returning its
// ATR, exactly as VEVENT_CARD_INSERT handling calls vreader_power_on in the
// reference.
func (b *Backend) PowerOn(r *reader.Reader) ([]byte, error) {
	if _, ok := b.state(r); !ok {
		return nil, fmt.Errorf("emul: unknown reader %v", r.Handle)
	}
	atr := syntheticATR(r.Name)
	r.SetCardInserted(atr)
	return atr, nil
}

// Transfer implements a minimal ISO 7816-4 command set: SELECT always
// succeeds, GET DATA returns the DER bytes of the first loaded certificate,
// anything else comes back as "instruction not supported". All three are
// backend-level successes (StatusOK); only a missing reader or absent card
// is a backend-level failure.
func (b *Backend) Transfer(r *reader.Reader, cmd []byte) ([]byte, backend.Status, error) {
	cs, ok := b.state(r)
	if !ok {
		return nil, backend.Status(1), fmt.Errorf("emul: unknown reader %v", r.Handle)
	}
	present, _ := r.CardPresent()
	if !present {
		return nil, backend.Status(1), fmt.Errorf("emul: no card present in reader %v", r.Handle)
	}
	if len(cmd) < 4 {
		return []byte{0x67, 0x00}, backend.StatusOK, nil // wrong length
	}
	ins := cmd[1]
	switch ins {
	case 0xA4: // SELECT
		return []byte{0x90, 0x00}, backend.StatusOK, nil
	case 0xCA: // GET DATA
		if len(cs.certs) == 0 {
			return []byte{0x6A, 0x88}, backend.StatusOK, nil // referenced data not found
		}
		resp := append(append([]byte{}, cs.certs[0].Raw...), 0x90, 0x00)
		return resp, backend.StatusOK, nil
	default:
		return []byte{0x6D, 0x00}, backend.StatusOK, nil // instruction not supported
	}
}

// ForceCardInsert only enqueues the event; powering the reader on (and thus
// marking the card present) is the pump's job when it handles CARD_INSERT,
// matching VEVENT_CARD_INSERT in the reference.
func (b *Backend) ForceCardInsert(r *reader.Reader) error {
	if _, ok := b.state(r); !ok {
		return fmt.Errorf("emul: unknown reader %v", r.Handle)
	}
	b.events <- backend.Event{Kind: backend.CardInsert, Reader: r}
	return nil
}

func (b *Backend) ForceCardRemove(r *reader.Reader) error {
	if _, ok := b.state(r); !ok {
		return fmt.Errorf("emul: unknown reader %v", r.Handle)
	}
	r.SetCardRemoved()
	b.events <- backend.Event{Kind: backend.CardRemove, Reader: r}
	return nil
}

var _ backend.Backend = (*Backend)(nil)
