package passthrough

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/virtcca/vscclient/internal/backend"
	"github.com/virtcca/vscclient/internal/reader"
)

// pollInterval is how often the backend re-lists pcscd's readers to detect
// insert/remove and card-presence changes. The real PC/SC API offers a
// blocking SCardGetStatusChange; pcscd's wire framing for that call is not
// present anywhere in the retrieval pack to ground an implementation on, so
// this backend polls ListReaders instead and documents the tradeoff here
// rather than guessing at an unseen wire format.
const pollInterval = 500 * time.Millisecond

type readerEntry struct {
	r       *reader.Reader
	lastATR []byte
	present bool
}

// Backend bridges real smart-card readers, reached through pcscd, into the
// VSC protocol (the -p passthrough mode from spec.md §6).
type Backend struct {
	log    zerolog.Logger
	client *Client

	mu     sync.Mutex
	byName map[string]*readerEntry
	nextH  reader.Handle

	events chan backend.Event
	stop   chan struct{}
	wg     sync.WaitGroup
}

// New returns a passthrough backend that logs through log.
func New(log zerolog.Logger) *Backend {
	return &Backend{
		log:    log.With().Str("backend", "passthrough").Logger(),
		byName: make(map[string]*readerEntry),
		events: make(chan backend.Event, 16),
		stop:   make(chan struct{}),
	}
}

// Init dials pcscd (options, if non-empty, overrides PCSCDSockName) and
// starts the polling loop that feeds Events.
func (b *Backend) Init(ctx context.Context, options string) error {
	sock := PCSCDSockName
	if options != "" {
		sock = options
	}
	client, err := NewClient(sock)
	if err != nil {
		return err
	}
	b.client = client

	b.wg.Add(1)
	go b.pollLoop()
	return nil
}

func (b *Backend) pollLoop() {
	defer b.wg.Done()
	t := time.NewTicker(pollInterval)
	defer t.Stop()
	for {
		select {
		case <-b.stop:
			return
		case <-t.C:
			b.poll()
		}
	}
}

func (b *Backend) poll() {
	states, err := b.client.ListReaders()
	if err != nil {
		b.log.Error().Err(err).Msg("list readers")
		return
	}
	seen := make(map[string]bool, len(states))

	b.mu.Lock()
	var toInsert, toCardInsert, toCardRemove []*reader.Reader
	var toRemove []*reader.Reader
	for _, st := range states {
		seen[st.Name] = true
		entry, ok := b.byName[st.Name]
		if !ok {
			h := b.nextH
			b.nextH++
			entry = &readerEntry{r: reader.New(h, st.Name)}
			b.byName[st.Name] = entry
			toInsert = append(toInsert, entry.r)
		}
		present := st.State&scardPresent != 0
		if present && !entry.present {
			entry.present = true
			entry.lastATR = st.ATR
			toCardInsert = append(toCardInsert, entry.r)
		} else if !present && entry.present {
			entry.present = false
			entry.lastATR = nil
			toCardRemove = append(toCardRemove, entry.r)
		}
	}
	for name, entry := range b.byName {
		if !seen[name] {
			toRemove = append(toRemove, entry.r)
			delete(b.byName, name)
		}
	}
	b.mu.Unlock()

	for _, r := range toInsert {
		b.events <- backend.Event{Kind: backend.ReaderInsert, Reader: r}
	}
	for _, r := range toCardInsert {
		b.events <- backend.Event{Kind: backend.CardInsert, Reader: r}
	}
	for _, r := range toCardRemove {
		b.events <- backend.Event{Kind: backend.CardRemove, Reader: r}
	}
	for _, r := range toRemove {
		b.events <- backend.Event{Kind: backend.ReaderRemove, Reader: r}
	}
}

func (b *Backend) Shutdown() error {
	close(b.stop)
	b.wg.Wait()
	close(b.events)
	if b.client != nil {
		return b.client.Close()
	}
	return nil
}

func (b *Backend) Events() <-chan backend.Event { return b.events }

func (b *Backend) Readers() []*reader.Reader {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*reader.Reader, 0, len(b.byName))
	for _, e := range b.byName {
		out = append(out, e.r)
	}
	return out
}

func (b *Backend) entryFor(r *reader.Reader) (*readerEntry, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.byName[r.Name]
	return e, ok
}

// PowerOn connects to the real card and returns pcscd's last-reported ATR
// for it.
func (b *Backend) PowerOn(r *reader.Reader) ([]byte, error) {
	entry, ok := b.entryFor(r)
	if !ok {
		return nil, fmt.Errorf("passthrough: unknown reader %q", r.Name)
	}
	if _, err := b.client.Connect(r.Name); err != nil {
		return nil, err
	}
	r.SetCardInserted(entry.lastATR)
	return entry.lastATR, nil
}

func (b *Backend) Transfer(r *reader.Reader, cmd []byte) ([]byte, backend.Status, error) {
	resp, err := b.client.Transmit(r.Name, cmd)
	if err != nil {
		return nil, backend.Status(1), err
	}
	return resp, backend.StatusOK, nil
}

// ForceCardInsert/ForceCardRemove have no meaning against real hardware:
// the card's physical presence is the only source of truth.
func (b *Backend) ForceCardInsert(r *reader.Reader) error {
	return errors.New("passthrough: cannot force card insertion on real hardware")
}

func (b *Backend) ForceCardRemove(r *reader.Reader) error {
	return errors.New("passthrough: cannot force card removal on real hardware")
}

var _ backend.Backend = (*Backend)(nil)
