// Package gateway composes the frame codec, transport, arbiter,
// catalog, and discovery/polling/write engines into the programmatic
// surface an HTTP collaborator wraps. Controller owns the subsystems
// and exposes the methods an outer layer calls, rather than exposing
// the subsystems themselves.
//
// Exactly one goroutine (run, started by Run) ever touches the
// transport or the Bus Arbiter: it performs discovery and poll ticks
// itself, and writes are submitted to it through a request queue
// instead of invoking the write engine directly, so the 20ms write
// turnaround and token ownership are never split across concurrent
// senders.
package gateway

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/librescoot/gm3-gateway/pkg/address"
	"github.com/librescoot/gm3-gateway/pkg/addressbook"
	"github.com/librescoot/gm3-gateway/pkg/arbiter"
	"github.com/librescoot/gm3-gateway/pkg/catalog"
	"github.com/librescoot/gm3-gateway/pkg/config"
	"github.com/librescoot/gm3-gateway/pkg/discovery"
	"github.com/librescoot/gm3-gateway/pkg/frame"
	"github.com/librescoot/gm3-gateway/pkg/notify"
	"github.com/librescoot/gm3-gateway/pkg/paramwrite"
	"github.com/librescoot/gm3-gateway/pkg/polling"
	"github.com/librescoot/gm3-gateway/pkg/transport"
)

// Snapshot mirrors the GET /api/parameters response shape the HTTP
// collaborator marshals; CatalogIndex is carried as the map key by
// the caller (a decimal string there, a uint32 here).
type Snapshot struct {
	Timestamp  time.Time
	Parameters []catalog.Parameter
}

// Health mirrors the GET /health response shape.
type Health struct {
	Connected  bool
	Uptime     time.Duration
	LastPollAt time.Time
}

const (
	disconnectWindow = 60 * time.Second
	idlePumpTimeout  = 150 * time.Millisecond
)

// Controller owns every subsystem and the single goroutine that drives
// the serial port and Bus Arbiter.
type Controller struct {
	cfg config.Config

	t    *transport.Transport
	book *addressbook.Book
	arb  *arbiter.Arbiter
	cat  *catalog.Catalog

	disc *discovery.Engine
	poll *polling.Engine
	wr   *paramwrite.Engine

	notifier *notify.Publisher

	startedAt time.Time

	requests chan func()
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New opens the serial transport and address book and wires every
// subsystem together. It does not start the serial task or run
// discovery; call Run for that.
func New(cfg config.Config) (*Controller, error) {
	book, err := addressbook.Open(cfg.StateDir)
	if err != nil {
		return nil, fmt.Errorf("gateway: opening address book: %w", err)
	}

	t, err := transport.Open(cfg.SerialPort, cfg.SerialBaud)
	if err != nil {
		return nil, fmt.Errorf("gateway: opening transport: %w", err)
	}

	arb := arbiter.New(t, book, cfg.TokenRequired, cfg.DestinationAddress)
	cat := catalog.New()

	var notifier *notify.Publisher
	if cfg.RedisAddr != "" {
		notifier, err = notify.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			t.Close()
			return nil, fmt.Errorf("gateway: connecting notify publisher: %w", err)
		}
	}

	runTimeout := cfg.PollInterval
	disc := discovery.New(t, arb, cat, cfg.DestinationAddress, runTimeout)

	var notifierIface polling.Notifier
	if notifier != nil {
		notifierIface = notifier
	}
	poll := polling.New(t, arb, cat, cfg.DestinationAddress, cfg.ParamsPerRequest, cfg.RequestTimeout, runTimeout, notifierIface)
	wr := paramwrite.New(t, arb, cat, cfg.DestinationAddress, cfg.RequestTimeout, runTimeout)

	return &Controller{
		cfg:       cfg,
		t:         t,
		book:      book,
		arb:       arb,
		cat:       cat,
		disc:      disc,
		poll:      poll,
		wr:        wr,
		notifier:  notifier,
		startedAt: time.Now(),
		requests:  make(chan func(), 8),
		stopCh:    make(chan struct{}),
	}, nil
}

// Run starts the serial task goroutine, performs the one-shot
// discovery pass (if the catalog is still empty), and begins the
// periodic polling loop, all on that same goroutine. It blocks until
// the initial discovery pass completes; polling continues in the
// background afterward.
func (c *Controller) Run() error {
	discoveryDone := make(chan error, 1)

	c.wg.Add(1)
	go c.run(discoveryDone)

	return <-discoveryDone
}

// run is the single serial-owning goroutine: it performs discovery,
// then loops servicing queued requests, poll ticks, and idle arbiter
// pumping, all serialized.
func (c *Controller) run(discoveryDone chan<- error) {
	defer c.wg.Done()

	var err error
	if c.cat.Len() == 0 {
		err = c.disc.Run()
	}
	discoveryDone <- err

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case req := <-c.requests:
			req()
			continue
		case <-ticker.C:
			c.poll.RunOnce()
			continue
		default:
		}
		c.arb.PumpOnce(idlePumpTimeout)
	}
}

// submit runs fn on the serial-owning goroutine and waits for it to
// finish. Used by every public method that needs bus access.
func (c *Controller) submit(fn func()) {
	done := make(chan struct{})
	c.requests <- func() {
		fn()
		close(done)
	}
	<-done
}

// Stop halts the serial task and closes the serial port.
func (c *Controller) Stop() error {
	close(c.stopCh)
	c.wg.Wait()
	if c.notifier != nil {
		c.notifier.Close()
	}
	return c.t.Close()
}

// ReadAll returns a snapshot of the whole catalog. The catalog itself
// is safe for concurrent reads, so this does not need to cross the
// serial task's queue.
func (c *Controller) ReadAll() Snapshot {
	return Snapshot{Timestamp: time.Now(), Parameters: c.cat.Snapshot()}
}

// Write resolves sel and, if valid, performs the bus write on the
// serial task's goroutine.
func (c *Controller) Write(sel paramwrite.Selector, proposed frame.Value) (paramwrite.Outcome, error) {
	var outcome paramwrite.Outcome
	var err error
	c.submit(func() {
		outcome, err = c.wr.Write(sel, proposed)
	})
	if err == nil && c.notifier != nil {
		if p, ok := c.cat.Get(outcome.CatalogIndex); ok {
			c.notifier.PublishWrite(outcome.CatalogIndex, p.Name)
		}
	}
	return outcome, err
}

// Health reports connectivity derived from the age of the last
// successful poll cycle, using a 60s disconnect window.
func (c *Controller) Health() Health {
	last := c.poll.LastPollAt()
	connected := !last.IsZero() && time.Since(last) < disconnectWindow
	return Health{
		Connected:  connected,
		Uptime:     time.Since(c.startedAt),
		LastPollAt: last,
	}
}

// DumpCatalog serializes the current catalog snapshot as CBOR to path,
// a debug aid for offline inspection outside the HTTP surface.
func (c *Controller) DumpCatalog(path string) error {
	snap := c.ReadAll()
	type dumpEntry struct {
		CatalogIndex uint32         `cbor:"index"`
		Space        string         `cbor:"space"`
		Name         string         `cbor:"name"`
		Type         frame.TypeCode `cbor:"type"`
		Writable     bool           `cbor:"writable"`
		Value        interface{}    `cbor:"value,omitempty"`
	}

	entries := make([]dumpEntry, 0, len(snap.Parameters))
	for _, p := range snap.Parameters {
		e := dumpEntry{
			CatalogIndex: p.CatalogIndex,
			Space:        p.Space.String(),
			Name:         p.Name,
			Type:         p.Type,
			Writable:     p.Writable,
		}
		if p.Value != nil {
			e.Value = p.Value.AsJSON()
		}
		entries = append(entries, e)
	}

	data, err := cbor.Marshal(map[string]interface{}{
		"timestamp": snap.Timestamp,
		"entries":   entries,
	})
	if err != nil {
		return fmt.Errorf("gateway: encoding catalog dump: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("gateway: writing catalog dump to %s: %w", path, err)
	}
	return nil
}

// CatalogIndexFor is a convenience for selectors built from a
// (space, wireIndex) pair rather than a name.
func CatalogIndexFor(space address.Space, wireIndex uint16) uint32 {
	return address.CatalogIndex(space, wireIndex)
}
