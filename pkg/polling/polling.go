// Package polling refreshes catalog values periodically via paged
// GET_PARAMS requests, under the Bus Arbiter's token.
package polling

import (
	"fmt"
	"log"
	"time"

	"github.com/librescoot/gm3-gateway/pkg/address"
	"github.com/librescoot/gm3-gateway/pkg/arbiter"
	"github.com/librescoot/gm3-gateway/pkg/catalog"
	"github.com/librescoot/gm3-gateway/pkg/frame"
	"github.com/librescoot/gm3-gateway/pkg/transport"
)

const (
	maxAttemptsWithToken    = 5
	maxAttemptsWithoutToken = 5
	retryDelayWithoutToken  = 500 * time.Millisecond
)

// Notifier is the subset of pkg/notify's publisher that the Polling
// Engine needs; satisfied by *notify.Publisher or left nil to disable
// notification.
type Notifier interface {
	PublishBatch(space address.Space, updated int)
}

// Engine runs the periodic refresh loop.
type Engine struct {
	t                 *transport.Transport
	a                 *arbiter.Arbiter
	cat               *catalog.Catalog
	controllerAddress uint16
	paramsPerRequest  int
	requestTimeout    time.Duration
	runTimeout        time.Duration
	notify            Notifier

	lastPollAt time.Time
}

// New constructs a Polling Engine. notify may be nil.
func New(t *transport.Transport, a *arbiter.Arbiter, cat *catalog.Catalog, controllerAddress uint16, paramsPerRequest int, requestTimeout, runTimeout time.Duration, notify Notifier) *Engine {
	return &Engine{
		t:                 t,
		a:                 a,
		cat:               cat,
		controllerAddress: controllerAddress,
		paramsPerRequest:  paramsPerRequest,
		requestTimeout:    requestTimeout,
		runTimeout:        runTimeout,
		notify:            notify,
	}
}

// LastPollAt reports when the most recent poll cycle with at least one
// successful batch completed, for health reporting.
func (e *Engine) LastPollAt() time.Time { return e.lastPollAt }

// RunOnce refreshes REGULATOR then PANEL, in that order, one full
// sweep of the catalog that has already been discovered.
func (e *Engine) RunOnce() {
	okRegulator := e.pollSpace(address.Regulator)
	okPanel := e.pollSpace(address.PanelSpace)
	if okRegulator || okPanel {
		e.lastPollAt = time.Now()
	}
}

// pollSpace reports whether any batch for space succeeded.
func (e *Engine) pollSpace(space address.Space) bool {
	entries := e.spaceWireIndices(space)
	if len(entries) == 0 {
		return false
	}

	anyOK := false

	for start := 0; start < len(entries); start += e.paramsPerRequest {
		end := start + e.paramsPerRequest
		if end > len(entries) {
			end = len(entries)
		}
		page := entries[start:end]
		first := page[0]
		count := uint16(len(page))

		updated, err := e.pollBatch(space, first, count)
		if err != nil {
			log.Printf("polling: %s batch at wire %d (count %d) failed, skipping: %v", space, first, count, err)
			continue
		}
		anyOK = true
		if updated > 0 && e.notify != nil {
			e.notify.PublishBatch(space, updated)
		}
	}
	return anyOK
}

// spaceWireIndices returns the sorted wire indices discovered for
// space, used to build contiguous request pages.
func (e *Engine) spaceWireIndices(space address.Space) []uint16 {
	snap := e.cat.Snapshot()
	out := make([]uint16, 0, len(snap))
	for _, p := range snap {
		if p.Space == space {
			out = append(out, p.WireIndex)
		}
	}
	// Simple insertion sort: discovered catalogs are at most a few
	// thousand entries and this runs once per poll cycle per space.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1] > out[j]; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

func (e *Engine) pollBatch(space address.Space, first uint16, count uint16) (int, error) {
	maxAttempts := maxAttemptsWithToken
	if !e.tokenRequired() {
		maxAttempts = maxAttemptsWithoutToken
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 && !e.tokenRequired() {
			time.Sleep(retryDelayWithoutToken)
		}

		updated, err := e.attemptBatch(space, first, count)
		if err == nil {
			return updated, nil
		}
		lastErr = err
	}
	return 0, fmt.Errorf("exhausted %d attempts: %w", maxAttempts, lastErr)
}

func (e *Engine) tokenRequired() bool {
	// Polling only needs the retry-count distinction, which the
	// arbiter exposes directly through its configured mode.
	return e.a.TokenRequired()
}

func (e *Engine) attemptBatch(space address.Space, first uint16, count uint16) (int, error) {
	var updated int
	err := e.a.RunWithToken(e.runTimeout, func() error {
		dest := address.Destination(space, e.controllerAddress)
		req := []byte{byte(first), byte(first >> 8), byte(count), byte(count >> 8)}
		if err := e.t.WriteFrame(dest, e.selfOrZero(), frame.CmdGetParams, req); err != nil {
			return fmt.Errorf("writing GET_PARAMS: %w", err)
		}

		f, ok := e.t.PollFrame(e.requestTimeout)
		if !ok {
			return fmt.Errorf("no response within %s", e.requestTimeout)
		}
		if f.Cmd == frame.CmdNoData {
			updated = 0
			return nil
		}
		if f.Cmd == frame.CmdDataSizeError {
			return fmt.Errorf("controller reported DATA_SIZE_ERROR")
		}

		n, err := e.applyBatch(space, f.Payload)
		if err != nil {
			return err
		}
		updated = n
		return nil
	})
	return updated, err
}

// applyBatch parses a 0xC0 payload (concatenated [index_lo][index_hi][value_bytes...]
// triples) and updates the catalog. An unknown index aborts the parse
// at that byte and surfaces CatalogDrift.
func (e *Engine) applyBatch(space address.Space, payload []byte) (int, error) {
	now := time.Now()
	updated := 0
	b := payload

	for len(b) > 0 {
		if len(b) < 2 {
			return updated, fmt.Errorf("truncated index in GET_PARAMS_ANS payload")
		}
		wireIndex := uint16(b[0]) | uint16(b[1])<<8
		b = b[2:]

		catalogIndex := address.CatalogIndex(space, wireIndex)
		p, ok := e.cat.Get(catalogIndex)
		if !ok {
			return updated, fmt.Errorf("%w: unknown catalog index %d (wire %d, space %s)", ErrCatalogDrift, catalogIndex, wireIndex, space)
		}

		v, n, err := frame.DecodeValue(b, p.Type)
		if err != nil {
			return updated, fmt.Errorf("decoding value for index %d: %w", catalogIndex, err)
		}
		b = b[n:]

		e.cat.Update(catalogIndex, v, now)
		updated++
	}
	return updated, nil
}
