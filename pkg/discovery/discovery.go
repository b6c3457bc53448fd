// Package discovery builds the parameter catalog once at startup by
// paging GET_PARAMS_STRUCT(_WITH_RANGE) requests across the REGULATOR
// then PANEL address spaces.
package discovery

import (
	"bytes"
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
	pageSize       = 100
	maxBatchRetries = 3
	requestTimeout  = 1500 * time.Millisecond

	// writableBit is bit 5 (mask 0x20) of a struct record's type_byte;
	// the low nibble is the TypeCode.
	writableBit = 0x20
)

// Engine runs the one-shot catalog build.
type Engine struct {
	t                 *transport.Transport
	a                 *arbiter.Arbiter
	cat               *catalog.Catalog
	controllerAddress uint16
	runTimeout        time.Duration
}

// New constructs a Discovery Engine. runTimeout bounds each
// RunWithToken call the engine makes per page.
func New(t *transport.Transport, a *arbiter.Arbiter, cat *catalog.Catalog, controllerAddress uint16, runTimeout time.Duration) *Engine {
	return &Engine{t: t, a: a, cat: cat, controllerAddress: controllerAddress, runTimeout: runTimeout}
}

// Run discovers REGULATOR then PANEL, in that order.
func (e *Engine) Run() error {
	if err := e.discoverSpace(address.Regulator); err != nil {
		return fmt.Errorf("discovery: REGULATOR: %w", err)
	}
	if err := e.discoverSpace(address.PanelSpace); err != nil {
		return fmt.Errorf("discovery: PANEL: %w", err)
	}
	return nil
}

func (e *Engine) discoverSpace(space address.Space) error {
	first := uint16(0)
	consecutiveFailures := 0

	for {
		n, err := e.requestPage(space, first)
		if err != nil {
			consecutiveFailures++
			log.Printf("discovery: %s page at %d failed (%d/%d): %v", space, first, consecutiveFailures, maxBatchRetries, err)
			if consecutiveFailures >= maxBatchRetries {
				log.Printf("discovery: %s ending after %d consecutive batch failures", space, maxBatchRetries)
				return nil
			}
			continue
		}
		consecutiveFailures = 0

		if n == 0 {
			log.Printf("discovery: %s complete at %d entries (stopped at wire index %d)", space, e.cat.Len(), first)
			return nil
		}
		first += uint16(n)
	}
}

// requestPage issues one paged struct request and inserts every
// parameter it returns into the catalog. It returns the number of
// parameters parsed (0 signals end-of-space, not failure).
func (e *Engine) requestPage(space address.Space, first uint16) (int, error) {
	var parsed int
	err := e.a.RunWithToken(e.runTimeout, func() error {
		dest := address.Destination(space, e.controllerAddress)
		req := []byte{pageSize, byte(first), byte(first >> 8)}
		if err := e.t.WriteFrame(dest, e.selfOrZero(), space.StructCommand(), req); err != nil {
			return fmt.Errorf("writing request: %w", err)
		}

		f, ok := e.t.PollFrame(requestTimeout)
		if !ok {
			return fmt.Errorf("no response within %s", requestTimeout)
		}
		if f.Cmd == frame.CmdNoData {
			parsed = 0
			return nil
		}
		if f.Cmd == frame.CmdDataSizeError {
			return fmt.Errorf("controller reported DATA_SIZE_ERROR")
		}

		n, err := e.parsePage(space, f.Payload)
		if err != nil {
			return err
		}
		parsed = n
		return nil
	})
	return parsed, err
}

func (e *Engine) selfOrZero() uint16 {
	addr, ok := e.a.OurAddress()
	if !ok {
		return 0
	}
	return addr
}

// parsePage decodes a 0x81/0x82 payload: header [paramsNo][firstIndex_lo][firstIndex_hi]
// followed by paramsNo records, and inserts each into the catalog.
func (e *Engine) parsePage(space address.Space, payload []byte) (int, error) {
	if len(payload) < 3 {
		return 0, fmt.Errorf("struct response too short: %d bytes", len(payload))
	}
	paramsNo := int(payload[0])
	firstIndex := uint16(payload[1]) | uint16(payload[2])<<8
	body := payload[3:]

	if paramsNo == 0 {
		return 0, nil
	}

	wireIndex := firstIndex
	for i := 0; i < paramsNo; i++ {
		p, rest, err := e.parseRecord(space, wireIndex, body)
		if err != nil {
			return 0, fmt.Errorf("record %d at wire index %d: %w", i, wireIndex, err)
		}
		e.cat.Insert(p)
		body = rest
		wireIndex++
	}
	return paramsNo, nil
}

// parseRecord parses one struct record from the front of b, returning
// the built Parameter and the unconsumed remainder of b.
//
// REGULATOR (0x82): name\0 unit\0 type_byte extra_byte min_lo min_hi max_lo max_hi
// PANEL     (0x81): name\0 unit\0 exponent_byte type_byte
func (e *Engine) parseRecord(space address.Space, wireIndex uint16, b []byte) (catalog.Parameter, []byte, error) {
	name, b, err := readCString(b)
	if err != nil {
		return catalog.Parameter{}, nil, fmt.Errorf("name: %w", err)
	}
	unit, b, err := readCString(b)
	if err != nil {
		return catalog.Parameter{}, nil, fmt.Errorf("unit: %w", err)
	}
	unitCode := byte(0)
	if len(unit) > 0 {
		unitCode = unit[0]
	}

	p := catalog.Parameter{
		CatalogIndex: address.CatalogIndex(space, wireIndex),
		WireIndex:    wireIndex,
		Space:        space,
		Name:         name,
		UnitCode:     unitCode,
	}

	if space == address.Regulator {
		if len(b) < 6 {
			return catalog.Parameter{}, nil, fmt.Errorf("short REGULATOR tail: %d bytes", len(b))
		}
		typeByte := b[0]
		// b[1] (extra_byte) is observed to carry values in the high
		// nibble on some captures that may also encode writability;
		// only bit 5 of typeByte is trusted here, per the writable mask
		// documented for this struct variant.
		typ := frame.TypeCode(typeByte & 0x0F)
		writable := typeByte&writableBit != 0
		p.Type = typ
		p.Writable = writable

		minRaw := uint16(b[2]) | uint16(b[3])<<8
		maxRaw := uint16(b[4]) | uint16(b[5])<<8
		if typ.IsNumeric() {
			minV := frame.Value{Kind: typ, I64: int64(minRaw), U64: uint64(minRaw), F64: float64(minRaw)}
			maxV := frame.Value{Kind: typ, I64: int64(maxRaw), U64: uint64(maxRaw), F64: float64(maxRaw)}
			p.Min = &minV
			p.Max = &maxV
		}
		return p, b[6:], nil
	}

	// PANEL: exponent_byte then type_byte, no range.
	if len(b) < 2 {
		return catalog.Parameter{}, nil, fmt.Errorf("short PANEL tail: %d bytes", len(b))
	}
	typeByte := b[1]
	p.Type = frame.TypeCode(typeByte & 0x0F)
	p.Writable = typeByte&writableBit != 0
	p.Exponent = b[0]
	return p, b[2:], nil
}

func readCString(b []byte) (string, []byte, error) {
	i := bytes.IndexByte(b, 0)
	if i < 0 {
		return "", nil, fmt.Errorf("unterminated string")
	}
	return string(b[:i]), b[i+1:], nil
}
