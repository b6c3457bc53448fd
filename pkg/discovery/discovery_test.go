package discovery

import (
	"testing"

	"github.com/librescoot/gm3-gateway/pkg/address"
)

func TestParseRegulatorRecord(t *testing.T) {
	e := &Engine{}
	b := append([]byte("HDWTSetPoint\x00"), []byte("C\x00")...)
	b = append(b, 0x24 /* type UINT8=4, writable bit 0x20 */, 0x00, 35, 0, 65, 0)
	b = append(b, 0xAA) // trailing byte of the next record, must be left unconsumed

	p, rest, err := e.parseRecord(address.Regulator, 7, b)
	if err != nil {
		t.Fatalf("parseRecord: %v", err)
	}
	if p.Name != "HDWTSetPoint" || p.UnitCode != 'C' {
		t.Fatalf("unexpected parameter: %+v", p)
	}
	if !p.Writable {
		t.Fatalf("expected writable bit set")
	}
	if p.Type != 4 {
		t.Fatalf("expected type 4 (UINT8), got %v", p.Type)
	}
	if p.Min == nil || p.Min.U64 != 35 || p.Max == nil || p.Max.U64 != 65 {
		t.Fatalf("bad min/max: %+v %+v", p.Min, p.Max)
	}
	if p.CatalogIndex != 7 {
		t.Fatalf("REGULATOR catalog index should equal wire index, got %d", p.CatalogIndex)
	}
	if len(rest) != 1 || rest[0] != 0xAA {
		t.Fatalf("expected exactly the trailing byte left over, got %v", rest)
	}
}

func TestParsePanelRecordCatalogOffset(t *testing.T) {
	e := &Engine{}
	b := append([]byte("Mode\x00"), []byte("\x00")...)
	b = append(b, 0x02 /* exponent */, 0x05 /* type UINT16, not writable */)

	p, rest, err := e.parseRecord(address.PanelSpace, 3, b)
	if err != nil {
		t.Fatalf("parseRecord: %v", err)
	}
	if p.CatalogIndex != 10003 {
		t.Fatalf("PANEL catalog index should be wireIndex+10000, got %d", p.CatalogIndex)
	}
	if p.Writable {
		t.Fatalf("expected not writable")
	}
	if p.Exponent != 2 {
		t.Fatalf("expected exponent passed through, got %d", p.Exponent)
	}
	if p.Min != nil || p.Max != nil {
		t.Fatalf("PANEL records carry no range")
	}
	if len(rest) != 0 {
		t.Fatalf("expected no trailing bytes, got %v", rest)
	}
}

func TestParsePageStopsAtZero(t *testing.T) {
	e := &Engine{cat: nil}
	n, err := e.parsePage(address.Regulator, []byte{0, 0, 0})
	if err != nil {
		t.Fatalf("parsePage: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0 params for empty page")
	}
}
