package catalog

import (
	"testing"
	"time"

	"github.com/librescoot/gm3-gateway/pkg/address"
	"github.com/librescoot/gm3-gateway/pkg/frame"
)

func TestInsertGetUpdate(t *testing.T) {
	c := New()
	c.Insert(Parameter{
		CatalogIndex: 10042,
		WireIndex:    42,
		Space:        address.PanelSpace,
		Name:         "HDWTSetPoint",
		Type:         frame.TypeUint8,
		Writable:     true,
	})

	p, ok := c.Get(10042)
	if !ok {
		t.Fatalf("expected entry at 10042")
	}
	if p.Value != nil {
		t.Fatalf("expected no value before first update")
	}

	now := time.Now()
	c.Update(10042, frame.Value{Kind: frame.TypeUint8, U64: 47}, now)

	p, ok = c.Get(10042)
	if !ok || p.Value == nil || p.Value.U64 != 47 {
		t.Fatalf("Update did not apply: %+v", p)
	}
	if !p.LastUpdate.Equal(now) {
		t.Fatalf("LastUpdate not set")
	}
}

func TestUpdateUnknownIndexIsNoOp(t *testing.T) {
	c := New()
	c.Update(999, frame.Value{Kind: frame.TypeUint8, U64: 1}, time.Now())
	if c.Len() != 0 {
		t.Fatalf("expected no entry created for unknown index")
	}
}

func TestByNameCollidesAcrossSpaces(t *testing.T) {
	c := New()
	c.Insert(Parameter{CatalogIndex: 5, Space: address.Regulator, Name: "Mode"})
	c.Insert(Parameter{CatalogIndex: 10005, Space: address.PanelSpace, Name: "Mode"})

	idx := c.ByName("Mode")
	if len(idx) != 2 {
		t.Fatalf("expected 2 indices for colliding name, got %v", idx)
	}
}

func TestSnapshotIsCopy(t *testing.T) {
	c := New()
	c.Insert(Parameter{CatalogIndex: 1, Name: "A"})
	snap := c.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("expected 1 entry in snapshot")
	}
	c.Insert(Parameter{CatalogIndex: 2, Name: "B"})
	if len(snap) != 1 {
		t.Fatalf("snapshot must not observe later inserts")
	}
}
