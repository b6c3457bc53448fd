// Package catalog is the typed, indexed store of parameter metadata and
// current values. One writer (the gateway's serial task) mutates it;
// any number of readers take consistent snapshots concurrently,
// analogous to a Redis hash keyed by field collapsed into a single
// in-process map.
package catalog

import (
	"sync"
	"time"

	"github.com/librescoot/gm3-gateway/pkg/address"
	"github.com/librescoot/gm3-gateway/pkg/frame"
)

// Parameter is one stable catalog record. CatalogIndex, WireIndex,
// Space, Name, UnitCode, Type, and Writable never change after
// discovery inserts the entry (invariant iii); only Value and
// LastUpdate mutate in place.
type Parameter struct {
	CatalogIndex uint32
	WireIndex    uint16
	Space        address.Space
	Name         string
	UnitCode     byte
	Type         frame.TypeCode
	Writable     bool
	Min          *frame.Value
	Max          *frame.Value

	// Exponent is the PANEL struct variant's exponent_byte, carried
	// through unchanged (zero for REGULATOR entries). Its
	// display-scaling semantics are not pinned down by the source;
	// this gateway does not apply any scaling to it.
	Exponent byte

	Value      *frame.Value
	LastUpdate time.Time
}

// Catalog is safe for concurrent use. Entries are appended once by
// Discovery and never removed; Value/LastUpdate refresh in place
// under Update.
type Catalog struct {
	mu      sync.RWMutex
	byIndex map[uint32]Parameter
	byName  map[string][]uint32
}

// New returns an empty catalog.
func New() *Catalog {
	return &Catalog{
		byIndex: make(map[uint32]Parameter),
		byName:  make(map[string][]uint32),
	}
}

// Insert adds a newly discovered parameter. Called only by the
// Discovery Engine, only before polling begins for that space.
func (c *Catalog) Insert(p Parameter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byIndex[p.CatalogIndex] = p
	c.byName[p.Name] = append(c.byName[p.Name], p.CatalogIndex)
}

// Get returns a consistent snapshot of one parameter.
func (c *Catalog) Get(catalogIndex uint32) (Parameter, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.byIndex[catalogIndex]
	return p, ok
}

// ByName returns every catalog index registered under name. A name
// may appear in both REGULATOR and PANEL spaces; callers resolve by
// Parameter.Space.
func (c *Catalog) ByName(name string) []uint32 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	idx := c.byName[name]
	out := make([]uint32, len(idx))
	copy(out, idx)
	return out
}

// Update refreshes a discovered entry's current value in place.
// Updating an index that was never Inserted is a no-op: the caller
// (Polling Engine) treats this as CatalogDrift and does not call
// Update for it.
func (c *Catalog) Update(catalogIndex uint32, v frame.Value, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.byIndex[catalogIndex]
	if !ok {
		return
	}
	p.Value = &v
	p.LastUpdate = at
	c.byIndex[catalogIndex] = p
}

// Snapshot returns a shallow copy of every entry, safe for a caller to
// range over without holding the catalog lock.
func (c *Catalog) Snapshot() []Parameter {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Parameter, 0, len(c.byIndex))
	for _, p := range c.byIndex {
		out = append(out, p)
	}
	return out
}

// Len reports how many parameters have been discovered so far.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byIndex)
}
