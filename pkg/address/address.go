// Package address defines the GM3 bus address space: the reserved
// address blacklist, the panel/controller well-known addresses, and
// the REGULATOR/PANEL parameter address-space split.
package address

import "github.com/librescoot/gm3-gateway/pkg/frame"

// Broadcast and well-known addresses.
const (
	Broadcast  uint16 = 0xFFFF
	Panel      uint16 = 100
	DefaultController uint16 = 1
)

// reserved is the set of addresses this gateway will never claim.
var reserved = map[uint16]struct{}{
	1: {}, 2: {},
	100: {}, 101: {}, 102: {}, 103: {}, 104: {}, 105: {},
	106: {}, 107: {}, 108: {}, 109: {}, 110: {},
	131:    {},
	237:    {},
	0xFFFF: {},
}

// IsReserved reports whether addr must never be claimed by this gateway.
func IsReserved(addr uint16) bool {
	_, ok := reserved[addr]
	return ok
}

// Space is the parameter address space a catalog entry belongs to.
type Space int

const (
	Regulator Space = iota
	PanelSpace
)

func (s Space) String() string {
	if s == PanelSpace {
		return "PANEL"
	}
	return "REGULATOR"
}

// StructCommand is the GET_PARAMS_STRUCT* request used to discover s.
func (s Space) StructCommand() frame.Command {
	if s == PanelSpace {
		return frame.CmdGetParamsStruct
	}
	return frame.CmdGetParamsStructWithRange
}

// panelCatalogOffset is added to a PANEL wire index to obtain its
// stable catalog index, keeping PANEL and REGULATOR indices disjoint.
const panelCatalogOffset = 10000

// CatalogIndex maps a (space, wireIndex) pair to its stable catalog
// index: wireIndex unchanged for REGULATOR, wireIndex+10000 for PANEL.
func CatalogIndex(s Space, wireIndex uint16) uint32 {
	if s == PanelSpace {
		return uint32(wireIndex) + panelCatalogOffset
	}
	return uint32(wireIndex)
}

// Destination returns the bus address a request for s should target.
func Destination(s Space, controllerAddr uint16) uint16 {
	if s == PanelSpace {
		return Panel
	}
	return controllerAddr
}
