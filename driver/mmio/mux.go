package mmio

import (
	"fmt"
	"slices"
)

// Mux routes accesses to the bus mapped at their address. Accesses outside
// every region panic.
type Mux struct {
	regions []region
}

type region struct {
	base, size uint32
	bus        Bus
}

// Map routes the size bytes at base to b. Later regions shadow earlier
// ones where they overlap.
func (m *Mux) Map(base, size uint32, b Bus) {
	m.regions = slices.Insert(m.regions, 0, region{base, size, b})
}

func (m *Mux) Load32(addr uint32) uint32 {
	return m.route(addr).Load32(addr)
}

func (m *Mux) Store32(addr, v uint32) {
	m.route(addr).Store32(addr, v)
}

func (m *Mux) route(addr uint32) Bus {
	for _, r := range m.regions {
		if addr >= r.base && addr-r.base < r.size {
			return r.bus
		}
	}
	panic(fmt.Sprintf("mmio: no bus mapped at %#08x", addr))
}
