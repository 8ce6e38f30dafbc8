//go:build linux && !tinygo

package mmio

import (
	"fmt"
	"sync/atomic"

	"periph.io/x/host/v3/pmem"
)

// Window is a [Bus] over a range of physical memory mapped into the
// process through /dev/mem. It is how a Linux host with the peripheral on
// its own bus, such as the Cortex-A side of an STM32MP1, reaches the
// registers.
type Window struct {
	base uint32
	view *pmem.View
	regs []uint32
}

// Map maps size bytes of physical memory starting at base. It normally
// requires root.
func Map(base uint32, size int) (*Window, error) {
	if base&3 != 0 {
		return nil, fmt.Errorf("mmio: unaligned base %#08x", base)
	}
	v, err := pmem.Map(uint64(base), size)
	if err != nil {
		return nil, fmt.Errorf("mmio: %w", err)
	}
	return &Window{base: base, view: v, regs: v.Uint32()}, nil
}

func (w *Window) Close() error {
	return w.view.Close()
}

func (w *Window) Load32(addr uint32) uint32 {
	return atomic.LoadUint32(w.word(addr))
}

func (w *Window) Store32(addr, v uint32) {
	atomic.StoreUint32(w.word(addr), v)
}

func (w *Window) word(addr uint32) *uint32 {
	idx := (addr - w.base) / 4
	if addr < w.base || int(idx) >= len(w.regs) {
		panic(fmt.Sprintf("mmio: address %#08x outside window at %#08x", addr, w.base))
	}
	return &w.regs[idx]
}
