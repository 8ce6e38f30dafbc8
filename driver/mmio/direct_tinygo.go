//go:build tinygo

package mmio

import (
	"runtime/volatile"
	"unsafe"
)

// Direct is the [Bus] of the running microcontroller: addresses are
// dereferenced as volatile registers.
type Direct struct{}

func (Direct) Load32(addr uint32) uint32 {
	return (*volatile.Register32)(unsafe.Pointer(uintptr(addr))).Get()
}

func (Direct) Store32(addr, v uint32) {
	(*volatile.Register32)(unsafe.Pointer(uintptr(addr))).Set(v)
}
