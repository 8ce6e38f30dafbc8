//go:build tinygo

package dma

import (
	"runtime/interrupt"
	"unsafe"
)

// Addr returns the bus address of buf's backing array, for use as a
// transfer buffer. The caller keeps buf alive until the transfer is done.
func Addr[T any](buf []T) uint32 {
	return uint32(uintptr(unsafe.Pointer(unsafe.SliceData(buf))))
}

// EnableVector enables the interrupt line of a channel whose handler calls
// HandleInterrupt, for example
//
//	intr := interrupt.New(stm32.IRQ_DMA1_Channel1, func(interrupt.Interrupt) {
//		ch.HandleInterrupt()
//	})
//	dma.EnableVector(intr)
func EnableVector(intr interrupt.Interrupt) {
	// Lowest priority; completion handlers may run callbacks.
	intr.SetPriority(0xff)
	intr.Enable()
}
