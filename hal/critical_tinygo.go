//go:build tinygo

package hal

import "runtime/interrupt"

// IRQMask is the [Critical] of a microcontroller: it masks interrupt
// delivery. Sections nest; interrupts are restored by the outermost Exit.
type IRQMask struct {
	state interrupt.State
	depth int
}

func (m *IRQMask) Enter() {
	s := interrupt.Disable()
	if m.depth == 0 {
		m.state = s
	}
	m.depth++
}

func (m *IRQMask) Exit() {
	m.depth--
	if m.depth == 0 {
		interrupt.Restore(m.state)
	}
}
