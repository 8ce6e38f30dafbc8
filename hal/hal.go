// Package hal defines the services a peripheral driver consumes from its
// platform: a monotonic tick source, critical sections, per-peripheral clock
// control and bounded register waits.
package hal

import (
	"sync"
	"sync/atomic"

	"stm32xpd.dev/driver/mmio"
)

// NoTimeout is the timeout value that waits forever.
const NoTimeout = ^uint32(0)

// Ticker is a monotonic tick source. The counter wraps around; callers
// measure intervals with unsigned subtraction.
type Ticker interface {
	Ticks() uint32
}

// TickerFunc adapts a function to [Ticker].
type TickerFunc func() uint32

func (f TickerFunc) Ticks() uint32 { return f() }

// Pauser is implemented by tick sources that want busy-wait loops to back
// off between two register polls.
type Pauser interface {
	Pause()
}

// Pause backs off if t implements [Pauser].
func Pause(t Ticker) {
	if p, ok := t.(Pauser); ok {
		p.Pause()
	}
}

// Critical protects a read-modify-write sequence from interrupt context
// and from other foreground callers.
type Critical interface {
	Enter()
	Exit()
}

// ClockCtrl gates the clock of one peripheral. SetEnabled is idempotent.
type ClockCtrl interface {
	SetEnabled(on bool)
}

// ClockFunc adapts a function to [ClockCtrl].
type ClockFunc func(on bool)

func (f ClockFunc) SetEnabled(on bool) { f(on) }

// Expired reports whether more than timeout ticks passed since start.
func Expired(t Ticker, start, timeout uint32) bool {
	return timeout != NoTimeout && t.Ticks()-start > timeout
}

// WaitForMatch polls the register at addr until its bits under mask equal
// value. The wait is bounded by *budget ticks, and the ticks spent are
// subtracted from *budget so consecutive waits share one budget.
func WaitForMatch(b mmio.Bus, t Ticker, addr, mask, value uint32, budget *uint32) error {
	start := t.Ticks()
	var err error
	for b.Load32(addr)&mask != value {
		if Expired(t, start, *budget) {
			err = ErrTimeout
			break
		}
		Pause(t)
	}
	if *budget != NoTimeout {
		*budget -= min(t.Ticks()-start, *budget)
	}
	return err
}

// Mutex is a [Critical] for hosted platforms where foreground callers are
// goroutines. It is not reentrant.
type Mutex struct {
	mu sync.Mutex
}

func (m *Mutex) Enter() { m.mu.Lock() }
func (m *Mutex) Exit()  { m.mu.Unlock() }

// StepTicker is a deterministic [Ticker] that advances by Step on every
// read. It drives timeouts in tests and simulations.
type StepTicker struct {
	Step uint32
	now  atomic.Uint32
}

func (s *StepTicker) Ticks() uint32 {
	return s.now.Add(s.Step) - s.Step
}

// Advance moves the counter forward by n ticks.
func (s *StepTicker) Advance(n uint32) {
	s.now.Add(n)
}

// Set moves the counter to n, for exercising wrap-around.
func (s *StepTicker) Set(n uint32) {
	s.now.Store(n)
}
