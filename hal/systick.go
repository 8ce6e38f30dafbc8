//go:build !tinygo

package hal

import (
	"time"

	"periph.io/x/conn/v3/physic"
	"periph.io/x/host/v3/cpu"
)

// SysTick is a [Ticker] derived from the host's monotonic clock, counting
// at a fixed rate.
type SysTick struct {
	start  time.Time
	period time.Duration
	// Backoff is spun between register polls. Keep it at or below 10µs;
	// zero polls flat out.
	Backoff time.Duration
}

// NewSysTick returns a tick source counting at rate, starting at zero.
func NewSysTick(rate physic.Frequency) *SysTick {
	p := rate.Period()
	if p <= 0 {
		panic("hal: tick rate out of range")
	}
	return &SysTick{start: time.Now(), period: p}
}

func (s *SysTick) Ticks() uint32 {
	return uint32(time.Since(s.start) / s.period)
}

func (s *SysTick) Pause() {
	if s.Backoff > 0 {
		cpu.Nanospin(s.Backoff)
	}
}
