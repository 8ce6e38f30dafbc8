package dma

import (
	"fmt"
	"math/bits"
	"sync"

	"stm32xpd.dev/hal"
	"stm32xpd.dev/internal/logging"
)

// ClockGate tracks, per controller, the bitset of channels that need the
// controller clock. The clock is on while any channel is set.
type ClockGate struct {
	mu    sync.Mutex
	gates map[uint32]*gate
}

type gate struct {
	clk   hal.ClockCtrl
	users uint32
}

func NewClockGate() *ClockGate {
	return &ClockGate{gates: make(map[uint32]*gate)}
}

// Register adds the controller at base with its clock control.
func (g *ClockGate) Register(base uint32, clk hal.ClockCtrl) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.gates[base] = &gate{clk: clk}
}

// Acquire marks channel ch of the controller at base as a clock user and
// enables the clock.
func (g *ClockGate) Acquire(base uint32, ch int) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	gt, err := g.lookup(base, ch)
	if err != nil {
		return err
	}
	gt.users |= 0b1 << ch
	gt.clk.SetEnabled(true)
	logging.Debug(logging.Clock, "acquire", "base", hexAddr(base), "channel", ch, "users", bits.OnesCount32(gt.users))
	return nil
}

// Release clears channel ch and disables the clock when no user remains.
// Releasing a channel that holds no reference leaves the count at its
// current value.
func (g *ClockGate) Release(base uint32, ch int) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	gt, err := g.lookup(base, ch)
	if err != nil {
		return err
	}
	gt.users &^= 0b1 << ch
	if gt.users == 0 {
		gt.clk.SetEnabled(false)
	}
	logging.Debug(logging.Clock, "release", "base", hexAddr(base), "channel", ch, "users", bits.OnesCount32(gt.users))
	return nil
}

// Users returns the number of channels holding the clock of the
// controller at base.
func (g *ClockGate) Users(base uint32) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	gt, ok := g.gates[base]
	if !ok {
		return 0
	}
	return bits.OnesCount32(gt.users)
}

func (g *ClockGate) lookup(base uint32, ch int) (*gate, error) {
	gt, ok := g.gates[base]
	if !ok {
		return nil, fmt.Errorf("dma: controller at %#08x: %w", base, hal.ErrUnknownController)
	}
	if ch < 0 || ch >= 32 {
		return nil, fmt.Errorf("dma: channel %d: %w", ch, hal.ErrInvalidConfig)
	}
	return gt, nil
}

type hexAddr uint32

func (h hexAddr) String() string {
	return fmt.Sprintf("%#08x", uint32(h))
}
