// Package chip describes the DMA controllers of the supported STM32
// families: their register layout, addresses and clock enables.
package chip

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"periph.io/x/conn/v3/physic"
	"stm32xpd.dev/driver/dma"
	"stm32xpd.dev/driver/mmio"
	"stm32xpd.dev/hal"
)

var ErrUnknown = errors.New("chip: unknown profile")

// Profile is the static description of a family.
type Profile struct {
	Name        string
	Description string
	Layout      *dma.Layout
	Controllers []Controller
	// ErrorDetect enables transfer error interrupts on started channels.
	ErrorDetect bool
	// TickRate is the rate of the tick source timeouts are measured in.
	TickRate physic.Frequency
}

// Controller is one DMA controller instance.
type Controller struct {
	Name     string
	Base     uint32
	Channels int
	Clock    Clock
}

// Clock locates the clock enable bit of a controller in the reset and
// clock controller. Families with separate set and clear registers have a
// non-zero Clear; the others are updated read-modify-write.
type Clock struct {
	Set, Clear uint32
	Bit        uint8
}

const (
	f0AHBENR     = 0x4002_1014
	l4AHB1ENR    = 0x4002_1048
	f4AHB1ENR    = 0x4002_3830
	mp1AHB2ENSET = 0x5000_0a28
	mp1AHB2ENCLR = 0x5000_0a2c
)

var profiles = []*Profile{
	{
		Name:        "f0",
		Description: "STM32F0 (F07x/F09x)",
		Layout:      dma.ChannelLayout,
		Controllers: []Controller{
			{"DMA1", 0x4002_0000, 7, Clock{Set: f0AHBENR, Bit: 0}},
			{"DMA2", 0x4002_0400, 5, Clock{Set: f0AHBENR, Bit: 1}},
		},
		ErrorDetect: true,
		TickRate:    physic.KiloHertz,
	},
	{
		Name:        "f1",
		Description: "STM32F1 (high density and connectivity line)",
		Layout:      dma.ChannelLayout,
		Controllers: []Controller{
			{"DMA1", 0x4002_0000, 7, Clock{Set: f0AHBENR, Bit: 0}},
			{"DMA2", 0x4002_0400, 5, Clock{Set: f0AHBENR, Bit: 1}},
		},
		ErrorDetect: true,
		TickRate:    physic.KiloHertz,
	},
	{
		Name:        "l4",
		Description: "STM32L4 with request selection",
		Layout:      dma.RequestLayout,
		Controllers: []Controller{
			{"DMA1", 0x4002_0000, 7, Clock{Set: l4AHB1ENR, Bit: 0}},
			{"DMA2", 0x4002_0400, 7, Clock{Set: l4AHB1ENR, Bit: 1}},
		},
		ErrorDetect: true,
		TickRate:    physic.KiloHertz,
	},
	{
		Name:        "f4",
		Description: "STM32F4 stream controllers",
		Layout:      dma.StreamLayout,
		Controllers: []Controller{
			{"DMA1", 0x4002_6000, 8, Clock{Set: f4AHB1ENR, Bit: 21}},
			{"DMA2", 0x4002_6400, 8, Clock{Set: f4AHB1ENR, Bit: 22}},
		},
		ErrorDetect: true,
		TickRate:    physic.KiloHertz,
	},
	{
		Name:        "mp1",
		Description: "STM32MP1 MCU DMA, also mapped to the Cortex-A7 cores",
		Layout:      dma.StreamLayout,
		Controllers: []Controller{
			{"DMA1", 0x4800_0000, 8, Clock{Set: mp1AHB2ENSET, Clear: mp1AHB2ENCLR, Bit: 0}},
			{"DMA2", 0x4800_1000, 8, Clock{Set: mp1AHB2ENSET, Clear: mp1AHB2ENCLR, Bit: 1}},
		},
		ErrorDetect: true,
		TickRate:    physic.KiloHertz,
	},
}

// Profiles returns the known profiles ordered by name.
func Profiles() []*Profile {
	ps := slices.Clone(profiles)
	slices.SortFunc(ps, func(a, b *Profile) int { return strings.Compare(a.Name, b.Name) })
	return ps
}

// Lookup returns the profile with the given name, ignoring case and an
// "stm32" prefix.
func Lookup(name string) (*Profile, error) {
	n := strings.TrimPrefix(strings.ToLower(name), "stm32")
	for _, p := range profiles {
		if p.Name == n {
			return p, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknown, name)
}

// Inst returns the register block address of channel ch of controller
// ctrl. Both are zero based.
func (p *Profile) Inst(ctrl, ch int) (uint32, error) {
	if ctrl < 0 || ctrl >= len(p.Controllers) {
		return 0, fmt.Errorf("chip: %s has no controller %d: %w", p.Name, ctrl+1, hal.ErrUnknownController)
	}
	c := p.Controllers[ctrl]
	if ch < 0 || ch >= c.Channels {
		return 0, fmt.Errorf("chip: %s %s has no channel %d: %w", p.Name, c.Name, ch, hal.ErrInvalidConfig)
	}
	return p.Layout.Inst(c.Base, ch), nil
}

// Platform returns a driver platform for the family with the controller
// clocks gated through the registers on b.
func (p *Profile) Platform(b mmio.Bus, t hal.Ticker, cs hal.Critical) *dma.Platform {
	pl := dma.NewPlatform(b, p.Layout, t, cs)
	pl.ErrorDetect = p.ErrorDetect
	for _, c := range p.Controllers {
		pl.Clocks.Register(c.Base, &Gate{Bus: b, Clock: c.Clock, Critical: cs})
	}
	return pl
}

// Gate controls a clock enable bit.
type Gate struct {
	Bus   mmio.Bus
	Clock Clock
	// Critical guards the read-modify-write of shared enable registers.
	Critical hal.Critical
}

func (g *Gate) SetEnabled(on bool) {
	mask := uint32(1) << g.Clock.Bit
	if g.Clock.Clear != 0 {
		if on {
			g.Bus.Store32(g.Clock.Set, mask)
		} else {
			g.Bus.Store32(g.Clock.Clear, mask)
		}
		return
	}
	if cs := g.Critical; cs != nil {
		cs.Enter()
		defer cs.Exit()
	}
	if on {
		mmio.SetBits(g.Bus, g.Clock.Set, mask)
	} else {
		mmio.ClearBits(g.Bus, g.Clock.Set, mask)
	}
}

// Enabled reads back the clock enable bit.
func (g *Gate) Enabled() bool {
	return mmio.HasBits(g.Bus, g.Clock.Set, 1<<g.Clock.Bit)
}
