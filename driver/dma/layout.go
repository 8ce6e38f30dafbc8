package dma

import (
	"fmt"

	"stm32xpd.dev/driver/mmio"
	"stm32xpd.dev/hal"
)

// Layout is the register map of a DMA controller family. Offsets and bit
// positions are fixed by the silicon.
type Layout struct {
	Name string

	// BaseMask selects the controller base from a channel address.
	BaseMask uint32
	// First is the offset of channel 0's register block, Stride the size
	// of one block.
	First, Stride uint32
	Channels      int

	// Channel block registers.
	CR, NDTR, PAR, MAR uint32

	// Shared interrupt status and clear registers, relative to the
	// controller base. Channel i uses register i/len(GroupShift) at
	// GroupShift[i%len(GroupShift)].
	Status, Clear []uint32
	GroupShift    []uint8

	// Flag bits within a channel's group.
	HT, TC, TE, AllFlags uint32

	// Control register bits and fields.
	EN, TCIE, HTIE, TEIE  uint32
	CIRC, PINC, MINC, M2M uint32
	DIR, PSIZE, MSIZE, PL mmio.Field
	// CHSEL selects the request line in the control register, CSELR in a
	// controller register with CSELRWidth bits per channel.
	CHSEL      mmio.Field
	CSELR      uint32
	CSELRWidth uint8
	MaxCount   uint32
	// Reset lists the channel block registers and their reset values.
	Reset []Reg
	// SlowDisable reports that EN reads back set until the current beat
	// completes.
	SlowDisable bool
}

// Reg is a register offset and value.
type Reg struct {
	Off, Value uint32
}

// Location is the position of a channel within its controller.
type Location struct {
	Base  uint32
	Index int
	// Status and Clear are the absolute addresses of the shared flag
	// registers, Shift the position of the channel's flag group.
	Status, Clear uint32
	Shift         uint8
}

// ChannelLayout is the channel based controller of the STM32F0, F1, F3 and
// L1 families.
var ChannelLayout = &Layout{
	Name:       "channel",
	BaseMask:   ^uint32(0xff),
	First:      0x08,
	Stride:     20,
	Channels:   7,
	CR:         0x00,
	NDTR:       0x04,
	PAR:        0x08,
	MAR:        0x0c,
	Status:     []uint32{0x00},
	Clear:      []uint32{0x04},
	GroupShift: []uint8{0, 4, 8, 12, 16, 20, 24},
	TC:         1 << 1,
	HT:         1 << 2,
	TE:         1 << 3,
	AllFlags:   0xf,
	EN:         1 << 0,
	TCIE:       1 << 1,
	HTIE:       1 << 2,
	TEIE:       1 << 3,
	DIR:        mmio.Bit(4),
	CIRC:       1 << 5,
	PINC:       1 << 6,
	MINC:       1 << 7,
	PSIZE:      mmio.Field{Pos: 8, Width: 2},
	MSIZE:      mmio.Field{Pos: 10, Width: 2},
	PL:         mmio.Field{Pos: 12, Width: 2},
	M2M:        1 << 14,
	MaxCount:   0xffff,
	Reset:      []Reg{{0x00, 0}, {0x04, 0}, {0x08, 0}, {0x0c, 0}},
}

// RequestLayout is the channel based controller with a request selection
// register, found on the STM32L0 and L4 families.
var RequestLayout = func() *Layout {
	l := *ChannelLayout
	l.Name = "channel-cselr"
	l.CSELR = 0xa8
	l.CSELRWidth = 4
	return &l
}()

// StreamLayout is the stream based controller of the STM32F2, F4, F7 and
// MP1 families. FCR resets to direct mode with a half-full threshold.
var StreamLayout = &Layout{
	Name:        "stream",
	BaseMask:    ^uint32(0xff),
	First:       0x10,
	Stride:      0x18,
	Channels:    8,
	CR:          0x00,
	NDTR:        0x04,
	PAR:         0x08,
	MAR:         0x0c,
	Status:      []uint32{0x00, 0x04},
	Clear:       []uint32{0x08, 0x0c},
	GroupShift:  []uint8{0, 6, 16, 22},
	TE:          1 << 3,
	HT:          1 << 4,
	TC:          1 << 5,
	AllFlags:    0x3d,
	EN:          1 << 0,
	TEIE:        1 << 2,
	HTIE:        1 << 3,
	TCIE:        1 << 4,
	DIR:         mmio.Field{Pos: 6, Width: 2},
	CIRC:        1 << 8,
	PINC:        1 << 9,
	MINC:        1 << 10,
	PSIZE:       mmio.Field{Pos: 11, Width: 2},
	MSIZE:       mmio.Field{Pos: 13, Width: 2},
	PL:          mmio.Field{Pos: 16, Width: 2},
	CHSEL:       mmio.Field{Pos: 25, Width: 3},
	MaxCount:    0xffff,
	Reset:       []Reg{{0x00, 0}, {0x04, 0}, {0x08, 0}, {0x0c, 0}, {0x10, 0}, {0x14, 0x21}},
	SlowDisable: true,
}

// Locate computes the controller base and flag group of the channel whose
// register block is at inst.
func (l *Layout) Locate(inst uint32) (Location, error) {
	base := inst & l.BaseMask
	off := inst - base
	if off < l.First || (off-l.First)%l.Stride != 0 {
		return Location{}, fmt.Errorf("dma: %#08x is not a %s register block: %w", inst, l.Name, hal.ErrInvalidConfig)
	}
	idx := int((off - l.First) / l.Stride)
	if idx >= l.Channels {
		return Location{}, fmt.Errorf("dma: channel %d out of range at %#08x: %w", idx, inst, hal.ErrInvalidConfig)
	}
	groups := len(l.GroupShift)
	return Location{
		Base:   base,
		Index:  idx,
		Status: base + l.Status[idx/groups],
		Clear:  base + l.Clear[idx/groups],
		Shift:  l.GroupShift[idx%groups],
	}, nil
}

// Inst returns the register block address of channel idx of the
// controller at base.
func (l *Layout) Inst(base uint32, idx int) uint32 {
	return base + l.First + uint32(idx)*l.Stride
}

// configMask covers the control bits owned by Init.
func (l *Layout) configMask() uint32 {
	return l.DIR.Mask() | l.CIRC | l.PINC | l.MINC | l.M2M |
		l.PSIZE.Mask() | l.MSIZE.Mask() | l.PL.Mask() | l.CHSEL.Mask()
}

// encode validates c and returns its control register bits.
func (l *Layout) encode(c Config) (uint32, error) {
	switch {
	case c.Direction > MemoryToMemory:
		return 0, fmt.Errorf("dma: direction %d: %w", c.Direction, hal.ErrInvalidConfig)
	case c.Mode > Circular:
		return 0, fmt.Errorf("dma: mode %d: %w", c.Mode, hal.ErrInvalidConfig)
	case c.Mode == Circular && c.Direction == MemoryToMemory:
		return 0, fmt.Errorf("dma: circular memory to memory transfer: %w", hal.ErrInvalidConfig)
	case c.Priority > VeryHigh:
		return 0, fmt.Errorf("dma: priority %d: %w", c.Priority, hal.ErrInvalidConfig)
	case c.Peripheral.Size > Word || c.Memory.Size > Word:
		return 0, fmt.Errorf("dma: data size: %w", hal.ErrInvalidConfig)
	}
	if lim := l.maxRequest(); uint32(c.Request) > lim {
		return 0, fmt.Errorf("dma: request %d exceeds %d: %w", c.Request, lim, hal.ErrInvalidConfig)
	}
	var cr uint32
	cr = l.direction(cr, c.Direction)
	if c.Mode == Circular {
		cr |= l.CIRC
	}
	if c.Peripheral.Increment {
		cr |= l.PINC
	}
	if c.Memory.Increment {
		cr |= l.MINC
	}
	cr = l.PSIZE.Set(cr, uint32(c.Peripheral.Size))
	cr = l.MSIZE.Set(cr, uint32(c.Memory.Size))
	cr = l.PL.Set(cr, uint32(c.Priority))
	cr = l.CHSEL.Set(cr, uint32(c.Request))
	return cr, nil
}

// direction encodes d into cr. Single bit direction fields keep the low
// bit; memory to memory is then flagged separately.
func (l *Layout) direction(cr uint32, d Direction) uint32 {
	cr = l.DIR.Set(cr, uint32(d))
	if d == MemoryToMemory {
		cr |= l.M2M
	} else {
		cr &^= l.M2M
	}
	return cr
}

func (l *Layout) maxRequest() uint32 {
	switch {
	case l.CSELR != 0:
		return 1<<l.CSELRWidth - 1
	case l.CHSEL.Width > 0:
		return 1<<l.CHSEL.Width - 1
	}
	return 0
}

// selectRequest programs the controller level request multiplexer, if any.
func (l *Layout) selectRequest(b mmio.Bus, loc Location, req uint8) {
	if l.CSELR == 0 {
		return
	}
	f := mmio.Field{Pos: uint8(loc.Index) * l.CSELRWidth, Width: l.CSELRWidth}
	mmio.StoreField(b, loc.Base+l.CSELR, f, uint32(req))
}
