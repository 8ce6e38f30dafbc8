// Package dma implements a driver for the DMA controllers of the STM32
// microcontroller families.
//
// A [Platform] bundles the register bus, the controller [Layout] and the
// services the driver consumes. Channels are configured with [Channel.Init]
// and then run transfers either polled ([Channel.Start],
// [Channel.PollStatus]) or interrupt driven ([Channel.StartIT],
// [Channel.HandleInterrupt]).
package dma

import (
	"errors"
	"fmt"
	"sync/atomic"

	"stm32xpd.dev/driver/mmio"
	"stm32xpd.dev/hal"
	"stm32xpd.dev/internal/logging"
)

// DefaultStopTimeout bounds, in ticks, the wait for a disabled channel to
// go quiet.
const DefaultStopTimeout = 1000

type Direction uint8

const (
	PeripheralToMemory Direction = iota
	MemoryToPeripheral
	MemoryToMemory
)

type Mode uint8

const (
	Normal Mode = iota
	Circular
)

type Priority uint8

const (
	Low Priority = iota
	Medium
	High
	VeryHigh
)

// DataSize is the width of one data item.
type DataSize uint8

const (
	Byte DataSize = iota
	HalfWord
	Word
)

// Bytes returns the number of bytes in a data item.
func (s DataSize) Bytes() int {
	return 1 << s
}

// Port configures one side of a transfer.
type Port struct {
	Increment bool
	Size      DataSize
}

// Config is the setup of a channel.
type Config struct {
	Direction  Direction
	Mode       Mode
	Priority   Priority
	Peripheral Port
	Memory     Port
	// Request selects the peripheral request line on controllers with a
	// request multiplexer. It must be zero elsewhere.
	Request uint8
}

// Stream is a transfer of Length data items at memory address Buffer.
type Stream struct {
	Buffer uint32
	Length uint32
}

// Operation selects the event PollStatus waits for.
type Operation uint8

const (
	Transfer Operation = iota
	HalfTransfer
)

// Flag is a channel interrupt flag.
type Flag uint8

const (
	FlagHalf Flag = iota
	FlagComplete
	FlagError
)

// Error is the accumulated error state of a channel.
type Error uint32

const (
	ErrorNone     Error = 0
	ErrorTransfer Error = 0b1 << 0
)

func (e Error) String() string {
	switch e {
	case ErrorNone:
		return "none"
	case ErrorTransfer:
		return "transfer"
	default:
		return fmt.Sprintf("dma error %#x", uint32(e))
	}
}

// State is the lifecycle state of a channel.
type State uint8

const (
	StateReset State = iota
	StateReady
	StateBusy
	StateError
)

func (s State) String() string {
	switch s {
	case StateReset:
		return "reset"
	case StateReady:
		return "ready"
	case StateBusy:
		return "busy"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Callbacks are invoked from HandleInterrupt. Nil callbacks are skipped.
type Callbacks struct {
	HalfComplete func(c *Channel)
	Complete     func(c *Channel)
	Error        func(c *Channel)
}

// Platform is the context shared by the channels of a system. It is built
// once at startup.
type Platform struct {
	Bus      mmio.Bus
	Layout   *Layout
	Clocks   *ClockGate
	Ticker   hal.Ticker
	Critical hal.Critical
	// ErrorDetect enables transfer error interrupts.
	ErrorDetect bool
	// StopTimeout bounds Stop's wait, in ticks.
	StopTimeout uint32
}

// NewPlatform returns a platform with an empty clock registry, error
// detection and the default stop timeout.
func NewPlatform(b mmio.Bus, l *Layout, t hal.Ticker, cs hal.Critical) *Platform {
	return &Platform{
		Bus:         b,
		Layout:      l,
		Clocks:      NewClockGate(),
		Ticker:      t,
		Critical:    cs,
		ErrorDetect: true,
		StopTimeout: DefaultStopTimeout,
	}
}

// Channel returns an uninitialized handle for the channel whose register
// block is at inst.
func (p *Platform) Channel(inst uint32) *Channel {
	return &Channel{Inst: inst, p: p}
}

// Channel is a handle for one DMA channel or stream. At most one transfer
// is in flight on a channel.
type Channel struct {
	Inst      uint32
	Callbacks Callbacks

	p    *Platform
	loc  *Location
	init bool
	errs atomic.Uint32
}

// Init configures the channel and acquires the controller clock.
func (c *Channel) Init(cfg Config) error {
	l := c.p.Layout
	cr, err := l.encode(cfg)
	if err != nil {
		return err
	}
	loc, err := l.Locate(c.Inst)
	if err != nil {
		return err
	}
	if err := c.p.Clocks.Acquire(loc.Base, loc.Index); err != nil {
		return err
	}
	b := c.p.Bus
	reg := c.Inst + l.CR
	b.Store32(reg, b.Load32(reg)&^l.configMask()|cr)
	l.selectRequest(b, loc, cfg.Request)
	b.Store32(c.Inst+l.NDTR, 0)
	b.Store32(c.Inst+l.PAR, 0)
	c.loc = &loc
	c.init = true
	logging.Debug(logging.DMA, "init", "inst", hexAddr(c.Inst), "channel", loc.Index, "cr", hexAddr(cr))
	return nil
}

// Deinit disables the channel, resets its registers and flags and releases
// the controller clock. Deinit of a channel that was never initialized
// does nothing.
func (c *Channel) Deinit() error {
	if c.loc == nil {
		return nil
	}
	l := c.p.Layout
	c.Disable()
	for _, r := range l.Reset {
		c.p.Bus.Store32(c.Inst+r.Off, r.Value)
	}
	c.ClearFlag(FlagHalf)
	c.ClearFlag(FlagComplete)
	c.ClearFlag(FlagError)
	c.init = false
	if err := c.p.Clocks.Release(c.loc.Base, c.loc.Index); err != nil {
		return err
	}
	logging.Debug(logging.DMA, "deinit", "inst", hexAddr(c.Inst))
	return nil
}

func (c *Channel) Enable() {
	mmio.SetBits(c.p.Bus, c.Inst+c.p.Layout.CR, c.p.Layout.EN)
}

func (c *Channel) Disable() {
	mmio.ClearBits(c.p.Bus, c.Inst+c.p.Layout.CR, c.p.Layout.EN)
}

// SetDirection changes the transfer direction of a configured channel.
func (c *Channel) SetDirection(d Direction) error {
	if d > MemoryToMemory {
		return fmt.Errorf("dma: direction %d: %w", d, hal.ErrInvalidConfig)
	}
	reg := c.Inst + c.p.Layout.CR
	c.p.Bus.Store32(reg, c.p.Layout.direction(c.p.Bus.Load32(reg), d))
	return nil
}

// Start arms a transfer between the peripheral register at periph and s.
//
// A channel may not be redirected to another peripheral while it is
// transferring: Start then returns [hal.ErrBusy] and leaves the registers
// untouched. Restarting on the peripheral address already programmed is
// always accepted.
func (c *Channel) Start(periph uint32, s Stream) error {
	if !c.init {
		return fmt.Errorf("dma: start %#08x: %w", c.Inst, hal.ErrNotInitialized)
	}
	if s.Length > c.p.Layout.MaxCount {
		return fmt.Errorf("dma: length %d exceeds %d: %w", s.Length, c.p.Layout.MaxCount, hal.ErrInvalidConfig)
	}
	if err := c.arm(periph, s); err != nil {
		log := logging.Debug
		if errors.Is(err, hal.ErrBusy) {
			log = logging.Warn
		}
		log(logging.DMA, "start rejected", "inst", hexAddr(c.Inst), "periph", hexAddr(periph), "err", err)
		return err
	}
	return nil
}

func (c *Channel) arm(periph uint32, s Stream) error {
	if cs := c.p.Critical; cs != nil {
		cs.Enter()
		defer cs.Exit()
	}
	l, b := c.p.Layout, c.p.Bus
	if periph != b.Load32(c.Inst+l.PAR) {
		if err := c.Status(); err != nil {
			return err
		}
	}
	c.Disable()
	b.Store32(c.Inst+l.PAR, periph)
	b.Store32(c.Inst+l.NDTR, s.Length)
	b.Store32(c.Inst+l.MAR, s.Buffer)
	c.errs.Store(uint32(ErrorNone))
	c.Enable()
	return nil
}

// StartIT starts a transfer like Start and enables its interrupts.
func (c *Channel) StartIT(periph uint32, s Stream) error {
	if err := c.Start(periph, s); err != nil {
		return err
	}
	mmio.SetBits(c.p.Bus, c.Inst+c.p.Layout.CR, c.irqMask())
	return nil
}

// Stop disables the channel and waits until the hardware reports it
// disabled, bounded by the platform's StopTimeout.
func (c *Channel) Stop() error {
	c.Disable()
	budget := c.p.StopTimeout
	err := hal.WaitForMatch(c.p.Bus, c.p.Ticker, c.Inst+c.p.Layout.CR, c.p.Layout.EN, 0, &budget)
	if err != nil {
		logging.Warn(logging.DMA, "stop timed out", "inst", hexAddr(c.Inst))
		return fmt.Errorf("dma: stop %#08x: %w", c.Inst, err)
	}
	return nil
}

// StopIT disables the channel and its interrupts without waiting for the
// hardware. It does not synchronize with a running HandleInterrupt.
func (c *Channel) StopIT() {
	c.Disable()
	mmio.ClearBits(c.p.Bus, c.Inst+c.p.Layout.CR, c.irqMask())
}

// Status returns [hal.ErrBusy] while the channel is enabled with data left
// to transfer, nil otherwise.
func (c *Channel) Status() error {
	if c.busy() {
		return hal.ErrBusy
	}
	return nil
}

func (c *Channel) busy() bool {
	l := c.p.Layout
	return mmio.HasBits(c.p.Bus, c.Inst+l.CR, l.EN) && c.Remaining() > 0
}

// Remaining returns the number of data items left to transfer.
func (c *Channel) Remaining() uint32 {
	return c.p.Bus.Load32(c.Inst+c.p.Layout.NDTR) & c.p.Layout.MaxCount
}

// PollStatus waits for the transfer complete or half transfer event of
// op, bounded by timeout ticks or forever for [hal.NoTimeout]. A transfer
// error ends the wait with [hal.ErrTransfer] and is recorded in Err.
func (c *Channel) PollStatus(op Operation, timeout uint32) error {
	if !c.init {
		return fmt.Errorf("dma: poll %#08x: %w", c.Inst, hal.ErrNotInitialized)
	}
	want := FlagComplete
	if op == HalfTransfer {
		want = FlagHalf
	}
	t := c.p.Ticker
	start := t.Ticks()
	for !c.Flag(want) {
		if c.Flag(FlagError) {
			c.errs.Or(uint32(ErrorTransfer))
			c.ClearFlag(FlagError)
			return fmt.Errorf("dma: %#08x: %w", c.Inst, hal.ErrTransfer)
		}
		if hal.Expired(t, start, timeout) {
			return fmt.Errorf("dma: poll %#08x: %w", c.Inst, hal.ErrTimeout)
		}
		hal.Pause(t)
	}
	if op == Transfer {
		c.ClearFlag(FlagComplete)
	}
	c.ClearFlag(FlagHalf)
	return nil
}

// Err returns the accumulated error state. It is reset by the next
// successful Start.
func (c *Channel) Err() Error {
	return Error(c.errs.Load())
}

// State derives the lifecycle state from the handle and the registers.
func (c *Channel) State() State {
	switch {
	case !c.init:
		return StateReset
	case c.busy():
		return StateBusy
	case c.Err() != ErrorNone:
		return StateError
	default:
		return StateReady
	}
}

// Location returns the position of the channel in its controller. It
// panics before Init.
func (c *Channel) Location() Location {
	return *c.location()
}

func (c *Channel) location() *Location {
	if c.loc == nil {
		panic("dma: channel not initialized")
	}
	return c.loc
}

// Flag reports whether f is raised for the channel. It panics before Init.
func (c *Channel) Flag(f Flag) bool {
	loc := c.location()
	return c.p.Bus.Load32(loc.Status)&(c.flagBits(f)<<loc.Shift) != 0
}

// ClearFlag acknowledges f. The clear register is write-one-to-clear. It
// panics before Init.
func (c *Channel) ClearFlag(f Flag) {
	loc := c.location()
	c.p.Bus.Store32(loc.Clear, c.flagBits(f)<<loc.Shift)
}

func (c *Channel) EnableInterrupt(f Flag) {
	mmio.SetBits(c.p.Bus, c.Inst+c.p.Layout.CR, c.ieBit(f))
}

func (c *Channel) DisableInterrupt(f Flag) {
	mmio.ClearBits(c.p.Bus, c.Inst+c.p.Layout.CR, c.ieBit(f))
}

func (c *Channel) flagBits(f Flag) uint32 {
	l := c.p.Layout
	switch f {
	case FlagHalf:
		return l.HT
	case FlagComplete:
		return l.TC
	case FlagError:
		return l.TE
	}
	panic("dma: invalid flag")
}

func (c *Channel) ieBit(f Flag) uint32 {
	l := c.p.Layout
	switch f {
	case FlagHalf:
		return l.HTIE
	case FlagComplete:
		return l.TCIE
	case FlagError:
		return l.TEIE
	}
	panic("dma: invalid flag")
}

// irqMask is the set of interrupt enables owned by StartIT and StopIT.
func (c *Channel) irqMask() uint32 {
	l := c.p.Layout
	m := l.TCIE | l.HTIE
	if c.p.ErrorDetect {
		m |= l.TEIE
	}
	return m
}
