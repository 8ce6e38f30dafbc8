// Package dmasim simulates STM32 DMA controllers on top of an
// [mmio.Memory], for running the driver without hardware.
package dmasim

import (
	"context"
	"fmt"
	"sync"
	"time"

	"stm32xpd.dev/driver/dma"
	"stm32xpd.dev/driver/mmio"
	"stm32xpd.dev/internal/logging"
)

// Simulator gives the registers of one or more controllers their hardware
// behaviour. Transfers advance one data item per channel on every beat.
type Simulator struct {
	Mem    *mmio.Memory
	Layout *dma.Layout
	// Interrupt is called, outside the memory lock, with the base of every
	// controller that raised an enabled flag during a beat.
	Interrupt func(base uint32)
	// DisableLatency is the number of control register reads for which EN
	// still reads set after a disable, on layouts with SlowDisable.
	DisableLatency int

	bases []uint32

	mu   sync.Mutex
	runs map[uint32]*run
	lag  map[uint32]int
}

// run is the progress of the transfer armed on a channel.
type run struct {
	total, pos uint32
}

// New installs the hooks of the controllers at bases into m.
func New(m *mmio.Memory, l *dma.Layout, bases ...uint32) *Simulator {
	s := &Simulator{
		Mem:            m,
		Layout:         l,
		DisableLatency: 2,
		bases:          bases,
		runs:           make(map[uint32]*run),
		lag:            make(map[uint32]int),
	}
	for _, base := range bases {
		for i := range l.Status {
			status, clear := base+l.Status[i], base+l.Clear[i]
			m.OnStore(clear, func(r mmio.Raw, addr, v uint32) {
				r.Store32(status, r.Load32(status)&^v)
			})
			m.OnLoad(clear, func(r mmio.Raw, addr uint32) uint32 { return 0 })
			// Status registers are read-only.
			m.OnStore(status, func(r mmio.Raw, addr, v uint32) {})
		}
		for ch := range l.Channels {
			inst := l.Inst(base, ch)
			m.OnStore(inst+l.CR, s.storeCR)
			m.OnLoad(inst+l.CR, s.loadCR)
		}
	}
	return s
}

func (s *Simulator) storeCR(r mmio.Raw, addr, v uint32) {
	l := s.Layout
	old := r.Load32(addr)
	r.Store32(addr, v)
	inst := addr - l.CR
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case old&l.EN == 0 && v&l.EN != 0:
		s.runs[inst] = &run{total: r.Load32(inst+l.NDTR) & l.MaxCount}
		delete(s.lag, inst)
		logging.Debug(logging.Sim, "enable", "inst", fmt.Sprintf("%#08x", inst), "count", s.runs[inst].total)
	case old&l.EN != 0 && v&l.EN == 0:
		delete(s.runs, inst)
		if l.SlowDisable {
			s.lag[inst] = s.DisableLatency
		}
	}
}

func (s *Simulator) loadCR(r mmio.Raw, addr uint32) uint32 {
	v := r.Load32(addr)
	inst := addr - s.Layout.CR
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := s.lag[inst]; n > 0 {
		s.lag[inst] = n - 1
		return v | s.Layout.EN
	}
	return v
}

// Step advances every enabled channel by n beats.
func (s *Simulator) Step(n int) {
	for range n {
		var irqs []uint32
		s.Mem.Update(func(r mmio.Raw) {
			for _, base := range s.bases {
				raised := false
				for ch := range s.Layout.Channels {
					if s.beat(r, base, ch) {
						raised = true
					}
				}
				if raised {
					irqs = append(irqs, base)
				}
			}
		})
		if s.Interrupt != nil {
			for _, base := range irqs {
				s.Interrupt(base)
			}
		}
	}
}

// beat moves one data item on channel ch and reports whether an enabled
// flag was raised.
func (s *Simulator) beat(r mmio.Raw, base uint32, ch int) bool {
	l := s.Layout
	inst := l.Inst(base, ch)
	cr := r.Load32(inst + l.CR)
	ndtr := r.Load32(inst+l.NDTR) & l.MaxCount
	if cr&l.EN == 0 || ndtr == 0 {
		return false
	}
	s.mu.Lock()
	rn := s.runs[inst]
	if rn == nil {
		rn = &run{total: ndtr}
		s.runs[inst] = rn
	}
	s.mu.Unlock()

	s.move(r, inst, cr, rn.pos)
	rn.pos++
	ndtr--
	var flags uint32
	if ndtr == rn.total/2 {
		flags |= l.HT
	}
	if ndtr == 0 {
		flags |= l.TC
		switch {
		case cr&l.CIRC != 0:
			ndtr = rn.total
			rn.pos = 0
		case l.SlowDisable:
			// Streams disable themselves at the end of a transfer.
			r.Store32(inst+l.CR, cr&^l.EN)
		}
	}
	r.Store32(inst+l.NDTR, ndtr)
	return s.raise(r, base, ch, cr, flags)
}

// move copies item pos between the peripheral and memory addresses.
func (s *Simulator) move(r mmio.Raw, inst, cr, pos uint32) {
	l := s.Layout
	periph := itemAddr(r.Load32(inst+l.PAR), pos, l.PSIZE.Get(cr), cr&l.PINC != 0)
	mem := itemAddr(r.Load32(inst+l.MAR), pos, l.MSIZE.Get(cr), cr&l.MINC != 0)
	psize, msize := dma.DataSize(l.PSIZE.Get(cr)).Bytes(), dma.DataSize(l.MSIZE.Get(cr)).Bytes()
	// A clear direction bit reads the peripheral side, also for memory to
	// memory transfers.
	if l.DIR.Get(cr) == uint32(dma.MemoryToPeripheral) {
		r.Store(periph, psize, r.Load(mem, msize))
	} else {
		r.Store(mem, msize, r.Load(periph, psize))
	}
}

func itemAddr(start, pos, size uint32, inc bool) uint32 {
	if !inc {
		return start
	}
	return start + pos<<size
}

// raise sets flags in the status group of channel ch and reports whether
// any of them has its interrupt enabled in cr.
func (s *Simulator) raise(r mmio.Raw, base uint32, ch int, cr, flags uint32) bool {
	if flags == 0 {
		return false
	}
	l := s.Layout
	groups := len(l.GroupShift)
	status := base + l.Status[ch/groups]
	shift := l.GroupShift[ch%groups]
	r.Store32(status, r.Load32(status)|flags<<shift)
	return cr&l.HTIE != 0 && flags&l.HT != 0 ||
		cr&l.TCIE != 0 && flags&l.TC != 0 ||
		cr&l.TEIE != 0 && flags&l.TE != 0
}

// Fault raises a transfer error on the channel at inst and disables it,
// as the hardware does on a bus error.
func (s *Simulator) Fault(inst uint32) error {
	l := s.Layout
	loc, err := l.Locate(inst)
	if err != nil {
		return err
	}
	var irq bool
	s.Mem.Update(func(r mmio.Raw) {
		cr := r.Load32(inst + l.CR)
		r.Store32(inst+l.CR, cr&^l.EN)
		s.mu.Lock()
		delete(s.runs, inst)
		s.mu.Unlock()
		irq = s.raise(r, loc.Base, loc.Index, cr, l.TE)
	})
	logging.Debug(logging.Sim, "fault", "inst", fmt.Sprintf("%#08x", inst))
	if irq && s.Interrupt != nil {
		s.Interrupt(loc.Base)
	}
	return nil
}

// Run steps the simulator every interval until ctx is done.
func (s *Simulator) Run(ctx context.Context, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			s.Step(1)
		}
	}
}
