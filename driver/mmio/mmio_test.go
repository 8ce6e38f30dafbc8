package mmio

import (
	"bytes"
	"testing"
)

func TestField(t *testing.T) {
	psize := Field{Pos: 8, Width: 2}
	if got, want := psize.Mask(), uint32(0x300); got != want {
		t.Fatalf("mask %#x, want %#x", got, want)
	}
	reg := uint32(0xffff_ffff)
	reg = psize.Set(reg, 0b01)
	if got := psize.Get(reg); got != 0b01 {
		t.Errorf("get %#b, want 0b01", got)
	}
	if reg != 0xffff_fdff {
		t.Errorf("set disturbed neighbouring bits: %#x", reg)
	}
	// Excess bits are dropped.
	if got := psize.Set(0, 0b111); got != 0x300 {
		t.Errorf("set overflow %#x", got)
	}
	if psize.Fits(4) || !psize.Fits(3) {
		t.Error("Fits wrong for 2-bit field")
	}
	full := Field{Pos: 0, Width: 32}
	if full.Mask() != 0xffff_ffff {
		t.Errorf("32-bit field mask %#x", full.Mask())
	}
	if Bit(5).Mask() != 1<<5 {
		t.Errorf("bit mask %#x", Bit(5).Mask())
	}
}

func TestBusHelpers(t *testing.T) {
	m := NewMemory()
	const reg = 0x4002_0008
	SetBits(m, reg, 0b101)
	ClearBits(m, reg, 0b001)
	if got := m.Load32(reg); got != 0b100 {
		t.Fatalf("reg %#b, want 0b100", got)
	}
	if !HasBits(m, reg, 0b110) || HasBits(m, reg, 0b011) {
		t.Error("HasBits mismatch")
	}
	pl := Field{Pos: 12, Width: 2}
	StoreField(m, reg, pl, 3)
	if got := LoadField(m, reg, pl); got != 3 {
		t.Errorf("field %d, want 3", got)
	}
	if got := m.Load32(reg); got != 0x3004 {
		t.Errorf("reg %#x, want 0x3004", got)
	}
}

func TestMemoryHooks(t *testing.T) {
	m := NewMemory()
	const (
		isr  = 0x100
		ifcr = 0x104
	)
	m.Poke(isr, 0b1111)
	// Write-one-to-clear.
	m.OnStore(ifcr, func(r Raw, addr, v uint32) {
		r.Store32(isr, r.Load32(isr)&^v)
	})
	m.OnLoad(ifcr, func(r Raw, addr uint32) uint32 { return 0 })
	m.Store32(ifcr, 0b0101)
	if got := m.Load32(isr); got != 0b1010 {
		t.Errorf("isr %#b, want 0b1010", got)
	}
	if got := m.Load32(ifcr); got != 0 {
		t.Errorf("ifcr reads %#x", got)
	}
	// Unaligned addresses select the containing word.
	if got := m.Load32(isr + 2); got != 0b1010 {
		t.Errorf("unaligned load %#x", got)
	}
	snap := m.Snapshot()
	if _, ok := snap[ifcr]; ok {
		t.Error("hooked store reached backing memory")
	}
}

func TestMemoryBytes(t *testing.T) {
	m := NewMemory()
	src := []byte{1, 2, 3, 4, 5, 6, 7}
	m.Fill(0x2000_0001, src)
	got := make([]byte, len(src))
	m.Read(0x2000_0001, got)
	if !bytes.Equal(got, src) {
		t.Fatalf("read %v, want %v", got, src)
	}
	if w := m.Peek(0x2000_0000); w != 0x0302_0100 {
		t.Errorf("word %#08x", w)
	}
	var half uint32
	m.Update(func(r Raw) { half = r.Load(0x2000_0003, 2) })
	if half != 0x0403 {
		t.Errorf("halfword across words %#x", half)
	}
}

func TestMux(t *testing.T) {
	regs, ram := NewMemory(), NewMemory()
	var m Mux
	m.Map(0x4002_0000, 0x400, regs)
	m.Map(0x2000_0000, 0x1_0000, ram)
	m.Store32(0x4002_0008, 1)
	m.Store32(0x2000_fffc, 2)
	if regs.Peek(0x4002_0008) != 1 || ram.Peek(0x2000_fffc) != 2 {
		t.Error("store routed to the wrong bus")
	}
	if len(regs.Snapshot()) != 1 || len(ram.Snapshot()) != 1 {
		t.Error("store leaked to another bus")
	}
	// Shadowing.
	rcc := NewMemory()
	m.Map(0x4002_0100, 4, rcc)
	m.Store32(0x4002_0100, 3)
	if rcc.Peek(0x4002_0100) != 3 || regs.Peek(0x4002_0100) != 0 {
		t.Error("later region does not shadow")
	}
	defer func() {
		if recover() == nil {
			t.Error("no panic for an unmapped address")
		}
	}()
	m.Load32(0x2001_0000)
}
