package chip

import (
	"errors"
	"testing"

	"stm32xpd.dev/driver/dma"
	"stm32xpd.dev/driver/mmio"
	"stm32xpd.dev/hal"
)

func TestLookup(t *testing.T) {
	for _, name := range []string{"f4", "F4", "stm32f4", "STM32F4"} {
		p, err := Lookup(name)
		if err != nil {
			t.Fatal(err)
		}
		if p.Layout != dma.StreamLayout {
			t.Errorf("%s: layout %s", name, p.Layout.Name)
		}
	}
	if _, err := Lookup("h7"); !errors.Is(err, ErrUnknown) {
		t.Errorf("got %v", err)
	}
}

func TestProfilesSorted(t *testing.T) {
	ps := Profiles()
	if len(ps) != len(profiles) {
		t.Fatalf("%d profiles", len(ps))
	}
	for i := 1; i < len(ps); i++ {
		if ps[i-1].Name >= ps[i].Name {
			t.Errorf("%s before %s", ps[i-1].Name, ps[i].Name)
		}
	}
	for _, p := range ps {
		for _, c := range p.Controllers {
			if c.Channels > p.Layout.Channels {
				t.Errorf("%s %s: %d channels exceed the layout", p.Name, c.Name, c.Channels)
			}
			if _, err := p.Layout.Locate(p.Layout.Inst(c.Base, c.Channels-1)); err != nil {
				t.Errorf("%s %s: %v", p.Name, c.Name, err)
			}
		}
	}
}

func TestInst(t *testing.T) {
	tests := []struct {
		chip     string
		ctrl, ch int
		want     uint32
	}{
		{"f0", 0, 0, 0x4002_0008},
		{"f1", 1, 4, 0x4002_0458},
		{"f4", 1, 7, 0x4002_64b8},
		{"mp1", 1, 0, 0x4800_1010},
	}
	for _, test := range tests {
		p, err := Lookup(test.chip)
		if err != nil {
			t.Fatal(err)
		}
		got, err := p.Inst(test.ctrl, test.ch)
		if err != nil {
			t.Errorf("%s: %v", test.chip, err)
			continue
		}
		if got != test.want {
			t.Errorf("%s controller %d channel %d: %#x, want %#x", test.chip, test.ctrl, test.ch, got, test.want)
		}
	}
	p, _ := Lookup("f1")
	if _, err := p.Inst(1, 5); !errors.Is(err, hal.ErrInvalidConfig) {
		t.Errorf("missing channel: %v", err)
	}
	if _, err := p.Inst(2, 0); !errors.Is(err, hal.ErrUnknownController) {
		t.Errorf("missing controller: %v", err)
	}
}

func TestGateReadModifyWrite(t *testing.T) {
	m := mmio.NewMemory()
	m.Poke(f4AHB1ENR, 0x1)
	g := &Gate{Bus: m, Clock: Clock{Set: f4AHB1ENR, Bit: 22}, Critical: new(hal.Mutex)}
	g.SetEnabled(true)
	if got := m.Peek(f4AHB1ENR); got != 1<<22|1 {
		t.Errorf("AHB1ENR %#x", got)
	}
	if !g.Enabled() {
		t.Error("clock reads disabled")
	}
	g.SetEnabled(false)
	if got := m.Peek(f4AHB1ENR); got != 1 {
		t.Errorf("AHB1ENR %#x", got)
	}
}

func TestGateSetClear(t *testing.T) {
	m := mmio.NewMemory()
	// Set and clear registers act on a shared enable state.
	m.OnStore(mp1AHB2ENSET, func(r mmio.Raw, addr, v uint32) { r.Store32(addr, r.Load32(addr)|v) })
	m.OnStore(mp1AHB2ENCLR, func(r mmio.Raw, addr, v uint32) { r.Store32(mp1AHB2ENSET, r.Load32(mp1AHB2ENSET)&^v) })
	m.Poke(mp1AHB2ENSET, 1<<4)
	g := &Gate{Bus: m, Clock: Clock{Set: mp1AHB2ENSET, Clear: mp1AHB2ENCLR, Bit: 1}}
	g.SetEnabled(true)
	if got := m.Peek(mp1AHB2ENSET); got != 1<<4|1<<1 {
		t.Errorf("enable state %#x", got)
	}
	g.SetEnabled(false)
	if got := m.Peek(mp1AHB2ENSET); got != 1<<4 {
		t.Errorf("enable state %#x", got)
	}
}

func TestPlatformClocks(t *testing.T) {
	p, _ := Lookup("l4")
	m := mmio.NewMemory()
	pl := p.Platform(m, &hal.StepTicker{Step: 1}, new(hal.Mutex))
	inst, err := p.Inst(1, 3)
	if err != nil {
		t.Fatal(err)
	}
	a, b := pl.Channel(inst), pl.Channel(inst-p.Layout.Stride)
	for _, c := range []*dma.Channel{a, b} {
		if err := c.Init(dma.Config{Request: 2}); err != nil {
			t.Fatal(err)
		}
	}
	if got := m.Peek(l4AHB1ENR); got != 1<<1 {
		t.Fatalf("AHB1ENR %#x", got)
	}
	if err := a.Deinit(); err != nil {
		t.Fatal(err)
	}
	if got := m.Peek(l4AHB1ENR); got != 1<<1 {
		t.Errorf("clock gated with a channel in use: %#x", got)
	}
	if err := b.Deinit(); err != nil {
		t.Fatal(err)
	}
	if got := m.Peek(l4AHB1ENR); got != 0 {
		t.Errorf("AHB1ENR %#x", got)
	}
}
