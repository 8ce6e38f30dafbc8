package dmasim

import (
	"bytes"
	"errors"
	"testing"

	"stm32xpd.dev/driver/dma"
	"stm32xpd.dev/driver/mmio"
	"stm32xpd.dev/hal"
)

const base = 0x4002_0000

func newSim(l *dma.Layout) (*Simulator, *dma.Platform) {
	m := mmio.NewMemory()
	s := New(m, l, base)
	p := dma.NewPlatform(m, l, &hal.StepTicker{Step: 1}, new(hal.Mutex))
	p.Clocks.Register(base, hal.ClockFunc(func(bool) {}))
	return s, p
}

func TestMemoryToMemory(t *testing.T) {
	for _, l := range []*dma.Layout{dma.ChannelLayout, dma.StreamLayout} {
		s, p := newSim(l)
		c := p.Channel(l.Inst(base, 1))
		err := c.Init(dma.Config{
			Direction:  dma.MemoryToMemory,
			Peripheral: dma.Port{Increment: true, Size: dma.Word},
			Memory:     dma.Port{Increment: true, Size: dma.Word},
		})
		if err != nil {
			t.Fatal(err)
		}
		src := []byte("0123456789abcdef")
		s.Mem.Fill(0x2000_0000, src)
		if err := c.Start(0x2000_0000, dma.Stream{Buffer: 0x2000_1000, Length: 4}); err != nil {
			t.Fatal(err)
		}
		s.Step(2)
		if err := c.PollStatus(dma.HalfTransfer, 10); err != nil {
			t.Fatalf("%s: %v", l.Name, err)
		}
		if err := c.PollStatus(dma.Transfer, 10); !errors.Is(err, hal.ErrTimeout) {
			t.Fatalf("%s: transfer complete at half way: %v", l.Name, err)
		}
		s.Step(2)
		if err := c.PollStatus(dma.Transfer, 10); err != nil {
			t.Fatalf("%s: %v", l.Name, err)
		}
		got := make([]byte, len(src))
		s.Mem.Read(0x2000_1000, got)
		if !bytes.Equal(got, src) {
			t.Errorf("%s: copied %q", l.Name, got)
		}
		if c.Remaining() != 0 || c.Status() != nil {
			t.Errorf("%s: %d items left", l.Name, c.Remaining())
		}
	}
}

func TestPeripheralWidths(t *testing.T) {
	s, p := newSim(dma.ChannelLayout)
	c := p.Channel(dma.ChannelLayout.Inst(base, 0))
	err := c.Init(dma.Config{
		Direction:  dma.PeripheralToMemory,
		Peripheral: dma.Port{Size: dma.Word},
		Memory:     dma.Port{Increment: true, Size: dma.Byte},
	})
	if err != nil {
		t.Fatal(err)
	}
	const dr = 0x4001_3804
	s.Mem.Poke(dr, 0x1234_5641)
	if err := c.Start(dr, dma.Stream{Buffer: 0x2000_0000, Length: 3}); err != nil {
		t.Fatal(err)
	}
	s.Step(3)
	got := make([]byte, 4)
	s.Mem.Read(0x2000_0000, got)
	if want := []byte{0x41, 0x41, 0x41, 0}; !bytes.Equal(got, want) {
		t.Errorf("got % x, want % x", got, want)
	}
}

func TestCircularInterrupts(t *testing.T) {
	s, p := newSim(dma.StreamLayout)
	var r dma.Router
	s.Interrupt = func(b uint32) { r.Dispatch(b) }
	c := p.Channel(dma.StreamLayout.Inst(base, 5))
	err := c.Init(dma.Config{
		Direction:  dma.PeripheralToMemory,
		Mode:       dma.Circular,
		Peripheral: dma.Port{Size: dma.HalfWord},
		Memory:     dma.Port{Increment: true, Size: dma.HalfWord},
	})
	if err != nil {
		t.Fatal(err)
	}
	var events []string
	c.Callbacks.HalfComplete = func(*dma.Channel) { events = append(events, "half") }
	c.Callbacks.Complete = func(*dma.Channel) { events = append(events, "complete") }
	r.Attach(c)
	if err := c.StartIT(0x4001_204c, dma.Stream{Buffer: 0x2000_0000, Length: 8}); err != nil {
		t.Fatal(err)
	}
	s.Step(24)
	want := []string{"half", "complete", "half", "complete", "half", "complete"}
	if len(events) != len(want) {
		t.Fatalf("events %v", events)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Fatalf("events %v", events)
		}
	}
	if c.Status() == nil {
		t.Error("circular stream stopped")
	}
	if err := c.Stop(); err != nil {
		t.Fatal(err)
	}
}

func TestOneShotInterrupts(t *testing.T) {
	s, p := newSim(dma.ChannelLayout)
	c := p.Channel(dma.ChannelLayout.Inst(base, 2))
	s.Interrupt = func(uint32) { c.HandleInterrupt() }
	if err := c.Init(dma.Config{Direction: dma.MemoryToPeripheral, Memory: dma.Port{Increment: true}}); err != nil {
		t.Fatal(err)
	}
	completions := 0
	c.Callbacks.Complete = func(*dma.Channel) { completions++ }
	if err := c.StartIT(0x4001_3828, dma.Stream{Buffer: 0x2000_0000, Length: 2}); err != nil {
		t.Fatal(err)
	}
	s.Step(10)
	if completions != 1 {
		t.Errorf("%d completions", completions)
	}
	l := dma.ChannelLayout
	if cr := s.Mem.Load32(c.Inst + l.CR); cr&(l.TCIE|l.HTIE) != 0 {
		t.Errorf("CCR %#x", cr)
	}
}

func TestFault(t *testing.T) {
	s, p := newSim(dma.ChannelLayout)
	c := p.Channel(dma.ChannelLayout.Inst(base, 6))
	s.Interrupt = func(uint32) { c.HandleInterrupt() }
	if err := c.Init(dma.Config{Direction: dma.PeripheralToMemory}); err != nil {
		t.Fatal(err)
	}
	failed := false
	c.Callbacks.Error = func(*dma.Channel) { failed = true }
	if err := c.StartIT(0x4001_3824, dma.Stream{Buffer: 0x2000_0000, Length: 100}); err != nil {
		t.Fatal(err)
	}
	s.Step(10)
	if err := s.Fault(c.Inst); err != nil {
		t.Fatal(err)
	}
	if !failed || c.Err() != dma.ErrorTransfer {
		t.Fatalf("error callback %v, state %v", failed, c.Err())
	}
	if c.State() != dma.StateError {
		t.Errorf("state %v", c.State())
	}
	if got := c.Remaining(); got != 90 {
		t.Errorf("%d items left", got)
	}
	if err := s.Fault(0x4002_0001); err == nil {
		t.Error("fault on an invalid channel address")
	}
}

func TestSlowDisable(t *testing.T) {
	s, p := newSim(dma.StreamLayout)
	s.DisableLatency = 5
	c := p.Channel(dma.StreamLayout.Inst(base, 0))
	if err := c.Init(dma.Config{Direction: dma.PeripheralToMemory}); err != nil {
		t.Fatal(err)
	}
	if err := c.Start(0x4001_3824, dma.Stream{Buffer: 0x2000_0000, Length: 100}); err != nil {
		t.Fatal(err)
	}
	if err := c.Stop(); err != nil {
		t.Fatal(err)
	}
	if err := c.Start(0x4001_3824, dma.Stream{Buffer: 0x2000_0000, Length: 100}); err != nil {
		t.Fatal(err)
	}
	s.DisableLatency = 5000
	if err := c.Stop(); !errors.Is(err, hal.ErrTimeout) {
		t.Errorf("got %v, want timeout", err)
	}
}
