package dma

import (
	"flag"
	"path/filepath"
	"testing"

	"stm32xpd.dev/driver/mmio"
	"stm32xpd.dev/hal"
	"stm32xpd.dev/internal/golden"
)

var update = flag.Bool("update", false, "update golden files")

// TestChannelLifecycleTrace pins the register accesses, and their order,
// of a polled transfer.
func TestChannelLifecycleTrace(t *testing.T) {
	rec := &mmio.Recorder{Bus: mmio.NewMemory()}
	p := NewPlatform(rec, ChannelLayout, &hal.StepTicker{Step: 1}, new(hal.Mutex))
	p.Clocks.Register(dma1, hal.ClockFunc(func(bool) {}))
	c := p.Channel(ChannelLayout.Inst(dma1, 0))
	var got []string
	step := func(name string, f func() error) {
		t.Helper()
		if err := f(); err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		got = append(got, "# "+name)
		got = append(got, rec.Lines()...)
	}
	step("init", func() error { return c.Init(txConfig) })
	step("start", func() error {
		return c.Start(0x4001_3828, Stream{Buffer: 0x2000_0000, Length: 16})
	})
	step("stop", c.Stop)
	step("deinit", c.Deinit)
	if err := golden.Compare(filepath.Join("testdata", "channel_lifecycle.golden"), *update, got); err != nil {
		t.Error(err)
	}
}
