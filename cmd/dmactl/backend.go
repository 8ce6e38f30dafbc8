package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"stm32xpd.dev/chip"
	"stm32xpd.dev/driver/dma"
	"stm32xpd.dev/driver/dma/dmasim"
	"stm32xpd.dev/driver/mmio"
	"stm32xpd.dev/driver/remote"
	"stm32xpd.dev/hal"
	"stm32xpd.dev/internal/logging"
)

// backend is the register bus and driver platform a command runs on.
type backend struct {
	profile *chip.Profile
	bus     mmio.Bus
	plat    *dma.Platform
	router  dma.Router

	// sim is set for the simulated backend.
	sim *dmasim.Simulator
	// memory reports whether buffers are reachable through bus.
	memory bool
	// listen delivers controller interrupts to router until ctx is done.
	listen func(ctx context.Context) error
	// err reports a latched bus error.
	err     func() error
	closers []io.Closer
}

func openBackend(o *options, p *chip.Profile, stdin io.Reader, stdout io.Writer) (*backend, error) {
	b := &backend{profile: p}
	switch o.backend {
	case "sim":
		m := mmio.NewMemory()
		var bases []uint32
		for _, c := range p.Controllers {
			bases = append(bases, c.Base)
		}
		b.sim = dmasim.New(m, p.Layout, bases...)
		b.sim.Interrupt = func(base uint32) { b.router.Dispatch(base) }
		b.bus = m
		b.memory = true
		t := &simTicker{sim: b.sim}
		t.Step = 1
		b.plat = p.Platform(m, t, new(hal.Mutex))
	case "serial":
		s, err := remote.Open(o.device, o.baud)
		if err != nil {
			return nil, err
		}
		c := remote.NewClient(s)
		b.closers = append(b.closers, s)
		b.bus = c
		b.err = c.Err
		b.memory = true
		b.plat = p.Platform(c, sysTick(p), new(hal.Mutex))
	case "mem":
		if err := openMem(b, o); err != nil {
			return nil, err
		}
	case "uio":
		if err := openUIO(b, o); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown backend: %q", o.backend)
	}
	logging.Debug(logging.Cmd, "backend", "chip", p.Name, "backend", o.backend)
	return b, nil
}

func sysTick(p *chip.Profile) *hal.SysTick {
	t := hal.NewSysTick(p.TickRate)
	t.Backoff = 5 * time.Microsecond
	return t
}

func (b *backend) inst(o *options) (uint32, error) {
	return b.profile.Inst(o.controller-1, o.channel)
}

func (b *backend) channel(o *options) (*dma.Channel, error) {
	inst, err := b.inst(o)
	if err != nil {
		return nil, err
	}
	return b.plat.Channel(inst), nil
}

func (b *backend) Err() error {
	if b.err == nil {
		return nil
	}
	return b.err()
}

func (b *backend) Close() error {
	var first error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i].Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// simTicker advances the simulator by one beat whenever the driver backs
// off in a wait.
type simTicker struct {
	hal.StepTicker
	sim *dmasim.Simulator
}

func (t *simTicker) Pause() {
	t.sim.Step(1)
}
