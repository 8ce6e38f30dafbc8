//go:build linux

package main

import (
	"context"
	"fmt"

	"periph.io/x/host/v3"
	"stm32xpd.dev/driver/dma"
	"stm32xpd.dev/driver/mmio"
	"stm32xpd.dev/driver/uio"
	"stm32xpd.dev/hal"
)

// controllerWindow covers the register block of every layout.
const controllerWindow = 0x400

// openMem maps the controllers, their clock enables and the command's
// buffers from /dev/mem.
func openMem(b *backend, o *options) error {
	if _, err := host.Init(); err != nil {
		return fmt.Errorf("mem: %w", err)
	}
	mux := new(mmio.Mux)
	window := func(base, size uint32) error {
		w, err := mmio.Map(base, int(size))
		if err != nil {
			return err
		}
		b.closers = append(b.closers, w)
		mux.Map(base, size, w)
		return nil
	}
	for _, c := range b.profile.Controllers {
		if err := window(c.Base, controllerWindow); err != nil {
			b.Close()
			return err
		}
		for _, reg := range []uint32{c.Clock.Set, c.Clock.Clear} {
			if reg == 0 {
				continue
			}
			if err := window(reg, 4); err != nil {
				b.Close()
				return err
			}
		}
	}
	for _, s := range o.buffers {
		if err := window(s.base, s.size); err != nil {
			b.Close()
			return err
		}
	}
	b.bus = mux
	b.memory = true
	b.plat = b.profile.Platform(mux, sysTick(b.profile), new(hal.Mutex))
	return nil
}

// openUIO drives the controller exported by a UIO device. The kernel owns
// the controller clock.
func openUIO(b *backend, o *options) error {
	if o.device == "" {
		return fmt.Errorf("uio: missing -device")
	}
	d, err := uio.Open(o.device)
	if err != nil {
		return err
	}
	b.closers = append(b.closers, d)
	p := b.profile
	if o.controller < 1 || o.controller > len(p.Controllers) || p.Controllers[o.controller-1].Base != d.Base() {
		b.Close()
		return fmt.Errorf("uio: %s maps %#08x, not controller %d of %s", d.Name, d.Base(), o.controller, p.Name)
	}
	b.bus = d
	b.plat = dma.NewPlatform(d, p.Layout, sysTick(p), new(hal.Mutex))
	b.plat.ErrorDetect = p.ErrorDetect
	b.plat.Clocks.Register(d.Base(), hal.ClockFunc(func(bool) {}))
	b.listen = func(ctx context.Context) error {
		return d.Run(ctx, func() { b.router.Dispatch(d.Base()) })
	}
	return nil
}
