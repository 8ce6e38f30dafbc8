// Command dmactl exercises the STM32 DMA driver against a simulated
// controller, the registers of the local machine, a Linux UIO device or a
// target reached over a serial line.
//
//	dmactl profiles
//	dmactl m2m -chip f4 -controller 2 -channel 0 -n 64
//	dmactl irq -chip f1 -backend sim -cycles 3
//	dmactl dump -chip mp1 -backend mem -controller 2 -channel 5
//	dmactl serve -chip f4 -line /dev/ttyACM0
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"text/tabwriter"
	"time"

	"stm32xpd.dev/chip"
	"stm32xpd.dev/driver/dma"
	"stm32xpd.dev/driver/remote"
	"stm32xpd.dev/hal"
	"stm32xpd.dev/internal/logging"
)

var stderr io.Writer = os.Stderr

func main() {
	if err := run(os.Stdout, os.Stdin, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "dmactl: %v\n", err)
		os.Exit(2)
	}
}

type options struct {
	chip       string
	backend    string
	device     string
	baud       int
	controller int
	channel    int
	verbose    bool
	json       bool
	// buffers lists the memory the command touches, for backends that
	// map memory explicitly.
	buffers []span
}

type span struct {
	base, size uint32
}

func commonFlags(fs *flag.FlagSet) *options {
	o := new(options)
	fs.StringVar(&o.chip, "chip", "f4", "chip profile (see 'dmactl profiles')")
	fs.StringVar(&o.backend, "backend", "sim", "register backend: sim, mem, uio or serial")
	fs.StringVar(&o.device, "device", "", "UIO or serial device")
	fs.IntVar(&o.baud, "baud", remote.DefaultBaud, "serial line rate")
	fs.IntVar(&o.controller, "controller", 1, "DMA controller number, from 1")
	fs.IntVar(&o.channel, "channel", 0, "channel or stream index, from 0")
	fs.BoolVar(&o.verbose, "v", false, "verbose logging")
	fs.BoolVar(&o.json, "json", false, "log as JSON")
	return o
}

// addr is an address flag accepting any Go integer literal.
type addr uint32

func (a *addr) String() string {
	return fmt.Sprintf("%#08x", uint32(*a))
}

func (a *addr) Set(s string) error {
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return err
	}
	*a = addr(v)
	return nil
}

func run(stdout io.Writer, stdin io.Reader, args []string) error {
	if len(args) == 0 {
		return errors.New("missing command (profiles, m2m, irq, dump, serve)")
	}
	cmd := args[0]
	args = args[1:]
	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	fs.SetOutput(stdout)
	switch cmd {
	case "profiles":
		if err := fs.Parse(args); err != nil {
			return err
		}
		return profiles(stdout)
	case "m2m":
		o := commonFlags(fs)
		src, dst := addr(0x2000_0000), addr(0x2000_1000)
		fs.Var(&src, "src", "source buffer address")
		fs.Var(&dst, "dst", "destination buffer address")
		n := fs.Int("n", 64, "number of words")
		timeout := fs.Uint("timeout", 1000, "timeout in ticks")
		if err := fs.Parse(args); err != nil {
			return err
		}
		o.buffers = []span{{uint32(src), uint32(*n) * 4}, {uint32(dst), uint32(*n) * 4}}
		return withBackend(o, stdin, stdout, func(b *backend) error {
			return m2m(stdout, b, o, uint32(src), uint32(dst), uint32(*n), uint32(*timeout))
		})
	case "irq":
		o := commonFlags(fs)
		periph, dst := addr(0x4000_4404), addr(0x2000_0000)
		fs.Var(&periph, "periph", "peripheral data register address")
		fs.Var(&dst, "dst", "destination buffer address")
		n := fs.Int("n", 16, "number of items per cycle")
		cycles := fs.Int("cycles", 3, "number of circular cycles to observe")
		timeout := fs.Duration("timeout", 5*time.Second, "timeout")
		if err := fs.Parse(args); err != nil {
			return err
		}
		o.buffers = []span{{uint32(dst), uint32(*n) * 2}}
		return withBackend(o, stdin, stdout, func(b *backend) error {
			return irq(stdout, b, o, uint32(periph), uint32(dst), uint32(*n), *cycles, *timeout)
		})
	case "dump":
		o := commonFlags(fs)
		if err := fs.Parse(args); err != nil {
			return err
		}
		return withBackend(o, stdin, stdout, func(b *backend) error {
			return dump(stdout, b, o)
		})
	case "serve":
		// Standard output may carry the register protocol.
		fs.SetOutput(stderr)
		o := commonFlags(fs)
		line := fs.String("line", "-", "serial device to serve on, - for standard input and output")
		interval := fs.Duration("interval", time.Millisecond, "simulator beat interval")
		if err := fs.Parse(args); err != nil {
			return err
		}
		return serve(stdout, stdin, o, *line, *interval)
	default:
		return fmt.Errorf("unknown command: %q", cmd)
	}
}

func setupLogging(o *options) {
	if o.verbose {
		logging.SetLevel(slog.LevelDebug)
	}
	if o.json {
		logging.SetFormat(stderr, logging.JSON)
	}
}

func withBackend(o *options, stdin io.Reader, stdout io.Writer, f func(b *backend) error) error {
	setupLogging(o)
	p, err := chip.Lookup(o.chip)
	if err != nil {
		return err
	}
	b, err := openBackend(o, p, stdin, stdout)
	if err != nil {
		return err
	}
	defer b.Close()
	err = f(b)
	if berr := b.Err(); err == nil {
		err = berr
	}
	return err
}

func profiles(stdout io.Writer) error {
	w := tabwriter.NewWriter(stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tLAYOUT\tCONTROLLER\tBASE\tCHANNELS\tDESCRIPTION")
	for _, p := range chip.Profiles() {
		for _, c := range p.Controllers {
			fmt.Fprintf(w, "%s\t%s\t%s\t%#08x\t%d\t%s\n", p.Name, p.Layout.Name, c.Name, c.Base, c.Channels, p.Description)
		}
	}
	return w.Flush()
}

func m2m(stdout io.Writer, b *backend, o *options, src, dst, n, timeout uint32) error {
	if !b.memory {
		return fmt.Errorf("m2m: backend %s has no access to memory", o.backend)
	}
	ch, err := b.channel(o)
	if err != nil {
		return err
	}
	defer ch.Deinit()
	err = ch.Init(dma.Config{
		Direction:  dma.MemoryToMemory,
		Priority:   dma.High,
		Peripheral: dma.Port{Increment: true, Size: dma.Word},
		Memory:     dma.Port{Increment: true, Size: dma.Word},
	})
	if err != nil {
		return fmt.Errorf("m2m: %w", err)
	}
	for i := range n {
		b.bus.Store32(src+4*i, pattern(i))
		b.bus.Store32(dst+4*i, 0)
	}
	t := b.plat.Ticker
	start := t.Ticks()
	if err := ch.Start(src, dma.Stream{Buffer: dst, Length: n}); err != nil {
		return fmt.Errorf("m2m: %w", err)
	}
	if err := ch.PollStatus(dma.Transfer, timeout); err != nil {
		return fmt.Errorf("m2m: %w", abandon(ch, err))
	}
	ticks := t.Ticks() - start
	if err := ch.Stop(); err != nil {
		return fmt.Errorf("m2m: %w", err)
	}
	for i := range n {
		if got := b.bus.Load32(dst + 4*i); got != pattern(i) {
			return fmt.Errorf("m2m: word %d at %#08x is %#08x, want %#08x", i, dst+4*i, got, pattern(i))
		}
	}
	fmt.Fprintf(stdout, "copied %d words from %#08x to %#08x in %d ticks\n", n, src, dst, ticks)
	return nil
}

// abandon stops ch after a failed wait and reports both failures.
func abandon(ch *dma.Channel, err error) error {
	return errors.Join(err, ch.Stop())
}

func pattern(i uint32) uint32 {
	return 0xa5a5_0000 | i*0x0101
}

func irq(stdout io.Writer, b *backend, o *options, periph, dst, n uint32, cycles int, timeout time.Duration) error {
	if b.listen == nil && b.sim == nil {
		return fmt.Errorf("irq: backend %s delivers no interrupts", o.backend)
	}
	ch, err := b.channel(o)
	if err != nil {
		return err
	}
	defer ch.Deinit()
	err = ch.Init(dma.Config{
		Direction:  dma.PeripheralToMemory,
		Mode:       dma.Circular,
		Priority:   dma.Medium,
		Peripheral: dma.Port{Size: dma.HalfWord},
		Memory:     dma.Port{Increment: true, Size: dma.HalfWord},
	})
	if err != nil {
		return fmt.Errorf("irq: %w", err)
	}
	var halves, completes, failures atomic.Int32
	ch.Callbacks = dma.Callbacks{
		HalfComplete: func(*dma.Channel) { halves.Add(1) },
		Complete:     func(*dma.Channel) { completes.Add(1) },
		Error:        func(*dma.Channel) { failures.Add(1) },
	}
	b.router.Attach(ch)
	defer b.router.Detach(ch)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	listening := make(chan error, 1)
	if b.listen != nil {
		go func() { listening <- b.listen(ctx) }()
	} else {
		listening <- nil
	}
	if err := ch.StartIT(periph, dma.Stream{Buffer: dst, Length: n}); err != nil {
		return fmt.Errorf("irq: %w", err)
	}
	for completes.Load() < int32(cycles) && failures.Load() == 0 && ctx.Err() == nil {
		hal.Pause(b.plat.Ticker)
	}
	ch.StopIT()
	stopErr := ch.Stop()
	cancel()
	if err := <-listening; err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("irq: %w", err)
	}
	fmt.Fprintf(stdout, "%d half transfer, %d transfer complete, %d error interrupts\n", halves.Load(), completes.Load(), failures.Load())
	switch {
	case failures.Load() > 0:
		return fmt.Errorf("irq: %w (%v)", hal.ErrTransfer, ch.Err())
	case completes.Load() < int32(cycles):
		return fmt.Errorf("irq: %w after %v", hal.ErrTimeout, timeout)
	}
	return stopErr
}

func dump(stdout io.Writer, b *backend, o *options) error {
	inst, err := b.inst(o)
	if err != nil {
		return err
	}
	l := b.profile.Layout
	loc, err := l.Locate(inst)
	if err != nil {
		return err
	}
	cr := b.bus.Load32(inst + l.CR)
	flags := b.bus.Load32(loc.Status) >> loc.Shift & l.AllFlags
	w := tabwriter.NewWriter(stdout, 0, 8, 1, ' ', 0)
	fmt.Fprintf(w, "channel\t%s %d at %#08x\n", b.profile.Controllers[o.controller-1].Name, loc.Index, inst)
	for _, r := range []struct {
		name string
		off  uint32
	}{{"CR", l.CR}, {"NDTR", l.NDTR}, {"PAR", l.PAR}, {"MAR", l.MAR}} {
		fmt.Fprintf(w, "%s\t%#08x\n", r.name, b.bus.Load32(inst+r.off))
	}
	fmt.Fprintf(w, "flags\t%#x %s\n", flags, describeFlags(l, flags))
	fmt.Fprintf(w, "enabled\t%v\n", cr&l.EN != 0)
	return w.Flush()
}

func describeFlags(l *dma.Layout, flags uint32) string {
	var names []string
	for _, f := range []struct {
		name string
		bit  uint32
	}{{"HT", l.HT}, {"TC", l.TC}, {"TE", l.TE}} {
		if flags&f.bit != 0 {
			names = append(names, f.name)
		}
	}
	if len(names) == 0 {
		return "-"
	}
	return strings.Join(names, ",")
}

func serve(stdout io.Writer, stdin io.Reader, o *options, line string, interval time.Duration) error {
	if o.backend == "serial" {
		return errors.New("serve: the serial backend cannot be served")
	}
	setupLogging(o)
	p, err := chip.Lookup(o.chip)
	if err != nil {
		return err
	}
	b, err := openBackend(o, p, stdin, stdout)
	if err != nil {
		return err
	}
	defer b.Close()
	var rw io.ReadWriter
	switch line {
	case "", "-":
		rw = struct {
			io.Reader
			io.Writer
		}{stdin, stdout}
	default:
		s, err := remote.Open(line, o.baud)
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		defer s.Close()
		rw = s
	}
	if b.sim != nil {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go b.sim.Run(ctx, interval)
	}
	logging.Info(logging.Cmd, "serving", "chip", p.Name, "backend", o.backend)
	return remote.Serve(rw, b.bus)
}
