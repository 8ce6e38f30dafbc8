package dma

import (
	"slices"
	"sync"

	"stm32xpd.dev/driver/mmio"
)

// HandleInterrupt services the channel's pending flags and runs the
// matching callbacks. It is called from the channel's interrupt vector.
// A single call handles every flag raised, in the order half transfer,
// transfer complete, transfer error. Flags and interrupt enables are
// updated inside the platform's critical section; the callbacks run after
// it is left and may restart the channel. It panics before Init.
func (c *Channel) HandleInterrupt() {
	half, complete, failed := c.acknowledge()
	cb := c.Callbacks
	if half && cb.HalfComplete != nil {
		cb.HalfComplete(c)
	}
	if complete && cb.Complete != nil {
		cb.Complete(c)
	}
	if failed && cb.Error != nil {
		cb.Error(c)
	}
}

// acknowledge clears the raised flags and records a transfer error. In
// normal mode the hardware does not re-arm the flags, so the interrupts of
// the events seen are disabled.
func (c *Channel) acknowledge() (half, complete, failed bool) {
	if cs := c.p.Critical; cs != nil {
		cs.Enter()
		defer cs.Exit()
	}
	l := c.p.Layout
	circular := mmio.HasBits(c.p.Bus, c.Inst+l.CR, l.CIRC)
	if half = c.Flag(FlagHalf); half {
		c.ClearFlag(FlagHalf)
		if !circular {
			c.DisableInterrupt(FlagHalf)
		}
	}
	if complete = c.Flag(FlagComplete); complete {
		c.ClearFlag(FlagComplete)
		if !circular {
			c.DisableInterrupt(FlagComplete)
		}
	}
	if failed = c.p.ErrorDetect && c.Flag(FlagError); failed {
		c.ClearFlag(FlagError)
		c.errs.Or(uint32(ErrorTransfer))
	}
	return half, complete, failed
}

// Pending reports whether the channel has a raised flag with its interrupt
// enabled. It panics before Init.
func (c *Channel) Pending() bool {
	loc := c.location()
	l := c.p.Layout
	cr := c.p.Bus.Load32(c.Inst + l.CR)
	flags := c.p.Bus.Load32(loc.Status) >> loc.Shift
	return cr&l.HTIE != 0 && flags&l.HT != 0 ||
		cr&l.TCIE != 0 && flags&l.TC != 0 ||
		cr&l.TEIE != 0 && flags&l.TE != 0
}

// Router delivers controller interrupts to the channel handles attached to
// it. It stands in for the per-channel interrupt vectors on platforms
// where a controller raises a single interrupt, such as Linux UIO.
type Router struct {
	mu    sync.Mutex
	chans map[uint32][]*Channel
}

// Attach registers an initialized channel. It panics before Init.
func (r *Router) Attach(c *Channel) {
	base := c.location().Base
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.chans == nil {
		r.chans = make(map[uint32][]*Channel)
	}
	if !slices.Contains(r.chans[base], c) {
		r.chans[base] = append(r.chans[base], c)
	}
}

func (r *Router) Detach(c *Channel) {
	base := c.location().Base
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chans[base] = slices.DeleteFunc(r.chans[base], func(e *Channel) bool { return e == c })
}

// Dispatch handles the interrupt of the controller at base and returns
// the number of channels serviced.
func (r *Router) Dispatch(base uint32) int {
	r.mu.Lock()
	chans := slices.Clone(r.chans[base])
	r.mu.Unlock()
	n := 0
	for _, c := range chans {
		if c.Pending() {
			c.HandleInterrupt()
			n++
		}
	}
	return n
}

// Controllers returns the bases of the controllers with attached channels.
func (r *Router) Controllers() []uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var bases []uint32
	for b, chans := range r.chans {
		if len(chans) > 0 {
			bases = append(bases, b)
		}
	}
	slices.Sort(bases)
	return bases
}
