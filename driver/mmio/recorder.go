package mmio

import (
	"fmt"
	"sync"
)

// Access is one register access seen by a [Recorder].
type Access struct {
	Store bool
	Addr  uint32
	Value uint32
}

func (a Access) String() string {
	op := "R"
	if a.Store {
		op = "W"
	}
	return fmt.Sprintf("%s %08x %08x", op, a.Addr, a.Value)
}

// Recorder is a [Bus] that records the accesses it forwards to Bus.
type Recorder struct {
	Bus Bus

	mu  sync.Mutex
	log []Access
}

func (r *Recorder) Load32(addr uint32) uint32 {
	v := r.Bus.Load32(addr)
	r.record(Access{Addr: addr, Value: v})
	return v
}

func (r *Recorder) Store32(addr, v uint32) {
	r.Bus.Store32(addr, v)
	r.record(Access{Store: true, Addr: addr, Value: v})
}

func (r *Recorder) record(a Access) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.log = append(r.log, a)
}

// Lines returns the recorded accesses, one per line, and clears the log.
func (r *Recorder) Lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	lines := make([]string, len(r.log))
	for i, a := range r.log {
		lines[i] = a.String()
	}
	r.log = nil
	return lines
}
