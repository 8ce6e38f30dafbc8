package mmio

import (
	"maps"
	"sync"
)

// Memory is a sparse, word addressed memory implementing [Bus]. Unwritten
// words read as zero. Hooks let simulators give individual registers
// hardware semantics such as write-one-to-clear.
type Memory struct {
	mu    sync.Mutex
	words map[uint32]uint32
	loads map[uint32]LoadHook
	saves map[uint32]StoreHook
}

// LoadHook replaces the plain read of a register.
type LoadHook func(r Raw, addr uint32) uint32

// StoreHook replaces the plain write of a register.
type StoreHook func(r Raw, addr, v uint32)

// Raw accesses a [Memory] without hooks or locking. It is only valid inside
// a hook or an [Memory.Update] callback.
type Raw struct {
	m *Memory
}

func NewMemory() *Memory {
	return &Memory{
		words: make(map[uint32]uint32),
		loads: make(map[uint32]LoadHook),
		saves: make(map[uint32]StoreHook),
	}
}

func (m *Memory) Load32(addr uint32) uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	addr &^= 3
	if h, ok := m.loads[addr]; ok {
		return h(Raw{m}, addr)
	}
	return m.words[addr]
}

func (m *Memory) Store32(addr, v uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	addr &^= 3
	if h, ok := m.saves[addr]; ok {
		h(Raw{m}, addr, v)
		return
	}
	m.words[addr] = v
}

// OnLoad installs a read hook for the word at addr.
func (m *Memory) OnLoad(addr uint32, h LoadHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loads[addr&^3] = h
}

// OnStore installs a write hook for the word at addr.
func (m *Memory) OnStore(addr uint32, h StoreHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves[addr&^3] = h
}

// Update runs fn with exclusive access to the memory.
func (m *Memory) Update(fn func(r Raw)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(Raw{m})
}

// Snapshot returns a copy of every written word.
func (m *Memory) Snapshot() map[uint32]uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return maps.Clone(m.words)
}

// Poke writes a word, bypassing hooks.
func (m *Memory) Poke(addr, v uint32) {
	m.Update(func(r Raw) { r.Store32(addr, v) })
}

// Peek reads a word, bypassing hooks.
func (m *Memory) Peek(addr uint32) uint32 {
	var v uint32
	m.Update(func(r Raw) { v = r.Load32(addr) })
	return v
}

func (r Raw) Load32(addr uint32) uint32 {
	return r.m.words[addr&^3]
}

func (r Raw) Store32(addr, v uint32) {
	r.m.words[addr&^3] = v
}

// Load reads a little-endian value of size 1, 2 or 4 bytes at addr.
// Accesses crossing a word boundary are split.
func (r Raw) Load(addr uint32, size int) uint32 {
	var v uint32
	for i := range size {
		a := addr + uint32(i)
		b := r.Load32(a) >> (a & 3 * 8) & 0xff
		v |= b << (i * 8)
	}
	return v
}

// Store writes the low size bytes of v little-endian at addr.
func (r Raw) Store(addr uint32, size int, v uint32) {
	for i := range size {
		a := addr + uint32(i)
		shift := a & 3 * 8
		w := r.Load32(a)&^(0xff<<shift) | (v>>(i*8)&0xff)<<shift
		r.Store32(a, w)
	}
}

// Fill copies data into memory starting at addr.
func (m *Memory) Fill(addr uint32, data []byte) {
	m.Update(func(r Raw) {
		for i, b := range data {
			r.Store(addr+uint32(i), 1, uint32(b))
		}
	})
}

// Read copies len(buf) bytes starting at addr into buf.
func (m *Memory) Read(addr uint32, buf []byte) {
	m.Update(func(r Raw) {
		for i := range buf {
			buf[i] = byte(r.Load(addr+uint32(i), 1))
		}
	})
}
