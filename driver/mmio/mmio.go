// Package mmio describes 32-bit memory-mapped register access.
//
// Drivers talk to registers through a [Bus] using plain addresses, so the
// same driver code runs against the real peripheral, a mapped window of
// physical memory, a remote target or a simulated [Memory].
package mmio

// Bus reads and writes 32-bit registers by address.
type Bus interface {
	Load32(addr uint32) uint32
	Store32(addr uint32, v uint32)
}

// Field is a bit field of a register.
type Field struct {
	Pos   uint8
	Width uint8
}

// Bit returns the single bit field at pos.
func Bit(pos uint8) Field {
	return Field{Pos: pos, Width: 1}
}

func (f Field) Mask() uint32 {
	return (1<<f.Width - 1) << f.Pos
}

// Get extracts the field value from reg.
func (f Field) Get(reg uint32) uint32 {
	return reg & f.Mask() >> f.Pos
}

// Set returns reg with the field replaced by v. Bits of v beyond the field
// width are dropped.
func (f Field) Set(reg, v uint32) uint32 {
	return reg&^f.Mask() | v<<f.Pos&f.Mask()
}

// Fits reports whether v is representable in the field.
func (f Field) Fits(v uint32) bool {
	return v <= 1<<f.Width-1
}

// SetBits sets mask in the register at addr.
func SetBits(b Bus, addr, mask uint32) {
	b.Store32(addr, b.Load32(addr)|mask)
}

// ClearBits clears mask in the register at addr.
func ClearBits(b Bus, addr, mask uint32) {
	b.Store32(addr, b.Load32(addr)&^mask)
}

// HasBits reports whether any bit of mask is set in the register at addr.
func HasBits(b Bus, addr, mask uint32) bool {
	return b.Load32(addr)&mask != 0
}

// LoadField reads field f of the register at addr.
func LoadField(b Bus, addr uint32, f Field) uint32 {
	return f.Get(b.Load32(addr))
}

// StoreField replaces field f of the register at addr.
func StoreField(b Bus, addr uint32, f Field, v uint32) {
	b.Store32(addr, f.Set(b.Load32(addr), v))
}
