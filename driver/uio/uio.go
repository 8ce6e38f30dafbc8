//go:build linux && !tinygo

// Package uio drives a DMA controller exported to user space through the
// Linux userspace I/O framework. The device's first memory map is the
// controller register block and its interrupt is delivered by reading the
// device file.
package uio

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
	"stm32xpd.dev/hal"
	"stm32xpd.dev/internal/logging"
)

var sysfs = "/sys/class/uio"

// Device is an open UIO device. It implements [mmio.Bus] for the
// addresses of its register map.
type Device struct {
	Name string

	fd   int
	base uint32
	// off is the position of base in mem; maps start on a page boundary.
	off uint32
	mem []byte
}

// Open opens a UIO device by name ("uio0") or device path and maps its
// registers.
func Open(name string) (*Device, error) {
	name = filepath.Base(name)
	m, err := readMap(name, 0)
	if err != nil {
		return nil, err
	}
	fd, err := unix.Open("/dev/"+name, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("uio: %s: %w", name, err)
	}
	// Map n is selected by an offset of n pages.
	page := uint64(unix.Getpagesize())
	length := (m.offset + m.size + page - 1) &^ (page - 1)
	mem, err := unix.Mmap(fd, 0, int(length), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("uio: %s: map registers: %w", name, err)
	}
	logging.Info(logging.UIO, "opened", "device", name, "base", fmt.Sprintf("%#08x", m.addr), "size", m.size, "offset", m.offset)
	return &Device{Name: name, fd: fd, base: uint32(m.addr), off: uint32(m.offset), mem: mem}, nil
}

type region struct {
	addr, size, offset uint64
}

// readMap reads the physical address, size and in-page offset of memory
// map n. Kernels without the offset attribute imply it from the address.
func readMap(name string, n int) (region, error) {
	dir := filepath.Join(sysfs, name, "maps", fmt.Sprintf("map%d", n))
	var m region
	var err error
	if m.addr, err = readHex(filepath.Join(dir, "addr")); err != nil {
		return region{}, err
	}
	if m.size, err = readHex(filepath.Join(dir, "size")); err != nil {
		return region{}, err
	}
	m.offset, err = readHex(filepath.Join(dir, "offset"))
	switch {
	case errors.Is(err, fs.ErrNotExist):
		m.offset = m.addr & uint64(unix.Getpagesize()-1)
	case err != nil:
		return region{}, err
	}
	if m.addr > 0xffff_ffff || m.size == 0 || m.size%4 != 0 || m.offset%4 != 0 {
		return region{}, fmt.Errorf("uio: %s: unusable map at %#x size %#x offset %#x", name, m.addr, m.size, m.offset)
	}
	return m, nil
}

func readHex(path string) (uint64, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("uio: %w", err)
	}
	v, err := strconv.ParseUint(strings.TrimSpace(string(b)), 0, 64)
	if err != nil {
		return 0, fmt.Errorf("uio: %s: %w", path, err)
	}
	return v, nil
}

// Base returns the physical address of the register map.
func (d *Device) Base() uint32 {
	return d.base
}

func (d *Device) reg(addr uint32) *uint32 {
	rel := addr - d.base
	if addr < d.base || int(d.off)+int(rel)+4 > len(d.mem) {
		panic(fmt.Sprintf("uio: %s: address %#08x outside the register map", d.Name, addr))
	}
	return (*uint32)(unsafe.Pointer(&d.mem[(d.off+rel)&^3]))
}

func (d *Device) Load32(addr uint32) uint32 {
	return atomic.LoadUint32(d.reg(addr))
}

func (d *Device) Store32(addr, v uint32) {
	atomic.StoreUint32(d.reg(addr), v)
}

// Unmask re-enables the device interrupt after it fired.
func (d *Device) Unmask() error {
	var b [4]byte
	binary.NativeEndian.PutUint32(b[:], 1)
	if _, err := unix.Write(d.fd, b[:]); err != nil {
		return fmt.Errorf("uio: %s: unmask: %w", d.Name, err)
	}
	return nil
}

// Wait blocks until the device interrupt fires or timeout passes, and
// returns the interrupt count. It returns [hal.ErrTimeout] on timeout.
func (d *Device) Wait(timeout time.Duration) (uint32, error) {
	fds := []unix.PollFd{{Fd: int32(d.fd), Events: unix.POLLIN}}
	for {
		n, err := unix.Poll(fds, int(timeout.Milliseconds()))
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("uio: %s: poll: %w", d.Name, err)
		}
		if n == 0 {
			return 0, hal.ErrTimeout
		}
		break
	}
	var b [4]byte
	if _, err := unix.Read(d.fd, b[:]); err != nil {
		return 0, fmt.Errorf("uio: %s: read: %w", d.Name, err)
	}
	return binary.NativeEndian.Uint32(b[:]), nil
}

// Run unmasks the interrupt and calls handle for every interrupt until ctx
// is done.
func (d *Device) Run(ctx context.Context, handle func()) error {
	const slice = 100 * time.Millisecond
	for {
		if err := d.Unmask(); err != nil {
			return err
		}
		for {
			if err := ctx.Err(); err != nil {
				return err
			}
			count, err := d.Wait(slice)
			if errors.Is(err, hal.ErrTimeout) {
				continue
			}
			if err != nil {
				return err
			}
			logging.Debug(logging.UIO, "interrupt", "device", d.Name, "count", count)
			break
		}
		handle()
	}
}

func (d *Device) Close() error {
	err := unix.Munmap(d.mem)
	if cerr := unix.Close(d.fd); err == nil {
		err = cerr
	}
	return err
}
