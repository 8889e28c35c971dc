// Package sim implements hal.BarBus and hal.HostMem entirely in process
// memory. It does not model xHCI controller behavior — it is a flat
// register file plus a flat physical address space, nothing more. Tests
// that need the controller to "respond" to a doorbell ring do so by
// writing the expected event TRBs into the simulated physical memory
// directly, the same way a piece of test fixture data would be loaded in
// any other driver test; Sim only removes the need to touch real MMIO or
// /dev/mem to do it.
//
// This plays the same role in this repository that the teacher's
// host/hal/fifo package plays for its usbfs-shaped HAL: a software-only
// backend usable in unit tests without real hardware attached.
package sim

import (
	"context"
	"encoding/binary"
	"sync"

	"github.com/ardnew/xhcidump/hal"
	"github.com/ardnew/xhcidump/pkg"
)

// Bus is an in-memory hal.BarBus. The zero value has an empty register
// space (every register access is out of range); use NewBus to create
// one, which defaults to 64 KiB when given a size <= 0.
type Bus struct {
	mu   sync.Mutex
	regs []byte
	cfg  [256]byte // PCI config space, 256 bytes per the classic header
}

// NewBus creates a Bus with a register space of the given size in bytes.
func NewBus(size int) *Bus {
	if size <= 0 {
		size = 1 << 16
	}
	return &Bus{regs: make([]byte, size)}
}

func (b *Bus) Read8(_ context.Context, offset uint32) (uint8, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if int(offset) >= len(b.regs) {
		return 0, &pkg.TransportError{Reason: "register offset out of range"}
	}
	return b.regs[offset], nil
}

func (b *Bus) Read16(_ context.Context, offset uint32) (uint16, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if int(offset)+2 > len(b.regs) {
		return 0, &pkg.TransportError{Reason: "register offset out of range"}
	}
	return binary.LittleEndian.Uint16(b.regs[offset:]), nil
}

func (b *Bus) Read32(_ context.Context, offset uint32) (uint32, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if int(offset)+4 > len(b.regs) {
		return 0, &pkg.TransportError{Reason: "register offset out of range"}
	}
	return binary.LittleEndian.Uint32(b.regs[offset:]), nil
}

func (b *Bus) Write8(_ context.Context, offset uint32, value uint8) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if int(offset) >= len(b.regs) {
		return &pkg.TransportError{Reason: "register offset out of range"}
	}
	b.regs[offset] = value
	return nil
}

func (b *Bus) Write16(_ context.Context, offset uint32, value uint16) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if int(offset)+2 > len(b.regs) {
		return &pkg.TransportError{Reason: "register offset out of range"}
	}
	binary.LittleEndian.PutUint16(b.regs[offset:], value)
	return nil
}

func (b *Bus) Write32(_ context.Context, offset uint32, value uint32) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if int(offset)+4 > len(b.regs) {
		return &pkg.TransportError{Reason: "register offset out of range"}
	}
	binary.LittleEndian.PutUint32(b.regs[offset:], value)
	return nil
}

func (b *Bus) PCIConfigRead32(_ context.Context, offset uint32) (uint32, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if int(offset)+4 > len(b.cfg) {
		return 0, &pkg.TransportError{Reason: "pci config offset out of range"}
	}
	return binary.LittleEndian.Uint32(b.cfg[offset:]), nil
}

func (b *Bus) PCIConfigWrite32(_ context.Context, offset uint32, value uint32) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if int(offset)+4 > len(b.cfg) {
		return &pkg.TransportError{Reason: "pci config offset out of range"}
	}
	binary.LittleEndian.PutUint32(b.cfg[offset:], value)
	return nil
}

// RawRegisters exposes the backing register slice for test fixtures that
// need to synthesize a controller response (e.g. flipping PORTSC bits).
func (b *Bus) RawRegisters() []byte {
	return b.regs
}

var _ hal.BarBus = (*Bus)(nil)

// Mem is an in-memory hal.HostMem: physical addresses are simply offsets
// into a growable byte slice. Alloc is a bump allocator; Free resets it.
type Mem struct {
	mu   sync.Mutex
	buf  []byte
	next uint64
}

// NewMem creates a Mem with initial backing capacity of size bytes.
func NewMem(size int) *Mem {
	if size <= 0 {
		size = 1 << 20
	}
	return &Mem{buf: make([]byte, size)}
}

func (m *Mem) Read(_ context.Context, addr uint64, p []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if addr+uint64(len(p)) > uint64(len(m.buf)) {
		return &pkg.TransportError{Reason: "physical read out of range"}
	}
	copy(p, m.buf[addr:addr+uint64(len(p))])
	return nil
}

func (m *Mem) Write(_ context.Context, addr uint64, p []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if addr+uint64(len(p)) > uint64(len(m.buf)) {
		return &pkg.TransportError{Reason: "physical write out of range"}
	}
	copy(m.buf[addr:addr+uint64(len(p))], p)
	return nil
}

func (m *Mem) Copy(_ context.Context, dst, src uint64, n int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if dst+uint64(n) > uint64(len(m.buf)) || src+uint64(n) > uint64(len(m.buf)) {
		return &pkg.TransportError{Reason: "physical copy out of range"}
	}
	tmp := make([]byte, n)
	copy(tmp, m.buf[src:src+uint64(n)])
	copy(m.buf[dst:dst+uint64(n)], tmp)
	return nil
}

func (m *Mem) Alloc(size int, align uint64) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if align == 0 {
		align = 1
	}
	start := (m.next + align - 1) &^ (align - 1)
	end := start + uint64(size)
	if end > uint64(len(m.buf)) {
		grown := make([]byte, end*2)
		copy(grown, m.buf)
		m.buf = grown
	}
	m.next = end
	pkg.LogDebug(pkg.ComponentHAL, "sim alloc", "addr", start, "size", size, "align", align)
	return start, nil
}

func (m *Mem) Free() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next = 0
	for i := range m.buf {
		m.buf[i] = 0
	}
	return nil
}

var _ hal.HostMem = (*Mem)(nil)
