// Package hal defines the two capability interfaces the xHCI core requires
// of its environment: a register-level bus to the controller's MMIO BARs,
// and a byte-addressable view of host physical memory for DMA structures.
// Neither capability is specified beyond the methods below — how a BarBus
// reaches the silicon (PCI config space, a platform device, a simulation)
// and how a HostMem reaches physical memory (/dev/mem, a reserved carveout,
// a flat byte slice in tests) is the concern of the hal/linux and hal/sim
// packages, not of this one.
package hal

import "context"

// BarBus is the MMIO register access capability. Offsets are relative to
// the start of the controller's MMIO BAR (capability registers at 0x00,
// operational registers at the capability-length offset), matching the
// register map in SPEC_FULL.md §6.
type BarBus interface {
	// Read8, Read16, and Read32 read a register at the given byte offset.
	Read8(ctx context.Context, offset uint32) (uint8, error)
	Read16(ctx context.Context, offset uint32) (uint16, error)
	Read32(ctx context.Context, offset uint32) (uint32, error)

	// Write8, Write16, and Write32 write a register at the given byte offset.
	Write8(ctx context.Context, offset uint32, value uint8) error
	Write16(ctx context.Context, offset uint32, value uint16) error
	Write32(ctx context.Context, offset uint32, value uint32) error

	// PCIConfigRead32 and PCIConfigWrite32 access the controller's PCI
	// configuration space, independent of the BAR-relative MMIO window.
	PCIConfigRead32(ctx context.Context, offset uint32) (uint32, error)
	PCIConfigWrite32(ctx context.Context, offset uint32, value uint32) error
}

// HostMem is the physical-memory "poke" capability: byte-addressable read
// and write of arbitrary host physical addresses, a block copy primitive,
// and DMA-aligned allocation for the rings and contexts the controller
// reads and writes via DMA.
type HostMem interface {
	// Read copies len(p) bytes starting at physical address addr into p.
	Read(ctx context.Context, addr uint64, p []byte) error

	// Write copies p into physical memory starting at address addr.
	Write(ctx context.Context, addr uint64, p []byte) error

	// Copy copies n bytes from src to dst, both physical addresses. The
	// regions may overlap; implementations must handle that the way
	// memmove does.
	Copy(ctx context.Context, dst, src uint64, n int) error

	// Alloc reserves size bytes of physical memory aligned to align bytes
	// (align must be a power of two; the xHCI ring/context structures
	// require 64-byte alignment at minimum, some need a page). It returns
	// the physical address of the allocation. Allocations are never
	// reclaimed individually; Free releases everything Alloc has handed
	// out, mirroring the controller's single DMA-memory owner in §5.
	Alloc(size int, align uint64) (addr uint64, err error)

	// Free releases all memory returned by Alloc. Callers must not touch
	// any previously allocated address afterward.
	Free() error
}
