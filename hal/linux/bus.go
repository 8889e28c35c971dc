//go:build linux

package linux

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/ardnew/xhcidump/hal"
	"github.com/ardnew/xhcidump/pkg"
)

// Bus implements hal.BarBus by mmapping a PCI BAR's sysfs resource file.
// Register reads and writes are plain loads/stores against the mapped
// slice; there is no caching layer between this type and the hardware.
type Bus struct {
	pciDir string // e.g. /sys/bus/pci/devices/0000:00:14.0
	mmio   []byte // mmapped BAR, sized by the resource file
	cfg    *os.File
}

// OpenBus mmaps barIndex (0-5) of the PCI device at pciDir (a directory
// under /sys/bus/pci/devices) and opens its "config" file for PCI
// configuration-space access.
func OpenBus(pciDir string, barIndex int) (*Bus, error) {
	resourcePath := filepath.Join(pciDir, fmt.Sprintf("resource%d", barIndex))
	f, err := os.OpenFile(resourcePath, os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", resourcePath, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", resourcePath, err)
	}
	size := int(info.Size())
	if size == 0 {
		// Some kernels report a zero-length regular file for the BAR
		// resource node; fall back to a page so small register maps still
		// mmap successfully.
		size = unix.Getpagesize()
	}

	mmio, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap %s: %w", resourcePath, err)
	}

	cfg, err := os.OpenFile(filepath.Join(pciDir, "config"), os.O_RDWR, 0)
	if err != nil {
		unix.Munmap(mmio)
		return nil, fmt.Errorf("open config: %w", err)
	}

	pkg.LogInfo(pkg.ComponentHAL, "mapped xhci BAR", "path", resourcePath, "size", size)
	return &Bus{pciDir: pciDir, mmio: mmio, cfg: cfg}, nil
}

// Close unmaps the BAR and closes the PCI config file.
func (b *Bus) Close() error {
	err := unix.Munmap(b.mmio)
	if cerr := b.cfg.Close(); err == nil {
		err = cerr
	}
	return err
}

func (b *Bus) checkBounds(offset uint32, width int) error {
	if int(offset)+width > len(b.mmio) {
		return &pkg.TransportError{Reason: fmt.Sprintf("register offset 0x%x out of range", offset)}
	}
	return nil
}

func (b *Bus) Read8(_ context.Context, offset uint32) (uint8, error) {
	if err := b.checkBounds(offset, 1); err != nil {
		return 0, err
	}
	return b.mmio[offset], nil
}

func (b *Bus) Read16(_ context.Context, offset uint32) (uint16, error) {
	if err := b.checkBounds(offset, 2); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b.mmio[offset:]), nil
}

func (b *Bus) Read32(_ context.Context, offset uint32) (uint32, error) {
	if err := b.checkBounds(offset, 4); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b.mmio[offset:]), nil
}

func (b *Bus) Write8(_ context.Context, offset uint32, value uint8) error {
	if err := b.checkBounds(offset, 1); err != nil {
		return err
	}
	b.mmio[offset] = value
	return nil
}

func (b *Bus) Write16(_ context.Context, offset uint32, value uint16) error {
	if err := b.checkBounds(offset, 2); err != nil {
		return err
	}
	binary.LittleEndian.PutUint16(b.mmio[offset:], value)
	return nil
}

func (b *Bus) Write32(_ context.Context, offset uint32, value uint32) error {
	if err := b.checkBounds(offset, 4); err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(b.mmio[offset:], value)
	return nil
}

func (b *Bus) PCIConfigRead32(_ context.Context, offset uint32) (uint32, error) {
	var buf [4]byte
	if _, err := b.cfg.ReadAt(buf[:], int64(offset)); err != nil {
		return 0, fmt.Errorf("pci config read at 0x%x: %w", offset, err)
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func (b *Bus) PCIConfigWrite32(_ context.Context, offset uint32, value uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], value)
	if _, err := b.cfg.WriteAt(buf[:], int64(offset)); err != nil {
		return fmt.Errorf("pci config write at 0x%x: %w", offset, err)
	}
	return nil
}

var _ hal.BarBus = (*Bus)(nil)
