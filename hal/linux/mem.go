//go:build linux

package linux

import (
	"context"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/ardnew/xhcidump/hal"
	"github.com/ardnew/xhcidump/pkg"
)

// Mem implements hal.HostMem by mmapping a physical-address window out of
// a memory character device — typically /dev/mem, or a platform-reserved
// carveout exposing the same pread/pwrite/mmap semantics. base is the
// physical address the window starts at; every address the caller passes
// is relative to base.
type Mem struct {
	f    *os.File
	base uint64
	win  []byte

	mu   sync.Mutex
	next uint64
}

// OpenMem mmaps size bytes of physical memory starting at base from path
// (normally "/dev/mem") for use as DMA-visible scratch: rings, contexts,
// the bounce buffer, and the memdump read target.
func OpenMem(path string, base uint64, size int) (*Mem, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	win, err := unix.Mmap(int(f.Fd()), int64(base), size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmap %s@0x%x: %w", path, base, err)
	}

	pkg.LogInfo(pkg.ComponentHAL, "mapped physical memory window", "path", path, "base", base, "size", size)
	return &Mem{f: f, base: base, win: win}, nil
}

// Close unmaps the physical memory window.
func (m *Mem) Close() error {
	err := unix.Munmap(m.win)
	if cerr := m.f.Close(); err == nil {
		err = cerr
	}
	return err
}

func (m *Mem) bounds(addr uint64, n int) error {
	if addr+uint64(n) > uint64(len(m.win)) {
		return &pkg.TransportError{Reason: fmt.Sprintf("physical address 0x%x out of mapped window", m.base+addr)}
	}
	return nil
}

func (m *Mem) Read(_ context.Context, addr uint64, p []byte) error {
	if err := m.bounds(addr, len(p)); err != nil {
		return err
	}
	copy(p, m.win[addr:addr+uint64(len(p))])
	return nil
}

func (m *Mem) Write(_ context.Context, addr uint64, p []byte) error {
	if err := m.bounds(addr, len(p)); err != nil {
		return err
	}
	copy(m.win[addr:addr+uint64(len(p))], p)
	return nil
}

func (m *Mem) Copy(_ context.Context, dst, src uint64, n int) error {
	if err := m.bounds(dst, n); err != nil {
		return err
	}
	if err := m.bounds(src, n); err != nil {
		return err
	}
	tmp := make([]byte, n)
	copy(tmp, m.win[src:src+uint64(n)])
	copy(m.win[dst:dst+uint64(n)], tmp)
	return nil
}

// Alloc is a bump allocator over the mapped physical window; the window's
// entire extent was reserved for this driver's exclusive DMA use by
// construction (see OpenMem), so no coordination with the kernel's own
// allocator is needed or possible from user space.
func (m *Mem) Alloc(size int, align uint64) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if align == 0 {
		align = 1
	}
	start := (m.next + align - 1) &^ (align - 1)
	end := start + uint64(size)
	if end > uint64(len(m.win)) {
		return 0, pkg.NewNoSlotsError()
	}
	m.next = end
	return start, nil
}

// Free resets the bump allocator; it does not unmap the window (see Close).
func (m *Mem) Free() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next = 0
	return nil
}

var _ hal.HostMem = (*Mem)(nil)
