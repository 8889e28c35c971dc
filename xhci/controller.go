// Package xhci implements the transport-level xHCI driver: TRB codec,
// ring primitives, context memory, controller bring-up, the command and
// transfer engines, and the root-hub port state machine. It programs a
// real controller only through the hal.BarBus/hal.HostMem capabilities a
// caller supplies; it never assumes a particular bus or memory backend.
package xhci

import (
	"context"
	"fmt"
	"time"

	"github.com/ardnew/xhcidump/hal"
	"github.com/ardnew/xhcidump/pkg"
)

// Operational/runtime/doorbell register offsets, controller-relative
// (i.e. relative to the BAR base the caller's hal.BarBus was opened
// against), per the external MMIO register map.
const (
	RegUSBCMD    uint32 = 0x80
	RegUSBSTS    uint32 = 0x84
	RegPAGESIZE  uint32 = 0x88
	RegDCBAAP    uint32 = 0xB0
	RegCONFIG    uint32 = 0xB8
	RegCRCR      uint32 = 0x98
	RegERSTSZ    uint32 = 0x2028
	RegERSTBA    uint32 = 0x2030
	RegERDP      uint32 = 0x2038
	RegDoorbell0 uint32 = 0x3000

	RegCAPLENGTH  uint32 = 0x00
	RegHCSPARAMS1 uint32 = 0x04
	RegHCSPARAMS2 uint32 = 0x08
	RegDBOFF      uint32 = 0x14
	RegRTSOFF     uint32 = 0x18

	regPORTSCBase uint32 = 0x480
)

// USBCMD bits.
const (
	USBCMDRunStop uint32 = 1 << 0
	USBCMDHCReset uint32 = 1 << 1
)

// USBSTS bits.
const (
	USBSTSHCHalted   uint32 = 1 << 0
	USBSTSNotReady   uint32 = 1 << 11
)

// CRCR bits.
const (
	CRCRRingCycleState uint32 = 1 << 0
	CRCRCommandStop    uint32 = 1 << 1
	CRCRCommandAbort   uint32 = 1 << 2
)

// PortscOffset computes the controller-relative offset of PORTSC for a
// 1-based root-hub port number.
func PortscOffset(port int) uint32 {
	return regPORTSCBase + 0x10*uint32(port-1)
}

// Options configures a Controller at construction time, following the
// teacher's functional-options convention rather than a config file.
type Options struct {
	CommandRingSlots int
	EventRingSlots   int
	TransferSlots    int
	HandshakeTimeout time.Duration
	CommandTimeout   time.Duration
	TransferTimeout  time.Duration
}

// Option mutates Options.
type Option func(*Options)

func defaultOptions() Options {
	return Options{
		CommandRingSlots: 256,
		EventRingSlots:   256,
		TransferSlots:    64,
		HandshakeTimeout: 1 * time.Second,
		CommandTimeout:   100 * time.Millisecond,
		TransferTimeout:  500 * time.Millisecond,
	}
}

// WithCommandRingSlots overrides the default Command Ring size.
func WithCommandRingSlots(n int) Option { return func(o *Options) { o.CommandRingSlots = n } }

// WithEventRingSlots overrides the default Event Ring size.
func WithEventRingSlots(n int) Option { return func(o *Options) { o.EventRingSlots = n } }

// WithTransferSlots overrides the default per-endpoint transfer ring size.
func WithTransferSlots(n int) Option { return func(o *Options) { o.TransferSlots = n } }

// WithHandshakeTimeout overrides the default controller handshake timeout.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(o *Options) { o.HandshakeTimeout = d }
}

// WithCommandTimeout overrides the default wait_for_command timeout.
func WithCommandTimeout(d time.Duration) Option {
	return func(o *Options) { o.CommandTimeout = d }
}

// WithTransferTimeout overrides the default Control/Bulk completion timeout.
func WithTransferTimeout(d time.Duration) Option {
	return func(o *Options) { o.TransferTimeout = d }
}

// Controller is the single owner of an xHCI host controller's DMA memory
// (DCBAA, scratchpads, rings, contexts, bounce buffer) and the BAR used
// to reach it. Callers must not share a *Controller across concurrent
// goroutines: the cycle-bit protocol is the controller's only ownership
// mechanism, and this type assumes one host goroutine drives it at a
// time, the same way the teacher documents its single-owner HAL types.
type Controller struct {
	bus hal.BarBus
	mem hal.HostMem
	opt Options

	maxSlots int
	maxPorts int

	cmdRing    *CommandRing
	evtRing    *EventRing
	dcbaa      *DeviceContextArray
	scratchpad uint64
	bounce     uint64
	bounceSize int

	epRings map[uint16]*TransferRing // key: slotID<<8 | epIdx
	epState map[uint16]uint8         // key: slotID<<8 | epIdx
}

// NewController constructs a Controller bound to bus/mem but does not yet
// touch hardware; call Reset then Init to bring it up.
func NewController(bus hal.BarBus, mem hal.HostMem, opts ...Option) *Controller {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Controller{
		bus:     bus,
		mem:     mem,
		opt:     o,
		epRings: make(map[uint16]*TransferRing),
		epState: make(map[uint16]uint8),
	}
}

// MaxSlots returns the number of device slots discovered from HCSPARAMS1.
func (c *Controller) MaxSlots() int { return c.maxSlots }

// TransferRingSlots returns the configured per-endpoint transfer ring size,
// for callers (enumeration) that allocate their own endpoint rings.
func (c *Controller) TransferRingSlots() int { return c.opt.TransferSlots }

// MaxPorts returns the number of root-hub ports discovered from HCSPARAMS1.
func (c *Controller) MaxPorts() int { return c.maxPorts }

// Reset halts the controller (if running) and issues HCRST, waiting for
// both HCRST and CNR to clear before returning.
func (c *Controller) Reset(ctx context.Context) error {
	cmd, err := c.bus.Read32(ctx, RegUSBCMD)
	if err != nil {
		return err
	}
	if cmd&USBCMDRunStop != 0 {
		if err := c.bus.Write32(ctx, RegUSBCMD, cmd&^USBCMDRunStop); err != nil {
			return err
		}
		if err := c.waitBit(ctx, RegUSBSTS, USBSTSHCHalted, true); err != nil {
			return fmt.Errorf("xhci: halt before reset: %w", err)
		}
	}

	if err := c.bus.Write32(ctx, RegUSBCMD, USBCMDHCReset); err != nil {
		return err
	}
	if err := c.waitBitClear(ctx, RegUSBCMD, USBCMDHCReset); err != nil {
		return fmt.Errorf("xhci: hcrst did not clear: %w", err)
	}
	if err := c.waitBit(ctx, RegUSBSTS, USBSTSNotReady, false); err != nil {
		return fmt.Errorf("xhci: controller not ready after reset: %w", err)
	}
	pkg.LogInfo(pkg.ComponentXHCI, "controller reset")
	return nil
}

// Init discovers HCSPARAMS1/2, allocates the Command Ring, Event Ring,
// ERST, DCBAA, and scratchpad array, programs them into the controller,
// sets CONFIG.MaxSlotsEn, and starts the controller (USBCMD.RS=1).
func (c *Controller) Init(ctx context.Context) error {
	hcs1, err := c.bus.Read32(ctx, RegHCSPARAMS1)
	if err != nil {
		return err
	}
	c.maxSlots = int(getBits(hcs1, 0, 8))
	c.maxPorts = int(getBits(hcs1, 24, 8))

	hcs2, err := c.bus.Read32(ctx, RegHCSPARAMS2)
	if err != nil {
		return err
	}
	maxScratchpads := int(getBits(hcs2, 27, 5)<<5 | getBits(hcs2, 21, 5))

	cmdRingAddr, err := c.mem.Alloc(c.opt.CommandRingSlots*TRBSize, 64)
	if err != nil {
		return fmt.Errorf("xhci: alloc command ring: %w", err)
	}
	c.cmdRing, err = NewCommandRing(ctx, c.mem, cmdRingAddr, c.opt.CommandRingSlots)
	if err != nil {
		return err
	}

	evtRingAddr, err := c.mem.Alloc(c.opt.EventRingSlots*TRBSize, 64)
	if err != nil {
		return fmt.Errorf("xhci: alloc event ring: %w", err)
	}
	c.evtRing = NewEventRing(c.mem, evtRingAddr, c.opt.EventRingSlots)

	// ERST: a single segment table entry {ring_base, ring_size}.
	erstAddr, err := c.mem.Alloc(16, 64)
	if err != nil {
		return fmt.Errorf("xhci: alloc erst: %w", err)
	}
	erst := make([]byte, 16)
	putUint64LE(erst[0:8], evtRingAddr)
	putUint32LE(erst[8:12], uint32(c.opt.EventRingSlots))
	if err := c.mem.Write(ctx, erstAddr, erst); err != nil {
		return err
	}

	dcbaaLen := c.maxSlots + 1
	dcbaaAddr, err := c.mem.Alloc(dcbaaLen*8, 64)
	if err != nil {
		return fmt.Errorf("xhci: alloc dcbaa: %w", err)
	}
	c.dcbaa = NewDeviceContextArray(c.mem, dcbaaAddr, dcbaaLen)

	if maxScratchpads > 0 {
		spArrayAddr, err := c.mem.Alloc(maxScratchpads*8, 64)
		if err != nil {
			return fmt.Errorf("xhci: alloc scratchpad array: %w", err)
		}
		for i := 0; i < maxScratchpads; i++ {
			bufAddr, err := c.mem.Alloc(4096, 4096)
			if err != nil {
				return fmt.Errorf("xhci: alloc scratchpad buffer %d: %w", i, err)
			}
			var ptr [8]byte
			putUint64LE(ptr[:], bufAddr)
			if err := c.mem.Write(ctx, spArrayAddr+uint64(i)*8, ptr[:]); err != nil {
				return err
			}
		}
		c.scratchpad = spArrayAddr
		if err := c.dcbaa.SetScratchpadArray(ctx, spArrayAddr); err != nil {
			return err
		}
	}

	c.bounceSize = 4096
	c.bounce, err = c.mem.Alloc(c.bounceSize, 64)
	if err != nil {
		return fmt.Errorf("xhci: alloc bounce buffer: %w", err)
	}

	if err := c.bus.Write32(ctx, RegDCBAAP, uint32(dcbaaAddr)); err != nil {
		return err
	}
	if err := c.bus.Write32(ctx, RegDCBAAP+4, uint32(dcbaaAddr>>32)); err != nil {
		return err
	}

	cfg, err := c.bus.Read32(ctx, RegCONFIG)
	if err != nil {
		return err
	}
	cfg = setBits(cfg, 0, 8, uint32(c.maxSlots))
	if err := c.bus.Write32(ctx, RegCONFIG, cfg); err != nil {
		return err
	}

	crcr := cmdRingAddr | uint64(CRCRRingCycleState)
	if err := c.bus.Write32(ctx, RegCRCR, uint32(crcr)); err != nil {
		return err
	}
	if err := c.bus.Write32(ctx, RegCRCR+4, uint32(crcr>>32)); err != nil {
		return err
	}

	if err := c.bus.Write32(ctx, RegERSTSZ, 1); err != nil {
		return err
	}
	if err := c.bus.Write32(ctx, RegERSTBA, uint32(erstAddr)); err != nil {
		return err
	}
	if err := c.bus.Write32(ctx, RegERSTBA+4, uint32(erstAddr>>32)); err != nil {
		return err
	}
	if err := c.bus.Write32(ctx, RegERDP, uint32(evtRingAddr)); err != nil {
		return err
	}
	if err := c.bus.Write32(ctx, RegERDP+4, uint32(evtRingAddr>>32)); err != nil {
		return err
	}

	cmd, err := c.bus.Read32(ctx, RegUSBCMD)
	if err != nil {
		return err
	}
	if err := c.bus.Write32(ctx, RegUSBCMD, cmd|USBCMDRunStop); err != nil {
		return err
	}
	if err := c.waitBit(ctx, RegUSBSTS, USBSTSHCHalted, false); err != nil {
		return fmt.Errorf("xhci: controller did not start: %w", err)
	}

	pkg.LogInfo(pkg.ComponentXHCI, "controller initialized",
		"max_slots", c.maxSlots, "max_ports", c.maxPorts, "scratchpads", maxScratchpads)
	return nil
}

// RingDoorbell rings doorbell register slotID with the given target
// value (endpoint/stream target, or 0 for the Command Ring doorbell on
// slot 0).
func (c *Controller) RingDoorbell(ctx context.Context, slotID uint8, target uint8) error {
	return c.bus.Write32(ctx, RegDoorbell0+uint32(slotID)*4, uint32(target))
}

func (c *Controller) waitBit(ctx context.Context, reg uint32, mask uint32, want bool) error {
	deadline := time.Now().Add(c.opt.HandshakeTimeout)
	for {
		v, err := c.bus.Read32(ctx, reg)
		if err != nil {
			return err
		}
		if (v&mask != 0) == want {
			return nil
		}
		if time.Now().After(deadline) {
			return pkg.ErrTimeout
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Microsecond):
		}
	}
}

func (c *Controller) waitBitClear(ctx context.Context, reg uint32, mask uint32) error {
	return c.waitBit(ctx, reg, mask, false)
}

func putUint64LE(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func putUint32LE(b []byte, v uint32) {
	for i := 0; i < 4; i++ {
		b[i] = byte(v >> (8 * i))
	}
}
