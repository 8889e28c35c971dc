package xhci

import (
	"context"
	"fmt"

	"github.com/ardnew/xhcidump/hal"
	"github.com/ardnew/xhcidump/pkg"
)

// dmaPageSize is the DMA segment-crossing boundary a single TRB's data
// buffer must never straddle.
const dmaPageSize = 1 << 16

// cycleRing is the shared base for CommandRing and TransferRing: a
// contiguous array of N TRBs in host-physical memory plus a producer
// cursor and producer cycle state (PCS). The last slot is a permanent
// LINK TRB back to the ring head with Toggle-Cycle set.
type cycleRing struct {
	mem  hal.HostMem
	base uint64
	size int // total slots, including the LINK trailer

	cursor int
	pcs    bool
}

func newCycleRing(ctx context.Context, mem hal.HostMem, base uint64, size int) (*cycleRing, error) {
	if size < 2 {
		return nil, fmt.Errorf("xhci: ring size %d too small for a LINK trailer", size)
	}
	r := &cycleRing{mem: mem, base: base, size: size, pcs: true}

	link := Make(TypeLink)
	link.SetToggleCycle(true)
	link.SetPointer(base)
	link.SetCycle(true)
	if err := r.writeSlot(ctx, size-1, link); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *cycleRing) slotAddr(i int) uint64 { return r.base + uint64(i)*TRBSize }

func (r *cycleRing) readSlot(ctx context.Context, i int) (TRB, error) {
	var buf [TRBSize]byte
	if err := r.mem.Read(ctx, r.slotAddr(i), buf[:]); err != nil {
		return TRB{}, err
	}
	return ReadFrom(buf[:]), nil
}

func (r *cycleRing) writeSlot(ctx context.Context, i int, t TRB) error {
	var buf [TRBSize]byte
	t.WriteTo(buf[:])
	return r.mem.Write(ctx, r.slotAddr(i), buf[:])
}

// linkAt is the fixed index of the permanent LINK TRB.
func (r *cycleRing) linkAt() int { return r.size - 1 }

// enqueue writes trb at the current cursor with C=PCS as the final field,
// advances the cursor, and crosses the LINK trailer — refreshing its cycle
// bit and toggling PCS — whenever the cursor reaches it. It returns the
// physical address the TRB was written to.
func (r *cycleRing) enqueue(ctx context.Context, trb TRB) (uint64, error) {
	trb.SetCycle(r.pcs)
	addr := r.slotAddr(r.cursor)
	if err := r.writeSlot(ctx, r.cursor, trb); err != nil {
		return 0, err
	}
	r.cursor++

	if r.cursor == r.linkAt() {
		link, err := r.readSlot(ctx, r.linkAt())
		if err != nil {
			return 0, err
		}
		link.SetCycle(r.pcs)
		if err := r.writeSlot(ctx, r.linkAt(), link); err != nil {
			return 0, err
		}
		if link.ToggleCycle() {
			r.pcs = !r.pcs
		}
		r.cursor = 0
	}
	return addr, nil
}

// Base returns the ring's physical base address, used to program the
// controller's CRCR/dequeue-pointer registers.
func (r *cycleRing) Base() uint64 { return r.base }

// PCS reports the current producer cycle state.
func (r *cycleRing) PCS() bool { return r.pcs }

// CommandRing is the xHCI Command Ring: Controller operations enqueue one
// TRB per command and ring doorbell 0 to notify the controller.
type CommandRing struct {
	*cycleRing
}

// NewCommandRing allocates a command ring of the given slot count
// (including its LINK trailer) starting at base.
func NewCommandRing(ctx context.Context, mem hal.HostMem, base uint64, slots int) (*CommandRing, error) {
	r, err := newCycleRing(ctx, mem, base, slots)
	if err != nil {
		return nil, err
	}
	return &CommandRing{cycleRing: r}, nil
}

// Enqueue writes a command TRB and returns its physical address, used
// later to correlate the matching COMMAND_COMPLETION event.
func (c *CommandRing) Enqueue(ctx context.Context, trb TRB) (uint64, error) {
	addr, err := c.enqueue(ctx, trb)
	if err != nil {
		return 0, err
	}
	pkg.LogDebug(pkg.ComponentXHCI, "command enqueued", "type", trb.Type(), "addr", addr)
	return addr, nil
}

// TransferRing is a per-endpoint xHCI ring. TDs (Transfer Descriptors) may
// span multiple TRBs; EnqueueTD builds one as follows: segment the
// buffer at 64 KiB DMA boundaries,
// chain NORMAL/DATA_STAGE TRBs, and append an EVENT_DATA TRB carrying the
// completing address used for correlation.
type TransferRing struct {
	*cycleRing
	epIdx int
}

// NewTransferRing allocates a transfer ring for Device Context Index
// epIdx (1 = EP0 control endpoint; epid = 2*num + (dir==IN) for the
// rest, per EndpointID).
func NewTransferRing(ctx context.Context, mem hal.HostMem, base uint64, slots, epIdx int) (*TransferRing, error) {
	r, err := newCycleRing(ctx, mem, base, slots)
	if err != nil {
		return nil, err
	}
	return &TransferRing{cycleRing: r, epIdx: epIdx}, nil
}

// EnqueueTD builds and enqueues a Transfer Descriptor moving len bytes of
// buf, using packets of size mps, in direction dir. It returns the
// physical address of the EVENT_DATA TRB it appended, which is the value
// later matched against an EV_TRANSFER event's pointer field.
func (r *TransferRing) EnqueueTD(ctx context.Context, mps, dataAddr uint64, length int, dir uint8) (uint64, error) {
	if length == 0 {
		return r.enqueueEventData(ctx)
	}

	remaining := length
	addr := dataAddr
	var lastAddr uint64
	first := true

	for remaining > 0 {
		segLen := remaining
		if boundary := int(dmaPageSize - addr%dmaPageSize); segLen > boundary {
			segLen = boundary
		}

		typ := TypeNormal
		if r.epIdx == 1 && first {
			typ = TypeDataStage
		}
		trb := Make(typ)
		trb.SetPointer(addr)
		trb.SetTransferLength(uint32(segLen))

		remainingAfter := remaining - segLen
		packetsLeft := 0
		if mps > 0 {
			packetsLeft = int((uint64(remainingAfter) + mps - 1) / mps)
		}
		if packetsLeft > 31 {
			packetsLeft = 31
		}
		trb.SetTDSize(uint8(packetsLeft))
		trb.SetChainBit(true)
		if typ == TypeDataStage {
			trb.SetDirection(dir)
		}

		var err error
		lastAddr, err = r.enqueue(ctx, trb)
		if err != nil {
			return 0, err
		}

		addr += uint64(segLen)
		remaining = remainingAfter
		first = false
	}

	// Mark the final data TRB as the end of the TD.
	if err := r.setENTAt(ctx, lastAddr); err != nil {
		return 0, err
	}

	return r.enqueueEventData(ctx)
}

func (r *TransferRing) setENTAt(ctx context.Context, addr uint64) error {
	idx := int((addr - r.base) / TRBSize)
	trb, err := r.readSlot(ctx, idx)
	if err != nil {
		return err
	}
	trb.SetChainBit(false)
	trb.SetToggleCycle(true)
	return r.writeSlot(ctx, idx, trb)
}

func (r *TransferRing) enqueueEventData(ctx context.Context) (uint64, error) {
	trb := Make(TypeEventData)
	trb.SetIOC(true)
	addr, err := r.enqueue(ctx, trb)
	if err != nil {
		return 0, err
	}
	// The pointer field of an EVENT_DATA TRB is the address used for
	// correlation; it is conventionally the TRB's own address so the
	// transfer engine can match an EV_TRANSFER event back to this TD.
	// Read the slot back first so the cycle bit enqueue just committed
	// (reflecting PCS at write time, including any LINK-crossing toggle)
	// is preserved rather than clobbered by a stale local copy.
	idx := int((addr - r.base) / TRBSize)
	written, err := r.readSlot(ctx, idx)
	if err != nil {
		return 0, err
	}
	written.SetPointer(addr)
	if err := r.writeSlot(ctx, idx, written); err != nil {
		return 0, err
	}
	return addr, nil
}

// EventRing is the xHCI Event Ring: controller-produced, consumer-polled.
// It tracks a consumer cycle state (CCS) rather than the producer PCS the
// other two ring types use.
type EventRing struct {
	mem  hal.HostMem
	base uint64
	size int

	cursor int
	ccs    bool
}

// NewEventRing wires an event ring of the given slot count at base. The
// caller is responsible for programming ERSTSZ/ERSTBA/ERDP with the
// returned ring's Base()/size so the controller and this consumer agree
// on the ring's extent.
func NewEventRing(mem hal.HostMem, base uint64, slots int) *EventRing {
	return &EventRing{mem: mem, base: base, size: slots, ccs: true}
}

func (r *EventRing) slotAddr(i int) uint64 { return r.base + uint64(i)*TRBSize }

func (r *EventRing) Base() uint64 { return r.base }
func (r *EventRing) Size() int    { return r.size }

// DequeueAddr is the physical address the controller should be told
// (via ERDP) the consumer is about to read next.
func (r *EventRing) DequeueAddr() uint64 { return r.slotAddr(r.cursor) }

// Peek reads the TRB currently at the dequeue cursor and reports whether
// its cycle bit matches CCS — i.e. whether it is a new, unconsumed event.
func (r *EventRing) Peek(ctx context.Context) (TRB, bool, error) {
	var buf [TRBSize]byte
	if err := r.mem.Read(ctx, r.slotAddr(r.cursor), buf[:]); err != nil {
		return TRB{}, false, err
	}
	trb := ReadFrom(buf[:])
	return trb, trb.Cycle() == r.ccs, nil
}

// Advance moves the dequeue cursor past the event just consumed, wrapping
// and flipping CCS at the end of the ring (the event ring has no LINK
// TRB; the controller wraps it implicitly based on ERSTSZ).
func (r *EventRing) Advance() {
	r.cursor++
	if r.cursor == r.size {
		r.cursor = 0
		r.ccs = !r.ccs
	}
}
