package xhci

import (
	"context"
	"encoding/binary"

	"github.com/ardnew/xhcidump/hal"
)

// ContextSize is the size in bytes of a Slot or Endpoint Context.
const ContextSize = 32

// MaxEndpoints is the number of endpoint contexts a device can carry
// (EP0 plus 30 directional endpoints, i.e. 15 IN/OUT pairs), per
// epid = 2*num + (dir==IN).
const MaxEndpoints = 31

// Endpoint states (xHCI EP_STATE field).
const (
	EPStateDisabled uint8 = 0
	EPStateRunning  uint8 = 1
	EPStateHalted   uint8 = 2
	EPStateStopped  uint8 = 3
	EPStateError    uint8 = 4
)

// Endpoint types (xHCI EP_TYPE field).
const (
	EPTypeIsochOut uint8 = 1
	EPTypeBulkOut  uint8 = 2
	EPTypeInterruptOut uint8 = 3
	EPTypeControl  uint8 = 4
	EPTypeIsochIn  uint8 = 5
	EPTypeBulkIn   uint8 = 6
	EPTypeInterruptIn uint8 = 7
)

// EndpointID computes the Device Context Index (DCI) a SlotContext's
// endpoint array (and an Input Context's add/drop masks) use: the
// control endpoint is always DCI 1, and every other endpoint follows
// epid = 2*num + (dir==IN), matching the doorbell target value the
// command and transfer engines ring.
func EndpointID(num int, in bool) int {
	if num == 0 {
		return 1
	}
	id := 2 * num
	if in {
		id++
	}
	return id
}

// SlotContext is the 32-byte Slot Context record: route string, speed,
// context-entries count, root-hub port, and slot state.
type SlotContext [ContextSize]byte

func (s *SlotContext) dw0() uint32 { return binary.LittleEndian.Uint32(s[0:4]) }
func (s *SlotContext) setDW0(v uint32) { binary.LittleEndian.PutUint32(s[0:4], v) }
func (s *SlotContext) dw1() uint32 { return binary.LittleEndian.Uint32(s[4:8]) }
func (s *SlotContext) setDW1(v uint32) { binary.LittleEndian.PutUint32(s[4:8], v) }
func (s *SlotContext) dw3() uint32 { return binary.LittleEndian.Uint32(s[12:16]) }
func (s *SlotContext) setDW3(v uint32) { binary.LittleEndian.PutUint32(s[12:16], v) }

// RouteString is the 20-bit hub routing path. Enumeration of a
// root-hub-direct device (the only topology this driver enumerates)
// stores the low nibble of its root-hub port number here.
func (s *SlotContext) RouteString() uint32     { return getBits(s.dw0(), 0, 20) }
func (s *SlotContext) SetRouteString(v uint32) { s.setDW0(setBits(s.dw0(), 0, 20, v)) }

// Speed is the USB speed code plus one (xHCI's "Speed" field is 1-based).
func (s *SlotContext) Speed() uint8     { return uint8(getBits(s.dw0(), 20, 4)) }
func (s *SlotContext) SetSpeed(v uint8) { s.setDW0(setBits(s.dw0(), 20, 4, uint32(v))) }

// ContextEntries is the highest Device Context Index (DCI) that is valid
// in this slot's Device Context (1 when only EP0 is configured).
func (s *SlotContext) ContextEntries() uint8     { return uint8(getBits(s.dw0(), 27, 5)) }
func (s *SlotContext) SetContextEntries(v uint8) { s.setDW0(setBits(s.dw0(), 27, 5, uint32(v))) }

func (s *SlotContext) RootHubPort() uint8     { return uint8(getBits(s.dw1(), 16, 8)) }
func (s *SlotContext) SetRootHubPort(v uint8) { s.setDW1(setBits(s.dw1(), 16, 8, uint32(v))) }

func (s *SlotContext) TTHubSlotID() uint8     { return uint8(getBits(s.dw1(), 0, 8)) }
func (s *SlotContext) SetTTHubSlotID(v uint8) { s.setDW1(setBits(s.dw1(), 0, 8, uint32(v))) }

func (s *SlotContext) TTPortNumber() uint8     { return uint8(getBits(s.dw1(), 8, 8)) }
func (s *SlotContext) SetTTPortNumber(v uint8) { s.setDW1(setBits(s.dw1(), 8, 8, uint32(v))) }

// State is the 3-bit slot state (mirrors EPState constants conceptually
// but has its own narrower value set: disabled/enabled/default/addressed/
// configured).
func (s *SlotContext) State() uint8     { return uint8(getBits(s.dw3(), 27, 3)) }
func (s *SlotContext) SetState(v uint8) { s.setDW3(setBits(s.dw3(), 27, 3, uint32(v))) }

// EndpointContext is the 32-byte Endpoint Context record: state, type,
// max packet size, average TRB length, and the endpoint's own transfer
// ring dequeue pointer + dequeue cycle state (DCS).
type EndpointContext [ContextSize]byte

func (e *EndpointContext) dw0() uint32 { return binary.LittleEndian.Uint32(e[0:4]) }
func (e *EndpointContext) setDW0(v uint32) { binary.LittleEndian.PutUint32(e[0:4], v) }
func (e *EndpointContext) dw1() uint32 { return binary.LittleEndian.Uint32(e[4:8]) }
func (e *EndpointContext) setDW1(v uint32) { binary.LittleEndian.PutUint32(e[4:8], v) }
func (e *EndpointContext) dw4() uint32 { return binary.LittleEndian.Uint32(e[16:20]) }
func (e *EndpointContext) setDW4(v uint32) { binary.LittleEndian.PutUint32(e[16:20], v) }

func (e *EndpointContext) State() uint8     { return uint8(getBits(e.dw0(), 0, 3)) }
func (e *EndpointContext) SetState(v uint8) { e.setDW0(setBits(e.dw0(), 0, 3, uint32(v))) }

func (e *EndpointContext) Interval() uint8     { return uint8(getBits(e.dw0(), 16, 8)) }
func (e *EndpointContext) SetInterval(v uint8) { e.setDW0(setBits(e.dw0(), 16, 8, uint32(v))) }

func (e *EndpointContext) ErrorCount() uint8     { return uint8(getBits(e.dw1(), 1, 2)) }
func (e *EndpointContext) SetErrorCount(v uint8) { e.setDW1(setBits(e.dw1(), 1, 2, uint32(v))) }

func (e *EndpointContext) Type() uint8     { return uint8(getBits(e.dw1(), 3, 3)) }
func (e *EndpointContext) SetType(v uint8) { e.setDW1(setBits(e.dw1(), 3, 3, uint32(v))) }

func (e *EndpointContext) MaxPacketSize() uint16 { return uint16(getBits(e.dw1(), 16, 16)) }
func (e *EndpointContext) SetMaxPacketSize(v uint16) {
	e.setDW1(setBits(e.dw1(), 16, 16, uint32(v)))
}

// DequeuePointer is the 64-bit transfer-ring base this endpoint should
// read from/write to next; bit 0 of the low dword doubles as the
// dequeue cycle state (DCS) per the xHCI register encoding.
func (e *EndpointContext) DequeuePointer() uint64 {
	lo := binary.LittleEndian.Uint32(e[8:12])
	hi := binary.LittleEndian.Uint32(e[12:16])
	return uint64(hi)<<32 | uint64(lo&^0x1)
}

// SetDequeuePointer sets the dequeue pointer and its DCS bit. addr must be
// 16-byte aligned; dcs is OR'd into bit 0 of the low dword.
func (e *EndpointContext) SetDequeuePointer(addr uint64, dcs bool) {
	lo := uint32(addr)
	if dcs {
		lo |= 0x1
	}
	binary.LittleEndian.PutUint32(e[8:12], lo)
	binary.LittleEndian.PutUint32(e[12:16], uint32(addr>>32))
}

func (e *EndpointContext) AverageTRBLength() uint16 { return uint16(getBits(e.dw4(), 0, 16)) }
func (e *EndpointContext) SetAverageTRBLength(v uint16) {
	e.setDW4(setBits(e.dw4(), 0, 16, uint32(v)))
}

// AvgTRBLengthDefault returns the controller's recommended AVRTRB default
// for an endpoint type, per the Address-Device/Configure-Endpoint
// contract: 3072 for bulk/isochronous, 1024 for interrupt, 8 for control.
func AvgTRBLengthDefault(epType uint8) uint16 {
	switch epType {
	case EPTypeControl:
		return 8
	case EPTypeInterruptIn, EPTypeInterruptOut:
		return 1024
	default:
		return 3072
	}
}

// MaxESIT computes MXESIT = MPS * (MaxBurstSize+1), used for interval-
// based (interrupt/isochronous) endpoints. This driver enumerates full-
// speed devices only, where MaxBurstSize is always 0, but the formula is
// kept general.
func MaxESIT(mps uint16, maxBurstSize uint8) uint32 {
	return uint32(mps) * (uint32(maxBurstSize) + 1)
}

// InputContext is the DMA block the driver builds and the controller
// consumes for Address-Device and Configure-Endpoint: a control block
// (add/drop endpoint masks) followed by a Slot Context and up to
// MaxEndpoints Endpoint Contexts.
type InputContext struct {
	DropFlags uint32
	AddFlags  uint32
	Slot      SlotContext
	Endpoints [MaxEndpoints]EndpointContext
}

// InputContextSize is the encoded byte length of an InputContext: the
// 32-byte control block (drop/add flags plus reserved dwords) followed
// by the slot context and MaxEndpoints endpoint contexts.
const InputContextSize = ContextSize + ContextSize*(1+MaxEndpoints)

// AddEndpoint marks endpoint id present in the add-context flags and
// returns a pointer to its context slot for the caller to populate.
func (ic *InputContext) AddEndpoint(id int) *EndpointContext {
	ic.AddFlags |= 1 << uint(id)
	return &ic.Endpoints[id-1]
}

// DropEndpoint marks endpoint id absent in the drop-context flags.
func (ic *InputContext) DropEndpoint(id int) {
	ic.DropFlags |= 1 << uint(id)
}

// Encode serializes the InputContext into its DMA wire layout.
func (ic *InputContext) Encode() []byte {
	buf := make([]byte, InputContextSize)
	binary.LittleEndian.PutUint32(buf[0:4], ic.DropFlags)
	binary.LittleEndian.PutUint32(buf[4:8], ic.AddFlags)
	copy(buf[ContextSize:2*ContextSize], ic.Slot[:])
	for i, ep := range ic.Endpoints {
		off := ContextSize * (2 + i)
		copy(buf[off:off+ContextSize], ep[:])
	}
	return buf
}

// DeviceContextArray is the DCBAA: max_slots+1 64-bit pointers to Device
// Contexts, with entry 0 pointing at the scratchpad-pointer array.
type DeviceContextArray struct {
	mem  hal.HostMem
	base uint64
	n    int // max_slots + 1
}

// NewDeviceContextArray wires a DCBAA of n entries (max_slots+1) at base;
// base is what the controller's DCBAAP register is programmed with.
func NewDeviceContextArray(mem hal.HostMem, base uint64, n int) *DeviceContextArray {
	return &DeviceContextArray{mem: mem, base: base, n: n}
}

func (d *DeviceContextArray) Base() uint64 { return d.base }
func (d *DeviceContextArray) Len() int     { return d.n }

// SetScratchpadArray publishes the scratchpad-pointer array address into
// DCBAA entry 0.
func (d *DeviceContextArray) SetScratchpadArray(ctx context.Context, addr uint64) error {
	return d.set(ctx, 0, addr)
}

// SetSlot performs the slot-indexed 64-bit write of DCBAA[slotID] =
// deviceContextAddr. This is always a single targeted write, never a
// whole-array copy, so that publishing one slot's context pointer cannot
// race with the controller's own concurrent reads of other slots.
func (d *DeviceContextArray) SetSlot(ctx context.Context, slotID uint8, deviceContextAddr uint64) error {
	return d.set(ctx, int(slotID), deviceContextAddr)
}

// Slot reads back the Device Context pointer the controller wrote (or
// the driver published) for slotID.
func (d *DeviceContextArray) Slot(ctx context.Context, slotID uint8) (uint64, error) {
	var buf [8]byte
	if err := d.mem.Read(ctx, d.entryAddr(int(slotID)), buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func (d *DeviceContextArray) set(ctx context.Context, idx int, addr uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], addr)
	return d.mem.Write(ctx, d.entryAddr(idx), buf[:])
}

func (d *DeviceContextArray) entryAddr(idx int) uint64 {
	return d.base + uint64(idx)*8
}
