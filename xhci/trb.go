package xhci

import "encoding/binary"

// TRBSize is the fixed size in bytes of every Transfer Request Block.
const TRBSize = 16

// TRB is a typed, statically-checked view over a 16-byte Transfer Request
// Block: {ptr_lo:32, ptr_hi:32, status:32, control:32}. Field accessors
// replace the dynamic bit-slice view the original source used, so widths
// and offsets are checked at compile time rather than at a runtime bit
// index.
//
// The control dword is packed, low bit first:
//
//	bit 0       C    cycle bit
//	bit 1       TC   toggle cycle (LINK) / ENT (control TD chaining)
//	bit 2       ISP  interrupt on short packet
//	bit 3       CH   chain bit
//	bit 4       IOC  interrupt on completion
//	bit 5       IDT  immediate data
//	bit 6       DC   deconfigure (CONFIGURE_ENDPOINT only)
//	bits 7-12   Type (6 bits)
//	bits 13-14  TRT  transfer type (SETUP_STAGE only)
//	bit 15      DIR  direction (DATA_STAGE/STATUS_STAGE only)
//	bits 16-20  endpoint ID (5 bits)
//	bits 21-23  reserved
//	bits 24-31  slot ID
//
// The status dword packs transfer length in its low 24 bits; the high
// byte holds either TD size (driver-written TRBs) or completion code
// (controller-written event TRBs) depending on context — the two uses
// never coexist on the same TRB.
type TRB [TRBSize]byte

// TRB types (xHCI TRB Type field, Table 6.4.6 numbering).
const (
	TypeNormal      uint8 = 1
	TypeSetupStage  uint8 = 2
	TypeDataStage   uint8 = 3
	TypeStatusStage uint8 = 4
	TypeLink        uint8 = 6
	TypeEventData   uint8 = 7

	TypeEnableSlotCmd      uint8 = 9
	TypeDisableSlotCmd     uint8 = 10
	TypeAddressDeviceCmd   uint8 = 11
	TypeConfigureEPCmd     uint8 = 12
	TypeEvaluateContextCmd uint8 = 13
	TypeResetEndpointCmd   uint8 = 14
	TypeStopEndpointCmd    uint8 = 15
	TypeSetTRDequeueCmd    uint8 = 16
	TypeResetDeviceCmd     uint8 = 17
	TypeNoopCmd            uint8 = 23

	TypeTransferEvent         uint8 = 32
	TypeCommandCompletion     uint8 = 33
	TypePortStatusChangeEvent uint8 = 34
	TypeHostControllerEvent   uint8 = 37
)

// Completion codes (xHCI Table 6.2.34 numbering, the subset this driver
// distinguishes between).
const (
	CCInvalid              uint8 = 0
	CCSuccess              uint8 = 1
	CCDataBufferError      uint8 = 2
	CCBabbleDetected       uint8 = 3
	CCUSBTransactionError  uint8 = 4
	CCTRBError             uint8 = 5
	CCStallError           uint8 = 6
	CCResourceError        uint8 = 7
	CCBandwidthError       uint8 = 8
	CCNoSlotsAvailable     uint8 = 9
	CCShortPacket          uint8 = 13
	CCEventRingFullError   uint8 = 21
	CCCommandAborted       uint8 = 25
	CCStopped              uint8 = 26
	CCCommandRingStopped   uint8 = 24
)

// SETUP_STAGE transfer-type (TRT) values.
const (
	TRTNoData uint8 = 0
	TRTOutData uint8 = 2
	TRTInData  uint8 = 3
)

// Direction values for the control dword's DIR bit.
const (
	DirOut uint8 = 0
	DirIn  uint8 = 1
)

func (t *TRB) control() uint32 { return binary.LittleEndian.Uint32(t[12:16]) }
func (t *TRB) setControl(v uint32) {
	binary.LittleEndian.PutUint32(t[12:16], v)
}

func (t *TRB) status() uint32 { return binary.LittleEndian.Uint32(t[8:12]) }
func (t *TRB) setStatus(v uint32) {
	binary.LittleEndian.PutUint32(t[8:12], v)
}

func getBit(v uint32, bit uint) bool  { return v&(1<<bit) != 0 }
func setBit(v uint32, bit uint, set bool) uint32 {
	if set {
		return v | (1 << bit)
	}
	return v &^ (1 << bit)
}
func getBits(v uint32, shift, width uint) uint32 {
	mask := uint32(1)<<width - 1
	return (v >> shift) & mask
}
func setBits(v uint32, shift, width uint, val uint32) uint32 {
	mask := uint32(1)<<width - 1
	return (v &^ (mask << shift)) | ((val & mask) << shift)
}

// Clear zeroes every field of the TRB. Callers must clear before reusing a
// ring slot so that stale field values from a previous TD cannot leak.
func (t *TRB) Clear() { *t = TRB{} }

// Cycle reports the C bit.
func (t *TRB) Cycle() bool { return getBit(t.control(), 0) }

// SetCycle sets the C bit. Per the CycleRing contract this must be the
// last field written before the TRB is considered enqueued.
func (t *TRB) SetCycle(v bool) { t.setControl(setBit(t.control(), 0, v)) }

func (t *TRB) ToggleCycle() bool     { return getBit(t.control(), 1) }
func (t *TRB) SetToggleCycle(v bool) { t.setControl(setBit(t.control(), 1, v)) }

func (t *TRB) ISP() bool     { return getBit(t.control(), 2) }
func (t *TRB) SetISP(v bool) { t.setControl(setBit(t.control(), 2, v)) }

func (t *TRB) ChainBit() bool     { return getBit(t.control(), 3) }
func (t *TRB) SetChainBit(v bool) { t.setControl(setBit(t.control(), 3, v)) }

func (t *TRB) IOC() bool     { return getBit(t.control(), 4) }
func (t *TRB) SetIOC(v bool) { t.setControl(setBit(t.control(), 4, v)) }

func (t *TRB) IDT() bool     { return getBit(t.control(), 5) }
func (t *TRB) SetIDT(v bool) { t.setControl(setBit(t.control(), 5, v)) }

func (t *TRB) DC() bool     { return getBit(t.control(), 6) }
func (t *TRB) SetDC(v bool) { t.setControl(setBit(t.control(), 6, v)) }

func (t *TRB) Type() uint8     { return uint8(getBits(t.control(), 7, 6)) }
func (t *TRB) SetType(v uint8) { t.setControl(setBits(t.control(), 7, 6, uint32(v))) }

func (t *TRB) TRT() uint8     { return uint8(getBits(t.control(), 13, 2)) }
func (t *TRB) SetTRT(v uint8) { t.setControl(setBits(t.control(), 13, 2, uint32(v))) }

func (t *TRB) Direction() uint8     { return uint8(getBits(t.control(), 15, 1)) }
func (t *TRB) SetDirection(v uint8) { t.setControl(setBits(t.control(), 15, 1, uint32(v))) }

func (t *TRB) EndpointID() uint8     { return uint8(getBits(t.control(), 16, 5)) }
func (t *TRB) SetEndpointID(v uint8) { t.setControl(setBits(t.control(), 16, 5, uint32(v))) }

func (t *TRB) SlotID() uint8     { return uint8(getBits(t.control(), 24, 8)) }
func (t *TRB) SetSlotID(v uint8) { t.setControl(setBits(t.control(), 24, 8, uint32(v))) }

// TransferLength is the low 24 bits of the status dword.
func (t *TRB) TransferLength() uint32 { return getBits(t.status(), 0, 24) }
func (t *TRB) SetTransferLength(v uint32) {
	t.setStatus(setBits(t.status(), 0, 24, v))
}

// TDSize is the 5-bit TD-size field (driver-written TRBs only).
func (t *TRB) TDSize() uint8     { return uint8(getBits(t.status(), 24, 5)) }
func (t *TRB) SetTDSize(v uint8) { t.setStatus(setBits(t.status(), 24, 5, uint32(v))) }

// CompletionCode is the top byte of the status dword (event TRBs only).
func (t *TRB) CompletionCode() uint8 { return uint8(getBits(t.status(), 24, 8)) }
func (t *TRB) SetCompletionCode(v uint8) {
	t.setStatus(setBits(t.status(), 24, 8, uint32(v)))
}

// PtrLo and PtrHi are the raw halves of the 64-bit pointer field.
func (t *TRB) PtrLo() uint32     { return binary.LittleEndian.Uint32(t[0:4]) }
func (t *TRB) SetPtrLo(v uint32) { binary.LittleEndian.PutUint32(t[0:4], v) }
func (t *TRB) PtrHi() uint32     { return binary.LittleEndian.Uint32(t[4:8]) }
func (t *TRB) SetPtrHi(v uint32) { binary.LittleEndian.PutUint32(t[4:8], v) }

// Pointer returns the combined 64-bit pointer field.
func (t *TRB) Pointer() uint64 {
	return uint64(t.PtrHi())<<32 | uint64(t.PtrLo())
}

// SetPointer sets the combined 64-bit pointer field.
func (t *TRB) SetPointer(v uint64) {
	t.SetPtrLo(uint32(v))
	t.SetPtrHi(uint32(v >> 32))
}

// Make builds a zeroed TRB of the given type with cycle left at false; the
// caller (normally a ring's enqueue path) is responsible for setting C.
func Make(typ uint8) TRB {
	var t TRB
	t.SetType(typ)
	return t
}

// ReadFrom decodes a TRB from a 16-byte DMA-visible buffer.
func ReadFrom(buf []byte) TRB {
	var t TRB
	copy(t[:], buf[:TRBSize])
	return t
}

// WriteTo encodes the TRB into a 16-byte DMA-visible buffer.
func (t *TRB) WriteTo(buf []byte) {
	copy(buf[:TRBSize], t[:])
}

// IsSuccess reports whether cc is SUCCESS or SHORT_PACKET, the two
// completion codes the transfer engine treats as a non-error outcome.
func IsSuccess(cc uint8) bool {
	return cc == CCSuccess || cc == CCShortPacket
}
