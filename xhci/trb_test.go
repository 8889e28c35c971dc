package xhci

import "testing"

func TestTRB_CycleBit(t *testing.T) {
	trb := Make(TypeNormal)
	if trb.Cycle() {
		t.Fatal("new TRB should have C=0")
	}
	trb.SetCycle(true)
	if !trb.Cycle() {
		t.Fatal("SetCycle(true) did not stick")
	}
	trb.SetCycle(false)
	if trb.Cycle() {
		t.Fatal("SetCycle(false) did not stick")
	}
}

func TestTRB_FieldRoundTrip(t *testing.T) {
	trb := Make(TypeSetupStage)
	trb.SetSlotID(7)
	trb.SetEndpointID(3)
	trb.SetTRT(TRTInData)
	trb.SetDirection(DirIn)
	trb.SetChainBit(true)
	trb.SetIOC(true)
	trb.SetTransferLength(8)
	trb.SetPointer(0xDEADBEEFCAFE)

	if got := trb.Type(); got != TypeSetupStage {
		t.Errorf("Type() = %d, want %d", got, TypeSetupStage)
	}
	if got := trb.SlotID(); got != 7 {
		t.Errorf("SlotID() = %d, want 7", got)
	}
	if got := trb.EndpointID(); got != 3 {
		t.Errorf("EndpointID() = %d, want 3", got)
	}
	if got := trb.TRT(); got != TRTInData {
		t.Errorf("TRT() = %d, want %d", got, TRTInData)
	}
	if got := trb.Direction(); got != DirIn {
		t.Errorf("Direction() = %d, want %d", got, DirIn)
	}
	if !trb.ChainBit() {
		t.Error("ChainBit() = false, want true")
	}
	if !trb.IOC() {
		t.Error("IOC() = false, want true")
	}
	if got := trb.TransferLength(); got != 8 {
		t.Errorf("TransferLength() = %d, want 8", got)
	}
	if got := trb.Pointer(); got != 0xDEADBEEFCAFE {
		t.Errorf("Pointer() = 0x%x, want 0xDEADBEEFCAFE", got)
	}
}

func TestTRB_WireRoundTrip(t *testing.T) {
	trb := Make(TypeCommandCompletion)
	trb.SetCompletionCode(CCSuccess)
	trb.SetPointer(0x1000)
	trb.SetCycle(true)

	var buf [TRBSize]byte
	trb.WriteTo(buf[:])

	got := ReadFrom(buf[:])
	if got != trb {
		t.Errorf("ReadFrom(WriteTo(trb)) = %+v, want %+v", got, trb)
	}
}

func TestTRB_Clear(t *testing.T) {
	trb := Make(TypeNormal)
	trb.SetSlotID(5)
	trb.SetCycle(true)
	trb.Clear()
	if trb.Type() != 0 || trb.SlotID() != 0 || trb.Cycle() {
		t.Errorf("Clear() left nonzero fields: %+v", trb)
	}
}

func TestIsSuccess(t *testing.T) {
	tests := []struct {
		cc   uint8
		want bool
	}{
		{CCSuccess, true},
		{CCShortPacket, true},
		{CCStallError, false},
		{CCTRBError, false},
		{CCInvalid, false},
	}
	for _, tt := range tests {
		if got := IsSuccess(tt.cc); got != tt.want {
			t.Errorf("IsSuccess(%d) = %v, want %v", tt.cc, got, tt.want)
		}
	}
}
