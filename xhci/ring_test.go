package xhci

import (
	"context"
	"testing"

	"github.com/ardnew/xhcidump/hal/sim"
)

func TestCommandRing_WrapTogglesCycle(t *testing.T) {
	ctx := context.Background()
	mem := sim.NewMem(1 << 16)
	base, err := mem.Alloc(4*TRBSize, 64)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}

	ring, err := NewCommandRing(ctx, mem, base, 4)
	if err != nil {
		t.Fatalf("NewCommandRing: %v", err)
	}
	if !ring.PCS() {
		t.Fatal("initial PCS should be true")
	}

	for i := 0; i < 3; i++ {
		if _, err := ring.Enqueue(ctx, Make(TypeNoopCmd)); err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
	}

	// The third Enqueue crossed the LINK trailer (slot 3), toggling PCS.
	if ring.PCS() {
		t.Fatal("PCS should have toggled after crossing the LINK TRB")
	}
	if ring.cursor != 0 {
		t.Fatalf("cursor = %d, want 0 after wrap", ring.cursor)
	}

	link, err := ring.readSlot(ctx, ring.linkAt())
	if err != nil {
		t.Fatalf("readSlot(link): %v", err)
	}
	if link.Cycle() != true {
		t.Error("LINK TRB cycle bit should match the PCS it was crossed with")
	}

	addr, err := ring.Enqueue(ctx, Make(TypeNoopCmd))
	if err != nil {
		t.Fatalf("Enqueue after wrap: %v", err)
	}
	if addr != base {
		t.Errorf("post-wrap enqueue address = 0x%x, want base 0x%x", addr, base)
	}

	trb, err := ring.readSlot(ctx, 0)
	if err != nil {
		t.Fatalf("readSlot(0): %v", err)
	}
	if trb.Cycle() != false {
		t.Error("TRB written after wrap should carry the toggled (false) cycle bit")
	}
}

func TestTransferRing_EnqueueTD_SinglePacket(t *testing.T) {
	ctx := context.Background()
	mem := sim.NewMem(1 << 16)
	base, err := mem.Alloc(16*TRBSize, 64)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}

	ring, err := NewTransferRing(ctx, mem, base, 16, 3)
	if err != nil {
		t.Fatalf("NewTransferRing: %v", err)
	}

	dataAddr, err := mem.Alloc(64, 8)
	if err != nil {
		t.Fatalf("Alloc data: %v", err)
	}

	addr, err := ring.EnqueueTD(ctx, 64, dataAddr, 64, DirIn)
	if err != nil {
		t.Fatalf("EnqueueTD: %v", err)
	}

	dataTRB, err := ring.readSlot(ctx, 0)
	if err != nil {
		t.Fatalf("readSlot(0): %v", err)
	}
	if dataTRB.Type() != TypeNormal {
		t.Errorf("Type() = %d, want TypeNormal (epIdx != 1)", dataTRB.Type())
	}
	if dataTRB.ChainBit() {
		t.Error("final data TRB of a single-segment TD should have ChainBit cleared")
	}
	if !dataTRB.ToggleCycle() {
		t.Error("final data TRB of a TD should have the ENT/toggle bit set")
	}
	if dataTRB.TransferLength() != 64 {
		t.Errorf("TransferLength() = %d, want 64", dataTRB.TransferLength())
	}

	eventTRB, err := ring.readSlot(ctx, 1)
	if err != nil {
		t.Fatalf("readSlot(1): %v", err)
	}
	if eventTRB.Type() != TypeEventData {
		t.Errorf("Type() = %d, want TypeEventData", eventTRB.Type())
	}
	if eventTRB.Pointer() != addr {
		t.Errorf("EVENT_DATA pointer = 0x%x, want its own address 0x%x", eventTRB.Pointer(), addr)
	}
}

func TestTransferRing_EnqueueTD_ZeroLength(t *testing.T) {
	ctx := context.Background()
	mem := sim.NewMem(1 << 16)
	base, err := mem.Alloc(16*TRBSize, 64)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}

	ring, err := NewTransferRing(ctx, mem, base, 16, 1)
	if err != nil {
		t.Fatalf("NewTransferRing: %v", err)
	}

	addr, err := ring.EnqueueTD(ctx, 8, 0, 0, DirOut)
	if err != nil {
		t.Fatalf("EnqueueTD: %v", err)
	}

	trb, err := ring.readSlot(ctx, 0)
	if err != nil {
		t.Fatalf("readSlot(0): %v", err)
	}
	if trb.Type() != TypeEventData {
		t.Errorf("zero-length TD should enqueue only an EVENT_DATA TRB, got type %d", trb.Type())
	}
	if trb.Pointer() != addr {
		t.Errorf("EVENT_DATA pointer = 0x%x, want 0x%x", trb.Pointer(), addr)
	}
}

func TestEventRing_PeekAdvanceWrap(t *testing.T) {
	ctx := context.Background()
	mem := sim.NewMem(1 << 16)
	base, err := mem.Alloc(2*TRBSize, 64)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}

	ring := NewEventRing(mem, base, 2)

	// Nothing written yet: cycle bit is 0, CCS starts true, so no event
	// should appear ready.
	_, ready, err := ring.Peek(ctx)
	if err != nil {
		t.Fatalf("Peek: %v", err)
	}
	if ready {
		t.Fatal("Peek should report not-ready against a zeroed ring")
	}

	// Simulate the controller producing an event with C=1 at slot 0.
	trb := Make(TypeTransferEvent)
	trb.SetCycle(true)
	var buf [TRBSize]byte
	trb.WriteTo(buf[:])
	if err := mem.Write(ctx, ring.DequeueAddr(), buf[:]); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, ready, err := ring.Peek(ctx)
	if err != nil {
		t.Fatalf("Peek: %v", err)
	}
	if !ready {
		t.Fatal("Peek should report ready once a matching-cycle TRB is written")
	}
	if got.Type() != TypeTransferEvent {
		t.Errorf("Type() = %d, want TypeTransferEvent", got.Type())
	}

	ring.Advance()
	ring.Advance()
	if ring.ccs {
		t.Error("CCS should flip after advancing past the last slot")
	}
}
