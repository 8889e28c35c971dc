package memdump

import (
	"bytes"
	"context"
	"testing"

	"github.com/ardnew/xhcidump/hal/sim"
)

type fakeWriter struct {
	maxPacket int
	packets   [][]byte
	err       error
}

func (w *fakeWriter) MaxPacketSize() int { return w.maxPacket }
func (w *fakeWriter) Write(ctx context.Context, data []byte) (int, error) {
	if w.err != nil {
		return 0, w.err
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	w.packets = append(w.packets, cp)
	return len(data), nil
}

func TestEncodePacket(t *testing.T) {
	payload := []byte{0xAA, 0xBB, 0xCC}
	buf := EncodePacket(0x1000, uint32(len(payload)), 42, payload)

	if len(buf) != HeaderSize+len(payload) {
		t.Fatalf("len(buf) = %d, want %d", len(buf), HeaderSize+len(payload))
	}
	if buf[0] != PacketType {
		t.Errorf("type byte = %d, want %d", buf[0], PacketType)
	}
	if got := uint32(buf[4]) | uint32(buf[5])<<8 | uint32(buf[6])<<16 | uint32(buf[7])<<24; got != 0x1000 {
		t.Errorf("base_addr = 0x%x, want 0x1000", got)
	}
	if got := uint32(buf[8]) | uint32(buf[9])<<8 | uint32(buf[10])<<16 | uint32(buf[11])<<24; got != 3 {
		t.Errorf("length = %d, want 3", got)
	}
	if got := uint32(buf[12]) | uint32(buf[13])<<8 | uint32(buf[14])<<16 | uint32(buf[15])<<24; got != 42 {
		t.Errorf("timestamp = %d, want 42", got)
	}
	if !bytes.Equal(buf[HeaderSize:], payload) {
		t.Error("payload did not round-trip")
	}
}

func TestDumper_Dump_ChunksByMaxPacketSize(t *testing.T) {
	ctx := context.Background()
	mem := sim.NewMem(1 << 16)
	base, err := mem.Alloc(64, 8)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	data := make([]byte, 64)
	for i := range data {
		data[i] = byte(i)
	}
	if err := mem.Write(ctx, base, data); err != nil {
		t.Fatalf("Write: %v", err)
	}

	out := &fakeWriter{maxPacket: HeaderSize + 20}
	dumper := NewDumper(mem, out)

	sent, err := dumper.Dump(ctx, base, 64)
	if err != nil {
		t.Fatalf("Dump: %v", err)
	}
	if sent != 64 {
		t.Errorf("sent = %d, want 64", sent)
	}

	wantPackets := 4 // 64 bytes / 20-byte chunks, rounded up
	if len(out.packets) != wantPackets {
		t.Fatalf("packets sent = %d, want %d", len(out.packets), wantPackets)
	}

	var reassembled []byte
	for _, pkt := range out.packets {
		reassembled = append(reassembled, pkt[HeaderSize:]...)
	}
	if !bytes.Equal(reassembled, data) {
		t.Error("reassembled payload across packets did not match source memory")
	}
}

func TestDumper_Dump_PropagatesWriteError(t *testing.T) {
	ctx := context.Background()
	mem := sim.NewMem(1 << 16)
	base, err := mem.Alloc(16, 8)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}

	wantErr := context.Canceled
	out := &fakeWriter{maxPacket: HeaderSize + 8, err: wantErr}
	dumper := NewDumper(mem, out)

	sent, err := dumper.Dump(ctx, base, 16)
	if err != wantErr {
		t.Fatalf("Dump() err = %v, want %v", err, wantErr)
	}
	if sent != 0 {
		t.Errorf("sent = %d, want 0 on first-write failure", sent)
	}
}
