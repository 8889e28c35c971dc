// Package memdump encodes the memory-dump wire packet and orchestrates
// streaming a physical-memory region through a serial.Port in
// write-endpoint-sized chunks.
package memdump

import (
	"context"
	"encoding/binary"

	"github.com/ardnew/xhcidump/hal"
	"github.com/ardnew/xhcidump/pkg"
)

// PacketType identifies the single wire packet type this protocol emits.
const PacketType = 1

// HeaderSize is the fixed-size header preceding the payload: type(1) +
// reserved(3) + base_addr(4) + length(4) + timestamp(4).
const HeaderSize = 16

// EncodePacket marshals the memdump wire packet described in SPEC_FULL.md
// §6: `type:8 | reserved:24 | base_addr:32 | length:32 | timestamp:32 |
// payload`, all little-endian. timestamp is passed in by the caller
// (Unix seconds) rather than sampled here.
func EncodePacket(base, length uint32, timestamp uint32, payload []byte) []byte {
	buf := make([]byte, HeaderSize+len(payload))
	buf[0] = PacketType
	binary.LittleEndian.PutUint32(buf[4:8], base)
	binary.LittleEndian.PutUint32(buf[8:12], length)
	binary.LittleEndian.PutUint32(buf[12:16], timestamp)
	copy(buf[HeaderSize:], payload)
	return buf
}

// Writer is the capability a Dumper streams packets through. serial.Port
// satisfies it directly.
type Writer interface {
	Write(ctx context.Context, data []byte) (int, error)
	MaxPacketSize() int
}

// Dumper reads a physical-memory region through a hal.HostMem in chunks
// bounded by the serial port's max packet size and streams each chunk as
// a wire packet, reproducing the original memdump() loop: read physical
// memory, marshal a packet, write to the bulk pipe, repeat until length
// bytes are sent.
type Dumper struct {
	mem hal.HostMem
	out Writer

	// Now returns the packet timestamp in Unix seconds. Defaults to a
	// fixed clock so dump runs are reproducible in tests; callers that
	// want wall-clock timestamps provide their own func stamping after
	// the fact, since this core never calls time.Now directly.
	Now func() uint32
}

// NewDumper builds a Dumper over mem, streaming chunks through out.
func NewDumper(mem hal.HostMem, out Writer) *Dumper {
	return &Dumper{mem: mem, out: out, Now: func() uint32 { return 0 }}
}

// Dump reads length bytes starting at baseAddr and streams them through
// the Writer as a sequence of wire packets, each covering one chunk of at
// most the writer's max packet size worth of payload (after subtracting
// the fixed header). It returns the total number of payload bytes sent.
func (d *Dumper) Dump(ctx context.Context, baseAddr uint64, length uint32) (uint32, error) {
	chunkPayload := d.out.MaxPacketSize() - HeaderSize
	if chunkPayload <= 0 {
		chunkPayload = int(length)
	}

	pkg.LogInfo(pkg.ComponentMemdump, "starting dump", "base", baseAddr, "length", length)

	var sent uint32
	buf := make([]byte, chunkPayload)
	for sent < length {
		n := uint32(chunkPayload)
		if remaining := length - sent; remaining < n {
			n = remaining
		}

		chunk := buf[:n]
		if err := d.mem.Read(ctx, baseAddr+uint64(sent), chunk); err != nil {
			return sent, err
		}

		packet := EncodePacket(uint32(baseAddr+uint64(sent)), n, d.Now(), chunk)
		if _, err := d.out.Write(ctx, packet); err != nil {
			return sent, err
		}

		pkg.LogDebug(pkg.ComponentMemdump, "packet sent", "offset", sent, "len", n)
		sent += n
	}

	pkg.LogInfo(pkg.ComponentMemdump, "dump complete", "sent", sent)
	return sent, nil
}
