package xhci

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/ardnew/xhcidump/pkg"
)

// epKey packs a slot/endpoint pair into the map key the transfer engine
// uses to look up a registered TransferRing or its tracked endpoint state.
func epKey(slotID uint8, epIdx int) uint16 {
	return uint16(slotID)<<8 | uint16(epIdx)
}

// RegisterEndpointRing records ring as the transfer ring for (slotID,
// epIdx) and marks the endpoint Running. Enumeration calls this once for
// EP0 right after AddressDevice and again for every endpoint
// FinishDeviceConfig adds.
func (c *Controller) RegisterEndpointRing(slotID uint8, epIdx int, ring *TransferRing) {
	key := epKey(slotID, epIdx)
	c.epRings[key] = ring
	if c.epState == nil {
		c.epState = make(map[uint16]uint8)
	}
	c.epState[key] = EPStateRunning
}

// EndpointRing returns the transfer ring registered for (slotID, epIdx).
func (c *Controller) EndpointRing(slotID uint8, epIdx int) (*TransferRing, bool) {
	r, ok := c.epRings[epKey(slotID, epIdx)]
	return r, ok
}

// ResetEndpoint issues RESET_ENDPOINT for (slotID, epIdx) and, on success,
// marks the endpoint Running again so a subsequent Control/Bulk call does
// not re-trigger the reset.
func (c *Controller) ResetEndpoint(ctx context.Context, slotID uint8, epIdx int) (uint8, error) {
	trb := Make(TypeResetEndpointCmd)
	trb.SetSlotID(slotID)
	trb.SetEndpointID(uint8(epIdx))
	addr, err := c.cmdRing.Enqueue(ctx, trb)
	if err != nil {
		return 0, err
	}
	if err := c.RingDoorbell(ctx, 0, 0); err != nil {
		return 0, err
	}
	cc, err := c.waitForCommand(ctx, addr)
	if err == nil && IsSuccess(cc) {
		if c.epState == nil {
			c.epState = make(map[uint16]uint8)
		}
		c.epState[epKey(slotID, epIdx)] = EPStateRunning
	}
	return cc, err
}

// waitForTransferEvents blocks until exactly n EV_TRANSFER events
// correlated to (slotID, epIdx) have been observed, dispatching every
// other event (command completions, port-status changes) to dispatchEvent
// along the way, and returns their completion codes and transfer lengths
// in submission order.
func (c *Controller) waitForTransferEvents(ctx context.Context, slotID uint8, epIdx int, n int, timeout time.Duration) ([]TRB, error) {
	deadline := time.Now().Add(timeout)
	events := make([]TRB, 0, n)
	for len(events) < n {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return events, pkg.ErrTimeout
		}
		ev, err := c.pollEvent(ctx, remaining)
		if err != nil {
			return events, err
		}
		if ev.Type() == TypeTransferEvent && ev.SlotID() == slotID && ev.EndpointID() == uint8(epIdx) {
			events = append(events, ev)
			continue
		}
		c.dispatchEvent(ev)
	}
	return events, nil
}

// Control performs a control transfer on EP0 of slotID: SETUP_STAGE,
// optional DATA_STAGE TD, STATUS_STAGE, per the transfer engine contract
// in SPEC_FULL.md §4.4. setup is the raw 8-byte USB setup packet. buf is
// the caller's data buffer: source for dir==OUT, destination for
// dir==IN. It returns the number of bytes actually transferred.
func (c *Controller) Control(ctx context.Context, slotID uint8, mps uint16, dir uint8, setup [8]byte, buf []byte) (int, error) {
	const ep0 = 1
	ring, ok := c.EndpointRing(slotID, ep0)
	if !ok {
		return 0, fmt.Errorf("xhci: no EP0 ring registered for slot %d", slotID)
	}

	key := epKey(slotID, ep0)
	if st, ok := c.epState[key]; ok && st > EPStateRunning {
		if _, err := c.ResetEndpoint(ctx, slotID, ep0); err != nil {
			return 0, err
		}
	}

	dataLen := len(buf)
	if dataLen > c.bounceSize {
		return 0, pkg.NewRingFullError("bounce buffer")
	}
	if dir == DirOut && dataLen > 0 {
		if err := c.mem.Write(ctx, c.bounce, buf); err != nil {
			return 0, err
		}
	}

	setupTRB := Make(TypeSetupStage)
	setupTRB.SetIDT(true)
	setupTRB.SetTransferLength(8)
	trt := TRTNoData
	if dataLen > 0 {
		if dir == DirIn {
			trt = TRTInData
		} else {
			trt = TRTOutData
		}
	}
	setupTRB.SetTRT(trt)
	setupTRB.SetPtrLo(binary.LittleEndian.Uint32(setup[0:4]))
	setupTRB.SetPtrHi(binary.LittleEndian.Uint32(setup[4:8]))
	if _, err := ring.enqueue(ctx, setupTRB); err != nil {
		return 0, err
	}

	nStages := 2
	if dataLen > 0 {
		nStages = 3
		if _, err := ring.EnqueueTD(ctx, uint64(mps), c.bounce, dataLen, dir); err != nil {
			return 0, err
		}
	}

	statusDir := uint8(DirIn)
	if dataLen > 0 && dir == DirIn {
		statusDir = DirOut
	}
	statusTRB := Make(TypeStatusStage)
	statusTRB.SetDirection(statusDir)
	statusTRB.SetIOC(true)
	if _, err := ring.enqueue(ctx, statusTRB); err != nil {
		return 0, err
	}

	if err := c.RingDoorbell(ctx, slotID, ep0); err != nil {
		return 0, err
	}

	events, err := c.waitForTransferEvents(ctx, slotID, ep0, nStages, c.opt.TransferTimeout)
	if err != nil {
		return 0, err
	}

	transferred := 0
	for _, ev := range events {
		cc := ev.CompletionCode()
		if !IsSuccess(cc) {
			c.epState[key] = EPStateError
			return 0, &pkg.CompletionError{Code: cc, Op: "control"}
		}
		transferred += int(ev.TransferLength())
	}
	if transferred > dataLen {
		transferred = dataLen
	}

	if dir == DirIn && transferred > 0 {
		if err := c.mem.Read(ctx, c.bounce, buf[:transferred]); err != nil {
			return 0, err
		}
	}
	return transferred, nil
}

// Bulk performs a single-TD bulk transfer on endpoint epIdx (the Device
// Context Index, per EndpointID) of slotID, moving len(buf) bytes in
// direction dir.
func (c *Controller) Bulk(ctx context.Context, slotID uint8, epIdx int, mps uint16, dir uint8, buf []byte) (int, error) {
	ring, ok := c.EndpointRing(slotID, epIdx)
	if !ok {
		return 0, fmt.Errorf("xhci: no ring registered for slot %d endpoint %d", slotID, epIdx)
	}

	key := epKey(slotID, epIdx)
	if st, ok := c.epState[key]; ok && st > EPStateRunning {
		if _, err := c.ResetEndpoint(ctx, slotID, epIdx); err != nil {
			return 0, err
		}
	}

	dataLen := len(buf)
	if dataLen > c.bounceSize {
		return 0, pkg.NewRingFullError("bounce buffer")
	}
	if dir == DirOut && dataLen > 0 {
		if err := c.mem.Write(ctx, c.bounce, buf); err != nil {
			return 0, err
		}
	}

	if _, err := ring.EnqueueTD(ctx, uint64(mps), c.bounce, dataLen, dir); err != nil {
		return 0, err
	}
	if err := c.RingDoorbell(ctx, slotID, uint8(epIdx)); err != nil {
		return 0, err
	}

	events, err := c.waitForTransferEvents(ctx, slotID, epIdx, 1, c.opt.TransferTimeout)
	if err != nil {
		return 0, err
	}

	ev := events[0]
	cc := ev.CompletionCode()
	if !IsSuccess(cc) {
		c.epState[key] = EPStateError
		return 0, &pkg.CompletionError{Code: cc, Op: "bulk"}
	}
	transferred := int(ev.TransferLength())
	if transferred > dataLen {
		transferred = dataLen
	}
	if dir == DirIn && transferred > 0 {
		if err := c.mem.Read(ctx, c.bounce, buf[:transferred]); err != nil {
			return 0, err
		}
	}
	return transferred, nil
}
