package xhci

import (
	"context"
	"time"

	"github.com/ardnew/xhcidump/hal"
	"github.com/ardnew/xhcidump/pkg"
)

// pollEvent blocks until the Event Ring's dequeue cursor holds a new
// event (C == CCS), advances past it, republishes ERDP, and returns it.
// It never inspects the event's type — callers classify and dispatch.
func (c *Controller) pollEvent(ctx context.Context, timeout time.Duration) (TRB, error) {
	deadline := time.Now().Add(timeout)
	for {
		trb, ok, err := c.evtRing.Peek(ctx)
		if err != nil {
			return TRB{}, err
		}
		if ok {
			c.evtRing.Advance()
			addr := c.evtRing.DequeueAddr()
			if err := c.bus.Write32(ctx, RegERDP, uint32(addr)); err != nil {
				return TRB{}, err
			}
			if err := c.bus.Write32(ctx, RegERDP+4, uint32(addr>>32)); err != nil {
				return TRB{}, err
			}
			return trb, nil
		}
		if time.Now().After(deadline) {
			return TRB{}, pkg.ErrTimeout
		}
		select {
		case <-ctx.Done():
			return TRB{}, ctx.Err()
		case <-time.After(10 * time.Microsecond):
		}
	}
}

// waitForCommand blocks until a COMMAND_COMPLETION event whose Pointer
// equals trbAddr appears, dispatching unrelated events to dispatchEvent
// along the way. On timeout it aborts the Command Ring (CS|CA in CRCR)
// and waits for either the delayed completion or a COMMAND_RING_STOPPED
// event, returning whichever completion code arrives.
func (c *Controller) waitForCommand(ctx context.Context, trbAddr uint64) (uint8, error) {
	cc, err := c.awaitCommandCompletion(ctx, trbAddr, c.opt.CommandTimeout)
	if err == nil {
		return cc, nil
	}
	if err != pkg.ErrTimeout {
		return 0, err
	}

	pkg.LogWarn(pkg.ComponentXHCI, "command timed out, aborting ring", "addr", trbAddr)
	crcrLo, err := c.bus.Read32(ctx, RegCRCR)
	if err != nil {
		return 0, err
	}
	if err := c.bus.Write32(ctx, RegCRCR, crcrLo|CRCRCommandStop|CRCRCommandAbort); err != nil {
		return 0, err
	}

	for {
		trb, err := c.pollEvent(ctx, c.opt.CommandTimeout)
		if err != nil {
			return 0, err
		}
		if trb.Type() != TypeCommandCompletion {
			c.dispatchEvent(trb)
			continue
		}
		cc := trb.CompletionCode()
		if trb.Pointer() == trbAddr || cc == CCCommandRingStopped {
			return cc, nil
		}
		c.dispatchEvent(trb)
	}
}

func (c *Controller) awaitCommandCompletion(ctx context.Context, trbAddr uint64, timeout time.Duration) (uint8, error) {
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return 0, pkg.ErrTimeout
		}
		trb, err := c.pollEvent(ctx, remaining)
		if err != nil {
			return 0, err
		}
		if trb.Type() == TypeCommandCompletion && trb.Pointer() == trbAddr {
			return trb.CompletionCode(), nil
		}
		c.dispatchEvent(trb)
	}
}

// dispatchEvent handles an event the current waiter wasn't expecting
// (e.g. a port-status-change arriving during a command wait). Unmatched
// events must never stall the correlator, so this only logs.
func (c *Controller) dispatchEvent(trb TRB) {
	pkg.LogDebug(pkg.ComponentXHCI, "unmatched event", "type", trb.Type(), "cc", trb.CompletionCode())
}

// Noop issues a NOOP command and returns its completion code.
func (c *Controller) Noop(ctx context.Context) (uint8, error) {
	trb := Make(TypeNoopCmd)
	addr, err := c.cmdRing.Enqueue(ctx, trb)
	if err != nil {
		return 0, err
	}
	if err := c.RingDoorbell(ctx, 0, 0); err != nil {
		return 0, err
	}
	return c.waitForCommand(ctx, addr)
}

// EnableSlot issues ENABLE_SLOT and returns the assigned slot ID, which
// is guaranteed <= MaxSlots() on success. It waits for its completion
// with its own loop rather than waitForCommand: on timeout it returns
// pkg.ErrTimeout without aborting the Command Ring.
func (c *Controller) EnableSlot(ctx context.Context) (uint8, uint8, error) {
	trb := Make(TypeEnableSlotCmd)
	addr, err := c.cmdRing.Enqueue(ctx, trb)
	if err != nil {
		return 0, 0, err
	}
	if err := c.RingDoorbell(ctx, 0, 0); err != nil {
		return 0, 0, err
	}

	deadline := time.Now().Add(c.opt.CommandTimeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return CCInvalid, 0, pkg.ErrTimeout
		}
		ev, err := c.pollEvent(ctx, remaining)
		if err != nil {
			return 0, 0, err
		}
		if ev.Type() == TypeCommandCompletion && ev.Pointer() == addr {
			return ev.CompletionCode(), ev.SlotID(), nil
		}
		c.dispatchEvent(ev)
	}
}

// AddressDevice issues ADDRESS_DEVICE for slotID with the input context
// at inputCtxAddr. On SUCCESS the controller has written a valid Slot +
// EP0 context into the DCBAA entry and the EP0 transfer ring is ready.
func (c *Controller) AddressDevice(ctx context.Context, slotID uint8, inputCtxAddr uint64) (uint8, error) {
	trb := Make(TypeAddressDeviceCmd)
	trb.SetPointer(inputCtxAddr)
	trb.SetSlotID(slotID)
	addr, err := c.cmdRing.Enqueue(ctx, trb)
	if err != nil {
		return 0, err
	}
	if err := c.RingDoorbell(ctx, 0, 0); err != nil {
		return 0, err
	}
	return c.waitForCommand(ctx, addr)
}

// ConfigureEndpoint issues CONFIGURE_ENDPOINT for slotID with the given
// input context. Passing configID==0 sets the Deconfigure (DC) bit.
func (c *Controller) ConfigureEndpoint(ctx context.Context, slotID uint8, configID uint8, inputCtxAddr uint64) (uint8, error) {
	trb := Make(TypeConfigureEPCmd)
	trb.SetPointer(inputCtxAddr)
	trb.SetSlotID(slotID)
	if configID == 0 {
		trb.SetDC(true)
	}
	addr, err := c.cmdRing.Enqueue(ctx, trb)
	if err != nil {
		return 0, err
	}
	if err := c.RingDoorbell(ctx, 0, 0); err != nil {
		return 0, err
	}
	return c.waitForCommand(ctx, addr)
}

// DCBAA exposes the controller's Device Context Base Address Array for
// callers (enumeration) that need to publish or inspect slot pointers.
func (c *Controller) DCBAA() *DeviceContextArray { return c.dcbaa }

// Mem exposes the controller's physical-memory capability for callers
// that allocate their own DMA buffers (input contexts, transfer rings).
func (c *Controller) Mem() hal.HostMem { return c.mem }
