package usb

import (
	"context"

	"github.com/ardnew/xhcidump/hal"
	"github.com/ardnew/xhcidump/xhci"
)

// Controller is the capability this package requires of a host controller
// transport. It is satisfied structurally by *xhci.Controller; this
// package depends on the concrete xhci types it needs (TRB contexts,
// rings) directly, since xhci itself never imports usb — only this
// package imports xhci, so no cycle exists. The interface exists anyway
// so enumeration and the class drivers built on it can be tested against
// a fake without touching real DMA memory.
type Controller interface {
	EnableSlot(ctx context.Context) (cc uint8, slotID uint8, err error)
	AddressDevice(ctx context.Context, slotID uint8, inputCtxAddr uint64) (cc uint8, err error)
	ConfigureEndpoint(ctx context.Context, slotID uint8, configID uint8, inputCtxAddr uint64) (cc uint8, err error)
	Control(ctx context.Context, slotID uint8, mps uint16, dir uint8, setup [8]byte, buf []byte) (int, error)
	Bulk(ctx context.Context, slotID uint8, epIdx int, mps uint16, dir uint8, buf []byte) (int, error)
	RegisterEndpointRing(slotID uint8, epIdx int, ring *xhci.TransferRing)
	DCBAA() *xhci.DeviceContextArray
	Mem() hal.HostMem
	MaxSlots() int
	TransferRingSlots() int
}

// Hub is the capability this package requires of a root hub: everything
// past port-attach (debounce/reset/speed-detect) is already handled by
// xhci.RootHub.Attach, so enumeration only ever calls this one method.
type Hub interface {
	Attach(ctx context.Context, port int) (speed int, err error)
}

var (
	_ Controller = (*xhci.Controller)(nil)
	_ Hub        = (*xhci.RootHub)(nil)
)
