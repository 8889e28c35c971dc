// Package serial implements a USB-serial port abstraction over a bulk
// endpoint pair: endpoint discovery and a URB (USB Request Block) that
// dispatches writes to the bulk transfer engine.
package serial

import (
	"context"
	"errors"

	"github.com/ardnew/xhcidump/pkg"
	"github.com/ardnew/xhcidump/usb"
	"github.com/ardnew/xhcidump/xhci"
)

// ErrNoBulkOut is returned when a device exposes no bulk OUT endpoint to
// write through.
var ErrNoBulkOut = errors.New("serial: device has no bulk OUT endpoint")

// Port discovers the first BULK-OUT endpoint (the write pipe) and, if
// present, the INTERRUPT-IN endpoint of an enumerated device, mirroring
// USBSerialPort.init_urbs.
type Port struct {
	ctrl usb.Controller
	dev  *usb.Device

	writeEP *usb.Endpoint
	readEP  *usb.Endpoint
	intrEP  *usb.Endpoint
}

// NewPort builds a Port over dev, returning ErrNoBulkOut if dev has no
// bulk OUT endpoint — every other endpoint role is optional.
func NewPort(ctrl usb.Controller, dev *usb.Device) (*Port, error) {
	writeEP := dev.FirstBulkOut()
	if writeEP == nil {
		return nil, ErrNoBulkOut
	}
	return &Port{
		ctrl:    ctrl,
		dev:     dev,
		writeEP: writeEP,
		readEP:  dev.FirstBulkIn(),
		intrEP:  dev.FirstInterruptIn(),
	}, nil
}

// MaxPacketSize returns the write endpoint's wMaxPacketSize, the chunk
// boundary callers (memdump) should respect.
func (p *Port) MaxPacketSize() int { return int(p.writeEP.Descriptor.MaxPacketSize) }

// Write submits a write URB carrying data to the bulk OUT endpoint and
// returns the number of bytes the controller reported transferred.
func (p *Port) Write(ctx context.Context, data []byte) (int, error) {
	urb := &URB{port: p, ep: p.writeEP, dir: xhci.DirOut, buf: data}
	return urb.Submit(ctx)
}

// Read submits a read URB against the bulk IN endpoint, if one exists.
func (p *Port) Read(ctx context.Context, buf []byte) (int, error) {
	if p.readEP == nil {
		return 0, errors.New("serial: device has no bulk IN endpoint")
	}
	urb := &URB{port: p, ep: p.readEP, dir: xhci.DirIn, buf: buf}
	return urb.Submit(ctx)
}

// URB is a single USB Request Block: an endpoint plus a transfer buffer.
// Submit dispatches it to the controller's bulk transfer path, the way
// the original USBSerialGeneric.write_start hands its urb.transfer_buffer
// to urb.submit().
type URB struct {
	port *Port
	ep   *usb.Endpoint
	dir  uint8
	buf  []byte
}

// Submit runs the URB to completion and returns the transferred byte
// count. There is no asynchronous completion queue here: Submit blocks on
// the caller's goroutine exactly the way xhci.Controller.Bulk does,
// matching the single-threaded scheduling model the rest of this stack
// uses.
func (u *URB) Submit(ctx context.Context) (int, error) {
	pkg.LogDebug(pkg.ComponentSerial, "submitting urb", "ep", u.ep.Descriptor.EndpointAddress, "len", len(u.buf))
	mps := u.ep.Descriptor.MaxPacketSize
	return u.port.ctrl.Bulk(ctx, u.port.dev.SlotID, u.ep.DCI, mps, u.dir, u.buf)
}
