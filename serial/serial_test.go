package serial

import (
	"context"
	"testing"

	"github.com/ardnew/xhcidump/hal"
	"github.com/ardnew/xhcidump/usb"
	"github.com/ardnew/xhcidump/xhci"
)

// fakeController is the minimal usb.Controller stand-in this package's
// tests drive; only Bulk is ever exercised by URB.Submit.
type fakeController struct {
	bulkCalls []fakeBulkCall
	bulkN     int
	bulkErr   error
}

type fakeBulkCall struct {
	slotID uint8
	epIdx  int
	mps    uint16
	dir    uint8
	buf    []byte
}

func (f *fakeController) EnableSlot(ctx context.Context) (uint8, uint8, error) { return 0, 0, nil }
func (f *fakeController) AddressDevice(ctx context.Context, slotID uint8, inputCtxAddr uint64) (uint8, error) {
	return 0, nil
}
func (f *fakeController) ConfigureEndpoint(ctx context.Context, slotID uint8, configID uint8, inputCtxAddr uint64) (uint8, error) {
	return 0, nil
}
func (f *fakeController) Control(ctx context.Context, slotID uint8, mps uint16, dir uint8, setup [8]byte, buf []byte) (int, error) {
	return 0, nil
}
func (f *fakeController) Bulk(ctx context.Context, slotID uint8, epIdx int, mps uint16, dir uint8, buf []byte) (int, error) {
	f.bulkCalls = append(f.bulkCalls, fakeBulkCall{slotID, epIdx, mps, dir, buf})
	if f.bulkErr != nil {
		return 0, f.bulkErr
	}
	if f.bulkN != 0 {
		return f.bulkN, nil
	}
	return len(buf), nil
}
func (f *fakeController) RegisterEndpointRing(slotID uint8, epIdx int, ring *xhci.TransferRing) {}
func (f *fakeController) DCBAA() *xhci.DeviceContextArray                                       { return nil }
func (f *fakeController) Mem() hal.HostMem                                                      { return nil }
func (f *fakeController) MaxSlots() int                                                         { return 32 }
func (f *fakeController) TransferRingSlots() int                                                { return 64 }

var _ usb.Controller = (*fakeController)(nil)

func testDeviceWithEndpoints() *usb.Device {
	return &usb.Device{
		SlotID: 3,
		Endpoints: []usb.Endpoint{
			{Descriptor: usb.EndpointDescriptor{EndpointAddress: 0x02, Attributes: usb.EndpointTypeBulk, MaxPacketSize: 64}, DCI: 4},
			{Descriptor: usb.EndpointDescriptor{EndpointAddress: 0x81, Attributes: usb.EndpointTypeBulk, MaxPacketSize: 64}, DCI: 3},
		},
	}
}

func TestNewPort_RequiresBulkOut(t *testing.T) {
	dev := &usb.Device{Endpoints: []usb.Endpoint{
		{Descriptor: usb.EndpointDescriptor{EndpointAddress: 0x81, Attributes: usb.EndpointTypeBulk}},
	}}
	if _, err := NewPort(&fakeController{}, dev); err != ErrNoBulkOut {
		t.Fatalf("NewPort() = %v, want ErrNoBulkOut", err)
	}
}

func TestNewPort_DiscoversEndpoints(t *testing.T) {
	port, err := NewPort(&fakeController{}, testDeviceWithEndpoints())
	if err != nil {
		t.Fatalf("NewPort: %v", err)
	}
	if port.writeEP == nil || port.writeEP.Descriptor.EndpointAddress != 0x02 {
		t.Error("NewPort did not discover the bulk OUT endpoint")
	}
	if port.readEP == nil || port.readEP.Descriptor.EndpointAddress != 0x81 {
		t.Error("NewPort did not discover the bulk IN endpoint")
	}
	if port.MaxPacketSize() != 64 {
		t.Errorf("MaxPacketSize() = %d, want 64", port.MaxPacketSize())
	}
}

func TestPort_Write(t *testing.T) {
	ctrl := &fakeController{}
	port, err := NewPort(ctrl, testDeviceWithEndpoints())
	if err != nil {
		t.Fatalf("NewPort: %v", err)
	}

	n, err := port.Write(context.Background(), []byte{1, 2, 3, 4})
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if n != 4 {
		t.Errorf("Write() = %d, want 4", n)
	}
	if len(ctrl.bulkCalls) != 1 {
		t.Fatalf("Bulk called %d times, want 1", len(ctrl.bulkCalls))
	}
	call := ctrl.bulkCalls[0]
	if call.slotID != 3 {
		t.Errorf("slotID = %d, want 3", call.slotID)
	}
	if call.epIdx != 4 {
		t.Errorf("epIdx = %d, want 4 (bulk OUT DCI)", call.epIdx)
	}
	if call.dir != xhci.DirOut {
		t.Errorf("dir = %d, want DirOut", call.dir)
	}
}

func TestPort_Read_NoBulkIn(t *testing.T) {
	dev := &usb.Device{Endpoints: []usb.Endpoint{
		{Descriptor: usb.EndpointDescriptor{EndpointAddress: 0x02, Attributes: usb.EndpointTypeBulk, MaxPacketSize: 64}, DCI: 4},
	}}
	port, err := NewPort(&fakeController{}, dev)
	if err != nil {
		t.Fatalf("NewPort: %v", err)
	}
	if _, err := port.Read(context.Background(), make([]byte, 8)); err == nil {
		t.Error("Read() should fail when the device has no bulk IN endpoint")
	}
}
