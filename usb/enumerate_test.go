package usb

import (
	"context"
	"errors"
	"testing"

	"github.com/ardnew/xhcidump/hal"
	"github.com/ardnew/xhcidump/hal/sim"
	"github.com/ardnew/xhcidump/xhci"
)

// fakeController is a minimal Controller stand-in for the enumeration
// steps under test (getDescriptor, setConfiguration, setAddress,
// finishDeviceConfig); every command it answers completes with CCSuccess.
type fakeController struct {
	controlN      []int
	controlErr    []error
	controlCalls  int
	lastSetup     [8]byte
	maxSlots      int
	transferSlots int
	mem           hal.HostMem
	dcbaa         *xhci.DeviceContextArray
	lastInputCtx  uint64
}

func (f *fakeController) EnableSlot(ctx context.Context) (uint8, uint8, error) {
	return xhci.CCSuccess, 1, nil
}
func (f *fakeController) AddressDevice(ctx context.Context, slotID uint8, inputCtxAddr uint64) (uint8, error) {
	f.lastInputCtx = inputCtxAddr
	return xhci.CCSuccess, nil
}
func (f *fakeController) ConfigureEndpoint(ctx context.Context, slotID uint8, configID uint8, inputCtxAddr uint64) (uint8, error) {
	f.lastInputCtx = inputCtxAddr
	return xhci.CCSuccess, nil
}
func (f *fakeController) Control(ctx context.Context, slotID uint8, mps uint16, dir uint8, setup [8]byte, buf []byte) (int, error) {
	f.lastSetup = setup
	i := f.controlCalls
	f.controlCalls++
	if i < len(f.controlErr) && f.controlErr[i] != nil {
		return 0, f.controlErr[i]
	}
	n := len(buf)
	if i < len(f.controlN) {
		n = f.controlN[i]
	}
	return n, nil
}
func (f *fakeController) Bulk(ctx context.Context, slotID uint8, epIdx int, mps uint16, dir uint8, buf []byte) (int, error) {
	return len(buf), nil
}
func (f *fakeController) RegisterEndpointRing(slotID uint8, epIdx int, ring *xhci.TransferRing) {}
func (f *fakeController) DCBAA() *xhci.DeviceContextArray                                       { return f.dcbaa }
func (f *fakeController) Mem() hal.HostMem                                                      { return f.mem }
func (f *fakeController) MaxSlots() int                                                         { return f.maxSlots }
func (f *fakeController) TransferRingSlots() int                                                { return f.transferSlots }

var _ Controller = (*fakeController)(nil)

func TestGetDescriptor_SucceedsFirstTry(t *testing.T) {
	c := &fakeController{}
	dev := &Device{MaxPacketSize: 64}
	buf := make([]byte, 8)

	n, err := getDescriptor(context.Background(), c, dev, DescriptorTypeDevice, 0, 0, buf)
	if err != nil {
		t.Fatalf("getDescriptor: %v", err)
	}
	if n != 8 {
		t.Errorf("n = %d, want 8", n)
	}
	if c.controlCalls != 1 {
		t.Errorf("Control called %d times, want 1", c.controlCalls)
	}
}

func TestGetDescriptor_RetriesThenSucceeds(t *testing.T) {
	c := &fakeController{controlErr: []error{errors.New("stall"), nil}, controlN: []int{0, 8}}
	dev := &Device{MaxPacketSize: 64}
	buf := make([]byte, 8)

	n, err := getDescriptor(context.Background(), c, dev, DescriptorTypeDevice, 0, 0, buf)
	if err != nil {
		t.Fatalf("getDescriptor: %v", err)
	}
	if n != 8 {
		t.Errorf("n = %d, want 8", n)
	}
	if c.controlCalls != 2 {
		t.Errorf("Control called %d times, want 2", c.controlCalls)
	}
}

func TestGetDescriptor_ExhaustsRetries(t *testing.T) {
	stall := errors.New("stall")
	c := &fakeController{controlErr: []error{stall, stall, stall}}
	dev := &Device{MaxPacketSize: 64}
	buf := make([]byte, 8)

	_, err := getDescriptor(context.Background(), c, dev, DescriptorTypeDevice, 0, 0, buf)
	if err != stall {
		t.Fatalf("getDescriptor() err = %v, want %v", err, stall)
	}
	if c.controlCalls != descriptorRetries {
		t.Errorf("Control called %d times, want %d", c.controlCalls, descriptorRetries)
	}
}

// newAddressableFakeController returns a fakeController wired with a
// real hal/sim memory backend and DCBAA, so setAddress/finishDeviceConfig
// can allocate and encode a real InputContext for inspection.
func newAddressableFakeController(t *testing.T) *fakeController {
	t.Helper()
	mem := sim.NewMem(1 << 20)
	dcbaaAddr, err := mem.Alloc(8*8, 64)
	if err != nil {
		t.Fatalf("alloc dcbaa: %v", err)
	}
	return &fakeController{
		maxSlots:      7,
		transferSlots: 4,
		mem:           mem,
		dcbaa:         xhci.NewDeviceContextArray(mem, dcbaaAddr, 8),
	}
}

func TestSetAddress_RouteStringFromPort(t *testing.T) {
	tests := []struct {
		port int
		want uint32
	}{
		{1, 1},
		{4, 4},
		{17, 1}, // port & 0xf keeps only the port's low nibble
	}
	for _, tt := range tests {
		t.Run("", func(t *testing.T) {
			c := newAddressableFakeController(t)
			ctx := context.Background()

			if _, err := setAddress(ctx, c, tt.port, SpeedFull); err != nil {
				t.Fatalf("setAddress(port=%d): %v", tt.port, err)
			}

			// The Slot Context sits in the second 32-byte block of the
			// encoded Input Context, right after the add/drop control block.
			var raw [xhci.ContextSize]byte
			if err := c.mem.Read(ctx, c.lastInputCtx+xhci.ContextSize, raw[:]); err != nil {
				t.Fatalf("read input context slot block: %v", err)
			}
			var slot xhci.SlotContext
			copy(slot[:], raw[:])
			if got := slot.RouteString(); got != tt.want {
				t.Errorf("RouteString() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestFinishDeviceConfig_RouteStringFromPort(t *testing.T) {
	c := newAddressableFakeController(t)
	ctx := context.Background()

	dev := &Device{
		SlotID: 1,
		Port:   9,
		Speed:  SpeedFull,
		Endpoints: []Endpoint{
			{
				Descriptor: EndpointDescriptor{EndpointAddress: 0x81, Attributes: EndpointTypeBulk, MaxPacketSize: 64},
				DCI:        xhci.EndpointID(1, true),
			},
		},
	}

	if err := finishDeviceConfig(ctx, c, dev); err != nil {
		t.Fatalf("finishDeviceConfig: %v", err)
	}

	var raw [xhci.ContextSize]byte
	if err := c.mem.Read(ctx, c.lastInputCtx+xhci.ContextSize, raw[:]); err != nil {
		t.Fatalf("read input context slot block: %v", err)
	}
	var slot xhci.SlotContext
	copy(slot[:], raw[:])
	if got, want := slot.RouteString(), uint32(9); got != want {
		t.Errorf("RouteString() = %d, want %d", got, want)
	}
}

func TestSetConfiguration(t *testing.T) {
	c := &fakeController{}
	dev := &Device{MaxPacketSize: 64}

	if err := setConfiguration(context.Background(), c, dev, 1); err != nil {
		t.Fatalf("setConfiguration: %v", err)
	}
	if dev.ConfigValue != 1 {
		t.Errorf("ConfigValue = %d, want 1", dev.ConfigValue)
	}
	if dev.State != DeviceStateConfigured {
		t.Errorf("State = %v, want DeviceStateConfigured", dev.State)
	}
	if c.lastSetup[1] != RequestSetConfiguration {
		t.Errorf("setup.Request = 0x%02x, want SET_CONFIGURATION", c.lastSetup[1])
	}
}

func TestParseConfigurationTree(t *testing.T) {
	// One configuration header, one interface, two endpoints (bulk IN/OUT).
	data := []byte{
		9, DescriptorTypeConfiguration,
		9 + 9 + 7 + 7, 0,
		1, 1, 0, 0xA0, 50,

		9, DescriptorTypeInterface,
		0, 0, 2, 0xFF, 0, 0, 0,

		7, DescriptorTypeEndpoint,
		0x81, EndpointTypeBulk, 64, 0, 0,

		7, DescriptorTypeEndpoint,
		0x02, EndpointTypeBulk, 64, 0, 0,
	}

	dev := &Device{}
	parseConfigurationTree(data, dev)

	if len(dev.Interfaces) != 1 {
		t.Fatalf("len(Interfaces) = %d, want 1", len(dev.Interfaces))
	}
	if len(dev.Endpoints) != 2 {
		t.Fatalf("len(Endpoints) = %d, want 2", len(dev.Endpoints))
	}
	if dev.Endpoints[0].DCI != xhci.EndpointID(1, true) {
		t.Errorf("Endpoints[0].DCI = %d, want %d", dev.Endpoints[0].DCI, xhci.EndpointID(1, true))
	}
	if dev.Endpoints[1].DCI != xhci.EndpointID(2, false) {
		t.Errorf("Endpoints[1].DCI = %d, want %d", dev.Endpoints[1].DCI, xhci.EndpointID(2, false))
	}
}

func TestParseConfigurationTree_TruncatedHeader(t *testing.T) {
	dev := &Device{}
	parseConfigurationTree([]byte{1, 2, 3}, dev)
	if len(dev.Interfaces) != 0 || len(dev.Endpoints) != 0 {
		t.Error("truncated configuration data should produce no interfaces or endpoints")
	}
}

func TestEpTypeFor(t *testing.T) {
	tests := []struct {
		name string
		ep   EndpointDescriptor
		want uint8
	}{
		{"bulk-in", EndpointDescriptor{EndpointAddress: 0x81, Attributes: EndpointTypeBulk}, xhci.EPTypeBulkIn},
		{"bulk-out", EndpointDescriptor{EndpointAddress: 0x02, Attributes: EndpointTypeBulk}, xhci.EPTypeBulkOut},
		{"intr-in", EndpointDescriptor{EndpointAddress: 0x83, Attributes: EndpointTypeInterrupt}, xhci.EPTypeInterruptIn},
		{"intr-out", EndpointDescriptor{EndpointAddress: 0x04, Attributes: EndpointTypeInterrupt}, xhci.EPTypeInterruptOut},
		{"iso-in", EndpointDescriptor{EndpointAddress: 0x85, Attributes: EndpointTypeIsochronous}, xhci.EPTypeIsochIn},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := epTypeFor(tt.ep); got != tt.want {
				t.Errorf("epTypeFor() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestIntervalExponent(t *testing.T) {
	tests := []struct {
		microframes uint32
		want        uint8
	}{
		{1, 0},
		{125, 7},
		{1000, 10},
	}
	for _, tt := range tests {
		if got := intervalExponent(tt.microframes); got != tt.want {
			t.Errorf("intervalExponent(%d) = %d, want %d", tt.microframes, got, tt.want)
		}
	}
}
