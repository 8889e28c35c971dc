package usb

import (
	"context"
	"errors"
	"time"

	"github.com/ardnew/xhcidump/pkg"
	"github.com/ardnew/xhcidump/xhci"
)

// Enumeration errors.
var (
	ErrEnumerationFailed = errors.New("usb: enumeration failed")
	ErrNoAddress         = errors.New("usb: no address available")
)

const descriptorRetries = 3
const descriptorRetryDelay = 10 * time.Microsecond

// Attach runs the full device-attach flow for one root-hub port: it
// drives the hub through its low-level port FSM, then assigns an address,
// reads descriptors, parses the configuration tree, and issues
// SET_CONFIGURATION. It returns the enumerated Device, or
// pkg.ErrNoDevice if the hub reports nothing connected (not an error —
// the caller should simply skip the port).
func Attach(ctx context.Context, c Controller, hub Hub, port int) (*Device, error) {
	speedField, err := hub.Attach(ctx, port)
	if err != nil {
		return nil, err
	}
	speed := Speed(speedField)

	pkg.LogInfo(pkg.ComponentUSB, "device attached", "port", port, "speed", speed)

	dev, err := setAddress(ctx, c, port, speed)
	if err != nil {
		return nil, err
	}

	if err := readDeviceDescriptor(ctx, c, dev); err != nil {
		return nil, err
	}
	if err := readConfigurationDescriptor(ctx, c, dev); err != nil {
		return nil, err
	}
	if err := finishDeviceConfig(ctx, c, dev); err != nil {
		return nil, err
	}
	if err := setConfiguration(ctx, c, dev, dev.Config.ConfigurationValue); err != nil {
		return nil, err
	}

	pkg.LogInfo(pkg.ComponentUSB, "device configured",
		"vendorID", dev.Descriptor.VendorID,
		"productID", dev.Descriptor.ProductID,
		"config", dev.ConfigValue)

	return dev, nil
}

// setAddress implements the controller.set_address step of §4.6: enable a
// slot, build an Input Context with EP0's defaults for this speed, and
// issue ADDRESS_DEVICE.
func setAddress(ctx context.Context, c Controller, port int, speed Speed) (*Device, error) {
	cc, slotID, err := c.EnableSlot(ctx)
	if err != nil {
		return nil, err
	}
	if !xhci.IsSuccess(cc) {
		return nil, &pkg.CompletionError{Code: cc, Op: "enable_slot"}
	}

	mps0 := speed.MaxPacketSize0()

	ringAddr, err := c.Mem().Alloc(c.TransferRingSlots()*xhci.TRBSize, 64)
	if err != nil {
		return nil, err
	}
	ring, err := xhci.NewTransferRing(ctx, c.Mem(), ringAddr, c.TransferRingSlots(), xhci.EndpointID(0, false))
	if err != nil {
		return nil, err
	}

	var ic xhci.InputContext
	ic.AddFlags = 0b11 // slot + EP0

	ic.Slot.SetRouteString(uint32(port) & 0xf)
	ic.Slot.SetSpeed(uint8(speed) + 1)
	ic.Slot.SetContextEntries(1)
	ic.Slot.SetRootHubPort(uint8(port))

	ep0 := ic.AddEndpoint(xhci.EndpointID(0, false))
	ep0.SetType(xhci.EPTypeControl)
	ep0.SetMaxPacketSize(mps0)
	ep0.SetErrorCount(3)
	ep0.SetAverageTRBLength(xhci.AvgTRBLengthDefault(xhci.EPTypeControl))
	ep0.SetDequeuePointer(ring.Base(), ring.PCS())

	icAddr, err := c.Mem().Alloc(xhci.InputContextSize, 64)
	if err != nil {
		return nil, err
	}
	if err := c.Mem().Write(ctx, icAddr, ic.Encode()); err != nil {
		return nil, err
	}

	devCtxAddr, err := c.Mem().Alloc(xhci.ContextSize*(1+xhci.MaxEndpoints), 64)
	if err != nil {
		return nil, err
	}
	if err := c.DCBAA().SetSlot(ctx, slotID, devCtxAddr); err != nil {
		return nil, err
	}

	cc, err = c.AddressDevice(ctx, slotID, icAddr)
	if err != nil {
		return nil, err
	}
	if !xhci.IsSuccess(cc) {
		return nil, &pkg.CompletionError{Code: cc, Op: "address_device"}
	}

	c.RegisterEndpointRing(slotID, xhci.EndpointID(0, false), ring)

	dev := &Device{
		SlotID:        slotID,
		Port:          port,
		Speed:         speed,
		MaxPacketSize: mps0,
		State:         DeviceStateAddress,
	}
	return dev, nil
}

// getDescriptor issues GET_DESCRIPTOR, retrying up to descriptorRetries
// times on a short or failed read with a short gap between attempts.
func getDescriptor(ctx context.Context, c Controller, dev *Device, descType, descIndex uint8, langID uint16, buf []byte) (int, error) {
	req := DeviceRequest{
		RequestType: RequestTypeIn | RequestTypeStandard | RequestTypeDevice,
		Request:     RequestGetDescriptor,
		Value:       uint16(descType)<<8 | uint16(descIndex),
		Index:       langID,
		Length:      uint16(len(buf)),
	}

	var lastErr error
	for attempt := 0; attempt < descriptorRetries; attempt++ {
		n, err := c.Control(ctx, dev.SlotID, dev.MaxPacketSize, xhci.DirIn, req.Encode(), buf)
		if err == nil && n >= len(buf) {
			return n, nil
		}
		lastErr = err
		if err == nil {
			lastErr = ErrEnumerationFailed
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(descriptorRetryDelay):
		}
	}
	return 0, lastErr
}

func readDeviceDescriptor(ctx context.Context, c Controller, dev *Device) error {
	var buf8 [8]byte
	if _, err := getDescriptor(ctx, c, dev, DescriptorTypeDevice, 0, 0, buf8[:]); err != nil {
		return err
	}
	if buf8[7] != 0 {
		dev.MaxPacketSize = uint16(buf8[7])
	}

	var buf [DeviceDescriptorSize]byte
	n, err := getDescriptor(ctx, c, dev, DescriptorTypeDevice, 0, 0, buf[:])
	if err != nil {
		return err
	}
	if !ParseDeviceDescriptor(buf[:n], &dev.Descriptor) {
		return ErrEnumerationFailed
	}
	return nil
}

func readConfigurationDescriptor(ctx context.Context, c Controller, dev *Device) error {
	var hdr [ConfigurationDescriptorSize]byte
	if _, err := getDescriptor(ctx, c, dev, DescriptorTypeConfiguration, 0, 0, hdr[:]); err != nil {
		return err
	}
	var cfgHdr ConfigurationDescriptor
	if !ParseConfigurationDescriptor(hdr[:], &cfgHdr) {
		return ErrEnumerationFailed
	}

	total := int(cfgHdr.TotalLength)
	if total > MaxDescriptor {
		total = MaxDescriptor
	}
	buf := make([]byte, total)
	n, err := getDescriptor(ctx, c, dev, DescriptorTypeConfiguration, 0, 0, buf)
	if err != nil {
		return err
	}
	parseConfigurationTree(buf[:n], dev)
	return nil
}

// parseConfigurationTree walks the configuration blob generically: it
// makes no assumption about which device is attached, finding Interface
// descriptors and the Endpoint descriptors that follow each one purely by
// bDescriptorType. This is never short-circuited for CH341, even though
// that is the only device this repository drives in practice.
func parseConfigurationTree(data []byte, dev *Device) {
	if len(data) < ConfigurationDescriptorSize {
		return
	}
	if !ParseConfigurationDescriptor(data, &dev.Config) {
		return
	}

	dev.Interfaces = dev.Interfaces[:0]
	dev.Endpoints = dev.Endpoints[:0]

	offset := ConfigurationDescriptorSize
	for offset < len(data) && offset < int(dev.Config.TotalLength) {
		if offset+2 > len(data) {
			break
		}
		length := int(data[offset])
		descType := data[offset+1]
		if length < 2 || offset+length > len(data) {
			break
		}

		switch descType {
		case DescriptorTypeInterface:
			var iface InterfaceDescriptor
			if ParseInterfaceDescriptor(data[offset:], &iface) {
				dev.Interfaces = append(dev.Interfaces, iface)
			}
		case DescriptorTypeEndpoint:
			var ep EndpointDescriptor
			if ParseEndpointDescriptor(data[offset:], &ep) {
				num := int(ep.Number())
				in := ep.IsIn()
				dev.Endpoints = append(dev.Endpoints, Endpoint{
					Descriptor: ep,
					DCI:        xhci.EndpointID(num, in),
				})
			}
		}

		offset += length
	}
}

// finishDeviceConfig rebuilds an Input Context from the live slot state
// plus one add-entry per newly discovered endpoint, allocates each
// endpoint's transfer ring, and issues CONFIGURE_ENDPOINT.
func finishDeviceConfig(ctx context.Context, c Controller, dev *Device) error {
	if len(dev.Endpoints) == 0 {
		return nil
	}

	var ic xhci.InputContext
	ic.Slot.SetRouteString(uint32(dev.Port) & 0xf)
	ic.Slot.SetSpeed(uint8(dev.Speed) + 1)
	ic.Slot.SetRootHubPort(uint8(dev.Port))

	maxDCI := 1
	for _, ep := range dev.Endpoints {
		if ep.DCI > maxDCI {
			maxDCI = ep.DCI
		}
	}
	ic.Slot.SetContextEntries(uint8(maxDCI))
	ic.AddFlags = 1 // slot

	for _, ep := range dev.Endpoints {
		ring, err := allocEndpointRing(ctx, c)
		if err != nil {
			return err
		}

		epType := epTypeFor(ep.Descriptor)
		epCtx := ic.AddEndpoint(ep.DCI)
		epCtx.SetType(epType)
		epCtx.SetMaxPacketSize(ep.Descriptor.MaxPacketSize)
		epCtx.SetErrorCount(3)
		epCtx.SetAverageTRBLength(xhci.AvgTRBLengthDefault(epType))
		epCtx.SetDequeuePointer(ring.Base(), ring.PCS())

		if ep.Descriptor.IsInterrupt() {
			interval := decodeInterval(dev.Speed, ep.Descriptor.TransferType(), ep.Descriptor.Interval)
			epCtx.SetInterval(intervalExponent(interval / 125))
		}

		c.RegisterEndpointRing(dev.SlotID, ep.DCI, ring)
	}

	icAddr, err := c.Mem().Alloc(xhci.InputContextSize, 64)
	if err != nil {
		return err
	}
	if err := c.Mem().Write(ctx, icAddr, ic.Encode()); err != nil {
		return err
	}

	cc, err := c.ConfigureEndpoint(ctx, dev.SlotID, 1, icAddr)
	if err != nil {
		return err
	}
	if !xhci.IsSuccess(cc) {
		return &pkg.CompletionError{Code: cc, Op: "configure_endpoint"}
	}
	return nil
}

func allocEndpointRing(ctx context.Context, c Controller) (*xhci.TransferRing, error) {
	slots := c.TransferRingSlots()
	addr, err := c.Mem().Alloc(slots*xhci.TRBSize, 64)
	if err != nil {
		return nil, err
	}
	return xhci.NewTransferRing(ctx, c.Mem(), addr, slots, 0)
}

func epTypeFor(ep EndpointDescriptor) uint8 {
	in := ep.IsIn()
	switch ep.TransferType() {
	case EndpointTypeIsochronous:
		if in {
			return xhci.EPTypeIsochIn
		}
		return xhci.EPTypeIsochOut
	case EndpointTypeBulk:
		if in {
			return xhci.EPTypeBulkIn
		}
		return xhci.EPTypeBulkOut
	case EndpointTypeInterrupt:
		if in {
			return xhci.EPTypeInterruptIn
		}
		return xhci.EPTypeInterruptOut
	default:
		return xhci.EPTypeControl
	}
}

// intervalExponent converts a microframe interval back to the xHCI
// Endpoint Context's power-of-two Interval field.
func intervalExponent(microframes uint32) uint8 {
	var exp uint8
	for v := uint32(1); v < microframes && exp < 15; v <<= 1 {
		exp++
	}
	return exp
}

// setConfiguration issues SET_CONFIGURATION(value) over EP0.
func setConfiguration(ctx context.Context, c Controller, dev *Device, value uint8) error {
	req := DeviceRequest{
		RequestType: RequestTypeOut | RequestTypeStandard | RequestTypeDevice,
		Request:     RequestSetConfiguration,
		Value:       uint16(value),
	}
	if _, err := c.Control(ctx, dev.SlotID, dev.MaxPacketSize, xhci.DirOut, req.Encode(), nil); err != nil {
		return err
	}
	dev.ConfigValue = value
	if value > 0 {
		dev.State = DeviceStateConfigured
	} else {
		dev.State = DeviceStateAddress
	}
	return nil
}
