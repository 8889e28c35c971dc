package usb

// Endpoint is the host's live view of one enumerated endpoint: the
// descriptor USB reported, plus the Device Context Index the xHCI layer
// uses to address its transfer ring and doorbell target.
type Endpoint struct {
	Descriptor EndpointDescriptor
	DCI        int
}

// Device is a single enumerated USB device attached to the root hub. This
// driver manages exactly one device at a time (SPEC_FULL.md §1's scope is
// a root hub with no downstream hub topology), so unlike the teacher's
// Device type this carries no device-table bookkeeping and needs no
// mutex: the single-threaded controller model in SPEC_FULL.md §5 means
// enumeration runs to completion on one goroutine before any transfer
// routine touches the device concurrently.
type Device struct {
	SlotID uint8
	Port   int
	Speed  Speed

	Descriptor    DeviceDescriptor
	Config        ConfigurationDescriptor
	Interfaces    []InterfaceDescriptor
	Endpoints     []Endpoint
	ConfigValue   uint8
	MaxPacketSize uint16

	State DeviceState
}

// GetEndpoint returns the endpoint matching the given bEndpointAddress,
// or nil if the device has no such endpoint.
func (d *Device) GetEndpoint(address uint8) *Endpoint {
	for i := range d.Endpoints {
		if d.Endpoints[i].Descriptor.EndpointAddress == address {
			return &d.Endpoints[i]
		}
	}
	return nil
}

// FirstBulkOut returns the first bulk OUT endpoint the device reported,
// used by the serial package to find its write pipe.
func (d *Device) FirstBulkOut() *Endpoint {
	for i := range d.Endpoints {
		ep := &d.Endpoints[i]
		if ep.Descriptor.IsBulk() && ep.Descriptor.IsOut() {
			return ep
		}
	}
	return nil
}

// FirstBulkIn returns the first bulk IN endpoint the device reported.
func (d *Device) FirstBulkIn() *Endpoint {
	for i := range d.Endpoints {
		ep := &d.Endpoints[i]
		if ep.Descriptor.IsBulk() && ep.Descriptor.IsIn() {
			return ep
		}
	}
	return nil
}

// FirstInterruptIn returns the first interrupt IN endpoint the device
// reported, or nil if it has none.
func (d *Device) FirstInterruptIn() *Endpoint {
	for i := range d.Endpoints {
		ep := &d.Endpoints[i]
		if ep.Descriptor.IsInterrupt() && ep.Descriptor.IsIn() {
			return ep
		}
	}
	return nil
}
