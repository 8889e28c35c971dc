// Package usb implements USB device enumeration on top of an xHCI
// transport: standard descriptor parsing, the set-address/get-descriptor/
// finish-device-config sequence, and the small capability interfaces
// (Controller, Hub) that keep this package the only one that depends on
// both xhci and a concrete device driver.
package usb

import "fmt"

// Speed represents USB connection speed, encoded the same 0-based way the
// xHCI root hub reports it (xhci.RootHub.PortSpeed already subtracts 1
// from the hardware's Speed field).
type Speed uint8

const (
	SpeedLow   Speed = 0 // 1.5 Mbps (USB 1.0)
	SpeedFull  Speed = 1 // 12 Mbps (USB 1.1)
	SpeedHigh  Speed = 2 // 480 Mbps (USB 2.0)
	SpeedSuper Speed = 3 // 5 Gbps (USB 3.0)
)

// String returns a human-readable speed description.
func (s Speed) String() string {
	switch s {
	case SpeedLow:
		return "Low Speed (1.5 Mbps)"
	case SpeedFull:
		return "Full Speed (12 Mbps)"
	case SpeedHigh:
		return "High Speed (480 Mbps)"
	case SpeedSuper:
		return "Super Speed (5 Gbps)"
	default:
		return fmt.Sprintf("Unknown Speed (%d)", s)
	}
}

// MaxPacketSize0 returns the default EP0 max packet size for this speed,
// used before the real value is known from the first 8-byte device
// descriptor read.
func (s Speed) MaxPacketSize0() uint16 {
	switch s {
	case SpeedLow:
		return 8
	case SpeedFull:
		return 64
	case SpeedHigh:
		return 64
	case SpeedSuper:
		return 512
	default:
		return 8
	}
}

// DeviceState mirrors the host-side view of USB 2.0's device state
// machine.
type DeviceState uint8

const (
	DeviceStateDetached   DeviceState = 0
	DeviceStateAttached   DeviceState = 1
	DeviceStateDefault    DeviceState = 2
	DeviceStateAddress    DeviceState = 3
	DeviceStateConfigured DeviceState = 4
)

func (s DeviceState) String() string {
	switch s {
	case DeviceStateDetached:
		return "Detached"
	case DeviceStateAttached:
		return "Attached"
	case DeviceStateDefault:
		return "Default"
	case DeviceStateAddress:
		return "Address"
	case DeviceStateConfigured:
		return "Configured"
	default:
		return fmt.Sprintf("Unknown State (%d)", s)
	}
}

// Maximum limits for fixed-size descriptor storage.
const (
	MaxInterfaces  = 8
	MaxEndpoints   = 16
	MaxDescriptor  = 512
	MaxControlData = 512
)

// Endpoint transfer types (bmAttributes & 0x3).
const (
	EndpointTypeControl     = 0x00
	EndpointTypeIsochronous = 0x01
	EndpointTypeBulk        = 0x02
	EndpointTypeInterrupt   = 0x03
)

// Endpoint address direction bit.
const (
	EndpointDirectionOut = 0x00
	EndpointDirectionIn  = 0x80
)

// Descriptor types (bDescriptorType).
const (
	DescriptorTypeDevice        = 0x01
	DescriptorTypeConfiguration = 0x02
	DescriptorTypeString        = 0x03
	DescriptorTypeInterface     = 0x04
	DescriptorTypeEndpoint      = 0x05
)

// Standard request codes (bRequest).
const (
	RequestGetStatus        = 0x00
	RequestClearFeature     = 0x01
	RequestSetFeature       = 0x03
	RequestSetAddress       = 0x05
	RequestGetDescriptor    = 0x06
	RequestSetDescriptor    = 0x07
	RequestGetConfiguration = 0x08
	RequestSetConfiguration = 0x09
)

// bmRequestType bit groups.
const (
	RequestTypeOut       = 0x00
	RequestTypeIn        = 0x80
	RequestTypeStandard  = 0x00
	RequestTypeClass     = 0x20
	RequestTypeVendor    = 0x40
	RequestTypeDevice    = 0x00
	RequestTypeInterface = 0x01
	RequestTypeEndpoint  = 0x02
)

// LangIDUSEnglish is the default language ID used for string descriptor
// requests.
const LangIDUSEnglish = 0x0409

// DeviceRequest is the 8-byte USB setup packet, wire-encoded big-endian-
// free (all fields little-endian) exactly as a SETUP_STAGE TRB's data
// pointer fields expect it.
type DeviceRequest struct {
	RequestType uint8
	Request     uint8
	Value       uint16
	Index       uint16
	Length      uint16
}

// Encode serializes the request into the 8-byte wire layout.
func (r DeviceRequest) Encode() [8]byte {
	var buf [8]byte
	buf[0] = r.RequestType
	buf[1] = r.Request
	buf[2] = byte(r.Value)
	buf[3] = byte(r.Value >> 8)
	buf[4] = byte(r.Index)
	buf[5] = byte(r.Index >> 8)
	buf[6] = byte(r.Length)
	buf[7] = byte(r.Length >> 8)
	return buf
}

// Direction reports the data-stage direction a request's RequestType bit
// 7 implies.
func (r DeviceRequest) Direction() uint8 { return r.RequestType & 0x80 }

// DeviceDescriptor is the 18-byte USB device descriptor.
type DeviceDescriptor struct {
	Length            uint8
	DescriptorType    uint8
	USBVersion        uint16
	DeviceClass       uint8
	DeviceSubClass    uint8
	DeviceProtocol    uint8
	MaxPacketSize0    uint8
	VendorID          uint16
	ProductID         uint16
	DeviceVersion     uint16
	ManufacturerIndex uint8
	ProductIndex      uint8
	SerialNumberIndex uint8
	NumConfigurations uint8
}

// DeviceDescriptorSize is the encoded size of a device descriptor.
const DeviceDescriptorSize = 18

// ParseDeviceDescriptor decodes data into out, returning false if data is
// too short.
func ParseDeviceDescriptor(data []byte, out *DeviceDescriptor) bool {
	if len(data) < DeviceDescriptorSize {
		return false
	}
	out.Length = data[0]
	out.DescriptorType = data[1]
	out.USBVersion = uint16(data[2]) | uint16(data[3])<<8
	out.DeviceClass = data[4]
	out.DeviceSubClass = data[5]
	out.DeviceProtocol = data[6]
	out.MaxPacketSize0 = data[7]
	out.VendorID = uint16(data[8]) | uint16(data[9])<<8
	out.ProductID = uint16(data[10]) | uint16(data[11])<<8
	out.DeviceVersion = uint16(data[12]) | uint16(data[13])<<8
	out.ManufacturerIndex = data[14]
	out.ProductIndex = data[15]
	out.SerialNumberIndex = data[16]
	out.NumConfigurations = data[17]
	return true
}

// ConfigurationDescriptor is the 9-byte header of a USB configuration
// descriptor (the interfaces and endpoints that follow are parsed
// separately by the generic configuration-blob walk in enumerate.go).
type ConfigurationDescriptor struct {
	Length             uint8
	DescriptorType     uint8
	TotalLength        uint16
	NumInterfaces      uint8
	ConfigurationValue uint8
	ConfigurationIndex uint8
	Attributes         uint8
	MaxPower           uint8
}

// ConfigurationDescriptorSize is the encoded size of the configuration
// descriptor header.
const ConfigurationDescriptorSize = 9

// ParseConfigurationDescriptor decodes data into out, returning false if
// data is too short.
func ParseConfigurationDescriptor(data []byte, out *ConfigurationDescriptor) bool {
	if len(data) < ConfigurationDescriptorSize {
		return false
	}
	out.Length = data[0]
	out.DescriptorType = data[1]
	out.TotalLength = uint16(data[2]) | uint16(data[3])<<8
	out.NumInterfaces = data[4]
	out.ConfigurationValue = data[5]
	out.ConfigurationIndex = data[6]
	out.Attributes = data[7]
	out.MaxPower = data[8]
	return true
}

// InterfaceDescriptor is the 9-byte USB interface descriptor.
type InterfaceDescriptor struct {
	Length            uint8
	DescriptorType    uint8
	InterfaceNumber   uint8
	AlternateSetting  uint8
	NumEndpoints      uint8
	InterfaceClass    uint8
	InterfaceSubClass uint8
	InterfaceProtocol uint8
	InterfaceIndex    uint8
}

// InterfaceDescriptorSize is the encoded size of an interface descriptor.
const InterfaceDescriptorSize = 9

// ParseInterfaceDescriptor decodes data into out, returning false if data
// is too short.
func ParseInterfaceDescriptor(data []byte, out *InterfaceDescriptor) bool {
	if len(data) < InterfaceDescriptorSize {
		return false
	}
	out.Length = data[0]
	out.DescriptorType = data[1]
	out.InterfaceNumber = data[2]
	out.AlternateSetting = data[3]
	out.NumEndpoints = data[4]
	out.InterfaceClass = data[5]
	out.InterfaceSubClass = data[6]
	out.InterfaceProtocol = data[7]
	out.InterfaceIndex = data[8]
	return true
}

// EndpointDescriptor is the 7-byte USB endpoint descriptor.
type EndpointDescriptor struct {
	Length          uint8
	DescriptorType  uint8
	EndpointAddress uint8
	Attributes      uint8
	MaxPacketSize   uint16
	Interval        uint8
}

// EndpointDescriptorSize is the encoded size of an endpoint descriptor.
const EndpointDescriptorSize = 7

// ParseEndpointDescriptor decodes data into out, returning false if data
// is too short.
func ParseEndpointDescriptor(data []byte, out *EndpointDescriptor) bool {
	if len(data) < EndpointDescriptorSize {
		return false
	}
	out.Length = data[0]
	out.DescriptorType = data[1]
	out.EndpointAddress = data[2]
	out.Attributes = data[3]
	out.MaxPacketSize = uint16(data[4]) | uint16(data[5])<<8
	out.Interval = data[6]
	return true
}

// Number returns the endpoint number (0-15).
func (e *EndpointDescriptor) Number() uint8 { return e.EndpointAddress & 0x0F }

// Direction returns the endpoint direction bit.
func (e *EndpointDescriptor) Direction() uint8 { return e.EndpointAddress & 0x80 }

// IsIn reports whether this is an IN endpoint.
func (e *EndpointDescriptor) IsIn() bool { return e.Direction() == EndpointDirectionIn }

// IsOut reports whether this is an OUT endpoint.
func (e *EndpointDescriptor) IsOut() bool { return e.Direction() == EndpointDirectionOut }

// TransferType returns the endpoint's transfer type.
func (e *EndpointDescriptor) TransferType() uint8 { return e.Attributes & 0x03 }

// IsBulk reports whether this is a bulk endpoint.
func (e *EndpointDescriptor) IsBulk() bool { return e.TransferType() == EndpointTypeBulk }

// IsInterrupt reports whether this is an interrupt endpoint.
func (e *EndpointDescriptor) IsInterrupt() bool { return e.TransferType() == EndpointTypeInterrupt }

// decodeInterval converts a raw bInterval byte into a polling interval
// expressed in microseconds, per speed and transfer type. Full/low speed
// interrupt endpoints encode the interval directly in frames (1-255 ms);
// high-speed and isochronous endpoints encode it as a power-of-two
// exponent of 125 µs microframes.
func decodeInterval(speed Speed, transferType uint8, raw uint8) uint32 {
	const frameUs = 1000
	const microframeUs = 125

	switch speed {
	case SpeedHigh, SpeedSuper:
		if raw == 0 {
			raw = 1
		}
		exp := raw - 1
		if exp > 15 {
			exp = 15
		}
		return microframeUs << exp
	default:
		if transferType == EndpointTypeIsochronous {
			exp := raw - 1
			if exp > 15 {
				exp = 15
			}
			return frameUs << exp
		}
		if raw == 0 {
			raw = 1
		}
		return uint32(raw) * frameUs
	}
}
