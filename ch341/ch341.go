// Package ch341 implements the vendor control protocol spoken by the
// CH341 USB-to-serial bridge: divisor computation, LCR/MCR register
// programming, and the probe sequence run once a device is enumerated
// and configured.
package ch341

import (
	"context"
	"errors"

	"github.com/ardnew/xhcidump/pkg"
	"github.com/ardnew/xhcidump/usb"
	"github.com/ardnew/xhcidump/xhci"
)

// LCR bits.
const (
	LCREnableParity = 0x08
	LCRParityEven   = 0x10
	LCRMarkSpace    = 0x20
	LCREnableRX     = 0x80
	LCREnableTX     = 0x40

	LCRCS5 = 0x00
	LCRCS6 = 0x01
	LCRCS7 = 0x02
	LCRCS8 = 0x03

	LCRStopBits2 = 0x04
)

// Vendor request codes.
const (
	ReqReadVersion = 0x5F
	ReqReadReg     = 0x95
	ReqWriteReg    = 0x9A
	ReqSerialInit  = 0xA1
	ReqModemCtrl   = 0xA4
)

// Chip register addresses.
const (
	RegBreak     = 0x05
	RegPrescaler = 0x12
	RegDivisor   = 0x13
	RegLCR       = 0x18
	RegLCR2      = 0x25
)

// Modem control bits.
const (
	BitDTR = 1 << 5
	BitRTS = 1 << 6
)

// Quirk flags, set unconditionally by detectQuirks for every adapter
// (see detectQuirks for why).
const (
	QuirkLimitedPrescaler = 0x01
	QuirkSimulateBreak    = 0x02
)

// BitsModemStat masks the low nibble of the status register read back by
// GetStatus.
const BitsModemStat = 0x0F

// ClockRate is the CH341's fixed internal clock, in Hz.
const ClockRate = 48_000_000

// DefaultBaudRate is the rate PortProbe configures before the caller
// requests anything else.
const DefaultBaudRate = 9600

// ErrInvalidSpeed is returned by GetDivisor when the requested rate has
// no representable prescaler.
var ErrInvalidSpeed = errors.New("ch341: invalid speed")

// ErrInvalidDivisor is returned by GetDivisor when the computed divisor
// underflows the representable range.
var ErrInvalidDivisor = errors.New("ch341: invalid divisor")

func clkDiv(ps, fact int) int { return 1 << (12 - 3*ps - fact) }

// minRate is the lowest baud rate representable at prescaler ps with
// fact=1, per the kernel's ch341_min_rate macro (integer division).
func minRate(ps int) int { return ClockRate / (clkDiv(ps, 1) * 512) }

func divRoundUp(n, d int) int { return (n + d - 1) / d }

// MinBPS and MaxBPS bound the baud rates GetDivisor can represent.
var (
	MinBPS = divRoundUp(ClockRate, clkDiv(0, 0)*256)
	MaxBPS = ClockRate / (clkDiv(3, 0) * 2)
)

// Driver is the live CH341 state this package tracks across the probe
// and configure sequence: LCR, current baud rate, chip version, detected
// quirks, and the modem control register.
type Driver struct {
	ctrl usb.Controller
	dev  *usb.Device

	LCR      uint8
	BaudRate uint32
	Version  uint8
	Quirks   uint8
	MCR      uint8
	MSR      uint8

	minRates [4]int
}

// New wraps an enumerated, configured device in a CH341 driver.
func New(ctrl usb.Controller, dev *usb.Device) *Driver {
	d := &Driver{ctrl: ctrl, dev: dev}
	for i := range d.minRates {
		d.minRates[i] = minRate(i)
	}
	return d
}

// PortProbe seeds the default LCR/baud-rate state, issues the one-time
// device configuration (version read, SERIAL_INIT, initial baud/LCR,
// handshake), and detects quirks, in the order the original CH341 driver
// does.
func (d *Driver) PortProbe(ctx context.Context) error {
	d.BaudRate = DefaultBaudRate
	d.LCR = LCREnableRX | LCREnableTX | LCRCS8

	if err := d.configure(ctx); err != nil {
		return err
	}
	d.detectQuirks()
	return nil
}

func (d *Driver) configure(ctx context.Context) error {
	var buf [2]byte
	if err := d.controlIn(ctx, ReqReadVersion, 0, 0, buf[:]); err != nil {
		return err
	}
	d.Version = buf[0]
	pkg.LogDebug(pkg.ComponentCH341, "chip version", "version", d.Version)

	if err := d.controlOut(ctx, ReqSerialInit, 0, 0); err != nil {
		return err
	}
	if err := d.SetBaudrateLCR(ctx, d.BaudRate, d.LCR); err != nil {
		return err
	}
	return d.SetHandshake(ctx, d.MCR)
}

// detectQuirks unconditionally enables LimitedPrescaler|SimulateBreak on
// every adapter. The original driver probes CH341_REG_BREAK to decide
// this, but that probe is commented out/dead in the source this is
// grounded on, so it is not reintroduced here.
func (d *Driver) detectQuirks() {
	quirks := uint8(QuirkLimitedPrescaler | QuirkSimulateBreak)
	pkg.LogDebug(pkg.ComponentCH341, "enabling quirk flags", "quirks", quirks)
	d.Quirks |= quirks
}

func (d *Driver) controlIn(ctx context.Context, request uint8, value, index uint16, buf []byte) error {
	req := usb.DeviceRequest{
		RequestType: usb.RequestTypeIn | usb.RequestTypeVendor | usb.RequestTypeDevice,
		Request:     request,
		Value:       value,
		Index:       index,
		Length:      uint16(len(buf)),
	}
	n, err := d.ctrl.Control(ctx, d.dev.SlotID, d.dev.MaxPacketSize, xhci.DirIn, req.Encode(), buf)
	if err != nil {
		return err
	}
	if n != len(buf) {
		return errFailedRequest(request)
	}
	return nil
}

func (d *Driver) controlOut(ctx context.Context, request uint8, value, index uint16) error {
	req := usb.DeviceRequest{
		RequestType: usb.RequestTypeOut | usb.RequestTypeVendor | usb.RequestTypeDevice,
		Request:     request,
		Value:       value,
		Index:       index,
	}
	n, err := d.ctrl.Control(ctx, d.dev.SlotID, d.dev.MaxPacketSize, xhci.DirOut, req.Encode(), nil)
	if err != nil {
		return err
	}
	if n != 0 {
		return errFailedRequest(request)
	}
	return nil
}

func errFailedRequest(request uint8) error {
	return &requestError{request: request}
}

type requestError struct{ request uint8 }

func (e *requestError) Error() string {
	return "ch341: control request 0x" + hexByte(e.request) + " failed"
}

func hexByte(b uint8) string {
	const digits = "0123456789abcdef"
	return string([]byte{digits[b>>4], digits[b&0xF]})
}

// GetDivisor computes the CH341 prescaler/divisor/fact encoding for a
// target baud rate, following the original driver's algorithm exactly:
// clamp to the representable range, pick the largest prescaler whose
// minimum rate the target exceeds, compute the divisor, force fact=0
// under the LimitedPrescaler quirk or an out-of-range divisor, round
// toward the closer achievable rate, and fold an even divisor back into
// fact=0 once more.
func (d *Driver) GetDivisor(speed uint32) (uint16, error) {
	forceFact0 := false
	s := clampInt(int(speed), MinBPS, MaxBPS)

	ps := -1
	for i := 3; i >= 0; i-- {
		if s > d.minRates[i] {
			ps = i
			break
		}
	}
	if ps < 0 {
		return 0, ErrInvalidSpeed
	}

	fact := 1
	clk := clkDiv(ps, fact)
	div := ClockRate / (clk * s)

	if ps < 3 && d.Quirks&QuirkLimitedPrescaler != 0 {
		forceFact0 = true
	}

	if div < 9 || div > 255 || forceFact0 {
		div /= 2
		clk *= 2
		fact = 0
	}

	if div < 2 {
		return 0, ErrInvalidDivisor
	}

	if 16*ClockRate/(clk*div)-16*s >= 16*s-16*ClockRate/(clk*(div+1)) {
		div++
	}

	if fact == 1 && div%2 == 0 {
		div /= 2
		fact = 0
	}

	return uint16((0x100-div)<<8 | fact<<2 | ps), nil
}

func clampInt(v, lo, hi int) int {
	switch {
	case v > hi:
		return hi
	case v < lo:
		return lo
	default:
		return v
	}
}

// SetBaudrateLCR programs the divisor/prescaler register pair for
// baudrate, then — for chips reporting version >= 0x30 — writes lcr via
// the LCR2|LCR register pair. Chips reporting version > 0x27 get the
// divisor's high bit set.
func (d *Driver) SetBaudrateLCR(ctx context.Context, baudrate uint32, lcr uint8) error {
	val, err := d.GetDivisor(baudrate)
	if err != nil {
		return err
	}
	if d.Version > 0x27 {
		val |= 1 << 7
	}

	if err := d.controlOut(ctx, ReqWriteReg, RegDivisor<<8|RegPrescaler, val); err != nil {
		return err
	}
	if d.Version < 0x30 {
		return nil
	}
	return d.controlOut(ctx, ReqWriteReg, RegLCR2<<8|RegLCR, uint16(lcr))
}

// SetHandshake issues MODEM_CTRL with the one's complement of control,
// matching the original driver's inverted-active-low wire convention.
func (d *Driver) SetHandshake(ctx context.Context, control uint8) error {
	return d.controlOut(ctx, ReqModemCtrl, uint16(^control), 0)
}

// GetStatus reads the modem status register (READ_REG(0x0706)) and
// stores its one's-complement, masked to the low nibble, as MSR.
func (d *Driver) GetStatus(ctx context.Context) error {
	var buf [2]byte
	if err := d.controlIn(ctx, ReqReadReg, 0x0706, 0, buf[:]); err != nil {
		return err
	}
	d.MSR = ^buf[0] & BitsModemStat
	return nil
}

// Open runs GetStatus, matching the original driver calling it before
// the generic USBSerialGeneric open.
func (d *Driver) Open(ctx context.Context) error {
	return d.GetStatus(ctx)
}
