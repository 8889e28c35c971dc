package xhci

import (
	"context"
	"time"

	"github.com/ardnew/xhcidump/pkg"
)

// PORTSC bit layout (xHCI §5.4.8), relative to the register this
// package's PortscOffset computes.
const (
	PortscCCS uint32 = 1 << 0  // Current Connect Status
	PortscPED uint32 = 1 << 1  // Port Enabled/Disabled
	PortscPR  uint32 = 1 << 4  // Port Reset
	PortscCSC uint32 = 1 << 17 // Connect Status Change (RW1C)
	PortscPEC uint32 = 1 << 18 // Port Enabled Change (RW1C)
	PortscPRC uint32 = 1 << 21 // Port Reset Change (RW1C)
	PortscWPR uint32 = 1 << 31 // Warm Port Reset

	portscPLSShift   = 5
	portscPLSWidth   = 4
	portscSpeedShift = 10
	portscSpeedWidth = 4
)

// PortscRW1CMask covers every "write 1 to clear" status-change bit this
// driver acknowledges: CSC, PEC, WRC, OCC, PRC, PLC, CEC (bits 17-23).
const PortscRW1CMask uint32 = 0x00FE0000

// Debounce timing constants, USB 2.0 §7.1.7.3.
const (
	debounceStep     = 1 * time.Millisecond
	debounceStable   = 100 * time.Millisecond
	debounceTimeout  = 1500 * time.Millisecond
	portResetTimeout = 150 * time.Millisecond
	portEnableWait   = 10 * time.Millisecond
	resetRecovery    = 10 * time.Millisecond
)

// PortLinkState returns the 4-bit PLS field of a raw PORTSC value.
func PortLinkState(portsc uint32) uint8 {
	return uint8(getBits(portsc, portscPLSShift, portscPLSWidth))
}

// PortSpeedField returns the raw 4-bit xHCI Speed field (1=Full, 2=Low,
// 3=High, 4=Super; 0 means not yet negotiated) of a raw PORTSC value.
func PortSpeedField(portsc uint32) uint8 {
	return uint8(getBits(portsc, portscSpeedShift, portscSpeedWidth))
}

// RootHub implements the per-port state machine a Controller's root hub
// exposes: debounce, reset, speed detection, and attach. It holds no
// device-topology state of its own — USBDevice/slot bookkeeping belongs
// to the usb package, which drives this type through its usb.Hub
// capability (Attach only).
type RootHub struct {
	c *Controller
}

// NewRootHub wraps controller's root-hub ports.
func NewRootHub(c *Controller) *RootHub { return &RootHub{c: c} }

// NumPorts is the number of root-hub ports the controller reports.
func (h *RootHub) NumPorts() int { return h.c.MaxPorts() }

func (h *RootHub) readPortsc(ctx context.Context, port int) (uint32, error) {
	return h.c.bus.Read32(ctx, PortscOffset(port))
}

func (h *RootHub) writePortsc(ctx context.Context, port int, v uint32) error {
	return h.c.bus.Write32(ctx, PortscOffset(port), v)
}

// PortConnected reports PORTSC.CCS for the given 1-based port.
func (h *RootHub) PortConnected(ctx context.Context, port int) (bool, error) {
	v, err := h.readPortsc(ctx, port)
	return v&PortscCCS != 0, err
}

// PortEnabled reports PORTSC.PED.
func (h *RootHub) PortEnabled(ctx context.Context, port int) (bool, error) {
	v, err := h.readPortsc(ctx, port)
	return v&PortscPED != 0, err
}

// PortInReset reports PORTSC.PR.
func (h *RootHub) PortInReset(ctx context.Context, port int) (bool, error) {
	v, err := h.readPortsc(ctx, port)
	return v&PortscPR != 0, err
}

// PortSpeed reads PORTSC.Speed and returns it converted to the 0-based
// usb.Speed encoding (xHCI's Speed field is 1-based: 1=Full, 2=Low,
// 3=High, 4=Super). A return of -1 means the link has not yet negotiated
// a speed.
func (h *RootHub) PortSpeed(ctx context.Context, port int) (int, error) {
	v, err := h.readPortsc(ctx, port)
	if err != nil {
		return -1, err
	}
	field := PortSpeedField(v)
	if field == 0 {
		return -1, nil
	}
	return int(field) - 1, nil
}

// PortStatusChanged reads PORTSC, reports whether CSC or PRC is set, and
// acknowledges every RW1C change bit by writing 1 to each — a write that
// preserves every other bit's read value, so reading PORTSC immediately
// afterward shows the same connect/enable/reset/speed state.
func (h *RootHub) PortStatusChanged(ctx context.Context, port int) (bool, error) {
	v, err := h.readPortsc(ctx, port)
	if err != nil {
		return false, err
	}
	changed := v&(PortscCSC|PortscPRC) != 0
	if err := h.writePortsc(ctx, port, v|PortscRW1CMask); err != nil {
		return changed, err
	}
	return changed, nil
}

// EnablePort is a no-op on this controller: unlike the MTK xHCI quirk the
// original source documents (forcing PORTSC.PP before the first command
// to a port), this hardware accepts commands without an explicit
// port-power step.
func (h *RootHub) EnablePort(ctx context.Context, port int) error { return nil }

// ResetPort sets PORTSC.PR, preserving every other writable bit's current
// value and leaving RW1C bits untouched (so the reset request cannot
// accidentally acknowledge an unrelated pending status change), then
// waits up to portResetTimeout for PR to clear and acknowledges PRC|WPR.
func (h *RootHub) ResetPort(ctx context.Context, port int) error {
	v, err := h.readPortsc(ctx, port)
	if err != nil {
		return err
	}
	if err := h.writePortsc(ctx, port, (v&^PortscRW1CMask)|PortscPR); err != nil {
		return err
	}

	deadline := time.Now().Add(portResetTimeout)
	for {
		v, err = h.readPortsc(ctx, port)
		if err != nil {
			return err
		}
		if v&PortscPR == 0 {
			break
		}
		if time.Now().After(deadline) {
			return pkg.ErrTimeout
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}

	pkg.LogDebug(pkg.ComponentXHCI, "port reset complete", "port", port, "speed", PortSpeedField(v))
	return h.writePortsc(ctx, port, (v&^PortscRW1CMask)|PortscPRC|PortscWPR)
}

// Debounce samples (changed, connected) every millisecond and succeeds
// once it has seen a contiguous 100 ms window with no status change and
// CCS=1 throughout, per USB 2.0 §7.1.7.3. It fails with pkg.ErrTimeout
// once the overall 1500 ms window elapses first.
func (h *RootHub) Debounce(ctx context.Context, port int) error {
	var stable, total time.Duration
	for stable < debounceStable && total < debounceTimeout {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(debounceStep):
		}

		changed, err := h.PortStatusChanged(ctx, port)
		if err != nil {
			return err
		}
		connected, err := h.PortConnected(ctx, port)
		if err != nil {
			return err
		}

		if !changed && connected {
			stable += debounceStep
		} else {
			pkg.LogDebug(pkg.ComponentXHCI, "unstable connection", "port", port)
			stable = 0
		}
		total += debounceStep
	}
	if total >= debounceTimeout {
		return pkg.ErrTimeout
	}
	return nil
}

// Attach runs the full §4.5 port-to-speed sequence: debounce, reset,
// disconnect check, wait-for-enabled, speed read, reset-recovery sleep.
// It returns the negotiated speed (0-based usb.Speed encoding); the usb
// package is responsible for everything past this point (set_address and
// the rest of enumeration).
func (h *RootHub) Attach(ctx context.Context, port int) (int, error) {
	if err := h.Debounce(ctx, port); err != nil {
		return -1, err
	}
	if err := h.ResetPort(ctx, port); err != nil {
		return -1, err
	}

	connected, err := h.PortConnected(ctx, port)
	if err != nil {
		return -1, err
	}
	if !connected {
		pkg.LogInfo(pkg.ComponentXHCI, "port disconnected after reset", "port", port)
		return -1, pkg.ErrNoDevice
	}

	deadline := time.Now().Add(portEnableWait)
	for {
		enabled, err := h.PortEnabled(ctx, port)
		if err != nil {
			return -1, err
		}
		if enabled {
			break
		}
		if time.Now().After(deadline) {
			pkg.LogDebug(pkg.ComponentXHCI, "port still disabled after wait", "port", port)
			break
		}
		select {
		case <-ctx.Done():
			return -1, ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}

	speed, err := h.PortSpeed(ctx, port)
	if err != nil {
		return -1, err
	}

	select {
	case <-ctx.Done():
		return -1, ctx.Err()
	case <-time.After(resetRecovery):
	}

	return speed, nil
}
