package pkg

import (
	"errors"
	"fmt"
)

// Sentinels reachable from an actual code path in this host-only,
// full-speed stack. The teacher's pkg/error.go carried a much larger set
// of USB-device-side sentinels (stall/NAK/CRC/bit-stuffing/bandwidth/
// frame-overrun and the TransferStatus enum built on them) — conditions
// a full-speed xHCI host transport reports as a completion code, not a
// Go error, and which isochronous/physical-layer Non-goals mean nothing
// here produces. Trimmed to the two that are.
var (
	// ErrTimeout indicates a poll loop (handshake, event wait, port
	// reset, debounce) exhausted its budget.
	ErrTimeout = errors.New("transfer timeout")

	// ErrNoDevice indicates the root hub reports nothing connected; not
	// an error to the caller, just a signal to skip the port.
	ErrNoDevice = errors.New("device not present")
)

// Host-controller error taxonomy (§7 of the design). Each kind is a typed
// wrapped error rather than a bare sentinel, so callers can both classify
// with errors.Is against the class sentinel below and, for CompletionError,
// recover the original xHCI completion code with errors.As.

// Class sentinels for errors.Is against a whole kind of failure, independent
// of the specific completion code or offending value.
var (
	ErrCompletion = errors.New("xhci completion error")
	ErrTransport  = errors.New("xhci transport error")
	ErrProtocol   = errors.New("usb protocol error")
	ErrNoSlots    = errors.New("no xhci slots available")
	ErrRingFull   = errors.New("xhci ring full")
)

// CompletionError reports a non-SUCCESS, non-SHORT_PACKET xHCI completion
// code surfaced by the command or transfer engine. Code is the raw value
// pulled from the event TRB's status field.
type CompletionError struct {
	Code uint8
	Op   string // e.g. "address_device", "control", "bulk"
}

func (e *CompletionError) Error() string {
	return fmt.Sprintf("%s: completion code %d", e.Op, e.Code)
}

// Unwrap allows errors.Is(err, ErrCompletion) to succeed.
func (e *CompletionError) Unwrap() error { return ErrCompletion }

// TransportError reports an unexpected MMIO value or a misaligned DMA
// allocation observed while talking to the controller over BarBus/HostMem.
type TransportError struct {
	Reason string
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("xhci transport error: %s", e.Reason)
}

// Unwrap allows errors.Is(err, ErrTransport) to succeed.
func (e *TransportError) Unwrap() error { return ErrTransport }

// ProtocolError reports a descriptor-length mismatch, an impossible speed
// value, or an unrecognized TRB type encountered during enumeration.
// ProtocolError is always fatal to the enumeration of the device that
// triggered it.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("usb protocol error: %s", e.Reason)
}

// Unwrap allows errors.Is(err, ErrProtocol) to succeed.
func (e *ProtocolError) Unwrap() error { return ErrProtocol }

// ResourceError reports exhaustion of a bounded resource: no free device
// slots, or a ring with no free TRB entries.
type ResourceError struct {
	Resource string
	class    error
}

func (e *ResourceError) Error() string {
	return fmt.Sprintf("resource exhausted: %s", e.Resource)
}

// Unwrap allows errors.Is(err, ErrNoSlots) or errors.Is(err, ErrRingFull),
// whichever class this instance belongs to, to succeed.
func (e *ResourceError) Unwrap() error { return e.class }

// NewNoSlotsError reports that the controller has no free device slots.
func NewNoSlotsError() error {
	return &ResourceError{Resource: "device slots", class: ErrNoSlots}
}

// NewRingFullError reports that a ring has no free TRB entries for enqueue.
func NewRingFullError(ring string) error {
	return &ResourceError{Resource: ring + " ring", class: ErrRingFull}
}
