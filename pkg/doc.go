// Package pkg provides shared utilities for the xhcidump USB host stack.
//
// This package contains common functionality used across every layer of the
// stack, from the xHCI transport up through the CH341 driver, including:
//
//   - Structured logging via Go's standard [log/slog] package
//   - Sentinel error types and typed wrapped errors for the host-controller
//     error taxonomy
//   - Component identifiers for log filtering
//
// The package is designed to have zero external dependencies, relying
// only on the Go standard library.
//
// # Logging
//
// The logging subsystem wraps [log/slog] with host-controller context:
//
//	pkg.SetLogLevel(slog.LevelDebug)
//	pkg.LogInfo(pkg.ComponentXHCI, "slot addressed", "slot", slotID)
//
// # Errors
//
// Common errors are defined as sentinel values, and the xHCI-specific
// taxonomy (completion/transport/protocol/resource) is defined as typed
// wrapped errors so that both [errors.Is] and [errors.As] work:
//
//	if errors.Is(err, pkg.ErrTimeout) {
//	    // handshake or event-wait exhausted its budget
//	}
//	var ce *pkg.CompletionError
//	if errors.As(err, &ce) {
//	    // inspect ce.Code
//	}
package pkg
