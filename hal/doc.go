// Package hal and its subpackages hal/linux and hal/sim provide the
// hardware access capabilities the xhci package is built against: see
// [BarBus] and [HostMem].
package hal
