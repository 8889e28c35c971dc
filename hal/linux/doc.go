// Package linux implements hal.BarBus and hal.HostMem against real Linux
// hardware: the controller's BAR is reached via a sysfs PCI resource file
// mmapped with golang.org/x/sys/unix, and physical memory is reached the
// same way through /dev/mem (or any other mmappable physical-memory
// character device the caller names, e.g. a reserved carveout).
package linux
