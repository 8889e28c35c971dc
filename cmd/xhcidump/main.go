// Command xhcidump wires a BarBus/HostMem pair to an xHCI controller,
// drives one root-hub attach cycle, probes the resulting device as a
// CH341 USB-serial adapter, and streams a physical memory region through
// it as a sequence of memdump wire packets.
//
// Usage:
//
//	xhcidump [options]
//
// Options:
//
//	-pci-dir path        sysfs PCI device directory (e.g. /sys/bus/pci/devices/0000:00:14.0)
//	-bar-index N         BAR index to map (default: 0)
//	-mem-path path       physical memory device to open (default: /dev/mem)
//	-mem-base addr       base physical address of the mapped memory window
//	-mem-size N          size in bytes of the mapped memory window
//	-port N              root-hub port to attach (default: 1)
//	-baud N              CH341 baud rate (default: 9600)
//	-dump-base addr      physical address to start dumping from
//	-dump-length N       number of bytes to dump
//	-sim                 use an in-memory simulated controller instead of real hardware
//	-timeout duration    overall attach/enumerate timeout (default: 5s)
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/ardnew/xhcidump/ch341"
	"github.com/ardnew/xhcidump/hal"
	"github.com/ardnew/xhcidump/hal/linux"
	"github.com/ardnew/xhcidump/hal/sim"
	"github.com/ardnew/xhcidump/memdump"
	"github.com/ardnew/xhcidump/pkg"
	"github.com/ardnew/xhcidump/serial"
	"github.com/ardnew/xhcidump/usb"
	"github.com/ardnew/xhcidump/xhci"
)

func main() {
	pciDir := flag.String("pci-dir", "", "sysfs PCI device directory")
	barIndex := flag.Int("bar-index", 0, "BAR index to map")
	memPath := flag.String("mem-path", "/dev/mem", "physical memory device to open")
	memBase := flag.String("mem-base", "0", "base physical address of the mapped memory window")
	memSize := flag.Int("mem-size", 1<<20, "size in bytes of the mapped memory window")
	port := flag.Int("port", 1, "root-hub port to attach")
	baud := flag.Uint("baud", ch341.DefaultBaudRate, "CH341 baud rate")
	dumpBase := flag.String("dump-base", "0", "physical address to start dumping from")
	dumpLength := flag.Uint("dump-length", 0, "number of bytes to dump")
	useSim := flag.Bool("sim", false, "use an in-memory simulated controller instead of real hardware")
	timeout := flag.Duration("timeout", 5*time.Second, "overall attach/enumerate timeout")
	flag.Parse()

	pkg.SetLogLevel(slog.LevelInfo)

	var bus hal.BarBus
	var mem hal.HostMem

	if *useSim {
		bus = sim.NewBus(1 << 20)
		mem = sim.NewMem(*memSize)
	} else {
		if *pciDir == "" {
			fmt.Fprintln(os.Stderr, "xhcidump: -pci-dir is required unless -sim is set")
			os.Exit(1)
		}
		b, err := linux.OpenBus(*pciDir, *barIndex)
		if err != nil {
			fmt.Fprintf(os.Stderr, "xhcidump: open BAR: %v\n", err)
			os.Exit(1)
		}
		defer b.Close()
		bus = b

		base, err := strconv.ParseUint(*memBase, 0, 64)
		if err != nil {
			fmt.Fprintf(os.Stderr, "xhcidump: invalid -mem-base: %v\n", err)
			os.Exit(1)
		}
		m, err := linux.OpenMem(*memPath, base, *memSize)
		if err != nil {
			fmt.Fprintf(os.Stderr, "xhcidump: open memory window: %v\n", err)
			os.Exit(1)
		}
		defer m.Close()
		mem = m
	}

	ctrl := xhci.NewController(bus, mem)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if err := ctrl.Reset(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "xhcidump: controller reset: %v\n", err)
		os.Exit(1)
	}
	if err := ctrl.Init(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "xhcidump: controller init: %v\n", err)
		os.Exit(1)
	}

	hub := xhci.NewRootHub(ctrl)

	dev, err := usb.Attach(ctx, ctrl, hub, *port)
	if err != nil {
		fmt.Fprintf(os.Stderr, "xhcidump: attach port %d: %v\n", *port, err)
		os.Exit(1)
	}

	sport, err := serial.NewPort(ctrl, dev)
	if err != nil {
		fmt.Fprintf(os.Stderr, "xhcidump: serial port: %v\n", err)
		os.Exit(1)
	}

	driver := ch341.New(ctrl, dev)
	if err := driver.PortProbe(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "xhcidump: ch341 probe: %v\n", err)
		os.Exit(1)
	}
	if err := driver.SetBaudrateLCR(ctx, uint32(*baud), driver.LCR); err != nil {
		fmt.Fprintf(os.Stderr, "xhcidump: set baud rate: %v\n", err)
		os.Exit(1)
	}
	if err := driver.SetHandshake(ctx, driver.MCR); err != nil {
		fmt.Fprintf(os.Stderr, "xhcidump: set handshake: %v\n", err)
		os.Exit(1)
	}
	if err := driver.Open(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "xhcidump: open: %v\n", err)
		os.Exit(1)
	}

	base, err := strconv.ParseUint(*dumpBase, 0, 64)
	if err != nil {
		fmt.Fprintf(os.Stderr, "xhcidump: invalid -dump-base: %v\n", err)
		os.Exit(1)
	}

	dumper := memdump.NewDumper(mem, sport)
	sent, err := dumper.Dump(ctx, base, uint32(*dumpLength))
	if err != nil {
		fmt.Fprintf(os.Stderr, "xhcidump: dump failed after %d bytes: %v\n", sent, err)
		os.Exit(1)
	}

	fmt.Printf("dumped %d bytes from 0x%x\n", sent, base)
}
