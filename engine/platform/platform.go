// Package platform names the per-board memory layout and hart count
// Miralis is configured for. spec.md leaves these "fixed" without
// naming concrete addresses; this package supplies two named sets so
// an instance's config can select one by name instead of hand-rolling
// addresses.
package platform

import "fmt"

// Params is one board's fixed memory layout and hart budget. Every
// field here is read once at boot and never changes for the lifetime
// of an instance.
type Params struct {
	Name string

	// StartAddress is where Miralis itself is loaded and begins
	// executing in real M-mode.
	StartAddress uint64
	// FirmwareAddress is where the deprivileged firmware image is
	// loaded before the first U-mode entry.
	FirmwareAddress uint64
	// PayloadAddress is where the S-mode payload image is loaded.
	PayloadAddress uint64

	StackSize uint64
	NbHarts   int
	NbPMP     int

	// SerialPortAddress is the MMIO base of the platform UART,
	// forwarded to the firmware untranslated (passthrough).
	SerialPortAddress uint64
	// ClintAddress is the MMIO base of the CLINT timer/IPI device.
	ClintAddress uint64
}

// QemuVirt matches QEMU's "virt" machine memory map as used by
// upstream's own default configuration.
var QemuVirt = Params{
	Name:              "qemu-virt",
	StartAddress:      0x80000000,
	FirmwareAddress:   0x80200000,
	PayloadAddress:    0x80400000,
	StackSize:         0x8000,
	NbHarts:           1,
	NbPMP:             16,
	SerialPortAddress: 0x10000000,
	ClintAddress:      0x2000000,
}

// VisionFive2 is a generic layout shaped after the StarFive
// VisionFive2 board: more harts, a smaller PMP budget, and a serial
// port at the SoC's UART0 MMIO address.
var VisionFive2 = Params{
	Name:              "visionfive2",
	StartAddress:      0x40000000,
	FirmwareAddress:   0x40200000,
	PayloadAddress:    0x40400000,
	StackSize:         0x8000,
	NbHarts:           4,
	NbPMP:             8,
	SerialPortAddress: 0x10010000,
	ClintAddress:      0x2000000,
}

var known = map[string]Params{
	QemuVirt.Name:    QemuVirt,
	VisionFive2.Name: VisionFive2,
}

// Lookup resolves a platform by name.
func Lookup(name string) (Params, error) {
	p, ok := known[name]
	if !ok {
		return Params{}, fmt.Errorf("platform: unknown platform %q", name)
	}
	return p, nil
}
