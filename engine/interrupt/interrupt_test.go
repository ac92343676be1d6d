package interrupt

import (
	"testing"

	"github.com/rvfw/miralis/engine/arch"
	"github.com/rvfw/miralis/engine/virt"
)

func TestReadMipSEIPIsOred(t *testing.T) {
	csr := &virt.VirtCsr{}

	if v := ReadMip(csr, Signals{}); v&(1<<arch.BitSEIP) != 0 {
		t.Fatalf("SEIP should read 0 with no software bit and no signal, got %#x", v)
	}

	WriteMip(csr, 1<<arch.BitSEIP)
	if v := ReadMip(csr, Signals{}); v&(1<<arch.BitSEIP) == 0 {
		t.Fatalf("SEIP should read 1 after software write, got %#x", v)
	}

	WriteMip(csr, 0)
	if v := ReadMip(csr, Signals{SEIP: true}); v&(1<<arch.BitSEIP) == 0 {
		t.Fatalf("SEIP should read 1 when the hardware signal is asserted, got %#x", v)
	}
}

func TestWriteMipIgnoresMSIPAndMEIP(t *testing.T) {
	csr := &virt.VirtCsr{}
	WriteMip(csr, 1<<arch.BitMSIP|1<<arch.BitMEIP)
	if v := ReadMip(csr, Signals{}); v&(1<<arch.BitMSIP) != 0 || v&(1<<arch.BitMEIP) != 0 {
		t.Fatalf("software write to MSIP/MEIP must not stick, got %#x", v)
	}
	if v := ReadMip(csr, Signals{MSIP: true, MEIP: true}); v&(1<<arch.BitMSIP) == 0 || v&(1<<arch.BitMEIP) == 0 {
		t.Fatalf("MSIP/MEIP must reflect the live signal regardless of prior writes, got %#x", v)
	}
}

func TestRealMIEFirmwareRespectsGlobalEnable(t *testing.T) {
	csr := &virt.VirtCsr{Mie: 1 << arch.BitMTIP, Mideleg: 0}
	csr.Mstatus = arch.SetStatusBit(csr.Mstatus, arch.MstatusMIEBit, false)
	if got := RealMIE(csr, arch.ModeU); got != 0 {
		t.Fatalf("RealMIE with vmstatus.MIE=0 = %#x, want 0", got)
	}

	csr.Mstatus = arch.SetStatusBit(csr.Mstatus, arch.MstatusMIEBit, true)
	if got := RealMIE(csr, arch.ModeU); got != 1<<arch.BitMTIP {
		t.Fatalf("RealMIE with vmstatus.MIE=1 = %#x, want %#x", got, uint64(1<<arch.BitMTIP))
	}
}

func TestRealMIEFirmwareMasksDelegated(t *testing.T) {
	csr := &virt.VirtCsr{Mie: 1<<arch.BitMTIP | 1<<arch.BitSTIP, Mideleg: 1 << arch.BitSTIP}
	csr.Mstatus = arch.SetStatusBit(csr.Mstatus, arch.MstatusMIEBit, true)
	got := RealMIE(csr, arch.ModeU)
	if got&(1<<arch.BitSTIP) != 0 {
		t.Fatalf("delegated bit must not appear in real mie while firmware runs, got %#x", got)
	}
	if got&(1<<arch.BitMTIP) == 0 {
		t.Fatalf("non-delegated enabled bit must appear in real mie, got %#x", got)
	}
}

func TestRealMIEPayloadIsVmieVerbatim(t *testing.T) {
	csr := &virt.VirtCsr{Mie: 0xABCD}
	if got := RealMIE(csr, arch.ModeS); got != 0xABCD {
		t.Fatalf("RealMIE for payload = %#x, want %#x", got, uint64(0xABCD))
	}
}

func TestRealMIDELEG(t *testing.T) {
	csr := &virt.VirtCsr{Mideleg: 0x42}
	if got := RealMIDELEG(csr, arch.ModeU); got != 0 {
		t.Fatalf("RealMIDELEG while firmware runs = %#x, want 0", got)
	}
	if got := RealMIDELEG(csr, arch.ModeS); got != 0x42 {
		t.Fatalf("RealMIDELEG while payload runs = %#x, want %#x", got, uint64(0x42))
	}
}

func TestShouldDeliverToFirmware(t *testing.T) {
	csr := &virt.VirtCsr{Mie: 1 << arch.BitMTIP, Mideleg: 0}
	csr.Mstatus = arch.SetStatusBit(csr.Mstatus, arch.MstatusMIEBit, true)
	hwMIP := uint64(1 << arch.BitMTIP)

	// I-DELIVERY-VM: firmware running, bit pending+enabled+not delegated+MIE=1.
	if !ShouldDeliverToFirmware(csr, hwMIP, arch.BitMTIP, arch.ModeU) {
		t.Fatal("expected delivery to firmware")
	}

	csr.Mstatus = arch.SetStatusBit(csr.Mstatus, arch.MstatusMIEBit, false)
	if ShouldDeliverToFirmware(csr, hwMIP, arch.BitMTIP, arch.ModeU) {
		t.Fatal("expected no delivery when vmstatus.MIE=0")
	}

	// I-DELIVERY-S: payload running, delegated bit never reaches Miralis.
	csr.Mideleg = 1 << arch.BitSTIP
	csr.Mie |= 1 << arch.BitSTIP
	hwMIP |= 1 << arch.BitSTIP
	if ShouldDeliverToFirmware(csr, hwMIP, arch.BitSTIP, arch.ModeS) {
		t.Fatal("delegated interrupt must not trap to Miralis while payload runs")
	}
	if !ShouldDeliverToFirmware(csr, hwMIP, arch.BitMTIP, arch.ModeS) {
		t.Fatal("non-delegated pending+enabled interrupt must trap to Miralis while payload runs")
	}
}
