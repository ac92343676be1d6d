package cpu

import (
	"golang.org/x/arch/riscv64/riscv64asm"

	"github.com/rvfw/miralis/engine/arch"
)

// encoding bundles the raw bitfields every RV64 base-ISA instruction
// format draws from, extracted by hand exactly as the PMP cfg/addr
// packing is: direct, spec-level bit arithmetic rather than library
// calls, since this is the one place accuracy against the ISA encoding
// tables matters more than a convenient API.
type encoding struct {
	raw    uint32
	opcode uint32
	rd     arch.Register
	rs1    arch.Register
	rs2    arch.Register
	funct3 uint32
	funct7 uint32
	csr    arch.CSR
}

func decodeEncoding(raw uint32) encoding {
	return encoding{
		raw:    raw,
		opcode: raw & 0x7f,
		rd:     arch.Register((raw >> 7) & 0x1f),
		rs1:    arch.Register((raw >> 15) & 0x1f),
		rs2:    arch.Register((raw >> 20) & 0x1f),
		funct3: (raw >> 12) & 0x7,
		funct7: (raw >> 25) & 0x7f,
		csr:    arch.CSR((raw >> 20) & 0xfff),
	}
}

func signExtend(v uint32, bits int) int64 {
	shift := 32 - bits
	return int64(int32(v<<shift)) >> shift
}

func (e encoding) immI() int64 { return signExtend(e.raw>>20, 12) }

func (e encoding) immS() int64 {
	v := ((e.raw >> 25) << 5) | ((e.raw >> 7) & 0x1f)
	return signExtend(v, 12)
}

func (e encoding) immB() int64 {
	v := (((e.raw >> 31) & 1) << 12) |
		(((e.raw >> 7) & 1) << 11) |
		(((e.raw >> 25) & 0x3f) << 5) |
		(((e.raw >> 8) & 0xf) << 1)
	return signExtend(v, 13)
}

func (e encoding) immU() int64 { return int64(int32(e.raw &^ 0xfff)) }

func (e encoding) immJ() int64 {
	v := (((e.raw >> 31) & 1) << 20) |
		(((e.raw >> 12) & 0xff) << 12) |
		(((e.raw >> 20) & 1) << 11) |
		(((e.raw >> 21) & 0x3ff) << 1)
	return signExtend(v, 21)
}

// isCompressed reports whether the low 16 bits of an instruction word
// encode a 16-bit (RVC) instruction: bits [1:0] are anything but 11.
func isCompressed(low16 uint16) bool {
	return low16&0x3 != 0x3
}

// LoadStoreInfo describes a decoded load or store instruction, enough
// for the vMPRV helper to replay it against a different address space
// without re-running the whole interpreter.
type LoadStoreInfo struct {
	IsStore bool
	Width   int // bytes: 1, 2, 4 or 8
	Signed  bool
	Rd      arch.Register // valid for loads
	Rs1     arch.Register
	Rs2     arch.Register // valid for stores
	Imm     int64
}

// DecodeLoadStore decodes raw as a load or store instruction. ok is
// false if raw is not a load/store opcode.
func DecodeLoadStore(raw uint32) (info LoadStoreInfo, ok bool) {
	e := decodeEncoding(raw)
	switch e.opcode {
	case 0x03: // load
		widths := map[uint32]struct {
			width  int
			signed bool
		}{
			0b000: {1, true}, 0b001: {2, true}, 0b010: {4, true}, 0b011: {8, false},
			0b100: {1, false}, 0b101: {2, false}, 0b110: {4, false},
		}
		w, known := widths[e.funct3]
		if !known {
			return LoadStoreInfo{}, false
		}
		return LoadStoreInfo{IsStore: false, Width: w.width, Signed: w.signed, Rd: e.rd, Rs1: e.rs1, Imm: e.immI()}, true
	case 0x23: // store
		widths := map[uint32]int{0b000: 1, 0b001: 2, 0b010: 4, 0b011: 8}
		w, known := widths[e.funct3]
		if !known {
			return LoadStoreInfo{}, false
		}
		return LoadStoreInfo{IsStore: true, Width: w, Rs1: e.rs1, Rs2: e.rs2, Imm: e.immS()}, true
	default:
		return LoadStoreInfo{}, false
	}
}

// Instruction is the fully decoded form of one RV64 base-ISA
// instruction word, exported so the trap dispatcher can re-decode the
// raw word it finds in an illegal-instruction trap's mtval without
// duplicating bitfield arithmetic.
type Instruction struct {
	Raw    uint32
	Opcode uint32
	Rd     arch.Register
	Rs1    arch.Register
	Rs2    arch.Register
	Funct3 uint32
	Funct7 uint32
	Csr    arch.CSR
	ImmI   int64
	ImmS   int64
	ImmB   int64
	ImmU   int64
	ImmJ   int64
}

// Decode fully decodes raw, including every immediate format — the
// caller picks whichever field applies to the opcode it found.
func Decode(raw uint32) Instruction {
	e := decodeEncoding(raw)
	return Instruction{
		Raw: raw, Opcode: e.opcode,
		Rd: e.rd, Rs1: e.rs1, Rs2: e.rs2,
		Funct3: e.funct3, Funct7: e.funct7, Csr: e.csr,
		ImmI: e.immI(), ImmS: e.immS(), ImmB: e.immB(), ImmU: e.immU(), ImmJ: e.immJ(),
	}
}

// FetchWord reads the 4-byte instruction word at addr.
func FetchWord(mem *Memory, addr uint64) (uint32, error) {
	v, err := mem.ReadUint32(addr)
	return v, err
}

// disassemble produces a best-effort mnemonic via riscv64asm; nothing
// in the tree calls it at present. Decode failures
// (unsupported or malformed encodings) are reported as "?" rather than
// propagated, since this path is advisory only — execution dispatch
// never depends on riscv64asm's answer.
func disassemble(buf []byte) (mnemonic string, length int) {
	inst, err := riscv64asm.Decode(buf)
	if err != nil {
		if isCompressed(uint16(buf[0]) | uint16(buf[1])<<8) {
			return "?", 2
		}
		return "?", 4
	}
	return inst.Op.String(), inst.Len
}
