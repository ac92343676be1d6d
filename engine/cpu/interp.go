package cpu

import (
	"fmt"

	"github.com/rvfw/miralis/engine/arch"
	"github.com/rvfw/miralis/engine/virt"
)

// Trap carries everything the dispatcher needs once Step reports that
// the instruction at ctx.PC cannot be completed by the interpreter
// itself and must be handled by Miralis.
type Trap struct {
	Cause arch.MCause
	Tval  uint64
}

// Step executes exactly one instruction for ctx against mem. It either
// completes the instruction and advances ctx.PC (ordinary, unprivileged
// RV64I/M instructions), or returns a Trap describing why the
// instruction could not be completed — this is the simulated
// equivalent of real hardware taking an M-mode trap, and the caller
// (the hart's run loop) must hand the Trap to the trap dispatcher
// rather than retrying.
func Step(ctx *virt.VirtContext, mem *Memory) (*Trap, error) {
	var first [2]byte
	if err := readBytes(mem, ctx.PC, first[:]); err != nil {
		return &Trap{Cause: arch.CauseInstructionFault, Tval: ctx.PC}, nil
	}

	if isCompressed(uint16(first[0]) | uint16(first[1])<<8) {
		// Compressed (RVC) instructions are not decoded by this
		// interpreter: firmware/payload images built for Miralis are
		// compiled without the C extension. An attempt to run one
		// surfaces as Emulation-refused, matching spec.md's error kinds.
		return &Trap{Cause: arch.CauseIllegalInstruction, Tval: uint64(first[0]) | uint64(first[1])<<8}, nil
	}

	var word [4]byte
	if err := readBytes(mem, ctx.PC, word[:]); err != nil {
		return &Trap{Cause: arch.CauseInstructionFault, Tval: ctx.PC}, nil
	}
	raw := uint32(word[0]) | uint32(word[1])<<8 | uint32(word[2])<<16 | uint32(word[3])<<24
	e := decodeEncoding(raw)

	switch e.opcode {
	case 0x37: // LUI
		ctx.Set(e.rd, uint64(e.immU()))
	case 0x17: // AUIPC
		ctx.Set(e.rd, ctx.PC+uint64(e.immU()))
	case 0x6f: // JAL
		ctx.Set(e.rd, ctx.PC+4)
		ctx.PC += uint64(e.immJ())
		return nil, nil
	case 0x67: // JALR
		target := (ctx.Get(e.rs1) + uint64(e.immI())) &^ 1
		ctx.Set(e.rd, ctx.PC+4)
		ctx.PC = target
		return nil, nil
	case 0x63: // branches
		if !execBranch(ctx, e) {
			break
		}
		return nil, nil
	case 0x03: // loads
		if t := execLoad(ctx, mem, e); t != nil {
			return t, nil
		}
	case 0x23: // stores
		if t := execStore(ctx, mem, e); t != nil {
			return t, nil
		}
	case 0x13: // ALU reg-imm (32/64-bit view)
		execALUImm(ctx, e, false)
	case 0x1b: // ALU reg-imm, word (RV64 *W forms)
		execALUImm(ctx, e, true)
	case 0x33: // ALU reg-reg
		execALUReg(ctx, e, false)
	case 0x3b: // ALU reg-reg, word
		execALUReg(ctx, e, true)
	case 0x0f: // FENCE / FENCE.I
		// Device/IO ordering and instruction-cache synchronisation have
		// no observable effect on this single-hart-at-a-time software
		// model beyond the cross-hart broadcast the policy framework
		// may perform; treat as a no-op that always completes in place.
	case 0x73: // SYSTEM: ECALL/EBREAK/CSR*/MRET/WFI/SFENCE.VMA
		return execSystem(ctx, e), nil
	default:
		return &Trap{Cause: arch.CauseIllegalInstruction, Tval: uint64(raw)}, nil
	}

	ctx.PC += 4
	return nil, nil
}

func readBytes(mem *Memory, addr uint64, b []byte) error {
	if !mem.inBounds(addr, len(b)) {
		return fmt.Errorf("cpu: fetch fault at %#x", addr)
	}
	copy(b, mem.mem[addr:])
	return nil
}

func execBranch(ctx *virt.VirtContext, e encoding) bool {
	a := ctx.Get(e.rs1)
	b := ctx.Get(e.rs2)
	var take bool
	switch e.funct3 {
	case 0b000: // BEQ
		take = a == b
	case 0b001: // BNE
		take = a != b
	case 0b100: // BLT
		take = int64(a) < int64(b)
	case 0b101: // BGE
		take = int64(a) >= int64(b)
	case 0b110: // BLTU
		take = a < b
	case 0b111: // BGEU
		take = a >= b
	}
	if take {
		ctx.PC += uint64(e.immB())
	} else {
		ctx.PC += 4
	}
	return true
}

func execLoad(ctx *virt.VirtContext, mem *Memory, e encoding) *Trap {
	addr := ctx.Get(e.rs1) + uint64(e.immI())
	switch e.funct3 {
	case 0b000: // LB
		v, err := mem.ReadByte(addr)
		if err != nil {
			return &Trap{Cause: arch.CauseLoadFault, Tval: addr}
		}
		ctx.Set(e.rd, uint64(int64(int8(v))))
	case 0b001: // LH
		v, err := mem.ReadUint16(addr)
		if err != nil {
			return &Trap{Cause: arch.CauseLoadFault, Tval: addr}
		}
		ctx.Set(e.rd, uint64(int64(int16(v))))
	case 0b010: // LW
		v, err := mem.ReadUint32(addr)
		if err != nil {
			return &Trap{Cause: arch.CauseLoadFault, Tval: addr}
		}
		ctx.Set(e.rd, uint64(int64(int32(v))))
	case 0b011: // LD
		v, err := mem.ReadUint64(addr)
		if err != nil {
			return &Trap{Cause: arch.CauseLoadFault, Tval: addr}
		}
		ctx.Set(e.rd, v)
	case 0b100: // LBU
		v, err := mem.ReadByte(addr)
		if err != nil {
			return &Trap{Cause: arch.CauseLoadFault, Tval: addr}
		}
		ctx.Set(e.rd, uint64(v))
	case 0b101: // LHU
		v, err := mem.ReadUint16(addr)
		if err != nil {
			return &Trap{Cause: arch.CauseLoadFault, Tval: addr}
		}
		ctx.Set(e.rd, uint64(v))
	case 0b110: // LWU
		v, err := mem.ReadUint32(addr)
		if err != nil {
			return &Trap{Cause: arch.CauseLoadFault, Tval: addr}
		}
		ctx.Set(e.rd, uint64(v))
	default:
		return &Trap{Cause: arch.CauseIllegalInstruction, Tval: uint64(e.raw)}
	}
	return nil
}

func execStore(ctx *virt.VirtContext, mem *Memory, e encoding) *Trap {
	addr := ctx.Get(e.rs1) + uint64(e.immS())
	v := ctx.Get(e.rs2)
	var err error
	switch e.funct3 {
	case 0b000:
		err = mem.WriteByte(addr, byte(v))
	case 0b001:
		err = mem.WriteUint16(addr, uint16(v))
	case 0b010:
		err = mem.WriteUint32(addr, uint32(v))
	case 0b011:
		err = mem.WriteUint64(addr, v)
	default:
		return &Trap{Cause: arch.CauseIllegalInstruction, Tval: uint64(e.raw)}
	}
	if err != nil {
		return &Trap{Cause: arch.CauseStoreFault, Tval: addr}
	}
	return nil
}

func execALUImm(ctx *virt.VirtContext, e encoding, word bool) {
	a := ctx.Get(e.rs1)
	imm := e.immI()
	var r uint64
	switch e.funct3 {
	case 0b000: // ADDI / ADDIW
		r = a + uint64(imm)
	case 0b010: // SLTI
		r = boolToU64(int64(a) < imm)
	case 0b011: // SLTIU
		r = boolToU64(a < uint64(imm))
	case 0b100: // XORI
		r = a ^ uint64(imm)
	case 0b110: // ORI
		r = a | uint64(imm)
	case 0b111: // ANDI
		r = a & uint64(imm)
	case 0b001: // SLLI / SLLIW
		r = a << uint(imm&0x3f)
	case 0b101: // SRLI/SRAI, SRLIW/SRAIW
		if e.funct7&0x20 != 0 {
			r = uint64(int64(a) >> uint(imm&0x3f))
		} else {
			r = a >> uint(imm&0x3f)
		}
	}
	if word {
		r = uint64(int64(int32(r)))
	}
	ctx.Set(e.rd, r)
}

func execALUReg(ctx *virt.VirtContext, e encoding, word bool) {
	a := ctx.Get(e.rs1)
	b := ctx.Get(e.rs2)
	var r uint64
	switch {
	case e.funct3 == 0b000 && e.funct7 == 0x00: // ADD/ADDW
		r = a + b
	case e.funct3 == 0b000 && e.funct7 == 0x20: // SUB/SUBW
		r = a - b
	case e.funct3 == 0b001: // SLL/SLLW
		r = a << uint(b&0x3f)
	case e.funct3 == 0b010: // SLT
		r = boolToU64(int64(a) < int64(b))
	case e.funct3 == 0b011: // SLTU
		r = boolToU64(a < b)
	case e.funct3 == 0b100: // XOR
		r = a ^ b
	case e.funct3 == 0b101 && e.funct7 == 0x00: // SRL/SRLW
		r = a >> uint(b&0x3f)
	case e.funct3 == 0b101 && e.funct7 == 0x20: // SRA/SRAW
		r = uint64(int64(a) >> uint(b&0x3f))
	case e.funct3 == 0b110: // OR
		r = a | b
	case e.funct3 == 0b111: // AND
		r = a & b
	case e.funct3 == 0b000 && e.funct7 == 0x01: // MUL/MULW
		r = a * b
	case e.funct3 == 0b100 && e.funct7 == 0x01: // DIV/DIVW
		if b == 0 {
			r = ^uint64(0)
		} else {
			r = uint64(int64(a) / int64(b))
		}
	case e.funct3 == 0b110 && e.funct7 == 0x01: // REM/REMW
		if b == 0 {
			r = a
		} else {
			r = uint64(int64(a) % int64(b))
		}
	}
	if word {
		r = uint64(int64(int32(r)))
	}
	ctx.Set(e.rd, r)
}

func boolToU64(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

// execSystem handles the SYSTEM major opcode: ECALL, EBREAK, the six
// CSR instructions, MRET, WFI and SFENCE.VMA. Every one of these is a
// privileged operation; whether it traps depends only on ctx.Mode,
// since the firmware always physically executes at U (never at its
// believed vM-mode) and the payload always physically executes at S.
func execSystem(ctx *virt.VirtContext, e encoding) *Trap {
	switch {
	case e.raw == 0x00000073: // ECALL
		if ctx.Mode == arch.ModeU {
			return &Trap{Cause: arch.CauseEcallFromU}
		}
		return &Trap{Cause: arch.CauseEcallFromS}
	case e.raw == 0x00100073: // EBREAK
		return &Trap{Cause: arch.CauseBreakpoint, Tval: ctx.PC}
	case e.raw == 0x30200073: // MRET
		return &Trap{Cause: arch.CauseIllegalInstruction, Tval: uint64(e.raw)}
	case e.raw == 0x10500073: // WFI
		if ctx.Mode == arch.ModeU {
			return &Trap{Cause: arch.CauseIllegalInstruction, Tval: uint64(e.raw)}
		}
		ctx.PC += 4
		return nil
	case e.funct3 == 0b000 && e.funct7 == 0x09: // SFENCE.VMA
		if ctx.Mode == arch.ModeU {
			return &Trap{Cause: arch.CauseIllegalInstruction, Tval: uint64(e.raw)}
		}
		ctx.PC += 4
		return nil
	case e.funct3 != 0: // CSRRW/CSRRS/CSRRC/CSRRWI/CSRRSI/CSRRCI
		if ctx.Mode == arch.ModeU {
			// The firmware believes it is M-mode and free to touch any
			// CSR; physically it is U-mode, so every CSR instruction
			// traps and is routed to Miralis' CSR emulation.
			return &Trap{Cause: arch.CauseIllegalInstruction, Tval: uint64(e.raw)}
		}
		execPayloadCSR(ctx, e)
		ctx.PC += 4
		return nil
	default:
		return &Trap{Cause: arch.CauseIllegalInstruction, Tval: uint64(e.raw)}
	}
}

// execPayloadCSR applies a CSR instruction issued by the payload
// directly against the S-mode CSRs it is architecturally entitled to
// touch without Miralis' involvement.
func execPayloadCSR(ctx *virt.VirtContext, e encoding) {
	read := func() uint64 {
		switch e.csr {
		case arch.CsrSstatus:
			return ctx.Csr.Sstatus
		case arch.CsrSie:
			return ctx.Csr.Sie
		case arch.CsrStvec:
			return ctx.Csr.Stvec
		case arch.CsrSscratch:
			return ctx.Csr.Sscratch
		case arch.CsrSepc:
			return ctx.Csr.Sepc
		case arch.CsrScause:
			return uint64(ctx.Csr.Scause)
		case arch.CsrStval:
			return ctx.Csr.Stval
		case arch.CsrSatp:
			return ctx.Csr.Satp
		default:
			return 0
		}
	}
	write := func(v uint64) {
		switch e.csr {
		case arch.CsrSstatus:
			ctx.Csr.Sstatus = v
		case arch.CsrSie:
			ctx.Csr.Sie = v
		case arch.CsrStvec:
			ctx.Csr.Stvec = v
		case arch.CsrSscratch:
			ctx.Csr.Sscratch = v
		case arch.CsrSepc:
			ctx.Csr.Sepc = v
		case arch.CsrScause:
			ctx.Csr.Scause = arch.MCause(v)
		case arch.CsrStval:
			ctx.Csr.Stval = v
		case arch.CsrSatp:
			ctx.Csr.Satp = v
		}
	}

	old := read()
	var src uint64
	immediate := e.funct3&0x4 != 0
	if immediate {
		src = uint64(e.rs1)
	} else {
		src = ctx.Get(e.rs1)
	}
	switch e.funct3 & 0x3 {
	case 0b01: // CSRRW / CSRRWI
		write(src)
	case 0b10: // CSRRS / CSRRSI
		write(old | src)
	case 0b11: // CSRRC / CSRRCI
		write(old &^ src)
	}
	ctx.Set(e.rd, old)
}
