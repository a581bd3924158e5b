package rv32

import (
	"math"

	"github.com/tinyrange/ucrv32/internal/fault"
)

// Opcode constants
const (
	OpLoad    = 0b0000011
	OpMiscMem = 0b0001111
	OpOpImm   = 0b0010011
	OpAuipc   = 0b0010111
	OpStore   = 0b0100011
	OpAMO     = 0b0101111
	OpOp      = 0b0110011
	OpLui     = 0b0110111
	OpBranch  = 0b1100011
	OpJalr    = 0b1100111
	OpJal     = 0b1101111
	OpSystem  = 0b1110011
)

const insnWFI uint32 = 0x1050_0073

// Instruction field extraction
func opcode(insn uint32) uint32 { return insn & 0x7f }
func rd(insn uint32) uint32     { return (insn >> 7) & 0x1f }
func funct3(insn uint32) uint32 { return (insn >> 12) & 0x7 }
func rs1(insn uint32) uint32    { return (insn >> 15) & 0x1f }
func rs2(insn uint32) uint32    { return (insn >> 20) & 0x1f }
func funct7(insn uint32) uint32 { return (insn >> 25) & 0x7f }

func signExtend(val uint32, bits uint) uint32 {
	shift := 32 - bits
	return uint32(int32(val<<shift) >> shift)
}

// Immediates are returned already sign extended to 32 bits.
func immI(insn uint32) uint32 {
	return uint32(int32(insn) >> 20)
}

func immS(insn uint32) uint32 {
	return uint32(int32(insn&0xfe00_0000)>>20) | (insn>>7)&0x1f
}

func immB(insn uint32) uint32 {
	imm := (insn>>7)&0x1e | (insn>>20)&0x7e0 | (insn<<4)&0x800 | (insn>>19)&0x1000
	return signExtend(imm, 13)
}

func immJ(insn uint32) uint32 {
	imm := (insn>>20)&0x7fe | (insn>>9)&0x800 | insn&0xff000 | (insn>>11)&0x10_0000
	return signExtend(imm, 21)
}

// accessFault turns a bus error into an access fault exception, unless it
// is an IO fault, which is returned as is and stops the core.
func accessFault(err error, cause, addr uint32) error {
	if fault.KindOf(err) == fault.KindIO {
		return err
	}
	return Exception(cause, addr)
}

// fetch reads the instruction at pc.
func (cpu *CPU) fetch(pc uint32) (uint32, error) {
	if pc&3 != 0 {
		return 0, Exception(CauseInsnAddrMisaligned, pc)
	}
	ir, err := cpu.Bus.Fetch(pc)
	if err != nil {
		return 0, accessFault(err, CauseInsnAccessFault, pc)
	}
	return ir, nil
}

// execute runs one instruction. On success the destination register and
// the program counter are updated. On error neither is.
func (cpu *CPU) execute(ir uint32) error {
	pc := cpu.PC
	next := pc + 4
	rdid := rd(ir)
	var rval uint32
	var err error

	switch opcode(ir) {
	case OpLui:
		rval = ir & 0xffff_f000
	case OpAuipc:
		rval = pc + ir&0xffff_f000
	case OpJal:
		rval = next
		next = pc + immJ(ir)
	case OpJalr:
		rval = next
		next = (cpu.X[rs1(ir)] + immI(ir)) &^ 1
	case OpBranch:
		rdid = 0
		taken, err := cpu.branchTaken(ir)
		if err != nil {
			return err
		}
		if taken {
			next = pc + immB(ir)
		}
	case OpLoad:
		rval, err = cpu.execLoad(ir)
	case OpStore:
		rdid = 0
		err = cpu.execStore(ir)
	case OpOpImm, OpOp:
		rval, err = cpu.execALU(ir)
	case OpMiscMem:
		// FENCE and FENCE.I: a single hart with no instruction cache.
		rdid = 0
	case OpSystem:
		rval, next, err = cpu.execSystem(ir, next)
	case OpAMO:
		rval, err = cpu.execAMO(ir)
	default:
		err = Exception(CauseIllegalInsn, pc)
	}
	if err != nil {
		return err
	}

	cpu.WriteReg(rdid, rval)
	cpu.PC = next
	return nil
}

func (cpu *CPU) branchTaken(ir uint32) (bool, error) {
	a, b := cpu.X[rs1(ir)], cpu.X[rs2(ir)]
	switch funct3(ir) {
	case 0: // BEQ
		return a == b, nil
	case 1: // BNE
		return a != b, nil
	case 4: // BLT
		return int32(a) < int32(b), nil
	case 5: // BGE
		return int32(a) >= int32(b), nil
	case 6: // BLTU
		return a < b, nil
	case 7: // BGEU
		return a >= b, nil
	}
	return false, Exception(CauseIllegalInsn, cpu.PC)
}

func (cpu *CPU) execLoad(ir uint32) (uint32, error) {
	addr := cpu.X[rs1(ir)] + immI(ir)

	var size int
	switch funct3(ir) {
	case 0, 4: // LB, LBU
		size = 1
	case 1, 5: // LH, LHU
		size = 2
	case 2: // LW
		size = 4
	default:
		return 0, Exception(CauseIllegalInsn, cpu.PC)
	}

	v, err := cpu.load(addr, size)
	if err != nil {
		return 0, err
	}
	switch funct3(ir) {
	case 0:
		v = signExtend(v, 8)
	case 1:
		v = signExtend(v, 16)
	}
	return v, nil
}

// load reads physical memory, serving the timer registers locally.
func (cpu *CPU) load(addr uint32, size int) (uint32, error) {
	switch addr {
	case CLINTTimerLo:
		return uint32(cpu.Timer), nil
	case CLINTTimerHi:
		return uint32(cpu.Timer >> 32), nil
	}
	v, err := cpu.Bus.Load(addr, size)
	if err != nil {
		return 0, accessFault(err, CauseLoadAccessFault, addr)
	}
	return v, nil
}

func (cpu *CPU) execStore(ir uint32) error {
	addr := cpu.X[rs1(ir)] + immS(ir)
	val := cpu.X[rs2(ir)]

	var size int
	switch funct3(ir) {
	case 0: // SB
		size = 1
	case 1: // SH
		size = 2
	case 2: // SW
		size = 4
	default:
		return Exception(CauseIllegalInsn, cpu.PC)
	}

	switch addr {
	case CLINTTimerMatchLo:
		cpu.TimerMatch = cpu.TimerMatch&^0xffff_ffff | uint64(val)
		return nil
	case CLINTTimerMatchHi:
		cpu.TimerMatch = cpu.TimerMatch&0xffff_ffff | uint64(val)<<32
		return nil
	case SysconAddr:
		cpu.PC += 4
		return stop(val)
	}

	if err := cpu.Bus.Store(addr, size, val); err != nil {
		return accessFault(err, CauseStoreAccessFault, addr)
	}
	return nil
}

// execALU handles OP and OP-IMM, including the M extension.
func (cpu *CPU) execALU(ir uint32) (uint32, error) {
	isReg := opcode(ir) == OpOp
	a := cpu.X[rs1(ir)]
	var b uint32
	if isReg {
		b = cpu.X[rs2(ir)]
		if funct7(ir) == 1 {
			return mulDiv(funct3(ir), a, b), nil
		}
	} else {
		b = immI(ir)
	}
	alt := ir&0x4000_0000 != 0

	switch funct3(ir) {
	case 0:
		if isReg && alt {
			return a - b, nil
		}
		return a + b, nil
	case 1:
		return a << (b & 0x1f), nil
	case 2:
		if int32(a) < int32(b) {
			return 1, nil
		}
		return 0, nil
	case 3:
		if a < b {
			return 1, nil
		}
		return 0, nil
	case 4:
		return a ^ b, nil
	case 5:
		if alt {
			return uint32(int32(a) >> (b & 0x1f)), nil
		}
		return a >> (b & 0x1f), nil
	case 6:
		return a | b, nil
	default:
		return a & b, nil
	}
}

// mulDiv implements the M extension. Division by zero and signed overflow
// produce the architecturally defined results instead of trapping.
func mulDiv(f3, a, b uint32) uint32 {
	switch f3 {
	case 0: // MUL
		return a * b
	case 1: // MULH
		return uint32(uint64(int64(int32(a))*int64(int32(b))) >> 32)
	case 2: // MULHSU
		return uint32(uint64(int64(int32(a))*int64(b)) >> 32)
	case 3: // MULHU
		return uint32(uint64(a) * uint64(b) >> 32)
	case 4: // DIV
		switch {
		case b == 0:
			return 0xffff_ffff
		case int32(a) == math.MinInt32 && int32(b) == -1:
			return a
		}
		return uint32(int32(a) / int32(b))
	case 5: // DIVU
		if b == 0 {
			return 0xffff_ffff
		}
		return a / b
	case 6: // REM
		switch {
		case b == 0:
			return a
		case int32(a) == math.MinInt32 && int32(b) == -1:
			return 0
		}
		return uint32(int32(a) % int32(b))
	default: // REMU
		if b == 0 {
			return a
		}
		return a % b
	}
}
