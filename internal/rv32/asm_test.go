package rv32

// Register numbers used by the test programs.
const (
	zero = 0
	ra   = 1
	t0   = 5
	t1   = 6
	a0   = 10
	a1   = 11
	a2   = 12
	a3   = 13
)

func iType(op, rd, f3, rs1 uint32, imm int32) uint32 {
	return uint32(imm)<<20 | rs1<<15 | f3<<12 | rd<<7 | op
}

func rType(op, rd, f3, rs1, rs2, f7 uint32) uint32 {
	return f7<<25 | rs2<<20 | rs1<<15 | f3<<12 | rd<<7 | op
}

func sType(f3, rs1, rs2 uint32, imm int32) uint32 {
	u := uint32(imm)
	return (u>>5&0x7f)<<25 | rs2<<20 | rs1<<15 | f3<<12 | (u&0x1f)<<7 | OpStore
}

func bType(f3, rs1, rs2 uint32, imm int32) uint32 {
	u := uint32(imm)
	return (u>>12&1)<<31 | (u>>5&0x3f)<<25 | rs2<<20 | rs1<<15 | f3<<12 |
		(u>>1&0xf)<<8 | (u>>11&1)<<7 | OpBranch
}

func jal(rd uint32, imm int32) uint32 {
	u := uint32(imm)
	return (u>>20&1)<<31 | (u>>1&0x3ff)<<21 | (u>>11&1)<<20 | (u>>12&0xff)<<12 | rd<<7 | OpJal
}

func lui(rd, imm20 uint32) uint32 { return imm20<<12 | rd<<7 | OpLui }
func add(rd, rs1, rs2 uint32) uint32 { return rType(OpOp, rd, 0, rs1, rs2, 0) }
func sub(rd, rs1, rs2 uint32) uint32 { return rType(OpOp, rd, 0, rs1, rs2, 0x20) }

func addi(rd, rs1 uint32, imm int32) uint32 { return iType(OpOpImm, rd, 0, rs1, imm) }
func jalr(rd, rs1 uint32, imm int32) uint32 { return iType(OpJalr, rd, 0, rs1, imm) }
func lw(rd, rs1 uint32, imm int32) uint32   { return iType(OpLoad, rd, 2, rs1, imm) }
func sw(rs2, rs1 uint32, imm int32) uint32  { return sType(2, rs1, rs2, imm) }
func sb(rs2, rs1 uint32, imm int32) uint32  { return sType(0, rs1, rs2, imm) }
func bne(rs1, rs2 uint32, imm int32) uint32 { return bType(1, rs1, rs2, imm) }

func csrrw(rd uint32, csr uint16, rs1 uint32) uint32 {
	return iType(OpSystem, rd, 1, rs1, int32(csr))
}

func csrrs(rd uint32, csr uint16, rs1 uint32) uint32 {
	return iType(OpSystem, rd, 2, rs1, int32(csr))
}

func amo(f5, rd, rs1, rs2 uint32) uint32 { return rType(OpAMO, rd, 2, rs1, rs2, f5<<2) }

const (
	ecall  uint32 = 0x0000_0073
	ebreak uint32 = 0x0010_0073
	mret   uint32 = 0x3020_0073
	wfi           = insnWFI
)

// syscon stores code to the syscon register.
func syscon(code uint32) []uint32 {
	return []uint32{
		lui(t0, SysconAddr>>12),
		lui(t1, (code+0x800)>>12),
		addi(t1, t1, int32(code&0xfff)<<20>>20),
		sw(t1, t0, 0),
	}
}
