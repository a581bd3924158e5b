package rv32

// csrRead reads a CSR. Unknown numbers are forwarded to the bus.
func (cpu *CPU) csrRead(csr uint16) uint32 {
	switch csr {
	case CSRMstatus:
		return cpu.Mstatus
	case CSRMisa:
		return MisaValue
	case CSRMie:
		return cpu.Mie
	case CSRMtvec:
		return cpu.Mtvec
	case CSRMscratch:
		return cpu.Mscratch
	case CSRMepc:
		return cpu.Mepc
	case CSRMcause:
		return cpu.Mcause
	case CSRMtval:
		return cpu.Mtval
	case CSRMip:
		return cpu.Mip
	case CSRCycle:
		return uint32(cpu.Cycle)
	case CSRMvendorid:
		return MvendoridValue
	}
	return cpu.Bus.CSRRead(csr)
}

// csrWrite writes a CSR. Unknown numbers, including the read-only
// identification registers, are forwarded to the bus.
func (cpu *CPU) csrWrite(csr uint16, val uint32) error {
	switch csr {
	case CSRMstatus:
		cpu.Mstatus = val
	case CSRMie:
		cpu.Mie = val
	case CSRMtvec:
		cpu.Mtvec = val
	case CSRMscratch:
		cpu.Mscratch = val
	case CSRMepc:
		cpu.Mepc = val
	case CSRMcause:
		cpu.Mcause = val
	case CSRMtval:
		cpu.Mtval = val
	case CSRMip:
		cpu.Mip = val
	default:
		return cpu.Bus.CSRWrite(csr, val)
	}
	return nil
}

// execSystem handles SYSTEM instructions. next is the address of the
// following instruction; the returned value replaces it.
func (cpu *CPU) execSystem(ir, next uint32) (uint32, uint32, error) {
	pc := cpu.PC
	csr := uint16(ir >> 20)
	f3 := funct3(ir)

	if f3 == 0 {
		switch {
		case ir == insnWFI:
			cpu.Mstatus |= MstatusMIE
			cpu.WFI = true
			cpu.PC = next
			return 0, 0, stop(ResultIdle)
		case csr == 0: // ECALL
			if cpu.Priv == PrivMachine {
				return 0, 0, Exception(CauseEcallFromM, pc)
			}
			return 0, 0, Exception(CauseEcallFromU, pc)
		case csr == 1: // EBREAK
			return 0, 0, Exception(CauseBreakpoint, pc)
		case csr&0xff == 0x02: // xRET
			return 0, cpu.mret(), nil
		}
		return 0, 0, Exception(CauseIllegalInsn, pc)
	}
	if f3 == 4 {
		return 0, 0, Exception(CauseIllegalInsn, pc)
	}

	src := rs1(ir)
	operand := src // CSRRWI, CSRRSI, CSRRCI
	if f3&4 == 0 {
		operand = cpu.X[src]
	}

	old := cpu.csrRead(csr)
	var val uint32
	write := true
	switch f3 & 3 {
	case 1: // CSRRW
		val = operand
	case 2: // CSRRS
		val = old | operand
		write = src != 0
	case 3: // CSRRC
		val = old &^ operand
		write = src != 0
	}
	if write {
		if err := cpu.csrWrite(csr, val); err != nil {
			return 0, 0, err
		}
	}
	return old, next, nil
}

// mret returns from a trap: MIE is restored from MPIE, MPIE is set and the
// privilege level comes from MPP.
func (cpu *CPU) mret() uint32 {
	mstatus := cpu.Mstatus
	cpu.Mstatus = (mstatus&MstatusMPIE)>>4 | uint32(cpu.Priv)<<MstatusMPPShift | MstatusMPIE
	cpu.Priv = uint8(mstatus>>MstatusMPPShift) & 3
	return cpu.Mepc
}

// enterTrap takes a trap at the current program counter.
func (cpu *CPU) enterTrap(cause, tval uint32) {
	cpu.Mcause = cause
	cpu.Mtval = tval
	cpu.Mepc = cpu.PC
	cpu.Mstatus = (cpu.Mstatus&MstatusMIE)<<4 | uint32(cpu.Priv)<<MstatusMPPShift
	cpu.PC = cpu.Mtvec
	cpu.Priv = PrivMachine
}
