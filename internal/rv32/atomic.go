package rv32

// AMO funct5 values
const (
	amoADD  = 0x00
	amoSWAP = 0x01
	amoLR   = 0x02
	amoSC   = 0x03
	amoXOR  = 0x04
	amoOR   = 0x08
	amoAND  = 0x0c
	amoMIN  = 0x10
	amoMAX  = 0x14
	amoMINU = 0x18
	amoMAXU = 0x1c
)

// execAMO executes a word-sized atomic. Atomics only operate on RAM.
func (cpu *CPU) execAMO(ir uint32) (uint32, error) {
	if funct3(ir) != 2 {
		return 0, Exception(CauseIllegalInsn, cpu.PC)
	}
	addr := cpu.X[rs1(ir)]
	src := cpu.X[rs2(ir)]
	f5 := ir >> 27

	if addr < cpu.RAMBase || addr-cpu.RAMBase > cpu.RAMSize-4 {
		return 0, Exception(CauseStoreAccessFault, addr)
	}

	switch f5 {
	case amoLR:
		v, err := cpu.Bus.Load(addr, 4)
		if err != nil {
			return 0, accessFault(err, CauseLoadAccessFault, addr)
		}
		cpu.Reservation = addr
		cpu.ReservationValid = true
		return v, nil
	case amoSC:
		ok := cpu.ReservationValid && cpu.Reservation == addr
		cpu.ReservationValid = false
		if !ok {
			return 1, nil
		}
		if err := cpu.Bus.Store(addr, 4, src); err != nil {
			return 0, accessFault(err, CauseStoreAccessFault, addr)
		}
		return 0, nil
	}

	old, err := cpu.Bus.Load(addr, 4)
	if err != nil {
		return 0, accessFault(err, CauseStoreAccessFault, addr)
	}

	var val uint32
	switch f5 {
	case amoADD:
		val = old + src
	case amoSWAP:
		val = src
	case amoXOR:
		val = old ^ src
	case amoOR:
		val = old | src
	case amoAND:
		val = old & src
	case amoMIN:
		val = old
		if int32(src) < int32(old) {
			val = src
		}
	case amoMAX:
		val = old
		if int32(src) > int32(old) {
			val = src
		}
	case amoMINU:
		val = min(old, src)
	case amoMAXU:
		val = max(old, src)
	default:
		return 0, Exception(CauseIllegalInsn, cpu.PC)
	}

	if err := cpu.Bus.Store(addr, 4, val); err != nil {
		return 0, accessFault(err, CauseStoreAccessFault, addr)
	}
	return old, nil
}
