package rv32

import "errors"

// Step advances the timer by elapsedUs and runs up to count instructions.
//
// It returns early with ResultIdle while waiting for an interrupt, with
// the stored value when the guest writes the syscon register, with
// ResultTrap when StopOnTrap is set and an instruction traps, and with
// ResultFault when the bus reports an IO fault. Taking a trap or an
// interrupt also ends the call, with ResultContinue.
func (cpu *CPU) Step(elapsedUs uint32, count int) Result {
	cpu.err = nil

	cpu.Timer += uint64(elapsedUs)
	if cpu.TimerMatch != 0 && cpu.Timer > cpu.TimerMatch {
		cpu.WFI = false
		cpu.Mip |= MipMTIP
	} else {
		cpu.Mip &^= MipMTIP
	}
	if cpu.WFI {
		return ResultIdle
	}

	if cpu.Mip&MipMTIP != 0 && cpu.Mie&MipMTIP != 0 && cpu.Mstatus&MstatusMIE != 0 {
		cpu.enterTrap(CauseMTimerInt, 0)
		return ResultContinue
	}

	for i := 0; i < count; i++ {
		cpu.Cycle++

		pc := cpu.PC
		ir, err := cpu.fetch(pc)
		if err == nil {
			err = cpu.execute(ir)
		}

		var code uint32
		var ex ExceptionError
		var st stop
		switch {
		case err == nil:
		case errors.As(err, &st):
			return Result(st)
		case errors.As(err, &ex):
			code = ex.Cause + 1
		default:
			cpu.err = err
			return ResultFault
		}

		code = cpu.Bus.PostExec(ir, code)
		if code == 0 {
			if err != nil {
				// The hook swallowed the trap; skip the instruction.
				cpu.PC = pc + 4
			}
			continue
		}
		if cpu.StopOnTrap {
			return ResultTrap
		}

		tval := pc
		if err != nil {
			tval = ex.Tval
		}
		cpu.enterTrap(code-1, tval)
		return ResultContinue
	}
	return ResultContinue
}
