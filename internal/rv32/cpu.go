// Package rv32 implements an RV32IMA+Zicsr processor that runs in machine
// mode. The core-local timer and the syscon register are handled inside
// the core; every other access goes through a Bus.
package rv32

import (
	"fmt"
	"strings"
)

// Privilege levels
const (
	PrivUser    uint8 = 0
	PrivMachine uint8 = 3
)

// Core-local registers. These addresses never reach the bus.
const (
	CLINTTimerMatchLo uint32 = 0x1100_4000
	CLINTTimerMatchHi uint32 = 0x1100_4004
	CLINTTimerLo      uint32 = 0x1100_bff8
	CLINTTimerHi      uint32 = 0x1100_bffc
	SysconAddr        uint32 = 0x1110_0000
)

// mstatus bits
const (
	MstatusMIE      uint32 = 1 << 3
	MstatusMPIE     uint32 = 1 << 7
	MstatusMPPShift        = 11
)

// MipMTIP is the machine timer interrupt bit of mip and mie.
const MipMTIP uint32 = 1 << 7

// Exception causes
const (
	CauseInsnAddrMisaligned uint32 = 0
	CauseInsnAccessFault    uint32 = 1
	CauseIllegalInsn        uint32 = 2
	CauseBreakpoint         uint32 = 3
	CauseLoadAccessFault    uint32 = 5
	CauseStoreAccessFault   uint32 = 7
	CauseEcallFromU         uint32 = 8
	CauseEcallFromM         uint32 = 11

	CauseMTimerInt uint32 = 1<<31 | 7
)

// CSR addresses handled by the core. Anything else is passed to the bus.
const (
	CSRMstatus   uint16 = 0x300
	CSRMisa      uint16 = 0x301
	CSRMie       uint16 = 0x304
	CSRMtvec     uint16 = 0x305
	CSRMscratch  uint16 = 0x340
	CSRMepc      uint16 = 0x341
	CSRMcause    uint16 = 0x342
	CSRMtval     uint16 = 0x343
	CSRMip       uint16 = 0x344
	CSRCycle     uint16 = 0xC00
	CSRMvendorid uint16 = 0xF11
)

// Fixed identification values.
const (
	MisaValue      uint32 = 0x4040_1101 // RV32 + I, M, A, X
	MvendoridValue uint32 = 0xff0f_f0ff
)

// Result is the outcome of one Step call.
type Result uint32

const (
	ResultContinue Result = 0
	ResultIdle     Result = 1
	ResultTrap     Result = 3
	ResultPowerOff Result = 0x5555
	ResultRestart  Result = 0x7777

	// ResultFault means the bus reported an IO fault. Err returns it.
	ResultFault Result = 0xdead
)

func (r Result) String() string {
	switch r {
	case ResultContinue:
		return "continue"
	case ResultIdle:
		return "idle"
	case ResultTrap:
		return "trap"
	case ResultPowerOff:
		return "poweroff"
	case ResultRestart:
		return "restart"
	case ResultFault:
		return "fault"
	}
	return fmt.Sprintf("result(0x%x)", uint32(r))
}

// Bus is everything the core needs from the outside world. Load and Store
// take physical addresses. Errors are classified with the fault package:
// IO faults stop the core, anything else becomes an access fault trap.
type Bus interface {
	Fetch(addr uint32) (uint32, error)
	Load(addr uint32, size int) (uint32, error)
	Store(addr uint32, size int, value uint32) error
	CSRRead(csr uint16) uint32
	CSRWrite(csr uint16, value uint32) error
	PostExec(ir, code uint32) uint32
}

// CPU is the processor state.
type CPU struct {
	X  [32]uint32
	PC uint32

	Priv uint8
	WFI  bool

	Cycle      uint64
	Timer      uint64
	TimerMatch uint64

	Mstatus  uint32
	Mie      uint32
	Mip      uint32
	Mtvec    uint32
	Mscratch uint32
	Mepc     uint32
	Mcause   uint32
	Mtval    uint32

	Reservation      uint32
	ReservationValid bool

	// StopOnTrap makes Step return ResultTrap at the faulting instruction
	// instead of entering the trap handler.
	StopOnTrap bool

	Bus     Bus
	RAMBase uint32
	RAMSize uint32

	err error
}

// NewCPU creates a core attached to bus. ramSize bytes of RAM start at
// ramBase; atomics outside that window trap.
func NewCPU(bus Bus, ramBase, ramSize uint32) *CPU {
	return &CPU{
		Bus:     bus,
		RAMBase: ramBase,
		RAMSize: ramSize,
		Priv:    PrivMachine,
		PC:      ramBase,
	}
}

// Reset clears all architectural state and loads the boot registers:
// a0 holds the hart id and a1 the device tree pointer.
func (cpu *CPU) Reset(pc, hartID, dtb uint32) {
	cpu.X = [32]uint32{}
	cpu.X[10] = hartID
	cpu.X[11] = dtb
	cpu.PC = pc
	cpu.Priv = PrivMachine
	cpu.WFI = false
	cpu.Cycle = 0
	cpu.Timer = 0
	cpu.TimerMatch = 0
	cpu.Mstatus = 0
	cpu.Mie = 0
	cpu.Mip = 0
	cpu.Mtvec = 0
	cpu.Mscratch = 0
	cpu.Mepc = 0
	cpu.Mcause = 0
	cpu.Mtval = 0
	cpu.Reservation = 0
	cpu.ReservationValid = false
	cpu.err = nil
}

// Cycles returns the retired instruction count.
func (cpu *CPU) Cycles() uint64 { return cpu.Cycle }

// AddCycles advances the cycle counter without executing anything. The
// run loop uses it to account for time spent idle.
func (cpu *CPU) AddCycles(n uint64) { cpu.Cycle += n }

// Err returns the fault that made the last Step return ResultFault.
func (cpu *CPU) Err() error { return cpu.err }

// ReadReg reads an integer register (x0 always returns 0)
func (cpu *CPU) ReadReg(reg uint32) uint32 {
	if reg == 0 {
		return 0
	}
	return cpu.X[reg]
}

// WriteReg writes an integer register (writes to x0 are ignored)
func (cpu *CPU) WriteReg(reg uint32, val uint32) {
	if reg != 0 {
		cpu.X[reg] = val
	}
}

var abiNames = [32]string{
	"zero", "ra", "sp", "gp", "tp", "t0", "t1", "t2",
	"s0", "s1", "a0", "a1", "a2", "a3", "a4", "a5",
	"a6", "a7", "s2", "s3", "s4", "s5", "s6", "s7",
	"s8", "s9", "s10", "s11", "t3", "t4", "t5", "t6",
}

// DumpState formats the program counter, the machine CSRs and all integer
// registers.
func (cpu *CPU) DumpState() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "PC=%08x priv=%d wfi=%t cycle=%d timer=%d timermatch=%d\n",
		cpu.PC, cpu.Priv, cpu.WFI, cpu.Cycle, cpu.Timer, cpu.TimerMatch)
	fmt.Fprintf(&sb, "mstatus=%08x mie=%08x mip=%08x mtvec=%08x\n",
		cpu.Mstatus, cpu.Mie, cpu.Mip, cpu.Mtvec)
	fmt.Fprintf(&sb, "mepc=%08x mcause=%08x mtval=%08x mscratch=%08x\n",
		cpu.Mepc, cpu.Mcause, cpu.Mtval, cpu.Mscratch)
	for i := 0; i < 32; i += 4 {
		for j := i; j < i+4; j++ {
			if j > i {
				sb.WriteByte(' ')
			}
			fmt.Fprintf(&sb, "%4s=%08x", abiNames[j], cpu.X[j])
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}

// ExceptionError represents a synchronous exception raised by an
// instruction.
type ExceptionError struct {
	Cause uint32
	Tval  uint32
}

func (e ExceptionError) Error() string {
	return fmt.Sprintf("exception: cause=%d tval=0x%x", e.Cause, e.Tval)
}

// Exception creates an exception with the given cause and tval
func Exception(cause uint32, tval uint32) error {
	return ExceptionError{Cause: cause, Tval: tval}
}

// stop ends a Step early with the given result. The program counter has
// already been advanced past the instruction.
type stop Result

func (s stop) Error() string { return "stop: " + Result(s).String() }
