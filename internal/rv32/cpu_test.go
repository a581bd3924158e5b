package rv32

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/tinyrange/ucrv32/internal/backing"
	"github.com/tinyrange/ucrv32/internal/bus"
	"github.com/tinyrange/ucrv32/internal/cache"
	"github.com/tinyrange/ucrv32/internal/console"
	"github.com/tinyrange/ucrv32/internal/fault"
)

const testRAM = 64 * 1024

type harness struct {
	cpu *CPU
	bus *bus.Bus
	out *bytes.Buffer
}

func newHarness(t *testing.T, dev backing.Device, program ...uint32) *harness {
	t.Helper()
	if dev == nil {
		dev = backing.NewMemory(testRAM)
	}
	c, err := cache.New(backing.New(dev, testRAM), 64, 16)
	if err != nil {
		t.Fatalf("cache.New: %v", err)
	}
	out := &bytes.Buffer{}
	b := bus.New(c, console.New(out, nil), testRAM)
	h := &harness{cpu: NewCPU(b, bus.RAMBase, testRAM), bus: b, out: out}
	h.poke(0, program...)
	h.cpu.Reset(bus.RAMBase, 0, 0)
	return h
}

// poke writes instruction words at a RAM offset.
func (h *harness) poke(off uint32, words ...uint32) {
	buf := make([]byte, 4*len(words))
	for i, w := range words {
		buf[4*i] = byte(w)
		buf[4*i+1] = byte(w >> 8)
		buf[4*i+2] = byte(w >> 16)
		buf[4*i+3] = byte(w >> 24)
	}
	if err := h.bus.WriteRAM(off, buf); err != nil {
		panic(err)
	}
}

func program(parts ...[]uint32) []uint32 {
	var out []uint32
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func TestALUOperations(t *testing.T) {
	h := newHarness(t, nil, program(
		[]uint32{
			addi(a0, zero, 10),
			addi(a1, zero, 3),
			add(a2, a0, a1),
			sub(a3, a0, a1),
			addi(t1, zero, -1),
			iType(OpOpImm, 14, 5, t1, 0x400|4), // srai a4, t1, 4
			iType(OpOpImm, 15, 5, t1, 4),       // srli a5, t1, 4
			iType(OpOpImm, 16, 2, t1, 0),       // slti a6, t1, 0
			iType(OpOpImm, 17, 3, t1, 0),       // sltiu a7, t1, 0
		},
		syscon(uint32(ResultPowerOff)),
	)...)

	if r := h.cpu.Step(0, 100); r != ResultPowerOff {
		t.Fatalf("Step = %v, want poweroff", r)
	}

	want := map[int]uint32{
		a2: 13,
		a3: 7,
		14: 0xffffffff,
		15: 0x0fffffff,
		16: 1,
		17: 0,
	}
	for reg, v := range want {
		if h.cpu.X[reg] != v {
			t.Errorf("%s = 0x%x, want 0x%x", abiNames[reg], h.cpu.X[reg], v)
		}
	}
	if h.cpu.PC != bus.RAMBase+13*4 {
		t.Errorf("PC = 0x%x, want past the syscon store", h.cpu.PC)
	}
	if h.cpu.Cycle != 13 {
		t.Errorf("Cycle = %d, want 13", h.cpu.Cycle)
	}
}

func TestMulDiv(t *testing.T) {
	tests := []struct {
		name string
		f3   uint32
		a, b uint32
		want uint32
	}{
		{"mul", 0, 7, 6, 42},
		{"mulh negative", 1, 0xffffffff, 0xffffffff, 0},
		{"mulh min", 1, 0x80000000, 0x80000000, 0x40000000},
		{"mulhsu", 2, 0xffffffff, 0xffffffff, 0xffffffff},
		{"mulhu", 3, 0xffffffff, 0xffffffff, 0xfffffffe},
		{"div", 4, 0xfffffff9, 2, 0xfffffffd},
		{"div by zero", 4, 5, 0, 0xffffffff},
		{"div overflow", 4, 0x80000000, 0xffffffff, 0x80000000},
		{"divu by zero", 5, 5, 0, 0xffffffff},
		{"divu", 5, 0xffffffff, 2, 0x7fffffff},
		{"rem", 6, 0xfffffff9, 2, 0xffffffff},
		{"rem by zero", 6, 5, 0, 5},
		{"rem overflow", 6, 0x80000000, 0xffffffff, 0},
		{"remu by zero", 7, 9, 0, 9},
		{"remu", 7, 9, 4, 1},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, nil, rType(OpOp, a2, tc.f3, a0, a1, 1))
			h.cpu.X[a0] = tc.a
			h.cpu.X[a1] = tc.b
			if r := h.cpu.Step(0, 1); r != ResultContinue {
				t.Fatalf("Step = %v", r)
			}
			if h.cpu.X[a2] != tc.want {
				t.Fatalf("got 0x%x, want 0x%x", h.cpu.X[a2], tc.want)
			}
		})
	}
}

func TestBranchesAndJumps(t *testing.T) {
	h := newHarness(t, nil, program(
		[]uint32{
			addi(a0, zero, 0),
			addi(a1, zero, 5),
			add(a0, a0, a1), // loop:
			addi(a1, a1, -1),
			bne(a1, zero, -8),
			jal(ra, 8),
			addi(a0, zero, -1), // skipped
			addi(t0, ra, 16),   // t0 = address of the syscon sequence
			jalr(zero, t0, 0),
			addi(a0, zero, -1), // skipped
		},
		syscon(uint32(ResultPowerOff)),
	)...)

	if r := h.cpu.Step(0, 100); r != ResultPowerOff {
		t.Fatalf("Step = %v, want poweroff", r)
	}
	if h.cpu.X[a0] != 15 {
		t.Fatalf("a0 = %d, want 15", h.cpu.X[a0])
	}
	if h.cpu.X[ra] != bus.RAMBase+6*4 {
		t.Fatalf("ra = 0x%x", h.cpu.X[ra])
	}
}

func TestLoadSignExtension(t *testing.T) {
	h := newHarness(t, nil,
		lui(t0, bus.RAMBase>>12),
		iType(OpLoad, a0, 0, t0, 0x100), // lb
		iType(OpLoad, a1, 4, t0, 0x100), // lbu
		iType(OpLoad, a2, 1, t0, 0x100), // lh
		iType(OpLoad, a3, 5, t0, 0x100), // lhu
		lw(14, t0, 0x100),
	)
	h.poke(0x100, 0x1234_8081)

	if r := h.cpu.Step(0, 6); r != ResultContinue {
		t.Fatalf("Step = %v", r)
	}
	want := []uint32{0xffffff81, 0x81, 0xffff8081, 0x8081, 0x12348081}
	for i, w := range want {
		if got := h.cpu.X[a0+i]; got != w {
			t.Errorf("%s = 0x%x, want 0x%x", abiNames[a0+i], got, w)
		}
	}
}

func TestUARTOutputAndRestart(t *testing.T) {
	h := newHarness(t, nil, program(
		[]uint32{
			lui(a0, console.UARTData>>12),
			addi(a1, zero, 'H'),
			sb(a1, a0, 0),
			addi(a1, zero, 'i'),
			sb(a1, a0, 0),
			addi(a1, zero, '\n'),
			sb(a1, a0, 0),
		},
		syscon(uint32(ResultRestart)),
	)...)

	if r := h.cpu.Step(0, 100); r != ResultRestart {
		t.Fatalf("Step = %v, want restart", r)
	}
	if h.out.String() != "Hi\n" {
		t.Fatalf("output = %q", h.out.String())
	}
}

func TestTimerRegisters(t *testing.T) {
	h := newHarness(t, nil,
		lui(t0, 0x1100c),
		lw(a0, t0, -8), // timer low
		lw(a1, t0, -4), // timer high
		lui(t0, CLINTTimerMatchLo>>12),
		sw(a2, t0, 0),
		sw(a3, t0, 4),
	)
	h.cpu.Timer = 0x1_0000_0002 - 5
	h.cpu.X[a2] = 0x2000
	h.cpu.X[a3] = 0x3

	if r := h.cpu.Step(5, 6); r != ResultContinue {
		t.Fatalf("Step = %v", r)
	}
	if h.cpu.X[a0] != 2 || h.cpu.X[a1] != 1 {
		t.Fatalf("timer read = %x:%x", h.cpu.X[a1], h.cpu.X[a0])
	}
	if h.cpu.TimerMatch != 0x3_0000_2000 {
		t.Fatalf("TimerMatch = 0x%x", h.cpu.TimerMatch)
	}
}

func TestTimerInterrupt(t *testing.T) {
	h := newHarness(t, nil, jal(zero, 0))
	h.cpu.Mtvec = bus.RAMBase + 0x100
	h.cpu.Mie = MipMTIP
	h.cpu.Mstatus = MstatusMIE
	h.cpu.TimerMatch = 50

	if r := h.cpu.Step(10, 4); r != ResultContinue {
		t.Fatalf("Step = %v", r)
	}
	if h.cpu.PC != bus.RAMBase || h.cpu.Mip&MipMTIP != 0 {
		t.Fatalf("interrupt taken early: PC=0x%x mip=0x%x", h.cpu.PC, h.cpu.Mip)
	}

	if r := h.cpu.Step(100, 4); r != ResultContinue {
		t.Fatalf("Step = %v", r)
	}
	if h.cpu.Mcause != CauseMTimerInt {
		t.Errorf("mcause = 0x%x", h.cpu.Mcause)
	}
	if h.cpu.Mepc != bus.RAMBase {
		t.Errorf("mepc = 0x%x", h.cpu.Mepc)
	}
	if h.cpu.PC != bus.RAMBase+0x100 {
		t.Errorf("PC = 0x%x", h.cpu.PC)
	}
	if want := MstatusMPIE | 3<<MstatusMPPShift; h.cpu.Mstatus != want {
		t.Errorf("mstatus = 0x%x, want 0x%x", h.cpu.Mstatus, want)
	}
}

func TestWFI(t *testing.T) {
	h := newHarness(t, nil, program(
		[]uint32{wfi},
		syscon(uint32(ResultPowerOff)),
	)...)

	if r := h.cpu.Step(0, 10); r != ResultIdle {
		t.Fatalf("Step = %v, want idle", r)
	}
	if !h.cpu.WFI || h.cpu.PC != bus.RAMBase+4 {
		t.Fatalf("WFI=%t PC=0x%x", h.cpu.WFI, h.cpu.PC)
	}
	if r := h.cpu.Step(1, 10); r != ResultIdle {
		t.Fatalf("second Step = %v, want idle", r)
	}

	h.cpu.TimerMatch = 5
	if r := h.cpu.Step(10, 10); r != ResultPowerOff {
		t.Fatalf("Step after timer = %v, want poweroff", r)
	}
	if h.cpu.WFI {
		t.Fatal("WFI still set")
	}
}

func TestEcallAndMret(t *testing.T) {
	h := newHarness(t, nil, program(
		[]uint32{ecall},
		syscon(uint32(ResultPowerOff)),
	)...)
	h.poke(0x100,
		csrrs(a0, CSRMepc, zero),
		addi(a0, a0, 4),
		csrrw(zero, CSRMepc, a0),
		mret,
	)
	h.cpu.Mtvec = bus.RAMBase + 0x100

	if r := h.cpu.Step(0, 100); r != ResultContinue {
		t.Fatalf("Step = %v", r)
	}
	if h.cpu.Mcause != CauseEcallFromM || h.cpu.Mepc != bus.RAMBase || h.cpu.Mtval != bus.RAMBase {
		t.Fatalf("mcause=%d mepc=0x%x mtval=0x%x", h.cpu.Mcause, h.cpu.Mepc, h.cpu.Mtval)
	}
	if r := h.cpu.Step(0, 100); r != ResultPowerOff {
		t.Fatalf("Step = %v, want poweroff", r)
	}
	if h.cpu.Priv != PrivMachine {
		t.Fatalf("priv = %d", h.cpu.Priv)
	}
}

func TestExceptions(t *testing.T) {
	tests := []struct {
		name  string
		insn  uint32
		setup func(*CPU)
		cause uint32
		tval  uint32
	}{
		{"illegal", 0, nil, CauseIllegalInsn, bus.RAMBase},
		{"ebreak", ebreak, nil, CauseBreakpoint, bus.RAMBase},
		{
			"load outside memory", lw(a0, t0, 0),
			func(c *CPU) { c.X[t0] = 0x2000_0000 },
			CauseLoadAccessFault, 0x2000_0000,
		},
		{
			"store past ram", sw(a0, t0, 0),
			func(c *CPU) { c.X[t0] = bus.RAMBase + testRAM },
			CauseStoreAccessFault, bus.RAMBase + testRAM,
		},
		{
			"amo outside ram", amo(amoADD, a0, t0, a1),
			func(c *CPU) { c.X[t0] = console.UARTData },
			CauseStoreAccessFault, console.UARTData,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, nil, tc.insn)
			h.cpu.Mtvec = bus.RAMBase + 0x200
			if tc.setup != nil {
				tc.setup(h.cpu)
			}
			if r := h.cpu.Step(0, 10); r != ResultContinue {
				t.Fatalf("Step = %v", r)
			}
			if h.cpu.Mcause != tc.cause || h.cpu.Mtval != tc.tval {
				t.Fatalf("mcause=%d mtval=0x%x, want %d 0x%x", h.cpu.Mcause, h.cpu.Mtval, tc.cause, tc.tval)
			}
			if h.cpu.Mepc != bus.RAMBase || h.cpu.PC != bus.RAMBase+0x200 {
				t.Fatalf("mepc=0x%x PC=0x%x", h.cpu.Mepc, h.cpu.PC)
			}
		})
	}
}

func TestMisalignedFetch(t *testing.T) {
	h := newHarness(t, nil)
	h.cpu.PC = bus.RAMBase + 2
	h.cpu.Mtvec = bus.RAMBase + 0x100

	h.cpu.Step(0, 1)
	if h.cpu.Mcause != CauseInsnAddrMisaligned || h.cpu.Mtval != bus.RAMBase+2 {
		t.Fatalf("mcause=%d mtval=0x%x", h.cpu.Mcause, h.cpu.Mtval)
	}
}

func TestStopOnTrap(t *testing.T) {
	h := newHarness(t, nil, addi(a0, zero, 1), ebreak)
	h.cpu.StopOnTrap = true

	if r := h.cpu.Step(0, 10); r != ResultTrap {
		t.Fatalf("Step = %v, want trap", r)
	}
	if h.cpu.PC != bus.RAMBase+4 || h.cpu.Mcause != 0 {
		t.Fatalf("PC=0x%x mcause=%d", h.cpu.PC, h.cpu.Mcause)
	}
}

func TestPostExecHookSwallowsTrap(t *testing.T) {
	h := newHarness(t, nil, program(
		[]uint32{ebreak},
		syscon(uint32(ResultPowerOff)),
	)...)
	var seen []uint32
	h.bus.PostExecHook = func(ir, code uint32) uint32 {
		if code != 0 {
			seen = append(seen, ir)
		}
		if ir == ebreak {
			return 0
		}
		return code
	}

	if r := h.cpu.Step(0, 10); r != ResultPowerOff {
		t.Fatalf("Step = %v, want poweroff", r)
	}
	if len(seen) != 1 || seen[0] != ebreak {
		t.Fatalf("hook saw %x", seen)
	}
}

func TestCSRs(t *testing.T) {
	h := newHarness(t, nil,
		csrrs(a0, CSRMisa, zero),
		csrrs(a1, CSRMvendorid, zero),
		csrrw(zero, console.CSRPrintInt, a2),
		csrrs(a3, console.CSRPrintInt, zero), // read only: prints nothing
		csrrw(zero, CSRMscratch, a2),
		csrrs(14, CSRMscratch, zero),
		csrrs(15, CSRCycle, zero),
	)
	h.cpu.X[a2] = 0xfffffffb

	if r := h.cpu.Step(0, 7); r != ResultContinue {
		t.Fatalf("Step = %v", r)
	}
	if h.cpu.X[a0] != MisaValue || h.cpu.X[a1] != MvendoridValue {
		t.Fatalf("misa=0x%x mvendorid=0x%x", h.cpu.X[a0], h.cpu.X[a1])
	}
	if h.out.String() != "-5" {
		t.Fatalf("output = %q", h.out.String())
	}
	if h.cpu.X[14] != 0xfffffffb {
		t.Fatalf("mscratch = 0x%x", h.cpu.X[14])
	}
	if h.cpu.X[15] != 7 {
		t.Fatalf("cycle = %d", h.cpu.X[15])
	}
}

func TestAtomics(t *testing.T) {
	h := newHarness(t, nil,
		amo(amoADD, a2, a0, a1),
		amo(amoLR, a3, a0, zero),
		amo(amoSC, 14, a0, a1), // succeeds
		amo(amoSC, 15, a0, a1), // reservation gone
		amo(amoMAXU, 16, a0, a1),
	)
	h.poke(0x400, 40)
	h.cpu.X[a0] = bus.RAMBase + 0x400
	h.cpu.X[a1] = 2

	if r := h.cpu.Step(0, 5); r != ResultContinue {
		t.Fatalf("Step = %v", r)
	}
	if h.cpu.X[a2] != 40 || h.cpu.X[a3] != 42 {
		t.Fatalf("amoadd old=%d lr=%d", h.cpu.X[a2], h.cpu.X[a3])
	}
	if h.cpu.X[14] != 0 || h.cpu.X[15] != 1 {
		t.Fatalf("sc results %d %d", h.cpu.X[14], h.cpu.X[15])
	}
	if h.cpu.X[16] != 2 {
		t.Fatalf("amomaxu old = %d", h.cpu.X[16])
	}
	v, err := h.bus.Load32(bus.RAMBase + 0x400)
	if err != nil || v != 2 {
		t.Fatalf("memory = %d, %v", v, err)
	}
}

type brokenDevice struct{ *backing.Memory }

func (brokenDevice) ReadAt(p []byte, off int64) (int, error) {
	return 0, errors.New("card removed")
}

func TestIOFaultStopsCore(t *testing.T) {
	h := newHarness(t, brokenDevice{backing.NewMemory(testRAM)})

	if r := h.cpu.Step(0, 10); r != ResultFault {
		t.Fatalf("Step = %v, want fault", r)
	}
	if !errors.Is(h.cpu.Err(), fault.ErrIO) {
		t.Fatalf("Err = %v", h.cpu.Err())
	}
	if h.cpu.PC != bus.RAMBase {
		t.Fatalf("PC moved to 0x%x", h.cpu.PC)
	}
}

func TestReset(t *testing.T) {
	h := newHarness(t, nil, addi(a0, zero, 7))
	h.cpu.Step(3, 1)
	h.cpu.Mtvec = 0x1234
	h.cpu.TimerMatch = 9

	h.cpu.Reset(bus.RAMBase, 0, bus.RAMBase+0x8000)
	first := *h.cpu
	h.cpu.Reset(bus.RAMBase, 0, bus.RAMBase+0x8000)
	if *h.cpu != first {
		t.Fatal("Reset is not idempotent")
	}
	if h.cpu.X[a0] != 0 || h.cpu.X[a1] != bus.RAMBase+0x8000 || h.cpu.Timer != 0 || h.cpu.Mtvec != 0 {
		t.Fatalf("state after reset:\n%s", h.cpu.DumpState())
	}
	if !strings.Contains(h.cpu.DumpState(), "a1=80008000") {
		t.Fatalf("DumpState:\n%s", h.cpu.DumpState())
	}
}

func TestResultString(t *testing.T) {
	if ResultPowerOff.String() != "poweroff" || Result(0x42).String() != "result(0x42)" {
		t.Fatal("unexpected Result strings")
	}
}
