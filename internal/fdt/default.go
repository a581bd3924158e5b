package fdt

// Addresses described by the default machine tree.
const (
	RAMBase    uint32 = 0x8000_0000
	UARTBase   uint32 = 0x1000_0000
	CLINTBase  uint32 = 0x1100_0000
	SysconBase uint32 = 0x1110_0000

	PowerOffValue uint32 = 0x5555
	RebootValue   uint32 = 0x7777
)

// DefaultBootArgs puts the early console on the UART window and the main
// console on the hypervisor console driver.
const DefaultBootArgs = "earlycon=uart8250,mmio,0x10000000,1000000 console=hvc0"

const (
	phandleCPU    = 1
	phandleIntc   = 2
	phandleSyscon = 4
)

// DefaultMachine describes a single hart no-MMU RV32IMA machine with
// ramSize bytes of RAM, a 16550 style UART, a CLINT and a syscon
// register for power off and reboot. The memory node's size cell is
// meant to be rewritten with PatchMemoryTop once the blob's load address
// is known.
func DefaultMachine(ramSize uint32, bootArgs string) []byte {
	b := NewBuilder()

	b.BeginNode("")
	b.AddPropertyU32("#address-cells", 2)
	b.AddPropertyU32("#size-cells", 2)
	b.AddPropertyString("compatible", "riscv-minimal-nommu")
	b.AddPropertyString("model", "riscv-minimal-nommu,ucrv32")

	b.BeginNode("chosen")
	b.AddPropertyString("bootargs", bootArgs)
	b.EndNode()

	b.BeginNode("memory@80000000")
	b.AddPropertyString("device_type", "memory")
	b.AddPropertyU32Array("reg", 0, RAMBase, 0, ramSize)
	b.EndNode()

	b.BeginNode("cpus")
	b.AddPropertyU32("#address-cells", 1)
	b.AddPropertyU32("#size-cells", 0)
	b.AddPropertyU32("timebase-frequency", 1000000)

	b.BeginNode("cpu@0")
	b.AddPropertyU32("phandle", phandleCPU)
	b.AddPropertyString("device_type", "cpu")
	b.AddPropertyU32("reg", 0)
	b.AddPropertyString("status", "okay")
	b.AddPropertyString("compatible", "riscv")
	b.AddPropertyString("riscv,isa", "rv32ima")
	b.AddPropertyString("mmu-type", "riscv,none")

	b.BeginNode("interrupt-controller")
	b.AddPropertyU32("#interrupt-cells", 1)
	b.AddPropertyEmpty("interrupt-controller")
	b.AddPropertyString("compatible", "riscv,cpu-intc")
	b.AddPropertyU32("phandle", phandleIntc)
	b.EndNode() // interrupt-controller
	b.EndNode() // cpu@0

	b.BeginNode("cpu-map")
	b.BeginNode("cluster0")
	b.BeginNode("core0")
	b.AddPropertyU32("cpu", phandleCPU)
	b.EndNode()
	b.EndNode()
	b.EndNode()
	b.EndNode() // cpus

	b.BeginNode("soc")
	b.AddPropertyU32("#address-cells", 2)
	b.AddPropertyU32("#size-cells", 2)
	b.AddPropertyString("compatible", "simple-bus")
	b.AddPropertyEmpty("ranges")

	b.BeginNode("uart@10000000")
	b.AddPropertyU32("clock-frequency", 0x1000000)
	b.AddPropertyU32Array("reg", 0, UARTBase, 0, 0x100)
	b.AddPropertyString("compatible", "ns16850")
	b.EndNode()

	b.BeginNode("poweroff")
	b.AddPropertyU32("value", PowerOffValue)
	b.AddPropertyU32("offset", 0)
	b.AddPropertyU32("regmap", phandleSyscon)
	b.AddPropertyString("compatible", "syscon-poweroff")
	b.EndNode()

	b.BeginNode("reboot")
	b.AddPropertyU32("value", RebootValue)
	b.AddPropertyU32("offset", 0)
	b.AddPropertyU32("regmap", phandleSyscon)
	b.AddPropertyString("compatible", "syscon-reboot")
	b.EndNode()

	b.BeginNode("syscon@11100000")
	b.AddPropertyU32("phandle", phandleSyscon)
	b.AddPropertyU32Array("reg", 0, SysconBase, 0, 0x1000)
	b.AddPropertyString("compatible", "syscon")
	b.EndNode()

	b.BeginNode("clint@11000000")
	b.AddPropertyU32Array("interrupts-extended", phandleIntc, 3, phandleIntc, 7)
	b.AddPropertyU32Array("reg", 0, CLINTBase, 0, 0x10000)
	b.AddPropertyStringList("compatible", "sifive,clint0", "riscv,clint0")
	b.EndNode()

	b.EndNode() // soc
	b.EndNode() // root

	return b.Build()
}
