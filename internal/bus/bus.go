// Package bus is the single entry point the CPU core uses for instruction
// fetch, data loads and stores, and CSRs the core does not implement.
// Physical addresses in the RAM window go to the cache; the control window
// is decoded into console registers.
package bus

import (
	"encoding/binary"
	"log/slog"

	"github.com/tinyrange/ucrv32/internal/cache"
	"github.com/tinyrange/ucrv32/internal/console"
	"github.com/tinyrange/ucrv32/internal/fault"
)

// Memory map.
const (
	RAMBase     uint32 = 0x8000_0000
	ControlBase uint32 = 0x1000_0000
	ControlEnd  uint32 = 0x1200_0000
)

var le = binary.LittleEndian

// Bus routes core accesses. It is not safe for concurrent use.
type Bus struct {
	cache   *cache.Cache
	console *console.Device
	ramSize uint32

	// Faults receives faults that cannot be returned to the core, such as
	// a bad debug string pointer.
	Faults fault.Reporter

	// PostExecHook, if set, may replace the trap code reported for an
	// instruction. A zero return cancels the trap.
	PostExecHook func(ir, code uint32) uint32

	Logger *slog.Logger
}

// New creates a bus over c (which covers ramSize bytes of guest RAM) and con.
func New(c *cache.Cache, con *console.Device, ramSize uint32) *Bus {
	return &Bus{
		cache:   c,
		console: con,
		ramSize: ramSize,
		Faults:  fault.LogReporter{},
		Logger:  slog.Default(),
	}
}

// RAMSize returns the size of the RAM window.
func (b *Bus) RAMSize() uint32 { return b.ramSize }

// Console returns the console device behind the control window.
func (b *Bus) Console() *console.Device { return b.console }

// Stats returns the cache counters.
func (b *Bus) Stats() cache.Stats { return b.cache.Stats() }

// ramOffset translates a physical address to a RAM offset if the whole
// access lies inside the RAM window.
func (b *Bus) ramOffset(addr uint32, n int) (uint32, bool) {
	if addr < RAMBase {
		return 0, false
	}
	off := addr - RAMBase
	if uint64(off)+uint64(n) > uint64(b.ramSize) {
		return 0, false
	}
	return off, true
}

func inControlWindow(addr uint32) bool {
	return addr >= ControlBase && addr < ControlEnd
}

// outsideRAM classifies an access that missed the RAM window.
func (b *Bus) outsideRAM(op string, addr uint32, n int) error {
	if addr >= RAMBase && addr-RAMBase < b.ramSize {
		// Starts inside RAM but runs off the end.
		return fault.Bounds(op, uint64(addr), n)
	}
	return fault.Device(op, uint64(addr), n)
}

// Fetch reads the 32-bit instruction word at addr.
func (b *Bus) Fetch(addr uint32) (uint32, error) {
	off, ok := b.ramOffset(addr, 4)
	if !ok {
		return 0, b.outsideRAM("fetch", addr, 4)
	}
	var buf [4]byte
	if err := b.cache.Read(off, buf[:]); err != nil {
		return 0, err
	}
	return le.Uint32(buf[:]), nil
}

// Load reads size (1, 2 or 4) bytes at addr, zero-extended.
func (b *Bus) Load(addr uint32, size int) (uint32, error) {
	if off, ok := b.ramOffset(addr, size); ok {
		var buf [4]byte
		if err := b.cache.Read(off, buf[:size]); err != nil {
			return 0, err
		}
		return le.Uint32(buf[:]), nil
	}
	if inControlWindow(addr) {
		return b.controlLoad(addr), nil
	}
	return 0, b.outsideRAM("load", addr, size)
}

// Store writes the low size (1, 2 or 4) bytes of value at addr.
func (b *Bus) Store(addr uint32, size int, value uint32) error {
	if off, ok := b.ramOffset(addr, size); ok {
		var buf [4]byte
		le.PutUint32(buf[:], value)
		return b.cache.Write(off, buf[:size])
	}
	if inControlWindow(addr) {
		b.controlStore(addr, value&sizeMask(size))
		return nil
	}
	return b.outsideRAM("store", addr, size)
}

func sizeMask(size int) uint32 {
	if size >= 4 {
		return 0xffffffff
	}
	return 1<<(8*size) - 1
}

// Load8 and friends are typed wrappers around Load and Store.
func (b *Bus) Load8(addr uint32) (uint8, error) {
	v, err := b.Load(addr, 1)
	return uint8(v), err
}

func (b *Bus) Load16(addr uint32) (uint16, error) {
	v, err := b.Load(addr, 2)
	return uint16(v), err
}

func (b *Bus) Load32(addr uint32) (uint32, error) {
	return b.Load(addr, 4)
}

func (b *Bus) Store8(addr uint32, v uint8) error   { return b.Store(addr, 1, uint32(v)) }
func (b *Bus) Store16(addr uint32, v uint16) error { return b.Store(addr, 2, uint32(v)) }
func (b *Bus) Store32(addr uint32, v uint32) error { return b.Store(addr, 4, v) }

// ReadRAM copies guest RAM at offset off (not a physical address) into p.
func (b *Bus) ReadRAM(off uint32, p []byte) error {
	return b.cache.Read(off, p)
}

// WriteRAM copies p into guest RAM at offset off.
func (b *Bus) WriteRAM(off uint32, p []byte) error {
	return b.cache.Write(off, p)
}

// PostExec lets the hook reinterpret the trap code of an instruction.
func (b *Bus) PostExec(ir, code uint32) uint32 {
	if b.PostExecHook == nil {
		return code
	}
	return b.PostExecHook(ir, code)
}
