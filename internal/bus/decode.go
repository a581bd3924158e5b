package bus

import (
	"bytes"

	"github.com/tinyrange/ucrv32/internal/console"
	"github.com/tinyrange/ucrv32/internal/fault"
)

// controlLoad decodes a load from the control window.
//
//	0x10000005  line status: 0x60 | data ready
//	0x10000000  pending input byte, consumed; 0 if none
//
// Everything else reads as zero.
func (b *Bus) controlLoad(addr uint32) uint32 {
	switch addr {
	case console.UARTLineStatus:
		return b.console.LineStatus()
	case console.UARTData:
		v, _ := b.console.ReadData()
		return v
	}
	b.Logger.Debug("unhandled control load", "addr", addr)
	return 0
}

// controlStore decodes a store to the control window. A store to the UART
// data register emits the stored bytes up to the first NUL; other
// addresses ignore the write.
func (b *Bus) controlStore(addr, value uint32) {
	if addr == console.UARTData {
		b.console.WriteData(value)
		return
	}
	b.Logger.Debug("unhandled control store", "addr", addr, "value", value)
}

// CSRRead handles reads of CSRs the core does not implement.
//
//	0x140  pending input byte (consumed), or -1 if none
//
// Every other number reads as zero.
func (b *Bus) CSRRead(csr uint16) uint32 {
	if csr == console.CSRReadKey {
		return uint32(b.console.ReadKey())
	}
	return 0
}

// CSRWrite handles writes of CSRs the core does not implement.
//
//	0x136  print value as signed decimal
//	0x137  print value as %08x
//	0x138  print the NUL-terminated guest string at physical address value
//	0x139  print the low byte of value
//
// Other numbers are ignored. The only error returned is an IO fault while
// reading a debug string.
func (b *Bus) CSRWrite(csr uint16, value uint32) error {
	switch csr {
	case console.CSRPrintInt:
		b.console.PrintInt(value)
	case console.CSRPrintHex:
		b.console.PrintHex(value)
	case console.CSRPrintString:
		return b.printString(value)
	case console.CSRPrintChar:
		b.console.PrintChar(value)
	}
	return nil
}

// printString streams guest bytes starting at ptr until a NUL or the end
// of RAM. A pointer outside RAM is reported and prints nothing. Each cache
// read stops at a line boundary so a string costs one access per line.
func (b *Bus) printString(ptr uint32) error {
	start := ptr - RAMBase
	if ptr < RAMBase || start >= b.ramSize {
		b.Faults.Report(fault.Device("debug string", uint64(ptr), 0))
		return nil
	}

	lineSize := b.cache.LineSize()
	buf := make([]byte, lineSize)
	for off := start; off < b.ramSize; {
		n := min(lineSize-off%lineSize, b.ramSize-off)
		chunk := buf[:n]
		if err := b.cache.Read(off, chunk); err != nil {
			b.Faults.Report(err)
			if fault.KindOf(err) == fault.KindIO {
				return err
			}
			return nil
		}
		if i := bytes.IndexByte(chunk, 0); i >= 0 {
			b.console.Emit(chunk[:i])
			return nil
		}
		b.console.Emit(chunk)
		off += n
	}
	return nil
}
