// Package console emulates the guest-visible console: the data and line
// status registers of an 8250-style UART and the debug CSR ports, backed by
// a single byte of buffered host input.
package console

import (
	"fmt"
	"io"
	"log/slog"
	"strconv"
)

// UART window addresses decoded by the memory bus.
const (
	UARTData       uint32 = 0x10000000
	UARTLineStatus uint32 = 0x10000005
)

// Line status bits. Transmit is always ready.
const (
	LSRDataReady uint32 = 1 << 0
	LSRTHREmpty  uint32 = 1 << 5
	LSRTxEmpty   uint32 = 1 << 6
)

// Debug CSR ports.
const (
	CSRPrintInt    uint16 = 0x136
	CSRPrintHex    uint16 = 0x137
	CSRPrintString uint16 = 0x138
	CSRPrintChar   uint16 = 0x139
	CSRReadKey     uint16 = 0x140
)

// NoData is returned by ReadKey when no input is pending.
const NoData int32 = -1

// Input is a non-blocking source of host keystrokes.
type Input interface {
	// TryReadByte returns the next byte if one is available right now.
	TryReadByte() (byte, bool)
}

// Device holds the one-byte input slot. It is not safe for concurrent use.
type Device struct {
	out io.Writer
	in  Input

	pending byte
	hasData bool
	dropped uint64

	Logger *slog.Logger
}

// New creates a console writing guest output to out. in may be nil, in
// which case input only arrives through PollInput.
func New(out io.Writer, in Input) *Device {
	if out == nil {
		out = io.Discard
	}
	return &Device{out: out, in: in, Logger: slog.Default()}
}

// Reset clears the input slot.
func (d *Device) Reset() {
	d.pending = 0
	d.hasData = false
}

// PollInput offers b to the input slot. Only one byte is buffered: if a
// byte is already waiting, b is dropped and PollInput returns false.
func (d *Device) PollInput(b byte) bool {
	if d.hasData {
		d.dropped++
		d.Logger.Debug("console input dropped", "byte", b, "dropped", d.dropped)
		return false
	}
	d.pending = b
	d.hasData = true
	return true
}

// Dropped returns how many input bytes were lost to a full slot.
func (d *Device) Dropped() uint64 { return d.dropped }

// InputAvailable reports whether a byte is waiting, pulling one from the
// host input first if the slot is empty.
func (d *Device) InputAvailable() bool {
	if !d.hasData && d.in != nil {
		if b, ok := d.in.TryReadByte(); ok {
			d.PollInput(b)
		}
	}
	return d.hasData
}

func (d *Device) consume() byte {
	b := d.pending
	d.pending = 0
	d.hasData = false
	return b
}

// LineStatus returns the UART line status register.
func (d *Device) LineStatus() uint32 {
	lsr := LSRTHREmpty | LSRTxEmpty
	if d.InputAvailable() {
		lsr |= LSRDataReady
	}
	return lsr
}

// ReadData returns and consumes the pending byte. The bool is false when
// nothing was pending.
func (d *Device) ReadData() (uint32, bool) {
	if !d.InputAvailable() {
		return 0, false
	}
	return uint32(d.consume()), true
}

// WriteData emits the bytes of a stored word, lowest address first,
// stopping at the first NUL.
func (d *Device) WriteData(val uint32) {
	var buf [4]byte
	n := 0
	for ; n < 4; n++ {
		c := byte(val >> (8 * n))
		if c == 0 {
			break
		}
		buf[n] = c
	}
	d.Emit(buf[:n])
}

// Emit writes raw bytes to the console output.
func (d *Device) Emit(p []byte) {
	if len(p) == 0 {
		return
	}
	if _, err := d.out.Write(p); err != nil {
		d.Logger.Warn("console write failed", "error", err)
	}
}

// PrintInt emits v as a signed decimal integer.
func (d *Device) PrintInt(v uint32) {
	d.Emit(strconv.AppendInt(nil, int64(int32(v)), 10))
}

// PrintHex emits v as eight zero-padded hex digits.
func (d *Device) PrintHex(v uint32) {
	d.Emit(fmt.Appendf(nil, "%08x", v))
}

// PrintChar emits the low byte of v.
func (d *Device) PrintChar(v uint32) {
	d.Emit([]byte{byte(v)})
}

// ReadKey consumes and returns the pending byte, or NoData.
func (d *Device) ReadKey() int32 {
	if !d.InputAvailable() {
		return NoData
	}
	return int32(d.consume())
}
