package backing

import (
	"fmt"
	"io"
)

// Memory is an in-memory Device. It stands in for the SD card image in
// tests and on hosts with enough RAM to hold the whole guest.
type Memory struct {
	Data []byte
}

// NewMemory creates a zeroed memory device of the given size.
func NewMemory(size uint32) *Memory {
	return &Memory{
		Data: make([]byte, size),
	}
}

// ReadAt implements io.ReaderAt.
func (m *Memory) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(m.Data)) {
		return 0, io.EOF
	}
	n := copy(p, m.Data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt implements io.WriterAt.
func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off > int64(len(m.Data)) {
		return 0, fmt.Errorf("write offset 0x%x out of bounds", off)
	}
	n := copy(m.Data[off:], p)
	if n < len(p) {
		return n, io.ErrShortWrite
	}
	return n, nil
}

var _ Device = (*Memory)(nil)
