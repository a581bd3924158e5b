package fdt

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrBadMagic  = errors.New("fdt: bad magic")
	ErrTruncated = errors.New("fdt: truncated blob")
	ErrNotFound  = errors.New("fdt: not found")
)

// Header is the fixed FDT header.
type Header struct {
	Magic           uint32
	TotalSize       uint32
	OffStruct       uint32
	OffStrings      uint32
	OffRsvmap       uint32
	Version         uint32
	LastCompVersion uint32
	BootCPU         uint32
	SizeStrings     uint32
	SizeStruct      uint32
}

// ParseHeader decodes and sanity checks the header of blob.
func ParseHeader(blob []byte) (Header, error) {
	if len(blob) < headerSize {
		return Header{}, ErrTruncated
	}
	var f [10]uint32
	for i := range f {
		f[i] = be.Uint32(blob[4*i:])
	}
	h := Header{f[0], f[1], f[2], f[3], f[4], f[5], f[6], f[7], f[8], f[9]}
	if h.Magic != fdtMagic {
		return h, fmt.Errorf("%w: 0x%08x", ErrBadMagic, h.Magic)
	}
	if uint64(h.TotalSize) > uint64(len(blob)) ||
		uint64(h.OffStruct)+uint64(h.SizeStruct) > uint64(h.TotalSize) ||
		uint64(h.OffStrings)+uint64(h.SizeStrings) > uint64(h.TotalSize) {
		return h, ErrTruncated
	}
	return h, nil
}

// WalkFunc is called for every property. path is the slash separated
// node path ("/" for the root) and value aliases the blob, so writes to
// it patch the tree in place. Returning a non-nil error stops the walk.
type WalkFunc func(path, name string, value []byte) error

var errStop = errors.New("stop")

// Walk visits every property of blob in structure block order.
func Walk(blob []byte, fn WalkFunc) error {
	return walk(blob, func(path, name string, off, n int) error {
		return fn(path, name, blob[off:off+n:off+n])
	})
}

// walk reports each property value by its offset and length in blob.
func walk(blob []byte, fn func(path, name string, off, n int) error) error {
	h, err := ParseHeader(blob)
	if err != nil {
		return err
	}
	strs := blob[h.OffStrings : h.OffStrings+h.SizeStrings]
	end := int(h.OffStruct + h.SizeStruct)
	p := int(h.OffStruct)

	var stack []string
	for p+4 <= end {
		tok := be.Uint32(blob[p:])
		p += 4
		switch tok {
		case tokenBeginNode:
			i := bytes.IndexByte(blob[p:end], 0)
			if i < 0 {
				return ErrTruncated
			}
			stack = append(stack, string(blob[p:p+i]))
			p = align4(p + i + 1)
		case tokenEndNode:
			if len(stack) == 0 {
				return fmt.Errorf("fdt: unbalanced end node at 0x%x", p-4)
			}
			stack = stack[:len(stack)-1]
		case tokenProp:
			if p+8 > end {
				return ErrTruncated
			}
			n := int(be.Uint32(blob[p:]))
			nameOff := int(be.Uint32(blob[p+4:]))
			p += 8
			if p+n > end || nameOff >= len(strs) {
				return ErrTruncated
			}
			name := strs[nameOff:]
			if i := bytes.IndexByte(name, 0); i >= 0 {
				name = name[:i]
			}
			if err := fn(nodePath(stack), string(name), p, n); err != nil {
				return err
			}
			p = align4(p + n)
		case tokenNop:
		case tokenEnd:
			return nil
		default:
			return fmt.Errorf("fdt: unknown token 0x%x at 0x%x", tok, p-4)
		}
	}
	return ErrTruncated
}

func nodePath(stack []string) string {
	if len(stack) <= 1 {
		return "/"
	}
	return "/" + strings.Join(stack[1:], "/")
}

func align4(n int) int { return (n + 3) &^ 3 }

// Lookup returns the value of the property name on the node at path.
func Lookup(blob []byte, path, name string) ([]byte, error) {
	var found []byte
	err := Walk(blob, func(p, n string, v []byte) error {
		if p == path && n == name {
			found = v
			return errStop
		}
		return nil
	})
	switch {
	case errors.Is(err, errStop):
		return found, nil
	case err != nil:
		return nil, err
	}
	return nil, fmt.Errorf("%w: %s:%s", ErrNotFound, path, name)
}

// PatchMemoryTop rewrites the last cell of the reg property of the first
// top-level memory node to size. The guest then sees RAM ending at size
// bytes, which keeps the blob itself outside usable memory when it is
// placed at that offset. It returns the blob offset of the patched cell.
func PatchMemoryTop(blob []byte, size uint32) (int, error) {
	patched := -1
	err := walk(blob, func(path, name string, off, n int) error {
		if name != "reg" || n < 4 || !isMemoryNode(path) {
			return nil
		}
		patched = off + n - 4
		be.PutUint32(blob[patched:], size)
		return errStop
	})
	switch {
	case errors.Is(err, errStop):
		return patched, nil
	case err != nil:
		return -1, err
	}
	return -1, fmt.Errorf("%w: memory node", ErrNotFound)
}

func isMemoryNode(path string) bool {
	name, ok := strings.CutPrefix(path, "/")
	if !ok || strings.Contains(name, "/") {
		return false
	}
	return name == "memory" || strings.HasPrefix(name, "memory@")
}
