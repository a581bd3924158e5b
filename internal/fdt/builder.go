// Package fdt builds, walks and patches Flattened Device Tree blobs.
package fdt

import (
	"encoding/binary"
)

const (
	fdtMagic          = 0xd00dfeed
	fdtVersion        = 17
	fdtLastCompatible = 16

	tokenBeginNode = 0x00000001
	tokenEndNode   = 0x00000002
	tokenProp      = 0x00000003
	tokenNop       = 0x00000004
	tokenEnd       = 0x00000009

	headerSize = 40
	rsvmapSize = 16 // a single terminating entry
)

var be = binary.BigEndian

// Builder constructs a Flattened Device Tree blob.
type Builder struct {
	structure []byte
	strings   []byte
	stringOff map[string]uint32
}

// NewBuilder creates a new FDT builder.
func NewBuilder() *Builder {
	return &Builder{
		stringOff: make(map[string]uint32),
	}
}

// BeginNode starts a new node with the given name.
func (b *Builder) BeginNode(name string) {
	b.structure = be.AppendUint32(b.structure, tokenBeginNode)
	b.appendPadded(append([]byte(name), 0))
}

// EndNode ends the current node.
func (b *Builder) EndNode() {
	b.structure = be.AppendUint32(b.structure, tokenEndNode)
}

// AddPropertyEmpty adds a boolean property with no value.
func (b *Builder) AddPropertyEmpty(name string) {
	b.prop(name, nil)
}

// AddPropertyString adds a string property.
func (b *Builder) AddPropertyString(name, value string) {
	b.prop(name, append([]byte(value), 0))
}

// AddPropertyStringList adds a string list property.
func (b *Builder) AddPropertyStringList(name string, values ...string) {
	var data []byte
	for _, v := range values {
		data = append(data, v...)
		data = append(data, 0)
	}
	b.prop(name, data)
}

// AddPropertyU32 adds a single cell.
func (b *Builder) AddPropertyU32(name string, value uint32) {
	b.AddPropertyU32Array(name, value)
}

// AddPropertyU32Array adds a list of cells.
func (b *Builder) AddPropertyU32Array(name string, values ...uint32) {
	data := make([]byte, 0, 4*len(values))
	for _, v := range values {
		data = be.AppendUint32(data, v)
	}
	b.prop(name, data)
}

func (b *Builder) prop(name string, value []byte) {
	b.structure = be.AppendUint32(b.structure, tokenProp)
	b.structure = be.AppendUint32(b.structure, uint32(len(value)))
	b.structure = be.AppendUint32(b.structure, b.addString(name))
	b.appendPadded(value)
}

// Build terminates the structure block and assembles the blob: header,
// empty reservation map, structure block, strings block.
func (b *Builder) Build() []byte {
	b.structure = be.AppendUint32(b.structure, tokenEnd)

	structOff := uint32(headerSize + rsvmapSize)
	stringsOff := structOff + uint32(len(b.structure))
	total := stringsOff + uint32(len(b.strings))

	blob := make([]byte, 0, total)
	for _, v := range []uint32{
		fdtMagic,
		total,
		structOff,
		stringsOff,
		headerSize, // reservation map
		fdtVersion,
		fdtLastCompatible,
		0, // boot_cpuid_phys
		uint32(len(b.strings)),
		uint32(len(b.structure)),
	} {
		blob = be.AppendUint32(blob, v)
	}
	blob = append(blob, make([]byte, rsvmapSize)...)
	blob = append(blob, b.structure...)
	blob = append(blob, b.strings...)
	return blob
}

func (b *Builder) appendPadded(data []byte) {
	b.structure = append(b.structure, data...)
	for len(b.structure)%4 != 0 {
		b.structure = append(b.structure, 0)
	}
}

func (b *Builder) addString(name string) uint32 {
	if off, ok := b.stringOff[name]; ok {
		return off
	}
	off := uint32(len(b.strings))
	b.stringOff[name] = off
	b.strings = append(b.strings, name...)
	b.strings = append(b.strings, 0)
	return off
}
