package inject

import (
	"encoding/binary"
)

// MachineCode accumulates a sequence of x86-64 machine code under
// construction. Appends can be chained; immediates are encoded little-endian
// as the CPU expects them.
type MachineCode struct {
	code []byte
}

// AppendBytes appends raw opcode or prefix bytes.
func (m *MachineCode) AppendBytes(bs ...byte) *MachineCode {
	m.code = append(m.code, bs...)
	return m
}

// AppendImmediate32 appends a 32-bit little-endian immediate.
func (m *MachineCode) AppendImmediate32(v uint32) *MachineCode {
	m.code = binary.LittleEndian.AppendUint32(m.code, v)
	return m
}

// AppendImmediate64 appends a 64-bit little-endian immediate.
func (m *MachineCode) AppendImmediate64(v uint64) *MachineCode {
	m.code = binary.LittleEndian.AppendUint64(m.code, v)
	return m
}

// Bytes returns the accumulated machine code.
func (m *MachineCode) Bytes() []byte {
	return m.code
}
