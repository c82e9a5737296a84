package firmware

import "encoding/binary"

const memoryPageSize = 4096

// Memory is a reference physical-address-space backend, windowed over
// [Base, Base+len(bytes)). It satisfies pkg/elfloader.PhysicalMemory
// (WriteAt/ZeroAt) and pkg/vmm.Memory (ReadUint64/WriteUint64/ZeroPage) with
// the same underlying storage, so a kernel's segments and its page tables
// land in the same address space exactly as they would on real hardware.
type Memory struct {
	Base  uint64
	bytes []byte
}

// NewMemory windows a flat byte slice as the physical address range
// [base, base+len(bytes)).
func NewMemory(base uint64, bytes []byte) *Memory {
	return &Memory{Base: base, bytes: bytes}
}

func (m *Memory) slice(address uint64, length uint64) []byte {
	start := address - m.Base
	return m.bytes[start : start+length]
}

// WriteAt copies data into physical memory starting at address.
func (m *Memory) WriteAt(address uint64, data []byte) {
	copy(m.slice(address, uint64(len(data))), data)
}

// ZeroAt clears length bytes of physical memory starting at address.
func (m *Memory) ZeroAt(address uint64, length uint64) {
	dst := m.slice(address, length)
	for i := range dst {
		dst[i] = 0
	}
}

// ReadUint64 reads one little-endian uint64 at address.
func (m *Memory) ReadUint64(address uint64) uint64 {
	return binary.LittleEndian.Uint64(m.slice(address, 8))
}

// WriteUint64 writes one little-endian uint64 at address.
func (m *Memory) WriteUint64(address uint64, value uint64) {
	binary.LittleEndian.PutUint64(m.slice(address, 8), value)
}

// ZeroPage clears one memoryPageSize-byte page starting at address.
func (m *Memory) ZeroPage(address uint64) {
	m.ZeroAt(address, memoryPageSize)
}
