package elfloader

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ultraos/hyper/pkg/memmgr"
)

// fakeAllocator records every call and returns addresses a test can assert
// against without a real memmgr.Manager.
type fakeAllocator struct {
	topDownNext uint64 // address AllocateTopDownCritical returns
	atCalls     []struct{ address, count uint64 }
}

func (a *fakeAllocator) AllocateTopDownCritical(count uint64, upperLimit uint64, typ memmgr.RangeType) uint64 {
	return a.topDownNext
}

func (a *fakeAllocator) AllocateAtCritical(address, count uint64, typ memmgr.RangeType) uint64 {
	a.atCalls = append(a.atCalls, struct{ address, count uint64 }{address, count})
	return address
}

// fakeMemory is a flat byte array standing in for physical memory, addressed
// directly by physical address (tests keep addresses small).
type fakeMemory struct {
	bytes []byte
}

func newFakeMemory(size int) *fakeMemory { return &fakeMemory{bytes: make([]byte, size)} }

func (m *fakeMemory) WriteAt(address uint64, data []byte) {
	copy(m.bytes[address:], data)
}

func (m *fakeMemory) ZeroAt(address uint64, length uint64) {
	for i := uint64(0); i < length; i++ {
		m.bytes[address+i] = 0
	}
}

// buildELF64 assembles a minimal little-endian ELF64 ET_EXEC image with the
// given entry point and a single PT_LOAD segment described by vaddr/paddr/
// memsz, backed by payload bytes placed immediately after the program header
// table.
func buildELF64(entry, vaddr, paddr, memsz uint64, payload []byte) []byte {
	const phoff = 64
	phdrEnd := phoff + phdr64Size
	buf := make([]byte, phdrEnd+len(payload))

	buf[0], buf[1], buf[2], buf[3] = elfMag0, elfMag1, elfMag2, elfMag3
	buf[eiClass] = elfClass64
	buf[eiData] = elfData2LSB

	e := buf[16:]
	binary.LittleEndian.PutUint16(e[0:2], etExec)
	binary.LittleEndian.PutUint16(e[2:4], emAMD64)
	binary.LittleEndian.PutUint64(e[8:16], entry)
	binary.LittleEndian.PutUint64(e[16:24], phoff)
	binary.LittleEndian.PutUint16(e[38:40], phdr64Size)
	binary.LittleEndian.PutUint16(e[40:42], 1)

	p := buf[phoff:]
	binary.LittleEndian.PutUint32(p[0:4], ptLoad)
	binary.LittleEndian.PutUint32(p[4:8], 0)
	binary.LittleEndian.PutUint64(p[8:16], uint64(phdrEnd))
	binary.LittleEndian.PutUint64(p[16:24], vaddr)
	binary.LittleEndian.PutUint64(p[24:32], paddr)
	binary.LittleEndian.PutUint64(p[32:40], uint64(len(payload)))
	binary.LittleEndian.PutUint64(p[40:48], memsz)
	binary.LittleEndian.PutUint64(p[48:56], memmgr.PageSize)

	copy(buf[phdrEnd:], payload)
	return buf
}

func TestLoadByPhysicalAddressDepositsAndZeroFills(t *testing.T) {
	const memsz = 0x2000
	payload := []byte{1, 2, 3, 4}
	file := buildELF64(0x2000, 0x400000, 0x2000, memsz, payload)

	alloc := &fakeAllocator{}
	mem := newFakeMemory(0x10000)

	info, err := Load(file, alloc, mem, Options{})
	require.NoError(t, err)

	assert.EqualValues(t, 0x2000, info.EntrypointAddress)
	assert.EqualValues(t, 0x2000, info.PhysicalBase)
	assert.EqualValues(t, memmgr.PageSize*2, info.PhysicalCeiling-info.PhysicalBase)
	assert.Equal(t, Bits64, info.Bitness)

	require.Len(t, alloc.atCalls, 1)
	assert.EqualValues(t, 0x2000, alloc.atCalls[0].address)

	assert.Equal(t, payload, mem.bytes[0x2000:0x2000+len(payload)])
	assert.Equal(t, make([]byte, memsz-len(payload)), mem.bytes[0x2000+uint64(len(payload)):0x2000+memsz])
}

func TestLoadAllocateAnywhereHigherHalfMatchesScenario(t *testing.T) {
	const vaddr = 0xFFFFFFFF80100000
	payload := make([]byte, 0x1000)
	file := buildELF64(vaddr, vaddr, 0, 0x2000, payload)

	alloc := &fakeAllocator{topDownNext: 0x300000}
	mem := newFakeMemory(0x400000)

	info, err := Load(file, alloc, mem, Options{UseVirtualAddresses: true, AllocateAnywhere: true})
	require.NoError(t, err)

	assert.EqualValues(t, vaddr, info.VirtualBase)
	assert.EqualValues(t, vaddr, info.EntrypointAddress)
	assert.True(t, info.PhysicalValid)
	assert.EqualValues(t, 0x300000, info.PhysicalBase)
	assert.EqualValues(t, 0x2000, info.PhysicalCeiling-info.PhysicalBase)
}

func TestLoadRejects32BitWithVirtualAddresses(t *testing.T) {
	file := make([]byte, ehdr32Size+8)
	file[0], file[1], file[2], file[3] = elfMag0, elfMag1, elfMag2, elfMag3
	file[eiClass] = elfClass32
	file[eiData] = elfData2LSB

	_, err := Load(file, &fakeAllocator{}, newFakeMemory(0), Options{UseVirtualAddresses: true})
	assert.Error(t, err)
}

func TestLoadRejectsBadMagic(t *testing.T) {
	file := make([]byte, 64)
	_, err := Load(file, &fakeAllocator{}, newFakeMemory(0), Options{})
	assert.Error(t, err)
}

func TestLoadRejectsEntrypointOutsideHull(t *testing.T) {
	payload := []byte{0xAA}
	file := buildELF64(0x500000, 0x400000, 0x400000, 0x1000, payload)

	_, err := Load(file, &fakeAllocator{}, newFakeMemory(0x10000), Options{})
	assert.Error(t, err)
}

func TestLoadRejectsAllocateAnywhereBelowHigherHalf(t *testing.T) {
	payload := []byte{0x01}
	file := buildELF64(0x400000, 0x400000, 0x400000, 0x1000, payload)

	_, err := Load(file, &fakeAllocator{}, newFakeMemory(0x10000), Options{UseVirtualAddresses: true, AllocateAnywhere: true})
	assert.Error(t, err)
}

func TestLoadRelocatesEntrypointWhenLoadingByPhysicalAddress(t *testing.T) {
	// Entry is expressed as a virtual address inside the one PT_LOAD segment;
	// loading by physical address must relocate it into physical space.
	payload := make([]byte, 0x100)
	file := buildELF64(0x400010, 0x400000, 0x2000, 0x1000, payload)

	alloc := &fakeAllocator{}
	info, err := Load(file, alloc, newFakeMemory(0x10000), Options{})
	require.NoError(t, err)

	assert.EqualValues(t, 0x2010, info.EntrypointAddress)
}
