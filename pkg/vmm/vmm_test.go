package vmm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeMemory backs Memory with a sparse, 8-byte-entry-addressable map,
// standing in for a contiguous physical address space a real firmware
// Memory capability would provide.
type fakeMemory struct {
	entries map[uint64]uint64
}

func newFakeMemory() *fakeMemory { return &fakeMemory{entries: map[uint64]uint64{}} }

func (m *fakeMemory) ReadUint64(address uint64) uint64  { return m.entries[address] }
func (m *fakeMemory) WriteUint64(address uint64, v uint64) { m.entries[address] = v }
func (m *fakeMemory) ZeroPage(address uint64) {
	for a := address; a < address+pageSize; a += 8 {
		delete(m.entries, a)
	}
}

// fakeAllocator hands out successive page-sized addresses from a fixed pool,
// reporting exhaustion once budget is spent.
type fakeAllocator struct {
	next   uint64
	budget int
}

func (a *fakeAllocator) AllocatePage() (uint64, bool) {
	if a.budget <= 0 {
		return 0, false
	}
	a.budget--
	addr := a.next
	a.next += pageSize
	return addr, true
}

func TestMapPage4LevelWritesExpectedLeafEntry(t *testing.T) {
	mem := newFakeMemory()
	alloc := &fakeAllocator{next: 0x100000, budget: 16}
	pt := PageTable{Root: 0x1000, Levels: 4}

	const vaddr = 0x0000000012345678
	const paddr = 0x300000

	ok := MapPage(pt, mem, alloc, vaddr, paddr)
	require.True(t, ok)

	lvl4idx, lvl3idx, lvl2idx, lvl1idx := tableIdx4(vaddr)

	lvl3 := mem.ReadUint64(pt.Root+lvl4idx*8) & frameAddressMask
	require.NotZero(t, lvl3)
	lvl2 := mem.ReadUint64(lvl3+lvl3idx*8) & frameAddressMask
	require.NotZero(t, lvl2)
	lvl1 := mem.ReadUint64(lvl2+lvl2idx*8) & frameAddressMask
	require.NotZero(t, lvl1)

	leaf := mem.ReadUint64(lvl1 + lvl1idx*8)
	assert.EqualValues(t, paddr|pageReadWrite|pagePresent, leaf)
}

// tableIdx4 recomputes the 4-level index split for assertions, independent
// of tableIndices' own (also under test) implementation.
func tableIdx4(v uint64) (lvl4, lvl3, lvl2, lvl1 uint64) {
	const mask = entriesPerTable - 1
	return (v >> 39) & mask, (v >> 30) & mask, (v >> 21) & mask, (v >> 12) & mask
}

func TestMapHugePageSetsHugeBitAtLevel2(t *testing.T) {
	mem := newFakeMemory()
	alloc := &fakeAllocator{next: 0x100000, budget: 16}
	pt := PageTable{Root: 0x1000, Levels: 4}

	const vaddr = 0x40000000
	const paddr = 0x80000000

	require.True(t, MapHugePage(pt, mem, alloc, vaddr, paddr))

	lvl4idx, lvl3idx, lvl2idx, _ := tableIdx4(vaddr)
	lvl3 := mem.ReadUint64(pt.Root+lvl4idx*8) & frameAddressMask
	lvl2 := mem.ReadUint64(lvl3+lvl3idx*8) & frameAddressMask
	leaf := mem.ReadUint64(lvl2 + lvl2idx*8)

	assert.EqualValues(t, paddr|pageHuge|pageReadWrite|pagePresent, leaf)
}

func TestMapPage5LevelAddsExtraIndirection(t *testing.T) {
	mem := newFakeMemory()
	alloc := &fakeAllocator{next: 0x100000, budget: 16}
	pt := PageTable{Root: 0x1000, Levels: 5}

	const vaddr = uint64(1) << 49 // exercises a non-zero level-5 index
	require.True(t, MapPage(pt, mem, alloc, vaddr, 0x5000))

	lvl5idx := (vaddr >> 48) & (entriesPerTable - 1)
	require.NotZero(t, lvl5idx)
	lvl4 := mem.ReadUint64(pt.Root+lvl5idx*8) & frameAddressMask
	assert.NotZero(t, lvl4)
}

func TestMapPagesAdvancesBothCursorsOncePerIteration(t *testing.T) {
	mem := newFakeMemory()
	alloc := &fakeAllocator{next: 0x100000, budget: 32}
	pt := PageTable{Root: 0x1000, Levels: 4}

	const vaddr = 0x400000
	const paddr = 0x900000
	const count = 3

	require.True(t, MapPages(pt, mem, alloc, vaddr, paddr, count))

	for i := uint64(0); i < count; i++ {
		v := vaddr + i*pageSize
		p := paddr + i*pageSize
		lvl4idx, lvl3idx, lvl2idx, lvl1idx := tableIdx4(v)
		lvl3 := mem.ReadUint64(pt.Root+lvl4idx*8) & frameAddressMask
		lvl2 := mem.ReadUint64(lvl3+lvl3idx*8) & frameAddressMask
		lvl1 := mem.ReadUint64(lvl2+lvl2idx*8) & frameAddressMask
		leaf := mem.ReadUint64(lvl1 + lvl1idx*8)
		assert.EqualValuesf(t, p|pageReadWrite|pagePresent, leaf, "page %d", i)
	}
}

func TestMapPageFailsWhenAllocatorExhausted(t *testing.T) {
	mem := newFakeMemory()
	alloc := &fakeAllocator{next: 0x100000, budget: 0}
	pt := PageTable{Root: 0x1000, Levels: 4}

	ok := MapPage(pt, mem, alloc, 0x400000, 0x900000)
	assert.False(t, ok)
}

type fakeSink struct{ called bool }

func (s *fakeSink) UnrecoverableError(format string, args ...interface{}) { s.called = true }

func TestMapCriticalPagePanicsOnFailure(t *testing.T) {
	mem := newFakeMemory()
	alloc := &fakeAllocator{next: 0x100000, budget: 0}
	pt := PageTable{Root: 0x1000, Levels: 4}
	sink := &fakeSink{}

	assert.Panics(t, func() {
		MapCriticalPage(pt, mem, alloc, sink, 0x400000, 0x900000)
	})
	assert.True(t, sink.called)
}

func TestTableAtReusesExistingPresentEntry(t *testing.T) {
	mem := newFakeMemory()
	alloc := &fakeAllocator{next: 0x100000, budget: 2}

	first, ok := tableAt(mem, alloc, 0x1000, 7)
	require.True(t, ok)
	second, ok := tableAt(mem, alloc, 0x1000, 7)
	require.True(t, ok)

	assert.Equal(t, first, second)
	assert.EqualValues(t, 1, alloc.budget) // only the first call allocated
}

func TestTableAtPanicsWhenPresentEntryIsHuge(t *testing.T) {
	mem := newFakeMemory()
	alloc := &fakeAllocator{next: 0x100000, budget: 0}

	mem.WriteUint64(0x1000+7*8, 0x200000|pageHuge|pageReadWrite|pagePresent)

	assert.Panics(t, func() {
		tableAt(mem, alloc, 0x1000, 7)
	})
}
