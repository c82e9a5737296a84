package memmgr

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type fatalSink struct{ t *testing.T }

func (s fatalSink) UnrecoverableError(format string, args ...interface{}) {
	s.t.Fatalf(format, args...)
}

func TestCoalescingScenario(t *testing.T) {
	mgr := NewManager(fatalSink{t})
	mgr.Emplace(Range{Begin: 0, Length: 4096, Type: Free})
	mgr.Emplace(Range{Begin: 4096, Length: 4096, Type: Free})
	mgr.Emplace(Range{Begin: 8192, Length: 4096, Type: Reserved})
	mgr.Emplace(Range{Begin: 12288, Length: 4096, Type: Free})

	want := []Range{
		{Begin: 0, Length: 8192, Type: Free},
		{Begin: 8192, Length: 4096, Type: Reserved},
		{Begin: 12288, Length: 4096, Type: Free},
	}
	assert.Equal(t, want, mgr.Map().ranges)

	addr, ok := mgr.AllocateTopDown(1, 16384, LoaderReclaimable)
	assert.True(t, ok)
	assert.Equal(t, uint64(12288), addr)

	want2 := []Range{
		{Begin: 0, Length: 8192, Type: Free},
		{Begin: 8192, Length: 4096, Type: Reserved},
		{Begin: 12288, Length: 4096, Type: LoaderReclaimable},
	}
	assert.Equal(t, want2, mgr.Map().ranges)
}

func TestMapInvariantsAfterMutations(t *testing.T) {
	mgr := NewManager(fatalSink{t})
	mgr.Emplace(Range{Begin: 0, Length: 1 << 20, Type: Free})
	mgr.Emplace(Range{Begin: 1 << 16, Length: 4096, Type: Reserved})

	checkInvariants(t, mgr.Map())

	_, ok := mgr.AllocateWithin(4, 0, 1<<20, KernelBinary)
	assert.True(t, ok)
	checkInvariants(t, mgr.Map())

	base, ok := mgr.AllocateTopDown(8, 1<<20, Module)
	assert.True(t, ok)
	checkInvariants(t, mgr.Map())

	mgr.FreePages(base, 8)
	checkInvariants(t, mgr.Map())
}

func checkInvariants(t *testing.T, m *Map) {
	t.Helper()
	for i := 0; i < m.Len(); i++ {
		r := m.At(i)
		assert.Greater(t, r.Length, uint64(0))
		if i > 0 {
			prev := m.At(i - 1)
			assert.LessOrEqual(t, prev.End(), r.Begin, "ranges must not overlap")
			if prev.End() == r.Begin {
				assert.NotEqual(t, prev.Type, r.Type, "touching ranges of equal type must be merged")
			}
		}
	}
}

func TestAllocateAtFixedAddress(t *testing.T) {
	mgr := NewManager(fatalSink{t})
	mgr.Emplace(Range{Begin: 0, Length: 1 << 20, Type: Free})

	addr, ok := mgr.AllocateAt(0x10000, 2, KernelStack)
	assert.True(t, ok)
	assert.Equal(t, uint64(0x10000), addr)

	// A second allocation at the same address should fail: the window is
	// no longer Free.
	_, ok = mgr.AllocateAt(0x10000, 1, KernelStack)
	assert.False(t, ok)
}

func TestFreeRejectsReservedOverwrite(t *testing.T) {
	mgr := NewManager(fatalSink{t})
	mgr.Emplace(Range{Begin: 0, Length: 1 << 20, Type: Free})
	mgr.Emplace(Range{Begin: 0x2000, Length: 0x1000, Type: Reserved})

	mgr.FreePages(0x2000, 1)

	for i := 0; i < mgr.Map().Len(); i++ {
		r := mgr.Map().At(i)
		if r.Begin == 0x2000 {
			assert.Equal(t, Reserved, r.Type)
		}
	}
}

func TestFreeConvertsAllocatedRangeBackToFree(t *testing.T) {
	mgr := NewManager(fatalSink{t})
	mgr.Emplace(Range{Begin: 0, Length: 1 << 20, Type: Free})

	addr, ok := mgr.AllocateAt(0x4000, 1, LoaderReclaimable)
	assert.True(t, ok)

	mgr.FreePages(addr, 1)
	checkInvariants(t, mgr.Map())

	for i := 0; i < mgr.Map().Len(); i++ {
		r := mgr.Map().At(i)
		if r.Begin <= addr && addr < r.End() {
			assert.Equal(t, Free, r.Type)
		}
	}
}

func TestHandoverKeyDiscipline(t *testing.T) {
	mgr := NewManager(fatalSink{t})
	mgr.Emplace(Range{Begin: 0, Length: 4096, Type: Free})

	var buf [8]Range
	_, key := mgr.Map().CopyMap(buf[:])
	assert.Equal(t, mgr.Map().Key(), key)

	assert.True(t, mgr.Map().Handover(key))
	assert.False(t, mgr.Map().Handover(key), "a second handover with the same key must fail")

	_, ok := mgr.AllocateAt(0, 1, KernelBinary)
	assert.False(t, ok, "allocation must fail after handover")

	assert.Panics(t, func() { mgr.Emplace(Range{Begin: 0x10000, Length: 4096, Type: Reserved}) },
		"emplace after handover is a programmer-fatal re-entry")
}

func TestCopyMapRequiresCapacity(t *testing.T) {
	mgr := NewManager(fatalSink{t})
	mgr.Emplace(Range{Begin: 0, Length: 4096, Type: Free})
	mgr.Emplace(Range{Begin: 1 << 20, Length: 4096, Type: Reserved})

	var tooSmall [1]Range
	required, key := mgr.Map().CopyMap(tooSmall[:])
	assert.Equal(t, 2, required)
	assert.Equal(t, uint64(0), key)

	buf := make([]Range, required)
	n, key := mgr.Map().CopyMap(buf)
	assert.Equal(t, 2, n)
	assert.Equal(t, mgr.Map().Key(), key)
}
