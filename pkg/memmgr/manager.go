package memmgr

import (
	"fmt"
	"sort"

	"github.com/dustin/go-humanize"
)

// PanicSink is the minimal collaborator a Manager needs for its Critical
// allocation variants. pkg/firmware's PanicSink satisfies this interface
// structurally; memmgr does not import pkg/firmware to avoid a cycle.
type PanicSink interface {
	UnrecoverableError(format string, args ...interface{})
}

// Manager owns a Map and serves the three allocation disciplines from
// spec.md §4.2: top-down, within-a-window, and at-a-fixed-address.
type Manager struct {
	m     *Map
	sink  PanicSink
	debug func(string, ...interface{})
}

// NewManager returns a Manager over a fresh, empty Map.
func NewManager(sink PanicSink) *Manager {
	return &Manager{m: NewMap(), sink: sink, debug: func(string, ...interface{}) {}}
}

// SetDebug installs a diagnostic sink; nil degenerates to no-op.
func (mgr *Manager) SetDebug(fn func(string, ...interface{})) {
	if fn == nil {
		fn = func(string, ...interface{}) {}
	}
	mgr.debug = fn
}

// Map returns the underlying Map for read-only inspection (CopyMap,
// Handover, Key).
func (mgr *Manager) Map() *Map { return mgr.m }

// Emplace ingests one firmware-reported range.
func (mgr *Manager) Emplace(r Range) {
	mgr.m.Emplace(r)
	mgr.debug("memmgr: emplace %s %s [%#x, %#x)", r.Type, humanize.IBytes(r.Length), r.Begin, r.End())
}

func (mgr *Manager) mutationsAllowed() bool { return !mgr.m.handedOver }

// AllocateTopDown scans ranges high-to-low and carves count pages of typ
// from the top of the highest Free range satisfying
// min(end, upperLimit) - begin >= count*PageSize.
func (mgr *Manager) AllocateTopDown(count uint64, upperLimit uint64, typ RangeType) (uint64, bool) {
	if !mgr.mutationsAllowed() || count == 0 {
		return 0, false
	}
	need := count * PageSize

	// upperLimit acts as an allocation ceiling: the usable window within a
	// Free range is [begin, min(end, upperLimit)). A range entirely above
	// the ceiling, or too narrow below it, is rejected.
	best := -1
	for i := len(mgr.m.ranges) - 1; i >= 0; i-- {
		r := mgr.m.ranges[i]
		if r.Type != Free {
			continue
		}
		usable := minU64(r.End(), upperLimit)
		if usable <= r.Begin {
			continue
		}
		if usable-r.Begin >= need {
			best = i
			break
		}
	}
	if best < 0 {
		return 0, false
	}
	r := mgr.m.ranges[best]
	usable := minU64(r.End(), upperLimit)
	base := usable - need
	if base < r.Begin {
		return 0, false
	}
	mgr.carve(Range{Begin: base, Length: need, Type: typ}, false)
	mgr.debug("memmgr: alloc-top-down %d pages type=%s -> %#x", count, typ, base)
	return base, true
}

// AllocateWithin lower_bound's on begin, walks forward, and carves count
// pages of typ from the low end of the first Free range whose intersection
// with [lower, upper) is large enough.
func (mgr *Manager) AllocateWithin(count uint64, lower, upper uint64, typ RangeType) (uint64, bool) {
	if !mgr.mutationsAllowed() || count == 0 || lower >= upper {
		return 0, false
	}
	need := count * PageSize

	idx := sort.Search(len(mgr.m.ranges), func(i int) bool { return mgr.m.ranges[i].End() > lower })
	for i := idx; i < len(mgr.m.ranges); i++ {
		r := mgr.m.ranges[i]
		if r.Begin >= upper {
			break
		}
		if r.Type != Free {
			continue
		}
		winBegin := maxU64(r.Begin, lower)
		winEnd := minU64(r.End(), upper)
		if winEnd <= winBegin || winEnd-winBegin < need {
			continue
		}
		base := winBegin
		mgr.carve(Range{Begin: base, Length: need, Type: typ}, false)
		mgr.debug("memmgr: alloc-within %d pages type=%s -> %#x", count, typ, base)
		return base, true
	}
	return 0, false
}

// AllocateAt is AllocateWithin(count, address, address+count*PageSize, typ).
func (mgr *Manager) AllocateAt(address, count uint64, typ RangeType) (uint64, bool) {
	return mgr.AllocateWithin(count, address, address+count*PageSize, typ)
}

// FreePages reconstructs [address, address+count*PageSize) as type Free and
// inserts it with inverted priority, then re-coalesces: freeing into
// Reserved is rejected by the inverted rule (Reserved still wins), while
// freeing an allocated (e.g. Loader-Reclaimable) range converts it back to
// Free regardless of the normal priority order.
func (mgr *Manager) FreePages(address, count uint64) {
	if !mgr.mutationsAllowed() || count == 0 {
		return
	}
	r := Range{Begin: address, Length: count * PageSize, Type: Free}
	i := sort.Search(len(mgr.m.ranges), func(i int) bool { return mgr.m.ranges[i].Begin >= r.Begin })
	mgr.m.ranges = append(mgr.m.ranges, Range{})
	copy(mgr.m.ranges[i+1:], mgr.m.ranges[i:])
	mgr.m.ranges[i] = r
	mgr.m.coalesce(true)
	mgr.m.bump()
	mgr.debug("memmgr: free %d pages at %#x", count, address)
}

// carve inserts an already-decided allocation range and re-coalesces with
// the normal (non-inverted) priority rule, so the new allocation's type
// always wins against the Free range it was carved from.
func (mgr *Manager) carve(r Range, invertPriority bool) {
	i := sort.Search(len(mgr.m.ranges), func(i int) bool { return mgr.m.ranges[i].Begin >= r.Begin })
	mgr.m.ranges = append(mgr.m.ranges, Range{})
	copy(mgr.m.ranges[i+1:], mgr.m.ranges[i:])
	mgr.m.ranges[i] = r
	mgr.m.coalesce(invertPriority)
	mgr.m.bump()
}

// AllocateTopDownCritical is AllocateTopDown but calls the PanicSink (never
// returning) instead of reporting failure, for call sites where OOM is a
// user-visible fatal condition (spec.md §7).
func (mgr *Manager) AllocateTopDownCritical(count uint64, upperLimit uint64, typ RangeType) uint64 {
	addr, ok := mgr.AllocateTopDown(count, upperLimit, typ)
	if !ok {
		mgr.panicOOM("top-down", count, typ)
	}
	return addr
}

// AllocateAtCritical is AllocateAt but calls the PanicSink on failure.
func (mgr *Manager) AllocateAtCritical(address, count uint64, typ RangeType) uint64 {
	addr, ok := mgr.AllocateAt(address, count, typ)
	if !ok {
		mgr.panicOOM(fmt.Sprintf("at %#x", address), count, typ)
	}
	return addr
}

func (mgr *Manager) panicOOM(disc string, count uint64, typ RangeType) {
	if mgr.sink != nil {
		mgr.sink.UnrecoverableError("out of memory: could not allocate %d pages (%s, %s) %s",
			count, humanize.IBytes(count*PageSize), typ, disc)
	}
	panic(fmt.Sprintf("memmgr: critical allocation failed: %d pages type=%s disc=%s", count, typ, disc))
}
