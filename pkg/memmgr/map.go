package memmgr

import "sort"

// Map is an ordered, non-overlapping, coalesced sequence of Ranges together
// with a revision counter ("key"). The key increments on every mutation and
// is the sole coherence token exchanged with the handover protocol.
type Map struct {
	ranges     []Range
	key        uint64
	handedOver bool
}

// NewMap returns an empty, mutable Map.
func NewMap() *Map {
	return &Map{ranges: make([]Range, 0, 64)}
}

// Key returns the current revision counter.
func (m *Map) Key() uint64 { return m.key }

// Len returns the number of ranges currently in the map.
func (m *Map) Len() int { return len(m.ranges) }

// At returns a copy of the range at index i.
func (m *Map) At(i int) Range { return m.ranges[i] }

// HandedOver reports whether Handover has already succeeded on this map.
func (m *Map) HandedOver() bool { return m.handedOver }

func (m *Map) bump() { m.key++ }

// Emplace ingests a single firmware-reported range. Free ranges are
// page-aligned (down on begin, the resulting end is then re-derived so the
// length stays consistent); Reserved and higher-priority ranges are kept
// byte-precise. The range is inserted in sorted position (insertion sort:
// firmware maps arrive nearly sorted already) and the map is coalesced.
func (m *Map) Emplace(r Range) {
	if m.handedOver {
		panic("memmgr: emplace after handover")
	}
	if r.Empty() {
		return
	}
	if r.Type == Free {
		begin := alignDown(r.Begin)
		end := alignUp(r.End())
		if end <= begin {
			return
		}
		r = Range{Begin: begin, Length: end - begin, Type: Free}
	}

	i := sort.Search(len(m.ranges), func(i int) bool { return m.ranges[i].Begin >= r.Begin })
	m.ranges = append(m.ranges, Range{})
	copy(m.ranges[i+1:], m.ranges[i:])
	m.ranges[i] = r

	m.coalesce(false)
	m.bump()
}

// coalesce repeatedly scans adjacent pairs, merging touching equal-type
// ranges and shattering overlapping unequal-type ranges, until a full pass
// makes no change. invertPriority flips the type-priority rule used by
// shatter, for the free_pages path (§4.2).
func (m *Map) coalesce(invertPriority bool) {
	for {
		changed := false
		sort.Slice(m.ranges, func(i, j int) bool { return m.ranges[i].Begin < m.ranges[j].Begin })

		out := make([]Range, 0, len(m.ranges))
		i := 0
		for i < len(m.ranges) {
			cur := m.ranges[i]
			if i+1 >= len(m.ranges) {
				out = append(out, cur)
				i++
				continue
			}
			next := m.ranges[i+1]
			switch {
			case next.Begin > cur.End():
				// No relation at all.
				out = append(out, cur)
				i++
			case next.Begin == cur.End() && cur.Type == next.Type:
				// Touching, same type: merge.
				merged := Range{Begin: cur.Begin, Length: next.End() - cur.Begin, Type: cur.Type}
				out = append(out, merged)
				i += 2
				changed = true
			case next.Begin == cur.End():
				// Touching, different type: already a valid final state,
				// nothing to shatter.
				out = append(out, cur)
				i++
			default:
				// Strict overlap (next.Begin < cur.End()): shatter.
				pieces := shatter(cur, next, invertPriority)
				out = append(out, pieces...)
				i += 2
				changed = true
			}
		}
		m.ranges = compact(out)
		if !changed {
			return
		}
	}
}

// compact drops zero-length ranges produced by shattering or alignment.
func compact(in []Range) []Range {
	out := in[:0]
	for _, r := range in {
		if !r.Empty() {
			out = append(out, r)
		}
	}
	return out
}

// shatter splits overlapping range pair (l, r), with l.Begin <= r.Begin (the
// caller always supplies the pair in sorted order), into up to three
// successor ranges covering [l.Begin, l.End) ∪ [r.Begin, r.End), with the
// higher-priority type owning the overlapping region. If invertPriority is
// set the comparison is reversed for every pair not involving Reserved (used
// by free_pages, so that freeing into Reserved is rejected but freeing into
// an allocated Loader-Reclaimable range converts it back to Free regardless
// of the normal priority order).
func shatter(l, r Range, invertPriority bool) []Range {
	lWins := l.Type > r.Type
	if invertPriority && l.Type != Reserved && r.Type != Reserved {
		lWins = l.Type < r.Type
	}

	var pieces []Range
	if r.Begin > l.Begin {
		pieces = append(pieces, clampFree(Range{Begin: l.Begin, Length: r.Begin - l.Begin, Type: l.Type}))
	}

	ovEnd := minU64(l.End(), r.End())
	ovType := r.Type
	if lWins {
		ovType = l.Type
	}
	pieces = append(pieces, Range{Begin: r.Begin, Length: ovEnd - r.Begin, Type: ovType})

	switch {
	case l.End() > r.End():
		pieces = append(pieces, clampFree(Range{Begin: r.End(), Length: l.End() - r.End(), Type: l.Type}))
	case r.End() > l.End():
		pieces = append(pieces, clampFree(Range{Begin: l.End(), Length: r.End() - l.End(), Type: r.Type}))
	}

	return compact(pieces)
}

// clampFree re-page-aligns a Free sub-range inward (begin rounded up, end
// rounded down), so it never grows back over the range that won the overlap;
// sub-page-size Free slivers are dropped, Reserved ones kept.
func clampFree(r Range) Range {
	if r.Type != Free {
		return r
	}
	begin := alignUp(r.Begin)
	end := alignDown(r.End())
	if end <= begin {
		return Range{}
	}
	return Range{Begin: begin, Length: end - begin, Type: Free}
}

func minU64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

func maxU64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

// CopyMap writes the current ranges into buf. If buf is too small, it
// returns the number of ranges required and a zero key; the caller must
// retry with a larger buffer. On success it returns len(ranges) and the
// snapshot key valid at the time of the copy.
func (m *Map) CopyMap(buf []Range) (required int, key uint64) {
	if len(buf) < len(m.ranges) {
		return len(m.ranges), 0
	}
	n := copy(buf, m.ranges)
	return n, m.key
}

// Handover freezes the map iff key matches the current revision. Once it
// succeeds, Emplace panics, the Manager's Allocate* calls report failure,
// and FreePages returns without changing the map.
func (m *Map) Handover(key uint64) bool {
	if m.handedOver {
		return false
	}
	if key != m.key {
		return false
	}
	m.handedOver = true
	return true
}
