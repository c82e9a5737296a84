// Package vmm builds the paging structures a loaded kernel runs under, per
// spec.md §4.6: 4-level (48-bit) and 5-level (57-bit) page tables, 4 KiB and
// 2 MiB (huge) leaves, all entries present/read-write.
package vmm

const (
	entriesPerTable = 512

	pagePresent   = 1 << 0
	pageReadWrite = 1 << 1
	pageHuge      = 1 << 7

	frameAddressMask = ^uint64(0xFFF)

	pageSize     = 1 << 12 // 4 KiB
	hugePageSize = 1 << 21 // 2 MiB
)

// PanicSink is the minimal collaborator the Critical mapping variants need.
// pkg/firmware's PanicSink satisfies this structurally; vmm does not import
// pkg/firmware to avoid a cycle (mirrors pkg/memmgr.PanicSink).
type PanicSink interface {
	UnrecoverableError(format string, args ...interface{})
}

// PageAllocator hands back the physical address of one freshly usable page
// for use as an interior page-table node. ok is false on exhaustion.
type PageAllocator interface {
	AllocatePage() (address uint64, ok bool)
}

// Memory is the physical-address-indexed read/write/zero surface the table
// walk operates over. pkg/firmware's Memory capability satisfies this
// structurally.
type Memory interface {
	ReadUint64(address uint64) uint64
	WriteUint64(address uint64, value uint64)
	ZeroPage(address uint64)
}

// PageTable is a handle to a page-table hierarchy's root, addressed by
// physical address rather than a Go pointer since the table being built
// belongs to the kernel being booted, not this process.
type PageTable struct {
	Root   uint64
	Levels int // 4 or 5
}

// tableAt returns the physical address of the child table at index within
// table (allocating and zeroing one if absent), mirroring VirtualMemory.cpp's
// table_at.
func tableAt(mem Memory, alloc PageAllocator, table uint64, index uint64) (uint64, bool) {
	entry := mem.ReadUint64(table + index*8)
	if entry&pagePresent != 0 {
		if entry&pageHuge != 0 {
			panic("vmm: present entry already maps a huge page, cannot use it as an interior table")
		}
		return entry & frameAddressMask, true
	}

	page, ok := alloc.AllocatePage()
	if !ok {
		return 0, false
	}
	mem.ZeroPage(page)
	mem.WriteUint64(table+index*8, page|pageReadWrite|pagePresent)
	return page, true
}

func tableIndices(virtualBase uint64) (lvl5, lvl4, lvl3, lvl2, lvl1 uint64) {
	const mask = entriesPerTable - 1
	lvl5 = (virtualBase >> 48) & mask
	lvl4 = (virtualBase >> 39) & mask
	lvl3 = (virtualBase >> 30) & mask
	lvl2 = (virtualBase >> 21) & mask
	lvl1 = (virtualBase >> 12) & mask
	return
}

// doMapPage walks/creates every interior table down to the leaf and writes
// the final mapping, mirroring VirtualMemory.cpp's do_map_page.
func doMapPage(pt PageTable, mem Memory, alloc PageAllocator, virtualBase, physicalBase uint64, huge bool) bool {
	lvl5idx, lvl4idx, lvl3idx, lvl2idx, lvl1idx := tableIndices(virtualBase)

	lvl4 := pt.Root
	if pt.Levels == 5 {
		var ok bool
		lvl4, ok = tableAt(mem, alloc, pt.Root, lvl5idx)
		if !ok {
			return false
		}
	}

	lvl3, ok := tableAt(mem, alloc, lvl4, lvl4idx)
	if !ok {
		return false
	}
	lvl2, ok := tableAt(mem, alloc, lvl3, lvl3idx)
	if !ok {
		return false
	}

	if huge {
		mem.WriteUint64(lvl2+lvl2idx*8, physicalBase|pageHuge|pageReadWrite|pagePresent)
		return true
	}

	lvl1, ok := tableAt(mem, alloc, lvl2, lvl2idx)
	if !ok {
		return false
	}
	mem.WriteUint64(lvl1+lvl1idx*8, physicalBase|pageReadWrite|pagePresent)
	return true
}

// MapPage maps one 4 KiB page.
func MapPage(pt PageTable, mem Memory, alloc PageAllocator, virtualBase, physicalBase uint64) bool {
	return doMapPage(pt, mem, alloc, virtualBase, physicalBase, false)
}

// MapPages maps count consecutive 4 KiB pages, advancing both the virtual
// and physical cursor by pageSize once per iteration. original_source's
// map_pages advances virtual_base by page_size twice per iteration and never
// advances physical_base at all, mapping every page onto the same backing
// frame at addresses 2*page_size apart; resolved here per the stated fix
// (advance each cursor exactly once per iteration).
func MapPages(pt PageTable, mem Memory, alloc PageAllocator, virtualBase, physicalBase uint64, count uint64) bool {
	for i := uint64(0); i < count; i++ {
		if !doMapPage(pt, mem, alloc, virtualBase, physicalBase, false) {
			return false
		}
		virtualBase += pageSize
		physicalBase += pageSize
	}
	return true
}

// MapHugePage maps one 2 MiB page.
func MapHugePage(pt PageTable, mem Memory, alloc PageAllocator, virtualBase, physicalBase uint64) bool {
	return doMapPage(pt, mem, alloc, virtualBase, physicalBase, true)
}

// MapHugePages maps count consecutive 2 MiB pages.
func MapHugePages(pt PageTable, mem Memory, alloc PageAllocator, virtualBase, physicalBase uint64, count uint64) bool {
	for i := uint64(0); i < count; i++ {
		if !doMapPage(pt, mem, alloc, virtualBase, physicalBase, true) {
			return false
		}
		virtualBase += hugePageSize
		physicalBase += hugePageSize
	}
	return true
}

func onCriticalMappingFailed(sink PanicSink, virtualBase, physicalBase, pages uint64, huge bool) {
	if sink != nil {
		sink.UnrecoverableError("out of memory while attempting to map %d critical pages at %#x (physical %#x) huge: %v",
			pages, virtualBase, physicalBase, huge)
	}
	panic("vmm: critical page mapping failed")
}

// MapCriticalPage is MapPage but escalates failure through sink (never
// returning) instead of reporting it, for call sites where running out of
// page-table memory is a user-visible fatal condition (spec.md §7).
func MapCriticalPage(pt PageTable, mem Memory, alloc PageAllocator, sink PanicSink, virtualBase, physicalBase uint64) {
	if !MapPage(pt, mem, alloc, virtualBase, physicalBase) {
		onCriticalMappingFailed(sink, virtualBase, physicalBase, 1, false)
	}
}

// MapCriticalPages is MapPages but escalates failure through sink.
func MapCriticalPages(pt PageTable, mem Memory, alloc PageAllocator, sink PanicSink, virtualBase, physicalBase uint64, count uint64) {
	if !MapPages(pt, mem, alloc, virtualBase, physicalBase, count) {
		onCriticalMappingFailed(sink, virtualBase, physicalBase, count, false)
	}
}

// MapCriticalHugePage is MapHugePage but escalates failure through sink.
func MapCriticalHugePage(pt PageTable, mem Memory, alloc PageAllocator, sink PanicSink, virtualBase, physicalBase uint64) {
	if !MapHugePage(pt, mem, alloc, virtualBase, physicalBase) {
		onCriticalMappingFailed(sink, virtualBase, physicalBase, 1, true)
	}
}

// MapCriticalHugePages is MapHugePages but escalates failure through sink.
func MapCriticalHugePages(pt PageTable, mem Memory, alloc PageAllocator, sink PanicSink, virtualBase, physicalBase uint64, count uint64) {
	if !MapHugePages(pt, mem, alloc, virtualBase, physicalBase, count) {
		onCriticalMappingFailed(sink, virtualBase, physicalBase, count, true)
	}
}
