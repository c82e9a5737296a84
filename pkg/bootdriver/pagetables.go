package bootdriver

import (
	"math"

	"github.com/ultraos/hyper/pkg/firmware"
	"github.com/ultraos/hyper/pkg/memmgr"
	"github.com/ultraos/hyper/pkg/vmm"
)

// pagingLevels is fixed at 4: spec.md §4.6 supports both 4- and 5-level
// paging, but nothing in the config grammar or the ELF loader's scenarios
// (spec.md §8) asks for 5-level tables, so this core always builds 4-level
// tables. pkg/vmm's walk already branches on PageTable.Levels, so a caller
// building a 5-level root is free to do so without any change here.
const pagingLevels = 4

// pageTableAllocator adapts *memmgr.Manager to vmm.PageAllocator: each page
// table page is taken from the Memory Manager as Loader-Reclaimable, per
// spec.md §5's lifetime discipline ("page tables" are listed alongside the
// config arena and FAT cache as Loader-Reclaimable).
type pageTableAllocator struct {
	mgr *memmgr.Manager
}

func (a pageTableAllocator) AllocatePage() (uint64, bool) {
	return a.mgr.AllocateTopDown(1, math.MaxUint64, memmgr.LoaderReclaimable)
}

// buildPageTables allocates a kernel stack and a fresh page-table root, maps
// the low-memory identity region used by the mode-switch trampoline, maps
// the kernel's own virtual-to-physical range, and optionally remaps the
// framebuffer, per spec.md §4.7 step 6. It returns the page-table root and
// the initial stack pointer (top of the allocated stack, since the stack
// grows down).
func (d *Driver) buildPageTables(kernel loadedKernel) (vmm.PageTable, uint64) {
	alloc := pageTableAllocator{mgr: d.Memory}

	rootAddr := d.Memory.AllocateTopDownCritical(1, math.MaxUint64, memmgr.LoaderReclaimable)
	d.Physical.ZeroPage(rootAddr)
	pt := vmm.PageTable{Root: rootAddr, Levels: pagingLevels}

	identityPages := uint64(identityMapLength) / memmgr.PageSize
	vmm.MapCriticalPages(pt, d.Physical, alloc, d.Sink, 0, 0, identityPages)

	kernelPages := (kernel.info.VirtualCeiling - kernel.info.VirtualBase) / memmgr.PageSize
	vmm.MapCriticalPages(pt, d.Physical, alloc, d.Sink, kernel.info.VirtualBase, kernel.info.PhysicalBase, kernelPages)

	stackBase := d.Memory.AllocateTopDownCritical(defaultKernelStackPages, math.MaxUint64, memmgr.KernelStack)
	// The stack is identity-mapped regardless of the kernel's own
	// addressing style: the handover trampoline runs with only the
	// identity mapping active until the kernel itself switches stacks.
	vmm.MapCriticalPages(pt, d.Physical, alloc, d.Sink, stackBase, stackBase, defaultKernelStackPages)
	stackPointer := stackBase + defaultKernelStackPages*memmgr.PageSize

	if res, ok := d.Services.Video.QueryResolution(); ok {
		d.remapFramebuffer(pt, alloc, res)
	}

	return pt, stackPointer
}

// remapFramebuffer sets the mode closest to the display's native resolution
// and identity-maps the resulting framebuffer's physical range, per
// spec.md §4.7 step 6's "optionally remap the framebuffer."
func (d *Driver) remapFramebuffer(pt vmm.PageTable, alloc pageTableAllocator, res firmware.Resolution) {
	modes := make([]firmware.VideoMode, 16)
	n := d.Services.Video.ListModes(modes)
	if n == 0 {
		return
	}
	best := modes[0]
	for _, m := range modes[:n] {
		if m.Width == res.Width && m.Height == res.Height {
			best = m
			break
		}
	}
	fb, ok := d.Services.Video.SetMode(best.ID)
	if !ok {
		return
	}
	pages := (uint64(fb.Pitch)*uint64(fb.Height) + memmgr.PageSize - 1) / memmgr.PageSize
	base := fb.PhysicalAddress &^ (memmgr.PageSize - 1)
	vmm.MapCriticalPages(pt, d.Physical, alloc, d.Sink, base, base, pages)
	d.framebuffer = &fb
}
