package elfloader

import (
	"fmt"
	"math"

	"github.com/hashicorp/go-multierror"
	"github.com/ultraos/hyper/pkg/memmgr"
)

// higherHalfAddress is the virtual base above which a kernel's addresses are
// considered "higher half", per ELF.cpp: 0xC0000000 for 32-bit (3 GiB),
// 0xFFFFFFFF80000000 for 64-bit (the canonical x86-64 negative-2GiB base).
func higherHalfAddress(b Bitness) uint64 {
	if b == Bits32 {
		return 0xC0000000
	}
	return 0xFFFFFFFF80000000
}

const oneMegabyte = 1 << 20

// Allocator is the memmgr collaborator the loader stages physical pages
// through. *memmgr.Manager satisfies this structurally.
type Allocator interface {
	AllocateTopDownCritical(count uint64, upperLimit uint64, typ memmgr.RangeType) uint64
	AllocateAtCritical(address, count uint64, typ memmgr.RangeType) uint64
}

// PhysicalMemory is the destination the loader copies and zero-fills segment
// bytes into. pkg/firmware's Memory capability satisfies this structurally.
type PhysicalMemory interface {
	WriteAt(address uint64, data []byte)
	ZeroAt(address uint64, length uint64)
}

// Options controls how Load interprets and places a binary, mirroring
// ELF.cpp's use_virtual_addresses/allocate_anywhere flags.
type Options struct {
	// UseVirtualAddresses loads segments at their p_vaddr rather than their
	// p_paddr, and is required whenever AllocateAnywhere is set.
	UseVirtualAddresses bool
	// AllocateAnywhere lets the loader pick physical backing storage instead
	// of depositing each segment at its own fixed address; every segment's
	// p_vaddr must then lie in the higher half.
	AllocateAnywhere bool
}

// BinaryInformation describes the hull of a loaded binary, per spec.md §3's
// ELF Binary Information record.
type BinaryInformation struct {
	EntrypointAddress uint64
	VirtualBase       uint64
	VirtualCeiling    uint64
	PhysicalBase      uint64
	PhysicalCeiling   uint64
	Bitness           Bitness
	PhysicalValid     bool
}

// alignDown/alignUp mirror memmgr's page-rounding helpers; elfloader can't
// import memmgr's unexported versions, and the rounding unit here is always
// the same hardware page size.
func alignDown(v uint64) uint64 { return v &^ (memmgr.PageSize - 1) }
func alignUp(v uint64) uint64   { return alignDown(v + memmgr.PageSize - 1) }

// Load validates file as a little-endian ET_EXEC ELF32/64 image, computes its
// virtual/physical hull, stages physical pages through alloc and deposits
// every PT_LOAD segment, returning the resulting BinaryInformation.
//
// Grounded on original_source/Loader/ELF/ELF.cpp's do_load: two passes over
// the PT_LOAD headers, a hull computation pass followed by a deposit pass,
// with allocate_anywhere switching the hull's backing allocation from
// per-segment fixed placement to a single top-down critical allocation.
func Load(file []byte, alloc Allocator, mem PhysicalMemory, opts Options) (BinaryInformation, error) {
	h, err := identifyAndDecodeHeader(file)
	if err != nil {
		return BinaryInformation{}, err
	}
	if h.bitness == Bits32 && opts.UseVirtualAddresses {
		return BinaryInformation{}, fmt.Errorf("elfloader: 32-bit binaries cannot be loaded by virtual address")
	}
	if h.machine != expectedMachine(h.bitness) {
		return BinaryInformation{}, fmt.Errorf("elfloader: e_machine %d does not match ELF class", h.machine)
	}
	if h.objType != etExec {
		return BinaryInformation{}, fmt.Errorf("elfloader: e_type %d is not ET_EXEC", h.objType)
	}

	phdrs, err := decodeProgramHeaders(file, h)
	if err != nil {
		return BinaryInformation{}, err
	}

	loads := make([]programHeader, 0, len(phdrs))
	for _, ph := range phdrs {
		if ph.Type == ptLoad {
			loads = append(loads, ph)
		}
	}
	if len(loads) == 0 {
		return BinaryInformation{}, fmt.Errorf("elfloader: no PT_LOAD segments")
	}

	info, err := computeHull(loads, h, opts)
	if err != nil {
		return BinaryInformation{}, err
	}

	if opts.AllocateAnywhere {
		pageCount := (info.VirtualCeiling - info.VirtualBase) / memmgr.PageSize
		info.PhysicalBase = alloc.AllocateTopDownCritical(pageCount, math.MaxUint64, memmgr.KernelBinary)
		info.PhysicalCeiling = info.PhysicalBase + pageCount*memmgr.PageSize
		info.PhysicalValid = true
	}

	if err := depositSegments(file, loads, h, opts, alloc, mem, &info); err != nil {
		return BinaryInformation{}, err
	}

	return info, nil
}

// computeHull is do_load's first pass: it tracks the virtual and physical
// extent of every PT_LOAD segment, validates allocate_anywhere's higher-half
// requirement, relocates the entrypoint when loading by physical address,
// and finally validates the entrypoint falls within the resulting hull.
// Per-segment validation failures are independent of each other, so every
// offending segment is reported together rather than stopping at the first.
func computeHull(loads []programHeader, h header, opts Options) (BinaryInformation, error) {
	var merr *multierror.Error

	virtualBase, virtualCeiling := uint64(math.MaxUint64), uint64(0)
	physicalBase, physicalCeiling := uint64(math.MaxUint64), uint64(0)
	entry := h.entry

	for i, ph := range loads {
		if ph.VAddr+ph.MemSz < ph.VAddr {
			merr = multierror.Append(merr, fmt.Errorf("segment %d: p_vaddr+p_memsz overflows", i))
			continue
		}
		if opts.AllocateAnywhere && ph.VAddr < higherHalfAddress(h.bitness) {
			merr = multierror.Append(merr, fmt.Errorf("segment %d: invalid load address %#x for allocate-anywhere", i, ph.VAddr))
			continue
		}

		if ph.VAddr < virtualBase {
			virtualBase = ph.VAddr
		}
		if end := ph.VAddr + ph.MemSz; end > virtualCeiling {
			virtualCeiling = end
		}
		if ph.PAddr < physicalBase {
			physicalBase = ph.PAddr
		}
		if end := ph.PAddr + ph.MemSz; end > physicalCeiling {
			physicalCeiling = end
		}

		if !opts.UseVirtualAddresses && entry >= ph.VAddr && entry < ph.VAddr+ph.MemSz {
			entry = entry - ph.VAddr + ph.PAddr
		}
	}
	if err := merr.ErrorOrNil(); err != nil {
		return BinaryInformation{}, err
	}

	refBase, refCeiling := physicalBase, physicalCeiling
	if opts.UseVirtualAddresses {
		refBase, refCeiling = virtualBase, virtualCeiling
	}
	if entry < refBase || entry >= refCeiling {
		return BinaryInformation{}, fmt.Errorf("elfloader: entrypoint %#x outside loaded image [%#x, %#x)", entry, refBase, refCeiling)
	}

	return BinaryInformation{
		EntrypointAddress: entry,
		VirtualBase:       alignDown(virtualBase),
		VirtualCeiling:    alignUp(virtualCeiling),
		PhysicalBase:      alignDown(physicalBase),
		PhysicalCeiling:   alignUp(physicalCeiling),
		Bitness:           h.bitness,
	}, nil
}

// depositSegments is do_load's second pass: for every PT_LOAD segment it
// resolves the segment's load address (staging fresh physical pages unless
// allocate_anywhere already reserved the whole hull), copies p_filesz bytes
// from the file into mem and zero-fills the remaining p_memsz-p_filesz bytes.
func depositSegments(file []byte, loads []programHeader, h header, opts Options, alloc Allocator, mem PhysicalMemory, info *BinaryInformation) error {
	for i, ph := range loads {
		address := ph.PAddr
		if opts.UseVirtualAddresses {
			address = ph.VAddr
		}
		if address+ph.MemSz < address {
			return fmt.Errorf("segment %d: address+p_memsz overflows", i)
		}
		fileEnd := ph.Offset + ph.FileSz
		if fileEnd < ph.Offset || fileEnd > uint64(len(file)) {
			return fmt.Errorf("segment %d: p_offset+p_filesz extends past end of file", i)
		}
		if ph.MemSz < ph.FileSz {
			return fmt.Errorf("segment %d: p_memsz smaller than p_filesz", i)
		}

		hh := higherHalfAddress(h.bitness)
		if address >= hh {
			if !opts.UseVirtualAddresses {
				return fmt.Errorf("segment %d: higher-half address %#x requires virtual addressing", i, address)
			}
			address -= hh
			if address < oneMegabyte && !opts.AllocateAnywhere {
				return fmt.Errorf("segment %d: relocated address %#x below 1 MiB", i, address)
			}
		}

		var loadBase uint64
		if opts.AllocateAnywhere {
			loadBase = info.PhysicalBase + (ph.VAddr - info.VirtualBase)
		} else {
			begin := alignDown(address)
			end := alignUp(address + ph.MemSz)
			if end > 1<<32 {
				return fmt.Errorf("segment %d: load range extends past 4 GiB", i)
			}
			pages := (end - begin) / memmgr.PageSize
			physBegin := alloc.AllocateAtCritical(begin, pages, memmgr.KernelBinary)
			loadBase = physBegin + (address - begin)
		}

		mem.WriteAt(loadBase, file[ph.Offset:fileEnd])
		mem.ZeroAt(loadBase+ph.FileSz, ph.MemSz-ph.FileSz)
	}
	return nil
}
