// Package memmgr maintains the sorted, coalesced, type-tagged view of
// firmware-reported physical memory and serves allocation/free requests
// against it.
package memmgr

import "fmt"

// PageSize is the unit of allocation for all Free-backed ranges.
const PageSize = 4096

// RangeType tags a PhysicalRange with its ownership. The numeric ordering
// is also the type-priority ordering used by shatter: a range with a higher
// Type value wins the overlapping region against one with a lower Type.
type RangeType int

const (
	Free RangeType = iota
	Reserved
	ACPIReclaimable
	NVS
	LoaderReclaimable
	Module
	KernelStack
	KernelBinary
)

func (t RangeType) String() string {
	switch t {
	case Free:
		return "free"
	case Reserved:
		return "reserved"
	case ACPIReclaimable:
		return "acpi-reclaimable"
	case NVS:
		return "nvs"
	case LoaderReclaimable:
		return "loader-reclaimable"
	case Module:
		return "module"
	case KernelStack:
		return "kernel-stack"
	case KernelBinary:
		return "kernel-binary"
	default:
		return fmt.Sprintf("range-type(%d)", int(t))
	}
}

// Range is a contiguous span of physical memory of a single Type.
type Range struct {
	Begin  uint64
	Length uint64
	Type   RangeType
}

// End returns the address one past the last byte of the range.
func (r Range) End() uint64 { return r.Begin + r.Length }

// Empty reports whether the range covers no bytes.
func (r Range) Empty() bool { return r.Length == 0 }

// Overlaps reports whether r and o share at least one byte.
func (r Range) Overlaps(o Range) bool {
	return r.Begin < o.End() && o.Begin < r.End()
}

// alignDown rounds v down to the nearest multiple of PageSize.
func alignDown(v uint64) uint64 { return v &^ (PageSize - 1) }

// alignUp rounds v up to the nearest multiple of PageSize.
func alignUp(v uint64) uint64 { return alignDown(v+PageSize-1) }

// pageAligned reports whether v is already a multiple of PageSize.
func pageAligned(v uint64) bool { return v%PageSize == 0 }
