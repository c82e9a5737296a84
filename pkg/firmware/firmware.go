// Package firmware provides the capability-set abstraction the boot driver
// runs against (spec.md §4.1/§5): disk, video, and physical memory access,
// plus the unrecoverable-error/panic path every other package's Critical
// call sites escalate into.
package firmware

import "github.com/ultraos/hyper/pkg/diskfs"

// Debug is an overridable diagnostic hook, following the same
// package-level-variable pattern linuxboot-fiano's pkg/cbfs uses
// (cbfs.Debug = log.Printf in its CLI, t.Logf in its tests).
var Debug = func(string, ...interface{}) {}

// Platform distinguishes the firmware environment the loader was started
// under, per original_source's Services.h Platform enum.
type Platform int

const (
	BIOS Platform = iota
	UEFI
)

func (p Platform) String() string {
	if p == UEFI {
		return "UEFI"
	}
	return "BIOS"
}

// VideoMode is one entry returned by VideoServices.ListModes.
type VideoMode struct {
	Width, Height uint32
	ID            uint32
}

// Resolution is a display's native pixel dimensions.
type Resolution struct {
	Width, Height uint32
}

// Framebuffer describes a video mode set by VideoServices.SetMode.
type Framebuffer struct {
	Width, Height, Pitch, BPP uint32
	PhysicalAddress           uint64
}

// VideoServices is the capability set a backend (VBE/VESA under BIOS, GOP
// under UEFI) exposes for mode enumeration and selection, per Services.h's
// VideoServices abstract class.
type VideoServices interface {
	// ListModes reports up to len(into) modes into into, returning the
	// number written. A return of 0 is fatal to the caller: no mode could be
	// listed at all.
	ListModes(into []VideoMode) int
	// QueryResolution reports the display's native resolution. ok is false
	// if the query failed or returned implausible data.
	QueryResolution() (Resolution, bool)
	// SetMode activates a mode returned from an earlier ListModes call.
	SetMode(id uint32) (Framebuffer, bool)
}

// Services aggregates every capability the boot driver needs from firmware,
// per Services.h's Services class: a fixed Platform plus disk and video
// backends. Disk is exactly pkg/diskfs.DiskReader so the same backend value
// can be handed to diskfs.ProbeAllDisks and stored here without adapting.
type Services struct {
	Platform Platform
	Disk     diskfs.DiskReader
	Video    VideoServices
}
