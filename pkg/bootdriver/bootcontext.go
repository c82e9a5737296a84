package bootdriver

import (
	"github.com/ultraos/hyper/pkg/bootproto"
	"github.com/ultraos/hyper/pkg/firmware"
	"github.com/ultraos/hyper/pkg/memmgr"
)

// loaderMajor/loaderMinor/loaderName identify this loader build in the
// Platform Info attribute, per original_source/Protocol.h's
// platform_info_attribute (loader_major, loader_minor, loader_name[32]).
const (
	loaderMajor = 0
	loaderMinor = 1
	loaderName  = "hyper"
)

// platformKind maps pkg/firmware's zero-indexed Platform onto the wire's
// one-indexed PlatformKind (the wire format reserves 0 for "invalid").
func platformKind(p firmware.Platform) bootproto.PlatformKind {
	if p == firmware.UEFI {
		return bootproto.PlatformUEFI
	}
	return bootproto.PlatformBIOS
}

// buildBootContext assembles the boot_context handed to the kernel at
// entry, per spec.md §4.7 step 7: Platform Info, a snapshot of the memory
// map (taken last, after every allocation the driver itself makes), the
// command line, and the framebuffer if one was set during page-table
// construction. The snapshot key is not itself handed to the kernel (the
// kernel has no way to call back into the Memory Manager after handover),
// but spec.md §8 property 8 still requires it to be valid at the instant of
// the copy, so this happens after buildPageTables has made its own
// allocations and immediately before Run returns.
func (d *Driver) buildBootContext(kernel loadedKernel) []byte {
	b := bootproto.NewBuilder()

	b.AddPlatformInfo(bootproto.PlatformInfo{
		Platform:        platformKind(d.Services.Platform),
		LoaderMajor:     loaderMajor,
		LoaderMinor:     loaderMinor,
		LoaderName:      loaderName,
		ACPIRSDPAddress: 0,
	})

	b.AddMemoryMap(d.snapshotMemoryMap())

	if kernel.cmdline != "" {
		b.AddCommandLine(kernel.cmdline)
	}

	if d.framebuffer != nil {
		b.AddFramebuffer(bootproto.Framebuffer{
			Width:           d.framebuffer.Width,
			Height:          d.framebuffer.Height,
			Pitch:           d.framebuffer.Pitch,
			BPP:             uint16(d.framebuffer.BPP),
			Format:          bootproto.FormatRGBA,
			PhysicalAddress: d.framebuffer.PhysicalAddress,
		})
	}

	return b.Finish()
}

// snapshotMemoryMap copies the Memory Manager's current range list into the
// wire's MemoryMapEntry shape. CopyMap reports the buffer it actually needs
// when the first guess is too small (another allocation between the two
// calls, say), so this retries once with the reported size.
func (d *Driver) snapshotMemoryMap() []bootproto.MemoryMapEntry {
	buf := make([]memmgr.Range, d.Memory.Map().Len())
	required, _ := d.Memory.Map().CopyMap(buf)
	if required > len(buf) {
		buf = make([]memmgr.Range, required)
		required, _ = d.Memory.Map().CopyMap(buf)
	}
	buf = buf[:required]

	entries := make([]bootproto.MemoryMapEntry, len(buf))
	for i, r := range buf {
		entries[i] = bootproto.MemoryMapEntry{
			PhysicalAddress: r.Begin,
			SizeInBytes:     r.Length,
			Type:            r.Type,
		}
	}
	return entries
}
