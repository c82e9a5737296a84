package bootdriver

import (
	"fmt"

	"github.com/ultraos/hyper/pkg/bootproto"
	"github.com/ultraos/hyper/pkg/compress"
	"github.com/ultraos/hyper/pkg/config"
	"github.com/ultraos/hyper/pkg/diskfs"
	"github.com/ultraos/hyper/pkg/elfloader"
)

// loadedKernel bundles the ELF loader's result with the kernel's own
// provenance (disk/partition/path) and the command line read from config,
// since the page-table and boot-context stages both need these together.
type loadedKernel struct {
	info       elfloader.BinaryInformation
	kernelInfo bootproto.KernelInfo
	cmdline    string
}

// loadKernelEntry resolves, reads, optionally decompresses, and ELF-loads
// the kernel image named by the loadable entry at entryOff's "path" key,
// per spec.md §4.7 step 5.
func (d *Driver) loadKernelEntry(arena *config.Arena, entryOff config.Offset, configEntry diskfs.FilesystemEntry) (loadedKernel, error) {
	scope := arena.FirstChild(entryOff)

	path, ok, err := stringKey(arena, scope, "path", true)
	if err != nil {
		return loadedKernel{}, fmt.Errorf("bootdriver: reading \"path\": %w", err)
	}
	if !ok {
		return loadedKernel{}, fmt.Errorf("bootdriver: loadable entry %q has no \"path\" key", arena.Key(entryOff))
	}

	full, ok := diskfs.ParsePath(path)
	if !ok {
		return loadedKernel{}, fmt.Errorf("bootdriver: malformed path %q", path)
	}

	entry, ok := d.table.GetByFullPath(full)
	if !ok {
		return loadedKernel{}, fmt.Errorf("bootdriver: no disk/partition matches path %q", path)
	}

	file, err := entry.Filesystem.Open(full.PathWithinPartition)
	if err != nil {
		return loadedKernel{}, fmt.Errorf("bootdriver: opening %q: %w", path, err)
	}

	raw, err := readWholeFile(file)
	if err != nil {
		return loadedKernel{}, fmt.Errorf("bootdriver: reading %q: %w", path, err)
	}

	codecName, _, err := stringKey(arena, scope, "compression", false)
	if err != nil {
		return loadedKernel{}, fmt.Errorf("bootdriver: reading \"compression\": %w", err)
	}
	codec, ok := compress.ByName(codecName)
	if !ok {
		return loadedKernel{}, fmt.Errorf("bootdriver: unrecognized compression %q", codecName)
	}
	image, err := codec.Decode(raw)
	if err != nil {
		return loadedKernel{}, fmt.Errorf("bootdriver: decompressing %q (%s): %w", path, codec.Name(), err)
	}

	useVirtual := boolKey(arena, scope, "higher-half", false)
	allocateAnywhere := boolKey(arena, scope, "allocate-anywhere", false)
	if allocateAnywhere && !useVirtual {
		return loadedKernel{}, fmt.Errorf("bootdriver: \"allocate-anywhere\" requires \"higher-half\"")
	}

	info, err := elfloader.Load(image, d.Memory, d.Physical, elfloader.Options{
		UseVirtualAddresses: useVirtual,
		AllocateAnywhere:    allocateAnywhere,
	})
	if err != nil {
		return loadedKernel{}, fmt.Errorf("bootdriver: ELF load of %q failed: %w", path, err)
	}

	cmdline, _, err := stringKey(arena, scope, "cmdline", false)
	if err != nil {
		return loadedKernel{}, fmt.Errorf("bootdriver: reading \"cmdline\": %w", err)
	}

	return loadedKernel{
		info:    info,
		cmdline: cmdline,
		kernelInfo: bootproto.KernelInfo{
			PhysicalBase:   info.PhysicalBase,
			VirtualBase:    info.VirtualBase,
			RangeLength:    info.PhysicalCeiling - info.PhysicalBase,
			PartitionType:  entry.PartitionType,
			DiskGUID:       entry.DiskGUID,
			PartitionGUID:  entry.PartitionGUID,
			DiskIndex:      entry.DiskIndex,
			PartitionIndex: entry.PartitionIndex,
			PathOnDisk:     full.PathWithinPartition,
		},
	}, nil
}
