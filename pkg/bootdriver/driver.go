// Package bootdriver orchestrates the sequence spec.md §4.7 names: disk
// discovery, config lookup and parsing, loadable-entry selection, kernel
// decompression and ELF load, page-table construction, and a boot-context
// snapshot ready for handover. It is the one package every other core
// package's collaborators get wired together in, grounded on
// original_source/Loader/Loader.cpp's loader_entry.
package bootdriver

import (
	"fmt"

	"github.com/ultraos/hyper/pkg/bootproto"
	"github.com/ultraos/hyper/pkg/config"
	"github.com/ultraos/hyper/pkg/diskfs"
	"github.com/ultraos/hyper/pkg/firmware"
	"github.com/ultraos/hyper/pkg/memmgr"
)

// Debug is an overridable diagnostic hook, following the same
// package-level-variable pattern as every other package in this module.
var Debug = func(string, ...interface{}) {}

// identityMapLength is the size of the low-memory identity mapping kept for
// the real-to-protected/long-mode trampoline, per spec.md §4.7 step 6.
const identityMapLength = 16 * 1024 * 1024 // 16 MiB, covers real-mode/trampoline code and data

// defaultKernelStackPages sizes the stack allocated for the kernel's first
// instruction, absent a more specific config key.
const defaultKernelStackPages = 4 // 16 KiB on a 4 KiB page size

// Config is everything the driver needs from its caller to begin: the
// firmware-enumerated disk list (spec.md's Disk data model) and which
// disk/partition the loader itself was read from. Firmware enumeration and
// the real trampoline/handover entry points are architecture- and
// firmware-specific and stay outside this package, per spec.md §4.7's own
// framing ("orthogonal to the core").
type Config struct {
	Disks                []diskfs.Disk
	OriginDiskIndex      uint32
	OriginPartitionIndex uint32

	// EntryName selects a loadable entry by its "[name]" header. Empty
	// selects the first loadable entry in file order (see selectEntry).
	EntryName string
}

// Driver owns every collaborator the boot sequence threads together:
// firmware capabilities, the physical memory manager, the physical address
// space backing it, the panic/console sinks, and the Filesystem Table built
// up during disk discovery.
type Driver struct {
	Services firmware.Services
	Memory   *memmgr.Manager
	Physical *firmware.Memory
	Sink     *firmware.PanicSink
	Console  *firmware.Console

	table       *diskfs.Table
	framebuffer *firmware.Framebuffer
}

// New returns a Driver ready to Run.
func New(services firmware.Services, mgr *memmgr.Manager, physical *firmware.Memory, sink *firmware.PanicSink, console *firmware.Console) *Driver {
	return &Driver{
		Services: services,
		Memory:   mgr,
		Physical: physical,
		Sink:     sink,
		Console:  console,
		table:    &diskfs.Table{},
	}
}

// HandoverArgs is everything the architecture-specific trampoline needs to
// jump into the kernel, per spec.md §6's handover entry-point contract.
type HandoverArgs struct {
	EntryPoint    uint64
	StackPointer  uint64
	PageTableRoot uint64
	Magic         uint64
	BootContext   []byte
}

// Run executes the full orchestration contract of spec.md §4.7 and returns
// the arguments ready for handover. Any step that fails in a user-visible
// way (missing config, parse error, missing kernel, ELF validation failure)
// escalates through d.Sink and never returns, per spec.md §7's propagation
// policy ("components at the top convert recoverable misses into fatal").
func (d *Driver) Run(cfg Config) (HandoverArgs, error) {
	if err := diskfs.ProbeAllDisks(d.table, d.Services.Disk, cfg.Disks); err != nil {
		Debug("bootdriver: disk probing reported failures: %v", err)
	}

	origin, ok := d.findOriginEntry(cfg)
	if ok {
		d.table.SetOrigin(origin)
	}

	configFile, configEntry, ok := findConfigFile(d.table)
	if !ok {
		d.Sink.UnrecoverableError("couldn't find ultra.cfg anywhere on disk")
		return HandoverArgs{}, fmt.Errorf("bootdriver: no config file found")
	}

	configBytes, err := readWholeFile(configFile)
	if err != nil {
		d.Sink.UnrecoverableError("failed to read config file: %v", err)
		return HandoverArgs{}, err
	}

	arena, parseErr := config.Parse(configBytes)
	if parseErr != nil {
		d.Sink.UnrecoverableError("failed to parse config file: %s at %d:%d", parseErr.Message, parseErr.Line, parseErr.Column)
		return HandoverArgs{}, fmt.Errorf("bootdriver: %s", parseErr.Message)
	}

	entryOff, ok := selectEntry(arena, cfg.EntryName)
	if !ok {
		d.Sink.UnrecoverableError("no loadable entry found (requested %q)", cfg.EntryName)
		return HandoverArgs{}, fmt.Errorf("bootdriver: no loadable entry")
	}

	kernel, err := d.loadKernelEntry(arena, entryOff, configEntry)
	if err != nil {
		d.Sink.UnrecoverableError("failed to load kernel: %v", err)
		return HandoverArgs{}, err
	}

	pt, stackPointer := d.buildPageTables(kernel)

	bootCtx := d.buildBootContext(kernel)

	return HandoverArgs{
		EntryPoint:    kernel.info.EntrypointAddress,
		StackPointer:  stackPointer,
		PageTableRoot: pt.Root,
		Magic:         bootproto.Magic,
		BootContext:   bootCtx,
	}, nil
}

// findOriginEntry locates the Filesystem Table entry matching the disk and
// partition the loader itself was read from.
func (d *Driver) findOriginEntry(cfg Config) (diskfs.FilesystemEntry, bool) {
	for _, e := range d.table.All() {
		if e.DiskIndex == cfg.OriginDiskIndex && e.PartitionIndex == cfg.OriginPartitionIndex {
			return e, true
		}
	}
	return diskfs.FilesystemEntry{}, false
}
