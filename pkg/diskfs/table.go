package diskfs

import "github.com/ultraos/hyper/pkg/guid"

// PartitionType discriminates how a FilesystemEntry's partition was located,
// matching the partition_type field of the boot protocol's KernelInfo.
type PartitionType int

const (
	PartitionRaw PartitionType = iota + 1
	PartitionMBR
	PartitionGPT
)

// rawPartitionIndex marks a FilesystemEntry spanning an entire unpartitioned
// disk, mirroring original_source's raw_partition_index sentinel.
const rawPartitionIndex = ^uint32(0)

// Filesystem is the capability the Filesystem Table needs from a mounted
// filesystem: opening a file by path. *fat32.Volume does not satisfy it
// directly, since its Open returns the concrete *fat32.File; probe.go's
// fat32Filesystem adapts it.
type Filesystem interface {
	Open(path string) (File, error)
}

// File is the capability the Filesystem Table needs from an open file
// handle. pkg/fat32.File satisfies this structurally.
type File interface {
	Size() uint32
	Read(buffer []byte, offset uint32) error
}

// FilesystemEntry is one row of the Filesystem Table, per spec.md §3.
type FilesystemEntry struct {
	DiskHandle     Handle
	DiskIndex      uint32
	PartitionIndex uint32
	PartitionType  PartitionType
	DiskGUID       guid.GUID
	PartitionGUID  guid.GUID
	Filesystem     Filesystem
}

func (e FilesystemEntry) isRaw() bool { return e.PartitionIndex == rawPartitionIndex }

// Table is the Filesystem Table: every filesystem the boot driver found
// across every disk, plus the designated origin entry. Unlike
// original_source's process-wide fs_table globals (a boot-time constraint
// on heap availability that doesn't apply here), it is an explicit value the
// boot driver owns and passes around, per spec.md §9's recommendation that
// "a strong implementer should expose them as a single aggregate passed by
// reference rather than process-wide globals."
type Table struct {
	entries   []FilesystemEntry
	origin    FilesystemEntry
	hasOrigin bool
}

// AddRawEntry records a filesystem found on an entire unpartitioned disk.
func (t *Table) AddRawEntry(handle Handle, diskIndex uint32, fs Filesystem) {
	t.entries = append(t.entries, FilesystemEntry{
		DiskHandle:     handle,
		DiskIndex:      diskIndex,
		PartitionIndex: rawPartitionIndex,
		PartitionType:  PartitionRaw,
		Filesystem:     fs,
	})
}

// AddMBREntry records a filesystem found on an MBR (or EBR-chained logical)
// partition.
func (t *Table) AddMBREntry(handle Handle, diskIndex, partitionIndex uint32, fs Filesystem) {
	t.entries = append(t.entries, FilesystemEntry{
		DiskHandle:     handle,
		DiskIndex:      diskIndex,
		PartitionIndex: partitionIndex,
		PartitionType:  PartitionMBR,
		Filesystem:     fs,
	})
}

// AddGPTEntry records a filesystem found on a GPT partition. No probe in
// this core ever produces one (GPT disks are detected and skipped per
// spec.md §4.4), but the entry shape and lookup path are part of the data
// model and FullPath grammar regardless, so the constructor is kept for a
// future GPT prober to call into without widening the Table's API.
func (t *Table) AddGPTEntry(handle Handle, diskIndex, partitionIndex uint32, diskGUID, partitionGUID guid.GUID, fs Filesystem) {
	t.entries = append(t.entries, FilesystemEntry{
		DiskHandle:     handle,
		DiskIndex:      diskIndex,
		PartitionIndex: partitionIndex,
		PartitionType:  PartitionGPT,
		DiskGUID:       diskGUID,
		PartitionGUID:  partitionGUID,
		Filesystem:     fs,
	})
}

// All returns every entry currently in the table, in discovery order.
func (t *Table) All() []FilesystemEntry { return t.entries }

// SetOrigin designates the partition the bootloader itself was loaded from.
func (t *Table) SetOrigin(entry FilesystemEntry) {
	t.origin = entry
	t.hasOrigin = true
}

// Origin returns the designated origin entry, or ok=false if none has been
// set yet.
func (t *Table) Origin() (FilesystemEntry, bool) { return t.origin, t.hasOrigin }
