package diskfs

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/ultraos/hyper/pkg/fat32"
)

// Debug is an overridable diagnostic hook, following the same
// package-level-variable pattern as the rest of this module.
var Debug = func(string, ...interface{}) {}

const probeBufferSize = 4096

// ProbeAllDisks runs ProbeDisk over every disk firmware enumerated,
// registering every filesystem found into table. A single disk's probe
// failing (a bad read, an unsupported sector size) doesn't stop the others;
// every failure is collected and returned together, since spec.md §7 treats
// disk-probing as exactly the kind of recoverable-per-item failure "worth
// reporting together" rather than aborting the whole boot on the first miss.
func ProbeAllDisks(table *Table, reader DiskReader, disks []Disk) error {
	var result *multierror.Error
	for i, disk := range disks {
		if err := ProbeDisk(table, reader, disk, uint32(i)); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// ProbeDisk detects partitioning and filesystems on a single disk, per
// spec.md §4.4's Detection algorithm: GPT disks are recognized and skipped
// (unsupported in this core); MBR disks are walked (including EBR-chained
// logical partitions) and every partition found is probed for FAT32,
// registering a FilesystemEntry in table for each hit.
func ProbeDisk(table *Table, reader DiskReader, disk Disk, diskIndex uint32) error {
	if disk.BytesPerSector == 0 || probeBufferSize%disk.BytesPerSector != 0 {
		return fmt.Errorf("diskfs: disk %d: unsupported sector size %d", diskIndex, disk.BytesPerSector)
	}

	adapter := blockAdapter{reader: reader, handle: disk.Handle, bytesPerSector: disk.BytesPerSector}

	firstBlock := make([]byte, probeBufferSize)
	if err := adapter.readBlock(0, firstBlock); err != nil {
		return fmt.Errorf("diskfs: disk %d: reading first block: %w", diskIndex, err)
	}

	if hasGPTSignature(firstBlock) {
		Debug("diskfs: disk %d is GPT-partitioned, skipping (unsupported in this core)", diskIndex)
		return nil
	}

	if !hasMBRSignature(firstBlock) {
		Debug("diskfs: disk %d has no MBR signature, skipping", diskIndex)
		return nil
	}

	var partitions []mbrPartition
	if err := walkMBR(adapter, firstBlock, 0, 0, &partitions); err != nil {
		return fmt.Errorf("diskfs: disk %d: walking partition table: %w", diskIndex, err)
	}

	for _, p := range partitions {
		probeForFAT32(table, adapter, disk, diskIndex, p)
	}

	return nil
}

// probeForFAT32 attempts the one supported filesystem probe (FAT32) on a
// single partition; failures are recoverable (spec.md §7) and simply mean no
// entry is added for this partition.
func probeForFAT32(table *Table, adapter blockAdapter, disk Disk, diskIndex uint32, p mbrPartition) {
	buf := make([]byte, probeBufferSize)
	if err := adapter.readBlock(p.lbaFirst, buf); err != nil {
		Debug("diskfs: disk %d partition %d: first-block read failed: %v", diskIndex, p.index, err)
		return
	}

	vol, err := fat32.Mount(adapter, buf, disk.BytesPerSector, p.lbaFirst, p.lbaSectors)
	if err != nil {
		Debug("diskfs: disk %d partition %d: no recognized filesystem", diskIndex, p.index)
		return
	}

	table.AddMBREntry(disk.Handle, diskIndex, p.index, fat32Filesystem{vol})
}

// fat32Filesystem adapts *fat32.Volume to the Filesystem interface: Go
// requires an exact method signature match for interface satisfaction, and
// Volume.Open returns a concrete *fat32.File rather than the File interface.
type fat32Filesystem struct {
	vol *fat32.Volume
}

func (f fat32Filesystem) Open(path string) (File, error) {
	file, err := f.vol.Open(path)
	if err != nil {
		return nil, err
	}
	return file, nil
}
