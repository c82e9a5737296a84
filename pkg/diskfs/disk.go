// Package diskfs implements the Filesystem Layer's disk side: MBR/EBR
// partition-table walking and the Filesystem Table that records which
// filesystem was found on which disk/partition.
package diskfs

// Handle is an opaque firmware-assigned disk token. pkg/firmware mints these;
// diskfs never interprets the value, only threads it back through DiskReader.
type Handle uintptr

// Disk describes one firmware-enumerated disk, per spec.md §3's Disk data
// model.
type Disk struct {
	Handle         Handle
	BytesPerSector uint16
	TotalSectors   uint64
	Flags          uint32
}

// DiskReader is the minimal capability diskfs needs from the firmware Disk
// abstraction: reading whole sectors by LBA. pkg/firmware.DiskBackend satisfies this
// structurally, the same duck-typing pattern pkg/fat32 uses for its own
// blockReader.
type DiskReader interface {
	ReadBlocks(handle Handle, buffer []byte, firstSector uint64, sectorCount uint32) bool
}

// blockAdapter binds a DiskReader to one disk's handle and sector size,
// presenting the sector-count/error-returning shape pkg/fat32.Mount expects.
type blockAdapter struct {
	reader         DiskReader
	handle         Handle
	bytesPerSector uint16
}

func (a blockAdapter) ReadSectors(firstSector uint64, sectorCount uint32, buf []byte) error {
	if !a.reader.ReadBlocks(a.handle, buf, firstSector, sectorCount) {
		return errReadBlocksFailed
	}
	return nil
}

func (a blockAdapter) readBlock(lba uint64, buf []byte) error {
	return a.ReadSectors(lba, uint32(len(buf))/uint32(a.bytesPerSector), buf)
}
