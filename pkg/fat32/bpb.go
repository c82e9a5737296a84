// Package fat32 implements a read-only FAT32 filesystem reader: BPB/EBPB
// detection, a sliding FAT cache window, directory iteration with
// long-filename reassembly, and file reads backed by a precomputed
// contiguous-run table.
package fat32

import (
	"encoding/binary"
	"fmt"
)

const (
	// ebpbOffset is the fixed byte offset of the Extended BIOS Parameter
	// Block within a FAT32 volume's first sector, regardless of sector size.
	ebpbOffset = 0x0B

	ebpbSignature        = 0x29
	minClusterCountFAT32 = 65525
)

var fat32FilesystemType = [8]byte{'F', 'A', 'T', '3', '2', ' ', ' ', ' '}

// EBPB is the on-disk FAT32 Extended BIOS Parameter Block, starting at byte
// 0x0B of the volume's first sector.
type EBPB struct {
	BytesPerSector    uint16
	SectorsPerCluster uint8
	ReservedSectors   uint16
	FATCount          uint8
	SectorsPerFAT     uint32
	RootDirCluster    uint32
	Signature         uint8
	FilesystemType    [8]byte
}

// ParseEBPB decodes an EBPB from the raw first-sector bytes of a volume
// (buf must start at the beginning of the sector, not at ebpbOffset).
func ParseEBPB(buf []byte) (EBPB, error) {
	if len(buf) < ebpbOffset+90 {
		return EBPB{}, fmt.Errorf("fat32: first-sector buffer too small (%d bytes)", len(buf))
	}
	b := buf

	var e EBPB
	e.BytesPerSector = binary.LittleEndian.Uint16(b[0x0B:0x0D])
	e.SectorsPerCluster = b[0x0D]
	e.ReservedSectors = binary.LittleEndian.Uint16(b[0x0E:0x10])
	e.FATCount = b[0x10]
	e.SectorsPerFAT = binary.LittleEndian.Uint32(b[0x24:0x28])
	e.RootDirCluster = binary.LittleEndian.Uint32(b[0x2C:0x30])
	e.Signature = b[0x42]
	copy(e.FilesystemType[:], b[0x52:0x5A])
	return e, nil
}

// Detect reports whether buf (the volume's first sector) plus the disk's
// reported sector size and the partition's length in sectors describe a
// valid FAT32 volume, per original_source's FAT32::detect.
func Detect(buf []byte, diskBytesPerSector uint16, partitionSectors uint64) (EBPB, bool) {
	e, err := ParseEBPB(buf)
	if err != nil {
		return EBPB{}, false
	}

	if e.BytesPerSector != diskBytesPerSector {
		return EBPB{}, false
	}
	if e.Signature != ebpbSignature {
		return EBPB{}, false
	}
	if e.FilesystemType != fat32FilesystemType {
		return EBPB{}, false
	}
	if e.FATCount == 0 || e.SectorsPerCluster == 0 || e.SectorsPerFAT == 0 {
		return EBPB{}, false
	}

	dataSectors := partitionSectors - uint64(e.ReservedSectors) - uint64(e.SectorsPerFAT)*uint64(e.FATCount)
	clusterCount := dataSectors / uint64(e.SectorsPerCluster)
	if clusterCount < minClusterCountFAT32 {
		return EBPB{}, false
	}

	return e, true
}
