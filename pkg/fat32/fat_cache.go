package fat32

import "encoding/binary"

// fatViewPages mirrors original_source's fat_view_pages = page_size * 16:
// a 64 KiB sliding window over the File Allocation Table, refilled whenever
// a lookup misses it.
const (
	pageSize        = 4096
	fatViewPages    = pageSize * 16
	fatEntrySize    = 4
	fatViewCapacity = fatViewPages / fatEntrySize
)

const (
	freeCluster       uint32 = 0x00000000
	reservedCluster   uint32 = 0x00000001
	badCluster        uint32 = 0x0FFFFFF7
	endOfChainMin     uint32 = 0x0FFFFFF8
	reservedClusterCount = 2
)

// fatEntryType classifies a raw 32-bit FAT entry value.
type fatEntryType int

const (
	fatFree fatEntryType = iota
	fatReserved
	fatBad
	fatEndOfChain
	fatLink
)

func classifyFATEntry(value uint32) fatEntryType {
	switch {
	case value == 0:
		return fatFree
	case value == reservedCluster:
		return fatReserved
	case value >= endOfChainMin:
		return fatEndOfChain
	case value == badCluster:
		return fatBad
	default:
		return fatLink
	}
}

// pureClusterValue strips the two reserved low cluster numbers that a FAT32
// cluster chain entry never actually addresses into the data region.
func pureClusterValue(value uint32) uint32 {
	return value - reservedClusterCount
}

// blockReader is the minimal capability fat32 needs from a disk/partition
// reader: reading whole sectors by LBA. pkg/diskfs's blockAdapter, which
// binds a firmware DiskReader to one disk, satisfies this structurally.
type blockReader interface {
	ReadSectors(firstSector uint64, sectorCount uint32, buf []byte) error
}

// fatCache is the sliding window over the File Allocation Table.
type fatCache struct {
	disk           blockReader
	fatFirstSector uint64
	fatSectors     uint64
	bytesPerSector uint16
	clusterCount   uint32

	windowOffset uint32 // index of the first cached entry
	window       []uint32
}

func newFATCache(disk blockReader, fatFirstSector, fatSectors uint64, bytesPerSector uint16, clusterCount uint32) *fatCache {
	return &fatCache{
		disk:           disk,
		fatFirstSector: fatFirstSector,
		fatSectors:     fatSectors,
		bytesPerSector: bytesPerSector,
		clusterCount:   clusterCount,
	}
}

func (c *fatCache) ensure(index uint32) error {
	if c.window != nil && index >= c.windowOffset && index < c.windowOffset+uint32(len(c.window)) {
		return nil
	}

	firstBlock := c.fatFirstSector + (uint64(index)*fatEntrySize)/uint64(c.bytesPerSector)
	sectorsToRead := c.fatSectors
	if maxSectors := uint64(fatViewPages) / uint64(c.bytesPerSector); sectorsToRead > maxSectors {
		sectorsToRead = maxSectors
	}

	buf := make([]byte, sectorsToRead*uint64(c.bytesPerSector))
	if err := c.disk.ReadSectors(firstBlock, uint32(sectorsToRead), buf); err != nil {
		return err
	}

	entries := len(buf) / fatEntrySize
	window := make([]uint32, entries)
	for i := range window {
		window[i] = binary.LittleEndian.Uint32(buf[i*fatEntrySize:])
	}

	c.windowOffset = uint32((firstBlock - c.fatFirstSector) * uint64(c.bytesPerSector) / fatEntrySize)
	c.window = window
	return nil
}

// entryAt returns the raw FAT entry for the given cluster index, or
// badCluster if it could not be read (mirroring fat_entry_at's failure
// fallback in original_source).
func (c *fatCache) entryAt(index uint32) uint32 {
	if index >= c.clusterCount {
		return badCluster
	}
	if err := c.ensure(index); err != nil {
		return badCluster
	}
	return c.window[index-c.windowOffset]
}
