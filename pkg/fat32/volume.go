package fat32

import (
	"fmt"
	"strings"
)

// Volume is a mounted, read-only FAT32 filesystem.
type Volume struct {
	disk           blockReader
	bytesPerSector uint16
	sectorsPerCluster uint8
	bytesPerCluster uint32

	fatFirstSector  uint64
	dataFirstSector uint64
	fat             *fatCache

	rootDirCluster uint32
}

// Mount validates buf (the partition's first sector) as a FAT32 volume and
// constructs a Volume over it. lbaFirst/lbaSectors describe the partition's
// own extent on disk.
func Mount(disk blockReader, buf []byte, diskBytesPerSector uint16, lbaFirst, lbaSectors uint64) (*Volume, error) {
	ebpb, ok := Detect(buf, diskBytesPerSector, lbaSectors)
	if !ok {
		return nil, fmt.Errorf("fat32: not a FAT32 volume")
	}

	fatFirst := lbaFirst + uint64(ebpb.ReservedSectors)
	dataFirst := fatFirst + uint64(ebpb.SectorsPerFAT)*uint64(ebpb.FATCount)

	fatClusterCount := uint32((uint64(ebpb.SectorsPerFAT) * uint64(ebpb.BytesPerSector)) / fatEntrySize)

	v := &Volume{
		disk:              disk,
		bytesPerSector:    ebpb.BytesPerSector,
		sectorsPerCluster: ebpb.SectorsPerCluster,
		bytesPerCluster:   uint32(ebpb.SectorsPerCluster) * uint32(ebpb.BytesPerSector),
		fatFirstSector:    fatFirst,
		dataFirstSector:   dataFirst,
		rootDirCluster:    ebpb.RootDirCluster,
	}
	v.fat = newFATCache(disk, fatFirst, uint64(ebpb.SectorsPerFAT), ebpb.BytesPerSector, fatClusterCount)
	return v, nil
}

// BytesPerCluster returns the volume's cluster size in bytes.
func (v *Volume) BytesPerCluster() uint32 { return v.bytesPerCluster }

func (v *Volume) fatEntryAt(cluster uint32) uint32 { return v.fat.entryAt(cluster) }

// readCluster reads bytes at offset within the given (pure, data-region)
// cluster index into buffer.
func (v *Volume) readCluster(cluster uint32, offset uint32, buffer []byte) error {
	sector := v.dataFirstSector + uint64(cluster)*uint64(v.sectorsPerCluster)
	return v.readRaw(sector*uint64(v.bytesPerSector)+uint64(offset), buffer)
}

// readRaw performs an arbitrary byte-offset/length read by internally
// buffering aligned sector reads, per §4.1's Disk.read contract.
func (v *Volume) readRaw(byteOffset uint64, buffer []byte) error {
	if len(buffer) == 0 {
		return nil
	}

	sector := byteOffset / uint64(v.bytesPerSector)
	within := uint32(byteOffset % uint64(v.bytesPerSector))

	sectorsNeeded := (uint64(within) + uint64(len(buffer)) + uint64(v.bytesPerSector) - 1) / uint64(v.bytesPerSector)
	raw := make([]byte, sectorsNeeded*uint64(v.bytesPerSector))
	if err := v.disk.ReadSectors(sector, uint32(sectorsNeeded), raw); err != nil {
		return err
	}
	copy(buffer, raw[within:within+uint32(len(buffer))])
	return nil
}

// RootDirectory returns a Directory iterator over the volume's root.
func (v *Volume) RootDirectory() *Directory {
	return &Directory{vol: v, currentCluster: v.rootDirCluster}
}

// DirEntry is a single resolved (short- or long-named) directory entry.
type DirEntry struct {
	Name         string
	IsDirectory  bool
	FirstCluster uint32
	Size         uint32
}

// Directory iterates the entries of a single FAT32 directory cluster chain.
type Directory struct {
	vol            *Volume
	currentCluster uint32
	currentOffset  uint32
	ended          bool
}

func (d *Directory) fetchNext() (rawDirent, bool) {
	if d.ended {
		return rawDirent{}, false
	}

	if d.currentOffset == d.vol.bytesPerCluster {
		next := d.vol.fatEntryAt(d.currentCluster)
		if classifyFATEntry(next) != fatLink {
			d.ended = true
			return rawDirent{}, false
		}
		d.currentCluster = next
		d.currentOffset = 0
	}

	var raw rawDirent
	if err := d.vol.readCluster(pureClusterValue(d.currentCluster), d.currentOffset, raw.data[:]); err != nil {
		d.ended = true
		return rawDirent{}, false
	}
	d.currentOffset += rawDirentSize
	return raw, true
}

// Next advances the iterator, returning the next resolved entry and true, or
// (DirEntry{}, false) once the directory is exhausted or a read fails.
func (d *Directory) Next() (DirEntry, bool) {
	for {
		raw, ok := d.fetchNext()
		if !ok {
			return DirEntry{}, false
		}
		if raw.isDeleted() || raw.isDevice() {
			continue
		}
		if raw.isEndOfDirectory() {
			d.ended = true
			return DirEntry{}, false
		}
		if raw.isLongName() {
			entry, ok := d.resolveLongName(raw)
			if !ok {
				continue
			}
			return entry, true
		}
		if raw.isVolumeLabel() {
			continue
		}
		return resolveShortName(raw), true
	}
}

func resolveShortName(raw rawDirent) DirEntry {
	name := raw.shortName()
	ext := raw.shortExtension()

	nameStr := trimDOSPadding(name[:])
	extStr := trimDOSPadding(ext[:])
	if raw.isLowercaseName() {
		nameStr = toLowerASCII(nameStr)
	}
	if raw.isLowercaseExtension() {
		extStr = toLowerASCII(extStr)
	}

	full := nameStr
	if extStr != "" {
		full += "." + extStr
	}

	return DirEntry{
		Name:         full,
		IsDirectory:  raw.isDirectory(),
		FirstCluster: raw.firstCluster(),
		Size:         raw.size(),
	}
}

// resolveLongName reassembles a chain of LFN entries that precede their
// associated short-name entry, validating the DOS short-name checksum
// embedded in each fragment (§4.4, "long-filename reassembly ... and
// checksum validation").
func (d *Directory) resolveLongName(first rawDirent) (DirEntry, bool) {
	long := longNameEntry{raw: first}
	if !long.isLastLogical() {
		return DirEntry{}, false
	}

	initialSeq := long.sequenceNumber()
	if initialSeq == 0 || initialSeq > maxLFNSequence {
		return DirEntry{}, false
	}

	var fragments [maxLFNSequence]string
	var checksums [maxLFNSequence]byte
	seq := initialSeq

	var shortEntry rawDirent
	for {
		fragments[seq-1] = lfnFragment(long)
		checksums[seq-1] = long.checksum()

		if seq == 1 {
			raw, ok := d.fetchNext()
			if !ok {
				return DirEntry{}, false
			}
			shortEntry = raw
			break
		}

		raw, ok := d.fetchNext()
		if !ok {
			return DirEntry{}, false
		}
		long = longNameEntry{raw: raw}
		seq--
	}

	var name strings.Builder
	for i := 0; i < initialSeq; i++ {
		name.WriteString(fragments[i])
	}

	expected := generateShortNameChecksum(shortNameAndExt(shortEntry))
	for i := 0; i < initialSeq; i++ {
		if checksums[i] != expected {
			return DirEntry{}, false
		}
	}

	return DirEntry{
		Name:         name.String(),
		IsDirectory:  shortEntry.isDirectory(),
		FirstCluster: shortEntry.firstCluster(),
		Size:         shortEntry.size(),
	}, true
}

func shortNameAndExt(raw rawDirent) [shortNameLength + shortExtensionLength]byte {
	var out [shortNameLength + shortExtensionLength]byte
	copy(out[:], raw.data[0:11])
	return out
}

// lfnFragment decodes one LFN entry's three UCS-2 name segments, stopping
// at the first embedded NUL.
func lfnFragment(l longNameEntry) string {
	var b strings.Builder
	frag, terminated := decodeUCS2Segment(l.name1())
	b.WriteString(frag)
	if terminated {
		return b.String()
	}
	frag, terminated = decodeUCS2Segment(l.name2())
	b.WriteString(frag)
	if terminated {
		return b.String()
	}
	frag, _ = decodeUCS2Segment(l.name3())
	b.WriteString(frag)
	return b.String()
}

func trimDOSPadding(b []byte) string {
	end := len(b)
	for end > 0 && b[end-1] == ' ' {
		end--
	}
	return string(b[:end])
}

func toLowerASCII(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}
