package fat32

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/bytesextra"
)

const testBytesPerSector = 512

// memDisk backs blockReader with an in-memory byte slice, addressed in
// testBytesPerSector-sized sectors.
type memDisk struct {
	raw []byte
}

func newMemDisk(size int) *memDisk {
	return &memDisk{raw: make([]byte, size)}
}

func (d *memDisk) ReadSectors(firstSector uint64, sectorCount uint32, buf []byte) error {
	rws := bytesextra.NewReadWriteSeeker(d.raw)
	off := int64(firstSector) * testBytesPerSector
	if _, err := rws.Seek(off, 0); err != nil {
		return err
	}
	_, err := rws.Read(buf)
	return err
}

func buildEBPBSector(sectorsPerCluster uint8, reservedSectors uint16, fatCount uint8, sectorsPerFAT uint32, rootCluster uint32) []byte {
	buf := make([]byte, 512)
	b := buf
	binary.LittleEndian.PutUint16(b[0x0B:0x0D], testBytesPerSector)
	b[0x0D] = sectorsPerCluster
	binary.LittleEndian.PutUint16(b[0x0E:0x10], reservedSectors)
	b[0x10] = fatCount
	binary.LittleEndian.PutUint32(b[0x24:0x28], sectorsPerFAT)
	binary.LittleEndian.PutUint32(b[0x2C:0x30], rootCluster)
	b[0x42] = ebpbSignature
	copy(b[0x52:0x5A], fat32FilesystemType[:])
	return buf
}

func TestParseEBPBDecodesFields(t *testing.T) {
	buf := buildEBPBSector(8, 32, 2, 1000, 2)
	e, err := ParseEBPB(buf)
	require.NoError(t, err)
	assert.EqualValues(t, testBytesPerSector, e.BytesPerSector)
	assert.EqualValues(t, 8, e.SectorsPerCluster)
	assert.EqualValues(t, 32, e.ReservedSectors)
	assert.EqualValues(t, 2, e.FATCount)
	assert.EqualValues(t, 1000, e.SectorsPerFAT)
	assert.EqualValues(t, 2, e.RootDirCluster)
}

func TestDetectRejectsTooSmallVolume(t *testing.T) {
	buf := buildEBPBSector(8, 32, 2, 10, 2)
	_, ok := Detect(buf, testBytesPerSector, 200)
	assert.False(t, ok)
}

func TestDetectRejectsWrongSectorSize(t *testing.T) {
	buf := buildEBPBSector(8, 32, 2, 1000, 2)
	_, ok := Detect(buf, 4096, 10_000_000)
	assert.False(t, ok)
}

func TestDetectRejectsBadSignature(t *testing.T) {
	buf := buildEBPBSector(8, 32, 2, 1000, 2)
	buf[0x42] = 0x00
	_, ok := Detect(buf, testBytesPerSector, 10_000_000)
	assert.False(t, ok)
}

func TestDetectAcceptsLargeEnoughVolume(t *testing.T) {
	buf := buildEBPBSector(1, 32, 2, 4096, 2)
	// data sectors = partitionSectors - reserved - fat*count; cluster count
	// must clear minClusterCountFAT32 with sectorsPerCluster == 1.
	partitionSectors := uint64(32) + uint64(4096)*2 + uint64(minClusterCountFAT32) + 10
	_, ok := Detect(buf, testBytesPerSector, partitionSectors)
	assert.True(t, ok)
}

func TestClassifyFATEntry(t *testing.T) {
	assert.Equal(t, fatFree, classifyFATEntry(0))
	assert.Equal(t, fatReserved, classifyFATEntry(1))
	assert.Equal(t, fatBad, classifyFATEntry(badCluster))
	assert.Equal(t, fatEndOfChain, classifyFATEntry(endOfChainMin))
	assert.Equal(t, fatEndOfChain, classifyFATEntry(0x0FFFFFFF))
	assert.Equal(t, fatLink, classifyFATEntry(5))
}

func TestPureClusterValue(t *testing.T) {
	assert.EqualValues(t, 0, pureClusterValue(2))
	assert.EqualValues(t, 10, pureClusterValue(12))
}

func TestFATCacheServesWithinWindowWithoutRefetch(t *testing.T) {
	disk := newMemDisk(128 * 512)
	// FAT occupies sectors [1, 9): 8 sectors * 512 bytes = 4096 = 1024 entries.
	fatFirst := uint64(1)
	fatSectors := uint64(8)

	rws := bytesextra.NewReadWriteSeeker(disk.raw)
	_, _ = rws.Seek(int64(fatFirst)*testBytesPerSector, 0)
	entry := make([]byte, 4)
	binary.LittleEndian.PutUint32(entry, 0xCAFEBABE&0x0FFFFFFF)
	_, _ = rws.Write(entry)

	cache := newFATCache(disk, fatFirst, fatSectors, testBytesPerSector, 1024)
	v := cache.entryAt(0)
	assert.EqualValues(t, 0xCAFEBABE&0x0FFFFFFF, v)

	// Clear the entry on disk: a second lookup inside the loaded window must
	// still be served from the cache rather than refetched.
	_, _ = rws.Seek(int64(fatFirst)*testBytesPerSector, 0)
	_, _ = rws.Write(make([]byte, 4))
	assert.EqualValues(t, 0xCAFEBABE&0x0FFFFFFF, cache.entryAt(0))
}

func TestFATCacheEntryAtOutOfRangeReturnsBad(t *testing.T) {
	disk := newMemDisk(64 * 512)
	cache := newFATCache(disk, 1, 4, testBytesPerSector, 10)
	assert.Equal(t, badCluster, cache.entryAt(999))
}

func TestShortNameChecksumMatchesReferenceValue(t *testing.T) {
	var name [11]byte
	copy(name[:], "FOO        ")
	// Hand-traced rotate-and-add over the padded 11-byte "FOO" short name:
	// 'F', 'O', 'O' bring the sum to 0x88, and the eight trailing spaces
	// cycle it 0x64, 0x52, 0x49, 0xC4, 0x82, 0x61, 0xD0 and back to 0x88.
	sum := generateShortNameChecksum(name)
	assert.Equal(t, byte(0x88), sum)
}

func TestTrimDOSPaddingAndLowercase(t *testing.T) {
	assert.Equal(t, "FOO", trimDOSPadding([]byte("FOO     ")))
	assert.Equal(t, "foo", toLowerASCII("FOO"))
}

// putShortEntry writes a short-name directory entry for name/ext into a
// single cluster-sized buffer at entry index i.
func putShortEntry(buf []byte, i int, name, ext string, isDir bool, firstCluster, size uint32) {
	off := i * rawDirentSize
	var n, e [8]byte
	copy(n[:], []byte(name+"        ")[:8])
	copy(e[:3], []byte(ext+"   ")[:3])
	copy(buf[off:off+8], n[:])
	copy(buf[off+8:off+11], e[:3])
	if isDir {
		buf[off+11] = attrDirectory
	} else {
		buf[off+11] = attrArchive
	}
	binary.LittleEndian.PutUint16(buf[off+20:off+22], uint16(firstCluster>>16))
	binary.LittleEndian.PutUint16(buf[off+26:off+28], uint16(firstCluster&0xFFFF))
	binary.LittleEndian.PutUint32(buf[off+28:off+32], size)
}

func TestDirectoryNextResolvesShortNameEntries(t *testing.T) {
	const bytesPerCluster = 512
	disk := newMemDisk(64 * bytesPerCluster)

	dataFirstSector := uint64(4)
	rootCluster := uint32(2)

	clusterBuf := make([]byte, bytesPerCluster)
	putShortEntry(clusterBuf, 0, "HELLO", "TXT", false, 5, 42)
	putShortEntry(clusterBuf, 1, "SUBDIR", "", true, 6, 0)

	rws := bytesextra.NewReadWriteSeeker(disk.raw)
	_, _ = rws.Seek(int64(dataFirstSector)*testBytesPerSector, 0)
	_, _ = rws.Write(clusterBuf)

	v := &Volume{
		disk:              disk,
		bytesPerSector:    testBytesPerSector,
		sectorsPerCluster: 1,
		bytesPerCluster:   bytesPerCluster,
		dataFirstSector:   dataFirstSector,
		rootDirCluster:    rootCluster,
	}
	// Only referenced if iteration runs past this single cluster, which it
	// shouldn't: the directory ends via the zero-filled end-of-directory
	// marker immediately following the two written entries.
	v.fat = newFATCache(disk, 1, 2, testBytesPerSector, 64)

	dir := v.RootDirectory()
	first, ok := dir.Next()
	require.True(t, ok)
	assert.Equal(t, "HELLO.TXT", first.Name)
	assert.False(t, first.IsDirectory)
	assert.EqualValues(t, 42, first.Size)

	second, ok := dir.Next()
	require.True(t, ok)
	assert.Equal(t, "SUBDIR", second.Name)
	assert.True(t, second.IsDirectory)

	_, ok = dir.Next()
	assert.False(t, ok)
}

// putUCS2 packs units as little-endian UCS-2 code units into dst, which must
// be exactly 2*len(units) bytes.
func putUCS2(dst []byte, units []uint16) {
	for i, u := range units {
		binary.LittleEndian.PutUint16(dst[i*2:i*2+2], u)
	}
}

// putLFNEntry writes a long-name directory entry at index i. chars holds up
// to 13 UCS-2 code units; any slot beyond len(chars) is left 0x0000, which is
// exactly how a fragment shorter than 13 characters is NUL-terminated on
// disk.
func putLFNEntry(buf []byte, i int, seq int, last bool, checksum byte, chars []uint16) {
	off := i * rawDirentSize

	seqByte := byte(seq)
	if last {
		seqByte |= 0x40
	}
	buf[off] = seqByte
	buf[off+11] = attrLongName
	buf[off+13] = checksum

	var slots [13]uint16
	copy(slots[:], chars)
	putUCS2(buf[off+1:off+11], slots[0:5])
	putUCS2(buf[off+14:off+26], slots[5:11])
	putUCS2(buf[off+28:off+32], slots[11:13])
}

func TestDirectoryNextReassemblesMultiFragmentLongName(t *testing.T) {
	const bytesPerCluster = 512
	disk := newMemDisk(64 * bytesPerCluster)

	dataFirstSector := uint64(4)
	rootCluster := uint32(2)

	// The short name the long-name chain's checksum must validate against.
	var shortNameAndExt [11]byte
	copy(shortNameAndExt[:], []byte("LONGNA~1TXT"))
	checksum := generateShortNameChecksum(shortNameAndExt)

	// Full long name spans 14 characters, forcing two LFN entries
	// (lfnCharsPerEntry == 13), and ends with U+00E9 ("é"), a codepoint above
	// 127 that must transliterate to '?' rather than decode as real Unicode.
	tailChars := []uint16{0x00E9} // "é", alone in the last (first-on-disk) entry
	headChars := []uint16{ // "abcdefghijklm", the first 13 characters
		'a', 'b', 'c', 'd', 'e', 'f', 'g', 'h', 'i', 'j', 'k', 'l', 'm',
	}

	clusterBuf := make([]byte, bytesPerCluster)
	// LFN entries are stored highest-sequence (and "last logical") first.
	putLFNEntry(clusterBuf, 0, 2, true, checksum, tailChars)
	putLFNEntry(clusterBuf, 1, 1, false, checksum, headChars)
	putShortEntry(clusterBuf, 2, "LONGNA~1", "TXT", false, 10, 123)

	rws := bytesextra.NewReadWriteSeeker(disk.raw)
	_, _ = rws.Seek(int64(dataFirstSector)*testBytesPerSector, 0)
	_, _ = rws.Write(clusterBuf)

	v := &Volume{
		disk:              disk,
		bytesPerSector:    testBytesPerSector,
		sectorsPerCluster: 1,
		bytesPerCluster:   bytesPerCluster,
		dataFirstSector:   dataFirstSector,
		rootDirCluster:    rootCluster,
	}
	v.fat = newFATCache(disk, 1, 2, testBytesPerSector, 64)

	dir := v.RootDirectory()
	entry, ok := dir.Next()
	require.True(t, ok)
	assert.Equal(t, "abcdefghijklm?", entry.Name)
	assert.False(t, entry.IsDirectory)
	assert.EqualValues(t, 10, entry.FirstCluster)
	assert.EqualValues(t, 123, entry.Size)

	_, ok = dir.Next()
	assert.False(t, ok)
}

func TestDirectoryNextRejectsLongNameOnChecksumMismatch(t *testing.T) {
	const bytesPerCluster = 512
	disk := newMemDisk(64 * bytesPerCluster)

	dataFirstSector := uint64(4)
	rootCluster := uint32(2)

	clusterBuf := make([]byte, bytesPerCluster)
	// Checksum deliberately does not match the short entry that follows.
	putLFNEntry(clusterBuf, 0, 1, true, 0xFF, []uint16{'h', 'i'})
	putShortEntry(clusterBuf, 1, "HI", "TXT", false, 11, 2)

	rws := bytesextra.NewReadWriteSeeker(disk.raw)
	_, _ = rws.Seek(int64(dataFirstSector)*testBytesPerSector, 0)
	_, _ = rws.Write(clusterBuf)

	v := &Volume{
		disk:              disk,
		bytesPerSector:    testBytesPerSector,
		sectorsPerCluster: 1,
		bytesPerCluster:   bytesPerCluster,
		dataFirstSector:   dataFirstSector,
		rootDirCluster:    rootCluster,
	}
	v.fat = newFATCache(disk, 1, 2, testBytesPerSector, 64)

	// resolveLongName consumes both the long-name fragment and the short
	// entry that terminates its chain; rejecting on checksum mismatch skips
	// the pair entirely rather than falling back to the short name, so the
	// directory appears exhausted.
	dir := v.RootDirectory()
	_, ok := dir.Next()
	assert.False(t, ok)
}

func TestFileReadAcrossClustersOfContiguousRun(t *testing.T) {
	const bytesPerCluster = 512
	disk := newMemDisk(64 * bytesPerCluster)
	dataFirstSector := uint64(4)

	// File occupies pure clusters 0 and 1 (global clusters 2 and 3),
	// contiguous, so a single run covers it.
	content := make([]byte, bytesPerCluster*2)
	for i := range content {
		content[i] = byte(i % 256)
	}
	rws := bytesextra.NewReadWriteSeeker(disk.raw)
	_, _ = rws.Seek(int64(dataFirstSector)*testBytesPerSector, 0)
	_, _ = rws.Write(content)

	// FAT: cluster 2 -> 3 (link), cluster 3 -> end of chain.
	fatBuf := make([]byte, 512)
	binary.LittleEndian.PutUint32(fatBuf[2*4:], 3)
	binary.LittleEndian.PutUint32(fatBuf[3*4:], endOfChainMin)
	_, _ = rws.Seek(512, 0)
	_, _ = rws.Write(fatBuf)

	v := &Volume{
		disk:              disk,
		bytesPerSector:    testBytesPerSector,
		sectorsPerCluster: 1,
		bytesPerCluster:   bytesPerCluster,
		dataFirstSector:   dataFirstSector,
		rootDirCluster:    2,
	}
	v.fat = newFATCache(disk, 1, 1, testBytesPerSector, 128)

	f := &File{vol: v, firstCluster: 2, size: uint32(len(content))}

	out := make([]byte, 50)
	require.NoError(t, f.Read(out, uint32(len(content)-50)))
	assert.Equal(t, content[len(content)-50:], out)

	// A second read starting mid-first-cluster and spanning into the
	// second cluster exercises the cluster boundary inside the single run.
	spanning := make([]byte, 100)
	require.NoError(t, f.Read(spanning, bytesPerCluster-50))
	assert.Equal(t, content[bytesPerCluster-50:bytesPerCluster+50], spanning)
}
