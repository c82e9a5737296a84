package fat32

import (
	"fmt"
	"sort"
	"strings"
)

// contiguousRun describes a maximal ascending-adjacent run of clusters
// belonging to a file: clusters [globalCluster, globalCluster+n) cover file
// offsets [fileOffsetCluster, fileOffsetCluster+n) for n up to the next
// run's fileOffsetCluster (or the end of the file, for the last run).
type contiguousRun struct {
	fileOffsetCluster uint32
	globalCluster     uint32
}

// File is an open handle to a FAT32 file, with its cluster chain resolved
// into contiguous runs on first read.
type File struct {
	vol          *Volume
	firstCluster uint32
	size         uint32

	runs []contiguousRun
}

// Size returns the file's size in bytes.
func (f *File) Size() uint32 { return f.size }

// Open resolves a '/'-separated path starting at the volume root, returning
// a File handle for the leaf if it exists and is not a directory.
func (v *Volume) Open(path string) (*File, error) {
	cluster := v.rootDirCluster
	var size uint32
	isDirectory := true
	found := false

	for _, node := range splitPath(path) {
		if node == "." || node == "" {
			continue
		}
		if !isDirectory {
			return nil, fmt.Errorf("fat32: %q: not a directory", node)
		}

		dir := &Directory{vol: v, currentCluster: cluster}
		found = false
		for {
			entry, ok := dir.Next()
			if !ok {
				break
			}
			if !strings.EqualFold(entry.Name, node) {
				continue
			}
			cluster = entry.FirstCluster
			size = entry.Size
			isDirectory = entry.IsDirectory
			found = true
			break
		}
		if !found {
			break
		}
	}

	if !found || isDirectory {
		return nil, fmt.Errorf("fat32: %q: not found", path)
	}

	return &File{vol: v, firstCluster: cluster, size: size}, nil
}

func splitPath(path string) []string {
	return strings.Split(strings.Trim(path, "/"), "/")
}

// computeContiguousRuns walks the FAT chain once, building the sorted run
// table used by Read's binary search.
func (f *File) computeContiguousRuns() error {
	run := contiguousRun{fileOffsetCluster: 0, globalCluster: f.firstCluster}
	fileOffset := uint32(1)
	current := f.firstCluster
	bytesPerCluster := f.vol.bytesPerCluster

	for {
		next := f.vol.fatEntryAt(current)
		switch classifyFATEntry(next) {
		case fatEndOfChain:
			if uint64(fileOffset)*uint64(bytesPerCluster) < uint64(f.size) {
				return fmt.Errorf("fat32: end of chain reached before end of file")
			}
			f.appendRun(run)
			return nil
		case fatLink:
			if next != current+1 {
				f.appendRun(run)
				run = contiguousRun{fileOffsetCluster: fileOffset, globalCluster: next}
			}
		default:
			return fmt.Errorf("fat32: corrupt cluster chain at cluster %d", current)
		}
		current = next
		fileOffset++
	}
}

func (f *File) appendRun(r contiguousRun) {
	f.runs = append(f.runs, r)
}

// clusterFromOffset maps a file-relative cluster index to its global
// cluster number via the contiguous run table.
func (f *File) clusterFromOffset(offset uint32) (uint32, error) {
	i := sort.Search(len(f.runs), func(i int) bool { return f.runs[i].fileOffsetCluster > offset }) - 1
	if i < 0 {
		return 0, fmt.Errorf("fat32: offset %d precedes file start", offset)
	}
	r := f.runs[i]
	return r.globalCluster + (offset - r.fileOffsetCluster), nil
}

// Read fills buffer with bytes starting at the given file offset. It
// internally walks whatever contiguous runs the offset range spans.
func (f *File) Read(buffer []byte, offset uint32) error {
	if len(buffer) == 0 {
		return nil
	}
	if f.runs == nil {
		if err := f.computeContiguousRuns(); err != nil {
			return err
		}
	}

	bytesPerCluster := f.vol.bytesPerCluster
	clusterOffset := offset / bytesPerCluster
	withinCluster := offset % bytesPerCluster

	remaining := buffer
	for len(remaining) > 0 {
		cluster, err := f.clusterFromOffset(clusterOffset)
		if err != nil {
			return err
		}

		chunk := bytesPerCluster - withinCluster
		if uint32(len(remaining)) < chunk {
			chunk = uint32(len(remaining))
		}

		if err := f.vol.readCluster(pureClusterValue(cluster), withinCluster, remaining[:chunk]); err != nil {
			return err
		}

		remaining = remaining[chunk:]
		clusterOffset++
		withinCluster = 0
	}

	return nil
}
