package bootdriver

import "github.com/ultraos/hyper/pkg/diskfs"

// configSearchPaths is the fixed, ordered list of candidate locations for
// the configuration file, per spec.md §4.7 step 3 and
// original_source/Loader/Loader.cpp's find_config_file.
var configSearchPaths = []string{
	"/ultra.cfg",
	"/boot/ultra.cfg",
	"/boot/ultra/ultra.cfg",
	"/boot/Ultra/ultra.cfg",
	"/Boot/ultra.cfg",
	"/Boot/ultra/ultra.cfg",
	"/Boot/Ultra/ultra.cfg",
}

// findConfigFile searches every Filesystem Table entry, in discovery order,
// against every candidate path, in search-path order; the first hit wins.
func findConfigFile(table *diskfs.Table) (diskfs.File, diskfs.FilesystemEntry, bool) {
	for _, entry := range table.All() {
		for _, path := range configSearchPaths {
			file, err := entry.Filesystem.Open(path)
			if err != nil {
				continue
			}
			return file, entry, true
		}
	}
	return nil, diskfs.FilesystemEntry{}, false
}

// readWholeFile reads a diskfs.File fully into a freshly allocated buffer.
func readWholeFile(f diskfs.File) ([]byte, error) {
	buf := make([]byte, f.Size())
	if len(buf) == 0 {
		return buf, nil
	}
	if err := f.Read(buf, 0); err != nil {
		return nil, err
	}
	return buf, nil
}
