// hyperctl inspects a raw disk image the way the boot driver would see it:
// partition table walk, filesystem table, and (with --memmap) a replay of a
// captured firmware memory map.
//
// Synopsis:
//     hyperctl --disk DISK_IMAGE [--sector-size BYTES] [--memmap MAP_FILE]
package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	flag "github.com/spf13/pflag"

	"github.com/ultraos/hyper/pkg/diskfs"
	"github.com/ultraos/hyper/pkg/firmware"
	"github.com/ultraos/hyper/pkg/memmgr"
)

var (
	diskPath   = flag.StringP("disk", "f", "", "path to a raw disk image")
	sectorSize = flag.Uint16P("sector-size", "s", 512, "bytes per sector")
	memmapPath = flag.StringP("memmap", "m", "", "path to a JSON-encoded []memmgr.Range firmware memory map to replay")
	debug      = flag.BoolP("debug", "d", false, "enable debug prints")
)

func run(stdout *os.File, diskPath string, sectorSize uint16, memmapPath string, debug bool) error {
	if debug {
		diskfs.Debug = log.Printf
		firmware.Debug = log.Printf
	}
	if diskPath == "" {
		return fmt.Errorf("hyperctl: --disk is required")
	}

	image, err := os.ReadFile(diskPath)
	if err != nil {
		return fmt.Errorf("hyperctl: reading %q: %w", diskPath, err)
	}

	backend := firmware.NewDiskBackend()
	handle := diskfs.Handle(0)
	backend.Attach(handle, image, sectorSize)

	disk := diskfs.Disk{
		Handle:         handle,
		BytesPerSector: sectorSize,
		TotalSectors:   uint64(len(image)) / uint64(sectorSize),
	}

	fsTable := &diskfs.Table{}
	if err := diskfs.ProbeAllDisks(fsTable, backend, []diskfs.Disk{disk}); err != nil {
		fmt.Fprintf(stdout, "probe reported non-fatal failures: %v\n", err)
	}

	printFilesystemTable(stdout, fsTable)

	if memmapPath != "" {
		if err := printMemoryMap(stdout, memmapPath); err != nil {
			return err
		}
	}

	return nil
}

func printFilesystemTable(stdout *os.File, fsTable *diskfs.Table) {
	t := table.NewWriter()
	t.SetOutputMirror(stdout)
	t.SetTitle("Filesystem Table")
	t.AppendHeader(table.Row{"Disk", "Partition", "Type", "Disk GUID", "Partition GUID"})
	for _, e := range fsTable.All() {
		t.AppendRow([]interface{}{e.DiskIndex, partitionLabel(e), e.PartitionType, e.DiskGUID, e.PartitionGUID})
	}
	t.Render()
}

func partitionLabel(e diskfs.FilesystemEntry) string {
	if e.PartitionType == diskfs.PartitionRaw {
		return "(whole disk)"
	}
	return fmt.Sprintf("%d", e.PartitionIndex)
}

// printMemoryMap replays a firmware-reported memory map captured as JSON (the
// shape a real firmware backend would hand to the Memory Manager's own
// Emplace loop) and prints the resulting coalesced ranges.
func printMemoryMap(stdout *os.File, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("hyperctl: reading %q: %w", path, err)
	}

	var ranges []memmgr.Range
	if err := json.Unmarshal(raw, &ranges); err != nil {
		return fmt.Errorf("hyperctl: parsing %q: %w", path, err)
	}

	mgr := memmgr.NewManager(firmware.NewPanicSink())
	for _, r := range ranges {
		mgr.Emplace(r)
	}

	t := table.NewWriter()
	t.SetOutputMirror(stdout)
	t.SetTitle("Memory Map (coalesced)")
	t.AppendHeader(table.Row{"Begin", "Length", "Type"})
	m := mgr.Map()
	for i := 0; i < m.Len(); i++ {
		r := m.At(i)
		t.AppendRow([]interface{}{fmt.Sprintf("0x%x", r.Begin), humanize.Bytes(r.Length), r.Type})
	}
	t.Render()
	return nil
}

func main() {
	flag.Parse()
	if err := run(os.Stdout, *diskPath, *sectorSize, *memmapPath, *debug); err != nil {
		log.Fatal(err)
	}
}
