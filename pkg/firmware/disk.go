package firmware

import (
	"io"

	"github.com/xaionaro-go/bytesextra"
	"github.com/ultraos/hyper/pkg/diskfs"
)

// DiskBackend is a reference diskfs.DiskReader over a flat in-memory disk
// image, standing in for a real BIOS INT13h/UEFI Block I/O backend. It is
// the implementation pkg/diskfs's tests and pkg/bootdriver's own tests wire
// against instead of real hardware.
type DiskBackend struct {
	disks map[diskfs.Handle]io.ReadWriteSeeker
	sizes map[diskfs.Handle]uint16 // bytes per sector, for bounds checks
}

// NewDiskBackend returns an empty backend; call Attach to register disks.
func NewDiskBackend() *DiskBackend {
	return &DiskBackend{
		disks: make(map[diskfs.Handle]io.ReadWriteSeeker),
		sizes: make(map[diskfs.Handle]uint16),
	}
}

// Attach registers a raw disk image under handle, backed by bytesextra's
// io.ReadWriteSeeker adaptor over a plain byte slice.
func (b *DiskBackend) Attach(handle diskfs.Handle, image []byte, bytesPerSector uint16) {
	b.disks[handle] = bytesextra.NewReadWriteSeeker(image)
	b.sizes[handle] = bytesPerSector
}

// ReadBlocks implements diskfs.DiskReader.
func (b *DiskBackend) ReadBlocks(handle diskfs.Handle, buffer []byte, firstSector uint64, sectorCount uint32) bool {
	rws, ok := b.disks[handle]
	if !ok {
		return false
	}
	bps := b.sizes[handle]
	if bps == 0 || uint32(len(buffer)) < sectorCount*uint32(bps) {
		return false
	}

	offset := int64(firstSector) * int64(bps)
	if _, err := rws.Seek(offset, io.SeekStart); err != nil {
		Debug("firmware: disk %v: seek to sector %d failed: %v", handle, firstSector, err)
		return false
	}
	n, err := io.ReadFull(rws, buffer[:sectorCount*uint32(bps)])
	if err != nil || n != int(sectorCount)*int(bps) {
		Debug("firmware: disk %v: short read at sector %d: %v", handle, firstSector, err)
		return false
	}
	return true
}
