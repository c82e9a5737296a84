// Package bootproto implements the kernel-visible handover wire format
// (spec.md §6): a boot_context header followed by a sequence of
// length-prefixed attributes, plus the KernelInfo record a loadable entry's
// provenance is recorded into. Field layouts are grounded on
// original_source/Protocol.h.
package bootproto

import (
	"encoding/binary"
	"fmt"

	"github.com/ultraos/hyper/pkg/diskfs"
	"github.com/ultraos/hyper/pkg/guid"
	"github.com/ultraos/hyper/pkg/memmgr"
)

// Magic identifies a valid boot_context to the kernel; it is passed as the
// first handover argument alongside the context pointer. Spelled "ULTB" in
// the original source.
const Magic uint64 = 0x554c5442

// AttributeType tags each entry in a boot_context's attribute sequence.
type AttributeType uint32

const (
	AttributeInvalid AttributeType = iota
	AttributePlatformInfo
	AttributeMemoryMap
	AttributeModuleInfo
	AttributeCommandLine
	AttributeFramebufferInfo
	AttributeEnd
)

const attributeHeaderSize = 8 // type uint32 + size_in_bytes uint32

// PlatformKind is the wire encoding of the firmware platform, distinct from
// pkg/firmware.Platform's zero-indexed enum since the wire format reserves 0
// for "invalid".
type PlatformKind uint32

const (
	PlatformInvalid PlatformKind = iota
	PlatformBIOS
	PlatformUEFI
)

// FramebufferFormat is the wire encoding of a framebuffer's pixel layout.
type FramebufferFormat uint16

const (
	FormatInvalid FramebufferFormat = iota
	FormatRBG
	FormatRGBA
)

// PlatformInfo is the payload of an AttributePlatformInfo attribute.
type PlatformInfo struct {
	Platform         PlatformKind
	LoaderMajor      uint16
	LoaderMinor      uint16
	LoaderName       string // truncated/padded to 32 bytes on encode
	ACPIRSDPAddress  uint64
}

const loaderNameSize = 32

func (p PlatformInfo) encode() []byte {
	buf := make([]byte, 4+2+2+loaderNameSize+8)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(p.Platform))
	binary.LittleEndian.PutUint16(buf[4:6], p.LoaderMajor)
	binary.LittleEndian.PutUint16(buf[6:8], p.LoaderMinor)
	copy(buf[8:8+loaderNameSize], p.LoaderName)
	binary.LittleEndian.PutUint64(buf[8+loaderNameSize:], p.ACPIRSDPAddress)
	return buf
}

// memoryTypeWireValue maps a memmgr.RangeType (0-indexed, Free first) onto
// the wire's 1-indexed MEMORY_TYPE_* constants (MEMORY_TYPE_FREE == 1).
func memoryTypeWireValue(t memmgr.RangeType) uint64 {
	return uint64(t) + 1
}

// MemoryMapEntry is one record of an AttributeMemoryMap attribute's payload.
type MemoryMapEntry struct {
	PhysicalAddress uint64
	SizeInBytes     uint64
	Type            memmgr.RangeType
}

func (e MemoryMapEntry) encode() []byte {
	buf := make([]byte, 24)
	binary.LittleEndian.PutUint64(buf[0:8], e.PhysicalAddress)
	binary.LittleEndian.PutUint64(buf[8:16], e.SizeInBytes)
	binary.LittleEndian.PutUint64(buf[16:24], memoryTypeWireValue(e.Type))
	return buf
}

const moduleNameSize = 64

// ModuleInfo is the payload of an AttributeModuleInfo attribute.
type ModuleInfo struct {
	Name            string // truncated/padded to 64 bytes on encode
	PhysicalAddress uint64
	Length          uint64
}

func (m ModuleInfo) encode() []byte {
	buf := make([]byte, moduleNameSize+8+8)
	copy(buf[0:moduleNameSize], m.Name)
	binary.LittleEndian.PutUint64(buf[moduleNameSize:moduleNameSize+8], m.PhysicalAddress)
	binary.LittleEndian.PutUint64(buf[moduleNameSize+8:], m.Length)
	return buf
}

// Framebuffer is the payload of an AttributeFramebufferInfo attribute.
type Framebuffer struct {
	Width, Height, Pitch uint32
	BPP                  uint16
	Format               FramebufferFormat
	PhysicalAddress      uint64
}

func (f Framebuffer) encode() []byte {
	buf := make([]byte, 4+4+4+2+2+8)
	binary.LittleEndian.PutUint32(buf[0:4], f.Width)
	binary.LittleEndian.PutUint32(buf[4:8], f.Height)
	binary.LittleEndian.PutUint32(buf[8:12], f.Pitch)
	binary.LittleEndian.PutUint16(buf[12:14], f.BPP)
	binary.LittleEndian.PutUint16(buf[14:16], uint16(f.Format))
	binary.LittleEndian.PutUint64(buf[16:24], f.PhysicalAddress)
	return buf
}

// KernelInfo records where the selected loadable entry's kernel came from:
// the disk/partition it was read from and the physical/virtual range it
// ended up loaded into. Unlike the attribute types above, the original
// source declares this struct without assigning it an ATTRIBUTE_* wire
// type, so pkg/bootdriver carries it as loader-internal bookkeeping (for
// diagnostics and for driving the handover page-table setup) rather than
// encoding it into the boot_context attribute chain.
type KernelInfo struct {
	PhysicalBase  uint64
	VirtualBase   uint64
	RangeLength   uint64
	PartitionType diskfs.PartitionType

	// Only meaningful when PartitionType == diskfs.PartitionGPT.
	DiskGUID      guid.GUID
	PartitionGUID guid.GUID

	DiskIndex      uint32
	PartitionIndex uint32
	PathOnDisk     string
}

// Builder assembles a boot_context byte sequence one attribute at a time.
// Attributes must be terminated with Finish, which appends the End
// sentinel and prepends the attribute_count header.
type Builder struct {
	body  []byte
	count uint64
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{}
}

func (b *Builder) append(typ AttributeType, payload []byte) {
	size := attributeHeaderSize + len(payload)
	header := make([]byte, attributeHeaderSize)
	binary.LittleEndian.PutUint32(header[0:4], uint32(typ))
	binary.LittleEndian.PutUint32(header[4:8], uint32(size))
	b.body = append(b.body, header...)
	b.body = append(b.body, payload...)
	b.count++
}

// AddPlatformInfo appends an AttributePlatformInfo attribute.
func (b *Builder) AddPlatformInfo(info PlatformInfo) {
	b.append(AttributePlatformInfo, info.encode())
}

// AddMemoryMap appends an AttributeMemoryMap attribute covering every entry.
func (b *Builder) AddMemoryMap(entries []MemoryMapEntry) {
	payload := make([]byte, 0, len(entries)*24)
	for _, e := range entries {
		payload = append(payload, e.encode()...)
	}
	b.append(AttributeMemoryMap, payload)
}

// AddModuleInfo appends an AttributeModuleInfo attribute.
func (b *Builder) AddModuleInfo(m ModuleInfo) {
	b.append(AttributeModuleInfo, m.encode())
}

// AddCommandLine appends an AttributeCommandLine attribute. The payload is
// zero-padded so size_in_bytes (header + 4-byte length + text) is itself
// 8-byte aligned, matching the original header's implicit struct packing.
func (b *Builder) AddCommandLine(text string) {
	raw := []byte(text)
	payload := make([]byte, 4+len(raw))
	binary.LittleEndian.PutUint32(payload[0:4], uint32(len(raw)))
	copy(payload[4:], raw)

	total := attributeHeaderSize + len(payload)
	if pad := total % 8; pad != 0 {
		payload = append(payload, make([]byte, 8-pad)...)
	}
	b.append(AttributeCommandLine, payload)
}

// AddFramebuffer appends an AttributeFramebufferInfo attribute.
func (b *Builder) AddFramebuffer(fb Framebuffer) {
	b.append(AttributeFramebufferInfo, fb.encode())
}

// Finish appends the End sentinel and returns the complete boot_context
// byte sequence: an 8-byte attribute_count header followed by every
// attribute added so far.
func (b *Builder) Finish() []byte {
	b.append(AttributeEnd, nil)

	out := make([]byte, 8, 8+len(b.body))
	binary.LittleEndian.PutUint64(out[0:8], b.count)
	out = append(out, b.body...)
	return out
}

// Attribute is one decoded entry from a parsed boot_context.
type Attribute struct {
	Type    AttributeType
	Payload []byte
}

// Context is a parsed boot_context: the attribute_count header plus every
// attribute in wire order, ending with AttributeEnd.
type Context struct {
	Attributes []Attribute
}

// Parse decodes a boot_context byte sequence produced by Builder.Finish,
// validating that every attribute's declared size stays within bounds and
// that the sequence is terminated by AttributeEnd.
func Parse(data []byte) (Context, error) {
	if len(data) < 8 {
		return Context{}, fmt.Errorf("bootproto: context too short for header: %d bytes", len(data))
	}
	count := binary.LittleEndian.Uint64(data[0:8])
	offset := 8

	var ctx Context
	for i := uint64(0); i < count; i++ {
		if offset+attributeHeaderSize > len(data) {
			return Context{}, fmt.Errorf("bootproto: attribute %d header out of bounds at offset %d", i, offset)
		}
		typ := AttributeType(binary.LittleEndian.Uint32(data[offset : offset+4]))
		size := binary.LittleEndian.Uint32(data[offset+4 : offset+8])
		if size < attributeHeaderSize {
			return Context{}, fmt.Errorf("bootproto: attribute %d declares size %d smaller than its own header", i, size)
		}
		if offset+int(size) > len(data) {
			return Context{}, fmt.Errorf("bootproto: attribute %d of size %d exceeds buffer at offset %d", i, size, offset)
		}
		payload := data[offset+attributeHeaderSize : offset+int(size)]
		ctx.Attributes = append(ctx.Attributes, Attribute{Type: typ, Payload: payload})
		offset += int(size)

		if typ == AttributeEnd {
			break
		}
	}

	if len(ctx.Attributes) == 0 || ctx.Attributes[len(ctx.Attributes)-1].Type != AttributeEnd {
		return Context{}, fmt.Errorf("bootproto: context missing End sentinel")
	}
	return ctx, nil
}
