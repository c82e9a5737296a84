// Package elfloader validates a little-endian ELF32/64 executable, computes
// its virtual/physical hull, stages backing physical pages and deposits its
// PT_LOAD segments, per spec.md §4.5.
package elfloader

import (
	"encoding/binary"
	"fmt"
)

const (
	elfMag0 = 0x7F
	elfMag1 = 'E'
	elfMag2 = 'L'
	elfMag3 = 'F'

	eiClass = 4
	eiData  = 5

	elfClass32 = 1
	elfClass64 = 2

	elfData2LSB = 1

	em386   = 3
	emAMD64 = 62

	etExec = 2

	ptLoad = 1
	pnXNUM = 0xFFFF

	ehdrIdentSize = 16
)

// Bitness is the address width of a loaded ELF binary.
type Bitness int

const (
	Bits32 Bitness = 32
	Bits64 Bitness = 64
)

// programHeader is the bitness-independent view of one Elf32/64_Phdr entry,
// decoded by decodeProgramHeaders below.
type programHeader struct {
	Type   uint32
	Flags  uint32
	Offset uint64
	VAddr  uint64
	PAddr  uint64
	FileSz uint64
	MemSz  uint64
	Align  uint64
}

// header is the bitness-independent view of the fields do_load needs out of
// an Elf32/64_Ehdr.
type header struct {
	bitness    Bitness
	machine    uint16
	objType    uint16
	entry      uint64
	phoff      uint64
	phentsize  uint16
	phnum      uint16
}

// identifyAndDecodeHeader validates e_ident and decodes the class-specific
// Ehdr, mirroring original_source ELF.cpp's load()'s dispatch on
// e_ident[EI_CLASS].
func identifyAndDecodeHeader(file []byte) (header, error) {
	if len(file) < ehdrIdentSize {
		return header{}, fmt.Errorf("elfloader: file too small for ELF identification")
	}
	if file[0] != elfMag0 || file[1] != elfMag1 || file[2] != elfMag2 || file[3] != elfMag3 {
		return header{}, fmt.Errorf("elfloader: bad ELF magic")
	}
	if file[eiData] != elfData2LSB {
		return header{}, fmt.Errorf("elfloader: only little-endian ELF is supported")
	}

	switch file[eiClass] {
	case elfClass32:
		return decodeEhdr32(file)
	case elfClass64:
		return decodeEhdr64(file)
	default:
		return header{}, fmt.Errorf("elfloader: unrecognized ELF class %d", file[eiClass])
	}
}

// Elf32_Ehdr layout: e_ident[16], e_type(2), e_machine(2), e_version(4),
// e_entry(4), e_phoff(4), e_shoff(4), e_flags(4), e_ehsize(2),
// e_phentsize(2), e_phnum(2), e_shentsize(2), e_shnum(2), e_shstrndx(2).
const ehdr32Size = 16 + 2 + 2 + 4 + 4 + 4 + 4 + 4 + 2 + 2 + 2 + 2 + 2 + 2

func decodeEhdr32(file []byte) (header, error) {
	if len(file) < ehdr32Size {
		return header{}, fmt.Errorf("elfloader: file too small for Elf32_Ehdr")
	}
	b := file[16:]
	return header{
		bitness:   Bits32,
		objType:   binary.LittleEndian.Uint16(b[0:2]),
		machine:   binary.LittleEndian.Uint16(b[2:4]),
		entry:     uint64(binary.LittleEndian.Uint32(b[8:12])),
		phoff:     uint64(binary.LittleEndian.Uint32(b[12:16])),
		phentsize: binary.LittleEndian.Uint16(b[26:28]),
		phnum:     binary.LittleEndian.Uint16(b[28:30]),
	}, nil
}

// Elf64_Ehdr layout: e_ident[16], e_type(2), e_machine(2), e_version(4),
// e_entry(8), e_phoff(8), e_shoff(8), e_flags(4), e_ehsize(2),
// e_phentsize(2), e_phnum(2), e_shentsize(2), e_shnum(2), e_shstrndx(2).
const ehdr64Size = 16 + 2 + 2 + 4 + 8 + 8 + 8 + 4 + 2 + 2 + 2 + 2 + 2 + 2

func decodeEhdr64(file []byte) (header, error) {
	if len(file) < ehdr64Size {
		return header{}, fmt.Errorf("elfloader: file too small for Elf64_Ehdr")
	}
	b := file[16:]
	return header{
		bitness:   Bits64,
		objType:   binary.LittleEndian.Uint16(b[0:2]),
		machine:   binary.LittleEndian.Uint16(b[2:4]),
		entry:     binary.LittleEndian.Uint64(b[8:16]),
		phoff:     binary.LittleEndian.Uint64(b[16:24]),
		phentsize: binary.LittleEndian.Uint16(b[38:40]),
		phnum:     binary.LittleEndian.Uint16(b[40:42]),
	}, nil
}

// expectedMachine returns the one e_machine value valid for h's bitness, per
// ELF.cpp's get_bitness (ELFCLASS32 implies EM_386, ELFCLASS64 implies
// EM_AMD64 — no other combination is accepted by this loader).
func expectedMachine(b Bitness) uint16 {
	if b == Bits32 {
		return em386
	}
	return emAMD64
}

// decodeProgramHeaders validates the program header table's bounds and
// decodes every entry, per do_load's table-bounds checks.
func decodeProgramHeaders(file []byte, h header) ([]programHeader, error) {
	if h.phnum == 0 {
		return nil, fmt.Errorf("elfloader: no program headers")
	}
	if h.phnum == pnXNUM {
		return nil, fmt.Errorf("elfloader: extended program header count not supported")
	}

	minEntSize := uint16(phdr32Size)
	if h.bitness == Bits64 {
		minEntSize = phdr64Size
	}
	if h.phentsize < minEntSize {
		return nil, fmt.Errorf("elfloader: e_phentsize %d smaller than Phdr", h.phentsize)
	}

	phBegin := h.phoff
	phEnd := phBegin + uint64(h.phentsize)*uint64(h.phnum)
	if phEnd < phBegin {
		return nil, fmt.Errorf("elfloader: program header table overflows")
	}
	if uint64(len(file)) < phEnd {
		return nil, fmt.Errorf("elfloader: program header table extends past end of file")
	}

	out := make([]programHeader, 0, h.phnum)
	for i := uint16(0); i < h.phnum; i++ {
		raw := file[phBegin+uint64(i)*uint64(h.phentsize):]
		var ph programHeader
		var err error
		if h.bitness == Bits32 {
			ph, err = decodePhdr32(raw)
		} else {
			ph, err = decodePhdr64(raw)
		}
		if err != nil {
			return nil, err
		}
		out = append(out, ph)
	}
	return out, nil
}

// Elf32_Phdr: p_type(4), p_offset(4), p_vaddr(4), p_paddr(4), p_filesz(4),
// p_memsz(4), p_flags(4), p_align(4).
const phdr32Size = 4 * 8

func decodePhdr32(b []byte) (programHeader, error) {
	if len(b) < phdr32Size {
		return programHeader{}, fmt.Errorf("elfloader: truncated Elf32_Phdr")
	}
	return programHeader{
		Type:   binary.LittleEndian.Uint32(b[0:4]),
		Offset: uint64(binary.LittleEndian.Uint32(b[4:8])),
		VAddr:  uint64(binary.LittleEndian.Uint32(b[8:12])),
		PAddr:  uint64(binary.LittleEndian.Uint32(b[12:16])),
		FileSz: uint64(binary.LittleEndian.Uint32(b[16:20])),
		MemSz:  uint64(binary.LittleEndian.Uint32(b[20:24])),
		Flags:  binary.LittleEndian.Uint32(b[24:28]),
		Align:  uint64(binary.LittleEndian.Uint32(b[28:32])),
	}, nil
}

// Elf64_Phdr: p_type(4), p_flags(4), p_offset(8), p_vaddr(8), p_paddr(8),
// p_filesz(8), p_memsz(8), p_align(8). Note the field order differs from
// Elf32_Phdr (p_flags moves up next to p_type to keep the 8-byte fields
// aligned).
const phdr64Size = 4 + 4 + 8*6

func decodePhdr64(b []byte) (programHeader, error) {
	if len(b) < phdr64Size {
		return programHeader{}, fmt.Errorf("elfloader: truncated Elf64_Phdr")
	}
	return programHeader{
		Type:   binary.LittleEndian.Uint32(b[0:4]),
		Flags:  binary.LittleEndian.Uint32(b[4:8]),
		Offset: binary.LittleEndian.Uint64(b[8:16]),
		VAddr:  binary.LittleEndian.Uint64(b[16:24]),
		PAddr:  binary.LittleEndian.Uint64(b[24:32]),
		FileSz: binary.LittleEndian.Uint64(b[32:40]),
		MemSz:  binary.LittleEndian.Uint64(b[40:48]),
		Align:  uint64(binary.LittleEndian.Uint64(b[48:56])),
	}, nil
}
