package diskfs

import (
	"encoding/binary"
	"errors"
)

const (
	mbrSignature         = 0xAA55
	offsetToMBRSignature = 510
	offsetToPartitions   = 0x01BE
	partitionEntrySize   = 16

	emptyPartitionType = 0x00
	ebrPartitionType    = 0x05

	gptSignature         = "EFI PART"
	offsetToGPTSignature = 512
)

var errReadBlocksFailed = errors.New("diskfs: read_blocks reported failure")

type mbrPartitionEntry struct {
	partitionType byte
	firstBlock    uint32
	blockCount    uint32
}

func parseMBRPartitionEntry(raw []byte) mbrPartitionEntry {
	return mbrPartitionEntry{
		partitionType: raw[4],
		firstBlock:    binary.LittleEndian.Uint32(raw[8:12]),
		blockCount:    binary.LittleEndian.Uint32(raw[12:16]),
	}
}

func hasMBRSignature(sector []byte) bool {
	return len(sector) > offsetToMBRSignature+1 &&
		binary.LittleEndian.Uint16(sector[offsetToMBRSignature:offsetToMBRSignature+2]) == mbrSignature
}

func hasGPTSignature(sector []byte) bool {
	end := offsetToGPTSignature + len(gptSignature)
	return len(sector) >= end && string(sector[offsetToGPTSignature:end]) == gptSignature
}

// mbrPartition is a resolved leaf (non-EBR) partition table entry, ready for
// filesystem detection.
type mbrPartition struct {
	index      uint32
	lbaFirst   uint64
	lbaSectors uint64
}

type sectorReader interface {
	readBlock(lba uint64, buf []byte) error
}

// walkMBR mirrors original_source's Loader.cpp initialize_from_mbr: it
// recurses through an Extended Boot Record chain, appending every non-empty,
// non-EBR partition entry it finds to out, across the primary table and every
// chained logical partition. sectorBuf holds the (E)MBR sector currently
// being walked; its length is reused for every recursive EBR read.
func walkMBR(reader sectorReader, sectorBuf []byte, baseIndex uint32, sectorOffset uint64, out *[]mbrPartition) error {
	isEBR := baseIndex != 0
	maxPartitions := 4
	if isEBR {
		maxPartitions = 2
	}

	for i := 0; i < maxPartitions; i++ {
		start := offsetToPartitions + i*partitionEntrySize
		entry := parseMBRPartitionEntry(sectorBuf[start : start+partitionEntrySize])
		if entry.partitionType == emptyPartitionType {
			continue
		}

		realOffset := sectorOffset + uint64(entry.firstBlock)

		if entry.partitionType == ebrPartitionType {
			if isEBR && i == 0 {
				// An EBR chain must not point to itself at its own first slot.
				break
			}

			ebrBuf := make([]byte, len(sectorBuf))
			if err := reader.readBlock(realOffset, ebrBuf); err != nil {
				break
			}

			nextBase := baseIndex + 4
			if isEBR {
				nextBase = baseIndex + 1
			}
			if err := walkMBR(reader, ebrBuf, nextBase, realOffset, out); err != nil {
				return err
			}
			continue
		}

		if i == 1 && isEBR {
			// The second slot of an EBR is reserved for the next chain link;
			// a non-EBR type there means the chain is malformed.
			break
		}

		*out = append(*out, mbrPartition{
			index:      baseIndex + uint32(i),
			lbaFirst:   realOffset,
			lbaSectors: uint64(entry.blockCount),
		})
	}

	return nil
}
