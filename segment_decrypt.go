package main

import (
	"encoding/binary"
	"fmt"
	"time"
)

const (
	scratchPageSize       = 4096
	chunkTableHeaderSize  = 0x20
	chunkTableEntrySize   = 0x10
	chunkTableTotalSize   = chunkTableHeaderSize + chunkTableEntrySize // 0x30
	digestSize            = 0x20
	extentSize            = 0x8
	segmentDecryptRetries = 3
	segmentDecryptSpacing = time.Second
)

// Extent is one block's {offset, len} pair within a segment's decrypted
// payload.
type Extent struct {
	Offset uint64
	Len    uint64
}

// BlockSegment is the arena-lived descriptor graph produced by the Segment
// Decryptor and consumed by the Block Decryptor: strictly tree-shaped, no
// cycles, destroyed when the arena resets at end of file.
type BlockSegment struct {
	Data       []byte
	Size       uint64
	BlockCount int
	Digests    [][]byte
	Extents    []Extent
}

// DecryptSegment drives the service to recover the per-block digest/extent
// table (or synthesizes one when no block-info is present) for the target
// segment named by blockInfoSeg.
func DecryptSegment(km KernelMemory, profile FirmwareProfile, svc DecryptService, arena *Arena, fileData []byte, blockInfoSeg *SegmentHeader, target *SegmentHeader) (*BlockSegment, error) {
	if err := stageCiphertext(km, profile, fileData, blockInfoSeg); err != nil {
		return nil, errInternal("", err)
	}

	scratchBPA, err := km.VirtToPhys(profile.ScratchB)
	if err != nil {
		return nil, errInternal("", fmt.Errorf("virt_to_phys(scratch_b): %w", err))
	}
	if err := writeChunkTable(km, profile, scratchBPA, blockInfoSeg.CompressedSize); err != nil {
		return nil, errInternal("", err)
	}

	chunkTablePA, err := km.VirtToPhys(profile.ScratchA)
	if err != nil {
		return nil, errInternal("", fmt.Errorf("virt_to_phys(scratch_a): %w", err))
	}

	var lastErr error
	ok := false
	for try := 0; try < segmentDecryptRetries; try++ {
		lastErr = svc.LoadSelfSegment(chunkTablePA, 0)
		if lastErr == nil {
			ok = true
			break
		}
		time.Sleep(segmentDecryptSpacing)
	}
	if !ok {
		return nil, errSegmentDecrypt("", lastErr)
	}

	plaintext, err := arena.Alloc(int(blockInfoSeg.UncompressedSize))
	if err != nil {
		return nil, errInternal("", err)
	}
	if err := km.Read(profile.ScratchB, plaintext); err != nil {
		return nil, errInternal("", fmt.Errorf("read decrypted segment payload: %w", err))
	}

	seg := &BlockSegment{Data: plaintext, Size: blockInfoSeg.UncompressedSize}
	blockSize := target.Flags.blockSize()

	switch {
	case blockInfoSeg.Flags.hasDigests():
		seg.BlockCount = int(seg.Size / (digestSize + extentSize))
	case blockInfoSeg.Flags.hasBlockInfo():
		seg.BlockCount = int(seg.Size / extentSize)
	default:
		seg.BlockCount = int(ceilDiv(target.UncompressedSize, blockSize))
	}
	if seg.BlockCount <= 0 {
		return nil, errInternal("", fmt.Errorf("segment decrypt: non-positive block count %d", seg.BlockCount))
	}

	digests, err := arena.Calloc(seg.BlockCount, digestSize)
	if err != nil {
		return nil, errInternal("", err)
	}
	seg.Digests = make([][]byte, seg.BlockCount)
	if blockInfoSeg.Flags.hasDigests() {
		for i := 0; i < seg.BlockCount; i++ {
			seg.Digests[i] = plaintext[i*digestSize : (i+1)*digestSize]
		}
	}
	_ = digests // budget already accounted for via arena.Calloc above

	extents := make([]Extent, seg.BlockCount)
	if blockInfoSeg.Flags.hasBlockInfo() {
		base := 0
		if blockInfoSeg.Flags.hasDigests() {
			base = digestSize * seg.BlockCount
		}
		for i := 0; i < seg.BlockCount; i++ {
			off := base + i*extentSize
			extents[i] = Extent{
				Offset: uint64(binary.LittleEndian.Uint32(plaintext[off:])),
				Len:    uint64(binary.LittleEndian.Uint32(plaintext[off+4:])),
			}
		}
	} else {
		for i := 0; i < seg.BlockCount; i++ {
			extents[i] = Extent{Offset: uint64(i) * blockSize, Len: blockSize}
			if i == seg.BlockCount-1 {
				if tail := target.UncompressedSize % blockSize; tail != 0 {
					extents[i].Len = tail
				}
			}
		}
	}
	seg.Extents = extents

	return seg, nil
}

func stageCiphertext(km KernelMemory, profile FirmwareProfile, fileData []byte, seg *SegmentHeader) error {
	if seg.Offset+seg.CompressedSize > uint64(len(fileData)) {
		return fmt.Errorf("segment ciphertext out of file bounds")
	}
	src := fileData[seg.Offset : seg.Offset+seg.CompressedSize]
	for off := uint64(0); off < seg.CompressedSize; off += scratchPageSize {
		n := uint64(scratchPageSize)
		if seg.CompressedSize-off < n {
			n = seg.CompressedSize - off
		}
		if err := km.Write(profile.ScratchB+off, src[off:off+n]); err != nil {
			return fmt.Errorf("stage ciphertext at +0x%x: %w", off, err)
		}
	}
	return nil
}

func writeChunkTable(km KernelMemory, profile FirmwareProfile, dataPA, dataSize uint64) error {
	buf := make([]byte, chunkTableTotalSize)
	binary.LittleEndian.PutUint64(buf[0:], dataPA)
	binary.LittleEndian.PutUint64(buf[8:], 1)
	binary.LittleEndian.PutUint64(buf[16:], dataSize)
	binary.LittleEndian.PutUint64(buf[32:], dataPA)
	binary.LittleEndian.PutUint64(buf[40:], dataSize)
	return km.Write(profile.ScratchA, buf)
}

func ceilDiv(a, b uint64) uint64 {
	if b == 0 {
		return 0
	}
	return (a + b - 1) / b
}
