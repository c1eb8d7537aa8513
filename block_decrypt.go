package main

import (
	"fmt"
	"time"
)

const (
	blockDecryptPages    = 4
	blockDecryptWindow   = blockDecryptPages * scratchPageSize // 0x4000
	blockDecryptRetries  = 5
	blockDecryptSpacing  = 100 * time.Millisecond
)

// findTargetPhdr searches for the program header whose p_filesz matches the
// segment's uncompressed size. Ties resolve to the first match; the source's
// heuristic is ambiguous when multiple LOADs share a size, and the spec
// preserves that ambiguity rather than guessing an alternative rule.
func findTargetPhdr(phdrs []*elf64Phdr, uncompressedSize uint64) (*elf64Phdr, error) {
	for _, p := range phdrs {
		if p.Filesz == uncompressedSize {
			return p, nil
		}
	}
	return nil, fmt.Errorf("no program header with p_filesz == 0x%x", uncompressedSize)
}

// DecryptBlocks decrypts every block of a data-carrying segment (has_blocks
// && !has_digests) and writes the plaintext into output at the matching
// program header's declared offset.
func DecryptBlocks(km KernelMemory, profile FirmwareProfile, svc DecryptService, fileData []byte, output []byte, segment *SegmentHeader, segmentIdx int, blockSeg *BlockSegment, phdrs []*elf64Phdr) error {
	targetPhdr, err := findTargetPhdr(phdrs, segment.UncompressedSize)
	if err != nil {
		return errInternal("", err)
	}
	blockSize := segment.Flags.blockSize()

	for i := 0; i < blockSeg.BlockCount; i++ {
		ext := blockSeg.Extents[i]
		if err := stageBlockCiphertext(km, profile, fileData, segment, ext); err != nil {
			return errInternal("", err)
		}

		inPA, err := km.VirtToPhys(profile.ScratchB)
		if err != nil {
			return errInternal("", fmt.Errorf("virt_to_phys(scratch_b): %w", err))
		}
		outPA, err := km.VirtToPhys(profile.ScratchA)
		if err != nil {
			return errInternal("", fmt.Errorf("virt_to_phys(scratch_a): %w", err))
		}

		var lastErr error
		ok := false
		for try := 0; try < blockDecryptRetries; try++ {
			lastErr = svc.LoadSelfBlock(segmentIdx, i, inPA, outPA)
			if lastErr == nil {
				ok = true
				break
			}
			time.Sleep(blockDecryptSpacing)
		}
		if !ok {
			return errSegmentDecrypt("", fmt.Errorf("block %d: %w", i, lastErr))
		}

		plain := make([]byte, blockDecryptWindow)
		if err := km.Read(profile.ScratchA, plain); err != nil {
			return errInternal("", fmt.Errorf("read decrypted block %d: %w", i, err))
		}

		n := blockSize
		if i == blockSeg.BlockCount-1 {
			tail := segment.UncompressedSize % blockSize
			if tail == 0 {
				tail = blockSize
			}
			n = tail
		}
		dstOff := targetPhdr.Offset + uint64(i)*blockSize
		if dstOff+n > uint64(len(output)) {
			return errInternal("", fmt.Errorf("block %d write out of output bounds", i))
		}
		copy(output[dstOff:dstOff+n], plain[:n])
	}
	return nil
}

func stageBlockCiphertext(km KernelMemory, profile FirmwareProfile, fileData []byte, segment *SegmentHeader, ext Extent) error {
	base := segment.Offset + ext.Offset
	if base+blockDecryptWindow > uint64(len(fileData)) {
		return fmt.Errorf("block ciphertext out of file bounds")
	}
	src := fileData[base : base+blockDecryptWindow]
	for i := 0; i < blockDecryptPages; i++ {
		off := uint64(i * scratchPageSize)
		if err := km.Write(profile.ScratchB+off, src[off:off+scratchPageSize]); err != nil {
			return fmt.Errorf("stage block ciphertext page %d: %w", i, err)
		}
	}
	return nil
}
