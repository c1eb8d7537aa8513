package main

import "fmt"

// AssembleImage materializes the skeleton of the reconstructed ELF: header,
// program header table, and the 0x40 bytes immediately following the table
// carried over verbatim from the input. Segment payloads are overlaid
// afterward by the Block Decryptor at their declared p_offset.
func AssembleImage(self *SelfFile, fileData []byte) ([]byte, error) {
	size := self.OutputSize()
	if size == 0 {
		return nil, errInternal("", fmt.Errorf("image assembler: could not determine output size (no PT_NOTE or PT_LOAD)"))
	}
	output := make([]byte, size)

	phdrTableSize := uint64(len(self.Phdrs)) * elf64PhdrSize
	phdrTableEnd := elf64HeaderSize + phdrTableSize

	if phdrTableEnd+0x40 > uint64(len(fileData)) {
		return nil, errInternal("", fmt.Errorf("image assembler: input too short for trailing header bytes"))
	}
	if phdrTableEnd+0x40 > size {
		return nil, errInternal("", fmt.Errorf("image assembler: output size smaller than header region"))
	}

	copy(output[0:elf64HeaderSize], self.Elf.marshal())
	for i, p := range self.Phdrs {
		start := elf64HeaderSize + uint64(i)*elf64PhdrSize
		copy(output[start:start+elf64PhdrSize], p.marshal())
	}

	selfHeaderAndSegments := selfHeaderSize + len(self.Segments)*selfSegmentSize
	srcTrailerStart := uint64(selfHeaderAndSegments) + phdrTableEnd
	if srcTrailerStart+0x40 > uint64(len(fileData)) {
		return nil, errInternal("", fmt.Errorf("image assembler: input too short for trailing header bytes"))
	}
	copy(output[phdrTableEnd:phdrTableEnd+0x40], fileData[srcTrailerStart:srcTrailerStart+0x40])

	return output, nil
}
