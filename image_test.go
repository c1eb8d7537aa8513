package main

import (
	"bytes"
	"testing"
)

func buildSelfWithPhdrsAndTrailer(phdrs []*elf64Phdr, trailer []byte) ([]byte, *SelfFile) {
	elfHdr := &elf64Header{Type: 2, Machine: 0x3E, Version: 1, Phoff: elf64HeaderSize, Phnum: uint16(len(phdrs))}
	elfHdr.Ident[0], elfHdr.Ident[1], elfHdr.Ident[2], elfHdr.Ident[3] = 0x7F, 'E', 'L', 'F'

	h := &SelfHeader{Magic: selfMagicPS5, HeaderSize: selfHeaderSize, NumEntries: 0}

	var buf bytes.Buffer
	buf.Write(h.marshal())
	buf.Write(elfHdr.marshal())
	for _, p := range phdrs {
		buf.Write(p.marshal())
	}
	buf.Write(trailer)
	data := buf.Bytes()

	self := &SelfFile{Header: h, Elf: elfHdr, Phdrs: phdrs}
	return data, self
}

func TestAssembleImageCopiesHeaderAndTrailer(t *testing.T) {
	phdrs := []*elf64Phdr{
		{Type: ptLoad, Offset: 0, Filesz: 0x1000, Memsz: 0x1000},
	}
	trailer := bytes.Repeat([]byte{0xCD}, 0x40)
	data, self := buildSelfWithPhdrsAndTrailer(phdrs, trailer)

	out, err := AssembleImage(self, data)
	if err != nil {
		t.Fatalf("AssembleImage: %v", err)
	}
	if uint64(len(out)) != self.OutputSize() {
		t.Fatalf("len(out) = %d, want %d", len(out), self.OutputSize())
	}
	if !bytes.Equal(out[0:16], self.Elf.Ident[:]) {
		t.Fatal("ELF ident not copied into output")
	}
	phdrTableEnd := elf64HeaderSize + uint64(len(phdrs))*elf64PhdrSize
	if !bytes.Equal(out[phdrTableEnd:phdrTableEnd+0x40], trailer) {
		t.Fatal("trailing bytes not copied verbatim")
	}
}

func TestAssembleImageNoSizeSource(t *testing.T) {
	self := &SelfFile{Elf: &elf64Header{}, Phdrs: nil}
	_, err := AssembleImage(self, make([]byte, 0x100))
	if err == nil {
		t.Fatal("expected error when no PT_NOTE or PT_LOAD present")
	}
}
