package main

import "encoding/binary"

// ELF64 program header types this module cares about, platform-specific ones
// included alongside the generic ELF set.
const (
	ptLoad            = 1
	ptNote            = 4
	ptSceDynlibdata   = 0x61000000
	ptSceProcParam    = 0x61000001
	ptSceModuleParam  = 0x61000002
	ptSceRelro        = 0x61000010
	ptSceComment      = 0x6FFFFF00
	ptSceVersion      = 0x6FFFFF01
)

const (
	elf64HeaderSize  = 0x40
	elf64PhdrSize    = 0x38
	sceProcessParamMagic = 0x4942524F
	sceModuleParamMagic  = 0x3C13F4BF
)

// elf64Header mirrors Elf64_Ehdr field-for-field.
type elf64Header struct {
	Ident     [16]byte
	Type      uint16
	Machine   uint16
	Version   uint32
	Entry     uint64
	Phoff     uint64
	Shoff     uint64
	Flags     uint32
	Ehsize    uint16
	Phentsize uint16
	Phnum     uint16
	Shentsize uint16
	Shnum     uint16
	Shstrndx  uint16
}

func (h *elf64Header) isELF() bool {
	return h.Ident[0] == 0x7F && h.Ident[1] == 'E' && h.Ident[2] == 'L' && h.Ident[3] == 'F'
}

func (h *elf64Header) marshal() []byte {
	buf := make([]byte, elf64HeaderSize)
	copy(buf[0:16], h.Ident[:])
	binary.LittleEndian.PutUint16(buf[16:], h.Type)
	binary.LittleEndian.PutUint16(buf[18:], h.Machine)
	binary.LittleEndian.PutUint32(buf[20:], h.Version)
	binary.LittleEndian.PutUint64(buf[24:], h.Entry)
	binary.LittleEndian.PutUint64(buf[32:], h.Phoff)
	binary.LittleEndian.PutUint64(buf[40:], h.Shoff)
	binary.LittleEndian.PutUint32(buf[48:], h.Flags)
	binary.LittleEndian.PutUint16(buf[52:], h.Ehsize)
	binary.LittleEndian.PutUint16(buf[54:], h.Phentsize)
	binary.LittleEndian.PutUint16(buf[56:], h.Phnum)
	binary.LittleEndian.PutUint16(buf[58:], h.Shentsize)
	binary.LittleEndian.PutUint16(buf[60:], h.Shnum)
	binary.LittleEndian.PutUint16(buf[62:], h.Shstrndx)
	return buf
}

func parseELF64Header(data []byte) (*elf64Header, error) {
	if len(data) < elf64HeaderSize {
		return nil, errInternal("", errShort("elf header"))
	}
	h := &elf64Header{}
	copy(h.Ident[:], data[0:16])
	h.Type = binary.LittleEndian.Uint16(data[16:])
	h.Machine = binary.LittleEndian.Uint16(data[18:])
	h.Version = binary.LittleEndian.Uint32(data[20:])
	h.Entry = binary.LittleEndian.Uint64(data[24:])
	h.Phoff = binary.LittleEndian.Uint64(data[32:])
	h.Shoff = binary.LittleEndian.Uint64(data[40:])
	h.Flags = binary.LittleEndian.Uint32(data[48:])
	h.Ehsize = binary.LittleEndian.Uint16(data[52:])
	h.Phentsize = binary.LittleEndian.Uint16(data[54:])
	h.Phnum = binary.LittleEndian.Uint16(data[56:])
	h.Shentsize = binary.LittleEndian.Uint16(data[58:])
	h.Shnum = binary.LittleEndian.Uint16(data[60:])
	h.Shstrndx = binary.LittleEndian.Uint16(data[62:])
	return h, nil
}

// elf64Phdr mirrors Elf64_Phdr field-for-field; 0x38 bytes on the wire.
type elf64Phdr struct {
	Type   uint32
	Flags  uint32
	Offset uint64
	Vaddr  uint64
	Paddr  uint64
	Filesz uint64
	Memsz  uint64
	Align  uint64
}

func (p *elf64Phdr) marshal() []byte {
	buf := make([]byte, elf64PhdrSize)
	binary.LittleEndian.PutUint32(buf[0:], p.Type)
	binary.LittleEndian.PutUint32(buf[4:], p.Flags)
	binary.LittleEndian.PutUint64(buf[8:], p.Offset)
	binary.LittleEndian.PutUint64(buf[16:], p.Vaddr)
	binary.LittleEndian.PutUint64(buf[24:], p.Paddr)
	binary.LittleEndian.PutUint64(buf[32:], p.Filesz)
	binary.LittleEndian.PutUint64(buf[40:], p.Memsz)
	binary.LittleEndian.PutUint64(buf[48:], p.Align)
	return buf
}

func parseELF64Phdr(data []byte) *elf64Phdr {
	return &elf64Phdr{
		Type:   binary.LittleEndian.Uint32(data[0:]),
		Flags:  binary.LittleEndian.Uint32(data[4:]),
		Offset: binary.LittleEndian.Uint64(data[8:]),
		Vaddr:  binary.LittleEndian.Uint64(data[16:]),
		Paddr:  binary.LittleEndian.Uint64(data[24:]),
		Filesz: binary.LittleEndian.Uint64(data[32:]),
		Memsz:  binary.LittleEndian.Uint64(data[40:]),
		Align:  binary.LittleEndian.Uint64(data[48:]),
	}
}

func parseELF64Phdrs(data []byte, off uint64, count uint16) ([]*elf64Phdr, error) {
	phdrs := make([]*elf64Phdr, 0, count)
	for i := uint16(0); i < count; i++ {
		start := off + uint64(i)*elf64PhdrSize
		if start+elf64PhdrSize > uint64(len(data)) {
			return nil, errShort("program header table")
		}
		phdrs = append(phdrs, parseELF64Phdr(data[start:start+elf64PhdrSize]))
	}
	return phdrs, nil
}

func isEligibleFSESegment(t uint32) bool {
	switch t {
	case ptLoad, ptSceRelro, ptSceDynlibdata, ptSceComment:
		return true
	default:
		return false
	}
}

func roundUp16(v uint64) uint64 {
	return (v + 0xF) &^ 0xF
}
