package main

import "encoding/binary"

// SELF container magics, one per target platform.
const (
	selfMagicPS4 uint32 = 0x1D3D154F
	selfMagicPS5 uint32 = 0xEEF51454
)

const (
	selfHeaderSize  = 0x20
	selfSegmentSize = 0x20
)

// SelfHeader is the fixed-size header at the front of a SELF container. The
// same 0x20-byte layout is reused by the Fake-Sign Encoder when writing a
// new container, just with a different set of fields populated.
type SelfHeader struct {
	Magic       uint32
	Version     uint8
	Mode        uint8
	Endian      uint8
	Attrs       uint8
	KeyType     uint32
	HeaderSize  uint16
	MetaSize    uint16
	FileSize    uint64
	NumEntries  uint16
	Flags       uint16
}

func parseSelfHeader(data []byte) (*SelfHeader, error) {
	if len(data) < selfHeaderSize {
		return nil, errShort("self header")
	}
	return &SelfHeader{
		Magic:      binary.LittleEndian.Uint32(data[0:]),
		Version:    data[4],
		Mode:       data[5],
		Endian:     data[6],
		Attrs:      data[7],
		KeyType:    binary.LittleEndian.Uint32(data[8:]),
		HeaderSize: binary.LittleEndian.Uint16(data[12:]),
		MetaSize:   binary.LittleEndian.Uint16(data[14:]),
		FileSize:   binary.LittleEndian.Uint64(data[16:]),
		NumEntries: binary.LittleEndian.Uint16(data[24:]),
		Flags:      binary.LittleEndian.Uint16(data[26:]),
	}, nil
}

func (h *SelfHeader) marshal() []byte {
	buf := make([]byte, selfHeaderSize)
	binary.LittleEndian.PutUint32(buf[0:], h.Magic)
	buf[4] = h.Version
	buf[5] = h.Mode
	buf[6] = h.Endian
	buf[7] = h.Attrs
	binary.LittleEndian.PutUint32(buf[8:], h.KeyType)
	binary.LittleEndian.PutUint16(buf[12:], h.HeaderSize)
	binary.LittleEndian.PutUint16(buf[14:], h.MetaSize)
	binary.LittleEndian.PutUint64(buf[16:], h.FileSize)
	binary.LittleEndian.PutUint16(buf[24:], h.NumEntries)
	binary.LittleEndian.PutUint16(buf[26:], h.Flags)
	return buf
}

// segmentFlags is the 64-bit bitfield shared by SELF segment headers (input
// side) and fake-sign entries (output side). Bit layout, LSB first:
//
//	0      isOrdered
//	1      isEncrypted
//	2      isSigned
//	3      isCompressed
//	4-7    unknown0
//	8-10   windowBits   (block size = 1 << (12 + windowBits))
//	11     hasBlocks
//	12-15  blockBits
//	16     hasDigest
//	17     hasExtents   (aka has_block_info)
//	18-19  unknown1
//	20-35  segmentIndex
//	36-63  unknown2
type segmentFlags uint64

func (f segmentFlags) isOrdered() bool    { return f&1 != 0 }
func (f segmentFlags) isEncrypted() bool  { return (f>>1)&1 != 0 }
func (f segmentFlags) isSigned() bool     { return (f>>2)&1 != 0 }
func (f segmentFlags) isCompressed() bool { return (f>>3)&1 != 0 }
func (f segmentFlags) windowBits() uint64 { return uint64(f>>8) & 0x7 }
func (f segmentFlags) hasBlocks() bool    { return (f>>11)&1 != 0 }
func (f segmentFlags) blockBits() uint64  { return uint64(f>>12) & 0xF }
func (f segmentFlags) hasDigests() bool   { return (f>>16)&1 != 0 }
func (f segmentFlags) hasBlockInfo() bool { return (f>>17)&1 != 0 }
func (f segmentFlags) segmentID() uint64  { return uint64(f>>20) & 0xFFFF }
func (f segmentFlags) blockSize() uint64  { return 1 << (12 + f.windowBits()) }

func makeSegmentFlags(isSigned, hasDigest, hasBlocks bool, blockBits, segmentIndex uint64) segmentFlags {
	var f uint64
	if isSigned {
		f |= 1 << 2
	}
	if hasDigest {
		f |= 1 << 16
	}
	if hasBlocks {
		f |= 1 << 11
	}
	f |= (blockBits & 0xF) << 12
	f |= (segmentIndex & 0xFFFF) << 20
	return segmentFlags(f)
}

// SegmentHeader describes one entry in a SELF container's segment table.
type SegmentHeader struct {
	Flags            segmentFlags
	Offset           uint64
	CompressedSize   uint64
	UncompressedSize uint64
}

func parseSegmentHeader(data []byte) *SegmentHeader {
	return &SegmentHeader{
		Flags:            segmentFlags(binary.LittleEndian.Uint64(data[0:])),
		Offset:           binary.LittleEndian.Uint64(data[8:]),
		CompressedSize:   binary.LittleEndian.Uint64(data[16:]),
		UncompressedSize: binary.LittleEndian.Uint64(data[24:]),
	}
}

// SelfFile is the result of parsing a SELF container: the header, the
// segment table, and the embedded plain ELF header + program header table
// that follow it.
type SelfFile struct {
	Header   *SelfHeader
	Segments []*SegmentHeader
	Elf      *elf64Header
	Phdrs    []*elf64Phdr
	data     []byte
}

// ParseSelf decodes a SELF container from data, validating against
// expectedMagic. A magic mismatch yields NotSelf, which callers treat as
// "skip silently."
func ParseSelf(data []byte, expectedMagic uint32) (*SelfFile, error) {
	if len(data) < selfHeaderSize {
		return nil, errInternal("", errShort("input smaller than minimum SELF header"))
	}
	if binary.LittleEndian.Uint32(data[0:4]) != expectedMagic {
		return nil, errNotSelf("")
	}
	header, err := parseSelfHeader(data)
	if err != nil {
		return nil, errInternal("", err)
	}

	segStart := selfHeaderSize
	segEnd := segStart + int(header.NumEntries)*selfSegmentSize
	if segEnd > len(data) {
		return nil, errInternal("", errShort("segment table"))
	}
	segments := make([]*SegmentHeader, 0, header.NumEntries)
	var sumCompressed uint64
	for i := 0; i < int(header.NumEntries); i++ {
		start := segStart + i*selfSegmentSize
		seg := parseSegmentHeader(data[start : start+selfSegmentSize])
		segments = append(segments, seg)
		if seg.Flags.hasBlockInfo() {
			sumCompressed += seg.CompressedSize
		}
	}
	if sumCompressed > uint64(len(data)) {
		return nil, errInternal("", errShort("segment compressed sizes exceed file size"))
	}

	elfStart := segEnd
	if elfStart+elf64HeaderSize > len(data) {
		return nil, errInternal("", errShort("embedded ELF header"))
	}
	elfHeader, err := parseELF64Header(data[elfStart : elfStart+elf64HeaderSize])
	if err != nil {
		return nil, errInternal("", err)
	}
	if !elfHeader.isELF() {
		return nil, errInternal("", errShort("embedded ELF magic"))
	}

	phdrStart := elfStart + elf64HeaderSize
	phdrs, err := parseELF64Phdrs(data, uint64(phdrStart), elfHeader.Phnum)
	if err != nil {
		return nil, errInternal("", err)
	}

	return &SelfFile{
		Header:   header,
		Segments: segments,
		Elf:      elfHeader,
		Phdrs:    phdrs,
		data:     data,
	}, nil
}

// TargetSegment returns the segment that a block-info segment's flags name
// as its target (the data-carrying segment the digest/extent table
// describes).
func (s *SelfFile) TargetSegment(blockInfo *SegmentHeader) (*SegmentHeader, int, error) {
	idx := int(blockInfo.Flags.segmentID())
	if idx < 0 || idx >= len(s.Segments) {
		return nil, 0, errInternal("", errShort("segment id out of range"))
	}
	target := s.Segments[idx]
	if !target.Flags.hasBlocks() {
		return nil, 0, errInternal("", errShort("block-info target is not a data-carrying segment"))
	}
	return target, idx, nil
}

// OutputSize applies the note-or-load sizing rule from the data model: the
// offset+filesz of the last PT_NOTE, or the last PT_LOAD if no note exists.
func (s *SelfFile) OutputSize() uint64 {
	var size uint64
	for _, p := range s.Phdrs {
		if p.Type == ptNote {
			size = p.Offset + p.Filesz
		}
	}
	if size != 0 {
		return size
	}
	for _, p := range s.Phdrs {
		if p.Type == ptLoad {
			size = p.Offset + p.Filesz
		}
	}
	return size
}
