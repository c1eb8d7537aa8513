package main

import (
	"crypto/sha256"
	"fmt"
)

const (
	fseVersion    = 0
	fseMode       = 1
	fseEndian     = 1
	fseAttrs      = 0x12
	fseKeyType    = 0x101
	fseFlags      = 0x22
	fseMetaEntry  = 0x4000
	fseExinfoSize = 0x40 // authid+type+app_version+fw_version (8 bytes each) + 0x20 digest
	fseNpdrmSize  = 0x30
	fseMetaBlkSz  = 0x50
	fseMetaFootSz = 0x30 + 4 + 0x1C + 0x100
	fseSigSize    = 0x100
	fseExinfoAuthID    = 0x3100000000000002
	fseExinfoType      = 1
	fseNpdrmType       = 3
	fseMetaFootUnknown1 = 0x10000
)

type fseEntry struct {
	phdr    *elf64Phdr
	flags   segmentFlags
	offset  uint64
	encSize uint64
	decSize uint64
}

func (e *fseEntry) marshal() []byte {
	buf := make([]byte, 8+8+8+8)
	putUint64(buf[0:], uint64(e.flags))
	putUint64(buf[8:], e.offset)
	putUint64(buf[16:], e.encSize)
	putUint64(buf[24:], e.decSize)
	return buf
}

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

// FakeSignEncode reads the plain ELF at elfData and returns a byte-exact
// fake-signed SELF container per §4.8, with magic as the container magic.
// The exinfo digest is the SHA-256 of the entire input ELF, computed here
// over elfData before exinfo is written; elfData itself is not modified.
func FakeSignEncode(elfData []byte, magic uint32) ([]byte, error) {
	if len(elfData) < elf64HeaderSize {
		return nil, errInternal("", fmt.Errorf("fself: input shorter than ELF header"))
	}
	ehdr, err := parseELF64Header(elfData[:elf64HeaderSize])
	if err != nil {
		return nil, errInternal("", err)
	}
	if !ehdr.isELF() {
		return nil, errInternal("", fmt.Errorf("fself: input is not a plain ELF"))
	}
	phdrs, err := parseELF64Phdrs(elfData, ehdr.Phoff, ehdr.Phnum)
	if err != nil {
		return nil, errInternal("", err)
	}

	var entries []*fseEntry
	var versionSeg *elf64Phdr

	for i, p := range phdrs {
		if p.Type == ptSceVersion {
			versionSeg = p
		}
		if !isEligibleFSESegment(p.Type) {
			continue
		}
		j := len(entries)
		digestEntry := &fseEntry{
			phdr:    p,
			flags:   makeSegmentFlags(true, true, false, 0, uint64(j+1)),
			encSize: ceilDiv(p.Filesz, fseMetaEntry) * sha256.Size,
		}
		digestEntry.decSize = digestEntry.encSize
		entries = append(entries, digestEntry)

		blockEntry := &fseEntry{
			phdr:    p,
			flags:   makeSegmentFlags(true, false, true, 2, uint64(i)),
			encSize: p.Filesz,
			decSize: p.Filesz,
		}
		entries = append(entries, blockEntry)
	}

	numEntries := uint16(len(entries))

	headerSize := uint64(selfHeaderSize) + uint64(numEntries)*32
	headerSize = roundUp16(headerSize)
	headerSize += ehdr.Phoff + uint64(ehdr.Phnum)*elf64PhdrSize
	headerSize = roundUp16(headerSize)
	headerSize += fseExinfoSize
	headerSize += fseNpdrmSize

	metaSize := uint64(numEntries)*fseMetaBlkSz + fseMetaFootSz + 0x100

	offset := headerSize + metaSize
	for _, e := range entries {
		e.offset = offset
		offset = roundUp16(offset + e.encSize)
	}

	fileSize := headerSize + metaSize
	for _, e := range entries {
		fileSize += roundUp16(e.encSize)
	}
	fileSize = roundUp16(fileSize)

	header := &SelfHeader{
		Magic:      magic,
		Version:    fseVersion,
		Mode:       fseMode,
		Endian:     fseEndian,
		Attrs:      fseAttrs,
		KeyType:    fseKeyType,
		HeaderSize: uint16(headerSize),
		MetaSize:   uint16(metaSize),
		FileSize:   fileSize,
		NumEntries: numEntries,
		Flags:      fseFlags,
	}

	out := make([]byte, 0, fileSize)
	out = append(out, header.marshal()...)
	for _, e := range entries {
		out = append(out, e.marshal()...)
	}
	out = padTo16(out)

	out = append(out, elfData[:elf64HeaderSize]...)
	for _, p := range phdrs {
		out = append(out, p.marshal()...)
	}
	out = padTo16(out)

	digest := sha256.Sum256(elfData)
	// exinfo is authid, type, app_version, fw_version (8 bytes each),
	// followed by the 0x20-byte digest: fseExinfoSize (0x40) bytes total on
	// the wire.
	exinfoFull := make([]byte, 0x20+0x20)
	putUint64(exinfoFull[0:], fseExinfoAuthID)
	putUint64(exinfoFull[8:], fseExinfoType)
	putUint64(exinfoFull[16:], 0)
	putUint64(exinfoFull[24:], 0)
	copy(exinfoFull[32:], digest[:])
	out = append(out, exinfoFull...)

	npdrm := make([]byte, fseNpdrmSize)
	npdrm[0] = fseNpdrmType
	out = append(out, npdrm...)

	metaBlk := make([]byte, fseMetaBlkSz)
	for range entries {
		out = append(out, metaBlk...)
	}

	metaFoot := make([]byte, fseMetaFootSz)
	putUint32At(metaFoot, 0x30, fseMetaFootUnknown1)
	out = append(out, metaFoot...)

	sig := make([]byte, fseSigSize)
	out = append(out, sig...)

	for _, e := range entries {
		if e.flags.hasBlocks() != true {
			continue
		}
		if uint64(len(out)) < e.offset {
			pad := make([]byte, e.offset-uint64(len(out)))
			out = append(out, pad...)
		}
		start := e.phdr.Offset
		end := start + e.encSize
		if end > uint64(len(elfData)) {
			return nil, errInternal("", fmt.Errorf("fself: segment payload out of input bounds"))
		}
		out = append(out[:e.offset], elfData[start:end]...)
		if uint64(len(out)) < e.offset+e.encSize {
			out = out[:e.offset+e.encSize]
		}
	}

	if versionSeg != nil && versionSeg.Filesz > 0 {
		start := versionSeg.Offset
		end := start + versionSeg.Filesz
		if end > uint64(len(elfData)) {
			return nil, errInternal("", fmt.Errorf("fself: PT_SCE_VERSION payload out of input bounds"))
		}
		out = append(out, elfData[start:end]...)
	}

	if uint64(len(out)) < fileSize {
		out = append(out, make([]byte, fileSize-uint64(len(out)))...)
	}

	return out, nil
}

func padTo16(b []byte) []byte {
	want := roundUp16(uint64(len(b)))
	if uint64(len(b)) == want {
		return b
	}
	return append(b, make([]byte, want-uint64(len(b)))...)
}

func putUint32At(b []byte, off int, v uint32) {
	b[off] = byte(v)
	b[off+1] = byte(v >> 8)
	b[off+2] = byte(v >> 16)
	b[off+3] = byte(v >> 24)
}
