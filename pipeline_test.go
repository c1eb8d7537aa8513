package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

type collectingNotifier struct {
	lines []string
}

func (c *collectingNotifier) Notify(format string, args ...any) {
	c.lines = append(c.lines, format)
}

func TestPipelineNotSelfPassthrough(t *testing.T) {
	srcRoot := t.TempDir()
	destRoot := t.TempDir()

	if err := os.WriteFile(filepath.Join(srcRoot, "game.bin"), bytes.Repeat([]byte("Hello"), 200), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	profile := FirmwareProfile{ServiceLock: 0x1000}
	km := NewMockKernel(0, 0x10000)
	svc := NewMockDecryptService(km, profile)
	notifier := &collectingNotifier{}

	p := &Pipeline{
		KM: km, Profile: profile, Service: svc, Magic: selfMagicPS5,
		Config: DefaultConfig(), Notifier: notifier, Logger: NullLogger{},
		SrcRoot: srcRoot, DestRoot: destRoot,
	}
	if err := p.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if _, err := os.Stat(filepath.Join(destRoot, "game.bin")); !os.IsNotExist(err) {
		t.Fatal("expected no output for a non-SELF file")
	}
	found := false
	for _, l := range notifier.lines {
		if bytes.Contains([]byte(l), []byte("not a SELF")) {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a not-a-SELF notification, got %v", notifier.lines)
	}
}

// buildPipelineSelfFixture assembles a full SELF container with one
// hasDigests segment (segment 0) describing one hasBlocks data segment
// (segment 1), laid out so the full decrypt -> assemble -> block-decrypt
// chain can run end to end against a MockDecryptService.
func buildPipelineSelfFixture(plaintext []byte) []byte {
	const (
		digestSegOffset = 0x200
		digestSegSize   = 0x28
		targetOffset    = 0x1000
		targetWindow    = blockDecryptWindow
		outPhdrOffset   = 0x1000
	)

	elfHdr := &elf64Header{Type: 2, Machine: 0x3E, Version: 1, Phoff: elf64HeaderSize, Phnum: 1}
	elfHdr.Ident[0], elfHdr.Ident[1], elfHdr.Ident[2], elfHdr.Ident[3] = 0x7F, 'E', 'L', 'F'

	phdr := &elf64Phdr{Type: ptLoad, Offset: outPhdrOffset, Filesz: uint64(len(plaintext)), Memsz: uint64(len(plaintext))}

	segDigest := &SegmentHeader{
		Flags:            makeSegmentFlags(true, true, false, 0, 1),
		Offset:           digestSegOffset,
		CompressedSize:   digestSegSize,
		UncompressedSize: digestSegSize,
	}
	segTarget := &SegmentHeader{
		Flags:            makeSegmentFlags(true, false, true, 0, 0),
		Offset:           targetOffset,
		CompressedSize:   uint64(len(plaintext)),
		UncompressedSize: uint64(len(plaintext)),
	}

	header := &SelfHeader{Magic: selfMagicPS5, HeaderSize: selfHeaderSize, NumEntries: 2}

	fileSize := targetOffset + targetWindow
	data := make([]byte, fileSize)
	copy(data[0:], header.marshal())

	seg0 := make([]byte, selfSegmentSize)
	putUint64LE(seg0[0:], uint64(segDigest.Flags))
	putUint64LE(seg0[8:], segDigest.Offset)
	putUint64LE(seg0[16:], segDigest.CompressedSize)
	putUint64LE(seg0[24:], segDigest.UncompressedSize)
	copy(data[selfHeaderSize:], seg0)

	seg1 := make([]byte, selfSegmentSize)
	putUint64LE(seg1[0:], uint64(segTarget.Flags))
	putUint64LE(seg1[8:], segTarget.Offset)
	putUint64LE(seg1[16:], segTarget.CompressedSize)
	putUint64LE(seg1[24:], segTarget.UncompressedSize)
	copy(data[selfHeaderSize+selfSegmentSize:], seg1)

	elfStart := selfHeaderSize + 2*selfSegmentSize
	copy(data[elfStart:], elfHdr.marshal())
	copy(data[elfStart+elf64HeaderSize:], phdr.marshal())

	for i, b := range plaintext {
		data[targetOffset+i] = b ^ mockXORKey
	}

	return data
}

func TestPipelineSegmentDecryptEndToEnd(t *testing.T) {
	srcRoot := t.TempDir()
	destRoot := t.TempDir()

	plaintext := bytes.Repeat([]byte{0x5A}, scratchPageSize)
	data := buildPipelineSelfFixture(plaintext)
	if err := os.WriteFile(filepath.Join(srcRoot, "eboot.elf"), data, 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	profile := FirmwareProfile{ServiceLock: 0x1000, ScratchA: 0x100000, ScratchB: 0x200000}
	km := NewMockKernel(0, 0x400000)
	svc := NewMockDecryptService(km, profile)
	notifier := &collectingNotifier{}

	cfg := DefaultConfig()
	cfg.EnableBackport = false

	p := &Pipeline{
		KM: km, Profile: profile, Service: svc, Magic: selfMagicPS5,
		Config: cfg, Notifier: notifier, Logger: NullLogger{},
		SrcRoot: srcRoot, DestRoot: destRoot,
	}
	if err := p.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}

	out, err := os.ReadFile(filepath.Join(destRoot, "eboot.elf"))
	if err != nil {
		t.Fatalf("ReadFile output: %v", err)
	}
	got := out[0x1000 : 0x1000+scratchPageSize]
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("decrypted payload mismatch: got[:16]=%x want[:16]=%x", got[:16], plaintext[:16])
	}
}

func TestPipelineRetryExhaustionUnlinksOutput(t *testing.T) {
	srcRoot := t.TempDir()
	destRoot := t.TempDir()

	plaintext := bytes.Repeat([]byte{0x5A}, scratchPageSize)
	data := buildPipelineSelfFixture(plaintext)
	if err := os.WriteFile(filepath.Join(srcRoot, "eboot.elf"), data, 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	profile := FirmwareProfile{ServiceLock: 0x1000, ScratchA: 0x100000, ScratchB: 0x200000}
	km := NewMockKernel(0, 0x400000)
	svc := NewMockDecryptService(km, profile)
	svc.FailBlocks = true
	notifier := &collectingNotifier{}

	cfg := DefaultConfig()
	cfg.EnableBackport = false

	p := &Pipeline{
		KM: km, Profile: profile, Service: svc, Magic: selfMagicPS5,
		Config: cfg, Notifier: notifier, Logger: NullLogger{},
		SrcRoot: srcRoot, DestRoot: destRoot,
	}
	if err := p.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if _, err := os.Stat(filepath.Join(destRoot, "eboot.elf")); !os.IsNotExist(err) {
		t.Fatal("expected output to be unlinked after retry exhaustion")
	}
	found := false
	for _, l := range notifier.lines {
		if bytes.Contains([]byte(l), []byte("decrypt failed after retries")) {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a retry-exhaustion notification, got %v", notifier.lines)
	}
}
