package main

import (
	"encoding/binary"
	"testing"
)

func buildElfWithProcParam(paramOff uint64, prefixSkip bool, magic uint32, extra uint64) []byte {
	const phdrOff = elf64HeaderSize
	size := paramOff + 0x18 + extra
	if size < phdrOff+elf64PhdrSize {
		size = phdrOff + elf64PhdrSize
	}
	data := make([]byte, size)
	data[0], data[1], data[2], data[3] = 0x7F, 'E', 'L', 'F'
	binary.LittleEndian.PutUint64(data[tvpPhoffOffset:], phdrOff)
	binary.LittleEndian.PutUint16(data[tvpPhnumOffset:], 1)

	binary.LittleEndian.PutUint32(data[phdrOff:], ptSceProcParam)
	binary.LittleEndian.PutUint64(data[phdrOff+8:], paramOff)

	magicOff := paramOff
	if prefixSkip {
		magicOff += tvpPrefixSkip
	}
	binary.LittleEndian.PutUint32(data[magicOff:], magic)
	return data
}

func TestPatchToolchainVersionHappyPath(t *testing.T) {
	data := buildElfWithProcParam(0x100, false, sceProcessParamMagic, 0)
	targets := SDKTargets{PS5: 0x05000033, PS4: 0x09590001}

	patched, err := PatchToolchainVersion(data, targets)
	if err != nil {
		t.Fatalf("PatchToolchainVersion: %v", err)
	}
	if !patched {
		t.Fatal("expected patched = true")
	}

	gotPS5 := binary.LittleEndian.Uint32(data[0x100+tvpPS5SDKOffset:])
	gotPS4 := binary.LittleEndian.Uint32(data[0x100+tvpPS4SDKOffset:])
	if gotPS5 != targets.PS5 {
		t.Fatalf("ps5 sdk = 0x%x, want 0x%x", gotPS5, targets.PS5)
	}
	if gotPS4 != targets.PS4 {
		t.Fatalf("ps4 sdk = 0x%x, want 0x%x", gotPS4, targets.PS4)
	}
}

func TestPatchToolchainVersionPrefixTolerant(t *testing.T) {
	data := buildElfWithProcParam(0x100, true, sceProcessParamMagic, 0)
	targets := SDKTargets{PS5: 0x05000033, PS4: 0x09590001}

	patched, err := PatchToolchainVersion(data, targets)
	if err != nil {
		t.Fatalf("PatchToolchainVersion: %v", err)
	}
	if !patched {
		t.Fatal("expected patched = true with 8-byte prefix tolerance")
	}
}

func TestPatchToolchainVersionIdempotent(t *testing.T) {
	data := buildElfWithProcParam(0x100, false, sceProcessParamMagic, 0)
	targets := SDKTargets{PS5: 0x05000033, PS4: 0x09590001}

	if _, err := PatchToolchainVersion(data, targets); err != nil {
		t.Fatalf("first patch: %v", err)
	}
	patchedAgain, err := PatchToolchainVersion(data, targets)
	if err != nil {
		t.Fatalf("second patch: %v", err)
	}
	if patchedAgain {
		t.Fatal("expected no-op on second patch with identical targets")
	}
}

func TestPatchToolchainVersionNoPhdrs(t *testing.T) {
	data := make([]byte, elf64HeaderSize+elf64PhdrSize)
	data[0], data[1], data[2], data[3] = 0x7F, 'E', 'L', 'F'
	binary.LittleEndian.PutUint64(data[tvpPhoffOffset:], elf64HeaderSize)
	binary.LittleEndian.PutUint16(data[tvpPhnumOffset:], 0)

	patched, err := PatchToolchainVersion(data, SDKTargets{PS5: 1, PS4: 1})
	if err != nil {
		t.Fatalf("PatchToolchainVersion: %v", err)
	}
	if patched {
		t.Fatal("expected no-op when phnum == 0")
	}
}

func TestPatchToolchainVersionMagicMismatchSkipped(t *testing.T) {
	data := buildElfWithProcParam(0x100, false, 0xDEADBEEF, 0)
	patched, err := PatchToolchainVersion(data, SDKTargets{PS5: 1, PS4: 1})
	if err != nil {
		t.Fatalf("PatchToolchainVersion: %v", err)
	}
	if patched {
		t.Fatal("expected skip on unrecognized param magic")
	}
}

func TestIsSignedSELFSkipsPatch(t *testing.T) {
	data := make([]byte, elf64HeaderSize)
	copy(data, []byte{0x4F, 0x15, 0x3D, 0x1D})
	if !isSignedSELF(data) {
		t.Fatal("expected PS4 fself magic to be recognized")
	}
	patched, err := PatchToolchainVersion(data, SDKTargets{PS5: 1, PS4: 1})
	if err != nil {
		t.Fatalf("PatchToolchainVersion: %v", err)
	}
	if patched {
		t.Fatal("expected signed SELF to be skipped")
	}
}

func TestResolveSDKTargetsOverridePrecedence(t *testing.T) {
	ps5 := uint32(0xAAAA0000)
	targets := ResolveSDKTargets(2, &ps5, nil)
	if targets.PS5 != ps5 {
		t.Fatalf("PS5 = 0x%x, want override 0x%x", targets.PS5, ps5)
	}
	if targets.PS4 != sdkVersionTable[defaultBackportLevel-1].PS4 {
		t.Fatalf("PS4 = 0x%x, want default row PS4", targets.PS4)
	}
}

func TestResolveSDKTargetsOutOfRangeLevel(t *testing.T) {
	targets := ResolveSDKTargets(99, nil, nil)
	want := sdkVersionTable[defaultBackportLevel-1]
	if targets != want {
		t.Fatalf("ResolveSDKTargets(99) = %+v, want default row %+v", targets, want)
	}
}
