package main

import (
	"encoding/binary"
	"fmt"
)

const (
	tvpPhoffOffset   = 0x20
	tvpPhnumOffset   = 0x38
	tvpParamMagicLen = 4
	tvpPrefixSkip    = 8
	tvpPS5SDKOffset  = 0xC
	tvpPS4SDKOffset  = 0x8
)

var tvpFSELFMagics = [][4]byte{
	{0x4F, 0x15, 0x3D, 0x1D}, // PS4
	{0x54, 0x14, 0xF5, 0xEE}, // PS5
}

// SDKTargets is a resolved pair of toolchain version targets for TVP.
type SDKTargets struct {
	PS5 uint32
	PS4 uint32
}

// sdkVersionTable is the toolchain version compatibility table, row index =
// backport level (1-indexed in the config surface, 0-indexed here).
var sdkVersionTable = []SDKTargets{
	{PS5: 0x01000050, PS4: 0x07590001},
	{PS5: 0x02000009, PS4: 0x08050001},
	{PS5: 0x03000027, PS4: 0x08540001},
	{PS5: 0x04000031, PS4: 0x09040001},
	{PS5: 0x05000033, PS4: 0x09590001},
	{PS5: 0x06000038, PS4: 0x10090001},
	{PS5: 0x07000038, PS4: 0x10590001},
	{PS5: 0x08000041, PS4: 0x11090001},
	{PS5: 0x09000040, PS4: 0x11590001},
	{PS5: 0x10000040, PS4: 0x12090001},
}

const (
	minBackportLevel     = 1
	maxBackportLevel     = 10
	defaultBackportLevel = 4
)

// ResolveSDKTargets implements the config override precedence rule: an
// explicit ps5/ps4 override wins (falling back to the default level's row
// for whichever one is missing), otherwise the configured level's row is
// used, ignored entirely if the level is out of range.
func ResolveSDKTargets(level int, ps5Override, ps4Override *uint32) SDKTargets {
	if ps5Override != nil || ps4Override != nil {
		fallback := sdkVersionTable[defaultBackportLevel-1]
		targets := fallback
		if ps5Override != nil {
			targets.PS5 = *ps5Override
		}
		if ps4Override != nil {
			targets.PS4 = *ps4Override
		}
		return targets
	}
	if level < minBackportLevel || level > maxBackportLevel {
		level = defaultBackportLevel
	}
	return sdkVersionTable[level-1]
}

// isSignedSELF reports whether data begins with a known fake-signed SELF
// magic, in which case TVP skips it silently.
func isSignedSELF(data []byte) bool {
	if len(data) < 4 {
		return false
	}
	for _, m := range tvpFSELFMagics {
		if data[0] == m[0] && data[1] == m[1] && data[2] == m[2] && data[3] == m[3] {
			return true
		}
	}
	return false
}

// PatchToolchainVersion scans an unsigned ELF for PT_SCE_PROCPARAM /
// PT_SCE_MODULE_PARAM segments and overwrites the embedded SDK version
// fields in place. Idempotent: re-running with the same targets is a no-op
// write (values already match are not rewritten). data is mutated in place.
func PatchToolchainVersion(data []byte, targets SDKTargets) (bool, error) {
	if len(data) < elf64HeaderSize {
		return false, errInternal("", fmt.Errorf("toolchain patch: input shorter than ELF header"))
	}
	if isSignedSELF(data) {
		return false, nil
	}
	if data[0] != 0x7F || data[1] != 'E' || data[2] != 'L' || data[3] != 'F' {
		return false, nil
	}

	phoff := binary.LittleEndian.Uint64(data[tvpPhoffOffset:])
	phnum := binary.LittleEndian.Uint16(data[tvpPhnumOffset:])

	if phoff+uint64(phnum)*elf64PhdrSize > uint64(len(data)) {
		return false, errInternal("", fmt.Errorf("toolchain patch: program header table out of bounds"))
	}

	patched := false
	for i := uint16(0); i < phnum; i++ {
		phdrOff := phoff + uint64(i)*elf64PhdrSize
		pType := binary.LittleEndian.Uint32(data[phdrOff:])
		if pType != ptSceProcParam && pType != ptSceModuleParam {
			continue
		}
		pOffset := binary.LittleEndian.Uint64(data[phdrOff+8:])
		if pOffset+0x18 > uint64(len(data)) {
			continue
		}

		expected := uint32(sceProcessParamMagic)
		if pType == ptSceModuleParam {
			expected = sceModuleParamMagic
		}

		paramOff := pOffset
		magic := binary.LittleEndian.Uint32(data[paramOff:])
		if magic != expected {
			paramOff += tvpPrefixSkip
			if paramOff+tvpParamMagicLen > uint64(len(data)) {
				continue
			}
			magic = binary.LittleEndian.Uint32(data[paramOff:])
			if magic != expected {
				continue
			}
		}

		if paramOff+tvpPS5SDKOffset+4 <= uint64(len(data)) {
			cur := binary.LittleEndian.Uint32(data[paramOff+tvpPS5SDKOffset:])
			if cur != targets.PS5 {
				binary.LittleEndian.PutUint32(data[paramOff+tvpPS5SDKOffset:], targets.PS5)
				patched = true
			}
		}
		if paramOff+tvpPS4SDKOffset+4 <= uint64(len(data)) {
			cur := binary.LittleEndian.Uint32(data[paramOff+tvpPS4SDKOffset:])
			if cur != targets.PS4 {
				binary.LittleEndian.PutUint32(data[paramOff+tvpPS4SDKOffset:], targets.PS4)
				patched = true
			}
		}
	}
	return patched, nil
}
