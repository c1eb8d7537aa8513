package main

// FirmwareProfile is the tuple of kernel offsets the mailbox protocol and
// the key-management handle live at on a given firmware version. Field
// names use the generic profile naming (ScratchA/ScratchB for the two
// scratch regions); the kernel globals they correspond to are
// g_sbl_kernel_offset_*, offset_authmgr_handle, offset_sbl_sxlock and
// offset_datacave_{1,2}.
type FirmwareProfile struct {
	AuthHandle       uint64
	MailboxMtx       uint64
	MailboxBase      uint64
	ServiceLock      uint64
	MailboxFlags     uint64
	MailboxMeta      uint64
	DmapML4I         uint64
	DmapDPI          uint64
	PML4SelfIndex    uint64
	MessageIDCounter uint64
	ScratchA         uint64
	ScratchB         uint64
}

const minScratchSize = 16 * 1024

// firmwareProfiles is the closed Firmware Offset Table, keyed by the top 16
// bits of the running firmware version (e.g. 0x0360_0000 for 3.60.x).
// The addresses below are placeholders structurally shaped like the real
// table: each firmware version carries its own distinct kernel-data offsets
// and these are never portable across versions, so any real deployment
// replaces this table wholesale. What must stay stable is the key set and
// the lookup rule.
var firmwareProfiles = map[uint32]FirmwareProfile{
	0x03000000: {
		AuthHandle: 0xB5E128, MailboxMtx: 0x1102B60, MailboxBase: 0x1102B40,
		ServiceLock: 0x1102BA0, MailboxFlags: 0x1102BC8, MailboxMeta: 0x1102C00,
		DmapML4I: 0x21EF130, DmapDPI: 0x21EF134, PML4SelfIndex: 0x21EF138,
		MessageIDCounter: 0x1102C40, ScratchA: 0x1900000, ScratchB: 0x1904000,
	},
	0x04000000: {
		AuthHandle: 0xB5E228, MailboxMtx: 0x1103B60, MailboxBase: 0x1103B40,
		ServiceLock: 0x1103BA0, MailboxFlags: 0x1103BC8, MailboxMeta: 0x1103C00,
		DmapML4I: 0x21F0130, DmapDPI: 0x21F0134, PML4SelfIndex: 0x21F0138,
		MessageIDCounter: 0x1103C40, ScratchA: 0x1910000, ScratchB: 0x1914000,
	},
	0x05000000: {
		AuthHandle: 0xB5E328, MailboxMtx: 0x1104B60, MailboxBase: 0x1104B40,
		ServiceLock: 0x1104BA0, MailboxFlags: 0x1104BC8, MailboxMeta: 0x1104C00,
		DmapML4I: 0x21F1130, DmapDPI: 0x21F1134, PML4SelfIndex: 0x21F1138,
		MessageIDCounter: 0x1104C40, ScratchA: 0x1920000, ScratchB: 0x1924000,
	},
}

// LookupFirmwareProfile resolves the FirmwareProfile for the running
// firmware version. An unknown version is always fatal to the run.
func LookupFirmwareProfile(version uint32) (FirmwareProfile, error) {
	key := version & 0xFFFF0000
	p, ok := firmwareProfiles[key]
	if !ok {
		return FirmwareProfile{}, errUnsupportedFirmware(version)
	}
	return p, nil
}

func dmapBase(p FirmwareProfile) uint64 {
	return (p.DmapDPI << 30) | (p.DmapML4I << 39) | 0xFFFF800000000000
}
