package main

import (
	"encoding/binary"
	"fmt"
	"time"
)

const (
	mailboxSlot          = 0xE
	mailboxSlotStride    = 0x800
	mailboxSlotBodyOff   = 0x18
	mailboxResponseOff   = 0x18 + 0x4
	mailboxMetaEntrySize = 0x28
	mailboxMMIOOffset    = 0xE0500000
	mailboxMMIOPA        = 0x10568
	mailboxMMIOCmd       = 0x10564

	mailboxPollCount    = 500
	mailboxPollInterval = time.Millisecond
	mailboxSettleDelay  = 2 * time.Millisecond

	mailboxStartMessageID = 0x414100
)

// mailboxHeader is the fixed 0x18-byte header copied to the slot base
// before the request body.
type mailboxHeader struct {
	Cmd       uint32
	pad       uint32
	MessageID uint64
	QueryLen  uint32
	RecvLen   uint32
}

func (h *mailboxHeader) marshal() []byte {
	buf := make([]byte, mailboxSlotBodyOff)
	binary.LittleEndian.PutUint32(buf[0:], h.Cmd)
	binary.LittleEndian.PutUint64(buf[8:], h.MessageID)
	binary.LittleEndian.PutUint32(buf[16:], h.QueryLen)
	binary.LittleEndian.PutUint32(buf[20:], h.RecvLen)
	return buf
}

// MailboxTransport drives the request/response protocol against the
// privileged crypto service over fixed slot 0xE.
type MailboxTransport struct {
	km      KernelMemory
	profile FirmwareProfile

	slotPA      uint64
	slotPACached bool
	backoffLevel int
}

func NewMailboxTransport(km KernelMemory, profile FirmwareProfile) *MailboxTransport {
	return &MailboxTransport{km: km, profile: profile}
}

func (mt *MailboxTransport) slotBase() (uint64, error) {
	var buf [8]byte
	if err := mt.km.Read(mt.profile.MailboxBase, buf[:]); err != nil {
		return 0, fmt.Errorf("mailbox: read mailbox base: %w", err)
	}
	base := binary.LittleEndian.Uint64(buf[:])
	return base + mailboxSlotStride*(0x10+mailboxSlot), nil
}

func (mt *MailboxTransport) nextMessageID() (uint64, error) {
	var buf [8]byte
	if err := mt.km.Read(mt.profile.MessageIDCounter, buf[:]); err != nil {
		return 0, fmt.Errorf("mailbox: read message id counter: %w", err)
	}
	id := binary.LittleEndian.Uint64(buf[:])
	if id == 0 {
		id = mailboxStartMessageID
	}
	binary.LittleEndian.PutUint64(buf[:], id+1)
	if err := mt.km.Write(mt.profile.MessageIDCounter, buf[:]); err != nil {
		return 0, fmt.Errorf("mailbox: write message id counter: %w", err)
	}
	return id, nil
}

func (mt *MailboxTransport) setFlagBit(set bool) error {
	var buf [4]byte
	if err := mt.km.Read(mt.profile.MailboxFlags, buf[:]); err != nil {
		return fmt.Errorf("mailbox: read flags: %w", err)
	}
	flags := binary.LittleEndian.Uint32(buf[:])
	if set {
		flags |= 1 << mailboxSlot
	} else {
		flags &^= 1 << mailboxSlot
	}
	binary.LittleEndian.PutUint32(buf[:], flags)
	if err := mt.km.Write(mt.profile.MailboxFlags, buf[:]); err != nil {
		return fmt.Errorf("mailbox: write flags: %w", err)
	}
	return nil
}

// Submit runs one full request/response transaction: §4.3 steps 1-8. On
// submit failure it backs off, clears the slot bit, and surfaces an error
// rather than retrying silently — per-block/per-segment retry is the
// caller's responsibility.
func (mt *MailboxTransport) Submit(cmd uint32, body []byte, recvLen int) ([]byte, error) {
	slotBase, err := mt.slotBase()
	if err != nil {
		return nil, err
	}

	var beforeBuf [4]byte
	if err := mt.km.Read(slotBase+mailboxResponseOff, beforeBuf[:]); err != nil {
		return nil, fmt.Errorf("mailbox: snapshot response sense: %w", err)
	}
	before := binary.LittleEndian.Uint32(beforeBuf[:])

	msgID, err := mt.nextMessageID()
	if err != nil {
		return nil, err
	}

	var metaBuf [mailboxMetaEntrySize]byte
	binary.LittleEndian.PutUint64(metaBuf[0:], msgID)
	if err := mt.km.Write(mt.profile.MailboxMeta+mailboxSlot*mailboxMetaEntrySize, metaBuf[:]); err != nil {
		return nil, fmt.Errorf("mailbox: write metadata record: %w", err)
	}

	if err := mt.setFlagBit(true); err != nil {
		return nil, err
	}

	header := &mailboxHeader{
		Cmd:       cmd,
		MessageID: msgID,
		QueryLen:  uint32(len(body)),
		RecvLen:   uint32(recvLen),
	}

	if err := mt.mmioSubmit(slotBase, header, body); err != nil {
		mt.backoff()
		_ = mt.setFlagBit(false)
		return nil, fmt.Errorf("mailbox: submit failed: %w", err)
	}

	after := before
	responded := false
	for i := 0; i < mailboxPollCount; i++ {
		var afterBuf [4]byte
		if err := mt.km.Read(slotBase+mailboxResponseOff, afterBuf[:]); err != nil {
			_ = mt.setFlagBit(false)
			return nil, fmt.Errorf("mailbox: poll response: %w", err)
		}
		after = binary.LittleEndian.Uint32(afterBuf[:])
		if after != before {
			responded = true
			break
		}
		time.Sleep(mailboxPollInterval)
	}
	time.Sleep(mailboxSettleDelay)

	if !responded {
		_ = mt.setFlagBit(false)
		return nil, fmt.Errorf("mailbox: timeout waiting for response")
	}

	resp := make([]byte, recvLen)
	if err := mt.km.Read(slotBase+mailboxSlotBodyOff, resp); err != nil {
		_ = mt.setFlagBit(false)
		return nil, fmt.Errorf("mailbox: read response payload: %w", err)
	}

	if err := mt.setFlagBit(false); err != nil {
		return nil, err
	}

	mt.backoffLevel = 0
	return resp, nil
}

func (mt *MailboxTransport) backoff() {
	delay := 100 * (1 << mt.backoffLevel)
	if delay > 1600 {
		delay = 1600
	}
	time.Sleep(time.Duration(delay) * time.Millisecond)
	if mt.backoffLevel < 4 {
		mt.backoffLevel++
	}
}

// mmioSubmit is the inner MMIO transport layer: copy header+body to the
// slot, resolve and cache the slot's physical address, ring the doorbell,
// and poll for the submit-accepted bit.
func (mt *MailboxTransport) mmioSubmit(slotBase uint64, header *mailboxHeader, body []byte) error {
	if err := mt.km.Write(slotBase, header.marshal()); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if err := mt.km.Write(slotBase+mailboxSlotBodyOff, body); err != nil {
		return fmt.Errorf("write body: %w", err)
	}

	if !mt.slotPACached {
		pa, err := mt.km.VirtToPhys(slotBase)
		if err != nil {
			return fmt.Errorf("virt_to_phys(slot): %w", err)
		}
		mt.slotPA = pa
		mt.slotPACached = true
	}

	mmioBase := dmapBase(mt.profile) + mailboxMMIOOffset

	var paBuf [4]byte
	binary.LittleEndian.PutUint32(paBuf[:], uint32(mt.slotPA))
	if err := mt.km.Write(mmioBase+mailboxMMIOPA, paBuf[:]); err != nil {
		return fmt.Errorf("write mmio pa: %w", err)
	}

	var cmdBuf [4]byte
	binary.LittleEndian.PutUint32(cmdBuf[:], header.Cmd<<8)
	if err := mt.km.Write(mmioBase+mailboxMMIOCmd, cmdBuf[:]); err != nil {
		return fmt.Errorf("write mmio cmd: %w", err)
	}

	var status uint32
	for {
		var statusBuf [4]byte
		if err := mt.km.Read(mmioBase+mailboxMMIOCmd, statusBuf[:]); err != nil {
			return fmt.Errorf("poll mmio status: %w", err)
		}
		status = binary.LittleEndian.Uint32(statusBuf[:])
		if status&1 != 0 {
			break
		}
		time.Sleep(mailboxPollInterval)
	}

	if code := mmioStatusCode(status); code != 0 {
		return fmt.Errorf("mmio status 0x%x -> %d", status, code)
	}
	return nil
}

// mmioStatusCode reproduces the sign-extended status derived from bits
// 30-31 of the raw status word: 0 on success, -5 when bit 1 of the status
// is set.
func mmioStatusCode(status uint32) int32 {
	shifted := int32(status << 30)
	signExt := shifted >> 31
	return signExt & ^int32(4) // 0xFFFFFFFB
}
