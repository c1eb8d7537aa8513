package main

import "testing"

func newMailboxTestProfile() FirmwareProfile {
	return FirmwareProfile{
		MailboxBase:      0x1000,
		MailboxFlags:     0x2000,
		MailboxMeta:      0x3000,
		MessageIDCounter: 0x4000,
	}
}

func TestMailboxNextMessageIDMonotonic(t *testing.T) {
	profile := newMailboxTestProfile()
	km := NewMockKernel(0, 0x10000)
	mt := NewMailboxTransport(km, profile)

	first, err := mt.nextMessageID()
	if err != nil {
		t.Fatalf("nextMessageID: %v", err)
	}
	if first != mailboxStartMessageID {
		t.Fatalf("first id = 0x%x, want 0x%x", first, mailboxStartMessageID)
	}

	const n = 5
	prev := first
	for i := 0; i < n; i++ {
		id, err := mt.nextMessageID()
		if err != nil {
			t.Fatalf("nextMessageID: %v", err)
		}
		if id != prev+1 {
			t.Fatalf("id = 0x%x, want 0x%x (prev+1)", id, prev+1)
		}
		prev = id
	}
}

func TestMailboxSetFlagBitToggle(t *testing.T) {
	profile := newMailboxTestProfile()
	km := NewMockKernel(0, 0x10000)
	mt := NewMailboxTransport(km, profile)

	if err := mt.setFlagBit(true); err != nil {
		t.Fatalf("setFlagBit(true): %v", err)
	}
	var buf [4]byte
	if err := km.Read(profile.MailboxFlags, buf[:]); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if buf[1]&(1<<(mailboxSlot-8)) == 0 {
		t.Fatal("expected mailbox slot bit set")
	}

	if err := mt.setFlagBit(false); err != nil {
		t.Fatalf("setFlagBit(false): %v", err)
	}
	if err := km.Read(profile.MailboxFlags, buf[:]); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if buf[1]&(1<<(mailboxSlot-8)) != 0 {
		t.Fatal("expected mailbox slot bit cleared")
	}
}

func TestMailboxBackoffLevelCaps(t *testing.T) {
	mt := &MailboxTransport{}
	for i := 0; i < 5; i++ {
		mt.backoff()
	}
	if mt.backoffLevel != 4 {
		t.Fatalf("backoffLevel = %d, want 4 (capped)", mt.backoffLevel)
	}
}

func TestMmioStatusCode(t *testing.T) {
	if code := mmioStatusCode(1); code != 0 {
		t.Fatalf("mmioStatusCode(1) = %d, want 0", code)
	}
	if code := mmioStatusCode(1 | 1<<1); code == 0 {
		t.Fatal("expected nonzero status code for error bit set")
	}
}
