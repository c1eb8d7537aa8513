package main

import (
	"encoding/binary"
	"fmt"
	"time"
)

// serviceLockWord is the well-known value written 256 times to acquire the
// process-wide writer ticket on the mailbox slot.
const serviceLockWord = 0x13371337

// serviceLockRestoreOffset is where the saved word lives relative to
// FirmwareProfile.ServiceLock, matching offset_sbl_sxlock + 0x18.
const serviceLockRestoreOffset = 0x18

// ServiceLock is the process-wide exclusion primitive guarding mailbox use.
// It is a real hardware-level contention boundary, not an optimization
// target: the 256-write acquire dance and single-word restore are part of
// the contract and must not be elided.
type ServiceLock struct {
	km    KernelMemory
	addr  uint64
	saved uint64
}

func NewServiceLock(km KernelMemory, profile FirmwareProfile) *ServiceLock {
	return &ServiceLock{km: km, addr: profile.ServiceLock + serviceLockRestoreOffset}
}

// Acquire snapshots the current word, then spins the 256-write/1ms-spacing
// acquisition dance against the lock word.
func (s *ServiceLock) Acquire() error {
	var buf [8]byte
	if err := s.km.Read(s.addr, buf[:]); err != nil {
		return fmt.Errorf("service lock: snapshot: %w", err)
	}
	s.saved = binary.LittleEndian.Uint64(buf[:])

	binary.LittleEndian.PutUint64(buf[:], serviceLockWord)
	for i := 0; i < 256; i++ {
		if err := s.km.Write(s.addr, buf[:]); err != nil {
			return fmt.Errorf("service lock: acquire write %d: %w", i, err)
		}
		time.Sleep(time.Millisecond)
	}
	return nil
}

// Release restores the saved word, freeing the ticket for other kernel-side
// users. Must run on every exit path, including panics.
func (s *ServiceLock) Release() error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], s.saved)
	if err := s.km.Write(s.addr, buf[:]); err != nil {
		return fmt.Errorf("service lock: release: %w", err)
	}
	return nil
}
