//go:build linux

package main

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// LiveKernel is the real KernelMemory implementation's shape: a device node
// opened once, read and written with positioned syscalls. The privileged
// kernel R/W primitive that backs the actual device is the one piece this
// module treats as a hard external dependency (spec Non-goals exclude
// cross-platform emulation of it), so every failure here, including a
// device node that cannot be opened or a short read/write, surfaces as a
// clear Internal error instead of pretending to succeed. This keeps the real
// syscall surface (unix.Pread/unix.Pwrite) represented honestly rather than
// invented behind a fake protocol.
type LiveKernel struct {
	path    string
	fd      int
	profile FirmwareProfile
}

// NewLiveKernel opens the backing device node. Opening always fails on a
// platform without the actual privileged primitive; callers should only
// reach this path when deploying onto real target hardware. profile supplies
// the paging constants VirtToPhys needs to walk the direct map and the
// recursive self-mapped page table.
func NewLiveKernel(devicePath string, profile FirmwareProfile) (*LiveKernel, error) {
	fd, err := unix.Open(devicePath, unix.O_RDWR, 0)
	if err != nil {
		return nil, errInternal("", fmt.Errorf("live kernel memory access not available on this platform: open %s: %w", devicePath, err))
	}
	return &LiveKernel{path: devicePath, fd: fd, profile: profile}, nil
}

func (k *LiveKernel) Close() error {
	return unix.Close(k.fd)
}

func (k *LiveKernel) Read(kva uint64, dst []byte) error {
	n, err := unix.Pread(k.fd, dst, int64(kva))
	if err != nil {
		return errInternal("", fmt.Errorf("live kernel read at 0x%x: %w", kva, err))
	}
	if n != len(dst) {
		return errInternal("", fmt.Errorf("live kernel short read at 0x%x: got %d want %d", kva, n, len(dst)))
	}
	return nil
}

func (k *LiveKernel) Write(kva uint64, src []byte) error {
	n, err := unix.Pwrite(k.fd, src, int64(kva))
	if err != nil {
		return errInternal("", fmt.Errorf("live kernel write at 0x%x: %w", kva, err))
	}
	if n != len(src) {
		return errInternal("", fmt.Errorf("live kernel short write at 0x%x: got %d want %d", kva, n, len(src)))
	}
	return nil
}

func (k *LiveKernel) VirtToPhys(kva uint64) (uint64, error) {
	pa, err := virtToPhysDirectMap(k, k.profile, kva)
	if err != nil {
		return 0, errInternal("", fmt.Errorf("live kernel virt_to_phys(0x%x): %w", kva, err))
	}
	return pa, nil
}
