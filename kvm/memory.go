package kvm

import "unsafe"

// UserspaceMemoryRegion mirrors struct kvm_userspace_memory_region. The
// monitor registers exactly one of these, at slot 0: the guest has a single
// flat, shared memory region and nothing else.
type UserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

func SetUserMemoryRegion(vmFd uintptr, region *UserspaceMemoryRegion) error {
	_, err := Ioctl(vmFd, uintptr(kvmSetUserMemoryRegion), uintptr(unsafe.Pointer(region)))

	return err
}
