package kvm

import "unsafe"

const (
	kvmGetMPState = 0x8004ae98
	kvmSetMPState = 0x4004ae99

	// MPStateRunnable is the only multiprocessor state this monitor ever
	// sets: an application processor that KVM brings up in some other
	// state (commonly MPStateUninitialized, waiting for an INIT/SIPI it
	// will never receive here) is forced straight to runnable.
	MPStateRunnable      = 0
	MPStateUninitialized = 1
)

// MPState mirrors struct kvm_mp_state.
type MPState struct {
	State uint32
}

func GetMPState(vcpuFd uintptr, mps *MPState) error {
	_, err := Ioctl(vcpuFd, uintptr(kvmGetMPState), uintptr(unsafe.Pointer(mps)))

	return err
}

func SetMPState(vcpuFd uintptr, mps *MPState) error {
	_, err := Ioctl(vcpuFd, uintptr(kvmSetMPState), uintptr(unsafe.Pointer(mps)))

	return err
}
