// Package kvm is a thin wrapper around the ioctl surface of /dev/kvm that
// this monitor needs: API version probing, VM/vCPU creation, memory-region
// registration, the in-kernel interrupt controller, register and CPUID
// accessors, and the KVM_RUN exit-reason loop's shared run-state structure.
//
// It deliberately does not wrap every KVM ioctl - only the ones the monitor
// issues. Live-migration-only ioctls (MSR lists, clock, IRQ chip save/restore,
// dirty-page logging) have no caller in this repository and are not wrapped
// here.
package kvm

import (
	"golang.org/x/sys/unix"
)

const (
	kvmGetAPIVersion       = 0xAE00
	kvmCreateVM            = 0xAE01
	kvmCreateVCPU          = 0xAE41
	kvmRun                 = 0xAE80
	kvmGetVCPUMMapSize     = 0xAE04
	kvmGetSregs            = 0x8138ae83
	kvmSetSregs            = 0x4138ae84
	kvmGetRegs             = 0x8090ae81
	kvmSetRegs             = 0x4090ae82
	kvmSetUserMemoryRegion = 0x4020ae46
	kvmCreateIRQChip       = 0xAE60
	kvmGetSupportedCPUID   = 0xC008AE05
	kvmSetCPUID2           = 0x4008AE90

	// RequiredAPIVersion is the only KVM_GET_API_VERSION value this
	// monitor understands; a KVM implementation that returns anything
	// else is rejected rather than guessed about.
	RequiredAPIVersion = 12
)

// Ioctl issues a single ioctl, retrying transparently on EINTR since a
// blocking KVM ioctl interrupted by an unrelated signal is not a failure.
func Ioctl(fd, op, arg uintptr) (uintptr, error) {
	for {
		res, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, op, arg)
		if errno == unix.EINTR {
			continue
		}

		if errno != 0 {
			return res, errno
		}

		return res, nil
	}
}

// GetAPIVersion returns the KVM API version reported by the control device.
func GetAPIVersion(kvmFd uintptr) (uintptr, error) {
	return Ioctl(kvmFd, uintptr(kvmGetAPIVersion), 0)
}

// CreateVM creates a new virtual machine and returns its fd.
func CreateVM(kvmFd uintptr) (uintptr, error) {
	return Ioctl(kvmFd, uintptr(kvmCreateVM), 0)
}

// CreateVCPU creates vCPU number id within the given VM and returns its fd.
func CreateVCPU(vmFd uintptr, id int) (uintptr, error) {
	return Ioctl(vmFd, uintptr(kvmCreateVCPU), uintptr(id))
}

// Run enters the guest until the next vmexit.
func Run(vcpuFd uintptr) error {
	_, err := Ioctl(vcpuFd, uintptr(kvmRun), 0)

	return err
}

// GetVCPUMMmapSize returns the size in bytes of the per-vCPU shared run
// page that must be mmap'd over each vCPU fd.
func GetVCPUMMmapSize(kvmFd uintptr) (uintptr, error) {
	return Ioctl(kvmFd, uintptr(kvmGetVCPUMMapSize), 0)
}

// CreateIRQChip creates the in-kernel interrupt controller for the VM.
// The monitor never injects interrupts through it; it exists only because
// some guest code paths (and KVM itself) expect a chip to be present.
func CreateIRQChip(vmFd uintptr) error {
	_, err := Ioctl(vmFd, uintptr(kvmCreateIRQChip), 0)

	return err
}
