package kvm

import "unsafe"

// CPUIDFuncPerMon is the architectural performance-monitoring CPUID leaf,
// disabled by cpu.FilterCPUID since this monitor virtualizes no PMU
// counters.
const CPUIDFuncPerMon = 0x0A

// CPUIDEntry2 mirrors struct kvm_cpuid_entry2.
type CPUIDEntry2 struct {
	Function uint32
	Index    uint32
	Flags    uint32
	Eax      uint32
	Ebx      uint32
	Ecx      uint32
	Edx      uint32
	Padding  [3]uint32
}

// maxCPUIDEntries bounds the fixed-size entry array KVM_GET_SUPPORTED_CPUID
// fills in; 100 matches the common KVM userspace convention (qemu, the
// teacher repo) and comfortably exceeds any host's real leaf count.
const maxCPUIDEntries = 100

// CPUID mirrors struct kvm_cpuid2 with a fixed-capacity entry array, since
// the ioctl interface requires the caller to pre-size the buffer.
type CPUID struct {
	Nent    uint32
	Padding uint32
	Entries [maxCPUIDEntries]CPUIDEntry2
}

func GetSupportedCPUID(kvmFd uintptr, cpuid *CPUID) error {
	cpuid.Nent = maxCPUIDEntries
	_, err := Ioctl(kvmFd, uintptr(kvmGetSupportedCPUID), uintptr(unsafe.Pointer(cpuid)))

	return err
}

func SetCPUID2(vcpuFd uintptr, cpuid *CPUID) error {
	_, err := Ioctl(vcpuFd, uintptr(kvmSetCPUID2), uintptr(unsafe.Pointer(cpuid)))

	return err
}
