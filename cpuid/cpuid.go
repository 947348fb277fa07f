// Package cpuid wraps the raw CPUID instruction (cpuid.s) for host-facing
// queries that don't need a vCPU at all, such as the frequency-leaf probe
// in package cpu.
package cpuid

func cpuid_low(arg1, arg2 uint32) (eax, ebx, ecx, edx uint32) // implemented in cpuid.s

// CPUID executes the CPUID instruction with the given leaf and subleaf 0.
func CPUID(leaf uint32) (uint32, uint32, uint32, uint32) {
	return cpuid_low(leaf, 0)
}
