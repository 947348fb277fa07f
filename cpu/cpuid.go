package cpu

import "github.com/hvt-go/monitor/kvm"

// hypervisorPresentBit is CPUID.01H:ECX[31], the bit software checks to
// detect running under a hypervisor.
const hypervisorPresentBit = 1 << 31

// msrBit is CPUID.01H:EDX[5], advertising MSR support.
const msrBit = 1 << 5

// FilterCPUID rewrites a host-supported CPUID list in place the way this
// monitor's guests expect: function 1 advertises the hypervisor-present bit
// and MSR support, and the performance-monitoring leaf is disabled (EAX
// zeroed) since this monitor does not virtualize PMU counters. Every other
// entry passes through unmodified.
func FilterCPUID(cpuid *kvm.CPUID) {
	for i := uint32(0); i < cpuid.Nent; i++ {
		e := &cpuid.Entries[i]

		switch e.Function {
		case 1:
			e.Ecx |= hypervisorPresentBit
			e.Edx |= msrBit
		case kvm.CPUIDFuncPerMon:
			e.Eax = 0
		}
	}
}
