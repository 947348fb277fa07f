package cpu

import (
	"errors"

	"github.com/hvt-go/monitor/cpuid"
)

// ErrFrequencyLeafUnsupported is returned when the host CPU's maximum
// standard CPUID leaf is below 0x16 (processor frequency information).
var ErrFrequencyLeafUnsupported = errors.New("cpuid leaf 0x16 not supported by host")

const freqLeaf = 0x16

// HostFrequencyMHz reads the processor base frequency from CPUID leaf
// 0x16 (EAX, in MHz, per the Intel SDM). Queries leaf 0 first since not
// every host CPU implements leaf 0x16.
func HostFrequencyMHz() (uint32, error) {
	maxLeaf, _, _, _ := cpuid.CPUID(0)
	if maxLeaf < freqLeaf {
		return 0, ErrFrequencyLeafUnsupported
	}

	eax, _, _, _ := cpuid.CPUID(freqLeaf)

	return eax, nil
}
