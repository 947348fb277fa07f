package cpu

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

// DescribeFault decodes the instruction at rip out of guest memory for the
// diagnostic message printed when KVM_RUN fails with EFAULT. This is the
// only use x86asm is put to here: no MMIO emulation reads the decode result,
// it is purely for the error string an operator sees.
func DescribeFault(mem []byte, rip uint64) string {
	if rip >= uint64(len(mem)) {
		return fmt.Sprintf("rip %#x outside guest memory", rip)
	}

	end := rip + 16
	if end > uint64(len(mem)) {
		end = uint64(len(mem))
	}

	insn := mem[rip:end]

	d, err := x86asm.Decode(insn, 64)
	if err != nil {
		return fmt.Sprintf("rip %#x: undecodable instruction %#02x: %v", rip, insn, err)
	}

	return fmt.Sprintf("rip %#x: %s", rip, x86asm.GNUSyntax(d, rip, nil))
}
