package cpu

import "github.com/hvt-go/monitor/kvm"

// Control register bits this monitor sets explicitly.
const (
	CR0PE = 1 << 0  // protected mode enable
	CR0MP = 1 << 1
	CR0ET = 1 << 4
	CR0NE = 1 << 5
	CR0WP = 1 << 16
	CR0AM = 1 << 18
	CR0PG = 1 << 31 // paging enable

	CR4PAE = 1 << 5 // physical address extension

	EFERLME = 1 << 8  // long mode enable
	EFERLMA = 1 << 10 // long mode active
)

// LongModeSregs builds the sregs value every vCPU (boot and AP) is
// initialized with: CR3 pointing at the page tables SetupPageTables wrote,
// long mode enabled in CR0/CR4/EFER, and flat code/data segments from the
// GDT SetupGDT wrote.
func LongModeSregs() *kvm.Sregs {
	sregs := &kvm.Sregs{
		CR3:  PML4Base,
		CR4:  CR4PAE,
		CR0:  CR0PE | CR0MP | CR0ET | CR0NE | CR0WP | CR0AM | CR0PG,
		EFER: EFERLME | EFERLMA,
	}

	sregs.CS = CodeSegment()
	seg := DataSegment()
	sregs.DS, sregs.ES, sregs.FS, sregs.GS, sregs.SS = seg, seg, seg, seg, seg

	return sregs
}
