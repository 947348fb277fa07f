package cpu

import "github.com/hvt-go/monitor/memory"

// Fixed physical addresses for the three-level identity map this monitor
// builds: one PML4 entry, pointing at one PDPTE entry, pointing at one page
// of 2 MiB PDE large-page entries. This covers up to 512 * 2 MiB = 1 GiB of
// guest memory, the ceiling the memory package's size validation already
// enforces (memory.New rejects anything larger).
const (
	PML4Base = 0x10000
	PDPTBase = 0x11000
	PDEBase  = 0x12000

	pageTableEntrySize = 8
	twoMiB             = 2 << 20
)

// 64-bit page/directory entry bits.
const (
	PDE64Present  = 1 << 0
	PDE64RW       = 1 << 1
	PDE64User     = 1 << 2
	PDE64Accessed = 1 << 5
	PDE64Dirty    = 1 << 6
	PDE64PS       = 1 << 7 // page size: this entry maps a large page
)

// SetupPageTables writes the identity-mapped page tables for [0, guestSize)
// into guest memory at the fixed PML4Base/PDPTBase/PDEBase addresses. The
// PML4 and PDPTE pages each hold a single populated entry; the PDE page
// holds one 2 MiB large-page entry per 2 MiB of guestSize.
func SetupPageTables(mem *memory.Region, guestSize uint64) error {
	if err := mem.WriteUint64(PML4Base, PDPTBase|PDE64Present|PDE64RW|PDE64Accessed); err != nil {
		return err
	}

	if err := mem.WriteUint64(PDPTBase, PDEBase|PDE64Present|PDE64RW|PDE64Accessed); err != nil {
		return err
	}

	for addr := uint64(0); addr < guestSize; addr += twoMiB {
		entry := addr | PDE64Present | PDE64RW | PDE64Accessed | PDE64Dirty | PDE64PS

		offset := PDEBase + (addr/twoMiB)*pageTableEntrySize
		if err := mem.WriteUint64(offset, entry); err != nil {
			return err
		}
	}

	return nil
}
