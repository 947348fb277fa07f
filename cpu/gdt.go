package cpu

import (
	"github.com/hvt-go/monitor/kvm"
	"github.com/hvt-go/monitor/memory"
)

// GDTBase is the fixed low guest physical address of the three-entry GDT:
// null, 64-bit code, 64-bit data.
const GDTBase = 0x1000

const (
	gdtEntryCode = 0xA09B // present, DPL0, code, execute/read, long mode
	gdtEntryData = 0xC093 // present, DPL0, data, read/write, 4K granularity
	gdtLimit     = 0xFFFFF

	codeSelector = 1 << 3
	dataSelector = 2 << 3
)

// SetupGDT writes the three-entry GDT into guest memory at GDTBase. Each
// entry is packed the way the CPU expects an 8-byte descriptor, with the
// flag nibble controlling code vs. data and long-mode attributes.
func SetupGDT(mem *memory.Region) error {
	entries := []uint64{
		0, // null descriptor
		gdtDescriptor(gdtEntryCode),
		gdtDescriptor(gdtEntryData),
	}

	for i, e := range entries {
		if err := mem.WriteUint64(GDTBase+uint64(i)*8, e); err != nil {
			return err
		}
	}

	return nil
}

// gdtDescriptor packs a flat (base 0, limit 0xFFFFF) descriptor carrying the
// given flag nibble into the CPU's 8-byte GDT entry layout.
func gdtDescriptor(flags uint64) uint64 {
	return (gdtLimit & 0xFFFF) |
		((flags & 0xFF) << 40) |
		(((flags >> 12) & 0xF) << 52) |
		(((gdtLimit >> 16) & 0xF) << 48)
}

// CodeSegment and DataSegment return the kvm.Segment values CS/DS/ES/FS/GS/SS
// should be set to for the flat, 64-bit-long-mode GDT SetupGDT wrote.
func CodeSegment() kvm.Segment {
	return kvm.Segment{
		Base:     0,
		Limit:    0xFFFFFFFF,
		Selector: codeSelector,
		Typ:      11, // execute, read, accessed
		Present:  1,
		S:        1,
		L:        1,
		G:        1,
	}
}

func DataSegment() kvm.Segment {
	seg := CodeSegment()
	seg.Typ = 3 // read/write, accessed
	seg.Selector = dataSelector

	return seg
}
