package cpu_test

import (
	"testing"

	"github.com/hvt-go/monitor/cpu"
	"github.com/hvt-go/monitor/kvm"
	"github.com/hvt-go/monitor/memory"
)

func TestSetupPageTablesIdentityMap(t *testing.T) {
	t.Parallel()

	mem, err := memory.New(4 * memory.TwoMiB)
	if err != nil {
		t.Fatal(err)
	}

	if err := cpu.SetupPageTables(mem, uint64(mem.Len())); err != nil {
		t.Fatal(err)
	}

	pml4, err := mem.ReadUint64(cpu.PML4Base)
	if err != nil {
		t.Fatal(err)
	}

	if pml4&^0xFFF != cpu.PDPTBase {
		t.Fatalf("PML4 entry = %#x, want base %#x", pml4, cpu.PDPTBase)
	}

	if pml4&cpu.PDE64Present == 0 {
		t.Fatalf("PML4 entry %#x missing present bit", pml4)
	}

	pdpte, err := mem.ReadUint64(cpu.PDPTBase)
	if err != nil {
		t.Fatal(err)
	}

	if pdpte&^0xFFF != cpu.PDEBase {
		t.Fatalf("PDPTE entry = %#x, want base %#x", pdpte, cpu.PDEBase)
	}

	for i := uint64(0); i < 4; i++ {
		pde, err := mem.ReadUint64(cpu.PDEBase + i*8)
		if err != nil {
			t.Fatal(err)
		}

		wantBase := i * (2 << 20)
		if pde&^0xFFF != wantBase {
			t.Fatalf("PDE[%d] base = %#x, want %#x", i, pde&^0xFFF, wantBase)
		}

		if pde&cpu.PDE64PS == 0 {
			t.Fatalf("PDE[%d] = %#x missing page-size bit", i, pde)
		}
	}
}

func TestSetupGDT(t *testing.T) {
	t.Parallel()

	mem, err := memory.New(memory.TwoMiB)
	if err != nil {
		t.Fatal(err)
	}

	if err := cpu.SetupGDT(mem); err != nil {
		t.Fatal(err)
	}

	null, err := mem.ReadUint64(cpu.GDTBase)
	if err != nil {
		t.Fatal(err)
	}

	if null != 0 {
		t.Fatalf("null descriptor = %#x, want 0", null)
	}
}

func TestLongModeSregsSegments(t *testing.T) {
	t.Parallel()

	sregs := cpu.LongModeSregs()

	if sregs.CR3 != cpu.PML4Base {
		t.Fatalf("CR3 = %#x, want %#x", sregs.CR3, cpu.PML4Base)
	}

	if sregs.CR0&cpu.CR0PG == 0 || sregs.CR4&cpu.CR4PAE == 0 || sregs.EFER&cpu.EFERLME == 0 {
		t.Fatalf("long mode bits not all set: CR0=%#x CR4=%#x EFER=%#x", sregs.CR0, sregs.CR4, sregs.EFER)
	}

	if sregs.CS.L != 1 {
		t.Fatalf("CS.L = %d, want 1 (64-bit code segment)", sregs.CS.L)
	}

	if sregs.DS.Typ != 3 {
		t.Fatalf("DS.Typ = %d, want 3 (data read/write)", sregs.DS.Typ)
	}
}

func TestFilterCPUID(t *testing.T) {
	t.Parallel()

	cpuid := &kvm.CPUID{Nent: 2}
	cpuid.Entries[0] = kvm.CPUIDEntry2{Function: 1}
	cpuid.Entries[1] = kvm.CPUIDEntry2{Function: kvm.CPUIDFuncPerMon, Eax: 0xFF}

	cpu.FilterCPUID(cpuid)

	if cpuid.Entries[0].Ecx&(1<<31) == 0 {
		t.Fatal("function 1 missing hypervisor-present bit")
	}

	if cpuid.Entries[0].Edx&(1<<5) == 0 {
		t.Fatal("function 1 missing MSR bit")
	}

	if cpuid.Entries[1].Eax != 0 {
		t.Fatalf("perfmon EAX = %#x, want 0", cpuid.Entries[1].Eax)
	}
}

func TestDescribeFaultOutOfRange(t *testing.T) {
	t.Parallel()

	got := cpu.DescribeFault(make([]byte, 16), 100)
	if got == "" {
		t.Fatal("expected non-empty description")
	}
}
