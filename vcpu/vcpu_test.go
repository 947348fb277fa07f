package vcpu_test

import (
	"errors"
	"os"
	"testing"

	"github.com/hvt-go/monitor/cpu"
	"github.com/hvt-go/monitor/hypercall"
	"github.com/hvt-go/monitor/kvm"
	"github.com/hvt-go/monitor/vcpu"
	"github.com/hvt-go/monitor/vm"
)

func requireKVM(t *testing.T) {
	t.Helper()

	if os.Getuid() != 0 {
		t.Skip("skipping since we are not root")
	}

	if _, err := os.Stat("/dev/kvm"); err != nil {
		t.Skipf("no /dev/kvm available: %v", err)
	}
}

// guestExit builds a tiny flat-mode program: load eax with the guest
// physical address of the EXIT record, write it to the EXIT port, then
// halt (the halt is never reached; Dispatch returns first).
func guestExit(recAddr uint32) []byte {
	code := []byte{0xB8, 0, 0, 0, 0} // mov eax, imm32
	code[1] = byte(recAddr)
	code[2] = byte(recAddr >> 8)
	code[3] = byte(recAddr >> 16)
	code[4] = byte(recAddr >> 24)
	code = append(code, 0x66, 0xBA, 0x03, 0x05) // mov dx, 0x0503 (PortExit)
	code = append(code, 0xEF)                   // out dx, eax
	code = append(code, 0xF4)                   // hlt

	return code
}

func TestLoopDispatchesExit(t *testing.T) {
	requireKVM(t)

	v, err := vm.New(2 * 1024 * 1024)
	if err != nil {
		t.Fatal(err)
	}
	defer v.Close()

	if err := cpu.SetupPageTables(v.Mem, uint64(v.Mem.Len())); err != nil {
		t.Fatal(err)
	}

	if err := cpu.SetupGDT(v.Mem); err != nil {
		t.Fatal(err)
	}

	const entry = 0x2000

	const recAddr = 0x3000

	if err := v.Mem.WriteUint32(recAddr, 55); err != nil {
		t.Fatal(err)
	}

	if err := v.Mem.WriteAt(entry, guestExit(recAddr)); err != nil {
		t.Fatal(err)
	}

	mmapSize, err := kvm.GetVCPUMMmapSize(v.KVMFD())
	if err != nil {
		t.Fatal(err)
	}

	cpu0, err := vcpu.New(v.FD(), 0, mmapSize)
	if err != nil {
		t.Fatal(err)
	}
	defer cpu0.Close()

	supported := &kvm.CPUID{}
	if err := kvm.GetSupportedCPUID(v.KVMFD(), supported); err != nil {
		t.Fatal(err)
	}

	cpu.FilterCPUID(supported)

	if err := kvm.SetCPUID2(cpu0.FD(), supported); err != nil {
		t.Fatal(err)
	}

	sregs := cpu.LongModeSregs()
	if err := kvm.SetSregs(cpu0.FD(), sregs); err != nil {
		t.Fatal(err)
	}

	regs, err := kvm.GetRegs(cpu0.FD())
	if err != nil {
		t.Fatal(err)
	}

	regs.RIP = entry
	regs.RFLAGS = 0x2

	if err := kvm.SetRegs(cpu0.FD(), regs); err != nil {
		t.Fatal(err)
	}

	env := &hypercall.Env{Mem: v.Mem}

	err = cpu0.Loop(env)

	var exit hypercall.Exit
	if !errors.As(err, &exit) {
		t.Fatalf("Loop() err = %v, want hypercall.Exit", err)
	}

	if exit.Status != 55 {
		t.Fatalf("Exit.Status = %d, want 55", exit.Status)
	}
}
