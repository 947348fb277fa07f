// Package vm owns the KVM virtual machine context: the control device, the
// created VM, the single guest memory region, and the in-kernel interrupt
// controller. Its fields are populated once at construction and are
// thereafter read-only, shared across every vCPU thread.
package vm

import (
	"errors"
	"fmt"
	"os"

	"github.com/hvt-go/monitor/kvm"
	"github.com/hvt-go/monitor/memory"
)

// MaxGuestSize is the 32-bit PCI hole base; guest memory must sit entirely
// below it, since this monitor registers no second memory slot above a
// hole.
const MaxGuestSize = memory.MaxGuestSize

var (
	ErrAPIVersion = fmt.Errorf("unsupported KVM API version: %w", kvm.ErrAPIVersion)
	ErrGuestSize  = errors.New("guest memory size must be a non-zero multiple of 2 MiB below the PCI hole base")
)

// VM is the process-wide VM context: host handle to KVM, handle to the
// created VM, and the single mapped guest memory region. Created once at
// startup and destroyed on process exit in reverse order via Close.
type VM struct {
	kvmFD uintptr
	vmFD  uintptr
	Mem   *memory.Region
}

// New opens /dev/kvm close-on-exec, asserts the API version, creates the
// VM, allocates and registers the guest memory region as slot 0, and
// creates the in-kernel interrupt controller.
func New(guestSize int) (*VM, error) {
	if guestSize <= 0 || guestSize%memory.TwoMiB != 0 || guestSize >= MaxGuestSize {
		return nil, fmt.Errorf("%d: %w", guestSize, ErrGuestSize)
	}

	devKVM, err := os.OpenFile("/dev/kvm", os.O_RDWR|os.O_CLOEXEC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open /dev/kvm: %w", err)
	}

	kvmFD := devKVM.Fd()

	version, err := kvm.GetAPIVersion(kvmFD)
	if err != nil {
		return nil, fmt.Errorf("KVM_GET_API_VERSION: %w", err)
	}

	if version != kvm.RequiredAPIVersion {
		return nil, fmt.Errorf("got version %d: %w", version, ErrAPIVersion)
	}

	vmFD, err := kvm.CreateVM(kvmFD)
	if err != nil {
		return nil, fmt.Errorf("KVM_CREATE_VM: %w", err)
	}

	mem, err := memory.New(guestSize)
	if err != nil {
		return nil, err
	}

	if err := kvm.SetUserMemoryRegion(vmFD, &kvm.UserspaceMemoryRegion{
		Slot:          0,
		GuestPhysAddr: 0,
		MemorySize:    uint64(mem.Len()),
		UserspaceAddr: userspaceAddr(mem.Bytes()),
	}); err != nil {
		return nil, fmt.Errorf("KVM_SET_USER_MEMORY_REGION: %w", err)
	}

	if err := kvm.CreateIRQChip(vmFD); err != nil {
		return nil, fmt.Errorf("KVM_CREATE_IRQCHIP: %w", err)
	}

	return &VM{kvmFD: kvmFD, vmFD: vmFD, Mem: mem}, nil
}

// KVMFD returns the control device handle, needed to query the supported
// CPUID list and the per-vCPU mmap size.
func (v *VM) KVMFD() uintptr { return v.kvmFD }

// FD returns the VM handle, needed to create vCPUs.
func (v *VM) FD() uintptr { return v.vmFD }

// Close releases the VM and control-device descriptors in reverse creation
// order. Callers must close every vCPU descriptor first.
func (v *VM) Close() error {
	if err := os.NewFile(v.vmFD, "vm").Close(); err != nil {
		return fmt.Errorf("close vm fd: %w", err)
	}

	if err := os.NewFile(v.kvmFD, "kvm").Close(); err != nil {
		return fmt.Errorf("close kvm fd: %w", err)
	}

	return nil
}
