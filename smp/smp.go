// Package smp brings up every configured vCPU: it creates one KVM vCPU per
// core, seeds each with the same page tables, GDT, and filtered CPUID,
// starts the application processors on their own locked OS threads, and
// runs the boot processor's dispatch loop on the calling goroutine.
package smp

import (
	"errors"
	"fmt"
	"runtime"
	"sync"

	"github.com/hvt-go/monitor/boot"
	"github.com/hvt-go/monitor/hypercall"
	"github.com/hvt-go/monitor/kvm"
	"github.com/hvt-go/monitor/vcpu"
	"github.com/hvt-go/monitor/vm"
)

// BootParams are the values every vCPU, boot processor and application
// processor alike, starts execution with.
type BootParams struct {
	Entry uint64
	Sregs *kvm.Sregs
	CPUID *kvm.CPUID
}

// Coordinator owns the vCPU array for one VM and the boot-info handle used
// for the SMP-gate handshake. mu guards vcpus, since Shutdown may run
// concurrently with Boot's own application-processor goroutines still
// appending to it.
type Coordinator struct {
	vm     *vm.VM
	header boot.Header
	env    *hypercall.Env

	mu    sync.Mutex
	vcpus []*vcpu.VCPU
}

// New creates a Coordinator for the given VM. header must be the boot-info
// header the guest's own startup code polls for its SMP-gate and apic-id
// fields.
func New(v *vm.VM, header boot.Header, env *hypercall.Env) *Coordinator {
	return &Coordinator{vm: v, header: header, env: env}
}

// initVCPU creates vCPU id, applies the shared CPUID and sregs, sets the
// entry point in rip, and forces the vCPU to MPStateRunnable: KVM can bring
// an application processor up waiting for an INIT/SIPI this monitor never
// sends, and this is the one place that resolves it.
func initVCPU(vmFd uintptr, id int, mmapSize uintptr, p BootParams) (*vcpu.VCPU, error) {
	v, err := vcpu.New(vmFd, id, mmapSize)
	if err != nil {
		return nil, err
	}

	if err := kvm.SetCPUID2(v.FD(), p.CPUID); err != nil {
		return nil, fmt.Errorf("vcpu %d: KVM_SET_CPUID2: %w", id, err)
	}

	if err := kvm.SetSregs(v.FD(), p.Sregs); err != nil {
		return nil, fmt.Errorf("vcpu %d: KVM_SET_SREGS: %w", id, err)
	}

	regs, err := kvm.GetRegs(v.FD())
	if err != nil {
		return nil, fmt.Errorf("vcpu %d: KVM_GET_REGS: %w", id, err)
	}

	regs.RIP = p.Entry
	regs.RFLAGS = 0x2
	regs.RAX = 2
	regs.RBX = 2
	regs.RDX = 0

	if err := kvm.SetRegs(v.FD(), regs); err != nil {
		return nil, fmt.Errorf("vcpu %d: KVM_SET_REGS: %w", id, err)
	}

	if err := kvm.SetMPState(v.FD(), &kvm.MPState{State: kvm.MPStateRunnable}); err != nil {
		return nil, fmt.Errorf("vcpu %d: KVM_SET_MP_STATE: %w", id, err)
	}

	return v, nil
}

// Boot creates cpuCount vCPUs, records the core count in the boot-info
// header, starts cores 1..cpuCount-1 each on their own locked OS thread
// gated on the SMP-gate handshake, and runs vCPU 0's dispatch loop on the
// calling goroutine. It returns once every vCPU has stopped (guest halt,
// guest exit, or a fatal error), closing every vCPU it created.
func (c *Coordinator) Boot(cpuCount int, p BootParams) error {
	if err := c.header.SetCPUCount(uint32(cpuCount)); err != nil {
		return fmt.Errorf("writing cpu count to boot info: %w", err)
	}

	mmapSize, err := kvm.GetVCPUMMmapSize(c.vm.KVMFD())
	if err != nil {
		return fmt.Errorf("KVM_GET_VCPU_MMAP_SIZE: %w", err)
	}

	boot0, err := initVCPU(c.vm.FD(), 0, mmapSize, p)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.vcpus = append(c.vcpus, boot0)
	c.mu.Unlock()

	var (
		wg       sync.WaitGroup
		errMu    sync.Mutex
		apErrors []error
	)

	recordErr := func(err error) {
		if err == nil || errors.Is(err, vcpu.ErrShutdown) {
			return
		}

		errMu.Lock()
		apErrors = append(apErrors, err)
		errMu.Unlock()
	}

	for id := 1; id < cpuCount; id++ {
		id := id

		wg.Add(1)

		go func() {
			defer wg.Done()
			runtime.LockOSThread()
			defer runtime.UnlockOSThread()

			if err := c.spinGate(uint32(id)); err != nil {
				recordErr(err)

				return
			}

			ap, err := initVCPU(c.vm.FD(), id, mmapSize, p)
			if err != nil {
				recordErr(err)

				return
			}

			c.mu.Lock()
			c.vcpus = append(c.vcpus, ap)
			c.mu.Unlock()

			if err := c.header.SetAPICID(uint32(id)); err != nil {
				recordErr(err)

				return
			}

			recordErr(ap.Loop(c.env))
		}()
	}

	bootErr := boot0.Loop(c.env)

	wg.Wait()

	c.mu.Lock()
	for _, v := range c.vcpus {
		_ = v.Close()
	}
	c.mu.Unlock()

	if bootErr != nil && !errors.Is(bootErr, vcpu.ErrShutdown) {
		return bootErr
	}

	if len(apErrors) > 0 {
		return fmt.Errorf("application processor error: %w", apErrors[0])
	}

	return nil
}

// Shutdown closes every vCPU created so far, causing each one's dispatch
// loop to observe vcpu.ErrShutdown on its next KVM_RUN and return. Safe to
// call concurrently with Boot, from a signal handler.
func (c *Coordinator) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, v := range c.vcpus {
		_ = v.Close()
	}
}

// spinGate blocks until the guest's SMP-gate counter reaches id, the
// handshake a HermitCore-style unikernel uses to release application
// processors one at a time instead of all at once. This is a dedicated OS
// thread busy-spinning on an atomic load, not a Gosched'd poll: the gate is
// expected to advance within microseconds of the previous core's entry, and
// yielding the thread here would just add scheduler latency to every AP's
// start.
func (c *Coordinator) spinGate(id uint32) error {
	for {
		gate, err := c.header.SMPGate()
		if err != nil {
			return err
		}

		if gate >= id {
			return nil
		}
	}
}
