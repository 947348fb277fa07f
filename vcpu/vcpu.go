// Package vcpu owns one guest virtual CPU's host thread: its KVM vCPU
// handle, the mmap'd shared run-state page, and the exit-reason dispatch
// loop that runs until the guest halts, issues EXIT, or the monitor hits a
// condition it does not understand.
package vcpu

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"syscall"
	"unsafe"

	"github.com/hvt-go/monitor/cpu"
	"github.com/hvt-go/monitor/hypercall"
	"github.com/hvt-go/monitor/kvm"
)

// VCPU is the per-thread state: the vCPU file descriptor, its mmap'd run
// page (both the typed overlay and the raw bytes, since an I/O exit's data
// can sit anywhere in the page, not just within RunData's declared
// fields), and the logical id (0 is the boot processor).
type VCPU struct {
	ID        int
	fd        uintptr
	runPage   []byte
	run       *kvm.RunData
	closeOnce sync.Once
	closeErr  error
}

// New creates vCPU id within vmFd and maps its run page.
func New(vmFd uintptr, id int, mmapSize uintptr) (*VCPU, error) {
	fd, err := kvm.CreateVCPU(vmFd, id)
	if err != nil {
		return nil, fmt.Errorf("KVM_CREATE_VCPU(%d): %w", id, err)
	}

	runPage, err := syscall.Mmap(int(fd), 0, int(mmapSize),
		syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap vcpu %d run page: %w", id, err)
	}

	return &VCPU{
		ID:      id,
		fd:      fd,
		runPage: runPage,
		run:     (*kvm.RunData)(unsafe.Pointer(&runPage[0])),
	}, nil
}

// FD returns the vCPU file descriptor.
func (v *VCPU) FD() uintptr { return v.fd }

// Close unmaps the run page and closes the vCPU file descriptor. Safe to
// call more than once, and safe to call from a goroutine other than the
// one blocked in this vCPU's dispatch loop: closing a fd another thread
// currently holds open inside KVM_RUN does not abort that ioctl (Linux
// keeps the file reference live for the duration of an in-flight syscall),
// it only ensures the loop's *next* ioctl on this fd fails and returns.
func (v *VCPU) Close() error {
	v.closeOnce.Do(func() {
		if err := syscall.Munmap(v.runPage); err != nil {
			v.closeErr = fmt.Errorf("munmap vcpu %d run page: %w", v.ID, err)

			return
		}

		v.closeErr = syscall.Close(int(v.fd))
	})

	return v.closeErr
}

// ErrShutdown is returned by Loop when its vCPU fd was closed out from
// under it by a concurrent Close (the teardown path): this is a requested
// stop, not a guest or host failure, and callers should not treat it as a
// fatal monitor error.
var ErrShutdown = errors.New("vcpu stopped by teardown")

// Loop locks the calling goroutine to its OS thread (vCPU ioctls must run
// on the thread that created the vCPU) and repeatedly calls KVM_RUN,
// dispatching each exit. Returns nil on guest HLT, a hypercall.Exit error
// (via errors.As) on guest EXIT, ErrShutdown if this vCPU was closed
// out from under it, and any other error fatally.
func (v *VCPU) Loop(env *hypercall.Env) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for {
		err := kvm.Run(v.fd)
		if err != nil {
			if errors.Is(err, syscall.EINTR) {
				continue
			}

			if errors.Is(err, syscall.EBADF) {
				return ErrShutdown
			}

			if errors.Is(err, syscall.EFAULT) {
				return v.faultError(env)
			}

			return fmt.Errorf("KVM_RUN on vcpu %d: %w", v.ID, err)
		}

		switch exit := kvm.ExitType(v.run.ExitReason); exit {
		case kvm.EXITHLT:
			return nil

		case kvm.EXITIO:
			if err := v.dispatchIO(env); err != nil {
				return err
			}

		case kvm.EXITMMIO:
			return fmt.Errorf("vcpu %d: %w: this monitor does no device emulation", v.ID, kvm.ErrUnexpectedExitReason)

		case kvm.EXITFAILENTRY, kvm.EXITINTERNALERROR, kvm.EXITSHUTDOWN:
			return fmt.Errorf("vcpu %d: %w: %s (data[0]=%#x)", v.ID, kvm.ErrUnexpectedExitReason, exit, v.run.Data[0])

		default:
			return fmt.Errorf("vcpu %d: %w: %s", v.ID, kvm.ErrUnexpectedExitReason, exit)
		}
	}
}

// dispatchIO decodes the packed KVM_EXIT_IO fields and runs the hypercall
// named by the guest physical address at the I/O data offset, `count`
// times (string I/O repeats the same port access count times in a row).
func (v *VCPU) dispatchIO(env *hypercall.Env) error {
	direction, size, port, count, offset := v.run.IO()

	if direction != kvm.IOOUT || size != 4 {
		return fmt.Errorf("vcpu %d port %#x: %w: direction=%d size=%d", v.ID, port, kvm.ErrUnknownPort, direction, size)
	}

	for i := uint64(0); i < count; i++ {
		addrPtr := (*uint32)(unsafe.Pointer(&v.runPage[offset+i*uint64(size)]))

		err := env.Dispatch(uint32(port), uint64(*addrPtr))
		if err == nil {
			continue
		}

		var exit hypercall.Exit
		if errors.As(err, &exit) {
			return exit
		}

		return fmt.Errorf("vcpu %d port %#x: %w", v.ID, port, err)
	}

	return nil
}

// faultError fetches registers after an EFAULT from KVM_RUN and reports the
// faulting instruction, disassembled out of guest memory via
// cpu.DescribeFault, for the fatal message spec.md §7 requires.
func (v *VCPU) faultError(env *hypercall.Env) error {
	regs, err := kvm.GetRegs(v.fd)
	if err != nil {
		return fmt.Errorf("vcpu %d: EFAULT from KVM_RUN, and GetRegs failed: %w", v.ID, err)
	}

	return fmt.Errorf("vcpu %d: EFAULT from KVM_RUN: %s", v.ID, cpu.DescribeFault(env.Mem.Bytes(), regs.RIP))
}
