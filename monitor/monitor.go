// Package monitor is the top-level owner of one guest run: it builds the
// VM, loads the guest image, initializes CPU and boot-info state, installs
// the process-wide teardown signal handler, and drives the SMP coordinator
// to completion, returning the process exit code the guest earned.
package monitor

import (
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/hvt-go/monitor/boot"
	"github.com/hvt-go/monitor/cpu"
	"github.com/hvt-go/monitor/elfimage"
	"github.com/hvt-go/monitor/hostenv"
	"github.com/hvt-go/monitor/hypercall"
	"github.com/hvt-go/monitor/kvm"
	"github.com/hvt-go/monitor/smp"
	"github.com/hvt-go/monitor/tapnet"
	"github.com/hvt-go/monitor/vm"
)

// Monitor owns every resource a single guest run allocates, in the order
// they must be released: vCPUs (via the coordinator), the network back
// end, then the VM itself.
type Monitor struct {
	vm          *vm.VM
	coordinator *smp.Coordinator
	net         *tapnet.Interface
	header      boot.Header
	env         hostenv.Env
}

// Run builds and boots a guest from the ELF image at path using env's
// configuration. It installs the SIGTERM/SIGINT handler before creating
// any vCPU, as required: a signal delivered during boot must still be
// able to unwind a partially started guest. The returned exit code is 0 on
// guest HLT, the guest's own EXIT status otherwise, and a non-zero
// monitor-chosen code on fatal setup or runtime error.
func Run(path string, env hostenv.Env) (int, error) {
	m, err := newMonitor(env)
	if err != nil {
		return 1, err
	}

	defer m.teardown()

	stop := m.installSignalHandler()
	defer stop()

	img, err := m.load(path)
	if err != nil {
		return 1, err
	}

	cpuCount := env.CPUs
	if cpuCount < 1 {
		cpuCount = 1
	}

	hyEnv := &hypercall.Env{Mem: m.vm.Mem, Net: m.net}

	supported := &kvm.CPUID{}
	if err := kvm.GetSupportedCPUID(m.vm.KVMFD(), supported); err != nil {
		return 1, fmt.Errorf("KVM_GET_SUPPORTED_CPUID: %w", err)
	}

	cpu.FilterCPUID(supported)

	m.coordinator = smp.New(m.vm, m.header, hyEnv)

	bootErr := m.coordinator.Boot(cpuCount, smp.BootParams{
		Entry: img.Entry,
		Sregs: cpu.LongModeSregs(),
		CPUID: supported,
	})

	if bootErr == nil {
		return 0, nil
	}

	var exit hypercall.Exit
	if errors.As(bootErr, &exit) {
		return int(exit.Status), nil
	}

	return 1, bootErr
}

func newMonitor(env hostenv.Env) (*Monitor, error) {
	guestVM, err := vm.New(env.MemSize)
	if err != nil {
		return nil, err
	}

	m := &Monitor{vm: guestVM, env: env}

	if env.NetIF != "" {
		iface, err := tapnet.New(env.NetIF)
		if err != nil {
			guestVM.Close() //nolint:errcheck

			return nil, fmt.Errorf("opening net interface %q: %w", env.NetIF, err)
		}

		m.net = iface
	}

	return m, nil
}

func (m *Monitor) load(path string) (elfimage.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return elfimage.Image{}, fmt.Errorf("opening guest image: %w", err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return elfimage.Image{}, fmt.Errorf("stat guest image: %w", err)
	}

	if err := cpu.SetupPageTables(m.vm.Mem, uint64(m.vm.Mem.Len())); err != nil {
		return elfimage.Image{}, err
	}

	if err := cpu.SetupGDT(m.vm.Mem); err != nil {
		return elfimage.Image{}, err
	}

	img, err := elfimage.Load(f, fi.Size(), m.vm.Mem)
	if err != nil {
		return elfimage.Image{}, fmt.Errorf("loading guest image: %w", err)
	}

	mhz, err := cpu.HostFrequencyMHz()
	if err != nil {
		mhz = 0
	}

	m.header = boot.At(m.vm.Mem, img.FirstSegBase)
	if err := m.header.Init(img.FirstSegBase, img.FirstSegLimit, mhz, img.Size); err != nil {
		return elfimage.Image{}, fmt.Errorf("writing boot info: %w", err)
	}

	return img, nil
}

// installSignalHandler installs the single process-wide SIGTERM/SIGINT
// handler before any vCPU is created, per the one-handler-installed-early
// invariant. On signal it requests the coordinator shut down every vCPU;
// the returned stop function releases the handler.
func (m *Monitor) installSignalHandler() func() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	done := make(chan struct{})

	go func() {
		select {
		case <-sig:
			log.Print("monitor: received shutdown signal")

			if m.coordinator != nil {
				m.coordinator.Shutdown()
			}
		case <-done:
		}
	}()

	return func() {
		close(done)
		signal.Stop(sig)
	}
}

// teardown dumps the kernel log ring if requested, then releases every
// resource in reverse acquisition order: network interface, then VM (the
// coordinator has already closed every vCPU by the time Run reaches here).
func (m *Monitor) teardown() {
	if m.env.Verbose {
		m.dumpKernelLog()
	}

	if m.net != nil {
		if err := m.net.Close(); err != nil {
			log.Printf("monitor: closing net interface: %v", err)
		}
	}

	if err := m.vm.Close(); err != nil {
		log.Printf("monitor: closing vm: %v", err)
	}
}

func (m *Monitor) dumpKernelLog() {
	const ringSize = 0x1000

	ring, err := m.vm.Mem.Slice(m.header.LogRingBase(), ringSize)
	if err != nil {
		log.Printf("monitor: reading kernel log ring: %v", err)

		return
	}

	os.Stderr.Write(ring) //nolint:errcheck
}
