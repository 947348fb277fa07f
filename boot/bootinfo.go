// Package boot reads and writes the fixed-offset boot-info header the ELF
// loader plants at the base of the first PT_LOAD segment. The header is the
// monitor's only channel for handing parameters to the guest and for the
// guest and monitor to coordinate SMP bring-up.
package boot

import "github.com/hvt-go/monitor/memory"

// Field offsets relative to the anchor address (the base of the first
// PT_LOAD segment), as laid out in the guest-memory map.
const (
	offPhysStart  = 0x08
	offPhysLimit  = 0x10
	offCPUMHz     = 0x18
	offSMPGate    = 0x20
	offCPUCount   = 0x24
	offAPICID     = 0x30
	offFileSize   = 0x38
	offNumaNodes  = 0x60
	offMonitorTag = 0x94

	// LogRingOffset is the offset from the anchor address to the base of
	// the kernel-log ring buffer.
	LogRingOffset = 0x5000

	// monitorMarker is the sentinel value the monitor writes to confirm a
	// KVM monitor (rather than some other hypervisor) booted this image.
	monitorMarker = 1

	// singleNumaNode is the fixed NUMA topology this monitor presents.
	singleNumaNode = 1
)

// Header is a handle to the boot-info header at a fixed anchor address
// within a guest memory region.
type Header struct {
	mem    *memory.Region
	anchor uint64
}

// At returns a Header anchored at the given guest physical address, the
// base of the first PT_LOAD segment.
func At(mem *memory.Region, anchor uint64) Header {
	return Header{mem: mem, anchor: anchor}
}

// LogRingBase returns the guest physical address of the kernel-log ring.
func (h Header) LogRingBase() uint64 { return h.anchor + LogRingOffset }

// Init writes the fields the ELF loader is responsible for on first load:
// the segment's physical bounds, the host CPU frequency, a single online
// CPU, one NUMA node, and the monitor marker. SMP-gate and apic-id fields
// are set to zero for the guest and the SMP coordinator to advance as cores
// come up.
func (h Header) Init(physStart, physLimit uint64, cpuMHz uint32, fileSize uint64) error {
	writes := []struct {
		off uint64
		v   uint64
		w32 bool
	}{
		{offPhysStart, physStart, false},
		{offPhysLimit, physLimit, false},
		{offCPUMHz, uint64(cpuMHz), true},
		{offSMPGate, 0, true},
		{offCPUCount, 1, true},
		{offAPICID, 0, true},
		{offFileSize, fileSize, false},
		{offNumaNodes, singleNumaNode, true},
		{offMonitorTag, monitorMarker, true},
	}

	for _, w := range writes {
		addr := h.anchor + w.off
		if w.w32 {
			if err := h.mem.WriteUint32(addr, uint32(w.v)); err != nil {
				return err
			}
		} else if err := h.mem.WriteUint64(addr, w.v); err != nil {
			return err
		}
	}

	return nil
}

// SMPGate atomically reads the SMP-gate counter the guest advances during
// AP bring-up. Atomic because it is polled from a different host thread
// than the one the guest's own vCPU runs on.
func (h Header) SMPGate() (uint32, error) {
	return h.mem.LoadUint32Atomic(h.anchor + offSMPGate)
}

// SetCPUCount writes the number of configured vCPUs, as determined by the
// SMP coordinator from HERMIT_CPUS, overriding Init's single-CPU default.
func (h Header) SetCPUCount(n uint32) error {
	return h.mem.WriteUint32(h.anchor+offCPUCount, n)
}

// SetAPICID atomically records the calling vCPU's id at the fixed apic-id
// field, the handshake signal a peer thread uses to announce it has
// started.
func (h Header) SetAPICID(id uint32) error {
	return h.mem.StoreUint32Atomic(h.anchor+offAPICID, id)
}
