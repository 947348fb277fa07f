package monitor_test

import (
	"encoding/binary"
	"os"
	"testing"

	"github.com/hvt-go/monitor/elfimage"
	"github.com/hvt-go/monitor/hostenv"
	"github.com/hvt-go/monitor/monitor"
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

// buildExitELF assembles a minimal one-segment ELF64 image loaded at base
// whose entry point loads the address of the EXIT hypercall record at
// recAddr (holding status), then issues the EXIT hypercall, matching
// elfimage's own test helper's shape. The code must start past the
// boot-info header the monitor writes at the base of the segment.
func buildExitELF(base, entry, recAddr uint64, status uint32) []byte {
	const (
		ehdrSize = 64
		phdrSize = 56
	)

	code := []byte{0xB8, byte(recAddr), byte(recAddr >> 8), byte(recAddr >> 16), byte(recAddr >> 24)}
	code = append(code, 0x66, 0xBA, 0x03, 0x05) // mov dx, 0x0503 (PortExit)
	code = append(code, 0xEF, 0xF4)             // out dx, eax; hlt

	statusBytes := make([]byte, 4)
	binary.LittleEndian.PutUint32(statusBytes, status)

	// Pad the segment so the code sits at entry and the EXIT record at
	// recAddr, at segment offsets entry-base and recAddr-base.
	segSize := (recAddr - base) + 4
	payload := make([]byte, segSize)
	copy(payload[entry-base:], code)
	copy(payload[recAddr-base:], statusBytes)

	buf := make([]byte, ehdrSize+phdrSize+len(payload))

	buf[0], buf[1], buf[2], buf[3] = 0x7f, 'E', 'L', 'F'
	buf[4] = 2
	buf[7] = elfimage.ExpectedOSABI

	binary.LittleEndian.PutUint16(buf[16:18], 2)  // ET_EXEC
	binary.LittleEndian.PutUint16(buf[18:20], 62) // EM_X86_64
	binary.LittleEndian.PutUint64(buf[24:32], entry)
	binary.LittleEndian.PutUint64(buf[32:40], ehdrSize)
	binary.LittleEndian.PutUint16(buf[54:56], phdrSize)
	binary.LittleEndian.PutUint16(buf[56:58], 1)

	ph := buf[ehdrSize : ehdrSize+phdrSize]
	binary.LittleEndian.PutUint32(ph[0:4], 1) // PT_LOAD
	binary.LittleEndian.PutUint64(ph[8:16], ehdrSize+phdrSize)
	binary.LittleEndian.PutUint64(ph[24:32], base)
	binary.LittleEndian.PutUint64(ph[32:40], uint64(len(payload)))
	binary.LittleEndian.PutUint64(ph[40:48], uint64(len(payload)))

	copy(buf[ehdrSize+phdrSize:], payload)

	return buf
}

func TestRunReturnsGuestExitStatus(t *testing.T) {
	requireKVM(t)

	const (
		base    = 0x100000
		entry   = 0x100200
		recAddr = 0x100300
		status  = 7
	)

	raw := buildExitELF(base, entry, recAddr, status)

	f, err := os.CreateTemp(t.TempDir(), "monitor-test-*.elf")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := f.Write(raw); err != nil {
		t.Fatal(err)
	}

	if err := f.Close(); err != nil {
		t.Fatal(err)
	}

	env := hostenv.Env{MemSize: 2 * 1024 * 1024, CPUs: 1}

	code, err := monitor.Run(f.Name(), env)
	if err != nil {
		t.Fatal(err)
	}

	if code != status {
		t.Fatalf("exit code = %d, want %d", code, status)
	}
}
