package boot_test

import (
	"testing"

	"github.com/hvt-go/monitor/boot"
	"github.com/hvt-go/monitor/memory"
)

func TestInitAndRead(t *testing.T) {
	t.Parallel()

	mem, err := memory.New(memory.TwoMiB)
	if err != nil {
		t.Fatal(err)
	}

	const anchor = 0x100000

	h := boot.At(mem, anchor)
	if err := h.Init(anchor, anchor+0x1000, 2500, 4096); err != nil {
		t.Fatal(err)
	}

	if err := h.SetCPUCount(4); err != nil {
		t.Fatal(err)
	}

	if err := h.SetAPICID(2); err != nil {
		t.Fatal(err)
	}

	gate, err := h.SMPGate()
	if err != nil {
		t.Fatal(err)
	}

	if gate != 0 {
		t.Fatalf("SMPGate() = %d before guest writes, want 0", gate)
	}

	if got, want := h.LogRingBase(), uint64(anchor+boot.LogRingOffset); got != want {
		t.Fatalf("LogRingBase() = %#x, want %#x", got, want)
	}
}
