package vm_test

import (
	"errors"
	"os"
	"testing"

	"github.com/hvt-go/monitor/memory"
	"github.com/hvt-go/monitor/vm"
)

func TestNewRejectsBadSize(t *testing.T) {
	t.Parallel()

	cases := []int{0, memory.TwoMiB + 1, vm.MaxGuestSize}

	for _, size := range cases {
		if _, err := vm.New(size); !errors.Is(err, vm.ErrGuestSize) {
			t.Fatalf("New(%#x) err = %v, want ErrGuestSize", size, err)
		}
	}
}

func TestNewOpensKVM(t *testing.T) {
	t.Parallel()

	if os.Getuid() != 0 {
		t.Skip("skipping since we are not root")
	}

	if _, err := os.Stat("/dev/kvm"); err != nil {
		t.Skipf("no /dev/kvm available: %v", err)
	}

	m, err := vm.New(memory.TwoMiB)
	if err != nil {
		t.Fatal(err)
	}

	if err := m.Close(); err != nil {
		t.Fatal(err)
	}
}
