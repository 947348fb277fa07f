package memory_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/hvt-go/monitor/memory"
)

func TestNewSizeValidation(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		size int
		ok   bool
	}{
		{"zero", 0, false},
		{"negative", -memory.TwoMiB, false},
		{"unaligned", memory.TwoMiB + 1, false},
		{"one region", memory.TwoMiB, true},
		{"sixteen regions", 16 * memory.TwoMiB, true},
		{"at pci hole", memory.MaxGuestSize, false},
	}

	for _, c := range cases {
		c := c

		t.Run(c.name, func(t *testing.T) {
			t.Parallel()

			r, err := memory.New(c.size)
			if c.ok && err != nil {
				t.Fatalf("New(%#x): %v", c.size, err)
			}

			if !c.ok && !errors.Is(err, memory.ErrSize) {
				t.Fatalf("New(%#x) err = %v, want ErrSize", c.size, err)
			}

			if c.ok {
				defer func() { _ = r }()
			}
		})
	}
}

func TestRegionPoisoned(t *testing.T) {
	t.Parallel()

	r, err := memory.New(memory.TwoMiB)
	if err != nil {
		t.Fatal(err)
	}

	if !bytes.HasPrefix(r.Bytes(), []byte(memory.Poison)) {
		t.Fatalf("region not poisoned at offset 0")
	}
}

func TestSliceBounds(t *testing.T) {
	t.Parallel()

	r, err := memory.New(memory.TwoMiB)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := r.Slice(0, 16); err != nil {
		t.Fatalf("in-bounds slice: %v", err)
	}

	if _, err := r.Slice(uint64(r.Len())-4, 16); !errors.Is(err, memory.ErrOutOfRange) {
		t.Fatalf("overrunning slice err = %v, want ErrOutOfRange", err)
	}

	if _, err := r.Slice(uint64(r.Len())+1, 1); !errors.Is(err, memory.ErrOutOfRange) {
		t.Fatalf("past-end slice err = %v, want ErrOutOfRange", err)
	}
}

func TestReadWriteUint32(t *testing.T) {
	t.Parallel()

	r, err := memory.New(memory.TwoMiB)
	if err != nil {
		t.Fatal(err)
	}

	if err := r.WriteUint32(0x1000, 0xDEADBEEF); err != nil {
		t.Fatal(err)
	}

	got, err := r.ReadUint32(0x1000)
	if err != nil {
		t.Fatal(err)
	}

	if got != 0xDEADBEEF {
		t.Fatalf("ReadUint32 = %#x, want 0xDEADBEEF", got)
	}
}

func TestReadWriteUint64(t *testing.T) {
	t.Parallel()

	r, err := memory.New(memory.TwoMiB)
	if err != nil {
		t.Fatal(err)
	}

	if err := r.WriteUint64(0x2000, 0x0102030405060708); err != nil {
		t.Fatal(err)
	}

	got, err := r.ReadUint64(0x2000)
	if err != nil {
		t.Fatal(err)
	}

	if got != 0x0102030405060708 {
		t.Fatalf("ReadUint64 = %#x, want 0x0102030405060708", got)
	}
}

func TestWriteAt(t *testing.T) {
	t.Parallel()

	r, err := memory.New(memory.TwoMiB)
	if err != nil {
		t.Fatal(err)
	}

	data := []byte("hello, guest")
	if err := r.WriteAt(0x3000, data); err != nil {
		t.Fatal(err)
	}

	b, err := r.Slice(0x3000, len(data))
	if err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(b, data) {
		t.Fatalf("WriteAt round trip = %q, want %q", b, data)
	}
}

func TestAtomicUint32RoundTrip(t *testing.T) {
	t.Parallel()

	r, err := memory.New(memory.TwoMiB)
	if err != nil {
		t.Fatal(err)
	}

	if err := r.StoreUint32Atomic(0x4000, 7); err != nil {
		t.Fatal(err)
	}

	got, err := r.LoadUint32Atomic(0x4000)
	if err != nil {
		t.Fatal(err)
	}

	if got != 7 {
		t.Fatalf("LoadUint32Atomic = %d, want 7", got)
	}
}
