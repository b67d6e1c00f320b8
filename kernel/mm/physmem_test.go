package mm

import (
	"testing"

	"pagekernel/kernel/kfmt"
)

func TestPhysicalMemory(t *testing.T) {
	mem := NewPhysicalMemory(uint64(4*PageSize) + 17)

	if exp, got := uint64(4*PageSize), mem.Size(); got != exp {
		t.Fatalf("expected memory size to be rounded down to %d; got %d", exp, got)
	}

	if exp, got := uint32(4), mem.FrameCount(); got != exp {
		t.Fatalf("expected frame count to be %d; got %d", exp, got)
	}

	t.Run("words", func(t *testing.T) {
		mem.WriteWord(Frame(1).Address()+8, 0xdeadbeef)
		if exp, got := uint32(0xdeadbeef), mem.ReadWord(Frame(1).Address()+8); got != exp {
			t.Fatalf("expected to read back %x; got %x", exp, got)
		}

		// little-endian layout
		if exp, got := byte(0xef), mem.FrameSlice(1, 1)[8]; got != exp {
			t.Fatalf("expected low byte %x; got %x", exp, got)
		}
	})

	t.Run("memset", func(t *testing.T) {
		mem.Memset(Frame(2).Address(), 0xaa, PageSize)
		for i, b := range mem.FrameSlice(2, 1) {
			if b != 0xaa {
				t.Fatalf("expected byte %d to be 0xaa; got %x", i, b)
			}
		}

		// neighbouring frames are untouched
		if got := mem.FrameSlice(3, 1)[0]; got != 0 {
			t.Fatalf("expected frame 3 to remain zeroed; got %x", got)
		}

		mem.Memset(0, 0xff, 0)
	})

	t.Run("contains", func(t *testing.T) {
		if !mem.Contains(0, 4) {
			t.Error("expected frames [0, 4) to be backed by memory")
		}
		if mem.Contains(3, 2) {
			t.Error("expected frames [3, 5) to exceed installed memory")
		}
	})

	t.Run("out of range access", func(t *testing.T) {
		defer func() {
			if err := kfmt.RecoverHalt(recover()); err != errAccessOutOfRange {
				t.Fatalf("expected out of range access to panic with errAccessOutOfRange; got %v", err)
			}
		}()

		mem.ReadWord(4*PageSize - 2)
	})
}
