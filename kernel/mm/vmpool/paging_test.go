package vmpool

import (
	"testing"

	"pagekernel/kernel"
	"pagekernel/kernel/cpu"
	"pagekernel/kernel/gate"
	"pagekernel/kernel/kfmt"
	"pagekernel/kernel/mm"
	"pagekernel/kernel/mm/pmm"
	"pagekernel/kernel/mm/vmm"
)

// newPagingEnv boots 8MiB of memory with the low 4MiB shared, loads a fresh
// page table and enables paging.
func newPagingEnv(t *testing.T) (*mm.PhysicalMemory, *pmm.ContFramePool, *vmm.Paging, *vmm.PageTable) {
	t.Helper()

	var (
		mem = mm.NewPhysicalMemory(8 << 20)
		reg = &pmm.Registry{}
	)

	kernelPool, err := pmm.NewContFramePool(reg, mem, 512, 512, 0, 0)
	if err != nil {
		t.Fatal(err)
	}

	processPool, err := pmm.NewContFramePool(reg, mem, 1024, 1024, 0, 0)
	if err != nil {
		t.Fatal(err)
	}

	paging, err := vmm.InitPaging(vmm.Config{
		Registers:             &cpu.Emulated{},
		Gate:                  &gate.Table{},
		Memory:                mem,
		KernelFrameAllocator:  kernelPool.AllocFrame,
		ProcessFrameAllocator: processPool.AllocFrame,
		ReleaseFrames:         reg.ReleaseFrames,
		SharedSize:            4 << 20,
	})
	if err != nil {
		t.Fatal(err)
	}

	pt, err := paging.NewPageTable()
	if err != nil {
		t.Fatal(err)
	}
	pt.Load()

	if err = paging.EnablePaging(); err != nil {
		t.Fatal(err)
	}

	return mem, processPool, paging, pt
}

func TestPoolBacksRegionsOnDemand(t *testing.T) {
	mem, processPool, paging, pt := newPagingEnv(t)

	pool, err := New(testBase, 1<<20, processPool.AllocFrame, pt, mem)
	if err != nil {
		t.Fatal(err)
	}

	freeBefore := processPool.FreeFrames()

	start := mustAllocate(t, pool, 3*mm.PageSize)
	if exp, got := freeBefore, processPool.FreeFrames(); got != exp {
		t.Fatalf("expected Allocate not to consume frames; process pool has %d free frames, expected %d", got, exp)
	}

	for offset := uint32(0); offset < 3*mm.PageSize; offset += mm.PageSize / 2 {
		if err = paging.Store32(start+offset, offset); err != nil {
			t.Fatal(err)
		}
	}

	for offset := uint32(0); offset < 3*mm.PageSize; offset += mm.PageSize / 2 {
		value, err := paging.Load32(start + offset)
		if err != nil {
			t.Fatal(err)
		}
		if value != offset {
			t.Fatalf("expected to read %x at %x; got %x", offset, start+offset, value)
		}
	}

	if exp, got := uint64(3), paging.FaultCount(); got != exp {
		t.Fatalf("expected %d page faults; got %d", exp, got)
	}

	if exp, got := freeBefore-3, processPool.FreeFrames(); got != exp {
		t.Fatalf("expected process pool to have %d free frames; got %d", exp, got)
	}

	pool.Release(start)

	if exp, got := freeBefore, processPool.FreeFrames(); got != exp {
		t.Fatalf("expected Release to return the backing frames; process pool has %d free frames, expected %d", got, exp)
	}

	for offset := uint32(0); offset < 3*mm.PageSize; offset += mm.PageSize {
		if _, err := pt.Translate(start + offset); err != vmm.ErrInvalidMapping {
			t.Fatalf("expected page at %x to be unmapped; got %v", start+offset, err)
		}
	}

	// Touching the released span halts the system
	haltErr := func() (err *kernel.Error) {
		defer func() {
			err = kfmt.RecoverHalt(recover())
		}()

		_, _ = paging.Load32(start)
		return nil
	}()

	if haltErr == nil || !haltErr.Fatal {
		t.Fatalf("expected access to a released region to halt the system; got %v", haltErr)
	}
}

func TestPoolRangeMustNotOverlap(t *testing.T) {
	mem, processPool, _, pt := newPagingEnv(t)

	if _, err := New(testBase, 1<<20, processPool.AllocFrame, pt, mem); err != nil {
		t.Fatal(err)
	}

	freeBefore := processPool.FreeFrames()

	specs := []struct {
		base, size uint32
	}{
		// inside the shared range
		{2 << 20, 1 << 20},
		// straddling the top of the shared range
		{3 << 20, 2 << 20},
		// overlapping the first pool
		{testBase + mm.PageSize, mm.PageSize},
		{testBase - mm.PageSize, 2 * mm.PageSize},
	}

	for specIndex, spec := range specs {
		_, err := New(spec.base, spec.size, processPool.AllocFrame, pt, mem)
		if err == nil || !err.Fatal {
			t.Errorf("[spec %d] expected a fatal error for pool [%x, %x); got %v", specIndex, spec.base, uint64(spec.base)+uint64(spec.size), err)
		}
	}

	if exp, got := freeBefore, processPool.FreeFrames(); got != exp {
		t.Fatalf("expected rejected pools not to consume descriptor frames; process pool has %d free frames, expected %d", got, exp)
	}

	if _, err := New(testBase+(1<<20), 1<<20, processPool.AllocFrame, pt, mem); err != nil {
		t.Fatalf("expected a pool adjacent to the first one to be accepted; got %v", err)
	}
}
