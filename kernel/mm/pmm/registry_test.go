package pmm

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"pagekernel/kernel/kfmt"
	"pagekernel/kernel/mm"
)

func TestRegistryResolvesOwner(t *testing.T) {
	var (
		reg   Registry
		mem   = mm.NewPhysicalMemory(uint64(64 * mm.PageSize))
		low   = newTestPool(t, &reg, mem, 0, 16, 0, 0)
		mid   = newTestPool(t, &reg, mem, 16, 16, 0, 0)
		high  = newTestPool(t, &reg, mem, 40, 24, 0, 0)
		pools = []*ContFramePool{low, mid, high}
	)

	if exp, got := len(pools), len(reg.Pools()); got != exp {
		t.Fatalf("expected %d registered pools; got %d", exp, got)
	}

	specs := []struct {
		frame mm.Frame
		exp   *ContFramePool
	}{
		{0, low},
		{15, low},
		{16, mid},
		{31, mid},
		{32, nil},
		{39, nil},
		{40, high},
		{63, high},
		{64, nil},
	}

	for specIndex, spec := range specs {
		if got := reg.Owner(spec.frame); got != spec.exp {
			t.Errorf("[spec %d] unexpected owner for frame %d", specIndex, spec.frame)
		}
	}

	// Allocate from each pool and release through the registry; only the
	// owning pool's free count may change.
	for poolIndex, pool := range pools {
		frame, err := pool.GetFrames(4)
		if err != nil {
			t.Fatal(err)
		}

		var freeBefore [3]uint32
		for i, p := range pools {
			freeBefore[i] = p.FreeFrames()
		}

		reg.ReleaseFrames(frame)

		for i, p := range pools {
			exp := freeBefore[i]
			if i == poolIndex {
				exp += 4
			}
			if got := p.FreeFrames(); got != exp {
				t.Errorf("[pool %d] after releasing frame %d expected pool %d to have %d free frames; got %d", poolIndex, frame, i, exp, got)
			}
		}
	}
}

func TestRegistryRejectsOverlappingPools(t *testing.T) {
	var (
		reg Registry
		mem = mm.NewPhysicalMemory(uint64(64 * mm.PageSize))
	)

	newTestPool(t, &reg, mem, 16, 16, 0, 1)

	specs := []struct {
		base  mm.Frame
		count uint32
	}{
		{16, 16},
		{8, 9},
		{31, 4},
		{20, 2},
		{0, 64},
	}

	for specIndex, spec := range specs {
		if _, err := NewContFramePool(&reg, mem, spec.base, spec.count, 0, 1); err != errOverlappingPool {
			t.Errorf("[spec %d] expected errOverlappingPool; got %v", specIndex, err)
		}
	}

	// Pools touching the registered range are allowed
	newTestPool(t, &reg, mem, 32, 8, 1, 1)
	newTestPool(t, &reg, mem, 8, 8, 2, 1)
}

func TestRejectedPoolLeavesRegistryUntouched(t *testing.T) {
	var (
		reg  Registry
		mem  = mm.NewPhysicalMemory(uint64(64 * mm.PageSize))
		pool = newTestPool(t, &reg, mem, 16, 16, 0, 1)
	)

	if _, err := pool.GetFrames(3); err != nil {
		t.Fatal(err)
	}
	before := snapshot(pool)

	// The rejected pool shares the registered pool's info frame; its
	// state array must not be cleared.
	if _, err := NewContFramePool(&reg, mem, 20, 2, 0, 1); err != errOverlappingPool {
		t.Fatalf("expected errOverlappingPool; got %v", err)
	}

	if diff := cmp.Diff(before, snapshot(pool)); diff != "" {
		t.Fatalf("registered pool state changed (-want +got):\n%s", diff)
	}

	if exp, got := 1, len(reg.Pools()); got != exp {
		t.Fatalf("expected %d registered pool; got %d", exp, got)
	}

	// Info frames that overlap the pool only partially are rejected before
	// anything is registered or cleared.
	if _, err := NewContFramePool(&reg, mem, 40, 8, 39, 2); err != errInfoFramesStraddle {
		t.Fatalf("expected errInfoFramesStraddle; got %v", err)
	}

	if exp, got := 1, len(reg.Pools()); got != exp {
		t.Fatalf("expected %d registered pool; got %d", exp, got)
	}

	if owner := reg.Owner(40); owner != nil {
		t.Fatalf("expected frame 40 to have no owner; got pool at frame %d", owner.BaseFrame())
	}
}

func TestReleaseFramesInvariantViolations(t *testing.T) {
	defer func() {
		panicFn = kfmt.Panic
	}()

	var (
		reg      Registry
		mem      = mm.NewPhysicalMemory(uint64(32 * mm.PageSize))
		pool     = newTestPool(t, &reg, mem, 0, 16, 0, 0)
		panicErr interface{}
	)

	panicFn = func(e interface{}) {
		panicErr = e
	}

	run, err := pool.GetFrames(4)
	if err != nil {
		t.Fatal(err)
	}

	specs := []struct {
		descr string
		frame mm.Frame
		exp   interface{}
	}{
		{"interior frame", run + 1, errReleaseNotHead},
		{"free frame", 10, errReleaseNotHead},
		{"frame outside every pool", 20, errUnownedFrame},
	}

	for _, spec := range specs {
		t.Run(spec.descr, func(t *testing.T) {
			panicErr = nil
			freeBefore := pool.FreeFrames()

			reg.ReleaseFrames(spec.frame)

			if panicErr != spec.exp {
				t.Fatalf("expected release to halt with %v; got %v", spec.exp, panicErr)
			}

			if got := pool.FreeFrames(); got != freeBefore {
				t.Fatalf("expected failed release to leave free count at %d; got %d", freeBefore, got)
			}
		})
	}
}

func TestReleaseFramesHalts(t *testing.T) {
	var (
		reg Registry
		mem = mm.NewPhysicalMemory(uint64(16 * mm.PageSize))
	)
	newTestPool(t, &reg, mem, 0, 16, 0, 0)

	kfmt.SetOutputSink(&nopWriter{})
	defer kfmt.SetOutputSink(nil)

	halted := func() (err error) {
		defer func() {
			if kerr := kfmt.RecoverHalt(recover()); kerr != nil {
				err = kerr
			}
		}()

		reg.ReleaseFrames(5)
		return nil
	}()

	if halted != errReleaseNotHead {
		t.Fatalf("expected releasing a free frame to halt with errReleaseNotHead; got %v", halted)
	}
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }
