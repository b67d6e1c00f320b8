package kmain

import (
	"io"
	"strings"

	"github.com/pkg/errors"

	"pagekernel/kernel/kfmt"
	"pagekernel/kernel/mm"
	"pagekernel/kernel/mm/pmm"
)

const (
	scenarioFrames     = 16
	scenarioInfoFrames = 2
)

// RunScenario exercises a 16-frame pool whose first two frames hold its
// state array: a run of 5 frames is allocated, an oversized request is
// rejected and the run is released again. Every step is written to w; an
// error is returned as soon as a step deviates from the expected outcome.
func RunScenario(w io.Writer) (err error) {
	defer recoverHalt(&err)

	var (
		reg pmm.Registry
		mem = mm.NewPhysicalMemory(uint64(scenarioFrames) * uint64(mm.PageSize))
	)

	pool, kerr := pmm.NewContFramePool(&reg, mem, 0, scenarioFrames, 0, scenarioInfoFrames)
	if kerr != nil {
		return errors.Wrap(kerr, "creating pool")
	}

	kfmt.Fprintf(w, "created pool with %d frames, %d reserved for bookkeeping\n", scenarioFrames, scenarioInfoFrames)
	if err = expectPool(w, pool, 14); err != nil {
		return err
	}

	frame, kerr := pool.GetFrames(5)
	if kerr != nil {
		return errors.Wrap(kerr, "GetFrames(5)")
	}

	kfmt.Fprintf(w, "GetFrames(5) = %d\n", frame)
	if frame != 2 {
		return errors.Errorf("GetFrames(5): expected frame 2; got %d", frame)
	}
	if err = expectPool(w, pool, 9); err != nil {
		return err
	}

	if _, kerr = pool.GetFrames(20); kerr == nil {
		return errors.New("GetFrames(20): expected failure")
	}
	kfmt.Fprintf(w, "GetFrames(20) failed: %s\n", kerr.Message)
	if err = expectPool(w, pool, 9); err != nil {
		return err
	}

	reg.ReleaseFrames(frame)
	kfmt.Fprintf(w, "ReleaseFrames(%d)\n", frame)
	if err = expectPool(w, pool, 14); err != nil {
		return err
	}

	for f := frame; f < frame+5; f++ {
		if state := pool.State(f); state != pmm.FrameFree {
			return errors.Errorf("frame %d: expected state free; got %s", f, state)
		}
	}

	return nil
}

// expectPool prints the frame states of pool and checks its free count.
func expectPool(w io.Writer, pool *pmm.ContFramePool, expFree uint32) error {
	var states strings.Builder
	for i := uint32(0); i < pool.FrameCount(); i++ {
		switch pool.State(pool.BaseFrame() + mm.Frame(i)) {
		case pmm.FrameFree:
			states.WriteByte('.')
		case pmm.FrameHead:
			states.WriteByte('H')
		default:
			states.WriteByte('I')
		}
	}

	kfmt.Fprintf(w, "  states [%s] free %d\n", states.String(), pool.FreeFrames())
	if got := pool.FreeFrames(); got != expFree {
		return errors.Errorf("expected %d free frames; got %d", expFree, got)
	}
	return nil
}
