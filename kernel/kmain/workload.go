package kmain

import (
	"io"

	units "github.com/docker/go-units"
	"github.com/pkg/errors"

	"pagekernel/kernel/kfmt"
	"pagekernel/kernel/mm"
)

// Report summarizes the state of the memory subsystem after a workload run.
type Report struct {
	Memory     uint64
	PageFaults uint64

	// WordsVerified counts the words that were written through the
	// emulated MMU and read back with the expected value.
	WordsVerified uint64

	FramePools []FramePoolReport
	VMPools    []VMPoolReport
}

// FramePoolReport describes the occupancy of a frame pool.
type FramePoolReport struct {
	Name       string
	BaseFrame  mm.Frame
	FrameCount uint32
	FreeFrames uint32
}

// VMPoolReport describes the activity of a logical region pool.
type VMPoolReport struct {
	Name            string
	Base            uint32
	Size            uint32
	RegionsReleased int
	LiveRegions     int
}

// RunWorkload generates memory references against every logical region
// pool. For each iteration a region is allocated, every word in it is written
// and read back through the emulated MMU and the region is released again.
func (sys *System) RunWorkload(w WorkloadConfig) (report *Report, err error) {
	defer recoverHalt(&err)

	if err = w.validate(); err != nil {
		return nil, err
	}

	var (
		wordsVerified uint64
		released      = make([]int, len(sys.VMPools))
	)

	for poolIndex, pool := range sys.VMPools {
		for i := 0; i < w.Iterations; i++ {
			verified, err := sys.generateReferences(pool, w.Words)
			wordsVerified += verified
			if err != nil {
				return nil, errors.Wrapf(err, "vm pool %q, iteration %d", pool.Name, i)
			}
			released[poolIndex]++
		}

		kfmt.Logger("kmain").WithField("pool", pool.Name).Info("memory references verified")
	}

	report = sys.Report()
	report.WordsVerified = wordsVerified
	for i := range report.VMPools {
		report.VMPools[i].RegionsReleased = released[i]
	}
	return report, nil
}

// generateReferences allocates a region of words 32-bit words, fills it with
// ascending values, checks them and releases the region. The region is also
// released when an access fails without halting the kernel.
func (sys *System) generateReferences(pool *NamedPool, words uint32) (uint64, error) {
	start, kerr := pool.Allocate(words * 4)
	if kerr != nil {
		return 0, kerr
	}

	verified, err := sys.verifyRegion(start, words)
	pool.Release(start)
	return verified, err
}

// verifyRegion writes ascending values to the words starting at start and
// reads them back through the emulated MMU.
func (sys *System) verifyRegion(start, words uint32) (uint64, error) {
	for i := uint32(0); i < words; i++ {
		if kerr := sys.Paging.Store32(start+i*4, i); kerr != nil {
			return 0, kerr
		}
	}

	var verified uint64
	for i := uint32(0); i < words; i++ {
		value, kerr := sys.Paging.Load32(start + i*4)
		if kerr != nil {
			return verified, kerr
		}

		if value != i {
			return verified, errors.Errorf("word at 0x%08x: expected %d; got %d", start+i*4, i, value)
		}
		verified++
	}

	return verified, nil
}

// Report captures the current occupancy of the memory subsystem.
func (sys *System) Report() *Report {
	report := &Report{
		Memory:     sys.Memory.Size(),
		PageFaults: sys.Paging.FaultCount(),
	}

	for _, pool := range []struct {
		name string
		pool interface {
			BaseFrame() mm.Frame
			FrameCount() uint32
			FreeFrames() uint32
		}
	}{
		{"kernel", sys.KernelPool},
		{"process", sys.ProcessPool},
	} {
		report.FramePools = append(report.FramePools, FramePoolReport{
			Name:       pool.name,
			BaseFrame:  pool.pool.BaseFrame(),
			FrameCount: pool.pool.FrameCount(),
			FreeFrames: pool.pool.FreeFrames(),
		})
	}

	for _, pool := range sys.VMPools {
		report.VMPools = append(report.VMPools, VMPoolReport{
			Name:        pool.Name,
			Base:        pool.Base(),
			Size:        pool.Size(),
			LiveRegions: len(pool.Regions()),
		})
	}

	return report
}

// Print writes a human-readable version of the report to w.
func (r *Report) Print(w io.Writer) {
	kfmt.Fprintf(w, "memory: %s\n", units.BytesSize(float64(r.Memory)))
	kfmt.Fprintf(w, "page faults: %d\n", r.PageFaults)
	kfmt.Fprintf(w, "words verified: %d\n", r.WordsVerified)

	for _, pool := range r.FramePools {
		kfmt.Fprintf(w, "frame pool %-8s frames %5d-%-5d free %5d/%-5d (%s free)\n",
			pool.Name,
			pool.BaseFrame, uint32(pool.BaseFrame)+pool.FrameCount-1,
			pool.FreeFrames, pool.FrameCount,
			units.BytesSize(float64(uint64(pool.FreeFrames)*uint64(mm.PageSize))),
		)
	}

	for _, pool := range r.VMPools {
		kfmt.Fprintf(w, "vm pool    %-8s base 0x%08x size %-9s released %d live %d\n",
			pool.Name, pool.Base, units.BytesSize(float64(pool.Size)), pool.RegionsReleased, pool.LiveRegions,
		)
	}
}
