// Package kmain boots the memory subsystem of the emulated machine and runs
// workloads against it.
package kmain

import (
	"github.com/pkg/errors"

	"pagekernel/kernel"
	"pagekernel/kernel/cpu"
	"pagekernel/kernel/gate"
	"pagekernel/kernel/kfmt"
	"pagekernel/kernel/mm"
	"pagekernel/kernel/mm/pmm"
	"pagekernel/kernel/mm/vmm"
	"pagekernel/kernel/mm/vmpool"
)

// System holds the components of a booted memory subsystem.
type System struct {
	Memory      *mm.PhysicalMemory
	Registry    *pmm.Registry
	KernelPool  *pmm.ContFramePool
	ProcessPool *pmm.ContFramePool
	Registers   *cpu.Emulated
	Gate        *gate.Table
	Paging      *vmm.Paging
	PageTable   *vmm.PageTable
	VMPools     []*NamedPool
}

// NamedPool is a logical region pool tagged with its configured name.
type NamedPool struct {
	Name string
	*vmpool.VMPool
}

// Boot brings up the memory subsystem described by cfg: frame pools, the
// boot page table with paging enabled and the logical region pools. If the
// kernel halts while booting, the halt reason is returned as an error.
func Boot(cfg *Config) (sys *System, err error) {
	l, err := cfg.layout()
	if err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}

	defer recoverHalt(&err)
	return boot(l), nil
}

// Kmain boots the memory subsystem and runs the configured workload against
// every logical region pool.
func Kmain(cfg *Config) (*Report, error) {
	sys, err := Boot(cfg)
	if err != nil {
		return nil, err
	}

	return sys.RunWorkload(cfg.Workload)
}

// boot performs the boot sequence. Any error halts the system.
func boot(l *layout) *System {
	sys := &System{
		Memory:    mm.NewPhysicalMemory(l.memory),
		Registry:  &pmm.Registry{},
		Registers: &cpu.Emulated{},
		Gate:      &gate.Table{},
	}

	var err *kernel.Error
	if err = sys.initFramePools(l); err != nil {
		kfmt.Panic(err)
	} else if err = sys.initPaging(l); err != nil {
		kfmt.Panic(err)
	} else if err = sys.initVMPools(l); err != nil {
		kfmt.Panic(err)
	}

	kfmt.Logger("kmain").WithField("vm_pools", len(sys.VMPools)).Info("memory subsystem ready")
	return sys
}

func (sys *System) initFramePools(l *layout) *kernel.Error {
	var err *kernel.Error

	if sys.KernelPool, err = pmm.NewContFramePool(sys.Registry, sys.Memory, mm.Frame(l.kernelPool.BaseFrame), l.kernelPool.FrameCount, 0, 0); err != nil {
		return err
	}

	// A zero info frame count makes the pool use its own first frames
	var (
		infoFrame      mm.Frame
		infoFrameCount uint32
	)
	if l.processPool.InfoFrames == InfoFramesKernelPool {
		infoFrameCount = pmm.NeededInfoFrames(l.processPool.FrameCount)
		if infoFrame, err = sys.KernelPool.GetFrames(infoFrameCount); err != nil {
			return err
		}
	}

	if sys.ProcessPool, err = pmm.NewContFramePool(sys.Registry, sys.Memory, mm.Frame(l.processPool.BaseFrame), l.processPool.FrameCount, infoFrame, infoFrameCount); err != nil {
		return err
	}

	if l.holeSize == 0 {
		return nil
	}

	return sys.ProcessPool.MarkInaccessible(mm.FrameFromAddress(l.holeStart), mm.PageCount(l.holeSize))
}

func (sys *System) initPaging(l *layout) *kernel.Error {
	var err *kernel.Error

	if sys.Paging, err = vmm.InitPaging(vmm.Config{
		Registers:             sys.Registers,
		Gate:                  sys.Gate,
		Memory:                sys.Memory,
		KernelFrameAllocator:  sys.KernelPool.AllocFrame,
		ProcessFrameAllocator: sys.ProcessPool.AllocFrame,
		ReleaseFrames:         sys.Registry.ReleaseFrames,
		SharedSize:            l.sharedSize,
	}); err != nil {
		return err
	}

	if sys.PageTable, err = sys.Paging.NewPageTable(); err != nil {
		return err
	}

	sys.PageTable.Load()
	return sys.Paging.EnablePaging()
}

func (sys *System) initVMPools(l *layout) *kernel.Error {
	for _, poolLayout := range l.vmPools {
		pool, err := vmpool.New(poolLayout.base, poolLayout.size, sys.ProcessPool.AllocFrame, sys.PageTable, sys.Memory)
		if err != nil {
			return err
		}

		sys.VMPools = append(sys.VMPools, &NamedPool{Name: poolLayout.name, VMPool: pool})
	}

	return nil
}

// recoverHalt converts a system halt into an error. It must be invoked
// directly by a defer statement.
func recoverHalt(err *error) {
	if haltErr := kfmt.RecoverHalt(recover()); haltErr != nil {
		*err = errors.Wrap(haltErr, "kernel halted")
	}
}
