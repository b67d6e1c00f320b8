package kmain

import (
	"os"

	units "github.com/docker/go-units"
	"github.com/pelletier/go-toml"
	"github.com/pkg/errors"

	"pagekernel/kernel/mm"
)

const (
	// InfoFramesInternal keeps a pool's state array in its own first
	// frames.
	InfoFramesInternal = "internal"

	// InfoFramesKernelPool allocates a pool's state array from the kernel
	// frame pool.
	InfoFramesKernelPool = "kernel_pool"

	// MaxWorkloadWords is the largest region, in 32-bit words, that fits
	// in the 32-bit address space.
	MaxWorkloadWords = (1<<32 - 1) / 4
)

// Config describes the layout of the emulated machine and the workload that
// is run once the memory subsystem is up. Sizes and addresses are
// human-readable strings such as "32MiB" or "512k".
type Config struct {
	// Memory is the amount of installed physical memory.
	Memory string `toml:"memory"`

	// SharedSize is the size of the identity-mapped range at the bottom
	// of every address space.
	SharedSize string `toml:"shared_size"`

	KernelPool  FramePoolConfig `toml:"kernel_pool"`
	ProcessPool FramePoolConfig `toml:"process_pool"`

	// Hole is a physical range inside the process pool that is never
	// handed out.
	Hole HoleConfig `toml:"hole"`

	VMPools  []VMPoolConfig `toml:"vm_pools"`
	Workload WorkloadConfig `toml:"workload"`
}

// FramePoolConfig describes a contiguous frame pool.
type FramePoolConfig struct {
	BaseFrame  uint32 `toml:"base_frame"`
	FrameCount uint32 `toml:"frame_count"`

	// InfoFrames selects where the pool keeps its frame state array;
	// either InfoFramesInternal or InfoFramesKernelPool.
	InfoFrames string `toml:"info_frames"`
}

// HoleConfig describes a physical memory range that must not be allocated.
type HoleConfig struct {
	Start string `toml:"start"`
	Size  string `toml:"size"`
}

// VMPoolConfig describes a logical region pool in the boot address space.
type VMPoolConfig struct {
	Name string `toml:"name"`
	Base string `toml:"base"`
	Size string `toml:"size"`
}

// WorkloadConfig controls the memory references generated against each
// logical region pool.
type WorkloadConfig struct {
	// Iterations is the number of regions allocated, verified and
	// released per pool.
	Iterations int `toml:"iterations"`

	// Words is the number of 32-bit words in each region.
	Words uint32 `toml:"words"`
}

// DefaultConfig returns the configuration of the reference machine: 32MiB of
// RAM, a kernel pool covering [2MiB, 4MiB), a process pool covering [4MiB,
// 32MiB) with a 1MiB hole at 15MiB and two logical pools for code and heap.
func DefaultConfig() *Config {
	return &Config{
		Memory:     "32MiB",
		SharedSize: "4MiB",
		KernelPool: FramePoolConfig{
			BaseFrame:  512,
			FrameCount: 512,
			InfoFrames: InfoFramesInternal,
		},
		ProcessPool: FramePoolConfig{
			BaseFrame:  1024,
			FrameCount: 7168,
			InfoFrames: InfoFramesKernelPool,
		},
		Hole: HoleConfig{
			Start: "15MiB",
			Size:  "1MiB",
		},
		VMPools: []VMPoolConfig{
			{Name: "code", Base: "512MiB", Size: "256MiB"},
			{Name: "heap", Base: "1GiB", Size: "256MiB"},
		},
		Workload: WorkloadConfig{
			Iterations: 50,
			Words:      100,
		},
	}
}

// LoadConfig reads a TOML configuration file. Settings missing from the file
// keep their default values.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading config file")
	}

	return ParseConfig(data)
}

// ParseConfig decodes a TOML document into a Config. Settings missing from
// the document keep their default values.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, "decoding config")
	}

	return cfg, nil
}

// Marshal encodes the configuration as TOML.
func (cfg *Config) Marshal() ([]byte, error) {
	data, err := toml.Marshal(*cfg)
	return data, errors.Wrap(err, "encoding config")
}

// validate checks that every region generated by the workload can be
// reserved in a 32-bit address space.
func (w WorkloadConfig) validate() error {
	switch {
	case w.Iterations < 0:
		return errors.New("workload iterations must not be negative")
	case w.Words == 0 || w.Words > MaxWorkloadWords:
		return errors.Errorf("workload words must be between 1 and %d; got %d", MaxWorkloadWords, w.Words)
	}
	return nil
}

// layout is the resolved, validated form of a Config.
type layout struct {
	memory      uint64
	sharedSize  uint32
	kernelPool  FramePoolConfig
	processPool FramePoolConfig
	holeStart   uint32
	holeSize    uint32
	vmPools     []vmPoolLayout
	workload    WorkloadConfig
}

type vmPoolLayout struct {
	name string
	base uint32
	size uint32
}

// layout parses the sizes in cfg and checks that the resulting machine
// layout is consistent.
func (cfg *Config) layout() (*layout, error) {
	var (
		l   = &layout{kernelPool: cfg.KernelPool, processPool: cfg.ProcessPool, workload: cfg.Workload}
		err error
	)

	if l.memory, err = parseSize("memory", cfg.Memory, 1<<32); err != nil {
		return nil, err
	}

	sizes := []struct {
		name  string
		value string
		dst   *uint32
	}{
		{"shared_size", cfg.SharedSize, &l.sharedSize},
		{"hole.start", cfg.Hole.Start, &l.holeStart},
		{"hole.size", cfg.Hole.Size, &l.holeSize},
	}
	for _, size := range sizes {
		v, err := parseSize(size.name, size.value, 1<<32-1)
		if err != nil {
			return nil, err
		}
		*size.dst = uint32(v)
	}

	switch {
	case l.memory%uint64(mm.PageSize) != 0:
		return nil, errors.Errorf("memory size %d is not a multiple of the page size", l.memory)
	case l.sharedSize%mm.PageSize != 0 || uint64(l.sharedSize) > l.memory:
		return nil, errors.Errorf("shared size %d must be page-aligned and not exceed installed memory", l.sharedSize)
	case l.holeStart%mm.PageSize != 0 || l.holeSize%mm.PageSize != 0:
		return nil, errors.New("hole start and size must be page-aligned")
	}

	if err = l.workload.validate(); err != nil {
		return nil, err
	}

	for _, pool := range []struct {
		name string
		cfg  FramePoolConfig
	}{
		{"kernel_pool", l.kernelPool},
		{"process_pool", l.processPool},
	} {
		if pool.cfg.InfoFrames != InfoFramesInternal && pool.cfg.InfoFrames != InfoFramesKernelPool {
			return nil, errors.Errorf("%s: unknown info_frames source %q", pool.name, pool.cfg.InfoFrames)
		}
	}

	if l.kernelPool.InfoFrames != InfoFramesInternal {
		return nil, errors.New("kernel_pool: info frames must be internal")
	}

	for i, pool := range cfg.VMPools {
		base, err := parseSize("vm_pools.base", pool.Base, 1<<32-1)
		if err != nil {
			return nil, errors.Wrapf(err, "vm pool %d", i)
		}

		size, err := parseSize("vm_pools.size", pool.Size, 1<<32)
		if err != nil {
			return nil, errors.Wrapf(err, "vm pool %d", i)
		}

		switch {
		case base+size > 1<<32:
			return nil, errors.Errorf("vm pool %q does not fit in the 32-bit address space", pool.Name)
		case base < uint64(l.sharedSize):
			return nil, errors.Errorf("vm pool %q overlaps the shared range [0, 0x%x)", pool.Name, l.sharedSize)
		}

		for _, other := range l.vmPools {
			if base < uint64(other.base)+uint64(other.size) && uint64(other.base) < base+size {
				return nil, errors.Errorf("vm pool %q overlaps vm pool %q", pool.Name, other.name)
			}
		}

		l.vmPools = append(l.vmPools, vmPoolLayout{name: pool.Name, base: uint32(base), size: uint32(size)})
	}

	return l, nil
}

// parseSize converts a human-readable size such as "4MiB" into bytes.
func parseSize(name, value string, max uint64) (uint64, error) {
	v, err := units.RAMInBytes(value)
	if err != nil {
		return 0, errors.Wrapf(err, "parsing %s", name)
	}

	if v < 0 || uint64(v) > max {
		return 0, errors.Errorf("%s: value %d out of range", name, v)
	}

	return uint64(v), nil
}
