package mm

import (
	"encoding/binary"

	"pagekernel/kernel"
	"pagekernel/kernel/kfmt"
)

var errAccessOutOfRange = &kernel.Error{Module: "mm", Message: "physical address outside installed memory", Fatal: true}

// PhysicalMemory models the machine's installed RAM. Frame contents, page
// tables and allocator bookkeeping all live inside it and are accessed by
// physical address.
type PhysicalMemory struct {
	data []byte
}

// NewPhysicalMemory returns a zero-filled memory of size bytes rounded down
// to a whole number of frames.
func NewPhysicalMemory(size uint64) *PhysicalMemory {
	size &^= uint64(PageSize - 1)
	return &PhysicalMemory{data: make([]byte, size)}
}

// Size returns the installed memory size in bytes.
func (m *PhysicalMemory) Size() uint64 {
	return uint64(len(m.data))
}

// FrameCount returns the number of frames backed by this memory.
func (m *PhysicalMemory) FrameCount() uint32 {
	return uint32(uint64(len(m.data)) >> PageShift)
}

// Contains returns true if the run [frame, frame+count) is backed by RAM.
func (m *PhysicalMemory) Contains(frame Frame, count uint32) bool {
	return uint64(frame)+uint64(count) <= uint64(m.FrameCount())
}

// Slice returns a view over length bytes of memory starting at physAddr.
// Writes to the returned slice update the memory contents. Accessing memory
// that is not installed halts the system.
func (m *PhysicalMemory) Slice(physAddr, length uint32) []byte {
	end := uint64(physAddr) + uint64(length)
	if end > uint64(len(m.data)) {
		kfmt.Panic(errAccessOutOfRange)
	}
	return m.data[physAddr:end:end]
}

// FrameSlice returns a view over count frames starting at frame.
func (m *PhysicalMemory) FrameSlice(frame Frame, count uint32) []byte {
	return m.Slice(frame.Address(), count*PageSize)
}

// ReadWord returns the little-endian 32-bit word stored at physAddr.
func (m *PhysicalMemory) ReadWord(physAddr uint32) uint32 {
	return binary.LittleEndian.Uint32(m.Slice(physAddr, EntrySize))
}

// WriteWord stores a little-endian 32-bit word at physAddr.
func (m *PhysicalMemory) WriteWord(physAddr, value uint32) {
	binary.LittleEndian.PutUint32(m.Slice(physAddr, EntrySize), value)
}

// Memset sets size bytes starting at physAddr to the supplied value. Instead
// of using a for loop, this function uses log2(size) copy calls.
func (m *PhysicalMemory) Memset(physAddr uint32, value byte, size uint32) {
	if size == 0 {
		return
	}

	target := m.Slice(physAddr, size)
	target[0] = value
	for index := uint32(1); index < size; index *= 2 {
		copy(target[index:], target[:index])
	}
}
