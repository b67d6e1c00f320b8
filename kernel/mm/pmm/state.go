package pmm

// FrameState describes the allocation state of a physical frame.
type FrameState uint8

const (
	// FrameFree marks a frame that can be handed out by the allocator.
	FrameFree FrameState = iota

	// FrameHead marks the first frame of an allocated run.
	FrameHead

	// FrameInterior marks an allocated frame that follows the head of its
	// run.
	FrameInterior
)

// String implements fmt.Stringer for FrameState.
func (s FrameState) String() string {
	switch s {
	case FrameFree:
		return "free"
	case FrameHead:
		return "head"
	case FrameInterior:
		return "interior"
	default:
		return "invalid"
	}
}

const (
	// stateBits is the number of bits used to encode a FrameState.
	stateBits = 2

	stateMask = (1 << stateBits) - 1

	// statesPerByte is the number of frame states packed in each byte.
	statesPerByte = 8 / stateBits
)

// stateArray packs one FrameState per frame using stateBits bits each. The
// zero value of the backing storage corresponds to all frames being free.
type stateArray []byte

// stateArrayBytes returns the number of bytes needed to track frameCount
// frames.
func stateArrayBytes(frameCount uint32) uint32 {
	return (frameCount + statesPerByte - 1) / statesPerByte
}

func (a stateArray) get(index uint32) FrameState {
	shift := (index % statesPerByte) * stateBits
	return FrameState((a[index/statesPerByte] >> shift) & stateMask)
}

func (a stateArray) set(index uint32, state FrameState) {
	shift := (index % statesPerByte) * stateBits
	block := &a[index/statesPerByte]
	*block = (*block &^ (stateMask << shift)) | (byte(state) << shift)
}
