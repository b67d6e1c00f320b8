package pmm

import "testing"

func TestStateArrayPacking(t *testing.T) {
	arr := make(stateArray, stateArrayBytes(9))

	if exp, got := 3, len(arr); got != exp {
		t.Fatalf("expected 9 frames to need %d bytes; got %d", exp, got)
	}

	arr.set(0, FrameHead)
	arr.set(1, FrameInterior)
	arr.set(3, FrameHead)
	arr.set(4, FrameInterior)
	arr.set(8, FrameHead)

	// Each byte packs four frames, lowest frame in the lowest bits.
	if exp, got := byte(0x49), arr[0]; got != exp {
		t.Errorf("expected first block to be %08b; got %08b", exp, got)
	}
	if exp, got := byte(0x02), arr[1]; got != exp {
		t.Errorf("expected second block to be %08b; got %08b", exp, got)
	}

	expStates := []FrameState{
		FrameHead, FrameInterior, FrameFree, FrameHead,
		FrameInterior, FrameFree, FrameFree, FrameFree,
		FrameHead,
	}
	for index, exp := range expStates {
		if got := arr.get(uint32(index)); got != exp {
			t.Errorf("[frame %d] expected state %s; got %s", index, exp, got)
		}
	}

	// Overwriting a state must not disturb its neighbours
	arr.set(3, FrameFree)
	if got := arr.get(3); got != FrameFree {
		t.Errorf("expected frame 3 to be free; got %s", got)
	}
	if got := arr.get(4); got != FrameInterior {
		t.Errorf("expected frame 4 to stay interior; got %s", got)
	}
}

func TestFrameStateString(t *testing.T) {
	specs := []struct {
		state FrameState
		exp   string
	}{
		{FrameFree, "free"},
		{FrameHead, "head"},
		{FrameInterior, "interior"},
		{FrameState(3), "invalid"},
	}

	for specIndex, spec := range specs {
		if got := spec.state.String(); got != spec.exp {
			t.Errorf("[spec %d] expected %q; got %q", specIndex, spec.exp, got)
		}
	}
}
