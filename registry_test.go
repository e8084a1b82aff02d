package prioritask

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignalRegistry_Track_AssignsIncreasingIDs(t *testing.T) {
	r := newSignalRegistry()
	a := NewPriorityController().Signal()
	b := NewPriorityController().Signal()

	idA := r.track(a)
	idB := r.track(b)

	assert.Less(t, idA, idB)
	assert.Equal(t, 2, r.Len())
}

func TestSignalRegistry_Scavenge_DropsCollectedEntries(t *testing.T) {
	r := newSignalRegistry()

	func() {
		signal := NewPriorityController().Signal()
		r.track(signal)
	}()

	kept := NewPriorityController().Signal()
	r.track(kept)

	deadline := 20
	for i := 0; i < deadline; i++ {
		runtime.GC()
		r.Scavenge(256)
		if r.Len() == 1 {
			break
		}
	}

	require.Equal(t, 1, r.Len())
}

func TestSignalRegistry_Scavenge_ZeroBatchIsNoop(t *testing.T) {
	r := newSignalRegistry()
	signal := NewPriorityController().Signal()
	r.track(signal)

	assert.NotPanics(t, func() { r.Scavenge(0) })
	assert.Equal(t, 1, r.Len())
}

func TestSignalRegistry_Scavenge_EmptyRegistryIsNoop(t *testing.T) {
	r := newSignalRegistry()
	assert.NotPanics(t, func() { r.Scavenge(256) })
	assert.Equal(t, 0, r.Len())
}

func TestSignalRegistry_CompactAndRenew_PreservesLiveEntries(t *testing.T) {
	r := newSignalRegistry()
	signals := make([]*PrioritySignal, 8)
	for i := range signals {
		signals[i] = NewPriorityController().Signal()
		r.track(signals[i])
	}

	r.compactAndRenew()

	assert.Equal(t, 8, r.Len())
	assert.Len(t, r.ring, 8)
}
