package agent

import (
	"math/rand/v2"

	"github.com/janpfeifer/tetrisGo/internal/generics"
)

// Transition of one placement: the features of the board before and after it, the reward and whether
// the game ended.
type Transition struct {
	State, Next []float32
	Reward      float32
	Terminal    bool
}

// ReplayBuffer is a bounded FIFO of transitions: the oldest are evicted first.
type ReplayBuffer struct {
	ring *generics.Ring[Transition]
}

// NewReplayBuffer creates an empty buffer that holds at most capacity transitions.
func NewReplayBuffer(capacity int) *ReplayBuffer {
	return &ReplayBuffer{ring: generics.NewRing[Transition](capacity)}
}

// Len returns the number of transitions held.
func (rb *ReplayBuffer) Len() int { return rb.ring.Len() }

// Cap returns the capacity of the buffer.
func (rb *ReplayBuffer) Cap() int { return rb.ring.Cap() }

// Push appends a transition, evicting the oldest if full.
func (rb *ReplayBuffer) Push(t Transition) { rb.ring.Push(t) }

// At returns the i-th transition, 0 being the oldest.
func (rb *ReplayBuffer) At(i int) Transition { return rb.ring.At(i) }

// MarkLastTerminal flags the most recent transition as the end of its episode. No-op if empty.
func (rb *ReplayBuffer) MarkLastTerminal() {
	last := rb.ring.Len() - 1
	if last < 0 {
		return
	}
	t := rb.ring.At(last)
	t.Terminal = true
	rb.ring.Set(last, t)
}

// Sample returns n distinct transitions chosen uniformly at random, regardless of their age.
// If n >= Len, all transitions are returned, shuffled.
func (rb *ReplayBuffer) Sample(rng *rand.Rand, n int) []Transition {
	size := rb.ring.Len()
	n = min(n, size)
	// Partial Fisher-Yates over the indices.
	indices := make([]int, size)
	for ii := range indices {
		indices[ii] = ii
	}
	sample := make([]Transition, n)
	for ii := range n {
		jj := ii + rng.IntN(size-ii)
		indices[ii], indices[jj] = indices[jj], indices[ii]
		sample[ii] = rb.ring.At(indices[ii])
	}
	return sample
}
