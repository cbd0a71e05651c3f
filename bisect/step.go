package bisect

import (
	"encoding/hex"
	"fmt"
	"math/bits"

	"github.com/BitVM/BitVM-sub000/commit"
	"github.com/BitVM/BitVM-sub000/script"
	"github.com/BitVM/BitVM-sub000/u32"
	"github.com/BitVM/BitVM-sub000/wide"
)

// State is one 160-bit entry of an execution trace.
type State [20]byte

// String returns the state as hex.
func (s State) String() string { return hex.EncodeToString(s[:]) }

// ParseState decodes a 40 character hex state.
func ParseState(h string) (State, error) {
	var s State
	b, err := hex.DecodeString(h)
	if err != nil {
		return s, fmt.Errorf("bad state hex: %w", err)
	}
	if len(b) != len(s) {
		return s, fmt.Errorf("state is %d bytes, want %d", len(b), len(s))
	}
	copy(s[:], b)
	return s, nil
}

// Push pushes s with byte 19 on top.
func (s State) Push() *script.Script { return wide.U160Push(s.String()) }

// Step is the transition function whose single application the dispute
// checks on chain.
type Step interface {
	// Script replaces the state on top of the stack by its successor.
	Script() *script.Script
	// Apply computes the successor natively.
	Apply(State) State
}

// mixConstants are the first fractional words of pi.
var mixConstants = [5]uint32{0x243f6a88, 0x85a308d3, 0x13198a2e, 0x03707344, 0xa4093822}

// MixStep rotates every word right by 7 and adds a per-word constant, then
// adds word 3 into word 4.
type MixStep struct{}

func (MixStep) Script() *script.Script {
	s := script.New()
	for k := 0; k < 5; k++ {
		s.Append(u32.Roll(4), u32.RRot7(), u32.Push(mixConstants[k]), u32.AddDrop(1, 0))
	}
	return s.Append(u32.Add(1, 0))
}

func (MixStep) Apply(in State) State {
	w := commit.Words(in[:])
	for k := range w {
		w[k] = bits.RotateLeft32(w[k], -7) + mixConstants[k]
	}
	w[4] += w[3]
	var out State
	for k, v := range w {
		out[4*k] = byte(v >> 24)
		out[4*k+1] = byte(v >> 16)
		out[4*k+2] = byte(v >> 8)
		out[4*k+3] = byte(v)
	}
	return out
}

// Trace applies step n times starting at s0 and returns s_0..s_n.
func Trace(step Step, s0 State, n int) []State {
	out := make([]State, n+1)
	out[0] = s0
	for i := 1; i <= n; i++ {
		out[i] = step.Apply(out[i-1])
	}
	return out
}
