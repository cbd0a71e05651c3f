package vm

import (
	"github.com/BitVM/BitVM-sub000/bisect"
	"github.com/BitVM/BitVM-sub000/commit"
	"github.com/BitVM/BitVM-sub000/merkle"
)

// Claimed rebuilds the step the prover committed to from the preimages o
// learned. It fails until the whole commit round was seen.
func Claimed(o *commit.Opponent) (Snapshot, bool) {
	var s Snapshot
	op, ok := o.U8Value(TypeID)
	if !ok {
		return s, false
	}
	s.Instruction.Op = Op(op)
	for _, w := range []struct {
		id  string
		dst *uint32
	}{
		{PCCurrID, &s.PC},
		{PCNextID, &s.NextPC},
		{AddressAID, &s.AddrA},
		{ValueAID, &s.ValueA},
		{AddressBID, &s.AddrB},
		{ValueBID, &s.ValueB},
		{AddressCID, &s.AddrC},
		{ValueCID, &s.ValueC},
	} {
		if *w.dst, ok = o.U32Value(w.id); !ok {
			return Snapshot{}, false
		}
	}
	before, ok := o.U160Value(RootBeforeID)
	if !ok {
		return Snapshot{}, false
	}
	after, ok := o.U160Value(RootAfterID)
	if !ok {
		return Snapshot{}, false
	}
	s.RootBefore, s.RootAfter = merkle.Node(before), merkle.Node(after)
	s.Instruction.A, s.Instruction.B, s.Instruction.C = s.AddrA, s.AddrB, s.AddrC
	return s, true
}

// LearnedNodes returns the inner nodes of path x the prover committed to,
// indexed by level. Index 0 is unset.
func LearnedNodes(o *commit.Opponent, x Path, depth int) ([]merkle.Node, bool) {
	out := make([]merkle.Node, depth)
	for l := 1; l < depth; l++ {
		v, ok := o.U160Value(MerkleID(x, l))
		if !ok {
			return nil, false
		}
		out[l] = merkle.Node(v)
	}
	return out, true
}

// executes reports whether s is consistent with its own operands.
func executes(s Snapshot) bool {
	next := s.PC + 1
	switch s.Instruction.Op {
	case Add:
		return s.ValueC == s.ValueA+s.ValueB && s.NextPC == next
	case Sub:
		return s.ValueC == s.ValueA-s.ValueB && s.NextPC == next
	case And:
		return s.ValueC == s.ValueA&s.ValueB && s.NextPC == next
	case Or:
		return s.ValueC == s.ValueA|s.ValueB && s.NextPC == next
	case Xor:
		return s.ValueC == s.ValueA^s.ValueB && s.NextPC == next
	case Jmp:
		return s.NextPC == s.ValueA
	case Beq:
		if s.ValueA == s.ValueB {
			return s.NextPC == s.AddrC
		}
		return s.NextPC == next
	}
	return false
}

// Refute picks the challenge that disproves claimed, given the step the
// verifier computed itself and the state the prover claimed after the
// step. Every check assumes the ones before it passed, so the chosen
// challenge is one the prover cannot answer. It returns false when the
// claim holds.
func (d *Dispute) Refute(claimed, honest Snapshot, upper bisect.State) (string, bool) {
	in, err := Fetch(d.Program, claimed.PC)
	switch {
	case err != nil || in != claimed.Instruction:
		return ChallengeInstruction, true
	case claimed.PC != honest.PC || claimed.RootBefore != honest.RootBefore:
		return ChallengePC, true
	case claimed.ValueA != honest.ValueA:
		return ChallengeValueA, true
	case claimed.ValueB != honest.ValueB:
		return ChallengeValueB, true
	case !executes(claimed):
		return ChallengeExecution, true
	case claimed.RootAfter != honest.RootAfter:
		return ChallengeValueC, true
	case claimed.After() != upper:
		return ChallengePCNext, true
	}
	return "", false
}

// PickLevel chooses the level of path x to dispute. committed and
// committedNext are the inner nodes the prover committed (committedNext
// only for C), honest the verifier's own paths of the step. It returns
// false when the committed path is correct.
//
// For A and B it picks the highest wrong node below the root, whose
// parent is right. For C it picks the highest wrong node of the old path
// if there is one; otherwise the old path is right, which fixes the
// siblings, and it picks the lowest level whose parent on the new path is
// wrong.
func PickLevel(x Path, claimed Snapshot, committed, committedNext []merkle.Node, honest Paths) (int, bool) {
	depth := len(committed)
	old := honest.get(x)
	if len(old.Nodes) != depth+1 {
		return 0, false
	}
	for l := depth - 1; l >= 1; l-- {
		if committed[l] != old.Nodes[l] {
			return l, true
		}
	}
	if x != PathC {
		return 0, merkle.LeafNode(claimed.value(x)) != old.Nodes[0]
	}
	next := honest.CNext
	if len(committedNext) != depth || len(next.Nodes) != depth+1 {
		return 0, false
	}
	for l := 0; l < depth; l++ {
		var above merkle.Node
		if l+1 == depth {
			above = claimed.RootAfter
		} else {
			above = committedNext[l+1]
		}
		if above != next.Nodes[l+1] {
			return l, true
		}
	}
	return 0, false
}
