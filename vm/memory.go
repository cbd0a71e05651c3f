package vm

import (
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/txscript"

	"github.com/BitVM/BitVM-sub000/bisect"
	"github.com/BitVM/BitVM-sub000/commit"
	"github.com/BitVM/BitVM-sub000/merkle"
	"github.com/BitVM/BitVM-sub000/script"
	"github.com/BitVM/BitVM-sub000/sequence"
	"github.com/BitVM/BitVM-sub000/wide"
)

// Path names a memory path of the disputed step. A and B read the memory
// before the step, C is the written word before the write and CNext the
// same word after it.
type Path string

const (
	PathA     Path = "A"
	PathB     Path = "B"
	PathC     Path = "C"
	PathCNext Path = "C_NEXT"
)

// MerkleID names the prover's commitment to the node at level of path x.
// Levels 1 to depth-1 are committed; the leaf is the committed value and
// the root a committed memory root.
func MerkleID(x Path, level int) string { return fmt.Sprintf("MERKLE_%s_%d", x, level) }

// PickID names the verifier's choice of level on path x, one bit per level.
func PickID(x Path) string { return fmt.Sprintf("MERKLE_CHALLENGE_%s", x) }

func challengeOf(x Path) string {
	switch x {
	case PathA:
		return ChallengeValueA
	case PathB:
		return ChallengeValueB
	}
	return ChallengeValueC
}

func addressOf(x Path) string {
	switch x {
	case PathA:
		return AddressAID
	case PathB:
		return AddressBID
	}
	return AddressCID
}

func valueOf(x Path) string {
	switch x {
	case PathA:
		return ValueAID
	case PathB:
		return ValueBID
	}
	return ValueCID
}

func (s Snapshot) value(x Path) uint32 {
	switch x {
	case PathA:
		return s.ValueA
	case PathB:
		return s.ValueB
	}
	return s.ValueC
}

func (s Snapshot) address(x Path) uint32 {
	switch x {
	case PathA:
		return s.AddrA
	case PathB:
		return s.AddrB
	}
	return s.AddrC
}

// Paths are the memory paths of one step. C and CNext are empty for
// branches, which write nothing.
type Paths struct {
	A, B, C, CNext merkle.Path
}

func (p Paths) get(x Path) merkle.Path {
	switch x {
	case PathA:
		return p.A
	case PathB:
		return p.B
	case PathC:
		return p.C
	}
	return p.CNext
}

// Paths returns the memory paths of step k.
func (t *Trace) Paths(k int) (Paths, error) {
	if k < 0 || k >= len(t.Steps) {
		return Paths{}, fmt.Errorf("%w: step %d of %d", ErrStepLimit, k, len(t.Steps))
	}
	mem, err := t.MemoryAt(k)
	if err != nil {
		return Paths{}, err
	}
	s := t.Steps[k]
	var p Paths
	if p.A, err = mem.Path(s.AddrA); err != nil {
		return p, err
	}
	if p.B, err = mem.Path(s.AddrB); err != nil {
		return p, err
	}
	if s.Instruction.Op == Jmp || s.Instruction.Op == Beq {
		return p, nil
	}
	if p.C, err = mem.Path(s.AddrC); err != nil {
		return p, err
	}
	if err := mem.Set(s.AddrC, s.ValueC); err != nil {
		return p, err
	}
	p.CNext, err = mem.Path(s.AddrC)
	return p, err
}

// PCLeafName names the leaf answering a pc challenge for the step selected
// by (length, isAbove).
func PCLeafName(length int, isAbove bool) string {
	return fmt.Sprintf("pc_%d_%d", length, boolBit(isAbove))
}

// PCNextLeafName names the leaf answering a pc_next challenge.
func PCNextLeafName(length int, isAbove bool) string {
	return fmt.Sprintf("pc_next_%d_%d", length, boolBit(isAbove))
}

func boolBit(b bool) int {
	if b {
		return 1
	}
	return 0
}

// stateCheck hashes the committed pc and root into a trace state and
// compares it with state, which is parked on the alt stack meanwhile.
func (d *Dispute) stateCheck(state *script.Script, pcID, rootID string) *script.Script {
	return script.Concat(
		state, wide.U160ToAltStack(),
		commit.U32State(d.Prover, pcID), merkle.LeafScript(),
		commit.U160State(d.Prover, rootID),
		merkle.HashScript(),
		wide.U160FromAltStack(), wide.U160EqualVerify(),
	)
}

// PCLeaf lets the prover show that the committed pc and memory root are
// the ones the search agreed on before the selected step.
func (d *Dispute) PCLeaf(length int, isAbove bool) sequence.Leaf {
	sb := d.Search()
	return d.proverLeaf(PCLeafName(length, isAbove), script.Concat(
		d.challenged(ChallengePC),
		sb.SelectVerify(length, isAbove),
		d.stateCheck(sb.LowerState(length, isAbove), PCCurrID, RootBeforeID),
	))
}

// PCUnlock answers a pc challenge for s, the step sel selects.
func (d *Dispute) PCUnlock(sel bisect.Selection, s Snapshot) *script.Script {
	sb := d.Search()
	return script.Concat(
		commit.U160StateUnlock(d.Prover, RootBeforeID, s.RootBefore[:]),
		commit.U32StateUnlock(d.Prover, PCCurrID, s.PC),
		sb.LowerUnlock(sel, s.Before()),
		sb.SelectReveal(sel),
		d.challengeReveal(ChallengePC),
	)
}

// PCNextLeaf lets the prover show that the committed next pc and memory
// root hash to the state it claimed after the selected step.
func (d *Dispute) PCNextLeaf(length int, isAbove bool) sequence.Leaf {
	sb := d.Search()
	return d.proverLeaf(PCNextLeafName(length, isAbove), script.Concat(
		d.challenged(ChallengePCNext),
		sb.SelectVerify(length, isAbove),
		d.stateCheck(sb.UpperState(length, isAbove), PCNextID, RootAfterID),
	))
}

// PCNextUnlock answers a pc_next challenge for s.
func (d *Dispute) PCNextUnlock(sel bisect.Selection, s Snapshot) *script.Script {
	sb := d.Search()
	return script.Concat(
		commit.U160StateUnlock(d.Prover, RootAfterID, s.RootAfter[:]),
		commit.U32StateUnlock(d.Prover, PCNextID, s.NextPC),
		sb.UpperUnlock(sel, s.After()),
		sb.SelectReveal(sel),
		d.challengeReveal(ChallengePCNext),
	)
}

// ValueCUnchangedLeafName names the answer to a value_c challenge of a
// branch.
const ValueCUnchangedLeafName = "value_c_unchanged"

// ValueCUnchangedLeaf answers a value_c challenge of a branch: the memory
// roots around it are equal.
func (d *Dispute) ValueCUnchangedLeaf() sequence.Leaf {
	return d.proverLeaf(ValueCUnchangedLeafName, script.Concat(
		d.challenged(ChallengeValueC),
		d.branch(),
	).Op(txscript.OP_VERIFY).Append(
		commit.U160State(d.Prover, RootBeforeID),
		commit.U160State(d.Prover, RootAfterID),
		wide.U160EqualVerify(),
	))
}

// ValueCUnchangedUnlock answers a value_c challenge for the branch s.
func (d *Dispute) ValueCUnchangedUnlock(s Snapshot) *script.Script {
	return script.Concat(
		commit.U160StateUnlock(d.Prover, RootAfterID, s.RootAfter[:]),
		commit.U160StateUnlock(d.Prover, RootBeforeID, s.RootBefore[:]),
		commit.U8StateUnlock(d.Prover, TypeID, uint8(s.Instruction.Op)),
		d.challengeReveal(ChallengeValueC),
	)
}

// PathLeafName names the leaf committing to path x.
func PathLeafName(x Path) string { return "merkle_" + strings.ToLower(string(x)) }

// PathLeaf answers a value challenge by committing to the inner nodes of
// the challenged word's path. For C both the path before and after the
// write are committed, which only an ALU step may do.
func (d *Dispute) PathLeaf(x Path) sequence.Leaf {
	s := d.challenged(challengeOf(x))
	if x == PathC {
		s.Append(d.branch()).Op(txscript.OP_NOT, txscript.OP_VERIFY)
	}
	for l := 1; l < d.Depth; l++ {
		s.Append(commit.U160StateCommit(d.Prover, MerkleID(x, l)))
		if x == PathC {
			s.Append(commit.U160StateCommit(d.Prover, MerkleID(PathCNext, l)))
		}
	}
	return d.proverLeaf(PathLeafName(x), s)
}

// PathUnlock commits to path x of s from p.
func (d *Dispute) PathUnlock(x Path, s Snapshot, p Paths) (*script.Script, error) {
	path := p.get(x)
	if len(path.Nodes) != d.Depth+1 || (x == PathC && len(p.CNext.Nodes) != d.Depth+1) {
		return nil, script.Errorf("path_unlock", script.ErrOutOfRange, "no depth %d path %s", d.Depth, x)
	}
	out := script.New()
	for l := d.Depth - 1; l >= 1; l-- {
		if x == PathC {
			out.Append(commit.U160StateUnlock(d.Prover, MerkleID(PathCNext, l), p.CNext.Nodes[l][:]))
		}
		out.Append(commit.U160StateUnlock(d.Prover, MerkleID(x, l), path.Nodes[l][:]))
	}
	if x == PathC {
		out.Append(commit.U8StateUnlock(d.Prover, TypeID, uint8(s.Instruction.Op)))
	}
	out.Append(d.challengeReveal(challengeOf(x)))
	return out, out.Err()
}

// PickLeafName names the leaf choosing level on path x.
func PickLeafName(x Path, level int) string {
	return fmt.Sprintf("pick_%s_%d", strings.ToLower(string(x)), level)
}

// PickLeaf lets the verifier dispute level of path x. It opens a word of
// the path's first committed node, so it is only spendable once the prover
// committed to that path.
func (d *Dispute) PickLeaf(x Path, level int) sequence.Leaf {
	return d.verifierLeaf(PickLeafName(x, level), script.Concat(
		commit.PreimageVerify(d.Verifier, PickID(x), level, 1),
		commit.U32StateCommit(d.Prover, commit.WordID(MerkleID(x, 1), 0)),
	))
}

// PickUnlock picks level on path x whose first inner node the prover
// committed as node.
func (d *Dispute) PickUnlock(x Path, level int, node merkle.Node) *script.Script {
	return script.Concat(
		commit.U32StateUnlock(d.Prover, commit.WordID(MerkleID(x, 1), 0), commit.Words(node[:])[0]),
		commit.BitStateUnlock(d.Verifier, PickID(x), 1, level),
	)
}

// ProofLeafName names the proof of level on path x for address bit b.
func ProofLeafName(x Path, level, b int) string {
	return fmt.Sprintf("proof_%s_%d_%d", strings.ToLower(string(x)), level, b)
}

// child leaves the node at level of path x: the leaf of the committed
// value at level 0, a committed inner node above.
func (d *Dispute) child(x Path, level int) *script.Script {
	if level == 0 {
		value := valueOf(x)
		if x == PathCNext {
			value = ValueCID
		}
		return script.Concat(commit.U32State(d.Prover, value), merkle.LeafScript())
	}
	return commit.U160State(d.Prover, MerkleID(x, level))
}

// parent leaves the node above level on path x: a memory root on top.
func (d *Dispute) parent(x Path, level int) *script.Script {
	switch {
	case level+1 < d.Depth:
		return commit.U160State(d.Prover, MerkleID(x, level+1))
	case x == PathCNext:
		return commit.U160State(d.Prover, RootAfterID)
	}
	return commit.U160State(d.Prover, RootBeforeID)
}

// climb hashes the child on top with the sibling from the alt stack in
// address order and checks the result against the parent.
func (d *Dispute) climb(x Path, level, b int) *script.Script {
	s := wide.U160FromAltStack()
	if b == 1 {
		s.Append(wide.U160Roll(1))
	}
	return s.Append(merkle.HashScript(), d.parent(x, level), wide.U160EqualVerify())
}

// ProofLeaf lets the prover answer a pick of level on path x when bit
// level of the address is b: the sibling from the witness and the child
// hash to the parent. For C the same sibling has to lift both the old
// and the new child, and the old leaf is taken from the witness.
func (d *Dispute) ProofLeaf(x Path, level, b int) sequence.Leaf {
	s := script.Concat(
		commit.PreimageVerify(d.Verifier, PickID(x), level, 1),
		commit.U32StateBit(d.Prover, addressOf(x), level),
	).Int(b).Op(txscript.OP_NUMEQUALVERIFY).Append(merkle.CheckNode())
	if x != PathC {
		s.Append(wide.U160ToAltStack(), d.child(x, level), d.climb(x, level, b))
		return d.proverLeaf(ProofLeafName(x, level, b), s)
	}
	s.Append(wide.U160Pick(0), wide.U160ToAltStack(), wide.U160ToAltStack())
	if level == 0 {
		s.Append(merkle.CheckNode())
	} else {
		s.Append(d.child(PathC, level))
	}
	s.Append(d.climb(PathC, level, b), d.child(PathCNext, level), d.climb(PathCNext, level, b))
	return d.proverLeaf(ProofLeafName(x, level, b), s)
}

func (d *Dispute) nodeUnlock(x Path, level int, s Snapshot, p merkle.Path) *script.Script {
	switch {
	case level == 0:
		return commit.U32StateUnlock(d.Prover, ValueCID, s.ValueC)
	case level < d.Depth:
		return commit.U160StateUnlock(d.Prover, MerkleID(x, level), p.Nodes[level][:])
	case x == PathCNext:
		return commit.U160StateUnlock(d.Prover, RootAfterID, s.RootAfter[:])
	}
	return commit.U160StateUnlock(d.Prover, RootBeforeID, s.RootBefore[:])
}

// ProofUnlock answers a pick of level on path x of s from p.
func (d *Dispute) ProofUnlock(x Path, level int, s Snapshot, p Paths) (*script.Script, error) {
	path := p.get(x)
	if level < 0 || level >= d.Depth || len(path.Nodes) != d.Depth+1 ||
		(x == PathC && len(p.CNext.Nodes) != d.Depth+1) {
		return nil, script.Errorf("proof_unlock", script.ErrOutOfRange, "level %d of path %s", level, x)
	}
	out := script.New()
	if x == PathC {
		out.Append(d.nodeUnlock(PathCNext, level+1, s, p.CNext))
		out.Append(d.nodeUnlock(PathCNext, level, s, p.CNext))
		out.Append(d.nodeUnlock(PathC, level+1, s, path))
		if level == 0 {
			out.Append(path.Nodes[0].Unlock())
		} else {
			out.Append(d.nodeUnlock(PathC, level, s, path))
		}
	} else {
		out.Append(d.nodeUnlock(x, level+1, s, path))
		if level == 0 {
			out.Append(commit.U32StateUnlock(d.Prover, valueOf(x), s.value(x)))
		} else {
			out.Append(d.nodeUnlock(x, level, s, path))
		}
	}
	out.Append(
		path.Siblings[level].Unlock(),
		commit.U32StateBitUnlock(d.Prover, addressOf(x), s.address(x), level),
		commit.BitStateUnlock(d.Verifier, PickID(x), 1, level),
	)
	return out, out.Err()
}
