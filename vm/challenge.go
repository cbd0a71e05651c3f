package vm

import (
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/txscript"

	"github.com/BitVM/BitVM-sub000/bisect"
	"github.com/BitVM/BitVM-sub000/commit"
	"github.com/BitVM/BitVM-sub000/merkle"
	"github.com/BitVM/BitVM-sub000/script"
	"github.com/BitVM/BitVM-sub000/sequence"
	"github.com/BitVM/BitVM-sub000/u32"
)

// Prover commitments of the disputed step.
const (
	TypeID       = "INSTRUCTION_TYPE"
	ValueAID     = "INSTRUCTION_VALUE_A"
	AddressAID   = "INSTRUCTION_ADDRESS_A"
	ValueBID     = "INSTRUCTION_VALUE_B"
	AddressBID   = "INSTRUCTION_ADDRESS_B"
	ValueCID     = "INSTRUCTION_VALUE_C"
	AddressCID   = "INSTRUCTION_ADDRESS_C"
	PCCurrID     = "INSTRUCTION_PC_CURR"
	PCNextID     = "INSTRUCTION_PC_NEXT"
	RootBeforeID = "MEMORY_ROOT_BEFORE"
	RootAfterID  = "MEMORY_ROOT_AFTER"
)

// Verifier challenges. Each is a single hashlock the verifier opens.
const (
	ChallengeExecution   = "CHALLENGE_EXECUTION"
	ChallengeInstruction = "CHALLENGE_INSTRUCTION"
	ChallengeValueA      = "CHALLENGE_VALUE_A"
	ChallengeValueB      = "CHALLENGE_VALUE_B"
	ChallengeValueC      = "CHALLENGE_VALUE_C"
	ChallengePC          = "CHALLENGE_PC"
	ChallengePCNext      = "CHALLENGE_PC_NEXT"
)

// Challenges lists the verifier's options in leaf order.
var Challenges = []string{
	ChallengeExecution,
	ChallengeInstruction,
	ChallengeValueA,
	ChallengeValueB,
	ChallengeValueC,
	ChallengePC,
	ChallengePCNext,
}

// Dispute binds both parties to a dispute over the first 2^H steps of
// Program run on Memory: a bisection down to one step, then a challenge of
// that step's instruction, values and memory paths. Either side builds the
// same scripts from its own Player and the other's Opponent. The fields
// must not change once a leaf was built.
type Dispute struct {
	Prover      commit.Actor
	Verifier    commit.Actor
	ProverKey   *btcec.PublicKey
	VerifierKey *btcec.PublicKey
	Program     []Instruction
	Memory      []uint32
	// Depth is the depth of the memory tree.
	Depth int
	// H is the number of bisection rounds.
	H       int
	Timeout uint32

	search *bisect.Dispute
}

// Search is the bisection the dispute starts with. Its initial state
// commits to pc 0 and the initial memory.
func (d *Dispute) Search() *bisect.Dispute {
	if d.search != nil {
		return d.search
	}
	var initial bisect.State
	if t, err := merkle.NewTree(d.Depth, d.Memory); err == nil {
		initial = StateOf(0, t.Root())
	}
	d.search = &bisect.Dispute{
		Prover: d.Prover, Verifier: d.Verifier,
		ProverKey: d.ProverKey, VerifierKey: d.VerifierKey,
		Initial: initial,
		Params:  bisect.Params{H: d.H, Timeout: d.Timeout},
	}
	return d.search
}

// Rounds after the search.
func (d *Dispute) CommitRound() int    { return 2*d.H + 2 }
func (d *Dispute) ChallengeRound() int { return 2*d.H + 3 }
func (d *Dispute) ResponseRound() int  { return 2*d.H + 4 }
func (d *Dispute) PickRound() int      { return 2*d.H + 5 }
func (d *Dispute) ProofRound() int     { return 2*d.H + 6 }
func (d *Dispute) JusticeRound() int   { return 2*d.H + 7 }

// ProverFields lists the prover's commitments.
func (d *Dispute) ProverFields() []commit.Field {
	out := d.Search().ProverFields()
	out = append(out, commit.Field{ID: TypeID, Width: commit.U8})
	for _, id := range []string{PCCurrID, PCNextID, AddressAID, ValueAID, AddressBID, ValueBID, AddressCID, ValueCID} {
		out = append(out, commit.Field{ID: id, Width: commit.U32})
	}
	out = append(out,
		commit.Field{ID: RootBeforeID, Width: commit.U160},
		commit.Field{ID: RootAfterID, Width: commit.U160})
	for _, x := range []Path{PathA, PathB, PathC, PathCNext} {
		for l := 1; l < d.Depth; l++ {
			out = append(out, commit.Field{ID: MerkleID(x, l), Width: commit.U160})
		}
	}
	return out
}

// VerifierFields lists the verifier's commitments.
func (d *Dispute) VerifierFields() []commit.Field {
	out := d.Search().VerifierFields()
	for _, id := range Challenges {
		out = append(out, commit.Field{ID: id, Width: commit.Bit})
	}
	for _, x := range []Path{PathA, PathB, PathC} {
		for l := 0; l < d.Depth; l++ {
			out = append(out, commit.Field{ID: PickID(x), Width: commit.Bit, Index: l})
		}
	}
	return out
}

func (d *Dispute) check() error {
	if d.Prover == nil || d.Verifier == nil || d.ProverKey == nil || d.VerifierKey == nil {
		return script.Errorf("vm", script.ErrInvalidOperands, "incomplete dispute")
	}
	if d.H < 1 || d.H > 16 {
		return script.Errorf("vm", script.ErrOutOfRange, "H=%d", d.H)
	}
	if len(d.Program) == 0 {
		return script.Errorf("vm", script.ErrInvalidOperands, "empty program")
	}
	if d.Depth < 2 || d.Depth > merkle.MaxDepth {
		return script.Errorf("vm", script.ErrOutOfRange, "memory depth %d", d.Depth)
	}
	if len(d.Memory) > 1<<uint(d.Depth) {
		return script.Errorf("vm", script.ErrOutOfRange, "%d words in a depth %d memory", len(d.Memory), d.Depth)
	}
	size := uint64(1) << uint(d.Depth)
	for pc, in := range d.Program {
		if _, ok := opNames[in.Op]; !ok {
			return script.Errorf("vm", script.ErrInvalidOperands, "pc %d: %v", pc, ErrUnknownOp)
		}
		writes := in.Op != Jmp && in.Op != Beq
		if uint64(in.A) >= size || uint64(in.B) >= size || (writes && uint64(in.C) >= size) {
			return script.Errorf("vm", script.ErrOutOfRange, "pc %d: %v", pc, ErrAddress)
		}
	}
	r := commit.NewRegistry()
	for _, f := range append(d.ProverFields(), d.VerifierFields()...) {
		if err := r.Add(f); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispute) proverLeaf(name string, body *script.Script) sequence.Leaf {
	return sequence.SignedLeaf(name, body, d.VerifierKey, d.ProverKey)
}

func (d *Dispute) verifierLeaf(name string, body *script.Script) sequence.Leaf {
	return sequence.SignedLeaf(name, body, d.ProverKey, d.VerifierKey)
}

// CommitLeafName names the leaf committing to the selected step.
const CommitLeafName = "commit_instruction"

// CommitInstructionLeaf lets the prover commit to every part of the step
// the search selected.
func (d *Dispute) CommitInstructionLeaf() sequence.Leaf {
	return d.proverLeaf(CommitLeafName, script.Concat(
		commit.U32StateCommit(d.Prover, PCCurrID),
		commit.U32StateCommit(d.Prover, PCNextID),
		commit.U8StateCommit(d.Prover, TypeID),
		commit.U32StateCommit(d.Prover, AddressAID),
		commit.U32StateCommit(d.Prover, ValueAID),
		commit.U32StateCommit(d.Prover, AddressBID),
		commit.U32StateCommit(d.Prover, ValueBID),
		commit.U32StateCommit(d.Prover, AddressCID),
		commit.U32StateCommit(d.Prover, ValueCID),
		commit.U160StateCommit(d.Prover, RootBeforeID),
		commit.U160StateCommit(d.Prover, RootAfterID),
	))
}

// CommitInstructionUnlock reveals s.
func (d *Dispute) CommitInstructionUnlock(s Snapshot) *script.Script {
	return script.Concat(
		commit.U160StateUnlock(d.Prover, RootAfterID, s.RootAfter[:]),
		commit.U160StateUnlock(d.Prover, RootBeforeID, s.RootBefore[:]),
		commit.U32StateUnlock(d.Prover, ValueCID, s.ValueC),
		commit.U32StateUnlock(d.Prover, AddressCID, s.AddrC),
		commit.U32StateUnlock(d.Prover, ValueBID, s.ValueB),
		commit.U32StateUnlock(d.Prover, AddressBID, s.AddrB),
		commit.U32StateUnlock(d.Prover, ValueAID, s.ValueA),
		commit.U32StateUnlock(d.Prover, AddressAID, s.AddrA),
		commit.U8StateUnlock(d.Prover, TypeID, uint8(s.Instruction.Op)),
		commit.U32StateUnlock(d.Prover, PCNextID, s.NextPC),
		commit.U32StateUnlock(d.Prover, PCCurrID, s.PC),
	)
}

// CommitRoot holds the commit leaf, the prover's leaves against a verifier
// that contradicted its own search answers, and the verifier's timeout.
func (d *Dispute) CommitRoot() []sequence.Leaf {
	out := append([]sequence.Leaf{d.CommitInstructionLeaf()}, d.Search().ChallengeJusticeLeaves()...)
	return append(out, sequence.TimeoutLeaf("timeout", d.Timeout, d.VerifierKey))
}

// ChallengeLeafName names the leaf opening challenge id.
func ChallengeLeafName(id string) string { return strings.ToLower(id) }

// ChallengeRoot lets the verifier pick one challenge, or the prover take
// the funds if the verifier stalls.
func (d *Dispute) ChallengeRoot() []sequence.Leaf {
	out := make([]sequence.Leaf, 0, len(Challenges)+1)
	for _, id := range Challenges {
		out = append(out, d.verifierLeaf(ChallengeLeafName(id), commit.PreimageVerify(d.Verifier, id, 0, 1)))
	}
	return append(out, sequence.TimeoutLeaf("timeout", d.Timeout, d.ProverKey))
}

// ChallengeUnlock opens challenge id.
func (d *Dispute) ChallengeUnlock(id string) *script.Script {
	return commit.BitStateUnlock(d.Verifier, id, 1, 0)
}

func (d *Dispute) challenged(id string) *script.Script {
	return commit.PreimageVerify(d.Verifier, id, 0, 1)
}

func (d *Dispute) challengeReveal(id string) *script.Script {
	return commit.BitStateUnlock(d.Verifier, id, 1, 0)
}

func (d *Dispute) opIs(op Op) *script.Script {
	return commit.U8State(d.Prover, TypeID).Int(int(op)).Op(txscript.OP_EQUALVERIFY)
}

// branch reads the committed type and leaves whether it is JMP or BEQ.
func (d *Dispute) branch() *script.Script {
	return commit.U8State(d.Prover, TypeID).
		Op(txscript.OP_DUP).Int(int(Jmp)).Op(txscript.OP_NUMEQUAL, txscript.OP_SWAP).
		Int(int(Beq)).Op(txscript.OP_NUMEQUAL, txscript.OP_BOOLOR)
}

// incremented reads id and leaves its value plus one.
func (d *Dispute) incremented(id string) *script.Script {
	return commit.U32State(d.Prover, id).Append(u32.Push(1), u32.AddDrop(0, 1))
}

// alu checks value_c = f(value_a, value_b) and pc_next = pc_curr + 1.
func (d *Dispute) alu(op Op) *script.Script {
	s := script.Concat(d.challenged(ChallengeExecution), d.opIs(op))
	for _, id := range []string{ValueAID, ValueBID, ValueCID} {
		s.Append(commit.U32State(d.Prover, id), u32.ToAltStack())
	}
	s.Append(d.incremented(PCCurrID), u32.ToAltStack(),
		commit.U32State(d.Prover, PCNextID), u32.FromAltStack(), u32.EqualVerify())

	bitwise := op == And || op == Or || op == Xor
	if bitwise {
		s.Append(u32.PushTable())
	}
	// value_c, value_b, value_a with a on top.
	s.Append(u32.FromAltStack(), u32.FromAltStack(), u32.FromAltStack())
	switch op {
	case Add:
		s.Append(u32.AddDrop(0, 1))
	case Sub:
		s.Append(u32.SubDrop(0, 1))
	case And:
		s.Append(u32.AndDrop(0, 1, 3))
	case Or:
		s.Append(u32.OrDrop(0, 1, 3))
	case Xor:
		s.Append(u32.XorDrop(0, 1, 3))
	}
	s.Append(u32.EqualVerify())
	if bitwise {
		s.Append(u32.DropTable())
	}
	return s
}

// jmp checks pc_next = value_a.
func (d *Dispute) jmp() *script.Script {
	return script.Concat(
		d.challenged(ChallengeExecution), d.opIs(Jmp),
		commit.U32State(d.Prover, PCNextID), u32.ToAltStack(),
		commit.U32State(d.Prover, ValueAID), u32.FromAltStack(), u32.EqualVerify(),
	)
}

// beq checks pc_next = address_c when value_a = value_b, pc_curr + 1
// otherwise.
func (d *Dispute) beq() *script.Script {
	return script.Concat(
		d.challenged(ChallengeExecution), d.opIs(Beq),
		commit.U32State(d.Prover, PCNextID), u32.ToAltStack(),
		d.incremented(PCCurrID), u32.ToAltStack(),
		commit.U32State(d.Prover, AddressCID), u32.ToAltStack(),
		commit.U32State(d.Prover, ValueBID), u32.ToAltStack(),
		commit.U32State(d.Prover, ValueAID), u32.FromAltStack(), u32.Equal(),
	).Op(txscript.OP_IF).
		Append(u32.FromAltStack(), u32.FromAltStack(), u32.Drop()).
		Op(txscript.OP_ELSE).
		Append(u32.FromAltStack(), u32.Drop(), u32.FromAltStack()).
		Op(txscript.OP_ENDIF).
		Append(u32.FromAltStack(), u32.EqualVerify())
}

// ExecuteLeafName names the leaf re-executing op.
func ExecuteLeafName(op Op) string { return "execute_" + strings.ToLower(op.String()) }

// ExecuteLeaf lets the prover answer an execution challenge by re-running
// the committed step of type op in script.
func (d *Dispute) ExecuteLeaf(op Op) sequence.Leaf {
	var lock *script.Script
	switch op {
	case Jmp:
		lock = d.jmp()
	case Beq:
		lock = d.beq()
	case Add, Sub, And, Or, Xor:
		lock = d.alu(op)
	default:
		lock = script.New().Fail(script.Errorf("execute_leaf", script.ErrInvalidOperands, "%v", op))
	}
	return d.proverLeaf(ExecuteLeafName(op), lock)
}

// ExecuteUnlock answers an execution challenge for s.
func (d *Dispute) ExecuteUnlock(s Snapshot) (*script.Script, error) {
	out := script.New()
	op := s.Instruction.Op
	switch op {
	case Add, Sub, And, Or, Xor:
		out.Append(
			commit.U32StateUnlock(d.Prover, PCNextID, s.NextPC),
			commit.U32StateUnlock(d.Prover, PCCurrID, s.PC),
			commit.U32StateUnlock(d.Prover, ValueCID, s.ValueC),
			commit.U32StateUnlock(d.Prover, ValueBID, s.ValueB),
			commit.U32StateUnlock(d.Prover, ValueAID, s.ValueA),
		)
	case Jmp:
		out.Append(
			commit.U32StateUnlock(d.Prover, ValueAID, s.ValueA),
			commit.U32StateUnlock(d.Prover, PCNextID, s.NextPC),
		)
	case Beq:
		out.Append(
			commit.U32StateUnlock(d.Prover, ValueAID, s.ValueA),
			commit.U32StateUnlock(d.Prover, ValueBID, s.ValueB),
			commit.U32StateUnlock(d.Prover, AddressCID, s.AddrC),
			commit.U32StateUnlock(d.Prover, PCCurrID, s.PC),
			commit.U32StateUnlock(d.Prover, PCNextID, s.NextPC),
		)
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownOp, uint8(op))
	}
	out.Append(
		commit.U8StateUnlock(d.Prover, TypeID, uint8(op)),
		d.challengeReveal(ChallengeExecution),
	)
	return out, out.Err()
}

// InstructionLeafName names the leaf proving the instruction at pc.
func InstructionLeafName(pc int) string { return fmt.Sprintf("instruction_%d", pc) }

// InstructionLeaf lets the prover answer an instruction challenge by
// showing that the committed step is program line pc. Line len(Program)
// is the halt instruction.
func (d *Dispute) InstructionLeaf(pc int) sequence.Leaf {
	in, err := Fetch(d.Program, uint32(pc))
	if err != nil || pc < 0 {
		return d.proverLeaf(InstructionLeafName(pc),
			script.New().Fail(script.Errorf("instruction_leaf", script.ErrOutOfRange, "pc %d", pc)))
	}
	return d.proverLeaf(InstructionLeafName(pc), script.Concat(
		d.challenged(ChallengeInstruction),
		commit.U32State(d.Prover, PCCurrID), u32.Push(uint32(pc)), u32.EqualVerify(),
		d.opIs(in.Op),
		commit.U32State(d.Prover, AddressAID), u32.Push(in.A), u32.EqualVerify(),
		commit.U32State(d.Prover, AddressBID), u32.Push(in.B), u32.EqualVerify(),
		commit.U32State(d.Prover, AddressCID), u32.Push(in.C), u32.EqualVerify(),
	))
}

// InstructionUnlock answers an instruction challenge for s.
func (d *Dispute) InstructionUnlock(s Snapshot) *script.Script {
	return script.Concat(
		commit.U32StateUnlock(d.Prover, AddressCID, s.AddrC),
		commit.U32StateUnlock(d.Prover, AddressBID, s.AddrB),
		commit.U32StateUnlock(d.Prover, AddressAID, s.AddrA),
		commit.U8StateUnlock(d.Prover, TypeID, uint8(s.Instruction.Op)),
		commit.U32StateUnlock(d.Prover, PCCurrID, s.PC),
		d.challengeReveal(ChallengeInstruction),
	)
}

// ResponseRoot holds an answer to every challenge. Execution and
// instruction challenges are settled here, pc challenges against the
// states of the search, and value challenges either here or by the Merkle
// path the prover commits to.
func (d *Dispute) ResponseRoot() []sequence.Leaf {
	var out []sequence.Leaf
	for _, op := range Ops {
		out = append(out, d.ExecuteLeaf(op))
	}
	for pc := 0; pc <= len(d.Program); pc++ {
		out = append(out, d.InstructionLeaf(pc))
	}
	for _, above := range []bool{false, true} {
		for l := 0; l < d.H; l++ {
			out = append(out, d.PCLeaf(l, above), d.PCNextLeaf(l, above))
		}
	}
	out = append(out, d.ValueCUnchangedLeaf())
	for _, x := range []Path{PathA, PathB, PathC} {
		out = append(out, d.PathLeaf(x))
	}
	return append(out, sequence.TimeoutLeaf("timeout", d.Timeout, d.VerifierKey))
}

// PickRoot lets the verifier pick the level of a committed path to
// dispute, or punish any commitment the answer opened twice.
func (d *Dispute) PickRoot() []sequence.Leaf {
	var out []sequence.Leaf
	for _, x := range []Path{PathA, PathB, PathC} {
		for l := 0; l < d.Depth; l++ {
			out = append(out, d.PickLeaf(x, l))
		}
	}
	out = append(out, bisect.JusticeLeaves(d.Prover, d.VerifierKey, d.ProverFields())...)
	return append(out, sequence.TimeoutLeaf("timeout", d.Timeout, d.ProverKey))
}

// ProofRoot holds one proof per path, level and address bit.
func (d *Dispute) ProofRoot() []sequence.Leaf {
	var out []sequence.Leaf
	for _, x := range []Path{PathA, PathB, PathC} {
		for l := 0; l < d.Depth; l++ {
			out = append(out, d.ProofLeaf(x, l, 0), d.ProofLeaf(x, l, 1))
		}
	}
	return append(out, sequence.TimeoutLeaf("timeout", d.Timeout, d.VerifierKey))
}

// JusticeRoot pays the verifier if the proof opened any commitment
// differently than before.
func (d *Dispute) JusticeRoot() []sequence.Leaf {
	out := bisect.JusticeLeaves(d.Prover, d.VerifierKey, d.ProverFields())
	return append(out, sequence.TimeoutLeaf("timeout", d.Timeout, d.ProverKey))
}

// Sequence lays out every round: the search, then commit, challenge,
// response, pick, proof and justice. Each round carries a timeout leaf for
// the party that is not expected to move.
func (d *Dispute) Sequence() ([][]sequence.Leaf, error) {
	if err := d.check(); err != nil {
		return nil, err
	}
	rounds, err := d.Search().SearchRounds()
	if err != nil {
		return nil, err
	}
	return append(rounds,
		d.CommitRoot(),
		d.ChallengeRoot(),
		d.ResponseRoot(),
		d.PickRoot(),
		d.ProofRoot(),
		d.JusticeRoot(),
	), nil
}
