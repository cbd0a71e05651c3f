// Package bisect implements the on-chain binary search over an execution
// trace. The prover commits to trace states, the verifier answers with one
// bit per round, and the search ends with a single step checked in script.
package bisect

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/txscript"

	"github.com/BitVM/BitVM-sub000/commit"
	"github.com/BitVM/BitVM-sub000/script"
	"github.com/BitVM/BitVM-sub000/sequence"
	"github.com/BitVM/BitVM-sub000/wide"
)

// SelectID commits the verifier's choice of the disputed step.
const SelectID = "TRACE_SELECT"

var (
	ErrDone    = errors.New("bisection finished")
	ErrNotDone = errors.New("bisection not finished")
)

// ResponseID names the prover's commitment in round i. Round H is the
// claimed final state.
func ResponseID(i int) string { return fmt.Sprintf("TRACE_RESPONSE_%d", i) }

// ChallengeID names the verifier's answer bit of round i.
func ChallengeID(i int) string { return fmt.Sprintf("TRACE_CHALLENGE_%d", i) }

// Params size a dispute.
type Params struct {
	// H is the number of rounds. The trace has 2^H steps.
	H int
	// Step is the transition checked in the final round.
	Step Step
	// Timeout is the CSV delay after which a stalled party forfeits.
	Timeout uint32
}

// DefaultParams bisect a 32 step trace.
var DefaultParams = Params{H: 5, Step: MixStep{}, Timeout: sequence.DefaultTimeout}

// N is the trace length.
func (p Params) N() int { return 1 << uint(p.H) }

// ResponseIndex is the trace index the prover reveals in the round after
// answers: the midpoint of the interval the answers leave open.
func ResponseIndex(h int, answers []bool) int {
	idx := 0
	for j, agree := range answers {
		if agree {
			idx += 1 << uint(h-1-j)
		}
	}
	return idx + 1<<uint(h-1-len(answers))
}

// Dispute binds the two parties to one bisection. Either side builds the
// same scripts: its own Actor is a commit.Player, the other's a
// commit.Opponent over the published digest table.
type Dispute struct {
	Prover      commit.Actor
	Verifier    commit.Actor
	ProverKey   *btcec.PublicKey
	VerifierKey *btcec.PublicKey
	// Initial is the public state s_0.
	Initial State
	Params
}

// ProverFields lists the prover's commitments.
func (d *Dispute) ProverFields() []commit.Field {
	out := make([]commit.Field, 0, d.H+1)
	for i := 0; i <= d.H; i++ {
		out = append(out, commit.Field{ID: ResponseID(i), Width: commit.U160})
	}
	return out
}

// VerifierFields lists the verifier's commitments.
func (d *Dispute) VerifierFields() []commit.Field {
	out := make([]commit.Field, 0, 2*d.H)
	for i := 0; i < d.H; i++ {
		out = append(out, commit.Field{ID: ChallengeID(i), Width: commit.Bit})
	}
	for l := 0; l < d.H; l++ {
		out = append(out, commit.Field{ID: SelectID, Width: commit.Bit, Index: l})
	}
	return out
}

func (d *Dispute) checkSearch() error {
	if d.H < 1 || d.H > 16 {
		return script.Errorf("bisect", script.ErrOutOfRange, "H=%d", d.H)
	}
	if d.Prover == nil || d.Verifier == nil || d.ProverKey == nil || d.VerifierKey == nil {
		return script.Errorf("bisect", script.ErrInvalidOperands, "incomplete dispute")
	}
	r := commit.NewRegistry()
	for _, f := range append(d.ProverFields(), d.VerifierFields()...) {
		if err := r.Add(f); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispute) check() error {
	if d.Step == nil {
		return script.Errorf("bisect", script.ErrInvalidOperands, "no step")
	}
	return d.checkSearch()
}

func bit(b bool) int {
	if b {
		return 1
	}
	return 0
}

// KickoffLeafName names the leaf claiming s_N.
const KickoffLeafName = "kickoff"

// ResponseLeafName names the leaf revealing response i.
func ResponseLeafName(i int) string { return fmt.Sprintf("response_%d", i) }

// ChallengeLeafName names the leaf revealing the answer of round i.
func ChallengeLeafName(i int) string { return fmt.Sprintf("challenge_%d", i) }

// ResponseLeaf lets the prover reveal its round i state. Both parties sign.
func (d *Dispute) ResponseLeaf(i int) sequence.Leaf {
	return sequence.SignedLeaf(ResponseLeafName(i),
		commit.U160StateCommit(d.Prover, ResponseID(i)), d.VerifierKey, d.ProverKey)
}

// ResponseUnlock reveals value for round i.
func (d *Dispute) ResponseUnlock(i int, value State) *script.Script {
	return commit.U160StateUnlock(d.Prover, ResponseID(i), value[:])
}

// ChallengeLeaf lets the verifier reveal its round i answer.
func (d *Dispute) ChallengeLeaf(i int) sequence.Leaf {
	return sequence.SignedLeaf(ChallengeLeafName(i),
		commit.BitStateCommit(d.Verifier, ChallengeID(i), 0), d.ProverKey, d.VerifierKey)
}

// ChallengeUnlock reveals agree for round i.
func (d *Dispute) ChallengeUnlock(i int, agree bool) *script.Script {
	return commit.BitStateUnlock(d.Verifier, ChallengeID(i), bit(agree), 0)
}

// indexBits adds 2^(H-1-i) to the accumulator on top for every answer bit
// i < n, reading the bits from the witness in order.
func (d *Dispute) indexBits(s *script.Script, n int) {
	for i := 0; i < n; i++ {
		s.Op(txscript.OP_SWAP).
			Append(commit.BitState(d.Verifier, ChallengeID(i), 0)).
			Op(txscript.OP_IF).Int(1 << uint(d.H-1-i)).Op(txscript.OP_ADD, txscript.OP_ENDIF)
	}
}

// SelectVerify consumes the verifier's selection preimage for (length,
// isAbove).
func (d *Dispute) SelectVerify(length int, isAbove bool) *script.Script {
	return commit.PreimageVerify(d.Verifier, SelectID, length, bit(isAbove))
}

// SelectReveal is the witness item SelectVerify consumes. A prover has it
// once the verifier's selection was seen on chain.
func (d *Dispute) SelectReveal(sel Selection) *script.Script {
	return commit.BitStateUnlock(d.Verifier, SelectID, bit(sel.IsAbove), sel.Length)
}

// selectCheck computes sibelIndex and endIndex from the verifier's answer
// bits and asserts they are neighbours.
func (d *Dispute) selectCheck(length int, isAbove bool) *script.Script {
	s := d.SelectVerify(length, isAbove)
	switch {
	case length < 0 || length >= d.H:
		return s.Fail(script.Errorf("select", script.ErrOutOfRange, "length %d", length))
	case length == d.H-1 && isAbove:
		s.Int(d.N())
	case length == d.H-1:
		s.Int(0)
	default:
		s.Int(0)
		d.indexBits(s, length)
		s.Int(1 << uint(d.H-1-length)).Op(txscript.OP_ADD)
	}
	s.Op(txscript.OP_TOALTSTACK).Int(1)
	d.indexBits(s, d.H-1)
	s.Op(txscript.OP_FROMALTSTACK)
	if isAbove {
		s.Op(txscript.OP_SWAP)
	}
	return s.Op(txscript.OP_SUB).Int(1).Op(txscript.OP_NUMEQUALVERIFY)
}

// SelectLeafName names the selector leaf for (length, isAbove).
func SelectLeafName(length int, isAbove bool) string {
	return fmt.Sprintf("select_%d_%d", length, bit(isAbove))
}

// SelectLeaf lets the verifier pick the step to dispute. The prover
// cosigns it in advance.
func (d *Dispute) SelectLeaf(length int, isAbove bool) sequence.Leaf {
	return sequence.SignedLeaf(SelectLeafName(length, isAbove),
		d.selectCheck(length, isAbove), d.ProverKey, d.VerifierKey)
}

func (d *Dispute) selectWitness(answers []bool, sel Selection) *script.Script {
	s := script.New()
	for j := d.H - 2; j >= 0; j-- {
		s.Append(commit.BitStateUnlock(d.Verifier, ChallengeID(j), bit(answers[j]), 0))
	}
	if sel.Length < d.H-1 {
		for j := sel.Length - 1; j >= 0; j-- {
			s.Append(commit.BitStateUnlock(d.Verifier, ChallengeID(j), bit(answers[j]), 0))
		}
	}
	return s.Append(d.SelectReveal(sel))
}

// SelectUnlock reveals the selection the answers lead to.
func (d *Dispute) SelectUnlock(answers []bool) (*script.Script, error) {
	sel, err := Select(d.H, answers)
	if err != nil {
		return nil, err
	}
	return d.selectWitness(answers, sel), nil
}

// SelectRoot holds one selector leaf per (length, isAbove).
func (d *Dispute) SelectRoot() []sequence.Leaf {
	out := make([]sequence.Leaf, 0, 2*d.H+1)
	for _, above := range []bool{false, true} {
		for l := 0; l < d.H; l++ {
			out = append(out, d.SelectLeaf(l, above))
		}
	}
	return append(out, sequence.TimeoutLeaf("timeout", d.Timeout, d.ProverKey))
}

// bounds names the commitments holding the states on both sides of the
// step selected by (length, isAbove). lower is empty for the initial state.
func (d *Dispute) bounds(length int, isAbove bool) (lower, upper string) {
	end := ResponseID(d.H - 1)
	sibling := ResponseID(length)
	if length == d.H-1 {
		sibling = ResponseID(d.H)
	}
	switch {
	case isAbove:
		return end, sibling
	case length == d.H-1:
		return "", end
	default:
		return sibling, end
	}
}

// LowerState leaves the state before the selected step.
func (d *Dispute) LowerState(length int, isAbove bool) *script.Script {
	if length < 0 || length >= d.H {
		return script.New().Fail(script.Errorf("lower_state", script.ErrOutOfRange, "length %d", length))
	}
	lower, _ := d.bounds(length, isAbove)
	if lower == "" {
		return d.Initial.Push()
	}
	return commit.U160State(d.Prover, lower)
}

// UpperState leaves the state after the selected step.
func (d *Dispute) UpperState(length int, isAbove bool) *script.Script {
	if length < 0 || length >= d.H {
		return script.New().Fail(script.Errorf("upper_state", script.ErrOutOfRange, "length %d", length))
	}
	_, upper := d.bounds(length, isAbove)
	return commit.U160State(d.Prover, upper)
}

// LowerUnlock opens value for LowerState. The initial state needs nothing.
func (d *Dispute) LowerUnlock(sel Selection, value State) *script.Script {
	lower, _ := d.bounds(sel.Length, sel.IsAbove)
	if lower == "" {
		return script.New()
	}
	return commit.U160StateUnlock(d.Prover, lower, value[:])
}

// UpperUnlock opens value for UpperState.
func (d *Dispute) UpperUnlock(sel Selection, value State) *script.Script {
	_, upper := d.bounds(sel.Length, sel.IsAbove)
	return commit.U160StateUnlock(d.Prover, upper, value[:])
}

// roundCheck reads the lower state of the selected step, applies the step
// and compares the result with the upper state.
func (d *Dispute) roundCheck(length int, isAbove bool) *script.Script {
	return script.Concat(
		d.SelectVerify(length, isAbove),
		d.LowerState(length, isAbove),
		d.Step.Script(), wide.U160ToAltStack(),
		d.UpperState(length, isAbove),
		wide.U160FromAltStack(), wide.U160EqualVerify(),
	)
}

// ChallengeRoundLeafName names the final step check for (length, isAbove).
func ChallengeRoundLeafName(length int, isAbove bool) string {
	return fmt.Sprintf("round_%d_%d", length, bit(isAbove))
}

// ChallengeRoundLeaf lets the prover show that the selected step is valid.
func (d *Dispute) ChallengeRoundLeaf(length int, isAbove bool) sequence.Leaf {
	return sequence.SignedLeaf(ChallengeRoundLeafName(length, isAbove),
		d.roundCheck(length, isAbove), d.VerifierKey, d.ProverKey)
}

func (d *Dispute) roundWitness(sel Selection, lower, upper State) *script.Script {
	return script.Concat(d.UpperUnlock(sel, upper), d.LowerUnlock(sel, lower), d.SelectReveal(sel))
}

// ChallengeRoundUnlock proves the step trace[sel.Lower] -> trace[sel.Upper].
// It needs the verifier's selection preimage, learned from the select
// round.
func (d *Dispute) ChallengeRoundUnlock(sel Selection, trace []State) (*script.Script, error) {
	if sel.Upper >= len(trace) {
		return nil, script.Errorf("challenge_round_unlock", script.ErrOutOfRange,
			"step %d of a %d state trace", sel.Lower, len(trace))
	}
	s := d.roundWitness(sel, trace[sel.Lower], trace[sel.Upper])
	return s, s.Err()
}

// ChallengeJusticeLeafName names the leaf punishing a second answer to
// round i.
func ChallengeJusticeLeafName(i int) string { return fmt.Sprintf("justice_challenge_%d", i) }

// ChallengeJusticeLeaves pay the prover if the verifier's selection opened
// an answer bit differently than its challenge round did.
func (d *Dispute) ChallengeJusticeLeaves() []sequence.Leaf {
	out := make([]sequence.Leaf, 0, d.H)
	for i := 0; i < d.H; i++ {
		out = append(out, sequence.SignedLeaf(ChallengeJusticeLeafName(i),
			commit.BitStateJustice(d.Verifier, ChallengeID(i), 0), d.ProverKey))
	}
	return out
}

// ChallengeRoot holds the step checks, the prover's leaves against a
// verifier that contradicts its own answers, and the verifier's timeout.
func (d *Dispute) ChallengeRoot() []sequence.Leaf {
	out := make([]sequence.Leaf, 0, 3*d.H+1)
	for _, above := range []bool{false, true} {
		for l := 0; l < d.H; l++ {
			out = append(out, d.ChallengeRoundLeaf(l, above))
		}
	}
	out = append(out, d.ChallengeJusticeLeaves()...)
	return append(out, sequence.TimeoutLeaf("timeout", d.Timeout, d.VerifierKey))
}

// JusticeLeafName names the leaf punishing two openings of st.
func JusticeLeafName(st commit.Stage) string {
	return fmt.Sprintf("justice_%s_%d", st.ID, st.Index)
}

// JusticeLeaves pay key's owner for any stage of fields opened twice by a.
func JusticeLeaves(a commit.Actor, key *btcec.PublicKey, fields []commit.Field) []sequence.Leaf {
	var out []sequence.Leaf
	for _, f := range fields {
		for _, st := range commit.JusticeStages(f) {
			out = append(out, sequence.SignedLeaf(JusticeLeafName(st), commit.StageJustice(a, st), key))
		}
	}
	return out
}

// JusticeRoot punishes a prover that opened a response to two values. It
// follows the step check, where every response can be opened again.
func (d *Dispute) JusticeRoot() []sequence.Leaf {
	out := JusticeLeaves(d.Prover, d.VerifierKey, d.ProverFields())
	return append(out, sequence.TimeoutLeaf("timeout", d.Timeout, d.ProverKey))
}

// JusticeUnlock is the evidence of e. The claimant's signature goes below
// it.
func JusticeUnlock(e *commit.Equivocation) *script.Script {
	return commit.EquivocationUnlock(e)
}

// SearchRounds lays out the search alone: the kickoff where the prover
// claims s_N, H response and challenge rounds and the selection. The
// output of the select round pays whatever checks the selected step.
func (d *Dispute) SearchRounds() ([][]sequence.Leaf, error) {
	if err := d.checkSearch(); err != nil {
		return nil, err
	}
	proverTimeout := sequence.TimeoutLeaf("timeout", d.Timeout, d.ProverKey)
	verifierTimeout := sequence.TimeoutLeaf("timeout", d.Timeout, d.VerifierKey)

	kickoff := d.ResponseLeaf(d.H)
	kickoff.Name = KickoffLeafName
	rounds := [][]sequence.Leaf{{kickoff, verifierTimeout}}
	for i := 0; i < d.H; i++ {
		rounds = append(rounds,
			[]sequence.Leaf{d.ResponseLeaf(i), verifierTimeout},
			[]sequence.Leaf{d.ChallengeLeaf(i), proverTimeout},
		)
	}
	return append(rounds, d.SelectRoot()), nil
}

// Sequence lays out every round of the dispute: the search, the step check
// and the justice round. Each round carries a timeout leaf for the party
// that is not expected to move.
func (d *Dispute) Sequence() ([][]sequence.Leaf, error) {
	if err := d.check(); err != nil {
		return nil, err
	}
	rounds, err := d.SearchRounds()
	if err != nil {
		return nil, err
	}
	return append(rounds, d.ChallengeRoot(), d.JusticeRoot()), nil
}

// KickoffRound is the round in which the prover claims s_N.
const KickoffRound = 0

// ResponseRound is the round in which the prover reveals response i.
func ResponseRound(i int) int { return 1 + 2*i }

// ChallengeRound is the round in which the verifier answers round i.
func ChallengeRound(i int) int { return 2 + 2*i }

// SelectRound is the round in which the verifier picks the step.
func (p Params) SelectRound() int { return 1 + 2*p.H }

// StepRound is the round in which the prover proves the step.
func (p Params) StepRound() int { return 2 + 2*p.H }

// JusticeRound is the round in which the verifier may punish equivocation.
func (p Params) JusticeRound() int { return 3 + 2*p.H }
