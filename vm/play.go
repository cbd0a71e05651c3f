package vm

import (
	"github.com/BitVM/BitVM-sub000/bisect"
	"github.com/BitVM/BitVM-sub000/commit"
	"github.com/BitVM/BitVM-sub000/merkle"
	"github.com/BitVM/BitVM-sub000/script"
)

// Move is one spend of a dispute round: the leaf and the unlock that goes
// above its signatures.
type Move struct {
	Round  int
	Leaf   string
	Unlock *script.Script
}

// ProverMove is an honest prover's move in round. tr is its own trace and
// o what it learned of the verifier's commitments. It returns false when
// the prover has nothing to play in round, or cannot yet tell what to play.
func (d *Dispute) ProverMove(round int, tr *Trace, o *commit.Opponent) (Move, bool, error) {
	sb := d.Search()
	m := Move{Round: round}
	switch {
	case round == bisect.KickoffRound:
		m.Leaf, m.Unlock = bisect.KickoffLeafName, sb.ResponseUnlock(d.H, tr.Final())
		return m, true, nil
	case round < sb.SelectRound() && round%2 == 1:
		i := (round - 1) / 2
		answers, ok := bisect.LearnedAnswers(o, i)
		if !ok {
			return m, false, nil
		}
		m.Leaf = bisect.ResponseLeafName(i)
		m.Unlock = sb.ResponseUnlock(i, tr.States[bisect.ResponseIndex(d.H, answers)])
		return m, true, nil
	case round < d.CommitRound():
		return m, false, nil
	}

	answers, ok := bisect.LearnedAnswers(o, d.H)
	if !ok {
		return m, false, nil
	}
	sel, err := bisect.Select(d.H, answers)
	if err != nil {
		return m, false, err
	}
	s := tr.Steps[sel.Lower]
	switch round {
	case d.CommitRound():
		m.Leaf, m.Unlock = CommitLeafName, d.CommitInstructionUnlock(s)
		return m, true, nil
	case d.ResponseRound():
		return d.answer(m, tr, o, sel)
	case d.ProofRound():
		return d.prove(m, tr, o, sel)
	}
	return m, false, nil
}

// answer responds to the challenge the verifier opened.
func (d *Dispute) answer(m Move, tr *Trace, o *commit.Opponent, sel bisect.Selection) (Move, bool, error) {
	s := tr.Steps[sel.Lower]
	var err error
	for _, id := range Challenges {
		if v, ok := o.Value(id, 0); !ok || v != 1 {
			continue
		}
		switch id {
		case ChallengeInstruction:
			m.Leaf, m.Unlock = InstructionLeafName(int(s.PC)), d.InstructionUnlock(s)
		case ChallengeExecution:
			m.Leaf = ExecuteLeafName(s.Instruction.Op)
			m.Unlock, err = d.ExecuteUnlock(s)
		case ChallengePC:
			m.Leaf, m.Unlock = PCLeafName(sel.Length, sel.IsAbove), d.PCUnlock(sel, s)
		case ChallengePCNext:
			m.Leaf, m.Unlock = PCNextLeafName(sel.Length, sel.IsAbove), d.PCNextUnlock(sel, s)
		case ChallengeValueC:
			if s.Instruction.Op == Jmp || s.Instruction.Op == Beq {
				m.Leaf, m.Unlock = ValueCUnchangedLeafName, d.ValueCUnchangedUnlock(s)
				break
			}
			m, err = d.commitPath(m, tr, sel, PathC)
		case ChallengeValueA:
			m, err = d.commitPath(m, tr, sel, PathA)
		case ChallengeValueB:
			m, err = d.commitPath(m, tr, sel, PathB)
		}
		return m, err == nil, err
	}
	return m, false, nil
}

func (d *Dispute) commitPath(m Move, tr *Trace, sel bisect.Selection, x Path) (Move, error) {
	paths, err := tr.Paths(sel.Lower)
	if err != nil {
		return m, err
	}
	m.Leaf = PathLeafName(x)
	m.Unlock, err = d.PathUnlock(x, tr.Steps[sel.Lower], paths)
	return m, err
}

// prove answers the level the verifier picked.
func (d *Dispute) prove(m Move, tr *Trace, o *commit.Opponent, sel bisect.Selection) (Move, bool, error) {
	for _, x := range []Path{PathA, PathB, PathC} {
		for l := 0; l < d.Depth; l++ {
			if v, ok := o.Value(PickID(x), l); !ok || v != 1 {
				continue
			}
			paths, err := tr.Paths(sel.Lower)
			if err != nil {
				return m, false, err
			}
			m.Leaf = ProofLeafName(x, l, paths.get(x).Bit(l))
			m.Unlock, err = d.ProofUnlock(x, l, tr.Steps[sel.Lower], paths)
			return m, err == nil, err
		}
	}
	return m, false, nil
}

// answers replays the verifier's first n answers: whether each state the
// prover revealed matches tr.
func (d *Dispute) answers(tr *Trace, o *commit.Opponent, n int) ([]bool, bool) {
	out := make([]bool, 0, n)
	for i := 0; i < n; i++ {
		got, ok := bisect.LearnedState(o, i)
		if !ok {
			return nil, false
		}
		out = append(out, got == tr.States[bisect.ResponseIndex(d.H, out)])
	}
	return out, true
}

// revealed is the state the prover revealed for trace index k.
func (d *Dispute) revealed(o *commit.Opponent, answers []bool, k int) (bisect.State, bool) {
	if k == 1<<uint(d.H) {
		return bisect.LearnedState(o, d.H)
	}
	for i := 0; i < d.H && i <= len(answers); i++ {
		if bisect.ResponseIndex(d.H, answers[:i]) == k {
			return bisect.LearnedState(o, i)
		}
	}
	return bisect.State{}, false
}

// Disputed reports whether the prover's claimed final state differs from
// tr. It is false until the kickoff was seen.
func Disputed(tr *Trace, o *commit.Opponent) bool {
	got, ok := bisect.LearnedState(o, tr.H)
	return ok && got != tr.Final()
}

// VerifierMove is an honest verifier's move in round. tr is its own trace
// and o what it learned of the prover's commitments. A verifier that
// agrees with the claimed result never moves.
func (d *Dispute) VerifierMove(round int, tr *Trace, o *commit.Opponent) (Move, bool, error) {
	sb := d.Search()
	m := Move{Round: round}
	if !Disputed(tr, o) {
		return m, false, nil
	}
	switch {
	case round >= 2 && round < sb.SelectRound() && round%2 == 0:
		i := (round - 2) / 2
		answers, ok := d.answers(tr, o, i+1)
		if !ok {
			return m, false, nil
		}
		m.Leaf, m.Unlock = bisect.ChallengeLeafName(i), sb.ChallengeUnlock(i, answers[i])
		return m, true, nil
	case round < sb.SelectRound() || round == d.CommitRound():
		return m, false, nil
	}

	answers, ok := d.answers(tr, o, d.H)
	if !ok {
		return m, false, nil
	}
	sel, err := bisect.Select(d.H, answers)
	if err != nil {
		return m, false, err
	}
	switch round {
	case sb.SelectRound():
		m.Leaf = bisect.SelectLeafName(sel.Length, sel.IsAbove)
		m.Unlock, err = sb.SelectUnlock(answers)
		return m, err == nil, err
	case d.ChallengeRound():
		claimed, ok := Claimed(o)
		if !ok {
			return m, false, nil
		}
		upper, ok := d.revealed(o, answers, sel.Upper)
		if !ok {
			return m, false, nil
		}
		id, ok := d.Refute(claimed, tr.Steps[sel.Lower], upper)
		if !ok {
			return m, false, nil
		}
		m.Leaf, m.Unlock = ChallengeLeafName(id), d.ChallengeUnlock(id)
		return m, true, nil
	case d.PickRound():
		return d.pick(m, tr, o, sel)
	}
	return m, false, nil
}

// pick chooses a level on the path the prover committed to.
func (d *Dispute) pick(m Move, tr *Trace, o *commit.Opponent, sel bisect.Selection) (Move, bool, error) {
	claimed, ok := Claimed(o)
	if !ok {
		return m, false, nil
	}
	for _, x := range []Path{PathA, PathB, PathC} {
		nodes, ok := LearnedNodes(o, x, d.Depth)
		if !ok {
			continue
		}
		paths, err := tr.Paths(sel.Lower)
		if err != nil {
			return m, false, err
		}
		var next []merkle.Node
		if x == PathC {
			if next, ok = LearnedNodes(o, PathCNext, d.Depth); !ok {
				return m, false, nil
			}
		}
		level, ok := PickLevel(x, claimed, nodes, next, paths)
		if !ok {
			return m, false, nil
		}
		m.Leaf, m.Unlock = PickLeafName(x, level), d.PickUnlock(x, level, nodes[1])
		return m, true, nil
	}
	return m, false, nil
}
