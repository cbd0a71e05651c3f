package bisect

import (
	"fmt"

	"github.com/BitVM/BitVM-sub000/commit"
)

// Selection is the outcome of a finished bisection: the step from Lower
// to Upper = Lower+1 is disputed.
type Selection struct {
	// Length and IsAbove name the selector leaf proving the choice.
	Length  int
	IsAbove bool
	// End is the index revealed in the last round.
	End   int
	Lower int
	Upper int
}

// Select derives the selection from H answers.
func Select(h int, answers []bool) (Selection, error) {
	if len(answers) != h {
		return Selection{}, fmt.Errorf("%w: %d of %d answers", ErrNotDone, len(answers), h)
	}
	end := ResponseIndex(h, answers[:h-1])
	sel := Selection{End: end, IsAbove: answers[h-1], Length: h - 1}
	// The neighbour is the last earlier query answered the other way, or a
	// boundary of the trace when there is none.
	for j := h - 2; j >= 0; j-- {
		if answers[j] != answers[h-1] {
			sel.Length = j
			break
		}
	}
	if sel.IsAbove {
		sel.Lower, sel.Upper = end, end+1
	} else {
		sel.Lower, sel.Upper = end-1, end
	}
	return sel, nil
}

// Machine tracks the off-chain state of a bisection. The verifier feeds it
// its verdict on every revealed state. It is not safe for concurrent use.
type Machine struct {
	h       int
	answers []bool
}

// NewMachine starts a bisection over 2^h steps.
func NewMachine(h int) *Machine {
	return &Machine{h: h}
}

// Round is the number of answers given so far.
func (m *Machine) Round() int {
	return len(m.answers)
}

// Done reports whether all H answers are in.
func (m *Machine) Done() bool {
	return len(m.answers) == m.h
}

// Query returns the trace index the prover has to reveal next.
func (m *Machine) Query() (int, error) {
	if len(m.answers) == m.h {
		return 0, ErrDone
	}
	return ResponseIndex(m.h, m.answers), nil
}

// Answer records whether the verifier agrees with the state revealed for
// the current query.
func (m *Machine) Answer(agree bool) error {
	if len(m.answers) == m.h {
		return ErrDone
	}
	m.answers = append(m.answers, agree)
	return nil
}

// Answers returns a copy of the answers so far.
func (m *Machine) Answers() []bool {
	return append([]bool(nil), m.answers...)
}

// Selection returns the disputed step once the machine is done.
func (m *Machine) Selection() (Selection, error) {
	return Select(m.h, m.answers)
}

// LearnedState is the state the prover revealed for response i, as far as
// o has seen it.
func LearnedState(o *commit.Opponent, i int) (State, bool) {
	v, ok := o.U160Value(ResponseID(i))
	return State(v), ok
}

// LearnedAnswers is the verifier's first n answers, as far as o has seen
// them.
func LearnedAnswers(o *commit.Opponent, n int) ([]bool, bool) {
	out := make([]bool, n)
	for i := range out {
		v, ok := o.Value(ChallengeID(i), 0)
		if !ok {
			return nil, false
		}
		out[i] = v == 1
	}
	return out, true
}
