package main

import (
	"errors"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/BitVM/BitVM-sub000/bisect"
	"github.com/BitVM/BitVM-sub000/commit"
	"github.com/BitVM/BitVM-sub000/crchain"
	"github.com/BitVM/BitVM-sub000/script"
	"github.com/BitVM/BitVM-sub000/sequence"
	"github.com/BitVM/BitVM-sub000/session"
	"github.com/BitVM/BitVM-sub000/vm"
)

// move is one spend a party wants to make.
type move struct {
	round  int
	leaf   string
	unlock *script.Script
}

// contest is the part of a dispute that depends on its kind. Both kinds
// play over the first 2^h steps of the same trace.
type contest interface {
	// fields are the commitments of role.
	fields(role session.Role) []commit.Field
	// compile builds the rounds over funding once the opponent's digests
	// are known.
	compile(opponent *commit.Opponent, funding sequence.Outpoint, params sequence.Params) ([]*sequence.Transaction, error)
	// fundingValue is what the funding output has to hold, given the
	// configured amount.
	fundingValue(amount int64) int64
	// next is role's move in round, given what it learned of the other
	// side. It is false when there is nothing to play yet.
	next(role session.Role, round int, o *commit.Opponent) (move, bool, error)
}

// keys are the two parties of a contest. own is this party's commitments.
type keys struct {
	role             session.Role
	own              *commit.Player
	prover, verifier *btcec.PublicKey
}

func (k keys) actors(opponent commit.Actor) (prover, verifier commit.Actor) {
	if k.role == session.RoleProver {
		return k.own, opponent
	}
	return opponent, k.own
}

// vmContest bisects to one step and disputes it on chain.
type vmContest struct {
	keys
	program []vm.Instruction
	memory  []uint32
	depth   int
	h       int
	timeout uint32
	trace   *vm.Trace

	d *vm.Dispute
}

func (c *vmContest) dispute(opponent commit.Actor) *vm.Dispute {
	prover, verifier := c.actors(opponent)
	return &vm.Dispute{
		Prover: prover, Verifier: verifier,
		ProverKey: c.prover, VerifierKey: c.verifier,
		Program: c.program, Memory: c.memory,
		Depth: c.depth, H: c.h, Timeout: c.timeout,
	}
}

func (c *vmContest) fields(role session.Role) []commit.Field {
	d := c.dispute(nil)
	if role == session.RoleProver {
		return d.ProverFields()
	}
	return d.VerifierFields()
}

// compile lays out the rounds. The last round pays the verifier, who only
// reaches it by proving an equivocation.
func (c *vmContest) compile(opponent *commit.Opponent, funding sequence.Outpoint, params sequence.Params) ([]*sequence.Transaction, error) {
	d := c.dispute(opponent)
	rounds, err := d.Sequence()
	if err != nil {
		return nil, err
	}
	final, err := p2tr(c.verifier)
	if err != nil {
		return nil, err
	}
	txs, err := sequence.Compile(rounds, funding, final, params)
	if err != nil {
		return nil, err
	}
	c.d = d
	return txs, nil
}

func (c *vmContest) fundingValue(amount int64) int64 { return amount }

func (c *vmContest) next(role session.Role, round int, o *commit.Opponent) (move, bool, error) {
	if c.d == nil {
		return move{}, false, nil
	}
	var (
		m   vm.Move
		ok  bool
		err error
	)
	if role == session.RoleProver {
		m, ok, err = c.d.ProverMove(round, c.trace, o)
	} else {
		m, ok, err = c.d.VerifierMove(round, c.trace, o)
	}
	return move{round: m.Round, leaf: m.Leaf, unlock: m.Unlock}, ok, err
}

// walkContest narrows a disputed trace down over a presigned
// challenge-response chain of h rounds. Challenge 0 opens the walk,
// challenge i > 0 tells whether response i-1 matched the verifier's trace,
// and response i is the state the bisection asks for after those answers.
// The walk settles nothing by itself: its outcome is the step interval
// both parties then know the disagreement lies in.
type walkContest struct {
	keys
	h      int
	params crchain.Params
	trace  *vm.Trace

	chain *crchain.Chain
}

func (c *walkContest) fields(role session.Role) []commit.Field {
	prover, verifier := crchain.Fields(c.h)
	if role == session.RoleProver {
		return prover
	}
	return verifier
}

func (c *walkContest) compile(opponent *commit.Opponent, funding sequence.Outpoint, _ sequence.Params) ([]*sequence.Transaction, error) {
	prover, verifier := c.actors(opponent)
	chain, err := crchain.New(funding.OutPoint,
		crchain.Party{Actor: prover, Key: c.prover},
		crchain.Party{Actor: verifier, Key: c.verifier},
		c.h, c.params)
	if err != nil {
		return nil, err
	}
	c.chain = chain
	return chain.Steps(), nil
}

func (c *walkContest) fundingValue(int64) int64 {
	return c.params.ChallengeValue(c.h, 0)
}

// walkAnswers returns the verifier's first n answers, the bits of
// challenges 1 to n.
func walkAnswers(o *commit.Opponent, n int) ([]bool, bool) {
	out := make([]bool, 0, n)
	for i := 1; i <= n; i++ {
		v, ok := o.Value(crchain.ChallengeID(i), 0)
		if !ok {
			return nil, false
		}
		out = append(out, v == 1)
	}
	return out, true
}

// checked compares the first n responses o learned against tr.
func checked(tr *vm.Trace, o *commit.Opponent, n int) ([]bool, bool) {
	out := make([]bool, 0, n)
	for i := 0; i < n; i++ {
		got, ok := o.U160Value(crchain.ResponseID(i))
		if !ok {
			return nil, false
		}
		out = append(out, bisect.State(got) == tr.States[bisect.ResponseIndex(tr.H, out)])
	}
	return out, true
}

func (c *walkContest) next(role session.Role, step int, o *commit.Opponent) (move, bool, error) {
	if c.chain == nil || step >= len(c.chain.Transactions()) {
		return move{}, false, nil
	}
	round, response := step/2, step%2 == 1
	var value []byte
	switch {
	case role == session.RoleProver && response:
		if _, ok := o.Value(crchain.ChallengeID(round), 0); !ok {
			return move{}, false, nil
		}
		answers, ok := walkAnswers(o, round)
		if !ok {
			return move{}, false, nil
		}
		st := c.trace.States[bisect.ResponseIndex(c.h, answers)]
		value = st[:]
	case role == session.RoleVerifier && !response:
		value = []byte{1}
		if round > 0 {
			answers, ok := checked(c.trace, o, round)
			if !ok {
				return move{}, false, nil
			}
			if !answers[round-1] {
				value[0] = 0
			}
		}
	default:
		return move{}, false, nil
	}
	unlock, err := c.chain.RevealUnlock(step, value)
	if err != nil {
		return move{}, false, err
	}
	leaf := crchain.ChallengeID(round)
	if response {
		leaf = crchain.ResponseID(round)
	}
	return move{round: step, leaf: leaf, unlock: unlock}, true, nil
}

// interval is the step range [lower, upper) the walk narrowed the
// disagreement down to, once every response was seen.
func (c *walkContest) interval(o *commit.Opponent) (lower, upper int, err error) {
	answers, ok := checked(c.trace, o, c.h)
	if !ok {
		return 0, 0, errors.New("walk unfinished")
	}
	upper = 1 << uint(c.h)
	for i, agree := range answers {
		if k := bisect.ResponseIndex(c.h, answers[:i]); agree {
			lower = k
		} else {
			upper = k
		}
	}
	return lower, upper, nil
}
