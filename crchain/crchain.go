// Package crchain builds a presigned challenge-response chain. In every
// round the verifier reveals one bit and the prover answers with a 160-bit
// value. Each step is gated by both parties' signatures, collected before
// the chain is funded, so either party can push it forward alone.
package crchain

import (
	"errors"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"

	"github.com/BitVM/BitVM-sub000/commit"
	"github.com/BitVM/BitVM-sub000/script"
	"github.com/BitVM/BitVM-sub000/sequence"
)

var (
	ErrMissingSignature = errors.New("missing presigned signature")
	ErrBadValue         = errors.New("bad reveal value")
)

// Role is the part a party plays in the chain.
type Role int

const (
	Prover Role = iota
	Verifier
)

func (r Role) String() string {
	if r == Prover {
		return "prover"
	}
	return "verifier"
}

// ChallengeID names the verifier's bit of round i.
func ChallengeID(i int) string { return fmt.Sprintf("challenge_%d", i) }

// ResponseID names the prover's answer of round i.
func ResponseID(i int) string { return fmt.Sprintf("response_%d", i) }

// Party is one side of the chain.
type Party struct {
	Actor commit.Actor
	Key   *btcec.PublicKey
}

// Params set the amounts and the recovery delay.
type Params struct {
	ChallengeFee int64
	ResponseFee  int64
	Dust         int64
	// Timeout is the CSV delay after which the party that should have
	// moved forfeits.
	Timeout uint32
}

var DefaultParams = Params{
	ChallengeFee: 1000,
	ResponseFee:  3000,
	Dust:         500,
	Timeout:      sequence.DefaultTimeout,
}

// Chain is 2*rounds transactions alternating challenge and response,
// followed by a settlement output holding the last round's justice leaves.
type Chain struct {
	prover   Party
	verifier Party
	rounds   int
	params   Params

	txs    []*sequence.Transaction
	settle *sequence.Transaction

	mu   sync.Mutex
	sigs []map[Role][]byte
}

// ChallengeValue is the input value of challenge round i.
func (p Params) ChallengeValue(rounds, i int) int64 {
	return int64(rounds-i)*(p.ChallengeFee+p.ResponseFee) + p.Dust
}

// ResponseValue is the input value of response round i.
func (p Params) ResponseValue(rounds, i int) int64 {
	return p.ChallengeValue(rounds, i) - p.ChallengeFee
}

// Fields lists every commitment of a chain with rounds rounds.
func Fields(rounds int) (prover, verifier []commit.Field) {
	for i := 0; i < rounds; i++ {
		prover = append(prover, commit.Field{ID: ResponseID(i), Width: commit.U160})
		verifier = append(verifier, commit.Field{ID: ChallengeID(i), Width: commit.Bit})
	}
	return prover, verifier
}

func justiceLeaves(prover, verifier Party, round int) []sequence.Leaf {
	f := commit.Field{ID: ResponseID(round), Width: commit.U160}
	var out []sequence.Leaf
	for _, st := range commit.JusticeStages(f) {
		out = append(out, sequence.SignedLeaf(JusticeLeafName(st), commit.StageJustice(prover.Actor, st), verifier.Key))
	}
	return out
}

// JusticeLeafName names the leaf punishing two openings of st.
func JusticeLeafName(st commit.Stage) string {
	return fmt.Sprintf("justice_%s_%d", st.ID, st.Index)
}

// New builds the chain spending funding, which has to hold
// params.ChallengeValue(rounds, 0).
func New(funding wire.OutPoint, prover, verifier Party, rounds int, params Params) (*Chain, error) {
	if rounds < 1 {
		return nil, script.Errorf("crchain", script.ErrOutOfRange, "rounds=%d", rounds)
	}
	if prover.Actor == nil || verifier.Actor == nil || prover.Key == nil || verifier.Key == nil {
		return nil, script.Errorf("crchain", script.ErrInvalidOperands, "incomplete party")
	}
	reg := commit.NewRegistry()
	pf, vf := Fields(rounds)
	for _, f := range append(pf, vf...) {
		if err := reg.Add(f); err != nil {
			return nil, err
		}
	}
	if params.ChallengeFee <= 0 || params.ResponseFee <= 0 || params.Dust <= 0 {
		return nil, script.Errorf("crchain", script.ErrOutOfRange, "fees and dust must be positive")
	}

	c := &Chain{
		prover:   prover,
		verifier: verifier,
		rounds:   rounds,
		params:   params,
		sigs:     make([]map[Role][]byte, 2*rounds),
	}
	for i := range c.sigs {
		c.sigs[i] = make(map[Role][]byte)
	}

	for i := 0; i < rounds; i++ {
		challenge := []sequence.Leaf{
			sequence.SignedLeaf(ChallengeID(i),
				commit.BitStateCommit(verifier.Actor, ChallengeID(i), 0), verifier.Key, prover.Key),
			sequence.TimeoutLeaf("timeout", params.Timeout, prover.Key),
		}
		if i > 0 {
			challenge = append(challenge, justiceLeaves(prover, verifier, i-1)...)
		}
		response := []sequence.Leaf{
			sequence.SignedLeaf(ResponseID(i),
				commit.U160StateCommit(prover.Actor, ResponseID(i)), prover.Key, verifier.Key),
			sequence.TimeoutLeaf("timeout", params.Timeout, verifier.Key),
		}
		for _, leaves := range [][]sequence.Leaf{challenge, response} {
			t, err := sequence.NewTransaction(leaves)
			if err != nil {
				return nil, fmt.Errorf("round %d: %w", i, err)
			}
			c.txs = append(c.txs, t)
		}
	}
	settle, err := sequence.NewTransaction(append(justiceLeaves(prover, verifier, rounds-1),
		sequence.TimeoutLeaf("timeout", params.Timeout, prover.Key)))
	if err != nil {
		return nil, fmt.Errorf("settlement: %w", err)
	}
	c.settle = settle

	prev := sequence.Outpoint{OutPoint: funding, Value: params.ChallengeValue(rounds, 0)}
	for i := 0; i < rounds; i++ {
		ch, resp := c.txs[2*i], c.txs[2*i+1]
		ch.Finalize(prev, resp.PkScript(), params.ResponseValue(rounds, i))
		next := settle.PkScript()
		if i+1 < rounds {
			next = c.txs[2*i+2].PkScript()
		}
		out, err := ch.Next()
		if err != nil {
			return nil, fmt.Errorf("challenge %d: %w", i, err)
		}
		resp.Finalize(out, next, params.ChallengeValue(rounds, i+1))
		if prev, err = resp.Next(); err != nil {
			return nil, fmt.Errorf("response %d: %w", i, err)
		}
	}
	settle.Fund(prev)
	return c, nil
}

// Rounds is the number of challenge-response rounds.
func (c *Chain) Rounds() int { return c.rounds }

// Transactions returns the chain's steps, challenge first in every round.
func (c *Chain) Transactions() []*sequence.Transaction { return c.txs }

// Settlement is the output the last response pays.
func (c *Chain) Settlement() *sequence.Transaction { return c.settle }

// Steps is Transactions followed by the settlement: the rounds a session
// plays and watches.
func (c *Chain) Steps() []*sequence.Transaction {
	return append(append([]*sequence.Transaction(nil), c.txs...), c.settle)
}

// Step is the index in Steps of the challenge (response false) or the
// response of round.
func Step(round int, response bool) int {
	if response {
		return 2*round + 1
	}
	return 2 * round
}

// FundingValue is the value the funding outpoint has to hold.
func (c *Chain) FundingValue() int64 { return c.params.ChallengeValue(c.rounds, 0) }

// FundingPkScript is the script the funding outpoint has to pay.
func (c *Chain) FundingPkScript() []byte { return c.txs[0].PkScript() }

// FundingAddress encodes FundingPkScript for net.
func (c *Chain) FundingAddress(net *chaincfg.Params) (*btcutil.AddressTaproot, error) {
	return c.txs[0].Address(net)
}

// signers returns who signs tx i first and second. A challenge is signed
// by the prover then the verifier, a response the other way round.
func signers(i int) (Role, Role) {
	if i%2 == 0 {
		return Prover, Verifier
	}
	return Verifier, Prover
}

// Sign returns key's signature of every step, in chain order. The result is
// what a party sends its counterparty before the chain is funded.
func (c *Chain) Sign(key *btcec.PrivateKey) ([][]byte, error) {
	out := make([][]byte, len(c.txs))
	for i, t := range c.txs {
		sig, err := t.SignLeaf(0, key)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
		out[i] = sig
	}
	return out, nil
}

// AddSignatures stores role's signatures, one per step.
func (c *Chain) AddSignatures(role Role, sigs [][]byte) error {
	if len(sigs) != len(c.txs) {
		return fmt.Errorf("got %d signatures for %d steps", len(sigs), len(c.txs))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, s := range sigs {
		c.sigs[i][role] = s
	}
	return nil
}

// Presign signs every step with both keys in the presign order.
func (c *Chain) Presign(prover, verifier *btcec.PrivateKey) error {
	keys := map[Role]*btcec.PrivateKey{Prover: prover, Verifier: verifier}
	for i := range c.txs {
		first, second := signers(i)
		for _, r := range []Role{first, second} {
			sig, err := c.txs[i].SignLeaf(0, keys[r])
			if err != nil {
				return fmt.Errorf("step %d: %w", i, err)
			}
			c.mu.Lock()
			c.sigs[i][r] = sig
			c.mu.Unlock()
		}
	}
	return nil
}

// Signatures returns the presigned signatures of step i in the order the
// leaf checks them.
func (c *Chain) Signatures(i int) ([][]byte, error) {
	if i < 0 || i >= len(c.txs) {
		return nil, fmt.Errorf("%w: step %d", sequence.ErrUnknownLeaf, i)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	first, second := signers(i)
	a, b := c.sigs[i][first], c.sigs[i][second]
	if a == nil || b == nil {
		return nil, fmt.Errorf("%w: step %d", ErrMissingSignature, i)
	}
	return [][]byte{b, a}, nil
}

// RevealUnlock builds the unsigned witness items revealing value at step
// i. A challenge reveals a single bit byte, a response 20 bytes.
func (c *Chain) RevealUnlock(i int, value []byte) (*script.Script, error) {
	if i < 0 || i >= len(c.txs) {
		return nil, fmt.Errorf("%w: step %d", sequence.ErrUnknownLeaf, i)
	}
	round := i / 2
	if i%2 == 0 {
		if len(value) != 1 || value[0] > 1 {
			return nil, fmt.Errorf("%w: challenge %d wants one bit", ErrBadValue, round)
		}
		return commit.BitStateUnlock(c.verifier.Actor, ChallengeID(round), int(value[0]), 0), nil
	}
	if len(value) != 20 {
		return nil, fmt.Errorf("%w: response %d wants 20 bytes, got %d", ErrBadValue, round, len(value))
	}
	return commit.U160StateUnlock(c.prover.Actor, ResponseID(round), value), nil
}

// Unlock is RevealUnlock under the presigned signatures of step i.
func (c *Chain) Unlock(i int, value []byte) (*script.Script, error) {
	unlock, err := c.RevealUnlock(i, value)
	if err != nil {
		return nil, err
	}
	sigs, err := c.Signatures(i)
	if err != nil {
		return nil, err
	}
	return c.txs[i].Signed(0, unlock, sigs...)
}

// Reveal assembles the signed, locally verified step i revealing value.
func (c *Chain) Reveal(i int, value []byte) (*wire.MsgTx, error) {
	unlock, err := c.Unlock(i, value)
	if err != nil {
		return nil, err
	}
	return c.txs[i].Spend(0, unlock)
}

// outputOf returns the transaction whose input spends the output created
// by response round.
func (c *Chain) outputOf(round int) *sequence.Transaction {
	if round+1 < c.rounds {
		return c.txs[2*round+2]
	}
	return c.settle
}

// JusticeTx claims the output created by response round with the evidence
// of a prover that opened it twice.
func (c *Chain) JusticeTx(round int, e *commit.Equivocation, key *btcec.PrivateKey, dest []byte, fee int64) (*wire.MsgTx, error) {
	if round < 0 || round >= c.rounds {
		return nil, fmt.Errorf("%w: round %d", sequence.ErrUnknownLeaf, round)
	}
	t := c.outputOf(round)
	st := commit.Stage{ID: e.ID, Index: e.Index, Values: 4}
	leaf, ok := t.LeafIndex(JusticeLeafName(st))
	if !ok {
		return nil, fmt.Errorf("%w: no justice leaf for %s stage %d", sequence.ErrUnknownLeaf, e.ID, e.Index)
	}
	sw, err := t.Sweep(leaf, dest, fee, wire.MaxTxInSequenceNum)
	if err != nil {
		return nil, err
	}
	return sw.SignedTx(key, commit.EquivocationUnlock(e))
}

// TimeoutTx recovers the input of step i once the party due to move has
// stalled for the timeout. Step len(Transactions()) is the settlement.
func (c *Chain) TimeoutTx(i int, key *btcec.PrivateKey, dest []byte, fee int64) (*wire.MsgTx, error) {
	if i < 0 || i > len(c.txs) {
		return nil, fmt.Errorf("%w: step %d", sequence.ErrUnknownLeaf, i)
	}
	t := c.settle
	if i < len(c.txs) {
		t = c.txs[i]
	}
	leaf, ok := t.LeafIndex("timeout")
	if !ok {
		return nil, fmt.Errorf("%w: no timeout leaf at step %d", sequence.ErrUnknownLeaf, i)
	}
	return t.TimeoutTx(leaf, c.params.Timeout, key, dest, fee)
}
