package bisect

import (
	"bytes"
	"errors"
	"math/rand"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BitVM/BitVM-sub000/commit"
	"github.com/BitVM/BitVM-sub000/script"
	"github.com/BitVM/BitVM-sub000/scripttest"
	"github.com/BitVM/BitVM-sub000/sequence"
	"github.com/BitVM/BitVM-sub000/wide"
)

func testKey(b byte) *btcec.PrivateKey {
	priv, _ := btcec.PrivKeyFromBytes(bytes.Repeat([]byte{b}, 32))
	return priv
}

var (
	paulKey  = testKey(1)
	vickyKey = testKey(2)
)

func testDispute(h int) (*Dispute, *commit.Player, *commit.Player) {
	paul := commit.NewPlayer([]byte("paul"))
	vicky := commit.NewPlayer([]byte("vicky"))
	d := &Dispute{
		Prover:      paul,
		Verifier:    vicky,
		ProverKey:   paulKey.PubKey(),
		VerifierKey: vickyKey.PubKey(),
		Initial:     State{0xde, 0xad, 0xbe, 0xef},
		Params:      Params{H: h, Step: MixStep{}, Timeout: 10},
	}
	return d, paul, vicky
}

// corrupt returns trace with every state after k altered.
func corrupt(trace []State, k int) []State {
	out := append([]State(nil), trace...)
	for j := k + 1; j < len(out); j++ {
		out[j][0] ^= 0xff
	}
	return out
}

func bisectTraces(h int, claimed, own []State) []bool {
	m := NewMachine(h)
	for !m.Done() {
		q, err := m.Query()
		if err != nil {
			panic(err)
		}
		if err := m.Answer(claimed[q] == own[q]); err != nil {
			panic(err)
		}
	}
	return m.Answers()
}

func allAnswers(h int) [][]bool {
	var out [][]bool
	for v := 0; v < 1<<uint(h); v++ {
		a := make([]bool, h)
		for j := range a {
			a[j] = v>>uint(j)&1 == 1
		}
		out = append(out, a)
	}
	return out
}

func TestResponseIndex(t *testing.T) {
	tests := []struct {
		answers []bool
		want    int
	}{
		{nil, 16},
		{[]bool{true}, 24},
		{[]bool{false}, 8},
		{[]bool{true, false}, 20},
		{[]bool{false, true, true}, 14},
		{[]bool{true, true, true, true}, 31},
		{[]bool{false, false, false, false}, 1},
	}
	for _, tc := range tests {
		if got := ResponseIndex(5, tc.answers); got != tc.want {
			t.Fatalf("ResponseIndex(%v) = %d, want %d", tc.answers, got, tc.want)
		}
	}
}

func TestMachineFindsFirstDivergence(t *testing.T) {
	h := DefaultParams.H
	n := DefaultParams.N()
	honest := Trace(MixStep{}, State{1}, n)
	for k := 0; k < n; k++ {
		claimed := corrupt(honest, k)
		sel, err := Select(h, bisectTraces(h, claimed, honest))
		require.NoError(t, err)
		if sel.Lower != k || sel.Upper != k+1 {
			t.Fatalf("divergence after %d: selected %d -> %d", k, sel.Lower, sel.Upper)
		}
		assert.NotEqual(t, MixStep{}.Apply(claimed[k]), claimed[k+1])
	}
}

func TestMachineLifecycle(t *testing.T) {
	m := NewMachine(3)
	_, err := m.Selection()
	assert.True(t, errors.Is(err, ErrNotDone))
	for i := 0; i < 3; i++ {
		require.NoError(t, m.Answer(i%2 == 0))
	}
	assert.True(t, m.Done())
	_, err = m.Query()
	assert.True(t, errors.Is(err, ErrDone))
	assert.True(t, errors.Is(m.Answer(true), ErrDone))
	assert.Equal(t, 3, m.Round())
}

func TestMixStepMatchesNative(t *testing.T) {
	r := rand.New(rand.NewSource(5))
	for i := 0; i < 8; i++ {
		var s State
		r.Read(s[:])
		next := MixStep{}.Apply(s)
		lock := script.Concat(s.Push(), MixStep{}.Script(), next.Push(), wide.U160EqualVerify(), script.New().Op(txscript.OP_TRUE))
		require.NoError(t, scripttest.Execute(lock, nil), "state %s", s)

		wrong := next
		wrong[19]++
		lock = script.Concat(s.Push(), MixStep{}.Script(), wrong.Push(), wide.U160EqualVerify(), script.New().Op(txscript.OP_TRUE))
		assert.Error(t, scripttest.Execute(lock, nil))
	}
}

func TestSelectorAcceptsOnlyTheNeighbour(t *testing.T) {
	d, _, _ := testDispute(5)
	for _, answers := range allAnswers(d.H) {
		sel, err := Select(d.H, answers)
		require.NoError(t, err)
		for l := 0; l < d.H; l++ {
			try := sel
			try.Length = l
			lock := script.Concat(d.selectCheck(l, sel.IsAbove), script.New().Op(txscript.OP_TRUE))
			err := scripttest.Execute(lock, d.selectWitness(answers, try))
			if l == sel.Length && err != nil {
				t.Fatalf("answers %v length %d: %v", answers, l, err)
			}
			if l != sel.Length && err == nil {
				t.Fatalf("answers %v: length %d accepted, want %d", answers, l, sel.Length)
			}
		}
	}
}

func TestStepCheck(t *testing.T) {
	d, _, _ := testDispute(5)
	honest := Trace(d.Step, d.Initial, d.N())
	for _, k := range []int{0, 1, 15, 16, 30, 31} {
		sel, err := Select(d.H, bisectTraces(d.H, honest, corrupt(honest, k)))
		require.NoError(t, err)
		require.Equal(t, k, sel.Lower)
		lock := script.Concat(d.roundCheck(sel.Length, sel.IsAbove), script.New().Op(txscript.OP_TRUE))

		// An honest prover proves any step a dishonest verifier selects.
		require.NoError(t, scripttest.Execute(lock, d.roundWitness(sel, honest[sel.Lower], honest[sel.Upper])), "step %d", k)

		// A prover that lied cannot prove the first wrong step.
		claimed := corrupt(honest, k)
		sel, err = Select(d.H, bisectTraces(d.H, claimed, honest))
		require.NoError(t, err)
		lock = script.Concat(d.roundCheck(sel.Length, sel.IsAbove), script.New().Op(txscript.OP_TRUE))
		assert.Error(t, scripttest.Execute(lock, d.roundWitness(sel, claimed[sel.Lower], claimed[sel.Upper])), "step %d", k)
	}
}

func TestSequenceRejectsBadDisputes(t *testing.T) {
	d, _, _ := testDispute(0)
	_, err := d.Sequence()
	assert.True(t, errors.Is(err, script.ErrOutOfRange))

	d, _, _ = testDispute(2)
	d.Step = nil
	_, err = d.Sequence()
	assert.True(t, errors.Is(err, script.ErrInvalidOperands))
}

func TestBoundsAreNeighbours(t *testing.T) {
	d, _, _ := testDispute(3)
	honest := Trace(d.Step, d.Initial, d.N())
	for _, answers := range allAnswers(d.H) {
		sel, err := Select(d.H, answers)
		require.NoError(t, err)
		lock := script.Concat(
			d.SelectVerify(sel.Length, sel.IsAbove),
			d.UpperState(sel.Length, sel.IsAbove), wide.U160ToAltStack(),
			d.LowerState(sel.Length, sel.IsAbove), honest[sel.Lower].Push(), wide.U160EqualVerify(),
			wide.U160FromAltStack(), honest[sel.Upper].Push(), wide.U160EqualVerify(),
		).Op(txscript.OP_TRUE)
		unlock := script.Concat(
			d.UpperUnlock(sel, honest[sel.Upper]),
			d.LowerUnlock(sel, honest[sel.Lower]),
			d.SelectReveal(sel),
		)
		require.NoError(t, scripttest.Execute(lock, unlock), "answers %v", answers)
	}
	_, err := d.SearchRounds()
	require.NoError(t, err)
	d.Step = nil
	rounds, err := d.SearchRounds()
	require.NoError(t, err)
	assert.Len(t, rounds, d.SelectRound()+1)
}

func signer(t *testing.T, tr *sequence.Transaction, leaf int) func(*btcec.PrivateKey) []byte {
	return func(k *btcec.PrivateKey) []byte {
		sig, err := tr.SignLeaf(leaf, k)
		require.NoError(t, err)
		return sig
	}
}

func leafOf(t *testing.T, tr *sequence.Transaction, name string) int {
	i, ok := tr.LeafIndex(name)
	if !ok {
		t.Fatalf("no leaf %q", name)
	}
	return i
}

// spend signs leaf with every key it names and spends it with unlock.
func spend(tr *sequence.Transaction, leaf int, unlock *script.Script) (*wire.MsgTx, error) {
	var sigs [][]byte
	for _, pub := range tr.Leaves()[leaf].Signers {
		key := paulKey
		if pub.IsEqual(vickyKey.PubKey()) {
			key = vickyKey
		}
		sig, err := tr.SignLeaf(leaf, key)
		if err != nil {
			return nil, err
		}
		sigs = append(sigs, sig)
	}
	signed, err := tr.Signed(leaf, unlock, sigs...)
	if err != nil {
		return nil, err
	}
	return tr.Spend(leaf, signed)
}

// TestDisputeOnChain walks a lying prover through every round and catches
// it opening a response twice. Each side only knows the other's digests
// and what it saw on chain.
func TestDisputeOnChain(t *testing.T) {
	d, paul, vicky := testDispute(2)
	honest := Trace(d.Step, d.Initial, d.N())
	claimed := corrupt(honest, 2)

	rounds, err := d.Sequence()
	require.NoError(t, err)
	require.Len(t, rounds, 2*d.H+4)
	funding := sequence.Outpoint{OutPoint: wire.OutPoint{Hash: chainhash.Hash{9}}, Value: 1000000}
	txs, err := sequence.Compile(rounds, funding, []byte{txscript.OP_TRUE}, sequence.DefaultParams)
	require.NoError(t, err)

	paulTable, err := paul.Table(d.ProverFields()...)
	require.NoError(t, err)
	vickyTable, err := vicky.Table(d.VerifierFields()...)
	require.NoError(t, err)
	// The verifier knows the prover only by its table, and the other way
	// round. Both build the same outputs.
	verifierView, proverView := *d, *d
	verifierView.Prover = commit.NewOpponent(paulTable)
	proverView.Verifier = commit.NewOpponent(vickyTable)
	learnedProver := verifierView.Prover.(*commit.Opponent)
	learnedVerifier := proverView.Verifier.(*commit.Opponent)
	for _, view := range []*Dispute{&verifierView, &proverView} {
		viewRounds, err := view.Sequence()
		require.NoError(t, err)
		viewTxs, err := sequence.Compile(viewRounds, funding, []byte{txscript.OP_TRUE}, sequence.DefaultParams)
		require.NoError(t, err)
		for i := range txs {
			require.Equal(t, txs[i].PkScript(), viewTxs[i].PkScript(), "round %d", i)
		}
	}

	learn := func(o *commit.Opponent, tx *wire.MsgTx) error {
		for _, item := range tx.TxIn[0].Witness {
			if _, err := o.Learn(item); err != nil {
				return err
			}
		}
		return nil
	}

	kick := txs[KickoffRound]
	tx, err := spend(kick, 0, proverView.ResponseUnlock(d.H, claimed[d.N()]))
	require.NoError(t, err)
	require.NoError(t, learn(learnedProver, tx))
	got, ok := LearnedState(learnedProver, d.H)
	require.True(t, ok)
	assert.Equal(t, claimed[d.N()], got)

	m := NewMachine(d.H)
	for i := 0; i < d.H; i++ {
		q, err := m.Query()
		require.NoError(t, err)
		tx, err := spend(txs[ResponseRound(i)], 0, proverView.ResponseUnlock(i, claimed[q]))
		require.NoError(t, err)
		require.NoError(t, learn(learnedProver, tx))
		revealed, ok := LearnedState(learnedProver, i)
		require.True(t, ok)

		require.NoError(t, m.Answer(revealed == honest[q]))
		tx, err = spend(txs[ChallengeRound(i)], 0, verifierView.ChallengeUnlock(i, revealed == honest[q]))
		require.NoError(t, err)
		require.NoError(t, learn(learnedVerifier, tx))
	}
	answers, ok := LearnedAnswers(learnedVerifier, d.H)
	require.True(t, ok)
	assert.Equal(t, m.Answers(), answers)

	sel, err := m.Selection()
	require.NoError(t, err)
	require.Equal(t, 2, sel.Lower)

	selTx := txs[d.SelectRound()]
	unlock, err := verifierView.SelectUnlock(m.Answers())
	require.NoError(t, err)
	tx, err = spend(selTx, leafOf(t, selTx, SelectLeafName(sel.Length, sel.IsAbove)), unlock)
	require.NoError(t, err)
	require.NoError(t, learn(learnedVerifier, tx))

	// The committed states do not satisfy the step.
	stepTx := txs[d.StepRound()]
	leaf := leafOf(t, stepTx, ChallengeRoundLeafName(sel.Length, sel.IsAbove))
	unlock, err = proverView.ChallengeRoundUnlock(sel, claimed)
	require.NoError(t, err)
	_, err = spend(stepTx, leaf, unlock)
	assert.True(t, errors.Is(err, sequence.ErrLocalVerify))

	// Opening the honest states instead is an equivocation.
	unlock, err = proverView.ChallengeRoundUnlock(sel, honest)
	require.NoError(t, err)
	tx, err = spend(stepTx, leaf, unlock)
	require.NoError(t, err)
	err = learn(learnedProver, tx)
	var eq *commit.Equivocation
	require.True(t, errors.As(err, &eq))

	justice := txs[d.JusticeRound()]
	st := commit.Stage{ID: eq.ID, Index: eq.Index, Values: 4}
	leaf = leafOf(t, justice, JusticeLeafName(st))
	sw, err := justice.Sweep(leaf, []byte{txscript.OP_TRUE}, 1000, wire.MaxTxInSequenceNum)
	require.NoError(t, err)
	_, err = sw.SignedTx(vickyKey, JusticeUnlock(eq))
	require.NoError(t, err)
	_, err = sw.SignedTx(paulKey, JusticeUnlock(eq))
	assert.True(t, errors.Is(err, sequence.ErrLocalVerify))

	// A stalled prover loses the step round to the verifier.
	_, err = stepTx.TimeoutTx(leafOf(t, stepTx, "timeout"), d.Timeout, vickyKey, []byte{txscript.OP_TRUE}, 1000)
	require.NoError(t, err)
}

// TestVerifierEquivocationPaysProver catches a selection that opens an
// answer bit the other way.
func TestVerifierEquivocationPaysProver(t *testing.T) {
	d, _, vicky := testDispute(2)
	rounds, err := d.Sequence()
	require.NoError(t, err)
	funding := sequence.Outpoint{OutPoint: wire.OutPoint{Hash: chainhash.Hash{8}}, Value: 1000000}
	txs, err := sequence.Compile(rounds, funding, []byte{txscript.OP_TRUE}, sequence.DefaultParams)
	require.NoError(t, err)

	table, err := vicky.Table(d.VerifierFields()...)
	require.NoError(t, err)
	o := commit.NewOpponent(table)
	for _, v := range []int{0, 1} {
		items, err := script.Witness(commit.BitStateUnlock(vicky, ChallengeID(1), v, 0))
		require.NoError(t, err)
		_, err = o.Learn(items[0])
		if v == 1 {
			var eq *commit.Equivocation
			require.True(t, errors.As(err, &eq))
			stepTx := txs[d.StepRound()]
			sw, err := stepTx.Sweep(leafOf(t, stepTx, ChallengeJusticeLeafName(1)), []byte{txscript.OP_TRUE}, 1000, wire.MaxTxInSequenceNum)
			require.NoError(t, err)
			_, err = sw.SignedTx(paulKey, JusticeUnlock(eq))
			require.NoError(t, err)
		}
	}
}
