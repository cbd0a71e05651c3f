package crchain

import (
	"bytes"
	"errors"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BitVM/BitVM-sub000/commit"
	"github.com/BitVM/BitVM-sub000/script"
	"github.com/BitVM/BitVM-sub000/sequence"
)

func testKey(b byte) *btcec.PrivateKey {
	priv, _ := btcec.PrivKeyFromBytes(bytes.Repeat([]byte{b}, 32))
	return priv
}

var (
	paulKey  = testKey(1)
	vickyKey = testKey(2)
	funding  = wire.OutPoint{Hash: chainhash.Hash{7}, Index: 1}
	sink     = []byte{txscript.OP_TRUE}
)

func testChain(t *testing.T, rounds int) (*Chain, *commit.Player, *commit.Player) {
	paul := commit.NewPlayer([]byte("paul"))
	vicky := commit.NewPlayer([]byte("vicky"))
	params := DefaultParams
	params.Timeout = 10
	c, err := New(funding,
		Party{Actor: paul, Key: paulKey.PubKey()},
		Party{Actor: vicky, Key: vickyKey.PubKey()},
		rounds, params)
	require.NoError(t, err)
	return c, paul, vicky
}

func TestValues(t *testing.T) {
	c, _, _ := testChain(t, 2)
	require.Len(t, c.Transactions(), 4)
	assert.Equal(t, int64(2*4000+500), c.FundingValue())

	want := []int64{7500, 4500, 3500, 500}
	for i, tx := range c.Transactions() {
		next, err := tx.Next()
		require.NoError(t, err)
		assert.Equal(t, want[i], next.Value, "step %d", i)
		if i+1 < len(c.Transactions()) {
			prev, err := c.Transactions()[i+1].Prev()
			require.NoError(t, err)
			assert.Equal(t, next, prev, "step %d", i+1)
		}
	}
	prev, err := c.Transactions()[0].Prev()
	require.NoError(t, err)
	assert.Equal(t, funding, prev.OutPoint)
	assert.Equal(t, c.Transactions()[0].PkScript(), c.FundingPkScript())

	settle, err := c.Settlement().Prev()
	require.NoError(t, err)
	last, err := c.Transactions()[3].Next()
	require.NoError(t, err)
	assert.Equal(t, last, settle)
}

func TestNewRejects(t *testing.T) {
	paul := Party{Actor: commit.NewPlayer([]byte("paul")), Key: paulKey.PubKey()}
	vicky := Party{Actor: commit.NewPlayer([]byte("vicky")), Key: vickyKey.PubKey()}
	tests := []struct {
		name     string
		prover   Party
		rounds   int
		params   Params
		sentinel error
	}{
		{"no rounds", paul, 0, DefaultParams, script.ErrOutOfRange},
		{"no key", Party{Actor: paul.Actor}, 1, DefaultParams, script.ErrInvalidOperands},
		{"zero fee", paul, 1, Params{ResponseFee: 1, Dust: 1}, script.ErrOutOfRange},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(funding, tc.prover, vicky, tc.rounds, tc.params)
			if !errors.Is(err, tc.sentinel) {
				t.Fatalf("got %v, want %v", err, tc.sentinel)
			}
		})
	}
}

func TestRevealWalksTheChain(t *testing.T) {
	c, _, _ := testChain(t, 2)
	_, err := c.Reveal(0, []byte{1})
	require.True(t, errors.Is(err, ErrMissingSignature))

	require.NoError(t, c.Presign(paulKey, vickyKey))
	values := [][]byte{{1}, bytes.Repeat([]byte{0xab}, 20), {0}, bytes.Repeat([]byte{0x01}, 20)}
	for i, v := range values {
		tx, err := c.Reveal(i, v)
		require.NoError(t, err, "step %d", i)
		next, err := c.Transactions()[i].Next()
		require.NoError(t, err)
		assert.Equal(t, tx.TxHash(), next.Hash)
	}

	_, err = c.Reveal(0, []byte{2})
	assert.True(t, errors.Is(err, ErrBadValue))
	_, err = c.Reveal(1, []byte{1, 2, 3})
	assert.True(t, errors.Is(err, ErrBadValue))
	_, err = c.Reveal(4, []byte{1})
	assert.True(t, errors.Is(err, sequence.ErrUnknownLeaf))
}

// TestExchangedSignatures builds each side's chain from the other's digest
// table and swaps signatures the way two hosts would.
func TestExchangedSignatures(t *testing.T) {
	c, paul, vicky := testChain(t, 1)
	pf, vf := Fields(1)
	pt, err := paul.Table(pf...)
	require.NoError(t, err)
	vt, err := vicky.Table(vf...)
	require.NoError(t, err)

	mirror, err := New(funding,
		Party{Actor: commit.NewOpponent(pt), Key: paulKey.PubKey()},
		Party{Actor: vicky, Key: vickyKey.PubKey()},
		1, c.params)
	require.NoError(t, err)
	theirs, err := New(funding,
		Party{Actor: paul, Key: paulKey.PubKey()},
		Party{Actor: commit.NewOpponent(vt), Key: vickyKey.PubKey()},
		1, c.params)
	require.NoError(t, err)
	assert.Equal(t, c.FundingPkScript(), mirror.FundingPkScript())
	assert.Equal(t, c.FundingPkScript(), theirs.FundingPkScript())

	psigs, err := c.Sign(paulKey)
	require.NoError(t, err)
	vsigs, err := mirror.Sign(vickyKey)
	require.NoError(t, err)
	require.NoError(t, c.AddSignatures(Prover, psigs))
	require.NoError(t, c.AddSignatures(Verifier, vsigs))
	assert.Error(t, c.AddSignatures(Verifier, vsigs[:1]))

	_, err = c.Reveal(0, []byte{0})
	require.NoError(t, err)
	_, err = c.Reveal(1, bytes.Repeat([]byte{0x42}, 20))
	require.NoError(t, err)
}

func TestJusticeTx(t *testing.T) {
	c, paul, _ := testChain(t, 2)
	require.NoError(t, c.Presign(paulKey, vickyKey))
	pf, _ := Fields(2)
	table, err := paul.Table(pf...)
	require.NoError(t, err)
	opponent := commit.NewOpponent(table)

	tx, err := c.Reveal(1, bytes.Repeat([]byte{0x10}, 20))
	require.NoError(t, err)
	for _, item := range tx.TxIn[0].Witness {
		_, err := opponent.Learn(item)
		require.NoError(t, err)
	}

	// A second opening of the same response, e.g. from another chain.
	items, err := script.Witness(commit.U160StateUnlock(paul, ResponseID(0), bytes.Repeat([]byte{0x20}, 20)))
	require.NoError(t, err)
	var eq *commit.Equivocation
	for _, item := range items {
		if _, err := opponent.Learn(item); err != nil {
			require.True(t, errors.As(err, &eq))
			break
		}
	}
	require.NotNil(t, eq)

	_, err = c.JusticeTx(0, eq, vickyKey, sink, 500)
	require.NoError(t, err)
	// Only the verifier can claim.
	_, err = c.JusticeTx(0, eq, paulKey, sink, 500)
	assert.True(t, errors.Is(err, sequence.ErrLocalVerify))
	_, err = c.JusticeTx(2, eq, vickyKey, sink, 500)
	assert.True(t, errors.Is(err, sequence.ErrUnknownLeaf))
}

func TestTimeoutTx(t *testing.T) {
	c, _, _ := testChain(t, 1)
	_, err := c.TimeoutTx(0, paulKey, sink, 500)
	require.NoError(t, err)
	_, err = c.TimeoutTx(1, vickyKey, sink, 500)
	require.NoError(t, err)
	_, err = c.TimeoutTx(1, paulKey, sink, 500)
	assert.True(t, errors.Is(err, sequence.ErrLocalVerify))
	// The settlement goes back to the prover.
	_, err = c.TimeoutTx(2, paulKey, sink, 100)
	require.NoError(t, err)
	_, err = c.TimeoutTx(3, paulKey, sink, 100)
	assert.True(t, errors.Is(err, sequence.ErrUnknownLeaf))
}

func TestRoleString(t *testing.T) {
	assert.Equal(t, "prover", Prover.String())
	assert.Equal(t, "verifier", Verifier.String())
}

func TestSteps(t *testing.T) {
	c, _, _ := testChain(t, 2)
	steps := c.Steps()
	require.Len(t, steps, 5)
	assert.Same(t, c.Settlement(), steps[4])
	assert.Same(t, c.Transactions()[Step(1, false)], steps[2])
	assert.Same(t, c.Transactions()[Step(1, true)], steps[3])

	for i, tr := range c.Transactions() {
		leaf := tr.Leaves()[0]
		require.Len(t, leaf.Signers, 2, "step %d", i)
		assert.True(t, leaf.Cosigned(paulKey.PubKey(), vickyKey.PubKey()))
	}
}
