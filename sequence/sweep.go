package sequence

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/BitVM/BitVM-sub000/script"
)

// DefaultTimeout is the relative timelock, in blocks, after which a stalled
// party forfeits a round.
const DefaultTimeout = 144

// CheckSig requires a signature by key.
func CheckSig(key *btcec.PublicKey) *script.Script {
	return script.New().Data(schnorr.SerializePubKey(key)).Op(txscript.OP_CHECKSIG)
}

// MultiSig requires signatures by first and second. The witness carries
// second's signature below first's.
func MultiSig(first, second *btcec.PublicKey) *script.Script {
	return script.New().
		Data(schnorr.SerializePubKey(first)).Op(txscript.OP_CHECKSIGVERIFY).
		Append(CheckSig(second))
}

// TimeoutLeaf lets key spend once the output is csv blocks old.
func TimeoutLeaf(name string, csv uint32, key *btcec.PublicKey) Leaf {
	lock := script.New().Int(int(csv)).Op(txscript.OP_CHECKSEQUENCEVERIFY, txscript.OP_DROP)
	return SignedLeaf(name, lock, key)
}

// Sweep spends one leaf of a transaction's input to a destination of the
// spender's choosing instead of the next step of the sequence. Timeouts
// and justice payouts are sweeps.
type Sweep struct {
	t    *Transaction
	leaf int
	prev Outpoint
	tx   *wire.MsgTx
}

// Sweep prepares a spend through leaf i paying dest the input value less
// fee. seq is the input sequence; CSV leaves need it at least at their
// timelock.
func (t *Transaction) Sweep(i int, dest []byte, fee int64, seq uint32) (*Sweep, error) {
	if i < 0 || i >= len(t.scripts) {
		return nil, fmt.Errorf("%w: %d of %d", ErrUnknownLeaf, i, len(t.scripts))
	}
	prev, err := t.Prev()
	if err != nil {
		return nil, err
	}
	payout := prev.Value - fee
	if payout <= 0 {
		return nil, fmt.Errorf("fee %d exceeds input %d", fee, prev.Value)
	}
	tx := wire.NewMsgTx(2)
	tx.AddTxIn(&wire.TxIn{PreviousOutPoint: prev.OutPoint, Sequence: seq})
	tx.AddTxOut(&wire.TxOut{Value: payout, PkScript: dest})
	return &Sweep{t: t, leaf: i, prev: prev, tx: tx}, nil
}

// Sign returns key's signature of the sweep.
func (s *Sweep) Sign(key *btcec.PrivateKey) ([]byte, error) {
	return s.t.sign(s.tx, s.prev.Value, s.leaf, key)
}

// Tx attaches the witness built from unlock and checks the spend locally.
func (s *Sweep) Tx(unlock *script.Script) (*wire.MsgTx, error) {
	w, err := s.t.Witness(s.leaf, unlock)
	if err != nil {
		return nil, err
	}
	tx := s.tx.Copy()
	tx.TxIn[0].Witness = w
	if err := s.t.verifyWith(tx, s.prev.Value); err != nil {
		return nil, err
	}
	return tx, nil
}

// SignedTx signs the sweep with key, the leaf's only signer, and attaches
// unlock above the signature.
func (s *Sweep) SignedTx(key *btcec.PrivateKey, unlock *script.Script) (*wire.MsgTx, error) {
	sig, err := s.Sign(key)
	if err != nil {
		return nil, err
	}
	signed, err := s.t.Signed(s.leaf, unlock, sig)
	if err != nil {
		return nil, err
	}
	return s.Tx(signed)
}

// TimeoutTx spends a TimeoutLeaf with csv blocks to dest, signed by key.
// The caller broadcasts it once the timelock has matured.
func (t *Transaction) TimeoutTx(i int, csv uint32, key *btcec.PrivateKey, dest []byte, fee int64) (*wire.MsgTx, error) {
	sw, err := t.Sweep(i, dest, fee, csv)
	if err != nil {
		return nil, err
	}
	return sw.SignedTx(key, nil)
}
