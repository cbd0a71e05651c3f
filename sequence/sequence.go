// Package sequence turns rounds of tapscript leaves into a chain of
// unsigned transactions. Output 0 of each transaction funds the single
// input of the next one, and the last transaction pays a final script.
package sequence

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	bitvm "github.com/BitVM/BitVM-sub000"
	"github.com/BitVM/BitVM-sub000/script"
)

var (
	// ErrNotFinalized is returned when a transaction is used before its
	// input and output are known.
	ErrNotFinalized = errors.New("transaction not finalized")
	// ErrLocalVerify wraps the engine error of a spend that fails local
	// verification. Such a spend is never broadcast.
	ErrLocalVerify = errors.New("local VM verify failed")
	// ErrUnknownLeaf is returned for a leaf index outside the tree.
	ErrUnknownLeaf = errors.New("unknown leaf")
	// ErrSignature is returned for a missing or invalid leaf signature.
	ErrSignature = errors.New("bad leaf signature")
)

// Broadcaster publishes a fully signed transaction.
type Broadcaster interface {
	Broadcast(ctx context.Context, tx *wire.MsgTx) (*chainhash.Hash, error)
}

// Leaf is one spending path of a transaction's input.
type Leaf struct {
	Name string
	Lock *script.Script
	// Signers sign every spend through the leaf. Signers[0] is checked
	// first, so its signature is the topmost of the signatures, which sit
	// below the unlock items.
	Signers []*btcec.PublicKey
}

// SignedLeaf appends the checks of keys' signatures to body.
func SignedLeaf(name string, body *script.Script, keys ...*btcec.PublicKey) Leaf {
	lock := script.Concat(body)
	for i, k := range keys {
		if i == len(keys)-1 {
			lock.Append(CheckSig(k))
			continue
		}
		lock.Data(schnorr.SerializePubKey(k)).Op(txscript.OP_CHECKSIGVERIFY)
	}
	return Leaf{Name: name, Lock: lock, Signers: keys}
}

// Cosigned reports whether both keys sign the leaf.
func (l Leaf) Cosigned(a, b *btcec.PublicKey) bool {
	return l.signs(a) && l.signs(b)
}

func (l Leaf) signs(key *btcec.PublicKey) bool {
	for _, k := range l.Signers {
		if k.IsEqual(key) {
			return true
		}
	}
	return false
}

// Outpoint is an outpoint together with the value it holds.
type Outpoint struct {
	wire.OutPoint
	Value int64
}

const verifyFlags = txscript.StandardVerifyFlags | txscript.ScriptVerifyTaproot

// Params control fee accounting.
type Params struct {
	// Fee is subtracted from the value at every hop.
	Fee int64
	// Dust is the smallest output value a hop may create.
	Dust int64
	// Version is the transaction version. CSV spends need 2.
	Version int32
}

// DefaultParams match the amounts used on signet.
var DefaultParams = Params{Fee: 2000, Dust: 500, Version: 2}

// Transaction is one step of a sequence. The output it spends commits to
// its leaves under the NUMS internal key.
type Transaction struct {
	leaves   []Leaf
	scripts  [][]byte
	tapLeafs []txscript.TapLeaf
	tree     *txscript.IndexedTapScriptTree
	outKey   *btcec.PublicKey
	pkScript []byte
	version  int32

	mu    sync.Mutex
	prev  *Outpoint
	next  []byte
	value int64
	tx    *wire.MsgTx
}

// NewTransaction compiles leaves and builds their tap tree.
func NewTransaction(leaves []Leaf) (*Transaction, error) {
	if len(leaves) == 0 {
		return nil, script.Errorf("sequence", script.ErrInvalidOperands, "transaction without leaves")
	}
	t := &Transaction{
		leaves:   leaves,
		scripts:  make([][]byte, len(leaves)),
		tapLeafs: make([]txscript.TapLeaf, len(leaves)),
		version:  DefaultParams.Version,
	}
	for i, l := range leaves {
		b, err := script.Compile(l.Lock)
		if err != nil {
			return nil, fmt.Errorf("leaf %d (%s): %w", i, l.Name, err)
		}
		t.scripts[i] = b
		t.tapLeafs[i] = txscript.NewBaseTapLeaf(b)
	}
	t.tree = txscript.AssembleTaprootScriptTree(t.tapLeafs...)
	root := t.tree.RootNode.TapHash()
	t.outKey = txscript.ComputeTaprootOutputKey(bitvm.NUMSKey(), root[:])
	pk, err := txscript.PayToTaprootScript(t.outKey)
	if err != nil {
		return nil, fmt.Errorf("taproot pkScript: %w", err)
	}
	t.pkScript = pk
	return t, nil
}

// Leaves returns the leaves in tree order.
func (t *Transaction) Leaves() []Leaf { return t.leaves }

// LeafIndex finds a leaf by name.
func (t *Transaction) LeafIndex(name string) (int, bool) {
	for i, l := range t.leaves {
		if l.Name == name {
			return i, true
		}
	}
	return -1, false
}

// LeafScript returns the compiled script of leaf i.
func (t *Transaction) LeafScript(i int) ([]byte, error) {
	if i < 0 || i >= len(t.scripts) {
		return nil, fmt.Errorf("%w: %d of %d", ErrUnknownLeaf, i, len(t.scripts))
	}
	return t.scripts[i], nil
}

// PkScript is the script of the output this transaction spends.
func (t *Transaction) PkScript() []byte { return t.pkScript }

// OutputKey is the tweaked taproot key of the spent output.
func (t *Transaction) OutputKey() *btcec.PublicKey { return t.outKey }

// Address encodes PkScript as a taproot address on net.
func (t *Transaction) Address(net *chaincfg.Params) (*btcutil.AddressTaproot, error) {
	return btcutil.NewAddressTaproot(schnorr.SerializePubKey(t.outKey), net)
}

// ControlBlock is the serialized control block proving leaf i.
func (t *Transaction) ControlBlock(i int) ([]byte, error) {
	if i < 0 || i >= len(t.scripts) {
		return nil, fmt.Errorf("%w: %d of %d", ErrUnknownLeaf, i, len(t.scripts))
	}
	cb := t.tree.LeafMerkleProofs[i].ToControlBlock(bitvm.NUMSKey())
	return cb.ToBytes()
}

// Finalize fixes the spent outpoint, the paid script and the paid value.
// It drops any memoized transaction.
func (t *Transaction) Finalize(prev Outpoint, next []byte, value int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := prev
	t.prev = &p
	t.next = next
	t.value = value
	t.tx = nil
}

// Fund fixes only the spent outpoint. A transaction funded this way has no
// next step and can only be swept.
func (t *Transaction) Fund(prev Outpoint) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := prev
	t.prev = &p
	t.next = nil
	t.tx = nil
}

// Prev is the outpoint spent by this transaction.
func (t *Transaction) Prev() (Outpoint, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.prev == nil {
		return Outpoint{}, ErrNotFinalized
	}
	return *t.prev, nil
}

// Tx returns a copy of the unsigned transaction.
func (t *Transaction) Tx() (*wire.MsgTx, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.prev == nil || t.next == nil {
		return nil, ErrNotFinalized
	}
	if t.tx == nil {
		tx := wire.NewMsgTx(t.version)
		tx.AddTxIn(&wire.TxIn{PreviousOutPoint: t.prev.OutPoint, Sequence: wire.MaxTxInSequenceNum})
		tx.AddTxOut(&wire.TxOut{Value: t.value, PkScript: t.next})
		t.tx = tx
	}
	return t.tx.Copy(), nil
}

// Next is output 0 of this transaction, the outpoint the following step
// spends.
func (t *Transaction) Next() (Outpoint, error) {
	tx, err := t.Tx()
	if err != nil {
		return Outpoint{}, err
	}
	return Outpoint{OutPoint: wire.OutPoint{Hash: tx.TxHash(), Index: 0}, Value: tx.TxOut[0].Value}, nil
}

func (t *Transaction) sign(tx *wire.MsgTx, value int64, i int, key *btcec.PrivateKey) ([]byte, error) {
	fetcher := txscript.NewCannedPrevOutputFetcher(t.pkScript, value)
	sh := txscript.NewTxSigHashes(tx, fetcher)
	sig, err := txscript.RawTxInTapscriptSignature(tx, sh, 0, value, t.pkScript,
		t.tapLeafs[i], txscript.SigHashDefault, key)
	if err != nil {
		return nil, fmt.Errorf("sign leaf %d: %w", i, err)
	}
	return sig, nil
}

// SignLeaf returns key's BIP342 signature of the transaction for a spend
// through leaf i. The default sighash type yields a 64-byte signature.
func (t *Transaction) SignLeaf(i int, key *btcec.PrivateKey) ([]byte, error) {
	if i < 0 || i >= len(t.scripts) {
		return nil, fmt.Errorf("%w: %d of %d", ErrUnknownLeaf, i, len(t.scripts))
	}
	tx, err := t.Tx()
	if err != nil {
		return nil, err
	}
	prev, err := t.Prev()
	if err != nil {
		return nil, err
	}
	return t.sign(tx, prev.Value, i, key)
}

// VerifyLeafSig checks sig as key's signature of the spend through leaf i.
func (t *Transaction) VerifyLeafSig(i int, key *btcec.PublicKey, sig []byte) error {
	if i < 0 || i >= len(t.scripts) {
		return fmt.Errorf("%w: %d of %d", ErrUnknownLeaf, i, len(t.scripts))
	}
	tx, err := t.Tx()
	if err != nil {
		return err
	}
	prev, err := t.Prev()
	if err != nil {
		return err
	}
	fetcher := txscript.NewCannedPrevOutputFetcher(t.pkScript, prev.Value)
	sh := txscript.NewTxSigHashes(tx, fetcher)
	hash, err := txscript.CalcTapscriptSignaturehash(sh, txscript.SigHashDefault, tx, 0, fetcher, t.tapLeafs[i])
	if err != nil {
		return fmt.Errorf("sighash of leaf %d: %w", i, err)
	}
	parsed, err := schnorr.ParseSignature(sig)
	if err != nil {
		return fmt.Errorf("%w: leaf %d: %v", ErrSignature, i, err)
	}
	if !parsed.Verify(hash, key) {
		return fmt.Errorf("%w: leaf %d", ErrSignature, i)
	}
	return nil
}

// Signed puts sigs, given in Signers order, below unlock.
func (t *Transaction) Signed(i int, unlock *script.Script, sigs ...[]byte) (*script.Script, error) {
	if i < 0 || i >= len(t.leaves) {
		return nil, fmt.Errorf("%w: %d of %d", ErrUnknownLeaf, i, len(t.leaves))
	}
	signers := t.leaves[i].Signers
	if len(sigs) != len(signers) {
		return nil, fmt.Errorf("%w: leaf %s wants %d signatures, got %d",
			ErrSignature, t.leaves[i].Name, len(signers), len(sigs))
	}
	s := script.New()
	for j := len(sigs) - 1; j >= 0; j-- {
		s.Data(sigs[j])
	}
	return s.Append(unlock), nil
}

// Witness assembles the input witness of a spend through leaf i: the items
// of unlock, then the leaf script, then its control block.
func (t *Transaction) Witness(i int, unlock *script.Script) (wire.TxWitness, error) {
	cb, err := t.ControlBlock(i)
	if err != nil {
		return nil, err
	}
	if unlock == nil {
		unlock = script.New()
	}
	items, err := script.Witness(unlock)
	if err != nil {
		return nil, fmt.Errorf("unlock of leaf %d: %w", i, err)
	}
	w := make(wire.TxWitness, 0, len(items)+2)
	w = append(w, items...)
	return append(w, t.scripts[i], cb), nil
}

// Spend returns the signed transaction spending through leaf i after
// checking it with the script engine.
func (t *Transaction) Spend(i int, unlock *script.Script) (*wire.MsgTx, error) {
	w, err := t.Witness(i, unlock)
	if err != nil {
		return nil, err
	}
	tx, err := t.Tx()
	if err != nil {
		return nil, err
	}
	tx.TxIn[0].Witness = w
	if err := t.verify(tx); err != nil {
		return nil, err
	}
	return tx, nil
}

func (t *Transaction) verify(tx *wire.MsgTx) error {
	prev, err := t.Prev()
	if err != nil {
		return err
	}
	return t.verifyWith(tx, prev.Value)
}

func (t *Transaction) verifyWith(tx *wire.MsgTx, value int64) error {
	fetcher := txscript.NewCannedPrevOutputFetcher(t.pkScript, value)
	sh := txscript.NewTxSigHashes(tx, fetcher)
	vm, err := txscript.NewEngine(t.pkScript, tx, 0, verifyFlags, nil, sh, value, fetcher)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrLocalVerify, err)
	}
	if err := vm.Execute(); err != nil {
		return fmt.Errorf("%w: %v", ErrLocalVerify, err)
	}
	return nil
}

// Execute verifies the spend through leaf i locally and broadcasts it.
func (t *Transaction) Execute(ctx context.Context, b Broadcaster, i int, unlock *script.Script) (*chainhash.Hash, error) {
	tx, err := t.Spend(i, unlock)
	if err != nil {
		return nil, err
	}
	txid, err := b.Broadcast(ctx, tx)
	if err != nil {
		return nil, fmt.Errorf("broadcast %s: %w", tx.TxHash(), err)
	}
	return txid, nil
}

// Compile builds one transaction per round. Transaction i spends funding
// (i == 0) or output 0 of transaction i-1 and pays the next round's output
// script, or final for the last round. Every hop subtracts params.Fee.
func Compile(rounds [][]Leaf, funding Outpoint, final []byte, params Params) ([]*Transaction, error) {
	if len(rounds) == 0 {
		return nil, script.Errorf("sequence", script.ErrInvalidOperands, "empty sequence")
	}
	if len(final) == 0 {
		return nil, script.Errorf("sequence", script.ErrInvalidOperands, "no final script")
	}
	txs := make([]*Transaction, len(rounds))
	for i, leaves := range rounds {
		t, err := NewTransaction(leaves)
		if err != nil {
			return nil, fmt.Errorf("round %d: %w", i, err)
		}
		if params.Version != 0 {
			t.version = params.Version
		}
		txs[i] = t
	}

	prev := funding
	for i, t := range txs {
		value := prev.Value - params.Fee
		if value < params.Dust {
			return nil, script.Errorf("sequence", script.ErrOutOfRange,
				"round %d: output %d below dust %d", i, value, params.Dust)
		}
		next := final
		if i+1 < len(txs) {
			next = txs[i+1].pkScript
		}
		t.Finalize(prev, next, value)
		out, err := t.Next()
		if err != nil {
			return nil, err
		}
		prev = out
	}
	return txs, nil
}

// Merge combines two round lists position-wise. Round i of the result
// holds the leaves of a's round i followed by b's.
func Merge(a, b [][]Leaf) [][]Leaf {
	n := len(a)
	if len(b) > n {
		n = len(b)
	}
	out := make([][]Leaf, n)
	for i := range out {
		var r []Leaf
		if i < len(a) {
			r = append(r, a[i]...)
		}
		if i < len(b) {
			r = append(r, b[i]...)
		}
		out[i] = r
	}
	return out
}
