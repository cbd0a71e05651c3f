// Package scripttest runs tapscripts through btcd's script engine as real
// taproot script-path spends. It is used by the tests of every gadget
// package.
package scripttest

import (
	"fmt"

	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	bitvm "github.com/BitVM/BitVM-sub000"
	"github.com/BitVM/BitVM-sub000/script"
)

const prevValue = 100000

// Flags are the verification flags every spend is checked with.
const Flags = txscript.StandardVerifyFlags | txscript.ScriptVerifyTaproot |
	txscript.ScriptVerifyWitness | txscript.ScriptBip16

// Execute compiles lock and spends it with the items of unlock. It returns
// the engine error, nil when the spend is valid.
func Execute(lock, unlock *script.Script) error {
	lb, wit, err := compile(lock, unlock)
	if err != nil {
		return err
	}
	return ExecuteBytes(lb, wit)
}

// Eval is Execute without the final validity rules: it runs every opcode
// and returns the data stack left by lock.
func Eval(lock, unlock *script.Script) ([][]byte, error) {
	lb, wit, err := compile(lock, unlock)
	if err != nil {
		return nil, err
	}
	return EvalBytes(lb, wit)
}

// EvalInts is Eval with the stack decoded as script numbers, bottom first.
func EvalInts(lock, unlock *script.Script) ([]int64, error) {
	stack, err := Eval(lock, unlock)
	if err != nil {
		return nil, err
	}
	out := make([]int64, len(stack))
	for i, item := range stack {
		out[i] = script.DecodeNum(item)
	}
	return out, nil
}

func compile(lock, unlock *script.Script) ([]byte, [][]byte, error) {
	lb, err := script.Compile(lock)
	if err != nil {
		return nil, nil, fmt.Errorf("compile lock: %w", err)
	}
	if unlock == nil {
		unlock = script.New()
	}
	wit, err := script.Witness(unlock)
	if err != nil {
		return nil, nil, fmt.Errorf("compile unlock: %w", err)
	}
	return lb, wit, nil
}

// ExecuteBytes spends the single leaf lock with witness items wit.
func ExecuteBytes(lock []byte, wit [][]byte) error {
	vm, err := newEngine(lock, wit)
	if err != nil {
		return err
	}
	return vm.Execute()
}

// EvalBytes steps through the spend and returns the final data stack.
func EvalBytes(lock []byte, wit [][]byte) ([][]byte, error) {
	vm, err := newEngine(lock, wit)
	if err != nil {
		return nil, err
	}
	for {
		done, err := vm.Step()
		if err != nil {
			return nil, err
		}
		if done {
			break
		}
	}
	return vm.GetStack(), nil
}

func newEngine(lock []byte, wit [][]byte) (*txscript.Engine, error) {
	internal := bitvm.NUMSKey()
	leaf := txscript.NewBaseTapLeaf(lock)
	tree := txscript.AssembleTaprootScriptTree(leaf)
	root := tree.RootNode.TapHash()
	outKey := txscript.ComputeTaprootOutputKey(internal, root[:])
	pkScript, err := txscript.PayToTaprootScript(outKey)
	if err != nil {
		return nil, fmt.Errorf("pkScript: %w", err)
	}
	cb := tree.LeafMerkleProofs[0].ToControlBlock(internal)
	cbBytes, err := cb.ToBytes()
	if err != nil {
		return nil, fmt.Errorf("control block: %w", err)
	}

	tx := wire.NewMsgTx(2)
	tx.AddTxIn(&wire.TxIn{PreviousOutPoint: wire.OutPoint{Index: 0}, Sequence: wire.MaxTxInSequenceNum})
	tx.AddTxOut(&wire.TxOut{Value: prevValue / 2, PkScript: []byte{txscript.OP_RETURN}})

	witness := make(wire.TxWitness, 0, len(wit)+2)
	witness = append(witness, wit...)
	witness = append(witness, lock, cbBytes)
	tx.TxIn[0].Witness = witness

	fetcher := txscript.NewCannedPrevOutputFetcher(pkScript, prevValue)
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)
	vm, err := txscript.NewEngine(pkScript, tx, 0, Flags, nil, sigHashes, prevValue, fetcher)
	if err != nil {
		return nil, fmt.Errorf("engine init: %w", err)
	}
	return vm, nil
}
