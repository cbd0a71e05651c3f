package u32

import (
	"github.com/btcsuite/btcd/txscript"

	"github.com/BitVM/BitVM-sub000/script"
)

// u8AddCarry pops two bytes and pushes (sum mod 256, carry).
func u8AddCarry() *script.Script {
	return script.New().
		Op(txscript.OP_ADD).Num(256).
		Op(txscript.OP_2DUP, txscript.OP_GREATERTHANOREQUAL).
		Op(txscript.OP_IF).
		Op(txscript.OP_SUB).Num(1).
		Op(txscript.OP_ELSE).
		Op(txscript.OP_DROP).Num(0).
		Op(txscript.OP_ENDIF)
}

// u8Add pops two bytes and pushes their sum mod 256.
func u8Add() *script.Script {
	return script.New().
		Op(txscript.OP_ADD).Num(256).
		Op(txscript.OP_2DUP, txscript.OP_GREATERTHANOREQUAL).
		Op(txscript.OP_IF).
		Op(txscript.OP_SUB).Num(0).
		Op(txscript.OP_ENDIF).
		Op(txscript.OP_DROP)
}

// u8SubBorrow pops a, b and pushes ((a - b) mod 256, borrow).
func u8SubBorrow() *script.Script {
	return script.New().
		Op(txscript.OP_SUB, txscript.OP_DUP).Num(0).
		Op(txscript.OP_LESSTHAN).
		Op(txscript.OP_IF).
		Num(256).Op(txscript.OP_ADD).Num(1).
		Op(txscript.OP_ELSE).
		Num(0).
		Op(txscript.OP_ENDIF)
}

func u8Sub() *script.Script {
	return script.New().
		Op(txscript.OP_SUB, txscript.OP_DUP).Num(0).
		Op(txscript.OP_LESSTHAN).
		Op(txscript.OP_IF).
		Num(256).Op(txscript.OP_ADD).
		Op(txscript.OP_ENDIF)
}

// ripple runs lane by lane over four zipped pairs, least significant pair
// first, parking each result byte on the alt stack. withCarry handles the
// lower three lanes and last the top lane, which truncates.
func ripple(withCarry, last func() *script.Script) *script.Script {
	return script.New().
		Append(withCarry()).Op(txscript.OP_SWAP, txscript.OP_TOALTSTACK).
		Repeat(2, func(int) *script.Script {
			return script.New().
				Op(txscript.OP_ADD).
				Append(withCarry()).
				Op(txscript.OP_SWAP, txscript.OP_TOALTSTACK)
		}).
		Op(txscript.OP_ADD).Append(last()).
		Op(txscript.OP_FROMALTSTACK, txscript.OP_FROMALTSTACK, txscript.OP_FROMALTSTACK)
}

// Add pushes value[a] + value[b] mod 2^32, consuming b and keeping a.
func Add(a, b int) *script.Script {
	return script.Concat(CopyZip(a, b), ripple(u8AddCarry, u8Add))
}

// AddDrop is Add that consumes both operands.
func AddDrop(a, b int) *script.Script {
	return script.Concat(Zip(a, b), ripple(u8AddCarry, u8Add))
}

// Sub pushes value[a] - value[b] mod 2^32, consuming b and keeping a.
func Sub(a, b int) *script.Script {
	return script.Concat(CopyZip(a, b), ripple(u8SubBorrow, u8Sub))
}

// SubDrop is Sub that consumes both operands.
func SubDrop(a, b int) *script.Script {
	return script.Concat(Zip(a, b), ripple(u8SubBorrow, u8Sub))
}
