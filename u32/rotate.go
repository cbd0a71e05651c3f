package u32

import (
	"github.com/btcsuite/btcd/txscript"

	"github.com/BitVM/BitVM-sub000/script"
)

// extractHighBits splits the top byte x into (x << h) mod 256 below and
// x >> (8-h) on top.
func extractHighBits(h int) *script.Script {
	if h == 1 {
		return script.New().
			Op(txscript.OP_DUP, txscript.OP_ADD).Num(256).
			Op(txscript.OP_2DUP, txscript.OP_GREATERTHANOREQUAL).
			Op(txscript.OP_IF).
			Op(txscript.OP_SUB).Num(1).
			Op(txscript.OP_ELSE).
			Op(txscript.OP_DROP).Num(0).
			Op(txscript.OP_ENDIF)
	}
	x := int64(1) << uint(h-1)
	return script.New().
		Num(0).Op(txscript.OP_TOALTSTACK).
		Repeat(h, func(i int) *script.Script {
			return script.New().
				Num(128).Op(txscript.OP_2DUP, txscript.OP_GREATERTHANOREQUAL).
				Op(txscript.OP_IF).
				Op(txscript.OP_SUB, txscript.OP_FROMALTSTACK).Num(x>>uint(i)).
				Op(txscript.OP_ADD, txscript.OP_TOALTSTACK, txscript.OP_DUP).
				Op(txscript.OP_ENDIF).
				Op(txscript.OP_DROP, txscript.OP_DUP, txscript.OP_ADD)
		}).
		Op(txscript.OP_FROMALTSTACK)
}

// byteReorders finish a rotation by whole bytes after the bit-level pass,
// indexed by n / 8.
var byteReorders = [4][]byte{
	{txscript.OP_SWAP, txscript.OP_2SWAP, txscript.OP_SWAP},
	{txscript.OP_SWAP, txscript.OP_ROT},
	{txscript.OP_SWAP, txscript.OP_2SWAP, txscript.OP_SWAP, txscript.OP_2SWAP},
	{txscript.OP_SWAP, txscript.OP_ROT, txscript.OP_2SWAP},
}

// u8RRot7 rolls byte i to the top and splits it into its low seven bits and
// its high bit.
func u8RRot7(i int) *script.Script {
	return script.New().
		Int(i).Op(txscript.OP_ROLL).
		Num(128).Op(txscript.OP_2DUP, txscript.OP_GREATERTHANOREQUAL).
		Op(txscript.OP_IF).
		Op(txscript.OP_SUB).Num(1).
		Op(txscript.OP_ELSE).
		Op(txscript.OP_DROP).Num(0).
		Op(txscript.OP_ENDIF)
}

// RRot7 rotates the top word right by 7 bits.
func RRot7() *script.Script {
	s := script.New().Append(u8RRot7(0))
	for _, i := range []int{2, 3, 4} {
		s.Append(u8RRot7(i)).
			Op(txscript.OP_TOALTSTACK, txscript.OP_DUP, txscript.OP_ADD, txscript.OP_ADD, txscript.OP_FROMALTSTACK)
	}
	return s.Num(4).
		Op(txscript.OP_ROLL, txscript.OP_DUP, txscript.OP_ADD, txscript.OP_ADD).
		Op(txscript.OP_SWAP, txscript.OP_2SWAP, txscript.OP_SWAP)
}

// RRot8 rotates the top word right by one byte.
func RRot8() *script.Script {
	return script.New().Op(txscript.OP_2SWAP).Num(3).Op(txscript.OP_ROLL)
}

// RRot16 swaps the two halves of the top word.
func RRot16() *script.Script {
	return script.New().Op(txscript.OP_2SWAP)
}

// RRot12 rotates the top word right by 12 bits.
func RRot12() *script.Script {
	return RRot(12)
}

// RRot rotates the top word right by n bits, n in [0, 32).
func RRot(n int) *script.Script {
	switch {
	case n < 0 || n >= 32:
		return script.New().Fail(script.Errorf("rrot", script.ErrOutOfRange, "n=%d", n))
	case n == 0:
		return script.New()
	case n == 7:
		return RRot7()
	case n == 8:
		return RRot8()
	case n == 16:
		return RRot16()
	case n == 23:
		return script.Concat(RRot16(), RRot7())
	case n == 24:
		return script.New().Num(3).Op(txscript.OP_ROLL)
	}

	h := 8 - n%8
	e := extractHighBits(h)
	return script.New().
		Append(e).Op(txscript.OP_ROT).
		Append(e).Num(4).Op(txscript.OP_ROLL).
		Append(e).Num(6).Op(txscript.OP_ROLL).
		Append(e).Num(7).Op(txscript.OP_ROLL, txscript.OP_ADD, txscript.OP_TOALTSTACK).
		Repeat(3, func(int) *script.Script {
			return script.New().Op(txscript.OP_ADD, txscript.OP_TOALTSTACK)
		}).
		Repeat(4, func(int) *script.Script {
			return script.New().Op(txscript.OP_FROMALTSTACK)
		}).
		Op(byteReorders[n/8]...)
}
